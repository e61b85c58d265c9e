package api

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/icotes/icotes/pkg/connection"
	"github.com/icotes/icotes/pkg/filesystem"
	"github.com/icotes/icotes/pkg/hop"
	"github.com/icotes/icotes/pkg/jsonrpc"
	"github.com/icotes/icotes/pkg/wsapi"
)

// RPCDeps are the services the JSON-RPC methods call into.
type RPCDeps struct {
	Manager *connection.Manager
	Router  *hop.Router
	Exec    wsapi.Executor
}

// RegisterMethods binds the method surface shared by the /rpc endpoint
// and the WebSocket jsonrpc frames.
func RegisterMethods(h *jsonrpc.Handler, deps RPCDeps) {
	h.Register("connection.ping", func(_ context.Context, _ *jsonrpc.Request) (any, error) {
		return map[string]any{"pong": true, "timestamp": float64(time.Now().UnixNano()) / 1e9}, nil
	})

	h.Register("connection.info", func(_ context.Context, req *jsonrpc.Request) (any, error) {
		var params struct {
			ConnectionID string `json:"connection_id"`
		}
		if err := jsonrpc.ParamsInto(req, &params); err != nil {
			return nil, err
		}
		if params.ConnectionID == "" {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "connection_id is required")
		}
		info, err := deps.Manager.Get(params.ConnectionID)
		if err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeNotFound, "connection not found")
		}
		return info, nil
	})

	h.Register("connection.stats", func(_ context.Context, _ *jsonrpc.Request) (any, error) {
		return deps.Manager.Stats(), nil
	})

	h.Register("auth.login", func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		var params struct {
			ConnectionID string `json:"connection_id"`
			Token        string `json:"token"`
			Method       string `json:"method"`
		}
		if err := jsonrpc.ParamsInto(req, &params); err != nil {
			return nil, err
		}
		if params.ConnectionID == "" {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "connection_id is required")
		}
		info, err := deps.Manager.Authenticate(ctx, params.ConnectionID, params.Token, params.Method)
		if err != nil {
			if errors.Is(err, connection.ErrNotFound) {
				return nil, jsonrpc.NewError(jsonrpc.CodeNotFound, "connection not found")
			}
			return nil, jsonrpc.NewError(jsonrpc.CodeAuthentication, "authentication failed")
		}
		return info, nil
	})

	h.Register("auth.logout", func(_ context.Context, req *jsonrpc.Request) (any, error) {
		var params struct {
			ConnectionID string `json:"connection_id"`
		}
		if err := jsonrpc.ParamsInto(req, &params); err != nil {
			return nil, err
		}
		if params.ConnectionID == "" {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "connection_id is required")
		}
		if err := deps.Manager.Disconnect(params.ConnectionID, "logout"); err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeNotFound, "connection not found")
		}
		return map[string]any{"success": true}, nil
	})

	h.Register("message.send", func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		var params struct {
			ConnectionID string          `json:"connection_id"`
			Message      json.RawMessage `json:"message"`
		}
		if err := jsonrpc.ParamsInto(req, &params); err != nil {
			return nil, err
		}
		if params.ConnectionID == "" || len(params.Message) == 0 {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "connection_id and message are required")
		}
		if err := deps.Manager.Send(ctx, params.ConnectionID, params.Message); err != nil {
			if errors.Is(err, connection.ErrNotFound) {
				return nil, jsonrpc.NewError(jsonrpc.CodeNotFound, "connection not found")
			}
			return nil, jsonrpc.NewError(jsonrpc.CodeConnection, "send failed")
		}
		return map[string]any{"success": true}, nil
	})

	h.Register("message.broadcast", func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		var params struct {
			Message   json.RawMessage `json:"message"`
			SessionID string          `json:"session_id"`
		}
		if err := jsonrpc.ParamsInto(req, &params); err != nil {
			return nil, err
		}
		if len(params.Message) == 0 {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "message is required")
		}
		var filter func(connection.Info) bool
		if params.SessionID != "" {
			filter = func(info connection.Info) bool { return info.SessionID == params.SessionID }
		}
		sent := deps.Manager.Broadcast(ctx, params.Message, filter)
		return map[string]any{"sent": sent}, nil
	})

	h.Register("execute.code", func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		if deps.Exec == nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeServiceUnavailable, "code execution is not available")
		}
		var payload map[string]any
		if err := jsonrpc.ParamsInto(req, &payload); err != nil {
			return nil, err
		}
		result, err := deps.Exec.Execute(ctx, payload)
		if err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
		}
		return result, nil
	})

	h.Register("execute.code_streaming", func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		if deps.Exec == nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeServiceUnavailable, "code execution is not available")
		}
		var payload map[string]any
		if err := jsonrpc.ParamsInto(req, &payload); err != nil {
			return nil, err
		}
		// Over plain RPC there is no frame channel to stream into, so
		// updates are collected and returned in one response.
		var updates []map[string]any
		err := deps.Exec.ExecuteStreaming(ctx, payload, func(update map[string]any) {
			updates = append(updates, update)
		})
		if err != nil {
			return nil, jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
		}
		return map[string]any{"updates": updates}, nil
	})

	registerFileMethods(h, deps.Router)
}

// fsError converts filesystem failures to wire errors.
func fsError(err error) error {
	switch {
	case errors.Is(err, filesystem.ErrNotFound):
		return jsonrpc.NewError(jsonrpc.CodeNotFound, "path not found")
	case errors.Is(err, filesystem.ErrExists):
		return jsonrpc.NewError(jsonrpc.CodeConflict, "destination already exists")
	case errors.Is(err, filesystem.ErrOutsideRoot):
		return jsonrpc.NewError(jsonrpc.CodeValidation, "path outside workspace root")
	}
	return jsonrpc.NewError(jsonrpc.CodeInternalError, err.Error())
}

// resolveFS splits an optionally namespaced path reference and returns
// the filesystem that serves it.
func resolveFS(router *hop.Router, ref string) (filesystem.FileSystem, string, error) {
	contextID, path, err := router.ParseNamespacedPath(ref)
	if err != nil {
		return nil, "", jsonrpc.NewError(jsonrpc.CodeValidation, err.Error())
	}
	fs, err := router.Filesystem(contextID)
	if err != nil {
		return nil, "", jsonrpc.NewError(jsonrpc.CodeServiceUnavailable, err.Error())
	}
	return fs, path, nil
}

func registerFileMethods(h *jsonrpc.Handler, router *hop.Router) {
	h.Register("file.list_directory", func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		var params struct {
			Path          string `json:"path"`
			IncludeHidden bool   `json:"include_hidden"`
			Recursive     bool   `json:"recursive"`
		}
		if err := jsonrpc.ParamsInto(req, &params); err != nil {
			return nil, err
		}
		fs, path, err := resolveFS(router, params.Path)
		if err != nil {
			return nil, err
		}
		entries, err := fs.List(ctx, path, filesystem.ListOptions{
			IncludeHidden: params.IncludeHidden,
			Recursive:     params.Recursive,
		})
		if err != nil {
			return nil, fsError(err)
		}
		return map[string]any{"entries": entries}, nil
	})

	h.Register("file.read", func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		var params struct {
			Path string `json:"path"`
		}
		if err := jsonrpc.ParamsInto(req, &params); err != nil {
			return nil, err
		}
		if params.Path == "" {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "path is required")
		}
		fs, path, err := resolveFS(router, params.Path)
		if err != nil {
			return nil, err
		}
		data, err := fs.Read(ctx, path)
		if err != nil {
			return nil, fsError(err)
		}
		return map[string]any{"content": string(data)}, nil
	})

	h.Register("file.write", func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		var params struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := jsonrpc.ParamsInto(req, &params); err != nil {
			return nil, err
		}
		if params.Path == "" {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "path is required")
		}
		fs, path, err := resolveFS(router, params.Path)
		if err != nil {
			return nil, err
		}
		if err := fs.Write(ctx, path, []byte(params.Content)); err != nil {
			return nil, fsError(err)
		}
		return map[string]any{"success": true}, nil
	})

	h.Register("file.delete", func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		var params struct {
			Path string `json:"path"`
		}
		if err := jsonrpc.ParamsInto(req, &params); err != nil {
			return nil, err
		}
		if params.Path == "" {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "path is required")
		}
		fs, path, err := resolveFS(router, params.Path)
		if err != nil {
			return nil, err
		}
		if err := fs.Delete(ctx, path); err != nil {
			return nil, fsError(err)
		}
		return map[string]any{"success": true}, nil
	})

	h.Register("file.create_directory", func(ctx context.Context, req *jsonrpc.Request) (any, error) {
		var params struct {
			Path string `json:"path"`
		}
		if err := jsonrpc.ParamsInto(req, &params); err != nil {
			return nil, err
		}
		if params.Path == "" {
			return nil, jsonrpc.NewError(jsonrpc.CodeInvalidParams, "path is required")
		}
		fs, path, err := resolveFS(router, params.Path)
		if err != nil {
			return nil, err
		}
		if err := fs.CreateDirectory(ctx, path); err != nil {
			return nil, fsError(err)
		}
		return map[string]any{"success": true}, nil
	})
}
