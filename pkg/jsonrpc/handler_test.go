package jsonrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoHandler(_ context.Context, req *Request) (any, error) {
	var params map[string]any
	if err := ParamsInto(req, &params); err != nil {
		return nil, err
	}
	return params, nil
}

func newTestHandler() *Handler {
	h := NewHandler()
	h.Register("echo", echoHandler)
	h.Register("fail", func(context.Context, *Request) (any, error) {
		return nil, errors.New("boom")
	})
	h.Register("authfail", func(context.Context, *Request) (any, error) {
		return nil, NewError(CodeAuthentication, "bad credentials")
	})
	h.Register("panics", func(context.Context, *Request) (any, error) {
		panic("kaboom")
	})
	return h
}

func parseResponse(t *testing.T, raw []byte) *Response {
	t.Helper()
	var resp Response
	require.NoError(t, json.Unmarshal(raw, &resp))
	return &resp
}

func TestHandleRaw_Echo(t *testing.T) {
	h := newTestHandler()
	out := h.HandleRaw(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"echo","params":{"x":1},"id":1}`))
	resp := parseResponse(t, out)

	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"x": float64(1)}, resp.Result)
	assert.Equal(t, "1", string(resp.ID))
}

func TestHandleRaw_ParseError(t *testing.T) {
	h := newTestHandler()
	resp := parseResponse(t, h.HandleRaw(context.Background(), []byte(`{nope`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeParseError, resp.Error.Code)
}

func TestHandleRaw_Validation(t *testing.T) {
	h := newTestHandler()
	cases := []struct {
		name string
		raw  string
		code int
	}{
		{"wrong version", `{"jsonrpc":"1.0","method":"echo","id":1}`, CodeInvalidRequest},
		{"missing method", `{"jsonrpc":"2.0","id":1}`, CodeInvalidRequest},
		{"scalar params", `{"jsonrpc":"2.0","method":"echo","params":5,"id":1}`, CodeInvalidParams},
		{"unknown method", `{"jsonrpc":"2.0","method":"nope","id":1}`, CodeMethodNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp := parseResponse(t, h.HandleRaw(context.Background(), []byte(tc.raw)))
			require.NotNil(t, resp.Error)
			assert.Equal(t, tc.code, resp.Error.Code)
		})
	}
}

func TestHandleRaw_ElapsedTimeout(t *testing.T) {
	h := newTestHandler()
	sentAt := float64(time.Now().Add(-time.Minute).Unix())

	raw := fmt.Sprintf(`{"jsonrpc":"2.0","method":"echo","id":1,"timeout":1,"timestamp":%v}`, sentAt)
	resp := parseResponse(t, h.HandleRaw(context.Background(), []byte(raw)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTimeout, resp.Error.Code)

	// The same expired request as a notification produces no response.
	rawNotif := fmt.Sprintf(`{"jsonrpc":"2.0","method":"echo","timeout":1,"timestamp":%v}`, sentAt)
	assert.Nil(t, h.HandleRaw(context.Background(), []byte(rawNotif)))
}

func TestHandleRaw_Notification(t *testing.T) {
	h := newTestHandler()
	out := h.HandleRaw(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"echo","params":{"x":1}}`))
	assert.Nil(t, out)
}

func TestHandleRaw_HandlerErrors(t *testing.T) {
	h := newTestHandler()

	resp := parseResponse(t, h.HandleRaw(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"fail","id":1}`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)

	resp = parseResponse(t, h.HandleRaw(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"authfail","id":2}`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeAuthentication, resp.Error.Code)
	assert.Equal(t, "bad credentials", resp.Error.Message)

	resp = parseResponse(t, h.HandleRaw(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"panics","id":3}`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInternalError, resp.Error.Code)
}

func TestHandleRaw_Batch(t *testing.T) {
	h := newTestHandler()
	batch := `[
		{"jsonrpc":"2.0","method":"echo","params":{"a":1},"id":1},
		{"jsonrpc":"2.0","method":"echo","params":{"b":2}},
		{"jsonrpc":"2.0","method":"nope","id":3}
	]`
	out := h.HandleRaw(context.Background(), []byte(batch))

	var responses []*Response
	require.NoError(t, json.Unmarshal(out, &responses))
	// The notification is dropped; order of the rest is preserved.
	require.Len(t, responses, 2)
	assert.Equal(t, "1", string(responses[0].ID))
	assert.Nil(t, responses[0].Error)
	assert.Equal(t, "3", string(responses[1].ID))
	assert.Equal(t, CodeMethodNotFound, responses[1].Error.Code)
}

func TestHandleRaw_EmptyBatch(t *testing.T) {
	h := newTestHandler()
	resp := parseResponse(t, h.HandleRaw(context.Background(), []byte(`[]`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
}

func TestHandleRaw_AllNotificationBatch(t *testing.T) {
	h := newTestHandler()
	out := h.HandleRaw(context.Background(),
		[]byte(`[{"jsonrpc":"2.0","method":"echo"},{"jsonrpc":"2.0","method":"echo"}]`))
	assert.Nil(t, out)
}

func TestMiddleware_TransformAndReject(t *testing.T) {
	h := newTestHandler()

	h.Use(func(_ context.Context, req *Request) (*Request, error) {
		if req.Method == "forbidden" {
			return nil, NewError(CodeAuthorization, "not allowed")
		}
		// Rewrite method aliases.
		if req.Method == "echo.alias" {
			req.Method = "echo"
		}
		return req, nil
	})

	resp := parseResponse(t, h.HandleRaw(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"echo.alias","params":{"x":9},"id":1}`)))
	require.Nil(t, resp.Error)
	assert.Equal(t, map[string]any{"x": float64(9)}, resp.Result)

	resp = parseResponse(t, h.HandleRaw(context.Background(),
		[]byte(`{"jsonrpc":"2.0","method":"forbidden","id":2}`)))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeAuthorization, resp.Error.Code)
}
