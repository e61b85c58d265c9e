// icotes server — the session and event fabric behind the web IDE:
// message broker, WebSocket API, SSH hop service and terminal bridges.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/icotes/icotes/pkg/api"
	"github.com/icotes/icotes/pkg/broadcast"
	"github.com/icotes/icotes/pkg/broker"
	"github.com/icotes/icotes/pkg/config"
	"github.com/icotes/icotes/pkg/connection"
	"github.com/icotes/icotes/pkg/filesystem"
	"github.com/icotes/icotes/pkg/hop"
	"github.com/icotes/icotes/pkg/jsonrpc"
	"github.com/icotes/icotes/pkg/remotefs"
	"github.com/icotes/icotes/pkg/remoteterm"
	"github.com/icotes/icotes/pkg/terminal"
	"github.com/icotes/icotes/pkg/version"
	"github.com/icotes/icotes/pkg/wsapi"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting icotes",
		"version", version.Full(),
		"http_port", cfg.HTTPPort,
		"workspace", cfg.WorkspaceRoot)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 1. Message broker — everything else publishes through it.
	bus := broker.New(broker.Options{
		HistorySize:    cfg.Broker.HistorySize,
		ExpiryInterval: cfg.Broker.ExpiryInterval,
	})
	bus.Start(ctx)

	// 2. Connection manager.
	manager := connection.NewManager(bus, connection.Options{
		MaxPerSession:     cfg.Connection.MaxPerSession,
		ConnectionTimeout: cfg.Connection.ConnectionTimeout,
		PingInterval:      cfg.Connection.PingInterval,
	})
	manager.Start(ctx)

	// 3. Local filesystem rooted at the workspace.
	localFS := filesystem.NewLocal(cfg.WorkspaceRoot, bus)

	// 4. Hop service over the credential store.
	store := hop.NewCredentialStore(cfg.HopConfigPath(), cfg.HopKeyDir(), cfg.LegacyCredentialsPath())
	hopSvc := hop.NewService(cfg.Hop, store, bus, nil, slog.Default())

	// 5. Remote adapters and the local terminal service.
	remoteFS := remotefs.New(hopSvc, bus, cfg.Hop.OperationTimeout)
	remoteTerm := remoteterm.NewManager(hopSvc, cfg.Hop.RemoteShell, slog.Default())
	localTerm := terminal.NewService(cfg.Terminal, "", cfg.WorkspaceRoot, slog.Default())
	go localTerm.Run(ctx)

	// 6. Context router resolves local vs remote per request.
	router := hop.NewRouter(hopSvc, localFS, remoteFS, localTerm, remoteTerm)

	// 7. JSON-RPC surface shared by /rpc and the WebSocket frames.
	rpc := jsonrpc.NewHandler()
	api.RegisterMethods(rpc, api.RPCDeps{Manager: manager, Router: router})

	// 8. WebSocket API plus the broadcaster delivering through it.
	ws := wsapi.New(cfg.WSAPI, bus, manager, rpc, nil, slog.Default())
	if err := ws.Start(ctx); err != nil {
		slog.Error("Failed to start WebSocket API", "error", err)
		os.Exit(1)
	}
	broadcaster := broadcast.New(bus, ws, broadcast.Options{
		HistorySize:     cfg.Broadcast.HistorySize,
		DeliveryTimeout: cfg.Broadcast.DeliveryTimeout,
	})
	if err := broadcaster.Start(ctx); err != nil {
		slog.Error("Failed to start broadcaster", "error", err)
		os.Exit(1)
	}

	// 9. HTTP server.
	httpServer := api.NewServer(api.Deps{
		Bus:           bus,
		Manager:       manager,
		Broadcaster:   broadcaster,
		Hop:           hopSvc,
		Router:        router,
		RPC:           rpc,
		WS:            ws,
		Log:           slog.Default(),
		WorkspaceRoot: cfg.WorkspaceRoot,
	})

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		slog.Info("HTTP server listening", "addr", addr)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("Server error triggered shutdown", "error", err)
	}

	// Graceful shutdown: stop accepting work, then tear subsystems down
	// from the edges inward.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}
	ws.Stop()
	localTerm.DestroyAll()
	// hop shutdown runs the disconnect hooks, which kill remote terminals.
	hopSvc.Shutdown()
	broadcaster.Stop()
	manager.Stop()
	bus.Stop()
	cancel()

	slog.Info("Shutdown complete")
}
