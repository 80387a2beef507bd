// Package main is the entry point for the vmorch server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/jamesprial/vmorch/internal/auth"
	"github.com/jamesprial/vmorch/internal/config"
	"github.com/jamesprial/vmorch/internal/logging"
	"github.com/jamesprial/vmorch/internal/metrics"
	"github.com/jamesprial/vmorch/internal/orchestrator"
	"github.com/jamesprial/vmorch/internal/safety"
	"github.com/jamesprial/vmorch/internal/store"
	"github.com/jamesprial/vmorch/internal/tools"
	"github.com/jamesprial/vmorch/internal/vm"
)

const defaultConfigPath = "/config/config.yaml"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vmorch: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, cfgErr := loadConfig()
	config.ApplyEnvOverrides(cfg)

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	if cfgErr != nil {
		log.Warn("could not load config, using defaults", zap.Error(cfgErr))
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	tokenBefore := cfg.Server.AuthToken
	token, err := config.EnsureAuthToken(cfg)
	if err != nil {
		log.Warn("could not generate auth token, running without authentication", zap.Error(err))
	} else if tokenBefore == "" {
		log.Info("generated auth token (set VMORCH_AUTH_TOKEN to persist)", zap.String("token", token))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Audit log shared by the tool surface and the engine.
	var auditLogger *safety.AuditLogger
	if cfg.Audit.Enabled {
		f, err := os.OpenFile(cfg.Audit.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			log.Warn("could not open audit log, audit logging disabled",
				zap.String("path", cfg.Audit.LogPath), zap.Error(err))
		} else {
			auditLogger = safety.NewAuditLogger(f, log)
			defer f.Close()
		}
	}

	backend, dhcp, err := newBackend(cfg.Backend, log)
	if err != nil {
		return err
	}
	edgeNet, err := newEdge(cfg.Network.Edge, dhcp, log)
	if err != nil {
		return err
	}

	st, err := store.Open(ctx, cfg.Store.Kind, cfg.Store.Path, cfg.Store.DSN, log)
	if err != nil {
		return err
	}
	defer st.Close()
	registry, err := st.Load(ctx)
	if err != nil {
		return err
	}

	opts := []orchestrator.Option{
		orchestrator.WithStore(st),
		orchestrator.WithEdge(edgeNet),
		orchestrator.WithLogger(log.Named("engine")),
		orchestrator.WithPrefix(cfg.Backend.Prefix),
	}
	if auditLogger != nil {
		opts = append(opts, orchestrator.WithAuditor(auditLogger))
	}
	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		opts = append(opts, orchestrator.WithObserver(m))
	}

	engine := orchestrator.New(backend, newAllocator(cfg.Network), opts...)
	engine.Restore(registry)

	guard := &vm.Guard{}
	if m != nil {
		m.TrackRegistry(func() (n int) {
			guard.Read(func() { n = len(engine.VMs()) })
			return n
		})
	}

	res := connect(ctx, guard, engine, log)
	if !res.Success {
		log.Warn("backend not connected at startup; call host_connect to retry", zap.String("error", res.Message))
	}

	// Build MCP server.
	mcpServer := server.NewMCPServer(
		"vmorch",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	vmFilter := safety.NewFilter(cfg.Safety.VMs.Allowlist, cfg.Safety.VMs.Denylist)
	vmConfirm := safety.NewConfirmationTracker(vm.DestructiveTools)
	registrations := vm.VMTools(engine, guard, vmFilter, vmConfirm, auditLogger)
	if err := tools.RegisterAll(mcpServer, registrations, log); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/", server.NewStreamableHTTPServer(mcpServer))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	if m != nil {
		mux.Handle(cfg.Metrics.Path, m.Handler())
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           auth.NewAuthMiddleware(cfg.Server.AuthToken, log, "/healthz")(mux),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("vmorch listening", zap.String("addr", addr), zap.String("backend", backend.Name()))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown error", zap.Error(err))
	}
	guard.Host(func() { res = engine.HostUnload(shutdownCtx) })
	if !res.Success {
		log.Warn("backend disconnect failed", zap.String("error", res.Message))
	}
	log.Info("server stopped")
	return nil
}

// loadConfig reads the config file from VMORCH_CONFIG_PATH or the default
// /config/config.yaml. If the file cannot be read, DefaultConfig is
// returned along with the read error.
func loadConfig() (*config.Config, error) {
	path := os.Getenv("VMORCH_CONFIG_PATH")
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.LoadConfig(path)
	if err != nil {
		return config.DefaultConfig(), fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}
