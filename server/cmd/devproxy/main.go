package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/grid4/portal-devproxy/pkg/types"
	"github.com/grid4/portal-devproxy/server/internal/api"
	"github.com/grid4/portal-devproxy/server/internal/clientagent"
	"github.com/grid4/portal-devproxy/server/internal/config"
	"github.com/grid4/portal-devproxy/server/internal/metrics"
	"github.com/grid4/portal-devproxy/server/internal/proxy"
	"github.com/grid4/portal-devproxy/server/internal/static"
	"github.com/grid4/portal-devproxy/server/internal/store"
	"github.com/grid4/portal-devproxy/server/internal/watcher"
	"github.com/grid4/portal-devproxy/server/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func main() {
	cfg, err := config.Load(config.DefaultFile, os.LookupEnv)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(os.Stdout, cfg.LogFormat, cfg.LogLevel))

	slog.Info("config loaded",
		"target", cfg.Target().String(),
		"http_port", cfg.HTTPPort,
		"ws_port", cfg.EffectiveWSPort(),
		"root_dir", cfg.RootDir,
		"overrides", len(cfg.Overrides),
		"rules", len(cfg.Rules()),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(cfg)
	if err != nil {
		slog.Error("failed to build proxy", "err", err)
		os.Exit(1)
	}
	if err := a.run(ctx); err != nil {
		slog.Error("devproxy stopped", "err", err)
		os.Exit(1)
	}
	slog.Info("devproxy shut down")
}

// newLogger returns the process logger for the configured format and level.
func newLogger(w io.Writer, format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// app owns every long-lived component. One instance per process.
type app struct {
	cfg     *config.Config
	reg     *metrics.Registry
	store   *store.Store
	hub     *ws.Hub
	watcher *watcher.Watcher
	proxy   *proxy.Proxy
	status  http.Handler
}

func newApp(cfg *config.Config) (*app, error) {
	reg := metrics.NewRegistry()
	st := store.New(cfg.ChangeTTL)

	agent, err := clientagent.New(clientagent.Options{
		WSPort:         cfg.EffectiveWSPort(),
		ReconnectDelay: cfg.ReconnectDelay,
	})
	if err != nil {
		return nil, err
	}

	hub := ws.New(ws.WithRecorder(st), ws.WithMetrics(reg))
	files := static.New(cfg.RootDir, cfg.Overrides, agent, static.WithMetrics(reg))

	return &app{
		cfg:     cfg,
		reg:     reg,
		store:   st,
		hub:     hub,
		watcher: watcher.New(cfg.RootDir, cfg.WatchPatterns(), watcher.WithMetrics(reg)),
		proxy: proxy.New(cfg.Target(),
			proxy.WithLocal(files),
			proxy.WithRules(cfg.Rules()),
			proxy.WithMaxRewriteBytes(cfg.MaxRewriteBytes),
			proxy.WithUpstreamTimeout(cfg.UpstreamTimeout),
			proxy.WithMetrics(reg),
		),
		status: api.New(cfg, hub, st),
	}, nil
}

// routes returns the handler for the proxy port. Paths under the reserved
// diagnostics prefix stay local; every other request goes to the proxy as is,
// without ServeMux path cleaning or redirects.
func (a *app) routes() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == api.Prefix+"metrics":
			a.reg.ServeHTTP(w, r)
		case strings.HasPrefix(r.URL.Path, api.Prefix):
			a.status.ServeHTTP(w, r)
		default:
			a.proxy.ServeHTTP(w, r)
		}
	})
}

// run listens on both ports and blocks until ctx is cancelled or a component
// fails. Listening happens before any goroutine starts so a busy port is
// reported as a startup error.
func (a *app) run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("listen http port %d: %w", a.cfg.HTTPPort, err)
	}
	wsLis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.EffectiveWSPort()))
	if err != nil {
		httpLis.Close()
		return fmt.Errorf("listen ws port %d: %w", a.cfg.EffectiveWSPort(), err)
	}
	return a.serve(ctx, httpLis, wsLis)
}

func (a *app) serve(ctx context.Context, httpLis, wsLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	events := make(chan types.WatchEvent, 64)
	httpSrv := &http.Server{Handler: a.routes(), ReadHeaderTimeout: 10 * time.Second}
	wsSrv := &http.Server{Handler: a.hub, ReadHeaderTimeout: 10 * time.Second}

	g.Go(func() error { return a.watcher.Run(ctx, events) })
	g.Go(func() error {
		a.hub.Run(ctx, events)
		return nil
	})
	g.Go(func() error {
		a.store.Run(ctx)
		return nil
	})
	g.Go(func() error {
		slog.Info("HTTP proxy listening", "addr", httpLis.Addr().String(), "target", a.cfg.Target().String())
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		slog.Info("WebSocket hub listening", "addr", wsLis.Addr().String())
		if err := wsSrv.Serve(wsLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("ws server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-a.watcher.Ready():
			slog.Info("devproxy ready", "url", a.cfg.LocalURL("/"))
		case <-ctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		slog.Info("devproxy shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// The hub closes its own connections when Run returns; Shutdown does
		// not track hijacked conns.
		wsSrv.Shutdown(sctx)   //nolint:errcheck
		httpSrv.Shutdown(sctx) //nolint:errcheck
		return nil
	})

	return g.Wait()
}
