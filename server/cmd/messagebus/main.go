package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/openvoiceos/ovos-messagebus/server/internal/api"
	"github.com/openvoiceos/ovos-messagebus/server/internal/bus"
	"github.com/openvoiceos/ovos-messagebus/server/internal/config"
	"github.com/openvoiceos/ovos-messagebus/server/internal/limits"
	"github.com/openvoiceos/ovos-messagebus/server/internal/metrics"
	"github.com/openvoiceos/ovos-messagebus/server/internal/registry"
	"github.com/openvoiceos/ovos-messagebus/server/internal/tlscert"
	"github.com/openvoiceos/ovos-messagebus/server/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (default $OVOS_BUS_CONFIG_FILE)")
	flag.Parse()

	// Bootstrap logger until the configured one is known.
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to read .env", "err", err)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	tuning, err := cfg.Tuning()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	var level slog.LevelVar
	lvl, _ := config.ParseLevel(tuning.LogLevel)
	level.Set(lvl)
	initLogger(&level, tuning.LogFormat)

	instanceID := uuid.NewString()
	slog.Info("ovos-messagebus starting",
		"instance_id", instanceID,
		"config", cfg.Path,
		"url", cfg.URL(),
		"max_msg_bytes", cfg.MaxMsgBytes(),
		"max_connections", tuning.MaxConnections,
	)

	if err := run(cfg, tuning, &level, instanceID); err != nil {
		slog.Error("ovos-messagebus stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, tuning config.Tuning, level *slog.LevelVar, instanceID string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	promReg := metrics.NewRegistry()
	m := metrics.New(promReg)

	if cfg.SSL {
		cert, err := tlscert.Inspect(tuning.SSLCert, tuning.SSLKey, time.Now())
		if err != nil {
			return err
		}
		m.TLSCertNotAfter.Set(float64(cert.NotAfter.Unix()))
		log := slog.Info
		if cert.Status != tlscert.StatusValid {
			log = slog.Warn
		}
		log("tls certificate", "subject", cert.Subject, "issuer", cert.Issuer,
			"not_after", cert.NotAfter, "days_left", cert.DaysLeft, "status", cert.Status)
	}

	reg := registry.New(tuning.MaxConnections)
	engine := bus.New(reg, cfg.MaxMsgBytes(), m)
	hub := ws.New(reg, engine, ws.Options{
		SendBufferSize: tuning.SendBufferSize,
		PingInterval:   tuning.PingInterval,
		WriteTimeout:   tuning.WriteTimeout,
		IdleTimeout:    tuning.IdleTimeout,
		Limits:         limits.New(tuning.MaxConnectionsPerIP, tuning.ConnectionRate, tuning.ConnectionBurst, nil),
		Metrics:        m,
	})

	apiHandler := api.New(hub, api.Options{
		InstanceID:  instanceID,
		StartedAt:   time.Now(),
		HealthRoute: tuning.HealthRoute,
	})

	mux := http.NewServeMux()
	mux.Handle(cfg.Route, hub)
	mux.Handle(tuning.HealthRoute, apiHandler)
	mux.Handle("/api/", apiHandler)
	mux.Handle(tuning.MetricsRoute, metrics.Handler(promReg))

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("bus listening", "addr", cfg.Addr(), "route", cfg.Route, "ssl", cfg.SSL)
		var err error
		if cfg.SSL {
			err = srv.ListenAndServeTLS(tuning.SSLCert, tuning.SSLKey)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})

	if cfg.Path != "" {
		g.Go(func() error {
			err := config.Watch(gctx, cfg.Path, func(next *config.Config) {
				applyReload(cfg, next, level)
			})
			if err != nil {
				slog.Warn("config: hot reload disabled", "path", cfg.Path, "err", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		slog.Info("ovos-messagebus shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// applyReload applies the settings that can change at runtime and warns
// about the rest.
func applyReload(cur, next *config.Config, level *slog.LevelVar) {
	t, err := next.Tuning()
	if err != nil {
		slog.Error("config: reload ignored", "err", err)
		return
	}
	if lvl, err := config.ParseLevel(t.LogLevel); err == nil && lvl != level.Level() {
		level.Set(lvl)
		slog.Info("config: log level changed", "level", lvl)
	}
	if cur.RestartRequired(next) {
		slog.Warn("config: listener settings changed, restart to apply", "path", next.Path)
	}
}

// initLogger installs the process-wide logger. level is shared so reloads
// can change it in place.
func initLogger(level *slog.LevelVar, format string) {
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}
