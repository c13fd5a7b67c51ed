package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nexum/internal/api"
	"nexum/internal/auth"
	"nexum/internal/commands"
	"nexum/internal/config"
	"nexum/internal/http"
	"nexum/internal/storage"
	"nexum/internal/ws"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

// app is the wired messaging backend.
type app struct {
	store       *storage.BboltStorage
	auth        *auth.AuthService
	hub         *ws.Hub
	apiServer   *http.APIServer
	adminServer *http.AdminServer
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	store, err := storage.NewBboltStorage(cfg.DBFile)
	if err != nil {
		return nil, err
	}

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      cfg.AuthSecret,
		TokenExpiry: cfg.TokenExpiry,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	hub := ws.NewHub(store, ws.NewMetrics(registry), logger)
	wsServer := ws.NewServer(authService, hub, ws.ServerConfig{
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         logger,
	})

	return &app{
		store:       store,
		auth:        authService,
		hub:         hub,
		apiServer:   http.NewAPIServer(api.New(store, authService, logger), wsServer, cfg.APIAddr, cfg.AllowedOrigins, logger),
		adminServer: http.NewAdminServer(api.NewAdminHandler(store, authService, logger), registry, cfg.AdminAddr, logger),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func run(ctx context.Context, args []string) error {
	flags := flag.NewFlagSet("nexum", flag.ContinueOnError)
	addUser := flags.String("add-user", "", "E-mail of the user to create or update (prints a bearer token)")
	name := flags.String("name", "", "Display name for -add-user")
	role := flags.String("role", "", "Role for -add-user (student, faculty, alumni)")
	dept := flags.String("dept", "", "Department for -add-user")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*addUser != "")
	if err != nil {
		return err
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	if *addUser != "" {
		return commands.AddUser(ctx, api.AddUserRequest{
			Email: *addUser,
			Name:  *name,
			Role:  *role,
			Dept:  *dept,
		}, cfg, os.Stdout)
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	g, gCtx := errgroup.WithContext(ctx)

	// Start Admin Server
	g.Go(func() error {
		err := a.adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := a.apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := a.adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("admin server shutdown failed", "error", err)
		}
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("API server shutdown failed", "error", err)
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, flag.ErrHelp) {
		slog.Error("application error", "error", err)
		os.Exit(1)
	}
}
