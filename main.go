package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dylanconnolly/shop-gateway/auth"
	"github.com/dylanconnolly/shop-gateway/config"
	"github.com/dylanconnolly/shop-gateway/logger"
	"github.com/dylanconnolly/shop-gateway/redis"
	"github.com/dylanconnolly/shop-gateway/server"
	"github.com/dylanconnolly/shop-gateway/users"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

type App struct {
	cfg        *config.Config
	log        *zap.Logger
	hub        *server.Hub
	gateway    *server.Gateway
	httpServer *http.Server

	directory *users.PostgresDirectory
	presence  *redis.DB
}

func NewApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, log: log}

	verifier, err := app.newVerifier(ctx)
	if err != nil {
		app.Close()
		return nil, err
	}

	opts := server.Options{
		AuthHeader:      cfg.Auth.Header,
		AllowedOrigins:  cfg.AllowedOrigins,
		SendBuffer:      cfg.WS.SendBuffer,
		MaxMessageBytes: cfg.WS.MaxMessageBytes,
		PongWait:        cfg.WS.PongWait,
		WriteWait:       cfg.WS.WriteWait,
		Logger:          log,
	}
	if cfg.Redis.Addr != "" {
		app.presence = redis.NewDB(redis.Config{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Node:     cfg.Redis.Node,
		})
		if err := app.presence.Ping(ctx); err != nil {
			app.Close()
			return nil, err
		}
		// whatever a previous run of this node left behind is stale
		if err := app.presence.Reset(ctx); err != nil {
			log.Warn("error clearing stale presence", zap.Error(err))
		}
		opts.Presence = app.presence
	}

	app.hub = server.NewHub(log)
	app.gateway = server.NewGateway(app.hub, server.NewRegistry(), verifier, opts)
	app.httpServer = server.NewHTTPServer(cfg.Listen, server.NewRouter(app.gateway, cfg.AllowedOrigins))
	return app, nil
}

func (app *App) newVerifier(ctx context.Context) (auth.Verifier, error) {
	tokens, err := auth.NewJWTVerifier(auth.Options{
		Secret: []byte(app.cfg.Auth.Secret),
		Alg:    app.cfg.Auth.Algorithm,
		Issuer: app.cfg.Auth.Issuer,
		Leeway: app.cfg.Auth.Leeway,
	})
	if err != nil {
		return nil, err
	}
	if app.cfg.Database.URL == "" {
		return tokens, nil
	}

	app.directory, err = users.NewPostgresDirectory(ctx, app.cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	return &auth.DirectoryVerifier{
		Tokens:  tokens,
		Users:   app.directory,
		Timeout: app.cfg.Auth.LookupTimeout,
	}, nil
}

// Run serves until ctx is cancelled, then drains the open connections.
func (app *App) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go app.hub.Run(hubCtx)

	errc := make(chan error, 1)
	go func() {
		app.log.Info("listening", zap.String("addr", app.httpServer.Addr))
		if err := app.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		if err != nil {
			return errors.Wrap(err, "failed to listen")
		}
	case <-ctx.Done():
	}

	app.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// hijacked websocket connections are not tracked by http.Server
	if err := app.httpServer.Shutdown(shutdownCtx); err != nil {
		app.log.Warn("error shutting down http server", zap.Error(err))
	}
	if err := app.gateway.Shutdown(shutdownCtx); err != nil {
		app.log.Warn("connections still open after shutdown timeout", zap.Error(err))
	}
	return nil
}

func (app *App) Close() {
	if app.directory != nil {
		app.directory.Close()
	}
	if app.presence != nil {
		if err := app.presence.Close(); err != nil {
			app.log.Warn("error closing redis", zap.Error(err))
		}
	}
}

func serve(cfg *config.Config) error {
	log := logger.Init(cfg.Log.Level, cfg.Log.Development)
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, cfg, log)
	if err != nil {
		log.Error("failed to start app", zap.Error(err))
		return err
	}
	defer app.Close()

	return app.Run(ctx)
}
