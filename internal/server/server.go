// Package server owns the HTTP surface: the authenticated websocket
// upgrade endpoint and its middleware pipeline, plus lifecycle management
// for the process.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"

	"github.com/ParkerDaudt/Watercooler-sub000/internal/auth"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/gateway"
	"github.com/ParkerDaudt/Watercooler-sub000/internal/server/middleware"
	"github.com/ParkerDaudt/Watercooler-sub000/pkg/config"
	"github.com/ParkerDaudt/Watercooler-sub000/pkg/transport"
)

type App struct {
	logger  *slog.Logger
	gateway *gateway.Gateway
	wg      sync.WaitGroup
	http    *http.Server
	config  *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, gw *gateway.Gateway) *App {
	app := &App{
		logger:  logger,
		gateway: gw,
		config:  cfg,
		ctx:     rootCtx,
	}

	verifier := auth.NewVerifier(cfg.Server.Auth.JWTSecret)
	h := gw.Hub()

	connCycler := func(userID string) {
		oldest, found := h.OldestSessionForUser(userID)
		if found {
			logger.Info("cycling connection: closing oldest",
				slog.String("userID", userID),
				slog.String("sessionID", oldest.ID.String()),
			)
			oldest.Conn.Close(errors.New("connection cycled by new connection"))
		}
	}

	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.RequestMetadataMiddleware())
		r.Use(middleware.NewRequestLogger(logger))
		r.Use(middleware.NewAuthMiddleware(logger, verifier, gw.Store().UserByID))
		r.Use(middleware.NewConnectionLimiter(logger, h.UserSessionCount, connCycler, cfg.Server.ConnectionLimit))
		r.Get("/ws", app.upgradeHandler)
	})

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: r,
		BaseContext: func(net.Listener) context.Context {
			return app.ctx
		},
	}
	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// upgradeHandler runs after the middleware pipeline, so the request carries
// an authenticated user. It upgrades the socket, activates the session, and
// then blocks until the connection terminates.
func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.User == nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("userID", reqMeta.User.ID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.config.Server.AllowedOrigins,
	})
	if err != nil {
		connLogger.Error("failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		a.ctx,
		&a.wg,
		wsConn,
		transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout},
		nil,
		nil,
		a.logger,
	)

	session := a.gateway.StartSession(conn.ID(), conn, reqMeta.User)
	conn.SetOnMessageHandler(func(ctx context.Context, _ uuid.UUID, msg []byte) {
		a.gateway.HandleFrame(ctx, session, msg)
	})
	conn.SetOnCloseHandler(func(id uuid.UUID, err error) {
		connLogger.Debug("connection closed", slog.String("connID", id.String()), slog.Any("reason", err))
		a.gateway.CloseSession(session)
	})

	connLogger.Info("user connection fully established")
	conn.Run()
	<-conn.Done()
}

// Shutdown drains the process: stop accepting upgrades, close every live
// socket, then wait for connection goroutines and background gateway work.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	a.logger.Info("closing all active connections")
	a.gateway.Hub().CloseAll(errors.New("graceful shutdown"))

	a.wg.Wait()
	a.gateway.Drain()
	a.logger.Info("server shut down gracefully")
	return nil
}
