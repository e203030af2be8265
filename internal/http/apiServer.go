package http

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"chatcore/internal/api"
	"chatcore/internal/metrics"
	"chatcore/internal/telemetry"
	"chatcore/internal/ws"
)

type APIServer struct {
	server *http.Server
	hub    *ws.Hub
	log    *slog.Logger
	wg     sync.WaitGroup
}

func NewAPIServer(apiHandlers *api.API, wsServer *ws.Server, hub *ws.Hub, addr string, log *slog.Logger) *APIServer {
	router := gin.New()
	router.Use(gin.Recovery(), metrics.HTTPMiddleware(), otelgin.Middleware(telemetry.ServiceName))

	apiHandlers.Register(router)

	// WebSocket endpoint
	router.GET("/api/chat", gin.WrapF(wsServer.HandleConnections))

	if addr == "" {
		addr = ":8080"
	}

	return &APIServer{
		server: &http.Server{
			Addr:    addr,
			Handler: router,
		},
		hub: hub,
		log: log,
	}
}

func (s *APIServer) Start() error {
	s.log.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and closes live websockets, which
// http.Server does not track once hijacked.
func (s *APIServer) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	err := s.server.Shutdown(ctx)
	s.hub.CloseAll()
	return err
}
