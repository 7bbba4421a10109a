package rest

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/llm-d-incubation/gpu-split-optimizer/internal/logger"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/config"
	"github.com/llm-d-incubation/gpu-split-optimizer/pkg/manager"
)

// Base REST server
type BaseServer struct {
	router  *gin.Engine
	manager *manager.Manager
}

func NewBaseServer(mgr *manager.Manager) *BaseServer {
	return &BaseServer{
		router:  gin.Default(),
		manager: mgr,
	}
}

// Handler exposes the router, for tests and embedding.
func (server *BaseServer) Handler() http.Handler {
	return server.router
}

// Address is host:port from the environment, or the defaults.
func Address() string {
	var host, port string
	if host = os.Getenv(config.RestHostEnvName); host == "" {
		host = config.DefaultRestHost
	}
	if port = os.Getenv(config.RestPortEnvName); port == "" {
		port = config.DefaultRestPort
	}
	return host + ":" + port
}

// Run serves on Address until ctx is done, then shuts down gracefully.
func (server *BaseServer) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              Address(),
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Log.Infow("REST server listening", "address", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownGraceSeconds*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
