// Package admin serves the HTTP surface used to register and inspect
// device proxies.
package admin

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/adbrelay/internal/observability"
	"github.com/danmuck/adbrelay/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const version = "0.1.0"

// Registry is the device registry the API drives; *relay.Manager
// satisfies it.
type Registry interface {
	Register(device relay.Device) (relay.ProxyInfo, error)
	Unregister(serial string) error
	Get(serial string) (relay.ProxyInfo, bool)
	List() []relay.ProxyInfo
}

type Server struct {
	Addr     string
	Appeared time.Time

	registry Registry
	router   *gin.Engine
	http     *http.Server
}

type registerRequest struct {
	Serial string `json:"serial" binding:"required"`
	Name   string `json:"name"`
}

func New(addr string, registry Registry, corsOrigins []string) *Server {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(log.Logger))
	r.Use(observability.RequestMetricsMiddleware())
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST", "DELETE"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		Addr:     addr,
		Appeared: time.Now(),
		registry: registry,
		router:   r,
	}
	s.registerRoutes()
	return s
}

func (s *Server) HTTPRouter() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.Appeared).String(),
			"service": "adbrelay",
			"version": version,
		})
	})

	s.router.GET("/ready", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"ready":   true,
			"devices": len(s.registry.List()),
			"version": version,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	s.router.GET("/devices", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"devices": s.registry.List()})
	})

	s.router.GET("/devices/:serial", func(c *gin.Context) {
		info, ok := s.registry.Get(c.Param("serial"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": relay.ErrDeviceNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, info)
	})

	s.router.POST("/devices", func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		info, err := s.registry.Register(relay.Device{
			Serial: strings.TrimSpace(req.Serial),
			Name:   strings.TrimSpace(req.Name),
		})
		if err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusCreated, info)
	})

	s.router.DELETE("/devices/:serial", func(c *gin.Context) {
		serial := c.Param("serial")
		if err := s.registry.Unregister(serial); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok", "serial": serial})
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrInvalidDevice):
		return http.StatusBadRequest
	case errors.Is(err, relay.ErrDeviceExists):
		return http.StatusConflict
	case errors.Is(err, relay.ErrDeviceNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrPortRangeExhausted), errors.Is(err, relay.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Serve listens on Addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	return s.serveListener(ctx, ln)
}

func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("admin api listening")

	errc := make(chan error, 1)
	go func() {
		errc <- s.http.Serve(ln)
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	log.Info().Msg("admin api stopped")
	return nil
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
