package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/postpipe/internal/observability"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const adminVersion = "0.1.0"

var adminTrustedProxies = []string{"127.0.0.1", "::1"}

// setTrustedProxies applies proxies to r. On failure gin keeps its default of
// trusting no forwarding headers; the error is logged.
func setTrustedProxies(r *gin.Engine, proxies []string, logger zerolog.Logger) {
	if err := r.SetTrustedProxies(proxies); err != nil {
		logger.Warn().Err(err).Strs("proxies", proxies).Msg("relay.admin trusted proxies rejected")
	}
}

// AdminRouter builds the read-only admin HTTP surface.
func (s *Service) AdminRouter() *gin.Engine {
	observability.RegisterMetrics()
	r := gin.New()
	r.Use(gin.Recovery())
	logger := observability.ComponentLogger(s.cfg.Name + ".admin")
	r.Use(observability.AdminRequests(s.cfg.Name, logger))
	setTrustedProxies(r, adminTrustedProxies, logger)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).String(),
			"service": s.cfg.Name,
			"version": adminVersion,
		})
	})

	r.GET("/ready", func(c *gin.Context) {
		ready := s.Ready()
		status := http.StatusOK
		if !ready {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{
			"ready":     ready,
			"uptime":    time.Since(s.started).String(),
			"service":   s.cfg.Name,
			"publisher": s.publisher.Name(),
			"version":   adminVersion,
		})
	})

	r.GET("/slots", func(c *gin.Context) {
		pool := s.Pool()
		if pool == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pool not started"})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"socket": s.socketPath,
			"slots":  pool.Snapshot(),
			"counts": pool.StateCounts(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return r
}

// serveAdmin runs the admin router on addr until ctx ends.
func (s *Service) serveAdmin(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return err
	}
	log.Info().Str("addr", ln.Addr().String()).Msg("relay.admin listening")

	srv := &http.Server{
		Handler:           s.AdminRouter(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
