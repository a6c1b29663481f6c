package relay

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/danmuck/postpipe/internal/auth"
	"github.com/danmuck/postpipe/internal/protocol/frame"
	"github.com/danmuck/postpipe/internal/protocol/session"
	"github.com/danmuck/postpipe/internal/publish"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidHeartbeatInterval = errors.New("relay: invalid heartbeat interval")
	ErrMissingPublisher         = errors.New("relay: publisher required")
	ErrMissingValidator         = errors.New("relay: validator required")
)

// ServiceConfig configures one postpiped process.
type ServiceConfig struct {
	Name              string
	SocketPath        string
	PipeName          string
	SocketPermissions string
	Workers           int
	RequireSameUID    bool
	Encoding          string
	AckRejections     bool
	EmbedURL          string
	AdminListenAddr   string
	HeartbeatInterval time.Duration
	Session           session.Config
}

func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Name:              "postpipe",
		PipeName:          DefaultPipeName,
		SocketPermissions: DefaultSocketPermissions,
		Workers:           DefaultWorkers,
		Encoding:          string(frame.EncodingUTF16),
		EmbedURL:          DefaultEmbedURL,
		HeartbeatInterval: 30 * time.Second,
		Session:           session.DefaultConfig(),
	}
}

// Service owns the listener, the worker pool, and the optional admin surface.
type Service struct {
	cfg       ServiceConfig
	validator auth.Validator
	publisher publish.Publisher

	started    time.Time
	socketPath string
	ready      atomic.Bool

	mu   sync.RWMutex
	pool *Pool
}

func NewService(cfg ServiceConfig, validator auth.Validator, publisher publish.Publisher) (*Service, error) {
	if validator == nil {
		return nil, ErrMissingValidator
	}
	if publisher == nil {
		return nil, ErrMissingPublisher
	}
	if strings.TrimSpace(cfg.Name) == "" {
		cfg.Name = DefaultServiceConfig().Name
	}
	cfg.Session = cfg.Session.WithDefaults()
	return &Service{
		cfg:        cfg,
		validator:  validator,
		publisher:  publisher,
		started:    time.Now(),
		socketPath: ResolveSocketPath(cfg.SocketPath, cfg.PipeName),
	}, nil
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return s.RunContext(ctx)
}

// RunContext serves until ctx ends or a component fails.
func (s *Service) RunContext(ctx context.Context) error {
	if s.cfg.HeartbeatInterval <= 0 {
		return ErrInvalidHeartbeatInterval
	}
	if err := s.cfg.Session.Validate(); err != nil {
		return err
	}
	codec, err := frame.NewCodec(frame.ParseEncoding(s.cfg.Encoding))
	if err != nil {
		return err
	}
	perm, err := ParseSocketPermissions(s.cfg.SocketPermissions)
	if err != nil {
		return err
	}
	if s.cfg.RequireSameUID && !peerCredSupported() {
		return errors.New("relay: require_same_uid is not supported on this platform")
	}
	if ss, ok := s.validator.(*auth.SharedSecret); ok && !ss.IsSet() {
		log.Warn().Msg("relay.Service no shared secret configured, every connection will be rejected")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.warmup(ctx)

	ln, err := Listen(s.socketPath, perm)
	if err != nil {
		return err
	}
	handler := NewHandler(HandlerConfig{
		Codec:          codec,
		Validator:      s.validator,
		Publisher:      s.publisher,
		Session:        s.cfg.Session,
		EmbedURL:       s.cfg.EmbedURL,
		AckRejections:  s.cfg.AckRejections,
		RequireSameUID: s.cfg.RequireSameUID,
	})
	pool, err := NewPool(ln, s.cfg.Workers, handler, s.cfg.Session.Backoff)
	if err != nil {
		_ = ln.Close()
		return err
	}
	s.mu.Lock()
	s.pool = pool
	s.mu.Unlock()

	poolErr := make(chan error, 1)
	go func() {
		poolErr <- pool.Run(ctx)
	}()
	adminErr := make(chan error, 1)
	if addr := strings.TrimSpace(s.cfg.AdminListenAddr); addr != "" {
		go func() {
			adminErr <- s.serveAdmin(ctx, addr)
		}()
	}
	s.ready.Store(true)
	defer s.ready.Store(false)
	log.Info().
		Str("service", s.cfg.Name).
		Str("socket", s.socketPath).
		Int("workers", s.cfg.Workers).
		Str("encoding", string(codec.Name())).
		Str("publisher", s.publisher.Name()).
		Msg("relay.Service.Run ready")

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("relay.Service.Run shutdown")
			return <-poolErr
		case err := <-poolErr:
			return err
		case err := <-adminErr:
			if err != nil {
				cancel()
				<-poolErr
				return fmt.Errorf("relay: admin: %w", err)
			}
		case <-ticker.C:
			s.heartbeat()
		}
	}
}

// warmup lets a backend prepare before the first connection. Failure is
// logged; the backend retries on first publish.
func (s *Service) warmup(ctx context.Context) {
	w, ok := s.publisher.(publish.Warmer)
	if !ok {
		return
	}
	if err := w.Warmup(ctx); err != nil {
		log.Warn().Err(err).Str("publisher", s.publisher.Name()).Msg("relay.Service warmup failed")
		return
	}
	log.Info().Str("publisher", s.publisher.Name()).Msg("relay.Service warmup ok")
}

func (s *Service) heartbeat() {
	pool := s.Pool()
	if pool == nil {
		return
	}
	var served, failed uint64
	for _, slot := range pool.Snapshot() {
		served += slot.Served
		failed += slot.Failed
	}
	counts := pool.StateCounts()
	log.Info().
		Str("service", s.cfg.Name).
		Int("workers", pool.Size()).
		Int("listening", counts[SlotListening]).
		Int("serving", counts[SlotServing]).
		Str("served", humanize.Comma(int64(served))).
		Str("failed", humanize.Comma(int64(failed))).
		Str("uptime", humanize.RelTime(s.started, time.Now(), "", "")).
		Msg("relay.Service.heartbeat")
}

// Pool returns the running pool, or nil before Run.
func (s *Service) Pool() *Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// Ready reports whether the pool is accepting connections.
func (s *Service) Ready() bool {
	return s.ready.Load()
}

// SocketPath returns the resolved endpoint path.
func (s *Service) SocketPath() string {
	return s.socketPath
}
