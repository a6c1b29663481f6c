package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/postpipe/internal/auth"
	"github.com/danmuck/postpipe/internal/protocol/frame"
	"github.com/danmuck/postpipe/internal/publish"
	"github.com/danmuck/postpipe/internal/relay"
)

const (
	EnvSecret         = "POSTPIPE_SECRET"
	EnvSecretLegacy   = "TECKEY"
	EnvPassword       = "POSTPIPE_BSKY_PASSWORD"
	EnvPasswordLegacy = "TEC_BSKY"
)

var ErrInvalidConfig = errors.New("config: invalid")

// Config is the resolved postpiped configuration.
type Config struct {
	Service     relay.ServiceConfig
	Publisher   publish.Config
	SecretEnv   string
	PasswordEnv string
}

// File is the on-disk TOML layout. Durations are Go duration strings.
type File struct {
	Name              string        `toml:"name"`
	SocketPath        string        `toml:"socket_path"`
	PipeName          string        `toml:"pipe_name"`
	SocketPermissions string        `toml:"socket_permissions"`
	Workers           int           `toml:"workers"`
	RequireSameUID    bool          `toml:"require_same_uid"`
	Encoding          string        `toml:"encoding"`
	AckRejections     bool          `toml:"ack_rejections"`
	SecretEnv         string        `toml:"secret_env"`
	AdminAddr         string        `toml:"admin_addr"`
	HeartbeatInterval string        `toml:"heartbeat_interval"`
	HandshakeTimeout  string        `toml:"handshake_timeout"`
	ReadTimeout       string        `toml:"read_timeout"`
	WriteTimeout      string        `toml:"write_timeout"`
	PublishTimeout    string        `toml:"publish_timeout"`
	Publisher         PublisherFile `toml:"publisher"`
}

type PublisherFile struct {
	Backend            string   `toml:"backend"`
	ServiceURL         string   `toml:"service_url"`
	Identifier         string   `toml:"identifier"`
	PasswordEnv        string   `toml:"password_env"`
	EmbedURL           string   `toml:"embed_url"`
	Command            []string `toml:"command"`
	MaxSessionAttempts int      `toml:"max_session_attempts"`
}

func Default() Config {
	svc := relay.DefaultServiceConfig()
	return Config{
		Service: svc,
		Publisher: publish.Config{
			Backend:            publish.BackendLog,
			ServiceURL:         publish.DefaultServiceURL,
			MaxSessionAttempts: 3,
			Backoff:            svc.Session.Backoff,
		},
		SecretEnv:   EnvSecret,
		PasswordEnv: EnvPassword,
	}
}

// Load reads path and applies every defined key on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()

	var raw File
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load postpipe config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown keys %v", ErrInvalidConfig, undecoded)
	}

	if meta.IsDefined("name") {
		if v := strings.TrimSpace(raw.Name); v != "" {
			cfg.Service.Name = v
		}
	}
	if meta.IsDefined("socket_path") {
		cfg.Service.SocketPath = strings.TrimSpace(raw.SocketPath)
	}
	if meta.IsDefined("pipe_name") {
		cfg.Service.PipeName = strings.TrimSpace(raw.PipeName)
	}
	if meta.IsDefined("socket_permissions") {
		cfg.Service.SocketPermissions = strings.TrimSpace(raw.SocketPermissions)
	}
	if meta.IsDefined("workers") {
		cfg.Service.Workers = raw.Workers
	}
	if meta.IsDefined("require_same_uid") {
		cfg.Service.RequireSameUID = raw.RequireSameUID
	}
	if meta.IsDefined("encoding") {
		cfg.Service.Encoding = strings.TrimSpace(raw.Encoding)
	}
	if meta.IsDefined("ack_rejections") {
		cfg.Service.AckRejections = raw.AckRejections
	}
	if meta.IsDefined("secret_env") {
		cfg.SecretEnv = strings.TrimSpace(raw.SecretEnv)
	}
	if meta.IsDefined("admin_addr") {
		cfg.Service.AdminListenAddr = strings.TrimSpace(raw.AdminAddr)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"heartbeat_interval", raw.HeartbeatInterval, &cfg.Service.HeartbeatInterval},
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.Service.Session.HandshakeTimeout},
		{"read_timeout", raw.ReadTimeout, &cfg.Service.Session.ReadTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.Service.Session.WriteTimeout},
		{"publish_timeout", raw.PublishTimeout, &cfg.Service.Session.PublishTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = v
	}

	pub := raw.Publisher
	if meta.IsDefined("publisher", "backend") {
		cfg.Publisher.Backend = strings.ToLower(strings.TrimSpace(pub.Backend))
	}
	if meta.IsDefined("publisher", "service_url") {
		cfg.Publisher.ServiceURL = strings.TrimSpace(pub.ServiceURL)
	}
	if meta.IsDefined("publisher", "identifier") {
		cfg.Publisher.Identifier = strings.TrimSpace(pub.Identifier)
	}
	if meta.IsDefined("publisher", "password_env") {
		cfg.PasswordEnv = strings.TrimSpace(pub.PasswordEnv)
	}
	if meta.IsDefined("publisher", "embed_url") {
		cfg.Service.EmbedURL = strings.TrimSpace(pub.EmbedURL)
	}
	if meta.IsDefined("publisher", "command") {
		cfg.Publisher.Command = normalizeCommand(pub.Command)
	}
	if meta.IsDefined("publisher", "max_session_attempts") {
		cfg.Publisher.MaxSessionAttempts = pub.MaxSessionAttempts
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Service.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Service.Workers)
	}
	if c.Service.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalidConfig)
	}
	if _, err := frame.NewCodec(frame.ParseEncoding(c.Service.Encoding)); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := relay.ParseSocketPermissions(c.Service.SocketPermissions); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := c.Service.Session.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	switch c.Publisher.Backend {
	case "", publish.BackendLog:
	case publish.BackendExec:
		if len(c.Publisher.Command) == 0 {
			return fmt.Errorf("%w: publisher.command required for exec backend", ErrInvalidConfig)
		}
	case publish.BackendBluesky:
		if c.Publisher.Identifier == "" {
			return fmt.Errorf("%w: publisher.identifier required for bluesky backend", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: %w: %q", ErrInvalidConfig, publish.ErrUnknownBackend, c.Publisher.Backend)
	}
	if c.Publisher.MaxSessionAttempts < 0 {
		return fmt.Errorf("%w: publisher.max_session_attempts must not be negative", ErrInvalidConfig)
	}
	return nil
}

// ResolveSecret returns the shared secret from secret_env, falling back to the
// legacy variable, and the name it was read from.
func (c Config) ResolveSecret() (string, string) {
	return auth.LookupSecret(c.SecretEnv, EnvSecretLegacy)
}

// PublisherConfig returns the publisher settings with the password resolved
// from password_env or its legacy fallback.
func (c Config) PublisherConfig() publish.Config {
	pc := c.Publisher
	pc.Password, _ = auth.LookupSecret(c.PasswordEnv, EnvPasswordLegacy)
	if pc.Backoff.InitialDelay <= 0 {
		pc.Backoff = c.Service.Session.Backoff
	}
	return pc
}

func normalizeCommand(in []string) []string {
	out := make([]string, 0, len(in))
	for _, part := range in {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
