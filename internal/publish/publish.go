// Package publish owns the outbound side of postpipe: turning one Post into
// one attempt against a remote or local publishing backend.
//
// Backends are read-only after construction from the caller's point of view;
// any session state they keep is internal and synchronized by the backend.
package publish

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/postpipe/internal/protocol/session"
)

var (
	ErrUnknownBackend = errors.New("publish: unknown backend")
	ErrMissingCommand = errors.New("publish: exec backend requires a command")
)

type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Facet marks Text[ByteStart:ByteEnd] (UTF-8 byte offsets) as a link to URI.
type Facet struct {
	ByteStart int    `json:"byte_start"`
	ByteEnd   int    `json:"byte_end"`
	URI       string `json:"uri"`
}

// Embed is an external link preview attached to a post.
type Embed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	URI         string `json:"uri"`
}

// Post is one publish request.
type Post struct {
	Text   string  `json:"text"`
	Facets []Facet `json:"facets,omitempty"`
	Embed  *Embed  `json:"embed,omitempty"`
}

// Outcome is what a backend reports for one attempt.
type Outcome struct {
	Status      Status `json:"status"`
	Detail      string `json:"detail"`
	ResourceID  string `json:"resource_id,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

func (o Outcome) Succeeded() bool {
	return o.Status == StatusSuccess
}

// Publisher delivers posts. Publish blocks until the backend answers or ctx ends.
// A returned error means the attempt could not be completed at all; a Failure
// outcome means the backend answered and refused.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, post Post) (Outcome, error)
}

// Warmer is implemented by backends that can prepare ahead of the first post.
type Warmer interface {
	Warmup(ctx context.Context) error
}

// Config selects and configures one backend.
type Config struct {
	Backend            string
	ServiceURL         string
	Identifier         string
	Password           string
	Command            []string
	MaxSessionAttempts int
	Backoff            session.BackoffConfig
}

const (
	BackendBluesky = "bluesky"
	BackendExec    = "exec"
	BackendLog     = "log"
)

// New builds the configured backend.
func New(cfg Config) (Publisher, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendBluesky:
		return NewBluesky(BlueskyConfig{
			ServiceURL:         cfg.ServiceURL,
			Identifier:         cfg.Identifier,
			Password:           cfg.Password,
			MaxSessionAttempts: cfg.MaxSessionAttempts,
			Backoff:            cfg.Backoff,
		}), nil
	case BackendExec:
		if len(cfg.Command) == 0 || strings.TrimSpace(cfg.Command[0]) == "" {
			return nil, ErrMissingCommand
		}
		return NewExec(cfg.Command, nil), nil
	case "", BackendLog:
		return NewLog(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.Backend)
	}
}

// ContentHash is the hex SHA-256 of the post text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func failure(detail string) Outcome {
	return Outcome{Status: StatusFailure, Detail: detail}
}
