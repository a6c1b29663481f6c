package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/postpipe/internal/protocol/session"
	"github.com/rs/zerolog/log"
)

const (
	DefaultServiceURL = "https://bsky.social"

	nsidCreateSession  = "com.atproto.server.createSession"
	nsidRefreshSession = "com.atproto.server.refreshSession"
	nsidCreateRecord   = "com.atproto.repo.createRecord"

	collectionPost = "app.bsky.feed.post"
	typeLinkFacet  = "app.bsky.richtext.facet#link"
	typeExternal   = "app.bsky.embed.external"

	maxXRPCBody = 1 << 20
)

var (
	ErrMissingCredentials = errors.New("publish: bluesky identifier and password required")
	errExpiredToken       = errors.New("publish: expired token")
)

// BlueskyConfig configures the AT Protocol backend.
type BlueskyConfig struct {
	ServiceURL         string
	Identifier         string
	Password           string
	MaxSessionAttempts int
	Backoff            session.BackoffConfig
	HTTPClient         *http.Client
	Now                func() time.Time
}

// Bluesky posts to an AT Protocol PDS over XRPC.
//
// The session is created lazily, refreshed once on ExpiredToken, and
// recreated if refresh fails. Session state is guarded by sessLock, a
// one-slot channel so waiters give up when their own context ends. The lock
// is held for a single XRPC call at a time, never across backoff waits.
type Bluesky struct {
	cfg    BlueskyConfig
	client *http.Client

	sessLock chan struct{}
	sess     *atSession
}

type atSession struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
	Handle     string `json:"handle"`
	Did        string `json:"did"`
}

// xrpcError is the error body every XRPC endpoint returns on non-2xx.
type xrpcError struct {
	Status  int    `json:"-"`
	Name    string `json:"error"`
	Message string `json:"message"`
}

func (e *xrpcError) Error() string {
	return fmt.Sprintf("xrpc status=%d error=%s message=%s", e.Status, e.Name, e.Message)
}

func NewBluesky(cfg BlueskyConfig) *Bluesky {
	if strings.TrimSpace(cfg.ServiceURL) == "" {
		cfg.ServiceURL = DefaultServiceURL
	}
	cfg.ServiceURL = strings.TrimRight(strings.TrimSpace(cfg.ServiceURL), "/")
	if cfg.MaxSessionAttempts <= 0 {
		cfg.MaxSessionAttempts = 3
	}
	if cfg.Backoff.InitialDelay <= 0 {
		cfg.Backoff = session.DefaultBackoff()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Bluesky{cfg: cfg, client: client, sessLock: make(chan struct{}, 1)}
}

func (b *Bluesky) Name() string {
	return BackendBluesky
}

// Warmup creates the session ahead of the first post.
func (b *Bluesky) Warmup(ctx context.Context) error {
	_, err := b.currentSession(ctx)
	return err
}

func (b *Bluesky) Publish(ctx context.Context, post Post) (Outcome, error) {
	sess, err := b.currentSession(ctx)
	if err != nil {
		var xe *xrpcError
		if errors.As(err, &xe) || errors.Is(err, ErrMissingCredentials) {
			return failure(err.Error()), nil
		}
		return Outcome{}, err
	}

	out, err := b.createPost(ctx, sess, post)
	if errors.Is(err, errExpiredToken) {
		sess, err = b.renewSession(ctx, sess)
		if err != nil {
			return Outcome{}, err
		}
		out, err = b.createPost(ctx, sess, post)
	}
	if err != nil {
		var xe *xrpcError
		if errors.As(err, &xe) {
			return failure(xe.Error()), nil
		}
		return Outcome{}, err
	}
	return out, nil
}

func (b *Bluesky) lockSession(ctx context.Context) error {
	select {
	case b.sessLock <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *Bluesky) unlockSession() {
	<-b.sessLock
}

// currentSession returns the shared session, creating it with retries when
// absent. Backoff waits run without the lock so other workers can observe a
// session created meanwhile, or give up on their own deadline.
func (b *Bluesky) currentSession(ctx context.Context) (*atSession, error) {
	if strings.TrimSpace(b.cfg.Identifier) == "" || b.cfg.Password == "" {
		return nil, ErrMissingCredentials
	}
	for attempt := 1; ; attempt++ {
		sess, err := b.loginOnce(ctx)
		if err == nil {
			return sess, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		var xe *xrpcError
		if errors.As(err, &xe) && xe.Status >= 400 && xe.Status < 500 {
			return nil, err
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("publish.Bluesky create session failed")
		if attempt >= b.cfg.MaxSessionAttempts {
			return nil, err
		}
		if err := session.WaitBackoff(ctx, b.cfg.Backoff, attempt); err != nil {
			return nil, err
		}
	}
}

// loginOnce returns the existing session or makes one createSession call.
func (b *Bluesky) loginOnce(ctx context.Context) (*atSession, error) {
	if err := b.lockSession(ctx); err != nil {
		return nil, err
	}
	defer b.unlockSession()
	if b.sess != nil {
		return b.sess, nil
	}
	req := map[string]string{
		"identifier": b.cfg.Identifier,
		"password":   b.cfg.Password,
	}
	var sess atSession
	if err := b.call(ctx, nsidCreateSession, "", req, &sess); err != nil {
		return nil, err
	}
	log.Info().Str("did", sess.Did).Str("handle", sess.Handle).Msg("publish.Bluesky session created")
	b.sess = &sess
	return b.sess, nil
}

// renewSession refreshes stale, or recreates the session if refresh fails.
// Another worker may already have renewed it; that session is reused.
func (b *Bluesky) renewSession(ctx context.Context, stale *atSession) (*atSession, error) {
	if err := b.lockSession(ctx); err != nil {
		return nil, err
	}
	if b.sess != nil && b.sess != stale {
		sess := b.sess
		b.unlockSession()
		return sess, nil
	}
	var fresh atSession
	err := b.call(ctx, nsidRefreshSession, stale.RefreshJwt, nil, &fresh)
	if err == nil {
		b.sess = &fresh
		b.unlockSession()
		log.Info().Str("did", fresh.Did).Msg("publish.Bluesky session refreshed")
		return &fresh, nil
	}
	b.sess = nil
	b.unlockSession()
	log.Warn().Err(err).Str("handle", stale.Handle).Msg("publish.Bluesky refresh failed, recreating session")
	return b.currentSession(ctx)
}

func (b *Bluesky) createPost(ctx context.Context, sess *atSession, post Post) (Outcome, error) {
	record := map[string]any{
		"$type":     collectionPost,
		"text":      post.Text,
		"createdAt": b.cfg.Now().UTC().Format(time.RFC3339Nano),
	}
	if len(post.Facets) > 0 {
		facets := make([]map[string]any, 0, len(post.Facets))
		for _, f := range post.Facets {
			facets = append(facets, map[string]any{
				"index": map[string]int{"byteStart": f.ByteStart, "byteEnd": f.ByteEnd},
				"features": []map[string]string{
					{"$type": typeLinkFacet, "uri": f.URI},
				},
			})
		}
		record["facets"] = facets
	}
	if post.Embed != nil {
		record["embed"] = map[string]any{
			"$type": typeExternal,
			"external": map[string]string{
				"uri":         post.Embed.URI,
				"title":       post.Embed.Title,
				"description": post.Embed.Description,
			},
		}
	}
	body := map[string]any{
		"repo":       sess.Did,
		"collection": collectionPost,
		"record":     record,
	}

	var resp struct {
		URI string `json:"uri"`
		CID string `json:"cid"`
	}
	if err := b.call(ctx, nsidCreateRecord, sess.AccessJwt, body, &resp); err != nil {
		var xe *xrpcError
		if errors.As(err, &xe) && xe.Name == "ExpiredToken" {
			return Outcome{}, fmt.Errorf("%w: %s", errExpiredToken, xe.Message)
		}
		return Outcome{}, err
	}
	return Outcome{
		Status:      StatusSuccess,
		Detail:      resp.URI,
		ResourceID:  resp.URI,
		ContentHash: resp.CID,
	}, nil
}

// call POSTs one XRPC procedure. in may be nil for body-less procedures.
func (b *Bluesky) call(ctx context.Context, nsid, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.cfg.ServiceURL+"/xrpc/"+nsid, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("publish: %s: %w", nsid, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxXRPCBody))
	if err != nil {
		return fmt.Errorf("publish: %s read body: %w", nsid, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		xe := &xrpcError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, xe); jsonErr != nil || xe.Name == "" {
			xe.Name = http.StatusText(resp.StatusCode)
			xe.Message = strings.TrimSpace(string(raw))
		}
		return xe
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("publish: %s decode: %w", nsid, err)
	}
	return nil
}
