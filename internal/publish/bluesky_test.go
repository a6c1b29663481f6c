package publish

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danmuck/postpipe/internal/protocol/session"
	"github.com/danmuck/postpipe/internal/testutil/testlog"
)

type fakePDS struct {
	mu            sync.Mutex
	calls         []string
	sessions      int
	refreshes     int
	expireNext    int
	failRefresh   bool
	rejectLogin   bool
	unavailable   int
	lastRecord    map[string]any
	lastAuthorize string

	// loginGate, when set, holds every createSession until closed;
	// loginSeen receives one value per held request.
	loginGate chan struct{}
	loginSeen chan struct{}
}

func (f *fakePDS) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f.loginGate != nil && strings.HasSuffix(r.URL.Path, nsidCreateSession) {
			f.loginSeen <- struct{}{}
			select {
			case <-f.loginGate:
			case <-r.Context().Done():
				return
			}
		}
		f.mu.Lock()
		defer f.mu.Unlock()
		nsid := strings.TrimPrefix(r.URL.Path, "/xrpc/")
		f.calls = append(f.calls, nsid)
		w.Header().Set("Content-Type", "application/json")

		switch nsid {
		case nsidCreateSession:
			if f.unavailable > 0 {
				f.unavailable--
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("upstream down"))
				return
			}
			if f.rejectLogin {
				w.WriteHeader(http.StatusUnauthorized)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "AuthenticationRequired", "message": "Invalid identifier or password"})
				return
			}
			var body map[string]string
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode createSession: %v", err)
			}
			if body["identifier"] != "tec.bsky.social" || body["password"] != "app-pass" {
				t.Errorf("unexpected credentials %+v", body)
			}
			f.sessions++
			_ = json.NewEncoder(w).Encode(map[string]string{
				"accessJwt":  "access-1",
				"refreshJwt": "refresh-1",
				"handle":     "tec.bsky.social",
				"did":        "did:plc:tec",
			})
		case nsidRefreshSession:
			f.refreshes++
			if r.Header.Get("Authorization") != "Bearer refresh-1" {
				t.Errorf("unexpected refresh auth %q", r.Header.Get("Authorization"))
			}
			if f.failRefresh {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "ExpiredToken", "message": "refresh expired"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{
				"accessJwt":  "access-2",
				"refreshJwt": "refresh-2",
				"handle":     "tec.bsky.social",
				"did":        "did:plc:tec",
			})
		case nsidCreateRecord:
			f.lastAuthorize = r.Header.Get("Authorization")
			if f.expireNext > 0 {
				f.expireNext--
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "ExpiredToken", "message": "Token has expired"})
				return
			}
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				t.Errorf("decode createRecord: %v", err)
			}
			if body["repo"] != "did:plc:tec" || body["collection"] != collectionPost {
				t.Errorf("unexpected createRecord envelope %+v", body)
			}
			record, _ := body["record"].(map[string]any)
			f.lastRecord = record
			if text, _ := record["text"].(string); text == "reject me" {
				w.WriteHeader(http.StatusBadRequest)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "InvalidRequest", "message": "Record/text must not be longer than 300 graphemes"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]string{
				"uri": "at://did:plc:tec/app.bsky.feed.post/3k",
				"cid": "bafyrei",
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func newTestBluesky(t *testing.T, pds *fakePDS) *Bluesky {
	t.Helper()
	srv := httptest.NewServer(pds.handler(t))
	t.Cleanup(srv.Close)
	return NewBluesky(BlueskyConfig{
		ServiceURL:         srv.URL + "/",
		Identifier:         "tec.bsky.social",
		Password:           "app-pass",
		MaxSessionAttempts: 3,
		Backoff:            session.BackoffConfig{InitialDelay: time.Millisecond, Multiplier: 1, MaxDelay: time.Millisecond},
		HTTPClient:         srv.Client(),
		Now:                func() time.Time { return time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC) },
	})
}

func eventPost() Post {
	return Post{
		Text:   "An event is starting! Join Here!",
		Facets: []Facet{{ByteStart: 22, ByteEnd: 32, URI: "https://example.com/join"}},
		Embed: &Embed{
			Title:       "Game Night",
			Description: "Bring snacks",
			URI:         "https://thenergeticon.com/Events/currentevent",
		},
	}
}

func TestBlueskyPublishWritesRecord(t *testing.T) {
	testlog.Start(t)

	pds := &fakePDS{}
	b := newTestBluesky(t, pds)
	out, err := b.Publish(context.Background(), eventPost())
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !out.Succeeded() {
		t.Fatalf("expected success, got %+v", out)
	}
	if out.ResourceID != "at://did:plc:tec/app.bsky.feed.post/3k" || out.ContentHash != "bafyrei" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if pds.lastAuthorize != "Bearer access-1" {
		t.Fatalf("unexpected auth header %q", pds.lastAuthorize)
	}

	rec := pds.lastRecord
	if rec["$type"] != collectionPost || rec["text"] != "An event is starting! Join Here!" {
		t.Fatalf("unexpected record %+v", rec)
	}
	if rec["createdAt"] != "2026-03-01T18:00:00Z" {
		t.Fatalf("unexpected createdAt %v", rec["createdAt"])
	}
	facets, _ := rec["facets"].([]any)
	if len(facets) != 1 {
		t.Fatalf("expected one facet, got %v", rec["facets"])
	}
	facet := facets[0].(map[string]any)
	index := facet["index"].(map[string]any)
	if index["byteStart"] != float64(22) || index["byteEnd"] != float64(32) {
		t.Fatalf("unexpected facet index %+v", index)
	}
	feature := facet["features"].([]any)[0].(map[string]any)
	if feature["$type"] != typeLinkFacet || feature["uri"] != "https://example.com/join" {
		t.Fatalf("unexpected facet feature %+v", feature)
	}
	embed := rec["embed"].(map[string]any)
	external := embed["external"].(map[string]any)
	if embed["$type"] != typeExternal || external["title"] != "Game Night" || external["uri"] != "https://thenergeticon.com/Events/currentevent" {
		t.Fatalf("unexpected embed %+v", embed)
	}

	if _, err := b.Publish(context.Background(), Post{Text: "A second one"}); err != nil {
		t.Fatalf("second publish: %v", err)
	}
	if pds.sessions != 1 {
		t.Fatalf("expected session reuse, created %d", pds.sessions)
	}
	if _, ok := pds.lastRecord["facets"]; ok {
		t.Fatalf("plain post must not carry facets: %+v", pds.lastRecord)
	}
}

func TestBlueskyRefreshesExpiredToken(t *testing.T) {
	testlog.Start(t)

	pds := &fakePDS{expireNext: 1}
	b := newTestBluesky(t, pds)
	out, err := b.Publish(context.Background(), Post{Text: "An announcement"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !out.Succeeded() {
		t.Fatalf("expected success after refresh, got %+v", out)
	}
	if pds.refreshes != 1 || pds.sessions != 1 {
		t.Fatalf("expected one refresh and one session, got refreshes=%d sessions=%d", pds.refreshes, pds.sessions)
	}
	if pds.lastAuthorize != "Bearer access-2" {
		t.Fatalf("expected refreshed token on retry, got %q", pds.lastAuthorize)
	}
}

func TestBlueskyRecreatesSessionWhenRefreshFails(t *testing.T) {
	testlog.Start(t)

	pds := &fakePDS{expireNext: 1, failRefresh: true}
	b := newTestBluesky(t, pds)
	out, err := b.Publish(context.Background(), Post{Text: "An update"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !out.Succeeded() {
		t.Fatalf("expected success after relogin, got %+v", out)
	}
	if pds.sessions != 2 {
		t.Fatalf("expected session recreated, sessions=%d", pds.sessions)
	}
}

func TestBlueskyRejectedRecordIsFailureOutcome(t *testing.T) {
	testlog.Start(t)

	pds := &fakePDS{}
	out, err := newTestBluesky(t, pds).Publish(context.Background(), Post{Text: "reject me"})
	if err != nil {
		t.Fatalf("expected failure outcome, got error %v", err)
	}
	if out.Succeeded() || !strings.Contains(out.Detail, "InvalidRequest") {
		t.Fatalf("unexpected outcome %+v", out)
	}
}

func TestBlueskyLoginRejectedIsFailureOutcome(t *testing.T) {
	testlog.Start(t)

	pds := &fakePDS{rejectLogin: true}
	out, err := newTestBluesky(t, pds).Publish(context.Background(), Post{Text: "x"})
	if err != nil {
		t.Fatalf("expected failure outcome, got error %v", err)
	}
	if out.Succeeded() {
		t.Fatalf("expected failure, got %+v", out)
	}
	if len(pds.calls) != 1 {
		t.Fatalf("client errors must not be retried, calls=%v", pds.calls)
	}
}

func TestBlueskyRetriesUnavailableLogin(t *testing.T) {
	testlog.Start(t)

	pds := &fakePDS{unavailable: 2}
	b := newTestBluesky(t, pds)
	if err := b.Warmup(context.Background()); err != nil {
		t.Fatalf("warmup: %v", err)
	}
	if pds.sessions != 1 || len(pds.calls) != 3 {
		t.Fatalf("expected two retries then success, calls=%v", pds.calls)
	}
}

func TestBlueskyHungLoginDoesNotBlockOtherDeadlines(t *testing.T) {
	testlog.Start(t)

	pds := &fakePDS{loginGate: make(chan struct{}), loginSeen: make(chan struct{}, 4)}
	b := newTestBluesky(t, pds)
	t.Cleanup(func() { close(pds.loginGate) })

	firstDone := make(chan error, 1)
	go func() {
		_, err := b.Publish(context.Background(), Post{Text: "first"})
		firstDone <- err
	}()
	select {
	case <-pds.loginSeen:
	case <-time.After(2 * time.Second):
		t.Fatalf("first publish never reached createSession")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	secondDone := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := b.Publish(ctx, Post{Text: "second"})
		secondDone <- err
	}()

	select {
	case err := <-secondDone:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected deadline exceeded, got %v", err)
		}
		if elapsed := time.Since(start); elapsed > time.Second {
			t.Fatalf("second publish returned after %v", elapsed)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second publish blocked behind the hung login")
	}

	select {
	case err := <-firstDone:
		t.Fatalf("first publish returned early: %v", err)
	default:
	}
}

func TestBlueskyMissingPasswordIsFailureOutcome(t *testing.T) {
	testlog.Start(t)

	b := NewBluesky(BlueskyConfig{ServiceURL: "http://127.0.0.1:1", Identifier: "tec.bsky.social"})
	out, err := b.Publish(context.Background(), Post{Text: "x"})
	if err != nil {
		t.Fatalf("expected failure outcome, got error %v", err)
	}
	if out.Succeeded() || out.Detail != ErrMissingCredentials.Error() {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if err := b.Warmup(context.Background()); !errors.Is(err, ErrMissingCredentials) {
		t.Fatalf("expected ErrMissingCredentials from warmup, got %v", err)
	}
}
