package publish

import (
	"context"

	"github.com/rs/xid"
	"github.com/rs/zerolog/log"
)

// Log is a dry-run backend: it records the post and always succeeds.
type Log struct{}

func NewLog() *Log {
	return &Log{}
}

func (l *Log) Name() string {
	return BackendLog
}

func (l *Log) Publish(ctx context.Context, post Post) (Outcome, error) {
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	id := "dryrun." + xid.New().String()
	ev := log.Info().
		Str("backend", BackendLog).
		Str("resource_id", id).
		Str("text", post.Text).
		Int("facets", len(post.Facets))
	if post.Embed != nil {
		ev = ev.Str("embed_uri", post.Embed.URI).Str("embed_title", post.Embed.Title)
	}
	ev.Msg("publish.Log post")
	return Outcome{
		Status:      StatusSuccess,
		Detail:      "logged",
		ResourceID:  id,
		ContentHash: ContentHash(post.Text),
	}, nil
}
