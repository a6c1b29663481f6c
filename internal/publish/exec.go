package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/postpipe/internal/tools"
)

// Exec publishes by running a local command with the post text on stdin.
//
// Facets and embed travel as environment variables:
// POSTPIPE_FACETS (JSON array), POSTPIPE_EMBED_URI, POSTPIPE_EMBED_TITLE,
// POSTPIPE_EMBED_DESCRIPTION. Exit code 0 is success; trimmed stdout becomes
// the resource id.
type Exec struct {
	command []string
	runner  tools.CommandRunner
}

func NewExec(command []string, runner tools.CommandRunner) *Exec {
	if runner == nil {
		runner = tools.ExecRunner{}
	}
	return &Exec{command: append([]string(nil), command...), runner: runner}
}

func (e *Exec) Name() string {
	return BackendExec
}

func (e *Exec) Publish(ctx context.Context, post Post) (Outcome, error) {
	if len(e.command) == 0 {
		return Outcome{}, ErrMissingCommand
	}
	env, err := postEnv(post)
	if err != nil {
		return Outcome{}, err
	}
	stdout, stderr, code, err := e.runner.Run(ctx, tools.Command{
		Name:  e.command[0],
		Args:  e.command[1:],
		Stdin: []byte(post.Text),
		Env:   env,
	})
	if err != nil {
		if code == 127 {
			return Outcome{}, fmt.Errorf("publish: exec %q: %w", e.command[0], err)
		}
		detail := strings.TrimSpace(string(stderr))
		if detail == "" {
			detail = err.Error()
		}
		return failure(fmt.Sprintf("exit=%d %s", code, detail)), nil
	}
	id := strings.TrimSpace(string(stdout))
	return Outcome{
		Status:      StatusSuccess,
		Detail:      "exit=0",
		ResourceID:  id,
		ContentHash: ContentHash(post.Text),
	}, nil
}

func postEnv(post Post) ([]string, error) {
	var env []string
	if len(post.Facets) > 0 {
		raw, err := json.Marshal(post.Facets)
		if err != nil {
			return nil, err
		}
		env = append(env, "POSTPIPE_FACETS="+string(raw))
	}
	if post.Embed != nil {
		env = append(env,
			"POSTPIPE_EMBED_URI="+post.Embed.URI,
			"POSTPIPE_EMBED_TITLE="+post.Embed.Title,
			"POSTPIPE_EMBED_DESCRIPTION="+post.Embed.Description,
		)
	}
	return env, nil
}
