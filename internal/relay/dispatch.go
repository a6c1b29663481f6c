package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/danmuck/postpipe/internal/protocol"
	"github.com/danmuck/postpipe/internal/publish"
)

const (
	DefaultEmbedURL = "https://thenergeticon.com/Events/currentevent"

	eventBody    = "An event is starting!"
	eventPrompt  = "Join Here!"
	updatePrefix = "Update: "
)

// EventInfo is the payload of an E operation. A blank or whitespace-only
// EventLink counts as absent: no "Join Here!" text or link facet is added.
// Older senders appended the prompt for any non-null link, even "".
type EventInfo struct {
	EventName        string `json:"EventName"`
	EventDescription string `json:"EventDescription"`
	EventLink        string `json:"EventLink,omitempty"`
}

// ParseEventInfo decodes an E payload. null and non-object JSON are malformed.
func ParseEventInfo(message string) (EventInfo, error) {
	raw := bytes.TrimSpace([]byte(message))
	if len(raw) == 0 || raw[0] != '{' {
		return EventInfo{}, fmt.Errorf("%w: event payload is not a JSON object", protocol.ErrMalformedPayload)
	}
	var info EventInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return EventInfo{}, fmt.Errorf("%w: %v", protocol.ErrMalformedPayload, err)
	}
	return info, nil
}

// BuildPost maps one operation and its payload onto a publish request.
func BuildPost(op, message, embedURL string) (publish.Post, error) {
	switch op {
	case protocol.OpAnnouncement:
		return publish.Post{Text: message}, nil
	case protocol.OpUpdate:
		return publish.Post{Text: updatePrefix + message}, nil
	case protocol.OpEvent:
		info, err := ParseEventInfo(message)
		if err != nil {
			return publish.Post{}, err
		}
		return eventPost(info, embedURL), nil
	default:
		return publish.Post{}, fmt.Errorf("%w: %q", protocol.ErrUnrecognizedOperation, op)
	}
}

func eventPost(info EventInfo, embedURL string) publish.Post {
	if strings.TrimSpace(embedURL) == "" {
		embedURL = DefaultEmbedURL
	}
	post := publish.Post{
		Text: eventBody,
		Embed: &publish.Embed{
			Title:       info.EventName,
			Description: info.EventDescription,
			URI:         embedURL,
		},
	}
	link := strings.TrimSpace(info.EventLink)
	if link == "" {
		return post
	}
	post.Text = eventBody + " " + eventPrompt
	// facet offsets are UTF-8 byte offsets; Go strings are UTF-8 already
	start := strings.Index(post.Text, eventPrompt)
	post.Facets = []publish.Facet{{
		ByteStart: start,
		ByteEnd:   start + len(eventPrompt),
		URI:       link,
	}}
	return post
}
