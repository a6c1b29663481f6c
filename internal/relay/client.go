package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/danmuck/postpipe/internal/protocol"
	"github.com/danmuck/postpipe/internal/protocol/frame"
)

var (
	ErrSecretRejected  = errors.New("relay: server rejected secret")
	ErrNoStatus        = errors.New("relay: connection closed without status")
	ErrUnexpectedReply = errors.New("relay: unexpected reply")
)

// Client speaks the postpipe wire protocol for one request per connection.
type Client struct {
	SocketPath  string
	Secret      string
	Codec       frame.Codec
	DialTimeout time.Duration
}

func NewClient(socketPath, secret string, codec frame.Codec) *Client {
	return &Client{
		SocketPath:  socketPath,
		Secret:      secret,
		Codec:       codec,
		DialTimeout: 5 * time.Second,
	}
}

// Send runs one full exchange and returns the terminal status, SUCCESS or
// FAILURE. A connection that closes before a status arrives is ErrNoStatus.
//
// The handshake answer is either the secret echoed back or the literal
// "Unauthorized client!". A secret equal to that literal makes a rejection
// indistinguishable from an echo; the exchange then fails reading READY
// because the server has already closed the connection.
func (c *Client) Send(ctx context.Context, op, payload string) (string, error) {
	dialer := net.Dialer{Timeout: c.DialTimeout}
	conn, err := dialer.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return "", fmt.Errorf("relay: dial %s: %w", c.SocketPath, err)
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	if _, err := c.Codec.WriteString(conn, c.Secret); err != nil {
		return "", err
	}
	echo, err := c.Codec.ReadString(conn)
	if err != nil {
		return "", err
	}
	switch echo {
	case c.Secret:
	case protocol.ReplyUnauthorized:
		return "", ErrSecretRejected
	default:
		return "", fmt.Errorf("%w: handshake echo %q", ErrUnexpectedReply, echo)
	}

	if _, err := c.Codec.WriteString(conn, op); err != nil {
		return "", err
	}
	ready, err := c.Codec.ReadString(conn)
	if err != nil {
		return "", err
	}
	if ready != protocol.ReplyReady {
		return "", fmt.Errorf("%w: expected %s, got %q", ErrUnexpectedReply, protocol.ReplyReady, ready)
	}
	if _, err := c.Codec.WriteString(conn, payload); err != nil {
		return "", err
	}

	status, err := c.Codec.ReadString(conn)
	if err != nil {
		if errors.Is(err, protocol.ErrChannelClosed) {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", ctxErr
			}
			return "", fmt.Errorf("%w: %w", ErrNoStatus, err)
		}
		return "", err
	}
	switch status {
	case protocol.ReplySuccess, protocol.ReplyFailure:
		return status, nil
	default:
		return "", fmt.Errorf("%w: status %q", ErrUnexpectedReply, status)
	}
}

// Announce sends an A operation.
func (c *Client) Announce(ctx context.Context, text string) (string, error) {
	return c.Send(ctx, protocol.OpAnnouncement, text)
}

// Update sends a U operation.
func (c *Client) Update(ctx context.Context, text string) (string, error) {
	return c.Send(ctx, protocol.OpUpdate, text)
}

// Event sends an E operation with info encoded as JSON.
func (c *Client) Event(ctx context.Context, info EventInfo) (string, error) {
	payload, err := EncodeEventInfo(info)
	if err != nil {
		return "", err
	}
	return c.Send(ctx, protocol.OpEvent, payload)
}

// EncodeEventInfo renders the E payload; an empty link is omitted.
func EncodeEventInfo(info EventInfo) (string, error) {
	info.EventLink = strings.TrimSpace(info.EventLink)
	raw, err := json.Marshal(info)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
