package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/danmuck/postpipe/internal/auth"
	"github.com/danmuck/postpipe/internal/observability"
	"github.com/danmuck/postpipe/internal/protocol"
	"github.com/danmuck/postpipe/internal/protocol/frame"
	"github.com/danmuck/postpipe/internal/protocol/session"
	"github.com/danmuck/postpipe/internal/publish"
	"github.com/rs/zerolog"
)

// ConnHandler serves one accepted connection to completion.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn, slot int, connID string) error
}

// HandlerConfig wires the shared, read-only collaborators of every connection.
type HandlerConfig struct {
	Codec          frame.Codec
	Validator      auth.Validator
	Publisher      publish.Publisher
	Session        session.Config
	EmbedURL       string
	AckRejections  bool
	RequireSameUID bool
}

// Handler runs the postpipe wire protocol on one connection:
// secret, echo, operation, READY, payload, terminal status.
type Handler struct {
	cfg HandlerConfig
}

func NewHandler(cfg HandlerConfig) *Handler {
	cfg.Session = cfg.Session.WithDefaults()
	return &Handler{cfg: cfg}
}

func (h *Handler) ServeConn(ctx context.Context, conn net.Conn, slot int, connID string) error {
	logger := observability.ConnLogger(slot, connID)

	if h.cfg.RequireSameUID {
		if err := checkSameUID(conn); err != nil {
			return fmt.Errorf("%w: %v", protocol.ErrPeerRejected, err)
		}
	}

	if err := h.arm(conn, h.cfg.Session.HandshakeTimeout, h.cfg.Session.HandshakeTimeout); err != nil {
		return err
	}
	err := Handshake(h.cfg.Codec, conn, h.cfg.Validator)
	observability.RecordHandshake(err == nil)
	if err != nil {
		return err
	}
	logger.Debug().Msg("relay.Handler handshake ok")

	if err := h.arm(conn, h.cfg.Session.ReadTimeout, h.cfg.Session.WriteTimeout); err != nil {
		return err
	}
	op, err := h.cfg.Codec.ReadString(conn)
	if err != nil {
		return err
	}
	if _, err := h.cfg.Codec.WriteString(conn, protocol.ReplyReady); err != nil {
		return err
	}
	if err := h.arm(conn, h.cfg.Session.ReadTimeout, h.cfg.Session.WriteTimeout); err != nil {
		return err
	}
	message, err := h.cfg.Codec.ReadString(conn)
	if err != nil {
		return err
	}

	opLabel := operationLabel(op)
	post, err := BuildPost(op, message, h.cfg.EmbedURL)
	if err != nil {
		observability.RecordDispatch(opLabel, protocol.Kind(err))
		if h.cfg.AckRejections {
			if _, werr := h.cfg.Codec.WriteString(conn, protocol.ReplyFailure); werr != nil {
				logger.Warn().Err(werr).Msg("relay.Handler rejection ack failed")
			}
		}
		return err
	}

	result := h.publish(ctx, logger, opLabel, post)
	reply := protocol.ReplySuccess
	if result != nil {
		reply = protocol.ReplyFailure
	}
	observability.RecordDispatch(opLabel, protocol.Kind(result))

	if err := session.ArmWrite(conn, h.cfg.Session.WriteTimeout); err != nil {
		return err
	}
	if _, err := h.cfg.Codec.WriteString(conn, reply); err != nil {
		return err
	}
	return result
}

// publish runs one attempt and folds both failure shapes into ErrPublishFailed.
func (h *Handler) publish(ctx context.Context, logger zerolog.Logger, op string, post publish.Post) error {
	pctx, cancel := h.cfg.Session.PublishContext(ctx)
	defer cancel()

	start := time.Now()
	out, err := h.cfg.Publisher.Publish(pctx, post)
	elapsed := time.Since(start)
	backend := h.cfg.Publisher.Name()

	switch {
	case err != nil:
		observability.RecordPublish(backend, "error", elapsed)
		return fmt.Errorf("%w: %w", protocol.ErrPublishFailed, err)
	case !out.Succeeded():
		observability.RecordPublish(backend, string(out.Status), elapsed)
		return fmt.Errorf("%w: %s", protocol.ErrPublishFailed, out.Detail)
	default:
		observability.RecordPublish(backend, string(out.Status), elapsed)
		logger.Info().
			Str("op", op).
			Str("backend", backend).
			Str("resource_id", out.ResourceID).
			Str("content_hash", out.ContentHash).
			Dur("elapsed", elapsed).
			Msg("relay.Handler published")
		return nil
	}
}

func (h *Handler) arm(conn net.Conn, read, write time.Duration) error {
	if err := session.ArmRead(conn, read); err != nil {
		return err
	}
	return session.ArmWrite(conn, write)
}

func operationLabel(op string) string {
	switch op {
	case protocol.OpAnnouncement, protocol.OpEvent, protocol.OpUpdate:
		return op
	default:
		return "other"
	}
}
