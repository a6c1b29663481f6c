package protocol

import "errors"

var (
	ErrAuthenticationFailed  = errors.New("protocol: authentication failed")
	ErrChannelClosed         = errors.New("protocol: channel closed")
	ErrMalformedPayload      = errors.New("protocol: malformed payload")
	ErrUnrecognizedOperation = errors.New("protocol: unrecognized operation")
	ErrPublishFailed         = errors.New("protocol: publish failed")
	ErrPeerRejected          = errors.New("protocol: peer credentials rejected")
)

// Reply and operation strings exchanged on the wire.
const (
	ReplyUnauthorized = "Unauthorized client!"
	ReplyReady        = "READY"
	ReplySuccess      = "SUCCESS"
	ReplyFailure      = "FAILURE"

	OpAnnouncement = "A"
	OpEvent        = "E"
	OpUpdate       = "U"
)

// Kind maps an error onto its taxonomy label for logs and metrics.
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAuthenticationFailed):
		return "authentication_failed"
	case errors.Is(err, ErrPeerRejected):
		return "peer_rejected"
	case errors.Is(err, ErrChannelClosed):
		return "channel_closed"
	case errors.Is(err, ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, ErrUnrecognizedOperation):
		return "unrecognized_operation"
	case errors.Is(err, ErrPublishFailed):
		return "publish_failed"
	default:
		return "internal"
	}
}
