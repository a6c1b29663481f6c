package relay

import (
	"fmt"
	"io"

	"github.com/danmuck/postpipe/internal/auth"
	"github.com/danmuck/postpipe/internal/protocol"
	"github.com/danmuck/postpipe/internal/protocol/frame"
)

// Handshake reads the client's claimed secret and answers it.
//
// On mismatch it writes the rejection frame and returns
// ErrAuthenticationFailed. On match it echoes the secret back.
func Handshake(codec frame.Codec, rw io.ReadWriter, v auth.Validator) error {
	claim, err := codec.ReadString(rw)
	if err != nil {
		return err
	}
	if err := v.Validate(claim); err != nil {
		if _, werr := codec.WriteString(rw, protocol.ReplyUnauthorized); werr != nil {
			return fmt.Errorf("%w: %w (reply: %v)", protocol.ErrAuthenticationFailed, err, werr)
		}
		return fmt.Errorf("%w: %w", protocol.ErrAuthenticationFailed, err)
	}
	if _, err := codec.WriteString(rw, claim); err != nil {
		return err
	}
	return nil
}
