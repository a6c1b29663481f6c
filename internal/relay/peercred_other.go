//go:build !linux

package relay

import (
	"errors"
	"net"
)

func checkSameUID(net.Conn) error {
	return errors.New("peer credential checks are only available on linux")
}

func peerCredSupported() bool { return false }
