//go:build linux

package relay

import (
	"fmt"
	"net"
	"os"

	"golang.org/x/sys/unix"
)

// checkSameUID rejects a Unix peer whose uid differs from this process.
func checkSameUID(conn net.Conn) error {
	uc, ok := conn.(*net.UnixConn)
	if !ok {
		return fmt.Errorf("peer credentials need a unix conn, got %T", conn)
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return err
	}
	var cred *unix.Ucred
	var credErr error
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return err
	}
	if credErr != nil {
		return credErr
	}
	if want := uint32(os.Getuid()); cred.Uid != want {
		return fmt.Errorf("peer uid=%d pid=%d, want uid=%d", cred.Uid, cred.Pid, want)
	}
	return nil
}

func peerCredSupported() bool { return true }
