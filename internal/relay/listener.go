package relay

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultPipeName          = "postpipe"
	DefaultSocketPermissions = "0600"
)

var (
	ErrSocketInUse        = errors.New("relay: socket already served by another process")
	ErrInvalidPermissions = errors.New("relay: invalid socket permissions")
)

// ResolveSocketPath picks the endpoint path: explicit path, then
// $XDG_RUNTIME_DIR/<pipe>.sock, then <tmp>/<pipe>.sock.
func ResolveSocketPath(socketPath, pipeName string) string {
	if p := strings.TrimSpace(socketPath); p != "" {
		return p
	}
	name := strings.TrimSpace(pipeName)
	if name == "" {
		name = DefaultPipeName
	}
	if dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR")); dir != "" {
		return filepath.Join(dir, name+".sock")
	}
	return filepath.Join(os.TempDir(), name+".sock")
}

// ParseSocketPermissions parses an octal mode string such as "0600".
func ParseSocketPermissions(raw string) (os.FileMode, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		raw = DefaultSocketPermissions
	}
	mode, err := strconv.ParseUint(raw, 8, 32)
	if err != nil || mode > 0o777 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidPermissions, raw)
	}
	return os.FileMode(mode), nil
}

// Listen opens the Unix socket at path, replacing a stale socket file left by
// a previous run. A socket that still answers is left alone.
func Listen(path string, perm os.FileMode) (net.Listener, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("relay: resolve socket path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0o700); err != nil {
		return nil, fmt.Errorf("relay: create socket dir: %w", err)
	}
	if err := removeStaleSocket(abs); err != nil {
		return nil, err
	}

	ln, err := net.Listen("unix", abs)
	if err != nil {
		return nil, fmt.Errorf("relay: listen on %s: %w", abs, err)
	}
	if err := os.Chmod(abs, perm); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("relay: chmod socket: %w", err)
	}
	log.Info().Str("path", abs).Str("mode", perm.String()).Msg("relay.Listen socket ready")
	return ln, nil
}

func removeStaleSocket(path string) error {
	info, err := os.Lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("relay: stat socket: %w", err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("relay: %s exists and is not a socket", path)
	}
	conn, err := net.DialTimeout("unix", path, 250*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s", ErrSocketInUse, path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("relay: remove stale socket: %w", err)
	}
	log.Warn().Str("path", path).Msg("relay.Listen removed stale socket")
	return nil
}
