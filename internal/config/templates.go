package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Template returns the commented starter config for kind.
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "server":
		return serverTemplate, nil
	case "bluesky":
		return blueskyTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// ToFile converts a resolved config back into its on-disk layout.
func (c Config) ToFile() File {
	s := c.Service
	return File{
		Name:              s.Name,
		SocketPath:        s.SocketPath,
		PipeName:          s.PipeName,
		SocketPermissions: s.SocketPermissions,
		Workers:           s.Workers,
		RequireSameUID:    s.RequireSameUID,
		Encoding:          s.Encoding,
		AckRejections:     s.AckRejections,
		SecretEnv:         c.SecretEnv,
		AdminAddr:         s.AdminListenAddr,
		HeartbeatInterval: s.HeartbeatInterval.String(),
		HandshakeTimeout:  s.Session.HandshakeTimeout.String(),
		ReadTimeout:       s.Session.ReadTimeout.String(),
		WriteTimeout:      s.Session.WriteTimeout.String(),
		PublishTimeout:    s.Session.PublishTimeout.String(),
		Publisher: PublisherFile{
			Backend:            c.Publisher.Backend,
			ServiceURL:         c.Publisher.ServiceURL,
			Identifier:         c.Publisher.Identifier,
			PasswordEnv:        c.PasswordEnv,
			EmbedURL:           s.EmbedURL,
			Command:            c.Publisher.Command,
			MaxSessionAttempts: c.Publisher.MaxSessionAttempts,
		},
	}
}

// Render encodes the effective config as TOML. Secrets are never included;
// only the names of the variables that hold them.
func Render(c Config) ([]byte, error) {
	out, err := toml.Marshal(c.ToFile())
	if err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}
	return out, nil
}

const serverTemplate = `# postpiped configuration
name = "postpipe"

# socket_path wins over pipe_name; otherwise $XDG_RUNTIME_DIR/<pipe_name>.sock
pipe_name = "postpipe"
socket_permissions = "0600"
workers = 4
require_same_uid = false

# utf16 matches UTF-16LE peers; utf8 for everything else
encoding = "utf16"
ack_rejections = false
secret_env = "POSTPIPE_SECRET"

# admin_addr = "127.0.0.1:7070"
heartbeat_interval = "30s"

# 0s disables the deadline
handshake_timeout = "0s"
read_timeout = "0s"
write_timeout = "0s"
publish_timeout = "0s"

[publisher]
backend = "log"
`

const blueskyTemplate = `# postpiped configuration for the Bluesky backend
name = "postpipe"
pipe_name = "TecieBlueskyPipe"
socket_permissions = "0600"
workers = 4
encoding = "utf16"
secret_env = "POSTPIPE_SECRET"
admin_addr = "127.0.0.1:7070"
heartbeat_interval = "30s"
handshake_timeout = "10s"
read_timeout = "30s"
write_timeout = "10s"
publish_timeout = "30s"

[publisher]
backend = "bluesky"
service_url = "https://bsky.social"
identifier = "tecie.thenergeticon.com"
password_env = "POSTPIPE_BSKY_PASSWORD"
embed_url = "https://thenergeticon.com/Events/currentevent"
max_session_attempts = 3
`
