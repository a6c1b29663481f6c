package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/danmuck/postpipe/internal/auth"
	"github.com/danmuck/postpipe/internal/config"
	"github.com/danmuck/postpipe/internal/protocol"
	"github.com/danmuck/postpipe/internal/protocol/frame"
	"github.com/danmuck/postpipe/internal/relay"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	keyConfig   = "config"
	keySocket   = "socket"
	keyPipe     = "pipe"
	keySecret   = "secret"
	keyEncoding = "encoding"
	keyTimeout  = "timeout"

	defaultTimeout = 30 * time.Second
)

var ErrPublishRefused = errors.New("postpipectl: server replied FAILURE")

// cli resolves connection settings from flags, POSTPIPE_* variables, and an
// optional postpiped config file, in that order.
type cli struct {
	v *viper.Viper
}

func newRootCommand() *cobra.Command {
	c := &cli{v: viper.New()}
	c.v.SetEnvPrefix("POSTPIPE")
	c.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	c.v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "postpipectl",
		Short:         "Send announcements, updates, and events to a running postpiped",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := cmd.PersistentFlags()
	flags.String("config", "", "postpiped config to read socket, encoding, and secret_env from")
	flags.String("socket", "", "socket path (overrides config and pipe)")
	flags.String("pipe", relay.DefaultPipeName, "pipe name used when no socket path is given")
	flags.String("secret", "", "shared secret (prefer POSTPIPE_SECRET)")
	flags.String("encoding", "", "frame text encoding: utf16|utf8")
	flags.Duration("timeout", defaultTimeout, "overall request timeout")

	c.mustBindFlag(keyConfig, flags.Lookup("config"))
	c.mustBindFlag(keySocket, flags.Lookup("socket"))
	c.mustBindFlag(keyPipe, flags.Lookup("pipe"))
	c.mustBindFlag(keySecret, flags.Lookup("secret"))
	c.mustBindFlag(keyEncoding, flags.Lookup("encoding"))
	c.mustBindFlag(keyTimeout, flags.Lookup("timeout"))

	cmd.AddCommand(
		c.newTextCommand("announce", "Publish an announcement verbatim", protocol.OpAnnouncement),
		c.newTextCommand("update", "Publish an update, prefixed with \"Update: \"", protocol.OpUpdate),
		c.newEventCommand(),
		c.newSendCommand(),
		newConfigCommand(c),
	)
	return cmd
}

func (c *cli) mustBindFlag(key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := c.v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

// loadServerConfig returns the postpiped config named by --config, if any.
func (c *cli) loadServerConfig() (*config.Config, error) {
	path := strings.TrimSpace(c.v.GetString(keyConfig))
	if path == "" {
		return nil, nil
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *cli) client() (*relay.Client, error) {
	server, err := c.loadServerConfig()
	if err != nil {
		return nil, err
	}

	socket := strings.TrimSpace(c.v.GetString(keySocket))
	if socket == "" {
		if server != nil {
			socket = relay.ResolveSocketPath(server.Service.SocketPath, server.Service.PipeName)
		} else {
			socket = relay.ResolveSocketPath("", c.v.GetString(keyPipe))
		}
	}

	encoding := strings.TrimSpace(c.v.GetString(keyEncoding))
	if encoding == "" && server != nil {
		encoding = server.Service.Encoding
	}
	codec, err := frame.NewCodec(frame.ParseEncoding(encoding))
	if err != nil {
		return nil, err
	}

	secret := c.v.GetString(keySecret)
	if secret == "" {
		if server != nil {
			secret, _ = server.ResolveSecret()
		} else {
			secret, _ = auth.LookupSecret(config.EnvSecretLegacy)
		}
	}
	return relay.NewClient(socket, secret, codec), nil
}

func (c *cli) context(parent context.Context) (context.Context, context.CancelFunc) {
	timeout := c.v.GetDuration(keyTimeout)
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}

// deliver runs one request and maps the terminal status to an exit result.
func (c *cli) deliver(cmd *cobra.Command, send func(ctx context.Context, client *relay.Client) (string, error)) error {
	client, err := c.client()
	if err != nil {
		return err
	}
	ctx, cancel := c.context(cmd.Context())
	defer cancel()

	status, err := send(ctx, client)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), status)
	if status != protocol.ReplySuccess {
		return ErrPublishRefused
	}
	return nil
}

// messageFromArgs joins args, or reads stdin when the only arg is "-".
func messageFromArgs(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		raw, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimRight(string(raw), "\r\n"), nil
	}
	return strings.Join(args, " "), nil
}
