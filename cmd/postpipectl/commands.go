package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/danmuck/postpipe/internal/config"
	"github.com/danmuck/postpipe/internal/relay"
	"github.com/spf13/cobra"
)

func (c *cli) newTextCommand(use, short, op string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <text...|->",
		Short: short,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := messageFromArgs(cmd, args)
			if err != nil {
				return err
			}
			return c.deliver(cmd, func(ctx context.Context, client *relay.Client) (string, error) {
				return client.Send(ctx, op, text)
			})
		},
	}
}

func (c *cli) newEventCommand() *cobra.Command {
	var info relay.EventInfo
	cmd := &cobra.Command{
		Use:   "event",
		Short: "Publish an event start notice with an optional join link",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(info.EventName) == "" {
				return fmt.Errorf("--name is required")
			}
			return c.deliver(cmd, func(ctx context.Context, client *relay.Client) (string, error) {
				return client.Event(ctx, info)
			})
		},
	}
	cmd.Flags().StringVar(&info.EventName, "name", "", "event name (embed title)")
	cmd.Flags().StringVar(&info.EventDescription, "description", "", "event description (embed description)")
	cmd.Flags().StringVar(&info.EventLink, "link", "", "join link; adds the \"Join Here!\" facet")
	return cmd
}

func (c *cli) newSendCommand() *cobra.Command {
	var op string
	cmd := &cobra.Command{
		Use:   "send --op X <payload...|->",
		Short: "Send a raw operation code and payload",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := messageFromArgs(cmd, args)
			if err != nil {
				return err
			}
			return c.deliver(cmd, func(ctx context.Context, client *relay.Client) (string, error) {
				return client.Send(ctx, op, payload)
			})
		},
	}
	cmd.Flags().StringVar(&op, "op", "", "operation code (A, E, U)")
	_ = cmd.MarkFlagRequired("op")
	return cmd
}

func newConfigCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write, validate, and show postpiped config files",
	}

	var kind, output string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter postpiped config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.WriteTemplate(output, kind, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s config template to %s\n", kind, output)
			return nil
		},
	}
	initCmd.Flags().StringVar(&kind, "kind", "server", "template kind: server|bluesky")
	initCmd.Flags().StringVar(&output, "output", "postpiped.toml", "output path")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Load and validate a postpiped config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "validated %s\n", args[0])
			return nil
		},
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective config from --config, or the defaults",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			server, err := c.loadServerConfig()
			if err != nil {
				return err
			}
			cfg := config.Default()
			if server != nil {
				cfg = *server
			}
			out, err := config.Render(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}

	cmd.AddCommand(initCmd, validateCmd, showCmd)
	return cmd
}
