package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/awnumar/memguard"
	"github.com/danmuck/postpipe/internal/auth"
	"github.com/danmuck/postpipe/internal/config"
	"github.com/danmuck/postpipe/internal/logging"
	"github.com/danmuck/postpipe/internal/observability"
	"github.com/danmuck/postpipe/internal/publish"
	"github.com/danmuck/postpipe/internal/relay"
	"github.com/rs/zerolog/log"
)

func main() {
	code := run(os.Args[1:], os.Stdout, os.Stderr)
	memguard.Purge()
	os.Exit(code)
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("postpiped", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to postpiped TOML config (env "+envConfigPath+")")
	printConfig := fs.Bool("print-config", false, "print the effective config and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := resolveConfigPath(*configPath)
	cfg, err := loadServiceConfig(path)
	if err != nil {
		fmt.Fprintf(stderr, "postpiped: %v\n", err)
		return 1
	}
	if *printConfig {
		out, err := config.Render(cfg)
		if err != nil {
			fmt.Fprintf(stderr, "postpiped: %v\n", err)
			return 1
		}
		_, _ = stdout.Write(out)
		return 0
	}

	logging.ConfigureRuntime()
	logger := observability.ComponentLogger("postpiped")
	logger.Info().Str("config", path).Str("backend", cfg.Publisher.Backend).Msg("postpiped starting")

	svc, err := buildService(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "postpiped: %v\n", err)
		return 1
	}
	if err := svc.Run(); err != nil {
		fmt.Fprintf(stderr, "postpiped: %v\n", err)
		return 1
	}
	return 0
}

func buildService(cfg config.Config) (*relay.Service, error) {
	secret, from := cfg.ResolveSecret()
	if from != "" && from != cfg.SecretEnv {
		log.Warn().Str("env", from).Msg("postpiped using legacy secret variable")
	}
	pub, err := publish.New(cfg.PublisherConfig())
	if err != nil {
		return nil, err
	}
	return relay.NewService(cfg.Service, auth.NewSharedSecret(secret), pub)
}
