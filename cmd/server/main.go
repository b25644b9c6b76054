// Command relay-server runs the message relay.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/busybox42/relay/internal/config"
)

var log = logrus.New()

func initLogger(level string) error {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stdout)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

func newRootCmd() *cobra.Command {
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:           "relay-server",
		Short:         "Identity-addressed encrypted message relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if err := initLogger(cfg.LogLevel); err != nil {
				return err
			}

			srv, err := newRelayServer(cfg)
			if err != nil {
				return err
			}

			ln, err := net.Listen("tcp", cfg.Listen)
			if err != nil {
				srv.Shutdown()
				return fmt.Errorf("failed to listen on %s: %w", cfg.Listen, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return srv.Run(ctx, ln)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "path to a TOML config file")
	flags.String("listen", defaults.Listen, "address to listen on")
	flags.String("data-dir", defaults.DataDir, "directory for keys and messages")
	flags.String("keys", "", "server key file (default <data-dir>/server.key)")
	flags.String("store", defaults.Store, "message store: memory or leveldb")
	flags.Duration("challenge-ttl", defaults.ChallengeTTL.Duration, "how long an issued challenge stays valid")
	flags.Bool("tor", false, "also serve as a Tor onion service")
	flags.String("log-level", defaults.LogLevel, "log level")
	return cmd
}

// resolveConfig loads the --config file, if any, and applies flags that were
// set explicitly on top of it.
func resolveConfig(cmd *cobra.Command) (*config.Config, error) {
	flags := cmd.Flags()
	cfg := config.Default()
	if path, _ := flags.GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	stringFlags := map[string]*string{
		"listen":    &cfg.Listen,
		"data-dir":  &cfg.DataDir,
		"keys":      &cfg.KeyFile,
		"store":     &cfg.Store,
		"log-level": &cfg.LogLevel,
	}
	for name, dst := range stringFlags {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	if flags.Changed("challenge-ttl") {
		cfg.ChallengeTTL.Duration, _ = flags.GetDuration("challenge-ttl")
	}
	if flags.Changed("tor") {
		cfg.Tor.Enabled, _ = flags.GetBool("tor")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Fatalf("Relay server failed: %v", err)
	}
}
