// Command relay-client talks to a relay server from the command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var log = logrus.New()

func initLogger(level string) error {
	log.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	log.SetOutput(os.Stderr)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	log.SetLevel(lvl)
	return nil
}

func newRootCmd() *cobra.Command {
	cli := &RelayCLI{}
	var logLevel string

	root := &cobra.Command{
		Use:           "relay-client",
		Short:         "Send and receive messages through a relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cli.out = cmd.OutOrStdout()
			return initLogger(logLevel)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cli.relayURL, "relay", "ws://127.0.0.1:8080/ws/transport", "relay transport URL")
	pf.StringVar(&cli.keyPath, "keys", defaultKeyPath(), "client key file")
	pf.StringVar(&cli.directoryURL, "directory", "", "identity directory base URL, e.g. http://127.0.0.1:8080")
	pf.StringVar(&cli.torSocks, "tor-socks", "", "connect through a SOCKS5 proxy such as Tor at 127.0.0.1:9050")
	pf.StringVar(&logLevel, "log-level", "warning", "log level")

	var force bool
	keygen := &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cli.keygen(force)
		},
	}
	keygen.Flags().BoolVar(&force, "force", false, "overwrite an existing key file")

	root.AddCommand(
		keygen,
		&cobra.Command{
			Use:   "whoami",
			Short: "Show the local identity and fingerprint",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return cli.whoami() },
		},
		&cobra.Command{
			Use:   "register",
			Short: "Publish the local identity in the directory",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return cli.register() },
		},
		&cobra.Command{
			Use:   "lookup <fingerprint>",
			Short: "Find an identity in the directory",
			Args:  cobra.ExactArgs(1),
			RunE:  func(cmd *cobra.Command, args []string) error { return cli.lookup(args[0]) },
		},
		&cobra.Command{
			Use:   "send <identity|fingerprint> <message>",
			Short: "Send a text message",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return cli.send(cmd.Context(), args[0], args[1])
			},
		},
		&cobra.Command{
			Use:   "listen",
			Short: "Print messages as they arrive",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return cli.listen(cmd.Context()) },
		},
		&cobra.Command{
			Use:   "history",
			Short: "Print messages stored for the local identity",
			Args:  cobra.NoArgs,
			RunE:  func(cmd *cobra.Command, args []string) error { return cli.history(cmd.Context()) },
		},
	)
	return root
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		log.Fatalf("Error: %v", err)
	}
}
