package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/net/proxy"

	"github.com/busybox42/relay/pkg/crypto"
	"github.com/busybox42/relay/pkg/directory"
	"github.com/busybox42/relay/pkg/network"
	"github.com/busybox42/relay/pkg/protocol"
	"github.com/busybox42/relay/pkg/tor"
	"github.com/busybox42/relay/pkg/types"
)

// fingerprintLen is the hex length of types.Identity.Fingerprint.
const fingerprintLen = 20

type RelayCLI struct {
	relayURL     string
	keyPath      string
	directoryURL string
	torSocks     string
	out          io.Writer
}

func defaultKeyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "client.key"
	}
	return filepath.Join(home, ".relay", "client.key")
}

func (cli *RelayCLI) loadKeys() (*crypto.KeyPair, error) {
	kp, err := crypto.LoadKeyPair(cli.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load keys from %s (run keygen first): %w", cli.keyPath, err)
	}
	return kp, nil
}

func (cli *RelayCLI) dialer() (proxy.Dialer, error) {
	if cli.torSocks == "" {
		return nil, nil
	}
	return tor.SOCKS5Dialer(cli.torSocks)
}

func (cli *RelayCLI) connect(ctx context.Context) (*network.Peer, error) {
	d, err := cli.dialer()
	if err != nil {
		return nil, err
	}
	return network.Dial(ctx, network.Config{URL: cli.relayURL, Proxy: d, Logger: log})
}

// login connects and authenticates as the local key pair.
func (cli *RelayCLI) login(ctx context.Context) (*network.Peer, *crypto.KeyPair, error) {
	kp, err := cli.loadKeys()
	if err != nil {
		return nil, nil, err
	}
	p, err := cli.connect(ctx)
	if err != nil {
		return nil, nil, err
	}
	if err := p.Authenticate(ctx, kp); err != nil {
		p.Close()
		return nil, nil, fmt.Errorf("authentication failed: %w", err)
	}
	log.WithField("identity", kp.Identity().Short()).Debug("Authenticated with relay")
	return p, kp, nil
}

func (cli *RelayCLI) dirClient() (*directory.Client, error) {
	if cli.directoryURL == "" {
		return nil, fmt.Errorf("no directory configured, pass --directory")
	}
	return directory.NewClient(cli.directoryURL), nil
}

// resolve accepts either a full identity or a fingerprint known to the
// directory.
func (cli *RelayCLI) resolve(recipient string) (types.Identity, error) {
	id := types.Identity(recipient)
	if _, err := id.Key(); err == nil {
		return id, nil
	}
	if _, err := hex.DecodeString(recipient); err != nil || len(recipient) != fingerprintLen {
		return "", fmt.Errorf("%q is neither an identity nor a fingerprint", recipient)
	}

	dir, err := cli.dirClient()
	if err != nil {
		return "", err
	}
	return dir.Lookup(recipient)
}

func (cli *RelayCLI) keygen(force bool) error {
	if _, err := os.Stat(cli.keyPath); err == nil && !force {
		return fmt.Errorf("%s already exists, pass --force to replace it", cli.keyPath)
	}
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	if err := crypto.SaveKeyPair(cli.keyPath, kp); err != nil {
		return err
	}
	return cli.printIdentity(kp)
}

func (cli *RelayCLI) whoami() error {
	kp, err := cli.loadKeys()
	if err != nil {
		return err
	}
	return cli.printIdentity(kp)
}

func (cli *RelayCLI) printIdentity(kp *crypto.KeyPair) error {
	fp, err := kp.Identity().Fingerprint()
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "Identity:    %s\n", kp.Identity())
	fmt.Fprintf(cli.out, "Fingerprint: %s\n", fp)
	return nil
}

func (cli *RelayCLI) register() error {
	kp, err := cli.loadKeys()
	if err != nil {
		return err
	}
	dir, err := cli.dirClient()
	if err != nil {
		return err
	}
	fp, err := dir.Register(kp.Identity())
	if err != nil {
		return err
	}
	fmt.Fprintf(cli.out, "Registered %s\n", fp)
	return nil
}

func (cli *RelayCLI) lookup(fingerprint string) error {
	dir, err := cli.dirClient()
	if err != nil {
		return err
	}
	id, err := dir.Lookup(fingerprint)
	if err != nil {
		return err
	}
	fmt.Fprintln(cli.out, id)
	return nil
}

func (cli *RelayCLI) send(ctx context.Context, recipient, text string) error {
	kp, err := cli.loadKeys()
	if err != nil {
		return err
	}
	to, err := cli.resolve(recipient)
	if err != nil {
		return err
	}

	p, err := cli.connect(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Send(ctx, protocol.NewMessage(kp.Identity(), to, encodeText(text))); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	fmt.Fprintln(cli.out, "Message sent successfully")
	return nil
}

// listen prints messages relayed to the local identity until ctx ends or
// the relay goes away.
func (cli *RelayCLI) listen(ctx context.Context) error {
	p, kp, err := cli.login(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := p.Subscribe(ctx, kp.Identity()); err != nil {
		return fmt.Errorf("subscribe failed: %w", err)
	}
	fmt.Fprintf(cli.out, "Listening for messages to %s\n", kp.Identity().Short())

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-p.Messages():
			if !ok {
				return network.ErrPeerClosed
			}
			cli.printMessage(msg)
		}
	}
}

func (cli *RelayCLI) history(ctx context.Context) error {
	p, kp, err := cli.login(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	hashes, err := p.List(ctx, kp.Identity())
	if err != nil {
		return err
	}
	if len(hashes) == 0 {
		fmt.Fprintln(cli.out, "No message history")
		return nil
	}

	msgs, err := p.Get(ctx, kp.Identity(), hashes)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg != nil {
			cli.printMessage(msg)
		}
	}
	return nil
}

func (cli *RelayCLI) printMessage(msg *protocol.Message) {
	fmt.Fprintf(cli.out, "%s: %s\n", msg.Sender.Short(), render(msg.Data))
}
