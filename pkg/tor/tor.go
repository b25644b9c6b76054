// Package tor runs an embedded Tor process so the relay can be reached as an
// onion service, and builds SOCKS5 dialers for clients connecting through Tor.
package tor

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"github.com/cretz/bine/tor"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"
)

const (
	defaultRemotePort   = 80
	defaultStartTimeout = 3 * time.Minute
	startAttempts       = 3
)

type Config struct {
	// DataDir keeps Tor state between runs. Empty uses a temporary directory
	// removed on Close.
	DataDir string
	// RemotePort is the virtual port of the onion service.
	RemotePort int
	// SocksPort for outgoing connections. Zero picks a free high port.
	SocksPort    int
	StartTimeout time.Duration
	Logger       logrus.FieldLogger
}

// TorManager owns an embedded Tor process and the onion service published
// through it.
type TorManager struct {
	OnionAddress string
	SocksPort    int

	instance *tor.Tor
	onion    *tor.OnionService
	log      logrus.FieldLogger
}

// Start launches Tor, waits for it to bootstrap and publishes a v3 onion
// service. Accepted onion connections are available from Listener.
func Start(ctx context.Context, cfg Config) (*TorManager, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.RemotePort == 0 {
		cfg.RemotePort = defaultRemotePort
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	log := cfg.Logger.WithField("component", "tor")

	var lastErr error
	for attempt := 1; attempt <= startAttempts; attempt++ {
		socksPort := cfg.SocksPort
		if socksPort == 0 {
			socksPort = getRandomHighPort()
		}

		tm, err := start(ctx, cfg, socksPort, log)
		if err == nil {
			return tm, nil
		}
		lastErr = err
		log.WithError(err).Warnf("Attempt %d to start Tor failed", attempt)

		if ctx.Err() != nil || cfg.SocksPort != 0 {
			break
		}
	}
	return nil, fmt.Errorf("failed to start Tor: %w", lastErr)
}

func start(ctx context.Context, cfg Config, socksPort int, log logrus.FieldLogger) (*TorManager, error) {
	log.Infof("Starting embedded Tor with SOCKS port %d", socksPort)
	t, err := tor.Start(ctx, &tor.StartConf{
		DataDir:   cfg.DataDir,
		ExtraArgs: []string{"--SocksPort", strconv.Itoa(socksPort)},
	})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.StartTimeout)
	defer cancel()

	if err := t.EnableNetwork(ctx, true); err != nil {
		t.Close()
		return nil, fmt.Errorf("could not enable network: %w", err)
	}

	socksAddress := net.JoinHostPort("127.0.0.1", strconv.Itoa(socksPort))
	if !waitForSocks5Proxy(ctx, socksAddress) {
		t.Close()
		return nil, fmt.Errorf("SOCKS5 proxy did not start on %s", socksAddress)
	}

	log.Info("Publishing onion service")
	onion, err := t.Listen(ctx, &tor.ListenConf{
		RemotePorts: []int{cfg.RemotePort},
		Version3:    true,
	})
	if err != nil {
		t.Close()
		return nil, fmt.Errorf("could not create onion service: %w", err)
	}

	tm := &TorManager{
		OnionAddress: onion.ID + ".onion",
		SocksPort:    socksPort,
		instance:     t,
		onion:        onion,
		log:          log,
	}
	log.WithField("onion", tm.OnionAddress).Info("Onion service published")
	return tm, nil
}

// Listener yields connections arriving at the onion service.
func (tm *TorManager) Listener() net.Listener { return tm.onion }

// Dialer routes outgoing connections through this Tor instance.
func (tm *TorManager) Dialer() (proxy.Dialer, error) {
	return SOCKS5Dialer(net.JoinHostPort("127.0.0.1", strconv.Itoa(tm.SocksPort)))
}

// Close removes the onion service and stops Tor.
func (tm *TorManager) Close() error {
	tm.log.Info("Stopping Tor")
	var errs []error
	if tm.onion != nil {
		errs = append(errs, tm.onion.Close())
	}
	if tm.instance != nil {
		errs = append(errs, tm.instance.Close())
	}
	return errors.Join(errs...)
}

// SOCKS5Dialer returns a dialer for a SOCKS5 proxy such as a system Tor
// daemon at 127.0.0.1:9050. No connection is made until Dial.
func SOCKS5Dialer(addr string) (proxy.Dialer, error) {
	dialer, err := proxy.SOCKS5("tcp", addr, nil, proxy.Direct)
	if err != nil {
		return nil, fmt.Errorf("failed to create SOCKS5 dialer: %w", err)
	}
	return dialer, nil
}

func isPortAvailable(port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// getRandomHighPort picks an unused port in 49152-65535, or 0 if none was
// found.
func getRandomHighPort() int {
	for range 10 {
		port := rand.IntN(16383) + 49152
		if isPortAvailable(port) {
			return port
		}
	}
	for port := 49152; port <= 65535; port++ {
		if isPortAvailable(port) {
			return port
		}
	}
	return 0
}

// waitForSocks5Proxy polls address until it accepts TCP connections.
func waitForSocks5Proxy(ctx context.Context, address string) bool {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		conn, err := net.DialTimeout("tcp", address, time.Second)
		if err == nil {
			conn.Close()
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}
