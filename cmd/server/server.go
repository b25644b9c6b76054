package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/busybox42/relay/internal/config"
	"github.com/busybox42/relay/internal/store"
	"github.com/busybox42/relay/pkg/crypto"
	"github.com/busybox42/relay/pkg/directory"
	"github.com/busybox42/relay/pkg/network"
	"github.com/busybox42/relay/pkg/node"
	"github.com/busybox42/relay/pkg/tor"
)

const shutdownTimeout = 5 * time.Second

type RelayServer struct {
	cfg        *config.Config
	keys       *crypto.KeyPair
	storage    store.Store
	node       *node.Node
	directory  *directory.Directory
	transport  *network.Transport
	router     *httprouter.Router
	httpServer *http.Server
	torManager *tor.TorManager

	// cancelling closes every open client connection
	closeConns context.CancelFunc
}

func newRelayServer(cfg *config.Config) (*RelayServer, error) {
	srv := &RelayServer{cfg: cfg}

	if err := srv.initializeKeys(); err != nil {
		return nil, fmt.Errorf("failed to initialize keys: %w", err)
	}
	if err := srv.initializeStore(); err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := srv.initializeNetwork(); err != nil {
		srv.storage.Close()
		return nil, fmt.Errorf("failed to initialize network: %w", err)
	}

	log.WithField("identity", srv.node.Identity()).Info("Relay server initialized")
	return srv, nil
}

func (srv *RelayServer) initializeKeys() error {
	path := srv.cfg.KeyPath()
	keys, created, err := crypto.LoadOrGenerateKeyPair(path)
	if err != nil {
		return err
	}
	if created {
		log.WithField("path", path).Info("Generated new server keys")
	} else {
		log.WithField("path", path).Info("Loaded server keys")
	}
	srv.keys = keys
	return nil
}

func (srv *RelayServer) initializeStore() error {
	switch srv.cfg.Store {
	case config.StoreLevelDB:
		db, err := store.OpenLevelDB(srv.cfg.StorePath())
		if err != nil {
			return err
		}
		log.WithField("path", srv.cfg.StorePath()).Info("Using LevelDB message store")
		srv.storage = db
	default:
		log.Info("Using in-memory message store")
		srv.storage = store.NewMemory()
	}
	return nil
}

func (srv *RelayServer) initializeNetwork() error {
	n, err := node.New(node.Config{
		KeyPair:      srv.keys,
		Store:        srv.storage,
		Logger:       log,
		ChallengeTTL: srv.cfg.ChallengeTTL.Duration,
	})
	if err != nil {
		return err
	}
	srv.node = n
	srv.directory = directory.New()

	srv.router = httprouter.New()
	srv.transport = network.NewTransport(n, log)
	srv.router.Handler(http.MethodGet, "/ws/transport", srv.transport)
	srv.directory.Routes(srv.router, log)

	base, cancel := context.WithCancel(context.Background())
	srv.closeConns = cancel
	srv.httpServer = &http.Server{
		Handler:           srv.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	return nil
}

func (srv *RelayServer) Handler() http.Handler { return srv.router }

// Run serves on ln, and on the onion service when Tor is enabled, until ctx
// is cancelled.
func (srv *RelayServer) Run(ctx context.Context, ln net.Listener) error {
	errc := make(chan error, 2)
	serve := func(l net.Listener) {
		if err := srv.httpServer.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}

	log.WithField("addr", ln.Addr().String()).Info("Relay listening")
	go serve(ln)

	if srv.cfg.Tor.Enabled {
		tm, err := tor.Start(ctx, tor.Config{
			DataDir:    srv.cfg.Tor.DataDir,
			RemotePort: srv.cfg.Tor.RemotePort,
			Logger:     log,
		})
		if err != nil {
			srv.Shutdown()
			return err
		}
		srv.torManager = tm
		log.WithField("onion", tm.OnionAddress).Info("Relay reachable over Tor")
		go serve(tm.Listener())
	}

	select {
	case <-ctx.Done():
		log.Info("Shutting down relay")
		return srv.Shutdown()
	case err := <-errc:
		srv.Shutdown()
		return err
	}
}

// Shutdown stops accepting connections, waits for open ones to finish and
// then releases Tor and the store.
func (srv *RelayServer) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := srv.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	srv.closeConns()
	if err := srv.transport.Wait(ctx); err != nil {
		log.WithError(err).Warn("Connections still open at shutdown")
	}
	if srv.torManager != nil {
		if err := srv.torManager.Close(); err != nil {
			log.Errorf("Error stopping Tor: %v", err)
		}
	}
	if err := srv.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
