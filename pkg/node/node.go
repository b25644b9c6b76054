// Package node is the relay core: the registry of live connections, the
// per-connection packet loop and the fan-out and history of messages.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/relay/internal/store"
	"github.com/busybox42/relay/pkg/crypto"
	"github.com/busybox42/relay/pkg/protocol"
	"github.com/busybox42/relay/pkg/types"
)

// DefaultChallengeTTL bounds how long an issued challenge can be answered.
const DefaultChallengeTTL = time.Minute

type Config struct {
	// KeyPair is the server identity challenges are answered to. Required.
	KeyPair *crypto.KeyPair
	// Store records every delivered message. Defaults to an in-memory store.
	Store        store.Store
	Logger       logrus.FieldLogger
	ChallengeTTL time.Duration
	// Now is the clock used for challenge expiry. Defaults to time.Now.
	Now func() time.Time
}

// Node owns the shared registry. All connections of one server share one Node.
type Node struct {
	keys         *crypto.KeyPair
	store        store.Store
	log          logrus.FieldLogger
	challengeTTL time.Duration
	now          func() time.Time

	mu         sync.RWMutex
	transports map[string]*Transport
	index      map[types.Identity]map[*Transport]struct{}
}

func New(cfg Config) (*Node, error) {
	if cfg.KeyPair == nil {
		return nil, errors.New("node: key pair is required")
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = DefaultChallengeTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Node{
		keys:         cfg.KeyPair,
		store:        cfg.Store,
		log:          cfg.Logger,
		challengeTTL: cfg.ChallengeTTL,
		now:          cfg.Now,
		transports:   make(map[string]*Transport),
		index:        make(map[types.Identity]map[*Transport]struct{}),
	}, nil
}

// Identity is the server public key handed out with every challenge.
func (n *Node) Identity() types.Identity {
	return n.keys.Identity()
}

// Register adds a new connection to the registry.
func (n *Node) Register(conn FrameConn) *Transport {
	t := newTransport(uuid.NewString(), conn, n.log)

	n.mu.Lock()
	n.transports[t.ID] = t
	n.mu.Unlock()

	t.log.Debug("Connection registered")
	return t
}

// Deregister removes t and all its subscriptions. Calling it more than once
// is a no-op.
func (n *Node) Deregister(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.transports[t.ID]; !ok {
		return
	}
	delete(n.transports, t.ID)

	for id := range t.subscriptions {
		subs := n.index[id]
		delete(subs, t)
		if len(subs) == 0 {
			delete(n.index, id)
		}
	}
	clear(t.subscriptions)

	t.log.Debug("Connection deregistered")
}

// Subscribe enrolls t to receive messages for id. The identity must have been
// authenticated on t first. Subscribing twice is harmless.
func (n *Node) Subscribe(t *Transport, id types.Identity) error {
	if !t.IsAuthenticated(id) {
		return fmt.Errorf("%w: identity %s not authenticated on %s", protocol.ErrUnauthorized, id.Short(), t.ID)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.transports[t.ID]; !ok {
		return fmt.Errorf("connection %s is not registered", t.ID)
	}

	subs, ok := n.index[id]
	if !ok {
		subs = make(map[*Transport]struct{})
		n.index[id] = subs
	}
	subs[t] = struct{}{}
	t.subscriptions[id] = struct{}{}
	return nil
}

// Subscribers returns a snapshot of the connections subscribed to id.
func (n *Node) Subscribers(id types.Identity) []*Transport {
	n.mu.RLock()
	defer n.mu.RUnlock()

	subs := n.index[id]
	out := make([]*Transport, 0, len(subs))
	for t := range subs {
		out = append(out, t)
	}
	return out
}

// Subscriptions returns the identities t is subscribed to.
func (n *Node) Subscriptions(t *Transport) []types.Identity {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make([]types.Identity, 0, len(t.subscriptions))
	for id := range t.subscriptions {
		out = append(out, id)
	}
	return out
}

// Connections is the number of registered connections.
func (n *Node) Connections() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.transports)
}

// Deliver stores msg in its recipient's history and relays it, exactly as it
// was received, to every connection subscribed to the recipient. A failed write to one subscriber
// is logged and does not stop the others. When from is not nil and the
// packet carried a serial, from is acknowledged after the fan-out.
func (n *Node) Deliver(from *Transport, msg *protocol.Message) error {
	hash := store.Hash(msg.Data)
	log := n.log.WithFields(logrus.Fields{
		"recipient": msg.Recipient.Short(),
		"hash":      hash,
	})

	if err := n.store.Append(msg.Recipient, hash, msg); err != nil {
		log.WithError(err).Error("Failed to store message")
		if from == nil {
			return err
		}
		return from.Reply(msg.Serial, protocol.ErrorReply{
			Reply: protocol.Ack(msg.Serial),
			Error: "store failed",
		})
	}

	subs := n.Subscribers(msg.Recipient)
	for _, sub := range subs {
		if err := sub.Send(msg); err != nil {
			log.WithError(err).WithField("subscriber", sub.ID).Warn("Failed to relay message")
		}
	}
	log.WithField("subscribers", len(subs)).Debug("Message delivered")

	if from == nil {
		return nil
	}
	return from.Reply(msg.Serial, protocol.Ack(msg.Serial))
}

// List returns the hashes stored for id in the order they arrived.
func (n *Node) List(id types.Identity) ([]string, error) {
	return n.store.List(id)
}

// Get resolves hashes against id's history, keeping the requested order.
// A hash with no stored message yields a nil entry in its position.
func (n *Node) Get(id types.Identity, hashes []string) ([]*protocol.Message, error) {
	out := make([]*protocol.Message, 0, len(hashes))
	for _, h := range hashes {
		msg, err := n.store.Get(id, h)
		if errors.Is(err, store.ErrNotFound) {
			out = append(out, nil)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

// Serve runs the packet loop for one connection until the client goes away,
// ctx is done or a fatal protocol error occurs. The connection is always
// deregistered and closed before Serve returns. A clean disconnect returns nil.
func (n *Node) Serve(ctx context.Context, conn FrameConn) error {
	t := n.Register(conn)
	defer func() {
		n.Deregister(t)
		t.Close()
	}()

	for frame, err := range t.Frames(ctx) {
		if err != nil {
			return err
		}

		pkt, err := protocol.Decode(frame)
		if err != nil {
			t.log.WithError(err).Warn("Closing connection on bad packet")
			return err
		}

		if err := n.Handle(t, pkt); err != nil {
			t.log.WithError(err).Warn("Closing connection")
			return err
		}
	}

	t.log.Debug("Connection closed by client")
	return nil
}
