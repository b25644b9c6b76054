package node

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/busybox42/relay/internal/store"
	"github.com/busybox42/relay/pkg/crypto"
	"github.com/busybox42/relay/pkg/protocol"
	"github.com/busybox42/relay/pkg/types"
)

// fakeConn records written frames and feeds queued frames to ReadFrame.
type fakeConn struct {
	in chan []byte

	mu         sync.Mutex
	out        [][]byte
	closed     bool
	failWrites bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64)}
}

func (c *fakeConn) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case f, ok := <-c.in:
		if !ok {
			return nil, io.EOF
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) WriteFrame(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errors.New("broken pipe")
	}
	c.out = append(c.out, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// packets returns everything written so far, decoded into generic values.
func (c *fakeConn) packets(t *testing.T) []any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]any, 0, len(c.out))
	for _, f := range c.out {
		var v any
		require.NoError(t, json.Unmarshal(f, &v))
		out = append(out, v)
	}
	return out
}

// pop removes and returns the last written packet.
func (c *fakeConn) pop(t *testing.T) map[string]any {
	t.Helper()
	c.mu.Lock()
	require.NotEmpty(t, c.out, "no packet written")
	last := c.out[len(c.out)-1]
	c.out = c.out[:len(c.out)-1]
	c.mu.Unlock()

	var v map[string]any
	require.NoError(t, json.Unmarshal(last, &v))
	return v
}

func testLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestNode(t *testing.T) *Node {
	t.Helper()
	return newTestNodeWith(t, Config{})
}

func newTestNodeWith(t *testing.T, cfg Config) *Node {
	t.Helper()
	if cfg.KeyPair == nil {
		kp, err := crypto.GenerateKeyPair()
		require.NoError(t, err)
		cfg.KeyPair = kp
	}
	if cfg.Store == nil {
		cfg.Store = store.NewMemory()
	}
	cfg.Logger = testLogger()
	n, err := New(cfg)
	require.NoError(t, err)
	return n
}

// peer is a registered connection driven synchronously by the test.
type peer struct {
	t    *testing.T
	node *Node
	conn *fakeConn
	tr   *Transport
}

func connect(t *testing.T, n *Node) *peer {
	t.Helper()
	conn := newFakeConn()
	tr := n.Register(conn)
	t.Cleanup(func() { n.Deregister(tr) })
	return &peer{t: t, node: n, conn: conn, tr: tr}
}

// send encodes pkt, adds serial when non-zero, and handles it on the peer's
// connection as if it had arrived on the wire.
func (p *peer) send(pkt map[string]any, serial int) {
	p.t.Helper()
	data, err := json.Marshal(withSerial(pkt, serial))
	require.NoError(p.t, err)

	decoded, err := protocol.Decode(data)
	require.NoError(p.t, err)
	require.NoError(p.t, p.node.Handle(p.tr, decoded))
}

// withSerial is pkt as sent with serial; subscribers see exactly this.
func withSerial(pkt map[string]any, serial int) map[string]any {
	frame := make(map[string]any, len(pkt)+1)
	for k, v := range pkt {
		frame[k] = v
	}
	if serial != 0 {
		frame["_serial"] = serial
	}
	return frame
}

func (p *peer) out() []any { return p.conn.packets(p.t) }

// identity is a client key pair able to run the challenge-response.
type identity struct {
	kp *crypto.KeyPair
}

func newIdentity(t *testing.T) *identity {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return &identity{kp: kp}
}

func (id *identity) fp() types.Identity { return id.kp.Identity() }

func (id *identity) respond(t *testing.T, p *peer, serial int) map[string]any {
	t.Helper()
	p.send(map[string]any{"type": "challenge"}, serial)
	resp := p.conn.pop(t)
	challenge := resp["challenge"].(string)
	server := types.Identity(resp["pubkey"].(string))

	response, err := id.kp.Respond(challenge, server)
	require.NoError(t, err)
	return map[string]any{
		"type":     "authenticate",
		"response": response,
		"pubkey":   string(id.fp()),
	}
}

func (id *identity) authenticate(t *testing.T, p *peer) {
	t.Helper()
	p.send(id.respond(t, p, 1), 2)
	require.Equal(t, true, p.conn.pop(t)["success"])
}

func (id *identity) message(recipient types.Identity, text string) map[string]any {
	body, _ := json.Marshal(map[string]string{"text": text})
	return map[string]any{
		"type":      "message",
		"sender":    string(id.fp()),
		"recipient": string(recipient),
		"data":      "msg:" + base64.StdEncoding.EncodeToString(body),
	}
}

func reply(serial int, fields ...any) any {
	m := map[string]any{"_reply": serial}
	for i := 0; i+1 < len(fields); i += 2 {
		m[fields[i].(string)] = fields[i+1]
	}
	return normalize(m)
}

func subscribe(id types.Identity) map[string]any {
	return map[string]any{"type": "subscribe", "identity": string(id)}
}

func list(id types.Identity) map[string]any {
	return map[string]any{"type": "list", "identity": string(id)}
}

func get(id types.Identity, hashes []string) map[string]any {
	return map[string]any{"type": "get", "identity": string(id), "messages": hashes}
}

// normalize round-trips v through JSON so it compares equal to decoded output.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return out
}

func packets(vs ...any) []any {
	out := make([]any, 0, len(vs))
	for _, v := range vs {
		out = append(out, normalize(v))
	}
	return out
}

// fixedClock is a manually advanced clock.
type fixedClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
