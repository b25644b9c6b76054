package node

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/busybox42/relay/internal/store"
	"github.com/busybox42/relay/pkg/protocol"
)

func TestNewRequiresKeyPair(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestLoopback(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	p := connect(t, n)

	id.authenticate(t, p)
	foo := id.message(id.fp(), "foo")
	bar := id.message(id.fp(), "bar")

	p.send(subscribe(id.fp()), 2)
	p.send(foo, 3)
	p.send(bar, 4)

	require.Equal(t, packets(
		reply(2),
		withSerial(foo, 3), reply(3),
		withSerial(bar, 4), reply(4),
	), p.out())
}

func TestRelayIsVerbatim(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	p := connect(t, n)
	id.authenticate(t, p)
	p.send(subscribe(id.fp()), 2)

	foo := id.message(id.fp(), "foo")
	foo["extra"] = "x"
	foo["data"] = map[string]any{"text": "structured"}
	p.send(foo, 3)

	require.Equal(t, packets(reply(2), withSerial(foo, 3), reply(3)), p.out())
	p.conn.out = nil

	h := store.Hash(`{"text":"structured"}`)
	p.send(get(id.fp(), []string{h}), 4)
	require.Equal(t, packets(reply(4, "messages", []any{withSerial(foo, 3)})), p.out())
}

func TestPeerReceivesMessages(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)

	p := connect(t, n)
	id.authenticate(t, p)
	p.send(subscribe(id.fp()), 2)
	foo := id.message(id.fp(), "foo")
	bar := id.message(id.fp(), "bar")

	sender := connect(t, n)
	sender.send(foo, 3)
	sender.send(bar, 4)

	require.Equal(t, packets(reply(3), reply(4)), sender.out())
	require.Equal(t, packets(reply(2), withSerial(foo, 3), withSerial(bar, 4)), p.out())
}

func TestMessagesFilteredByRecipient(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	idA := newIdentity(t)
	idB := newIdentity(t)

	a := connect(t, n)
	idA.authenticate(t, a)
	a.send(subscribe(idA.fp()), 2)

	b := connect(t, n)
	idB.authenticate(t, b)
	b.send(subscribe(idB.fp()), 2)

	foo := id.message(idA.fp(), "foo")
	bar := id.message(idB.fp(), "bar")

	sender := connect(t, n)
	sender.send(bar, 0)
	sender.send(foo, 0)

	require.Empty(t, sender.out())
	require.Equal(t, packets(reply(2), foo), a.out())
	require.Equal(t, packets(reply(2), bar), b.out())
}

func TestMessageHistory(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	foo := id.message(id.fp(), "foo")
	bar := id.message(id.fp(), "bar")
	fooHash := store.Hash(foo["data"].(string))
	barHash := store.Hash(bar["data"].(string))

	a := connect(t, n)
	a.send(foo, 0)
	a.send(bar, 0)
	n.Deregister(a.tr)

	b := connect(t, n)
	id.authenticate(t, b)

	b.send(list(id.fp()), 2)
	require.Equal(t, packets(reply(2, "messages", []string{fooHash, barHash})), b.out())
	b.conn.out = nil

	b.send(get(id.fp(), []string{barHash, fooHash}), 3)
	require.Equal(t, packets(reply(3, "messages", []any{bar, foo})), b.out())
}

func TestListEmptyHistory(t *testing.T) {
	n := newTestNode(t)
	p := connect(t, n)
	p.send(list(newIdentity(t).fp()), 5)
	require.Equal(t, packets(reply(5, "messages", []string{})), p.out())
}

func TestGetUnknownHashKeepsPosition(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	foo := id.message(id.fp(), "foo")

	p := connect(t, n)
	p.send(foo, 0)
	fooHash := store.Hash(foo["data"].(string))

	p.send(get(id.fp(), []string{store.Hash("missing"), fooHash}), 4)
	require.Equal(t, packets(reply(4, "messages", []any{nil, foo})), p.out())
}

func TestDuplicatePayloadsAreKept(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	foo := id.message(id.fp(), "foo")
	h := store.Hash(foo["data"].(string))

	p := connect(t, n)
	p.send(foo, 0)
	p.send(foo, 0)
	p.send(list(id.fp()), 1)
	require.Equal(t, packets(reply(1, "messages", []string{h, h})), p.out())
}

func TestSubscribeRequiresAuthentication(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	other := newIdentity(t)
	p := connect(t, n)

	p.send(subscribe(id.fp()), 7)
	require.Equal(t, packets(reply(7, "error", "unauthorized")), p.out())
	require.Empty(t, n.Subscribers(id.fp()))
	require.Empty(t, n.Subscriptions(p.tr))

	// authenticating a different identity does not help
	other.authenticate(t, p)
	err := n.Subscribe(p.tr, id.fp())
	require.ErrorIs(t, err, protocol.ErrUnauthorized)
	require.Empty(t, n.Subscribers(id.fp()))
}

func TestAuthenticationDoesNotSubscribe(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	p := connect(t, n)

	id.authenticate(t, p)
	require.True(t, p.tr.IsAuthenticated(id.fp()))
	require.Empty(t, n.Subscribers(id.fp()))

	p.send(id.message(id.fp(), "foo"), 0)
	require.Empty(t, p.out())
}

func TestSubscribeIdempotent(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	p := connect(t, n)
	id.authenticate(t, p)

	p.send(subscribe(id.fp()), 1)
	p.send(subscribe(id.fp()), 2)
	require.Len(t, n.Subscribers(id.fp()), 1)

	foo := id.message(id.fp(), "foo")
	p.send(foo, 0)
	require.Equal(t, packets(reply(1), reply(2), foo), p.out())
}

func TestAuthenticateWithoutChallenge(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	p := connect(t, n)

	p.send(map[string]any{"type": "authenticate", "response": "AAAA", "pubkey": string(id.fp())}, 1)
	require.Equal(t, packets(reply(1, "success", false)), p.out())
	require.False(t, p.tr.IsAuthenticated(id.fp()))
}

func TestChallengeIsSingleUse(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	p := connect(t, n)

	auth := id.respond(t, p, 1)
	p.send(auth, 2)
	require.Equal(t, true, p.conn.pop(t)["success"])

	p.send(auth, 3)
	require.Equal(t, false, p.conn.pop(t)["success"])
}

func TestFailedAttemptConsumesChallenge(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	p := connect(t, n)

	auth := id.respond(t, p, 1)
	bad := map[string]any{"type": "authenticate", "response": "garbage", "pubkey": string(id.fp())}
	p.send(bad, 2)
	require.Equal(t, false, p.conn.pop(t)["success"])

	p.send(auth, 3)
	require.Equal(t, false, p.conn.pop(t)["success"])

	// a fresh challenge works
	id.authenticate(t, p)
	require.True(t, p.tr.IsAuthenticated(id.fp()))
}

func TestNewChallengeReplacesPending(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	p := connect(t, n)

	stale := id.respond(t, p, 1)
	fresh := id.respond(t, p, 2)

	p.send(stale, 3)
	require.Equal(t, false, p.conn.pop(t)["success"])

	// the stale attempt consumed the pending challenge too
	p.send(fresh, 4)
	require.Equal(t, false, p.conn.pop(t)["success"])
}

func TestChallengeExpires(t *testing.T) {
	clock := &fixedClock{now: time.Unix(1700000000, 0)}
	n := newTestNodeWith(t, Config{ChallengeTTL: 10 * time.Second, Now: clock.Now})
	id := newIdentity(t)
	p := connect(t, n)

	auth := id.respond(t, p, 1)
	clock.Advance(11 * time.Second)
	p.send(auth, 2)
	require.Equal(t, false, p.conn.pop(t)["success"])

	auth = id.respond(t, p, 3)
	clock.Advance(9 * time.Second)
	p.send(auth, 4)
	require.Equal(t, true, p.conn.pop(t)["success"])
}

func TestAuthenticateMalformedKeyIsRecoverable(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	p := connect(t, n)

	auth := id.respond(t, p, 1)
	auth["pubkey"] = "definitely not a key"
	p.send(auth, 2)
	require.Equal(t, false, p.conn.pop(t)["success"])

	id.authenticate(t, p)
}

func TestChallengeReplyCarriesServerKey(t *testing.T) {
	n := newTestNode(t)
	p := connect(t, n)
	p.send(map[string]any{"type": "challenge"}, 9)

	resp := p.conn.pop(t)
	require.EqualValues(t, 9, resp["_reply"])
	require.Equal(t, string(n.Identity()), resp["pubkey"])
	require.NotEmpty(t, resp["challenge"])
}

func TestNoReplyWithoutSerial(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	p := connect(t, n)

	p.send(map[string]any{"type": "challenge"}, 0)
	p.send(subscribe(id.fp()), 0)
	p.send(list(id.fp()), 0)
	p.send(get(id.fp(), []string{"x"}), 0)
	require.Empty(t, p.out())
}

func TestDeliveryFaultIsolated(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)

	broken := connect(t, n)
	id.authenticate(t, broken)
	broken.send(subscribe(id.fp()), 1)

	healthy := connect(t, n)
	id.authenticate(t, healthy)
	healthy.send(subscribe(id.fp()), 1)

	broken.conn.mu.Lock()
	broken.conn.failWrites = true
	broken.conn.mu.Unlock()

	foo := id.message(id.fp(), "foo")
	sender := connect(t, n)
	sender.send(foo, 5)

	require.Equal(t, packets(reply(5)), sender.out())
	require.Equal(t, packets(reply(1), withSerial(foo, 5)), healthy.out())
}

func TestDeregisterRemovesSubscriptions(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)

	p := connect(t, n)
	id.authenticate(t, p)
	p.send(subscribe(id.fp()), 1)
	require.Len(t, n.Subscribers(id.fp()), 1)
	require.Equal(t, 1, n.Connections())

	n.Deregister(p.tr)
	n.Deregister(p.tr)
	require.Empty(t, n.Subscribers(id.fp()))
	require.Equal(t, 0, n.Connections())

	sender := connect(t, n)
	sender.send(id.message(id.fp(), "late"), 2)
	require.Equal(t, packets(reply(1)), p.out())

	// still stored for later retrieval
	hashes, err := n.List(id.fp())
	require.NoError(t, err)
	require.Len(t, hashes, 1)
}

func TestServeProcessesFramesInOrder(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)
	conn := newFakeConn()

	msg := protocol.NewMessage(id.fp(), id.fp(), "hello")
	msg.Serial = []byte(`1`)
	frame, err := protocol.Encode(msg)
	require.NoError(t, err)

	conn.in <- []byte{}
	conn.in <- frame
	conn.in <- []byte{}
	conn.in <- []byte(fmt.Sprintf(`{"type":"list","identity":%q,"_serial":2}`, id.fp()))
	close(conn.in)

	require.NoError(t, n.Serve(context.Background(), conn))
	require.Equal(t, packets(
		reply(1),
		reply(2, "messages", []string{store.Hash("hello")}),
	), conn.packets(t))
	require.True(t, conn.isClosed())
	require.Equal(t, 0, n.Connections())
}

func TestServeFatalErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
		want  error
	}{
		{name: "decode error", frame: `{not json`, want: protocol.ErrProtocolDecode},
		{name: "unknown type", frame: `{"type":"gossip","_serial":1}`, want: protocol.ErrUnknownPacketType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := newTestNode(t)
			conn := newFakeConn()
			conn.in <- []byte(`{"type":"list","identity":"x","_serial":1}`)
			conn.in <- []byte(tt.frame)
			conn.in <- []byte(`{"type":"list","identity":"x","_serial":2}`)

			err := n.Serve(context.Background(), conn)
			require.ErrorIs(t, err, tt.want)
			require.True(t, protocol.IsFatal(err))
			require.True(t, conn.isClosed())
			require.Equal(t, 0, n.Connections())
			// nothing after the bad frame was processed
			require.Equal(t, packets(reply(1, "messages", []string{})), conn.packets(t))
		})
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	n := newTestNode(t)
	conn := newFakeConn()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- n.Serve(ctx, conn) }()

	require.Eventually(t, func() bool { return n.Connections() == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	require.Equal(t, 0, n.Connections())
	require.True(t, conn.isClosed())
}

func TestFramesSkipsKeepAlives(t *testing.T) {
	n := newTestNode(t)
	conn := newFakeConn()
	tr := n.Register(conn)

	conn.in <- []byte("a")
	conn.in <- nil
	conn.in <- []byte("b")
	close(conn.in)

	var got []string
	for frame, err := range tr.Frames(context.Background()) {
		require.NoError(t, err)
		got = append(got, string(frame))
	}
	require.Equal(t, []string{"a", "b"}, got)
}

func TestSendAfterCloseFails(t *testing.T) {
	n := newTestNode(t)
	p := connect(t, n)
	require.NoError(t, p.tr.Close())

	err := p.tr.Send(protocol.Ack([]byte(`1`)))
	require.ErrorIs(t, err, protocol.ErrDelivery)
}

func TestConcurrentDeliveryAndChurn(t *testing.T) {
	n := newTestNode(t)
	id := newIdentity(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				conn := newFakeConn()
				tr := n.Register(conn)
				tr.addAuthenticated(id.fp())
				if err := n.Subscribe(tr, id.fp()); err != nil {
					t.Error(err)
				}
				n.Deregister(tr)
			}
		}()
	}

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				msg := protocol.NewMessage(id.fp(), id.fp(), fmt.Sprintf("%d-%d", i, j))
				if err := n.Deliver(nil, msg); err != nil {
					t.Error(err)
				}
			}
		}(i)
	}
	wg.Wait()

	require.Equal(t, 0, n.Connections())
	require.Empty(t, n.Subscribers(id.fp()))
	hashes, err := n.List(id.fp())
	require.NoError(t, err)
	require.Len(t, hashes, 100)
}
