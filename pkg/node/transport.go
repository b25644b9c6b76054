package node

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/busybox42/relay/pkg/protocol"
	"github.com/busybox42/relay/pkg/types"
)

// FrameConn is one duplex client channel carrying whole frames.
//
// ReadFrame blocks for the next frame and returns io.EOF once the client has
// gone away cleanly. A zero-length frame is a keep-alive. WriteFrame must be
// safe to call while another goroutine is blocked in ReadFrame.
type FrameConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

var errTransportClosed = errors.New("transport closed")

type pendingChallenge struct {
	value  string
	issued time.Time
}

// Transport is the server side of one client connection.
type Transport struct {
	ID string

	conn FrameConn
	log  logrus.FieldLogger

	writeMu sync.Mutex
	closed  bool

	mu            sync.Mutex
	authenticated map[types.Identity]struct{}
	pending       *pendingChallenge

	// guarded by the owning Node's mu
	subscriptions map[types.Identity]struct{}
}

func newTransport(id string, conn FrameConn, log logrus.FieldLogger) *Transport {
	return &Transport{
		ID:            id,
		conn:          conn,
		log:           log.WithField("conn", id),
		authenticated: make(map[types.Identity]struct{}),
		subscriptions: make(map[types.Identity]struct{}),
	}
}

// Frames yields the non-empty frames read from the connection, in arrival
// order. The sequence ends without error on io.EOF and with the error on
// any other read failure or when ctx is done. Ranging over it again resumes
// from the connection's current position.
func (t *Transport) Frames(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}

			frame, err := t.conn.ReadFrame(ctx)
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(nil, err)
				return
			}
			if len(frame) == 0 {
				continue
			}
			if !yield(frame, nil) {
				return
			}
		}
	}
}

// Send writes one packet to the client.
func (t *Transport) Send(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.closed {
		return fmt.Errorf("%w: %s: %v", protocol.ErrDelivery, t.ID, errTransportClosed)
	}
	if err := t.conn.WriteFrame(data); err != nil {
		return fmt.Errorf("%w: %s: %v", protocol.ErrDelivery, t.ID, err)
	}
	return nil
}

// Reply sends v only when the request carried a serial.
func (t *Transport) Reply(serial protocol.Serial, v any) error {
	if len(serial) == 0 {
		return nil
	}
	return t.Send(v)
}

// Close closes the underlying connection. Later sends fail.
func (t *Transport) Close() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

// IsAuthenticated reports whether id has completed challenge-response here.
func (t *Transport) IsAuthenticated(id types.Identity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.authenticated[id]
	return ok
}

func (t *Transport) setPending(value string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = &pendingChallenge{value: value, issued: now}
}

// takePending consumes the outstanding challenge.
func (t *Transport) takePending() *pendingChallenge {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.pending
	t.pending = nil
	return p
}

func (t *Transport) addAuthenticated(id types.Identity) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.authenticated[id] = struct{}{}
}
