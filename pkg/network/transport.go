// pkg/network/transport.go
package network

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/busybox42/relay/pkg/node"
	"github.com/busybox42/relay/pkg/protocol"
)

// Transport accepts WebSocket clients over HTTP and hands each one to the
// relay node for the lifetime of the connection.
type Transport struct {
	node     *node.Node
	log      logrus.FieldLogger
	upgrader websocket.Upgrader

	// one per connection still being served
	active sync.WaitGroup
}

func NewTransport(n *node.Node, log logrus.FieldLogger) *Transport {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Transport{
		node: n,
		log:  log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// clients authenticate by key, not by origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (tr *Transport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tr.active.Add(1)
	defer tr.active.Done()

	ws, err := tr.upgrader.Upgrade(w, r, nil)
	if err != nil {
		tr.log.WithError(err).Debug("WebSocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	conn := NewConn(ws)
	stop := context.AfterFunc(ctx, func() { ws.Close() })
	defer stop()

	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	go keepAlive(ctx, ws)

	log := tr.log.WithField("remote", r.RemoteAddr)
	log.Debug("Client connected")

	err = tr.node.Serve(ctx, conn)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		log.Debug("Client disconnected")
	case protocol.IsFatal(err):
		log.WithError(err).Info("Client dropped for protocol violation")
	default:
		log.WithError(err).Debug("Client connection ended")
	}
}

// Wait blocks until every connection handed to the node has been
// deregistered, or ctx is done. Callers stop new connections and cancel the
// request contexts of open ones first.
func (tr *Transport) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		tr.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// keepAlive pings the client until ctx is done. A client that stops
// answering is disconnected by the read deadline.
func keepAlive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}
