package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/busybox42/relay/pkg/crypto"
	"github.com/busybox42/relay/pkg/protocol"
	"github.com/busybox42/relay/pkg/types"
)

var ErrPeerClosed = errors.New("peer connection closed")

// Config describes how a Peer reaches a relay.
type Config struct {
	// URL of the relay transport endpoint, e.g. ws://127.0.0.1:8080/ws/transport
	URL string
	// Proxy, when set, carries the TCP connection (e.g. Tor's SOCKS5 port).
	Proxy  proxy.Dialer
	Logger logrus.FieldLogger
	// ReplyTimeout bounds every request that waits for a reply.
	ReplyTimeout time.Duration
}

// Relay is the client view of a relay server.
type Relay interface {
	Authenticate(ctx context.Context, kp *crypto.KeyPair) error
	Subscribe(ctx context.Context, id types.Identity) error
	Send(ctx context.Context, msg *protocol.Message) error
	List(ctx context.Context, id types.Identity) ([]string, error)
	Get(ctx context.Context, id types.Identity, hashes []string) ([]*protocol.Message, error)
	Messages() <-chan *protocol.Message
	Close() error
}

// Peer is a client connection to a relay. Requests are correlated with
// replies by serial; relayed messages arrive on Messages().
type Peer struct {
	ws      *websocket.Conn
	log     logrus.FieldLogger
	timeout time.Duration

	writeMu sync.Mutex
	serial  atomic.Uint64

	mu      sync.Mutex
	pending map[string]chan json.RawMessage

	incoming chan *protocol.Message
	done     chan struct{}
	once     sync.Once
}

var _ Relay = (*Peer)(nil)

// Dial connects to the relay at cfg.URL.
func Dial(ctx context.Context, cfg Config) (*Peer, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = replyTimeout
	}

	dialer := *websocket.DefaultDialer
	if cfg.Proxy != nil {
		dialer.NetDialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			if cd, ok := cfg.Proxy.(proxy.ContextDialer); ok {
				return cd.DialContext(ctx, network, addr)
			}
			return cfg.Proxy.Dial(network, addr)
		}
	}

	ws, _, err := dialer.DialContext(ctx, cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("connection failed: %w", err)
	}
	ws.SetReadLimit(maxMsgSize)

	p := &Peer{
		ws:       ws,
		log:      cfg.Logger.WithField("relay", cfg.URL),
		timeout:  cfg.ReplyTimeout,
		pending:  make(map[string]chan json.RawMessage),
		incoming: make(chan *protocol.Message, 64),
		done:     make(chan struct{}),
	}
	go p.readLoop()
	return p, nil
}

// Messages delivers packets relayed to identities this peer subscribed.
// It must be drained: a full channel stalls reply processing. The channel is
// closed when the connection ends.
func (p *Peer) Messages() <-chan *protocol.Message { return p.incoming }

// Done is closed when the connection ends.
func (p *Peer) Done() <-chan struct{} { return p.done }

func (p *Peer) Close() error {
	p.writeMu.Lock()
	_ = p.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	p.writeMu.Unlock()

	p.shutdown(ErrPeerClosed)
	return nil
}

func (p *Peer) shutdown(err error) {
	p.once.Do(func() {
		if err != nil && !errors.Is(err, ErrPeerClosed) {
			p.log.WithError(err).Debug("Peer shut down")
		}
		p.ws.Close()
		close(p.done)
	})
}

func (p *Peer) readLoop() {
	defer close(p.incoming)

	for {
		_, data, err := p.ws.ReadMessage()
		if err != nil {
			if !isCleanClose(err) {
				p.log.WithError(err).Debug("Relay connection lost")
			}
			p.shutdown(err)
			return
		}
		if len(data) == 0 {
			continue
		}

		var head struct {
			Reply json.RawMessage     `json:"_reply"`
			Type  protocol.PacketType `json:"type"`
		}
		if err := json.Unmarshal(data, &head); err != nil {
			p.log.WithError(err).Warn("Ignoring malformed packet from relay")
			continue
		}

		if len(head.Reply) > 0 {
			p.resolve(string(head.Reply), data)
			continue
		}

		if head.Type != protocol.TypeMessage {
			p.log.WithField("type", head.Type).Debug("Ignoring unexpected packet")
			continue
		}
		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			p.log.WithError(err).Warn("Ignoring malformed message from relay")
			continue
		}
		select {
		case p.incoming <- &msg:
		case <-p.done:
			return
		}
	}
}

func (p *Peer) resolve(serial string, data []byte) {
	p.mu.Lock()
	ch, ok := p.pending[serial]
	delete(p.pending, serial)
	p.mu.Unlock()

	if !ok {
		p.log.WithField("serial", serial).Debug("Reply with no waiting request")
		return
	}
	ch <- data
}

func (p *Peer) nextSerial() protocol.Serial {
	return protocol.Serial(strconv.FormatUint(p.serial.Add(1), 10))
}

func (p *Peer) write(v any) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := p.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to write packet: %w", err)
	}
	return nil
}

// request writes pkt, which must carry serial, and decodes the reply into out.
func (p *Peer) request(ctx context.Context, serial protocol.Serial, pkt protocol.Packet, out any) error {
	ch := make(chan json.RawMessage, 1)
	key := string(serial)

	p.mu.Lock()
	p.pending[key] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, key)
		p.mu.Unlock()
	}()

	if err := p.write(pkt); err != nil {
		return err
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case data := <-ch:
		var failure protocol.ErrorReply
		if err := json.Unmarshal(data, &failure); err == nil && failure.Error != "" {
			return replyError(failure.Error)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(data, out)
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("no reply to %s within %s", protocol.Header(pkt).Type, p.timeout)
	case <-p.done:
		return ErrPeerClosed
	}
}

func replyError(msg string) error {
	if msg == "unauthorized" {
		return protocol.ErrUnauthorized
	}
	return fmt.Errorf("relay error: %s", msg)
}

func envelope(t protocol.PacketType, serial protocol.Serial) protocol.Envelope {
	return protocol.Envelope{Type: t, Serial: serial}
}

// Authenticate proves to the relay that this peer holds kp's private key.
func (p *Peer) Authenticate(ctx context.Context, kp *crypto.KeyPair) error {
	serial := p.nextSerial()
	var challenge protocol.ChallengeReply
	if err := p.request(ctx, serial, &protocol.Challenge{Envelope: envelope(protocol.TypeChallenge, serial)}, &challenge); err != nil {
		return fmt.Errorf("challenge failed: %w", err)
	}

	response, err := kp.Respond(challenge.Challenge, challenge.PubKey)
	if err != nil {
		return fmt.Errorf("failed to answer challenge: %w", err)
	}

	serial = p.nextSerial()
	var result protocol.AuthenticateReply
	err = p.request(ctx, serial, &protocol.Authenticate{
		Envelope: envelope(protocol.TypeAuthenticate, serial),
		Response: response,
		PubKey:   kp.Identity(),
	}, &result)
	if err != nil {
		return err
	}
	if !result.Success {
		return protocol.ErrAuthentication
	}
	return nil
}

func (p *Peer) Subscribe(ctx context.Context, id types.Identity) error {
	serial := p.nextSerial()
	return p.request(ctx, serial, &protocol.Subscribe{
		Envelope: envelope(protocol.TypeSubscribe, serial),
		Identity: id,
	}, nil)
}

// Send relays msg and waits for the relay's acknowledgment.
func (p *Peer) Send(ctx context.Context, msg *protocol.Message) error {
	serial := p.nextSerial()
	return p.request(ctx, serial, msg.WithSerial(serial), nil)
}

func (p *Peer) List(ctx context.Context, id types.Identity) ([]string, error) {
	serial := p.nextSerial()
	var reply protocol.ListReply
	err := p.request(ctx, serial, &protocol.List{
		Envelope: envelope(protocol.TypeList, serial),
		Identity: id,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Messages, nil
}

// Get fetches stored messages in the order of hashes. Unknown hashes come
// back as nil entries.
func (p *Peer) Get(ctx context.Context, id types.Identity, hashes []string) ([]*protocol.Message, error) {
	serial := p.nextSerial()
	var reply protocol.GetReply
	err := p.request(ctx, serial, &protocol.Get{
		Envelope: envelope(protocol.TypeGet, serial),
		Identity: id,
		Messages: hashes,
	}, &reply)
	if err != nil {
		return nil, err
	}
	return reply.Messages, nil
}
