package node

import (
	"errors"
	"fmt"

	"github.com/busybox42/relay/pkg/crypto"
	"github.com/busybox42/relay/pkg/protocol"
	"github.com/busybox42/relay/pkg/types"
)

// Handle executes one decoded packet received on t. Recoverable failures are
// answered on the reply channel; a returned error means the connection can
// no longer be served.
func (n *Node) Handle(t *Transport, p protocol.Packet) error {
	switch p := p.(type) {
	case *protocol.Challenge:
		return n.handleChallenge(t, p)
	case *protocol.Authenticate:
		return n.handleAuthenticate(t, p)
	case *protocol.Subscribe:
		return n.handleSubscribe(t, p)
	case *protocol.Message:
		return n.Deliver(t, p)
	case *protocol.List:
		return n.handleList(t, p)
	case *protocol.Get:
		return n.handleGet(t, p)
	default:
		return fmt.Errorf("%w: %T", protocol.ErrUnknownPacketType, p)
	}
}

func (n *Node) handleChallenge(t *Transport, p *protocol.Challenge) error {
	challenge, err := crypto.NewChallenge()
	if err != nil {
		return err
	}
	t.setPending(challenge, n.now())

	return t.Reply(p.Serial, protocol.ChallengeReply{
		Reply:     protocol.Ack(p.Serial),
		Challenge: challenge,
		PubKey:    n.Identity(),
	})
}

func (n *Node) handleAuthenticate(t *Transport, p *protocol.Authenticate) error {
	err := n.authenticate(t, p.Response, p.PubKey)
	log := t.log.WithField("identity", p.PubKey.Short())
	if err != nil {
		log.WithError(err).Info("Authentication failed")
	} else {
		log.Info("Identity authenticated")
	}

	return t.Reply(p.Serial, protocol.AuthenticateReply{
		Reply:   protocol.Ack(p.Serial),
		Success: err == nil,
	})
}

// authenticate consumes t's pending challenge and checks response against it.
func (n *Node) authenticate(t *Transport, response string, claimed types.Identity) error {
	pending := t.takePending()
	if pending == nil {
		return fmt.Errorf("%w: no challenge issued", protocol.ErrAuthentication)
	}
	if n.now().Sub(pending.issued) > n.challengeTTL {
		return fmt.Errorf("%w: challenge expired", protocol.ErrAuthentication)
	}
	if err := n.keys.VerifyResponse(response, claimed, pending.value); err != nil {
		return fmt.Errorf("%w: %v", protocol.ErrAuthentication, err)
	}

	t.addAuthenticated(claimed)
	return nil
}

func (n *Node) handleSubscribe(t *Transport, p *protocol.Subscribe) error {
	if err := n.Subscribe(t, p.Identity); err != nil {
		t.log.WithError(err).Warn("Subscribe rejected")
		msg := "subscribe failed"
		if errors.Is(err, protocol.ErrUnauthorized) {
			msg = "unauthorized"
		}
		return t.Reply(p.Serial, protocol.ErrorReply{Reply: protocol.Ack(p.Serial), Error: msg})
	}

	t.log.WithField("identity", p.Identity.Short()).Debug("Subscribed")
	return t.Reply(p.Serial, protocol.Ack(p.Serial))
}

func (n *Node) handleList(t *Transport, p *protocol.List) error {
	hashes, err := n.List(p.Identity)
	if err != nil {
		t.log.WithError(err).Error("Failed to list messages")
		return t.Reply(p.Serial, protocol.ErrorReply{Reply: protocol.Ack(p.Serial), Error: "list failed"})
	}

	return t.Reply(p.Serial, protocol.ListReply{
		Reply:    protocol.Ack(p.Serial),
		Messages: hashes,
	})
}

func (n *Node) handleGet(t *Transport, p *protocol.Get) error {
	messages, err := n.Get(p.Identity, p.Messages)
	if err != nil {
		t.log.WithError(err).Error("Failed to get messages")
		return t.Reply(p.Serial, protocol.ErrorReply{Reply: protocol.Ack(p.Serial), Error: "get failed"})
	}

	return t.Reply(p.Serial, protocol.GetReply{
		Reply:    protocol.Ack(p.Serial),
		Messages: messages,
	})
}
