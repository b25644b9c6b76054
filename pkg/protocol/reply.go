package protocol

import "github.com/busybox42/relay/pkg/types"

// Reply is the correlation header of every reply. On its own it is the
// acknowledgment sent for subscribe and message.
type Reply struct {
	To Serial `json:"_reply"`
}

func Ack(serial Serial) Reply { return Reply{To: serial} }

type ChallengeReply struct {
	Reply
	Challenge string         `json:"challenge"`
	PubKey    types.Identity `json:"pubkey"`
}

type AuthenticateReply struct {
	Reply
	Success bool `json:"success"`
}

type ErrorReply struct {
	Reply
	Error string `json:"error"`
}

type ListReply struct {
	Reply
	Messages []string `json:"messages"`
}

// GetReply carries messages in request order. A nil entry is encoded as
// null and marks a hash with no stored message.
type GetReply struct {
	Reply
	Messages []*Message `json:"messages"`
}
