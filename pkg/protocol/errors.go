package protocol

import "errors"

var (
	// ErrProtocolDecode marks a frame that is not a well-formed packet. Fatal.
	ErrProtocolDecode = errors.New("protocol: malformed packet")
	// ErrUnknownPacketType marks a packet whose type is not in the protocol. Fatal.
	ErrUnknownPacketType = errors.New("protocol: unknown packet type")
	// ErrAuthentication marks a failed challenge-response. Reported as success: false.
	ErrAuthentication = errors.New("protocol: authentication failed")
	// ErrUnauthorized marks an operation on an identity the connection has not authenticated.
	ErrUnauthorized = errors.New("protocol: unauthorized")
	// ErrDelivery marks a failed write to one subscriber during fan-out.
	ErrDelivery = errors.New("protocol: delivery failed")
	// ErrNotFound marks a hash with no stored message.
	ErrNotFound = errors.New("protocol: not found")
)

// IsFatal reports whether err must terminate the connection it occurred on.
func IsFatal(err error) bool {
	return errors.Is(err, ErrProtocolDecode) || errors.Is(err, ErrUnknownPacketType)
}
