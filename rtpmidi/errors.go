package rtpmidi

// DisconnectReason tags why a peer's state machine is terminating. It
// is a plain comparable value, not an error, so Response.Disconnect can
// be returned from event() without allocating.
type DisconnectReason int

const (
	// BadPacket covers malformed bytes: short length, unknown opcode,
	// an invalid state/channel combination, a non-UTF-8 name, or a CK
	// packet arriving on the control channel.
	BadPacket DisconnectReason = iota
	// BadVersion is an invitation declaring a protocol version other
	// than the one this peer understands.
	BadVersion
	// BadPeer is an invitation whose initiator_id/ssid contradict the
	// pair captured from the control-channel invitation.
	BadPeer
	// Requested is an orderly disconnect asked for by the remote party
	// with a BY packet.
	Requested
)

func (r DisconnectReason) String() string {
	switch r {
	case BadPacket:
		return "BadPacket"
	case BadVersion:
		return "BadVersion"
	case BadPeer:
		return "BadPeer"
	case Requested:
		return "Requested"
	default:
		return "Unknown"
	}
}
