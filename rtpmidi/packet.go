package rtpmidi

import (
	"encoding/binary"
	"unicode/utf8"
)

// Control-plane packets (IN, OK, NO, CK, BY) all begin with the
// two-byte magic 0xFFFF followed by a two-ASCII-letter opcode. This is
// how the session layer tells them apart from RTP-MIDI data packets
// arriving on the same midi-channel socket.
const (
	magicHi = 0xFF
	magicLo = 0xFF
)

// opcode identifies the two-byte command tag that follows the magic.
type opcode [2]byte

var (
	opIN = opcode{'I', 'N'}
	opOK = opcode{'O', 'K'}
	opNO = opcode{'N', 'O'}
	opCK = opcode{'C', 'K'}
	opBY = opcode{'B', 'Y'}
)

// protocolVersion is the only AppleMIDI session-protocol version this
// implementation understands.
const protocolVersion uint32 = 2

const (
	invitationMinLen = 16 // magic(2) + opcode(2) + version(4) + initiator(4) + ssid(4)
	ckPacketLen      = 36 // magic(2) + opcode(2) + ssid(4) + count(1) + pad(3) + t1,t2,t3(8 each)
	controlMinLen    = 16
)

// isControlPacket reports whether data opens with the 0xFFFF magic
// that tags every session-management command.
func isControlPacket(data []byte) bool {
	return len(data) >= 2 && data[0] == magicHi && data[1] == magicLo
}

// packetOpcode extracts the two-byte opcode from a control packet.
// Callers must have already checked isControlPacket and a minimum
// length of 4.
func packetOpcode(data []byte) opcode {
	return opcode{data[2], data[3]}
}

// invitation is the decoded payload of an IN, OK, NO, or BY packet.
type invitation struct {
	Version     uint32
	InitiatorID uint32
	SSRC        uint32
	Name        string
}

// decodeInvitation parses an IN/OK/BY-shaped packet. The name field,
// present on IN/OK packets, is a NUL-terminated UTF-8 string starting
// at offset 16; BY packets carry no name and decodeInvitation leaves
// Name empty when the buffer ends at offset 16.
func decodeInvitation(data []byte) (invitation, bool) {
	if len(data) < invitationMinLen {
		return invitation{}, false
	}
	inv := invitation{
		Version:     binary.BigEndian.Uint32(data[4:8]),
		InitiatorID: binary.BigEndian.Uint32(data[8:12]),
		SSRC:        binary.BigEndian.Uint32(data[12:16]),
	}
	if len(data) == invitationMinLen {
		return inv, true
	}
	name := data[16:]
	nul := -1
	for i, b := range name {
		if b == 0 {
			nul = i
			break
		}
	}
	if nul < 0 {
		nul = len(name)
	}
	if !utf8.Valid(name[:nul]) {
		return invitation{}, false
	}
	inv.Name = string(name[:nul])
	return inv, true
}

// encodeInvitation writes an IN/OK/BY-shaped packet into buf, returning
// the number of bytes written. buf must have room for
// invitationMinLen + len(name) + 1 (NUL terminator). name may be empty
// for a BY packet, which reuses IN's layout but carries no name and so
// appends no NUL terminator.
func encodeInvitation(buf []byte, op opcode, version, initiatorID, ssid uint32, name string) int {
	buf[0], buf[1] = magicHi, magicLo
	buf[2], buf[3] = op[0], op[1]
	binary.BigEndian.PutUint32(buf[4:8], version)
	binary.BigEndian.PutUint32(buf[8:12], initiatorID)
	binary.BigEndian.PutUint32(buf[12:16], ssid)
	if name == "" {
		return invitationMinLen
	}
	n := copy(buf[16:], name)
	buf[16+n] = 0
	return invitationMinLen + n + 1
}

// clockSync is the decoded payload of a CK packet.
type clockSync struct {
	SenderSSRC uint32
	Count      byte
	T1, T2, T3 uint64
}

func decodeClockSync(data []byte) (clockSync, bool) {
	if len(data) < ckPacketLen {
		return clockSync{}, false
	}
	return clockSync{
		SenderSSRC: binary.BigEndian.Uint32(data[4:8]),
		Count:      data[8],
		T1:         binary.BigEndian.Uint64(data[12:20]),
		T2:         binary.BigEndian.Uint64(data[20:28]),
		T3:         binary.BigEndian.Uint64(data[28:36]),
	}, true
}

// encodeClockSync writes a CK packet into buf, returning ckPacketLen.
// buf must have at least ckPacketLen bytes of room.
func encodeClockSync(buf []byte, ssid uint32, count byte, t1, t2, t3 uint64) int {
	buf[0], buf[1] = magicHi, magicLo
	buf[2], buf[3] = opCK[0], opCK[1]
	binary.BigEndian.PutUint32(buf[4:8], ssid)
	buf[8] = count
	buf[9], buf[10], buf[11] = 0, 0, 0
	binary.BigEndian.PutUint64(buf[12:20], t1)
	binary.BigEndian.PutUint64(buf[20:28], t2)
	binary.BigEndian.PutUint64(buf[28:36], t3)
	return ckPacketLen
}

// IsInvitation reports whether data looks like a control-channel IN
// packet, the only datagram shape that is allowed to bring a new peer
// into existence. The server's connection directory uses this to
// decide whether an unrecognized source address deserves a new RtpPeer
// or should simply be dropped.
func IsInvitation(data []byte) bool {
	return len(data) >= 4 && isControlPacket(data) && packetOpcode(data) == opIN
}

// EncodeReject writes a NO packet into buf, echoing initiatorID back to
// a prospective peer the server's admission control has turned away.
// buf must have at least invitationMinLen bytes of room.
func EncodeReject(buf []byte, initiatorID uint32) int {
	return encodeInvitation(buf, opNO, protocolVersion, initiatorID, 0, "")
}

// PeekInitiatorID extracts the initiator_id field from an IN packet
// without constructing a full peer, for the admission-rejection path
// where no RtpPeer exists yet to decode it through.
func PeekInitiatorID(data []byte) (uint32, bool) {
	inv, ok := decodeInvitation(data)
	if !ok {
		return 0, false
	}
	return inv.InitiatorID, true
}
