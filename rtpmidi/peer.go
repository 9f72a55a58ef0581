package rtpmidi

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
)

// Status is the state of one RtpPeer's session with its remote party.
// Transitions only ever move forward from Initial; Disconnected is
// terminal. Connected and WaitingCk may toggle back and forth as
// clock-sync rounds run, which is not a regression past
// Initial/ControlConnected.
type Status int

const (
	StatusInitial Status = iota
	StatusControlConnected
	StatusConnected
	StatusWaitingCk
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "Initial"
	case StatusControlConnected:
		return "ControlConnected"
	case StatusConnected:
		return "Connected"
	case StatusWaitingCk:
		return "WaitingCk"
	case StatusDisconnected:
		return "Disconnected"
	default:
		return "Unknown"
	}
}

// Channel distinguishes the control socket (session management) from
// the midi socket (MIDI data + clock sync), RFC 6295's two adjacent
// UDP ports.
type Channel int

const (
	ChannelControl Channel = iota
	ChannelMidi
)

// ckInterval is the delay, after a peer becomes Connected, before it
// pings its remote party for a latency measurement (spec.md §4.2, Open
// Question 2). The timer is requested once per connection and is not
// re-armed, so a connection sends a single count=1 probe.
const ckInterval = 10 * time.Second

// EventKind tags the variant carried by an Event.
type EventKind int

const (
	EventDoNothing EventKind = iota
	EventNetworkControlData
	EventNetworkMidiData
	EventSendCk
)

// Event is one of the tagged inputs RtpPeer.Event consumes: a datagram
// that arrived on one of the two channels, a scheduled clock-sync
// tick, or nothing at all (used by callers to poll for pending
// housekeeping; see Response.ScheduleTimeout below).
type Event struct {
	Kind EventKind
	Data []byte
}

// NetworkControlData wraps a datagram received on the control socket.
func NetworkControlData(data []byte) Event {
	return Event{Kind: EventNetworkControlData, Data: data}
}

// NetworkMidiData wraps a datagram received on the midi socket.
func NetworkMidiData(data []byte) Event {
	return Event{Kind: EventNetworkMidiData, Data: data}
}

// DoNothingEvent carries no data; besides being a true no-op it is
// also how a caller asks a Connected peer "anything to schedule?"
// immediately after a handshake reply, since Event() only ever
// performs one state transition and returns one response per call.
var DoNothingEvent = Event{Kind: EventDoNothing}

// SendCkEvent is delivered back into a peer when a previously
// requested ScheduleTimeout(ckInterval, BasicSendCk) fires.
var SendCkEvent = Event{Kind: EventSendCk}

// BasicEvent is the restricted event vocabulary a ScheduleTimeout
// response may ask the caller to redeliver after its duration elapses.
type BasicEvent int

const (
	BasicSendCk BasicEvent = iota
)

// ResponseKind tags the variant carried by a Response.
type ResponseKind int

const (
	RespDoNothing ResponseKind = iota
	RespNetworkControlData
	RespNetworkMidiData
	RespMidiData
	RespScheduleTimeout
	RespDisconnect
)

// Response is the single outcome of one RtpPeer.Event call. Data, when
// present, aliases the peer's internal reply buffer for
// RespNetworkControlData/RespNetworkMidiData (the zero-allocation
// protocol-reply path) and is only a freshly decoded slice for
// RespMidiData (see DecodeMIDI). It is invalidated by the peer's next
// Event call.
type Response struct {
	Kind    ResponseKind
	Data    []byte
	Frame   MIDIFrame
	Timeout time.Duration
	Basic   BasicEvent
	Reason  DisconnectReason
}

// RtpPeer is the per-remote-party AppleMIDI/RTP-MIDI session state
// machine. Event is synchronous, never blocks, and never allocates on
// the protocol-reply path: every IN/OK/CK reply is encoded directly
// into the peer's owned buffer.
type RtpPeer struct {
	status Status

	initiatorID uint32
	localSSRC   uint32
	remoteSSRC  uint32

	localName  string
	remoteName string

	sequenceNr       uint32
	sequenceAck      uint32
	remoteSequenceNr uint32

	timestampStart time.Time
	latency        uint64

	initiator   bool
	ckScheduled bool

	buffer [StreamCapacity]byte

	// Addr, MidiAddr and TraceID are set by the server/client that owns
	// this peer. Event never reads or mutates them; they exist purely
	// for directory lookups (a peer's control-channel and midi-channel
	// datagrams typically arrive from two distinct source ports) and
	// log correlation.
	Addr     string
	MidiAddr string
	TraceID  uuid.UUID
}

// NewPeer constructs a responder-role peer: local_ssid is randomized
// immediately, initiator_id stays zero until captured from the first
// inbound invitation.
func NewPeer(localName string) *RtpPeer {
	return &RtpPeer{
		localName:      localName,
		localSSRC:      rand.Uint32(),
		timestampStart: time.Now(),
		TraceID:        uuid.New(),
	}
}

// NewInitiatorPeer constructs an initiator-role peer (RtpMidiClient's
// counterpart): it picks its own initiator_id up front, since it is the
// side that will open the session with an IN packet.
func NewInitiatorPeer(localName string) *RtpPeer {
	p := NewPeer(localName)
	p.initiator = true
	p.initiatorID = rand.Uint32()
	return p
}

func (p *RtpPeer) Status() Status      { return p.status }
func (p *RtpPeer) LocalSSRC() uint32   { return p.localSSRC }
func (p *RtpPeer) RemoteSSRC() uint32  { return p.remoteSSRC }
func (p *RtpPeer) InitiatorID() uint32 { return p.initiatorID }
func (p *RtpPeer) Latency() uint64     { return p.latency }
func (p *RtpPeer) RemoteName() string  { return p.remoteName }
func (p *RtpPeer) LocalName() string   { return p.localName }
func (p *RtpPeer) IsInitiator() bool   { return p.initiator }

// elapsedMicros is the peer's session clock: microseconds since
// timestamp_start, wrapping modulo 2^64 like the wire field does.
func (p *RtpPeer) elapsedMicros() uint64 {
	return uint64(time.Since(p.timestampStart).Microseconds())
}

// Event consumes one event, performs at most one state transition, and
// returns exactly one response. It never blocks and never allocates
// for control-plane replies.
func (p *RtpPeer) Event(ev Event) Response {
	switch ev.Kind {
	case EventDoNothing:
		return p.handleDoNothing()
	case EventNetworkControlData:
		return p.handleNetworkData(ChannelControl, ev.Data)
	case EventNetworkMidiData:
		return p.handleNetworkData(ChannelMidi, ev.Data)
	case EventSendCk:
		return p.handleSendCk()
	default:
		return Response{Kind: RespDoNothing}
	}
}

// handleDoNothing is also the peer's one chance to ask for its
// periodic clock-sync timer once it has just become Connected: see the
// DoNothingEvent doc comment.
func (p *RtpPeer) handleDoNothing() Response {
	if p.status == StatusConnected && !p.ckScheduled {
		p.ckScheduled = true
		return Response{Kind: RespScheduleTimeout, Timeout: ckInterval, Basic: BasicSendCk}
	}
	return Response{Kind: RespDoNothing}
}

func (p *RtpPeer) handleNetworkData(ch Channel, data []byte) Response {
	if len(data) < controlMinLen {
		return p.disconnect(BadPacket)
	}
	if isControlPacket(data) {
		switch packetOpcode(data) {
		case opIN:
			return p.handleInvitation(ch, data)
		case opOK:
			return p.handleInvitationAccepted(ch, data)
		case opCK:
			return p.handleClockSync(ch, data)
		case opBY:
			return p.handleBye(data)
		default:
			return p.disconnect(BadPacket)
		}
	}
	if ch != ChannelMidi {
		return p.disconnect(BadPacket)
	}
	return p.handleMidiData(data)
}

// handleInvitation is the responder side of the handshake: someone
// else is inviting us. Control-channel invitations establish the
// session; midi-channel invitations must echo the control-channel
// initiator_id/ssid pair to complete it.
func (p *RtpPeer) handleInvitation(ch Channel, data []byte) Response {
	inv, ok := decodeInvitation(data)
	if !ok {
		return p.disconnect(BadPacket)
	}
	if inv.Version != protocolVersion {
		return p.disconnect(BadVersion)
	}

	switch {
	case ch == ChannelControl && p.status == StatusInitial:
		p.initiatorID = inv.InitiatorID
		p.remoteSSRC = inv.SSRC
		p.remoteName = inv.Name
		p.status = StatusControlConnected
		n := encodeInvitation(p.buffer[:], opOK, protocolVersion, p.initiatorID, p.localSSRC, p.localName)
		return Response{Kind: RespNetworkControlData, Data: p.buffer[:n]}

	case ch == ChannelMidi && p.status == StatusControlConnected:
		if inv.InitiatorID != p.initiatorID || inv.SSRC != p.remoteSSRC {
			return p.disconnect(BadPeer)
		}
		p.status = StatusConnected
		n := encodeInvitation(p.buffer[:], opOK, protocolVersion, p.initiatorID, p.localSSRC, p.localName)
		return Response{Kind: RespNetworkMidiData, Data: p.buffer[:n]}

	default:
		return p.disconnect(BadPacket)
	}
}

// handleInvitationAccepted is the initiator side: our own IN was
// accepted. It completes RtpMidiClient's dial sequence (spec.md §4.4).
func (p *RtpPeer) handleInvitationAccepted(ch Channel, data []byte) Response {
	if !p.initiator {
		return p.disconnect(BadPacket)
	}
	inv, ok := decodeInvitation(data)
	if !ok {
		return p.disconnect(BadPacket)
	}
	if inv.Version != protocolVersion {
		return p.disconnect(BadVersion)
	}
	if inv.InitiatorID != p.initiatorID {
		return p.disconnect(BadPeer)
	}

	switch {
	case ch == ChannelControl && p.status == StatusInitial:
		p.remoteSSRC = inv.SSRC
		p.remoteName = inv.Name
		p.status = StatusControlConnected
		return Response{Kind: RespDoNothing}
	case ch == ChannelMidi && p.status == StatusControlConnected:
		if inv.SSRC != p.remoteSSRC {
			return p.disconnect(BadPeer)
		}
		p.status = StatusConnected
		return Response{Kind: RespDoNothing}
	default:
		return p.disconnect(BadPacket)
	}
}

// handleClockSync implements the three-way latency measurement
// (spec.md §4.2, Open Question 1: counts are taken as the literal wire
// value 1/2/3, matching this codebase's own convention rather than
// RFC 6295's 0-based one).
func (p *RtpPeer) handleClockSync(ch Channel, data []byte) Response {
	if ch != ChannelMidi {
		return p.disconnect(BadPacket)
	}
	if len(data) < ckPacketLen {
		return p.disconnect(BadPacket)
	}
	ck, ok := decodeClockSync(data)
	if !ok {
		return p.disconnect(BadPacket)
	}

	switch ck.Count {
	case 1:
		tLocal := p.elapsedMicros()
		n := encodeClockSync(p.buffer[:], p.localSSRC, 2, ck.T1, tLocal, 0)
		return Response{Kind: RespNetworkMidiData, Data: p.buffer[:n]}
	case 2:
		// The remote's answer to our own count=1 probe (handleSendCk):
		// it ends the round and returns the peer to Connected. No
		// count=3 is sent back and no latency is recorded.
		if p.status == StatusWaitingCk {
			p.status = StatusConnected
		}
		return Response{Kind: RespDoNothing}
	case 3:
		t1 := ck.T1
		t2 := p.elapsedMicros()
		p.latency = t2 - t1
		if p.status == StatusWaitingCk {
			p.status = StatusConnected
		}
		return Response{Kind: RespDoNothing}
	default:
		return p.disconnect(BadPacket)
	}
}

// handleBye processes the session-teardown opcode (spec.md §9 Open
// Question 4). It shares IN's layout through the ssid field but
// carries no name.
func (p *RtpPeer) handleBye(data []byte) Response {
	if len(data) < invitationMinLen {
		return p.disconnect(BadPacket)
	}
	return p.disconnect(Requested)
}

// handleMidiData decodes an RTP-MIDI data frame and surfaces its
// commands for local delivery.
func (p *RtpPeer) handleMidiData(data []byte) Response {
	frame, err := DecodeMIDI(data)
	if err != nil {
		return p.disconnect(BadPacket)
	}
	p.remoteSequenceNr = uint32(frame.SequenceNumber)
	if len(frame.Commands) == 0 {
		return Response{Kind: RespDoNothing}
	}

	payload := append([]byte(nil), frame.Commands[0].Payload...)
	for _, cmd := range frame.Commands[1:] {
		payload = append(payload, cmd.Payload...)
	}
	return Response{Kind: RespMidiData, Data: payload, Frame: frame}
}

// handleSendCk originates a latency probe: count=1 carrying our
// current session clock.
func (p *RtpPeer) handleSendCk() Response {
	if p.status != StatusConnected {
		return Response{Kind: RespDoNothing}
	}
	t1 := p.elapsedMicros()
	n := encodeClockSync(p.buffer[:], p.localSSRC, 1, t1, 0, 0)
	p.status = StatusWaitingCk
	return Response{Kind: RespNetworkMidiData, Data: p.buffer[:n]}
}

// BuildInvitation encodes an outbound IN packet into the peer's
// buffer, for RtpMidiClient to send on ch. Only meaningful for
// initiator-role peers.
func (p *RtpPeer) BuildInvitation(ch Channel) []byte {
	n := encodeInvitation(p.buffer[:], opIN, protocolVersion, p.initiatorID, p.localSSRC, p.localName)
	return p.buffer[:n]
}

// EncodeMIDIPayload serializes an outbound RTP-MIDI data packet for a
// single MIDI message, advancing the peer's own sequence number.
func (p *RtpPeer) EncodeMIDIPayload(commands []MIDICommand) []byte {
	p.sequenceNr++
	return EncodeMIDI(uint16(p.sequenceNr), p.localSSRC, uint32(p.elapsedMicros()), commands)
}

func (p *RtpPeer) disconnect(reason DisconnectReason) Response {
	p.status = StatusDisconnected
	return Response{Kind: RespDisconnect, Reason: reason}
}
