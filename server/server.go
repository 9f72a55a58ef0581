// Package server implements RtpMidiServer, the responder-role half of
// the AppleMIDI/RTP-MIDI session bridge: it listens on a pair of UDP
// ports (control, midi), drives one rtpmidi.RtpPeer state machine per
// remote participant, and exposes the aggregate MIDI traffic to the
// rest of the process as a transport.MidiInOut.
package server

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/davidmoreno/rtpmidid/rtpmidi"
)

const (
	inboundQueueCapacity  = 100
	outboundQueueCapacity = 100
	datagramQueueCapacity = 64

	// invitationRateLimit/invitationBurst bound how fast unrecognized
	// source addresses can mint new peers, independent of how much
	// traffic an already-admitted peer sends.
	invitationRateLimit = 20
	invitationBurst     = 40
)

// RtpMidiServer is the responder role: it accepts invitations from any
// number of remote participants and forwards their MIDI traffic,
// aggregated, through its own transport.MidiInOut surface.
type RtpMidiServer struct {
	name string

	controlConn net.PacketConn
	midiConn    net.PacketConn

	// peers is keyed by remote socket address (ip:port), per spec's
	// stated directory semantics. A peer's control-channel and
	// midi-channel datagrams normally arrive from two distinct source
	// ports, so a fully connected peer owns two entries pointing at the
	// same *rtpmidi.RtpPeer.
	peers sync.Map // string (remote addr) -> *rtpmidi.RtpPeer

	// pendingByInitiator correlates a midi-channel IN with the peer its
	// control-channel IN already created, before the midi source
	// address is known. Entries are removed once the peer reaches
	// StatusConnected or disconnects.
	pendingByInitiator sync.Map // uint32 (initiator_id) -> *rtpmidi.RtpPeer

	admission *rate.Limiter

	inbound  chan midiFrame
	outbound chan midiFrame

	closeOnce sync.Once
	closed    chan struct{}
}

// midiFrame is the queued unit on both the inbound and outbound
// sides of the server's MidiInOut surface: raw MIDI bytes, optionally
// carrying a close request.
type midiFrame struct {
	data  []byte
	close bool
}

// New binds the control socket on addr:port and the midi socket on
// addr:port+1, per the Apple session protocol's adjacent-port
// convention.
func New(name, addr string, port uint16) (*RtpMidiServer, error) {
	controlAddr := fmt.Sprintf("%s:%d", addr, port)
	controlConn, err := net.ListenPacket("udp", controlAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "binding control socket on %s", controlAddr)
	}

	midiAddr := fmt.Sprintf("%s:%d", addr, port+1)
	midiConn, err := net.ListenPacket("udp", midiAddr)
	if err != nil {
		controlConn.Close()
		return nil, errors.Wrapf(err, "binding midi socket on %s", midiAddr)
	}

	return &RtpMidiServer{
		name:        name,
		controlConn: controlConn,
		midiConn:    midiConn,
		admission:   rate.NewLimiter(invitationRateLimit, invitationBurst),
		inbound:     make(chan midiFrame, inboundQueueCapacity),
		outbound:    make(chan midiFrame, outboundQueueCapacity),
		closed:      make(chan struct{}),
	}, nil
}

// datagram is one UDP receive, tagged with the channel it arrived on.
type datagram struct {
	channel rtpmidi.Channel
	addr    net.Addr
	data    []byte
}

// timerFire is a previously requested ScheduleTimeout event coming
// back due for a given peer.
type timerFire struct {
	addr  string
	event rtpmidi.BasicEvent
}

// Run drives the receive loops, the serialized dispatcher and the
// local-outbound pump until ctx is canceled or a socket fails fatally.
// The control and midi receive loops join an errgroup so either one's
// fatal error brings the whole server down cleanly.
func (s *RtpMidiServer) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	datagrams := make(chan datagram, datagramQueueCapacity)

	g.Go(func() error { return s.recvLoop(ctx, rtpmidi.ChannelControl, s.controlConn, datagrams) })
	g.Go(func() error { return s.recvLoop(ctx, rtpmidi.ChannelMidi, s.midiConn, datagrams) })
	g.Go(func() error { return s.dispatchLoop(ctx, datagrams) })

	<-ctx.Done()
	s.controlConn.Close()
	s.midiConn.Close()
	return g.Wait()
}

// Close releases the server's sockets and unblocks any goroutine
// parked in Read/Write.
func (s *RtpMidiServer) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.controlConn.Close()
		s.midiConn.Close()
	})
	return nil
}

func (s *RtpMidiServer) recvLoop(ctx context.Context, ch rtpmidi.Channel, conn net.PacketConn, out chan<- datagram) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, rtpmidi.StreamCapacity)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "udp receive")
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case out <- datagram{channel: ch, addr: addr, data: data}:
		case <-ctx.Done():
			return nil
		}
	}
}

// dispatchLoop is the single goroutine that ever calls Event on any
// RtpPeer, which is what makes the "events are never delivered
// re-entrantly to the same peer" invariant trivially true: there is
// only one caller, full stop.
func (s *RtpMidiServer) dispatchLoop(ctx context.Context, datagrams <-chan datagram) error {
	timers := make(chan timerFire, 16)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-datagrams:
			s.handleDatagram(d, timers)
		case fire := <-timers:
			s.handleTimerFire(fire, timers)
		case frame := <-s.outbound:
			s.broadcast(frame)
		}
	}
}

// peerFor looks up the peer for addr. A new peer is created only in
// response to a control-channel invitation (spec.md §4.1: "A new peer
// is created on the first control-channel IN from an unknown source").
// A midi-channel invitation from an unrecognized address is matched
// against pendingByInitiator: the client's midi socket is almost
// always a different source port than its control socket, so the
// directory must learn this second address rather than require it
// match the first. Any other datagram from an unknown address is
// dropped: there is nothing to hand it to.
func (s *RtpMidiServer) peerFor(key string, d datagram) (*rtpmidi.RtpPeer, bool) {
	if v, ok := s.peers.Load(key); ok {
		return v.(*rtpmidi.RtpPeer), true
	}
	if !rtpmidi.IsInvitation(d.data) {
		return nil, false
	}

	if d.channel == rtpmidi.ChannelControl {
		if !s.admission.Allow() {
			s.rejectInvitation(d.addr, d.data)
			return nil, false
		}
		peer := rtpmidi.NewPeer(s.name)
		peer.Addr = key
		s.peers.Store(key, peer)
		if initiatorID, ok := rtpmidi.PeekInitiatorID(d.data); ok {
			s.pendingByInitiator.Store(initiatorID, peer)
		}
		log.Printf("rtpmidid: %s: new peer from %s", peer.TraceID, key)
		return peer, true
	}

	initiatorID, ok := rtpmidi.PeekInitiatorID(d.data)
	if !ok {
		return nil, false
	}
	v, ok := s.pendingByInitiator.Load(initiatorID)
	if !ok {
		return nil, false
	}
	peer := v.(*rtpmidi.RtpPeer)
	peer.MidiAddr = key
	s.peers.Store(key, peer)
	return peer, true
}

func (s *RtpMidiServer) rejectInvitation(addr net.Addr, data []byte) {
	initiatorID, ok := rtpmidi.PeekInitiatorID(data)
	if !ok {
		return
	}
	var buf [64]byte
	n := rtpmidi.EncodeReject(buf[:], initiatorID)
	if _, err := s.controlConn.WriteTo(buf[:n], addr); err != nil {
		log.Printf("rtpmidid: rejecting invitation from %s: %v", addr, err)
	}
}

func (s *RtpMidiServer) handleDatagram(d datagram, timers chan<- timerFire) {
	key := d.addr.String()
	peer, ok := s.peerFor(key, d)
	if !ok {
		return
	}

	var ev rtpmidi.Event
	if d.channel == rtpmidi.ChannelControl {
		ev = rtpmidi.NetworkControlData(d.data)
	} else {
		ev = rtpmidi.NetworkMidiData(d.data)
	}
	resp := peer.Event(ev)
	s.applyResponse(key, peer, d.addr, resp, timers)

	// A reply on either channel may have just completed the handshake;
	// poll once for the peer's periodic clock-sync timer request (see
	// DoNothingEvent). handleDoNothing only ever arms it once.
	if resp.Kind == rtpmidi.RespNetworkControlData || resp.Kind == rtpmidi.RespNetworkMidiData {
		follow := peer.Event(rtpmidi.DoNothingEvent)
		s.applyResponse(key, peer, d.addr, follow, timers)
	}

	if peer.Status() == rtpmidi.StatusConnected {
		s.pendingByInitiator.Delete(peer.InitiatorID())
	}
}

func (s *RtpMidiServer) handleTimerFire(fire timerFire, timers chan<- timerFire) {
	v, ok := s.peers.Load(fire.addr)
	if !ok {
		return
	}
	peer := v.(*rtpmidi.RtpPeer)
	var ev rtpmidi.Event
	switch fire.event {
	case rtpmidi.BasicSendCk:
		ev = rtpmidi.SendCkEvent
	default:
		return
	}
	resp := peer.Event(ev)
	addr, ok := s.resolveAddr(peer.MidiAddr)
	if !ok {
		return
	}
	s.applyResponse(fire.addr, peer, addr, resp, timers)
}

func (s *RtpMidiServer) resolveAddr(key string) (net.Addr, bool) {
	addr, err := net.ResolveUDPAddr("udp", key)
	if err != nil {
		return nil, false
	}
	return addr, true
}

// applyResponse carries out the side effect a peer's state machine
// asked for: sending a reply datagram, arming a timer, delivering
// decoded MIDI to the local inbound queue, or tearing the peer down.
func (s *RtpMidiServer) applyResponse(key string, peer *rtpmidi.RtpPeer, addr net.Addr, resp rtpmidi.Response, timers chan<- timerFire) {
	switch resp.Kind {
	case rtpmidi.RespNetworkControlData:
		if _, err := s.controlConn.WriteTo(resp.Data, addr); err != nil {
			log.Printf("rtpmidid: %s: control write: %v", peer.TraceID, err)
		}
	case rtpmidi.RespNetworkMidiData:
		if _, err := s.midiConn.WriteTo(resp.Data, addr); err != nil {
			log.Printf("rtpmidid: %s: midi write: %v", peer.TraceID, err)
		}
	case rtpmidi.RespMidiData:
		s.deliverInbound(resp.Data)
	case rtpmidi.RespScheduleTimeout:
		s.armTimer(key, resp.Timeout, resp.Basic, timers)
	case rtpmidi.RespDisconnect:
		log.Printf("rtpmidid: %s: disconnecting %s: %s", peer.TraceID, key, resp.Reason)
		s.removePeer(peer)
	case rtpmidi.RespDoNothing:
	}
}

// removePeer drops every directory entry a peer owns: its control
// address, its midi address (once learned), and any still-pending
// initiator_id correlation.
func (s *RtpMidiServer) removePeer(peer *rtpmidi.RtpPeer) {
	if peer.Addr != "" {
		s.peers.Delete(peer.Addr)
	}
	if peer.MidiAddr != "" {
		s.peers.Delete(peer.MidiAddr)
	}
	s.pendingByInitiator.Delete(peer.InitiatorID())
}

func (s *RtpMidiServer) armTimer(key string, d time.Duration, ev rtpmidi.BasicEvent, timers chan<- timerFire) {
	time.AfterFunc(d, func() {
		select {
		case timers <- timerFire{addr: key, event: ev}:
		case <-s.closed:
		}
	})
}

func (s *RtpMidiServer) deliverInbound(data []byte) {
	select {
	case s.inbound <- midiFrame{data: data}:
	case <-s.closed:
	}
}

// broadcast fans one locally originated MIDI payload out to every
// connected peer by ranging over the peer directory.
func (s *RtpMidiServer) broadcast(frame midiFrame) {
	s.peers.Range(func(_, v interface{}) bool {
		peer := v.(*rtpmidi.RtpPeer)
		if peer.Status() != rtpmidi.StatusConnected {
			return true
		}
		addr, ok := s.resolveAddr(peer.MidiAddr)
		if !ok {
			return true
		}
		payload := peer.EncodeMIDIPayload([]rtpmidi.MIDICommand{{Payload: frame.data}})
		if _, err := s.midiConn.WriteTo(payload, addr); err != nil {
			log.Printf("rtpmidid: %s: broadcast: %v", peer.TraceID, err)
		}
		return true
	})
}

// Write implements transport.MidiInOut: it enqueues stream's unread
// bytes as an outbound MIDI message to be broadcast to every connected
// peer, blocking if the outbound queue (capacity 100) is full.
func (s *RtpMidiServer) Write(ctx context.Context, stream *rtpmidi.MidiStream) error {
	data := append([]byte(nil), stream.UnreadView()...)
	select {
	case s.outbound <- midiFrame{data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return errors.New("rtpmidid: server closed")
	}
}

// Read implements transport.MidiInOut: it blocks until a connected
// peer has delivered decoded MIDI bytes, appending them into stream.
func (s *RtpMidiServer) Read(ctx context.Context, stream *rtpmidi.MidiStream) error {
	select {
	case frame := <-s.inbound:
		if frame.close {
			return errors.New("rtpmidid: server closed")
		}
		return stream.Write(frame.data)
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return errors.New("rtpmidid: server closed")
	}
}
