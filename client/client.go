// Package client implements RtpMidiClient, the initiator-role half of
// the AppleMIDI/RTP-MIDI session bridge: it dials a single remote
// participant, drives the IN/OK handshake on both channels, and then
// behaves exactly like the server's single-peer case for MIDI traffic
// and clock sync.
package client

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/davidmoreno/rtpmidid/rtpmidi"
)

const (
	inboundQueueCapacity  = 100
	outboundQueueCapacity = 100
)

// RtpMidiClient dials one remote RtpMidiServer and exposes the
// resulting MIDI stream as a transport.MidiInOut.
type RtpMidiClient struct {
	name string

	controlConn net.PacketConn
	midiConn    net.PacketConn

	remoteControlAddr net.Addr
	remoteMidiAddr    net.Addr

	peer *rtpmidi.RtpPeer

	inbound  chan midiFrame
	outbound chan midiFrame

	closeOnce sync.Once
	closed    chan struct{}
}

type midiFrame struct {
	data []byte
}

// Dial opens local control/midi sockets (ephemeral ports) and prepares
// to invite remoteHost:remotePort/remotePort+1. The handshake itself
// runs inside Run, not Dial: opening the socket and completing the
// session are kept separate so callers can wire Read/Write before any
// network I/O happens.
func Dial(name, remoteHost string, remotePort uint16) (*RtpMidiClient, error) {
	controlConn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "binding local control socket")
	}
	midiConn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		controlConn.Close()
		return nil, errors.Wrap(err, "binding local midi socket")
	}

	remoteControlAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", remoteHost, remotePort))
	if err != nil {
		controlConn.Close()
		midiConn.Close()
		return nil, errors.Wrapf(err, "resolving %s:%d", remoteHost, remotePort)
	}
	remoteMidiAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", remoteHost, remotePort+1))
	if err != nil {
		controlConn.Close()
		midiConn.Close()
		return nil, errors.Wrapf(err, "resolving %s:%d", remoteHost, remotePort+1)
	}

	return &RtpMidiClient{
		name:              name,
		controlConn:       controlConn,
		midiConn:          midiConn,
		remoteControlAddr: remoteControlAddr,
		remoteMidiAddr:    remoteMidiAddr,
		peer:              rtpmidi.NewInitiatorPeer(name),
		inbound:           make(chan midiFrame, inboundQueueCapacity),
		outbound:          make(chan midiFrame, outboundQueueCapacity),
		closed:            make(chan struct{}),
	}, nil
}

// Run sends the initial control-channel invitation (the midi-channel
// one follows once the control OK arrives), then serves incoming
// datagrams and local outbound MIDI until ctx is canceled.
func (c *RtpMidiClient) Run(ctx context.Context) error {
	if err := c.invite(); err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	datagrams := make(chan clientDatagram, 64)

	g.Go(func() error { return c.recvLoop(ctx, rtpmidi.ChannelControl, c.controlConn, datagrams) })
	g.Go(func() error { return c.recvLoop(ctx, rtpmidi.ChannelMidi, c.midiConn, datagrams) })
	g.Go(func() error { return c.dispatchLoop(ctx, datagrams) })

	<-ctx.Done()
	c.controlConn.Close()
	c.midiConn.Close()
	return g.Wait()
}

// Close releases the client's sockets and unblocks Read/Write.
func (c *RtpMidiClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.controlConn.Close()
		c.midiConn.Close()
	})
	return nil
}

// invite sends the opening IN on the control channel. The midi-channel
// IN follows once the control-channel OK comes back, per spec.md §4.4
// (the counterpart to the server's handleInvitation branch on
// ChannelMidi).
func (c *RtpMidiClient) invite() error {
	in := c.peer.BuildInvitation(rtpmidi.ChannelControl)
	if _, err := c.controlConn.WriteTo(in, c.remoteControlAddr); err != nil {
		return errors.Wrap(err, "sending initial invitation")
	}
	return nil
}

type clientDatagram struct {
	channel rtpmidi.Channel
	data    []byte
}

func (c *RtpMidiClient) recvLoop(ctx context.Context, ch rtpmidi.Channel, conn net.PacketConn, out chan<- clientDatagram) error {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, rtpmidi.StreamCapacity)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "udp receive")
		}
		data := append([]byte(nil), buf[:n]...)
		select {
		case out <- clientDatagram{channel: ch, data: data}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *RtpMidiClient) dispatchLoop(ctx context.Context, datagrams <-chan clientDatagram) error {
	timers := make(chan rtpmidi.BasicEvent, 4)
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-datagrams:
			c.handleDatagram(d, timers)
		case ev := <-timers:
			c.handleTimerFire(ev, timers)
		case frame := <-c.outbound:
			c.sendMidi(frame)
		}
	}
}

func (c *RtpMidiClient) handleDatagram(d clientDatagram, timers chan<- rtpmidi.BasicEvent) {
	var ev rtpmidi.Event
	if d.channel == rtpmidi.ChannelControl {
		ev = rtpmidi.NetworkControlData(d.data)
	} else {
		ev = rtpmidi.NetworkMidiData(d.data)
	}
	resp := c.peer.Event(ev)
	wasControlConnected := c.peer.Status() == rtpmidi.StatusControlConnected
	c.applyResponse(resp, timers)

	// The control-channel OK just landed: open the midi channel the
	// same way handleInvitation expects a responder to.
	if d.channel == rtpmidi.ChannelControl && wasControlConnected {
		in := c.peer.BuildInvitation(rtpmidi.ChannelMidi)
		if _, err := c.midiConn.WriteTo(in, c.remoteMidiAddr); err != nil {
			log.Printf("rtpmidi-client: %s: sending midi invitation: %v", c.peer.TraceID, err)
		}
	}

	follow := c.peer.Event(rtpmidi.DoNothingEvent)
	c.applyResponse(follow, timers)
}

func (c *RtpMidiClient) handleTimerFire(ev rtpmidi.BasicEvent, timers chan<- rtpmidi.BasicEvent) {
	if ev != rtpmidi.BasicSendCk {
		return
	}
	resp := c.peer.Event(rtpmidi.SendCkEvent)
	c.applyResponse(resp, timers)
}

func (c *RtpMidiClient) applyResponse(resp rtpmidi.Response, timers chan<- rtpmidi.BasicEvent) {
	switch resp.Kind {
	case rtpmidi.RespNetworkControlData:
		if _, err := c.controlConn.WriteTo(resp.Data, c.remoteControlAddr); err != nil {
			log.Printf("rtpmidi-client: %s: control write: %v", c.peer.TraceID, err)
		}
	case rtpmidi.RespNetworkMidiData:
		if _, err := c.midiConn.WriteTo(resp.Data, c.remoteMidiAddr); err != nil {
			log.Printf("rtpmidi-client: %s: midi write: %v", c.peer.TraceID, err)
		}
	case rtpmidi.RespMidiData:
		c.deliverInbound(resp.Data)
	case rtpmidi.RespScheduleTimeout:
		c.armTimer(resp.Timeout, resp.Basic, timers)
	case rtpmidi.RespDisconnect:
		log.Printf("rtpmidi-client: %s: disconnected: %s", c.peer.TraceID, resp.Reason)
	case rtpmidi.RespDoNothing:
	}
}

func (c *RtpMidiClient) armTimer(d time.Duration, ev rtpmidi.BasicEvent, timers chan<- rtpmidi.BasicEvent) {
	time.AfterFunc(d, func() {
		select {
		case timers <- ev:
		case <-c.closed:
		}
	})
}

func (c *RtpMidiClient) deliverInbound(data []byte) {
	select {
	case c.inbound <- midiFrame{data: data}:
	case <-c.closed:
	}
}

func (c *RtpMidiClient) sendMidi(frame midiFrame) {
	if c.peer.Status() != rtpmidi.StatusConnected {
		return
	}
	payload := c.peer.EncodeMIDIPayload([]rtpmidi.MIDICommand{{Payload: frame.data}})
	if _, err := c.midiConn.WriteTo(payload, c.remoteMidiAddr); err != nil {
		log.Printf("rtpmidi-client: %s: send: %v", c.peer.TraceID, err)
	}
}

// Write implements transport.MidiInOut: it enqueues stream's unread
// bytes to be sent to the remote session, blocking if the outbound
// queue (capacity 100) is full. A frame dequeued before the peer is
// Connected is dropped, not held (see sendMidi).
func (c *RtpMidiClient) Write(ctx context.Context, stream *rtpmidi.MidiStream) error {
	data := append([]byte(nil), stream.UnreadView()...)
	select {
	case c.outbound <- midiFrame{data: data}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return errors.New("rtpmidi-client: closed")
	}
}

// Read implements transport.MidiInOut: it blocks until the remote
// session has delivered decoded MIDI bytes.
func (c *RtpMidiClient) Read(ctx context.Context, stream *rtpmidi.MidiStream) error {
	select {
	case frame := <-c.inbound:
		return stream.Write(frame.data)
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return errors.New("rtpmidi-client: closed")
	}
}
