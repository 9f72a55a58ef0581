package rtpmidi

import (
	"bytes"
	"testing"
	"time"
)

func invitationBytes(op opcode, version, initiatorID, ssid uint32, name string) []byte {
	buf := make([]byte, invitationMinLen+len(name)+1)
	n := encodeInvitation(buf, op, version, initiatorID, ssid, name)
	return buf[:n]
}

func TestPeer_ControlInvitationAccepted(t *testing.T) {
	p := NewPeer("test")
	in := invitationBytes(opIN, 2, 0x12345678, 0xAABBCCDD, "testing")

	resp := p.Event(NetworkControlData(in))

	if resp.Kind != RespNetworkControlData {
		t.Fatalf("Kind = %v, want RespNetworkControlData", resp.Kind)
	}
	if len(resp.Data) != 21 {
		t.Fatalf("len(Data) = %d, want 21", len(resp.Data))
	}
	if p.Status() != StatusControlConnected {
		t.Fatalf("Status() = %v, want ControlConnected", p.Status())
	}

	inv, ok := decodeInvitation(resp.Data)
	if !ok {
		t.Fatalf("reply did not decode as an invitation")
	}
	if inv.Version != 2 {
		t.Fatalf("reply version = %d, want 2", inv.Version)
	}
	if inv.InitiatorID != 0x12345678 {
		t.Fatalf("reply initiator_id = %#x, want 0x12345678", inv.InitiatorID)
	}
	if inv.SSRC != p.LocalSSRC() {
		t.Fatalf("reply ssid = %#x, want local_ssid %#x", inv.SSRC, p.LocalSSRC())
	}
	if inv.Name != "test" {
		t.Fatalf("reply name = %q, want %q", inv.Name, "test")
	}
}

func TestPeer_MidiInvitationCompletesSession(t *testing.T) {
	p := NewPeer("test")
	in := invitationBytes(opIN, 2, 0x12345678, 0xAABBCCDD, "testing")
	p.Event(NetworkControlData(in))

	resp := p.Event(NetworkMidiData(in))

	if resp.Kind != RespNetworkMidiData {
		t.Fatalf("Kind = %v, want RespNetworkMidiData", resp.Kind)
	}
	if len(resp.Data) != 21 {
		t.Fatalf("len(Data) = %d, want 21", len(resp.Data))
	}
	if p.Status() != StatusConnected {
		t.Fatalf("Status() = %v, want Connected", p.Status())
	}
}

func connectedPeer(t *testing.T) *RtpPeer {
	t.Helper()
	p := NewPeer("test")
	in := invitationBytes(opIN, 2, 0x12345678, 0xAABBCCDD, "testing")
	p.Event(NetworkControlData(in))
	p.Event(NetworkMidiData(in))
	if p.Status() != StatusConnected {
		t.Fatalf("setup: Status() = %v, want Connected", p.Status())
	}
	return p
}

func TestPeer_ClockSyncRoundOne(t *testing.T) {
	p := connectedPeer(t)

	ck := make([]byte, ckPacketLen)
	encodeClockSync(ck, 0xAABBCCDD, 1, 0x100000, 0, 0)

	resp := p.Event(NetworkMidiData(ck))

	if resp.Kind != RespNetworkMidiData {
		t.Fatalf("Kind = %v, want RespNetworkMidiData", resp.Kind)
	}
	if len(resp.Data) != ckPacketLen {
		t.Fatalf("len(Data) = %d, want %d", len(resp.Data), ckPacketLen)
	}
	if !bytes.Equal(resp.Data[0:4], []byte{0xFF, 0xFF, 'C', 'K'}) {
		t.Fatalf("reply header = % X, want FF FF 43 4B", resp.Data[0:4])
	}

	out, ok := decodeClockSync(resp.Data)
	if !ok {
		t.Fatalf("reply did not decode as a CK packet")
	}
	if out.SenderSSRC != p.LocalSSRC() {
		t.Fatalf("reply ssid = %#x, want local_ssid %#x", out.SenderSSRC, p.LocalSSRC())
	}
	if out.Count != 2 {
		t.Fatalf("reply count = %d, want 2", out.Count)
	}
	if out.T1 != 0x100000 {
		t.Fatalf("reply t1 = %#x, want echoed 0x100000", out.T1)
	}
	if out.T3 != 0 {
		t.Fatalf("reply t3 = %d, want 0", out.T3)
	}
}

func TestPeer_ClockSyncFinalization(t *testing.T) {
	p := connectedPeer(t)

	ck1 := make([]byte, ckPacketLen)
	encodeClockSync(ck1, 0xAABBCCDD, 1, 0x100000, 0, 0)
	resp := p.Event(NetworkMidiData(ck1))
	out, _ := decodeClockSync(resp.Data)
	localT2 := out.T2

	// Let the round trip take measurable time on the microsecond clock.
	time.Sleep(time.Millisecond)

	ck3 := make([]byte, ckPacketLen)
	encodeClockSync(ck3, 0xAABBCCDD, 3, localT2, 0, localT2+1000)

	final := p.Event(NetworkMidiData(ck3))

	if final.Kind != RespDoNothing {
		t.Fatalf("Kind = %v, want RespDoNothing", final.Kind)
	}
	if p.Latency() == 0 {
		t.Fatalf("Latency() = 0, want > 0")
	}
}

func TestPeer_BadVersion(t *testing.T) {
	p := NewPeer("test")
	in := invitationBytes(opIN, 1, 0x12345678, 0xAABBCCDD, "testing")

	resp := p.Event(NetworkControlData(in))

	if resp.Kind != RespDisconnect || resp.Reason != BadVersion {
		t.Fatalf("got Kind=%v Reason=%v, want Disconnect(BadVersion)", resp.Kind, resp.Reason)
	}
}

func TestPeer_BadPeerOnMidi(t *testing.T) {
	p := NewPeer("test")
	in := invitationBytes(opIN, 2, 0x12345678, 0xAABBCCDD, "testing")
	p.Event(NetworkControlData(in))

	wrong := invitationBytes(opIN, 2, 0x12345678, 0xDEADBEEF, "testing")
	resp := p.Event(NetworkMidiData(wrong))

	if resp.Kind != RespDisconnect || resp.Reason != BadPeer {
		t.Fatalf("got Kind=%v Reason=%v, want Disconnect(BadPeer)", resp.Kind, resp.Reason)
	}
}

func TestPeer_PacketTooShort(t *testing.T) {
	p := NewPeer("test")
	short := []byte{0xFF, 0xFF, 'I', 'N', 0, 0, 0, 2}

	resp := p.Event(NetworkControlData(short))

	if resp.Kind != RespDisconnect || resp.Reason != BadPacket {
		t.Fatalf("got Kind=%v Reason=%v, want Disconnect(BadPacket)", resp.Kind, resp.Reason)
	}
}

func TestPeer_StateNeverRegressesToInitial(t *testing.T) {
	p := connectedPeer(t)
	garbage := []byte{0xAB, 0xCD, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}
	resp := p.Event(NetworkControlData(garbage))
	if resp.Kind != RespDisconnect {
		t.Fatalf("expected disconnect on garbage control packet, got %v", resp.Kind)
	}
	if p.Status() == StatusInitial {
		t.Fatalf("status regressed to Initial")
	}
}

func TestPeer_LocalSSRCConstant(t *testing.T) {
	p := NewPeer("test")
	ssrc := p.LocalSSRC()
	in := invitationBytes(opIN, 2, 1, 2, "x")
	p.Event(NetworkControlData(in))
	p.Event(NetworkMidiData(in))
	if p.LocalSSRC() != ssrc {
		t.Fatalf("local_ssid changed: %#x -> %#x", ssrc, p.LocalSSRC())
	}
}

func TestPeer_ScheduleCkAfterConnect(t *testing.T) {
	p := connectedPeer(t)
	resp := p.Event(DoNothingEvent)
	if resp.Kind != RespScheduleTimeout {
		t.Fatalf("Kind = %v, want RespScheduleTimeout", resp.Kind)
	}
	if resp.Timeout != ckInterval {
		t.Fatalf("Timeout = %v, want %v", resp.Timeout, ckInterval)
	}
	if resp.Basic != BasicSendCk {
		t.Fatalf("Basic = %v, want BasicSendCk", resp.Basic)
	}
	// A second poll must not re-arm: the contract is one schedule per
	// connection, and neither the peer nor its callers re-arm it later.
	again := p.Event(DoNothingEvent)
	if again.Kind != RespDoNothing {
		t.Fatalf("Kind = %v, want RespDoNothing on second poll", again.Kind)
	}
}
