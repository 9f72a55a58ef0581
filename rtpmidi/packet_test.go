package rtpmidi

import "testing"

func TestEncodeDecodeInvitation_RoundTrip(t *testing.T) {
	buf := make([]byte, 64)
	n := encodeInvitation(buf, opOK, 2, 0x12345678, 0xAABBCCDD, "bridge")

	inv, ok := decodeInvitation(buf[:n])
	if !ok {
		t.Fatalf("decodeInvitation failed")
	}
	if inv.Version != 2 || inv.InitiatorID != 0x12345678 || inv.SSRC != 0xAABBCCDD {
		t.Fatalf("decoded fields = %+v", inv)
	}
	if inv.Name != "bridge" {
		t.Fatalf("Name = %q, want %q", inv.Name, "bridge")
	}
}

func TestDecodeInvitation_NonUTF8Name(t *testing.T) {
	buf := make([]byte, invitationMinLen+3)
	encodeInvitation(buf, opIN, 2, 1, 1, "")
	buf = append(buf[:invitationMinLen], 0xff, 0xfe, 0x00)

	if _, ok := decodeInvitation(buf); ok {
		t.Fatalf("expected decode failure on non-UTF-8 name")
	}
}

func TestIsControlPacket(t *testing.T) {
	if !isControlPacket([]byte{0xFF, 0xFF, 'I', 'N'}) {
		t.Fatalf("expected control packet to be recognized")
	}
	if isControlPacket([]byte{0x80, 0x61, 0, 0}) {
		t.Fatalf("RTP-MIDI data header misidentified as a control packet")
	}
}

func TestEncodeDecodeClockSync_RoundTrip(t *testing.T) {
	buf := make([]byte, ckPacketLen)
	n := encodeClockSync(buf, 0x01020304, 2, 100, 200, 300)
	if n != ckPacketLen {
		t.Fatalf("n = %d, want %d", n, ckPacketLen)
	}

	ck, ok := decodeClockSync(buf)
	if !ok {
		t.Fatalf("decodeClockSync failed")
	}
	if ck.SenderSSRC != 0x01020304 || ck.Count != 2 || ck.T1 != 100 || ck.T2 != 200 || ck.T3 != 300 {
		t.Fatalf("decoded fields = %+v", ck)
	}
}
