package rtpmidi

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeDecodeMIDI_RoundTrip(t *testing.T) {
	commands := []MIDICommand{
		{Payload: []byte{0x90, 0x40, 0x7f}},
		{DeltaTime: 5 * time.Millisecond, Payload: []byte{0x80, 0x40, 0x00}},
	}

	packet := EncodeMIDI(42, 0xDEADBEEF, 1000, commands)

	frame, err := DecodeMIDI(packet)
	if err != nil {
		t.Fatalf("DecodeMIDI: %v", err)
	}
	if frame.SequenceNumber != 42 {
		t.Fatalf("SequenceNumber = %d, want 42", frame.SequenceNumber)
	}
	if frame.SSRC != 0xDEADBEEF {
		t.Fatalf("SSRC = %#x, want 0xDEADBEEF", frame.SSRC)
	}
	if len(frame.Commands) != 2 {
		t.Fatalf("len(Commands) = %d, want 2", len(frame.Commands))
	}
	if !bytes.Equal(frame.Commands[0].Payload, []byte{0x90, 0x40, 0x7f}) {
		t.Fatalf("Commands[0].Payload = % X, want 90 40 7F", frame.Commands[0].Payload)
	}
	if !bytes.Equal(frame.Commands[1].Payload, []byte{0x80, 0x40, 0x00}) {
		t.Fatalf("Commands[1].Payload = % X, want 80 40 00", frame.Commands[1].Payload)
	}
	if frame.Commands[1].DeltaTime != 5*time.Millisecond {
		t.Fatalf("Commands[1].DeltaTime = %v, want 5ms", frame.Commands[1].DeltaTime)
	}
}

func TestDecodeMIDI_EmptyCommandList(t *testing.T) {
	packet := EncodeMIDI(1, 1, 0, nil)
	frame, err := DecodeMIDI(packet)
	if err != nil {
		t.Fatalf("DecodeMIDI: %v", err)
	}
	if len(frame.Commands) != 0 {
		t.Fatalf("len(Commands) = %d, want 0", len(frame.Commands))
	}
}

func TestDecodeMIDI_ShortHeader(t *testing.T) {
	_, err := DecodeMIDI([]byte{0x80, 0x61})
	if err == nil {
		t.Fatalf("expected error for short header")
	}
}

func TestDataLength(t *testing.T) {
	cases := []struct {
		status byte
		want   int
	}{
		{0x90, 2}, // note on, channel 0
		{0x93, 2}, // note on, channel 3 (running status high nibble lookup)
		{0xC0, 1}, // program change
		{0xF8, 0}, // clock
	}
	for _, c := range cases {
		if got := dataLength(c.status); got != c.want {
			t.Errorf("dataLength(%#x) = %d, want %d", c.status, got, c.want)
		}
	}
}
