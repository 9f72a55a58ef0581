package rtpmidi

import (
	"bytes"
	"testing"
)

func TestMidiStream_WriteReadRoundTrip(t *testing.T) {
	s := NewMidiStream()
	if err := s.Write([]byte{0x90, 0x40, 0x7f}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	dst := make([]byte, 2)
	n := s.Read(dst)
	if n != 2 || !bytes.Equal(dst, []byte{0x90, 0x40}) {
		t.Fatalf("Read = %d, %v, want 2, [90 40]", n, dst)
	}

	if got := s.UnreadView(); !bytes.Equal(got, []byte{0x7f}) {
		t.Fatalf("UnreadView = %v, want [7f]", got)
	}
}

func TestMidiStream_Overflow(t *testing.T) {
	s := NewMidiStream()
	full := make([]byte, StreamCapacity)
	if err := s.Write(full); err != nil {
		t.Fatalf("Write full buffer: %v", err)
	}
	if err := s.Write([]byte{0x01}); err != ErrShortBuffer {
		t.Fatalf("Write one more byte: err = %v, want ErrShortBuffer", err)
	}
}

func TestMidiStream_AdvanceWrite(t *testing.T) {
	s := NewMidiStream()
	free := s.FreeViewMut()
	copy(free, []byte{0xb0, 0x07, 0x40})
	if err := s.AdvanceWrite(3); err != nil {
		t.Fatalf("AdvanceWrite: %v", err)
	}
	if got := s.FilledView(); !bytes.Equal(got, []byte{0xb0, 0x07, 0x40}) {
		t.Fatalf("FilledView = %v, want [b0 07 40]", got)
	}
	if err := s.AdvanceWrite(StreamCapacity); err != ErrShortBuffer {
		t.Fatalf("AdvanceWrite overflow: err = %v, want ErrShortBuffer", err)
	}
}

func TestMidiStream_Clear(t *testing.T) {
	s := NewMidiStream()
	s.Write([]byte{1, 2, 3})
	s.Read(make([]byte, 1))
	s.Clear()
	if s.Len() != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", s.Len())
	}
	if len(s.FilledView()) != 0 {
		t.Fatalf("FilledView() after Clear = %v, want empty", s.FilledView())
	}
}
