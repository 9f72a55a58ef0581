// Package rtpmidi implements the AppleMIDI / RTP-MIDI session protocol:
// the wire packet codecs, the per-remote-party state machine (RtpPeer),
// and the bounded buffer (MidiStream) that carries payloads between the
// network and the rest of the daemon without allocating on the hot path.
package rtpmidi

import "github.com/pkg/errors"

// StreamCapacity is the size of a MidiStream: one UDP MTU (RFC 6295
// traffic is not expected to exceed this on ordinary local networks).
const StreamCapacity = 1500

// ErrShortBuffer is returned by Write/AdvanceWrite when the operation
// would run past the stream's fixed capacity.
var ErrShortBuffer = errors.New("rtpmidi: short buffer")

// MidiStream is a fixed-capacity byte buffer with independent read and
// write cursors. It never reallocates: Write/AdvanceWrite move the
// write cursor forward into the buffer's trailing free region, and
// Read/FilledView expose the region already written. This lets a
// socket fill the buffer directly (via FreeViewMut + AdvanceWrite)
// and a consumer drain it (via Read) without an intermediate copy.
type MidiStream struct {
	data        [StreamCapacity]byte
	readCursor  int
	writeCursor int
}

// NewMidiStream returns an empty stream of capacity StreamCapacity.
func NewMidiStream() *MidiStream {
	return &MidiStream{}
}

// Write appends src to the stream, advancing the write cursor. It fails
// with ErrShortBuffer if src does not fit in the remaining capacity.
func (s *MidiStream) Write(src []byte) error {
	if len(src) > StreamCapacity-s.writeCursor {
		return ErrShortBuffer
	}
	copy(s.data[s.writeCursor:], src)
	s.writeCursor += len(src)
	return nil
}

// Read copies up to len(dst) unread bytes into dst and advances the
// read cursor by the number of bytes copied.
func (s *MidiStream) Read(dst []byte) int {
	n := s.writeCursor - s.readCursor
	if n > len(dst) {
		n = len(dst)
	}
	copy(dst, s.data[s.readCursor:s.readCursor+n])
	s.readCursor += n
	return n
}

// FilledView returns the immutable slice of bytes written so far,
// data[0:writeCursor]. It aliases the stream's backing array; callers
// must copy it before the stream is reused or cleared.
func (s *MidiStream) FilledView() []byte {
	return s.data[:s.writeCursor]
}

// UnreadView returns the slice of bytes written but not yet read,
// data[readCursor:writeCursor].
func (s *MidiStream) UnreadView() []byte {
	return s.data[s.readCursor:s.writeCursor]
}

// FreeViewMut returns the mutable trailing free region,
// data[writeCursor:capacity], for an external reader (typically a
// socket) to fill in place before calling AdvanceWrite.
func (s *MidiStream) FreeViewMut() []byte {
	return s.data[s.writeCursor:]
}

// AdvanceWrite moves the write cursor forward by n, as if n bytes had
// just been written into the slice returned by FreeViewMut. It fails
// with ErrShortBuffer if that would overflow the buffer.
func (s *MidiStream) AdvanceWrite(n int) error {
	if s.writeCursor+n > StreamCapacity {
		return ErrShortBuffer
	}
	s.writeCursor += n
	return nil
}

// Clear resets both cursors to zero. The backing array is not zeroed;
// callers must not rely on previously written bytes beyond the cursors.
func (s *MidiStream) Clear() {
	s.readCursor = 0
	s.writeCursor = 0
}

// Len returns the number of bytes written but not yet read.
func (s *MidiStream) Len() int {
	return s.writeCursor - s.readCursor
}
