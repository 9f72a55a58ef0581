// Package transport defines the local MIDI I/O boundary the network
// session layer sits behind, and a couple of concrete adapters onto it
// (a FIFO/device-node file and a real RtMidi-backed hardware port).
package transport

import (
	"context"

	"github.com/davidmoreno/rtpmidid/rtpmidi"
)

// MidiInOut is the capability both RtpMidiServer/RtpMidiClient and a
// local MIDI source/sink implement: streams of raw MIDI bytes moving
// in and out of the process. Write and Read are both blocking and
// cancellable, so a single goroutine can pump a stream without its own
// polling loop.
type MidiInOut interface {
	// Write delivers outbound MIDI bytes (stream.UnreadView()) to the
	// implementation. The stream is only read, never retained past the
	// call.
	Write(ctx context.Context, stream *rtpmidi.MidiStream) error
	// Read blocks until inbound MIDI bytes are available, appending
	// them into stream, or until ctx is canceled.
	Read(ctx context.Context, stream *rtpmidi.MidiStream) error
	// Close releases any underlying resource (socket, file descriptor,
	// driver handle). Whether a pending Read returns on Close depends
	// on the implementation (RtMidi's Read waits for ctx instead).
	Close() error
}
