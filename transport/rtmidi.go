package transport

import (
	"context"

	"github.com/pkg/errors"
	"gitlab.com/gomidi/midi/v2/drivers"
	_ "gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/davidmoreno/rtpmidid/rtpmidi"
)

// RtMidi is a MidiInOut backed by a real hardware/ALSA/JACK MIDI port
// via gomidi's RtMidi driver, grounded on the odaacabeef/midi-cable
// forwarder: find the named port among drivers.Ins()/drivers.Outs(),
// open it, and bridge it to MidiStream.
type RtMidi struct {
	in  drivers.In
	out drivers.Out

	received chan []byte
	stopIn   func()
}

// OpenRtMidi opens inputName for reading and outputName for writing by
// exact drivers.In.String()/drivers.Out.String() match. Either name
// may be empty to open that direction as a no-op.
func OpenRtMidi(inputName, outputName string) (*RtMidi, error) {
	r := &RtMidi{received: make(chan []byte, 256)}

	if inputName != "" {
		in, err := findIn(inputName)
		if err != nil {
			return nil, err
		}
		if err := in.Open(); err != nil {
			return nil, errors.Wrapf(err, "opening MIDI input %q", inputName)
		}
		stop, err := in.Listen(func(msg []byte, _ int32) {
			cp := append([]byte(nil), msg...)
			select {
			case r.received <- cp:
			default:
				// Drop rather than block the driver's callback thread.
			}
		}, drivers.ListenConfig{})
		if err != nil {
			in.Close()
			return nil, errors.Wrapf(err, "listening on MIDI input %q", inputName)
		}
		r.in = in
		r.stopIn = stop
	}

	if outputName != "" {
		out, err := findOut(outputName)
		if err != nil {
			return nil, err
		}
		if err := out.Open(); err != nil {
			return nil, errors.Wrapf(err, "opening MIDI output %q", outputName)
		}
		r.out = out
	}

	return r, nil
}

func findIn(name string) (drivers.In, error) {
	ins, err := drivers.Ins()
	if err != nil {
		return nil, errors.Wrap(err, "listing MIDI inputs")
	}
	for _, in := range ins {
		if in.String() == name {
			return in, nil
		}
	}
	return nil, errors.Errorf("MIDI input %q not found", name)
}

func findOut(name string) (drivers.Out, error) {
	outs, err := drivers.Outs()
	if err != nil {
		return nil, errors.Wrap(err, "listing MIDI outputs")
	}
	for _, out := range outs {
		if out.String() == name {
			return out, nil
		}
	}
	return nil, errors.Errorf("MIDI output %q not found", name)
}

func (r *RtMidi) Write(ctx context.Context, stream *rtpmidi.MidiStream) error {
	if r.out == nil {
		return nil
	}
	return r.out.Send(stream.UnreadView())
}

// Read returns when a message arrives from the input port or ctx is
// canceled; Close does not unblock a pending Read.
func (r *RtMidi) Read(ctx context.Context, stream *rtpmidi.MidiStream) error {
	select {
	case msg := <-r.received:
		return stream.Write(msg)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RtMidi) Close() error {
	if r.stopIn != nil {
		r.stopIn()
	}
	if r.in != nil {
		r.in.Close()
	}
	if r.out != nil {
		r.out.Close()
	}
	return nil
}
