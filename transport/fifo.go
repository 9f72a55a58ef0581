package transport

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"github.com/davidmoreno/rtpmidid/rtpmidi"
)

// FileMidi is a MidiInOut backed by a single duplex file (typically a
// FIFO created with mkfifo) or a split pair of input/output files.
// Grounded on the original project's filemidi.rs: one path opens the
// same descriptor for both directions, two paths keep them separate.
type FileMidi struct {
	input  *os.File
	output *os.File // nil means input doubles as output
}

// OpenFileMidi opens filename read-write and uses it for both
// directions.
func OpenFileMidi(filename string) (*FileMidi, error) {
	f, err := os.OpenFile(filename, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", filename)
	}
	return &FileMidi{input: f}, nil
}

// OpenFileMidiIO opens inputFilename for reading and outputFilename
// for writing, for setups where the two directions are distinct nodes
// (e.g. two ALSA rawmidi device files).
func OpenFileMidiIO(inputFilename, outputFilename string) (*FileMidi, error) {
	in, err := os.OpenFile(inputFilename, os.O_RDONLY, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", inputFilename)
	}
	out, err := os.OpenFile(outputFilename, os.O_WRONLY, 0)
	if err != nil {
		in.Close()
		return nil, errors.Wrapf(err, "opening %s", outputFilename)
	}
	return &FileMidi{input: in, output: out}, nil
}

func (f *FileMidi) Write(ctx context.Context, stream *rtpmidi.MidiStream) error {
	out := f.output
	if out == nil {
		out = f.input
	}
	_, err := out.Write(stream.UnreadView())
	return err
}

// Read blocks on the underlying file's Read call; FIFOs block a reader
// until a writer opens the other end and writes, which is exactly the
// behavior this adapter wants. ctx cancellation does not interrupt an
// in-flight blocking read on a plain os.File (callers that need that
// must close the file themselves, which is what Close is for).
func (f *FileMidi) Read(ctx context.Context, stream *rtpmidi.MidiStream) error {
	n, err := f.input.Read(stream.FreeViewMut())
	if err != nil {
		return err
	}
	return stream.AdvanceWrite(n)
}

func (f *FileMidi) Close() error {
	var err error
	if f.output != nil {
		err = f.output.Close()
	}
	if cerr := f.input.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
