// Command rtpmidid is the AppleMIDI/RTP-MIDI session bridge daemon: it
// accepts invitations from remote RTP-MIDI participants and forwards
// their traffic to a local MIDI sink (a FIFO/device file, or a real
// hardware/ALSA/JACK port via RtMidi).
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/davidmoreno/rtpmidid/rtpmidi"
	"github.com/davidmoreno/rtpmidid/server"
	"github.com/davidmoreno/rtpmidid/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "rtpmidid"
	app.Usage = "AppleMIDI/RTP-MIDI session bridge daemon"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "address, a",
			Value:  "0.0.0.0",
			Usage:  "address to bind the control and midi UDP sockets on",
			EnvVar: "RTPMIDID_ADDRESS",
		},
		cli.IntFlag{
			Name:   "port, p",
			Value:  5004,
			Usage:  "control-channel UDP port (midi channel is port+1)",
			EnvVar: "RTPMIDID_PORT",
		},
		cli.StringFlag{
			Name:   "name, n",
			Value:  "rtpmidid",
			Usage:  "session name advertised to remote participants",
			EnvVar: "RTPMIDID_NAME",
		},
		cli.StringFlag{
			Name:   "fifo",
			Usage:  "FIFO/device-node path to bridge incoming MIDI traffic to",
			EnvVar: "RTPMIDID_FIFO",
		},
		cli.StringFlag{
			Name:   "midi-in",
			Usage:  "RtMidi input port name to forward into the session",
			EnvVar: "RTPMIDID_MIDI_IN",
		},
		cli.StringFlag{
			Name:   "midi-out",
			Usage:  "RtMidi output port name to deliver session traffic to",
			EnvVar: "RTPMIDID_MIDI_OUT",
		},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	name := c.String("name")
	address := c.String("address")
	port := c.Int("port")

	color.Cyan("rtpmidid: listening on %s:%d/%d as %q", address, port, port+1, name)

	srv, err := server.New(name, address, uint16(port))
	if err != nil {
		return err
	}
	defer srv.Close()

	local, err := openLocalTransport(c)
	if err != nil {
		return err
	}
	if local == nil {
		color.Yellow("rtpmidid: no --fifo or --midi-in/--midi-out given, running as a sink-less bridge")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("rtpmidid: shutting down")
		cancel()
	}()

	if local != nil {
		defer local.Close()
		go pumpLocalTransport(ctx, srv, local)
	}

	return srv.Run(ctx)
}

func openLocalTransport(c *cli.Context) (transport.MidiInOut, error) {
	switch {
	case c.String("fifo") != "":
		return transport.OpenFileMidi(c.String("fifo"))
	case c.String("midi-in") != "" || c.String("midi-out") != "":
		return transport.OpenRtMidi(c.String("midi-in"), c.String("midi-out"))
	default:
		return nil, nil
	}
}

// pumpLocalTransport bridges the network session and the local sink in
// both directions until ctx is canceled.
func pumpLocalTransport(ctx context.Context, srv *server.RtpMidiServer, local transport.MidiInOut) {
	go func() {
		stream := rtpmidi.NewMidiStream()
		for {
			stream.Clear()
			if err := srv.Read(ctx, stream); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("rtpmidid: reading from session: %v", err)
				continue
			}
			if err := local.Write(ctx, stream); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("rtpmidid: writing to local sink: %v", err)
			}
		}
	}()

	stream := rtpmidi.NewMidiStream()
	for {
		stream.Clear()
		if err := local.Read(ctx, stream); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("rtpmidid: reading from local sink: %v", err)
			continue
		}
		if err := srv.Write(ctx, stream); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("rtpmidid: writing to session: %v", err)
		}
	}
}
