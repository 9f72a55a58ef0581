// Command rtpmidi-client dials a single remote AppleMIDI/RTP-MIDI
// session and bridges its traffic to a local MIDI sink.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/urfave/cli"

	"github.com/davidmoreno/rtpmidid/client"
	"github.com/davidmoreno/rtpmidid/rtpmidi"
	"github.com/davidmoreno/rtpmidid/transport"
)

func main() {
	app := cli.NewApp()
	app.Name = "rtpmidi-client"
	app.Usage = "dial a remote AppleMIDI/RTP-MIDI session"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "name, n",
			Value:  "rtpmidi-client",
			Usage:  "session name advertised to the remote party",
			EnvVar: "RTPMIDID_NAME",
		},
		cli.StringFlag{
			Name:   "remote-host",
			Usage:  "remote session's address",
			EnvVar: "RTPMIDID_REMOTE_HOST",
		},
		cli.IntFlag{
			Name:   "remote-port",
			Value:  5004,
			Usage:  "remote session's control-channel port (midi channel is port+1)",
			EnvVar: "RTPMIDID_REMOTE_PORT",
		},
		cli.StringFlag{
			Name:   "fifo",
			Usage:  "FIFO/device-node path to bridge the session's MIDI traffic to",
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
	remoteHost := c.String("remote-host")
	if remoteHost == "" {
		return cli.NewExitError("rtpmidi-client: --remote-host is required", 1)
	}

	color.Cyan("rtpmidi-client: dialing %s:%d as %q", remoteHost, c.Int("remote-port"), c.String("name"))

	cl, err := client.Dial(c.String("name"), remoteHost, uint16(c.Int("remote-port")))
	if err != nil {
		return err
	}
	defer cl.Close()

	local, err := openLocalTransport(c)
	if err != nil {
		return err
	}
	if local == nil {
		color.Yellow("rtpmidi-client: no --fifo or --midi-in/--midi-out given, running as a sink-less bridge")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("rtpmidi-client: shutting down")
		cancel()
	}()

	if local != nil {
		defer local.Close()
		go pumpLocalTransport(ctx, cl, local)
	}

	return cl.Run(ctx)
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

func pumpLocalTransport(ctx context.Context, cl *client.RtpMidiClient, local transport.MidiInOut) {
	go func() {
		stream := rtpmidi.NewMidiStream()
		for {
			stream.Clear()
			if err := cl.Read(ctx, stream); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("rtpmidi-client: reading from session: %v", err)
				continue
			}
			if err := local.Write(ctx, stream); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("rtpmidi-client: writing to local sink: %v", err)
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
			log.Printf("rtpmidi-client: reading from local sink: %v", err)
			continue
		}
		if err := cl.Write(ctx, stream); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("rtpmidi-client: writing to session: %v", err)
		}
	}
}
