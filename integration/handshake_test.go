// Package integration exercises RtpMidiServer and RtpMidiClient
// together over real loopback UDP sockets, the way spec.md §8's
// scenarios describe the protocol behaving end to end rather than one
// RtpPeer in isolation.
package integration

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/davidmoreno/rtpmidid/client"
	"github.com/davidmoreno/rtpmidid/rtpmidi"
	"github.com/davidmoreno/rtpmidid/server"
)

const testPort = 17050

func TestClientServerHandshakeAndMidiRoundTrip(t *testing.T) {
	srv, err := server.New("integration-server", "127.0.0.1", testPort)
	if err != nil {
		t.Fatalf("server.New: %v", err)
	}
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go srv.Run(ctx)

	cl, err := client.Dial("integration-client", "127.0.0.1", testPort)
	if err != nil {
		t.Fatalf("client.Dial: %v", err)
	}
	defer cl.Close()

	go cl.Run(ctx)

	payload := []byte{0x90, 0x40, 0x7f}
	out := rtpmidi.NewMidiStream()
	if err := out.Write(payload); err != nil {
		t.Fatalf("out.Write: %v", err)
	}

	// Give the handshake a moment to complete before sending traffic;
	// RtpMidiClient.Write only has an effect once its peer reaches
	// StatusConnected (see RtpMidiClient.sendMidi).
	time.Sleep(200 * time.Millisecond)

	writeCtx, writeCancel := context.WithTimeout(ctx, time.Second)
	defer writeCancel()
	if err := cl.Write(writeCtx, out); err != nil {
		t.Fatalf("cl.Write: %v", err)
	}

	in := rtpmidi.NewMidiStream()
	readCtx, readCancel := context.WithTimeout(ctx, 2*time.Second)
	defer readCancel()
	if err := srv.Read(readCtx, in); err != nil {
		t.Fatalf("srv.Read: %v", err)
	}

	if !bytes.Equal(in.UnreadView(), payload) {
		t.Fatalf("received % X, want % X", in.UnreadView(), payload)
	}
}
