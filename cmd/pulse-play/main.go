// Command pulse-play bridges a local PortAudio capture device and an
// Opus round trip to a playback Stream. It exists to exercise
// Stream's write path against a real server with real audio, keeping
// the codec libraries at the edge of the transport, outside the
// pstream/dispatcher/stream core.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gordonklaus/portaudio"
	flag "github.com/spf13/pflag"
	"gopkg.in/hraban/opus.v2"

	"pulsego/pulse"
	"pulsego/internal/mainloop"
	"pulsego/internal/proto"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

const (
	sampleRate = 48000
	channels   = 1
	frameSize  = 960 // 20ms @ 48kHz
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("pulse-play", flag.ContinueOnError)
	server := fs.StringP("server", "s", "", "server address list (overrides PULSE_SERVER)")
	name := fs.StringP("name", "n", "pulse-play", "client name sent with SET_CLIENT_NAME")
	device := fs.StringP("device", "d", "", "target sink device name (empty: server default)")
	duration := fs.DurationP("duration", "u", 5*time.Second, "how long to capture and stream")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "pulse-play: unexpected arguments %v\n", fs.Args())
		return exitUsage
	}

	if err := portaudio.Initialize(); err != nil {
		fmt.Fprintf(os.Stderr, "pulse-play: portaudio init: %v\n", err)
		return exitFail
	}
	defer portaudio.Terminate()

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppVoIP)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulse-play: opus encoder: %v\n", err)
		return exitFail
	}
	dec, err := opus.NewDecoder(sampleRate, channels)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pulse-play: opus decoder: %v\n", err)
		return exitFail
	}

	loop := mainloop.New()
	ctx := pulse.NewContext(loop, *name, pulse.PropList{"application.name": *name})

	ready := make(chan error, 1)
	ctx.SetStateCallback(func(st pulse.ContextState) {
		switch st {
		case pulse.ContextReady:
			select {
			case ready <- nil:
			default:
			}
		case pulse.ContextFailed, pulse.ContextTerminated:
			select {
			case ready <- ctx.LastError():
			default:
			}
		}
	})

	loopDone := make(chan int, 1)
	go func() { loopDone <- loop.Run() }()

	fail := func(msg string, err error) int {
		fmt.Fprintf(os.Stderr, "pulse-play: %s: %v\n", msg, err)
		loop.Quit(exitFail)
		<-loopDone
		return exitFail
	}

	if err := ctx.Connect(*server, 0); err != nil {
		return fail("connect", err)
	}
	select {
	case err := <-ready:
		if err != nil {
			return fail("handshake", err)
		}
	case <-time.After(10 * time.Second):
		return fail("handshake", fmt.Errorf("timed out"))
	}

	ss := pulse.SampleSpec{Format: pulse.SampleS16LE, Channels: channels, Rate: sampleRate}
	stream := pulse.NewStream(ctx, pulse.DirectionPlayback, ss, nil, pulse.PropList{
		"media.name": "pulse-play capture",
	})

	streamReady := make(chan error, 1)
	stream.SetStateCallback(func(st pulse.StreamState) {
		switch st {
		case pulse.StreamReady:
			select {
			case streamReady <- nil:
			default:
			}
		case pulse.StreamFailed, pulse.StreamTerminated:
			select {
			case streamReady <- stream.LastError():
			default:
			}
		}
	})

	deviceIdx := pulse.InvalidIndex
	attr := pulse.BufferAttr{MaxLength: pulse.InvalidIndex, TLength: pulse.InvalidIndex, Prebuf: pulse.InvalidIndex, MinReq: pulse.InvalidIndex}
	stream.ConnectPlayback(deviceIdx, *device, attr, false, nil, 0, 0)

	select {
	case err := <-streamReady:
		if err != nil {
			ctx.Disconnect()
			return fail("stream connect", err)
		}
	case <-time.After(10 * time.Second):
		ctx.Disconnect()
		return fail("stream connect", fmt.Errorf("timed out"))
	}

	in, err := portaudio.DefaultInputDevice()
	if err != nil {
		ctx.Disconnect()
		return fail("default input device", err)
	}

	pcm := make([]int16, frameSize*channels)
	captureParams := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   in,
			Channels: channels,
			Latency:  in.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frameSize,
	}
	capture, err := portaudio.OpenStream(captureParams, pcm)
	if err != nil {
		ctx.Disconnect()
		return fail("open capture stream", err)
	}
	defer capture.Close()
	if err := capture.Start(); err != nil {
		ctx.Disconnect()
		return fail("start capture", err)
	}
	defer capture.Stop()

	opusBuf := make([]byte, 4000)
	roundTrip := make([]int16, frameSize*channels)
	deadline := time.Now().Add(*duration)
	captured, sent := 0, 0
	for time.Now().Before(deadline) {
		if err := capture.Read(); err != nil {
			log.Warn("capture read failed", "err", err)
			continue
		}
		captured++

		// Round-trip each frame through Opus before it goes on the wire;
		// the server consumes raw PCM, so the encode/decode pair stays at
		// the transport's edge.
		n, err := enc.Encode(pcm, opusBuf)
		if err != nil {
			log.Warn("opus encode failed", "err", err)
			continue
		}
		samples, err := dec.Decode(opusBuf[:n], roundTrip)
		if err != nil {
			log.Warn("opus decode failed", "err", err)
			continue
		}

		payload := make([]byte, samples*channels*2)
		for i, v := range roundTrip[:samples*channels] {
			payload[2*i] = byte(v)
			payload[2*i+1] = byte(v >> 8)
		}
		if err := stream.WriteBytes(payload, nil, 0, proto.SeekRelative); err != nil {
			log.Warn("stream write failed", "err", err)
			continue
		}
		sent++
	}

	fmt.Printf("captured %d frames, sent %d through the opus round trip\n", captured, sent)

	stream.Disconnect()
	ctx.Disconnect()
	loop.Quit(exitOK)
	<-loopDone
	return exitOK
}
