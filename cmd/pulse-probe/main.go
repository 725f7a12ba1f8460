// Command pulse-probe connects to a server, runs the handshake, and
// prints a short introspection summary. It exists to exercise Context
// end to end from the command line.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/log"
	flag "github.com/spf13/pflag"

	"pulsego/pulse"
	"pulsego/internal/mainloop"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("pulse-probe", flag.ContinueOnError)
	server := fs.StringP("server", "s", "", "server address list (overrides PULSE_SERVER)")
	name := fs.StringP("name", "n", "pulse-probe", "client name sent with SET_CLIENT_NAME")
	timeout := fs.DurationP("timeout", "t", 10*time.Second, "handshake timeout")
	noAutospawn := fs.Bool("no-autospawn", false, "never fork/exec a local daemon")
	verbose := fs.BoolP("verbose", "v", false, "debug logging")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitUsage
	}
	if fs.NArg() != 0 {
		fmt.Fprintf(os.Stderr, "pulse-probe: unexpected arguments %v\n", fs.Args())
		return exitUsage
	}
	if *verbose {
		log.SetLevel(log.DebugLevel)
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

	var flags pulse.ConnectFlags
	if *noAutospawn {
		flags = pulse.ConnectNoAutospawn
	}

	loopDone := make(chan int, 1)
	go func() { loopDone <- loop.Run() }()

	if err := ctx.Connect(*server, flags); err != nil {
		fmt.Fprintf(os.Stderr, "pulse-probe: connect: %v\n", err)
		loop.Quit(exitFail)
		<-loopDone
		return exitFail
	}

	select {
	case err := <-ready:
		if err != nil {
			fmt.Fprintf(os.Stderr, "pulse-probe: %v\n", err)
			loop.Quit(exitFail)
			<-loopDone
			return exitFail
		}
	case <-time.After(*timeout):
		fmt.Fprintf(os.Stderr, "pulse-probe: handshake timed out after %s\n", *timeout)
		loop.Quit(exitFail)
		<-loopDone
		return exitFail
	}

	idx, _ := ctx.Index()
	fmt.Printf("connected: client-index=%d state=%s\n", idx, ctx.State())

	printed := make(chan struct{})
	op := ctx.GetSinkInfoList(func(sinks []pulse.SinkInfo) {
		for _, s := range sinks {
			fmt.Printf("sink %d: %q rate=%d channels=%d\n", s.Index, s.Name, s.SampleSpec.Rate, s.SampleSpec.Channels)
		}
		close(printed)
	})

	exit := exitOK
	select {
	case <-printed:
	case <-time.After(*timeout):
		op.Cancel()
		fmt.Fprintln(os.Stderr, "pulse-probe: sink list timed out")
		exit = exitFail
	}

	ctx.Disconnect()
	loop.Quit(exit)
	<-loopDone
	return exit
}
