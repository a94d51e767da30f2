// Copyright (C) 2024 Michael J. Fromberger. All Rights Reserved.

// Program xroads measures the throughput and latency of xroads sockets.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/xroads"
	"github.com/rs/zerolog"
)

var flags struct {
	Size      int  `flag:"size,default=64,Message size in bytes"`
	Count     int  `flag:"count,default=100000,Number of messages or round trips"`
	IOThreads int  `flag:"io-threads,default=1,Number of I/O threads"`
	Verbose   bool `flag:"v,Log engine events to stderr"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: `Measure the performance of xroads sockets.

A throughput test runs a local side, which binds an address and receives
messages, against a remote side, which connects and sends them. A latency
test runs a local side, which echoes messages, against a remote side, which
sends messages and times the round trips.`,

		SetFlags: command.Flags(flax.MustBind, &flags),

		Commands: []*command.C{
			{
				Name:  "local-thr",
				Usage: "<bind-to>",
				Help:  "Receive messages and report the throughput.",
				Run: withContext(func(c *xroads.Context, args []string) error {
					r, err := localThr(c, args[0], flags.Size, flags.Count)
					if err != nil {
						return err
					}
					r.writeThroughput(os.Stdout)
					return nil
				}),
			},
			{
				Name:  "remote-thr",
				Usage: "<connect-to>",
				Help:  "Send messages to a local-thr process.",
				Run: withContext(func(c *xroads.Context, args []string) error {
					return remoteThr(c, args[0], flags.Size, flags.Count)
				}),
			},
			{
				Name:  "local-lat",
				Usage: "<bind-to>",
				Help:  "Echo messages back to a remote-lat process.",
				Run: withContext(func(c *xroads.Context, args []string) error {
					return localLat(c, args[0], flags.Size, flags.Count)
				}),
			},
			{
				Name:  "remote-lat",
				Usage: "<connect-to>",
				Help:  "Send messages to a local-lat process and report the latency.",
				Run: withContext(func(c *xroads.Context, args []string) error {
					r, err := remoteLat(c, args[0], flags.Size, flags.Count)
					if err != nil {
						return err
					}
					r.writeLatency(os.Stdout)
					return nil
				}),
			},
			{
				Name: "inproc-thr",
				Help: "Measure throughput between two goroutines.",
				Run: withContext(func(c *xroads.Context, _ []string) error {
					r, err := inprocThr(c, flags.Size, flags.Count)
					if err != nil {
						return err
					}
					r.writeThroughput(os.Stdout)
					return nil
				}),
			},
			{
				Name: "inproc-lat",
				Help: "Measure latency between two goroutines.",
				Run: withContext(func(c *xroads.Context, _ []string) error {
					r, err := inprocLat(c, flags.Size, flags.Count)
					if err != nil {
						return err
					}
					r.writeLatency(os.Stdout)
					return nil
				}),
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// withContext returns a command handler that checks its arguments, and
// calls run with a new context that is terminated when run returns.
func withContext(run func(*xroads.Context, []string) error) func(*command.Env) error {
	return func(env *command.Env) error {
		if want := wantArgs(env.Command.Usage); len(env.Args) != want {
			return env.Usagef("got %d arguments, want %d", len(env.Args), want)
		}
		if flags.Size < 0 || flags.Count <= 0 {
			return env.Usagef("invalid -size %d or -count %d", flags.Size, flags.Count)
		}

		opts := &xroads.ContextOptions{IOThreads: flags.IOThreads}
		if flags.Verbose {
			log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			opts.Logger = &log
		}
		c, err := xroads.NewContext(opts)
		if err != nil {
			return fmt.Errorf("new context: %w", err)
		}
		err = run(c, env.Args)
		if terr := c.Term(); err == nil {
			err = terr
		}
		return err
	}
}

func wantArgs(usage string) int {
	if usage == "" {
		return 0
	}
	return 1
}
