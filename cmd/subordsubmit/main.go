//
// Copyright 2019-2020 Nestybox, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

// Command subordsubmit is the client-side submit tool spec.md §6 describes
// as out of scope for this repository ("the submit CLI" is named explicitly
// in spec.md §1's Non-goals). It is carried here only as a thin stub that
// documents the argv/env packing contract a real submit tool would use —
// exercising the daemon-facing half of that contract (pack argv+env into an
// Application header, frame a single kernel, wait for its downstream
// return) against the real kernel/kernelbuf codec, not a reimplementation
// of a full job-submission CLI.
package main

import (
	"fmt"
	"net"
	"os"

	"github.com/urfave/cli"

	"github.com/nestybox/subordination/application"
	"github.com/nestybox/subordination/kernel"
	"github.com/nestybox/subordination/kernelbuf"
)

// submitTypeID is the one kernel type this stub ever sends: a bodyless
// "run this application" request. A real deployment would register it
// (and its daemon-side counterpart) through registry.Registry the same way
// cmd/subordd registers discoverer.RegisterProbeType; this stub only needs
// to agree on the id with whatever daemon-side handler is configured to
// receive it.
const submitTypeID uint16 = 1

// submitBody carries no payload of its own — everything spec.md §6 needs
// (argv, env, workdir) already travels in the kernel's embedded SourceApp
// header field. Act/React/Rollback are never invoked client-side; they
// exist only so submitBody satisfies kernel.Body for the encode/decode
// round trip.
type submitBody struct{}

func (submitBody) Act(*kernel.Kernel) error                { return nil }
func (submitBody) React(*kernel.Kernel, *kernel.Kernel) error { return nil }
func (submitBody) Rollback(*kernel.Kernel) error            { return nil }
func (submitBody) WriteBody(*kernelbuf.Buffer) error        { return nil }
func (submitBody) ReadBody(*kernelbuf.Buffer) error         { return nil }

// singleTypeResolver implements kernel.TypeResolver for the one type this
// stub ever sends or expects back, standing in for the full registry a
// real client would share with the daemon out of band.
type singleTypeResolver struct{}

func (singleTypeResolver) IDFor(kernel.Body) (uint16, error) { return submitTypeID, nil }
func (singleTypeResolver) New(id uint16) (kernel.Body, error) {
	if id != submitTypeID {
		return nil, fmt.Errorf("subordsubmit: unknown kernel type %d in response", id)
	}
	return submitBody{}, nil
}

func main() {
	app := cli.NewApp()
	app.Name = "subordsubmit"
	app.Usage = "submit a single application kernel to a subordd daemon and wait for its result"
	app.ArgsUsage = "-- command [args...]"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "socket", Value: "/run/subordd/submit.sock", Usage: "daemon's unix submit socket"},
		cli.Uint64Flag{Name: "target-app-id", Usage: "application id on the daemon to run this command as"},
	}
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "subordsubmit:", err)
		os.Exit(1)
	}
}

func run(ctx *cli.Context) error {
	argv := []string(ctx.Args())
	if len(argv) == 0 {
		return fmt.Errorf("no command given (usage: subordsubmit -- command [args...])")
	}

	wd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("resolving working directory: %w", err)
	}
	self, err := application.New(argv, os.Environ(), wd, uint32(os.Getuid()), uint32(os.Getgid()), false)
	if err != nil {
		return fmt.Errorf("packing application header: %w", err)
	}

	conn, err := net.Dial("unix", ctx.String("socket"))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", ctx.String("socket"), err)
	}
	defer conn.Close()

	resolver := singleTypeResolver{}

	k := kernel.New(submitTypeID, submitBody{})
	k.SourceApp = self
	k.SourceAppID = self.ID
	k.TargetAppID = ctx.Uint64("target-app-id")

	out := kernelbuf.New()
	if err := kernel.Write(out, k, resolver); err != nil {
		return fmt.Errorf("encoding submit kernel: %w", err)
	}
	if _, err := conn.Write(out.Bytes()[:out.Position()]); err != nil {
		return fmt.Errorf("writing submit kernel: %w", err)
	}

	reply, err := readReply(conn, resolver, self.ID)
	if err != nil {
		return fmt.Errorf("reading daemon reply: %w", err)
	}

	switch reply.Result {
	case kernel.Success:
		return nil
	default:
		os.Exit(1)
		return nil
	}
}

// readReply accumulates bytes off conn until kernel.Decode can parse one
// full frame addressed to selfAppID, mirroring the accumulate-then-decode
// shape of protocol.Conn's own receive loop (spec.md §4.D) without pulling
// in the full Conn state machine for a one-shot client.
func readReply(conn net.Conn, resolver kernel.TypeResolver, selfAppID uint64) (*kernel.Kernel, error) {
	in := kernelbuf.NewSize(4096)
	for {
		n, rerr := conn.Read(in.WritableSlice())
		if n > 0 {
			in.Advance(n)
		}
		if rerr != nil {
			return nil, rerr
		}

		in.Flip()
		k, foreign, err := kernel.Decode(in, resolver, selfAppID)
		switch err {
		case nil:
			if foreign != nil {
				return nil, fmt.Errorf("received a foreign kernel, expected a native reply")
			}
			return k, nil
		case kernelbuf.ErrShortBuffer:
			in.Compact()
		default:
			return nil, err
		}
	}
}
