// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts a worker controller that pulls arguments from a coordinator and
runs them through a registered compute function. The binary also plays
the part of its own re-exec'd child process: when invoked with the
hidden flag the controller passes to itself, it runs one child's job
loop instead of starting a pool.

Compute functions are registered by blank-importing the packages that
define them; this binary imports none, so add an import below for each
function it should be able to run.

For usage details, run worker with the command line flag -h or --help.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/distjob/dispatch/clog"
	"github.com/distjob/dispatch/internal/worker"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if handled, err := worker.MaybeRunChild(ctx); handled {
		if err != nil {
			fmt.Printf("worker child exited with error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	var coordinatorAddr string
	var authkey string
	var funcName string
	var nproc int
	var njobs int
	var niceness int
	var help bool
	var log bool

	flag.Usage = usage
	flag.StringVar(&coordinatorAddr, "c", "localhost:9090", "address (host:port) of the coordinator to pull work from")
	flag.StringVar(&authkey, "k", "", "pre-shared authkey for the coordinator handshake (required)")
	flag.StringVar(&funcName, "func", "", "name of the registered compute function to run (required)")
	flag.IntVar(&nproc, "n", 0, "number of worker children (>0 exact, 0 all cores, <0 cores minus |n|)")
	flag.IntVar(&njobs, "njobs", 0, "maximum completed jobs per child (<=0 unbounded)")
	flag.IntVar(&niceness, "niceness", 0, "nice value each child sets for itself (0 leaves it unchanged)")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&log, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help {
		usage()
		os.Exit(0)
	}
	if authkey == "" || funcName == "" {
		fmt.Println("both an authkey (-k) and a function name (-func) are required")
		usage()
		os.Exit(1)
	}

	if log {
		clog.Enable()
	}

	c := worker.New(worker.Config{
		CoordinatorAddr: coordinatorAddr,
		Authkey:         []byte(authkey),
		FuncName:        funcName,
		Nproc:           nproc,
		NJobs:           njobs,
		Niceness:        niceness,
	})

	// SIGTERM shuts down immediately; SIGINT prompts interactively (see
	// Controller.AwaitShutdown).
	signaled := make(chan struct{})
	go func() {
		defer close(signaled)
		c.AwaitShutdown(ctx.Done())
	}()

	fmt.Printf("Starting worker controller against %s for function %q...\n", coordinatorAddr, funcName)

	completed := make(chan error, 1)
	go func() { completed <- c.Start(ctx) }()

	for {
		select {
		case <-signaled:
			signaled = nil
			cancel()
		case err := <-completed:
			if err != nil {
				fmt.Printf("worker controller exited with error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}
}

func usage() {
	fmt.Printf(`usage: worker [-h|--help] [-l] -k authkey -func name [-c addr] [options]

Starts a pool of worker children that pull arguments from a coordinator
and run them through a registered compute function.

Flags:
`)
	flag.PrintDefaults()
}
