// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Starts a coordinator that holds a queue of job arguments and a results
store, serving both to workers over an authenticated TCP connection.

For usage details, run coordinator with the command line flag -h or --help.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/distjob/dispatch/clog"
	"github.com/distjob/dispatch/internal/coordinator"
)

func main() {
	var listenAddr string
	var authkey string
	var spillDir string
	var snapshotPath string
	var resumePath string
	var msgInterval time.Duration
	var help bool
	var log bool

	flag.Usage = usage
	flag.StringVar(&listenAddr, "a", ":9090", "address (host:port) to listen on for worker connections")
	flag.StringVar(&authkey, "k", "", "pre-shared authkey for the worker handshake (required)")
	flag.StringVar(&spillDir, "spill-dir", "", "directory for the disk-backed argument store (empty keeps arguments in memory)")
	flag.StringVar(&snapshotPath, "snapshot", "", "path to write a resumable snapshot on shutdown")
	flag.StringVar(&resumePath, "resume", "", "path to a snapshot to resume from on startup")
	flag.DurationVar(&msgInterval, "i", 2*time.Second, "progress message interval")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&log, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help {
		usage()
		os.Exit(0)
	}
	if authkey == "" {
		fmt.Println("an authkey is required, see -k")
		usage()
		os.Exit(1)
	}

	if log {
		clog.Enable() // turn on application logging
	}

	c, err := coordinator.New(coordinator.Config{
		ListenAddr:   listenAddr,
		Authkey:      []byte(authkey),
		SpillDir:     spillDir,
		SnapshotPath: snapshotPath,
		MsgInterval:  msgInterval,
		ProcessNewResult: func(arg, result any) {
			fmt.Printf("result: %v -> %v\n", arg, result)
		},
	})
	if err != nil {
		fmt.Printf("could not create coordinator: %v\n", err)
		os.Exit(1)
	}

	if resumePath != "" {
		if err := c.ReadOldState(resumePath); err != nil {
			fmt.Printf("could not resume from %s: %v\n", resumePath, err)
			os.Exit(1)
		}
	}

	// Handle SIGTERM.
	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating coordinator on signal %v...\n", <-sigCh)
	}()

	fmt.Printf("Starting coordinator on %s...\n", listenAddr)

	ctx, cancel := context.WithCancel(context.Background()) // triggers graceful shutdown of coordinator
	completed := make(chan error, 1)                        // signals completion of coordinator shutdown
	go func() { completed <- c.Start(ctx) }()

	// Wait for the coordinator to shut down gracefully, triggered either on
	// its own (all arguments marked) or after first termination signal.
	for {
		select {
		case <-signaled:
			signaled = nil // skip this case after first termination signal
			cancel()       // start shutting down coordinator gracefully
		case err := <-completed:
			if err != nil {
				fmt.Printf("coordinator exited with error: %v\n", err)
				os.Exit(1)
			}
			return
		}
	}
}

func usage() {
	fmt.Printf(`usage: coordinator [-h|--help] [-l] -k authkey [-a addr] [options]

Starts a coordinator serving a job queue and results store to workers.
Arguments are populated separately by the program embedding the
coordinator package; this binary only owns the serving side.

Flags:
`)
	flag.PrintDefaults()
}
