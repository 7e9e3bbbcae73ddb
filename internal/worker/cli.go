// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"flag"
	"os"
	"time"
)

// MaybeRunChild inspects os.Args for the hidden re-exec flag Controller
// passes to its own spawned children. If present, it parses the rest of
// the child's flags, reads the authkey from fd 3, and runs RunChild to
// completion, returning (true, err). If absent, it returns (false, nil)
// without touching the flag package's default CommandLine FlagSet, so
// the caller's own flag parsing for normal (controller-mode) startup is
// unaffected.
//
// A program whose main function registers one or more compute functions
// and wants to support the controller's self-re-exec pattern should
// call this before doing anything else in main:
//
//	if handled, err := worker.MaybeRunChild(context.Background()); handled {
//		if err != nil { log.Fatal(err) }
//		return
//	}
func MaybeRunChild(ctx context.Context) (bool, error) {
	if !isChildInvocation(os.Args[1:]) {
		return false, nil
	}
	cfg, err := parseChildConfig(os.Args[1:])
	if err != nil {
		return true, err
	}
	return true, RunChild(ctx, cfg)
}

func isChildInvocation(args []string) bool {
	for _, a := range args {
		if a == "-"+ChildFlag || a == "--"+ChildFlag {
			return true
		}
	}
	return false
}

func parseChildConfig(args []string) (ChildConfig, error) {
	fs := flag.NewFlagSet("worker-child", flag.ContinueOnError)

	var isChild bool
	var funcName, coordinatorAddr string
	var index, njobs, niceness, pingRetry, reconnectTries int
	var jobTimeout, resultTimeout, failTimeout time.Duration

	fs.BoolVar(&isChild, ChildFlag, false, "")
	fs.StringVar(&funcName, "func", "", "")
	fs.StringVar(&coordinatorAddr, "coordinator", "", "")
	fs.IntVar(&index, "index", 0, "")
	fs.IntVar(&njobs, "njobs", 0, "")
	fs.IntVar(&niceness, "niceness", 0, "")
	fs.DurationVar(&jobTimeout, "job-timeout", 5*time.Second, "")
	fs.DurationVar(&resultTimeout, "result-timeout", 10*time.Second, "")
	fs.DurationVar(&failTimeout, "fail-timeout", 10*time.Second, "")
	fs.IntVar(&pingRetry, "ping-retry", 0, "")
	fs.IntVar(&reconnectTries, "reconnect-tries", 0, "")

	if err := fs.Parse(args); err != nil {
		return ChildConfig{}, err
	}

	authkey, err := ReadAuthkey()
	if err != nil {
		return ChildConfig{}, err
	}

	return ChildConfig{
		CoordinatorAddr: coordinatorAddr,
		Authkey:         authkey,
		FuncName:        funcName,
		Index:           index,
		NJobs:           njobs,
		Niceness:        niceness,
		JobQTimeout:     jobTimeout,
		ResultQTimeout:  resultTimeout,
		FailQTimeout:    failTimeout,
		PingRetry:       pingRetry,
		ReconnectTries:  reconnectTries,
	}, nil
}
