// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/distjob/dispatch/clog"
	"github.com/distjob/dispatch/internal/argid"
	"github.com/distjob/dispatch/internal/rpcmsg"
	"github.com/distjob/dispatch/internal/wire"
	"github.com/distjob/dispatch/internal/wireerr"
)

// ChildConfig configures a single re-exec'd child process.
type ChildConfig struct {
	CoordinatorAddr string
	Authkey         []byte
	FuncName        string
	Index           int
	NJobs           int
	Niceness        int

	JobQTimeout    time.Duration
	ResultQTimeout time.Duration
	FailQTimeout   time.Duration

	PingRetry      int
	ReconnectTries int
}

// ReadAuthkey reads the authkey handed down by the controller over the
// inherited pipe on fd 3. Never passed as an argv entry or environment
// variable, so it cannot leak through `ps` or a process environment
// dump.
func ReadAuthkey() ([]byte, error) {
	f := os.NewFile(3, "authkey-pipe")
	if f == nil {
		return nil, fmt.Errorf("worker: fd 3 not open, cannot read authkey")
	}
	defer f.Close()
	return io.ReadAll(f)
}

// RunChild is the re-exec'd child's entire lifetime: it connects back
// to the coordinator, fetches the function's constant argument once,
// then loops fetching arguments from job_q and reporting results or
// failures until job_q is empty, njobs is exhausted, or a shutdown
// signal arrives.
func RunChild(ctx context.Context, cfg ChildConfig) error {
	log := clog.New("worker-child[%d] ", cfg.Index)

	lowerNiceness(cfg.Niceness, log)

	fn, ok := Lookup(cfg.FuncName)
	if !ok {
		return fmt.Errorf("worker: no function registered under %q", cfg.FuncName)
	}

	proxy := wire.NewProxy(wire.ProxyConfig{
		Addr:           cfg.CoordinatorAddr,
		Authkey:        cfg.Authkey,
		PingRetry:      cfg.PingRetry,
		ReconnectTries: cfg.ReconnectTries,
	})
	defer proxy.Close()

	constArgBlob, err := proxy.Invoke(ctx, "const_arg", "get", nil)
	if err != nil {
		return fmt.Errorf("worker: fetching const_arg: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	counters := &Counters{Max: int64(cfg.NJobs)}

	for {
		if cfg.NJobs > 0 && counters.Count >= int64(cfg.NJobs) {
			log.Printf("njobs budget (%d) reached, exiting", cfg.NJobs)
			return nil
		}

		select {
		case sig := <-sigCh:
			log.Printf("received %v, exiting without fetching further work", sig)
			return nil
		default:
		}

		env, empty, err := fetchArg(ctx, proxy, cfg.JobQTimeout)
		if err != nil {
			return fmt.Errorf("worker: fetching argument: %w", err)
		}
		if empty {
			log.Printf("job_q empty, exiting")
			return nil
		}

		if !runJob(ctx, log, proxy, fn, env, constArgBlob, counters, cfg, sigCh) {
			return nil
		}
	}
}

func fetchArg(ctx context.Context, proxy *wire.Proxy, timeout time.Duration) (rpcmsg.ArgEnvelope, bool, error) {
	req := rpcmsg.GetRequest{Block: true, TimeoutMS: timeout.Milliseconds()}
	reqBlob, err := argid.Encode(req)
	if err != nil {
		return rpcmsg.ArgEnvelope{}, false, err
	}
	out, err := proxy.Invoke(ctx, "job_q", "get", reqBlob)
	if err != nil {
		if errors.Is(err, wireerr.Empty) {
			return rpcmsg.ArgEnvelope{}, true, nil
		}
		return rpcmsg.ArgEnvelope{}, false, err
	}
	var env rpcmsg.ArgEnvelope
	if err := argid.Decode(out, &env); err != nil {
		return rpcmsg.ArgEnvelope{}, false, err
	}
	return env, false, nil
}

// runJob executes one argument through fn, reporting a result or a
// failure, and returns false when the child should stop looping
// (shutdown signal observed mid-job).
func runJob(ctx context.Context, log *clog.CLogger, proxy *wire.Proxy, fn any, env rpcmsg.ArgEnvelope, constArgBlob []byte, counters *Counters, cfg ChildConfig, sigCh chan os.Signal) bool {
	resultCh := make(chan jobOutcome, 1)
	go func() {
		resultCh <- invoke(fn, env.Arg, constArgBlob, counters)
	}()

	select {
	case sig := <-sigCh:
		log.Printf("received %v mid-job, re-queuing argument and exiting", sig)
		requeue(ctx, proxy, env, cfg)
		return false

	case outcome := <-resultCh:
		if outcome.err != nil {
			writeTraceback(log, env.ID, outcome.kind, outcome.err, outcome.trace)
			reportFail(ctx, log, proxy, env, outcome.kind, cfg)
			return true
		}
		counters.Count++
		reportResult(ctx, log, proxy, env, outcome.result, cfg)
		return true
	}
}

type jobOutcome struct {
	result any
	err    error
	kind   string
	trace  string
}

// invoke dispatches fn by its concrete sum-type branch (Func vs
// CountedFunc) and converts a panic into an error + captured stack so
// a single misbehaving job cannot kill the child process. arg and
// constArg are raw canonical CBOR, left for the function itself to
// decode into its concrete argument type. kind distinguishes a
// recovered panic from an ordinary returned error, both for the
// traceback file name and the fail_q record.
func invoke(fn any, arg, constArg []byte, counters *Counters) (outcome jobOutcome) {
	defer func() {
		if r := recover(); r != nil {
			outcome.err = fmt.Errorf("panic: %v", r)
			outcome.kind = "Panic"
			outcome.trace = string(debug.Stack())
		}
	}()

	switch f := fn.(type) {
	case Func:
		outcome.result, outcome.err = f(arg, constArg)
	case CountedFunc:
		outcome.result, outcome.err = f(arg, constArg, counters)
	default:
		outcome.err = fmt.Errorf("worker: registered function has unexpected type %T", fn)
	}
	if outcome.err != nil && outcome.kind == "" {
		outcome.kind = "Error"
	}
	return outcome
}

func requeue(ctx context.Context, proxy *wire.Proxy, env rpcmsg.ArgEnvelope, cfg ChildConfig) {
	blob, err := argid.Encode(env)
	if err != nil {
		return
	}
	putCtx, cancel := context.WithTimeout(ctx, cfg.JobQTimeout)
	defer cancel()
	_, _ = proxy.Invoke(putCtx, "job_q", "put", blob)
}

func reportResult(ctx context.Context, log *clog.CLogger, proxy *wire.Proxy, env rpcmsg.ArgEnvelope, result any, cfg ChildConfig) {
	resultBlob, err := argid.Encode(result)
	if err != nil {
		log.Errorf("encoding result for %s: %v", env.ID, err)
		return
	}
	msg := rpcmsg.ResultMsg{ID: env.ID, Arg: env.Arg, Result: resultBlob}
	blob, err := argid.Encode(msg)
	if err != nil {
		log.Errorf("encoding result message for %s: %v", env.ID, err)
		return
	}
	putCtx, cancel := context.WithTimeout(ctx, cfg.ResultQTimeout)
	defer cancel()
	if _, err := proxy.Invoke(putCtx, "result_q", "put", blob); err != nil {
		emergencyDump(log, "result", env.ID, blob, err)
	}
}

func reportFail(ctx context.Context, log *clog.CLogger, proxy *wire.Proxy, env rpcmsg.ArgEnvelope, kind string, cfg ChildConfig) {
	hostname, _ := os.Hostname()
	msg := rpcmsg.FailMsg{ID: env.ID, Arg: env.Arg, Kind: kind, Hostname: hostname}
	blob, err := argid.Encode(msg)
	if err != nil {
		log.Errorf("encoding fail message for %s: %v", env.ID, err)
		return
	}
	putCtx, cancel := context.WithTimeout(ctx, cfg.FailQTimeout)
	defer cancel()
	if _, err := proxy.Invoke(putCtx, "fail_q", "put", blob); err != nil {
		emergencyDump(log, "fail", env.ID, blob, err)
	}
}

// writeTraceback persists a user-function failure to a local file, so
// the failure survives even a fully disconnected coordinator. The
// file name is traceback_err_<KIND>_<YYYY_MM_DD_hh_mm_ss>_<PID>.trb.
func writeTraceback(log *clog.CLogger, id argid.ID, kind string, jobErr error, trace string) {
	name := fmt.Sprintf("traceback_err_%s_%s_%d.trb",
		strings.ToUpper(kind), time.Now().Format("2006_01_02_15_04_05"), os.Getpid())
	content := fmt.Sprintf("argument id: %s\nerror: %v\n\n%s", id, jobErr, trace)
	if err := os.WriteFile(name, []byte(content), 0o644); err != nil {
		log.Errorf("writing traceback file %s: %v", name, err)
	}
}

// emergencyDump persists a result or fail message the coordinator
// could not be reached to report, so the job is not silently lost.
// The file name is <ISO8601>_pid_<PID>.
func emergencyDump(log *clog.CLogger, kind string, id argid.ID, blob []byte, transportErr error) {
	name := fmt.Sprintf("%s_pid_%d", time.Now().UTC().Format("2006-01-02T15:04:05.000000000Z"), os.Getpid())
	if err := os.WriteFile(name, blob, 0o644); err != nil {
		log.Errorf("emergency dump of %s message for %s failed (transport error was %v): %v", kind, id, transportErr, err)
		return
	}
	log.Warnf("could not reach coordinator for %s (%v); dumped %s message to %s", id, transportErr, kind, name)
}
