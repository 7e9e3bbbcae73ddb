// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package worker

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/distjob/dispatch/clog"
)

// ChildFlag is the hidden flag the controller passes to its re-exec'd
// children; MaybeRunChild looks for it in os.Args to dispatch into
// RunChild instead of the controller's normal startup.
const ChildFlag = "dispatch-worker-child"

// shutdownSignal is sent to a child on controller shutdown so it can
// re-queue its in-flight argument before exiting (see RunChild).
var shutdownSignal os.Signal = syscall.SIGTERM

// Config configures a Controller: the pool of child processes that
// actually fetch and execute jobs.
type Config struct {
	CoordinatorAddr string
	Authkey         []byte
	FuncName        string

	// Nproc selects the pool size: >0 is that many children, 0 is every
	// available CPU core, <0 is cores minus |Nproc| (an error if the
	// result is not positive).
	Nproc int
	// NJobs caps successful completions per child; <= 0 is unbounded.
	NJobs int
	// Niceness is the nice value each child sets for itself at startup
	// (0 leaves it unchanged); failure to apply it is logged, never fatal.
	Niceness int

	JobQTimeout    time.Duration
	ResultQTimeout time.Duration
	FailQTimeout   time.Duration

	PingRetry      int
	PingTimeout    time.Duration
	ConnectTimeout time.Duration
	ReconnectTries int
	ReconnectWait  time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.JobQTimeout <= 0 {
		cfg.JobQTimeout = 5 * time.Second
	}
	if cfg.ResultQTimeout <= 0 {
		cfg.ResultQTimeout = 10 * time.Second
	}
	if cfg.FailQTimeout <= 0 {
		cfg.FailQTimeout = 10 * time.Second
	}
}

// Controller is the worker's controller process: it resolves the pool
// size and re-execs itself once per child.
type Controller struct {
	cfg Config
	log *clog.CLogger
}

// New creates a Controller.
func New(cfg Config) *Controller {
	cfg.setDefaults()
	return &Controller{cfg: cfg, log: clog.New("worker-controller ")}
}

// resolveNproc turns Config.Nproc into an actual pool size: positive
// values are taken literally, zero means every core, negative values
// reserve |Nproc| cores for other work.
func (c *Controller) resolveNproc() (int, error) {
	switch {
	case c.cfg.Nproc > 0:
		return c.cfg.Nproc, nil
	case c.cfg.Nproc == 0:
		return runtime.NumCPU(), nil
	default:
		n := runtime.NumCPU() + c.cfg.Nproc
		if n <= 0 {
			return 0, fmt.Errorf("worker: cores(%d) - %d <= 0", runtime.NumCPU(), -c.cfg.Nproc)
		}
		return n, nil
	}
}

// Start spawns the local pool and blocks until every child has exited
// or ctx is canceled, in which case children are asked to terminate
// and Start waits for them before returning.
func (c *Controller) Start(ctx context.Context) error {
	n, err := c.resolveNproc()
	if err != nil {
		return err
	}
	c.log.Printf("starting %d worker children for function %q against %s", n, c.cfg.FuncName, c.cfg.CoordinatorAddr)

	eg, egCtx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		eg.Go(func() error {
			return c.spawnChild(egCtx, i)
		})
	}
	return eg.Wait()
}

// spawnChild re-execs the controller's own binary as a worker child:
// Go has no fork-a-running-process primitive, so the child is a fresh
// process image of the same compiled binary instead, looking its
// compute function up with Lookup at startup. The authkey is
// handed to the child over an inherited pipe (fd 3), never as an argv
// entry or environment variable, so it cannot leak through `ps`.
func (c *Controller) spawnChild(ctx context.Context, index int) error {
	r, w, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("worker: creating authkey pipe for child %d: %w", index, err)
	}

	args := []string{
		"-" + ChildFlag,
		"-func=" + c.cfg.FuncName,
		"-coordinator=" + c.cfg.CoordinatorAddr,
		"-index=" + strconv.Itoa(index),
		"-njobs=" + strconv.Itoa(c.cfg.NJobs),
		"-niceness=" + strconv.Itoa(c.cfg.Niceness),
		"-job-timeout=" + c.cfg.JobQTimeout.String(),
		"-result-timeout=" + c.cfg.ResultQTimeout.String(),
		"-fail-timeout=" + c.cfg.FailQTimeout.String(),
		"-ping-retry=" + strconv.Itoa(c.cfg.PingRetry),
		"-reconnect-tries=" + strconv.Itoa(c.cfg.ReconnectTries),
	}

	cmd := exec.Command(os.Args[0], args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{r}

	if err := cmd.Start(); err != nil {
		r.Close()
		w.Close()
		return fmt.Errorf("worker: starting child %d: %w", index, err)
	}
	r.Close()
	if _, err := w.Write(c.cfg.Authkey); err != nil {
		w.Close()
		return fmt.Errorf("worker: writing authkey to child %d: %w", index, err)
	}
	w.Close()

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	select {
	case <-ctx.Done():
		_ = cmd.Process.Signal(shutdownSignal)
		<-waitCh
		return nil
	case err := <-waitCh:
		if err != nil {
			c.log.Warnf("child %d exited: %v", index, err)
		}
		return nil
	}
}
