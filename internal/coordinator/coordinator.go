// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package coordinator implements the Coordinator: it owns the
// ArgsContainer and result/failure queues, exposes them to workers over
// the wire, drives the main accounting loop, and snapshots state on
// shutdown.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/distjob/dispatch/clog"
	"github.com/distjob/dispatch/internal/argid"
	"github.com/distjob/dispatch/internal/container"
	"github.com/distjob/dispatch/internal/queue"
	"github.com/distjob/dispatch/internal/rpcmsg"
	"github.com/distjob/dispatch/internal/wire"
	"github.com/distjob/dispatch/internal/wireerr"
)

// Config configures a Coordinator.
type Config struct {
	ListenAddr string
	Authkey    []byte
	ConstArg   any

	SpillDir     string
	SnapshotPath string
	MsgInterval  time.Duration
	ResultQCap   int
	FailQCap     int

	// ProcessNewResult is invoked for every (arg, result) pair as it is
	// accounted for. Default behavior (nil) only appends to the
	// in-memory final result list.
	ProcessNewResult func(arg, result any)
	// ProcessFinalResult is invoked once during shutdown, before the
	// snapshot is written.
	ProcessFinalResult func()
}

func (cfg *Config) setDefaults() {
	if cfg.MsgInterval <= 0 {
		cfg.MsgInterval = 2 * time.Second
	}
}

type resultRecord struct {
	Arg    []byte
	Result []byte
}

type failRecord struct {
	ID       argid.ID
	Arg      []byte
	Kind     string
	Hostname string
}

// Coordinator is the job-dispatch server: it holds the ArgsContainer
// and the result/fail queues, serves them to workers over an
// authenticated wire.Server, and runs the main accounting loop.
type Coordinator struct {
	id  uuid.UUID
	log *clog.CLogger
	cfg Config

	args    *container.Container
	resultQ *queue.ClosableQueue
	failQ   *queue.ClosableQueue
	server  *wire.Server

	putMu sync.Mutex // serializes PutArg's check-then-insert

	mu           sync.Mutex // guards the fields below, touched only by the main loop + PutArg
	succeeded    int
	finalResult  []resultRecord
	drainedFails []failRecord

	cancel  context.CancelFunc
	doneCh  chan struct{}
	lastErr error
}

// New creates a Coordinator. The ArgsContainer and queues are created
// eagerly; the listener is bound only once Start is called.
func New(cfg Config) (*Coordinator, error) {
	cfg.setDefaults()

	args, err := container.New(container.Options{SpillDir: cfg.SpillDir})
	if err != nil {
		return nil, fmt.Errorf("coordinator: opening args container: %w", err)
	}

	id := uuid.New()
	c := &Coordinator{
		id:      id,
		log:     clog.New("coordinator[%s] ", id.String()[:8]),
		cfg:     cfg,
		args:    args,
		resultQ: queue.New(cfg.ResultQCap),
		failQ:   queue.New(cfg.FailQCap),
	}
	return c, nil
}

// ID returns the coordinator's instance identifier.
func (c *Coordinator) ID() uuid.UUID { return c.id }

// PutArg adds a fresh argument, incrementing the inserted count. A
// second PutArg with an id already known to the container — pending,
// gotten, or marked, even after a snapshot reload repopulated the id
// index — fails with wireerr.Duplicate.
func (c *Coordinator) PutArg(arg any) error {
	id, err := argid.Of(arg)
	if err != nil {
		return err
	}

	c.putMu.Lock()
	defer c.putMu.Unlock()

	if c.args.Known(id) {
		return wireerr.Duplicate
	}
	_, err = c.args.Put(arg)
	return err
}

// PutArgs is a convenience bulk PutArg. It inserts every argument it
// can and joins any errors encountered rather than stopping at the
// first duplicate.
func (c *Coordinator) PutArgs(args []any) error {
	var errs []error
	for _, a := range args {
		if err := c.PutArg(a); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// remaining is the main loop's exit condition:
// |inserted| − |marked| − |fail_q|. fail_q items are not auto-marked
// while queued, so they are subtracted directly here and only
// force-marked during shutdown accounting.
func (c *Coordinator) remaining() int {
	return c.args.NumInserted() - len(c.args.MarkedItems()) - c.failQ.Len()
}

// Start binds the listener, begins serving job_q/result_q/fail_q/
// const_arg to workers, and runs the main accounting loop until ctx is
// canceled or the invariant reaches zero. It always runs the shutdown
// sequence before returning, even on panic: the accounting block is
// printed and the panic re-raised once cleanup completes, so a crash
// still leaves a usable snapshot on disk.
func (c *Coordinator) Start(ctx context.Context) (err error) {
	c.doneCh = make(chan struct{})
	defer close(c.doneCh)

	defer func() {
		if r := recover(); r != nil {
			c.shutdown()
			c.lastErr = fmt.Errorf("coordinator: panic: %v", r)
			panic(r)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	defer cancel()

	c.server = wire.NewServer(c.cfg.Authkey, c.log)
	c.server.Register("job_q", jobQService{c})
	c.server.Register("result_q", resultQService{c})
	c.server.Register("fail_q", failQService{c})
	c.server.Register("const_arg", constArgService{c})

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		if serveErr := c.server.Serve(c.cfg.ListenAddr); serveErr != nil {
			return fmt.Errorf("coordinator: serve: %w", serveErr)
		}
		return nil
	})

	resultCh := make(chan rpcmsg.ResultMsg)
	eg.Go(func() error {
		for {
			v, getErr := c.resultQ.Get()
			if getErr != nil {
				return nil // closed: shutdown in progress
			}
			select {
			case resultCh <- v.(rpcmsg.ResultMsg):
			case <-egCtx.Done():
				return nil
			}
		}
	})

	ticker := time.NewTicker(c.cfg.MsgInterval)
	defer ticker.Stop()

	c.log.Printf("listening on %s, %d args to process", c.cfg.ListenAddr, c.args.NumInserted())

loop:
	for c.remaining() > 0 {
		select {
		case <-egCtx.Done():
			break loop
		case rm := <-resultCh:
			c.handleResult(rm)
		case <-ticker.C:
			c.log.Printf("progress: inserted=%d succeeded=%d pending=%d gotten=%d",
				c.args.NumInserted(), c.numSucceeded(), c.args.QSize(), len(c.args.GottenItems()))
		}
	}

	c.shutdown()
	if waitErr := eg.Wait(); waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		c.lastErr = waitErr
	}
	return c.lastErr
}

func (c *Coordinator) numSucceeded() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.succeeded
}

func (c *Coordinator) handleResult(rm rpcmsg.ResultMsg) {
	if err := c.args.Mark(rm.ID); err != nil && !errors.Is(err, wireerr.Remark) {
		c.log.Warnf("mark %s after result: %v", rm.ID, err)
	}

	var arg, result any
	_ = argid.Decode(rm.Arg, &arg)
	_ = argid.Decode(rm.Result, &result)

	c.mu.Lock()
	c.succeeded++
	c.finalResult = append(c.finalResult, resultRecord{Arg: rm.Arg, Result: rm.Result})
	c.mu.Unlock()

	if c.cfg.ProcessNewResult != nil {
		c.cfg.ProcessNewResult(arg, result)
	}
}

// Close requests a graceful shutdown and waits for Start to return.
// Calling Close before Start is a no-op; calling it twice is safe.
func (c *Coordinator) Close() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.doneCh != nil {
		<-c.doneCh
	}
	return c.lastErr
}

// shutdown runs the coordinator's teardown sequence: final-result hook,
// fail_q drain, snapshot, then closing the server and queues. It is
// idempotent enough to be safe if called twice (Close followed by loop
// exit), since every step it performs is itself idempotent.
func (c *Coordinator) shutdown() {
	if c.cfg.ProcessFinalResult != nil {
		c.cfg.ProcessFinalResult()
	}

	c.drainFailQ()

	if c.cfg.SnapshotPath != "" {
		if err := c.writeSnapshot(c.cfg.SnapshotPath); err != nil {
			c.log.Errorf("writing snapshot to %s: %v", c.cfg.SnapshotPath, err)
		}
	}

	if c.server != nil {
		c.server.Close()
	}
	c.resultQ.Close()
	c.failQ.Close()

	c.printAccounting()
	if err := c.args.Close(); err != nil {
		c.log.Errorf("closing args container: %v", err)
	}
}

// drainFailQ pulls every buffered fail_q entry and force-marks it, so
// failed arguments count toward the marked total once shutdown starts.
func (c *Coordinator) drainFailQ() {
	for {
		v, err := c.failQ.TryGet()
		if err != nil {
			return
		}
		fm := v.(rpcmsg.FailMsg)
		c.mu.Lock()
		c.drainedFails = append(c.drainedFails, failRecord{ID: fm.ID, Arg: fm.Arg, Kind: fm.Kind, Hostname: fm.Hostname})
		c.mu.Unlock()
		c.args.ForceMark(fm.ID)
	}
}

func (c *Coordinator) printAccounting() {
	c.mu.Lock()
	failed := len(c.drainedFails)
	succeeded := c.succeeded
	c.mu.Unlock()

	inserted := c.args.NumInserted()
	queued := c.args.QSize()
	gotten := len(c.args.GottenItems())
	fmt.Printf("accounting: inserted=%d succeeded=%d failed=%d queued=%d gotten=%d\n",
		inserted, succeeded, failed, queued, gotten)
}
