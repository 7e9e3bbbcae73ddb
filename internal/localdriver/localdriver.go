// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package localdriver co-launches a coordinator and a worker controller
// in the same process, both pointed at localhost, for single-host use
// where a separate worker deployment is unnecessary ceremony.
package localdriver

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/distjob/dispatch/clog"
	"github.com/distjob/dispatch/internal/coordinator"
	"github.com/distjob/dispatch/internal/worker"
)

// Config configures a LocalDriver.
type Config struct {
	CoordinatorConfig coordinator.Config
	WorkerConfig      worker.Config

	// StartDelay is how long to wait after starting the coordinator
	// before the worker controller connects, giving the coordinator
	// time to bind its listener.
	StartDelay time.Duration
	// ShutdownTimeout bounds how long Run waits for the worker
	// controller to exit after the coordinator's main loop finishes;
	// past it the controller's children are signaled directly.
	ShutdownTimeout time.Duration
}

func (cfg *Config) setDefaults() {
	if cfg.StartDelay <= 0 {
		cfg.StartDelay = 200 * time.Millisecond
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
}

// LocalDriver runs a Coordinator and a worker Controller side by side
// in one process, composing the two rather than subclassing either.
type LocalDriver struct {
	cfg         Config
	Coordinator *coordinator.Coordinator
	controller  *worker.Controller
	log         *clog.CLogger
}

// New builds a LocalDriver. CoordinatorConfig.ListenAddr and
// WorkerConfig.CoordinatorAddr/Authkey are reconciled automatically: the
// worker always targets the coordinator's own listen address and authkey.
func New(cfg Config) (*LocalDriver, error) {
	cfg.setDefaults()
	c, err := coordinator.New(cfg.CoordinatorConfig)
	if err != nil {
		return nil, fmt.Errorf("localdriver: creating coordinator: %w", err)
	}
	cfg.WorkerConfig.CoordinatorAddr = cfg.CoordinatorConfig.ListenAddr
	cfg.WorkerConfig.Authkey = cfg.CoordinatorConfig.Authkey

	return &LocalDriver{
		cfg:         cfg,
		Coordinator: c,
		controller:  worker.New(cfg.WorkerConfig),
		log:         clog.New("localdriver "),
	}, nil
}

// PutArg forwards to the underlying coordinator.
func (d *LocalDriver) PutArg(arg any) error { return d.Coordinator.PutArg(arg) }

// PutArgs forwards to the underlying coordinator.
func (d *LocalDriver) PutArgs(args []any) error { return d.Coordinator.PutArgs(args) }

// Run starts the coordinator, waits StartDelay, starts the worker
// controller, and blocks until the coordinator's main loop exits
// (all work marked, or ctx canceled). The worker controller is then
// given ShutdownTimeout to exit on its own before Run returns anyway.
func (d *LocalDriver) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		err := d.Coordinator.Start(egCtx)
		// Bound how long the worker controller's children get to notice
		// job_q has gone empty and exit on their own before they are
		// signaled directly via egCtx cancellation.
		time.AfterFunc(d.cfg.ShutdownTimeout, cancel)
		return err
	})

	eg.Go(func() error {
		select {
		case <-time.After(d.cfg.StartDelay):
		case <-egCtx.Done():
			return nil
		}
		d.log.Printf("starting local worker controller against %s", d.cfg.WorkerConfig.CoordinatorAddr)
		return d.controller.Start(egCtx)
	})

	err := eg.Wait()
	if err != nil {
		d.log.Errorf("localdriver: %v", err)
	}
	return err
}
