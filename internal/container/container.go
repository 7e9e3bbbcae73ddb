// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

// Package container implements ArgsContainer, the identity-preserving
// argument queue shared between the coordinator and, via the wire
// layer, every connected worker.
package container

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	bolt "go.etcd.io/bbolt"

	"github.com/distjob/dispatch/internal/argid"
	"github.com/distjob/dispatch/internal/wireerr"
)

var argsBucket = []byte("args")

// Options configures a new Container.
type Options struct {
	// SpillDir, if non-empty, backs the id->argument map with a bbolt
	// file at SpillDir/args.db instead of an in-memory map. bbolt's
	// advisory file lock enforces that no two instances can open the
	// same directory at once.
	SpillDir string
}

// Container is ArgsContainer: an insertion-ordered, identity-preserving
// queue of arguments with pending/gotten/marked state per id.
type Container struct {
	mu sync.Mutex

	order   []argid.ID // insertion order, full history
	pending []argid.ID // FIFO of ids awaiting Get, subset of order
	gotten  map[argid.ID]struct{}
	marked  map[argid.ID]struct{}

	values map[argid.ID][]byte // in-memory store, nil when spilling
	db     *bolt.DB            // disk store, nil when in-memory

	closed   bool
	notifyCh chan struct{} // closed and replaced on every Put/Close to wake blocked Get calls
}

// New creates an empty Container. When opts.SpillDir is set, the
// argument store is backed by bbolt on disk; otherwise it lives in
// memory only.
func New(opts Options) (*Container, error) {
	c := &Container{
		gotten:   make(map[argid.ID]struct{}),
		marked:   make(map[argid.ID]struct{}),
		notifyCh: make(chan struct{}),
	}

	if opts.SpillDir == "" {
		c.values = make(map[argid.ID][]byte)
		return c, nil
	}

	if err := os.MkdirAll(opts.SpillDir, 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(filepath.Join(opts.SpillDir, "args.db"), 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(argsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	c.db = db
	return c, nil
}

func (c *Container) storeGet(id argid.ID) ([]byte, error) {
	if c.values != nil {
		b, ok := c.values[id]
		if !ok {
			return nil, wireerr.Unexpected
		}
		return b, nil
	}
	var out []byte
	err := c.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(argsBucket).Get([]byte(id))
		if v == nil {
			return wireerr.Unexpected
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

func (c *Container) storePut(id argid.ID, b []byte) error {
	if c.values != nil {
		c.values[id] = b
		return nil
	}
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(argsBucket).Put([]byte(id), b)
	})
}

// Put inserts a fresh argument, transitioning ∅→pending, or re-queues a
// gotten argument, transitioning gotten→pending. Putting an already
// pending id is a no-op. Putting a marked id fails with
// wireerr.AlreadyMarked.
func (c *Container) Put(arg any) (argid.ID, error) {
	b, err := argid.Encode(arg)
	if err != nil {
		return "", err
	}
	id, err := argid.Of(arg)
	if err != nil {
		return "", err
	}
	return id, c.PutBytes(id, b)
}

// PutBytes is Put's argument-agnostic core: it operates directly on an
// id and its canonical CBOR encoding, so a caller that already holds
// both (a worker re-queuing the exact bytes it was handed by Get, or a
// snapshot restore) never needs to decode into a concrete Go type.
func (c *Container) PutBytes(id argid.ID, b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return wireerr.Closed
	}
	if _, ok := c.marked[id]; ok {
		return wireerr.AlreadyMarked
	}
	if _, ok := c.gotten[id]; ok {
		delete(c.gotten, id)
		c.pending = append(c.pending, id)
		c.wakeLocked()
		return nil
	}
	if c.isKnown(id) {
		// already pending: no-op re-put.
		return nil
	}

	if err := c.storePut(id, b); err != nil {
		return err
	}
	c.order = append(c.order, id)
	c.pending = append(c.pending, id)
	c.wakeLocked()
	return nil
}

// Known reports whether id has ever been inserted (pending, gotten, or
// marked), used by the coordinator's user-facing PutArg to reject
// duplicates unconditionally rather than silently re-queuing them.
func (c *Container) Known(id argid.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.isKnown(id)
}

// wakeLocked wakes every blocked Get call. Caller must hold c.mu.
func (c *Container) wakeLocked() {
	close(c.notifyCh)
	c.notifyCh = make(chan struct{})
}

// isKnown reports whether id has ever been inserted (pending, gotten, or
// marked). Caller must hold c.mu.
func (c *Container) isKnown(id argid.ID) bool {
	for _, o := range c.order {
		if o == id {
			return true
		}
	}
	return false
}

// Get pops the oldest pending id, transitions it to gotten, and returns
// it with its argument's canonical CBOR encoding. When block is true, Get waits up to timeout (0
// means forever) for an item to become pending; otherwise it returns
// wireerr.Empty immediately if none is pending.
func (c *Container) Get(ctx context.Context, block bool, timeout time.Duration) (argid.ID, []byte, error) {
	c.mu.Lock()
	if !block {
		defer c.mu.Unlock()
		return c.popPendingLocked()
	}

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	for len(c.pending) == 0 && !c.closed {
		wake := c.notifyCh
		c.mu.Unlock()

		select {
		case <-wake:
		case <-timeoutCh:
			c.mu.Lock()
			return "", nil, wireerr.Empty
		case <-ctxDone(ctx):
			c.mu.Lock()
			return "", nil, ctx.Err()
		}
		c.mu.Lock()
	}
	defer c.mu.Unlock()
	return c.popPendingLocked()
}

// ctxDone returns ctx.Done() or a nil (never-ready) channel when ctx is nil.
func ctxDone(ctx context.Context) <-chan struct{} {
	if ctx == nil {
		return nil
	}
	return ctx.Done()
}

func (c *Container) popPendingLocked() (argid.ID, []byte, error) {
	if c.closed {
		return "", nil, wireerr.Closed
	}
	if len(c.pending) == 0 {
		return "", nil, wireerr.Empty
	}
	id := c.pending[0]
	c.pending = c.pending[1:]
	c.gotten[id] = struct{}{}
	b, err := c.storeGet(id)
	if err != nil {
		return "", nil, err
	}
	return id, b, nil
}

// Mark acknowledges id as finished, transitioning gotten→marked.
// Marking an id not currently gotten fails with wireerr.NotGotten,
// except that remarking an already-marked id is reported as
// wireerr.Remark, a warning rather than a state change.
func (c *Container) Mark(id argid.ID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return wireerr.Closed
	}
	if _, ok := c.marked[id]; ok {
		return wireerr.Remark
	}
	if _, ok := c.gotten[id]; !ok {
		return wireerr.NotGotten
	}
	delete(c.gotten, id)
	c.marked[id] = struct{}{}
	return nil
}

// ForceMark marks id regardless of its current state, moving it out of
// pending or gotten directly into marked. Used when reconciling drained
// fail_q contents into the accounting at shutdown and snapshot reload,
// so a failed argument counts as finished rather than left outstanding.
func (c *Container) ForceMark(id argid.ID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.gotten, id)
	for i, p := range c.pending {
		if p == id {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			break
		}
	}
	c.marked[id] = struct{}{}
}

// QSize returns the number of pending ids.
func (c *Container) QSize() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// NumInserted returns the total number of distinct ids ever inserted.
func (c *Container) NumInserted() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.order)
}

// GottenItems returns the ids currently handed out and unacknowledged.
func (c *Container) GottenItems() []argid.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]argid.ID, 0, len(c.gotten))
	for id := range c.gotten {
		out = append(out, id)
	}
	return out
}

// MarkedItems returns the ids acknowledged as finished.
func (c *Container) MarkedItems() []argid.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]argid.ID, 0, len(c.marked))
	for id := range c.marked {
		out = append(out, id)
	}
	return out
}

// UnmarkedItems returns every id not yet marked, i.e. pending ∪ gotten.
func (c *Container) UnmarkedItems() []argid.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]argid.ID, 0, len(c.pending)+len(c.gotten))
	out = append(out, c.pending...)
	for id := range c.gotten {
		out = append(out, id)
	}
	return out
}

// Close marks the container closed; subsequent Put/Get fail with
// wireerr.Closed. Idempotent.
func (c *Container) Close() error {
	c.mu.Lock()
	c.closed = true
	c.wakeLocked()
	c.mu.Unlock()

	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

// Clear closes the container, then removes its spill file, if any.
func (c *Container) Clear(spillDir string) error {
	if err := c.Close(); err != nil {
		return err
	}
	if spillDir != "" {
		return os.RemoveAll(spillDir)
	}
	return nil
}

// snapshotRecord is the wire/disk form of a Container's full state.
type snapshotRecord struct {
	Order  []argid.ID
	Store  map[argid.ID][]byte
	Marked []argid.ID
}

// Snapshot writes the container's complete state — insertion order,
// every stored argument, and the marked id set — to w as CBOR. Pending
// and gotten are intentionally not persisted directly: on Restore they
// are re-derived as order \ marked, so interrupted gotten items (in
// flight to a worker when the snapshot was taken) are re-offered
// instead of lost.
func (c *Container) Snapshot(w io.Writer) error {
	c.mu.Lock()
	rec := snapshotRecord{
		Order:  append([]argid.ID(nil), c.order...),
		Store:  make(map[argid.ID][]byte, len(c.order)),
		Marked: make([]argid.ID, 0, len(c.marked)),
	}
	for id := range c.marked {
		rec.Marked = append(rec.Marked, id)
	}
	ids := append([]argid.ID(nil), c.order...)
	c.mu.Unlock()

	for _, id := range ids {
		b, err := c.storeGet(id)
		if err != nil {
			return err
		}
		rec.Store[id] = b
	}

	enc, err := cbor.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = w.Write(enc)
	return err
}

// Restore replaces the container's state with the snapshot read from r.
// failedIDs additionally force-marks ids drained from a coordinator's
// fail_q, so they are accounted as finished rather than re-offered as
// pending; pass nil when restoring a bare container snapshot with no
// associated fail_q.
func Restore(r io.Reader, opts Options, failedIDs []argid.ID) (*Container, error) {
	enc, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var rec snapshotRecord
	if err := cbor.Unmarshal(enc, &rec); err != nil {
		return nil, err
	}

	c, err := New(opts)
	if err != nil {
		return nil, err
	}

	marked := make(map[argid.ID]struct{}, len(rec.Marked))
	for _, id := range rec.Marked {
		marked[id] = struct{}{}
	}
	for _, id := range failedIDs {
		marked[id] = struct{}{}
	}

	c.order = rec.Order
	c.marked = marked
	for _, id := range rec.Order {
		if err := c.storePut(id, rec.Store[id]); err != nil {
			return nil, err
		}
		if _, done := marked[id]; !done {
			c.pending = append(c.pending, id)
		}
	}
	return c, nil
}
