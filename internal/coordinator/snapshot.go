// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

package coordinator

import (
	"bytes"
	"fmt"
	"os"

	"github.com/fxamacker/cbor/v2"

	"github.com/distjob/dispatch/internal/argid"
	"github.com/distjob/dispatch/internal/container"
)

// SnapshotData is the on-disk snapshot file layout: counts first,
// then final_result, then the argument container's own order/store/marked
// record, then drained fail_q contents. It is self-describing and can
// be read by LoadSnapshot with no coordinator running.
type SnapshotData struct {
	NumInserted       int
	NumSucceeded      int
	FinalResult       []resultRecord
	ContainerSnapshot []byte
	DrainedFails      []failRecord
}

// writeSnapshot serializes the coordinator's current state to path.
func (c *Coordinator) writeSnapshot(path string) error {
	var containerBuf bytes.Buffer
	if err := c.args.Snapshot(&containerBuf); err != nil {
		return fmt.Errorf("coordinator: snapshotting args container: %w", err)
	}

	c.mu.Lock()
	data := SnapshotData{
		NumInserted:       c.args.NumInserted(),
		NumSucceeded:      c.succeeded,
		FinalResult:       append([]resultRecord(nil), c.finalResult...),
		ContainerSnapshot: containerBuf.Bytes(),
		DrainedFails:      append([]failRecord(nil), c.drainedFails...),
	}
	c.mu.Unlock()

	enc, err := cbor.Marshal(data)
	if err != nil {
		return fmt.Errorf("coordinator: encoding snapshot: %w", err)
	}
	return os.WriteFile(path, enc, 0o644)
}

// LoadSnapshot reads and decodes a snapshot file with no coordinator
// instance involved, so external tooling can inspect a snapshot
// without standing up a server.
func LoadSnapshot(path string) (*SnapshotData, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var data SnapshotData
	if err := cbor.Unmarshal(b, &data); err != nil {
		return nil, fmt.Errorf("coordinator: decoding snapshot: %w", err)
	}
	return &data, nil
}

// ReadOldState loads a snapshot written by writeSnapshot and replaces
// this coordinator's args container and counters with the restored
// state. Failed ids drained before the snapshot was taken are
// force-marked during restore (container.Restore's failedIDs
// parameter), so the re-derived pending set already excludes them. It
// then re-validates the pending+gotten+marked == inserted invariant,
// surfacing corruption as an error rather than continuing on
// inconsistent state.
func (c *Coordinator) ReadOldState(path string) error {
	data, err := LoadSnapshot(path)
	if err != nil {
		return err
	}

	failedIDs := make([]argid.ID, 0, len(data.DrainedFails))
	for _, f := range data.DrainedFails {
		failedIDs = append(failedIDs, f.ID)
	}

	restored, err := container.Restore(bytes.NewReader(data.ContainerSnapshot), container.Options{SpillDir: c.cfg.SpillDir}, failedIDs)
	if err != nil {
		return fmt.Errorf("coordinator: restoring args container: %w", err)
	}

	total := restored.QSize() + len(restored.GottenItems()) + len(restored.MarkedItems())
	if total != restored.NumInserted() {
		return fmt.Errorf("coordinator: snapshot invariant violated: pending(%d)+gotten(%d)+marked(%d) != inserted(%d)",
			restored.QSize(), len(restored.GottenItems()), len(restored.MarkedItems()), restored.NumInserted())
	}

	c.mu.Lock()
	c.args = restored
	c.succeeded = data.NumSucceeded
	c.finalResult = append([]resultRecord(nil), data.FinalResult...)
	c.drainedFails = nil
	c.mu.Unlock()
	return nil
}
