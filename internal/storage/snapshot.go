package storage

import (
	"encoding/json"
	"fmt"

	"github.com/serroba/scenesync/internal/crdt"
	"github.com/serroba/scenesync/internal/oplog"
)

// Key-value backends store snapshots as JSON and every logged operation as a
// single-op oplog batch keyed by its id.

func marshalSnapshot(snap Snapshot) ([]byte, error) {
	return json.Marshal(snap)
}

func unmarshalSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}

	return snap, nil
}

func marshalOp(op crdt.Operation) []byte {
	return oplog.Encode([]crdt.Operation{op})
}

func unmarshalOp(data []byte) (crdt.Operation, error) {
	ops, err := oplog.Decode(data)
	if err != nil {
		return crdt.Operation{}, err
	}

	if len(ops) != 1 {
		return crdt.Operation{}, fmt.Errorf("decode operation: expected 1 operation, got %d", len(ops))
	}

	return ops[0], nil
}
