// Package oplog encodes batches of CRDT operations for the wire and for the
// persisted operation log.
//
// The encoding is protobuf wire format written with protowire. Field 1 of
// every batch is the schema version so readers can refuse layouts they do not
// understand instead of misreading them.
package oplog

import (
	"errors"
	"fmt"
	"slices"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/serroba/scenesync/internal/crdt"
)

// SchemaVersion is the batch layout written by Encode.
const SchemaVersion = 1

// Batch fields.
const (
	batchVersion protowire.Number = 1
	batchOp      protowire.Number = 2
)

// Operation fields.
const (
	opReplica   protowire.Number = 1
	opClock     protowire.Number = 2
	opKind      protowire.Number = 3
	opTarget    protowire.Number = 4
	opAnchor    protowire.Number = 5
	opNodeKind  protowire.Number = 6
	opValue     protowire.Number = 7
	opAttr      protowire.Number = 8
	opKey       protowire.Number = 9
	opRemove    protowire.Number = 10
	opDependsOn protowire.Number = 11
)

// ID and attribute entry fields.
const (
	idReplica protowire.Number = 1
	idClock   protowire.Number = 2

	attrKey   protowire.Number = 1
	attrValue protowire.Number = 2
)

// DecodeErrorKind classifies decoding failures.
type DecodeErrorKind int

const (
	// Malformed means the bytes are not a valid batch.
	Malformed DecodeErrorKind = iota
	// UnsupportedVersion means the batch was written by an unknown layout.
	UnsupportedVersion
)

// String returns the string representation of the kind.
func (k DecodeErrorKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case UnsupportedVersion:
		return "unsupported_version"
	default:
		return "unknown"
	}
}

// DecodeError reports a batch that cannot be decoded. Receivers must resync
// rather than skip the batch.
type DecodeError struct {
	Kind    DecodeErrorKind
	Version uint64
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Kind == UnsupportedVersion {
		return fmt.Sprintf("oplog: unsupported schema version %d", e.Version)
	}

	return fmt.Sprintf("oplog: malformed batch: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

var errTruncated = errors.New("truncated field")

// Encode writes ops as one batch.
func Encode(ops []crdt.Operation) []byte {
	b := protowire.AppendTag(nil, batchVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, SchemaVersion)

	for _, op := range ops {
		b = protowire.AppendTag(b, batchOp, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeOp(op))
	}

	return b
}

func encodeOp(op crdt.Operation) []byte {
	var b []byte

	b = appendString(b, opReplica, string(op.ID.Replica))
	b = appendVarint(b, opClock, op.ID.Clock)
	b = appendVarint(b, opKind, uint64(op.Kind))
	b = appendID(b, opTarget, op.Target)
	b = appendID(b, opAnchor, op.Anchor)
	b = appendString(b, opNodeKind, op.Payload.NodeKind)
	b = appendString(b, opValue, op.Payload.Value)

	// Sorted so equal operations always encode to equal bytes.
	keys := make([]string, 0, len(op.Payload.Attrs))
	for key := range op.Payload.Attrs {
		keys = append(keys, key)
	}

	slices.Sort(keys)

	for _, key := range keys {
		var entry []byte
		entry = protowire.AppendTag(entry, attrKey, protowire.BytesType)
		entry = protowire.AppendString(entry, key)
		entry = appendString(entry, attrValue, op.Payload.Attrs[key])

		b = protowire.AppendTag(b, opAttr, protowire.BytesType)
		b = protowire.AppendBytes(b, entry)
	}

	b = appendString(b, opKey, op.Payload.Key)

	if op.Payload.Remove {
		b = appendVarint(b, opRemove, 1)
	}

	for _, dep := range op.DependsOn {
		b = protowire.AppendTag(b, opDependsOn, protowire.BytesType)
		b = protowire.AppendBytes(b, encodeID(dep))
	}

	return b
}

func encodeID(id crdt.OpID) []byte {
	b := appendString(nil, idReplica, string(id.Replica))

	return appendVarint(b, idClock, id.Clock)
}

func appendID(b []byte, num protowire.Number, id crdt.OpID) []byte {
	if id.IsZero() {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendBytes(b, encodeID(id))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.BytesType)

	return protowire.AppendString(b, s)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}

	b = protowire.AppendTag(b, num, protowire.VarintType)

	return protowire.AppendVarint(b, v)
}

// Decode reads a batch written by Encode.
func Decode(data []byte) ([]crdt.Operation, error) {
	var (
		ops        []crdt.Operation
		version    uint64
		hasVersion bool
	)

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		switch {
		case num == batchVersion && typ == protowire.VarintType:
			version, hasVersion = n, true

			if version != SchemaVersion {
				return &DecodeError{Kind: UnsupportedVersion, Version: version}
			}
		case num == batchOp && typ == protowire.BytesType:
			if !hasVersion {
				return errors.New("operation before schema version")
			}

			op, err := decodeOp(v)
			if err != nil {
				return err
			}

			ops = append(ops, op)
		}

		return nil
	})
	if err != nil {
		var de *DecodeError
		if errors.As(err, &de) {
			return nil, de
		}

		return nil, &DecodeError{Kind: Malformed, Err: err}
	}

	if !hasVersion {
		return nil, &DecodeError{Kind: Malformed, Err: errors.New("missing schema version")}
	}

	return ops, nil
}

func decodeOp(data []byte) (crdt.Operation, error) {
	var op crdt.Operation

	err := walkFields(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		var err error

		switch num {
		case opReplica:
			op.ID.Replica = crdt.ReplicaID(v)
		case opClock:
			op.ID.Clock = n
		case opKind:
			op.Kind = crdt.OpKind(n)
		case opTarget:
			op.Target, err = decodeID(v)
		case opAnchor:
			op.Anchor, err = decodeID(v)
		case opNodeKind:
			op.Payload.NodeKind = string(v)
		case opValue:
			op.Payload.Value = string(v)
		case opAttr:
			err = decodeAttr(v, &op.Payload)
		case opKey:
			op.Payload.Key = string(v)
		case opRemove:
			op.Payload.Remove = n != 0
		case opDependsOn:
			var dep crdt.OpID

			dep, err = decodeID(v)
			op.DependsOn = append(op.DependsOn, dep)
		}

		return err
	})

	return op, err
}

func decodeID(data []byte) (crdt.OpID, error) {
	var id crdt.OpID

	err := walkFields(data, func(num protowire.Number, _ protowire.Type, v []byte, n uint64) error {
		switch num {
		case idReplica:
			id.Replica = crdt.ReplicaID(v)
		case idClock:
			id.Clock = n
		}

		return nil
	})

	return id, err
}

func decodeAttr(data []byte, p *crdt.Payload) error {
	var key, value string

	err := walkFields(data, func(num protowire.Number, _ protowire.Type, v []byte, _ uint64) error {
		switch num {
		case attrKey:
			key = string(v)
		case attrValue:
			value = string(v)
		}

		return nil
	})
	if err != nil {
		return err
	}

	if p.Attrs == nil {
		p.Attrs = make(map[string]string)
	}

	p.Attrs[key] = value

	return nil
}

// walkFields calls fn for every field in data. Bytes fields pass their
// payload in v, varint fields their value in n. Unknown wire types are
// skipped.
func walkFields(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return protowire.ParseError(n)
		}

		data = data[n:]

		switch typ {
		case protowire.VarintType:
			v, m := protowire.ConsumeVarint(data)
			if m < 0 {
				return protowire.ParseError(m)
			}

			if err := fn(num, typ, nil, v); err != nil {
				return err
			}

			data = data[m:]
		case protowire.BytesType:
			v, m := protowire.ConsumeBytes(data)
			if m < 0 {
				return protowire.ParseError(m)
			}

			if err := fn(num, typ, v, 0); err != nil {
				return err
			}

			data = data[m:]
		default:
			m := protowire.ConsumeFieldValue(num, typ, data)
			if m < 0 {
				return fmt.Errorf("%w: %w", errTruncated, protowire.ParseError(m))
			}

			data = data[m:]
		}
	}

	return nil
}
