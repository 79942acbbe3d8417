package ws

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/serroba/scenesync/internal/awareness"
	"github.com/serroba/scenesync/internal/crdt"
)

// Kind identifies the kind of WebSocket message.
type Kind string

const (
	// Client to Server messages.
	KindJoin          Kind = "join"           // Client announces its replica and summary
	KindUpdate        Kind = "update"         // Client submits an encoded op batch
	KindSave          Kind = "save"           // Client asks for a durable snapshot
	KindState         Kind = "state"          // Client pushes full state the server is missing
	KindResyncRequest Kind = "resync_request" // Either side asks the other to resync

	// Server to Client messages.
	KindSyncState Kind = "sync_state" // Delta ops or full state for a joiner
	KindAck       Kind = "ack"        // Server confirms an update was integrated
	KindSaved     Kind = "saved"      // Snapshot stored
	KindError     Kind = "error"      // Server reports an error

	// Both directions.
	KindAwareness Kind = "awareness" // Ephemeral presence
)

// Message is the envelope for all WebSocket communication.
type Message struct {
	Kind       Kind            `json:"kind"`
	DocumentID string          `json:"documentId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// ErrUnknownKind is returned for messages whose kind is not recognised.
var ErrUnknownKind = errors.New("unknown message kind")

// NewMessage builds an envelope around payload.
func NewMessage(kind Kind, docID string, payload any) (Message, error) {
	msg := Message{Kind: kind, DocumentID: docID}

	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Message{}, err
		}

		msg.Payload = data
	}

	return msg, nil
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}

	return json.Unmarshal(m.Payload, v)
}

// Valid reports whether the kind is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindJoin, KindUpdate, KindSave, KindState, KindResyncRequest,
		KindSyncState, KindAck, KindSaved, KindError, KindAwareness:
		return true
	default:
		return false
	}
}

// JoinPayload is sent on connect and after every reconnect.
type JoinPayload struct {
	ReplicaID crdt.ReplicaID      `json:"replicaId"`
	Summary   crdt.VersionSummary `json:"summary"`
	Name      string              `json:"name,omitempty"`
}

// SyncMode tells the joiner how to apply a sync_state message.
type SyncMode string

const (
	SyncDelta SyncMode = "delta"
	SyncFull  SyncMode = "full"
)

// SyncStatePayload answers a join or a resync request.
type SyncStatePayload struct {
	Mode    SyncMode            `json:"mode"`
	Ops     []byte              `json:"ops,omitempty"`   // Encoded batch for delta mode
	State   []byte              `json:"state,omitempty"` // Serialized state for full mode
	Summary crdt.VersionSummary `json:"summary"`
	Peers   []awareness.State   `json:"peers,omitempty"`
}

// UpdatePayload carries one encoded op batch.
type UpdatePayload struct {
	Ops []byte `json:"ops"`
}

// AckPayload confirms an update; the client drops queued ops it covers.
type AckPayload struct {
	Summary crdt.VersionSummary `json:"summary"`
}

// ResyncRequestPayload explains why a resync is needed. Summary is what the
// sender holds, so the receiver can push everything beyond it.
type ResyncRequestPayload struct {
	Reason  string              `json:"reason"`
	Summary crdt.VersionSummary `json:"summary,omitempty"`
}

// SavedPayload confirms a durable snapshot.
type SavedPayload struct {
	SnapshotID string              `json:"snapshotId"`
	Summary    crdt.VersionSummary `json:"summary"`
	CapturedAt time.Time           `json:"capturedAt"`
}

// ErrorPayload reports an error to the client.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Error codes.
const (
	ErrorCodeAccessDenied      = "access_denied"
	ErrorCodeInvalidMessage    = "invalid_message"
	ErrorCodeInternalError     = "internal_error"
	ErrorCodePersistenceFailed = "persistence_failed"
	ErrorCodeRoomClosed        = "room_closed"
)

// Resync reasons.
const (
	ReasonDecode = "decode_error"
	ReasonGap    = "causal_gap"
	ReasonState  = "bad_state"
)
