package tap

import "encoding/json"

const (
	EventTypeRecord   = "record"
	EventTypeIdentity = "identity"
)

const (
	ActionCreate = "create"
	ActionUpdate = "update"
	ActionDelete = "delete"
)

// Event is one envelope from the tap channel. Exactly one of Record or
// Identity is set, matching Type.
type Event struct {
	ID   uint64 `json:"id"`
	Type string `json:"type"`

	Record   *RecordEvent   `json:"record,omitempty"`
	Identity *IdentityEvent `json:"identity,omitempty"`
}

// RecordEvent represents a record creation, update, or deletion in a
// repository. Record stays an opaque buffer until the event has been
// routed to a collection-specific handler.
type RecordEvent struct {
	Live       bool            `json:"live"`
	Did        string          `json:"did"`
	Rev        string          `json:"rev"`
	Collection string          `json:"collection"`
	Rkey       string          `json:"rkey"`
	Action     string          `json:"action"`
	Record     json.RawMessage `json:"record,omitempty"`
	Cid        string          `json:"cid,omitempty"`
}

// IdentityEvent represents an account status or handle change.
type IdentityEvent struct {
	Did      string `json:"did"`
	Handle   string `json:"handle"`
	IsActive bool   `json:"is_active"`
	Status   string `json:"status"`
}

// ackPayload is written back on the channel once an event has been fully
// handled.
type ackPayload struct {
	Type string `json:"type"` // always "ack"
	ID   uint64 `json:"id"`
}

func newACKPayload(id uint64) *ackPayload {
	return &ackPayload{
		Type: "ack",
		ID:   id,
	}
}
