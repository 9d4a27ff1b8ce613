package syncer

import (
	"encoding/json"
	"fmt"
)

// Message kinds exchanged between terminals. The server is just another peer
// speaking the same protocol with higher trust.
const (
	KindChanges = "changes"
	KindAck     = "ack"
)

// SyncMessage is the wire envelope. Changes is an opaque serialized batch
// understood only by the document store's merge path — the engine never
// inspects its contents.
type SyncMessage struct {
	Kind         string `json:"kind"`
	FromTerminal string `json:"from_terminal"`
	ToTerminal   string `json:"to_terminal,omitempty"`
	Changes      []byte `json:"changes,omitempty"`
	Timestamp    int64  `json:"timestamp"`
	// Sequence is the sender's durable log position carried by this message
	// (UpToSeq for change batches). Receivers use it for gap detection and
	// echo it back in acks.
	Sequence uint64 `json:"sequence"`
}

// ChangeBatch is the payload inside SyncMessage.Changes: encoded change sets
// spanning (FromSeq, UpToSeq] of the sender's log.
type ChangeBatch struct {
	FromSeq uint64            `json:"from_seq"`
	UpToSeq uint64            `json:"up_to_seq"`
	Sets    []json.RawMessage `json:"sets"`
}

func (m *SyncMessage) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode sync message: %w", err)
	}
	return b, nil
}

func DecodeMessage(raw []byte) (*SyncMessage, error) {
	var m SyncMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode sync message: %w", err)
	}
	if m.FromTerminal == "" {
		return nil, fmt.Errorf("decode sync message: missing from_terminal")
	}
	switch m.Kind {
	case KindChanges, KindAck:
	default:
		return nil, fmt.Errorf("decode sync message: unknown kind %q", m.Kind)
	}
	return &m, nil
}

func decodeBatch(raw []byte) (*ChangeBatch, error) {
	var b ChangeBatch
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode change batch: %w", err)
	}
	return &b, nil
}
