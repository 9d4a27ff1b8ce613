package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// ChangeSet is one causally-ordered batch of ops produced by a single local
// mutation. It is the unit of persistence, transmission and replay: applying
// the same change set twice is a no-op (deduplicated by ID).
type ChangeSet struct {
	ID         string `json:"id"`
	TerminalID string `json:"terminal_id"`
	// Seq is the per-terminal sequence number, used by peers to detect gaps.
	Seq       uint64 `json:"seq"`
	Timestamp int64  `json:"timestamp"` // unix millis, monotonic per terminal
	Ops       []Op   `json:"ops"`
	// Signature is an opaque attestation attached to change sets that must be
	// non-repudiable (register close). Empty otherwise.
	Signature string `json:"signature,omitempty"`
}

// LocalOnly reports whether every op in the set is terminal-local. Sets with
// mixed visibility are never produced: the store splits them at apply time.
func (cs *ChangeSet) LocalOnly() bool {
	for _, op := range cs.Ops {
		if !op.LocalOnly() {
			return false
		}
	}
	return len(cs.Ops) > 0
}

// Encode serializes the change set for the wire and the change log.
func (cs *ChangeSet) Encode() ([]byte, error) {
	b, err := json.Marshal(cs)
	if err != nil {
		return nil, fmt.Errorf("encode change set %s: %w", cs.ID, err)
	}
	return b, nil
}

// Checksum returns the hex SHA-256 of the encoded set, stored alongside the
// log record and verified on replay.
func (cs *ChangeSet) Checksum() (string, error) {
	b, err := cs.Encode()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// DecodeChangeSet parses and validates a serialized change set. Partial or
// malformed payloads are rejected before any op reaches the merge path.
func DecodeChangeSet(raw []byte) (*ChangeSet, error) {
	var cs ChangeSet
	if err := json.Unmarshal(raw, &cs); err != nil {
		return nil, fmt.Errorf("decode change set: %w", err)
	}
	if cs.ID == "" || cs.TerminalID == "" {
		return nil, fmt.Errorf("decode change set: missing id or terminal id")
	}
	for i, op := range cs.Ops {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("decode change set %s: op %d: %w", cs.ID, i, err)
		}
	}
	return &cs, nil
}

// VerifyChecksum re-encodes raw and compares against want.
func VerifyChecksum(raw []byte, want string) bool {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]) == want
}

// ChecksumOf returns the hex SHA-256 of raw bytes.
func ChecksumOf(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
