// Package audit implements the tamper-evident decision trail: every
// verdict, balance transition, emergency stop and profile swap becomes an
// immutable hash-chained record. Records are canonicalized with RFC 8785
// (JCS) before hashing so the chain survives JSON re-encoding, and may be
// ed25519-signed for off-robot attestation.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

var (
	ErrRecordNotFound = errors.New("audit: record not found")
	ErrChainBroken    = errors.New("audit: hash chain is broken")
)

// genesisHash anchors the first record of every trail.
const genesisHash = "genesis"

// Kind categorizes audit records.
type Kind string

const (
	KindValidation  Kind = "validation"
	KindAssessment  Kind = "assessment"
	KindEstop       Kind = "estop"
	KindReset       Kind = "reset"
	KindProfileSwap Kind = "profile_swap"
)

// Record is a single immutable entry in the decision trail. RecordHash
// covers every field except itself and the signature; PrevHash makes the
// trail a chain.
type Record struct {
	ID          string          `json:"id"`
	Sequence    uint64          `json:"sequence"`
	Timestamp   time.Time       `json:"timestamp"`
	RobotID     string          `json:"robot_id"`
	SessionID   string          `json:"session_id"`
	Kind        Kind            `json:"kind"`
	Subject     string          `json:"subject"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PayloadHash string          `json:"payload_hash"`
	PrevHash    string          `json:"prev_hash"`
	RecordHash  string          `json:"record_hash"`
	Signature   string          `json:"signature,omitempty"`
	KeyID       string          `json:"key_id,omitempty"`
}

// canonicalHash returns sha256:<hex> over the JCS canonical form of v.
func canonicalHash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("audit: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// recordHash computes the chain hash of r: its canonical form minus
// RecordHash and Signature.
func recordHash(r *Record) (string, error) {
	hashable := struct {
		ID          string    `json:"id"`
		Sequence    uint64    `json:"sequence"`
		Timestamp   time.Time `json:"timestamp"`
		RobotID     string    `json:"robot_id"`
		SessionID   string    `json:"session_id"`
		Kind        Kind      `json:"kind"`
		Subject     string    `json:"subject"`
		PayloadHash string    `json:"payload_hash"`
		PrevHash    string    `json:"prev_hash"`
	}{
		ID:          r.ID,
		Sequence:    r.Sequence,
		Timestamp:   r.Timestamp,
		RobotID:     r.RobotID,
		SessionID:   r.SessionID,
		Kind:        r.Kind,
		Subject:     r.Subject,
		PayloadHash: r.PayloadHash,
		PrevHash:    r.PrevHash,
	}
	return canonicalHash(hashable)
}

// RecordHandler is called for every appended record, under the trail lock;
// handlers must not call back into the trail.
type RecordHandler func(*Record)

// Trail is an append-only hash-chained record log for one supervision
// session. Safe for concurrent use.
type Trail struct {
	mu       sync.RWMutex
	robotID  string
	session  string
	records  []*Record
	byID     map[string]*Record
	sequence uint64
	head     string
	signer   *Signer
	handlers []RecordHandler
}

// Option configures a Trail.
type Option func(*Trail)

// WithSigner makes the trail sign every record hash it appends.
func WithSigner(s *Signer) Option {
	return func(t *Trail) { t.signer = s }
}

// NewTrail creates an empty trail for one robot session.
func NewTrail(robotID, sessionID string, opts ...Option) *Trail {
	t := &Trail{
		robotID: robotID,
		session: sessionID,
		byID:    make(map[string]*Record),
		head:    genesisHash,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// AddHandler registers a handler for newly appended records. Handlers
// typically persist records to a SQLiteStore or publish them.
func (t *Trail) AddHandler(h RecordHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handlers = append(t.handlers, h)
}

// Append serializes payload and appends a new chained record.
func (t *Trail) Append(kind Kind, subject string, payload any) (*Record, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("audit: serialize payload: %w", err)
	}
	payloadHash, err := canonicalHash(payload)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	t.sequence++
	r := &Record{
		ID:          uuid.New().String(),
		Sequence:    t.sequence,
		Timestamp:   time.Now().UTC(),
		RobotID:     t.robotID,
		SessionID:   t.session,
		Kind:        kind,
		Subject:     subject,
		Payload:     payloadBytes,
		PayloadHash: payloadHash,
		PrevHash:    t.head,
	}

	hash, err := recordHash(r)
	if err != nil {
		t.sequence--
		return nil, err
	}
	r.RecordHash = hash

	if t.signer != nil {
		sig, err := t.signer.Sign([]byte(r.RecordHash))
		if err != nil {
			t.sequence--
			return nil, fmt.Errorf("audit: sign record: %w", err)
		}
		r.Signature = sig
		r.KeyID = t.signer.KeyID
	}

	t.head = r.RecordHash
	t.records = append(t.records, r)
	t.byID[r.ID] = r

	for _, h := range t.handlers {
		h(r)
	}
	return r, nil
}

// Record retrieves a record by ID.
func (t *Trail) Record(id string) (*Record, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.byID[id]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return r, nil
}

// Head returns the current chain head hash.
func (t *Trail) Head() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.head
}

// Sequence returns the sequence number of the newest record.
func (t *Trail) Sequence() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sequence
}

// Len returns the number of records in the trail.
func (t *Trail) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Records returns a snapshot of the trail in append order.
func (t *Trail) Records() []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Record, len(t.records))
	copy(out, t.records)
	return out
}

// Filter selects records for Query. Zero fields match everything.
type Filter struct {
	Kind     Kind
	Subject  string
	StartSeq uint64
	EndSeq   uint64
	Limit    int
}

func (f Filter) matches(r *Record) bool {
	if f.Kind != "" && r.Kind != f.Kind {
		return false
	}
	if f.Subject != "" && r.Subject != f.Subject {
		return false
	}
	if f.StartSeq > 0 && r.Sequence < f.StartSeq {
		return false
	}
	if f.EndSeq > 0 && r.Sequence > f.EndSeq {
		return false
	}
	return true
}

// Query returns records matching the filter, in append order.
func (t *Trail) Query(f Filter) []*Record {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Record, 0)
	for _, r := range t.records {
		if f.matches(r) {
			out = append(out, r)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
	}
	return out
}

// VerifyChain recomputes every record hash and checks the chain links.
func (t *Trail) VerifyChain() error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return verifyChain(t.records)
}

// VerifyChain checks an ordered slice of records: each link must point at
// its predecessor and every stored hash must match recomputation. Works on
// trails reloaded from storage as well as live ones.
func VerifyChain(records []*Record) error {
	return verifyChain(records)
}

func verifyChain(records []*Record) error {
	expectedPrev := genesisHash
	for i, r := range records {
		if r.PrevHash != expectedPrev {
			return fmt.Errorf("%w: record %d has prev_hash %s, expected %s",
				ErrChainBroken, i, r.PrevHash, expectedPrev)
		}
		if len(r.Payload) > 0 {
			ph, err := canonicalHash(r.Payload)
			if err != nil {
				return fmt.Errorf("%w: record %d payload: %v", ErrChainBroken, i, err)
			}
			if ph != r.PayloadHash {
				return fmt.Errorf("%w: record %d payload hash mismatch", ErrChainBroken, i)
			}
		}
		computed, err := recordHash(r)
		if err != nil {
			return fmt.Errorf("%w: record %d: %v", ErrChainBroken, i, err)
		}
		if computed != r.RecordHash {
			return fmt.Errorf("%w: record %d hash mismatch (computed %s, stored %s)",
				ErrChainBroken, i, computed, r.RecordHash)
		}
		expectedPrev = r.RecordHash
	}
	return nil
}
