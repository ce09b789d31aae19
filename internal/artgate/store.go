package artgate

import (
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNotFound          = errors.New("not found")
	ErrNotImplemented    = errors.New("not implemented")
	ErrUnknownSubmission = errors.New("unknown submission")
	ErrIllegalAction     = errors.New("illegal action")
	ErrAlreadyHandled    = errors.New("already handled")
	ErrLookupFailed      = errors.New("duplicate lookup failed")
	ErrWriteConflict     = errors.New("write conflict")
	ErrWriteFailed       = errors.New("write failed")
)

// WriteFailedError reports a finalize-time storage write failure. The record
// stays addressable in the failed state; a fresh submission is required to
// retry the upload.
type WriteFailedError struct {
	Path   string
	Reason string
	Err    error
}

func (e *WriteFailedError) Error() string {
	if e.Path == "" {
		return "write failed: " + e.Reason
	}
	return "write failed for " + e.Path + ": " + e.Reason
}

func (e *WriteFailedError) Is(target error) bool {
	return target == ErrWriteFailed
}

func (e *WriteFailedError) Unwrap() error {
	return e.Err
}

// State is the lifecycle position of a submission record.
type State string

const (
	StatePending    State = "pending"
	StateFinalizing State = "finalizing"
	StateFinalized  State = "finalized"
	StateRejected   State = "rejected"
	StateCancelled  State = "cancelled"
	StateFailed     State = "failed"
)

// Action is a decision signal kind.
type Action string

const (
	ActionApprove          Action = "approve"
	ActionApproveAsNewName Action = "approve_new_name"
	ActionOverwrite        Action = "overwrite"
	ActionReject           Action = "reject"
	ActionCancel           Action = "cancel"
)

// ParseAction maps a wire value to a known decision action.
func ParseAction(raw string) (Action, bool) {
	switch Action(raw) {
	case ActionApprove, ActionApproveAsNewName, ActionOverwrite, ActionReject, ActionCancel:
		return Action(raw), true
	default:
		return "", false
	}
}

// SubmissionInput is the normalized intake shape handed to admission. Size and
// category normalization happen upstream.
type SubmissionInput struct {
	SourceEventID    string `json:"sourceEventId"`
	DeclaredName     string `json:"declaredName"`
	DeclaredCategory string `json:"declaredCategory"`
	SizeBytes        int64  `json:"sizeBytes"`
	PayloadRef       string `json:"payloadRef"`
	Submitter        string `json:"submitter"`
}

// SubmissionRecord is the unit of work tracked between admission and a
// terminal outcome. CandidatePath and DuplicateExisting are fixed at admission
// time; only State and ResolvedPath change afterwards.
type SubmissionRecord struct {
	CorrelationID     string    `json:"correlationId"`
	SourceEventID     string    `json:"sourceEventId"`
	TargetCategory    string    `json:"targetCategory"`
	CandidatePath     string    `json:"candidatePath"`
	PayloadRef        string    `json:"payloadRef"`
	SizeBytes         int64     `json:"sizeBytes,omitempty"`
	Submitter         string    `json:"submitter,omitempty"`
	DuplicateExisting bool      `json:"duplicateExisting"`
	State             State     `json:"state"`
	ResolvedPath      string    `json:"resolvedPath,omitempty"`
	PromptHandle      string    `json:"promptHandle,omitempty"`
	CreatedAt         time.Time `json:"createdAt"`
}

// LegalActions derives the decision set offered for a submission. It is a pure
// function of the duplicate gate result.
func LegalActions(duplicateExisting bool) []Action {
	if duplicateExisting {
		return []Action{ActionApproveAsNewName, ActionOverwrite, ActionCancel}
	}
	return []Action{ActionApprove, ActionReject}
}

func actionAllowed(action Action, duplicateExisting bool) bool {
	for _, legal := range LegalActions(duplicateExisting) {
		if action == legal {
			return true
		}
	}
	return false
}

// submissionStore is the correlation store: the only shared mutable resource
// of the gate. Callers never get read-modify-write access; every mutation goes
// through one of the atomic operations below.
type submissionStore struct {
	mu      sync.Mutex
	records map[string]SubmissionRecord
}

func newSubmissionStore() *submissionStore {
	return &submissionStore{records: map[string]SubmissionRecord{}}
}

func (s *submissionStore) insertIfAbsent(rec SubmissionRecord) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.CorrelationID]; exists {
		return false
	}
	s.records[rec.CorrelationID] = rec
	return true
}

func (s *submissionStore) get(id string) (SubmissionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	return rec, ok
}

// compareAndTransition is the test-and-set at the heart of the state machine:
// it moves the record from one state to another only if it is currently in the
// expected state, and reports whether this caller won the transition.
func (s *submissionStore) compareAndTransition(id string, from, to State) (SubmissionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok || rec.State != from {
		return SubmissionRecord{}, false
	}
	rec.State = to
	s.records[id] = rec
	return rec, true
}

func (s *submissionStore) setResolvedPath(id, resolved string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.ResolvedPath = resolved
	s.records[id] = rec
}

func (s *submissionStore) setPromptHandle(id, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return
	}
	rec.PromptHandle = handle
	s.records[id] = rec
}

func (s *submissionStore) remove(id string) (SubmissionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return SubmissionRecord{}, false
	}
	delete(s.records, id)
	return rec, true
}

func (s *submissionStore) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *submissionStore) list() []SubmissionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]SubmissionRecord, 0, len(s.records))
	for _, rec := range s.records {
		items = append(items, rec)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CorrelationID < items[j].CorrelationID
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items
}

// sweep evicts abandoned records: anything still pending or failed that was
// created before the cutoff. Records mid-finalize are never touched.
func (s *submissionStore) sweep(cutoff time.Time) []SubmissionRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	var evicted []SubmissionRecord
	for id, rec := range s.records {
		if rec.State != StatePending && rec.State != StateFailed {
			continue
		}
		if rec.CreatedAt.Before(cutoff) {
			evicted = append(evicted, rec)
			delete(s.records, id)
		}
	}
	return evicted
}

const defaultMaxSeenEvents = 8192

// eventDedup is the intake gate: a bounded first-seen set of source event
// identifiers. The transport may redeliver the same event after a reconnect;
// only the first delivery is admitted.
type eventDedup struct {
	mu    sync.Mutex
	max   int
	seen  map[string]struct{}
	order []string
}

func newEventDedup(max int) *eventDedup {
	if max <= 0 {
		max = defaultMaxSeenEvents
	}
	return &eventDedup{max: max, seen: map[string]struct{}{}}
}

func (d *eventDedup) admit(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.seen[id]; exists {
		return false
	}
	d.seen[id] = struct{}{}
	d.order = append(d.order, id)
	for len(d.order) > d.max {
		delete(d.seen, d.order[0])
		d.order = d.order[1:]
	}
	return true
}

func (d *eventDedup) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
