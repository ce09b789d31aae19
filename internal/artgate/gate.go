package artgate

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StorageClient is the remote content store consumed by the duplicate gate and
// the finalizer. Exists must distinguish a definitive not-found (false, nil)
// from a lookup failure (error). VersionToken returns ErrNotFound when no
// content lives at the path.
type StorageClient interface {
	Exists(ctx context.Context, path string) (bool, error)
	VersionToken(ctx context.Context, path string) (string, error)
	Write(ctx context.Context, req StorageWriteRequest) (StorageWriteResult, error)
}

type StorageWriteRequest struct {
	Path        string
	Content     []byte
	Message     string
	BaseVersion string
}

type StorageWriteResult struct {
	Path    string
	Version string
}

// PayloadFetcher dereferences a payload locator to content bytes. Fetching is
// deferred to finalization so large payloads are not held in memory while a
// submission awaits a decision.
type PayloadFetcher interface {
	Fetch(ctx context.Context, ref string) ([]byte, error)
}

// Notifier is the decision UI boundary. RenderPrompt failures never block
// admission; they are logged and the submission stays decidable through the
// API.
type Notifier interface {
	RenderPrompt(record SubmissionRecord, legal []Action) (string, error)
	NotifyOutcome(record SubmissionRecord, outcome Outcome)
}

// Decision is the structured decision token received from the UI layer.
type Decision struct {
	Action        Action `json:"action"`
	CorrelationID string `json:"correlationId"`
	Actor         string `json:"actor"`
}

type OutcomeStatus string

const (
	OutcomeFinalized OutcomeStatus = "finalized"
	OutcomeRejected  OutcomeStatus = "rejected"
	OutcomeCancelled OutcomeStatus = "cancelled"
)

// Outcome reports a successful terminal disposition. Dispatcher and finalizer
// failures are returned as errors instead.
type Outcome struct {
	Status        OutcomeStatus `json:"status"`
	CorrelationID string        `json:"correlationId"`
	Path          string        `json:"path,omitempty"`
	Version       string        `json:"version,omitempty"`
	Actor         string        `json:"actor,omitempty"`
}

type GateStatus struct {
	PendingTotal   int    `json:"pendingTotal"`
	SeenEvents     int    `json:"seenEvents"`
	AdmittedTotal  uint64 `json:"admittedTotal"`
	DedupedTotal   uint64 `json:"dedupedTotal"`
	FinalizedTotal uint64 `json:"finalizedTotal"`
	RejectedTotal  uint64 `json:"rejectedTotal"`
	CancelledTotal uint64 `json:"cancelledTotal"`
	FailedTotal    uint64 `json:"failedTotal"`
	EvictedTotal   uint64 `json:"evictedTotal"`
}

type GateOptions struct {
	Storage    StorageClient
	Payloads   PayloadFetcher
	Notifier   Notifier
	Audit      AuditSink
	Categories *CategorySet

	// PathPrefix is prepended to every candidate path, e.g. "Addressables".
	PathPrefix string

	// MaxSeenEvents bounds the intake dedup set; oldest ids are evicted
	// first. Zero selects the default bound.
	MaxSeenEvents int

	// RetentionTTL evicts pending and failed records older than the TTL.
	// Zero disables the sweeper and records live for the whole session.
	RetentionTTL   time.Duration
	SweepInterval  time.Duration
	DisableSweeper bool

	Logf func(format string, args ...any)
}

// Gate is the submission correlation and decision state machine: it
// deduplicates intake events, admits submissions behind the duplicate gate,
// arbitrates racing decision signals and finalizes each submission at most
// once.
type Gate struct {
	storage    StorageClient
	payloads   PayloadFetcher
	notifier   Notifier
	audit      AuditSink
	categories *CategorySet
	pathPrefix string
	retention  time.Duration
	logf       func(format string, args ...any)
	now        func() time.Time

	store *submissionStore
	dedup *eventDedup

	admitted  uint64
	deduped   uint64
	finalized uint64
	rejected  uint64
	cancelled uint64
	failed    uint64
	evicted   uint64

	sweepCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewGate(storage StorageClient, payloads PayloadFetcher) *Gate {
	return NewGateWithOptions(GateOptions{Storage: storage, Payloads: payloads})
}

func NewGateWithOptions(opts GateOptions) *Gate {
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	categories := opts.Categories
	if categories == nil {
		categories = DefaultCategorySet()
	}
	g := &Gate{
		storage:    opts.Storage,
		payloads:   opts.Payloads,
		notifier:   opts.Notifier,
		audit:      opts.Audit,
		categories: categories,
		pathPrefix: strings.Trim(strings.TrimSpace(opts.PathPrefix), "/"),
		retention:  opts.RetentionTTL,
		logf:       logf,
		now:        time.Now,
		store:      newSubmissionStore(),
		dedup:      newEventDedup(opts.MaxSeenEvents),
	}
	if g.retention > 0 && !opts.DisableSweeper {
		interval := opts.SweepInterval
		if interval <= 0 {
			interval = time.Minute
		}
		ctx, cancel := context.WithCancel(context.Background())
		g.sweepCancel = cancel
		g.wg.Add(1)
		go g.sweeper(ctx, interval)
	}
	return g
}

// Close stops the retention sweeper. It does not drain in-flight finalizes.
func (g *Gate) Close() {
	g.closeOnce.Do(func() {
		if g.sweepCancel != nil {
			g.sweepCancel()
		}
		g.wg.Wait()
	})
}

// AdmitEvent reports whether a source event id is seen for the first time in
// this process. Redelivered events must not reach admission again.
func (g *Gate) AdmitEvent(sourceEventID string) bool {
	sourceEventID = strings.TrimSpace(sourceEventID)
	if sourceEventID == "" {
		return false
	}
	if !g.dedup.admit(sourceEventID) {
		atomic.AddUint64(&g.deduped, 1)
		return false
	}
	return true
}

// Admit creates a pending submission record: it resolves the candidate path,
// runs the duplicate gate, registers the record under a fresh correlation id
// and renders the decision prompt. A failing existence lookup is logged and
// treated as not-duplicate so admission stays available.
func (g *Gate) Admit(ctx context.Context, input SubmissionInput) (SubmissionRecord, []Action, error) {
	name := sanitizeFileName(input.DeclaredName)
	if name == "" {
		return SubmissionRecord{}, nil, fmt.Errorf("%w: declared name is empty", ErrInvalidInput)
	}
	if strings.TrimSpace(input.PayloadRef) == "" {
		return SubmissionRecord{}, nil, fmt.Errorf("%w: payload ref is empty", ErrInvalidInput)
	}
	category := g.categories.Normalize(input.DeclaredCategory)
	candidate := joinCandidatePath(g.pathPrefix, category, name)

	duplicate := false
	if g.storage != nil {
		exists, err := g.storage.Exists(ctx, candidate)
		if err != nil {
			g.logf("artgate: duplicate lookup for %s failed, admitting as new: %v", candidate, err)
		} else {
			duplicate = exists
		}
	}

	rec := SubmissionRecord{
		SourceEventID:     strings.TrimSpace(input.SourceEventID),
		TargetCategory:    category,
		CandidatePath:     candidate,
		PayloadRef:        strings.TrimSpace(input.PayloadRef),
		SizeBytes:         input.SizeBytes,
		Submitter:         strings.TrimSpace(input.Submitter),
		DuplicateExisting: duplicate,
		State:             StatePending,
		CreatedAt:         g.now().UTC(),
	}
	for attempt := 0; ; attempt++ {
		rec.CorrelationID = g.newCorrelationID()
		if g.store.insertIfAbsent(rec) {
			break
		}
		if attempt >= 4 {
			return SubmissionRecord{}, nil, fmt.Errorf("correlation id collision for %s", candidate)
		}
	}
	atomic.AddUint64(&g.admitted, 1)

	legal := LegalActions(duplicate)
	if g.notifier != nil {
		handle, err := g.notifier.RenderPrompt(rec, legal)
		if err != nil {
			g.logf("artgate: prompt render for %s failed: %v", rec.CorrelationID, err)
		} else if handle != "" {
			g.store.setPromptHandle(rec.CorrelationID, handle)
			rec.PromptHandle = handle
		}
	}
	return rec, legal, nil
}

// Dispatch validates a decision signal against the correlation store and
// drives the state machine. At most one call per correlation id wins the
// pending transition; losers observe ErrAlreadyHandled (or ErrIllegalAction
// when the record is stuck in the failed state).
func (g *Gate) Dispatch(ctx context.Context, decision Decision) (Outcome, error) {
	id := strings.TrimSpace(decision.CorrelationID)
	if id == "" {
		return Outcome{}, fmt.Errorf("%w: correlation id is empty", ErrInvalidInput)
	}
	if _, ok := ParseAction(string(decision.Action)); !ok {
		return Outcome{}, fmt.Errorf("%w: unknown action %q", ErrInvalidInput, decision.Action)
	}
	rec, ok := g.store.get(id)
	if !ok {
		return Outcome{}, ErrUnknownSubmission
	}
	if !actionAllowed(decision.Action, rec.DuplicateExisting) {
		return Outcome{}, ErrIllegalAction
	}

	switch decision.Action {
	case ActionReject, ActionCancel:
		terminal, status := StateRejected, OutcomeRejected
		if decision.Action == ActionCancel {
			terminal, status = StateCancelled, OutcomeCancelled
		}
		updated, won := g.store.compareAndTransition(id, StatePending, terminal)
		if !won {
			return Outcome{}, g.transitionLost(id)
		}
		g.store.remove(id)
		if terminal == StateRejected {
			atomic.AddUint64(&g.rejected, 1)
		} else {
			atomic.AddUint64(&g.cancelled, 1)
		}
		outcome := Outcome{Status: status, CorrelationID: id, Actor: decision.Actor}
		g.notifyOutcome(updated, outcome)
		g.recordAudit(ctx, updated, decision, string(status), "", "")
		return outcome, nil
	default:
		winner, won := g.store.compareAndTransition(id, StatePending, StateFinalizing)
		if !won {
			return Outcome{}, g.transitionLost(id)
		}
		return g.finalize(ctx, winner, decision)
	}
}

// transitionLost classifies a lost pending transition: the record either
// vanished (terminal outcome already applied), is stuck failed, or is being
// handled by a concurrent winner.
func (g *Gate) transitionLost(id string) error {
	rec, ok := g.store.get(id)
	if !ok {
		return ErrUnknownSubmission
	}
	if rec.State == StateFailed {
		return ErrIllegalAction
	}
	return ErrAlreadyHandled
}

// finalize performs the terminal write. It runs outside the store's critical
// section and is reached exactly once per record, from the finalizing state.
func (g *Gate) finalize(ctx context.Context, rec SubmissionRecord, decision Decision) (Outcome, error) {
	resolved := rec.CandidatePath
	baseVersion := ""
	switch decision.Action {
	case ActionApproveAsNewName:
		resolved = timestampedPath(rec.CandidatePath, g.now().UTC())
	case ActionOverwrite:
		if g.storage != nil {
			token, err := g.storage.VersionToken(ctx, rec.CandidatePath)
			if err != nil {
				// Best-effort conflict token: proceed as a fresh write.
				g.logf("artgate: version token for %s unavailable, writing fresh: %v", rec.CandidatePath, err)
			} else {
				baseVersion = token
			}
		}
	}
	g.store.setResolvedPath(rec.CorrelationID, resolved)
	rec.ResolvedPath = resolved

	if g.payloads == nil {
		return Outcome{}, g.failFinalize(ctx, rec, decision, resolved, errors.New("no payload fetcher configured"))
	}
	content, err := g.payloads.Fetch(ctx, rec.PayloadRef)
	if err != nil {
		return Outcome{}, g.failFinalize(ctx, rec, decision, resolved, err)
	}
	if g.storage == nil {
		return Outcome{}, g.failFinalize(ctx, rec, decision, resolved, errors.New("no storage client configured"))
	}
	result, err := g.storage.Write(ctx, StorageWriteRequest{
		Path:        resolved,
		Content:     content,
		Message:     fmt.Sprintf("Add %s to %s (approved by %s)", path.Base(resolved), rec.TargetCategory, decision.Actor),
		BaseVersion: baseVersion,
	})
	if err != nil {
		return Outcome{}, g.failFinalize(ctx, rec, decision, resolved, err)
	}

	if _, won := g.store.compareAndTransition(rec.CorrelationID, StateFinalizing, StateFinalized); !won {
		g.logf("artgate: record %s left finalizing unexpectedly", rec.CorrelationID)
	}
	g.store.remove(rec.CorrelationID)
	atomic.AddUint64(&g.finalized, 1)

	committed := result.Path
	if committed == "" {
		committed = resolved
	}
	outcome := Outcome{
		Status:        OutcomeFinalized,
		CorrelationID: rec.CorrelationID,
		Path:          committed,
		Version:       result.Version,
		Actor:         decision.Actor,
	}
	rec.State = StateFinalized
	g.notifyOutcome(rec, outcome)
	g.recordAudit(ctx, rec, decision, string(OutcomeFinalized), committed, "")
	return outcome, nil
}

// failFinalize parks the record in the failed state. The record is not
// removed, so the failure stays inspectable, but no further decision is legal
// on it.
func (g *Gate) failFinalize(ctx context.Context, rec SubmissionRecord, decision Decision, resolved string, cause error) error {
	g.store.compareAndTransition(rec.CorrelationID, StateFinalizing, StateFailed)
	atomic.AddUint64(&g.failed, 1)
	reason := cause.Error()
	g.logf("artgate: finalize of %s to %s failed: %v", rec.CorrelationID, resolved, cause)
	rec.State = StateFailed
	g.recordAudit(ctx, rec, decision, string(StateFailed), resolved, reason)
	return &WriteFailedError{Path: resolved, Reason: reason, Err: cause}
}

func (g *Gate) notifyOutcome(rec SubmissionRecord, outcome Outcome) {
	if g.notifier == nil {
		return
	}
	g.notifier.NotifyOutcome(rec, outcome)
}

func (g *Gate) recordAudit(ctx context.Context, rec SubmissionRecord, decision Decision, status, resolved, reason string) {
	if g.audit == nil {
		return
	}
	entry := AuditEntry{
		CorrelationID: rec.CorrelationID,
		SourceEventID: rec.SourceEventID,
		Category:      rec.TargetCategory,
		Action:        string(decision.Action),
		Status:        status,
		Path:          resolved,
		Actor:         decision.Actor,
		Reason:        reason,
		OccurredAt:    g.now().UTC(),
	}
	if err := g.audit.Record(ctx, entry); err != nil {
		g.logf("artgate: audit record for %s failed: %v", rec.CorrelationID, err)
	}
}

// Submissions lists live records ordered by admission time.
func (g *Gate) Submissions() []SubmissionRecord {
	return g.store.list()
}

func (g *Gate) Submission(correlationID string) (SubmissionRecord, bool) {
	return g.store.get(strings.TrimSpace(correlationID))
}

// Categories exposes the category rules for upstream inference from free text.
func (g *Gate) Categories() *CategorySet {
	return g.categories
}

func (g *Gate) Status() GateStatus {
	return GateStatus{
		PendingTotal:   g.store.depth(),
		SeenEvents:     g.dedup.size(),
		AdmittedTotal:  atomic.LoadUint64(&g.admitted),
		DedupedTotal:   atomic.LoadUint64(&g.deduped),
		FinalizedTotal: atomic.LoadUint64(&g.finalized),
		RejectedTotal:  atomic.LoadUint64(&g.rejected),
		CancelledTotal: atomic.LoadUint64(&g.cancelled),
		FailedTotal:    atomic.LoadUint64(&g.failed),
		EvictedTotal:   atomic.LoadUint64(&g.evicted),
	}
}

func (g *Gate) sweeper(ctx context.Context, interval time.Duration) {
	defer g.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce()
		}
	}
}

func (g *Gate) sweepOnce() int {
	if g.retention <= 0 {
		return 0
	}
	cutoff := g.now().UTC().Add(-g.retention)
	evicted := g.store.sweep(cutoff)
	for _, rec := range evicted {
		g.logf("artgate: evicted %s submission %s after %s without resolution", rec.State, rec.CorrelationID, g.retention)
	}
	atomic.AddUint64(&g.evicted, uint64(len(evicted)))
	return len(evicted)
}

// newCorrelationID builds the session-unique join key between a rendered
// prompt and its record: a millisecond timestamp plus a random suffix.
func (g *Gate) newCorrelationID() string {
	var buf [6]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return fmt.Sprintf("sub_%d_%d", g.now().UnixMilli(), g.now().UnixNano()%1_000_000)
	}
	return fmt.Sprintf("sub_%d_%s", g.now().UnixMilli(), hex.EncodeToString(buf[:]))
}

func sanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return ""
	}
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == ".." {
		return ""
	}
	return name
}

func joinCandidatePath(prefix, category, name string) string {
	if prefix == "" {
		return path.Join(category, name)
	}
	return path.Join(prefix, category, name)
}

// timestampedPath suffixes the base name with a sortable UTC timestamp token
// before the extension, guaranteeing no collision with the existing file.
func timestampedPath(candidate string, now time.Time) string {
	dir, file := path.Split(candidate)
	ext := path.Ext(file)
	base := strings.TrimSuffix(file, ext)
	return dir + base + "_" + now.Format("20060102150405") + ext
}
