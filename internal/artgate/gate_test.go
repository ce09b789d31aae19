package artgate

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeStorage struct {
	mu         sync.Mutex
	existing   map[string]string
	existsErr  error
	versionErr error
	writeErr   error
	writeGate  chan struct{}
	writes     []StorageWriteRequest
	writeCalls int32
}

func newFakeStorage(paths ...string) *fakeStorage {
	existing := map[string]string{}
	for i, p := range paths {
		existing[p] = fmt.Sprintf("sha_%d", i)
	}
	return &fakeStorage{existing: existing}
}

func (f *fakeStorage) Exists(_ context.Context, path string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.existing[path]
	return ok, nil
}

func (f *fakeStorage) VersionToken(_ context.Context, path string) (string, error) {
	if f.versionErr != nil {
		return "", f.versionErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	token, ok := f.existing[path]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return token, nil
}

func (f *fakeStorage) Write(_ context.Context, req StorageWriteRequest) (StorageWriteResult, error) {
	atomic.AddInt32(&f.writeCalls, 1)
	if f.writeGate != nil {
		<-f.writeGate
	}
	if f.writeErr != nil {
		return StorageWriteResult{}, f.writeErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes = append(f.writes, req)
	f.existing[req.Path] = "sha_new"
	return StorageWriteResult{Path: req.Path, Version: "sha_new"}, nil
}

func (f *fakeStorage) writeCount() int {
	return int(atomic.LoadInt32(&f.writeCalls))
}

type staticFetcher struct {
	content []byte
	err     error
}

func (s staticFetcher) Fetch(_ context.Context, _ string) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.content, nil
}

type recordingNotifier struct {
	mu        sync.Mutex
	renderErr error
	prompts   []SubmissionRecord
	outcomes  []Outcome
	seq       int
}

func (n *recordingNotifier) RenderPrompt(record SubmissionRecord, _ []Action) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.renderErr != nil {
		return "", n.renderErr
	}
	n.seq++
	n.prompts = append(n.prompts, record)
	return fmt.Sprintf("prompt_%d", n.seq), nil
}

func (n *recordingNotifier) NotifyOutcome(_ SubmissionRecord, outcome Outcome) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.outcomes = append(n.outcomes, outcome)
}

func (n *recordingNotifier) outcomeCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.outcomes)
}

func newTestGate(t *testing.T, storage StorageClient) *Gate {
	t.Helper()
	gate := NewGateWithOptions(GateOptions{
		Storage:        storage,
		Payloads:       staticFetcher{content: []byte("payload")},
		DisableSweeper: true,
		Logf:           func(string, ...any) {},
	})
	t.Cleanup(gate.Close)
	return gate
}

func swordInput(eventID string) SubmissionInput {
	return SubmissionInput{
		SourceEventID:    eventID,
		DeclaredName:     "sword.png",
		DeclaredCategory: "Weapons",
		SizeBytes:        1024,
		PayloadRef:       "https://cdn.example.com/sword.png",
		Submitter:        "alice",
	}
}

func TestAdmitEventDeduplicatesSourceEvents(t *testing.T) {
	gate := newTestGate(t, newFakeStorage())

	if !gate.AdmitEvent("evt_1") {
		t.Fatalf("first delivery of evt_1 should be admitted")
	}
	if gate.AdmitEvent("evt_1") {
		t.Fatalf("redelivery of evt_1 should be refused")
	}
	if !gate.AdmitEvent("evt_2") {
		t.Fatalf("a distinct event should be admitted")
	}
	if gate.AdmitEvent("") {
		t.Fatalf("blank event ids are never admitted")
	}
	if got := gate.Status().DedupedTotal; got != 1 {
		t.Fatalf("expected 1 deduped event, got %d", got)
	}
}

func TestEventDedupEvictsOldestBeyondBound(t *testing.T) {
	dedup := newEventDedup(2)
	if !dedup.admit("a") || !dedup.admit("b") || !dedup.admit("c") {
		t.Fatalf("fresh ids should all be admitted")
	}
	if dedup.size() != 2 {
		t.Fatalf("expected bounded size 2, got %d", dedup.size())
	}
	if !dedup.admit("a") {
		t.Fatalf("evicted id should be admittable again")
	}
	if dedup.admit("c") {
		t.Fatalf("retained id should stay refused")
	}
}

func TestAdmitNonDuplicateOffersApproveReject(t *testing.T) {
	gate := newTestGate(t, newFakeStorage())

	rec, legal, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if rec.CandidatePath != "Weapons/sword.png" {
		t.Fatalf("unexpected candidate path: %q", rec.CandidatePath)
	}
	if rec.DuplicateExisting {
		t.Fatalf("expected non-duplicate record")
	}
	if rec.State != StatePending {
		t.Fatalf("expected pending state, got %s", rec.State)
	}
	want := []Action{ActionApprove, ActionReject}
	if len(legal) != len(want) || legal[0] != want[0] || legal[1] != want[1] {
		t.Fatalf("unexpected legal actions: %v", legal)
	}
	if !strings.HasPrefix(rec.CorrelationID, "sub_") {
		t.Fatalf("unexpected correlation id: %q", rec.CorrelationID)
	}
}

func TestAdmitDuplicateOffersNewNameOverwriteCancel(t *testing.T) {
	gate := newTestGate(t, newFakeStorage("Weapons/sword.png"))

	rec, legal, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if !rec.DuplicateExisting {
		t.Fatalf("expected duplicate record")
	}
	want := []Action{ActionApproveAsNewName, ActionOverwrite, ActionCancel}
	if len(legal) != len(want) {
		t.Fatalf("unexpected legal actions: %v", legal)
	}
	for i := range want {
		if legal[i] != want[i] {
			t.Fatalf("unexpected legal actions: %v", legal)
		}
	}
}

func TestAdmitAppliesPathPrefixAndCategoryNormalization(t *testing.T) {
	storage := newFakeStorage()
	gate := NewGateWithOptions(GateOptions{
		Storage:        storage,
		Payloads:       staticFetcher{content: []byte("x")},
		PathPrefix:     "Addressables",
		DisableSweeper: true,
		Logf:           func(string, ...any) {},
	})
	t.Cleanup(gate.Close)

	input := swordInput("evt_1")
	input.DeclaredCategory = "weapon"
	rec, _, err := gate.Admit(context.Background(), input)
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if rec.CandidatePath != "Addressables/Weapons/sword.png" {
		t.Fatalf("unexpected candidate path: %q", rec.CandidatePath)
	}
	if rec.TargetCategory != "Weapons" {
		t.Fatalf("unexpected category: %q", rec.TargetCategory)
	}
}

func TestAdmitLookupFailureTreatedAsNotDuplicate(t *testing.T) {
	storage := newFakeStorage("Weapons/sword.png")
	storage.existsErr = fmt.Errorf("%w: upstream 500", ErrLookupFailed)
	var logged int32
	gate := NewGateWithOptions(GateOptions{
		Storage:        storage,
		Payloads:       staticFetcher{content: []byte("x")},
		DisableSweeper: true,
		Logf:           func(string, ...any) { atomic.AddInt32(&logged, 1) },
	})
	t.Cleanup(gate.Close)

	rec, legal, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admission must survive a lookup failure: %v", err)
	}
	if rec.DuplicateExisting {
		t.Fatalf("lookup failure must be treated as not-duplicate")
	}
	if legal[0] != ActionApprove {
		t.Fatalf("expected the non-duplicate action set, got %v", legal)
	}
	if atomic.LoadInt32(&logged) == 0 {
		t.Fatalf("expected the lookup failure to be logged")
	}
}

func TestAdmitRejectsInvalidInput(t *testing.T) {
	gate := newTestGate(t, newFakeStorage())

	input := swordInput("evt_1")
	input.DeclaredName = "   "
	if _, _, err := gate.Admit(context.Background(), input); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank name, got %v", err)
	}

	input = swordInput("evt_2")
	input.PayloadRef = ""
	if _, _, err := gate.Admit(context.Background(), input); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank payload ref, got %v", err)
	}
}

func TestDispatchUnknownCorrelationID(t *testing.T) {
	gate := newTestGate(t, newFakeStorage())

	_, err := gate.Dispatch(context.Background(), Decision{Action: ActionApprove, CorrelationID: "sub_never_admitted", Actor: "lead"})
	if !errors.Is(err, ErrUnknownSubmission) {
		t.Fatalf("expected unknown submission, got %v", err)
	}
}

func TestDispatchIllegalActionForNonDuplicate(t *testing.T) {
	gate := newTestGate(t, newFakeStorage())
	rec, _, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	for _, action := range []Action{ActionOverwrite, ActionApproveAsNewName, ActionCancel} {
		_, err := gate.Dispatch(context.Background(), Decision{Action: action, CorrelationID: rec.CorrelationID, Actor: "lead"})
		if !errors.Is(err, ErrIllegalAction) {
			t.Fatalf("expected illegal action for %s, got %v", action, err)
		}
	}
	if got, _ := gate.Submission(rec.CorrelationID); got.State != StatePending {
		t.Fatalf("illegal actions must not move the record, state=%s", got.State)
	}
}

func TestDispatchIllegalActionForDuplicate(t *testing.T) {
	gate := newTestGate(t, newFakeStorage("Weapons/sword.png"))
	rec, _, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	for _, action := range []Action{ActionApprove, ActionReject} {
		_, err := gate.Dispatch(context.Background(), Decision{Action: action, CorrelationID: rec.CorrelationID, Actor: "lead"})
		if !errors.Is(err, ErrIllegalAction) {
			t.Fatalf("expected illegal action for %s on a duplicate record, got %v", action, err)
		}
	}
}

func TestDispatchApproveFinalizesAndRemoves(t *testing.T) {
	storage := newFakeStorage()
	notifier := &recordingNotifier{}
	sink := NewInMemoryAuditSink()
	gate := NewGateWithOptions(GateOptions{
		Storage:        storage,
		Payloads:       staticFetcher{content: []byte("pixels")},
		Notifier:       notifier,
		Audit:          sink,
		DisableSweeper: true,
		Logf:           func(string, ...any) {},
	})
	t.Cleanup(gate.Close)

	rec, _, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	if rec.PromptHandle == "" {
		t.Fatalf("expected a prompt handle from the notifier")
	}

	outcome, err := gate.Dispatch(context.Background(), Decision{Action: ActionApprove, CorrelationID: rec.CorrelationID, Actor: "lead"})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if outcome.Status != OutcomeFinalized || outcome.Path != "Weapons/sword.png" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if storage.writeCount() != 1 {
		t.Fatalf("expected exactly one write, got %d", storage.writeCount())
	}
	write := storage.writes[0]
	if write.Message != "Add sword.png to Weapons (approved by lead)" {
		t.Fatalf("unexpected commit message: %q", write.Message)
	}
	if write.BaseVersion != "" {
		t.Fatalf("plain approve must not carry a base version, got %q", write.BaseVersion)
	}
	if string(write.Content) != "pixels" {
		t.Fatalf("unexpected payload content: %q", write.Content)
	}

	if _, ok := gate.Submission(rec.CorrelationID); ok {
		t.Fatalf("finalized record must be removed from the store")
	}
	_, err = gate.Dispatch(context.Background(), Decision{Action: ActionApprove, CorrelationID: rec.CorrelationID, Actor: "lead"})
	if !errors.Is(err, ErrUnknownSubmission) {
		t.Fatalf("a decision after removal must be unknown, got %v", err)
	}

	entries := sink.Entries()
	if len(entries) != 1 || entries[0].Status != string(OutcomeFinalized) || entries[0].Actor != "lead" {
		t.Fatalf("unexpected audit trail: %+v", entries)
	}
	if notifier.outcomeCount() != 1 {
		t.Fatalf("expected one outcome notification")
	}
}

func TestDispatchApproveAsNewNameSuffixesTimestamp(t *testing.T) {
	storage := newFakeStorage("Weapons/sword.png")
	gate := newTestGate(t, storage)
	gate.now = func() time.Time {
		return time.Date(2024, 1, 2, 15, 4, 5, 0, time.UTC)
	}

	rec, _, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	outcome, err := gate.Dispatch(context.Background(), Decision{Action: ActionApproveAsNewName, CorrelationID: rec.CorrelationID, Actor: "lead"})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if outcome.Path != "Weapons/sword_20240102150405.png" {
		t.Fatalf("unexpected resolved path: %q", outcome.Path)
	}
	if storage.writes[0].BaseVersion != "" {
		t.Fatalf("new-name write must not carry a base version")
	}
}

func TestDispatchOverwriteCarriesVersionToken(t *testing.T) {
	storage := newFakeStorage("Weapons/sword.png")
	gate := newTestGate(t, storage)

	rec, _, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	outcome, err := gate.Dispatch(context.Background(), Decision{Action: ActionOverwrite, CorrelationID: rec.CorrelationID, Actor: "lead"})
	if err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if outcome.Path != "Weapons/sword.png" {
		t.Fatalf("overwrite must keep the candidate path, got %q", outcome.Path)
	}
	if storage.writes[0].BaseVersion != "sha_0" {
		t.Fatalf("expected the existing version token, got %q", storage.writes[0].BaseVersion)
	}
}

func TestDispatchOverwriteProceedsWhenVersionLookupFails(t *testing.T) {
	storage := newFakeStorage("Weapons/sword.png")
	storage.versionErr = errors.New("token endpoint down")
	gate := newTestGate(t, storage)

	rec, _, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	outcome, err := gate.Dispatch(context.Background(), Decision{Action: ActionOverwrite, CorrelationID: rec.CorrelationID, Actor: "lead"})
	if err != nil {
		t.Fatalf("overwrite must proceed as a fresh write: %v", err)
	}
	if outcome.Status != OutcomeFinalized {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if storage.writes[0].BaseVersion != "" {
		t.Fatalf("expected a fresh write without base version, got %q", storage.writes[0].BaseVersion)
	}
}

func TestDispatchRejectAndCancelSkipStorage(t *testing.T) {
	storage := newFakeStorage()
	gate := newTestGate(t, storage)
	rec, _, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	outcome, err := gate.Dispatch(context.Background(), Decision{Action: ActionReject, CorrelationID: rec.CorrelationID, Actor: "lead"})
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if outcome.Status != OutcomeRejected {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	dupStorage := newFakeStorage("Weapons/sword.png")
	dupGate := newTestGate(t, dupStorage)
	dupRec, _, err := dupGate.Admit(context.Background(), swordInput("evt_2"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	outcome, err = dupGate.Dispatch(context.Background(), Decision{Action: ActionCancel, CorrelationID: dupRec.CorrelationID, Actor: "lead"})
	if err != nil {
		t.Fatalf("cancel failed: %v", err)
	}
	if outcome.Status != OutcomeCancelled {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	if storage.writeCount() != 0 || dupStorage.writeCount() != 0 {
		t.Fatalf("reject/cancel must not touch storage")
	}
	if _, ok := gate.Submission(rec.CorrelationID); ok {
		t.Fatalf("rejected record must be removed")
	}
	if _, ok := dupGate.Submission(dupRec.CorrelationID); ok {
		t.Fatalf("cancelled record must be removed")
	}
}

func TestDispatchDoubleClickSecondLoses(t *testing.T) {
	storage := newFakeStorage("Weapons/sword.png")
	storage.writeGate = make(chan struct{})
	gate := newTestGate(t, storage)

	rec, _, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	type result struct {
		outcome Outcome
		err     error
	}
	first := make(chan result, 1)
	go func() {
		outcome, err := gate.Dispatch(context.Background(), Decision{Action: ActionOverwrite, CorrelationID: rec.CorrelationID, Actor: "lead"})
		first <- result{outcome, err}
	}()

	// Wait for the first dispatch to win the pending transition and block
	// inside the write.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if got, ok := gate.Submission(rec.CorrelationID); ok && got.State == StateFinalizing {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first dispatch never reached finalizing")
		}
		time.Sleep(time.Millisecond)
	}

	_, err = gate.Dispatch(context.Background(), Decision{Action: ActionOverwrite, CorrelationID: rec.CorrelationID, Actor: "lead"})
	if !errors.Is(err, ErrAlreadyHandled) {
		t.Fatalf("the double click must lose with already-handled, got %v", err)
	}

	close(storage.writeGate)
	got := <-first
	if got.err != nil {
		t.Fatalf("winner failed: %v", got.err)
	}
	if got.outcome.Status != OutcomeFinalized {
		t.Fatalf("unexpected winner outcome: %+v", got.outcome)
	}
	if storage.writeCount() != 1 {
		t.Fatalf("expected exactly one write, got %d", storage.writeCount())
	}
}

func TestConcurrentDispatchExecutesAtMostOneWrite(t *testing.T) {
	storage := newFakeStorage("Weapons/sword.png")
	gate := newTestGate(t, storage)

	rec, _, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	actions := []Action{ActionOverwrite, ActionApproveAsNewName, ActionCancel}
	const callers = 24
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		action := actions[i%len(actions)]
		wg.Add(1)
		go func(action Action) {
			defer wg.Done()
			_, err := gate.Dispatch(context.Background(), Decision{Action: action, CorrelationID: rec.CorrelationID, Actor: "lead"})
			errs <- err
		}(action)
	}
	wg.Wait()
	close(errs)

	winners := 0
	for err := range errs {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrAlreadyHandled), errors.Is(err, ErrUnknownSubmission):
		default:
			t.Fatalf("unexpected dispatch error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("expected exactly one winning dispatch, got %d", winners)
	}
	if storage.writeCount() > 1 {
		t.Fatalf("expected at most one write, got %d", storage.writeCount())
	}
	if _, ok := gate.Submission(rec.CorrelationID); ok {
		t.Fatalf("record must be removed after the terminal outcome")
	}
}

func TestDispatchWriteFailureParksRecordAsFailed(t *testing.T) {
	storage := newFakeStorage()
	storage.writeErr = errors.New("remote write exploded")
	gate := newTestGate(t, storage)

	rec, _, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}
	_, err = gate.Dispatch(context.Background(), Decision{Action: ActionApprove, CorrelationID: rec.CorrelationID, Actor: "lead"})
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("expected a write failure, got %v", err)
	}
	var writeErr *WriteFailedError
	if !errors.As(err, &writeErr) {
		t.Fatalf("expected *WriteFailedError, got %T", err)
	}
	if writeErr.Path != "Weapons/sword.png" || !strings.Contains(writeErr.Reason, "exploded") {
		t.Fatalf("unexpected failure detail: %+v", writeErr)
	}

	got, ok := gate.Submission(rec.CorrelationID)
	if !ok {
		t.Fatalf("failed record must stay addressable")
	}
	if got.State != StateFailed {
		t.Fatalf("expected failed state, got %s", got.State)
	}

	// A failed finalize is not retryable through the same correlation id.
	_, err = gate.Dispatch(context.Background(), Decision{Action: ActionApprove, CorrelationID: rec.CorrelationID, Actor: "lead"})
	if !errors.Is(err, ErrIllegalAction) {
		t.Fatalf("expected illegal action on a failed record, got %v", err)
	}
}

func TestSweepEvictsAbandonedRecords(t *testing.T) {
	storage := newFakeStorage()
	gate := NewGateWithOptions(GateOptions{
		Storage:        storage,
		Payloads:       staticFetcher{content: []byte("x")},
		RetentionTTL:   time.Hour,
		DisableSweeper: true,
		Logf:           func(string, ...any) {},
	})
	t.Cleanup(gate.Close)

	rec, _, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admit failed: %v", err)
	}

	gate.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if evicted := gate.sweepOnce(); evicted != 1 {
		t.Fatalf("expected 1 eviction, got %d", evicted)
	}
	if _, ok := gate.Submission(rec.CorrelationID); ok {
		t.Fatalf("abandoned record must be evicted")
	}
	if got := gate.Status().EvictedTotal; got != 1 {
		t.Fatalf("expected evicted counter 1, got %d", got)
	}
}

func TestGateStatusCountsOutcomes(t *testing.T) {
	gate := newTestGate(t, newFakeStorage())

	recA, _, _ := gate.Admit(context.Background(), swordInput("evt_1"))
	recB, _, _ := gate.Admit(context.Background(), swordInput("evt_2"))
	if _, err := gate.Dispatch(context.Background(), Decision{Action: ActionApprove, CorrelationID: recA.CorrelationID, Actor: "lead"}); err != nil {
		t.Fatalf("approve failed: %v", err)
	}
	if _, err := gate.Dispatch(context.Background(), Decision{Action: ActionReject, CorrelationID: recB.CorrelationID, Actor: "lead"}); err != nil {
		t.Fatalf("reject failed: %v", err)
	}

	status := gate.Status()
	if status.AdmittedTotal != 2 || status.FinalizedTotal != 1 || status.RejectedTotal != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if status.PendingTotal != 0 {
		t.Fatalf("expected empty store, got %d pending", status.PendingTotal)
	}
}

func TestPromptRenderFailureDoesNotBlockAdmission(t *testing.T) {
	notifier := &recordingNotifier{renderErr: errors.New("channel unavailable")}
	gate := NewGateWithOptions(GateOptions{
		Storage:        newFakeStorage(),
		Payloads:       staticFetcher{content: []byte("x")},
		Notifier:       notifier,
		DisableSweeper: true,
		Logf:           func(string, ...any) {},
	})
	t.Cleanup(gate.Close)

	rec, _, err := gate.Admit(context.Background(), swordInput("evt_1"))
	if err != nil {
		t.Fatalf("admission must survive a render failure: %v", err)
	}
	if rec.PromptHandle != "" {
		t.Fatalf("no prompt handle expected on render failure")
	}
	if _, ok := gate.Submission(rec.CorrelationID); !ok {
		t.Fatalf("record must still be registered")
	}
}

func TestTimestampedPathKeepsExtension(t *testing.T) {
	now := time.Date(2023, 12, 31, 23, 59, 59, 0, time.UTC)
	got := timestampedPath("Weapons/sword.png", now)
	if got != "Weapons/sword_20231231235959.png" {
		t.Fatalf("unexpected path: %q", got)
	}
	got = timestampedPath("Audio/theme", now)
	if got != "Audio/theme_20231231235959" {
		t.Fatalf("unexpected extension-less path: %q", got)
	}
}
