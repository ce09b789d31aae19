package httpapi

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"github.com/assetflow/artgate/internal/artgate"
)

const subscriberBuffer = 16

// EventHub is the decision UI boundary: it renders prompts as stream events
// and fans outcome notifications out to every connected reviewer. Slow
// subscribers drop events rather than stalling the gate.
type EventHub struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[*subscriber]struct{}
	logf   func(format string, args ...any)
}

type subscriber struct {
	ch chan []byte
}

type promptEvent struct {
	Type              string           `json:"type"`
	PromptHandle      string           `json:"promptHandle"`
	CorrelationID     string           `json:"correlationId"`
	CandidatePath     string           `json:"candidatePath"`
	TargetCategory    string           `json:"targetCategory"`
	Submitter         string           `json:"submitter,omitempty"`
	SizeBytes         int64            `json:"sizeBytes,omitempty"`
	DuplicateExisting bool             `json:"duplicateExisting"`
	LegalActions      []artgate.Action `json:"legalActions"`
	EmittedAt         time.Time        `json:"emittedAt"`
}

type outcomeEvent struct {
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlationId"`
	Status        string    `json:"status"`
	Path          string    `json:"path,omitempty"`
	Version       string    `json:"version,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	EmittedAt     time.Time `json:"emittedAt"`
}

var _ artgate.Notifier = (*EventHub)(nil)

func NewEventHub() *EventHub {
	return &EventHub{
		subs: map[*subscriber]struct{}{},
		logf: log.Printf,
	}
}

// RenderPrompt broadcasts a decision prompt and returns its handle. Rendering
// never fails here; the prompt lives on the event stream and the submissions
// API regardless of who is connected.
func (h *EventHub) RenderPrompt(rec artgate.SubmissionRecord, legal []artgate.Action) (string, error) {
	h.mu.Lock()
	h.seq++
	handle := fmt.Sprintf("prompt_%d", h.seq)
	h.mu.Unlock()

	h.broadcast(promptEvent{
		Type:              "decision_prompt",
		PromptHandle:      handle,
		CorrelationID:     rec.CorrelationID,
		CandidatePath:     rec.CandidatePath,
		TargetCategory:    rec.TargetCategory,
		Submitter:         rec.Submitter,
		SizeBytes:         rec.SizeBytes,
		DuplicateExisting: rec.DuplicateExisting,
		LegalActions:      legal,
		EmittedAt:         time.Now().UTC(),
	})
	return handle, nil
}

func (h *EventHub) NotifyOutcome(rec artgate.SubmissionRecord, outcome artgate.Outcome) {
	h.broadcast(outcomeEvent{
		Type:          "outcome",
		CorrelationID: outcome.CorrelationID,
		Status:        string(outcome.Status),
		Path:          outcome.Path,
		Version:       outcome.Version,
		Actor:         outcome.Actor,
		EmittedAt:     time.Now().UTC(),
	})
}

func (h *EventHub) broadcast(event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logf("artgate: marshal stream event failed: %v", err)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		select {
		case sub.ch <- payload:
		default:
			// Slow consumer; drop rather than block admission.
		}
	}
}

func (h *EventHub) subscribe() *subscriber {
	sub := &subscriber{ch: make(chan []byte, subscriberBuffer)}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *EventHub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *EventHub) subscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream closed")

	sub := s.hub.subscribe()
	defer s.hub.unsubscribe(sub)

	// The stream is write-only; CloseRead processes incoming close frames and
	// cancels the context as soon as the client goes away.
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case payload := <-sub.ch:
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}
}
