package httpapi

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/assetflow/artgate/internal/artgate"
)

// intakeSchema validates submission events before any of them reach admission.
// Free-form transport payloads get rejected at the edge instead of deep in the
// gate.
const intakeSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["eventId", "files"],
  "properties": {
    "eventId": {"type": "string", "minLength": 1},
    "submitter": {"type": "string"},
    "message": {"type": "string"},
    "category": {"type": "string"},
    "files": {
      "type": "array",
      "minItems": 1,
      "maxItems": 20,
      "items": {
        "type": "object",
        "required": ["name", "url"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "url": {"type": "string", "minLength": 1},
          "sizeBytes": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

type ServerConfig struct {
	Hub              *EventHub
	IntakeHMACSecret string
	IntakeMaxSkew    time.Duration
	MaxBodyBytes     int64
	MaxFileBytes     int64
}

type Server struct {
	gate         *artgate.Gate
	hub          *EventHub
	cfg          ServerConfig
	schema       *jsonschema.Schema
	replayMu     sync.Mutex
	replaySeen   map[string]time.Time
}

type intakeRequest struct {
	EventID   string       `json:"eventId"`
	Submitter string       `json:"submitter"`
	Message   string       `json:"message"`
	Category  string       `json:"category"`
	Files     []intakeFile `json:"files"`
}

type intakeFile struct {
	Name      string `json:"name"`
	URL       string `json:"url"`
	SizeBytes int64  `json:"sizeBytes"`
}

type intakeFileResult struct {
	Name              string           `json:"name"`
	Status            string           `json:"status"`
	Reason            string           `json:"reason,omitempty"`
	CorrelationID     string           `json:"correlationId,omitempty"`
	CandidatePath     string           `json:"candidatePath,omitempty"`
	TargetCategory    string           `json:"targetCategory,omitempty"`
	DuplicateExisting bool             `json:"duplicateExisting"`
	LegalActions      []artgate.Action `json:"legalActions,omitempty"`
	PromptHandle      string           `json:"promptHandle,omitempty"`
}

func NewServer(gate *artgate.Gate) *Server {
	return NewServerWithConfig(gate, ServerConfig{})
}

func NewServerWithConfig(gate *artgate.Gate, cfg ServerConfig) *Server {
	if cfg.IntakeMaxSkew <= 0 {
		cfg.IntakeMaxSkew = 5 * time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MaxFileBytes <= 0 {
		cfg.MaxFileBytes = artgate.DefaultMaxPayloadBytes
	}
	hub := cfg.Hub
	if hub == nil {
		hub = NewEventHub()
	}
	return &Server{
		gate:       gate,
		hub:        hub,
		cfg:        cfg,
		schema:     mustCompileIntakeSchema(),
		replaySeen: map[string]time.Time{},
	}
}

func mustCompileIntakeSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(intakeSchema))
	if err != nil {
		panic(err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("intake.json", doc); err != nil {
		panic(err)
	}
	schema, err := compiler.Compile("intake.json")
	if err != nil {
		panic(err)
	}
	return schema
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/dashboard" && r.Method == http.MethodGet:
		s.handleDashboard(w, r)
	case r.URL.Path == "/v1/intake" && r.Method == http.MethodPost:
		s.handleIntake(w, r)
	case r.URL.Path == "/v1/decisions" && r.Method == http.MethodPost:
		s.handleDecision(w, r)
	case r.URL.Path == "/v1/submissions" && r.Method == http.MethodGet:
		s.handleSubmissions(w, r)
	case strings.HasPrefix(r.URL.Path, "/v1/submissions/") && r.Method == http.MethodGet:
		s.handleSubmission(w, r, strings.TrimPrefix(r.URL.Path, "/v1/submissions/"))
	case r.URL.Path == "/v1/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/events/stream" && r.Method == http.MethodGet:
		s.handleEventStream(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

func (s *Server) handleIntake(w http.ResponseWriter, r *http.Request) {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return
	}
	if s.cfg.IntakeHMACSecret != "" {
		now := time.Now().UTC()
		if authErr := verifyIntakeHMAC(
			s.cfg.IntakeHMACSecret,
			r.Header.Get("X-Artgate-Timestamp"),
			r.Header.Get("X-Artgate-Signature"),
			body,
			now,
			s.cfg.IntakeMaxSkew,
		); authErr != nil {
			writeError(w, authErr.status, authErr.code, authErr.message)
			return
		}
		if !s.markIntakeReplaySeen(r.Header.Get("X-Artgate-Timestamp"), r.Header.Get("X-Artgate-Signature"), now) {
			writeError(w, http.StatusUnauthorized, "unauthorized", "intake request replay detected")
			return
		}
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}
	if err := s.schema.Validate(doc); err != nil {
		writeError(w, http.StatusBadRequest, "schema_violation", err.Error())
		return
	}
	var req intakeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return
	}

	if !s.gate.AdmitEvent(req.EventID) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status":  "duplicate",
			"eventId": req.EventID,
		})
		return
	}

	category := strings.TrimSpace(req.Category)
	if category == "" {
		category = s.gate.Categories().Infer(req.Message)
	}

	results := make([]intakeFileResult, 0, len(req.Files))
	for i, file := range req.Files {
		if file.SizeBytes > s.cfg.MaxFileBytes {
			results = append(results, intakeFileResult{
				Name:   file.Name,
				Status: "refused",
				Reason: "file exceeds the size limit",
			})
			continue
		}
		rec, legal, err := s.gate.Admit(r.Context(), artgate.SubmissionInput{
			SourceEventID:    fileEventID(req.EventID, i),
			DeclaredName:     file.Name,
			DeclaredCategory: category,
			SizeBytes:        file.SizeBytes,
			PayloadRef:       file.URL,
			Submitter:        req.Submitter,
		})
		if err != nil {
			results = append(results, intakeFileResult{
				Name:   file.Name,
				Status: "refused",
				Reason: err.Error(),
			})
			continue
		}
		results = append(results, intakeFileResult{
			Name:              file.Name,
			Status:            "pending",
			CorrelationID:     rec.CorrelationID,
			CandidatePath:     rec.CandidatePath,
			TargetCategory:    rec.TargetCategory,
			DuplicateExisting: rec.DuplicateExisting,
			LegalActions:      legal,
			PromptHandle:      rec.PromptHandle,
		})
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"eventId": req.EventID,
		"results": results,
	})
}

// fileEventID keys per-file admission under the transport event so a
// multi-file event stays one dedup unit at the transport layer.
func fileEventID(eventID string, index int) string {
	if index == 0 {
		return eventID
	}
	return eventID + "#" + strconv.Itoa(index)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	var decision artgate.Decision
	if !s.decodeJSONBody(w, r, &decision) {
		return
	}
	outcome, err := s.gate.Dispatch(r.Context(), decision)
	if err != nil {
		var writeFailed *artgate.WriteFailedError
		switch {
		case errors.Is(err, artgate.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		case errors.Is(err, artgate.ErrUnknownSubmission):
			writeError(w, http.StatusNotFound, "unknown_submission", "no pending submission for this correlation id")
		case errors.Is(err, artgate.ErrIllegalAction):
			writeError(w, http.StatusConflict, "illegal_action", err.Error())
		case errors.Is(err, artgate.ErrAlreadyHandled):
			writeError(w, http.StatusConflict, "already_handled", "this submission was already decided")
		case errors.As(err, &writeFailed):
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"code":    "write_failed",
				"message": writeFailed.Reason,
				"path":    writeFailed.Path,
			})
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

func (s *Server) handleSubmissions(w http.ResponseWriter, _ *http.Request) {
	items := s.gate.Submissions()
	writeJSON(w, http.StatusOK, map[string]any{
		"total": len(items),
		"items": items,
	})
}

func (s *Server) handleSubmission(w http.ResponseWriter, _ *http.Request, id string) {
	rec, ok := s.gate.Submission(id)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_submission", "no pending submission for this correlation id")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.Status())
}

func (s *Server) markIntakeReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.IntakeMaxSkew
	s.replayMu.Lock()
	defer s.replayMu.Unlock()
	for replayKey, expiresAt := range s.replaySeen {
		if !now.Before(expiresAt) {
			delete(s.replaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.replaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.replaySeen[key] = now.Add(window)
	return true
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit")
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body")
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, ok := s.readRequestBody(w, r)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}
