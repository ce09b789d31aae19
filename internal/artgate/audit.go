package artgate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// AuditEntry is one terminal-outcome journal line. The journal is an
// observability artifact; the correlation store itself stays volatile.
type AuditEntry struct {
	CorrelationID string    `json:"correlationId"`
	SourceEventID string    `json:"sourceEventId,omitempty"`
	Category      string    `json:"category,omitempty"`
	Action        string    `json:"action"`
	Status        string    `json:"status"`
	Path          string    `json:"path,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurredAt"`
}

// AuditSink receives terminal outcomes best-effort; failures are logged by
// the gate, never surfaced to the decider.
type AuditSink interface {
	Record(ctx context.Context, entry AuditEntry) error
	Close() error
}

type AuditSinkFactory func(dsn string) (AuditSink, error)

var auditSinkRegistry = struct {
	mu        sync.RWMutex
	factories map[string]AuditSinkFactory
}{
	factories: map[string]AuditSinkFactory{},
}

func RegisterAuditSinkFactory(scheme string, factory AuditSinkFactory) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	if scheme == "" || factory == nil {
		return
	}
	auditSinkRegistry.mu.Lock()
	defer auditSinkRegistry.mu.Unlock()
	auditSinkRegistry.factories[scheme] = factory
}

func lookupAuditSinkFactory(scheme string) (AuditSinkFactory, bool) {
	scheme = strings.ToLower(strings.TrimSpace(scheme))
	auditSinkRegistry.mu.RLock()
	defer auditSinkRegistry.mu.RUnlock()
	factory, ok := auditSinkRegistry.factories[scheme]
	return factory, ok
}

// BuildAuditSinkFromDSN resolves a sink from its DSN scheme: memory://,
// file://<path> (or a bare path), postgres://. An empty DSN disables auditing.
func BuildAuditSinkFromDSN(dsn string) (AuditSink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	if factory, ok := lookupAuditSinkFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileAuditSink(path)
	case "memory", "mem", "inmem":
		return NewInMemoryAuditSink(), nil
	case "postgres", "postgresql":
		return NewPostgresAuditSink(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: audit sink %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported audit sink scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

type InMemoryAuditSink struct {
	mu      sync.Mutex
	entries []AuditEntry
}

func NewInMemoryAuditSink() *InMemoryAuditSink {
	return &InMemoryAuditSink{}
}

func (s *InMemoryAuditSink) Record(_ context.Context, entry AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
	return nil
}

func (s *InMemoryAuditSink) Entries() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.entries...)
}

func (s *InMemoryAuditSink) Close() error {
	return nil
}

// FileAuditSink appends JSON lines to a local file.
type FileAuditSink struct {
	mu   sync.Mutex
	path string
}

func NewFileAuditSink(path string) (*FileAuditSink, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &FileAuditSink{path: path}, nil
}

func (s *FileAuditSink) Record(_ context.Context, entry AuditEntry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	file, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		_ = file.Close()
		return err
	}
	return file.Close()
}

func (s *FileAuditSink) Close() error {
	return nil
}
