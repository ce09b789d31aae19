// Package dropwatch feeds a local drop folder into the submission gate. An
// artist saves a file under <root>/<category>/ and the watcher submits it the
// same way the HTTP intake would.
package dropwatch

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/assetflow/artgate/internal/artgate"
)

const defaultSettleDelay = 2 * time.Second

// Admitter is the slice of the gate the watcher needs.
type Admitter interface {
	AdmitEvent(sourceEventID string) bool
	Admit(ctx context.Context, input artgate.SubmissionInput) (artgate.SubmissionRecord, []artgate.Action, error)
}

type Options struct {
	Root      string
	Admitter  Admitter
	Submitter string

	// SettleDelay debounces write bursts: a file is submitted only after it
	// stops changing for this long.
	SettleDelay time.Duration

	// ScanExisting submits files already present under the root at startup.
	ScanExisting bool

	Logf func(format string, args ...any)
}

type Watcher struct {
	root        string
	admitter    Admitter
	submitter   string
	settleDelay time.Duration
	logf        func(format string, args ...any)

	fsw *fsnotify.Watcher

	mu      sync.Mutex
	pending map[string]*time.Timer
	closed  bool

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func New(opts Options) (*Watcher, error) {
	root := strings.TrimSpace(opts.Root)
	if root == "" {
		return nil, fmt.Errorf("%w: drop folder root is empty", artgate.ErrInvalidInput)
	}
	if opts.Admitter == nil {
		return nil, fmt.Errorf("%w: no admitter configured", artgate.ErrInvalidInput)
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: drop folder root %q is not a directory", artgate.ErrInvalidInput, absRoot)
	}
	settleDelay := opts.SettleDelay
	if settleDelay <= 0 {
		settleDelay = defaultSettleDelay
	}
	submitter := strings.TrimSpace(opts.Submitter)
	if submitter == "" {
		submitter = "drop-folder"
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}
	w := &Watcher{
		root:        absRoot,
		admitter:    opts.Admitter,
		submitter:   submitter,
		settleDelay: settleDelay,
		logf:        logf,
		pending:     map[string]*time.Timer{},
	}
	if opts.ScanExisting {
		w.scanExisting()
	}
	return w, nil
}

// Start begins watching the root and its subdirectories. It returns once the
// watch is registered; events are handled on a background goroutine until
// Close or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.addRecursive(fsw, w.root); err != nil {
		_ = fsw.Close()
		return err
	}
	w.fsw = fsw

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.wg.Add(1)
	go w.loop(loopCtx)
	return nil
}

func (w *Watcher) Close() {
	w.closeOnce.Do(func() {
		// Mark closed before cancelling so a settle timer that fires during
		// shutdown does not submit with a cancelled context.
		w.mu.Lock()
		w.closed = true
		for path, timer := range w.pending {
			timer.Stop()
			delete(w.pending, path)
		}
		w.mu.Unlock()
		if w.cancel != nil {
			w.cancel()
		}
		if w.fsw != nil {
			_ = w.fsw.Close()
		}
		w.wg.Wait()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logf("dropwatch: watch error: %v", err)
		}
	}
}

func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}
	path := event.Name
	if isHidden(filepath.Base(path)) {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if info.IsDir() {
		// New category folders get watched as they appear.
		if event.Op&fsnotify.Create != 0 {
			if err := w.fsw.Add(path); err != nil {
				w.logf("dropwatch: watch %s: %v", path, err)
			}
		}
		return
	}
	w.debounce(ctx, path)
}

// debounce re-arms the settle timer for the path; the submission fires only
// after the file stops changing.
func (w *Watcher) debounce(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if timer, ok := w.pending[path]; ok {
		timer.Stop()
	}
	w.pending[path] = time.AfterFunc(w.settleDelay, func() {
		w.mu.Lock()
		delete(w.pending, path)
		closed := w.closed
		w.mu.Unlock()
		if closed {
			return
		}
		w.submit(ctx, path)
	})
}

func (w *Watcher) submit(ctx context.Context, path string) {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return
	}
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}
	rel = filepath.ToSlash(rel)

	// The first path element under the root names the declared category;
	// files dropped at the root fall through to the default category.
	category := ""
	if idx := strings.IndexByte(rel, '/'); idx > 0 {
		category = rel[:idx]
	}

	sourceEventID := fmt.Sprintf("drop:%s:%d", rel, info.ModTime().UnixNano())
	if !w.admitter.AdmitEvent(sourceEventID) {
		return
	}
	rec, _, err := w.admitter.Admit(ctx, artgate.SubmissionInput{
		SourceEventID:    sourceEventID,
		DeclaredName:     filepath.Base(path),
		DeclaredCategory: category,
		SizeBytes:        info.Size(),
		PayloadRef:       "file://" + path,
		Submitter:        w.submitter,
	})
	if err != nil {
		w.logf("dropwatch: submit %s: %v", rel, err)
		return
	}
	w.logf("dropwatch: submitted %s as %s (%s)", rel, rec.CorrelationID, rec.CandidatePath)
}

func (w *Watcher) scanExisting() {
	_ = filepath.WalkDir(w.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if isHidden(entry.Name()) && path != w.root {
			if entry.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if entry.IsDir() {
			return nil
		}
		w.submit(context.Background(), path)
		return nil
	})
}

func (w *Watcher) addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if isHidden(entry.Name()) && path != root {
			return filepath.SkipDir
		}
		return fsw.Add(path)
	})
}

func isHidden(name string) bool {
	return strings.HasPrefix(name, ".")
}
