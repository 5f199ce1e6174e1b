// Package worker owns the lifecycle of model requests: submission, one
// independently scheduled runner per request, status tracking, and
// cooperative cancellation that the host may invoke from any goroutine.
package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nickcecere/llmpipe/pkg/cache"
	"github.com/nickcecere/llmpipe/pkg/llm"
	"github.com/nickcecere/llmpipe/pkg/llm/anthropic"
	"github.com/nickcecere/llmpipe/pkg/llm/openai"
	"github.com/nickcecere/llmpipe/pkg/llm/transport"
)

// ---------------------------------------------------------------------------
// Handles and status
// ---------------------------------------------------------------------------

// Handle is an opaque reference to one submitted request, used for
// cancellation and status queries. Handles are never reused.
type Handle struct {
	id string
}

// ID returns the handle's identifier.
func (h Handle) ID() string { return h.id }

// State is the lifecycle state of a handle. Transitions are monotonic:
// Running → one of {Cancelled, Completed, Failed}, all absorbing.
type State string

const (
	StateIdle      State = "idle" // unknown handle / never submitted
	StateRunning   State = "running"
	StateCancelled State = "cancelled"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether s is an absorbing state.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateCompleted || s == StateFailed
}

// Status is a snapshot of one handle's state. Err is set only for StateFailed.
type Status struct {
	State State
	Err   error
}

// ---------------------------------------------------------------------------
// Host interface
// ---------------------------------------------------------------------------

// Callback receives stream events for one request, in strict arrival order,
// never concurrently for the same handle. Exactly one terminal event
// (done, error, or cancelled) ends the sequence. The callback must return
// promptly and must not panic; the runner does not time out a stuck callback.
type Callback func(ev llm.StreamEvent, h Handle)

// ToolHandler executes one tool call on behalf of the host, returning the
// result text handed back to the model.
type ToolHandler func(name, arguments string) (string, error)

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

// Settings configures one Worker instance. There is no process-wide state;
// independent workers with independent settings may coexist (e.g. one per
// editor window, or one with a mocked transport in tests).
type Settings struct {
	// Provider selects the backend adapter: "openai" or "anthropic".
	Provider string

	// BaseURL overrides the vendor default endpoint (e.g. an
	// OpenAI-compatible proxy or a local server).
	BaseURL string

	// APIKey authenticates against the gateway.
	APIKey string

	// Defaults applied to requests that leave the field unset.
	Model         string
	Temperature   *float64
	MaxTokens     int
	AssistantRole string

	// Stream is the default transport mode for requests built from these
	// settings by the host; the worker itself honors Request.Stream as-is.
	Stream bool

	// CacheDir roots the turn cache. Empty uses the user cache directory.
	CacheDir string

	// RequestTimeout bounds one gateway exchange including body reads.
	// Zero uses the transport default.
	RequestTimeout time.Duration

	// EventBufferSize sets the dispatch queue capacity (default 64).
	EventBufferSize int

	// MaxToolRounds caps follow-up requests triggered by tool calls
	// (default 4). Relevant only when a ToolHandler is configured.
	MaxToolRounds int
}

func (s Settings) withDefaults() Settings {
	if s.EventBufferSize <= 0 {
		s.EventBufferSize = 64
	}
	if s.MaxToolRounds <= 0 {
		s.MaxToolRounds = 4
	}
	return s
}

// Options holds optional dependencies for New. Zero values select the
// defaults; tests inject fakes here.
type Options struct {
	Logger      *slog.Logger
	ToolHandler ToolHandler

	// Adapter overrides the Provider-selected backend adapter.
	Adapter llm.Adapter
	// Transport overrides the HTTP client.
	Transport *transport.Client
	// Store overrides the cache store built from Settings.CacheDir.
	Store *cache.Store
}

// ---------------------------------------------------------------------------
// Worker
// ---------------------------------------------------------------------------

// Worker accepts requests and runs each on its own goroutine so a stalled
// stream never blocks another request or the host's Cancel/Status calls.
// All methods are safe for concurrent use.
type Worker struct {
	settings    Settings
	adapter     llm.Adapter
	client      *transport.Client
	store       *cache.Store
	toolHandler ToolHandler
	logger      *slog.Logger

	mu   sync.Mutex
	runs map[string]*run
}

// run tracks one submitted request. Terminal runs are retained so Status
// keeps answering after completion.
type run struct {
	cancel context.CancelFunc
	status Status
	done   chan struct{}
}

// New constructs a Worker from settings.
func New(settings Settings, opts Options) (*Worker, error) {
	settings = settings.withDefaults()

	adapter := opts.Adapter
	if adapter == nil {
		switch settings.Provider {
		case "openai":
			adapter = openai.New()
		case "anthropic":
			adapter = anthropic.New()
		default:
			return nil, fmt.Errorf("worker: unknown provider %q", settings.Provider)
		}
	}

	store := opts.Store
	if store == nil {
		dir := settings.CacheDir
		if dir == "" {
			base, err := os.UserCacheDir()
			if err != nil {
				return nil, fmt.Errorf("worker: resolve cache dir: %w", err)
			}
			dir = filepath.Join(base, "llmpipe")
		}
		var err error
		store, err = cache.NewStore(dir)
		if err != nil {
			return nil, err
		}
	}

	client := opts.Transport
	if client == nil {
		client = transport.NewClient(settings.RequestTimeout)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &Worker{
		settings:    settings,
		adapter:     adapter,
		client:      client,
		store:       store,
		toolHandler: opts.ToolHandler,
		logger:      logger,
		runs:        make(map[string]*run),
	}, nil
}

// Store exposes the worker's cache store (e.g. for history display or Evict).
func (w *Worker) Store() *cache.Store { return w.store }

// Submit validates the request, starts a runner on its own goroutine, and
// returns immediately. Progress is observable only through the callback and
// Status; Submit never blocks on the network.
func (w *Worker) Submit(req llm.Request, cb Callback) (Handle, error) {
	if cb == nil {
		return Handle{}, fmt.Errorf("worker: nil callback")
	}
	if err := req.Validate(); err != nil {
		return Handle{}, err
	}

	req = w.applyDefaults(req.Clone())
	if req.Model == "" {
		return Handle{}, fmt.Errorf("worker: no model configured")
	}

	h := Handle{id: uuid.NewString()}
	ctx, cancel := context.WithCancel(context.Background())
	rn := &run{
		cancel: cancel,
		status: Status{State: StateRunning},
		done:   make(chan struct{}),
	}

	w.mu.Lock()
	w.runs[h.id] = rn
	w.mu.Unlock()

	w.logger.Debug("request submitted",
		"handle", h.id, "conversation", req.ConversationID, "model", req.Model, "stream", req.Stream)

	go w.execute(ctx, cancel, h, rn, req, cb)
	return h, nil
}

func (w *Worker) applyDefaults(req llm.Request) llm.Request {
	if req.ConversationID == "" {
		req.ConversationID = uuid.NewString()
	}
	if req.Model == "" {
		req.Model = w.settings.Model
	}
	if req.Temperature == nil && w.settings.Temperature != nil {
		t := *w.settings.Temperature
		req.Temperature = &t
	}
	if req.MaxTokens == 0 {
		req.MaxTokens = w.settings.MaxTokens
	}
	if req.AssistantRole == "" {
		req.AssistantRole = w.settings.AssistantRole
	}
	return req
}

func (w *Worker) execute(ctx context.Context, cancel context.CancelFunc, h Handle, rn *run, req llm.Request, cb Callback) {
	defer cancel()
	defer close(rn.done)

	r := newRunner(w, h, req, cb)
	out := r.run(ctx)

	// The terminal status is recorded before the terminal callback fires and
	// before any cache entry for the turn becomes load-able by later turns.
	switch {
	case out.cancelled:
		w.setStatus(rn, StateCancelled, nil)
		w.logger.Debug("request cancelled", "handle", h.id)
	case out.err != nil:
		w.setStatus(rn, StateFailed, out.err)
		w.logger.Warn("request failed", "handle", h.id, "error", out.err)
	default:
		if err := r.persist(); err != nil {
			out.err = err
			w.setStatus(rn, StateFailed, err)
			w.logger.Warn("persist failed", "handle", h.id, "error", err)
		} else {
			w.setStatus(rn, StateCompleted, nil)
			w.logger.Debug("request completed", "handle", h.id)
		}
	}

	r.finish(out)
}

func (w *Worker) setStatus(rn *run, s State, err error) {
	w.mu.Lock()
	rn.status = Status{State: s, Err: err}
	w.mu.Unlock()
}

// Cancel requests cooperative cancellation of an in-flight request. It is
// idempotent: cancelling a terminal or unknown handle is a no-op, and
// repeated cancels have the same effect as one.
func (w *Worker) Cancel(h Handle) {
	w.mu.Lock()
	rn := w.runs[h.id]
	var cancel context.CancelFunc
	if rn != nil && rn.status.State == StateRunning {
		cancel = rn.cancel
	}
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Status returns the handle's current state. Unknown handles report Idle.
func (w *Worker) Status(h Handle) Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	if rn := w.runs[h.id]; rn != nil {
		return rn.status
	}
	return Status{State: StateIdle}
}

// Wait blocks until the handle is terminal and returns its final status.
// Unknown handles return immediately.
func (w *Worker) Wait(h Handle) Status {
	w.mu.Lock()
	rn := w.runs[h.id]
	w.mu.Unlock()
	if rn == nil {
		return Status{State: StateIdle}
	}
	<-rn.done
	return w.Status(h)
}
