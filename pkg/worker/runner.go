package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/nickcecere/llmpipe/pkg/cache"
	"github.com/nickcecere/llmpipe/pkg/llm"
	"github.com/nickcecere/llmpipe/pkg/llm/sse"
	"github.com/nickcecere/llmpipe/pkg/llm/transport"
	"github.com/nickcecere/llmpipe/pkg/tools"
)

// outcome is the result of one runner.run, consumed by the worker to pick
// the terminal state and by finish to pick the terminal event.
type outcome struct {
	cancelled bool
	err       error
}

// runner executes a single request: history assembly, the network exchange
// (iterated across tool rounds), delta accumulation, and event delivery.
// Events are handed to the host on a dedicated dispatch goroutine so the
// transport read loop is never blocked by a slow callback and the callback
// is never entered concurrently for one handle.
type runner struct {
	settings    Settings
	adapter     llm.Adapter
	client      *transport.Client
	store       *cache.Store
	toolHandler ToolHandler
	logger      *slog.Logger

	handle Handle
	req    llm.Request
	cb     Callback

	queue        chan llm.StreamEvent
	dispatchDone chan struct{}
	cancelled    atomic.Bool

	// exchanged collects the messages added this turn, including the
	// intermediate assistant and tool messages of tool rounds. Together
	// with final it forms the cache entry for the turn.
	exchanged []llm.Message
	final     llm.Message
	usage     llm.Usage
}

func newRunner(w *Worker, h Handle, req llm.Request, cb Callback) *runner {
	r := &runner{
		settings:     w.settings,
		adapter:      w.adapter,
		client:       w.client,
		store:        w.store,
		toolHandler:  w.toolHandler,
		logger:       w.logger,
		handle:       h,
		req:          req,
		cb:           cb,
		queue:        make(chan llm.StreamEvent, w.settings.EventBufferSize),
		dispatchDone: make(chan struct{}),
	}
	go r.dispatch()
	return r
}

func (r *runner) dispatch() {
	defer close(r.dispatchDone)
	for ev := range r.queue {
		// Once cancellation is observed, queued backlog is dropped so the
		// host sees nothing between its Cancel call and the terminal event.
		if r.cancelled.Load() && ev.Kind != llm.EventCancelled {
			continue
		}
		r.cb(ev, r.handle)
	}
}

func (r *runner) emit(ev llm.StreamEvent) {
	r.queue <- ev
}

// run drives the request to a final assistant message, iterating when the
// model asks for tool calls. It performs network work only; persistence and
// terminal delivery belong to the worker and finish.
func (r *runner) run(ctx context.Context) outcome {
	history, err := r.loadHistory()
	if err != nil {
		return outcome{err: err}
	}

	r.exchanged = append([]llm.Message(nil), r.req.Messages...)
	messages := append(history, r.exchanged...)

	for round := 0; ; round++ {
		if ctx.Err() != nil {
			return outcome{cancelled: true}
		}

		msg, err := r.round(ctx, messages)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return outcome{cancelled: true}
			}
			return outcome{err: err}
		}

		if len(msg.ToolCalls) > 0 && r.toolHandler != nil && round < r.settings.MaxToolRounds {
			results := r.runTools(msg.ToolCalls)
			r.exchanged = append(r.exchanged, msg)
			r.exchanged = append(r.exchanged, results...)
			messages = append(messages, msg)
			messages = append(messages, results...)
			continue
		}

		r.final = msg
		return outcome{}
	}
}

// loadHistory replays the conversation's cached turns as request context.
func (r *runner) loadHistory() ([]llm.Message, error) {
	if r.req.Ephemeral || r.store == nil {
		return nil, nil
	}
	entries, err := r.store.Load(r.req.ConversationID)
	if err != nil {
		return nil, err
	}
	var msgs []llm.Message
	for _, e := range entries {
		msgs = append(msgs, e.Request...)
		msgs = append(msgs, e.Response)
	}
	return msgs, nil
}

// round performs one gateway exchange and returns the assistant message it
// produced.
func (r *runner) round(ctx context.Context, messages []llm.Message) (llm.Message, error) {
	roundReq := r.req
	roundReq.Messages = messages

	payload, err := r.adapter.BuildPayload(roundReq)
	if err != nil {
		return llm.Message{}, err
	}

	resp, err := r.client.Do(ctx, transport.Request{
		URL:       r.adapter.Endpoint(r.settings.BaseURL),
		Headers:   r.adapter.Headers(r.settings.APIKey),
		Payload:   payload,
		Streaming: roundReq.Stream,
	})
	if err != nil {
		return llm.Message{}, err
	}

	if roundReq.Stream {
		return r.consumeStream(ctx, resp.Stream)
	}
	return r.consumeBody(resp.Body)
}

// consumeStream reads the SSE stream to its terminal marker, forwarding each
// decoded event and accumulating the full message. After the marker is seen
// no further chunk is read from the connection.
func (r *runner) consumeStream(ctx context.Context, st *transport.Stream) (llm.Message, error) {
	defer st.Close()

	dec := sse.NewDecoder(r.logger)
	var acc accumulator
	done := false

	for !done {
		if ctx.Err() != nil {
			return llm.Message{}, ctx.Err()
		}

		chunk, err := st.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return llm.Message{}, fmt.Errorf("worker: read stream: %w", err)
		}

		for _, frame := range dec.Feed(chunk) {
			events, d, derr := r.adapter.DecodeData([]byte(frame.Data))
			if derr != nil {
				// A malformed frame must not abort a healthy stream.
				r.logger.Warn("skipping malformed stream frame", "error", derr)
				continue
			}
			for _, ev := range events {
				if ev.Kind == llm.EventUsage && ev.Usage != nil {
					r.usage.Add(*ev.Usage)
				} else {
					acc.apply(ev)
				}
				r.emit(ev)
			}
			if d {
				done = true
				break
			}
		}
	}

	if !done {
		if err := dec.Finish(); err != nil {
			return llm.Message{}, err
		}
	}
	return acc.message(), nil
}

// consumeBody handles the non-streaming path. The callback contract stays
// the same as streaming: the full content arrives as one delta, tool calls
// as one fragment each, then the worker's terminal event.
func (r *runner) consumeBody(body []byte) (llm.Message, error) {
	msg, usage, err := r.adapter.ParseResponse(body)
	if err != nil {
		return llm.Message{}, err
	}
	if usage != nil {
		r.usage.Add(*usage)
	}

	if msg.Content != "" {
		r.emit(llm.StreamEvent{Kind: llm.EventContentDelta, Delta: msg.Content})
	}
	for i, tc := range msg.ToolCalls {
		r.emit(llm.StreamEvent{Kind: llm.EventToolCallDelta, ToolCall: &llm.ToolCallDelta{
			Index:          i,
			ID:             tc.ID,
			Name:           tc.Name,
			ArgumentsDelta: tc.Arguments,
		}})
	}
	return msg, nil
}

// runTools executes the round's tool calls in order and wraps each result as
// a tool message. Validation and handler failures become result text so the
// model can recover instead of aborting the turn.
func (r *runner) runTools(calls []llm.ToolCall) []llm.Message {
	results := make([]llm.Message, 0, len(calls))
	for _, tc := range calls {
		results = append(results, llm.Message{
			Role:       llm.RoleTool,
			Content:    r.invokeTool(tc),
			ToolCallID: tc.ID,
		})
	}
	return results
}

func (r *runner) invokeTool(tc llm.ToolCall) string {
	if def := tools.Find(r.req.Tools, tc.Name); def != nil {
		if err := tools.ValidateArgs(*def, tc.Arguments); err != nil {
			r.logger.Warn("tool arguments rejected", "tool", tc.Name, "error", err)
			return err.Error()
		}
	}
	out, err := r.toolHandler(tc.Name, tc.Arguments)
	if err != nil {
		r.logger.Warn("tool failed", "tool", tc.Name, "error", err)
		return "error: " + err.Error()
	}
	return out
}

// persist writes the completed turn to the cache. Called by the worker only
// on success, before the terminal status is set.
func (r *runner) persist() error {
	if r.req.Ephemeral || r.store == nil {
		return nil
	}

	var usage *llm.Usage
	if r.usage != (llm.Usage{}) {
		u := r.usage
		usage = &u
	}

	if err := r.store.Append(r.req.ConversationID, cache.Entry{
		Request:  r.exchanged,
		Response: r.final,
		Model:    r.req.Model,
		Usage:    usage,
	}); err != nil {
		return err
	}
	if err := r.store.WriteModel(r.req.ConversationID, cache.ModelInfo{
		Name:     r.req.Model,
		Provider: r.adapter.Name(),
	}); err != nil {
		return err
	}
	if usage != nil {
		if err := r.store.AddTokens(r.req.ConversationID, *usage); err != nil {
			return err
		}
	}
	return nil
}

// finish enqueues exactly one terminal event, closes the queue, and waits
// for the dispatcher to drain so no callback outlives the run.
func (r *runner) finish(out outcome) {
	switch {
	case out.cancelled:
		r.cancelled.Store(true)
		r.queue <- llm.StreamEvent{Kind: llm.EventCancelled}
	case out.err != nil:
		r.queue <- llm.StreamEvent{Kind: llm.EventError, Err: out.err}
	default:
		u := r.usage
		r.queue <- llm.StreamEvent{Kind: llm.EventDone, Usage: &u}
	}
	close(r.queue)
	<-r.dispatchDone
}

// ---------------------------------------------------------------------------
// Delta accumulation
// ---------------------------------------------------------------------------

// accumulator folds stream deltas back into a complete assistant message.
// Tool call fragments are keyed by index because gateways interleave and
// omit repeated identifiers across fragments.
type accumulator struct {
	text  strings.Builder
	calls map[int]*partialCall
	order []int
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func (a *accumulator) apply(ev llm.StreamEvent) {
	switch ev.Kind {
	case llm.EventContentDelta:
		a.text.WriteString(ev.Delta)
	case llm.EventToolCallDelta:
		tc := ev.ToolCall
		if tc == nil {
			return
		}
		c, ok := a.calls[tc.Index]
		if !ok {
			if a.calls == nil {
				a.calls = make(map[int]*partialCall)
			}
			c = &partialCall{}
			a.calls[tc.Index] = c
			a.order = append(a.order, tc.Index)
		}
		if tc.ID != "" {
			c.id = tc.ID
		}
		if tc.Name != "" {
			c.name = tc.Name
		}
		c.args.WriteString(tc.ArgumentsDelta)
	}
}

func (a *accumulator) message() llm.Message {
	msg := llm.Message{Role: llm.RoleAssistant, Content: a.text.String()}
	for _, idx := range a.order {
		c := a.calls[idx]
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:        c.id,
			Name:      c.name,
			Arguments: c.args.String(),
		})
	}
	return msg
}
