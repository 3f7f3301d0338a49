// Package agent drives the streaming conversation loop: it forwards LLM
// deltas to the client as they arrive, executes tool calls between rounds,
// and persists the filtered assistant turn when the model stops.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/chats"
	"github.com/loomhq/loom/internal/filter"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/mcp"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/pkg/models"
)

// DefaultMaxRounds bounds the LLM-stream/tool-execution cycles per turn.
const DefaultMaxRounds = 8

// emptyAfterFilterMessage is the canonical error surfaced when filtering
// removed the entire assistant response.
const emptyAfterFilterMessage = "AI response was empty after filtering tool-related content."

// Chunk is one element of the client stream: text to forward, or a terminal
// error. An error chunk is always the last one before the channel closes.
type Chunk struct {
	Text string
	Err  error
}

// LLMClient is the completion surface the orchestrator needs.
type LLMClient interface {
	CompleteStream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error)
}

// ToolRegistry resolves and executes tools.
type ToolRegistry interface {
	Filtered(sel models.ToolSelection) []models.ToolDescriptor
	ExecuteToolCall(ctx context.Context, name string, args json.RawMessage) (mcp.ToolOutcome, error)
}

// PromptSource supplies the system-role text.
type PromptSource interface {
	Value() string
}

// Orchestrator runs assistant turns. One instance serves all chats; each
// turn gets its own goroutine and output channel.
type Orchestrator struct {
	llm       LLMClient
	store     chats.Store
	registry  ToolRegistry
	filter    *filter.Filter
	prompt    PromptSource
	maxRounds int
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	logger    *slog.Logger
}

// Options configures an Orchestrator. Metrics and Tracer may be nil.
type Options struct {
	MaxRounds int
	Prompt    PromptSource
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

// New wires an orchestrator. MaxRounds falls back to DefaultMaxRounds.
func New(llmClient LLMClient, store chats.Store, registry ToolRegistry, f *filter.Filter, logger *slog.Logger, opts Options) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	maxRounds := opts.MaxRounds
	if maxRounds <= 0 {
		maxRounds = DefaultMaxRounds
	}
	return &Orchestrator{
		llm:       llmClient,
		store:     store,
		registry:  registry,
		filter:    f,
		prompt:    opts.Prompt,
		maxRounds: maxRounds,
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
		logger:    logger.With("component", "agent"),
	}
}

// StreamAssistantTurn runs one assistant turn for the chat and returns the
// chunk stream. The channel is always closed by the producer; transport and
// persistence failures surface as a final error chunk, never as a panic.
// Cancelling ctx aborts the upstream LLM stream and any in-flight tool call.
func (o *Orchestrator) StreamAssistantTurn(ctx context.Context, chatID string, userMsg models.ChatMessage, model string, sel models.ToolSelection) <-chan Chunk {
	out := make(chan Chunk)
	go func() {
		defer close(out)
		o.run(ctx, out, chatID, userMsg, model, sel)
	}()
	return out
}

// emit delivers one chunk, respecting cancellation. It reports false when
// the client is gone and the turn should stop.
func emit(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}

func (o *Orchestrator) run(ctx context.Context, out chan<- Chunk, chatID string, userMsg models.ChatMessage, model string, sel models.ToolSelection) {
	if o.tracer != nil {
		turnCtx, span := o.tracer.StartTurn(ctx, chatID, model)
		defer span.End()
		ctx = turnCtx
	}

	history, err := o.store.GetMessages(ctx, chatID)
	if err != nil {
		emit(ctx, out, Chunk{Err: fmt.Errorf("load chat history: %w", err)})
		return
	}
	// The facade persists the user message before streaming; only append it
	// here if it is not already the tail of the history.
	if len(history) == 0 || history[len(history)-1].ID != userMsg.ID || userMsg.ID == "" {
		history = append(history, userMsg)
	}

	tools := o.registry.Filtered(sel)
	system := ""
	if o.prompt != nil {
		system = o.prompt.Value()
	}

	working := history
	var raw strings.Builder

	for round := 0; ; round++ {
		if round >= o.maxRounds {
			o.logger.Warn("tool-call round limit reached", "chat_id", chatID, "rounds", round)
			emit(ctx, out, Chunk{Err: errors.New("tool-call rounds exceeded")})
			return
		}

		roundStart := time.Now()
		streamCtx, endStream := o.startStreamSpan(ctx, model, round)
		deltas, err := o.llm.CompleteStream(streamCtx, llm.Request{
			Model:    model,
			System:   system,
			Messages: working,
			Tools:    tools,
		})
		if err != nil {
			endStream(err)
			o.recordLLM(model, "error", roundStart)
			emit(ctx, out, Chunk{Err: fmt.Errorf("open llm stream: %w", err)})
			return
		}

		acc := newToolCallAccumulator()
		finish := ""
		for d := range deltas {
			if d.Err != nil {
				endStream(d.Err)
				o.recordLLM(model, "error", roundStart)
				emit(ctx, out, Chunk{Err: d.Err})
				return
			}
			if d.Content != "" {
				// Clients see the raw stream live, reasoning included; the
				// filter applies only at persistence time.
				if !emit(ctx, out, Chunk{Text: d.Content}) {
					return
				}
				raw.WriteString(d.Content)
			}
			acc.add(d.ToolCalls)
			if d.FinishReason != "" {
				finish = d.FinishReason
			}
		}
		endStream(nil)
		o.recordLLM(model, "success", roundStart)
		if ctx.Err() != nil {
			return
		}

		calls := acc.assembled()
		if finish == llm.FinishToolCalls || (finish == "" && len(calls) > 0) {
			results, ok := o.executeRound(ctx, out, chatID, calls)
			if !ok {
				return
			}
			working = appendToolRound(working, calls, results)
			continue
		}
		break
	}

	o.persistTurn(ctx, out, chatID, raw.String())
}

// executeRound announces and runs one round of tool calls sequentially,
// in stream order. Tool failures are non-fatal: the outcome is surfaced to
// the client and handed back to the model.
func (o *Orchestrator) executeRound(ctx context.Context, out chan<- Chunk, chatID string, calls []models.ToolCall) ([]models.ToolResult, bool) {
	results := make([]models.ToolResult, 0, len(calls))
	for _, call := range calls {
		if !emit(ctx, out, Chunk{Text: fmt.Sprintf("[Calling tool: %s]", call.Name)}) {
			return nil, false
		}

		callStart := time.Now()
		outcome, err := o.executeCall(ctx, call)
		if err != nil {
			if ctx.Err() != nil {
				return nil, false
			}
			outcome = mcp.ToolOutcome{Content: err.Error(), IsError: true}
		}
		o.recordTool(call.Name, !outcome.IsError, callStart)

		status := "[Tool result]"
		if outcome.IsError {
			status = fmt.Sprintf("[Tool execution failed: %s]", outcome.Content)
			o.logger.Warn("tool execution failed",
				"chat_id", chatID, "tool", call.Name, "error", outcome.Content)
		}
		if !emit(ctx, out, Chunk{Text: status}) {
			return nil, false
		}

		results = append(results, models.ToolResult{
			ToolCallID: call.ID,
			Content:    outcome.Content,
			IsError:    outcome.IsError,
		})
	}
	return results, true
}

// startStreamSpan opens the span covering one LLM stream round. The returned
// func ends it, recording err when non-nil. Both are no-ops without a tracer.
func (o *Orchestrator) startStreamSpan(ctx context.Context, model string, round int) (context.Context, func(error)) {
	if o.tracer == nil {
		return ctx, func(error) {}
	}
	streamCtx, span := o.tracer.StartLLMStream(ctx, model, round)
	return streamCtx, func(err error) {
		observability.RecordError(span, err)
		span.End()
	}
}

// executeCall invokes one tool, with a span around it when tracing is on.
func (o *Orchestrator) executeCall(ctx context.Context, call models.ToolCall) (mcp.ToolOutcome, error) {
	if o.tracer == nil {
		return o.registry.ExecuteToolCall(ctx, call.Name, call.Arguments)
	}
	callCtx, span := o.tracer.StartToolCall(ctx, call.Name)
	defer span.End()
	outcome, err := o.registry.ExecuteToolCall(callCtx, call.Name, call.Arguments)
	if err != nil {
		observability.RecordError(span, err)
	}
	return outcome, err
}

func (o *Orchestrator) recordLLM(model, status string, start time.Time) {
	if o.metrics != nil {
		o.metrics.RecordLLMRequest(model, status, time.Since(start).Seconds())
	}
}

func (o *Orchestrator) recordFilter(outcome string) {
	if o.metrics != nil {
		o.metrics.RecordFilterOutcome(outcome)
	}
}

func (o *Orchestrator) recordTool(name string, ok bool, start time.Time) {
	if o.metrics == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	o.metrics.RecordToolExecution(name, status, time.Since(start).Seconds())
}

// appendToolRound extends the working transcript with the assistant message
// carrying the tool_calls array (empty content) and one tool message per
// result, in invocation order.
func appendToolRound(working []models.ChatMessage, calls []models.ToolCall, results []models.ToolResult) []models.ChatMessage {
	working = append(working, models.ChatMessage{
		Role:      models.RoleAssistant,
		ToolCalls: calls,
	})
	for _, r := range results {
		working = append(working, models.ChatMessage{
			Role:       models.RoleTool,
			Content:    r.Content,
			ToolCallID: r.ToolCallID,
		})
	}
	return working
}

// persistTurn filters the accumulated model output and saves the assistant
// message. Nothing is persisted when filtering empties a non-empty stream or
// exceeds the size bound.
func (o *Orchestrator) persistTurn(ctx context.Context, out chan<- Chunk, chatID, rawText string) {
	filtered, err := o.filter.FilterForPersistence(rawText)
	if err != nil {
		o.recordFilter("too_long")
		emit(ctx, out, Chunk{Err: err})
		return
	}
	if rawText != "" && filtered == "" {
		o.recordFilter("empty")
		emit(ctx, out, Chunk{Err: errors.New(emptyAfterFilterMessage)})
		return
	}
	if filtered == rawText {
		o.recordFilter("unchanged")
	} else {
		o.recordFilter("filtered")
	}

	msg, err := o.store.Append(ctx, chatID, models.ChatMessage{
		Role:        models.RoleAssistant,
		ContentType: models.ContentTypeText,
		Content:     filtered,
	})
	if err != nil {
		emit(ctx, out, Chunk{Err: fmt.Errorf("persist assistant message: %w", err)})
		return
	}
	if filtered != rawText {
		if err := o.store.UpdateRawContent(ctx, msg.ID, rawText); err != nil {
			// The filtered turn is already saved; losing the raw copy is
			// logged, not surfaced.
			o.logger.Warn("store raw content failed", "chat_id", chatID, "message_id", msg.ID, "error", err)
		}
	}
}

// toolCallAccumulator assembles streamed tool-call fragments. Calls are
// keyed by stream index; the id and name stick from the first fragment that
// carries them and the argument fragments concatenate in arrival order.
type toolCallAccumulator struct {
	order []int
	byIdx map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

func newToolCallAccumulator() *toolCallAccumulator {
	return &toolCallAccumulator{byIdx: make(map[int]*partialCall)}
}

func (a *toolCallAccumulator) add(fragments []llm.ToolCallDelta) {
	for _, f := range fragments {
		p, ok := a.byIdx[f.Index]
		if !ok {
			p = &partialCall{}
			a.byIdx[f.Index] = p
			a.order = append(a.order, f.Index)
		}
		if f.ID != "" {
			p.id = f.ID
		}
		if f.Name != "" {
			p.name = f.Name
		}
		p.args.WriteString(f.ArgumentsFragment)
	}
}

func (a *toolCallAccumulator) assembled() []models.ToolCall {
	calls := make([]models.ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		p := a.byIdx[idx]
		if p.id == "" || p.name == "" {
			continue
		}
		args := p.args.String()
		if args == "" {
			args = "{}"
		}
		calls = append(calls, models.ToolCall{
			ID:        p.id,
			Name:      p.name,
			Arguments: json.RawMessage(args),
		})
	}
	return calls
}
