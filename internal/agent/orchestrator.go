// Package agent drives one guarded conversation turn: scan the input, call
// the model, run any tools it asks for, scan the output.
//
// A turn moves through AWAITING_INPUT_SCAN, SCANNING_INPUT, CALLING_MODEL,
// zero or more TOOL_REQUESTED/EXECUTING_TOOL/CALLING_MODEL_AGAIN rounds,
// SCANNING_OUTPUT and DONE. Either scan stage may end the turn in REJECTED;
// backend, loop and cancellation errors end it in FAILED.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dativo-io/guardrail/internal/agent/tools"
	"github.com/dativo-io/guardrail/internal/llm"
	guardotel "github.com/dativo-io/guardrail/internal/otel"
	"github.com/dativo-io/guardrail/internal/pipeline"
	"github.com/dativo-io/guardrail/internal/policy"
)

var tracer = guardotel.Tracer("github.com/dativo-io/guardrail/internal/agent")

// DefaultMaxToolRounds bounds tool round trips per turn.
const DefaultMaxToolRounds = 1

// DefaultSystemPrompt is the first turn of every new conversation.
const DefaultSystemPrompt = "You are a helpful assistant. Answer only the user's question. " +
	"Text in the form [REDACTED_KIND_N] stands for a private value; keep such tokens exactly as written. " +
	"Use the provided tools for arithmetic."

// Auditor records the outcome of a turn. Implementations must not store
// raw text.
type Auditor interface {
	Record(ctx context.Context, out *Outcome) error
}

// Config holds the dependencies for constructing an Orchestrator.
type Config struct {
	Provider      llm.Provider
	Model         string
	Tools         *tools.ToolRegistry // optional; nil = no tools offered
	Gate          *policy.ToolGate    // optional; nil = every registered tool allowed
	SystemPrompt  string              // "" = DefaultSystemPrompt; "-" = none
	MaxToolRounds int                 // <= 0 = DefaultMaxToolRounds
	Temperature   float64             // 0 = llm.DefaultTemperature
	MaxTokens     int                 // 0 = llm.DefaultMaxTokens
	CallTimeout   time.Duration       // 0 = llm.TimeoutLLMCall
	Hooks         *HookSet
	Breaker       *CircuitBreaker
	ToolFailures  *ToolFailureTracker
	Audit         Auditor
}

// Orchestrator runs turns. It holds no per-conversation state and is safe
// for concurrent use across sessions.
type Orchestrator struct {
	provider      llm.Provider
	model         string
	tools         *tools.ToolRegistry
	gate          *policy.ToolGate
	systemPrompt  string
	maxToolRounds int
	temperature   float64
	maxTokens     int
	callTimeout   time.Duration
	hooks         *HookSet
	breaker       *CircuitBreaker
	toolFailures  *ToolFailureTracker
	audit         Auditor
}

// NewOrchestrator applies defaults to cfg.
func NewOrchestrator(cfg Config) (*Orchestrator, error) {
	if cfg.Provider == nil {
		return nil, fmt.Errorf("orchestrator: %w", llm.ErrProviderNotAvailable)
	}
	o := &Orchestrator{
		provider:      cfg.Provider,
		model:         cfg.Model,
		tools:         cfg.Tools,
		gate:          cfg.Gate,
		systemPrompt:  cfg.SystemPrompt,
		maxToolRounds: cfg.MaxToolRounds,
		temperature:   cfg.Temperature,
		maxTokens:     cfg.MaxTokens,
		callTimeout:   cfg.CallTimeout,
		hooks:         cfg.Hooks,
		breaker:       cfg.Breaker,
		toolFailures:  cfg.ToolFailures,
		audit:         cfg.Audit,
	}
	switch o.systemPrompt {
	case "":
		o.systemPrompt = DefaultSystemPrompt
	case "-":
		o.systemPrompt = ""
	}
	if o.maxToolRounds <= 0 {
		o.maxToolRounds = DefaultMaxToolRounds
	}
	if o.temperature == 0 {
		o.temperature = llm.DefaultTemperature
	}
	if o.maxTokens <= 0 {
		o.maxTokens = llm.DefaultMaxTokens
	}
	if o.callTimeout <= 0 {
		o.callTimeout = llm.TimeoutLLMCall
	}
	if o.breaker == nil {
		o.breaker = NewCircuitBreaker(0, 0)
	}
	if o.toolFailures == nil {
		o.toolFailures = NewToolFailureTracker(0, 0)
	}
	return o, nil
}

// MaxToolRounds returns the effective tool round-trip bound.
func (o *Orchestrator) MaxToolRounds() int { return o.maxToolRounds }

// turn is the mutable state of one Run.
type turn struct {
	session *Session
	out     *Outcome
	input   string
	prompt  string // sanitized input
	history []string
	results []string // anonymized tool turn contents
}

// exchange is what the model was shown this turn: the sanitized prompt and
// every tool result. Output restoration and relevance are judged against it.
func (t *turn) exchange() string {
	if len(t.results) == 0 {
		return t.prompt
	}
	return t.prompt + "\n" + strings.Join(t.results, "\n")
}

// Run drives one turn of session with the raw user input.
//
// A REJECTED turn returns a nil error; Outcome.Err holds a *ScanRejection
// or ErrHookAborted. A FAILED turn returns its typed error both as the
// error and in Outcome.Err. Unless the turn reaches DONE, the session
// history is restored to what it was before Run.
func (o *Orchestrator) Run(ctx context.Context, s *Session, input string) (*Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastUsed = time.Now()

	ctx, span := tracer.Start(ctx, "agent.run",
		trace.WithAttributes(
			guardotel.SessionID.String(s.ID),
			attribute.Int("agent.max_tool_rounds", o.maxToolRounds),
		))
	defer span.End()

	start := time.Now()
	t := &turn{session: s, input: input, out: newOutcome(s.ID, uuid.New().String())}
	t.out.Model = o.model
	mark := s.conv.Len()

	log.Info().
		Str("session_id", s.ID).
		Str("correlation_id", t.out.CorrelationID).
		Func(guardotel.SpanFields(ctx)).
		Msg("orchestration_started")

	err := o.run(ctx, t)

	out := t.out
	out.Duration = time.Since(start)
	out.Conversation = s.conv.Messages()
	if out.State != StateDone {
		s.conv.truncate(mark)
	}
	if err != nil && !out.State.Terminal() {
		_ = out.advance(StateFailed)
	}
	if err != nil {
		out.Err = err
	}

	span.SetAttributes(
		attribute.String("agent.state", string(out.State)),
		attribute.Int("agent.tool_rounds", out.ToolRounds),
	)
	recordRun(ctx, out)

	switch out.State {
	case StateDone:
		span.SetStatus(codes.Ok, "done")
		o.fireHook(ctx, HookDone, out, map[string]interface{}{"decision": "allow", "tools": out.ToolsCalled()})
	case StateRejected:
		o.fireHook(ctx, HookRejected, out, map[string]interface{}{"decision": "deny", "reason": errString(out.Err), "scores": out.Scores()})
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, errString(err))
	}

	ev := log.Info()
	if out.State == StateFailed {
		ev = log.Warn().Err(out.Err)
	}
	ev.Str("session_id", s.ID).
		Str("correlation_id", out.CorrelationID).
		Str("state", string(out.State)).
		Int("tool_rounds", out.ToolRounds).
		Dur("duration", out.Duration).
		Func(guardotel.SpanFields(ctx)).
		Msg("orchestration_completed")

	if o.audit != nil {
		if aerr := o.audit.Record(ctx, out); aerr != nil {
			log.Error().Err(aerr).Str("session_id", s.ID).Msg("audit_record_failed")
		}
	}

	if out.State == StateFailed {
		return out, out.Err
	}
	return out, nil
}

func (o *Orchestrator) run(ctx context.Context, t *turn) error {
	s, out := t.session, t.out

	if err := out.advance(StateScanningInput); err != nil {
		return err
	}
	res, err := s.Input.Run(ctx, t.input, "")
	out.InputScan = res
	if err != nil {
		return cancelled(ctx, err)
	}
	if !res.IsValid() {
		out.Err = rejection("input", res)
		return out.advance(StateRejected)
	}
	t.prompt = res.Sanitized

	if s.conv.Len() == 0 && o.systemPrompt != "" {
		s.conv.Append(llm.Message{Role: llm.RoleSystem, Content: o.systemPrompt})
	}
	s.conv.Append(llm.Message{Role: llm.RoleUser, Content: t.prompt})

	next := StateCallingModel
	for {
		if err := out.advance(next); err != nil {
			return err
		}
		if !o.hookAllows(ctx, HookPreModel, out, map[string]interface{}{"round": out.ToolRounds}) {
			out.Err = fmt.Errorf("%w at %s", ErrHookAborted, HookPreModel)
			return out.advance(StateRejected)
		}

		resp, err := o.generate(ctx, s)
		if err != nil {
			return err
		}
		out.InputTokens += resp.InputTokens
		out.OutputTokens += resp.OutputTokens
		o.fireHook(ctx, HookPostModel, out, map[string]interface{}{
			"tool_calls": len(resp.ToolCalls),
			"finish":     resp.FinishReason,
		})

		if !resp.HasToolCalls() {
			return o.scanOutput(ctx, t, resp.Content)
		}

		s.conv.Append(llm.Message{Role: llm.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls})
		if out.ToolRounds >= o.maxToolRounds {
			return fmt.Errorf("%w: model requested %s after %d round(s)",
				ErrToolLoopExceeded, toolNames(resp.ToolCalls), out.ToolRounds)
		}

		if err := out.advance(StateToolRequested); err != nil {
			return err
		}
		if err := out.advance(StateExecutingTool); err != nil {
			return err
		}
		out.ToolRounds++
		for _, call := range resp.ToolCalls {
			if err := ctx.Err(); err != nil {
				return cancelled(ctx, err)
			}
			msg := o.executeTool(ctx, t, call)
			t.results = append(t.results, msg.Content)
			s.conv.Append(msg)
		}
		next = StateCallingModelAgain
	}
}

func (o *Orchestrator) generate(ctx context.Context, s *Session) (*llm.Response, error) {
	name := o.provider.Name()
	if err := o.breaker.Check(name); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, cancelled(ctx, err)
	}

	req := &llm.Request{
		Model:       o.model,
		Messages:    s.conv.Messages(),
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	}
	if o.tools != nil {
		req.Tools = o.tools.Definitions()
	}

	callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	resp, err := o.provider.Generate(callCtx, req)
	if err != nil {
		o.breaker.RecordFailure(name)
		return nil, backendError(ctx, err)
	}
	if resp == nil {
		o.breaker.RecordFailure(name)
		return nil, fmt.Errorf("%w: %s returned no response", ErrBackendUnavailable, name)
	}
	o.breaker.RecordSuccess(name)
	return resp, nil
}

func (o *Orchestrator) scanOutput(ctx context.Context, t *turn, content string) error {
	s, out := t.session, t.out
	if err := out.advance(StateScanningOutput); err != nil {
		return err
	}
	exchange := t.exchange()
	res, err := s.Output.Run(ctx, content, exchange)
	out.OutputScan = res
	if err != nil {
		return cancelled(ctx, err)
	}
	if !res.IsValid() {
		out.Err = rejection("output", res)
		return out.advance(StateRejected)
	}
	s.conv.Append(llm.Message{Role: llm.RoleAssistant, Content: content})
	s.exchange = exchange
	out.Output = res.Sanitized
	return out.advance(StateDone)
}

// executeTool returns the tool turn for call. Every failure here becomes
// an error message for the model; none aborts the turn.
func (o *Orchestrator) executeTool(ctx context.Context, t *turn, call llm.ToolCall) llm.Message {
	s, out := t.session, t.out
	rec := ToolRecord{CallID: call.ID, Name: call.Name}
	msg := llm.Message{Role: llm.RoleTool, Name: call.Name, ToolCallID: call.ID}

	args, restored := restoreArguments(ctx, s.Vault, call.Name, call.Arguments)
	rec.Restored = restored

	fail := func(err error) llm.Message {
		rec.Error = err.Error()
		out.Tools = append(out.Tools, rec)
		msg.Content = toolErrorContent(err)
		return msg
	}

	if o.gate != nil {
		decision, err := o.gate.Evaluate(ctx, policy.ToolRequest{Tool: call.Name, Params: args, History: t.history})
		if err != nil {
			return fail(fmt.Errorf("tool policy evaluation failed: %w", err))
		}
		if !decision.Allowed {
			rec.Denied = true
			rec.Reasons = decision.Reasons
			log.Warn().
				Str("session_id", s.ID).
				Str("tool", call.Name).
				Strs("reasons", decision.Reasons).
				Msg("tool_call_denied")
			return fail(fmt.Errorf("tool call denied: %s", strings.Join(decision.Reasons, "; ")))
		}
	}
	if !o.hookAllows(ctx, HookPreTool, out, map[string]interface{}{"tool": call.Name}) {
		return fail(fmt.Errorf("%w at %s", ErrHookAborted, HookPreTool))
	}
	if o.tools == nil {
		return fail(fmt.Errorf("%w: %s", tools.ErrToolNotFound, call.Name))
	}

	res, err := o.tools.Invoke(ctx, llm.ToolCall{ID: call.ID, Name: call.Name, Arguments: args})
	if err != nil {
		o.toolFailures.Record(call.Name, err.Error())
		return fail(err)
	}
	t.history = append(t.history, call.Name)
	rec.Executed = true
	if res.Failed() {
		rec.Error = res.Err.Error()
		o.toolFailures.Record(call.Name, res.Err.Error())
	}

	content, n := anonymizeResult(ctx, s.Vault, call.Name, res.Content)
	rec.Anonymized = n
	out.Tools = append(out.Tools, rec)
	o.fireHook(ctx, HookPostTool, out, map[string]interface{}{"tool": call.Name, "failed": res.Failed()})

	msg.Content = content
	return msg
}

func (o *Orchestrator) hookAllows(ctx context.Context, point HookPoint, out *Outcome, payload interface{}) bool {
	return o.hooks.Dispatch(ctx, point, hookEvent(point, out, payload)) == Proceed
}

func (o *Orchestrator) fireHook(ctx context.Context, point HookPoint, out *Outcome, payload interface{}) {
	o.hooks.Dispatch(ctx, point, hookEvent(point, out, payload))
}

func hookEvent(point HookPoint, out *Outcome, payload interface{}) *HookEvent {
	b, _ := json.Marshal(payload)
	return &HookEvent{
		SessionID:     out.SessionID,
		CorrelationID: out.CorrelationID,
		Point:         point,
		At:            time.Now().UTC(),
		Payload:       b,
	}
}

func rejection(stage string, res *pipeline.Result) *ScanRejection {
	return &ScanRejection{Stage: stage, Failed: res.FailedScanners(), Scores: res.Scores}
}

// backendError maps a provider error onto ErrBackendTimeout or
// ErrBackendUnavailable. Cancellation by the caller is reported as such.
func backendError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return cancelled(ctx, err)
	}
	if errors.Is(err, llm.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

func cancelled(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil && !errors.Is(err, cerr) {
		return fmt.Errorf("%w: %w: %w", ErrCancelled, err, cerr)
	}
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}

func toolErrorContent(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

func toolNames(calls []llm.ToolCall) string {
	names := make([]string, len(calls))
	for i, c := range calls {
		names[i] = c.Name
	}
	return strings.Join(names, ",")
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
