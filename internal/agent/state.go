package agent

import (
	"fmt"
	"time"

	"github.com/dativo-io/guardrail/internal/llm"
	"github.com/dativo-io/guardrail/internal/pipeline"
)

// State is a step of one orchestrated turn.
type State string

const (
	StateAwaitingInputScan State = "AWAITING_INPUT_SCAN"
	StateScanningInput     State = "SCANNING_INPUT"
	StateCallingModel      State = "CALLING_MODEL"
	StateToolRequested     State = "TOOL_REQUESTED"
	StateExecutingTool     State = "EXECUTING_TOOL"
	StateCallingModelAgain State = "CALLING_MODEL_AGAIN"
	StateScanningOutput    State = "SCANNING_OUTPUT"
	StateDone              State = "DONE"
	StateRejected          State = "REJECTED"
	StateFailed            State = "FAILED"
)

var transitions = map[State][]State{
	StateAwaitingInputScan: {StateScanningInput, StateFailed},
	StateScanningInput:     {StateCallingModel, StateRejected, StateFailed},
	StateCallingModel:      {StateToolRequested, StateScanningOutput, StateRejected, StateFailed},
	StateToolRequested:     {StateExecutingTool, StateFailed},
	StateExecutingTool:     {StateCallingModelAgain, StateFailed},
	StateCallingModelAgain: {StateToolRequested, StateScanningOutput, StateRejected, StateFailed},
	StateScanningOutput:    {StateDone, StateRejected, StateFailed},
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateRejected || s == StateFailed
}

// ToolRecord describes one tool call requested during a turn.
type ToolRecord struct {
	CallID   string   `json:"call_id"`
	Name     string   `json:"name"`
	Executed bool     `json:"executed"`
	Denied   bool     `json:"denied,omitempty"`
	Reasons  []string `json:"reasons,omitempty"`
	Error    string   `json:"error,omitempty"`
	// Restored counts placeholders swapped back to originals in the arguments.
	Restored int `json:"restored,omitempty"`
	// Anonymized counts entities replaced in the tool output.
	Anonymized int `json:"anonymized,omitempty"`
}

// Outcome is the result of one Run. Conversation is a snapshot of the turns
// at the end of the run, including partial history on failure.
type Outcome struct {
	SessionID     string           `json:"session_id"`
	CorrelationID string           `json:"correlation_id"`
	State         State            `json:"state"`
	Output        string           `json:"output,omitempty"`
	InputScan     *pipeline.Result `json:"input_scan,omitempty"`
	OutputScan    *pipeline.Result `json:"output_scan,omitempty"`
	Tools         []ToolRecord     `json:"tools,omitempty"`
	ToolRounds    int              `json:"tool_rounds"`
	Conversation  []llm.Message    `json:"conversation,omitempty"`
	Transitions   []State          `json:"transitions"`
	Model         string           `json:"model,omitempty"`
	InputTokens   int              `json:"input_tokens"`
	OutputTokens  int              `json:"output_tokens"`
	Duration      time.Duration    `json:"duration"`
	Err           error            `json:"-"`
}

// ToolsCalled returns the names of tools that actually executed, in order.
func (o *Outcome) ToolsCalled() []string {
	var names []string
	for _, t := range o.Tools {
		if t.Executed {
			names = append(names, t.Name)
		}
	}
	return names
}

// Scores merges both pipelines' score maps, keyed "input.<id>" and "output.<id>".
func (o *Outcome) Scores() map[string]float64 {
	out := make(map[string]float64)
	if o.InputScan != nil {
		for id, s := range o.InputScan.Scores {
			out["input."+id] = s
		}
	}
	if o.OutputScan != nil {
		for id, s := range o.OutputScan.Scores {
			out["output."+id] = s
		}
	}
	return out
}

func newOutcome(sessionID, correlationID string) *Outcome {
	return &Outcome{
		SessionID:     sessionID,
		CorrelationID: correlationID,
		State:         StateAwaitingInputScan,
		Transitions:   []State{StateAwaitingInputScan},
	}
}

// advance moves to next, refusing transitions the state machine does not
// define.
func (o *Outcome) advance(next State) error {
	if !CanTransition(o.State, next) {
		return fmt.Errorf("invalid transition %s -> %s", o.State, next)
	}
	o.State = next
	o.Transitions = append(o.Transitions, next)
	return nil
}
