package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dativo-io/guardrail/internal/classifier"
	"github.com/dativo-io/guardrail/internal/llm"
	"github.com/dativo-io/guardrail/internal/pipeline"
	"github.com/dativo-io/guardrail/internal/scanner"
	"github.com/dativo-io/guardrail/internal/vault"
)

// Conversation is the ordered turn history of a session. Turns are only
// appended; a failed turn is rolled back as a whole.
type Conversation struct {
	turns []llm.Message
}

// Append adds turns to the end of the history.
func (c *Conversation) Append(msgs ...llm.Message) {
	c.turns = append(c.turns, msgs...)
}

// Len returns the number of turns.
func (c *Conversation) Len() int { return len(c.turns) }

// Messages returns a copy of the turns.
func (c *Conversation) Messages() []llm.Message {
	out := make([]llm.Message, len(c.turns))
	copy(out, c.turns)
	return out
}

func (c *Conversation) truncate(n int) {
	if n < len(c.turns) {
		c.turns = c.turns[:n]
	}
}

// Session is one conversation: its vault, the two scan pipelines around
// the model boundary, and the turn history. Run serializes turns on the
// same session.
type Session struct {
	ID      string
	Vault   *vault.Vault
	Input   *pipeline.Pipeline
	Output  *pipeline.Pipeline
	Created time.Time

	mu       sync.Mutex
	conv     Conversation
	lastUsed time.Time
	exchange string
}

// NewSession wires a vault and pipelines into a fresh session.
func NewSession(v *vault.Vault, input, output *pipeline.Pipeline) *Session {
	now := time.Now()
	return &Session{
		ID:       uuid.New().String(),
		Vault:    v,
		Input:    input,
		Output:   output,
		Created:  now,
		lastUsed: now,
	}
}

// Conversation returns a copy of the session history.
func (s *Session) Conversation() []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Messages()
}

// LastExchange returns the model-facing text of the last completed turn:
// its sanitized prompt and tool results. Placeholders outside it were never
// part of a finished exchange.
func (s *Session) LastExchange() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exchange
}

// LastUsed returns when the session last started a turn.
func (s *Session) LastUsed() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastUsed
}

// SessionFactory builds sessions from scanner names. Each session gets its
// own vault; classifiers and the detector are shared.
type SessionFactory struct {
	Detector       *classifier.Detector
	Deps           scanner.Deps
	Settings       scanner.Settings
	InputScanners  []string
	OutputScanners []string
	Mode           pipeline.Mode
	VaultOptions   []vault.Option
}

// New returns a session with a fresh vault and both pipelines.
func (f *SessionFactory) New() (*Session, error) {
	if f.Detector == nil {
		return nil, fmt.Errorf("session factory: detector is required")
	}
	v := vault.New(f.Detector, f.VaultOptions...)
	deps := f.Deps
	deps.Vault = v
	deps.Detector = f.Detector

	in, err := scanner.Build(f.InputScanners, deps, f.Settings)
	if err != nil {
		return nil, fmt.Errorf("building input scanners: %w", err)
	}
	out, err := scanner.Build(f.OutputScanners, deps, f.Settings)
	if err != nil {
		return nil, fmt.Errorf("building output scanners: %w", err)
	}
	mode := f.Mode
	if mode == "" {
		mode = pipeline.ModeChain
	}
	return NewSession(v,
		pipeline.New("input", in, pipeline.WithMode(mode)),
		pipeline.New("output", out, pipeline.WithMode(mode)),
	), nil
}
