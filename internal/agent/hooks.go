package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// HookPoint names a place in the turn where hooks are dispatched.
type HookPoint string

const (
	HookPreModel  HookPoint = "pre_model"
	HookPostModel HookPoint = "post_model"
	HookPreTool   HookPoint = "pre_tool"
	HookPostTool  HookPoint = "post_tool"
	HookRejected  HookPoint = "rejected"
	HookDone      HookPoint = "done"
)

// haltable reports whether a Halt verdict at p stops the turn. Elsewhere
// the verdict is ignored.
func (p HookPoint) haltable() bool {
	return p == HookPreModel || p == HookPreTool
}

// Verdict is a hook's answer on whether the turn may go on.
type Verdict bool

const (
	Proceed Verdict = true
	Halt    Verdict = false
)

// Hook observes a turn at one point.
type Hook interface {
	Point() HookPoint
	Handle(ctx context.Context, ev *HookEvent) (Verdict, error)
}

// HookEvent is delivered to hooks. Payloads only ever carry placeholders
// and scores.
type HookEvent struct {
	SessionID     string          `json:"session_id"`
	CorrelationID string          `json:"correlation_id"`
	Point         HookPoint       `json:"stage"`
	At            time.Time       `json:"at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// decision reads the "decision" field of the payload. Missing or unparsable
// payloads count as allowed.
func (ev *HookEvent) decision() string {
	var p struct {
		Decision string `json:"decision"`
	}
	if len(ev.Payload) > 0 && json.Unmarshal(ev.Payload, &p) == nil && p.Decision == "deny" {
		return "denied"
	}
	return "allowed"
}

// HookConfig is one configured hook.
type HookConfig struct {
	Type string `yaml:"type" mapstructure:"type"` // "webhook"
	URL  string `yaml:"url" mapstructure:"url"`
	On   string `yaml:"on" mapstructure:"on"` // allowed, denied or all
}

// HookSet groups hooks by point. The zero value and a nil *HookSet are
// both usable and dispatch nothing.
type HookSet struct {
	mu    sync.RWMutex
	byPos map[HookPoint][]Hook
}

func NewHookSet() *HookSet {
	return &HookSet{byPos: make(map[HookPoint][]Hook)}
}

func (s *HookSet) Add(h Hook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.byPos == nil {
		s.byPos = make(map[HookPoint][]Hook)
	}
	s.byPos[h.Point()] = append(s.byPos[h.Point()], h)
}

// Count returns how many hooks are registered across all points.
func (s *HookSet) Count() int {
	if s == nil {
		return 0
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, hs := range s.byPos {
		n += len(hs)
	}
	return n
}

// Dispatch hands ev to every hook at point in registration order. A failing
// hook is logged and skipped. At haltable points the first Halt wins and the
// remaining hooks are not called.
func (s *HookSet) Dispatch(ctx context.Context, point HookPoint, ev *HookEvent) Verdict {
	if s == nil {
		return Proceed
	}
	s.mu.RLock()
	hooks := append([]Hook(nil), s.byPos[point]...)
	s.mu.RUnlock()
	if len(hooks) == 0 {
		return Proceed
	}

	ctx, span := tracer.Start(ctx, "hooks.dispatch",
		trace.WithAttributes(
			attribute.String("hook_point", string(point)),
			attribute.Int("hook_count", len(hooks)),
		))
	defer span.End()

	for _, h := range hooks {
		v, err := h.Handle(ctx, ev)
		if err != nil {
			log.Warn().Err(err).Str("hook_point", string(point)).Str("session_id", ev.SessionID).Msg("hook_failed")
			continue
		}
		if v == Halt && point.haltable() {
			span.SetAttributes(attribute.Bool("hook_halted", true))
			return Halt
		}
	}
	return Proceed
}

// Webhook posts events as JSON. Delivery problems are logged and never
// halt the turn.
type Webhook struct {
	point  HookPoint
	url    string
	on     string
	client *http.Client
}

func NewWebhook(point HookPoint, cfg HookConfig) *Webhook {
	return &Webhook{
		point:  point,
		url:    cfg.URL,
		on:     cfg.On,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *Webhook) Point() HookPoint { return w.point }

func (w *Webhook) wants(ev *HookEvent) bool {
	if w.on != "allowed" && w.on != "denied" {
		return true
	}
	return ev.decision() == w.on
}

func (w *Webhook) Handle(ctx context.Context, ev *HookEvent) (Verdict, error) {
	if w.url == "" || !w.wants(ev) {
		return Proceed, nil
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return Proceed, fmt.Errorf("encoding hook event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return Proceed, fmt.Errorf("building webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Guardrail-Hook", string(w.point))

	resp, err := w.client.Do(req) // #nosec G704 -- operator-configured URL
	if err != nil {
		log.Warn().Err(err).Str("url", w.url).Str("hook_point", string(w.point)).Msg("webhook_unreachable")
		return Proceed, nil
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 {
		log.Warn().Int("status", resp.StatusCode).Str("url", w.url).Msg("webhook_rejected_event")
		return Proceed, nil
	}
	log.Debug().Int("status", resp.StatusCode).Str("url", w.url).Msg("webhook_delivered")
	return Proceed, nil
}

// HookSetFromConfig builds webhooks keyed by point name. Entries without a
// URL or with an unknown type are skipped.
func HookSetFromConfig(cfg map[string][]HookConfig) *HookSet {
	set := NewHookSet()
	for name, entries := range cfg {
		for _, c := range entries {
			switch {
			case c.URL == "":
			case c.Type == "" || c.Type == "webhook":
				set.Add(NewWebhook(HookPoint(name), c))
			default:
				log.Warn().Str("type", c.Type).Str("hook_point", name).Msg("unknown_hook_type")
			}
		}
	}
	return set
}
