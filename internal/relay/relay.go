// Package relay runs one inbound message through logging, prompt assembly,
// the completion call and reply logging.
//
// Every message follows the same lifecycle:
//
//	Received → Logged → PromptBuilt → AwaitingCompletion → Replied | Failed
//
// The user message is written to the history store and then to the audit log
// before anything else happens; a write failure aborts the turn and is
// returned to the caller. Completion failures never reach the caller: the
// user receives a fixed fallback text and the error is logged.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/leadrelay/internal/control"
	"github.com/stupiduntilnot/leadrelay/internal/db"
	"github.com/stupiduntilnot/leadrelay/internal/lead"
	"github.com/stupiduntilnot/leadrelay/internal/metrics"
	modelpkg "github.com/stupiduntilnot/leadrelay/internal/model"
	"github.com/stupiduntilnot/leadrelay/internal/prompt"
)

// Modes of handling an inbound message.
const (
	ModeChat    = "chat"
	ModeLead    = "lead"
	ModeExtract = "extract"
	ModeTone    = "tone"
)

// Completion purposes, used for metrics and request parameters.
const (
	PurposeChat     = "chat"
	PurposeExtract  = "extract"
	PurposeOutreach = "outreach"
	PurposeTone     = "tone"
)

// Texts sent in place of a reply that could not be produced.
const (
	FallbackCompletion = "Sorry, I couldn't come up with a reply right now. Please try again in a moment."
	FallbackLead       = "Sorry, I couldn't extract useful information. Try rewriting your message."
	FallbackExtract    = "Sorry, I couldn't extract structured data."
	FallbackOutreach   = "Oops, couldn't create a message. Try again later."
	FallbackTone       = "Oops, I had a little hiccup - mind trying again?"
)

type params struct {
	maxTokens   int
	temperature float32
}

var purposeParams = map[string]params{
	PurposeChat:     {maxTokens: 400, temperature: 0.7},
	PurposeExtract:  {maxTokens: 700, temperature: 0.7},
	PurposeOutreach: {maxTokens: 200, temperature: 0.8},
	PurposeTone:     {maxTokens: 400, temperature: 0.8},
}

// HistoryWriter is the write side of the history store.
type HistoryWriter interface {
	Append(chatID int64, role prompt.Role, content string) error
}

// AuditWriter is the message audit log.
type AuditWriter interface {
	Append(chatID int64, role prompt.Role, content any) error
}

// Deps are the collaborators of an Orchestrator. Breaker, Journal and
// Metrics may be nil.
type Deps struct {
	History   HistoryWriter
	Audit     AuditWriter
	Assembler *prompt.Assembler
	Provider  modelpkg.Provider
	Breaker   *control.Breaker
	Journal   *db.Journal
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Options tune an Orchestrator.
type Options struct {
	Model                     string
	HistoryLimit              int
	IncludeAssistantInHistory bool
	Policy                    control.Policy
	// RootEventID parents every message.received event in the journal.
	RootEventID int64
}

// Orchestrator handles inbound messages. It is safe for concurrent use as
// long as its collaborators are.
type Orchestrator struct {
	deps Deps
	opts Options
	log  zerolog.Logger

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New creates an Orchestrator.
func New(deps Deps, opts Options) *Orchestrator {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = prompt.DefaultHistoryLimit
	}
	return &Orchestrator{
		deps:  deps,
		opts:  opts,
		log:   deps.Logger.With().Str("component", "relay").Logger(),
		now:   time.Now,
		sleep: sleepCtx,
	}
}

// TurnRef receives the identifiers of the turn an operation starts, so
// callers can attach their own journal events to it.
type TurnRef struct {
	ID      string
	EventID int64
}

type turnRefKey struct{}

// WithTurnRef returns a context whose next relay operation fills in the
// returned TurnRef.
func WithTurnRef(ctx context.Context) (context.Context, *TurnRef) {
	ref := &TurnRef{}
	return context.WithValue(ctx, turnRefKey{}, ref), ref
}

type turn struct {
	id      string
	chatID  int64
	mode    string
	eventID int64
	log     zerolog.Logger
}

func (o *Orchestrator) begin(ctx context.Context, chatID int64, mode, text string) *turn {
	t := &turn{
		id:     ulid.Make().String(),
		chatID: chatID,
		mode:   mode,
	}
	t.log = o.log.With().Str("turn_id", t.id).Int64("chat_id", chatID).Str("mode", mode).Logger()
	t.eventID = o.event(o.opts.RootEventID, db.EventMessageReceived, map[string]any{
		"turn_id": t.id,
		"chat_id": chatID,
		"mode":    mode,
		"text":    truncate(text, 1000),
	})
	if ref, ok := ctx.Value(turnRefKey{}).(*TurnRef); ok {
		ref.ID, ref.EventID = t.id, t.eventID
	}
	o.deps.Metrics.RecordMessage(mode)
	t.log.Info().Int("chars", len([]rune(text))).Msg("message received")
	return t
}

// Chat answers text with the chat system prompt and the chat's recent
// history.
func (o *Orchestrator) Chat(ctx context.Context, chatID int64, text string) (string, error) {
	t := o.begin(ctx, chatID, ModeChat, text)
	if err := o.logUser(t, text); err != nil {
		return "", err
	}

	messages, err := o.deps.Assembler.Build(chatID, prompt.ChatSystemPrompt, o.opts.HistoryLimit)
	if err != nil {
		t.log.Error().Err(err).Msg("prompt assembly failed")
		return o.finish(t, FallbackCompletion, "fallback")
	}
	o.event(t.eventID, db.EventContextAssembled, map[string]any{
		"history_count": len(messages) - 1,
		"limit":         o.opts.HistoryLimit,
	})

	reply, err := o.complete(ctx, t, PurposeChat, messages)
	if err != nil {
		t.log.Error().Err(err).Msg("completion failed, sending fallback")
		return o.finish(t, FallbackCompletion, "fallback")
	}
	return o.finish(t, reply, "ok")
}

// Lead extracts a lead from a company description and answers with an
// outreach message written in the lead's recommended tone.
func (o *Orchestrator) Lead(ctx context.Context, chatID int64, text string) (string, error) {
	t := o.begin(ctx, chatID, ModeLead, text)
	if err := o.logUser(t, text); err != nil {
		return "", err
	}

	l := o.extract(ctx, t, text)
	extracted := map[string]any{}
	if l != nil {
		extracted = map[string]any(l)
	}
	if err := o.audit(t, extracted); err != nil {
		return "", err
	}
	if l == nil {
		return o.finish(t, FallbackLead, "fallback")
	}

	system, err := lead.RenderOutreach(prompt.OutreachTemplate, l)
	if err != nil {
		t.log.Error().Err(err).Msg("outreach prompt failed")
		return o.finish(t, FallbackOutreach, "fallback")
	}
	reply, err := o.complete(ctx, t, PurposeOutreach, []prompt.Message{{Role: prompt.RoleSystem, Content: system}})
	if err != nil {
		t.log.Error().Err(err).Msg("outreach completion failed, sending fallback")
		return o.finish(t, FallbackOutreach, "fallback")
	}
	return o.finish(t, reply, "ok")
}

// Extract answers with the extracted lead as a JSON code block. markdown
// reports whether the reply must be sent with Markdown formatting.
func (o *Orchestrator) Extract(ctx context.Context, chatID int64, text string) (reply string, markdown bool, err error) {
	t := o.begin(ctx, chatID, ModeExtract, text)
	if err := o.logUser(t, text); err != nil {
		return "", false, err
	}

	l := o.extract(ctx, t, text)
	if l == nil {
		reply, err := o.finish(t, FallbackExtract, "fallback")
		return reply, false, err
	}

	// The structured object is audited as-is; the chat sees its rendering.
	reply = "```json\n" + l.JSON() + "\n```"
	if err := o.audit(t, map[string]any(l)); err != nil {
		return "", false, err
	}
	if err := o.remember(t, reply); err != nil {
		return "", false, err
	}
	o.replied(t, "ok")
	return reply, true, nil
}

// Tone answers text with the warm conversational system prompt, without
// history.
func (o *Orchestrator) Tone(ctx context.Context, chatID int64, text string) (string, error) {
	t := o.begin(ctx, chatID, ModeTone, text)
	if err := o.logUser(t, text); err != nil {
		return "", err
	}

	reply, err := o.complete(ctx, t, PurposeTone, prompt.SingleShot(prompt.ToneSystemPrompt, text))
	if err != nil {
		t.log.Error().Err(err).Msg("tone completion failed, sending fallback")
		return o.finish(t, FallbackTone, "fallback")
	}
	return o.finish(t, reply, "ok")
}

// extract returns nil when the model produced nothing usable.
func (o *Orchestrator) extract(ctx context.Context, t *turn, text string) lead.Lead {
	content, err := o.complete(ctx, t, PurposeExtract, prompt.SingleShot(prompt.LeadExtractionPrompt, text))
	if err != nil {
		t.log.Error().Err(err).Msg("extraction completion failed")
		o.event(t.eventID, db.EventExtractionEmpty, map[string]any{"reason": "completion"})
		return nil
	}
	l, err := lead.Parse(content)
	if err != nil {
		t.log.Warn().Err(err).Str("content", truncate(content, 200)).Msg("extraction unusable")
		reason := "decode"
		if errors.Is(err, lead.ErrEmpty) {
			reason = "empty"
		}
		o.event(t.eventID, db.EventExtractionEmpty, map[string]any{"reason": reason})
		return nil
	}
	return l
}

func (o *Orchestrator) logUser(t *turn, text string) error {
	if err := o.deps.History.Append(t.chatID, prompt.RoleUser, text); err != nil {
		return o.storageFailed(t, "history", err)
	}
	if err := o.deps.Audit.Append(t.chatID, prompt.RoleUser, text); err != nil {
		return o.storageFailed(t, "audit", err)
	}
	return nil
}

func (o *Orchestrator) audit(t *turn, content any) error {
	if err := o.deps.Audit.Append(t.chatID, prompt.RoleAssistant, content); err != nil {
		return o.storageFailed(t, "audit", err)
	}
	return nil
}

func (o *Orchestrator) remember(t *turn, reply string) error {
	if !o.opts.IncludeAssistantInHistory {
		return nil
	}
	if err := o.deps.History.Append(t.chatID, prompt.RoleAssistant, reply); err != nil {
		return o.storageFailed(t, "history", err)
	}
	return nil
}

// finish logs the reply that is about to be sent and returns it.
func (o *Orchestrator) finish(t *turn, reply, outcome string) (string, error) {
	if err := o.audit(t, reply); err != nil {
		return "", err
	}
	if err := o.remember(t, reply); err != nil {
		return "", err
	}
	o.replied(t, outcome)
	return reply, nil
}

func (o *Orchestrator) replied(t *turn, outcome string) {
	o.deps.Metrics.RecordReply(t.mode, outcome)
	t.log.Info().Str("outcome", outcome).Msg("reply ready")
}

func (o *Orchestrator) storageFailed(t *turn, log string, err error) error {
	t.log.Error().Err(err).Str("log", log).Msg("storage write failed")
	o.event(t.eventID, db.EventStorageFailed, map[string]any{
		"log":   log,
		"error": truncate(err.Error(), 500),
	})
	return fmt.Errorf("relay: %s write: %w", log, err)
}

// complete calls the provider with a per-attempt timeout, retrying
// retryable failures with exponential backoff behind the circuit breaker.
func (o *Orchestrator) complete(ctx context.Context, t *turn, purpose string, messages []prompt.Message) (string, error) {
	p := purposeParams[purpose]
	req := modelpkg.Request{
		Messages:    messages,
		Model:       o.opts.Model,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
	}
	policy := o.opts.Policy
	startedAt := o.now()

	for attempt := 1; ; attempt++ {
		if err := o.allow(t); err != nil {
			o.deps.Metrics.RecordCompletion(purpose, modelpkg.ClassCircuit, 0)
			return "", err
		}

		callStart := time.Now()
		content, err := o.call(ctx, policy, req)
		elapsed := time.Since(callStart)
		if err == nil {
			o.deps.Metrics.RecordCompletion(purpose, "ok", elapsed)
			o.recordSuccess(t)
			t.log.Debug().Str("purpose", purpose).Int("attempt", attempt).Dur("latency", elapsed).Msg("completion ok")
			return content, nil
		}

		class := errorClass(err)
		o.deps.Metrics.RecordCompletion(purpose, class, elapsed)
		o.recordFailure(t, class)
		o.event(t.eventID, db.EventCompletionFailed, map[string]any{
			"purpose":     purpose,
			"attempt":     attempt,
			"error_class": class,
			"error":       truncate(err.Error(), 500),
		})
		t.log.Warn().Err(err).Str("purpose", purpose).Int("attempt", attempt).Msg("completion attempt failed")

		var cerr *modelpkg.CompletionError
		if !errors.As(err, &cerr) || !cerr.Retryable() || ctx.Err() != nil {
			return "", err
		}
		backoff, stop := policy.Next(attempt, startedAt, o.now())
		if stop != nil {
			payload := map[string]any{
				"purpose":          purpose,
				"attempts":         attempt,
				"last_error_class": class,
			}
			var ex *control.ExhaustedError
			if errors.As(stop, &ex) {
				payload["budget"] = string(ex.Budget)
			}
			o.event(t.eventID, db.EventRetryExhausted, payload)
			return "", fmt.Errorf("%w: %w", stop, err)
		}
		o.deps.Metrics.RecordRetry()
		o.event(t.eventID, db.EventRetryScheduled, map[string]any{
			"purpose":     purpose,
			"attempt":     attempt,
			"backoff_ms":  backoff.Milliseconds(),
			"error_class": class,
		})
		if err := o.sleep(ctx, backoff); err != nil {
			return "", err
		}
	}
}

func (o *Orchestrator) call(ctx context.Context, policy control.Policy, req modelpkg.Request) (string, error) {
	ctx, cancel := policy.AttemptContext(ctx)
	defer cancel()
	resp, err := o.deps.Provider.ChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return "", &modelpkg.CompletionError{Class: modelpkg.ClassEmpty, Err: errors.New("empty completion content")}
	}
	return content, nil
}

func (o *Orchestrator) allow(t *turn) error {
	b := o.deps.Breaker
	if b == nil {
		return nil
	}
	ok, trippedBy := b.Allow(o.now())
	if ok {
		return nil
	}
	t.log.Warn().Str("tripped_by", trippedBy).Msg("circuit open, skipping completion")
	return &modelpkg.CompletionError{
		Class: modelpkg.ClassCircuit,
		Err:   fmt.Errorf("circuit open after repeated %s failures", trippedBy),
	}
}

func (o *Orchestrator) recordSuccess(t *turn) {
	if o.deps.Breaker == nil {
		return
	}
	if tr := o.deps.Breaker.Success(); tr.Changed() {
		o.event(o.opts.RootEventID, db.EventCircuitClosed, map[string]any{
			"turn_id": t.id,
			"from":    string(tr.From),
		})
		t.log.Info().Msg("circuit closed")
	}
}

func (o *Orchestrator) recordFailure(t *turn, class string) {
	b := o.deps.Breaker
	if b == nil {
		return
	}
	if tr := b.Failure(class, o.now()); tr.Changed() && tr.To == control.Open {
		o.event(o.opts.RootEventID, db.EventCircuitOpened, map[string]any{
			"error_class":      tr.Class,
			"from":             string(tr.From),
			"threshold":        b.Threshold(),
			"cooldown_seconds": int(b.Cooldown().Seconds()),
		})
		t.log.Warn().Str("error_class", tr.Class).Msg("circuit opened")
	}
}

// event writes to the journal; journal failures are logged and otherwise
// ignored.
func (o *Orchestrator) event(parent int64, eventType string, payload map[string]any) int64 {
	id, err := o.deps.Journal.Log(&parent, eventType, payload)
	if err != nil {
		o.log.Warn().Err(err).Str("event_type", eventType).Msg("journal write failed")
	}
	return id
}

func errorClass(err error) string {
	var cerr *modelpkg.CompletionError
	if errors.As(err, &cerr) {
		return cerr.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return modelpkg.ClassTimeout
	}
	return "unknown"
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
