// Package copilot drives one chat turn end to end: it posts the prompt to the
// AI endpoint, accumulates the streamed reasoning and answer channels and
// commits the result into the session store.
package copilot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	applog "github.com/zhouzirui/z-copilot/backend/internal/log"
	"github.com/zhouzirui/z-copilot/backend/internal/model/chat"
	"github.com/zhouzirui/z-copilot/backend/internal/stream"
)

var (
	ErrTurnInFlight = errors.New("a turn is already in flight")
	ErrEmptyPrompt  = errors.New("prompt is required")
	// ErrCancelled is the cancellation cause recorded by Cancel.
	ErrCancelled = errors.New("turn cancelled")
)

// Markers appended to the answer when a turn does not complete normally.
const (
	InterruptedMarker = "\n[interrupted]"
	FailedMarker      = "\n[request failed]"
)

// Outcome is how a turn ended.
type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// Turn is the committed result of one submission.
type Turn struct {
	SessionID string         `json:"sessionId"`
	Mode      chat.Mode      `json:"mode"`
	Outcome   Outcome        `json:"outcome"`
	Messages  []chat.Message `json:"messages"`
	Label     string         `json:"label,omitempty"`
	// Err is the transport or read failure behind OutcomeFailed.
	Err error `json:"-"`
}

// Answer returns the committed answer text, if any.
func (t *Turn) Answer() string {
	for _, msg := range t.Messages {
		if msg.Role == chat.RoleAssistant && msg.Kind == chat.KindAnswer {
			return msg.Content
		}
	}
	return ""
}

// Streamer opens the upstream response body for a request.
type Streamer interface {
	Open(ctx context.Context, req Request) (io.ReadCloser, error)
}

// Transcripts is the slice of the session store a turn needs.
type Transcripts interface {
	GetSession(ctx context.Context, sessionID string) (chat.Session, error)
	LoadTranscript(ctx context.Context, sessionID string) ([]chat.Message, error)
	AppendMessages(ctx context.Context, sessionID string, msgs ...chat.Message) ([]chat.Message, error)
	SetLabelOnce(ctx context.Context, sessionID, label string) (bool, error)
	SetUpstreamSessionID(ctx context.Context, sessionID, upstreamID string) error
}

// Observer receives every delta as it is accumulated.
type Observer func(Delta)

type submitOptions struct {
	mode     chat.Mode
	observer Observer
}

// SubmitOption customises a single Submit call.
type SubmitOption func(*submitOptions)

// WithMode overrides the accumulator's default mode for one turn.
func WithMode(mode chat.Mode) SubmitOption {
	return func(o *submitOptions) {
		if mode != "" {
			o.mode = mode
		}
	}
}

// WithObserver streams deltas to fn while the turn is running. fn runs on
// the submitting goroutine.
func WithObserver(fn Observer) SubmitOption {
	return func(o *submitOptions) { o.observer = fn }
}

// Accumulator runs at most one turn at a time.
type Accumulator struct {
	streamer Streamer
	store    Transcripts
	mode     chat.Mode

	mu     sync.Mutex
	active bool
	cancel context.CancelCauseFunc
}

// NewAccumulator wires an accumulator to its upstream and session store.
func NewAccumulator(streamer Streamer, store Transcripts, mode chat.Mode) *Accumulator {
	if mode == "" {
		mode = chat.ModeChat
	}
	return &Accumulator{streamer: streamer, store: store, mode: mode}
}

// InFlight reports whether a turn is currently running.
func (a *Accumulator) InFlight() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// Cancel stops the running turn, if any. The turn still commits whatever it
// accumulated, marked as interrupted.
func (a *Accumulator) Cancel() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.active || a.cancel == nil {
		return false
	}
	a.cancel(ErrCancelled)
	return true
}

func (a *Accumulator) acquire(ctx context.Context) (context.Context, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active {
		return nil, ErrTurnInFlight
	}
	turnCtx, cancel := context.WithCancelCause(ctx)
	a.active = true
	a.cancel = cancel
	return turnCtx, nil
}

func (a *Accumulator) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		a.cancel(nil)
	}
	a.active = false
	a.cancel = nil
}

// Submit runs one turn for sessionID. A submission while another turn is in
// flight returns ErrTurnInFlight without touching the running turn.
// Cancellation and upstream failures are not errors: they come back as the
// turn's Outcome with the partial answer committed. The returned error is
// reserved for rejected submissions and session store failures.
func (a *Accumulator) Submit(ctx context.Context, sessionID, prompt string, opts ...SubmitOption) (*Turn, error) {
	if strings.TrimSpace(prompt) == "" {
		return nil, ErrEmptyPrompt
	}

	options := submitOptions{mode: a.mode}
	for _, opt := range opts {
		opt(&options)
	}

	turnCtx, err := a.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer a.release()

	session, err := a.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	history, err := a.store.LoadTranscript(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	user := chat.Message{Role: chat.RoleUser, Content: prompt}
	req := Request{
		Mode:              options.mode,
		Messages:          append(chat.History(history), chat.Wire{Role: user.Role, Content: user.Content}),
		Prompt:            prompt,
		UpstreamSessionID: session.UpstreamSessionID,
	}

	buffers := NewBuffers(options.mode)
	emit := func(d Delta) {
		if options.observer != nil {
			options.observer(d)
		}
	}

	readErr := a.run(turnCtx, req, buffers, emit)

	turn := &Turn{SessionID: sessionID, Mode: options.mode, Outcome: OutcomeCompleted}
	switch {
	case readErr == nil:
	case isCancellation(turnCtx, readErr):
		turn.Outcome = OutcomeCancelled
		emit(buffers.Mark(InterruptedMarker))
	default:
		turn.Outcome = OutcomeFailed
		turn.Err = readErr
		emit(buffers.Mark(FailedMarker))
	}

	logEvent := applog.Info()
	if turn.Outcome == OutcomeFailed {
		logEvent = applog.Warn().Err(readErr)
	}
	logEvent.
		Str("session", sessionID).
		Str("mode", string(options.mode)).
		Str("outcome", string(turn.Outcome)).
		Int("answerLen", len(buffers.Answer())).
		Int("reasoningLen", len(buffers.Reasoning())).
		Msg("turn finished")

	if err := a.commit(context.WithoutCancel(ctx), turn, user, buffers); err != nil {
		return turn, err
	}
	return turn, nil
}

func (a *Accumulator) run(ctx context.Context, req Request, buffers *Buffers, emit func(Delta)) error {
	body, err := a.streamer.Open(ctx, req)
	if err != nil {
		return err
	}
	defer body.Close()

	return stream.Read(ctx, body, func(raw string) error {
		for _, delta := range buffers.Apply(stream.Parse(raw)) {
			emit(delta)
		}
		return nil
	})
}

func isCancellation(ctx context.Context, err error) bool {
	if errors.Is(context.Cause(ctx), ErrCancelled) {
		return true
	}
	return errors.Is(err, context.Canceled) || errors.Is(ctx.Err(), context.Canceled)
}

func (a *Accumulator) commit(ctx context.Context, turn *Turn, user chat.Message, buffers *Buffers) error {
	msgs := append([]chat.Message{user}, buffers.Messages()...)
	stored, err := a.store.AppendMessages(ctx, turn.SessionID, msgs...)
	turn.Messages = stored
	if err != nil {
		return fmt.Errorf("commit turn: %w", err)
	}

	label := chat.LabelFromPrompt(user.Content)
	changed, err := a.store.SetLabelOnce(ctx, turn.SessionID, label)
	if err != nil {
		return fmt.Errorf("label session: %w", err)
	}
	if changed {
		turn.Label = label
	}

	if upstreamID := buffers.UpstreamSessionID(); upstreamID != "" {
		if err := a.store.SetUpstreamSessionID(ctx, turn.SessionID, upstreamID); err != nil {
			return fmt.Errorf("record upstream session: %w", err)
		}
	}
	return nil
}
