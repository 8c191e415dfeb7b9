// Package session runs the continuous recognition loop of a sign session:
// listen, resolve, present, then ask whether to continue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/cue"
	"github.com/loqalabs/loqa-sign/internal/presentation"
	"github.com/loqalabs/loqa-sign/internal/recognition"
	"github.com/loqalabs/loqa-sign/internal/translate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/loqalabs/loqa-sign/session"
	emitTimeout         = 10 * time.Second
)

var (
	ErrTerminated     = errors.New("session terminated")
	ErrUnknownSession = errors.New("unknown session")
	ErrInvalidSession = errors.New("invalid session id")
	ErrCyclePanic     = errors.New("session cycle panicked")
	ErrSessionsActive = errors.New("sessions are active")
)

type Translator interface {
	Translate(ctx context.Context, sessionID, text string) (translate.Result, error)
}

// Announcer reads recognized text back to the speaker. It must not block.
type Announcer interface {
	Announce(sessionID, text string)
}

// Deps are the collaborators a session works with. Announcer is optional.
type Deps struct {
	Recognizer recognition.Source
	Translator Translator
	Sink       presentation.Sink
	Cue        cue.Player
	Announcer  Announcer
}

type Options struct {
	ListenTimeout          time.Duration
	StartCue               string
	EndCue                 string
	BlockOnStartCue        bool
	ContinuePrompt         string
	NotUnderstoodPrompt    string
	TerminateOnUnavailable bool
}

func OptionsFromConfig(cfg config.SessionConfig) Options {
	return Options{
		ListenTimeout:          time.Duration(cfg.ListenTimeoutMS) * time.Millisecond,
		StartCue:               cfg.StartCue,
		EndCue:                 cfg.EndCue,
		BlockOnStartCue:        cfg.BlockOnStartCue,
		ContinuePrompt:         cfg.ContinuePrompt,
		NotUnderstoodPrompt:    cfg.NotUnderstoodPrompt,
		TerminateOnUnavailable: cfg.TerminateOnUnavailable,
	}
}

// Snapshot is a point-in-time view of a session.
type Snapshot struct {
	SessionID     string              `json:"session_id"`
	State         State               `json:"state"`
	Utterances    int                 `json:"utterances"`
	Events        uint64              `json:"events"`
	StopRequested bool                `json:"stop_requested,omitempty"`
	LastText      string              `json:"last_text,omitempty"`
	LastClips     []presentation.Clip `json:"last_clips,omitempty"`
	LastMissing   []string            `json:"last_missing,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

type instruments struct {
	tracer     trace.Tracer
	utterances metric.Int64Counter
	listen     metric.Float64Histogram
}

func newInstruments(log *slog.Logger) *instruments {
	meter := otel.Meter(instrumentationName)
	ins := &instruments{tracer: otel.Tracer(instrumentationName)}
	var err error
	if ins.utterances, err = meter.Int64Counter("sign.session.utterances",
		metric.WithDescription("Listen cycles by outcome")); err != nil {
		log.Warn("failed to create utterance counter", slog.String("error", err.Error()))
	}
	if ins.listen, err = meter.Float64Histogram("sign.session.listen.duration",
		metric.WithDescription("Time spent waiting on the recognition source"),
		metric.WithUnit("s")); err != nil {
		log.Warn("failed to create listen histogram", slog.String("error", err.Error()))
	}
	return ins
}

func (i *instruments) outcome(ctx context.Context, outcome string) {
	if i.utterances != nil {
		i.utterances.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	}
}

// Controller owns the state of one session. Start, Continue and Stop return
// immediately; every cycle and every emitted event runs on the controller's
// worker goroutine, so events of a session are always delivered in order.
type Controller struct {
	id   string
	deps Deps
	opts Options
	log  *slog.Logger
	ins  *instruments
	ctx  context.Context

	wake chan struct{}
	done chan struct{}
	seq  atomic.Uint64

	mu            sync.Mutex
	state         State
	stopRequested bool
	terminal      bool
	utterances    int
	lastText      string
	lastClips     []presentation.Clip
	lastMissing   []string
	lastErr       string
	createdAt     time.Time
	updatedAt     time.Time
}

func newController(ctx context.Context, id string, deps Deps, opts Options, ins *instruments, log *slog.Logger) *Controller {
	if deps.Cue == nil {
		deps.Cue = cue.Nop{}
	}
	now := time.Now().UTC()
	return &Controller{
		id:        id,
		deps:      deps,
		opts:      opts,
		log:       log.With(slog.String("session_id", id)),
		ins:       ins,
		ctx:       ctx,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		state:     Idle,
		createdAt: now,
		updatedAt: now,
	}
}

func (c *Controller) ID() string { return c.id }

// Done is closed once the session reaches Terminated or its worker exits.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start begins listening. It is a no-op while a cycle is already running.
func (c *Controller) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Terminated || c.stopRequested || c.terminal {
		return ErrTerminated
	}
	if c.state.Active() {
		return nil
	}
	if err := c.setStateLocked(AwaitingSpeech); err != nil {
		return err
	}
	c.signal()
	return nil
}

// Continue is the client's answer to the continuation prompt.
func (c *Controller) Continue() error {
	return c.Start()
}

// Stop ends the session. A listen already in flight is allowed to finish;
// the session terminates once that cycle reaches its continuation point.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Terminated || c.stopRequested {
		return
	}
	c.stopRequested = true
	c.updatedAt = time.Now().UTC()
	c.signal()
}

func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		SessionID:     c.id,
		State:         c.state,
		Utterances:    c.utterances,
		Events:        c.seq.Load(),
		StopRequested: c.stopRequested,
		LastText:      c.lastText,
		LastClips:     c.lastClips,
		LastMissing:   c.lastMissing,
		LastError:     c.lastErr,
		CreatedAt:     c.createdAt,
		UpdatedAt:     c.updatedAt,
	}
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Controller) setStateLocked(to State) error {
	if !CanTransition(c.state, to) {
		return transitionError{from: c.state, to: to}
	}
	c.log.Debug("session transition", slog.String("from", string(c.state)), slog.String("to", string(to)))
	c.state = to
	c.updatedAt = time.Now().UTC()
	return nil
}

func (c *Controller) transition(to State) {
	c.mu.Lock()
	err := c.setStateLocked(to)
	c.mu.Unlock()
	if err != nil {
		c.log.Error("session transition rejected", slog.String("error", err.Error()))
	}
}

// run is the session worker. It exits when the session terminates or ctx ends.
func (c *Controller) run() {
	defer close(c.done)
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
		}

		c.mu.Lock()
		state := c.state
		c.mu.Unlock()
		if state == AwaitingSpeech {
			c.cycle()
			if c.ctx.Err() != nil {
				return
			}
		}

		c.mu.Lock()
		finish := (c.stopRequested || c.terminal) && (c.state == Idle || c.state == AwaitingContinuation)
		if finish {
			if err := c.setStateLocked(Terminated); err != nil {
				c.log.Error("session transition rejected", slog.String("error", err.Error()))
			}
		}
		c.mu.Unlock()
		if finish {
			c.emit(presentation.Event{Type: presentation.SessionTerminated})
			c.log.Info("session terminated")
			return
		}
	}
}

// cycle runs one listen, resolve and present pass. It always ends in
// AwaitingContinuation unless the process is shutting down.
func (c *Controller) cycle() {
	ctx, span := c.ins.tracer.Start(c.ctx, "session.cycle", trace.WithAttributes(attribute.String("session.id", c.id)))
	defer span.End()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("session cycle panicked", slog.Any("panic", r), slog.String("stack", string(debug.Stack())))
			c.ins.outcome(ctx, "panic")
			if c.State().Active() {
				c.fail(fmt.Errorf("%w: %v", ErrCyclePanic, r), false)
			}
		}
	}()

	c.emit(presentation.Event{Type: presentation.Listening})
	if c.opts.BlockOnStartCue {
		if err := c.deps.Cue.Play(ctx, c.opts.StartCue); err != nil {
			c.log.Warn("start cue failed", slog.String("error", err.Error()))
		}
	} else {
		c.deps.Cue.PlayAsync(c.opts.StartCue)
	}

	started := time.Now()
	text, err := c.deps.Recognizer.Listen(ctx, c.id, c.opts.ListenTimeout)
	if c.ins.listen != nil {
		c.ins.listen.Record(ctx, time.Since(started).Seconds())
	}
	if ctx.Err() != nil {
		return
	}
	switch {
	case errors.Is(err, recognition.ErrNoSpeech):
		c.ins.outcome(ctx, "no_speech")
		c.log.Info("speech not understood")
		c.mu.Lock()
		c.lastText, c.lastClips, c.lastMissing = "", nil, nil
		c.mu.Unlock()
		c.emit(presentation.Event{Type: presentation.ResultsReady})
		c.transition(AwaitingContinuation)
		c.emit(presentation.Event{Type: presentation.PromptContinue, Message: c.opts.NotUnderstoodPrompt})
		return
	case err != nil:
		c.ins.outcome(ctx, "failed")
		c.fail(err, c.opts.TerminateOnUnavailable && errors.Is(err, recognition.ErrServiceUnavailable))
		return
	}

	c.ins.outcome(ctx, "recognized")
	c.transition(Resolving)
	c.log.Info("text recognized", slog.String("text", text))
	c.mu.Lock()
	c.utterances++
	c.lastText = text
	c.mu.Unlock()
	c.emit(presentation.Event{Type: presentation.TextRecognized, Text: text})
	if c.deps.Announcer != nil {
		c.deps.Announcer.Announce(c.id, text)
	}

	res, err := c.deps.Translator.Translate(ctx, c.id, text)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.fail(err, false)
		return
	}

	c.transition(Presenting)
	clips := make([]presentation.Clip, 0, len(res.Clips))
	for _, clip := range res.Clips {
		clips = append(clips, presentation.Clip{Word: clip.Word, Stem: clip.Stem, Kind: string(clip.Kind), URL: clip.URL})
	}
	c.mu.Lock()
	c.lastClips = clips
	c.lastMissing = res.Missing
	c.lastErr = ""
	c.mu.Unlock()
	c.emit(presentation.Event{Type: presentation.ResultsReady, Text: text, Clips: clips, Missing: res.Missing})
	c.deps.Cue.PlayAsync(c.opts.EndCue)

	c.transition(AwaitingContinuation)
	c.emit(presentation.Event{Type: presentation.PromptContinue, Message: c.opts.ContinuePrompt})
}

// fail reports err to the client and moves to AwaitingContinuation. A
// terminal failure skips the prompt; the worker then terminates the session.
func (c *Controller) fail(err error, terminal bool) {
	c.log.Warn("session cycle failed", slog.String("error", err.Error()), slog.Bool("terminal", terminal))
	c.mu.Lock()
	c.lastErr = err.Error()
	c.terminal = terminal
	c.mu.Unlock()
	c.emit(presentation.Event{Type: presentation.RecognitionFailed, Error: err.Error()})
	c.transition(AwaitingContinuation)
	if !terminal {
		c.emit(presentation.Event{Type: presentation.PromptContinue, Message: c.opts.ContinuePrompt})
	}
}

func (c *Controller) emit(evt presentation.Event) {
	if c.deps.Sink == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event sink panicked", slog.String("type", string(evt.Type)), slog.Any("panic", r))
		}
	}()
	evt.SessionID = c.id
	evt.Sequence = c.seq.Add(1)
	evt.Timestamp = time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.ctx), emitTimeout)
	defer cancel()
	if err := c.deps.Sink.Emit(ctx, evt); err != nil {
		c.log.Warn("event delivery failed", slog.String("type", string(evt.Type)), slog.String("error", err.Error()))
	}
}
