package tts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/bus"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/protocol"
)

const synthTimeout = 45 * time.Second

// Announcer reads recognized text back to the speaker so they can confirm
// what was heard. Audio is streamed to the edge on tts.audio.<session>.
type Announcer struct {
	cfg    config.ReadbackConfig
	bus    *bus.Client
	synth  Synthesizer
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAnnouncer(parent context.Context, cfg config.ReadbackConfig, busClient *bus.Client, synth Synthesizer, log *slog.Logger) *Announcer {
	ctx, cancel := context.WithCancel(parent)
	return &Announcer{
		cfg:    cfg,
		bus:    busClient,
		synth:  synth,
		logger: log.With(slog.String("component", "tts-readback")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// NewSynthesizer builds the voice selected by cfg.Mode.
func NewSynthesizer(cfg config.ReadbackConfig) (Synthesizer, error) {
	switch cfg.Mode {
	case "", "mock":
		return NewMockSynth(cfg.SampleRate, cfg.Channels), nil
	case "exec":
		return NewExecSynth(cfg.Command, cfg.SampleRate, cfg.Channels)
	default:
		return nil, fmt.Errorf("unknown readback mode %q", cfg.Mode)
	}
}

// Phrase renders the read-back sentence for text.
func (a *Announcer) Phrase(text string) string {
	if strings.Contains(a.cfg.Template, "%s") {
		return fmt.Sprintf(a.cfg.Template, text)
	}
	return strings.TrimSpace(a.cfg.Template + " " + text)
}

// Announce synthesizes the read-back in the background and returns at once.
func (a *Announcer) Announce(sessionID, text string) {
	if a.ctx.Err() != nil || strings.TrimSpace(text) == "" {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(a.ctx, synthTimeout)
		defer cancel()

		chunks, errs := a.synth.Synthesize(ctx, SynthRequest{SessionID: sessionID, Text: a.Phrase(text), Voice: a.cfg.Voice})
		sequence := 0
		for chunks != nil || errs != nil {
			select {
			case chunk, ok := <-chunks:
				if !ok {
					chunks = nil
					continue
				}
				chunk.Sequence = sequence
				sequence++
				a.publish(sessionID, chunk)
			case err, ok := <-errs:
				if ok && err != nil {
					a.logger.Warn("read-back synthesis failed", slog.String("session_id", sessionID), slogError(err))
				}
				errs = nil
			case <-ctx.Done():
				a.logger.Warn("read-back cancelled", slogError(ctx.Err()))
				return
			}
		}
	}()
}

func (a *Announcer) publish(sessionID string, chunk SynthChunk) {
	if a.bus == nil {
		return
	}
	packet := protocol.AudioChunk{
		SessionID:  sessionID,
		Sequence:   chunk.Sequence,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		PCM:        chunk.PCM,
		Final:      chunk.Final,
	}
	if err := a.bus.PublishJSON(protocol.TTSAudioSubject(sessionID), packet); err != nil {
		a.logger.Warn("failed to publish read-back audio", slogError(err))
	}
}

// Close cancels pending read-backs and waits for them to stop.
func (a *Announcer) Close() {
	a.cancel()
	a.wg.Wait()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
