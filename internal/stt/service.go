package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-sign/internal/bus"
	"github.com/loqalabs/loqa-sign/internal/config"
	"github.com/loqalabs/loqa-sign/internal/protocol"
	"github.com/nats-io/nats.go"
)

const transcribeTimeout = 45 * time.Second

// Service buffers the audio frames of a listen and publishes exactly one final
// transcript per listen on stt.text.final.<session>. A listen ends when the
// edge sends a final frame or when the requested window elapses.
type Service struct {
	cfg        config.STTConfig
	bus        *bus.Client
	recognizer Recognizer
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	subs   []*nats.Subscription
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*sessionState
	ready    bool
}

type sessionState struct {
	buffer     []byte
	sampleRate int
	channels   int
	timer      *time.Timer
}

func NewService(parent context.Context, cfg config.STTConfig, busClient *bus.Client, recognizer Recognizer, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:        cfg,
		bus:        busClient,
		recognizer: recognizer,
		logger:     log.With(slog.String("component", "stt-service")),
		ctx:        ctx,
		cancel:     cancel,
		sessions:   make(map[string]*sessionState),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	frames, err := s.bus.Conn().Subscribe(protocol.SubjectAudioFramePrefix+".>", s.handleFrame)
	if err != nil {
		return fmt.Errorf("subscribe audio frames: %w", err)
	}
	listens, err := s.bus.Conn().Subscribe(protocol.SubjectListenPrefix+".*", s.handleListen)
	if err != nil {
		_ = frames.Unsubscribe()
		return fmt.Errorf("subscribe listen requests: %w", err)
	}
	s.mu.Lock()
	s.subs = []*nats.Subscription{frames, listens}
	s.ready = true
	s.mu.Unlock()
	s.logger.Info("stt service started", slog.String("mode", s.cfg.Mode))
	return nil
}

func (s *Service) Close() {
	s.cancel()
	s.mu.Lock()
	subs := s.subs
	for _, state := range s.sessions {
		if state.timer != nil {
			state.timer.Stop()
		}
	}
	s.ready = false
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	s.wg.Wait()
	if closer, ok := s.recognizer.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn("failed to close recognizer", slogError(err))
		}
	}
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// handleListen arms the listen window. Frames that arrive without a request
// are still buffered; only the timeout depends on it.
func (s *Service) handleListen(msg *nats.Msg) {
	var req protocol.ListenRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode listen request", slogError(err))
		return
	}
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectListenPrefix+".")
	}
	window := time.Duration(req.TimeoutMS) * time.Millisecond
	if window <= 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.stateLocked(sessionID)
	if state.timer != nil {
		state.timer.Stop()
	}
	state.timer = time.AfterFunc(window, func() { s.finish(sessionID) })
}

func (s *Service) handleFrame(msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		s.logger.Warn("failed to decode audio frame", slogError(err))
		return
	}
	if frame.SessionID == "" {
		frame.SessionID = strings.TrimPrefix(msg.Subject, protocol.SubjectAudioFramePrefix+".")
	}

	s.mu.Lock()
	state := s.stateLocked(frame.SessionID)
	state.buffer = append(state.buffer, frame.PCM...)
	if frame.SampleRate > 0 {
		state.sampleRate = frame.SampleRate
	}
	if frame.Channels > 0 {
		state.channels = frame.Channels
	}
	s.mu.Unlock()

	if frame.Final {
		s.finish(frame.SessionID)
	}
}

func (s *Service) stateLocked(sessionID string) *sessionState {
	state := s.sessions[sessionID]
	if state == nil {
		state = &sessionState{sampleRate: s.cfg.SampleRate, channels: s.cfg.Channels}
		s.sessions[sessionID] = state
	}
	return state
}

// finish closes the listen and transcribes whatever was buffered. It runs at
// most once per listen because the state is removed under the lock.
func (s *Service) finish(sessionID string) {
	s.mu.Lock()
	state := s.sessions[sessionID]
	delete(s.sessions, sessionID)
	s.mu.Unlock()
	if state == nil {
		return
	}
	if state.timer != nil {
		state.timer.Stop()
	}
	if s.ctx.Err() != nil {
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, transcribeTimeout)
		defer cancel()

		msg := protocol.Transcript{SessionID: sessionID}
		if len(state.buffer) > 0 {
			result, err := s.recognizer.Transcribe(ctx, state.buffer, state.sampleRate, state.channels)
			if err != nil {
				s.logger.Warn("stt transcription failed", slog.String("session_id", sessionID), slogError(err))
				msg.Error = err.Error()
			} else {
				msg.Text = result.Text
				msg.Confidence = result.Confidence
			}
		}
		msg.Timestamp = time.Now().UTC()
		if err := s.bus.PublishJSON(protocol.TranscriptFinalSubject(sessionID), msg); err != nil {
			s.logger.Warn("failed to publish transcript", slogError(err))
		}
	}()
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
