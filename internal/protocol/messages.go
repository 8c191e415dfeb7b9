package protocol

import "time"

// AudioFrame carries PCM audio captured by an edge microphone for one listen.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// ListenRequest asks the capturing edge to record one utterance for a session.
type ListenRequest struct {
	SessionID   string    `json:"session_id"`
	Language    string    `json:"language"`
	TimeoutMS   int       `json:"timeout_ms"`
	RequestedAt time.Time `json:"requested_at"`
}

// Transcript is the recognizer verdict for one listen. An empty Text with no
// Error means nothing intelligible was heard.
type Transcript struct {
	SessionID  string    `json:"session_id"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence float64   `json:"confidence,omitempty"`
}

// AudioChunk is synthesized read-back speech streamed to the edge speaker.
type AudioChunk struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

// SessionCommand drives a session from the bus instead of HTTP.
type SessionCommand struct {
	SessionID string `json:"session_id"`
}

const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectListenPrefix      = "stt.listen"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectTTSAudioPrefix    = "tts.audio"

	SubjectSessionStart    = "sign.session.start"
	SubjectSessionContinue = "sign.session.continue"
	SubjectSessionStop     = "sign.session.stop"
	SubjectEventPrefix     = "sign.event"
)

func AudioFrameSubject(sessionID string) string {
	return SubjectAudioFramePrefix + "." + sessionID
}

func ListenSubject(sessionID string) string {
	return SubjectListenPrefix + "." + sessionID
}

func TranscriptFinalSubject(sessionID string) string {
	return SubjectTranscriptFinal + "." + sessionID
}

func TranscriptPartialSubject(sessionID string) string {
	return SubjectTranscriptPartial + "." + sessionID
}

func TTSAudioSubject(sessionID string) string {
	return SubjectTTSAudioPrefix + "." + sessionID
}

func EventSubject(sessionID, eventType string) string {
	return SubjectEventPrefix + "." + sessionID + "." + eventType
}
