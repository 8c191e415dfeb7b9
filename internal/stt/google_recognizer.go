package stt

import (
	"context"
	"fmt"
	"strings"

	speech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/loqalabs/loqa-sign/internal/config"
	"google.golang.org/api/option"
)

// googleRecognizer sends each buffered utterance to Google Cloud
// Speech-to-Text as a single synchronous recognize call.
type googleRecognizer struct {
	client   *speech.Client
	language string
}

// NewGoogleRecognizer uses cfg.CredentialsFile when set and otherwise the
// ambient GOOGLE_APPLICATION_CREDENTIALS.
func NewGoogleRecognizer(ctx context.Context, cfg config.STTConfig) (Recognizer, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	language := cfg.Language
	if language == "" {
		language = "tr-TR"
	}
	return &googleRecognizer{client: client, language: language}, nil
}

func (g *googleRecognizer) Transcribe(ctx context.Context, pcm []byte, sampleRate int, channels int) (TranscriptResult, error) {
	if len(pcm) == 0 {
		return TranscriptResult{}, nil
	}
	resp, err := g.client.Recognize(ctx, &speechpb.RecognizeRequest{
		Config: &speechpb.RecognitionConfig{
			Encoding:          speechpb.RecognitionConfig_LINEAR16,
			SampleRateHertz:   int32(sampleRate),
			AudioChannelCount: int32(channels),
			LanguageCode:      g.language,
		},
		Audio: &speechpb.RecognitionAudio{
			AudioSource: &speechpb.RecognitionAudio_Content{Content: pcm},
		},
	})
	if err != nil {
		return TranscriptResult{}, fmt.Errorf("google recognize: %w", err)
	}

	var parts []string
	var confidence float64
	for _, r := range resp.GetResults() {
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		parts = append(parts, strings.TrimSpace(alts[0].GetTranscript()))
		confidence += float64(alts[0].GetConfidence())
	}
	if len(parts) == 0 {
		return TranscriptResult{}, nil
	}
	return TranscriptResult{Text: strings.Join(parts, " "), Confidence: confidence / float64(len(parts))}, nil
}

func (g *googleRecognizer) Close() error {
	return g.client.Close()
}
