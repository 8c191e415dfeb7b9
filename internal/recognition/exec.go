package recognition

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"
)

// noSpeechCode is the error value an external listener reports when the
// window closed without intelligible speech.
const noSpeechCode = "no_speech"

// ExecSource runs an external listener program once per listen. The program gets
// --language and --timeout-ms flags and prints {"text": "...", "error": "..."} on stdout.
type ExecSource struct {
	cmd      []string
	language string
}

type execResult struct {
	Text  string `json:"text"`
	Error string `json:"error"`
}

func NewExecSource(command, language string) (*ExecSource, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse recognition command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("recognition command is empty")
	}
	return &ExecSource{cmd: args, language: language}, nil
}

func (e *ExecSource) Listen(ctx context.Context, sessionID string, timeout time.Duration) (string, error) {
	// Allow the program a grace period past the listen window to report back.
	ctx, cancel := context.WithTimeout(ctx, timeout+5*time.Second)
	defer cancel()

	args := append([]string{}, e.cmd[1:]...)
	if e.language != "" {
		args = append(args, "--language", e.language)
	}
	args = append(args, "--timeout-ms", strconv.FormatInt(timeout.Milliseconds(), 10))

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	command.Env = append(command.Environ(), "LOQA_SESSION_ID="+sessionID)
	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return "", fmt.Errorf("%w: listener exceeded %s", ErrNoSpeech, timeout)
		case ctx.Err() != nil:
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: listener failed: %v: %s", ErrServiceUnavailable, err, strings.TrimSpace(stderr.String()))
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return "", fmt.Errorf("%w: decode listener response: %v", ErrServiceUnavailable, err)
	}
	return verdict(resp.Text, resp.Error)
}

// verdict maps a recognizer reply onto the Source contract.
func verdict(text, errText string) (string, error) {
	switch strings.TrimSpace(errText) {
	case "":
	case noSpeechCode:
		return "", ErrNoSpeech
	default:
		return "", fmt.Errorf("%w: %s", ErrServiceUnavailable, errText)
	}
	if strings.TrimSpace(text) == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}
