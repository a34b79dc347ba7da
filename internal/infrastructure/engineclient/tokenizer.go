package engineclient

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// StandaloneTokenizer runs a short-lived subprocess that tokenizes text
// without requiring a full inference engine to be resident (spec §4.2),
// letting ModelSelector size the first engine start correctly.
type StandaloneTokenizer struct {
	binary             string
	args               []string
	perMessageOverhead int
	logger             *zap.Logger
}

// NewStandaloneTokenizer builds a tokenizer bound to a model's configured
// local_tokenizer spec.
func NewStandaloneTokenizer(binary string, args []string, perMessageOverhead int, logger *zap.Logger) *StandaloneTokenizer {
	return &StandaloneTokenizer{
		binary:             binary,
		args:               args,
		perMessageOverhead: perMessageOverhead,
		logger:             logger.With(zap.String("component", "standalone-tokenizer"), zap.String("binary", binary)),
	}
}

// EstimateTokens concatenates textual content from the request, writes it
// to the tokenizer subprocess's stdin, parses the trailing JSON integer
// array from stdout, and returns len(tokens) + max_tokens +
// message_count*per_message_overhead.
func (t *StandaloneTokenizer) EstimateTokens(ctx context.Context, requestBody []byte) int {
	parsed := parseRequestShape(requestBody)
	text := parsed.concatText()

	cmd := exec.CommandContext(ctx, t.binary, t.args...)
	cmd.Stdin = strings.NewReader(text)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		t.logger.Warn("standalone tokenizer failed, falling back to max_tokens", zap.Error(err))
		return parsed.MaxTokens
	}

	tokens, err := extractTokenArray(stdout.String())
	if err != nil {
		t.logger.Warn("failed to parse tokenizer output, falling back to max_tokens", zap.Error(err))
		return parsed.MaxTokens
	}

	return len(tokens) + parsed.MaxTokens + len(parsed.Messages)*t.perMessageOverhead
}

// extractTokenArray extracts the trailing `[int, ...]` literal from stdout,
// tolerating leading log noise, per spec §6:
// stdout[last('['): first(']')+1].
func extractTokenArray(stdout string) ([]int, error) {
	lastOpen := strings.LastIndex(stdout, "[")
	if lastOpen == -1 {
		var empty []int
		return empty, &parseError{"no '[' found in tokenizer output"}
	}
	rest := stdout[lastOpen:]
	firstClose := strings.Index(rest, "]")
	if firstClose == -1 {
		var empty []int
		return empty, &parseError{"no ']' found in tokenizer output"}
	}

	var tokens []int
	if err := json.Unmarshal([]byte(rest[:firstClose+1]), &tokens); err != nil {
		return nil, err
	}
	return tokens, nil
}

type parseError struct{ msg string }

func (e *parseError) Error() string { return e.msg }
