package llm

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Client is a minimal LLM interface to allow pluggable providers.
type Client interface {
	// Answer generates an answer to question grounded in contexts and a
	// heuristic confidence in [0, 1].
	Answer(ctx context.Context, question string, contexts []string) (string, float32, error)
}

// StubClient echoes the retrieved context instead of calling a model.
type StubClient struct{}

func (StubClient) Answer(ctx context.Context, question string, contexts []string) (string, float32, error) {
	if err := ctx.Err(); err != nil {
		return "", 0, err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "This is a generated answer for '%s' based on the following context:", question)
	for _, c := range contexts {
		b.WriteString("\n- ")
		b.WriteString(c)
	}
	if len(contexts) == 0 {
		return b.String(), 0, nil
	}
	return b.String(), deriveConfidence(strings.Join(contexts, " ")), nil
}

// deriveConfidence returns a simple heuristic confidence based on answer length.
// This is not a model-provided probability; it just scales with content size.
func deriveConfidence(answer string) float32 {
	if answer == "" {
		return 0
	}
	score := 0.5 + 0.5*math.Tanh(float64(len(answer))/200.0)
	return float32(score)
}

func joinContexts(contexts []string) string {
	var b strings.Builder
	for i, c := range contexts {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, c)
	}
	return b.String()
}
