package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"inferd/pkg/types"
)

// The fallback generator produces output without any compute runtime. It is
// a pure function of (prompt, params) so callers can assert on it with
// equality, and its token sequence concatenates exactly to the full text.

const fallbackDefaultTokens = 32

var fallbackOpeners = []string{
	"Sure.", "Okay.", "Certainly.", "Alright.", "Understood.",
}

var fallbackFillers = []string{
	"local", "model", "runtime", "tokens", "context", "memory",
	"weights", "inference", "stream", "sampling", "prompt", "output",
}

// fallbackText returns the deterministic completion for a prompt.
func fallbackText(prompt string, params types.GenerateParams) string {
	return strings.Join(fallbackTokens(prompt, params), "")
}

// fallbackTokens returns the fragment sequence whose concatenation is
// fallbackText(prompt, params).
func fallbackTokens(prompt string, params types.GenerateParams) []string {
	h := fnv.New64a()
	h.Write([]byte(prompt))
	fmt.Fprintf(h, "|%d|%g|%g|%d", params.MaxTokens, params.Temperature, params.TopP, params.TopK)
	seed := h.Sum64()

	maxTokens := params.MaxTokens
	if maxTokens <= 0 {
		maxTokens = fallbackDefaultTokens
	}

	tokens := []string{
		fallbackOpeners[seed%uint64(len(fallbackOpeners))],
		" You said: ",
		prompt,
		".",
	}
	// The preamble always survives tiny budgets so the output stays non-empty
	// and prompt-bearing.
	rng := seed
	for len(tokens) < maxTokens {
		rng = rng*6364136223846793005 + 1442695040888963407
		tokens = append(tokens, " "+fallbackFillers[(rng>>33)%uint64(len(fallbackFillers))])
	}
	return applyStop(tokens, params.Stop)
}

// applyStop truncates the token sequence at the earliest occurrence of any
// stop sequence in the concatenated text, mirroring how samplers cut off.
func applyStop(tokens []string, stops []string) []string {
	if len(stops) == 0 {
		return tokens
	}
	text := strings.Join(tokens, "")
	cut := -1
	for _, s := range stops {
		if s == "" {
			continue
		}
		if i := strings.Index(text, s); i >= 0 && (cut < 0 || i < cut) {
			cut = i
		}
	}
	if cut < 0 {
		return tokens
	}
	// rebuild fragments up to the cut point, splitting the boundary token
	out := make([]string, 0, len(tokens))
	pos := 0
	for _, tok := range tokens {
		if pos+len(tok) <= cut {
			out = append(out, tok)
			pos += len(tok)
			continue
		}
		if cut > pos {
			out = append(out, tok[:cut-pos])
		}
		break
	}
	return out
}

// fallbackSession adapts the deterministic generator to the RuntimeSession
// surface so the engine drives both modes identically.
type fallbackSession struct{}

func (fallbackSession) Generate(ctx context.Context, prompt string, params types.GenerateParams, onToken func(string) error) (string, error) {
	var b strings.Builder
	for _, tok := range fallbackTokens(prompt, params) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if onToken != nil {
			if err := onToken(tok); err != nil {
				return "", err
			}
		}
		b.WriteString(tok)
	}
	return b.String(), nil
}

func (fallbackSession) Close() error { return nil }
