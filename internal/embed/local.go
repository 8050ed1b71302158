package embed

import (
	"context"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// LocalDimensions is the vector size of the hash-projection provider.
const LocalDimensions = 384

// Local is a deterministic, network-free embedding provider. Each token is
// projected into a fixed slot by hashing, weighted by term frequency, and
// the result is L2-normalised. The same text always embeds to the same
// vector, on any machine.
//
// Quality is far below a learned model; the point is a zero-dependency
// default that makes hybrid search work out of the box.
type Local struct{}

var _ Provider = (*Local)(nil)

// NewLocal creates the local provider.
func NewLocal() *Local {
	return &Local{}
}

func (l *Local) Name() string    { return "local" }
func (l *Local) Dimensions() int { return LocalDimensions }

// Embed embeds each text independently. Never fails.
func (l *Local) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		vectors[i] = l.embedOne(text)
	}
	return vectors, nil
}

func (l *Local) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	return l.embedOne(text), nil
}

func (l *Local) embedOne(text string) []float32 {
	tokens := Tokenize(text)

	tf := make(map[string]int, len(tokens))
	for _, tok := range tokens {
		tf[tok]++
	}

	vec := make([]float32, LocalDimensions)
	for tok, count := range tf {
		idx, sign := tokenSlot(tok)
		vec[idx] += sign * float32(count)
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		inv := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= inv
		}
	}
	return vec
}

// tokenSlot hashes a token to a vector index and a sign. The sign bit
// spreads collisions so unrelated tokens cancel instead of piling up.
func tokenSlot(tok string) (int, float32) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(tok))
	sum := h.Sum64()
	idx := int(sum % LocalDimensions)
	if sum&(1<<63) != 0 {
		return idx, -1
	}
	return idx, 1
}

// Tokenize lowercases, strips punctuation, splits on whitespace, and drops
// tokens of length two or less.
func Tokenize(text string) []string {
	cleaned := strings.Map(func(r rune) rune {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r):
			return unicode.ToLower(r)
		case unicode.IsSpace(r):
			return r
		default:
			return ' '
		}
	}, text)

	fields := strings.Fields(cleaned)
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 2 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}
