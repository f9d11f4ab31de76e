package embedding

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"strings"
	"unicode"
)

// Hashing is a deterministic bag-of-words embedder using signed feature
// hashing. Texts that share content words get a positive cosine similarity.
// It needs no network and is used for local development and tests.
type Hashing struct {
	dims int
}

func NewHashing(dims int) *Hashing {
	if dims <= 0 {
		dims = 256
	}
	return &Hashing{dims: dims}
}

func (h *Hashing) Dimensions() int { return h.dims }

func (h *Hashing) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, &Error{Provider: "hashing", Err: err}
	}

	tokens := ContentWords(text)
	if len(tokens) == 0 {
		tokens = words(text)
	}
	if len(tokens) == 0 {
		return nil, &Error{Provider: "hashing", Err: errors.New("no tokens in input")}
	}

	vec := make([]float32, h.dims)
	for _, tok := range tokens {
		f := fnv.New64a()
		_, _ = f.Write([]byte(tok))
		sum := f.Sum64()
		idx := int(sum % uint64(h.dims))
		if sum&(1<<63) != 0 {
			vec[idx] -= 1
		} else {
			vec[idx] += 1
		}
	}

	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		// Every token collided and cancelled out.
		vec[0] = 1
		return vec, nil
	}
	for i := range vec {
		vec[i] = float32(float64(vec[i]) / norm)
	}
	return vec, nil
}

var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "about": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "can": true, "could": true, "did": true, "do": true,
	"does": true, "for": true, "from": true, "had": true, "has": true, "have": true, "he": true,
	"her": true, "his": true, "how": true, "i": true, "in": true, "is": true, "it": true,
	"its": true, "me": true, "my": true, "of": true, "on": true, "or": true, "our": true,
	"she": true, "so": true, "tell": true, "that": true, "the": true, "their": true, "them": true,
	"they": true, "this": true, "to": true, "user": true, "was": true, "we": true, "were": true,
	"what": true, "when": true, "where": true, "which": true, "who": true, "why": true,
	"will": true, "with": true, "would": true, "you": true, "your": true,
}

// ContentWords lowercases text, splits it into words, strips possessives and
// drops stopwords.
func ContentWords(text string) []string {
	var out []string
	for _, w := range words(text) {
		if !stopwords[w] {
			out = append(out, w)
		}
	}
	return out
}

func words(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSuffix(f, "'s")
		f = strings.Trim(f, "'")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}
