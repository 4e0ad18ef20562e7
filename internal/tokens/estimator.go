// Package tokens estimates token counts for cached responses whose
// exact usage the cloud did not report.
package tokens

import (
	"fmt"

	"github.com/tiktoken-go/tokenizer"
)

// Estimator counts tokens with a tiktoken encoding. Counts are
// estimates: the edge does not know which model produced a response, so
// cl100k_base is used as a reasonable common denominator.
type Estimator struct {
	codec tokenizer.Codec
}

// NewEstimator creates an estimator backed by the cl100k_base encoding.
func NewEstimator() (*Estimator, error) {
	codec, err := tokenizer.Get(tokenizer.Cl100kBase)
	if err != nil {
		return nil, fmt.Errorf("failed to get tokenizer encoding: %w", err)
	}
	return &Estimator{codec: codec}, nil
}

// Count returns the token count for text, falling back to a bytes/4
// heuristic if encoding fails.
func (e *Estimator) Count(text string) int {
	ids, _, err := e.codec.Encode(text)
	if err != nil {
		return len(text) / 4
	}
	return len(ids)
}
