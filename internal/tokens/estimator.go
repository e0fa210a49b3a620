package tokens

import "math"

// Estimator approximates token counts from character length.
// Used when no tiktoken encoding is available.
type Estimator struct {
	// CharsPerToken is the average characters per token (default: 4)
	CharsPerToken float64
}

// NewEstimator creates a new token estimator.
func NewEstimator() *Estimator {
	return &Estimator{CharsPerToken: 4.0}
}

// Count estimates the token count of text.
func (e *Estimator) Count(text string) int {
	return int(math.Ceil(float64(len([]rune(text))) / e.CharsPerToken))
}

// Truncate clips text to roughly max tokens on a rune boundary.
func (e *Estimator) Truncate(text string, max int) (string, bool) {
	if max <= 0 {
		return text, false
	}
	runes := []rune(text)
	limit := int(float64(max) * e.CharsPerToken)
	if len(runes) <= limit {
		return text, false
	}
	return string(runes[:limit]), true
}
