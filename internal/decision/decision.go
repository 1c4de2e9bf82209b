// Package decision scores embeddings by cosine similarity and turns the
// score into a verdict against a configured threshold.
package decision

import (
	"errors"
	"fmt"
	"math"

	"github.com/viterin/vek"
	"github.com/viterin/vek/vek32"

	"github.com/example/face-verify/internal/face"
)

// DefaultThreshold has no published calibration for the bundled model. It
// is a tunable, not a verified security boundary.
const DefaultThreshold = 0.7

// ErrDimensionMismatch is returned when two embeddings differ in length or
// are empty.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Verdict is the outcome of comparing a score with a threshold.
type Verdict string

const (
	Matched    Verdict = "matched"
	NotMatched Verdict = "not_matched"
)

// MatchResult is recomputed per comparison and never persisted.
type MatchResult struct {
	Similarity float64 `json:"similarity"`
	Verdict    Verdict `json:"verdict"`
	Threshold  float64 `json:"threshold"`
}

// Matched reports whether the verdict is Matched.
func (r MatchResult) Matched() bool {
	return r.Verdict == Matched
}

// Score returns dot(a,b) / (|a|*|b|), clamped to [-1,1]. Vectors with a
// zero norm or any NaN or infinite component yield face.ErrDegenerateVector.
func Score(a, b face.Embedding) (float64, error) {
	if len(a) == 0 || len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	// float64 so that squares of large float32 components cannot overflow
	a64, b64 := vek32.ToFloat64(a), vek32.ToFloat64(b)
	na, nb := vek.Norm(a64), vek.Norm(b64)
	if na == 0 || nb == 0 || !finite(na) || !finite(nb) {
		return 0, face.ErrDegenerateVector
	}
	s := vek.Dot(a64, b64) / (na * nb)
	if !finite(s) {
		return 0, face.ErrDegenerateVector
	}
	// rounding can overshoot by a few ulps
	return min(1, max(-1, s)), nil
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Decide returns Matched only when score is strictly greater than threshold.
func Decide(score, threshold float64) Verdict {
	if score > threshold {
		return Matched
	}
	return NotMatched
}

// Compare scores a against b and applies threshold.
func Compare(a, b face.Embedding, threshold float64) (MatchResult, error) {
	score, err := Score(a, b)
	if err != nil {
		return MatchResult{}, err
	}
	return MatchResult{Similarity: score, Verdict: Decide(score, threshold), Threshold: threshold}, nil
}
