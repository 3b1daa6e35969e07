// Package classify provides the payee classifier capability: given a cleaned
// payee name it returns a categorical payee type, a confidence score and
// optional industry codes.
package classify

import (
	"context"

	"github.com/ledgerworks/payeeflow/pkg/contracts"
)

// Result is a validated classification. Confidence is clamped to [0,1] and
// PayeeType is always a member of the enum; callers that receive an
// unrecognized type from the backing model get Unknown with confidence 0 and
// Err set.
type Result struct {
	PayeeType      contracts.PayeeType
	Confidence     float64
	SicCode        string
	SicDescription string
	Reasoning      string

	// Err carries a validation note (for example an unrecognized payee type
	// coerced to Unknown). It does not indicate a transport failure.
	Err string
}

// Classifier is the outbound classification capability.
type Classifier interface {
	Classify(ctx context.Context, cleanedName string) (*Result, error)
}

// Validate coerces a raw model answer into a Result honoring the enum and
// confidence bounds.
func Validate(rawType string, confidence float64, sicCode, sicDescription, reasoning string) *Result {
	res := &Result{
		SicCode:        sicCode,
		SicDescription: sicDescription,
		Reasoning:      reasoning,
		Confidence:     clamp01(confidence),
	}
	pt, ok := contracts.ParsePayeeType(rawType)
	res.PayeeType = pt
	if !ok {
		res.Confidence = 0
		res.Err = "unrecognized payee type " + rawType
	}
	return res
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
