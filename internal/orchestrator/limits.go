package orchestrator

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultMaxSteps          = 5
	DefaultMaxToolRoundTrips = 3
)

// Limits bound a single run. The two counters are independent: a step is one
// backend call, a round-trip is one retrieval-then-analysis cycle.
type Limits struct {
	MaxSteps          int `validate:"min=1,max=10"`
	MaxToolRoundTrips int `validate:"min=1,max=5"`
}

func DefaultLimits() Limits {
	return Limits{MaxSteps: DefaultMaxSteps, MaxToolRoundTrips: DefaultMaxToolRoundTrips}
}

var validate = validator.New()

func (l Limits) Validate() error {
	if err := validate.Struct(l); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s must be %s %s", fe.Field(), tagWord(fe.Tag()), fe.Param()))
			}
			return fmt.Errorf("invalid limits: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid limits: %w", err)
	}
	return nil
}

func tagWord(tag string) string {
	switch tag {
	case "min":
		return "at least"
	case "max":
		return "at most"
	}
	return tag
}
