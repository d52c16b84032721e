package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their config key segment so errors read "llm.api_key".
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := f.Tag.Get("cfg")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	return v
}

// Validate checks cfg against the per-field rules and reports every problem
// in one error.
func Validate(cfg Config) error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("validating config: %w", err)
	}

	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		msgs = append(msgs, formatValidationError(e))
	}
	return fmt.Errorf("invalid config:\n  - %s", strings.Join(msgs, "\n  - "))
}

func formatValidationError(e validator.FieldError) string {
	key := configKey(e.Namespace())

	switch e.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", key)
	case "required_if":
		msg := fmt.Sprintf("missing required config: %s", key)
		if s, ok := lookupSpec(key); ok {
			msg += fmt.Sprintf(". Set it via environment variable %s or `posture config set %s <value>`", s.env, key)
		}
		return msg
	case "min", "gte":
		return fmt.Sprintf("%s must be at least %s (got: %v)", key, e.Param(), e.Value())
	case "max", "lte":
		return fmt.Sprintf("%s must be at most %s (got: %v)", key, e.Param(), e.Value())
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s] (got: %v)", key, e.Param(), e.Value())
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got: %v)", key, e.Value())
	case "file":
		return fmt.Sprintf("%s must point to an existing file (got: %v)", key, e.Value())
	default:
		return fmt.Sprintf("%s failed validation '%s' (got: %v)", key, e.Tag(), e.Value())
	}
}

// configKey drops the root struct name: "Config.llm.api_key" -> "llm.api_key".
func configKey(namespace string) string {
	_, rest, ok := strings.Cut(namespace, ".")
	if !ok {
		return namespace
	}
	return rest
}
