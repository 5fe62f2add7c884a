package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// RegisterCustomValidators registers guard-proxy validation rules.
// Must be called before validating Config.
func RegisterCustomValidators(v *validator.Validate) error {
	// duration: a Go duration ("30s") or a positive number of seconds
	if err := v.RegisterValidation("duration", validateDuration); err != nil {
		return fmt.Errorf("failed to register duration validator: %w", err)
	}
	return nil
}

// validateDuration accepts anything ParseDuration accepts.
func validateDuration(fl validator.FieldLevel) bool {
	_, err := ParseDuration(fl.Field().String())
	return err == nil
}

// Validate validates the Config using struct tags and custom cross-field rules.
// Returns an error if validation fails, with actionable error messages.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())

	if err := RegisterCustomValidators(v); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return formatValidationErrors(err)
	}

	// Cross-field validation: default scanning needs a reachable service
	if err := c.validateGuardrailsReachable(); err != nil {
		return err
	}

	if _, _, err := SplitBackendURL(c.Backend.URL); err != nil {
		return err
	}

	return nil
}

// validateGuardrailsReachable ensures the scanning service is fully
// configured when any scan is enabled by default. Scans requested only
// through headers are skipped with a warning instead.
func (c *Config) validateGuardrailsReachable() error {
	g := c.Guardrails
	if !g.ScanPrompt && !g.ScanResponse {
		return nil
	}

	var missing []string
	if g.APIURL == "" {
		missing = append(missing, "guardrails.api_url")
	}
	if g.APIToken == "" {
		missing = append(missing, "guardrails.api_token")
	}
	if g.ProjectID == "" {
		missing = append(missing, "guardrails.project_id")
	}
	if len(missing) > 0 {
		return fmt.Errorf("guardrails: scanning is enabled by default but %s not set", strings.Join(missing, ", "))
	}
	return nil
}

// formatValidationErrors converts validator.ValidationErrors to user-friendly messages.
func formatValidationErrors(err error) error {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		var messages []string
		for _, e := range validationErrors {
			messages = append(messages, formatSingleValidationError(e))
		}
		return errors.New(strings.Join(messages, "; "))
	}
	return err
}

// formatSingleValidationError creates a user-friendly message for a single validation error.
func formatSingleValidationError(e validator.FieldError) string {
	field := e.Namespace()
	tag := e.Tag()

	switch tag {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "required_with":
		return fmt.Sprintf("%s is required when %s is set", field, e.Param())
	case "file":
		return fmt.Sprintf("%s must be an existing file", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, e.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, e.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, e.Param())
	case "url":
		return fmt.Sprintf("%s must be a valid URL", field)
	case "hostname_port":
		return fmt.Sprintf("%s must be a valid host:port", field)
	case "duration":
		return fmt.Sprintf("%s must be a duration like '30s' or a number of seconds", field)
	default:
		return fmt.Sprintf("%s failed validation: %s", field, tag)
	}
}
