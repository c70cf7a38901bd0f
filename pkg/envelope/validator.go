package envelope

import (
	"fmt"
	"time"

	"github.com/ainp-labs/broker/pkg/identity"
)

// ValidationError represents a specific validation failure.
type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", e.Field, e.Message, e.Code)
}

// ValidationResult contains the outcome of envelope validation.
type ValidationResult struct {
	Valid  bool              `json:"valid"`
	Errors []ValidationError `json:"errors,omitempty"`
}

// First returns the leading error for status mapping, or nil when valid.
func (r *ValidationResult) First() *ValidationError {
	if r.Valid || len(r.Errors) == 0 {
		return nil
	}
	return &r.Errors[0]
}

// Validator checks envelope structure before the anti-abuse pipeline runs.
// Fail-closed: any structural issue fails validation.
type Validator struct {
	maxTTL   time.Duration
	payloads *PayloadValidator
}

// NewValidator creates an envelope validator. The payload validator may be
// nil when schema checking is handled elsewhere.
func NewValidator(payloads *PayloadValidator) *Validator {
	return &Validator{
		maxTTL:   24 * time.Hour,
		payloads: payloads,
	}
}

// WithMaxTTL overrides the ceiling on sender-declared TTLs.
func (v *Validator) WithMaxTTL(d time.Duration) *Validator {
	v.maxTTL = d
	return v
}

// Validate performs structural validation of a wire envelope. Freshness
// (expiry, future skew) is the anti-abuse guard's job, not this one's.
func (v *Validator) Validate(env *Envelope) *ValidationResult {
	result := &ValidationResult{Valid: true}

	v.requireNonEmpty(result, "id", env.ID)
	v.requireNonEmpty(result, "version", env.Version)
	v.requireNonEmpty(result, "from_did", env.FromDID)

	if env.Version != "" && env.Version != Version {
		v.addError(result, "version", "UNSUPPORTED_VERSION",
			fmt.Sprintf("unsupported version %q, expected %q", env.Version, Version))
	}

	if env.FromDID != "" {
		if _, err := identity.ParseDID(env.FromDID); err != nil {
			v.addError(result, "from_did", didErrorCode(err), err.Error())
		}
	}
	if env.ToDID != "" {
		if _, err := identity.ParseDID(env.ToDID); err != nil {
			v.addError(result, "to_did", didErrorCode(err), err.Error())
		}
	}

	if !KnownMsgTypes[env.MsgType] {
		v.addError(result, "msg_type", "INVALID_VALUE",
			fmt.Sprintf("unknown msg_type %q", env.MsgType))
	}

	if env.TTL <= 0 {
		v.addError(result, "ttl", "INVALID_VALUE", "ttl must be positive milliseconds")
	} else if time.Duration(env.TTL)*time.Millisecond > v.maxTTL {
		v.addError(result, "ttl", "INVALID_VALUE",
			fmt.Sprintf("ttl exceeds maximum %s", v.maxTTL))
	}
	if env.Timestamp <= 0 {
		v.addError(result, "timestamp", "INVALID_VALUE", "timestamp must be positive unix milliseconds")
	}

	if len(env.Payload) == 0 {
		v.addError(result, "payload", "REQUIRED", "payload is required")
	} else if v.payloads != nil && KnownMsgTypes[env.MsgType] {
		if err := v.payloads.Validate(env.MsgType, env.Payload); err != nil {
			v.addError(result, "payload", "SCHEMA_VIOLATION", err.Error())
		}
	}

	return result
}

func didErrorCode(err error) string {
	switch {
	case isUnsupportedDID(err):
		return "UNSUPPORTED_DID"
	default:
		return "MALFORMED_DID"
	}
}

func (v *Validator) requireNonEmpty(result *ValidationResult, field, value string) {
	if value == "" {
		v.addError(result, field, "REQUIRED", fmt.Sprintf("%s is required", field))
	}
}

func (v *Validator) addError(result *ValidationResult, field, code, message string) {
	result.Valid = false
	result.Errors = append(result.Errors, ValidationError{
		Field:   field,
		Code:    code,
		Message: message,
	})
}
