package model

import (
	"errors"
	"fmt"
)

// ValidationError describes one field of a MetricRecord that is out of range.
type ValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s (%v): %s", e.Field, e.Value, e.Reason)
}

// IsValidationError reports whether err carries a *ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Validate checks the configuration and count fields. All violations are
// returned joined; a nil result means the record may be ingested.
func (r *MetricRecord) Validate() error {
	var errs []error
	fail := func(field string, value any, reason string) {
		errs = append(errs, &ValidationError{Field: field, Value: value, Reason: reason})
	}

	if r.ExperimentID == "" {
		fail("experiment_id", r.ExperimentID, "must not be empty")
	}
	switch r.HardwareType {
	case HardwareGPU, HardwareNeuron, HardwareUnknown:
	default:
		fail("hardware_type", r.HardwareType, "must be gpu, neuron or unknown")
	}
	switch r.ServingMode {
	case ServingOnline, ServingOffline:
	default:
		fail("serving_mode", r.ServingMode, "must be online or offline")
	}
	if r.BatchSize < 1 {
		fail("batch_size", r.BatchSize, "must be positive")
	}
	if r.InputLength < 0 {
		fail("input_length", r.InputLength, "must not be negative")
	}
	if r.MaxOutputTokens < 1 {
		fail("max_output_tokens", r.MaxOutputTokens, "must be positive")
	}
	if r.Temperature < 0 {
		fail("temperature", r.Temperature, "must not be negative")
	}
	if r.TopP < 0 || r.TopP > 1 {
		fail("top_p", r.TopP, "must be within [0, 1]")
	}
	if r.ActualInputTokens < 0 {
		fail("actual_input_tokens", r.ActualInputTokens, "must not be negative")
	}
	if r.ActualOutputTokens < 0 {
		fail("actual_output_tokens", r.ActualOutputTokens, "must not be negative")
	}
	if r.CacheHitRate != nil && (*r.CacheHitRate < 0 || *r.CacheHitRate > 1) {
		fail("cache_hit_rate", *r.CacheHitRate, "must be within [0, 1]")
	}

	return errors.Join(errs...)
}
