package codecheck

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const tracerName = "tessera-operator/codecheck"

// DefaultTimeout bounds a single validation run. A typical candidate
// validates in well under 100ms; the ceiling exists so a pathological
// candidate cannot stall the control loop.
const DefaultTimeout = 5 * time.Second

// Validator gates synthesized code. An empty violation list means pass.
type Validator struct {
	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
}

// NewValidator returns a Validator with the default execution bound.
func NewValidator() *Validator {
	return &Validator{Timeout: DefaultTimeout}
}

// Validate runs both passes over the candidate and returns every finding,
// ordered syntax errors first, then schema violations, then security
// violations. Both passes always run: a candidate with a schema problem and
// a security problem reports both in one call.
//
// If the work does not finish inside the timeout the candidate fails with a
// single validation_error; an unvalidatable candidate is never deployable.
func (v *Validator) Validate(ctx context.Context, code string) []Violation {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "codecheck.validate")
	defer span.End()

	span.SetAttributes(attribute.Int("codecheck.candidate_bytes", len(code)))

	timeout := v.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan []Violation, 1)
	go func() {
		var violations []Violation
		violations = append(violations, checkSchema(code)...)
		violations = append(violations, checkSecurity(code)...)
		sortViolations(violations)
		done <- violations
	}()

	select {
	case violations := <-done:
		span.SetAttributes(attribute.Int("codecheck.violations", len(violations)))
		if len(violations) > 0 {
			span.SetStatus(codes.Error, "validation failed")
		} else {
			span.SetStatus(codes.Ok, "validation passed")
		}
		return violations
	case <-ctx.Done():
		span.SetStatus(codes.Error, "validation timed out")
		return []Violation{{
			Kind:    KindValidationError,
			Line:    1,
			Message: "validation did not complete within the execution bound",
		}}
	}
}
