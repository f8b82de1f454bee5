// Package validate runs the cross-entity checks over a staged bundle. Checks
// are pure functions of their bundle slices and every violation is collected;
// callers always see the complete list, never just the first problem.
package validate

import (
	"enrolld/internal/registration/model"
)

// Violation describes one failed check.
type Violation struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Violation codes.
const (
	CodeRequired     = "REQUIRED"
	CodeInvalid      = "INVALID"
	CodeInconsistent = "INCONSISTENT"
)

// Check is a pure function of the bundle returning zero or more violations.
type Check func(b model.Bundle) []Violation

// Validator runs a fixed, ordered set of independent checks.
type Validator struct {
	checks []Check
}

// New creates the validator with the standard check set.
func New() *Validator {
	return &Validator{
		checks: []Check{
			checkPerson,
			checkContact,
			checkAddress,
			checkIdentity,
			checkEducation,
			checkMembership,
			checkPreferences,
		},
	}
}

// Validate runs every check and returns the full violation list. An empty
// result means the bundle is eligible to advance.
func (v *Validator) Validate(b model.Bundle) []Violation {
	var out []Violation
	for _, check := range v.checks {
		out = append(out, check(b)...)
	}
	return out
}
