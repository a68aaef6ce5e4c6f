// Package codecheck validates synthesized agent code before it is ever
// deployed. Candidates come from a language model and are treated as
// untrusted input: a structural pass checks the declared shape and a
// security pass scans for forbidden capabilities. Both passes always run to
// completion so the caller gets every finding in one round trip.
package codecheck

import "sort"

// Kind classifies a single validation finding.
type Kind string

const (
	KindSyntaxError       Kind = "syntax_error"
	KindSchemaViolation   Kind = "schema_violation"
	KindSecurityViolation Kind = "security_violation"
	// KindValidationError covers failures of the validator itself, such as
	// hitting the execution deadline on a pathological candidate.
	KindValidationError Kind = "validation_error"
)

// Violation is one structured finding. Message describes the finding
// generically; it never quotes the offending source line, so constructed
// payloads cannot ride violation messages into logs or status fields.
type Violation struct {
	Kind    Kind   `json:"kind"`
	Line    int    `json:"line"`
	Message string `json:"message"`
}

// kindRank orders violations for presentation: syntax first, then schema,
// then security, then validator errors.
func kindRank(k Kind) int {
	switch k {
	case KindSyntaxError:
		return 0
	case KindSchemaViolation:
		return 1
	case KindSecurityViolation:
		return 2
	default:
		return 3
	}
}

// sortViolations imposes the stable output ordering: by kind rank, then by
// line number.
func sortViolations(vs []Violation) {
	sort.SliceStable(vs, func(i, j int) bool {
		ri, rj := kindRank(vs[i].Kind), kindRank(vs[j].Kind)
		if ri != rj {
			return ri < rj
		}
		return vs[i].Line < vs[j].Line
	})
}
