// Package validator performs the static deny-list scan over candidate script
// source before any isolate is created. Deny-first evaluation: the first
// matching pattern fails validation with the pattern named in the verdict.
//
// The deny-list is inherently incomplete — a suspicious construct matching no
// listed pattern passes this stage. That fail-open residual risk is accepted
// and intentional; the sandbox's capability surface is the real boundary, and
// this scan only rejects the obvious escapes cheaply before an isolate is paid for.
package validator

import (
	"fmt"
	"regexp"
)

// DefaultMaxScriptBytes bounds validation cost: larger bodies are rejected
// before any pattern scanning happens.
const DefaultMaxScriptBytes = 64 * 1024

// Verdict is the outcome of validating one script body.
// Computed once per body; never cached across distinct bodies.
type Verdict struct {
	OK      bool
	Pattern string // Name of the matched deny-pattern when OK is false.
	Reason  string // Human-readable rejection reason. Never includes script text.
}

// Err converts a failing verdict into an error. Returns nil for a pass.
func (v *Verdict) Err() error {
	if v.OK {
		return nil
	}
	return fmt.Errorf("script validation failed: %s", v.Reason)
}

// denyPattern pairs a stable name with its compiled expression.
type denyPattern struct {
	name string
	re   *regexp.Regexp
}

// The deny-list, in evaluation order. Host-primitive access comes first so a
// script tripping several patterns reports the most severe one.
var denyList = []denyPattern{
	{"require_import", regexp.MustCompile(`\brequire\s*\(|\bimport\s*[\s(]`)},
	{"process_access", regexp.MustCompile(`\bprocess\s*\.`)},
	{"filesystem_access", regexp.MustCompile(`\b(?:fs|child_process|os)\s*\.`)},
	{"network_primitive", regexp.MustCompile(`\b(?:fetch|XMLHttpRequest|WebSocket)\s*\(|\bnew\s+(?:XMLHttpRequest|WebSocket)\b`)},
	{"dynamic_eval", regexp.MustCompile(`\beval\s*\(|\bnew\s+Function\b|\bFunction\s*\(`)},
	{"string_timer", regexp.MustCompile(`\bset(?:Timeout|Interval)\s*\(\s*["'` + "`" + `]`)},
	{"constructor_chain", regexp.MustCompile(`\.constructor\s*\.\s*constructor\b|\bthis\s*\.\s*constructor\s*\(`)},
	{"prototype_tampering", regexp.MustCompile(`__proto__|\bObject\s*\.\s*(?:setPrototypeOf|defineProperty|defineProperties)\b|\.prototype\s*\[|\.prototype\s*\.\s*\w+\s*=`)},
	{"global_escape", regexp.MustCompile(`\bglobalThis\b|\bReflect\s*\.`)},
	{"unbounded_loop", regexp.MustCompile(`\bwhile\s*\(\s*(?:true|1)\s*\)|\bfor\s*\(\s*;\s*;\s*\)`)},
	{"giant_allocation", regexp.MustCompile(`\bnew\s+Array\s*\(\s*\d{7,}|\.repeat\s*\(\s*(?:\d{7,}|\d+(?:\.\d+)?e\+?\d+)`)},
	{"store_direct_access", regexp.MustCompile(`\b(?:firestore|database|collectionGroup)\s*\(|\b_store\b`)},
	{"secret_access", regexp.MustCompile(`\b(?:secrets?|credentials?)\s*\.\s*(?:get|read|resolve)\b|\benv\s*\[`)},
}

// Validator scans script bodies against the deny-list.
// Stateless apart from configuration; safe for concurrent use.
type Validator struct {
	maxBytes int
}

// New creates a validator. maxBytes <= 0 selects DefaultMaxScriptBytes.
func New(maxBytes int) *Validator {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxScriptBytes
	}
	return &Validator{maxBytes: maxBytes}
}

// Validate scans one script body. Pure predicate over text — no side effects.
func (v *Validator) Validate(script string) *Verdict {
	if script == "" {
		return &Verdict{Pattern: "empty_script", Reason: "script body is empty"}
	}
	// Size ceiling first, to bound pattern-scanning cost.
	if len(script) > v.maxBytes {
		return &Verdict{
			Pattern: "size_limit",
			Reason:  fmt.Sprintf("script is %d bytes, maximum is %d", len(script), v.maxBytes),
		}
	}

	for _, p := range denyList {
		if p.re.MatchString(script) {
			return &Verdict{
				Pattern: p.name,
				Reason:  fmt.Sprintf("disallowed construct matched deny-pattern %q", p.name),
			}
		}
	}
	return &Verdict{OK: true}
}

// PatternNames returns the deny-pattern names in evaluation order.
// Used by metrics label initialization and the CLI's validate command.
func PatternNames() []string {
	names := make([]string, 0, len(denyList))
	for _, p := range denyList {
		names = append(names, p.name)
	}
	return names
}
