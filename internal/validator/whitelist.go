// Package validator implements the page and process validators
// (spec.md §4.6, §4.7): drives page enumeration, dispatches code/data/
// stack validators, diffs against each loader's expected image while
// whitelisting legitimate runtime differences, and walks pointers.
//
// The whitelist is a self-registering rule table, grounded on
// zboralski-galago/internal/stubs/registry.go's pattern-matching
// Detector registry: each rule package-level init()s itself into
// DefaultWhitelist instead of the validator hardcoding a giant
// if/else chain, so a new runtime-variation class is one new file.
package validator

import (
	"sync"

	"github.com/liveimage/kvalidate/internal/patch"
)

// MismatchContext is everything a whitelist rule needs to decide
// whether a byte-level code-page difference is a known, legitimate
// runtime variation (spec.md §4.6.1).
type MismatchContext struct {
	Expected []byte // the patched expected image, full page
	Actual   []byte // the live guest's page bytes
	Offset   int    // index of the first differing byte within the page
	PageVA   uint64 // virtual address of Actual[0]
	TextBase uint64 // owning loader's text segment base, for text-relative side-table lookups
	SideTables *patch.SideTables
}

// WhitelistRule inspects one mismatch and, if it recognizes the
// pattern, reports how many bytes to advance past it without emitting
// a finding. skip must be >= 1 on a match.
type WhitelistRule struct {
	Name  string
	Match func(ctx MismatchContext) (skip int, ok bool)
}

// WhitelistRegistry holds every registered rule, tried in registration
// order; the first match wins.
type WhitelistRegistry struct {
	mu    sync.RWMutex
	rules []WhitelistRule
}

// DefaultWhitelist is the registry every built-in rule's init()
// populates, mirroring stubs.DefaultRegistry.
var DefaultWhitelist = NewWhitelistRegistry()

func NewWhitelistRegistry() *WhitelistRegistry {
	return &WhitelistRegistry{}
}

// Register adds a rule. Called from init() in the rule's own file.
func (r *WhitelistRegistry) Register(rule WhitelistRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// TryMatch runs every registered rule against ctx and returns the
// first match.
func (r *WhitelistRegistry) TryMatch(ctx MismatchContext) (skip int, ruleName string, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rule := range r.rules {
		if skip, matched := rule.Match(ctx); matched {
			return skip, rule.Name, true
		}
	}
	return 0, "", false
}
