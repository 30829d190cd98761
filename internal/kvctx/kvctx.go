// Package kvctx holds the validator's run-scoped state in one explicit
// object, replacing the global singletons and cyclic loader<->oracle
// back-pointers the teacher's design would otherwise invite (spec.md
// §9 redesign note: "global singleton state").
package kvctx

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/liveimage/kvalidate/internal/oracle"
)

// Context owns everything a validation run needs: the symbol oracle,
// the module registry, and a cooperative stop flag checked between
// loop-mode iterations (spec.md §5's single SIGINT/SIGTERM flag).
type Context struct {
	RunID string

	Oracle   *oracle.SymbolOracle
	Registry ModuleRegistry

	stop atomic.Bool
}

// ModuleRegistry is the narrow slice of the loader package's registry
// that Context needs to reference; kept as an interface here so kvctx
// does not import internal/loader.
type ModuleRegistry interface {
	Names() []string
}

// New constructs a fresh Context with a new run ID and an empty
// oracle; Registry is left nil until the caller assigns one
// (cmd/kvalidate does so right after the kernel loads).
func New() *Context {
	return &Context{
		RunID:  uuid.NewString(),
		Oracle: oracle.New(),
	}
}

// Stop requests that the current (or next) loop-mode iteration be the
// last. Safe to call from a signal handler.
func (c *Context) Stop() { c.stop.Store(true) }

// Stopped reports whether Stop has been called.
func (c *Context) Stopped() bool { return c.stop.Load() }
