package loader

import (
	"context"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/liveimage/kvalidate/internal/oracle"
	"github.com/liveimage/kvalidate/internal/patch"
)

// ModuleFileResolver maps a module's basename to its .ko path on disk,
// handling the kernel's '-' <-> '_' basename transposition (spec.md
// §6: "matched by basename and by -<->_ transposition").
type ModuleFileResolver interface {
	ResolveModulePath(name string) (string, bool)
}

// LoadModulesConcurrently drives the bounded worker pool from spec.md
// §5: "loadModuleThread is invoked with a shared module-name work list
// and a single mutex protecting the list plus the module map." A
// module's own .modinfo depends= list can name modules not yet queued;
// discovering one enqueues it, so the pool keeps draining until no
// worker adds new names.
func LoadModulesConcurrently(ctx context.Context, names []string, files ModuleFileResolver, addrs SectionAddrSource, reg *Registry, o *oracle.SymbolOracle, cpu patch.FeatureSet, upMode bool, ops patch.ParavirtOps, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 4
	}

	var mu sync.Mutex
	pending := append([]string(nil), names...)
	seen := map[string]bool{}
	for _, n := range pending {
		seen[n] = true
	}

	for {
		mu.Lock()
		batch := pending
		pending = nil
		mu.Unlock()
		if len(batch) == 0 {
			break
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for _, name := range batch {
			name := name
			if reg.Has(name) {
				continue
			}
			g.Go(func() error {
				select {
				case <-gctx.Done():
					return gctx.Err()
				default:
				}

				path, ok := files.ResolveModulePath(name)
				if !ok {
					// Missing module file: skipped without a report, not
					// fatal to the pool (spec.md §7: load-time
					// inconsistencies abort only the owning loader).
					return nil
				}
				ml, err := LoadModule(path, name, addrs, o, cpu, upMode, ops)
				if err != nil {
					return nil
				}
				reg.Put(name, fromModule(ml))

				mu.Lock()
				for _, dep := range ml.Depends() {
					if !seen[dep] {
						seen[dep] = true
						pending = append(pending, dep)
					}
				}
				mu.Unlock()
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// basenameCandidates returns the basename and its '-'<->'_' transposed
// sibling, the two forms the kernel directory walk must try (spec.md
// §6).
func basenameCandidates(name string) []string {
	alt := make([]byte, len(name))
	copy(alt, name)
	for i, c := range alt {
		switch c {
		case '-':
			alt[i] = '_'
		case '_':
			alt[i] = '-'
		}
	}
	if string(alt) == name {
		return []string{name}
	}
	return []string{name, string(alt)}
}

// DirModuleResolver walks a kernel directory tree for *.ko files,
// matching by basename transposition.
type DirModuleResolver struct {
	byBasename map[string]string
}

// NewDirModuleResolver indexes every *.ko file under root (the caller
// performs the directory walk and passes discovered paths in, keeping
// this type free of filesystem-walking policy).
func NewDirModuleResolver(koFiles []string) *DirModuleResolver {
	r := &DirModuleResolver{byBasename: map[string]string{}}
	for _, p := range koFiles {
		base := filepath.Base(p)
		base = base[:len(base)-len(filepath.Ext(base))]
		r.byBasename[base] = p
	}
	return r
}

func (r *DirModuleResolver) ResolveModulePath(name string) (string, bool) {
	for _, cand := range basenameCandidates(name) {
		if p, ok := r.byBasename[cand]; ok {
			return p, true
		}
	}
	return "", false
}
