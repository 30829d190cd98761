// Package report provides types for validator finding collection and diffing.
package report

import "time"

// Kind represents a finding category.
type Kind string

// Standard finding kinds, one per spec.md §7 "validation findings" class.
const (
	CodeMismatch    Kind = "code-mismatch"
	UnknownPointer  Kind = "unknown-pointer"
	UnresolvedRet   Kind = "unresolved-return"
	IDTSlotUnknown  Kind = "idt-slot-unknown"
	OrphanPage      Kind = "orphan-page"
	EnvMismatch     Kind = "env-mismatch"
	OracleMiss      Kind = "oracle-miss"
	LoadInconsist   Kind = "load-inconsistency"
	UninitTail      Kind = "uninitialized-tail"
	MissingLoader   Kind = "missing-loader"
)

// Annotations holds key-value metadata for a finding.
type Annotations map[string]string

// Set adds or updates an annotation.
func (a Annotations) Set(k, v string) {
	a[k] = v
}

// Get retrieves an annotation value.
func (a Annotations) Get(k string) string {
	return a[k]
}

// Finding represents one validator finding with enough context to dedupe
// and to render a human-facing report line.
type Finding struct {
	Kind        Kind
	Address     uint64
	Loader      string   // owning loader name, "" if none
	Section     string   // section name, if applicable
	Message     string   // human-readable summary
	Context     []byte   // ±15 bytes around a code mismatch, when applicable
	Expected    []byte   // expected bytes at Address, when applicable
	Actual      []byte   // actual bytes at Address, when applicable
	Annotations Annotations
	RunID       string // the ExpectedImage.RunID that produced this finding, if any
	Timestamp   time.Time
}

// Key returns a stable identity for deduplication across loop iterations:
// same kind, same address, same loader. Two findings with the same Key
// from two different iterations of a stable guest are expected to be
// identical (spec.md §8 scenario S7).
func (f Finding) Key() string {
	return string(f.Kind) + "@" + f.Loader + "@" + hexAddr(f.Address)
}

func hexAddr(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0x0"
	}
	buf := make([]byte, 18)
	buf[0], buf[1] = '0', 'x'
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	copy(buf[2:], buf[i:])
	return string(buf[:2+len(buf)-i])
}

// NewFinding creates a new finding with a populated timestamp.
func NewFinding(kind Kind, loaderName string, addr uint64, message string) *Finding {
	return &Finding{
		Kind:        kind,
		Address:     addr,
		Loader:      loaderName,
		Message:     message,
		Annotations: make(Annotations),
		Timestamp:   time.Now(),
	}
}

// Annotate sets an annotation on the finding.
func (f *Finding) Annotate(k, v string) {
	if f.Annotations == nil {
		f.Annotations = make(Annotations)
	}
	f.Annotations.Set(k, v)
}

// Collector accumulates findings for one validation iteration.
type Collector struct {
	findings []*Finding
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Add appends a finding to the collector.
func (c *Collector) Add(f *Finding) {
	c.findings = append(c.findings, f)
}

// All returns every finding collected so far.
func (c *Collector) All() []*Finding {
	return c.findings
}

// Count returns the number of findings of a given kind.
func (c *Collector) Count(kind Kind) int {
	n := 0
	for _, f := range c.findings {
		if f.Kind == kind {
			n++
		}
	}
	return n
}

// KeySet returns the set of finding keys, used to compare two iterations'
// finding sets for equality (spec.md §8 scenario S7: loop mode against a
// stable guest must report byte-identical finding sets across iterations).
func (c *Collector) KeySet() map[string]bool {
	keys := make(map[string]bool, len(c.findings))
	for _, f := range c.findings {
		keys[f.Key()] = true
	}
	return keys
}

// Equal reports whether two collectors produced the same set of finding
// keys, ignoring order and timestamps.
func Equal(a, b *Collector) bool {
	ak, bk := a.KeySet(), b.KeySet()
	if len(ak) != len(bk) {
		return false
	}
	for k := range ak {
		if !bk[k] {
			return false
		}
	}
	return true
}
