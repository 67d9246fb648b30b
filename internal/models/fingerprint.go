// Package models defines the persistent domain entities of the triage engine:
// fingerprints, steps, spans, issues and their derived suspect records.
//
// All types in this package are plain data structs. Matching, merging and
// rendering are free functions or value methods; mutation and persistence
// happen elsewhere. Documents written by older releases are decoded into the
// canonical shapes at the storage boundary (see legacy.go).
package models

import (
	"fmt"
	"path"
	"sort"
	"strings"
)

// KeyKind classifies how a fingerprint key participates in matching and
// suspect scoring.
type KeyKind int

const (
	// KeyKindNone is an opaque key with no scoring semantics.
	KeyKindNone KeyKind = iota
	// KeyKindHash is a content hash of the failure text.
	KeyKindHash
	// KeyKindNote matches auxiliary artifacts (e.g. warning categories).
	KeyKindNote
	// KeyKindFile matches source file base names in commit file lists.
	KeyKindFile
	// KeyKindSymbol substring-matches linker/compiler symbols against paths.
	KeyKindSymbol
)

// String returns the lowercase name of the kind.
func (k KeyKind) String() string {
	switch k {
	case KeyKindHash:
		return "hash"
	case KeyKindNote:
		return "note"
	case KeyKindFile:
		return "file"
	case KeyKindSymbol:
		return "symbol"
	default:
		return "none"
	}
}

// ParseKeyKind converts a kind name back to its enum value. Unknown names
// decode to KeyKindNone rather than failing, matching the defensive decode
// policy for legacy documents.
func ParseKeyKind(s string) KeyKind {
	switch strings.ToLower(s) {
	case "hash":
		return KeyKindHash
	case "note":
		return KeyKindNote
	case "file":
		return KeyKindFile
	case "symbol":
		return KeyKindSymbol
	default:
		return KeyKindNone
	}
}

// Key identifies one dimension of a failure signature.
type Key struct {
	Name  string  `json:"name"`
	Kind  KeyKind `json:"kind"`
	Scope string  `json:"scope,omitempty"`
}

// Less defines the canonical key ordering (name, then kind, then scope).
func (k Key) Less(other Key) bool {
	if k.Name != other.Name {
		return k.Name < other.Name
	}
	if k.Kind != other.Kind {
		return k.Kind < other.Kind
	}
	return k.Scope < other.Scope
}

// MetaEntry is a flat name/value pair attached to a fingerprint.
type MetaEntry struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Fingerprint identifies "the same kind of failure" across builds and
// streams. Values are immutable once attached to a step group; combining two
// fingerprints produces a new value via Merge.
type Fingerprint struct {
	// Type gates all matching: fingerprints of different types never match.
	Type string `json:"type"`

	// SummaryTemplate renders the human-readable issue summary. See
	// RenderSummary for the supported placeholders.
	SummaryTemplate string `json:"summaryTemplate"`

	// Keys is the canonical (sorted, deduplicated) key set.
	Keys []Key `json:"keys,omitempty"`

	// RejectKeys vetoes matches: a candidate carrying any of these keys is
	// never considered the same failure.
	RejectKeys []Key `json:"rejectKeys,omitempty"`

	// Metadata carries template substitution values and annotations.
	Metadata []MetaEntry `json:"metadata,omitempty"`

	// ChangeFilter is the set of file globs that scope suspect ranking. An
	// empty filter means the failure is change-agnostic and no suspects are
	// ever computed for it.
	ChangeFilter []string `json:"changeFilter,omitempty"`
}

// NewFingerprint builds a canonicalized fingerprint value.
func NewFingerprint(fpType, summaryTemplate string, keys, rejectKeys []Key, metadata []MetaEntry, changeFilter []string) Fingerprint {
	fp := Fingerprint{
		Type:            fpType,
		SummaryTemplate: summaryTemplate,
		Keys:            canonicalKeys(keys),
		RejectKeys:      canonicalKeys(rejectKeys),
		Metadata:        canonicalMeta(metadata),
		ChangeFilter:    append([]string(nil), changeFilter...),
	}
	return fp
}

func canonicalKeys(keys []Key) []Key {
	if len(keys) == 0 {
		return nil
	}
	out := append([]Key(nil), keys...)
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	dedup := out[:1]
	for _, k := range out[1:] {
		if k != dedup[len(dedup)-1] {
			dedup = append(dedup, k)
		}
	}
	return dedup
}

func canonicalMeta(meta []MetaEntry) []MetaEntry {
	if len(meta) == 0 {
		return nil
	}
	out := append([]MetaEntry(nil), meta...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].Value < out[j].Value
	})
	dedup := out[:1]
	for _, m := range out[1:] {
		if m != dedup[len(dedup)-1] {
			dedup = append(dedup, m)
		}
	}
	return dedup
}

func containsKey(keys []Key, k Key) bool {
	for _, have := range keys {
		if have == k {
			return true
		}
	}
	return false
}

// IsMatch reports whether a newly observed failure fingerprint (other)
// belongs to the same failure as the receiver.
//
// Matching is symmetric in type and asymmetric in keys: when the receiver has
// keys, the candidate must share at least one; when the receiver has none,
// the candidate must have none either. Any receiver reject key present in the
// candidate's key set vetoes the match.
func (f Fingerprint) IsMatch(other Fingerprint) bool {
	if f.Type != other.Type {
		return false
	}
	for _, rk := range f.RejectKeys {
		if containsKey(other.Keys, rk) {
			return false
		}
	}
	if len(f.Keys) == 0 {
		return len(other.Keys) == 0
	}
	for _, k := range f.Keys {
		if containsKey(other.Keys, k) {
			return true
		}
	}
	return false
}

// IsMatchForNewSpan is the looser grouping predicate used for sibling
// failures discovered within the same job step: only the type must agree and
// no reject key may be present. Keys are allowed to differ, e.g. two compile
// errors in different files of the same failure type.
func (f Fingerprint) IsMatchForNewSpan(other Fingerprint) bool {
	if f.Type != other.Type {
		return false
	}
	for _, rk := range f.RejectKeys {
		if containsKey(other.Keys, rk) {
			return false
		}
	}
	return true
}

// Merge combines two fingerprints of the same type into a new composite
// value. Keys, reject keys and metadata are unioned; the type, summary
// template and change filter are taken from the receiver.
func (f Fingerprint) Merge(other Fingerprint) Fingerprint {
	return Fingerprint{
		Type:            f.Type,
		SummaryTemplate: f.SummaryTemplate,
		Keys:            canonicalKeys(append(append([]Key(nil), f.Keys...), other.Keys...)),
		RejectKeys:      canonicalKeys(append(append([]Key(nil), f.RejectKeys...), other.RejectKeys...)),
		Metadata:        canonicalMeta(append(append([]MetaEntry(nil), f.Metadata...), other.Metadata...)),
		ChangeFilter:    append([]string(nil), f.ChangeFilter...),
	}
}

// FileNames returns the base names of all kind-File keys, sorted.
func (f Fingerprint) FileNames() []string {
	var names []string
	for _, k := range f.Keys {
		if k.Kind == KeyKindFile {
			names = append(names, path.Base(k.Name))
		}
	}
	sort.Strings(names)
	return names
}

// MetaValue returns the first metadata value registered under name, or "".
func (f Fingerprint) MetaValue(name string) (string, bool) {
	for _, m := range f.Metadata {
		if m.Name == name {
			return m.Value, true
		}
	}
	return "", false
}

// SummaryArgs carries the contextual values available to summary templates.
type SummaryArgs struct {
	Severity StepSeverity
	Nodes    []string
}

// maxSummaryItems bounds how many files/nodes a rendered summary lists
// before collapsing the remainder into "and N others".
const maxSummaryItems = 3

// RenderSummary substitutes the fingerprint's template placeholders:
//
//	{Severity}     "Errors" or "Warnings" depending on args.Severity
//	{Files}        base names of kind-File keys, truncated
//	{Nodes}        the nodes the failure was seen on, truncated
//	{Meta:<name>}  the metadata value registered under <name>
//
// Unresolved placeholders are emitted literally; a malformed template never
// fails rendering.
func (f Fingerprint) RenderSummary(args SummaryArgs) string {
	tmpl := f.SummaryTemplate
	if tmpl == "" {
		tmpl = "{Severity} in {Files}"
	}

	var out strings.Builder
	for {
		open := strings.IndexByte(tmpl, '{')
		if open < 0 {
			out.WriteString(tmpl)
			break
		}
		close := strings.IndexByte(tmpl[open:], '}')
		if close < 0 {
			out.WriteString(tmpl)
			break
		}
		close += open
		out.WriteString(tmpl[:open])
		placeholder := tmpl[open+1 : close]
		if value, ok := f.resolvePlaceholder(placeholder, args); ok {
			out.WriteString(value)
		} else {
			out.WriteString(tmpl[open : close+1])
		}
		tmpl = tmpl[close+1:]
	}
	return out.String()
}

func (f Fingerprint) resolvePlaceholder(name string, args SummaryArgs) (string, bool) {
	switch {
	case name == "Severity":
		if args.Severity == SeverityWarning {
			return "Warnings", true
		}
		return "Errors", true
	case name == "Files":
		files := f.FileNames()
		if len(files) == 0 {
			return "", false
		}
		return joinTruncated(files), true
	case name == "Nodes":
		if len(args.Nodes) == 0 {
			return "", false
		}
		nodes := append([]string(nil), args.Nodes...)
		sort.Strings(nodes)
		return joinTruncated(nodes), true
	case strings.HasPrefix(name, "Meta:"):
		return f.metaPlaceholder(name)
	default:
		return "", false
	}
}

func (f Fingerprint) metaPlaceholder(name string) (string, bool) {
	value, ok := f.MetaValue(strings.TrimPrefix(name, "Meta:"))
	return value, ok
}

func joinTruncated(items []string) string {
	if len(items) <= maxSummaryItems {
		return strings.Join(items, ", ")
	}
	return fmt.Sprintf("%s and %d others", strings.Join(items[:maxSummaryItems], ", "), len(items)-maxSummaryItems)
}
