package models

import (
	"testing"
)

func fileKey(name string) Key   { return Key{Name: name, Kind: KeyKindFile} }
func noteKey(name string) Key   { return Key{Name: name, Kind: KeyKindNote} }
func symbolKey(name string) Key { return Key{Name: name, Kind: KeyKindSymbol} }

func TestIsMatch_TypeGated(t *testing.T) {
	a := NewFingerprint("Compile", "", []Key{fileKey("Foo.cpp")}, nil, nil, nil)
	b := NewFingerprint("Link", "", []Key{fileKey("Foo.cpp")}, nil, nil, nil)

	if a.IsMatch(b) {
		t.Error("fingerprints of different types must never match")
	}
	if a.IsMatchForNewSpan(b) {
		t.Error("new-span matching must also be type-gated")
	}
}

func TestIsMatch_KeyIntersection(t *testing.T) {
	tests := []struct {
		name  string
		a, b  Fingerprint
		match bool
	}{
		{
			name:  "shared key matches",
			a:     NewFingerprint("Compile", "", []Key{fileKey("Foo.cpp"), fileKey("Bar.cpp")}, nil, nil, nil),
			b:     NewFingerprint("Compile", "", []Key{fileKey("Bar.cpp")}, nil, nil, nil),
			match: true,
		},
		{
			name:  "disjoint keys do not match",
			a:     NewFingerprint("Compile", "", []Key{fileKey("Foo.cpp")}, nil, nil, nil),
			b:     NewFingerprint("Compile", "", []Key{fileKey("Bar.cpp")}, nil, nil, nil),
			match: false,
		},
		{
			name:  "empty keys require empty keys",
			a:     NewFingerprint("Systemic", "", nil, nil, nil, nil),
			b:     NewFingerprint("Systemic", "", nil, nil, nil, nil),
			match: true,
		},
		{
			name:  "empty keys reject keyed candidate",
			a:     NewFingerprint("Systemic", "", nil, nil, nil, nil),
			b:     NewFingerprint("Systemic", "", []Key{fileKey("Foo.cpp")}, nil, nil, nil),
			match: false,
		},
		{
			name:  "kind participates in key identity",
			a:     NewFingerprint("Compile", "", []Key{fileKey("Foo.cpp")}, nil, nil, nil),
			b:     NewFingerprint("Compile", "", []Key{noteKey("Foo.cpp")}, nil, nil, nil),
			match: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.IsMatch(tt.b); got != tt.match {
				t.Errorf("IsMatch = %v, want %v", got, tt.match)
			}
		})
	}
}

func TestIsMatch_RejectKeyExclusivity(t *testing.T) {
	a := NewFingerprint("Compile", "",
		[]Key{fileKey("Foo.cpp")},
		[]Key{fileKey("Generated.cpp")},
		nil, nil)
	b := NewFingerprint("Compile", "",
		[]Key{fileKey("Foo.cpp"), fileKey("Generated.cpp")},
		nil, nil, nil)

	if a.IsMatch(b) {
		t.Error("a reject key present in the candidate must veto the match despite overlapping keys")
	}
	if a.IsMatchForNewSpan(b) {
		t.Error("reject keys must also veto new-span grouping")
	}
}

func TestMerge_UnionsAndCanonicalizes(t *testing.T) {
	a := NewFingerprint("Compile", "{Severity} in {Files}",
		[]Key{fileKey("Foo.cpp")},
		[]Key{fileKey("Skip.cpp")},
		[]MetaEntry{{Name: "target", Value: "Editor"}},
		[]string{"/Engine/Source/..."})
	b := NewFingerprint("Compile", "other template",
		[]Key{fileKey("Bar.cpp"), fileKey("Foo.cpp")},
		nil,
		[]MetaEntry{{Name: "target", Value: "Game"}},
		[]string{"/Game/..."})

	merged := a.Merge(b)

	if merged.Type != "Compile" || merged.SummaryTemplate != a.SummaryTemplate {
		t.Errorf("merge must take type and template from the receiver, got %q/%q", merged.Type, merged.SummaryTemplate)
	}
	if len(merged.Keys) != 2 {
		t.Fatalf("expected deduplicated union of 2 keys, got %v", merged.Keys)
	}
	if merged.Keys[0].Name != "Bar.cpp" || merged.Keys[1].Name != "Foo.cpp" {
		t.Errorf("keys not in canonical order: %v", merged.Keys)
	}
	if len(merged.RejectKeys) != 1 || len(merged.Metadata) != 2 {
		t.Errorf("reject keys / metadata union wrong: %v / %v", merged.RejectKeys, merged.Metadata)
	}
	if len(merged.ChangeFilter) != 1 || merged.ChangeFilter[0] != "/Engine/Source/..." {
		t.Errorf("change filter must come from the receiver, got %v", merged.ChangeFilter)
	}
}

func TestRenderSummary(t *testing.T) {
	fp := NewFingerprint("Compile", "{Severity} in {Files} on {Nodes} ({Meta:target})",
		[]Key{fileKey("b/Foo.cpp"), fileKey("a/Bar.cpp")},
		nil,
		[]MetaEntry{{Name: "target", Value: "Editor"}},
		nil)

	got := fp.RenderSummary(SummaryArgs{Severity: SeverityError, Nodes: []string{"Win64 Compile"}})
	want := "Errors in Bar.cpp, Foo.cpp on Win64 Compile (Editor)"
	if got != want {
		t.Errorf("RenderSummary = %q, want %q", got, want)
	}
}

func TestRenderSummary_UnresolvedPlaceholdersAreLiteral(t *testing.T) {
	fp := NewFingerprint("Compile", "{Severity} in {Files} for {Meta:missing}", nil, nil, nil, nil)

	got := fp.RenderSummary(SummaryArgs{Severity: SeverityWarning})
	want := "Warnings in {Files} for {Meta:missing}"
	if got != want {
		t.Errorf("RenderSummary = %q, want %q", got, want)
	}
}

func TestRenderSummary_TruncatesLongLists(t *testing.T) {
	fp := NewFingerprint("Compile", "{Severity} in {Files}",
		[]Key{fileKey("A.cpp"), fileKey("B.cpp"), fileKey("C.cpp"), fileKey("D.cpp"), fileKey("E.cpp")},
		nil, nil, nil)

	got := fp.RenderSummary(SummaryArgs{Severity: SeverityError})
	want := "Errors in A.cpp, B.cpp, C.cpp and 2 others"
	if got != want {
		t.Errorf("RenderSummary = %q, want %q", got, want)
	}
}

func TestNewFingerprint_Canonicalizes(t *testing.T) {
	fp := NewFingerprint("Compile", "",
		[]Key{fileKey("Foo.cpp"), fileKey("Bar.cpp"), fileKey("Foo.cpp")},
		nil, nil, nil)

	if len(fp.Keys) != 2 {
		t.Fatalf("expected duplicates removed, got %v", fp.Keys)
	}
	if !fp.Keys[0].Less(fp.Keys[1]) {
		t.Errorf("keys not sorted: %v", fp.Keys)
	}
}
