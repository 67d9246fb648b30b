package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintDecode_LegacyFlatKeys(t *testing.T) {
	doc := `{
		"type": "Compile",
		"summaryTemplate": "{Severity} in {Files}",
		"keys": ["file:Foo.cpp", "symbol:UMyActor@Engine", "Bare.h"],
		"rejectKeys": ["note:Deprecation"],
		"metadata": {"target": "Editor"}
	}`

	var fp Fingerprint
	require.NoError(t, json.Unmarshal([]byte(doc), &fp))

	require.Len(t, fp.Keys, 3)
	assert.Contains(t, fp.Keys, Key{Name: "Foo.cpp", Kind: KeyKindFile})
	assert.Contains(t, fp.Keys, Key{Name: "UMyActor", Kind: KeyKindSymbol, Scope: "Engine"})
	assert.Contains(t, fp.Keys, Key{Name: "Bare.h", Kind: KeyKindNone})
	assert.Equal(t, []Key{{Name: "Deprecation", Kind: KeyKindNote}}, fp.RejectKeys)
	assert.Equal(t, []MetaEntry{{Name: "target", Value: "Editor"}}, fp.Metadata)
}

func TestFingerprintDecode_CanonicalShapeRoundTrips(t *testing.T) {
	in := NewFingerprint("Link", "tmpl",
		[]Key{{Name: "libfoo.a", Kind: KeyKindFile}},
		[]Key{{Name: "x", Kind: KeyKindHash}},
		[]MetaEntry{{Name: "platform", Value: "Linux"}},
		[]string{"/src/..."})

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out Fingerprint
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestStepDecode_LegacyNotifyFoldedIntoPromote(t *testing.T) {
	var legacy Step
	require.NoError(t, json.Unmarshal([]byte(`{"change": 100, "notify": true}`), &legacy))
	assert.True(t, legacy.PromoteByDefault, "legacy notify must decode as promoteByDefault")

	var canonical Step
	require.NoError(t, json.Unmarshal([]byte(`{"change": 100, "promoteByDefault": false, "notify": true}`), &canonical))
	assert.False(t, canonical.PromoteByDefault, "the canonical field wins over the deprecated one")
}
