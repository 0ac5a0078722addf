package ir

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestActionIDDeterminism(t *testing.T) {
	payload := Record{"direction": String("next"), "scope": String("item")}

	id1, err := ActionID("exec-1", 1, ActionMove, payload)
	require.NoError(t, err)
	id2, err := ActionID("exec-1", 1, ActionMove, Record{"scope": String("item"), "direction": String("next")})
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 64)
}

func TestActionIDChangesWithInput(t *testing.T) {
	payload := Record{"direction": String("next")}
	base := MustActionID("exec-1", 1, ActionMove, payload)

	assert.NotEqual(t, base, MustActionID("exec-2", 1, ActionMove, payload))
	assert.NotEqual(t, base, MustActionID("exec-1", 2, ActionMove, payload))
	assert.NotEqual(t, base, MustActionID("exec-1", 1, ActionSkip, payload))
	assert.NotEqual(t, base, MustActionID("exec-1", 1, ActionMove, Record{"direction": String("previous")}))
}

func TestDomainSeparation(t *testing.T) {
	data := []byte(`{}`)
	assert.NotEqual(t, hashWithDomain(DomainAction, data), hashWithDomain(DomainTestMap, data))
}

func TestTestMapHashStable(t *testing.T) {
	h1, err := TestMapHash(twoPartMap())
	require.NoError(t, err)
	h2, err := TestMapHash(twoPartMap())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	changed := twoPartMap()
	changed.Parts[0].Sections[0].Items[0].ID = "Q9"
	h3, err := TestMapHash(changed)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}
