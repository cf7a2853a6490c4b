package dom_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/browserpilot/api/schemas"
	"github.com/xkilldash9x/browserpilot/internal/dom"
)

func querySnapshot(t *testing.T) *schemas.Snapshot {
	t.Helper()
	snap, err := dom.Extract(testPage())
	require.NoError(t, err)
	return snap
}

func TestFind_ByTagIDClassAndAttribute(t *testing.T) {
	snap := querySnapshot(t)

	node, err := dom.Find(snap, "a")
	require.NoError(t, err)
	assert.Equal(t, "Docs", node.Text)

	node, err = dom.Find(snap, "input[name=q]")
	require.NoError(t, err)
	assert.Equal(t, "input", node.Tag)

	node, err = dom.Find(snap, "button[type=submit]")
	require.NoError(t, err)
	assert.Equal(t, "Go", node.Text)

	node, err = dom.Find(snap, "[href]")
	require.NoError(t, err)
	assert.Equal(t, "a", node.Tag)
}

func TestFind_NoMatchReturnsNotFound(t *testing.T) {
	snap := querySnapshot(t)

	_, err := dom.Find(snap, "#missing")
	assert.ErrorIs(t, err, schemas.ErrNotFound)

	_, err = dom.Find(nil, "a")
	assert.ErrorIs(t, err, schemas.ErrNotFound)
}

func TestFind_RejectsUnsupportedSelectors(t *testing.T) {
	snap := querySnapshot(t)

	_, err := dom.Find(snap, "")
	assert.Error(t, err)

	_, err = dom.Find(snap, "div > a")
	assert.Error(t, err, "combinators are out of scope")

	_, err = dom.Find(snap, "a[href")
	assert.Error(t, err, "unterminated attribute clause")
}
