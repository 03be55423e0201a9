package stringtable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddAssignsConsecutiveIDs(t *testing.T) {
	st := New()

	id0, err := st.Add("sunny")
	require.NoError(t, err)
	assert.Equal(t, int32(0), id0)

	id1, err := st.Add("overcast")
	require.NoError(t, err)
	assert.Equal(t, int32(1), id1)

	id2, err := st.Add("rainy")
	require.NoError(t, err)
	assert.Equal(t, int32(2), id2)

	assert.Equal(t, int32(2), st.LastID())
}

func TestAddIsIdempotent(t *testing.T) {
	st := New()

	first, err := st.Add("sunny")
	require.NoError(t, err)

	second, err := st.Add("sunny")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(0), st.LastID())
}

func TestLookupTextRoundTrip(t *testing.T) {
	st := New()

	id, err := st.Add("foggy")
	require.NoError(t, err)

	text, ok := st.LookupText(id)
	require.True(t, ok)
	assert.Equal(t, "foggy", text)

	gotID, ok := st.LookupID("foggy")
	require.True(t, ok)
	assert.Equal(t, id, gotID)
}

func TestLookupMissingReturnsNotOK(t *testing.T) {
	st := New()

	_, ok := st.LookupID("nowhere")
	assert.False(t, ok)

	_, ok = st.LookupText(42)
	assert.False(t, ok)
}

func TestAddWithIDRejectsConflictingRebind(t *testing.T) {
	st := New()

	require.NoError(t, st.AddWithID("sunny", 0))

	err := st.AddWithID("overcast", 0)
	assert.Error(t, err)

	err = st.AddWithID("sunny", 1)
	assert.Error(t, err)
}

func TestAddWithIDAdvancesLastID(t *testing.T) {
	st := New()

	require.NoError(t, st.AddWithID("sunny", 0))
	require.NoError(t, st.AddWithID("rainy", 5))

	assert.Equal(t, int32(5), st.LastID())

	next, err := st.Add("new")
	require.NoError(t, err)
	assert.Equal(t, int32(6), next)
}

func TestReferenceFromDelegatesToSource(t *testing.T) {
	owner := New()
	ownerID, err := owner.Add("sunny")
	require.NoError(t, err)

	view := New()
	view.ReferenceFrom(owner)

	gotID, ok := view.LookupID("sunny")
	require.True(t, ok)
	assert.Equal(t, ownerID, gotID)

	newID, err := view.Add("rainy")
	require.NoError(t, err)

	backID, ok := owner.LookupID("rainy")
	require.True(t, ok)
	assert.Equal(t, newID, backID)
}

func TestCopyFromReferenceBreaksLink(t *testing.T) {
	owner := New()
	_, err := owner.Add("sunny")
	require.NoError(t, err)

	view := New()
	view.ReferenceFrom(owner)
	require.NoError(t, view.CopyFromReference())

	_, err = owner.Add("overcast")
	require.NoError(t, err)

	_, ok := view.LookupID("overcast")
	assert.False(t, ok, "copy must not see entries added to owner after the copy")

	_, ok = view.LookupID("sunny")
	assert.True(t, ok)
}

func TestFlushReturnsOnlyEntriesPastStorageMaxID(t *testing.T) {
	st := New()
	_, err := st.Add("a")
	require.NoError(t, err)
	_, err = st.Add("b")
	require.NoError(t, err)
	_, err = st.Add("c")
	require.NoError(t, err)

	entries := st.Flush(0)
	require.Len(t, entries, 2)
	assert.Equal(t, int32(1), entries[0].ID)
	assert.Equal(t, "b", entries[0].Text)
	assert.Equal(t, int32(2), entries[1].ID)
	assert.Equal(t, "c", entries[1].Text)
}

func TestClearRejectsReferencingTable(t *testing.T) {
	owner := New()
	view := New()
	view.ReferenceFrom(owner)

	err := view.Clear()
	assert.Error(t, err)
}
