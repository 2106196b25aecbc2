package table

import (
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/kallio-labs/peerbase/pkg/errkind"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRow(t *testing.T, id uuid.UUID, name string) Row {
	t.Helper()
	r, err := NewRow(id, map[string]any{"name": name})
	require.NoError(t, err)
	return r
}

func TestTableStorageInsertGet(t *testing.T) {
	ts := New("d1", "t1", t.TempDir())
	id := uuid.New()

	require.NoError(t, ts.Insert(id, newTestRow(t, id, "alice")))

	row, err := ts.Get(id)
	require.NoError(t, err)
	gotID, err := row.RowID()
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
}

func TestTableStorageInsertDuplicateFails(t *testing.T) {
	ts := New("d1", "t1", t.TempDir())
	id := uuid.New()
	require.NoError(t, ts.Insert(id, newTestRow(t, id, "alice")))

	err := ts.Insert(id, newTestRow(t, id, "bob"))
	assert.Equal(t, errkind.AlreadyExists, errkind.ClassifyOf(err))
}

func TestTableStorageGetMissing(t *testing.T) {
	ts := New("d1", "t1", t.TempDir())
	_, err := ts.Get(uuid.New())
	assert.Equal(t, errkind.NotFound, errkind.ClassifyOf(err))
}

func TestTableStorageUpdateDelete(t *testing.T) {
	ts := New("d1", "t1", t.TempDir())
	id := uuid.New()
	require.NoError(t, ts.Insert(id, newTestRow(t, id, "alice")))
	require.NoError(t, ts.Update(id, newTestRow(t, id, "alice2")))

	row, err := ts.Get(id)
	require.NoError(t, err)
	col, ok := row.Column("name")
	require.True(t, ok)
	assert.Equal(t, `"alice2"`, string(col))

	require.NoError(t, ts.Delete(id))
	_, err = ts.Get(id)
	assert.Equal(t, errkind.NotFound, errkind.ClassifyOf(err))
}

func TestTableStorageSelect(t *testing.T) {
	ts := New("d1", "t1", t.TempDir())
	a, b := uuid.New(), uuid.New()
	require.NoError(t, ts.Insert(a, newTestRow(t, a, "alice")))
	require.NoError(t, ts.Insert(b, newTestRow(t, b, "bob")))

	matches, err := ts.Select("name", "alice")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, a, matches[0])
}

func TestTableStorageSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ts := New("d1", "t1", dir)
	id := uuid.New()
	require.NoError(t, ts.Insert(id, newTestRow(t, id, "alice")))
	require.NoError(t, ts.SaveToDisk())

	reloaded := New("d1", "t1", dir)
	require.NoError(t, reloaded.LoadFromDisk())

	row, err := reloaded.Get(id)
	require.NoError(t, err)
	col, ok := row.Column("name")
	require.True(t, ok)
	assert.Equal(t, `"alice"`, string(col))
}

func TestTableStorageLoadMissingFileIsEmpty(t *testing.T) {
	ts := New("d1", "t1", t.TempDir())
	require.NoError(t, ts.LoadFromDisk())
	matches, err := ts.Select("name", "anything")
	require.NoError(t, err)
	assert.Empty(t, matches)
}

func TestTableStorageLoadCorruptedFileIsEmpty(t *testing.T) {
	dir := t.TempDir()
	ts := New("d1", "t1", dir)
	require.NoError(t, ts.SaveToDisk())

	path := dir + "/" + blobFileName
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	require.NoError(t, ts.LoadFromDisk())
	matches, err := ts.Select("name", "anything")
	require.NoError(t, err)
	assert.Empty(t, matches)
}
