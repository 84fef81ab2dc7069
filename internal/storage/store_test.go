package storage

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openAll(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()

	sqlite, err := NewSQLiteStore(filepath.Join(dir, "db", "records.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })

	file, err := NewFileStore(filepath.Join(dir, "files"))
	require.NoError(t, err)

	return map[string]Store{
		DriverSQLite: sqlite,
		DriverFile:   file,
		DriverMemory: NewMemoryStore(),
	}
}

func TestStoreContract(t *testing.T) {
	ctx := context.Background()
	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Read(ctx, "turbo/alice.json")
			assert.ErrorIs(t, err, ErrNotFound)

			require.NoError(t, s.Write(ctx, "turbo/alice.json", []byte(`{"v":1}`)))
			got, err := s.Read(ctx, "turbo/alice.json")
			require.NoError(t, err)
			assert.Equal(t, `{"v":1}`, string(got))

			require.NoError(t, s.Write(ctx, "turbo/alice.json", []byte(`{"v":2}`)))
			got, err = s.Read(ctx, "turbo/alice.json")
			require.NoError(t, err)
			assert.Equal(t, `{"v":2}`, string(got))

			_, err = s.Read(ctx, "davinci/alice.json")
			assert.ErrorIs(t, err, ErrNotFound, "namespaces must not collide")

			require.NoError(t, s.Delete(ctx, "turbo/alice.json"))
			_, err = s.Read(ctx, "turbo/alice.json")
			assert.ErrorIs(t, err, ErrNotFound)
			assert.ErrorIs(t, s.Delete(ctx, "turbo/alice.json"), ErrNotFound)
		})
	}
}

func TestStoreRejectsBadKeys(t *testing.T) {
	ctx := context.Background()
	for name, s := range openAll(t) {
		t.Run(name, func(t *testing.T) {
			for _, key := range []string{"", "  ", "/etc/passwd", "../escape.json", `a\b`} {
				err := s.Write(ctx, key, []byte("x"))
				assert.Error(t, err, key)
				assert.False(t, errors.Is(err, ErrNotFound), key)
			}
		})
	}
}

func TestMemoryStoreCopiesBodies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	body := []byte("abc")
	require.NoError(t, s.Write(ctx, "k", body))
	body[0] = 'z'

	got, err := s.Read(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "abc", string(got))
}

func TestFileStoreLeavesNoTempFiles(t *testing.T) {
	root := t.TempDir()
	s, err := NewFileStore(root)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), "davinci/bob.json", []byte("{}")))

	entries, err := os.ReadDir(filepath.Join(root, "davinci"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob.json", entries[0].Name())
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "records.db")
	s, err := NewSQLiteStore(path)
	require.NoError(t, err)
	require.NoError(t, s.Write(context.Background(), "turbo/carol.json", []byte("{}")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path)
	require.NoError(t, err)
	defer s.Close()
	got, err := s.Read(context.Background(), "turbo/carol.json")
	require.NoError(t, err)
	assert.Equal(t, "{}", string(got))
}

func TestSQLiteStorePragmasOnEveryConnection(t *testing.T) {
	ctx := context.Background()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "records.db"))
	require.NoError(t, err)
	defer s.Close()

	// Hold both connections at once so the pool has to open a second one.
	first, err := s.db.Conn(ctx)
	require.NoError(t, err)
	defer first.Close()
	second, err := s.db.Conn(ctx)
	require.NoError(t, err)
	defer second.Close()

	for i, conn := range []*sql.Conn{first, second} {
		var timeout int
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout))
		assert.Equal(t, 5000, timeout, "connection %d", i)

		var mode string
		require.NoError(t, conn.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&mode))
		assert.Equal(t, "wal", mode, "connection %d", i)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		driver  string
		path    string
		wantErr bool
	}{
		{"", filepath.Join(dir, "a.db"), false},
		{"sqlite", filepath.Join(dir, "b.db"), false},
		{"FILE", filepath.Join(dir, "records"), false},
		{"memory", "", false},
		{"s3", "", true},
	}
	for _, tt := range tests {
		s, err := Open(tt.driver, tt.path)
		if tt.wantErr {
			assert.Error(t, err, tt.driver)
			continue
		}
		require.NoError(t, err, tt.driver)
		assert.NoError(t, s.Close())
	}
}
