package snapshot

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeRestorer struct {
	keys      []string
	values    [][]byte
	expiry    []bool
	expireAts []int64
}

func (f *fakeRestorer) RestoreString(key string, value []byte, expireAtUnixMS int64, hasExpiry bool) {
	f.keys = append(f.keys, key)
	f.values = append(f.values, value)
	f.expiry = append(f.expiry, hasExpiry)
	f.expireAts = append(f.expireAts, expireAtUnixMS)
}

func shortString(s string) []byte {
	return append([]byte{byte(len(s))}, []byte(s)...)
}

func buildMinimalRDB(t *testing.T) []byte {
	t.Helper()
	var b []byte
	b = append(b, []byte("REDIS")...)
	b = append(b, []byte("0011")...)
	b = append(b, byteSelectDB, 0x00)
	b = append(b, valueTypeString)
	b = append(b, shortString("foo")...)
	b = append(b, shortString("bar")...)
	b = append(b, byteEOF)
	b = append(b, make([]byte, 8)...) // checksum, ignored
	return b
}

func TestEmptyReturnsValidBase64Payload(t *testing.T) {
	b := Empty()
	require.NotEmpty(t, b)
	require.Equal(t, "REDIS", string(b[:5]))
}

func TestRestoreMissingFileIsNotAnError(t *testing.T) {
	r := &fakeRestorer{}
	err := Restore(t.TempDir(), "nonexistent.rdb", r)
	require.NoError(t, err)
	require.Empty(t, r.keys)
}

func TestRestoreParsesSimpleStringEntry(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "dump.rdb")
	require.NoError(t, os.WriteFile(path, buildMinimalRDB(t), 0o644))

	r := &fakeRestorer{}
	require.NoError(t, Restore(dir, "dump.rdb", r))
	require.Equal(t, []string{"foo"}, r.keys)
	require.Equal(t, [][]byte{[]byte("bar")}, r.values)
	require.Equal(t, []bool{false}, r.expiry)
}
