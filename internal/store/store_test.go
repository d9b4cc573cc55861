package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flockdb/flock/internal/cmderr"
	"github.com/flockdb/flock/internal/command"
)

func TestSetGetRoundTrip(t *testing.T) {
	e := New()
	now := time.Now()
	e.Set("k", []byte("v"), nil, now)
	got, ok, err := e.Get("k", now)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v"), got)
}

func TestGetMissingKey(t *testing.T) {
	e := New()
	_, ok, err := e.Get("nope", time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSetWithPXExpires(t *testing.T) {
	e := New()
	now := time.Now()
	px := int64(10)
	e.Set("k", []byte("v"), &px, now)
	_, ok, err := e.Get("k", now.Add(5*time.Millisecond))
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = e.Get("k", now.Add(11*time.Millisecond))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestDelCountsOnlyExisting(t *testing.T) {
	e := New()
	now := time.Now()
	e.Set("a", []byte("1"), nil, now)
	n := e.Del([]string{"a", "b"}, now)
	require.Equal(t, int64(1), n)
}

func TestExistsCountsRepeats(t *testing.T) {
	e := New()
	now := time.Now()
	e.Set("a", []byte("1"), nil, now)
	n := e.Exists([]string{"a", "a", "b"}, now)
	require.Equal(t, int64(2), n)
}

func TestTypeReportsKind(t *testing.T) {
	e := New()
	now := time.Now()
	require.Equal(t, KindNone, e.Type("missing", now))
	e.Set("s", []byte("v"), nil, now)
	require.Equal(t, KindString, e.Type("s", now))
	_, err := e.XAdd("strm", command.InputStreamID{GeneralWildcard: true}, nil, 1)
	require.NoError(t, err)
	require.Equal(t, KindStream, e.Type("strm", now))
}

func TestGetOnStreamReturnsAbsent(t *testing.T) {
	e := New()
	_, err := e.XAdd("strm", command.InputStreamID{GeneralWildcard: true}, nil, 1)
	require.NoError(t, err)
	_, ok, err := e.Get("strm", time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestKeysMatchAll(t *testing.T) {
	e := New()
	now := time.Now()
	e.Set("a", []byte("1"), nil, now)
	e.Set("b", []byte("2"), nil, now)
	ks := e.Keys("*", now)
	require.ElementsMatch(t, []string{"a", "b"}, ks)
}

func TestXAddRejectsZeroID(t *testing.T) {
	e := New()
	_, err := e.XAdd("s", command.InputStreamID{MS: 0, Seq: 0}, nil, 1)
	require.ErrorIs(t, err, cmderr.ErrStreamNotZero)
}

func TestXAddRejectsNonMonotonicID(t *testing.T) {
	e := New()
	_, err := e.XAdd("s", command.InputStreamID{MS: 5, Seq: 0}, nil, 5)
	require.NoError(t, err)
	_, err = e.XAdd("s", command.InputStreamID{MS: 5, Seq: 0}, nil, 5)
	require.ErrorIs(t, err, cmderr.ErrStreamNotMonotonic)
}

func TestXAddSeqWildcardIncrements(t *testing.T) {
	e := New()
	id1, err := e.XAdd("s", command.InputStreamID{MS: 5, SeqWildcard: true}, nil, 5)
	require.NoError(t, err)
	require.Equal(t, command.StreamID{MS: 5, Seq: 0}, id1)
	id2, err := e.XAdd("s", command.InputStreamID{MS: 5, SeqWildcard: true}, nil, 5)
	require.NoError(t, err)
	require.Equal(t, command.StreamID{MS: 5, Seq: 1}, id2)
}

func TestXAddSeqWildcardRejectsOlderMS(t *testing.T) {
	e := New()
	_, err := e.XAdd("s", command.InputStreamID{MS: 5, Seq: 0}, nil, 5)
	require.NoError(t, err)
	_, err = e.XAdd("s", command.InputStreamID{MS: 4, SeqWildcard: true}, nil, 5)
	require.ErrorIs(t, err, cmderr.ErrStreamNotMonotonic)
}

func TestXAddGeneralWildcardMonotonic(t *testing.T) {
	e := New()
	id1, err := e.XAdd("s", command.InputStreamID{GeneralWildcard: true}, nil, 100)
	require.NoError(t, err)
	require.Equal(t, command.StreamID{MS: 100, Seq: 0}, id1)
	id2, err := e.XAdd("s", command.InputStreamID{GeneralWildcard: true}, nil, 100)
	require.NoError(t, err)
	require.Equal(t, command.StreamID{MS: 100, Seq: 1}, id2)
}

func TestXRangeInclusiveBounds(t *testing.T) {
	e := New()
	for ms := uint64(1); ms <= 3; ms++ {
		_, err := e.XAdd("s", command.InputStreamID{MS: ms, Seq: 0}, nil, ms)
		require.NoError(t, err)
	}
	entries, err := e.XRange("s", command.BoundStreamID{LeftUnbound: true}, command.BoundStreamID{RightUnbound: true})
	require.NoError(t, err)
	require.Len(t, entries, 3)

	entries, err = e.XRange("s", command.BoundStreamID{MS: 2, HasSeq: true}, command.BoundStreamID{MS: 2, HasSeq: true})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, command.StreamID{MS: 2, Seq: 0}, entries[0].ID)
}

func TestXReadSinceReturnsNewerOnly(t *testing.T) {
	e := New()
	id1, err := e.XAdd("s", command.InputStreamID{MS: 1, Seq: 0}, nil, 1)
	require.NoError(t, err)
	_, err = e.XAdd("s", command.InputStreamID{MS: 2, Seq: 0}, nil, 2)
	require.NoError(t, err)
	entries, err := e.XReadSince("s", id1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, command.StreamID{MS: 2, Seq: 0}, entries[0].ID)
}

func TestTopIDOfMissingStreamIsZero(t *testing.T) {
	e := New()
	require.Equal(t, command.StreamID{}, e.TopID("missing"))
}
