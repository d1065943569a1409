package txn

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDocIDEqualAndString(t *testing.T) {
	var a = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "k"}
	var b = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "k"}
	var c = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "other"}

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
	require.Equal(t, "b.s.c/k", a.String())
}

func TestDocRecordRoundTrip(t *testing.T) {
	var id = DocID{Bucket: "b", Scope: "s", Collection: "c", Key: "k"}
	var rec = id.ToRecord()
	require.Equal(t, DocRecord{Bkt: "b", Scp: "s", Col: "c", ID: "k"}, rec)
	require.Equal(t, id, FromRecord(rec))
}
