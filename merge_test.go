package remixdb

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/Kevin-Yang1/remixdb/kv"
)

// fakeSource is a hand-rolled mergeSource over a fixed, pre-sorted slice,
// the way model_test.go in calvinalkan-agent-task drives its state-machine
// checks against a plain in-memory fixture rather than a real component.
type fakeSource struct {
	recs []kv.Record
	pos  int
}

func newFakeSource(recs ...kv.Record) *fakeSource {
	return &fakeSource{recs: recs}
}

func (f *fakeSource) Seek(key []byte) {
	f.pos = 0
	for f.pos < len(f.recs) && string(f.recs[f.pos].Key) < string(key) {
		f.pos++
	}
}
func (f *fakeSource) Valid() bool       { return f.pos < len(f.recs) }
func (f *fakeSource) Record() kv.Record { return f.recs[f.pos] }
func (f *fakeSource) Next()             { f.pos++ }

func collectKeys(mi *MergeIterator) []string {
	var got []string
	mi.Seek(nil)
	for mi.Valid() {
		got = append(got, string(mi.Peek().Key))
		mi.SkipUnique()
	}
	return got
}

// TestMergeIteratorHigherRankWinsTies grounds spec.md §4.6's precedence
// rule: when two sources expose the same key, the source passed later to
// NewMergeIterator (WMT, the highest rank) dominates.
func TestMergeIteratorHigherRankWinsTies(t *testing.T) {
	zoneSrc := newFakeSource(kv.NewRecord([]byte("a"), []byte("from-zone")))
	imtSrc := newFakeSource(kv.NewRecord([]byte("a"), []byte("from-imt")), kv.NewRecord([]byte("b"), []byte("from-imt")))
	wmtSrc := newFakeSource(kv.NewRecord([]byte("a"), []byte("from-wmt")))

	mi := NewMergeIterator(zoneSrc, imtSrc, wmtSrc)
	mi.Seek(nil)

	if got, want := string(mi.Peek().Value), "from-wmt"; got != want {
		t.Fatalf("winning value = %q, want %q", got, want)
	}
	mi.SkipUnique()
	if !mi.Valid() || string(mi.Peek().Key) != "b" {
		t.Fatalf("expected to advance to key \"b\"")
	}
}

func TestMergeIteratorOrdersAcrossSources(t *testing.T) {
	a := newFakeSource(kv.NewRecord([]byte("apple"), nil), kv.NewRecord([]byte("cherry"), nil))
	b := newFakeSource(kv.NewRecord([]byte("banana"), nil), kv.NewRecord([]byte("date"), nil))

	mi := NewMergeIterator(a, b)
	got := collectKeys(mi)
	want := []string{"apple", "banana", "cherry", "date"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("merged key order mismatch (-want +got):\n%s", diff)
	}
}

func TestLiveIteratorSkipsTombstones(t *testing.T) {
	src := newFakeSource(
		kv.NewRecord([]byte("a"), []byte("1")),
		kv.NewTombstone([]byte("b")),
		kv.NewRecord([]byte("c"), []byte("3")),
	)
	li := NewLiveIterator(NewMergeIterator(src))
	li.Seek(nil)

	var got []string
	for li.Valid() {
		got = append(got, string(li.Peek().Key))
		li.Next()
	}
	want := []string{"a", "c"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("live keys mismatch (-want +got):\n%s", diff)
	}
}
