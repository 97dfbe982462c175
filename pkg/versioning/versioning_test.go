package versioning

import (
	"reflect"
	"testing"

	"nodetree/pkg/pages"
)

func TestFullRevisionsToRead(t *testing.T) {
	p := Full{}
	got := p.RevisionsToRead(5, 4)
	want := []int64{5}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestDifferentialRevisionsToRead(t *testing.T) {
	p := Differential{LastFullRevision: 3}
	if got := p.RevisionsToRead(3, 0); !reflect.DeepEqual(got, []int64{3}) {
		t.Fatalf("at the full revision itself, got %v", got)
	}
	if got := p.RevisionsToRead(6, 0); !reflect.DeepEqual(got, []int64{6, 3}) {
		t.Fatalf("got %v, want [6 3]", got)
	}
}

func TestIncrementalRevisionsToRead(t *testing.T) {
	p := Incremental{LastFullRevision: 2}
	got := p.RevisionsToRead(10, 4)
	want := []int64{10, 9, 8, 7}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	got = p.RevisionsToRead(3, 4)
	want = []int64{3, 2}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("should stop at the full revision: got %v, want %v", got, want)
	}
}

func TestSlidingSnapshotStopsAtFullPage(t *testing.T) {
	p := SlidingSnapshot{
		LastFullRevision: 1,
		FullAt: func(rev int64) bool {
			return rev == 8
		},
	}
	got := p.RevisionsToRead(10, 6)
	want := []int64{10, 9, 8}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestCombineNewestWins(t *testing.T) {
	older := pages.NewRecordPage[string](0, 0, 1)
	older.Set(0, "old-a")
	older.Set(1, "old-b")

	newer := pages.NewRecordPage[string](0, 0, 2)
	newer.Set(0, "new-a")

	full, err := Combine([]*pages.RecordPage[string]{newer, older})
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}

	slot0, _ := full.Get(0)
	if slot0.Value != "new-a" {
		t.Errorf("slot 0 should come from the newer page, got %q", slot0.Value)
	}
	slot1, _ := full.Get(1)
	if slot1.Value != "old-b" {
		t.Errorf("slot 1 should fall through to the older page, got %q", slot1.Value)
	}
}

func TestCombineTombstoneDoesNotFallThrough(t *testing.T) {
	older := pages.NewRecordPage[string](0, 0, 1)
	older.Set(0, "old-a")

	newer := pages.NewRecordPage[string](0, 0, 2)
	newer.Tombstone(0)

	full, err := Combine([]*pages.RecordPage[string]{newer, older})
	if err != nil {
		t.Fatalf("Combine: %v", err)
	}

	slot0, ok := full.Get(0)
	if !ok || !slot0.Deleted {
		t.Fatalf("tombstone in the newer page must not be overridden by the older page, got %+v, %v", slot0, ok)
	}
}

func TestCombineEmptyFails(t *testing.T) {
	if _, err := Combine[string](nil); err == nil {
		t.Fatal("expected error combining zero pages")
	}
}

func TestCombineMismatchedPageKeyFails(t *testing.T) {
	a := pages.NewRecordPage[string](0, 0, 1)
	b := pages.NewRecordPage[string](1, 0, 2)
	if _, err := Combine([]*pages.RecordPage[string]{b, a}); err == nil {
		t.Fatal("expected error combining pages with mismatched page keys")
	}
}
