package pages

import (
	"bytes"
	"testing"
)

func TestUberPageRoundTrip(t *testing.T) {
	p := NewUberPage()
	p.RevisionCount = 3
	p.Bootstrap = false

	var buf bytes.Buffer
	if err := p.Serialize(&buf, 77); err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	got, rootKey, err := DeserializeUberPage(buf.Bytes())
	if err != nil {
		t.Fatalf("DeserializeUberPage: %v", err)
	}
	if rootKey != 77 {
		t.Errorf("rootKey = %d, want 77", rootKey)
	}
	if got.RevisionCount != 3 || got.Bootstrap != false {
		t.Errorf("got %+v", got)
	}
}

func TestNamePageCreateAndReclaim(t *testing.T) {
	np := NewNamePage()
	const kindElement = byte(1)

	k1 := np.CreateNameKey(kindElement, "a")
	k2 := np.CreateNameKey(kindElement, "a")
	if k1 != k2 {
		t.Fatalf("same name should return same key: %d != %d", k1, k2)
	}
	if np.Count(kindElement, k1) != 2 {
		t.Fatalf("expected ref count 2, got %d", np.Count(kindElement, k1))
	}

	if np.RemoveName(kindElement, k1) != 1 {
		t.Fatalf("expected ref count 1 after one removal")
	}
	name, ok := np.Name(kindElement, k1)
	if !ok || name != "a" {
		t.Fatalf("name should still resolve between removal and reclamation, got %q, %v", name, ok)
	}

	if np.RemoveName(kindElement, k1) != 0 {
		t.Fatalf("expected ref count 0 after final removal")
	}
	if _, ok := np.Name(kindElement, k1); ok {
		t.Fatalf("name should be reclaimed once ref count hits zero")
	}
}

func TestNamePageCloneIsIndependent(t *testing.T) {
	np := NewNamePage()
	k := np.CreateNameKey(1, "x")
	clone := np.Clone()
	clone.CreateNameKey(1, "x")

	if np.Count(1, k) != 1 {
		t.Fatalf("mutating a clone should not affect the original, got count %d", np.Count(1, k))
	}
	if clone.Count(1, k) != 2 {
		t.Fatalf("clone should have its own independent count, got %d", clone.Count(1, k))
	}
}

func TestRecordPageSlotsAndTombstone(t *testing.T) {
	rp := NewRecordPage[string](0, 0, 1)
	rp.Set(5, "hello")

	s, ok := rp.Get(5)
	if !ok || s.Deleted || s.Value != "hello" {
		t.Fatalf("got %+v, %v", s, ok)
	}

	rp.Tombstone(5)
	s, ok = rp.Get(5)
	if !ok || !s.Deleted {
		t.Fatalf("expected tombstone at offset 5, got %+v, %v", s, ok)
	}
}

func TestRecordPageCloneIsIndependent(t *testing.T) {
	rp := NewRecordPage[int](0, 0, 1)
	rp.Set(1, 100)

	clone := rp.Clone(2)
	clone.Set(1, 200)

	orig, _ := rp.Get(1)
	cloned, _ := clone.Get(1)
	if orig.Value != 100 {
		t.Fatalf("mutating clone mutated original: %d", orig.Value)
	}
	if cloned.Value != 200 {
		t.Fatalf("clone did not take the new value: %d", cloned.Value)
	}
	if clone.Revision != 2 {
		t.Fatalf("clone should carry the new revision, got %d", clone.Revision)
	}
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	body := []byte("the quick brown fox jumps over the lazy dog, repeated, repeated, repeated")
	compressed := Compress(body)
	got, err := Decompress(compressed)
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(got, body) {
		t.Fatalf("round trip mismatch")
	}
}

func TestChecksumDiffersOnChange(t *testing.T) {
	a := Checksum([]byte("abc"))
	b := Checksum([]byte("abd"))
	if a == b {
		t.Fatal("expected different checksums for different bodies")
	}
}
