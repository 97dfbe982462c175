package pageref

import "testing"

func TestEmptyReference(t *testing.T) {
	r := New()
	if !r.IsEmpty() {
		t.Fatal("new reference should be empty")
	}
	if _, ok := r.StorageKey(); ok {
		t.Fatal("empty reference should have no storage key")
	}
	if _, ok := r.LogKey(); ok {
		t.Fatal("empty reference should have no log key")
	}
	if r.Page() != nil {
		t.Fatal("empty reference should have no page")
	}
}

func TestSetStorageKeyMakesPersisted(t *testing.T) {
	r := New()
	r.SetStorageKey(42)
	if r.IsEmpty() {
		t.Fatal("reference with storage key should not be empty")
	}
	key, ok := r.StorageKey()
	if !ok || key != 42 {
		t.Fatalf("got %d, %v; want 42, true", key, ok)
	}
}

func TestSetLogKeyMakesLogged(t *testing.T) {
	r := New()
	lk := IndirectPageLogKey{Kind: KindRecordPage, Index: 0, Level: 2, Offset: 7}
	r.SetLogKey(lk)
	if r.IsEmpty() {
		t.Fatal("reference with log key should not be empty")
	}
	got, ok := r.LogKey()
	if !ok || got != lk {
		t.Fatalf("got %+v, %v; want %+v, true", got, ok, lk)
	}
	if r.PageKind() != KindRecordPage {
		t.Errorf("SetLogKey should tag PageKind, got %v", r.PageKind())
	}
}

type fakePage struct{ kind PageKind }

func (f fakePage) PageKind() PageKind { return f.kind }

func TestSetPageOverlapsWithStorageKey(t *testing.T) {
	r := NewWithStorageKey(10)
	r.SetPage(fakePage{kind: KindIndirectPage})
	if r.Page() == nil {
		t.Fatal("expected materialised page")
	}
	key, ok := r.StorageKey()
	if !ok || key != 10 {
		t.Fatalf("setting a page should not clear the storage key, got %d, %v", key, ok)
	}
	if r.PageKind() != KindIndirectPage {
		t.Errorf("SetPage should tag PageKind, got %v", r.PageKind())
	}
}

func TestClearPageKeepsKeys(t *testing.T) {
	r := NewWithStorageKey(5)
	r.SetPage(fakePage{kind: KindNamePage})
	r.ClearPage()
	if r.Page() != nil {
		t.Fatal("ClearPage should drop the materialised page")
	}
	if key, ok := r.StorageKey(); !ok || key != 5 {
		t.Fatal("ClearPage should not clear the storage key")
	}
}
