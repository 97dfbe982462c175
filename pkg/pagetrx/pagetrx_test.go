package pagetrx

import (
	"testing"

	"nodetree/pkg/cache"
	"nodetree/pkg/noderecord"
	"nodetree/pkg/pathsummary"
	"nodetree/pkg/storage"
	"nodetree/pkg/versioning"
)

func openTestStorage(t *testing.T) *storage.File {
	t.Helper()
	f, err := storage.Open(t.TempDir(), storage.Options{BlockSize: 512, InitialBlocks: 4})
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { f.Close() })
	return f
}

func TestWriteTransactionCommitsAndReadTransactionSeesIt(t *testing.T) {
	f := openTestStorage(t)
	budget := cache.NewMemoryBudget(0)

	wtx, err := NewPageWriteTransaction(f, f, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageWriteTransaction: %v", err)
	}

	rec := noderecord.NewStructural(1, noderecord.KindElement, noderecord.DocumentNodeKey)
	if err := wtx.CreateEntry(rec); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}

	rev, err := wtx.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rev != 0 {
		t.Fatalf("first commit should be revision 0, got %d", rev)
	}

	rtx, err := NewPageReadTransaction(f, -1, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageReadTransaction: %v", err)
	}
	defer rtx.Close()

	got, ok, err := rtx.Record(1)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !ok {
		t.Fatal("expected record 1 to be found")
	}
	if got.Kind != noderecord.KindElement {
		t.Fatalf("got kind %v, want KindElement", got.Kind)
	}
}

func TestRemoveEntryTombstonesAcrossRevisions(t *testing.T) {
	f := openTestStorage(t)
	budget := cache.NewMemoryBudget(0)

	wtx, err := NewPageWriteTransaction(f, f, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageWriteTransaction: %v", err)
	}
	rec := noderecord.NewStructural(5, noderecord.KindElement, noderecord.DocumentNodeKey)
	if err := wtx.CreateEntry(rec); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if _, err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	wtx2, err := NewPageWriteTransaction(f, f, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageWriteTransaction: %v", err)
	}
	if err := wtx2.RemoveEntry(5); err != nil {
		t.Fatalf("RemoveEntry: %v", err)
	}
	rev2, err := wtx2.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := NewPageReadTransaction(f, rev2, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageReadTransaction: %v", err)
	}
	defer rtx.Close()
	_, ok, err := rtx.Record(5)
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if ok {
		t.Fatal("expected record 5 to be tombstoned at the revision it was removed in")
	}
}

func TestNameKeyPersistsAcrossCommit(t *testing.T) {
	f := openTestStorage(t)
	budget := cache.NewMemoryBudget(0)

	wtx, err := NewPageWriteTransaction(f, f, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageWriteTransaction: %v", err)
	}
	key, err := wtx.CreateNameKey(byte(noderecord.KindElement), "title")
	if err != nil {
		t.Fatalf("CreateNameKey: %v", err)
	}
	if _, err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := NewPageReadTransaction(f, -1, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageReadTransaction: %v", err)
	}
	defer rtx.Close()
	name, ok, err := rtx.Name(byte(noderecord.KindElement), key)
	if err != nil {
		t.Fatalf("Name: %v", err)
	}
	if !ok || name != "title" {
		t.Fatalf("got %q, %v; want title, true", name, ok)
	}
}

func TestPathSummaryPersistsAcrossCommit(t *testing.T) {
	f := openTestStorage(t)
	budget := cache.NewMemoryBudget(0)

	wtx, err := NewPageWriteTransaction(f, f, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageWriteTransaction: %v", err)
	}
	summary, err := wtx.PathSummaryForUpdate()
	if err != nil {
		t.Fatalf("PathSummaryForUpdate: %v", err)
	}
	key := summary.Insert(pathsummary.NullPathNodeKey, noderecord.KindElement, noderecord.QName{LocalNameKey: 1})
	if _, err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	rtx, err := NewPageReadTransaction(f, -1, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageReadTransaction: %v", err)
	}
	defer rtx.Close()
	restored, err := rtx.PathSummary()
	if err != nil {
		t.Fatalf("PathSummary: %v", err)
	}
	if restored.RefCount(key) != 1 {
		t.Fatalf("expected ref count 1, got %d", restored.RefCount(key))
	}
}

func TestMultipleRevisionsEachVisibleAtOwnRevision(t *testing.T) {
	f := openTestStorage(t)
	budget := cache.NewMemoryBudget(0)

	wtx, err := NewPageWriteTransaction(f, f, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageWriteTransaction: %v", err)
	}
	if err := wtx.CreateEntry(noderecord.NewStructural(1, noderecord.KindElement, noderecord.DocumentNodeKey)); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if _, err := wtx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	wtx2, err := NewPageWriteTransaction(f, f, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageWriteTransaction: %v", err)
	}
	if err := wtx2.CreateEntry(noderecord.NewStructural(2, noderecord.KindElement, 1)); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	rev2, err := wtx2.Commit()
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if rev2 != 1 {
		t.Fatalf("second commit should be revision 1, got %d", rev2)
	}

	rtx0, err := NewPageReadTransaction(f, 0, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageReadTransaction(0): %v", err)
	}
	defer rtx0.Close()
	if _, ok, _ := rtx0.Record(2); ok {
		t.Fatal("node 2 should not exist at revision 0")
	}

	rtx1, err := NewPageReadTransaction(f, 1, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageReadTransaction(1): %v", err)
	}
	defer rtx1.Close()
	if _, ok, err := rtx1.Record(2); err != nil || !ok {
		t.Fatalf("node 2 should exist at revision 1: ok=%v err=%v", ok, err)
	}
	if _, ok, err := rtx1.Record(1); err != nil || !ok {
		t.Fatalf("node 1 should still be visible at revision 1: ok=%v err=%v", ok, err)
	}
}

func TestAbortDiscardsDraftWithoutTouchingStorage(t *testing.T) {
	f := openTestStorage(t)
	budget := cache.NewMemoryBudget(0)

	wtx, err := NewPageWriteTransaction(f, f, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageWriteTransaction: %v", err)
	}
	if err := wtx.CreateEntry(noderecord.NewStructural(9, noderecord.KindElement, noderecord.DocumentNodeKey)); err != nil {
		t.Fatalf("CreateEntry: %v", err)
	}
	if err := wtx.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	rtx, err := NewPageReadTransaction(f, -1, versioning.Full{}, budget)
	if err != nil {
		t.Fatalf("NewPageReadTransaction: %v", err)
	}
	defer rtx.Close()
	if rtx.uberPage.RevisionCount != 0 {
		t.Fatalf("aborted transaction should not have advanced the revision count, got %d", rtx.uberPage.RevisionCount)
	}
}
