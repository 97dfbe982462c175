package storage

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestFile(t *testing.T, dir string) *File {
	t.Helper()
	f, err := Open(dir, Options{BlockSize: 512, InitialBlocks: 4})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return f
}

func TestWriteReadPageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := openTestFile(t, dir)
	defer f.Close()

	data := []byte("hello page tree")
	key, err := f.WritePage(data)
	if err != nil {
		t.Fatalf("WritePage: %v", err)
	}

	got, err := f.ReadPage(key)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestMultiplePagesDoNotOverlap(t *testing.T) {
	dir := t.TempDir()
	f := openTestFile(t, dir)
	defer f.Close()

	var keys []int64
	var payloads [][]byte
	for i := 0; i < 20; i++ {
		p := bytes.Repeat([]byte{byte(i)}, 30+i)
		k, err := f.WritePage(p)
		if err != nil {
			t.Fatalf("WritePage %d: %v", i, err)
		}
		keys = append(keys, k)
		payloads = append(payloads, p)
	}

	for i, k := range keys {
		got, err := f.ReadPage(k)
		if err != nil {
			t.Fatalf("ReadPage %d: %v", i, err)
		}
		if !bytes.Equal(got, payloads[i]) {
			t.Fatalf("page %d corrupted: got %v, want %v", i, got, payloads[i])
		}
	}
}

func TestUberPageRefRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f := openTestFile(t, dir)
	defer f.Close()

	if _, ok, err := f.ReadUberPageRef(); err != nil || ok {
		t.Fatalf("fresh store should have no uber page ref: ok=%v err=%v", ok, err)
	}

	key, err := f.WritePage([]byte("uber-payload"))
	if err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := f.WriteUberPageRef(key); err != nil {
		t.Fatalf("WriteUberPageRef: %v", err)
	}

	got, ok, err := f.ReadUberPageRef()
	if err != nil || !ok {
		t.Fatalf("ReadUberPageRef: %v, %v", ok, err)
	}
	if got != key {
		t.Fatalf("got %d, want %d", got, key)
	}
}

func TestReadUnknownKeyFails(t *testing.T) {
	dir := t.TempDir()
	f := openTestFile(t, dir)
	defer f.Close()

	if _, err := f.ReadPage(999999); err == nil {
		t.Fatal("expected an error reading an unwritten storage key")
	}
}

func TestReopenPreservesUberPageRef(t *testing.T) {
	dir := t.TempDir()
	f := openTestFile(t, dir)

	key, err := f.WritePage([]byte("durable"))
	if err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := f.WriteUberPageRef(key); err != nil {
		t.Fatalf("WriteUberPageRef: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	f2, err := Open(dir, Options{BlockSize: 512, InitialBlocks: 4})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer f2.Close()

	got, ok, err := f2.ReadUberPageRef()
	if err != nil || !ok || got != key {
		t.Fatalf("got %d, %v, %v; want %d, true, nil", got, ok, err, key)
	}
	data, err := f2.ReadPage(key)
	if err != nil || string(data) != "durable" {
		t.Fatalf("page not preserved across reopen: %q, %v", data, err)
	}
}

func TestSecondOpenFailsWhileLocked(t *testing.T) {
	dir := t.TempDir()
	f := openTestFile(t, dir)
	defer f.Close()

	_, err := Open(dir, Options{BlockSize: 512, InitialBlocks: 4})
	if err == nil {
		t.Fatal("expected the second Open to fail while the first holds the lock")
	}
}

func TestTruncateToFreesBlocksForReuse(t *testing.T) {
	dir := t.TempDir()
	f := openTestFile(t, dir)
	defer f.Close()

	key1, err := f.WritePage(bytes.Repeat([]byte{1}, 100))
	if err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := f.TruncateTo(key1); err != nil {
		t.Fatalf("TruncateTo: %v", err)
	}

	key2, err := f.WritePage(bytes.Repeat([]byte{2}, 100))
	if err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if key2 != key1 {
		t.Fatalf("expected freed block to be reused, got new key %d != %d", key2, key1)
	}
}

// TestCrashBeforeUberPageRefIsInvisibleOnReopen simulates a crash between
// a committed revision's durable pages and the commit that would have
// published the next one: WritePage fsyncs its WAL frame immediately
// (see walLog.Append), but WriteUberPageRef is the only call that ever
// advances the superblock's uber key, so closing the file after the
// former but before the latter must reopen at the pre-crash revision,
// matching scenario 6's "no new records visible" -- even though the
// orphaned page's bytes did reach the WAL and get replayed into the data
// file on reopen, nothing durable ever pointed the uber ref at them.
func TestCrashBeforeUberPageRefIsInvisibleOnReopen(t *testing.T) {
	dir := t.TempDir()
	f := openTestFile(t, dir)

	committedKey, err := f.WritePage([]byte("revision-1"))
	if err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := f.WriteUberPageRef(committedKey); err != nil {
		t.Fatalf("WriteUberPageRef: %v", err)
	}

	// Begin a second revision's writes, then "crash" (close without ever
	// calling WriteUberPageRef for it) -- no commit marker is ever
	// written for this core's durability protocol (see DESIGN.md), the
	// WAL-plus-superblock mechanism plays that role instead.
	orphanKey, err := f.WritePage([]byte("revision-2-never-committed"))
	if err != nil {
		t.Fatalf("WritePage: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("simulated-crash Close: %v", err)
	}

	f2, err := Open(dir, Options{BlockSize: 512, InitialBlocks: 4})
	if err != nil {
		t.Fatalf("reopen after simulated crash: %v", err)
	}
	defer f2.Close()

	got, ok, err := f2.ReadUberPageRef()
	if err != nil || !ok {
		t.Fatalf("ReadUberPageRef after crash: ok=%v err=%v", ok, err)
	}
	if got != committedKey {
		t.Fatalf("uber ref advanced past the crash: got %d, want pre-crash revision %d", got, committedKey)
	}
	data, err := f2.ReadPage(committedKey)
	if err != nil || string(data) != "revision-1" {
		t.Fatalf("pre-crash revision not recoverable: %q, %v", data, err)
	}

	// The orphaned page's bytes are still sitting in the data file (WAL
	// replay applies every well-formed frame, committed or not) but no
	// live revision references them -- they are dead space, not a
	// visible record, which is the property that matters here.
	if orphanData, err := f2.ReadPage(orphanKey); err == nil {
		if string(orphanData) != "revision-2-never-committed" {
			t.Fatalf("orphaned page bytes corrupted: %q", orphanData)
		}
	}
}

func TestDataPathIsUnderDir(t *testing.T) {
	dir := t.TempDir()
	f := openTestFile(t, dir)
	defer f.Close()

	if _, err := filepath.Abs(dir); err != nil {
		t.Fatalf("unexpected: %v", err)
	}
}
