package resource

import (
	"errors"
	"testing"

	"nodetree/pkg/indexhook"
	"nodetree/pkg/nodetrx"
)

func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestCreateResourceWritesConfig(t *testing.T) {
	db := openTestDatabase(t)
	if err := db.CreateResource("docs", Config{}); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if err := db.CreateResource("docs", Config{}); !errors.Is(err, ErrResourceExists) {
		t.Fatalf("expected ErrResourceExists on a second create, got %v", err)
	}

	names, err := db.ListResources()
	if err != nil {
		t.Fatalf("ListResources: %v", err)
	}
	if len(names) != 1 || names[0] != "docs" {
		t.Fatalf("expected [docs], got %v", names)
	}
}

func TestOpenSessionReturnsSameInstance(t *testing.T) {
	db := openTestDatabase(t)
	if err := db.CreateResource("docs", Config{}); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}

	s1, err := db.OpenSession("docs")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	s2, err := db.OpenSession("docs")
	if err != nil {
		t.Fatalf("OpenSession (second): %v", err)
	}
	if s1 != s2 {
		t.Fatal("expected the same Session instance for a resource already open")
	}
}

func TestOpenSessionUnknownResourceFails(t *testing.T) {
	db := openTestDatabase(t)
	if _, err := db.OpenSession("missing"); !errors.Is(err, ErrResourceNotFound) {
		t.Fatalf("expected ErrResourceNotFound, got %v", err)
	}
}

func TestDropResourceRefusesWhileSessionOpen(t *testing.T) {
	db := openTestDatabase(t)
	if err := db.CreateResource("docs", Config{}); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	if _, err := db.OpenSession("docs"); err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	if err := db.DropResource("docs"); !errors.Is(err, ErrResourceBusy) {
		t.Fatalf("expected ErrResourceBusy, got %v", err)
	}
	if err := db.CloseSession("docs"); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if err := db.DropResource("docs"); err != nil {
		t.Fatalf("DropResource after close: %v", err)
	}
}

func TestSessionWriteThenRead(t *testing.T) {
	db := openTestDatabase(t)
	if err := db.CreateResource("docs", Config{}); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	sess, err := db.OpenSession("docs")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	writer, err := sess.BeginWriteTransaction(indexhook.NewRegistry(), nodetrx.Options{}, true)
	if err != nil {
		t.Fatalf("BeginWriteTransaction: %v", err)
	}
	if _, err := writer.InsertElementAsFirstChild("", "root", ""); err != nil {
		t.Fatalf("InsertElementAsFirstChild: %v", err)
	}
	if _, err := writer.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader, err := sess.BeginReadTransaction(-1)
	if err != nil {
		t.Fatalf("BeginReadTransaction: %v", err)
	}
	defer reader.Close()
	if moved := reader.MoveToFirstChild(); !moved.Moved() {
		t.Fatal("expected to find the committed element as the document root's first child")
	}
}

func TestSessionEnforcesSingleWriter(t *testing.T) {
	db := openTestDatabase(t)
	if err := db.CreateResource("docs", Config{}); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	sess, err := db.OpenSession("docs")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	writer, err := sess.BeginWriteTransaction(indexhook.NewRegistry(), nodetrx.Options{}, true)
	if err != nil {
		t.Fatalf("BeginWriteTransaction: %v", err)
	}

	if _, err := sess.BeginWriteTransaction(indexhook.NewRegistry(), nodetrx.Options{}, false); !errors.Is(err, ErrResourceBusy) {
		t.Fatalf("expected ErrResourceBusy for a concurrent non-blocking writer, got %v", err)
	}

	if err := writer.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	// The writer slot should now be free.
	writer2, err := sess.BeginWriteTransaction(indexhook.NewRegistry(), nodetrx.Options{}, false)
	if err != nil {
		t.Fatalf("BeginWriteTransaction after release: %v", err)
	}
	if err := writer2.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestSessionCloseRefusesWithOutstandingReader(t *testing.T) {
	db := openTestDatabase(t)
	if err := db.CreateResource("docs", Config{}); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}
	sess, err := db.OpenSession("docs")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}

	reader, err := sess.BeginReadTransaction(-1)
	if err != nil {
		t.Fatalf("BeginReadTransaction: %v", err)
	}
	if err := sess.Close(); !errors.Is(err, ErrResourceBusy) {
		t.Fatalf("expected ErrResourceBusy while a reader is outstanding, got %v", err)
	}
	if err := reader.Close(); err != nil {
		t.Fatalf("reader Close: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close after reader released: %v", err)
	}
}

func TestConfigRoundTripsVersioningPolicy(t *testing.T) {
	db := openTestDatabase(t)
	cfg := Config{VersioningPolicy: "DIFFERENTIAL", RevsToRestore: 3}
	if err := db.CreateResource("diffdocs", cfg); err != nil {
		t.Fatalf("CreateResource: %v", err)
	}

	sess, err := db.OpenSession("diffdocs")
	if err != nil {
		t.Fatalf("OpenSession: %v", err)
	}
	got := sess.Config()
	if got.VersioningPolicy != "DIFFERENTIAL" {
		t.Fatalf("expected persisted policy DIFFERENTIAL, got %q", got.VersioningPolicy)
	}
	if got.ID == "" {
		t.Fatal("expected CreateResource to assign a resource ID")
	}
}
