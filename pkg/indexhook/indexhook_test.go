package indexhook

import (
	"errors"
	"testing"

	"nodetree/pkg/noderecord"
)

type recordingListener struct {
	calls []ChangeKind
}

func (l *recordingListener) NotifyChange(kind ChangeKind, node noderecord.Record, pathNodeKey int64) error {
	l.calls = append(l.calls, kind)
	return nil
}

func TestRegistryFansOutToEveryListener(t *testing.T) {
	r := NewRegistry()
	a := &recordingListener{}
	b := &recordingListener{}
	r.Add(a)
	r.Add(b)

	rec := noderecord.NewStructural(1, noderecord.KindElement, noderecord.DocumentNodeKey)
	if err := r.NotifyChange(ChangeInsert, rec, -1); err != nil {
		t.Fatalf("NotifyChange: %v", err)
	}

	if len(a.calls) != 1 || a.calls[0] != ChangeInsert {
		t.Fatalf("listener a calls = %v", a.calls)
	}
	if len(b.calls) != 1 || b.calls[0] != ChangeInsert {
		t.Fatalf("listener b calls = %v", b.calls)
	}
}

func TestNotifyChangeStopsAtFirstError(t *testing.T) {
	r := NewRegistry()
	failing := failingListener{err: errors.New("boom")}
	after := &recordingListener{}
	r.Add(failing)
	r.Add(after)

	rec := noderecord.NewStructural(1, noderecord.KindElement, noderecord.DocumentNodeKey)
	err := r.NotifyChange(ChangeRemove, rec, -1)
	if err == nil {
		t.Fatal("expected an error")
	}
	if len(after.calls) != 0 {
		t.Fatal("listener registered after the failing one should not have been called")
	}
}

type failingListener struct{ err error }

func (f failingListener) NotifyChange(kind ChangeKind, node noderecord.Record, pathNodeKey int64) error {
	return f.err
}

func TestUseReturnsErrorForUnregisteredName(t *testing.T) {
	r := NewRegistry()
	if err := r.Use("does-not-exist"); err == nil {
		t.Fatal("expected an error for an unregistered listener name")
	}
}

func TestRegisterAndUse(t *testing.T) {
	Register("test-listener", func() (ChangeListener, error) {
		return &recordingListener{}, nil
	})
	r := NewRegistry()
	if err := r.Use("test-listener"); err != nil {
		t.Fatalf("Use: %v", err)
	}
	rec := noderecord.NewStructural(1, noderecord.KindElement, noderecord.DocumentNodeKey)
	if err := r.NotifyChange(ChangeUpdate, rec, -1); err != nil {
		t.Fatalf("NotifyChange: %v", err)
	}
}
