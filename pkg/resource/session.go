package resource

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"

	"nodetree/pkg/cache"
	"nodetree/pkg/indexhook"
	"nodetree/pkg/nodetrx"
	"nodetree/pkg/pagetrx"
	"nodetree/pkg/storage"
	"nodetree/pkg/versioning"
)

// ErrSessionClosed is returned by any Session method after Close.
var ErrSessionClosed = errors.New("resource: session is closed")

// Session is the open handle on one resource: its storage file, the
// page cache budget it shares across every transaction opened against
// it, and the single-writer lock that at most one NodeWriteTransaction
// may hold at a time. Grounded on pkg/turdb.DB, but a DB there wraps a
// pager and a SQL executor; a Session wraps a storage.File and nothing
// else interprets the bytes inside a page.
type Session struct {
	dir    string
	cfg    Config
	file   *storage.File
	budget *cache.MemoryBudget

	writerLock sync.Mutex
	writerOpen int32 // 0 or 1, guarded by atomic CompareAndSwap

	mu        sync.Mutex
	readCount int
	closed    bool
}

func openSession(dir string, cfg Config, budget *cache.MemoryBudget) (*Session, error) {
	file, err := storage.Open(filepath.Join(dir, "data"), storage.Options{})
	if err != nil {
		return nil, err
	}
	return &Session{dir: dir, cfg: cfg, file: file, budget: budget}, nil
}

// Config returns the resource's persisted configuration.
func (s *Session) Config() Config { return s.cfg }

func (s *Session) policy() (versioning.Policy, error) {
	return s.cfg.policy(0)
}

// Close closes the underlying storage file. It refuses with
// ErrResourceBusy if a read transaction opened through this Session is
// still outstanding, or a write transaction is still held.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.close()
}

func (s *Session) close() error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.readCount > 0 || atomic.LoadInt32(&s.writerOpen) == 1 {
		return ErrResourceBusy
	}
	s.closed = true
	return s.file.Close()
}

// ReadHandle is a read-only cursor opened through a Session. Close
// releases both the underlying page-read transaction and the Session's
// outstanding-reader slot, so Session.Close can tell a live reader from
// an idle one.
type ReadHandle struct {
	*nodetrx.NodeReadTransaction
	session *Session
	once    sync.Once
}

func (h *ReadHandle) Close() error {
	err := h.NodeReadTransaction.Close()
	h.once.Do(func() {
		h.session.mu.Lock()
		h.session.readCount--
		h.session.mu.Unlock()
	})
	return err
}

// BeginReadTransaction opens a read-only cursor against revision (-1 for
// the latest committed revision).
func (s *Session) BeginReadTransaction(revision int64) (*ReadHandle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.readCount++
	s.mu.Unlock()

	cursor, err := s.openCursor(revision)
	if err != nil {
		s.mu.Lock()
		s.readCount--
		s.mu.Unlock()
		return nil, err
	}
	return &ReadHandle{NodeReadTransaction: cursor, session: s}, nil
}

func (s *Session) openCursor(revision int64) (*nodetrx.NodeReadTransaction, error) {
	policy, err := s.policy()
	if err != nil {
		return nil, err
	}
	pageTx, err := pagetrx.NewPageReadTransaction(s.file, revision, policy, s.budget)
	if err != nil {
		return nil, err
	}
	cursor, err := nodetrx.NewNodeReadTransaction(pageTx)
	if err != nil {
		pageTx.Close()
		return nil, err
	}
	return cursor, nil
}

// Writer is the handle returned by BeginWriteTransaction: the
// NodeWriteTransaction itself plus the release of the Session's
// single-writer slot on Commit, Abort, or Close.
type Writer struct {
	*nodetrx.NodeWriteTransaction
	session *Session
	done    int32
}

func (w *Writer) release() {
	if atomic.CompareAndSwapInt32(&w.done, 0, 1) {
		atomic.StoreInt32(&w.session.writerOpen, 0)
		w.session.writerLock.Unlock()
	}
}

// Commit commits the underlying write transaction and releases the
// Session's writer slot regardless of outcome.
func (w *Writer) Commit() (int64, error) {
	rev, err := w.NodeWriteTransaction.Commit()
	w.release()
	return rev, err
}

// Abort aborts the underlying write transaction and releases the
// Session's writer slot regardless of outcome.
func (w *Writer) Abort() error {
	err := w.NodeWriteTransaction.Abort()
	w.release()
	return err
}

// Close closes the underlying write transaction and releases the
// Session's writer slot regardless of outcome.
func (w *Writer) Close() error {
	err := w.NodeWriteTransaction.Close()
	w.release()
	return err
}

// BeginWriteTransaction opens the single write transaction a resource
// may have open at a time. A second call before the first Writer
// commits, aborts, or closes blocks until the writer lock frees, unless
// wait is false, in which case it returns ErrResourceBusy immediately --
// the non-blocking form a CLI one-shot command needs instead of
// deadlocking on its own process.
func (s *Session) BeginWriteTransaction(listeners *indexhook.Registry, opts nodetrx.Options, wait bool) (*Writer, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.mu.Unlock()

	// writerLock, not wtx's own per-call lock, is what enforces "at most
	// one NodeWriteTransaction per resource": it is held for the whole
	// life of the Writer and released by Commit/Abort/Close, whereas the
	// sync.Locker handed to NewNodeWriteTransaction is acquired and
	// released around each individual mutating call (see writetrx.go),
	// only to keep that call exclusive of this transaction's own
	// auto-commit timer goroutine.
	if wait {
		s.writerLock.Lock()
	} else if !s.writerLock.TryLock() {
		return nil, ErrResourceBusy
	}
	atomic.StoreInt32(&s.writerOpen, 1)

	policy, err := s.policy()
	if err != nil {
		atomic.StoreInt32(&s.writerOpen, 0)
		s.writerLock.Unlock()
		return nil, err
	}
	env := nodetrx.Env{Reader: s.file, Writer: s.file, Policy: policy, Budget: s.budget}
	opts.DeweyIDsEnabled = opts.DeweyIDsEnabled || s.cfg.DeweyIDsEnabled
	wtx, err := nodetrx.NewNodeWriteTransaction(env, listeners, nil, opts)
	if err != nil {
		atomic.StoreInt32(&s.writerOpen, 0)
		s.writerLock.Unlock()
		return nil, err
	}
	return &Writer{NodeWriteTransaction: wtx, session: s}, nil
}

// Sync flushes the resource's data file to disk; WAL frames are already
// fsynced as they are appended.
func (s *Session) Sync() error {
	return s.file.Sync()
}
