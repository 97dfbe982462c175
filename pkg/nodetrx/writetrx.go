package nodetrx

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"nodetree/pkg/cache"
	"nodetree/pkg/indexhook"
	"nodetree/pkg/noderecord"
	"nodetree/pkg/pagetrx"
	"nodetree/pkg/pathsummary"
	"nodetree/pkg/storage"
	"nodetree/pkg/versioning"
)

var (
	// ErrDuplicateAttribute is returned by InsertAttribute when the
	// element already carries an attribute of the same name and value.
	ErrDuplicateAttribute = errors.New("nodetrx: duplicate attribute")
	// ErrDuplicateNamespace is returned by InsertNamespace when the
	// element already declares the same prefix.
	ErrDuplicateNamespace = errors.New("nodetrx: duplicate namespace")
	// ErrMoveIntoDescendant is returned by MoveSubtreeTo* when the target
	// position lies inside the subtree being moved.
	ErrMoveIntoDescendant = errors.New("nodetrx: cannot move a subtree into its own descendant")
	// ErrInvalidMove is returned by MoveSubtreeTo* for any other illegal
	// placement (document root as source, sibling of the document root).
	ErrInvalidMove = errors.New("nodetrx: invalid move")
	// ErrInvalidRevision is returned by RevertTo for a revision that does
	// not exist.
	ErrInvalidRevision = errors.New("nodetrx: invalid revision")
	// ErrAutoCommitFailed marks a transaction non-recoverable after a
	// scheduled intermediate commit failed; every subsequent call fails
	// until the caller aborts.
	ErrAutoCommitFailed = errors.New("nodetrx: auto-commit failed")
	// ErrPendingModifications is returned by Close when neither Commit nor
	// Abort has run and there is uncommitted work outstanding.
	ErrPendingModifications = errors.New("nodetrx: close called with pending modifications")
)

// HashKind selects how ancestor hashes are maintained after a mutation.
type HashKind int

const (
	HashNone HashKind = iota
	HashRolling
)

// hashMultiplier is the prime every ancestor's hash is combined with its
// children's hashes under, P in the rolling recurrence
// h' = localHash(node) + P * sum(childHashes).
const hashMultiplier uint64 = 77081

// PreCommitHook runs inside the writer lock immediately before a commit
// is durably written; a returned error aborts the commit.
type PreCommitHook interface {
	PreCommit(wtx *NodeWriteTransaction) error
}

// PostCommitHook runs immediately after a commit has published a new
// revision. A returned error is reported to the caller, but the
// revision is already visible to readers.
type PostCommitHook interface {
	PostCommit(wtx *NodeWriteTransaction) error
}

// Options configures a NodeWriteTransaction.
type Options struct {
	// MaxNodeCount triggers an intermediate commit once the number of
	// mutating calls since the last commit exceeds it. Zero disables
	// count-based auto-commit.
	MaxNodeCount int64
	// MaxTime triggers an intermediate commit on a timer. Zero disables
	// time-based auto-commit.
	MaxTime time.Duration
	// DeweyIDsEnabled turns on hierarchical order-label maintenance for
	// structural nodes.
	DeweyIDsEnabled bool
	// Hash selects the ancestor-hash maintenance strategy.
	Hash HashKind
}

// Env bundles what a NodeWriteTransaction needs to open or reopen a
// pagetrx.PageWriteTransaction, so intermediate commits and RevertTo can
// rebind without the caller's help.
type Env struct {
	Reader storage.Reader
	Writer storage.Writer
	Policy versioning.Policy
	Budget *cache.MemoryBudget
}

// NodeWriteTransaction is the single writer over one resource. Every
// structural or value mutation goes through it: it maintains sibling and
// parent links, rolling ancestor hashes, the path summary, registered
// ChangeListeners, and (optionally) Dewey IDs, then commits through its
// bound pagetrx.PageWriteTransaction. Only one NodeWriteTransaction may
// be open per resource at a time (enforced by the caller's lock, see
// pkg/resource), matching pkg/mvcc/transaction.go's single-writer state
// machine generalised from timestamp ordering to page-tree revisions.
type NodeWriteTransaction struct {
	*NodeReadTransaction

	env Env

	lock sync.Locker

	mu                sync.Mutex
	pageTx            *pagetrx.PageWriteTransaction
	ps                *pathsummary.Summary
	listeners         *indexhook.Registry
	opts              Options
	modificationCount int64
	nonRecoverable    bool
	preHooks          []PreCommitHook
	postHooks         []PostCommitHook
	timer             *time.Timer
}

// NewNodeWriteTransaction opens a fresh write transaction against the
// revision immediately following the latest committed one. listeners may
// be nil. lock is acquired and released around every public mutating
// call of this transaction; if nil, a private mutex is used.
func NewNodeWriteTransaction(env Env, listeners *indexhook.Registry, lock sync.Locker, opts Options) (*NodeWriteTransaction, error) {
	pageTx, err := pagetrx.NewPageWriteTransaction(env.Reader, env.Writer, env.Policy, env.Budget)
	if err != nil {
		return nil, err
	}
	return newNodeWriteTransaction(env, pageTx, listeners, lock, opts)
}

func newNodeWriteTransaction(env Env, pageTx *pagetrx.PageWriteTransaction, listeners *indexhook.Registry, lock sync.Locker, opts Options) (*NodeWriteTransaction, error) {
	if listeners == nil {
		listeners = indexhook.NewRegistry()
	}
	if lock == nil {
		lock = &sync.Mutex{}
	}
	ps, err := pageTx.PathSummaryForUpdate()
	if err != nil {
		return nil, err
	}
	wtx := &NodeWriteTransaction{
		NodeReadTransaction: newCursor(pageTx.PageReadTransaction, pageTx.Record),
		env:                 env,
		lock:                lock,
		pageTx:              pageTx,
		ps:                  ps,
		listeners:           listeners,
		opts:                opts,
	}
	if opts.MaxTime > 0 {
		wtx.timer = time.AfterFunc(opts.MaxTime, wtx.fireTimedAutoCommit)
	}
	return wtx, nil
}

// RegisterPreCommitHook adds a hook run (concurrently with any other
// registered pre-commit hooks, via errgroup) just before Commit durably
// writes the revision.
func (wtx *NodeWriteTransaction) RegisterPreCommitHook(h PreCommitHook) {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	wtx.preHooks = append(wtx.preHooks, h)
}

// RegisterPostCommitHook adds a hook run, in registration order, once
// Commit has published the new revision.
func (wtx *NodeWriteTransaction) RegisterPostCommitHook(h PostCommitHook) {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	wtx.postHooks = append(wtx.postHooks, h)
}

// checkAccessAndCommit is the second step of the per-mutation protocol:
// it asserts the transaction is still usable, advances the
// auto-commit counter, and fires an intermediate commit if the
// configured threshold was crossed. Callers must already hold wtx.lock.
func (wtx *NodeWriteTransaction) checkAccessAndCommit() error {
	if err := wtx.assertOpen(); err != nil {
		return err
	}
	wtx.mu.Lock()
	if wtx.nonRecoverable {
		wtx.mu.Unlock()
		return ErrAutoCommitFailed
	}
	wtx.modificationCount++
	trigger := wtx.opts.MaxNodeCount > 0 && wtx.modificationCount > wtx.opts.MaxNodeCount
	wtx.mu.Unlock()

	if trigger {
		if _, err := wtx.intermediateCommit(); err != nil {
			wtx.mu.Lock()
			wtx.nonRecoverable = true
			wtx.mu.Unlock()
			return fmt.Errorf("nodetrx: %w: %v", ErrAutoCommitFailed, err)
		}
	}
	return nil
}

func (wtx *NodeWriteTransaction) fireTimedAutoCommit() {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.assertOpen(); err != nil {
		return
	}
	if _, err := wtx.intermediateCommit(); err != nil {
		wtx.mu.Lock()
		wtx.nonRecoverable = true
		wtx.mu.Unlock()
		return
	}
	wtx.mu.Lock()
	if wtx.opts.MaxTime > 0 {
		wtx.timer = time.AfterFunc(wtx.opts.MaxTime, wtx.fireTimedAutoCommit)
	}
	wtx.mu.Unlock()
}

// intermediateCommit durably writes the current draft as a new revision
// without running pre/post-commit hooks, then reopens a fresh draft on
// top of it so the caller's in-flight mutation can continue. The cursor
// position is preserved across the rebind.
func (wtx *NodeWriteTransaction) intermediateCommit() (int64, error) {
	oldKey := wtx.CurrentKey()
	rev, err := wtx.pageTx.Commit()
	if err != nil {
		return 0, err
	}
	wtx.NodeReadTransaction.markClosed()

	newPageTx, err := pagetrx.NewPageWriteTransaction(wtx.env.Reader, wtx.env.Writer, wtx.env.Policy, wtx.env.Budget)
	if err != nil {
		return 0, err
	}
	if err := wtx.rebind(newPageTx, oldKey); err != nil {
		return 0, err
	}
	return rev, nil
}

func (wtx *NodeWriteTransaction) rebind(pageTx *pagetrx.PageWriteTransaction, cursorKey int64) error {
	ps, err := pageTx.PathSummaryForUpdate()
	if err != nil {
		return err
	}
	cursor := newCursor(pageTx.PageReadTransaction, pageTx.Record)
	cursor.MoveTo(cursorKey)

	wtx.mu.Lock()
	wtx.pageTx = pageTx
	wtx.ps = ps
	wtx.modificationCount = 0
	wtx.mu.Unlock()
	wtx.NodeReadTransaction = cursor
	return nil
}

// markClosed marks the embedded cursor closed without touching its bound
// pagetrx.PageReadTransaction, which the caller has already committed,
// aborted, or handed off.
func (tx *NodeReadTransaction) markClosed() {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.closed = true
}

// Commit durably writes every mutation made since the transaction was
// opened (or since the last commit) as a new revision, running
// registered pre- and post-commit hooks around the write.
func (wtx *NodeWriteTransaction) Commit() (int64, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.assertOpen(); err != nil {
		return 0, err
	}
	if err := wtx.runPreCommitHooks(); err != nil {
		return 0, err
	}
	rev, err := wtx.pageTx.Commit()
	if err != nil {
		return 0, err
	}
	wtx.NodeReadTransaction.markClosed()
	if wtx.timer != nil {
		wtx.timer.Stop()
	}
	if err := wtx.runPostCommitHooks(); err != nil {
		return rev, err
	}
	return rev, nil
}

func (wtx *NodeWriteTransaction) runPreCommitHooks() error {
	wtx.mu.Lock()
	hooks := append([]PreCommitHook(nil), wtx.preHooks...)
	wtx.mu.Unlock()
	if len(hooks) == 0 {
		return nil
	}
	g := new(errgroup.Group)
	for _, h := range hooks {
		h := h
		g.Go(func() error { return h.PreCommit(wtx) })
	}
	return g.Wait()
}

func (wtx *NodeWriteTransaction) runPostCommitHooks() error {
	wtx.mu.Lock()
	hooks := append([]PostCommitHook(nil), wtx.postHooks...)
	wtx.mu.Unlock()
	var firstErr error
	for _, h := range hooks {
		if err := h.PostCommit(wtx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Abort discards every mutation made since the transaction was opened
// (or since the last commit), leaving the resource's latest revision
// untouched.
func (wtx *NodeWriteTransaction) Abort() error {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.assertOpen(); err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return err
	}
	err := wtx.pageTx.Abort()
	wtx.NodeReadTransaction.markClosed()
	if wtx.timer != nil {
		wtx.timer.Stop()
	}
	return err
}

// Close requires Commit or Abort to have already run; a transaction with
// pending modifications must be explicitly committed or aborted first.
func (wtx *NodeWriteTransaction) Close() error {
	if err := wtx.assertOpen(); err != nil {
		return nil
	}
	wtx.mu.Lock()
	pending := wtx.modificationCount > 0
	wtx.mu.Unlock()
	if pending {
		return ErrPendingModifications
	}
	return wtx.Abort()
}

// RevertTo discards every mutation since the transaction was opened and
// rebinds to a fresh draft whose content is cloned from revision instead
// of the latest committed one; the revision counter still advances past
// the latest, so history before it is never rewritten.
func (wtx *NodeWriteTransaction) RevertTo(revision int64) error {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.assertOpen(); err != nil {
		return err
	}
	if revision < 0 {
		return fmt.Errorf("nodetrx: %w: revision %d", ErrInvalidRevision, revision)
	}
	if err := wtx.pageTx.Abort(); err != nil {
		return err
	}
	wtx.NodeReadTransaction.markClosed()

	newPageTx, err := pagetrx.NewPageWriteTransactionFromRevision(wtx.env.Reader, wtx.env.Writer, wtx.env.Policy, wtx.env.Budget, revision)
	if err != nil {
		return fmt.Errorf("nodetrx: %w: revision %d: %v", ErrInvalidRevision, revision, err)
	}
	return wtx.rebind(newPageTx, noderecord.DocumentNodeKey)
}

// fetch reads a record without opening it for modification, used by
// mutation logic that only needs to inspect a neighbour.
func (wtx *NodeWriteTransaction) fetch(key int64) (noderecord.Record, error) {
	rec, ok, err := wtx.pageTx.Record(key)
	if err != nil {
		return noderecord.Record{}, err
	}
	if !ok {
		return noderecord.Record{}, fmt.Errorf("nodetrx: %w: node %d", ErrNotFound, key)
	}
	return rec, nil
}

func (wtx *NodeWriteTransaction) bumpChildCount(parentKey int64, delta int64) error {
	parent, err := wtx.pageTx.PrepareRecordForModification(parentKey)
	if err != nil {
		return err
	}
	parent.ChildCount += delta
	return wtx.pageTx.CreateEntry(parent)
}

// bumpDescendants adds delta to the descendant count of fromKey and
// every one of its ancestors up to the document root.
func (wtx *NodeWriteTransaction) bumpDescendants(fromKey int64, delta int64) error {
	key := fromKey
	for key != noderecord.NullNodeKey {
		rec, err := wtx.pageTx.PrepareRecordForModification(key)
		if err != nil {
			return err
		}
		rec.DescendantCount += delta
		if err := wtx.pageTx.CreateEntry(rec); err != nil {
			return err
		}
		key = rec.ParentKey
	}
	return nil
}

type position int

const (
	posFirstChild position = iota
	posLeftSibling
	posRightSibling
)

// linkNew splices rec into the sibling chain at (pos, anchorKey),
// bumping the new parent's child count by one and every ancestor's
// descendant count by delta (1 for a single new node, larger for a
// relocated or copied subtree), and returns the parent key.
func (wtx *NodeWriteTransaction) linkNew(rec *noderecord.Record, pos position, anchorKey int64, delta int64) (int64, error) {
	switch pos {
	case posFirstChild:
		parent, err := wtx.pageTx.PrepareRecordForModification(anchorKey)
		if err != nil {
			return 0, err
		}
		rec.ParentKey = parent.NodeKey
		rec.LeftSiblingKey = noderecord.NullNodeKey
		rec.RightSiblingKey = parent.FirstChildKey
		if parent.HasFirstChild() {
			oldFirst, err := wtx.pageTx.PrepareRecordForModification(parent.FirstChildKey)
			if err != nil {
				return 0, err
			}
			oldFirst.LeftSiblingKey = rec.NodeKey
			if err := wtx.pageTx.CreateEntry(oldFirst); err != nil {
				return 0, err
			}
		}
		parent.FirstChildKey = rec.NodeKey
		parent.ChildCount++
		if err := wtx.pageTx.CreateEntry(parent); err != nil {
			return 0, err
		}
		if err := wtx.bumpDescendants(parent.NodeKey, delta); err != nil {
			return 0, err
		}
		return parent.NodeKey, nil

	case posLeftSibling:
		anchor, err := wtx.pageTx.PrepareRecordForModification(anchorKey)
		if err != nil {
			return 0, err
		}
		rec.ParentKey = anchor.ParentKey
		rec.LeftSiblingKey = anchor.LeftSiblingKey
		rec.RightSiblingKey = anchor.NodeKey
		anchor.LeftSiblingKey = rec.NodeKey
		if err := wtx.pageTx.CreateEntry(anchor); err != nil {
			return 0, err
		}
		if rec.LeftSiblingKey != noderecord.NullNodeKey {
			left, err := wtx.pageTx.PrepareRecordForModification(rec.LeftSiblingKey)
			if err != nil {
				return 0, err
			}
			left.RightSiblingKey = rec.NodeKey
			if err := wtx.pageTx.CreateEntry(left); err != nil {
				return 0, err
			}
		} else {
			parent, err := wtx.pageTx.PrepareRecordForModification(rec.ParentKey)
			if err != nil {
				return 0, err
			}
			parent.FirstChildKey = rec.NodeKey
			if err := wtx.pageTx.CreateEntry(parent); err != nil {
				return 0, err
			}
		}
		if err := wtx.bumpChildCount(rec.ParentKey, 1); err != nil {
			return 0, err
		}
		if err := wtx.bumpDescendants(rec.ParentKey, delta); err != nil {
			return 0, err
		}
		return rec.ParentKey, nil

	case posRightSibling:
		anchor, err := wtx.pageTx.PrepareRecordForModification(anchorKey)
		if err != nil {
			return 0, err
		}
		rec.ParentKey = anchor.ParentKey
		rec.LeftSiblingKey = anchor.NodeKey
		rec.RightSiblingKey = anchor.RightSiblingKey
		anchor.RightSiblingKey = rec.NodeKey
		if err := wtx.pageTx.CreateEntry(anchor); err != nil {
			return 0, err
		}
		if rec.RightSiblingKey != noderecord.NullNodeKey {
			right, err := wtx.pageTx.PrepareRecordForModification(rec.RightSiblingKey)
			if err != nil {
				return 0, err
			}
			right.LeftSiblingKey = rec.NodeKey
			if err := wtx.pageTx.CreateEntry(right); err != nil {
				return 0, err
			}
		}
		if err := wtx.bumpChildCount(rec.ParentKey, 1); err != nil {
			return 0, err
		}
		if err := wtx.bumpDescendants(rec.ParentKey, delta); err != nil {
			return 0, err
		}
		return rec.ParentKey, nil
	}
	return 0, fmt.Errorf("nodetrx: unknown insert position")
}

// internName resolves prefix/local/uri strings to a QName by interning
// the local name and each non-empty prefix or URI into the revision's
// NamePage, tagged under kind so
// elements, attributes and namespaces get independent key spaces.
func (wtx *NodeWriteTransaction) internName(kind noderecord.NodeKind, prefix, local, uri string) (noderecord.QName, error) {
	var q noderecord.QName
	var err error
	if prefix != "" {
		if q.PrefixKey, err = wtx.pageTx.CreateNameKey(byte(kind), prefix); err != nil {
			return q, err
		}
	} else {
		q.PrefixKey = -1
	}
	if q.LocalNameKey, err = wtx.pageTx.CreateNameKey(byte(kind), local); err != nil {
		return q, err
	}
	if uri != "" {
		if q.URIKey, err = wtx.pageTx.CreateNameKey(byte(kind), uri); err != nil {
			return q, err
		}
	} else {
		q.URIKey = -1
	}
	return q, nil
}

// pathNodeKeyOf returns key's PathNodeKey, or NullPathNodeKey if key
// carries none (e.g. the document root).
func (wtx *NodeWriteTransaction) pathNodeKeyOf(key int64) (int64, error) {
	rec, err := wtx.fetch(key)
	if err != nil {
		return pathsummary.NullPathNodeKey, err
	}
	return rec.PathNodeKey, nil
}

const compressThreshold = 256

// encodeValue compresses value with zstd once it crosses
// compressThreshold, matching the pager's own RecordPage payload
// handling; small values are copied as-is to avoid compression overhead
// dominating storage.
func (wtx *NodeWriteTransaction) encodeValue(value []byte) ([]byte, bool) {
	if len(value) < compressThreshold {
		return append([]byte(nil), value...), false
	}
	return compress(value), true
}

// afterMutate runs the shared tail of every insert/update primitive:
// rolling-hash maintenance, Dewey ID assignment, and change notification.
func (wtx *NodeWriteTransaction) afterMutate(rec noderecord.Record, kind indexhook.ChangeKind) error {
	if wtx.opts.Hash == HashRolling {
		if err := wtx.adaptHashesWithAdd(rec.NodeKey); err != nil {
			return err
		}
	}
	if wtx.opts.DeweyIDsEnabled && rec.Kind.IsStructural() {
		if err := wtx.assignDeweyID(rec.NodeKey); err != nil {
			return err
		}
	}
	return wtx.listeners.NotifyChange(kind, rec, rec.PathNodeKey)
}

// walkSubtreeNotify fans a single change kind out to rec and every
// structural descendant, used after a move or copy that relocates an
// entire subtree at once.
func (wtx *NodeWriteTransaction) walkSubtreeNotify(rec noderecord.Record, kind indexhook.ChangeKind) error {
	if err := wtx.listeners.NotifyChange(kind, rec, rec.PathNodeKey); err != nil {
		return err
	}
	if !rec.Kind.IsStructural() {
		return nil
	}
	childKey := rec.FirstChildKey
	for childKey != noderecord.NullNodeKey {
		child, ok, err := wtx.pageTx.Record(childKey)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		if err := wtx.walkSubtreeNotify(child, kind); err != nil {
			return err
		}
		childKey = child.RightSiblingKey
	}
	return nil
}

// SetValue overwrites the value of the current node, which must be a
// kind that carries one.
func (wtx *NodeWriteTransaction) SetValue(value []byte) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	rec, err := wtx.pageTx.PrepareRecordForModification(wtx.CurrentKey())
	if err != nil {
		return noderecord.Record{}, err
	}
	if !rec.Kind.HasValue() {
		return noderecord.Record{}, fmt.Errorf("nodetrx: %w: node kind carries no value", ErrUsage)
	}
	rec.Value, rec.Compressed = wtx.encodeValue(value)
	if err := wtx.pageTx.CreateEntry(rec); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.afterMutate(rec, indexhook.ChangeUpdate); err != nil {
		return noderecord.Record{}, err
	}
	return rec, nil
}

// SetName renames the current node, which must be a kind that carries a
// name, updating the path summary to match.
func (wtx *NodeWriteTransaction) SetName(prefix, local, uri string) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	rec, err := wtx.pageTx.PrepareRecordForModification(wtx.CurrentKey())
	if err != nil {
		return noderecord.Record{}, err
	}
	if !rec.Kind.HasName() {
		return noderecord.Record{}, fmt.Errorf("nodetrx: %w: node kind carries no name", ErrUsage)
	}
	name, err := wtx.internName(rec.Kind, prefix, local, uri)
	if err != nil {
		return noderecord.Record{}, err
	}

	parentPathKey := pathsummary.NullPathNodeKey
	if rec.HasParent() {
		if parentPathKey, err = wtx.pathNodeKeyOf(rec.ParentKey); err != nil {
			return noderecord.Record{}, err
		}
	}
	newPathKey, err := wtx.ps.Rename(rec.PathNodeKey, parentPathKey, rec.Kind, name)
	if err != nil {
		return noderecord.Record{}, err
	}

	rec.Name = name
	rec.PathNodeKey = newPathKey
	if err := wtx.pageTx.CreateEntry(rec); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.afterMutate(rec, indexhook.ChangeUpdate); err != nil {
		return noderecord.Record{}, err
	}
	return rec, nil
}
