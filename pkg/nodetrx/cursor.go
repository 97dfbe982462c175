// Package nodetrx implements the cursor and mutation layer over the
// page tree: NodeReadTransaction is a navigation state machine over
// noderecord.Record, binding to a pagetrx.PageReadTransaction; a
// NodeWriteTransaction extends it with structural edits, ancestor-hash
// maintenance, path-summary upkeep, auto-commit, and pre/post-commit
// hooks, grounded on pkg/cowbtree/cursor.go's movement-returns-bool
// pattern and pkg/mvcc/transaction.go's state machine.
package nodetrx

import (
	"errors"
	"sync"

	"nodetree/pkg/noderecord"
	"nodetree/pkg/pagetrx"
)

var (
	// ErrClosed is returned by any operation on a transaction that has
	// already committed, aborted, or closed.
	ErrClosed = errors.New("nodetrx: transaction closed")
	// ErrNotFound is returned when a movement or lookup targets a node
	// key that does not exist at the bound revision.
	ErrNotFound = errors.New("nodetrx: not found")
	// ErrUsage is returned for a violated precondition: a duplicate
	// attribute, a move into one's own descendant, a negative index, and
	// the like.
	ErrUsage = errors.New("nodetrx: invalid usage")
)

// Move is the outcome of a cursor movement: either Moved(value) or
// NotMoved, mirroring the teacher cursor's bool-returning Seek/Next but
// carrying the landed-on record along with the outcome.
type Move[T any] struct {
	ok    bool
	value T
}

func Moved[T any](v T) Move[T] { return Move[T]{ok: true, value: v} }

func NotMoved[T any]() Move[T] {
	var zero T
	return Move[T]{value: zero}
}

// Get returns the carried value and whether the movement succeeded.
func (m Move[T]) Get() (T, bool) { return m.value, m.ok }

// Moved reports whether the movement succeeded.
func (m Move[T]) Moved() bool { return m.ok }

// NodeReadTransaction is a cursor over one resource's page tree at a
// fixed revision: currentKey names the node the cursor is positioned on,
// and every movement either lands on a new record or leaves the cursor
// where it was.
type NodeReadTransaction struct {
	mu     sync.Mutex
	closed bool

	pageTx      *pagetrx.PageReadTransaction
	fetchRecord func(key int64) (noderecord.Record, bool, error)

	currentKey  int64
	current     noderecord.Record
	haveCurrent bool

	// items holds transient atomic values the caller staged under a
	// negative key (never persisted, never resolved through pageTx).
	items map[int64]noderecord.Record
}

// NewNodeReadTransaction binds a cursor to pageTx, positioned at the
// document root.
func NewNodeReadTransaction(pageTx *pagetrx.PageReadTransaction) (*NodeReadTransaction, error) {
	return newCursor(pageTx, pageTx.Record), nil
}

// newCursor is shared by NewNodeReadTransaction and NodeWriteTransaction's
// constructor, which supplies a draft-aware fetchRecord so the write
// transaction's cursor sees its own uncommitted edits.
func newCursor(pageTx *pagetrx.PageReadTransaction, fetchRecord func(int64) (noderecord.Record, bool, error)) *NodeReadTransaction {
	tx := &NodeReadTransaction{
		pageTx:      pageTx,
		fetchRecord: fetchRecord,
		items:       make(map[int64]noderecord.Record),
	}
	tx.moveToLocked(noderecord.DocumentNodeKey)
	return tx
}

// SetItem stages a transient atomic value under a negative key, visible
// to this transaction's movements but never written to a page.
func (tx *NodeReadTransaction) SetItem(key int64, rec noderecord.Record) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.items[key] = rec
}

func (tx *NodeReadTransaction) fetch(key int64) (noderecord.Record, bool, error) {
	if key < 0 {
		rec, ok := tx.items[key]
		return rec, ok, nil
	}
	return tx.fetchRecord(key)
}

// GetRecord returns the record the cursor is currently positioned on.
func (tx *NodeReadTransaction) GetRecord() (noderecord.Record, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.current, tx.haveCurrent
}

// CurrentKey returns the node key the cursor is positioned on.
func (tx *NodeReadTransaction) CurrentKey() int64 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.currentKey
}

func (tx *NodeReadTransaction) moveToLocked(key int64) Move[noderecord.Record] {
	rec, ok, err := tx.fetch(key)
	if err != nil || !ok {
		return NotMoved[noderecord.Record]()
	}
	tx.currentKey = key
	tx.current = rec
	tx.haveCurrent = true
	return Moved(rec)
}

// MoveTo repositions the cursor at key, leaving it unmoved if key does
// not resolve to a live record.
func (tx *NodeReadTransaction) MoveTo(key int64) Move[noderecord.Record] {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.moveToLocked(key)
}

// MoveToDocumentRoot repositions the cursor at the document root.
func (tx *NodeReadTransaction) MoveToDocumentRoot() Move[noderecord.Record] {
	return tx.MoveTo(noderecord.DocumentNodeKey)
}

// MoveToParent moves to the current node's parent.
func (tx *NodeReadTransaction) MoveToParent() Move[noderecord.Record] {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.haveCurrent || !tx.current.HasParent() {
		return NotMoved[noderecord.Record]()
	}
	return tx.moveToLocked(tx.current.ParentKey)
}

// MoveToFirstChild moves to the current node's first child.
func (tx *NodeReadTransaction) MoveToFirstChild() Move[noderecord.Record] {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.haveCurrent || !tx.current.HasFirstChild() {
		return NotMoved[noderecord.Record]()
	}
	return tx.moveToLocked(tx.current.FirstChildKey)
}

// MoveToLeftSibling moves to the current node's left sibling.
func (tx *NodeReadTransaction) MoveToLeftSibling() Move[noderecord.Record] {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.haveCurrent || !tx.current.HasLeftSibling() {
		return NotMoved[noderecord.Record]()
	}
	return tx.moveToLocked(tx.current.LeftSiblingKey)
}

// MoveToRightSibling moves to the current node's right sibling.
func (tx *NodeReadTransaction) MoveToRightSibling() Move[noderecord.Record] {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.haveCurrent || !tx.current.HasRightSibling() {
		return NotMoved[noderecord.Record]()
	}
	return tx.moveToLocked(tx.current.RightSiblingKey)
}

// MoveToAttribute moves to the i-th attribute of the current element.
func (tx *NodeReadTransaction) MoveToAttribute(i int) Move[noderecord.Record] {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.haveCurrent || i < 0 || i >= len(tx.current.Attributes) {
		return NotMoved[noderecord.Record]()
	}
	return tx.moveToLocked(tx.current.Attributes[i])
}

// MoveToNamespace moves to the i-th namespace declaration of the
// current element.
func (tx *NodeReadTransaction) MoveToNamespace(i int) Move[noderecord.Record] {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if !tx.haveCurrent || i < 0 || i >= len(tx.current.Namespaces) {
		return NotMoved[noderecord.Record]()
	}
	return tx.moveToLocked(tx.current.Namespaces[i])
}

// MoveToLastChild moves to the current node's last child, walking the
// sibling chain since a record carries no lastChildKey of its own.
func (tx *NodeReadTransaction) MoveToLastChild() Move[noderecord.Record] {
	tx.mu.Lock()
	if !tx.haveCurrent || !tx.current.HasFirstChild() {
		tx.mu.Unlock()
		return NotMoved[noderecord.Record]()
	}
	key := tx.current.FirstChildKey
	tx.mu.Unlock()

	rec, ok, err := tx.fetch(key)
	if err != nil || !ok {
		return NotMoved[noderecord.Record]()
	}
	for rec.HasRightSibling() {
		next, ok, err := tx.fetch(rec.RightSiblingKey)
		if err != nil || !ok {
			break
		}
		key, rec = rec.RightSiblingKey, next
	}

	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.moveToLocked(key)
}

// MoveToNextFollowing moves to the next node in document order that is
// not a descendant of the current node: the current node's first child
// would be a descendant, so this skips straight to the nearest
// right sibling of the current node or one of its ancestors.
func (tx *NodeReadTransaction) MoveToNextFollowing() Move[noderecord.Record] {
	tx.mu.Lock()
	if !tx.haveCurrent {
		tx.mu.Unlock()
		return NotMoved[noderecord.Record]()
	}
	rec := tx.current
	tx.mu.Unlock()

	for {
		if rec.HasRightSibling() {
			return tx.MoveTo(rec.RightSiblingKey)
		}
		if !rec.HasParent() {
			return NotMoved[noderecord.Record]()
		}
		parent, ok, err := tx.fetch(rec.ParentKey)
		if err != nil || !ok {
			return NotMoved[noderecord.Record]()
		}
		rec = parent
	}
}

// Close releases the transaction. It is idempotent.
func (tx *NodeReadTransaction) Close() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil
	}
	tx.closed = true
	return tx.pageTx.Close()
}

func (tx *NodeReadTransaction) assertOpen() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return ErrClosed
	}
	return nil
}
