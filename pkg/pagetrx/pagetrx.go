// Package pagetrx implements the page-tree transaction layer: a
// PageReadTransaction resolves a node key or name key to its record
// through the indirect-page tree at a fixed revision, consulting as many
// past revisions as the active versioning.Policy requires; a
// PageWriteTransaction clones the path to whatever it touches (copy on
// write) and durably commits an entire new revision in one pass -- pages
// appended first, the UberPage written last, exactly mirroring the
// lock-free CoW tree and revision-counter split the teacher's
// CowVersionedStore drew between its tree and its transaction manager,
// recast here for a single writer instead of optimistic conflict
// detection.
package pagetrx

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"nodetree/pkg/cache"
	"nodetree/pkg/noderecord"
	"nodetree/pkg/pageref"
	"nodetree/pkg/pages"
	"nodetree/pkg/pathsummary"
	"nodetree/pkg/storage"
	"nodetree/pkg/versioning"
)

// ErrClosed is returned by any operation on a transaction that has
// already committed, aborted, or closed.
var ErrClosed = errors.New("pagetrx: transaction closed")

// ErrNotFound is returned when a record or name key does not resolve to
// any live entry at the transaction's revision.
var ErrNotFound = errors.New("pagetrx: not found")

const nodeTreeIndex = 0

// defaultRevsToRestore bounds how many past revisions an Incremental or
// SlidingSnapshot policy will walk back looking for the nearest full
// snapshot, absent any resource-level override.
const defaultRevsToRestore = 64

// memory_budget component names, tracked so a resource's cache pressure
// can be inspected as a whole across every page kind (see pkg/cache).
const (
	componentUber         = "uber"
	componentRevisionRoot = "revisionroot"
	componentIndirect     = "indirect"
	componentRecord       = "record"
	componentName         = "name"
	componentPathSummary  = "pathsummary"
)

// PageReadTransaction is a read-only view of the page tree at a fixed
// revision. Every page it touches is cached in-memory on the
// PageReference it was read through, so a second lookup through the same
// transaction never re-reads storage.
type PageReadTransaction struct {
	mu     sync.Mutex
	closed bool

	reader   storage.Reader
	policy   versioning.Policy
	budget   *cache.MemoryBudget
	uberPage *pages.UberPage

	revision     int64
	revisionRoot *pages.RevisionRootPage
}

// NewPageReadTransaction opens a read transaction at revision, or at the
// latest committed revision when revision is negative. A budget of nil
// gets a private default-sized one; callers sharing a cache across
// transactions on the same resource should pass the same budget in.
func NewPageReadTransaction(reader storage.Reader, revision int64, policy versioning.Policy, budget *cache.MemoryBudget) (*PageReadTransaction, error) {
	if policy == nil {
		policy = versioning.Full{}
	}
	if budget == nil {
		budget = cache.NewMemoryBudget(0)
	}
	for _, c := range []string{componentUber, componentRevisionRoot, componentIndirect, componentRecord, componentName, componentPathSummary} {
		budget.RegisterComponent(c)
	}

	uberKey, ok, err := reader.ReadUberPageRef()
	if err != nil {
		return nil, fmt.Errorf("pagetrx: read uber page ref: %w", err)
	}

	var uberPage *pages.UberPage
	if !ok {
		uberPage = pages.NewUberPage()
	} else {
		buf, err := reader.ReadPage(uberKey)
		if err != nil {
			return nil, fmt.Errorf("pagetrx: read uber page: %w", err)
		}
		up, rootKey, err := pages.DeserializeUberPage(buf)
		if err != nil {
			return nil, err
		}
		up.RevisionRootTree = pageref.NewWithStorageKey(rootKey)
		uberPage = up
		budget.Track(componentUber, int64(len(buf)))
	}

	tx := &PageReadTransaction{reader: reader, policy: policy, budget: budget, uberPage: uberPage}

	if revision < 0 {
		revision = uberPage.RevisionCount - 1
	}
	if revision < 0 {
		// Nothing has ever been committed: a placeholder revision root
		// that every lookup against sees as empty.
		tx.revision = -1
		tx.revisionRoot = pages.NewRevisionRootPage(0, 0)
		return tx, nil
	}

	tx.revision = revision
	root, err := tx.loadRevisionRootPage(revision)
	if err != nil {
		return nil, err
	}
	tx.revisionRoot = root
	return tx, nil
}

// Revision returns the revision this transaction reads at, or -1 for a
// transaction opened against a resource with no committed revisions yet.
func (tx *PageReadTransaction) Revision() int64 { return tx.revision }

// ActualRevisionRootPage returns the RevisionRootPage this transaction reads through.
func (tx *PageReadTransaction) ActualRevisionRootPage() *pages.RevisionRootPage {
	return tx.revisionRoot
}

// Record resolves nodeKey to its live value at this transaction's
// revision, consulting however many past revisions the versioning policy
// requires and combining them via versioning.Combine.
func (tx *PageReadTransaction) Record(nodeKey int64) (noderecord.Record, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return noderecord.Record{}, false, ErrClosed
	}

	pageKey := nodeKey >> pages.NDPNodeCountExponent
	offset := int(nodeKey & (pages.NDPNodeCount - 1))

	revisions := tx.policy.RevisionsToRead(tx.revision, defaultRevsToRestore)
	var ordered []*pages.RecordPage[noderecord.Record]
	for _, rev := range revisions {
		root := tx.revisionRoot
		if rev != tx.revision {
			r, err := tx.loadRevisionRootPage(rev)
			if err != nil {
				continue
			}
			root = r
		}
		leaf, _, err := tx.resolveIndirectLeaf(root.NodeTree, pages.PageCountExponent(pageref.KindRecordPage), pageKey, pageref.KindRecordPage)
		if err != nil {
			return noderecord.Record{}, false, err
		}
		if leaf == nil || leaf.IsEmpty() {
			continue
		}
		rp, err := tx.loadRecordPage(leaf)
		if err != nil {
			return noderecord.Record{}, false, err
		}
		ordered = append(ordered, rp)
	}
	if len(ordered) == 0 {
		return noderecord.Record{}, false, nil
	}

	combined, err := versioning.Combine(ordered)
	if err != nil {
		return noderecord.Record{}, false, err
	}
	slot, ok := combined.Get(offset)
	if !ok || slot.Deleted {
		return noderecord.Record{}, false, nil
	}
	return slot.Value, true, nil
}

// Name resolves a NamePage entry keyed by (kind, nameKey).
func (tx *PageReadTransaction) Name(kind byte, nameKey int32) (string, bool, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return "", false, ErrClosed
	}
	np, err := tx.loadNamePage(tx.revisionRoot)
	if err != nil {
		return "", false, err
	}
	if np == nil {
		return "", false, nil
	}
	s, ok := np.Name(kind, nameKey)
	return s, ok, nil
}

// RawName is Name with its result as raw bytes, for callers that want to
// avoid a redundant UTF-8 round trip before re-encoding.
func (tx *PageReadTransaction) RawName(kind byte, nameKey int32) ([]byte, bool, error) {
	s, ok, err := tx.Name(kind, nameKey)
	if err != nil || !ok {
		return nil, ok, err
	}
	return []byte(s), true, nil
}

// PathSummary decodes and returns the path-summary tree for this
// transaction's revision.
func (tx *PageReadTransaction) PathSummary() (*pathsummary.Summary, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, ErrClosed
	}
	return tx.loadPathSummary(tx.revisionRoot)
}

// PageReferenceForPage walks the indirect tree for the given subtree kind
// down to key, returning the resolved leaf reference together with the
// IndirectPageLogKey of every level traversed, in root-to-leaf order.
func (tx *PageReadTransaction) PageReferenceForPage(kind pageref.PageKind, key int64) (*pageref.PageReference, []pageref.IndirectPageLogKey, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.closed {
		return nil, nil, ErrClosed
	}

	var root *pageref.PageReference
	var levels []int
	switch kind {
	case pageref.KindRecordPage:
		root = tx.revisionRoot.NodeTree
		levels = pages.PageCountExponent(pageref.KindRecordPage)
	case pageref.KindRevisionRootPage:
		root = tx.uberPage.RevisionRootTree
		levels = pages.PageCountExponent(pageref.KindUberPage)
	default:
		return nil, nil, fmt.Errorf("pagetrx: unsupported page kind %s for indirect lookup", kind)
	}
	return tx.resolveIndirectLeaf(root, levels, key, kind)
}

// Close releases the transaction. It is idempotent.
func (tx *PageReadTransaction) Close() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.closed = true
	return nil
}

// --- internal tree walking, shared with PageWriteTransaction ---

// indirectIndices decomposes key into one fan-out index per level,
// most-significant bits first (root level first), each level consuming
// the number of bits levels[i] declares.
func indirectIndices(levels []int, key int64) []int {
	idx := make([]int, len(levels))
	for i := len(levels) - 1; i >= 0; i-- {
		bits := levels[i]
		mask := int64(1)<<uint(bits) - 1
		idx[i] = int(key & mask)
		key >>= uint(bits)
	}
	return idx
}

func (tx *PageReadTransaction) resolveIndirectLeaf(root *pageref.PageReference, levels []int, key int64, kind pageref.PageKind) (*pageref.PageReference, []pageref.IndirectPageLogKey, error) {
	ref := root
	var logKeys []pageref.IndirectPageLogKey
	for level, idx := range indirectIndices(levels, key) {
		if ref == nil || ref.IsEmpty() {
			return pageref.New(), logKeys, nil
		}
		ip, err := tx.loadIndirectPage(ref)
		if err != nil {
			return nil, logKeys, err
		}
		logKeys = append(logKeys, pageref.IndirectPageLogKey{Kind: kind, Index: nodeTreeIndex, Level: level, Offset: key})
		ref = ip.References[idx]
	}
	return ref, logKeys, nil
}

func (tx *PageReadTransaction) loadIndirectPage(ref *pageref.PageReference) (*pages.IndirectPage, error) {
	if ip, ok := ref.Page().(*pages.IndirectPage); ok {
		return ip, nil
	}
	key, has := ref.StorageKey()
	if !has {
		return nil, fmt.Errorf("pagetrx: indirect page reference has no storage key")
	}
	buf, err := tx.reader.ReadPage(key)
	if err != nil {
		return nil, fmt.Errorf("pagetrx: read indirect page: %w", err)
	}
	ip, err := pages.DeserializeIndirectPage(buf)
	if err != nil {
		return nil, err
	}
	ref.SetPage(ip)
	tx.budget.Track(componentIndirect, int64(len(buf)))
	return ip, nil
}

func (tx *PageReadTransaction) loadRecordPage(ref *pageref.PageReference) (*pages.RecordPage[noderecord.Record], error) {
	if rp, ok := ref.Page().(*pages.RecordPage[noderecord.Record]); ok {
		return rp, nil
	}
	key, has := ref.StorageKey()
	if !has {
		return nil, fmt.Errorf("pagetrx: record page reference has no storage key")
	}
	buf, err := tx.reader.ReadPage(key)
	if err != nil {
		return nil, fmt.Errorf("pagetrx: read record page: %w", err)
	}
	rp, err := pages.DeserializeRecordPage[noderecord.Record](buf, recordCodec{})
	if err != nil {
		return nil, err
	}
	ref.SetPage(rp)
	tx.budget.Track(componentRecord, int64(len(buf)))
	return rp, nil
}

func (tx *PageReadTransaction) loadNamePage(root *pages.RevisionRootPage) (*pages.NamePage, error) {
	ref := root.NameTree
	if ref == nil || ref.IsEmpty() {
		return nil, nil
	}
	if np, ok := ref.Page().(*pages.NamePage); ok {
		return np, nil
	}
	key, has := ref.StorageKey()
	if !has {
		return nil, nil
	}
	buf, err := tx.reader.ReadPage(key)
	if err != nil {
		return nil, fmt.Errorf("pagetrx: read name page: %w", err)
	}
	np, err := pages.DeserializeNamePage(buf)
	if err != nil {
		return nil, err
	}
	ref.SetPage(np)
	tx.budget.Track(componentName, int64(len(buf)))
	return np, nil
}

func (tx *PageReadTransaction) loadPathSummary(root *pages.RevisionRootPage) (*pathsummary.Summary, error) {
	ref := root.PathSummaryTree
	if ref == nil || ref.IsEmpty() {
		return pathsummary.New(), nil
	}
	if psp, ok := ref.Page().(*pages.PathSummaryPage); ok {
		return pathsummary.Decode(psp.Blob)
	}
	key, has := ref.StorageKey()
	if !has {
		return pathsummary.New(), nil
	}
	buf, err := tx.reader.ReadPage(key)
	if err != nil {
		return nil, fmt.Errorf("pagetrx: read path summary page: %w", err)
	}
	psp, err := pages.DeserializePathSummaryPage(buf)
	if err != nil {
		return nil, err
	}
	ref.SetPage(psp)
	tx.budget.Track(componentPathSummary, int64(len(buf)))
	return pathsummary.Decode(psp.Blob)
}

func (tx *PageReadTransaction) loadRevisionRootPage(revision int64) (*pages.RevisionRootPage, error) {
	levels := pages.PageCountExponent(pageref.KindUberPage)
	ref, _, err := tx.resolveIndirectLeaf(tx.uberPage.RevisionRootTree, levels, revision, pageref.KindRevisionRootPage)
	if err != nil {
		return nil, err
	}
	if ref == nil || ref.IsEmpty() {
		return nil, fmt.Errorf("pagetrx: %w: revision %d", ErrNotFound, revision)
	}
	if p, ok := ref.Page().(*pages.RevisionRootPage); ok {
		return p, nil
	}
	key, has := ref.StorageKey()
	if !has {
		return nil, fmt.Errorf("pagetrx: %w: revision %d", ErrNotFound, revision)
	}
	buf, err := tx.reader.ReadPage(key)
	if err != nil {
		return nil, fmt.Errorf("pagetrx: read revision root page: %w", err)
	}
	p, refs, err := pages.DeserializeRevisionRootPage(buf)
	if err != nil {
		return nil, err
	}
	if refs.HasNodeTree {
		p.NodeTree = pageref.NewWithStorageKey(refs.NodeTreeKey)
	}
	if refs.HasPathSummary {
		p.PathSummaryTree = pageref.NewWithStorageKey(refs.PathSummaryKey)
	}
	if refs.HasNameTree {
		p.NameTree = pageref.NewWithStorageKey(refs.NameTreeKey)
	}
	ref.SetPage(p)
	tx.budget.Track(componentRevisionRoot, int64(len(buf)))
	return p, nil
}

// PageWriteTransaction extends a PageReadTransaction with a draft of the
// next revision. Every mutation clones only the path it touches; a page
// neither this transaction's mutations nor its ancestors on the cloned
// path reach is left shared with whatever revision it was committed
// under, exactly the CoW discipline pkg/cowbtree's node split/clone
// implements, minus its atomic-pointer bookkeeping -- a page tree has one
// writer, so no other goroutine can observe a reference mid-clone.
type PageWriteTransaction struct {
	*PageReadTransaction

	writer      storage.Writer
	newRevision int64
	draftRoot   *pages.RevisionRootPage

	// dirtyRefs marks every PageReference this transaction itself created
	// (via clone-on-first-touch); such a reference is safe to mutate in
	// place because it is reachable from no other transaction's tree.
	dirtyRefs map[*pageref.PageReference]bool

	nameDirty        *pages.NamePage
	pathSummaryDirty *pathsummary.Summary

	closed bool
}

// NewPageWriteTransaction opens the write transaction for the revision
// immediately after the latest committed one (or revision 0 on a fresh
// resource).
func NewPageWriteTransaction(reader storage.Reader, writer storage.Writer, policy versioning.Policy, budget *cache.MemoryBudget) (*PageWriteTransaction, error) {
	return newPageWriteTransaction(reader, writer, policy, budget, -1)
}

// NewPageWriteTransactionFromRevision is NewPageWriteTransaction except
// the draft's content is cloned from baseRevision instead of the latest
// committed one, while the revision counter still advances past the
// latest -- history is never rewritten, only its content at the new
// revision. NodeWriteTransaction.RevertTo builds on this to discard
// every revision after baseRevision from the writer's perspective.
func NewPageWriteTransactionFromRevision(reader storage.Reader, writer storage.Writer, policy versioning.Policy, budget *cache.MemoryBudget, baseRevision int64) (*PageWriteTransaction, error) {
	return newPageWriteTransaction(reader, writer, policy, budget, baseRevision)
}

func newPageWriteTransaction(reader storage.Reader, writer storage.Writer, policy versioning.Policy, budget *cache.MemoryBudget, baseRevision int64) (*PageWriteTransaction, error) {
	latest, err := NewPageReadTransaction(reader, -1, policy, budget)
	if err != nil {
		return nil, err
	}
	fresh := latest.revision < 0
	newRevision := latest.revision + 1

	root := latest.revisionRoot
	if baseRevision >= 0 && baseRevision != latest.revision {
		based, err := latest.loadRevisionRootPage(baseRevision)
		if err != nil {
			return nil, err
		}
		root = based
	}
	draft := root.Clone(newRevision, 0)

	wtx := &PageWriteTransaction{
		PageReadTransaction: latest,
		writer:              writer,
		newRevision:         newRevision,
		draftRoot:           draft,
		dirtyRefs:           make(map[*pageref.PageReference]bool),
	}

	if fresh && baseRevision < 0 {
		// A brand new resource has no document-root record yet: every
		// other record is addressed by following parent/sibling links
		// that ultimately terminate at node 0, so it must exist before
		// the first insert anchors itself there.
		docRoot := noderecord.NewStructural(noderecord.DocumentNodeKey, noderecord.KindDocumentRoot, noderecord.NullNodeKey)
		if err := wtx.CreateEntry(docRoot); err != nil {
			return nil, err
		}
	}

	return wtx, nil
}

// AllocateNodeKey reserves and returns the next unused node key in the
// draft, for a caller about to insert a new record.
func (wtx *PageWriteTransaction) AllocateNodeKey() int64 {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	wtx.draftRoot.MaxNodeKey++
	return wtx.draftRoot.MaxNodeKey
}

// PrepareRecordForModification returns the live value at nodeKey, ready
// for the caller to mutate and hand back via CreateEntry. It clones the
// record page on the path to nodeKey into this transaction's draft even
// if the caller only reads the result, matching the teacher's
// prepare-then-commit two-step.
func (wtx *PageWriteTransaction) PrepareRecordForModification(nodeKey int64) (noderecord.Record, error) {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if wtx.closed {
		return noderecord.Record{}, ErrClosed
	}

	pageKey := nodeKey >> pages.NDPNodeCountExponent
	offset := int(nodeKey & (pages.NDPNodeCount - 1))

	leaf, err := wtx.ensureIndirectLeaf(&wtx.draftRoot.NodeTree, pages.PageCountExponent(pageref.KindRecordPage), pageKey, pageref.KindRecordPage)
	if err != nil {
		return noderecord.Record{}, err
	}
	rp, err := wtx.dirtyRecordPage(leaf, pageKey)
	if err != nil {
		return noderecord.Record{}, err
	}
	if slot, ok := rp.Get(offset); ok && !slot.Deleted {
		return slot.Value, nil
	}
	return noderecord.Record{}, fmt.Errorf("pagetrx: %w: node %d", ErrNotFound, nodeKey)
}

// CreateEntry writes rec into the draft at rec.NodeKey, creating or
// overwriting the slot, and advances the draft's high-water node key.
func (wtx *PageWriteTransaction) CreateEntry(rec noderecord.Record) error {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if wtx.closed {
		return ErrClosed
	}

	pageKey := rec.NodeKey >> pages.NDPNodeCountExponent
	offset := int(rec.NodeKey & (pages.NDPNodeCount - 1))

	leaf, err := wtx.ensureIndirectLeaf(&wtx.draftRoot.NodeTree, pages.PageCountExponent(pageref.KindRecordPage), pageKey, pageref.KindRecordPage)
	if err != nil {
		return err
	}
	rp, err := wtx.dirtyRecordPage(leaf, pageKey)
	if err != nil {
		return err
	}
	rp.Set(offset, rec)
	if rec.NodeKey > wtx.draftRoot.MaxNodeKey {
		wtx.draftRoot.MaxNodeKey = rec.NodeKey
	}
	return nil
}

// RemoveEntry tombstones nodeKey in the draft so a versioning combine
// never lets an older revision's value show through at this offset again.
func (wtx *PageWriteTransaction) RemoveEntry(nodeKey int64) error {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if wtx.closed {
		return ErrClosed
	}

	pageKey := nodeKey >> pages.NDPNodeCountExponent
	offset := int(nodeKey & (pages.NDPNodeCount - 1))

	leaf, err := wtx.ensureIndirectLeaf(&wtx.draftRoot.NodeTree, pages.PageCountExponent(pageref.KindRecordPage), pageKey, pageref.KindRecordPage)
	if err != nil {
		return err
	}
	rp, err := wtx.dirtyRecordPage(leaf, pageKey)
	if err != nil {
		return err
	}
	rp.Tombstone(offset)
	return nil
}

// CreateNameKey interns name under kind in the draft's NamePage,
// returning its key.
func (wtx *PageWriteTransaction) CreateNameKey(kind byte, name string) (int32, error) {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if wtx.closed {
		return 0, ErrClosed
	}
	np, err := wtx.dirtyNamePage()
	if err != nil {
		return 0, err
	}
	return np.CreateNameKey(kind, name), nil
}

// RemoveNameKey decrements nameKey's reference count in the draft's
// NamePage, reclaiming it once unused.
func (wtx *PageWriteTransaction) RemoveNameKey(kind byte, nameKey int32) error {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if wtx.closed {
		return ErrClosed
	}
	np, err := wtx.dirtyNamePage()
	if err != nil {
		return err
	}
	np.RemoveName(kind, nameKey)
	return nil
}

// PathSummaryForUpdate returns the draft's mutable path-summary tree,
// decoded from the previous revision on first call.
func (wtx *PageWriteTransaction) PathSummaryForUpdate() (*pathsummary.Summary, error) {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if wtx.closed {
		return nil, ErrClosed
	}
	return wtx.dirtyPathSummary()
}

// Record resolves nodeKey against this transaction's own in-progress
// draft rather than the committed revision it started from. Every
// record page this transaction touches is cloned whole on first touch
// (see dirtyRecordPage), so an untouched leaf already carries the
// complete slot map for its page key; unlike PageReadTransaction.Record,
// no multi-revision overlay is needed to read the draft back.
func (wtx *PageWriteTransaction) Record(nodeKey int64) (noderecord.Record, bool, error) {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if wtx.closed {
		return noderecord.Record{}, false, ErrClosed
	}

	pageKey := nodeKey >> pages.NDPNodeCountExponent
	offset := int(nodeKey & (pages.NDPNodeCount - 1))

	leaf, _, err := wtx.resolveIndirectLeaf(wtx.draftRoot.NodeTree, pages.PageCountExponent(pageref.KindRecordPage), pageKey, pageref.KindRecordPage)
	if err != nil {
		return noderecord.Record{}, false, err
	}
	if leaf == nil || leaf.IsEmpty() {
		return noderecord.Record{}, false, nil
	}
	rp, err := wtx.loadRecordPage(leaf)
	if err != nil {
		return noderecord.Record{}, false, err
	}
	slot, ok := rp.Get(offset)
	if !ok || slot.Deleted {
		return noderecord.Record{}, false, nil
	}
	return slot.Value, true, nil
}

// Name resolves (kind, nameKey) against the draft's NamePage, falling
// back to the read-only base if this transaction has not touched names.
func (wtx *PageWriteTransaction) Name(kind byte, nameKey int32) (string, bool, error) {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if wtx.closed {
		return "", false, ErrClosed
	}
	np := wtx.nameDirty
	if np == nil {
		var err error
		np, err = wtx.loadNamePage(wtx.draftRoot)
		if err != nil {
			return "", false, err
		}
	}
	if np == nil {
		return "", false, nil
	}
	s, ok := np.Name(kind, nameKey)
	return s, ok, nil
}

// PathSummary decodes the draft's path-summary tree, falling back to the
// read-only base if this transaction has not touched it yet.
func (wtx *PageWriteTransaction) PathSummary() (*pathsummary.Summary, error) {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if wtx.closed {
		return nil, ErrClosed
	}
	if wtx.pathSummaryDirty != nil {
		return wtx.pathSummaryDirty, nil
	}
	return wtx.loadPathSummary(wtx.draftRoot)
}

// Commit durably writes every dirty page this transaction produced,
// children before parents, then the RevisionRootPage, then folds its
// storage key into the UberPage's revision tree and finally rewrites the
// superblock's UberPage pointer -- the single step that makes the new
// revision visible to a fresh PageReadTransaction.
func (wtx *PageWriteTransaction) Commit() (int64, error) {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if wtx.closed {
		return 0, ErrClosed
	}

	if wtx.nameDirty != nil {
		if err := wtx.persistNamePage(); err != nil {
			return 0, err
		}
	}
	if wtx.pathSummaryDirty != nil {
		if err := wtx.persistPathSummaryPage(); err != nil {
			return 0, err
		}
	}

	nodeTreeKey, hasNodeTree, err := wtx.commitRef(wtx.draftRoot.NodeTree)
	if err != nil {
		return 0, err
	}
	pathSummaryKey, hasPathSummary, err := wtx.commitRef(wtx.draftRoot.PathSummaryTree)
	if err != nil {
		return 0, err
	}
	nameTreeKey, hasNameTree, err := wtx.commitRef(wtx.draftRoot.NameTree)
	if err != nil {
		return 0, err
	}

	refs := pages.RevisionRootRefs{
		NodeTreeKey:    nodeTreeKey,
		HasNodeTree:    hasNodeTree,
		PathSummaryKey: pathSummaryKey,
		HasPathSummary: hasPathSummary,
		NameTreeKey:    nameTreeKey,
		HasNameTree:    hasNameTree,
	}
	var rootBody bytes.Buffer
	if err := wtx.draftRoot.Serialize(&rootBody, refs); err != nil {
		return 0, err
	}
	revisionRootKey, err := wtx.writer.WritePage(rootBody.Bytes())
	if err != nil {
		return 0, err
	}

	revLevels := pages.PageCountExponent(pageref.KindUberPage)
	leaf, err := wtx.ensureIndirectLeaf(&wtx.uberPage.RevisionRootTree, revLevels, wtx.newRevision, pageref.KindRevisionRootPage)
	if err != nil {
		return 0, err
	}
	leaf.SetStorageKey(revisionRootKey)
	leaf.ClearPage()

	uberRootKey, _, err := wtx.commitRef(wtx.uberPage.RevisionRootTree)
	if err != nil {
		return 0, err
	}

	wtx.uberPage.RevisionCount = wtx.newRevision + 1
	wtx.uberPage.Bootstrap = false

	var uberBody bytes.Buffer
	if err := wtx.uberPage.Serialize(&uberBody, uberRootKey); err != nil {
		return 0, err
	}
	uberKey, err := wtx.writer.WritePage(uberBody.Bytes())
	if err != nil {
		return 0, err
	}
	if err := wtx.writer.WriteUberPageRef(uberKey); err != nil {
		return 0, err
	}
	if err := wtx.writer.Sync(); err != nil {
		return 0, err
	}

	wtx.closed = true
	wtx.PageReadTransaction.closed = true
	return wtx.newRevision, nil
}

// Abort discards the draft. Since nothing this transaction produced was
// ever written to storage, discarding it is simply forgetting the
// in-memory page log -- no on-disk truncation is needed.
func (wtx *PageWriteTransaction) Abort() error {
	wtx.mu.Lock()
	defer wtx.mu.Unlock()
	if wtx.closed {
		return nil
	}
	wtx.closed = true
	wtx.PageReadTransaction.closed = true
	return nil
}

// Close aborts the transaction if it has not already committed.
func (wtx *PageWriteTransaction) Close() error {
	wtx.mu.Lock()
	closed := wtx.closed
	wtx.mu.Unlock()
	if closed {
		return nil
	}
	return wtx.Abort()
}

// --- internal CoW plumbing ---

// ensureIndirectLeaf walks from *rootField down to key's leaf slot,
// cloning (copy on write) every IndirectPage along the path that this
// transaction has not already touched, and returns the (possibly fresh,
// possibly previously-persisted) leaf PageReference the caller should
// populate with its own kind of page.
func (wtx *PageWriteTransaction) ensureIndirectLeaf(rootField **pageref.PageReference, levels []int, key int64, kind pageref.PageKind) (*pageref.PageReference, error) {
	ref, err := wtx.cowRoot(rootField)
	if err != nil {
		return nil, err
	}

	indices := indirectIndices(levels, key)
	for level := 0; level < len(indices)-1; level++ {
		idx := indices[level]
		ip, ok := ref.Page().(*pages.IndirectPage)
		if !ok {
			return nil, fmt.Errorf("pagetrx: expected indirect page at level %d", level)
		}
		child, err := wtx.cowIndirectChild(ip, idx, level+1, kind, key)
		if err != nil {
			return nil, err
		}
		ref = child
	}

	lastIdx := indices[len(indices)-1]
	ip, ok := ref.Page().(*pages.IndirectPage)
	if !ok {
		return nil, fmt.Errorf("pagetrx: expected indirect page at leaf level")
	}
	leaf := ip.References[lastIdx]
	if wtx.dirtyRefs[leaf] {
		return leaf, nil
	}
	var nleaf *pageref.PageReference
	if leaf == nil || leaf.IsEmpty() {
		nleaf = pageref.New()
	} else if k, has := leaf.StorageKey(); has {
		nleaf = pageref.NewWithStorageKey(k)
	} else {
		nleaf = pageref.New()
	}
	nleaf.SetLogKey(pageref.IndirectPageLogKey{Kind: kind, Index: nodeTreeIndex, Level: len(indices), Offset: key})
	ip.References[lastIdx] = nleaf
	wtx.dirtyRefs[nleaf] = true
	return nleaf, nil
}

// cowRoot returns *rootField, cloning it into a private IndirectPage on
// first touch this transaction.
func (wtx *PageWriteTransaction) cowRoot(rootField **pageref.PageReference) (*pageref.PageReference, error) {
	ref := *rootField
	if wtx.dirtyRefs[ref] {
		return ref, nil
	}
	ip, err := wtx.loadOrCreateIndirect(ref, 0)
	if err != nil {
		return nil, err
	}
	nref := pageref.New()
	nref.SetPage(ip)
	wtx.dirtyRefs[nref] = true
	*rootField = nref
	return nref, nil
}

// cowIndirectChild returns parent.References[idx], cloning it into a
// private IndirectPage on first touch this transaction.
func (wtx *PageWriteTransaction) cowIndirectChild(parent *pages.IndirectPage, idx, level int, kind pageref.PageKind, key int64) (*pageref.PageReference, error) {
	child := parent.References[idx]
	if wtx.dirtyRefs[child] {
		return child, nil
	}
	ip, err := wtx.loadOrCreateIndirect(child, level)
	if err != nil {
		return nil, err
	}
	nchild := pageref.New()
	nchild.SetPage(ip)
	nchild.SetLogKey(pageref.IndirectPageLogKey{Kind: kind, Index: nodeTreeIndex, Level: level, Offset: key})
	wtx.dirtyRefs[nchild] = true
	parent.References[idx] = nchild
	return nchild, nil
}

func (wtx *PageWriteTransaction) loadOrCreateIndirect(ref *pageref.PageReference, level int) (*pages.IndirectPage, error) {
	if ref == nil || ref.IsEmpty() {
		return pages.NewIndirectPage(level), nil
	}
	ip, err := wtx.loadIndirectPage(ref)
	if err != nil {
		return nil, err
	}
	return ip.Clone(), nil
}

func (wtx *PageWriteTransaction) dirtyRecordPage(leaf *pageref.PageReference, pageKey int64) (*pages.RecordPage[noderecord.Record], error) {
	if rp, ok := leaf.Page().(*pages.RecordPage[noderecord.Record]); ok {
		return rp, nil
	}
	if key, has := leaf.StorageKey(); has {
		buf, err := wtx.reader.ReadPage(key)
		if err != nil {
			return nil, fmt.Errorf("pagetrx: read record page for modification: %w", err)
		}
		old, err := pages.DeserializeRecordPage[noderecord.Record](buf, recordCodec{})
		if err != nil {
			return nil, err
		}
		clone := old.Clone(wtx.newRevision)
		leaf.SetPage(clone)
		return clone, nil
	}
	fresh := pages.NewRecordPage[noderecord.Record](pageKey, nodeTreeIndex, wtx.newRevision)
	leaf.SetPage(fresh)
	return fresh, nil
}

func (wtx *PageWriteTransaction) dirtyNamePage() (*pages.NamePage, error) {
	if wtx.nameDirty != nil {
		return wtx.nameDirty, nil
	}
	np, err := wtx.loadNamePage(wtx.draftRoot)
	if err != nil {
		return nil, err
	}
	if np == nil {
		np = pages.NewNamePage()
	} else {
		np = np.Clone()
	}
	nref := pageref.New()
	nref.SetPage(np)
	wtx.draftRoot.NameTree = nref
	wtx.dirtyRefs[nref] = true
	wtx.nameDirty = np
	return np, nil
}

func (wtx *PageWriteTransaction) persistNamePage() error {
	ref := wtx.draftRoot.NameTree
	if !wtx.dirtyRefs[ref] {
		nref := pageref.New()
		wtx.draftRoot.NameTree = nref
		wtx.dirtyRefs[nref] = true
		ref = nref
	}
	ref.SetPage(wtx.nameDirty)
	return nil
}

func (wtx *PageWriteTransaction) dirtyPathSummary() (*pathsummary.Summary, error) {
	if wtx.pathSummaryDirty != nil {
		return wtx.pathSummaryDirty, nil
	}
	s, err := wtx.loadPathSummary(wtx.draftRoot)
	if err != nil {
		return nil, err
	}
	clone := s.Clone()
	wtx.pathSummaryDirty = clone
	return clone, nil
}

func (wtx *PageWriteTransaction) persistPathSummaryPage() error {
	ref := wtx.draftRoot.PathSummaryTree
	if ref == nil || !wtx.dirtyRefs[ref] {
		nref := pageref.New()
		wtx.draftRoot.PathSummaryTree = nref
		wtx.dirtyRefs[nref] = true
		ref = nref
	}
	ref.SetPage(pages.NewPathSummaryPage(wtx.pathSummaryDirty.Encode()))
	return nil
}

// commitRef durably writes whatever in-memory page ref holds, recursing
// into an IndirectPage's still-in-memory children first, and returns the
// resulting storage key. A reference untouched this transaction already
// carries a durable storage key from an earlier revision; it is returned
// unchanged.
func (wtx *PageWriteTransaction) commitRef(ref *pageref.PageReference) (int64, bool, error) {
	if ref == nil || ref.IsEmpty() {
		return 0, false, nil
	}

	switch p := ref.Page().(type) {
	case nil:
		key, has := ref.StorageKey()
		return key, has, nil

	case *pages.IndirectPage:
		for i := range p.References {
			child := p.References[i]
			key, has, err := wtx.commitRef(child)
			if err != nil {
				return 0, false, err
			}
			if has {
				p.References[i] = pageref.NewWithStorageKey(key)
			}
		}
		var buf bytes.Buffer
		if err := p.Serialize(&buf); err != nil {
			return 0, false, err
		}
		key, err := wtx.writer.WritePage(buf.Bytes())
		if err != nil {
			return 0, false, err
		}
		ref.SetStorageKey(key)
		ref.ClearPage()
		return key, true, nil

	case *pages.RecordPage[noderecord.Record]:
		var buf bytes.Buffer
		if err := p.Serialize(&buf, recordCodec{}); err != nil {
			return 0, false, err
		}
		key, err := wtx.writer.WritePage(buf.Bytes())
		if err != nil {
			return 0, false, err
		}
		ref.SetStorageKey(key)
		ref.ClearPage()
		return key, true, nil

	case *pages.NamePage:
		var buf bytes.Buffer
		if err := p.Serialize(&buf); err != nil {
			return 0, false, err
		}
		key, err := wtx.writer.WritePage(buf.Bytes())
		if err != nil {
			return 0, false, err
		}
		ref.SetStorageKey(key)
		ref.ClearPage()
		return key, true, nil

	case *pages.PathSummaryPage:
		var buf bytes.Buffer
		if err := p.Serialize(&buf); err != nil {
			return 0, false, err
		}
		key, err := wtx.writer.WritePage(buf.Bytes())
		if err != nil {
			return 0, false, err
		}
		ref.SetStorageKey(key)
		ref.ClearPage()
		return key, true, nil

	default:
		return 0, false, fmt.Errorf("pagetrx: commitRef: unsupported page type %T", p)
	}
}
