// Package pageref implements PageReference, the indirection object used
// throughout the page tree: every page holds references to its children
// through a PageReference rather than a direct pointer, so that a page can
// be logged (in a write transaction's page log), persisted (at a storage
// key), or simply materialised in memory, in any combination.
package pageref

import "fmt"

// PageKind tags which subtree a PageReference belongs to. A reference
// carries its kind so the page log and the versioning policies know how
// to interpret the page it eventually resolves to.
type PageKind byte

const (
	KindUnknown PageKind = iota
	KindUberPage
	KindRevisionRootPage
	KindIndirectPage
	KindNamePage
	KindPathSummaryPage
	KindCASPage
	KindRecordPage
)

func (k PageKind) String() string {
	switch k {
	case KindUberPage:
		return "UberPage"
	case KindRevisionRootPage:
		return "RevisionRootPage"
	case KindIndirectPage:
		return "IndirectPage"
	case KindNamePage:
		return "NamePage"
	case KindPathSummaryPage:
		return "PathSummaryPage"
	case KindCASPage:
		return "CASPage"
	case KindRecordPage:
		return "RecordPage"
	default:
		return "Unknown"
	}
}

// IndirectPageLogKey addresses a page within a write transaction's page
// log: which subtree (Kind), which secondary index instance (Index, 0 for
// the primary tree), which level of the indirect tree (Level, 0 is the
// root level), and the offset within that level.
type IndirectPageLogKey struct {
	Kind   PageKind
	Index  int
	Level  int
	Offset int64
}

func (k IndirectPageLogKey) String() string {
	return fmt.Sprintf("%s/%d/L%d@%d", k.Kind, k.Index, k.Level, k.Offset)
}

// Page is the minimal shape a materialised page must expose to be held by
// a PageReference. Concrete page kinds (package pages) implement it.
type Page interface {
	PageKind() PageKind
}

// PageReference is one of: empty, persisted (StorageKey), logged (LogKey),
// or materialised (Page) -- these states overlap. A write always goes to
// the log first; commit turns logged references into persisted ones.
type PageReference struct {
	storageKey int64
	hasStorage bool

	logKey    IndirectPageLogKey
	hasLogKey bool

	page Page
	kind PageKind
}

// New returns an empty PageReference.
func New() *PageReference {
	return &PageReference{}
}

// NewWithStorageKey returns a persisted PageReference.
func NewWithStorageKey(key int64) *PageReference {
	return &PageReference{storageKey: key, hasStorage: true}
}

// IsEmpty reports whether the reference carries neither a storage key, a
// log key, nor a materialised page.
func (r *PageReference) IsEmpty() bool {
	return !r.hasStorage && !r.hasLogKey && r.page == nil
}

// StorageKey returns the persisted offset and whether one is set.
func (r *PageReference) StorageKey() (int64, bool) {
	return r.storageKey, r.hasStorage
}

// SetStorageKey marks the reference as persisted at key, turning a logged
// reference into a persisted one once its dirty page has been flushed.
func (r *PageReference) SetStorageKey(key int64) {
	r.storageKey = key
	r.hasStorage = true
}

// LogKey returns the write-transaction page-log key and whether one is set.
func (r *PageReference) LogKey() (IndirectPageLogKey, bool) {
	return r.logKey, r.hasLogKey
}

// SetLogKey attaches a page-log key, marking the reference logged.
func (r *PageReference) SetLogKey(key IndirectPageLogKey) {
	r.logKey = key
	r.hasLogKey = true
	r.kind = key.Kind
}

// Page returns the materialised page if any.
func (r *PageReference) Page() Page {
	return r.page
}

// SetPage attaches or replaces the in-memory page.
func (r *PageReference) SetPage(p Page) {
	r.page = p
	if p != nil {
		r.kind = p.PageKind()
	}
}

// PageKind reports which subtree this reference belongs to.
func (r *PageReference) PageKind() PageKind {
	return r.kind
}

// SetPageKind tags the reference with its subtree, needed for versioning
// and page-log lookup before a page has been materialised.
func (r *PageReference) SetPageKind(kind PageKind) {
	r.kind = kind
}

// ClearPage drops the in-memory page, keeping the storage/log keys so the
// reference can still be resolved by a later read.
func (r *PageReference) ClearPage() {
	r.page = nil
}
