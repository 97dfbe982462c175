// Package pages implements the page kinds that make up the page tree:
// UberPage, RevisionRootPage, IndirectPage, NamePage, PathSummaryPage,
// CASPage, and the generic RecordPage. Every page kind is a tagged
// variant serialised as a tag byte followed by kind-specific fields;
// indirect pages serialise their fan-out array of references, and record
// pages serialise a varint-length-prefixed, densely packed slot map.
package pages

import (
	"fmt"
	"io"
	"sort"

	"github.com/cespare/xxhash"
	"github.com/klauspost/compress/zstd"

	"nodetree/internal/varint"
	"nodetree/pkg/pageref"
)

const (
	// NDPNodeCountExponent sizes a RecordPage at 1<<9 = 512 slots.
	NDPNodeCountExponent = 9
	NDPNodeCount         = 1 << NDPNodeCountExponent

	// INPReferenceCount is the fixed fan-out of an IndirectPage.
	INPReferenceCount = 1 << 7
)

// tag bytes for the page-kind dispatch, written as the first byte of
// every serialised page.
const (
	tagUberPage byte = iota + 1
	tagRevisionRootPage
	tagIndirectPage
	tagNamePage
	tagPathSummaryPage
	tagCASPage
	tagRecordPage
)

// UberPage is the one persistent root. Its indirect-page reference's
// leaves are all committed RevisionRootPages.
type UberPage struct {
	RevisionRootTree *pageref.PageReference
	RevisionCount    int64
	Bootstrap        bool
}

func (p *UberPage) PageKind() pageref.PageKind { return pageref.KindUberPage }

// PageCountExponent returns the level exponents of the indirect tree for
// the given subtree kind: how many bits of a key each level consumes,
// root first. Their sum bounds the maximum key addressable by the tree.
func PageCountExponent(kind pageref.PageKind) []int {
	switch kind {
	case pageref.KindUberPage:
		// revision number -> RevisionRootPage. Every level consumes 7 bits
		// to match IndirectPage's fixed 128-way fan-out; three levels (2M
		// revisions) is headroom enough for any realistic revision count.
		return []int{7, 7, 7}
	default:
		// node key (after NDPNodeCountExponent truncation) -> RecordPage,
		// four levels of 7 bits each plus NDPNodeCountExponent (9) address
		// node keys below 1<<37.
		return []int{7, 7, 7, 7}
	}
}

func NewUberPage() *UberPage {
	return &UberPage{RevisionRootTree: pageref.New(), RevisionCount: 0, Bootstrap: true}
}

// Serialize writes the tag byte and fields of the page. The
// RevisionRootTree reference itself is not serialised here: it is
// resolved to a storage key by the caller (PageWriteTransaction.Commit)
// before the UberPage is written, and that key is what gets encoded.
func (p *UberPage) Serialize(w io.Writer, rootStorageKey int64) error {
	buf := make([]byte, 1+varint.Len(uint64(rootStorageKey))+varint.Len(uint64(p.RevisionCount))+1)
	buf[0] = tagUberPage
	n := 1
	n += varint.PutVarint(buf[n:], uint64(rootStorageKey))
	n += varint.PutVarint(buf[n:], uint64(p.RevisionCount))
	if p.Bootstrap {
		buf[n] = 1
	} else {
		buf[n] = 0
	}
	n++
	_, err := w.Write(buf[:n])
	return err
}

// DeserializeUberPage reads a page previously written by Serialize,
// returning the page and the storage key of its RevisionRootTree root.
func DeserializeUberPage(buf []byte) (*UberPage, int64, error) {
	if len(buf) == 0 || buf[0] != tagUberPage {
		return nil, 0, fmt.Errorf("pages: not an UberPage")
	}
	off := 1
	rootKey, n := varint.GetVarint(buf[off:])
	off += n
	revCount, n := varint.GetVarint(buf[off:])
	off += n
	if off >= len(buf) {
		return nil, 0, fmt.Errorf("pages: truncated UberPage")
	}
	bootstrap := buf[off] != 0
	return &UberPage{
		RevisionRootTree: pageref.New(),
		RevisionCount:    int64(revCount),
		Bootstrap:        bootstrap,
	}, int64(rootKey), nil
}

// RevisionRootPage is the per-revision root, holding the subtree
// references for nodes, path summary, name, and secondary indexes.
type RevisionRootPage struct {
	Revision          int64
	RevisionTimestamp int64
	MaxNodeKey        int64
	MaxPathNodeKey    int64

	NodeTree        *pageref.PageReference
	PathSummaryTree *pageref.PageReference
	NameTree        *pageref.PageReference
	CASTrees        map[int]*pageref.PageReference
}

func (p *RevisionRootPage) PageKind() pageref.PageKind { return pageref.KindRevisionRootPage }

func NewRevisionRootPage(revision, timestamp int64) *RevisionRootPage {
	return &RevisionRootPage{
		Revision:          revision,
		RevisionTimestamp: timestamp,
		MaxNodeKey:        -1,
		MaxPathNodeKey:    -1,
		NodeTree:          pageref.New(),
		PathSummaryTree:   pageref.New(),
		NameTree:          pageref.New(),
		CASTrees:          make(map[int]*pageref.PageReference),
	}
}

// RevisionRootRefs carries the storage keys the write transaction
// resolved its subtree references to, immediately before a RevisionRootPage
// is serialised. CASTrees are not persisted here: they are out-of-core
// collaborators reached through a ChangeListener, not part of this core.
type RevisionRootRefs struct {
	NodeTreeKey    int64
	HasNodeTree    bool
	PathSummaryKey int64
	HasPathSummary bool
	NameTreeKey    int64
	HasNameTree    bool
}

func (p *RevisionRootPage) Serialize(w io.Writer, refs RevisionRootRefs) error {
	var buf []byte
	buf = append(buf, tagRevisionRootPage)
	buf = appendVarint(buf, uint64(p.Revision))
	buf = appendVarint(buf, uint64(p.RevisionTimestamp))
	buf = appendVarint(buf, uint64(p.MaxNodeKey+1))
	buf = appendVarint(buf, uint64(p.MaxPathNodeKey+1))
	buf = appendRef(buf, refs.NodeTreeKey, refs.HasNodeTree)
	buf = appendRef(buf, refs.PathSummaryKey, refs.HasPathSummary)
	buf = appendRef(buf, refs.NameTreeKey, refs.HasNameTree)
	_, err := w.Write(buf)
	return err
}

func DeserializeRevisionRootPage(buf []byte) (*RevisionRootPage, RevisionRootRefs, error) {
	var refs RevisionRootRefs
	if len(buf) == 0 || buf[0] != tagRevisionRootPage {
		return nil, refs, fmt.Errorf("pages: not a RevisionRootPage")
	}
	off := 1
	revision, n := varint.GetVarint(buf[off:])
	off += n
	timestamp, n := varint.GetVarint(buf[off:])
	off += n
	maxNode, n := varint.GetVarint(buf[off:])
	off += n
	maxPathNode, n := varint.GetVarint(buf[off:])
	off += n

	p := NewRevisionRootPage(int64(revision), int64(timestamp))
	p.MaxNodeKey = int64(maxNode) - 1
	p.MaxPathNodeKey = int64(maxPathNode) - 1

	var err error
	if refs.NodeTreeKey, refs.HasNodeTree, off, err = readRef(buf, off); err != nil {
		return nil, refs, err
	}
	if refs.PathSummaryKey, refs.HasPathSummary, off, err = readRef(buf, off); err != nil {
		return nil, refs, err
	}
	if refs.NameTreeKey, refs.HasNameTree, _, err = readRef(buf, off); err != nil {
		return nil, refs, err
	}
	return p, refs, nil
}

func appendVarint(buf []byte, v uint64) []byte {
	tmp := make([]byte, varint.Len(v))
	varint.PutVarint(tmp, v)
	return append(buf, tmp...)
}

func appendRef(buf []byte, key int64, has bool) []byte {
	if !has {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	return appendVarint(buf, uint64(key))
}

func readRef(buf []byte, off int) (key int64, has bool, next int, err error) {
	if off >= len(buf) {
		return 0, false, off, fmt.Errorf("pages: truncated reference")
	}
	flag := buf[off]
	off++
	if flag == 0 {
		return 0, false, off, nil
	}
	k, n := varint.GetVarint(buf[off:])
	off += n
	return int64(k), true, off, nil
}

// Clone returns a mutable copy sharing unmodified reference subtrees;
// the caller is expected to replace individual references via
// copy-on-write before mutating the clone further.
func (p *RevisionRootPage) Clone(newRevision, newTimestamp int64) *RevisionRootPage {
	clone := &RevisionRootPage{
		Revision:          newRevision,
		RevisionTimestamp: newTimestamp,
		MaxNodeKey:        p.MaxNodeKey,
		MaxPathNodeKey:    p.MaxPathNodeKey,
		NodeTree:          p.NodeTree,
		PathSummaryTree:   p.PathSummaryTree,
		NameTree:          p.NameTree,
		CASTrees:          make(map[int]*pageref.PageReference, len(p.CASTrees)),
	}
	for k, v := range p.CASTrees {
		clone.CASTrees[k] = v
	}
	return clone
}

// IndirectPage is a fixed fan-out interior node of the page tree.
type IndirectPage struct {
	References [INPReferenceCount]*pageref.PageReference
	Level      int
}

func (p *IndirectPage) PageKind() pageref.PageKind { return pageref.KindIndirectPage }

func NewIndirectPage(level int) *IndirectPage {
	ip := &IndirectPage{Level: level}
	for i := range ip.References {
		ip.References[i] = pageref.New()
	}
	return ip
}

// Clone returns a shallow copy: the reference slots are copied (so the
// clone's array can be mutated independently) but each PageReference
// value itself is shared until the caller replaces an individual slot.
func (p *IndirectPage) Clone() *IndirectPage {
	clone := &IndirectPage{Level: p.Level}
	clone.References = p.References
	return clone
}

// Serialize writes the tag byte, level, and the storage key (or absence
// marker) of every fan-out slot. References still held only as an
// in-memory page or a page-log key must be resolved to a storage key by
// the caller before this is called.
func (p *IndirectPage) Serialize(w io.Writer) error {
	var buf []byte
	buf = append(buf, tagIndirectPage)
	buf = appendVarint(buf, uint64(p.Level))
	for i := 0; i < INPReferenceCount; i++ {
		key, has := p.References[i].StorageKey()
		buf = appendRef(buf, key, has)
	}
	_, err := w.Write(buf)
	return err
}

func DeserializeIndirectPage(buf []byte) (*IndirectPage, error) {
	if len(buf) == 0 || buf[0] != tagIndirectPage {
		return nil, fmt.Errorf("pages: not an IndirectPage")
	}
	off := 1
	level, n := varint.GetVarint(buf[off:])
	off += n
	ip := &IndirectPage{Level: int(level)}
	for i := 0; i < INPReferenceCount; i++ {
		key, has, next, err := readRef(buf, off)
		if err != nil {
			return nil, err
		}
		off = next
		if has {
			ip.References[i] = pageref.NewWithStorageKey(key)
		} else {
			ip.References[i] = pageref.New()
		}
	}
	return ip, nil
}

// NamePage maps a nameKey to its string and reference count, partitioned
// by record kind (kind -> nameKey -> entry) so that names of different
// node kinds never collide even if assigned the same integer key.
type NamePage struct {
	names   map[byte]map[int32]*nameEntry
	nextKey map[byte]int32
}

type nameEntry struct {
	value string
	count int
}

func (p *NamePage) PageKind() pageref.PageKind { return pageref.KindNamePage }

func NewNamePage() *NamePage {
	return &NamePage{
		names:   make(map[byte]map[int32]*nameEntry),
		nextKey: make(map[byte]int32),
	}
}

// Clone deep-copies the name table so the write transaction's draft can
// be mutated independently of the page this revision was read from.
func (p *NamePage) Clone() *NamePage {
	clone := NewNamePage()
	for kind, m := range p.names {
		cm := make(map[int32]*nameEntry, len(m))
		for k, e := range m {
			cm[k] = &nameEntry{value: e.value, count: e.count}
		}
		clone.names[kind] = cm
	}
	for kind, n := range p.nextKey {
		clone.nextKey[kind] = n
	}
	return clone
}

// CreateNameKey looks up name under kind, incrementing its reference
// count if already present, or allocates a new key otherwise.
func (p *NamePage) CreateNameKey(kind byte, name string) int32 {
	m, ok := p.names[kind]
	if !ok {
		m = make(map[int32]*nameEntry)
		p.names[kind] = m
	}
	for k, e := range m {
		if e.value == name {
			e.count++
			return k
		}
	}
	key := p.nextKey[kind]
	p.nextKey[kind] = key + 1
	m[key] = &nameEntry{value: name, count: 1}
	return key
}

// Name returns the string for nameKey under kind.
func (p *NamePage) Name(kind byte, nameKey int32) (string, bool) {
	m, ok := p.names[kind]
	if !ok {
		return "", false
	}
	e, ok := m[nameKey]
	if !ok {
		return "", false
	}
	return e.value, true
}

// Count returns the reference count for nameKey under kind.
func (p *NamePage) Count(kind byte, nameKey int32) int {
	m, ok := p.names[kind]
	if !ok {
		return 0
	}
	e, ok := m[nameKey]
	if !ok {
		return 0
	}
	return e.count
}

// RemoveName decrements the reference count for nameKey under kind,
// reclaiming the string once the count reaches zero. Returns the
// remaining count.
func (p *NamePage) RemoveName(kind byte, nameKey int32) int {
	m, ok := p.names[kind]
	if !ok {
		return 0
	}
	e, ok := m[nameKey]
	if !ok {
		return 0
	}
	e.count--
	if e.count <= 0 {
		delete(m, nameKey)
		return 0
	}
	return e.count
}

// Serialize writes the tag byte followed by every (kind, nextKey,
// entries) group; iteration order over the Go maps is unspecified but
// round-trips correctly since entries are self-describing.
func (p *NamePage) Serialize(w io.Writer) error {
	var buf []byte
	buf = append(buf, tagNamePage)
	buf = appendVarint(buf, uint64(len(p.names)))
	for kind, m := range p.names {
		buf = append(buf, kind)
		buf = appendVarint(buf, uint64(p.nextKey[kind]))
		buf = appendVarint(buf, uint64(len(m)))
		for key, e := range m {
			buf = appendVarint(buf, uint64(key))
			buf = appendVarint(buf, uint64(e.count))
			nameBytes := []byte(e.value)
			buf = appendVarint(buf, uint64(len(nameBytes)))
			buf = append(buf, nameBytes...)
		}
	}
	_, err := w.Write(buf)
	return err
}

func DeserializeNamePage(buf []byte) (*NamePage, error) {
	if len(buf) == 0 || buf[0] != tagNamePage {
		return nil, fmt.Errorf("pages: not a NamePage")
	}
	off := 1
	kindCount, n := varint.GetVarint(buf[off:])
	off += n
	p := NewNamePage()
	for i := uint64(0); i < kindCount; i++ {
		if off >= len(buf) {
			return nil, fmt.Errorf("pages: truncated NamePage")
		}
		kind := buf[off]
		off++
		nextKey, n := varint.GetVarint(buf[off:])
		off += n
		p.nextKey[kind] = int32(nextKey)
		entryCount, n := varint.GetVarint(buf[off:])
		off += n
		m := make(map[int32]*nameEntry, entryCount)
		for j := uint64(0); j < entryCount; j++ {
			key, n := varint.GetVarint(buf[off:])
			off += n
			count, n := varint.GetVarint(buf[off:])
			off += n
			ln, n := varint.GetVarint(buf[off:])
			off += n
			if off+int(ln) > len(buf) {
				return nil, fmt.Errorf("pages: truncated NamePage entry")
			}
			value := string(buf[off : off+int(ln)])
			off += int(ln)
			m[int32(key)] = &nameEntry{value: value, count: int(count)}
		}
		p.names[kind] = m
	}
	return p, nil
}

// PathSummaryPage holds the complete path-summary tree for a revision as
// a single encoded blob rather than its own indirect/record-page tree: a
// resource's distinct label paths are few enough relative to its node
// count that one page comfortably transports the whole structure.
type PathSummaryPage struct {
	Blob []byte
}

func (p *PathSummaryPage) PageKind() pageref.PageKind { return pageref.KindPathSummaryPage }

func NewPathSummaryPage(blob []byte) *PathSummaryPage {
	return &PathSummaryPage{Blob: blob}
}

func (p *PathSummaryPage) Serialize(w io.Writer) error {
	var buf []byte
	buf = append(buf, tagPathSummaryPage)
	buf = appendVarint(buf, uint64(len(p.Blob)))
	buf = append(buf, p.Blob...)
	_, err := w.Write(buf)
	return err
}

func DeserializePathSummaryPage(buf []byte) (*PathSummaryPage, error) {
	if len(buf) == 0 || buf[0] != tagPathSummaryPage {
		return nil, fmt.Errorf("pages: not a PathSummaryPage")
	}
	off := 1
	ln, n := varint.GetVarint(buf[off:])
	off += n
	if off+int(ln) > len(buf) {
		return nil, fmt.Errorf("pages: truncated PathSummaryPage")
	}
	blob := make([]byte, ln)
	copy(blob, buf[off:off+int(ln)])
	return &PathSummaryPage{Blob: blob}, nil
}

// CASPage is a reserved secondary-index page kind (content-and-structure
// index). It carries no record layout of its own in this core: indexes
// beyond the path summary are out-of-core collaborators reached only
// through a ChangeListener (see pkg/indexhook).
type CASPage struct {
	Tree *pageref.PageReference
}

func (p *CASPage) PageKind() pageref.PageKind { return pageref.KindCASPage }

func NewCASPage() *CASPage {
	return &CASPage{Tree: pageref.New()}
}

// Slot holds one entry of a RecordPage: either a live value or an
// explicit tombstone produced by a removal, which must stop a
// versioning combine from falling through to an older revision.
type Slot[T any] struct {
	Value   T
	Deleted bool
}

// RecordPage is the generic leaf of the node-key-addressed page tree; it
// is reused for the primary node tree and any record-shaped secondary
// index. The path summary is stored whole in a PathSummaryPage instead.
type RecordPage[T any] struct {
	PageKey           int64
	Index             int
	Revision          int64
	PreviousReference *pageref.PageReference

	slots map[int]Slot[T]
}

func (p *RecordPage[T]) PageKind() pageref.PageKind { return pageref.KindRecordPage }

func NewRecordPage[T any](pageKey int64, index int, revision int64) *RecordPage[T] {
	return &RecordPage[T]{
		PageKey:  pageKey,
		Index:    index,
		Revision: revision,
		slots:    make(map[int]Slot[T]),
	}
}

// Get returns the slot at offset and whether it was set.
func (p *RecordPage[T]) Get(offset int) (Slot[T], bool) {
	s, ok := p.slots[offset]
	return s, ok
}

// Set stores a live value at offset.
func (p *RecordPage[T]) Set(offset int, value T) {
	p.slots[offset] = Slot[T]{Value: value}
}

// Tombstone marks offset as explicitly deleted.
func (p *RecordPage[T]) Tombstone(offset int) {
	var zero T
	p.slots[offset] = Slot[T]{Value: zero, Deleted: true}
}

// Offsets returns the set of populated slot offsets, in no particular order.
func (p *RecordPage[T]) Offsets() []int {
	offsets := make([]int, 0, len(p.slots))
	for o := range p.slots {
		offsets = append(offsets, o)
	}
	return offsets
}

// Clone returns a shallow copy of the slot map: a write transaction
// clones the complete reconstructed page into a delta page before
// mutating it, so later mutations never touch the version other
// transactions may still be reading.
func (p *RecordPage[T]) Clone(newRevision int64) *RecordPage[T] {
	clone := NewRecordPage[T](p.PageKey, p.Index, newRevision)
	for k, v := range p.slots {
		clone.slots[k] = v
	}
	clone.PreviousReference = p.PreviousReference
	return clone
}

// RecordCodec encodes and decodes the value type held in a RecordPage's
// slots. Every instantiation of RecordPage[T] a caller wants to persist
// supplies its own codec (see pkg/pagetrx for the node-record codec).
type RecordCodec[T any] interface {
	Encode(T) ([]byte, error)
	Decode([]byte) (T, error)
}

// Serialize writes the tag byte, the page's identity fields, and every
// populated slot in ascending offset order (deleted slots carry no body).
func (p *RecordPage[T]) Serialize(w io.Writer, codec RecordCodec[T]) error {
	offsets := p.Offsets()
	sort.Ints(offsets)

	var buf []byte
	buf = append(buf, tagRecordPage)
	buf = appendVarint(buf, uint64(p.PageKey))
	buf = appendVarint(buf, uint64(p.Index))
	buf = appendVarint(buf, uint64(p.Revision))
	buf = appendVarint(buf, uint64(len(offsets)))
	for _, offset := range offsets {
		slot := p.slots[offset]
		buf = appendVarint(buf, uint64(offset))
		if slot.Deleted {
			buf = append(buf, 1)
			continue
		}
		buf = append(buf, 0)
		body, err := codec.Encode(slot.Value)
		if err != nil {
			return fmt.Errorf("pages: encode slot %d: %w", offset, err)
		}
		buf = appendVarint(buf, uint64(len(body)))
		buf = append(buf, body...)
	}
	_, err := w.Write(buf)
	return err
}

// DeserializeRecordPage reverses Serialize using codec to decode each
// live slot's body.
func DeserializeRecordPage[T any](buf []byte, codec RecordCodec[T]) (*RecordPage[T], error) {
	if len(buf) == 0 || buf[0] != tagRecordPage {
		return nil, fmt.Errorf("pages: not a RecordPage")
	}
	off := 1
	pageKey, n := varint.GetVarint(buf[off:])
	off += n
	index, n := varint.GetVarint(buf[off:])
	off += n
	revision, n := varint.GetVarint(buf[off:])
	off += n
	count, n := varint.GetVarint(buf[off:])
	off += n

	p := NewRecordPage[T](int64(pageKey), int(index), int64(revision))
	for i := uint64(0); i < count; i++ {
		offset, n := varint.GetVarint(buf[off:])
		off += n
		if off >= len(buf) {
			return nil, fmt.Errorf("pages: truncated RecordPage")
		}
		deleted := buf[off] != 0
		off++
		if deleted {
			p.Tombstone(int(offset))
			continue
		}
		ln, n := varint.GetVarint(buf[off:])
		off += n
		if off+int(ln) > len(buf) {
			return nil, fmt.Errorf("pages: truncated RecordPage body")
		}
		value, err := codec.Decode(buf[off : off+int(ln)])
		if err != nil {
			return nil, fmt.Errorf("pages: decode slot %d: %w", offset, err)
		}
		off += int(ln)
		p.Set(int(offset), value)
	}
	return p, nil
}

// Checksum returns an xxhash digest of the page's serialised body, the
// same digest pkg/storage stores with each page frame to detect torn
// writes on read-back.
func Checksum(body []byte) uint64 {
	return xxhash.Sum64(body)
}

// zstdEncoder and zstdDecoder are shared across Compress/Decompress calls; zstd
// encoders/decoders are safe for concurrent use once constructed.
var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// Compress compresses a value-record body with zstd, used for value
// records whose own Compressed flag is set.
func Compress(body []byte) []byte {
	return zstdEncoder.EncodeAll(body, nil)
}

// Decompress reverses Compress.
func Decompress(body []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(body, nil)
}

