// Package noderecord implements the record model: the node kinds making
// up an XML-shaped tree (element, text, attribute, namespace, comment,
// processing-instruction, document-root) plus the deleted-tombstone
// variant written over a removed slot.
package noderecord

// Sentinel node keys.
const (
	NullNodeKey     int64 = -1
	DocumentNodeKey int64 = 0
)

// NodeKind tags which delegate combination a Record carries.
type NodeKind byte

const (
	KindUnknown NodeKind = iota
	KindDocumentRoot
	KindElement
	KindText
	KindAttribute
	KindNamespace
	KindComment
	KindProcessingInstruction
	KindDeleted
)

func (k NodeKind) IsStructural() bool {
	switch k {
	case KindDocumentRoot, KindElement, KindText, KindComment, KindProcessingInstruction:
		return true
	default:
		return false
	}
}

func (k NodeKind) HasName() bool {
	switch k {
	case KindElement, KindAttribute, KindNamespace, KindProcessingInstruction:
		return true
	default:
		return false
	}
}

func (k NodeKind) HasValue() bool {
	switch k {
	case KindText, KindAttribute, KindComment, KindProcessingInstruction:
		return true
	default:
		return false
	}
}

// QName is a qualified name: prefix/local-name/uri are indirected
// through the revision's NamePage, so a Record only carries the keys.
type QName struct {
	PrefixKey    int32
	LocalNameKey int32
	URIKey       int32
}

// Record is one node in the tree. Every field is meaningful only for the
// kinds that use it (see NodeKind.IsStructural/HasName/HasValue); the
// rest carry their zero value.
type Record struct {
	NodeKey   int64
	Kind      NodeKind
	ParentKey int64
	TypeKey   int32
	Hash      uint64
	DeweyID   []byte // nil when Dewey IDs are disabled

	// Structural fields.
	FirstChildKey   int64
	LeftSiblingKey  int64
	RightSiblingKey int64
	ChildCount      int64
	DescendantCount int64

	// Name fields, indirected through the NamePage.
	Name        QName
	PathNodeKey int64

	// Value fields: a possibly-compressed byte payload.
	Value      []byte
	Compressed bool

	// Attribute/namespace vectors, held on the owning element record.
	Attributes []int64
	Namespaces []int64
}

// NewStructural returns a zero-valued structural record of the given
// kind with all link fields set to NullNodeKey.
func NewStructural(key int64, kind NodeKind, parent int64) Record {
	return Record{
		NodeKey:         key,
		Kind:            kind,
		ParentKey:       parent,
		FirstChildKey:   NullNodeKey,
		LeftSiblingKey:  NullNodeKey,
		RightSiblingKey: NullNodeKey,
		PathNodeKey:     NullNodeKey,
	}
}

// DeletedNode returns a tombstone record: a RecordPage slot set to this
// value marks the offset explicitly absent so a versioning combine does
// not fall through to an older revision's value at the same offset.
func DeletedNode(key, parentKey int64) Record {
	return Record{NodeKey: key, Kind: KindDeleted, ParentKey: parentKey}
}

func (r Record) IsDeleted() bool { return r.Kind == KindDeleted }

func (r Record) HasParent() bool       { return r.ParentKey != NullNodeKey }
func (r Record) HasFirstChild() bool   { return r.FirstChildKey != NullNodeKey }
func (r Record) HasLeftSibling() bool  { return r.LeftSiblingKey != NullNodeKey }
func (r Record) HasRightSibling() bool { return r.RightSiblingKey != NullNodeKey }

// NodeDelegate is the common read surface every record kind exposes
// through a View.
type NodeDelegate interface {
	NodeKey() int64
	NodeKind() NodeKind
	ParentKey() int64
}

// StructNodeDelegate is implemented by structural (tree-shaped) records.
type StructNodeDelegate interface {
	NodeDelegate
	FirstChildKey() int64
	LeftSiblingKey() int64
	RightSiblingKey() int64
	ChildCount() int64
	DescendantCount() int64
}

// NameNodeDelegate is implemented by records carrying a qualified name.
type NameNodeDelegate interface {
	NodeDelegate
	Name() QName
	PathNodeKey() int64
}

// ValueNodeDelegate is implemented by records carrying a byte payload.
type ValueNodeDelegate interface {
	NodeDelegate
	RawValue() []byte
}

// View wraps a Record to satisfy whichever delegate interfaces apply to
// its kind, mirroring the teacher record model's read-accessor wrappers
// without the record/row framing that went with it.
type View struct {
	r Record
}

func NewView(r Record) View { return View{r: r} }

func (v View) Record() Record { return v.r }

func (v View) NodeKey() int64     { return v.r.NodeKey }
func (v View) NodeKind() NodeKind { return v.r.Kind }
func (v View) ParentKey() int64   { return v.r.ParentKey }

func (v View) FirstChildKey() int64   { return v.r.FirstChildKey }
func (v View) LeftSiblingKey() int64  { return v.r.LeftSiblingKey }
func (v View) RightSiblingKey() int64 { return v.r.RightSiblingKey }
func (v View) ChildCount() int64      { return v.r.ChildCount }
func (v View) DescendantCount() int64 { return v.r.DescendantCount }

func (v View) Name() QName        { return v.r.Name }
func (v View) PathNodeKey() int64 { return v.r.PathNodeKey }

func (v View) RawValue() []byte { return v.r.Value }

var (
	_ StructNodeDelegate = View{}
	_ NameNodeDelegate   = View{}
	_ ValueNodeDelegate  = View{}
)
