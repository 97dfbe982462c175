// Package pathsummary implements the auxiliary tree that tracks every
// distinct root-to-node label path appearing in a resource, each
// carrying a reference count of the records that currently sit at that
// path.
package pathsummary

import (
	"fmt"
	"sort"
	"sync"

	"nodetree/internal/varint"
	"nodetree/pkg/noderecord"
)

// NullPathNodeKey marks "no path", used by unnamed record kinds.
const NullPathNodeKey int64 = -1

// PathNode is one node of the summary tree: a distinct label path from
// the document root, reference-counted by how many live records use it.
type PathNode struct {
	PathNodeKey int64
	ParentKey   int64
	Name        noderecord.QName
	Kind        noderecord.NodeKind
	Level       int
	RefCount    int

	children map[noderecord.QName]int64
}

func newPathNode(key, parent int64, name noderecord.QName, kind noderecord.NodeKind, level int) *PathNode {
	return &PathNode{
		PathNodeKey: key,
		ParentKey:   parent,
		Name:        name,
		Kind:        kind,
		Level:       level,
		children:    make(map[noderecord.QName]int64),
	}
}

// Summary is the path-summary tree for one resource revision.
type Summary struct {
	mu      sync.Mutex
	nodes   map[int64]*PathNode
	nextKey int64
}

// New returns an empty summary rooted implicitly at the document; the
// first Insert call below the document creates the first real PathNode.
func New() *Summary {
	return &Summary{nodes: make(map[int64]*PathNode)}
}

// Clone deep-copies the summary for a write transaction's draft.
func (s *Summary) Clone() *Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	clone := &Summary{nodes: make(map[int64]*PathNode, len(s.nodes)), nextKey: s.nextKey}
	for k, n := range s.nodes {
		nc := &PathNode{
			PathNodeKey: n.PathNodeKey,
			ParentKey:   n.ParentKey,
			Name:        n.Name,
			Kind:        n.Kind,
			Level:       n.Level,
			RefCount:    n.RefCount,
			children:    make(map[noderecord.QName]int64, len(n.children)),
		}
		for name, childKey := range n.children {
			nc.children[name] = childKey
		}
		clone.nodes[k] = nc
	}
	return clone
}

// Node returns the path node for key, if any.
func (s *Summary) Node(key int64) (*PathNode, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[key]
	return n, ok
}

// Insert walks from fromPathNodeKey (NullPathNodeKey for a root-level
// insert), finds or creates the child matching (kind, name), increments
// its reference count, and returns its key.
func (s *Summary) Insert(fromPathNodeKey int64, kind noderecord.NodeKind, name noderecord.QName) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	level := 0
	if fromPathNodeKey != NullPathNodeKey {
		if parent, ok := s.nodes[fromPathNodeKey]; ok {
			if childKey, ok := parent.children[name]; ok {
				s.nodes[childKey].RefCount++
				return childKey
			}
			level = parent.Level + 1
		}
	} else {
		for key, n := range s.nodes {
			if n.ParentKey == NullPathNodeKey && n.Kind == kind && n.Name == name {
				n.RefCount++
				return key
			}
		}
	}

	key := s.nextKey
	s.nextKey++
	node := newPathNode(key, fromPathNodeKey, name, kind, level)
	node.RefCount = 1
	s.nodes[key] = node

	if fromPathNodeKey != NullPathNodeKey {
		if parent, ok := s.nodes[fromPathNodeKey]; ok {
			parent.children[name] = key
		}
	}
	return key
}

// Remove decrements the reference count at pathNodeKey; once it reaches
// zero the path-subtree (this node and all of its descendants) is
// removed.
func (s *Summary) Remove(pathNodeKey int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[pathNodeKey]
	if !ok {
		return fmt.Errorf("pathsummary: unknown path node %d", pathNodeKey)
	}
	node.RefCount--
	if node.RefCount > 0 {
		return nil
	}
	s.removeSubtree(node)
	return nil
}

func (s *Summary) removeSubtree(node *PathNode) {
	for _, childKey := range node.children {
		if child, ok := s.nodes[childKey]; ok {
			s.removeSubtree(child)
		}
	}
	if node.ParentKey != NullPathNodeKey {
		if parent, ok := s.nodes[node.ParentKey]; ok {
			delete(parent.children, node.Name)
		}
	}
	delete(s.nodes, node.PathNodeKey)
}

// RefCount returns the live reference count at pathNodeKey, or 0 if the
// path node no longer exists.
func (s *Summary) RefCount(pathNodeKey int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[pathNodeKey]; ok {
		return n.RefCount
	}
	return 0
}

// Encode serialises the complete summary into a single blob, for storage
// in a pages.PathSummaryPage: the varint next free key and a varint node
// count followed by, per node, its key/parent/kind/level/refcount and
// QName fields.
func (s *Summary) Encode() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]int64, 0, len(s.nodes))
	for k := range s.nodes {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	var buf []byte
	buf = appendVarint(buf, uint64(s.nextKey))
	buf = appendVarint(buf, uint64(len(keys)))
	for _, k := range keys {
		n := s.nodes[k]
		buf = appendVarint(buf, uint64(k))
		buf = appendSignedVarint(buf, n.ParentKey)
		buf = append(buf, byte(n.Kind))
		buf = appendVarint(buf, uint64(n.Level))
		buf = appendVarint(buf, uint64(n.RefCount))
		buf = appendVarint(buf, uint64(uint32(n.Name.PrefixKey)))
		buf = appendVarint(buf, uint64(uint32(n.Name.LocalNameKey)))
		buf = appendVarint(buf, uint64(uint32(n.Name.URIKey)))
	}
	return buf
}

// Decode reverses Encode, rebuilding every node's children index.
func Decode(buf []byte) (*Summary, error) {
	s := New()
	if len(buf) == 0 {
		return s, nil
	}
	off := 0
	nextKey, n := varint.GetVarint(buf[off:])
	off += n
	s.nextKey = int64(nextKey)
	count, n := varint.GetVarint(buf[off:])
	off += n

	for i := uint64(0); i < count; i++ {
		key, n := varint.GetVarint(buf[off:])
		off += n
		parent, n := readSignedVarint(buf[off:])
		off += n
		if off >= len(buf) {
			return nil, fmt.Errorf("pathsummary: truncated node kind")
		}
		kind := noderecord.NodeKind(buf[off])
		off++
		level, n := varint.GetVarint(buf[off:])
		off += n
		refCount, n := varint.GetVarint(buf[off:])
		off += n
		prefix, n := varint.GetVarint(buf[off:])
		off += n
		local, n := varint.GetVarint(buf[off:])
		off += n
		uri, n := varint.GetVarint(buf[off:])
		off += n

		name := noderecord.QName{
			PrefixKey:    int32(uint32(prefix)),
			LocalNameKey: int32(uint32(local)),
			URIKey:       int32(uint32(uri)),
		}
		node := newPathNode(int64(key), parent, name, kind, int(level))
		node.RefCount = int(refCount)
		s.nodes[int64(key)] = node
	}
	for _, node := range s.nodes {
		if node.ParentKey == NullPathNodeKey {
			continue
		}
		if parent, ok := s.nodes[node.ParentKey]; ok {
			parent.children[node.Name] = node.PathNodeKey
		}
	}
	return s, nil
}

func appendVarint(buf []byte, v uint64) []byte {
	tmp := make([]byte, varint.Len(v))
	varint.PutVarint(tmp, v)
	return append(buf, tmp...)
}

// appendSignedVarint zigzag-encodes a parent key, which is NullPathNodeKey
// (-1) for a root-level path node.
func appendSignedVarint(buf []byte, v int64) []byte {
	return appendVarint(buf, uint64((v<<1)^(v>>63)))
}

func readSignedVarint(buf []byte) (int64, int) {
	u, n := varint.GetVarint(buf)
	return int64(u>>1) ^ -int64(u&1), n
}

// Rename decomposes a rename into a removal of the old path portion and
// an insertion of the new one, returning the new path node key the
// caller must assign to every affected descendant record.
func (s *Summary) Rename(oldPathNodeKey, fromPathNodeKey int64, kind noderecord.NodeKind, newName noderecord.QName) (int64, error) {
	if err := s.Remove(oldPathNodeKey); err != nil {
		return NullPathNodeKey, err
	}
	return s.Insert(fromPathNodeKey, kind, newName), nil
}
