package pathsummary

import (
	"testing"

	"nodetree/pkg/noderecord"
)

func TestInsertSamePathSharesNode(t *testing.T) {
	s := New()
	a := noderecord.QName{LocalNameKey: 1}

	k1 := s.Insert(NullPathNodeKey, noderecord.KindElement, a)
	k2 := s.Insert(NullPathNodeKey, noderecord.KindElement, a)
	if k1 != k2 {
		t.Fatalf("same path should share a node: %d != %d", k1, k2)
	}
	if s.RefCount(k1) != 2 {
		t.Fatalf("expected ref count 2, got %d", s.RefCount(k1))
	}
}

func TestInsertDifferentPathsCreateDistinctNodes(t *testing.T) {
	s := New()
	a := noderecord.QName{LocalNameKey: 1}
	b := noderecord.QName{LocalNameKey: 2}

	root := s.Insert(NullPathNodeKey, noderecord.KindElement, a)
	child := s.Insert(root, noderecord.KindElement, b)

	node, ok := s.Node(child)
	if !ok {
		t.Fatal("expected child path node to exist")
	}
	if node.Level != 1 {
		t.Errorf("child level = %d, want 1", node.Level)
	}
	if node.ParentKey != root {
		t.Errorf("child parent = %d, want %d", node.ParentKey, root)
	}
}

func TestRemoveZeroRefCountPrunesSubtree(t *testing.T) {
	s := New()
	a := noderecord.QName{LocalNameKey: 1}
	b := noderecord.QName{LocalNameKey: 2}

	root := s.Insert(NullPathNodeKey, noderecord.KindElement, a)
	child := s.Insert(root, noderecord.KindElement, b)

	if err := s.Remove(child); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Node(child); ok {
		t.Fatal("child path node should be pruned once ref count hits zero")
	}
	if s.RefCount(root) != 1 {
		t.Fatalf("removing the child should not touch the root's ref count, got %d", s.RefCount(root))
	}
}

func TestRemoveDecrementsWithoutPruningWhileReferenced(t *testing.T) {
	s := New()
	a := noderecord.QName{LocalNameKey: 1}
	k := s.Insert(NullPathNodeKey, noderecord.KindElement, a)
	s.Insert(NullPathNodeKey, noderecord.KindElement, a) // second reference

	if err := s.Remove(k); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := s.Node(k); !ok {
		t.Fatal("path node should survive while still referenced once")
	}
	if s.RefCount(k) != 1 {
		t.Fatalf("expected ref count 1, got %d", s.RefCount(k))
	}
}

func TestRenameMovesReferenceToNewPath(t *testing.T) {
	s := New()
	a := noderecord.QName{LocalNameKey: 1}
	b := noderecord.QName{LocalNameKey: 2}

	oldKey := s.Insert(NullPathNodeKey, noderecord.KindElement, a)
	newKey, err := s.Rename(oldKey, NullPathNodeKey, noderecord.KindElement, b)
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if _, ok := s.Node(oldKey); ok {
		t.Fatal("old path node should be gone after rename")
	}
	if s.RefCount(newKey) != 1 {
		t.Fatalf("expected new path node ref count 1, got %d", s.RefCount(newKey))
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	s := New()
	a := noderecord.QName{LocalNameKey: 1}
	b := noderecord.QName{LocalNameKey: 2}
	root := s.Insert(NullPathNodeKey, noderecord.KindElement, a)
	child := s.Insert(root, noderecord.KindAttribute, b)
	s.Insert(root, noderecord.KindAttribute, b)

	restored, err := Decode(s.Encode())
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if restored.RefCount(root) != s.RefCount(root) {
		t.Fatalf("root ref count = %d, want %d", restored.RefCount(root), s.RefCount(root))
	}
	if restored.RefCount(child) != 2 {
		t.Fatalf("child ref count = %d, want 2", restored.RefCount(child))
	}
	node, ok := restored.Node(child)
	if !ok || node.ParentKey != root || node.Kind != noderecord.KindAttribute {
		t.Fatalf("child node not restored correctly: %+v, ok=%v", node, ok)
	}
}

func TestCloneIsIndependent(t *testing.T) {
	s := New()
	a := noderecord.QName{LocalNameKey: 1}
	k := s.Insert(NullPathNodeKey, noderecord.KindElement, a)

	clone := s.Clone()
	clone.Insert(NullPathNodeKey, noderecord.KindElement, a)

	if s.RefCount(k) != 1 {
		t.Fatalf("mutating the clone should not affect the original, got %d", s.RefCount(k))
	}
	if clone.RefCount(k) != 2 {
		t.Fatalf("clone should have its own independent ref count, got %d", clone.RefCount(k))
	}
}
