package noderecord

import "testing"

func TestNewStructuralDefaultsLinksToNull(t *testing.T) {
	r := NewStructural(5, KindElement, 1)
	if r.HasFirstChild() || r.HasLeftSibling() || r.HasRightSibling() {
		t.Fatalf("fresh structural record should have no links: %+v", r)
	}
	if r.PathNodeKey != NullNodeKey {
		t.Fatalf("PathNodeKey should default to NullNodeKey, got %d", r.PathNodeKey)
	}
}

func TestDeletedNodeIsDeleted(t *testing.T) {
	d := DeletedNode(5, 1)
	if !d.IsDeleted() {
		t.Fatal("DeletedNode should report IsDeleted")
	}
	if d.NodeKey != 5 || d.ParentKey != 1 {
		t.Fatalf("tombstone should keep key/parent: %+v", d)
	}
}

func TestNodeKindClassification(t *testing.T) {
	cases := []struct {
		kind                        NodeKind
		structural, hasName, hasVal bool
	}{
		{KindElement, true, true, false},
		{KindText, true, false, true},
		{KindAttribute, false, true, true},
		{KindNamespace, false, true, false},
		{KindComment, true, false, true},
		{KindProcessingInstruction, true, true, true},
		{KindDocumentRoot, true, false, false},
	}
	for _, c := range cases {
		if got := c.kind.IsStructural(); got != c.structural {
			t.Errorf("%v.IsStructural() = %v, want %v", c.kind, got, c.structural)
		}
		if got := c.kind.HasName(); got != c.hasName {
			t.Errorf("%v.HasName() = %v, want %v", c.kind, got, c.hasName)
		}
		if got := c.kind.HasValue(); got != c.hasVal {
			t.Errorf("%v.HasValue() = %v, want %v", c.kind, got, c.hasVal)
		}
	}
}

func TestViewImplementsDelegates(t *testing.T) {
	r := NewStructural(10, KindElement, 2)
	r.FirstChildKey = 11
	r.ChildCount = 1
	r.Name = QName{LocalNameKey: 3}
	r.Value = []byte("ignored on elements but present in struct")

	v := NewView(r)
	if v.NodeKey() != 10 || v.ParentKey() != 2 {
		t.Fatalf("NodeDelegate accessors mismatch: %+v", v)
	}
	if v.FirstChildKey() != 11 || v.ChildCount() != 1 {
		t.Fatalf("StructNodeDelegate accessors mismatch: %+v", v)
	}
	if v.Name().LocalNameKey != 3 {
		t.Fatalf("NameNodeDelegate accessor mismatch: %+v", v)
	}
}
