package nodetrx

import (
	"bytes"
	"fmt"

	"nodetree/pkg/indexhook"
	"nodetree/pkg/noderecord"
)

// InsertElementAsFirstChild inserts a new element as the first child of
// the current node and moves the cursor onto it.
func (wtx *NodeWriteTransaction) InsertElementAsFirstChild(prefix, local, uri string) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.insertElement(posFirstChild, wtx.CurrentKey(), prefix, local, uri)
}

// InsertElementAsLeftSibling inserts a new element immediately before
// the current node and moves the cursor onto it.
func (wtx *NodeWriteTransaction) InsertElementAsLeftSibling(prefix, local, uri string) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.insertElement(posLeftSibling, wtx.CurrentKey(), prefix, local, uri)
}

// InsertElementAsRightSibling inserts a new element immediately after
// the current node and moves the cursor onto it.
func (wtx *NodeWriteTransaction) InsertElementAsRightSibling(prefix, local, uri string) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.insertElement(posRightSibling, wtx.CurrentKey(), prefix, local, uri)
}

func (wtx *NodeWriteTransaction) insertElement(pos position, anchorKey int64, prefix, local, uri string) (noderecord.Record, error) {
	name, err := wtx.internName(noderecord.KindElement, prefix, local, uri)
	if err != nil {
		return noderecord.Record{}, err
	}

	rec := noderecord.NewStructural(wtx.pageTx.AllocateNodeKey(), noderecord.KindElement, noderecord.NullNodeKey)
	rec.Name = name

	parentKey, err := wtx.linkNew(&rec, pos, anchorKey, 1)
	if err != nil {
		return noderecord.Record{}, err
	}
	parentPathKey, err := wtx.pathNodeKeyOf(parentKey)
	if err != nil {
		return noderecord.Record{}, err
	}
	rec.PathNodeKey = wtx.ps.Insert(parentPathKey, noderecord.KindElement, name)

	if err := wtx.pageTx.CreateEntry(rec); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.afterMutate(rec, indexhook.ChangeInsert); err != nil {
		return noderecord.Record{}, err
	}
	wtx.MoveTo(rec.NodeKey)
	return rec, nil
}

// InsertTextAsFirstChild inserts value as the first child of the
// current node, merging into an already-adjacent text node instead of
// creating a new one.
func (wtx *NodeWriteTransaction) InsertTextAsFirstChild(value []byte) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.insertTextMerging(posFirstChild, wtx.CurrentKey(), value)
}

// InsertTextAsLeftSibling inserts value immediately before the current
// node, merging into an adjacent text node where possible.
func (wtx *NodeWriteTransaction) InsertTextAsLeftSibling(value []byte) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.insertTextMerging(posLeftSibling, wtx.CurrentKey(), value)
}

// InsertTextAsRightSibling inserts value immediately after the current
// node, merging into an adjacent text node where possible.
func (wtx *NodeWriteTransaction) InsertTextAsRightSibling(value []byte) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.insertTextMerging(posRightSibling, wtx.CurrentKey(), value)
}

func (wtx *NodeWriteTransaction) insertTextMerging(pos position, anchorKey int64, value []byte) (noderecord.Record, error) {
	anchor, err := wtx.fetch(anchorKey)
	if err != nil {
		return noderecord.Record{}, err
	}

	var leftKey, rightKey int64 = noderecord.NullNodeKey, noderecord.NullNodeKey
	switch pos {
	case posFirstChild:
		rightKey = anchor.FirstChildKey
	case posLeftSibling:
		leftKey, rightKey = anchor.LeftSiblingKey, anchor.NodeKey
	case posRightSibling:
		leftKey, rightKey = anchor.NodeKey, anchor.RightSiblingKey
	}

	if leftKey != noderecord.NullNodeKey {
		if left, err := wtx.fetch(leftKey); err == nil && left.Kind == noderecord.KindText {
			return wtx.mergeText(left, value, false)
		}
	}
	if rightKey != noderecord.NullNodeKey {
		if right, err := wtx.fetch(rightKey); err == nil && right.Kind == noderecord.KindText {
			return wtx.mergeText(right, value, true)
		}
	}
	return wtx.insertLeafValue(noderecord.KindText, pos, anchorKey, value)
}

// mergeText appends (or prepends) value to an already-adjacent text
// node rather than creating a new sibling.
func (wtx *NodeWriteTransaction) mergeText(existing noderecord.Record, value []byte, prepend bool) (noderecord.Record, error) {
	rec, err := wtx.pageTx.PrepareRecordForModification(existing.NodeKey)
	if err != nil {
		return noderecord.Record{}, err
	}
	decoded := rec.Value
	if rec.Compressed {
		if d, derr := decompress(rec.Value); derr == nil {
			decoded = d
		}
	}
	if prepend {
		decoded = append(append([]byte(nil), value...), decoded...)
	} else {
		decoded = append(append([]byte(nil), decoded...), value...)
	}
	rec.Value, rec.Compressed = wtx.encodeValue(decoded)

	if err := wtx.pageTx.CreateEntry(rec); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.afterMutate(rec, indexhook.ChangeUpdate); err != nil {
		return noderecord.Record{}, err
	}
	wtx.MoveTo(rec.NodeKey)
	return rec, nil
}

func (wtx *NodeWriteTransaction) insertLeafValue(kind noderecord.NodeKind, pos position, anchorKey int64, content []byte) (noderecord.Record, error) {
	rec := noderecord.NewStructural(wtx.pageTx.AllocateNodeKey(), kind, noderecord.NullNodeKey)
	rec.Value, rec.Compressed = wtx.encodeValue(content)

	if _, err := wtx.linkNew(&rec, pos, anchorKey, 1); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.pageTx.CreateEntry(rec); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.afterMutate(rec, indexhook.ChangeInsert); err != nil {
		return noderecord.Record{}, err
	}
	wtx.MoveTo(rec.NodeKey)
	return rec, nil
}

// InsertCommentAsFirstChild inserts a comment as the first child of the
// current node. content must not contain "--".
func (wtx *NodeWriteTransaction) InsertCommentAsFirstChild(content []byte) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	if err := validateComment(content); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.insertLeafValue(noderecord.KindComment, posFirstChild, wtx.CurrentKey(), content)
}

// InsertCommentAsLeftSibling inserts a comment immediately before the
// current node. content must not contain "--".
func (wtx *NodeWriteTransaction) InsertCommentAsLeftSibling(content []byte) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	if err := validateComment(content); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.insertLeafValue(noderecord.KindComment, posLeftSibling, wtx.CurrentKey(), content)
}

// InsertCommentAsRightSibling inserts a comment immediately after the
// current node. content must not contain "--".
func (wtx *NodeWriteTransaction) InsertCommentAsRightSibling(content []byte) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	if err := validateComment(content); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.insertLeafValue(noderecord.KindComment, posRightSibling, wtx.CurrentKey(), content)
}

func validateComment(content []byte) error {
	if bytes.Contains(content, []byte("--")) {
		return fmt.Errorf("nodetrx: %w: comment must not contain \"--\"", ErrUsage)
	}
	return nil
}

func validatePI(content []byte) error {
	if bytes.Contains(content, []byte("?>-")) {
		return fmt.Errorf("nodetrx: %w: processing instruction must not contain \"?>-\"", ErrUsage)
	}
	return nil
}

// InsertPIAsFirstChild inserts a processing instruction as the first
// child of the current node.
func (wtx *NodeWriteTransaction) InsertPIAsFirstChild(target string, content []byte) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.insertPI(posFirstChild, wtx.CurrentKey(), target, content)
}

// InsertPIAsLeftSibling inserts a processing instruction immediately
// before the current node.
func (wtx *NodeWriteTransaction) InsertPIAsLeftSibling(target string, content []byte) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.insertPI(posLeftSibling, wtx.CurrentKey(), target, content)
}

// InsertPIAsRightSibling inserts a processing instruction immediately
// after the current node.
func (wtx *NodeWriteTransaction) InsertPIAsRightSibling(target string, content []byte) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.insertPI(posRightSibling, wtx.CurrentKey(), target, content)
}

func (wtx *NodeWriteTransaction) insertPI(pos position, anchorKey int64, target string, content []byte) (noderecord.Record, error) {
	if err := validatePI(content); err != nil {
		return noderecord.Record{}, err
	}
	name, err := wtx.internName(noderecord.KindProcessingInstruction, "", target, "")
	if err != nil {
		return noderecord.Record{}, err
	}

	rec := noderecord.NewStructural(wtx.pageTx.AllocateNodeKey(), noderecord.KindProcessingInstruction, noderecord.NullNodeKey)
	rec.Name = name
	rec.Value, rec.Compressed = wtx.encodeValue(content)

	parentKey, err := wtx.linkNew(&rec, pos, anchorKey, 1)
	if err != nil {
		return noderecord.Record{}, err
	}
	parentPathKey, err := wtx.pathNodeKeyOf(parentKey)
	if err != nil {
		return noderecord.Record{}, err
	}
	rec.PathNodeKey = wtx.ps.Insert(parentPathKey, rec.Kind, name)

	if err := wtx.pageTx.CreateEntry(rec); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.afterMutate(rec, indexhook.ChangeInsert); err != nil {
		return noderecord.Record{}, err
	}
	wtx.MoveTo(rec.NodeKey)
	return rec, nil
}

// InsertAttribute adds (or, for a matching name with a different value,
// updates) an attribute on the current node, which must be an element.
// moveBack leaves the cursor on the element instead of the attribute.
func (wtx *NodeWriteTransaction) InsertAttribute(prefix, local, uri string, value []byte, moveBack bool) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}

	elementKey := wtx.CurrentKey()
	element, err := wtx.pageTx.PrepareRecordForModification(elementKey)
	if err != nil {
		return noderecord.Record{}, err
	}
	if element.Kind != noderecord.KindElement {
		return noderecord.Record{}, fmt.Errorf("nodetrx: %w: attributes attach only to elements", ErrUsage)
	}
	name, err := wtx.internName(noderecord.KindAttribute, prefix, local, uri)
	if err != nil {
		return noderecord.Record{}, err
	}

	for _, ak := range element.Attributes {
		existing, err := wtx.fetch(ak)
		if err != nil || existing.Name != name {
			continue
		}
		if bytes.Equal(existing.Value, value) {
			return noderecord.Record{}, fmt.Errorf("nodetrx: %w", ErrDuplicateAttribute)
		}
		updated, err := wtx.pageTx.PrepareRecordForModification(ak)
		if err != nil {
			return noderecord.Record{}, err
		}
		updated.Value, updated.Compressed = wtx.encodeValue(value)
		if err := wtx.pageTx.CreateEntry(updated); err != nil {
			return noderecord.Record{}, err
		}
		if err := wtx.afterMutate(updated, indexhook.ChangeUpdate); err != nil {
			return noderecord.Record{}, err
		}
		if !moveBack {
			wtx.MoveTo(updated.NodeKey)
		}
		return updated, nil
	}

	rec := noderecord.Record{
		NodeKey:     wtx.pageTx.AllocateNodeKey(),
		Kind:        noderecord.KindAttribute,
		ParentKey:   elementKey,
		Name:        name,
		PathNodeKey: wtx.ps.Insert(element.PathNodeKey, noderecord.KindAttribute, name),
	}
	rec.Value, rec.Compressed = wtx.encodeValue(value)

	element.Attributes = append(element.Attributes, rec.NodeKey)
	if err := wtx.pageTx.CreateEntry(element); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.pageTx.CreateEntry(rec); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.afterMutate(rec, indexhook.ChangeInsert); err != nil {
		return noderecord.Record{}, err
	}
	if !moveBack {
		wtx.MoveTo(rec.NodeKey)
	}
	return rec, nil
}

// InsertNamespace declares a namespace prefix on the current node, which
// must be an element. moveBack leaves the cursor on the element instead
// of the namespace node.
func (wtx *NodeWriteTransaction) InsertNamespace(prefix, uri string, moveBack bool) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}

	elementKey := wtx.CurrentKey()
	element, err := wtx.pageTx.PrepareRecordForModification(elementKey)
	if err != nil {
		return noderecord.Record{}, err
	}
	if element.Kind != noderecord.KindElement {
		return noderecord.Record{}, fmt.Errorf("nodetrx: %w: namespaces attach only to elements", ErrUsage)
	}
	name, err := wtx.internName(noderecord.KindNamespace, prefix, "", uri)
	if err != nil {
		return noderecord.Record{}, err
	}
	for _, nk := range element.Namespaces {
		existing, err := wtx.fetch(nk)
		if err == nil && existing.Name.PrefixKey == name.PrefixKey {
			return noderecord.Record{}, fmt.Errorf("nodetrx: %w", ErrDuplicateNamespace)
		}
	}

	rec := noderecord.Record{
		NodeKey:     wtx.pageTx.AllocateNodeKey(),
		Kind:        noderecord.KindNamespace,
		ParentKey:   elementKey,
		Name:        name,
		PathNodeKey: wtx.ps.Insert(element.PathNodeKey, noderecord.KindNamespace, name),
	}

	element.Namespaces = append(element.Namespaces, rec.NodeKey)
	if err := wtx.pageTx.CreateEntry(element); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.pageTx.CreateEntry(rec); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.afterMutate(rec, indexhook.ChangeInsert); err != nil {
		return noderecord.Record{}, err
	}
	if !moveBack {
		wtx.MoveTo(rec.NodeKey)
	}
	return rec, nil
}
