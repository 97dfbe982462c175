package nodetrx

import (
	"fmt"

	"nodetree/pkg/indexhook"
	"nodetree/pkg/noderecord"
	"nodetree/pkg/pagetrx"
	"nodetree/pkg/pathsummary"
)

// Remove deletes the current node and its subtree, merging the two text
// siblings the removal exposes into one if it leaves them adjacent, and
// advances the cursor to the right sibling, then the left sibling, then
// the parent -- whichever exists first.
func (wtx *NodeWriteTransaction) Remove() error {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return err
	}

	key := wtx.CurrentKey()
	if key == noderecord.DocumentNodeKey {
		return fmt.Errorf("nodetrx: %w: cannot remove the document root", ErrUsage)
	}
	rec, err := wtx.fetch(key)
	if err != nil {
		return err
	}
	parentKey := rec.ParentKey
	leftKey := rec.LeftSiblingKey
	rightKey := rec.RightSiblingKey

	if err := wtx.removeAt(key); err != nil {
		return err
	}

	merged := false
	if leftKey != noderecord.NullNodeKey && rightKey != noderecord.NullNodeKey {
		left, errL := wtx.fetch(leftKey)
		right, errR := wtx.fetch(rightKey)
		if errL == nil && errR == nil && left.Kind == noderecord.KindText && right.Kind == noderecord.KindText {
			if _, err := wtx.mergeAndRemove(left, right); err != nil {
				return err
			}
			merged = true
		}
	}

	switch {
	case merged:
		wtx.MoveTo(leftKey)
	case rightKey != noderecord.NullNodeKey:
		wtx.MoveTo(rightKey)
	case leftKey != noderecord.NullNodeKey:
		wtx.MoveTo(leftKey)
	default:
		wtx.MoveTo(parentKey)
	}
	return nil
}

// tombstoneSubtree removes rec and, recursively, every structural
// descendant plus any attributes/namespaces it owns, decrementing the
// path summary's reference count for every name-bearing node along the
// way.
func (wtx *NodeWriteTransaction) tombstoneSubtree(rec noderecord.Record) error {
	if rec.Kind.IsStructural() {
		childKey := rec.FirstChildKey
		for childKey != noderecord.NullNodeKey {
			child, ok, err := wtx.pageTx.Record(childKey)
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			next := child.RightSiblingKey
			if err := wtx.tombstoneSubtree(child); err != nil {
				return err
			}
			childKey = next
		}
	}
	if rec.Kind == noderecord.KindElement {
		for _, ak := range rec.Attributes {
			if a, ok, err := wtx.pageTx.Record(ak); err == nil && ok {
				wtx.ps.Remove(a.PathNodeKey)
			}
			if err := wtx.pageTx.RemoveEntry(ak); err != nil {
				return err
			}
		}
		for _, nk := range rec.Namespaces {
			if n, ok, err := wtx.pageTx.Record(nk); err == nil && ok {
				wtx.ps.Remove(n.PathNodeKey)
			}
			if err := wtx.pageTx.RemoveEntry(nk); err != nil {
				return err
			}
		}
	}
	if rec.Kind.HasName() {
		wtx.ps.Remove(rec.PathNodeKey)
	}
	return wtx.pageTx.RemoveEntry(rec.NodeKey)
}

// mergeAndRemove folds right's value into left and deletes right,
// called once a removal leaves two text nodes adjacent.
func (wtx *NodeWriteTransaction) mergeAndRemove(left, right noderecord.Record) (noderecord.Record, error) {
	l, err := wtx.pageTx.PrepareRecordForModification(left.NodeKey)
	if err != nil {
		return noderecord.Record{}, err
	}
	leftValue, rightValue := l.Value, right.Value
	if l.Compressed {
		if d, derr := decompress(l.Value); derr == nil {
			leftValue = d
		}
	}
	if right.Compressed {
		if d, derr := decompress(right.Value); derr == nil {
			rightValue = d
		}
	}
	l.Value, l.Compressed = wtx.encodeValue(append(append([]byte(nil), leftValue...), rightValue...))
	l.RightSiblingKey = right.RightSiblingKey
	if err := wtx.pageTx.CreateEntry(l); err != nil {
		return noderecord.Record{}, err
	}
	if right.RightSiblingKey != noderecord.NullNodeKey {
		rr, err := wtx.pageTx.PrepareRecordForModification(right.RightSiblingKey)
		if err != nil {
			return noderecord.Record{}, err
		}
		rr.LeftSiblingKey = l.NodeKey
		if err := wtx.pageTx.CreateEntry(rr); err != nil {
			return noderecord.Record{}, err
		}
	}
	if err := wtx.pageTx.RemoveEntry(right.NodeKey); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.bumpChildCount(l.ParentKey, -1); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.bumpDescendants(l.ParentKey, -1); err != nil {
		return noderecord.Record{}, err
	}
	return l, nil
}

// MoveSubtreeToFirstChild relocates the subtree rooted at fromKey to be
// the first child of the current node.
func (wtx *NodeWriteTransaction) MoveSubtreeToFirstChild(fromKey int64) error {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return err
	}
	return wtx.moveSubtree(fromKey, posFirstChild, wtx.CurrentKey())
}

// MoveSubtreeToLeftSibling relocates the subtree rooted at fromKey to
// immediately before the current node.
func (wtx *NodeWriteTransaction) MoveSubtreeToLeftSibling(fromKey int64) error {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return err
	}
	return wtx.moveSubtree(fromKey, posLeftSibling, wtx.CurrentKey())
}

// MoveSubtreeToRightSibling relocates the subtree rooted at fromKey to
// immediately after the current node.
func (wtx *NodeWriteTransaction) MoveSubtreeToRightSibling(fromKey int64) error {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return err
	}
	return wtx.moveSubtree(fromKey, posRightSibling, wtx.CurrentKey())
}

func (wtx *NodeWriteTransaction) moveSubtree(fromKey int64, pos position, anchorKey int64) error {
	if fromKey == anchorKey {
		return fmt.Errorf("nodetrx: %w: move target equals source", ErrInvalidMove)
	}
	moving, err := wtx.fetch(fromKey)
	if err != nil {
		return err
	}
	if !moving.Kind.IsStructural() || moving.NodeKey == noderecord.DocumentNodeKey {
		return fmt.Errorf("nodetrx: %w: node kind cannot be moved", ErrInvalidMove)
	}
	if anchorKey == noderecord.DocumentNodeKey && pos != posFirstChild {
		return fmt.Errorf("nodetrx: %w: cannot place a sibling next to the document root", ErrInvalidMove)
	}
	isDescendant, err := wtx.isAncestor(fromKey, anchorKey)
	if err != nil {
		return err
	}
	if isDescendant {
		return fmt.Errorf("nodetrx: %w", ErrMoveIntoDescendant)
	}

	oldParentKey := moving.ParentKey
	oldLeftKey := moving.LeftSiblingKey
	oldRightKey := moving.RightSiblingKey

	if oldLeftKey != noderecord.NullNodeKey {
		left, err := wtx.pageTx.PrepareRecordForModification(oldLeftKey)
		if err != nil {
			return err
		}
		left.RightSiblingKey = oldRightKey
		if err := wtx.pageTx.CreateEntry(left); err != nil {
			return err
		}
	} else {
		parent, err := wtx.pageTx.PrepareRecordForModification(oldParentKey)
		if err != nil {
			return err
		}
		parent.FirstChildKey = oldRightKey
		if err := wtx.pageTx.CreateEntry(parent); err != nil {
			return err
		}
	}
	if oldRightKey != noderecord.NullNodeKey {
		right, err := wtx.pageTx.PrepareRecordForModification(oldRightKey)
		if err != nil {
			return err
		}
		right.LeftSiblingKey = oldLeftKey
		if err := wtx.pageTx.CreateEntry(right); err != nil {
			return err
		}
	}
	movedCount := int64(1) + moving.DescendantCount
	if err := wtx.bumpChildCount(oldParentKey, -1); err != nil {
		return err
	}
	if err := wtx.bumpDescendants(oldParentKey, -movedCount); err != nil {
		return err
	}

	rec := moving
	if _, err := wtx.linkNew(&rec, pos, anchorKey, movedCount); err != nil {
		return err
	}
	if err := wtx.pageTx.CreateEntry(rec); err != nil {
		return err
	}

	if err := wtx.walkSubtreeNotify(rec, indexhook.ChangeUpdate); err != nil {
		return err
	}
	if wtx.opts.Hash == HashRolling {
		if err := wtx.adaptHashesWithRemove(oldParentKey); err != nil {
			return err
		}
		if err := wtx.adaptHashesWithAdd(rec.NodeKey); err != nil {
			return err
		}
	}
	if wtx.opts.DeweyIDsEnabled {
		if err := wtx.assignDeweyID(rec.NodeKey); err != nil {
			return err
		}
	}
	wtx.MoveTo(rec.NodeKey)
	return nil
}

// isAncestor reports whether maybeAncestor appears on key's parent
// chain.
func (wtx *NodeWriteTransaction) isAncestor(maybeAncestor, key int64) (bool, error) {
	cur := key
	for {
		rec, err := wtx.fetch(cur)
		if err != nil {
			return false, err
		}
		if !rec.HasParent() {
			return false, nil
		}
		if rec.ParentKey == maybeAncestor {
			return true, nil
		}
		cur = rec.ParentKey
	}
}

// CopySubtreeAsFirstChild deep-copies the subtree rooted at fromKey in
// source (bound to any revision, of this resource or another) as the
// first child of the current node.
func (wtx *NodeWriteTransaction) CopySubtreeAsFirstChild(source *pagetrx.PageReadTransaction, fromKey int64) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.copySubtree(source, fromKey, posFirstChild, wtx.CurrentKey())
}

// CopySubtreeAsLeftSibling deep-copies the subtree rooted at fromKey in
// source immediately before the current node.
func (wtx *NodeWriteTransaction) CopySubtreeAsLeftSibling(source *pagetrx.PageReadTransaction, fromKey int64) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.copySubtree(source, fromKey, posLeftSibling, wtx.CurrentKey())
}

// CopySubtreeAsRightSibling deep-copies the subtree rooted at fromKey in
// source immediately after the current node.
func (wtx *NodeWriteTransaction) CopySubtreeAsRightSibling(source *pagetrx.PageReadTransaction, fromKey int64) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}
	return wtx.copySubtree(source, fromKey, posRightSibling, wtx.CurrentKey())
}

func (wtx *NodeWriteTransaction) copySubtree(source *pagetrx.PageReadTransaction, fromKey int64, pos position, anchorKey int64) (noderecord.Record, error) {
	srcRec, ok, err := source.Record(fromKey)
	if err != nil {
		return noderecord.Record{}, err
	}
	if !ok {
		return noderecord.Record{}, fmt.Errorf("nodetrx: %w: source node %d", ErrNotFound, fromKey)
	}

	root, err := wtx.copySubtreeNodes(source, srcRec, noderecord.NullNodeKey)
	if err != nil {
		return noderecord.Record{}, err
	}
	if _, err := wtx.linkNew(&root, pos, anchorKey, 1+root.DescendantCount); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.pageTx.CreateEntry(root); err != nil {
		return noderecord.Record{}, err
	}
	if err := wtx.walkSubtreeNotify(root, indexhook.ChangeInsert); err != nil {
		return noderecord.Record{}, err
	}
	if wtx.opts.Hash == HashRolling {
		if err := wtx.adaptHashesWithAdd(root.NodeKey); err != nil {
			return noderecord.Record{}, err
		}
	}
	wtx.MoveTo(root.NodeKey)
	return root, nil
}

// copySubtreeNodes recursively copies srcRec and its structural children
// under freshly allocated keys, writing every node but the root (which
// the caller links into the destination tree once the position is
// known). newParentKey is the destination parent already written, or
// NullNodeKey for the root itself.
func (wtx *NodeWriteTransaction) copySubtreeNodes(source *pagetrx.PageReadTransaction, srcRec noderecord.Record, newParentKey int64) (noderecord.Record, error) {
	rec := srcRec
	rec.NodeKey = wtx.pageTx.AllocateNodeKey()
	rec.ParentKey = newParentKey
	rec.FirstChildKey = noderecord.NullNodeKey
	rec.LeftSiblingKey = noderecord.NullNodeKey
	rec.RightSiblingKey = noderecord.NullNodeKey
	rec.ChildCount = 0
	rec.DescendantCount = 0
	rec.Attributes = nil
	rec.Namespaces = nil
	rec.DeweyID = nil

	parentPathKey := pathsummary.NullPathNodeKey
	if newParentKey != noderecord.NullNodeKey {
		if p, ok, perr := wtx.pageTx.Record(newParentKey); perr == nil && ok {
			parentPathKey = p.PathNodeKey
		}
	}
	if rec.Kind.HasName() {
		name, err := wtx.reinternName(source, srcRec)
		if err != nil {
			return noderecord.Record{}, err
		}
		rec.Name = name
		rec.PathNodeKey = wtx.ps.Insert(parentPathKey, rec.Kind, name)
	} else {
		rec.PathNodeKey = pathsummary.NullPathNodeKey
	}

	if rec.Kind == noderecord.KindElement {
		for _, ak := range srcRec.Attributes {
			if a, ok, aerr := source.Record(ak); aerr == nil && ok {
				copied, err := wtx.copyLeaf(source, a, rec.NodeKey)
				if err != nil {
					return noderecord.Record{}, err
				}
				rec.Attributes = append(rec.Attributes, copied.NodeKey)
			}
		}
		for _, nk := range srcRec.Namespaces {
			if n, ok, nerr := source.Record(nk); nerr == nil && ok {
				copied, err := wtx.copyLeaf(source, n, rec.NodeKey)
				if err != nil {
					return noderecord.Record{}, err
				}
				rec.Namespaces = append(rec.Namespaces, copied.NodeKey)
			}
		}
	}

	if srcRec.Kind.IsStructural() {
		var lastKey int64 = noderecord.NullNodeKey
		childKey := srcRec.FirstChildKey
		for childKey != noderecord.NullNodeKey {
			srcChild, ok, err := source.Record(childKey)
			if err != nil {
				return noderecord.Record{}, err
			}
			if !ok {
				break
			}
			childCopy, err := wtx.copySubtreeNodes(source, srcChild, rec.NodeKey)
			if err != nil {
				return noderecord.Record{}, err
			}

			childCopy.LeftSiblingKey = lastKey
			if lastKey == noderecord.NullNodeKey {
				rec.FirstChildKey = childCopy.NodeKey
			} else {
				prev, err := wtx.pageTx.PrepareRecordForModification(lastKey)
				if err != nil {
					return noderecord.Record{}, err
				}
				prev.RightSiblingKey = childCopy.NodeKey
				if err := wtx.pageTx.CreateEntry(prev); err != nil {
					return noderecord.Record{}, err
				}
			}
			if err := wtx.pageTx.CreateEntry(childCopy); err != nil {
				return noderecord.Record{}, err
			}

			rec.ChildCount++
			rec.DescendantCount += 1 + childCopy.DescendantCount
			lastKey = childCopy.NodeKey
			childKey = srcChild.RightSiblingKey
		}
	}

	return rec, nil
}

func (wtx *NodeWriteTransaction) copyLeaf(source *pagetrx.PageReadTransaction, srcRec noderecord.Record, newParentKey int64) (noderecord.Record, error) {
	rec := srcRec
	rec.NodeKey = wtx.pageTx.AllocateNodeKey()
	rec.ParentKey = newParentKey

	name, err := wtx.reinternName(source, srcRec)
	if err != nil {
		return noderecord.Record{}, err
	}
	rec.Name = name

	parentPathKey := pathsummary.NullPathNodeKey
	if p, ok, perr := wtx.pageTx.Record(newParentKey); perr == nil && ok {
		parentPathKey = p.PathNodeKey
	}
	rec.PathNodeKey = wtx.ps.Insert(parentPathKey, rec.Kind, name)

	if err := wtx.pageTx.CreateEntry(rec); err != nil {
		return noderecord.Record{}, err
	}
	return rec, nil
}

// reinternName resolves srcRec's name through source's NamePage and
// re-interns it in this transaction's, since a name key is only valid
// within the revision that assigned it.
func (wtx *NodeWriteTransaction) reinternName(source *pagetrx.PageReadTransaction, srcRec noderecord.Record) (noderecord.QName, error) {
	prefix, uri := "", ""
	if srcRec.Name.PrefixKey >= 0 {
		if s, ok, err := source.Name(byte(srcRec.Kind), srcRec.Name.PrefixKey); err == nil && ok {
			prefix = s
		}
	}
	if srcRec.Name.URIKey >= 0 {
		if s, ok, err := source.Name(byte(srcRec.Kind), srcRec.Name.URIKey); err == nil && ok {
			uri = s
		}
	}
	local := ""
	if s, ok, err := source.Name(byte(srcRec.Kind), srcRec.Name.LocalNameKey); err == nil && ok {
		local = s
	}
	return wtx.internName(srcRec.Kind, prefix, local, uri)
}

// ReplaceWithSubtreeCopy removes the current node and inserts a deep
// copy of source's fromKey subtree in its place, preserving sibling
// order.
func (wtx *NodeWriteTransaction) ReplaceWithSubtreeCopy(source *pagetrx.PageReadTransaction, fromKey int64) (noderecord.Record, error) {
	wtx.lock.Lock()
	defer wtx.lock.Unlock()
	if err := wtx.checkAccessAndCommit(); err != nil {
		return noderecord.Record{}, err
	}

	target := wtx.CurrentKey()
	if target == noderecord.DocumentNodeKey {
		return noderecord.Record{}, fmt.Errorf("nodetrx: %w: cannot replace the document root", ErrUsage)
	}
	rec, err := wtx.fetch(target)
	if err != nil {
		return noderecord.Record{}, err
	}
	leftKey := rec.LeftSiblingKey
	parentKey := rec.ParentKey

	if err := wtx.removeAt(target); err != nil {
		return noderecord.Record{}, err
	}

	if leftKey != noderecord.NullNodeKey {
		wtx.MoveTo(leftKey)
		return wtx.copySubtree(source, fromKey, posRightSibling, leftKey)
	}
	wtx.MoveTo(parentKey)
	return wtx.copySubtree(source, fromKey, posFirstChild, parentKey)
}

// removeAt is Remove's body addressed at an explicit key instead of the
// cursor position, used by ReplaceWithSubtreeCopy which must remove the
// old node without the checkAccessAndCommit/lock steps running twice.
func (wtx *NodeWriteTransaction) removeAt(key int64) error {
	wtx.MoveTo(key)
	rec, err := wtx.fetch(key)
	if err != nil {
		return err
	}

	parentKey := rec.ParentKey
	leftKey := rec.LeftSiblingKey
	rightKey := rec.RightSiblingKey

	if leftKey != noderecord.NullNodeKey {
		left, err := wtx.pageTx.PrepareRecordForModification(leftKey)
		if err != nil {
			return err
		}
		left.RightSiblingKey = rightKey
		if err := wtx.pageTx.CreateEntry(left); err != nil {
			return err
		}
	} else {
		parent, err := wtx.pageTx.PrepareRecordForModification(parentKey)
		if err != nil {
			return err
		}
		parent.FirstChildKey = rightKey
		if err := wtx.pageTx.CreateEntry(parent); err != nil {
			return err
		}
	}
	if rightKey != noderecord.NullNodeKey {
		right, err := wtx.pageTx.PrepareRecordForModification(rightKey)
		if err != nil {
			return err
		}
		right.LeftSiblingKey = leftKey
		if err := wtx.pageTx.CreateEntry(right); err != nil {
			return err
		}
	}

	removedCount := int64(1) + rec.DescendantCount
	if err := wtx.bumpChildCount(parentKey, -1); err != nil {
		return err
	}
	if err := wtx.bumpDescendants(parentKey, -removedCount); err != nil {
		return err
	}
	if err := wtx.tombstoneSubtree(rec); err != nil {
		return err
	}
	if err := wtx.listeners.NotifyChange(indexhook.ChangeRemove, rec, rec.PathNodeKey); err != nil {
		return err
	}
	if wtx.opts.Hash == HashRolling {
		if err := wtx.adaptHashesWithRemove(parentKey); err != nil {
			return err
		}
	}
	return nil
}
