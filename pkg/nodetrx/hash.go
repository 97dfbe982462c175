package nodetrx

import (
	"encoding/binary"

	"github.com/cespare/xxhash"

	"nodetree/pkg/noderecord"
)

// localHash combines the fields of rec that are intrinsic to it (kind,
// key, name, value) into a single digest, independent of its position in
// the tree or its children.
func localHash(rec noderecord.Record) uint64 {
	buf := make([]byte, 0, 32+len(rec.Value))
	buf = append(buf, byte(rec.Kind))
	buf = appendUint64(buf, uint64(rec.NodeKey))
	buf = appendUint32(buf, uint32(rec.Name.LocalNameKey))
	buf = appendUint32(buf, uint32(rec.Name.PrefixKey))
	buf = appendUint32(buf, uint32(rec.Name.URIKey))
	buf = append(buf, rec.Value...)
	return xxhash.Sum64(buf)
}

func appendUint64(buf []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(buf, tmp[:]...)
}

func appendUint32(buf []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(buf, tmp[:]...)
}

// adaptHashesWithAdd recomputes the hash of nodeKey and every ancestor
// up to the document root: hash = localHash(node) + P*sum(childHashes).
// Recomputing from scratch at each touched level, rather than tracking
// a delta against the specific child that changed, keeps the mutation
// primitives simple at the cost of walking each ancestor's live children
// once per call -- acceptable since trees stay shallow relative to their
// breadth in the workloads this resource targets.
func (wtx *NodeWriteTransaction) adaptHashesWithAdd(nodeKey int64) error {
	key := nodeKey
	for key != noderecord.NullNodeKey {
		rec, err := wtx.pageTx.PrepareRecordForModification(key)
		if err != nil {
			return err
		}
		sum, err := wtx.childHashSum(rec)
		if err != nil {
			return err
		}
		rec.Hash = localHash(rec) + hashMultiplier*sum
		if err := wtx.pageTx.CreateEntry(rec); err != nil {
			return err
		}
		key = rec.ParentKey
	}
	return nil
}

// adaptHashesWithRemove recomputes ancestor hashes after a node was
// removed; parentKey is the (still-live) parent of the removed node.
func (wtx *NodeWriteTransaction) adaptHashesWithRemove(parentKey int64) error {
	return wtx.adaptHashesWithAdd(parentKey)
}

func (wtx *NodeWriteTransaction) childHashSum(rec noderecord.Record) (uint64, error) {
	if !rec.Kind.IsStructural() || !rec.HasFirstChild() {
		return 0, nil
	}
	var sum uint64
	childKey := rec.FirstChildKey
	for childKey != noderecord.NullNodeKey {
		child, ok, err := wtx.pageTx.Record(childKey)
		if err != nil {
			return 0, err
		}
		if !ok {
			break
		}
		sum += child.Hash
		childKey = child.RightSiblingKey
	}
	return sum, nil
}
