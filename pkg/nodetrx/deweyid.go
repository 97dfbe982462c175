package nodetrx

import (
	"nodetree/internal/varint"
	"nodetree/pkg/noderecord"
)

// assignDeweyID recomputes nodeKey's Dewey ID: the varint-encoded
// sequence of sibling ranks from the document root down to nodeKey,
// read left to right. Comparing two IDs level by level (see Compare)
// reproduces document order without consulting the page tree, which is
// what a Dewey ID is for.
//
// This recomputes the label from scratch on every assignment rather
// than implementing SirixDeweyID's fractional divisor allocation, which
// lets a later insertion slot a label in between two existing ones
// without renumbering anything to its right. Since Dewey IDs are an
// optional, off-by-default feature here, the simpler fixed scheme is a
// deliberate trade: an application that turns them on accepts that a
// later InsertAs*Sibling call can shift a sibling's label, whereas a
// fractional scheme would not need to.
func (wtx *NodeWriteTransaction) assignDeweyID(nodeKey int64) error {
	ranks, err := wtx.siblingRankPath(nodeKey)
	if err != nil {
		return err
	}
	rec, err := wtx.pageTx.PrepareRecordForModification(nodeKey)
	if err != nil {
		return err
	}
	rec.DeweyID = encodeDeweyID(ranks)
	return wtx.pageTx.CreateEntry(rec)
}

// siblingRankPath walks from nodeKey to the document root, recording at
// each level the 0-based count of left siblings, then reverses the
// result into root-to-node order.
func (wtx *NodeWriteTransaction) siblingRankPath(nodeKey int64) ([]int64, error) {
	var ranks []int64
	key := nodeKey
	for {
		rec, err := wtx.fetch(key)
		if err != nil {
			return nil, err
		}
		var rank int64
		sib := rec.LeftSiblingKey
		for sib != noderecord.NullNodeKey {
			left, err := wtx.fetch(sib)
			if err != nil {
				return nil, err
			}
			rank++
			sib = left.LeftSiblingKey
		}
		ranks = append(ranks, rank)
		if !rec.HasParent() {
			break
		}
		key = rec.ParentKey
	}
	for i, j := 0, len(ranks)-1; i < j; i, j = i+1, j-1 {
		ranks[i], ranks[j] = ranks[j], ranks[i]
	}
	return ranks, nil
}

func encodeDeweyID(ranks []int64) []byte {
	var buf []byte
	for _, r := range ranks {
		tmp := make([]byte, varint.Len(uint64(r)))
		varint.PutVarint(tmp, uint64(r))
		buf = append(buf, tmp...)
	}
	return buf
}

func decodeDeweyID(buf []byte) []int64 {
	var ranks []int64
	off := 0
	for off < len(buf) {
		v, n := varint.GetVarint(buf[off:])
		if n == 0 {
			break
		}
		ranks = append(ranks, int64(v))
		off += n
	}
	return ranks
}

// CompareDeweyIDs reports whether a sorts before, equal to, or after b
// in document order, comparing decoded rank sequences level by level: a
// strict prefix of the other (an ancestor's ID against a descendant's)
// sorts first, matching the document-order convention that a parent
// precedes its children.
func CompareDeweyIDs(a, b []byte) int {
	ra, rb := decodeDeweyID(a), decodeDeweyID(b)
	for i := 0; i < len(ra) && i < len(rb); i++ {
		if ra[i] != rb[i] {
			if ra[i] < rb[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(ra) < len(rb):
		return -1
	case len(ra) > len(rb):
		return 1
	default:
		return 0
	}
}
