package pagetrx

import (
	"fmt"

	"nodetree/internal/varint"
	"nodetree/pkg/noderecord"
)

// recordCodec implements pages.RecordCodec[noderecord.Record], the wire
// format for one slot of the node tree's record pages.
type recordCodec struct{}

func (recordCodec) Encode(r noderecord.Record) ([]byte, error) {
	var buf []byte
	buf = appendVarint(buf, uint64(r.NodeKey))
	buf = append(buf, byte(r.Kind))
	buf = appendSignedVarint(buf, r.ParentKey)
	buf = appendVarint(buf, uint64(uint32(r.TypeKey)))
	buf = appendVarint(buf, r.Hash)
	buf = appendBytes(buf, r.DeweyID)
	buf = appendSignedVarint(buf, r.FirstChildKey)
	buf = appendSignedVarint(buf, r.LeftSiblingKey)
	buf = appendSignedVarint(buf, r.RightSiblingKey)
	buf = appendVarint(buf, uint64(r.ChildCount))
	buf = appendVarint(buf, uint64(r.DescendantCount))
	buf = appendVarint(buf, uint64(uint32(r.Name.PrefixKey)))
	buf = appendVarint(buf, uint64(uint32(r.Name.LocalNameKey)))
	buf = appendVarint(buf, uint64(uint32(r.Name.URIKey)))
	buf = appendSignedVarint(buf, r.PathNodeKey)
	buf = appendBytes(buf, r.Value)
	if r.Compressed {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendInt64Slice(buf, r.Attributes)
	buf = appendInt64Slice(buf, r.Namespaces)
	return buf, nil
}

func (recordCodec) Decode(buf []byte) (noderecord.Record, error) {
	var r noderecord.Record
	off := 0

	nodeKey, n, err := readVarint(buf, off)
	if err != nil {
		return r, err
	}
	off = n
	if off >= len(buf) {
		return r, fmt.Errorf("pagetrx: truncated record kind")
	}
	kind := noderecord.NodeKind(buf[off])
	off++

	parentKey, off, err := readSignedVarintAt(buf, off)
	if err != nil {
		return r, err
	}
	typeKey, off, err := readVarintAt(buf, off)
	if err != nil {
		return r, err
	}
	hash, off, err := readVarintAt(buf, off)
	if err != nil {
		return r, err
	}
	deweyID, off, err := readBytesAt(buf, off)
	if err != nil {
		return r, err
	}
	firstChild, off, err := readSignedVarintAt(buf, off)
	if err != nil {
		return r, err
	}
	leftSibling, off, err := readSignedVarintAt(buf, off)
	if err != nil {
		return r, err
	}
	rightSibling, off, err := readSignedVarintAt(buf, off)
	if err != nil {
		return r, err
	}
	childCount, off, err := readVarintAt(buf, off)
	if err != nil {
		return r, err
	}
	descendantCount, off, err := readVarintAt(buf, off)
	if err != nil {
		return r, err
	}
	prefix, off, err := readVarintAt(buf, off)
	if err != nil {
		return r, err
	}
	local, off, err := readVarintAt(buf, off)
	if err != nil {
		return r, err
	}
	uri, off, err := readVarintAt(buf, off)
	if err != nil {
		return r, err
	}
	pathNodeKey, off, err := readSignedVarintAt(buf, off)
	if err != nil {
		return r, err
	}
	value, off, err := readBytesAt(buf, off)
	if err != nil {
		return r, err
	}
	if off >= len(buf) {
		return r, fmt.Errorf("pagetrx: truncated record compressed flag")
	}
	compressed := buf[off] != 0
	off++
	attributes, off, err := readInt64SliceAt(buf, off)
	if err != nil {
		return r, err
	}
	namespaces, _, err := readInt64SliceAt(buf, off)
	if err != nil {
		return r, err
	}

	r = noderecord.Record{
		NodeKey:         int64(nodeKey),
		Kind:            kind,
		ParentKey:       parentKey,
		TypeKey:         int32(uint32(typeKey)),
		Hash:            hash,
		DeweyID:         deweyID,
		FirstChildKey:   firstChild,
		LeftSiblingKey:  leftSibling,
		RightSiblingKey: rightSibling,
		ChildCount:      int64(childCount),
		DescendantCount: int64(descendantCount),
		Name: noderecord.QName{
			PrefixKey:    int32(uint32(prefix)),
			LocalNameKey: int32(uint32(local)),
			URIKey:       int32(uint32(uri)),
		},
		PathNodeKey: pathNodeKey,
		Value:       value,
		Compressed:  compressed,
		Attributes:  attributes,
		Namespaces:  namespaces,
	}
	return r, nil
}

func appendVarint(buf []byte, v uint64) []byte {
	tmp := make([]byte, varint.Len(v))
	varint.PutVarint(tmp, v)
	return append(buf, tmp...)
}

// appendSignedVarint zigzag-encodes a link field, most of which carry
// noderecord.NullNodeKey (-1) when absent.
func appendSignedVarint(buf []byte, v int64) []byte {
	return appendVarint(buf, uint64((v<<1)^(v>>63)))
}

func appendBytes(buf []byte, b []byte) []byte {
	buf = appendVarint(buf, uint64(len(b)))
	return append(buf, b...)
}

func appendInt64Slice(buf []byte, vs []int64) []byte {
	buf = appendVarint(buf, uint64(len(vs)))
	for _, v := range vs {
		buf = appendSignedVarint(buf, v)
	}
	return buf
}

func readVarint(buf []byte, off int) (uint64, int, error) {
	if off >= len(buf) {
		return 0, off, fmt.Errorf("pagetrx: truncated varint")
	}
	v, n := varint.GetVarint(buf[off:])
	return v, off + n, nil
}

func readVarintAt(buf []byte, off int) (uint64, int, error) {
	v, next, err := readVarint(buf, off)
	return v, next, err
}

func readSignedVarintAt(buf []byte, off int) (int64, int, error) {
	u, next, err := readVarint(buf, off)
	if err != nil {
		return 0, off, err
	}
	return int64(u>>1) ^ -int64(u&1), next, nil
}

func readBytesAt(buf []byte, off int) ([]byte, int, error) {
	ln, off, err := readVarintAt(buf, off)
	if err != nil {
		return nil, off, err
	}
	if off+int(ln) > len(buf) {
		return nil, off, fmt.Errorf("pagetrx: truncated byte field")
	}
	if ln == 0 {
		return nil, off, nil
	}
	out := make([]byte, ln)
	copy(out, buf[off:off+int(ln)])
	return out, off + int(ln), nil
}

func readInt64SliceAt(buf []byte, off int) ([]int64, int, error) {
	count, off, err := readVarintAt(buf, off)
	if err != nil {
		return nil, off, err
	}
	if count == 0 {
		return nil, off, nil
	}
	out := make([]int64, count)
	for i := range out {
		v, next, err := readSignedVarintAt(buf, off)
		if err != nil {
			return nil, off, err
		}
		out[i] = v
		off = next
	}
	return out, off, nil
}
