package nodetrx

import "nodetree/pkg/pages"

// compress is the single call site nodetrx uses to reach the shared
// zstd pool pages.go already wires in for RecordPage payloads, so a
// large value written through a NodeWriteTransaction is compressed with
// the same codec a read transaction will later decompress with.
func compress(value []byte) []byte { return pages.Compress(value) }

func decompress(value []byte) ([]byte, error) { return pages.Decompress(value) }

// Value returns the current node's value, transparently decompressing
// it if it was stored compressed.
func (tx *NodeReadTransaction) Value() ([]byte, error) {
	rec, ok := tx.GetRecord()
	if !ok {
		return nil, ErrNotFound
	}
	if !rec.Compressed {
		return rec.Value, nil
	}
	return pages.Decompress(rec.Value)
}
