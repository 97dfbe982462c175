// Package storage implements the durable backing store for the page
// tree: a memory-mapped, append-oriented data file fronted by a
// write-ahead log, with a bitset-tracked free-block list for reused
// record-page slots.
package storage

import "errors"

// ErrIO wraps any failure from the underlying storage read/write path. A
// transaction that sees ErrIO is left consistent: its page log is simply
// discarded on the next abort.
var ErrIO = errors.New("storage: I/O failure")

// ErrNotFound is returned by ReadPage for a storage key that was never
// written, or that TruncateTo has since discarded.
var ErrNotFound = errors.New("storage: page not found")

// ErrCorrupt is returned when a page's stored checksum does not match
// its body -- a torn write or a truncated file.
var ErrCorrupt = errors.New("storage: checksum mismatch")

// ErrResourceLocked is returned when Open fails to acquire the exclusive
// advisory lock because another process already holds it.
var ErrResourceLocked = errors.New("storage: resource locked by another process")

// Reader is the read-only half of the storage adapter.
type Reader interface {
	// ReadPage returns the raw serialised bytes previously returned by a
	// matching WritePage call.
	ReadPage(storageKey int64) ([]byte, error)

	// ReadUberPageRef returns the storage key of the most recently
	// committed UberPage, or ok=false on a freshly bootstrapped store.
	ReadUberPageRef() (storageKey int64, ok bool, err error)

	Close() error
}

// Writer extends Reader with the mutating half used by a commit.
type Writer interface {
	Reader

	// WritePage durably allocates space for data and returns its storage key.
	WritePage(data []byte) (storageKey int64, err error)

	// WriteUberPageRef records storageKey as the new committed UberPage
	// location; this is the final step of a commit.
	WriteUberPageRef(storageKey int64) error

	// TruncateTo releases every block at or after storageKey back to the
	// free list, so later WritePage calls reuse those blocks.
	TruncateTo(storageKey int64) error

	// Sync flushes the mapped data region to disk.
	Sync() error
}

// Options configures a File.
type Options struct {
	// BlockSize is the allocation granularity for the free-block bitmap.
	// Record pages larger than one block span contiguous blocks.
	BlockSize int

	// InitialBlocks is the number of blocks to reserve on first create.
	InitialBlocks int64

	// Compressed, when true, is informational only: callers (package
	// nodetrx, through pages.Compress) decide per-value whether to
	// zstd-compress a body; storage
	// persists whatever bytes it is handed.
	Compressed bool
}

func (o Options) withDefaults() Options {
	if o.BlockSize <= 0 {
		o.BlockSize = 4096
	}
	if o.InitialBlocks <= 0 {
		o.InitialBlocks = 256
	}
	return o
}
