// pkg/storage/file.go
package storage

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/cespare/xxhash"

	"nodetree/internal/varint"
)

// superblock layout within block 0 of the data file: a fixed header the
// rest of the block tree never touches.
const (
	sbMagicOffset   = 0
	sbHasUberOffset = 4
	sbUberKeyOffset = 5
	sbNextOffset    = 13
	sbReserved      = 21 // bytes consumed by the fields above
	sbMagic         = 0x6e64625f
)

// File is the concrete storage.Writer: a memory-mapped append-only data
// file, a write-ahead log for crash safety, and a bitset free-block list
// for reused record-page slots.
type File struct {
	mu sync.Mutex

	opts   Options
	region *mmapRegion
	wal    *walLog
	lockF  *os.File

	free     *bitset.BitSet // true = block in use
	nextFree uint // first block never yet allocated, i.e. the high-water mark
}

// Open opens or creates the data file, WAL, and lock file under dir.
func Open(dir string, opts Options) (*File, error) {
	opts = opts.withDefaults()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}

	lockPath := filepath.Join(dir, ".lock")
	lockF, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("storage: %w", err)
	}
	if err := lockFile(lockF); err != nil {
		lockF.Close()
		return nil, err
	}

	dataPath := filepath.Join(dir, "data.db")
	initialSize := int64(opts.BlockSize) * opts.InitialBlocks
	region, err := openMmapRegion(dataPath, initialSize)
	if err != nil {
		unlockFile(lockF)
		lockF.Close()
		return nil, fmt.Errorf("storage: %w: %w", ErrIO, err)
	}

	wal, err := openWAL(filepath.Join(dir, "wal.log"))
	if err != nil {
		region.Close()
		unlockFile(lockF)
		lockF.Close()
		return nil, fmt.Errorf("storage: %w: %w", ErrIO, err)
	}

	f := &File{
		opts:     opts,
		region:   region,
		wal:      wal,
		lockF:    lockF,
		free:     bitset.New(uint(region.Size() / int64(opts.BlockSize))),
		nextFree: 1, // block 0 is the superblock
	}
	f.free.Set(0)
	f.restoreAllocationState()

	if err := f.recover(); err != nil {
		f.Close()
		return nil, err
	}

	return f, nil
}

// restoreAllocationState reads the high-water mark left by a prior
// session's WriteUberPageRef and marks every block below it used. Blocks
// freed by a TruncateTo before the last clean close are not
// individually remembered, so a reopened store treats everything below
// the mark as live; only the in-process free list forgets freed gaps.
func (f *File) restoreAllocationState() {
	sb := f.region.Slice(0, int64(f.opts.BlockSize))
	if sb == nil || binary.BigEndian.Uint32(sb[sbMagicOffset:sbMagicOffset+4]) != sbMagic {
		return
	}
	next := uint(binary.BigEndian.Uint64(sb[sbNextOffset : sbNextOffset+8]))
	if next < 1 {
		next = 1
	}
	for b := uint(0); b < next; b++ {
		f.free.Set(b)
	}
	f.nextFree = next
}

// recover replays any WAL frames left over from a crash, applies them to
// the mapped region, and checkpoints the log.
func (f *File) recover() error {
	frames, err := f.wal.Replay()
	if err != nil {
		return fmt.Errorf("storage: %w: %w", ErrIO, err)
	}
	for _, fr := range frames {
		if err := f.applyFrame(fr); err != nil {
			return err
		}
	}
	if len(frames) > 0 {
		if err := f.region.Sync(); err != nil {
			return fmt.Errorf("storage: %w: %w", ErrIO, err)
		}
	}
	return f.wal.Checkpoint()
}

func (f *File) applyFrame(fr walFrame) error {
	end := fr.offset + int64(len(fr.payload))
	if err := f.region.Grow(growTo(end, int64(f.opts.BlockSize))); err != nil {
		return fmt.Errorf("storage: %w: %w", ErrIO, err)
	}
	copy(f.region.data[fr.offset:end], fr.payload)
	f.markRange(fr.offset, end)
	return nil
}

func growTo(minSize, blockSize int64) int64 {
	blocks := (minSize + blockSize - 1) / blockSize
	return blocks * blockSize
}

func (f *File) blockCount(byteLen int) uint {
	return uint((byteLen + f.opts.BlockSize - 1) / f.opts.BlockSize)
}

func (f *File) markRange(start, end int64) {
	first := uint(start / int64(f.opts.BlockSize))
	last := uint((end - 1) / int64(f.opts.BlockSize))
	for b := first; b <= last; b++ {
		f.free.Set(b)
		if b+1 > f.nextFree {
			f.nextFree = b + 1
		}
	}
}

// allocate finds n contiguous free blocks, preferring a reused gap over
// growing the file, and marks them used.
func (f *File) allocate(n uint) uint {
	if n == 0 {
		n = 1
	}
	run := uint(0)
	start := uint(0)
	for b := uint(0); b < f.nextFree; b++ {
		if !f.free.Test(b) {
			if run == 0 {
				start = b
			}
			run++
			if run == n {
				for i := uint(0); i < n; i++ {
					f.free.Set(start + i)
				}
				return start
			}
		} else {
			run = 0
		}
	}
	first := f.nextFree
	for i := uint(0); i < n; i++ {
		f.free.Set(first + i)
	}
	f.nextFree = first + n
	return first
}

// ReadPage implements Reader.
func (f *File) ReadPage(storageKey int64) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	off := storageKey
	if off < 0 || off+17 > f.region.Size() {
		return nil, ErrNotFound
	}
	lenBuf := f.region.Slice(off, 17)
	if lenBuf == nil {
		return nil, ErrNotFound
	}
	length, n := varint.GetVarint(lenBuf)
	wantSum := binary.BigEndian.Uint64(lenBuf[n : n+8])

	bodyStart := off + int64(n) + 8
	body := f.region.Slice(bodyStart, int64(length))
	if body == nil {
		return nil, ErrNotFound
	}
	if xxhash.Sum64(body) != wantSum {
		return nil, fmt.Errorf("storage: %w", ErrCorrupt)
	}

	out := make([]byte, length)
	copy(out, body)
	return out, nil
}

// WritePage implements Writer.
func (f *File) WritePage(data []byte) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	lenHdr := make([]byte, 17)
	n := varint.PutVarint(lenHdr, uint64(len(data)))
	binary.BigEndian.PutUint64(lenHdr[n:n+8], xxhash.Sum64(data))
	frame := append(lenHdr[:n+8], data...)

	blocks := f.blockCount(len(frame))
	firstBlock := f.allocate(blocks)
	offset := int64(firstBlock) * int64(f.opts.BlockSize)

	if err := f.wal.Append(offset, frame, false); err != nil {
		return 0, fmt.Errorf("storage: %w: %w", ErrIO, err)
	}
	if err := f.applyFrame(walFrame{offset: offset, payload: frame}); err != nil {
		return 0, err
	}

	return offset, nil
}

// ReadUberPageRef implements Reader.
func (f *File) ReadUberPageRef() (int64, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sb := f.region.Slice(0, int64(f.opts.BlockSize))
	if sb == nil || binary.BigEndian.Uint32(sb[sbMagicOffset:sbMagicOffset+4]) != sbMagic {
		return 0, false, nil
	}
	hasUber := sb[sbHasUberOffset] != 0
	if !hasUber {
		return 0, false, nil
	}
	key := int64(binary.BigEndian.Uint64(sb[sbUberKeyOffset : sbUberKeyOffset+8]))
	return key, true, nil
}

// WriteUberPageRef implements Writer: the last step of a commit,
// published through the WAL so a crash here either leaves the previous
// uber page intact or the new one fully visible, never a mix.
func (f *File) WriteUberPageRef(storageKey int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	sb := make([]byte, f.opts.BlockSize)
	binary.BigEndian.PutUint32(sb[sbMagicOffset:sbMagicOffset+4], sbMagic)
	sb[sbHasUberOffset] = 1
	binary.BigEndian.PutUint64(sb[sbUberKeyOffset:sbUberKeyOffset+8], uint64(storageKey))
	binary.BigEndian.PutUint64(sb[sbNextOffset:sbNextOffset+8], uint64(f.nextFree))

	if err := f.wal.Append(0, sb, true); err != nil {
		return fmt.Errorf("storage: %w: %w", ErrIO, err)
	}
	if err := f.applyFrame(walFrame{offset: 0, payload: sb, commit: true}); err != nil {
		return err
	}
	if err := f.region.Sync(); err != nil {
		return fmt.Errorf("storage: %w: %w", ErrIO, err)
	}
	return f.wal.Checkpoint()
}

// TruncateTo releases every block at or after storageKey back to the
// free list, so later WritePage calls reuse those blocks.
func (f *File) TruncateTo(storageKey int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	first := uint(storageKey / int64(f.opts.BlockSize))
	for b := first; b < f.nextFree; b++ {
		f.free.Clear(b)
	}
	if first < f.nextFree {
		f.nextFree = first
	}
	return nil
}

// Sync flushes the mapped region to disk; WAL frames are already fsynced
// by each append.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.region.Sync()
}

// Close releases the advisory lock and closes the WAL and data file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	if err := f.wal.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := f.region.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if f.lockF != nil {
		unlockFile(f.lockF)
		if err := f.lockF.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
