// pkg/storage/wal.go
//
// walLog implements a write-ahead log of pending block writes: every
// WritePage first appends a frame here before the mmap'd data file is
// touched, so a crash mid-write leaves the data file exactly as it was
// and the next open can replay or discard the frames.
//
// # WAL FILE FORMAT
//
// A 16-byte header (magic, version, zero padding) followed by zero or more
// frames. Each frame is a 24-byte header followed by its payload:
//
//	0-7:   block offset (byte offset into the data file)
//	8-15:  payload length
//	16-19: xxhash checksum of the payload (low 32 bits)
//	20-23: flags (bit 0 = commit frame)
package storage

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/cespare/xxhash"
)

const (
	walMagic      = 0x6e6f6465 // "node"
	walHeaderSize = 16
	walFrameHdr   = 24

	flagCommit = 1 << 0
)

var errWALCorrupt = errors.New("storage: WAL frame corrupt")

type walFrame struct {
	offset  int64
	payload []byte
	commit  bool
}

type walLog struct {
	f *os.File
}

func openWAL(path string) (*walLog, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	stat, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if stat.Size() == 0 {
		hdr := make([]byte, walHeaderSize)
		binary.BigEndian.PutUint32(hdr[0:4], walMagic)
		binary.BigEndian.PutUint32(hdr[4:8], 1)
		if _, err := f.WriteAt(hdr, 0); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &walLog{f: f}, nil
}

// Append writes one frame and returns once it is durable on disk.
func (w *walLog) Append(offset int64, payload []byte, commit bool) error {
	stat, err := w.f.Stat()
	if err != nil {
		return err
	}

	hdr := make([]byte, walFrameHdr)
	binary.BigEndian.PutUint64(hdr[0:8], uint64(offset))
	binary.BigEndian.PutUint64(hdr[8:16], uint64(len(payload)))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(xxhash.Sum64(payload)))
	var flags uint32
	if commit {
		flags |= flagCommit
	}
	binary.BigEndian.PutUint32(hdr[20:24], flags)

	at := stat.Size()
	if _, err := w.f.WriteAt(hdr, at); err != nil {
		return err
	}
	if _, err := w.f.WriteAt(payload, at+walFrameHdr); err != nil {
		return err
	}
	return w.f.Sync()
}

// Replay reads every well-formed frame in order. A frame whose checksum
// fails to verify (a torn write from a crash mid-append) truncates the
// replay there -- everything after it is assumed never to have been
// fsynced and is discarded, matching the "delete on abort, leave absent
// on success" durability protocol.
func (w *walLog) Replay() ([]walFrame, error) {
	if _, err := w.f.Seek(walHeaderSize, io.SeekStart); err != nil {
		return nil, err
	}

	var frames []walFrame
	hdr := make([]byte, walFrameHdr)
	for {
		if _, err := io.ReadFull(w.f, hdr); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return nil, err
		}
		offset := int64(binary.BigEndian.Uint64(hdr[0:8]))
		length := binary.BigEndian.Uint64(hdr[8:16])
		wantSum := binary.BigEndian.Uint32(hdr[16:20])
		flags := binary.BigEndian.Uint32(hdr[20:24])

		payload := make([]byte, length)
		if _, err := io.ReadFull(w.f, payload); err != nil {
			break
		}
		if uint32(xxhash.Sum64(payload)) != wantSum {
			break
		}
		frames = append(frames, walFrame{offset: offset, payload: payload, commit: flags&flagCommit != 0})
	}
	return frames, nil
}

// Checkpoint truncates the log back to an empty header once every frame
// has been applied to the mmap'd data file and synced.
func (w *walLog) Checkpoint() error {
	if err := w.f.Truncate(walHeaderSize); err != nil {
		return err
	}
	return w.f.Sync()
}

func (w *walLog) Close() error {
	return w.f.Close()
}
