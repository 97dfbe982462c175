// Package versioning implements the policies that select which past
// revisions of a record page a read transaction must consult, and how
// their slots are combined into the full page visible at a revision.
package versioning

import (
	"errors"
	"fmt"

	"nodetree/pkg/pages"
)

// ErrVersioning is returned when a policy is handed malformed input,
// such as an empty revision list or pages out of declared order.
var ErrVersioning = errors.New("versioning: malformed input")

// Policy selects and combines record-page revisions.
type Policy interface {
	// RevisionsToRead returns, newest first, the revisions a reader must
	// fetch to reconstruct the page at currentRevision.
	RevisionsToRead(currentRevision int64, revsToRestore int) []int64

	// Name identifies the policy, used for diagnostics and resource config.
	Name() string
}

// Combine reconstructs a full record page from a set of per-revision
// pages already ordered newest first (the order RevisionsToRead
// declares). For every slot offset not yet filled, it takes the value
// from the current page; a tombstone marks the slot as explicitly
// absent and must not fall through to an older page.
func Combine[T any](orderedPages []*pages.RecordPage[T]) (*pages.RecordPage[T], error) {
	if len(orderedPages) == 0 {
		return nil, fmt.Errorf("versioning: %w: no pages to combine", ErrVersioning)
	}

	newest := orderedPages[0]
	full := pages.NewRecordPage[T](newest.PageKey, newest.Index, newest.Revision)

	filled := make(map[int]bool)
	for _, p := range orderedPages {
		if p == nil {
			return nil, fmt.Errorf("versioning: %w: nil page in combine order", ErrVersioning)
		}
		if p.PageKey != newest.PageKey || p.Index != newest.Index {
			return nil, fmt.Errorf("versioning: %w: page key/index mismatch across revisions", ErrVersioning)
		}
		for _, offset := range p.Offsets() {
			if filled[offset] {
				continue
			}
			slot, _ := p.Get(offset)
			filled[offset] = true
			if slot.Deleted {
				full.Tombstone(offset)
			} else {
				full.Set(offset, slot.Value)
			}
		}
	}

	return full, nil
}

// Full reads only the current revision: the record page already holds a
// complete snapshot, no overlay is needed.
type Full struct{}

func (Full) Name() string { return "FULL" }

func (Full) RevisionsToRead(currentRevision int64, revsToRestore int) []int64 {
	return []int64{currentRevision}
}

// Differential overlays the current (delta) page on top of the nearest
// full revision's page.
type Differential struct {
	// LastFullRevision is the most recent revision written under FULL.
	LastFullRevision int64
}

func (Differential) Name() string { return "DIFFERENTIAL" }

func (d Differential) RevisionsToRead(currentRevision int64, revsToRestore int) []int64 {
	if currentRevision == d.LastFullRevision {
		return []int64{currentRevision}
	}
	return []int64{currentRevision, d.LastFullRevision}
}

// Incremental overlays the last revsToRestore revisions, newest first,
// back to (and including) the nearest full revision.
type Incremental struct {
	LastFullRevision int64
}

func (Incremental) Name() string { return "INCREMENTAL" }

func (in Incremental) RevisionsToRead(currentRevision int64, revsToRestore int) []int64 {
	return incrementalChain(currentRevision, revsToRestore, in.LastFullRevision)
}

func incrementalChain(currentRevision int64, revsToRestore int, lastFull int64) []int64 {
	if revsToRestore <= 0 {
		revsToRestore = 1
	}
	revs := make([]int64, 0, revsToRestore)
	r := currentRevision
	for i := 0; i < revsToRestore && r >= lastFull; i++ {
		revs = append(revs, r)
		if r == lastFull {
			break
		}
		r--
	}
	return revs
}

// SlidingSnapshot behaves like Incremental, except a commit that fills a
// page to capacity (pages.NDPNodeCount slots) terminates the walk early:
// such a page is itself a complete snapshot and needs no older overlay.
type SlidingSnapshot struct {
	LastFullRevision int64

	// FullAt reports whether the record page committed at revision r is
	// itself a complete snapshot (all NDPNodeCount slots populated).
	FullAt func(revision int64) bool
}

func (SlidingSnapshot) Name() string { return "SLIDING_SNAPSHOT" }

func (s SlidingSnapshot) RevisionsToRead(currentRevision int64, revsToRestore int) []int64 {
	chain := incrementalChain(currentRevision, revsToRestore, s.LastFullRevision)
	if s.FullAt == nil {
		return chain
	}
	for i, r := range chain {
		if s.FullAt(r) {
			return chain[:i+1]
		}
	}
	return chain
}
