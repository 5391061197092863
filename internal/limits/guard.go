package limits

import "sync/atomic"

// Guard enforces the run-wide ceilings on retrieval attempts and stored
// images, and carries the dry-run flag. Retrieval attempts are reserved from
// the serial coordinator; image slots are taken concurrently by storage
// handlers, so both counters are atomics.
type Guard struct {
	maxStudies int64
	maxImages  int64
	dryRun     bool

	attempts atomic.Int64
	images   atomic.Int64
}

// NewGuard returns a guard with the given ceilings. A non-positive ceiling
// means unlimited.
func NewGuard(maxStudies, maxImages int, dryRun bool) *Guard {
	return &Guard{
		maxStudies: int64(maxStudies),
		maxImages:  int64(maxImages),
		dryRun:     dryRun,
	}
}

// IsDryRun reports whether retrieval and writes are suppressed for this run.
func (g *Guard) IsDryRun() bool { return g.dryRun }

// ReserveStudy consumes one retrieval-attempt slot. It reports false once
// the study ceiling is reached; the slot is never returned, a failed
// retrieval still counts as an attempt.
func (g *Guard) ReserveStudy() bool {
	if g.maxStudies <= 0 {
		g.attempts.Add(1)
		return true
	}
	for {
		cur := g.attempts.Load()
		if cur >= g.maxStudies {
			return false
		}
		if g.attempts.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// ReserveImage consumes one stored-image slot. It reports false once the
// image ceiling is reached, at which point new inbound stores must be
// refused.
func (g *Guard) ReserveImage() bool {
	if g.maxImages <= 0 {
		g.images.Add(1)
		return true
	}
	for {
		cur := g.images.Load()
		if cur >= g.maxImages {
			return false
		}
		if g.images.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// ReleaseImage returns an image slot after a store that was admitted but
// never produced a file.
func (g *Guard) ReleaseImage() {
	g.images.Add(-1)
}

// StudiesAttempted returns how many retrieval attempts were admitted.
func (g *Guard) StudiesAttempted() int64 { return g.attempts.Load() }

// ImagesStored returns how many image slots are held.
func (g *Guard) ImagesStored() int64 { return g.images.Load() }

// StudiesExhausted reports whether the study ceiling has been reached.
func (g *Guard) StudiesExhausted() bool {
	return g.maxStudies > 0 && g.attempts.Load() >= g.maxStudies
}

// ImagesExhausted reports whether the image ceiling has been reached.
func (g *Guard) ImagesExhausted() bool {
	return g.maxImages > 0 && g.images.Load() >= g.maxImages
}
