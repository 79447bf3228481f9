// Package runner drives the check+fix pass over a romset one game at a
// time. It keeps the teacher's worker.Progress bookkeeping (total/so-far
// counts, a ring buffer of recently-touched names, cooperative Stop) from
// worker/progress.go, but drops worker.Master/worker.Work's goroutine pool:
// spec.md §5 requires the mutation-carrying check+fix pass to run on a
// single goroutine, since fixing one game can read from an archive another
// game's fix just wrote into, an ordering worker pools don't guarantee.
package runner

import (
	"container/ring"
	"sync"
)

// Progress tracks how far a Drive call has gotten, safe for concurrent
// reads from a status-reporting goroutine while Drive itself stays
// single-threaded.
type Progress struct {
	mu sync.Mutex

	TotalGames int32
	GamesSoFar int32
	ErrorGames int32

	recent  *ring.Ring
	stopped bool
}

// NewProgress allocates a Progress that remembers the last n games
// touched, the same ring-buffer "recently seen" window worker/progress.go
// keeps for its status line.
func NewProgress(n int) *Progress {
	if n <= 0 {
		n = 1
	}
	return &Progress{recent: ring.New(n)}
}

func (p *Progress) SetTotal(n int32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TotalGames = n
}

func (p *Progress) advance(name string, erred bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GamesSoFar++
	if erred {
		p.ErrorGames++
	}
	p.recent.Value = name
	p.recent = p.recent.Next()
}

// Stop requests cooperative cancellation; Drive checks Stopped() between
// games and returns early, leaving any already-committed fixes in place.
func (p *Progress) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
}

func (p *Progress) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

// Snapshot is a point-in-time copy of Progress safe to hand to a reporting
// goroutine (e.g. a SIGINFO handler) without racing Drive's writes.
type Snapshot struct {
	TotalGames, GamesSoFar, ErrorGames int32
	RecentGames                       []string
}

func (p *Progress) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Snapshot{TotalGames: p.TotalGames, GamesSoFar: p.GamesSoFar, ErrorGames: p.ErrorGames}
	p.recent.Do(func(v interface{}) {
		if v == nil {
			return
		}
		if name, ok := v.(string); ok && name != "" {
			s.RecentGames = append(s.RecentGames, name)
		}
	})
	return s
}

// GameFunc processes one game by name, returning an error if that game's
// check/fix failed outright (as opposed to simply being reported missing,
// which is a normal Result, not a Go error).
type GameFunc func(name string) error

// Drive calls fn for each name in order, on the calling goroutine, updating
// progress and stopping early if Stop was requested. It returns the first
// error encountered; per-game errors don't normally abort the whole run —
// callers that want that behavior should return the error from fn only for
// conditions that make continuing pointless (e.g. the catalog itself is
// unreadable).
func Drive(names []string, progress *Progress, fn GameFunc) error {
	if progress != nil {
		progress.SetTotal(int32(len(names)))
	}

	for _, name := range names {
		if progress != nil && progress.Stopped() {
			break
		}

		err := fn(name)
		if progress != nil {
			progress.advance(name, err != nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
