// Package admin is the administrative surface (spec §6): reset, info, and
// list operations a host exposes to its own management interface (a SQL
// function, an HTTP endpoint, a CLI) without ever touching entrytable or
// rdepend directly.
package admin

import (
	"fmt"
	"time"

	"github.com/wbrown/sharedplan"
	"github.com/wbrown/sharedplan/entrytable"
	"github.com/wbrown/sharedplan/fingerprint"
	"github.com/wbrown/sharedplan/shmem"
)

// Stats is the snapshot Info returns, mirroring the scalar counters spec
// §3's SharedState exposes plus the arena's allocation total.
type Stats struct {
	Enabled        bool
	Entries        int
	MaxEntries     int
	AllocedBytes   int64
	DeallocCount   int64
	CurMedianUsage float64
	StatsReset     time.Time
}

// Surface is the admin entry point, grounded on the teacher's
// storage.Database exposing a narrow set of operations over its
// internal maps rather than letting callers reach in directly.
type Surface struct {
	table *entrytable.Table
	arena shmem.Arena
	cfg   sharedplan.Config
}

// NewSurface returns an admin Surface over table, reporting cfg's static
// fields (Enabled, Max) alongside the table's and arena's live counters.
// It returns sharedplan.ErrMisconfigured (spec §7) if cfg is invalid or
// table is nil. A reset surface with no table behind it is exactly the
// "reset called outside shared memory setup" case spec §7 names.
func NewSurface(table *entrytable.Table, arena shmem.Arena, cfg sharedplan.Config) (*Surface, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if table == nil {
		return nil, fmt.Errorf("%w: table must be non-nil", sharedplan.ErrMisconfigured)
	}
	return &Surface{table: table, arena: arena, cfg: cfg}, nil
}

// Reset evicts every entry matching the given fields, treating a zero
// field as a wildcard — the same convention as the host's own
// reset-by-fields SQL function, which the admin surface stands in for.
// Reset(0, 0, 0) clears the whole table.
func (s *Surface) Reset(userID, databaseID, queryID uint64) int {
	return s.table.ResetMatching(func(k fingerprint.CacheKey) bool {
		if userID != 0 && k.UserID != userID {
			return false
		}
		if databaseID != 0 && k.DatabaseID != databaseID {
			return false
		}
		if queryID != 0 && k.QueryID != queryID {
			return false
		}
		return true
	})
}

// ResetExact removes exactly the entry named by key, the fast path spec
// §9's first Open Question asks about (decision recorded in DESIGN.md:
// expose it, since a fully-specified CacheKey cannot alias another
// entry).
func (s *Surface) ResetExact(key fingerprint.CacheKey) bool {
	return s.table.ResetExact(key)
}

// Info reports the table's current scalar state.
func (s *Surface) Info() Stats {
	state := s.table.State()
	var allocedBytes int64
	if s.arena != nil {
		allocedBytes = s.arena.AllocedSize()
	}
	return Stats{
		Enabled:        s.cfg.Enabled,
		Entries:        s.table.NumEntries(),
		MaxEntries:     s.cfg.Max,
		AllocedBytes:   allocedBytes,
		DeallocCount:   state.Dealloc(),
		CurMedianUsage: state.CurMedianUsage(),
		StatsReset:     state.StatsReset(),
	}
}

// List returns a snapshot of every resident entry, for the CLI's tabular
// listing.
func (s *Surface) List() []entrytable.Snapshot {
	entries := s.table.All()
	out := make([]entrytable.Snapshot, 0, len(entries))
	for _, e := range entries {
		snap, ok := s.table.Snapshot(e.Key)
		if ok {
			out = append(out, snap)
		}
	}
	return out
}
