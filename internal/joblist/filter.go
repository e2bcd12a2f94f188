package joblist

import (
	"time"

	"github.com/ChuLiYu/uws-engine/internal/job"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// FilterKind selects the variant of a Filter.
type FilterKind int

const (
	FilterPhases FilterKind = iota
	FilterAfter
	FilterLast
)

// Filter restricts a listing. Only the field matching Kind is used.
type Filter struct {
	Kind   FilterKind
	Phases []types.ExecutionPhase
	After  time.Time
	Last   int
}

// Phases keeps jobs in one of the given phases.
func Phases(ps ...types.ExecutionPhase) Filter {
	return Filter{Kind: FilterPhases, Phases: ps}
}

// After keeps jobs created strictly after t.
func After(t time.Time) Filter {
	return Filter{Kind: FilterAfter, After: t}
}

// Last keeps the n most recently created jobs.
func Last(n int) Filter {
	return Filter{Kind: FilterLast, Last: n}
}

// Filters is a conjunction of filters.
type Filters []Filter

// namesArchived reports whether a phase filter asks for ARCHIVED jobs.
func (fs Filters) namesArchived() bool {
	for _, f := range fs {
		if f.Kind != FilterPhases {
			continue
		}
		for _, p := range f.Phases {
			if p == types.PhaseArchived {
				return true
			}
		}
	}
	return false
}

func (fs Filters) last() (int, bool) {
	n, ok := 0, false
	for _, f := range fs {
		if f.Kind == FilterLast && f.Last >= 0 && (!ok || f.Last < n) {
			n, ok = f.Last, true
		}
	}
	return n, ok
}

func (f Filter) match(j *job.Job, p types.ExecutionPhase) bool {
	switch f.Kind {
	case FilterPhases:
		for _, want := range f.Phases {
			if p == want {
				return true
			}
		}
		return false
	case FilterAfter:
		return j.CreationTime().After(f.After)
	}
	return true
}

// List returns the jobs visible to owner that pass every filter, oldest
// first. An empty owner lists every job. ARCHIVED jobs are hidden unless
// a phase filter names ARCHIVED. Last is applied after all other filters.
func (l *JobList) List(owner string, filters Filters) []*job.Job {
	l.mu.RLock()
	var candidates []*job.Job
	if owner == "" {
		candidates = make([]*job.Job, 0, len(l.jobs))
		for _, j := range l.jobs {
			candidates = append(candidates, j)
		}
	} else {
		owned := l.byOwner[owner]
		candidates = make([]*job.Job, 0, len(owned))
		for _, j := range owned {
			candidates = append(candidates, j)
		}
	}
	l.mu.RUnlock()

	showArchived := filters.namesArchived()
	out := candidates[:0]
	for _, j := range candidates {
		p := j.Phase()
		if p == types.PhaseArchived && !showArchived {
			continue
		}
		keep := true
		for _, f := range filters {
			if !f.match(j, p) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, j)
		}
	}

	sortByCreation(out)
	if n, ok := filters.last(); ok && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}
