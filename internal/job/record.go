package job

import (
	"errors"
	"time"

	"github.com/ChuLiYu/uws-engine/internal/phase"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// ErrInvalidRecord is returned by FromRecord for records that cannot
// describe a job.
var ErrInvalidRecord = errors.New("invalid job record")

// Record captures the job for a backup snapshot. All fields are read under
// one read lock.
func (j *Job) Record(list string) types.JobRecord {
	j.mu.RLock()
	defer j.mu.RUnlock()

	rec := types.JobRecord{
		JobList:           list,
		ID:                j.id,
		Phase:             j.machine.Phase(),
		CreationTime:      j.creation,
		StartTime:         timePtr(j.machine.StartTime()),
		EndTime:           timePtr(j.machine.EndTime()),
		DestructionTime:   timePtr(j.destruction),
		ExecutionDuration: seconds(j.executionDuration),
		Quote:             seconds(j.quote),
		Parameters:        append([]types.Parameter{}, j.params...),
		Results:           append([]types.Result{}, j.results...),
	}
	if j.owner != "" {
		owner := j.owner
		rec.Owner = &owner
	}
	if j.errSummary != nil {
		s := *j.errSummary
		rec.Error = &s
	}
	return rec
}

// FromRecord rebuilds a job from a snapshot record. The phase is assigned
// by force; no transition legality is checked.
func FromRecord(rec types.JobRecord) (*Job, error) {
	if rec.ID == "" {
		return nil, errors.Join(ErrInvalidRecord, errors.New("missing job id"))
	}
	if _, err := types.ParsePhase(string(rec.Phase)); err != nil {
		return nil, errors.Join(ErrInvalidRecord, err)
	}

	j := New(Options{
		ID:                rec.ID,
		CreationTime:      rec.CreationTime,
		DestructionTime:   derefTime(rec.DestructionTime),
		ExecutionDuration: duration(rec.ExecutionDuration),
		Quote:             duration(rec.Quote),
		Parameters:        rec.Parameters,
	})
	if rec.Owner != nil {
		j.owner = *rec.Owner
	}
	j.machine = phase.Restore(rec.Phase, derefTime(rec.StartTime), derefTime(rec.EndTime))
	j.results = append([]types.Result(nil), rec.Results...)
	if rec.Error != nil {
		s := *rec.Error
		j.errSummary = &s
	}
	return j, nil
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

// seconds rounds up so that a positive budget never reads back as unlimited.
func seconds(d time.Duration) int64 {
	if d <= 0 {
		return -1
	}
	return int64(wholeSeconds(d) / time.Second)
}

func wholeSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	if rem := d % time.Second; rem != 0 {
		d += time.Second - rem
	}
	return d
}

func duration(s int64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s) * time.Second
}
