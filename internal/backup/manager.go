// ============================================================================
// uws-engine Backup Manager - 快照與恢復
// ============================================================================
//
// Package: internal/backup
// File: manager.go
// 職責:
//   1. Serializes every job list into one blob per list ("<list>.jsonl")
//   2. Restores the lists at startup, skipping corrupt records
//   3. Runs the save loop by frequency, by event, or both
//
// Blob format (JSON lines):
//   line 1   {"schema_version":1,"list":"query","saved_at":"...","count":N}
//   line 2.. {"checksum":<crc32 of job>,"job":{...types.JobRecord...}}
//   One record per line, so a damaged line only loses that record.
//
// Locking:
//   Save takes each list's read lock only long enough to copy the job
//   references, then reads every job under its own lock (Job.Record) and
//   marshals outside all locks.
//
// ============================================================================

package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ChuLiYu/uws-engine/internal/execmgr"
	"github.com/ChuLiYu/uws-engine/internal/job"
	"github.com/ChuLiYu/uws-engine/internal/joblist"
	"github.com/ChuLiYu/uws-engine/internal/phase"
	"github.com/ChuLiYu/uws-engine/pkg/types"
)

// SchemaVersion is the version of the blob format.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	errChecksum            = errors.New("checksum mismatch")
)

// Mode selects when the save loop runs.
type Mode string

const (
	ModeOff       Mode = "off"
	ModeFrequency Mode = "frequency"
	ModeEvent     Mode = "event"
	ModeBoth      Mode = "both"
)

// Config holds the backup policy.
type Config struct {
	Mode Mode
	// Interval of frequency saves.
	Interval time.Duration
	// MinEventGap is the minimum time between two event-triggered saves.
	// Events arriving inside the gap are folded into the next save.
	MinEventGap time.Duration
	// InterruptPolicy decides what restored EXECUTING jobs become.
	InterruptPolicy execmgr.InterruptPolicy
}

// Recorder receives backup metrics.
type Recorder interface {
	BackupSaved(jobs int, took time.Duration)
	BackupFailed()
	Restored(jobs, skipped int, took time.Duration)
}

type header struct {
	SchemaVersion int       `json:"schema_version"`
	List          string    `json:"list"`
	SavedAt       time.Time `json:"saved_at"`
	Count         int       `json:"count"`
}

type line struct {
	Checksum uint32          `json:"checksum"`
	Job      json.RawMessage `json:"job"`
}

// Manager saves and restores job lists through a sink.
type Manager struct {
	cfg      Config
	sink     Sink
	lists    []*joblist.JobList
	log      *slog.Logger
	recorder Recorder

	saveMu sync.Mutex
}

// New creates a backup manager for lists.
func New(cfg Config, sink Sink, lists []*joblist.JobList, log *slog.Logger, recorder Recorder) *Manager {
	if cfg.Mode == "" {
		cfg.Mode = ModeFrequency
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.MinEventGap <= 0 {
		cfg.MinEventGap = time.Second
	}
	if cfg.InterruptPolicy == "" {
		cfg.InterruptPolicy = execmgr.InterruptAbort
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{cfg: cfg, sink: sink, lists: lists, log: log, recorder: recorder}
}

// BlobName returns the name of the blob holding list.
func BlobName(list string) string { return list + ".jsonl" }

// ============================================================================
// Save
// ============================================================================

// Save writes one blob per list. A failing list does not stop the others;
// all failures are returned joined.
func (m *Manager) Save(ctx context.Context) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	start := time.Now()
	var (
		errs  []error
		total int
	)
	for _, l := range m.lists {
		n, err := m.saveList(ctx, l)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", l.Name(), err))
			continue
		}
		total += n
	}

	if err := errors.Join(errs...); err != nil {
		if m.recorder != nil {
			m.recorder.BackupFailed()
		}
		return err
	}
	if m.recorder != nil {
		m.recorder.BackupSaved(total, time.Since(start))
	}
	return nil
}

func (m *Manager) saveList(ctx context.Context, l *joblist.JobList) (int, error) {
	jobs := l.Snapshot()

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(header{
		SchemaVersion: SchemaVersion,
		List:          l.Name(),
		SavedAt:       time.Now().UTC(),
		Count:         len(jobs),
	}); err != nil {
		return 0, err
	}
	for _, j := range jobs {
		data, err := json.Marshal(j.Record(l.Name()))
		if err != nil {
			return 0, fmt.Errorf("marshal job %s: %w", j.ID(), err)
		}
		if err := enc.Encode(line{Checksum: crc32.ChecksumIEEE(data), Job: data}); err != nil {
			return 0, fmt.Errorf("encode job %s: %w", j.ID(), err)
		}
	}

	if err := m.sink.Write(ctx, BlobName(l.Name()), buf.Bytes()); err != nil {
		return 0, err
	}
	return len(jobs), nil
}

// ============================================================================
// Restore
// ============================================================================

// Restore rebuilds every list from its blob. A missing blob is an empty
// list. Corrupt records are logged and skipped. Jobs saved while running
// are interrupted according to the interrupt policy, since no worker
// survives a restart. It returns the number of restored jobs.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	start := time.Now()
	var (
		errs     []error
		restored int
		skipped  int
	)
	for _, l := range m.lists {
		data, err := m.sink.Read(ctx, BlobName(l.Name()))
		if errors.Is(err, ErrBlobNotFound) {
			m.log.Info("No snapshot for list, starting empty", "list", l.Name())
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", l.Name(), err))
			continue
		}

		jobs, bad, err := m.decode(l.Name(), data)
		if err != nil {
			errs = append(errs, fmt.Errorf("list %s: %w", l.Name(), err))
			continue
		}
		skipped += bad
		restored += l.Restore(jobs)
	}

	if m.recorder != nil {
		m.recorder.Restored(restored, skipped, time.Since(start))
	}
	m.log.Info("Restore finished", "jobs", restored, "skipped", skipped, "duration", time.Since(start))
	return restored, errors.Join(errs...)
}

// decode parses a blob. Only an unreadable header fails the whole blob.
func (m *Manager) decode(list string, data []byte) ([]*job.Job, int, error) {
	r := bufio.NewReader(bytes.NewReader(data))

	first, err := r.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, 0, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	var h header
	if err := json.Unmarshal(first, &h); err != nil {
		return nil, 0, fmt.Errorf("%w: header: %v", ErrCorruptedSnapshot, err)
	}
	if h.SchemaVersion != SchemaVersion {
		return nil, 0, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, h.SchemaVersion, SchemaVersion)
	}

	var (
		jobs    []*job.Job
		skipped int
		n       int
	)
	for {
		raw, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			n++
			j, recordList, derr := m.decodeLine(raw)
			switch {
			case derr != nil:
				skipped++
				m.log.Error("Skipping corrupt snapshot record", "list", list, "record", n, "error", derr)
			case recordList != "" && recordList != list:
				m.log.Warn("Record saved for another list", "list", list, "record_list", recordList, "job_id", j.ID())
				jobs = append(jobs, j)
			default:
				jobs = append(jobs, j)
			}
		}
		if err != nil {
			break
		}
	}
	if n != h.Count {
		m.log.Warn("Snapshot record count mismatch", "list", list, "want", h.Count, "got", n)
	}
	return jobs, skipped, nil
}

// decodeLine returns the job of one record line and the list it was saved for.
func (m *Manager) decodeLine(raw []byte) (*job.Job, string, error) {
	var ln line
	if err := json.Unmarshal(raw, &ln); err != nil {
		return nil, "", err
	}
	if crc32.ChecksumIEEE(ln.Job) != ln.Checksum {
		return nil, "", errChecksum
	}
	var rec types.JobRecord
	if err := json.Unmarshal(ln.Job, &rec); err != nil {
		return nil, "", err
	}
	j, err := job.FromRecord(rec)
	if err != nil {
		return nil, "", err
	}

	if phase.IsExecuting(j.Phase()) {
		target := m.cfg.InterruptPolicy.Phase()
		m.log.Info("Job was running at shutdown, interrupting", "job_id", j.ID(), "phase", target)
		j.Interrupt(target)
	}
	return j, rec.JobList, nil
}

// ============================================================================
// Save loop
// ============================================================================

// Run saves according to the mode until ctx is done. Save failures are
// logged and counted, never fatal.
func (m *Manager) Run(ctx context.Context) {
	if m.cfg.Mode == ModeOff {
		<-ctx.Done()
		return
	}

	var tick <-chan time.Time
	if m.cfg.Mode == ModeFrequency || m.cfg.Mode == ModeBoth {
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	var kick <-chan struct{}
	if m.cfg.Mode == ModeEvent || m.cfg.Mode == ModeBoth {
		ch, stop := m.subscribe()
		defer stop()
		kick = ch
	}
	limiter := rate.NewLimiter(rate.Every(m.cfg.MinEventGap), 1)

	m.log.Info("Backup loop started", "mode", m.cfg.Mode, "interval", m.cfg.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			m.saveLogged(ctx)
		case <-kick:
			if err := limiter.Wait(ctx); err != nil {
				return
			}
			m.saveLogged(ctx)
		}
	}
}

// SaveLogged saves and logs a failure instead of returning it.
func (m *Manager) SaveLogged(ctx context.Context) { m.saveLogged(ctx) }

func (m *Manager) saveLogged(ctx context.Context) {
	if err := m.Save(ctx); err != nil {
		m.log.Error("Backup failed", "error", err)
	}
}

// subscribe merges the events of every list into one channel
// holding at most one pending signal.
func (m *Manager) subscribe() (<-chan struct{}, func()) {
	kick := make(chan struct{}, 1)
	done := make(chan struct{})
	var wg sync.WaitGroup
	var cancels []func()

	for _, l := range m.lists {
		events, cancel := l.Subscribe(1)
		cancels = append(cancels, cancel)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				case ev, ok := <-events:
					if !ok {
						return
					}
					m.log.Debug("Backup requested by list event", "list", ev.List, "event", ev.Kind)
					select {
					case kick <- struct{}{}:
					default:
					}
				}
			}
		}()
	}

	return kick, func() {
		close(done)
		for _, c := range cancels {
			c()
		}
		wg.Wait()
	}
}
