package bulkimport

import (
	"fmt"
	"sync"
	"time"

	"github.com/agentic-research/bulkfs/api"
)

// State is the importer's lifecycle state.
type State string

const (
	StateIdle      State = "IDLE"
	StateRunning   State = "RUNNING"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
	StateStopping  State = "STOPPING"
	StateStopped   State = "STOPPED"
)

// InProgress reports whether a run is active in this state.
func (s State) InProgress() bool {
	return s == StateRunning || s == StateStopping
}

const maxRecentFailures = 50

// Failure is one recorded item failure.
type Failure struct {
	Path    string    `json:"path"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is a consistent copy of the status at one instant.
type Snapshot struct {
	State      State                `json:"state"`
	InProgress bool                 `json:"inProgress"`
	Source     string               `json:"source,omitempty"`
	Target     string               `json:"target,omitempty"`
	Policy     api.ExistingFileMode `json:"policy,omitempty"`
	BatchSize  int                  `json:"batchSize,omitempty"`
	Threads    int                  `json:"threads,omitempty"`

	StartTime *time.Time    `json:"startTime,omitempty"`
	EndTime   *time.Time    `json:"endTime,omitempty"`
	Elapsed   time.Duration `json:"elapsedNs"`

	FoldersScanned    int64 `json:"foldersScanned"`
	FilesScanned      int64 `json:"filesScanned"`
	BytesScanned      int64 `json:"bytesScanned"`
	UnreadableEntries int64 `json:"unreadableEntries"`

	FoldersCreated  int64 `json:"foldersCreated"`
	FoldersReplaced int64 `json:"foldersReplaced"`
	FoldersSkipped  int64 `json:"foldersSkipped"`

	ContentCreated   int64 `json:"contentCreated"`
	ContentReplaced  int64 `json:"contentReplaced"`
	ContentSkipped   int64 `json:"contentSkipped"`
	ContentVersioned int64 `json:"contentVersioned"`
	VersionsCreated  int64 `json:"versionsCreated"`

	BytesWritten      int64 `json:"bytesWritten"`
	PropertiesWritten int64 `json:"propertiesWritten"`

	BatchesCompleted int64 `json:"batchesCompleted"`
	BatchesRetried   int64 `json:"batchesRetried"`
	ActiveWorkers    int   `json:"activeWorkers"`

	Successes      int64     `json:"successes"`
	Failures       int64     `json:"failures"`
	LastError      string    `json:"lastError,omitempty"`
	RecentFailures []Failure `json:"recentFailures,omitempty"`

	FilesPerSecond float64 `json:"filesPerSecond"`
	BytesPerSecond float64 `json:"bytesPerSecond"`
}

// Status is the single shared record of the current (or last) run. Every
// method takes one short lock, so readers never wait on import progress.
type Status struct {
	mu  sync.Mutex
	s   Snapshot
	now func() time.Time

	start, end time.Time
	// failing is set once the run must end FAILED.
	failing bool
	reason  string
}

// NewStatus returns an idle status.
func NewStatus() *Status {
	return &Status{s: Snapshot{State: StateIdle}, now: time.Now}
}

// TryStart moves IDLE or a finished state to RUNNING and resets every
// counter. It returns false when a run is already in progress.
func (st *Status) TryStart(p Parameters) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.State.InProgress() {
		return false
	}
	st.start = st.now()
	st.end = time.Time{}
	st.failing = false
	st.reason = ""
	st.s = Snapshot{
		State:     StateRunning,
		Source:    p.SourceName,
		Target:    p.TargetName,
		Policy:    p.Policy,
		BatchSize: p.BatchSize,
		Threads:   p.Threads,
	}
	return true
}

// RequestStop moves RUNNING to STOPPING. It reports whether the request
// was accepted.
func (st *Status) RequestStop() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.s.State != StateRunning {
		return false
	}
	st.s.State = StateStopping
	return true
}

// halted reports whether no further batches should run.
func (st *Status) halted() bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.s.State == StateStopping || st.failing
}

// abort makes workers discard queued batches.
func (st *Status) abort() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failing = true
}

func (st *Status) finish(err error) State {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.end = st.now()
	switch {
	case err != nil:
		st.s.LastError = err.Error()
		st.s.State = StateFailed
	case st.failing:
		if st.reason != "" {
			st.s.LastError = st.reason
		}
		st.s.State = StateFailed
	case st.s.State == StateStopping:
		st.s.State = StateStopped
	default:
		st.s.State = StateCompleted
	}
	return st.s.State
}

func (st *Status) scanned(l *Listing) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.FoldersScanned++
	for _, f := range l.Files {
		st.s.FilesScanned += int64(1 + len(f.Versions))
		st.s.BytesScanned += f.TotalSize()
	}
	st.s.UnreadableEntries += int64(len(l.Unreadable))
}

// unreadable counts an entry that could not be scanned at all.
func (st *Status) unreadable() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.UnreadableEntries++
}

func (st *Status) retried() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.BatchesRetried++
}

func (st *Status) workerBusy(delta int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.ActiveWorkers += delta
}

// fail records one item failure. threshold 0 means unlimited.
func (st *Status) fail(path string, err error, threshold int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.failLocked(path, err.Error(), threshold)
}

func (st *Status) failLocked(path, msg string, threshold int) {
	st.s.Failures++
	st.s.LastError = msg
	st.s.RecentFailures = append(st.s.RecentFailures, Failure{Path: path, Message: msg, At: st.now()})
	if n := len(st.s.RecentFailures); n > maxRecentFailures {
		st.s.RecentFailures = st.s.RecentFailures[n-maxRecentFailures:]
	}
	if threshold > 0 && st.s.Failures >= int64(threshold) && !st.failing {
		st.failing = true
		st.reason = fmt.Sprintf("failure threshold of %d reached, last error: %s", threshold, msg)
	}
}

// commit applies the outcome of one committed batch.
func (st *Status) commit(results []ItemResult, failed []itemFailure, threshold int) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.BatchesCompleted++
	for _, r := range results {
		st.s.Successes++
		st.s.BytesWritten += r.Bytes
		st.s.PropertiesWritten += int64(r.Properties)
		st.s.VersionsCreated += int64(r.Versions)
		if r.Item.IsDirectory {
			switch r.Outcome {
			case OutcomeCreated:
				st.s.FoldersCreated++
			case OutcomeReplaced, OutcomeVersioned:
				st.s.FoldersReplaced++
			case OutcomeSkipped:
				st.s.FoldersSkipped++
			}
		} else {
			switch r.Outcome {
			case OutcomeCreated:
				st.s.ContentCreated++
			case OutcomeReplaced:
				st.s.ContentReplaced++
			case OutcomeVersioned:
				st.s.ContentVersioned++
			case OutcomeSkipped:
				st.s.ContentSkipped++
			}
		}
		if r.MetadataErr != nil {
			st.failLocked(r.Item.Path, r.MetadataErr.Error(), threshold)
		}
	}
	for _, f := range failed {
		st.failLocked(f.item.Path, f.err.Error(), threshold)
	}
}

// Snapshot returns a consistent copy of the status.
func (st *Status) Snapshot() Snapshot {
	st.mu.Lock()
	defer st.mu.Unlock()
	snap := st.s
	snap.InProgress = snap.State.InProgress()
	snap.RecentFailures = append([]Failure(nil), st.s.RecentFailures...)
	if st.start.IsZero() {
		return snap
	}
	start := st.start
	snap.StartTime = &start
	end := st.now()
	if !st.end.IsZero() {
		end = st.end
		e := st.end
		snap.EndTime = &e
	}
	snap.Elapsed = end.Sub(start)
	if secs := snap.Elapsed.Seconds(); secs > 0 {
		files := snap.ContentCreated + snap.ContentReplaced + snap.ContentVersioned
		snap.FilesPerSecond = float64(files) / secs
		snap.BytesPerSecond = float64(snap.BytesWritten) / secs
	}
	return snap
}
