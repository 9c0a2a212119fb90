package export

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Mode selects how far an export goes.
type Mode string

const (
	// ModeSource writes the LaTeX source next to the markdown file.
	ModeSource Mode = "source"
	// ModeArtifact additionally typesets the source into a PDF.
	ModeArtifact Mode = "artifact"
)

// ParseMode accepts the mode names editors send.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "source", "tex", "latex", "sourceonly":
		return ModeSource, nil
	case "", "pdf", "artifact", "finalartifact":
		return ModeArtifact, nil
	}
	return "", fmt.Errorf("unknown export mode %q", s)
}

// State is the lifecycle position of a job.
type State string

const (
	StatePending   State = "pending"
	StateCompiling State = "compiling"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Reason explains a failed job.
type Reason string

const (
	ReasonMissingToolchain Reason = "MissingToolchain"
	ReasonNonZeroExit      Reason = "NonZeroExit"
	ReasonTimeout          Reason = "Timeout"
	ReasonWriteFailed      Reason = "WriteFailed"
	ReasonInvalidArtifact  Reason = "InvalidArtifact"
	ReasonSessionNotFound  Reason = "SessionNotFound"
)

// Job tracks one export request. Terminal states never change.
type Job struct {
	mu sync.Mutex

	ID        string
	SessionID string
	Mode      Mode

	state        State
	reason       Reason
	detail       string
	sourceFile   string
	artifactFile string
	pages        int
	createdAt    time.Time
	updatedAt    time.Time
}

func newJob(id, sessionID string, mode Mode) *Job {
	now := time.Now()
	return &Job{
		ID:        id,
		SessionID: sessionID,
		Mode:      mode,
		state:     StatePending,
		createdAt: now,
		updatedAt: now,
	}
}

func (j *Job) setState(s State) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminal() {
		return
	}
	j.state = s
	j.updatedAt = time.Now()
}

func (j *Job) succeed(sourceFile, artifactFile string, pages int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminal() {
		return
	}
	j.state = StateSucceeded
	j.sourceFile = sourceFile
	j.artifactFile = artifactFile
	j.pages = pages
	j.updatedAt = time.Now()
}

func (j *Job) fail(reason Reason, detail string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.terminal() {
		return
	}
	j.state = StateFailed
	j.reason = reason
	j.detail = detail
	j.updatedAt = time.Now()
}

func (j *Job) terminal() bool {
	return j.state == StateSucceeded || j.state == StateFailed
}

// Snapshot is a read-only, JSON-safe copy of job state.
type Snapshot struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Mode         Mode      `json:"mode"`
	State        State     `json:"state"`
	Reason       Reason    `json:"reason,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	SourceFile   string    `json:"source_file,omitempty"`
	ArtifactFile string    `json:"artifact_file,omitempty"`
	Pages        int       `json:"pages,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Terminal reports whether the job finished.
func (s Snapshot) Terminal() bool {
	return s.State == StateSucceeded || s.State == StateFailed
}

// Snapshot returns a copy of the job state.
func (j *Job) Snapshot() Snapshot {
	j.mu.Lock()
	defer j.mu.Unlock()
	return Snapshot{
		ID:           j.ID,
		SessionID:    j.SessionID,
		Mode:         j.Mode,
		State:        j.state,
		Reason:       j.reason,
		Detail:       j.detail,
		SourceFile:   j.sourceFile,
		ArtifactFile: j.artifactFile,
		Pages:        j.pages,
		CreatedAt:    j.createdAt,
		UpdatedAt:    j.updatedAt,
	}
}

// JobStore is a thread-safe in-memory job registry. Jobs leave the store
// when acknowledged or, if nobody asks, once they are older than the TTL.
type JobStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
	ttl  time.Duration
}

func NewJobStore(ttl time.Duration) *JobStore {
	return &JobStore{
		jobs: make(map[string]*Job),
		ttl:  ttl,
	}
}

func (s *JobStore) Put(job *Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
}

func (s *JobStore) Get(id string) *Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[id]
}

func (s *JobStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
}

// Cleanup removes terminal jobs not updated within the TTL.
func (s *JobStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for id, job := range s.jobs {
		snap := job.Snapshot()
		if snap.Terminal() && now.Sub(snap.UpdatedAt) > s.ttl {
			delete(s.jobs, id)
		}
	}
}
