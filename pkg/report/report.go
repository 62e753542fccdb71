// Package report collects what a remote session did and persists it to
// a JSON file or a MongoDB collection.
package report

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one session operation.
type Entry struct {
	SessionID string        `json:"session_id" bson:"session_id"`
	Operation string        `json:"operation" bson:"operation"`
	Command   string        `json:"command" bson:"command"`
	Attempts  int           `json:"attempts" bson:"attempts"`
	Class     string        `json:"class" bson:"class"`
	ExitCode  int           `json:"exit_code" bson:"exit_code"`
	Started   time.Time     `json:"started" bson:"started"`
	Duration  time.Duration `json:"duration" bson:"duration"`
	Error     string        `json:"error,omitempty" bson:"error,omitempty"`
}

// Failed reports whether the operation ended with an error.
func (e Entry) Failed() bool { return e.Error != "" }

// Report is a snapshot of recorded entries.
type Report struct {
	ID      string    `json:"id" bson:"_id"`
	Host    string    `json:"host" bson:"host"`
	Created time.Time `json:"created" bson:"created"`
	Entries []Entry   `json:"entries" bson:"entries"`
}

// Failed reports whether any entry failed.
func (r Report) Failed() bool {
	for _, e := range r.Entries {
		if e.Failed() {
			return true
		}
	}
	return false
}

// Recorder accumulates entries. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	report Report
}

// NewRecorder starts a report for host. An empty id gets a random one.
func NewRecorder(id, host string) *Recorder {
	if id == "" {
		id = uuid.NewString()
	}
	return &Recorder{report: Report{ID: id, Host: host, Created: time.Now().UTC()}}
}

func (r *Recorder) Record(e Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.report.Entries = append(r.report.Entries, e)
}

// Report returns a copy of everything recorded so far.
func (r *Recorder) Report() Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.report
	out.Entries = append([]Entry(nil), r.report.Entries...)
	return out
}
