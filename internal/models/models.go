package models

import "time"

// JobStatus represents the current state of a retrieval job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusRetrying   JobStatus = "retrying"
	StatusReady      JobStatus = "ready"
	StatusError      JobStatus = "error"
	StatusExpired    JobStatus = "expired"
)

// Terminal reports whether no further worker transitions are expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case StatusReady, StatusError, StatusExpired:
		return true
	default:
		return false
	}
}

// Format selects the media kind to retrieve.
type Format string

const (
	FormatVideo Format = "video"
	FormatAudio Format = "audio"
)

// Mode selects whether a locator is fetched as a single item or as a collection.
type Mode string

const (
	ModeSingle   Mode = "single"
	ModePlaylist Mode = "playlist"
)

// RequestSpec is the immutable description of what a job retrieves.
type RequestSpec struct {
	URL    string `json:"url"`
	Format Format `json:"format"`
	Mode   Mode   `json:"mode"`
}

// Result names the artifact a ready job produced. Names are relative to the
// storage root and exactly one of File or Archive is set.
type Result struct {
	File    string `json:"file,omitempty"`
	Archive string `json:"archive,omitempty"`
}

// Name returns whichever artifact name is set.
func (r *Result) Name() string {
	if r == nil {
		return ""
	}
	if r.Archive != "" {
		return r.Archive
	}
	return r.File
}

// Job stores the request and runtime state for one retrieval.
type Job struct {
	ID            string      `json:"id"`
	Spec          RequestSpec `json:"spec"`
	Status        JobStatus   `json:"status"`
	Message       string      `json:"message"`
	Percent       int         `json:"percent"`
	Result        *Result     `json:"result,omitempty"`
	ErrorDetail   string      `json:"error,omitempty"`
	Attempt       int         `json:"attempt"`
	Rev           uint64      `json:"rev"`
	CreatedAt     time.Time   `json:"created_at"`
	LastTouchedAt time.Time   `json:"last_touched_at"`
}

// Clone returns a deep copy safe to hand out of the store.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	clone := *j
	if j.Result != nil {
		res := *j.Result
		clone.Result = &res
	}
	return &clone
}

// Progress is the public projection of a job returned to polling clients and
// pushed over WebSocket.
type Progress struct {
	ID      string    `json:"id"`
	Status  JobStatus `json:"status"`
	Message string    `json:"message"`
	Percent int       `json:"percent"`
	Done    bool      `json:"done"`
	File    string    `json:"file,omitempty"`
	Zip     string    `json:"zip,omitempty"`
	Error   string    `json:"error,omitempty"`
	Attempt int       `json:"attempt"`
}

// Progress builds the client-facing view of the job. Timestamps are left out
// so repeated polls of an unchanged job return identical payloads.
func (j *Job) Progress() Progress {
	p := Progress{
		ID:      j.ID,
		Status:  j.Status,
		Message: j.Message,
		Percent: j.Percent,
		Done:    j.Status.Terminal(),
		Error:   j.ErrorDetail,
		Attempt: j.Attempt,
	}
	if j.Status == StatusReady && j.Result != nil {
		p.File = j.Result.File
		p.Zip = j.Result.Archive
	}
	return p
}

// Preview is the descriptive metadata returned alongside a new job.
type Preview struct {
	Title     string  `json:"title,omitempty"`
	Uploader  string  `json:"uploader,omitempty"`
	Thumbnail string  `json:"thumbnail,omitempty"`
	ViewCount int64   `json:"view_count,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
}
