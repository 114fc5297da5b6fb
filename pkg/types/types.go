package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// JobState represents the lifecycle state of an indexing job
type JobState string

const (
	JobStatePending             JobState = "pending"
	JobStateProcessing          JobState = "processing"
	JobStateCompleted           JobState = "completed"
	JobStateCompletedWithErrors JobState = "completed_with_errors"
	JobStateFailed              JobState = "failed"
)

// Terminal reports whether the state is final. Terminal records are never
// transitioned back to processing.
func (s JobState) Terminal() bool {
	switch s {
	case JobStateCompleted, JobStateCompletedWithErrors, JobStateFailed:
		return true
	}
	return false
}

// FileClass tags a scanned file for the isolated worker
type FileClass string

const (
	FileClassRegular         FileClass = "REGULAR"
	FileClassPotentialBarrel FileClass = "POTENTIAL_BARREL"
	FileClassConfig          FileClass = "CONFIG"
	FileClassTest            FileClass = "TEST"
)

// FileEntry is a scanned file path with its classifier tag
type FileEntry struct {
	Path  string    `json:"path"`
	Class FileClass `json:"class"`
}

// BatchMessage is the payload of one batch-stream entry. One message is
// appended per batch; the file list is the unit of worker invocation.
type BatchMessage struct {
	JobID        string
	Repository   string
	BatchNumber  int // 1-based
	TotalBatches int
	Files        []FileEntry
	CreatedAt    time.Time
}

// Fields serializes the message for stream append. The file list is JSON
// inside a single field; everything else is a flat string field.
func (m *BatchMessage) Fields() (map[string]interface{}, error) {
	files, err := json.Marshal(m.Files)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal file list: %w", err)
	}
	return map[string]interface{}{
		"job_id":        m.JobID,
		"repository":    m.Repository,
		"batch_number":  strconv.Itoa(m.BatchNumber),
		"total_batches": strconv.Itoa(m.TotalBatches),
		"files":         string(files),
		"created_at":    m.CreatedAt.UTC().Format(time.RFC3339Nano),
	}, nil
}

// DecodeBatchMessage parses stream fields back into a BatchMessage
func DecodeBatchMessage(fields map[string]string) (*BatchMessage, error) {
	m := &BatchMessage{
		JobID:      fields["job_id"],
		Repository: fields["repository"],
	}
	if m.JobID == "" || m.Repository == "" {
		return nil, fmt.Errorf("batch message missing job_id or repository")
	}

	var err error
	if m.BatchNumber, err = strconv.Atoi(fields["batch_number"]); err != nil {
		return nil, fmt.Errorf("invalid batch_number %q: %w", fields["batch_number"], err)
	}
	if m.TotalBatches, err = strconv.Atoi(fields["total_batches"]); err != nil {
		return nil, fmt.Errorf("invalid total_batches %q: %w", fields["total_batches"], err)
	}
	if err := json.Unmarshal([]byte(fields["files"]), &m.Files); err != nil {
		return nil, fmt.Errorf("invalid file list: %w", err)
	}
	if ts := fields["created_at"]; ts != "" {
		m.CreatedAt, _ = time.Parse(time.RFC3339Nano, ts)
	}
	return m, nil
}

// FilePaths returns just the paths, in batch order
func (m *BatchMessage) FilePaths() []string {
	paths := make([]string, len(m.Files))
	for i, f := range m.Files {
		paths[i] = f.Path
	}
	return paths
}

// ConversationMessage is the payload of one auto-save stream entry
type ConversationMessage struct {
	UserMessage      string
	AssistantMessage string
	Project          string
	Session          string
	Timestamp        time.Time
}

// Fields serializes the message for stream append
func (m *ConversationMessage) Fields() map[string]interface{} {
	return map[string]interface{}{
		"user_message":      m.UserMessage,
		"assistant_message": m.AssistantMessage,
		"project":           m.Project,
		"session":           m.Session,
		"timestamp":         m.Timestamp.UTC().Format(time.RFC3339Nano),
	}
}

// DecodeConversationMessage parses stream fields back into a ConversationMessage.
// Session and timestamp are the idempotency key; both are required.
func DecodeConversationMessage(fields map[string]string) (*ConversationMessage, error) {
	m := &ConversationMessage{
		UserMessage:      fields["user_message"],
		AssistantMessage: fields["assistant_message"],
		Project:          fields["project"],
		Session:          fields["session"],
	}
	if m.Session == "" {
		return nil, fmt.Errorf("conversation message missing session")
	}
	ts, err := time.Parse(time.RFC3339Nano, fields["timestamp"])
	if err != nil {
		return nil, fmt.Errorf("invalid timestamp %q: %w", fields["timestamp"], err)
	}
	m.Timestamp = ts
	return m, nil
}

// JobStatus is the parsed view of a Status Record
type JobStatus struct {
	JobID          string
	Repository     string
	TotalFiles     int
	TotalBatches   int
	ProcessedFiles int
	FailedFiles    int
	CurrentBatch   int
	State          JobState
	StartedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    time.Time
	Errors         []string
}

// Progress renders the "<processed>/<total>" string exposed by the status endpoint
func (s *JobStatus) Progress() string {
	return fmt.Sprintf("%d/%d", s.ProcessedFiles, s.TotalFiles)
}

// Done reports the completion predicate: processed + failed == total
func (s *JobStatus) Done() bool {
	return s.ProcessedFiles+s.FailedFiles >= s.TotalFiles
}

// ParseJobStatus builds a JobStatus from raw Status Record fields. Values are
// strings in the substrate; numbers are parsed defensively and default to zero.
func ParseJobStatus(fields map[string]string) *JobStatus {
	atoi := func(key string) int {
		n, _ := strconv.Atoi(fields[key])
		return n
	}
	parseTime := func(key string) time.Time {
		t, _ := time.Parse(time.RFC3339Nano, fields[key])
		return t
	}
	return &JobStatus{
		JobID:          fields["job_id"],
		Repository:     fields["repository"],
		TotalFiles:     atoi("total_files"),
		TotalBatches:   atoi("total_batches"),
		ProcessedFiles: atoi("processed_files"),
		FailedFiles:    atoi("failed_files"),
		CurrentBatch:   atoi("current_batch"),
		State:          JobState(fields["state"]),
		StartedAt:      parseTime("started_at"),
		UpdatedAt:      parseTime("updated_at"),
		CompletedAt:    parseTime("completed_at"),
	}
}

// WorkerResult is the structured result an isolated worker writes as the last
// line of its stdout. Exit code 0 with ErrorCount > 0 means per-file failures;
// a non-zero exit means a process-level failure.
type WorkerResult struct {
	SuccessCount  int      `json:"success_count"`
	ErrorCount    int      `json:"error_count"`
	PerFileErrors []string `json:"per_file_errors,omitempty"`
}

// Chunk is one embeddable slice of a source file, produced by the chunker and
// written to the store under its natural idempotency key
// (repository, file path, start line, end line).
type Chunk struct {
	Repository string
	FilePath   string
	Language   string
	ChunkType  string
	Content    string
	StartLine  int
	EndLine    int
	Embedding  []float32
	Metadata   map[string]string
}

// Conversation is one saved conversation row
type Conversation struct {
	Session          string
	Timestamp        time.Time
	ContentHash      string
	Project          string
	UserMessage      string
	AssistantMessage string
}
