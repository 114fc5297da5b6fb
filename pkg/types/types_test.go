package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBatchMessageRoundTrip(t *testing.T) {
	msg := &BatchMessage{
		JobID:        "job-123",
		Repository:   "acme/web",
		BatchNumber:  2,
		TotalBatches: 3,
		Files: []FileEntry{
			{Path: "/src/a.ts", Class: FileClassRegular},
			{Path: "/src/index.ts", Class: FileClassPotentialBarrel},
		},
		CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
	}

	fields, err := msg.Fields()
	require.NoError(t, err)

	// Stream substrates hand values back as strings
	raw := make(map[string]string, len(fields))
	for k, v := range fields {
		raw[k] = v.(string)
	}

	decoded, err := DecodeBatchMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, msg.JobID, decoded.JobID)
	assert.Equal(t, msg.Repository, decoded.Repository)
	assert.Equal(t, msg.BatchNumber, decoded.BatchNumber)
	assert.Equal(t, msg.TotalBatches, decoded.TotalBatches)
	assert.Equal(t, msg.Files, decoded.Files)
	assert.Equal(t, []string{"/src/a.ts", "/src/index.ts"}, decoded.FilePaths())
}

func TestDecodeBatchMessageInvalid(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{name: "empty", fields: map[string]string{}},
		{name: "missing job id", fields: map[string]string{"repository": "r", "batch_number": "1", "total_batches": "1", "files": "[]"}},
		{name: "bad batch number", fields: map[string]string{"job_id": "j", "repository": "r", "batch_number": "x", "total_batches": "1", "files": "[]"}},
		{name: "bad file list", fields: map[string]string{"job_id": "j", "repository": "r", "batch_number": "1", "total_batches": "1", "files": "{"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeBatchMessage(tt.fields)
			assert.Error(t, err)
		})
	}
}

func TestConversationMessageRoundTrip(t *testing.T) {
	msg := &ConversationMessage{
		UserMessage:      "how do I shard a stream?",
		AssistantMessage: "split the file list into fixed-size batches",
		Project:          "acme/web",
		Session:          "sess-9",
		Timestamp:        time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}

	raw := make(map[string]string)
	for k, v := range msg.Fields() {
		raw[k] = v.(string)
	}

	decoded, err := DecodeConversationMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestDecodeConversationMessageRejectsMissingKey(t *testing.T) {
	_, err := DecodeConversationMessage(map[string]string{
		"user_message": "hi",
		"timestamp":    time.Now().Format(time.RFC3339Nano),
	})
	assert.Error(t, err, "session is part of the idempotency key")

	_, err = DecodeConversationMessage(map[string]string{
		"session":   "s",
		"timestamp": "yesterday",
	})
	assert.Error(t, err)
}

func TestJobStateTerminal(t *testing.T) {
	assert.False(t, JobStatePending.Terminal())
	assert.False(t, JobStateProcessing.Terminal())
	assert.True(t, JobStateCompleted.Terminal())
	assert.True(t, JobStateCompletedWithErrors.Terminal())
	assert.True(t, JobStateFailed.Terminal())
}

func TestParseJobStatusDefensive(t *testing.T) {
	status := ParseJobStatus(map[string]string{
		"job_id":          "j1",
		"repository":      "acme/web",
		"total_files":     "100",
		"total_batches":   "3",
		"processed_files": "40",
		"failed_files":    "2",
		"current_batch":   "not-a-number",
		"state":           "processing",
	})

	assert.Equal(t, 100, status.TotalFiles)
	assert.Equal(t, 40, status.ProcessedFiles)
	assert.Equal(t, 2, status.FailedFiles)
	assert.Equal(t, 0, status.CurrentBatch, "garbage parses to zero")
	assert.Equal(t, JobStateProcessing, status.State)
	assert.Equal(t, "40/100", status.Progress())
	assert.False(t, status.Done())

	status.ProcessedFiles = 98
	assert.True(t, status.Done())
}
