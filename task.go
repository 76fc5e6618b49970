package docqw

import (
	"encoding/json"
	"fmt"
	"time"
)

// ProcessingMeta holds the per-document counters of a task.
type ProcessingMeta struct {
	NumDocs      int `json:"num_docs"`
	NumProcessed int `json:"num_processed"`
	NumSucceeded int `json:"num_succeeded"`
	NumFailed    int `json:"num_failed"`
}

// Validate checks 0 <= NumProcessed == NumSucceeded+NumFailed <= NumDocs.
func (m ProcessingMeta) Validate() error {
	if m.NumDocs < 0 || m.NumProcessed < 0 || m.NumSucceeded < 0 || m.NumFailed < 0 {
		return fmt.Errorf("negative counter in %+v", m)
	}
	if m.NumProcessed != m.NumSucceeded+m.NumFailed {
		return fmt.Errorf("processed=%d does not equal succeeded=%d + failed=%d", m.NumProcessed, m.NumSucceeded, m.NumFailed)
	}
	if m.NumProcessed > m.NumDocs {
		return fmt.Errorf("processed=%d exceeds num_docs=%d", m.NumProcessed, m.NumDocs)
	}
	return nil
}

// Source kinds accepted by Enqueue.
const (
	SourceHTTP = "http"
	SourceFile = "file"
	SourceS3   = "s3"
)

// Source is one input document: a URL, an inline file or object-store coordinates.
type Source struct {
	Kind     string            `json:"kind"`
	URL      string            `json:"url,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Filename string            `json:"filename,omitempty"`
	// Base64String carries inline file content for SourceFile.
	Base64String string `json:"base64_string,omitempty"`
	Endpoint     string `json:"endpoint,omitempty"`
	Bucket       string `json:"bucket,omitempty"`
	KeyPrefix    string `json:"key_prefix,omitempty"`
}

// Target kinds accepted by Enqueue.
const (
	TargetInBody = "inbody"
	TargetZip    = "zip"
	TargetS3     = "s3"
	TargetPut    = "put"
)

// Target is the requested placement of the output.
type Target struct {
	Kind      string `json:"kind"`
	URL       string `json:"url,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Bucket    string `json:"bucket,omitempty"`
	KeyPrefix string `json:"key_prefix,omitempty"`
}

// Task is one submitted conversion or chunking job.
type Task struct {
	// ID is the unique identifier, immutable once issued.
	ID   string   `json:"task_id"`
	Type TaskType `json:"task_type"`
	// Status is mutated only by the orchestrator or the executing backend.
	Status TaskStatus     `json:"task_status"`
	Meta   ProcessingMeta `json:"processing_meta"`
	// Sources and Target are fixed at enqueue time.
	Sources []Source `json:"sources,omitempty"`
	Target  Target   `json:"target"`

	CreatedAt  time.Time `json:"created_at,omitempty"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
	// ResultKey points to where the backend keeps the result payload.
	ResultKey string `json:"result_key,omitempty"`
	// Error is the failure reason of a FAILURE task.
	Error string `json:"error,omitempty"`
}

// IsCompleted reports whether the task reached a terminal status.
func (t *Task) IsCompleted() bool { return t.Status.IsTerminal() }

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Sources != nil {
		c.Sources = append([]Source(nil), t.Sources...)
	}
	return &c
}

// Job is a task together with the options handed to the converter.
type Job struct {
	Task                  *Task           `json:"task"`
	ConvertOptions        json.RawMessage `json:"convert_options,omitempty"`
	ChunkingOptions       json.RawMessage `json:"chunking_options,omitempty"`
	ChunkingExportOptions ChunkingExport  `json:"chunking_export_options"`
}

// ChunkingExport controls what a chunking result carries besides the chunks.
type ChunkingExport struct {
	IncludeConvertedDoc bool `json:"include_converted_doc"`
}

// Result kinds.
const (
	ResultExport  = "export"
	ResultZip     = "zip"
	ResultRemote  = "remote"
	ResultChunked = "chunked"
)

// ErrorItem is a per-document error reported by the converter.
type ErrorItem struct {
	Source  string `json:"source"`
	Message string `json:"message"`
}

// ExportDocument is the exported content of one document, keyed by format.
type ExportDocument struct {
	Filename string            `json:"filename"`
	Status   TaskStatus        `json:"status"`
	Content  map[string]string `json:"content,omitempty"`
}

// Chunk is one chunk produced by a CHUNK task.
type Chunk struct {
	Filename string         `json:"filename"`
	Index    int            `json:"chunk_index"`
	Text     string         `json:"text"`
	Meta     map[string]any `json:"meta,omitempty"`
}

// TaskResult is the output of a task that reached SUCCESS or FAILURE.
type TaskResult struct {
	Kind string `json:"kind"`
	// Status is the overall conversion status.
	Status    TaskStatus         `json:"status"`
	Documents []ExportDocument   `json:"documents,omitempty"`
	Zip       []byte             `json:"zip,omitempty"`
	Chunks    []Chunk            `json:"chunks,omitempty"`
	Errors    []ErrorItem        `json:"errors,omitempty"`
	Timings   map[string]float64 `json:"timings,omitempty"`
	// ProcessingTime is the wall time of the execution in seconds.
	ProcessingTime float64 `json:"processing_time"`
	NumConverted   int     `json:"num_converted"`
	NumSucceeded   int     `json:"num_succeeded"`
	NumFailed      int     `json:"num_failed"`
}
