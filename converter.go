package docqw

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"maps"
	"path"
	"slices"
	"strings"
	"time"
)

// ConversionResult is the outcome of converting one document.
type ConversionResult struct {
	Source string `json:"source"`
	// Status is StatusSuccess or StatusFailure.
	Status TaskStatus `json:"status"`
	// Content maps an output format (md, html, json, text) to the rendered document.
	Content map[string]string `json:"content,omitempty"`
	Chunks  []Chunk           `json:"chunks,omitempty"`
	Errors  []ErrorItem       `json:"errors,omitempty"`
}

// Converter is the document conversion collaborator. Convert may be slow and
// may fail for part of the batch; per-document failures are reported in the
// results, an error means the batch as a whole could not run.
type Converter interface {
	Convert(ctx context.Context, job *Job) ([]ConversionResult, error)
	// WarmUp loads models ahead of the first request.
	WarmUp(ctx context.Context) error
	// Clear drops cached converter instances.
	Clear(ctx context.Context) error
}

// ConvertHandler adapts a Converter into a HandlerFunc that shapes the batch
// output according to the task's type and target.
func ConvertHandler(conv Converter) HandlerFunc {
	return func(ctx context.Context, job *Job) (*TaskResult, error) {
		start := time.Now()
		results, err := conv.Convert(ctx, job)
		if err != nil {
			return nil, err
		}
		res := buildResult(job, results)
		res.ProcessingTime = time.Since(start).Seconds()
		return res, nil
	}
}

func buildResult(job *Job, results []ConversionResult) *TaskResult {
	res := &TaskResult{NumConverted: len(results)}
	docs := make([]ExportDocument, 0, len(results))
	for _, r := range results {
		if r.Status == StatusSuccess {
			res.NumSucceeded++
		} else {
			res.NumFailed++
		}
		res.Errors = append(res.Errors, r.Errors...)
		docs = append(docs, ExportDocument{Filename: r.Source, Status: r.Status, Content: r.Content})
	}
	res.Status = StatusSuccess
	if res.NumSucceeded == 0 {
		res.Status = StatusFailure
	}

	switch {
	case job.Task.Target.Kind == TargetS3 || job.Task.Target.Kind == TargetPut:
		res.Kind = ResultRemote
	case job.Task.Type == TaskChunk:
		res.Kind = ResultChunked
		for _, r := range results {
			res.Chunks = append(res.Chunks, r.Chunks...)
		}
		if job.ChunkingExportOptions.IncludeConvertedDoc {
			res.Documents = docs
		}
	case res.Status == StatusSuccess && (job.Task.Target.Kind == TargetZip || len(docs) > 1):
		res.Kind = ResultZip
		res.Zip = zipDocuments(docs)
	default:
		res.Kind = ResultExport
		res.Documents = docs
	}
	return res
}

// zipDocuments packs every exported format of every document as
// <basename>.<format> entries, formats in sorted order. A basename already
// used by an earlier document gets a _<n> suffix.
func zipDocuments(docs []ExportDocument) []byte {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	seen := make(map[string]int, len(docs))
	for i, d := range docs {
		base := strings.TrimSuffix(path.Base(d.Filename), path.Ext(d.Filename))
		if base == "" || base == "." || base == "/" {
			base = fmt.Sprintf("document_%d", i)
		}
		if n := seen[base]; n > 0 {
			seen[base] = n + 1
			base = fmt.Sprintf("%s_%d", base, n)
		} else {
			seen[base] = 1
		}
		for _, format := range slices.Sorted(maps.Keys(d.Content)) {
			w, err := zw.Create(base + "." + format)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte(d.Content[format]))
		}
	}
	_ = zw.Close()
	return buf.Bytes()
}
