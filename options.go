package docqw

import "encoding/json"

type options struct {
	id              string
	convertOptions  json.RawMessage
	chunkingOptions json.RawMessage
	chunkingExport  ChunkingExport
	target          Target
}

// Option is a function that configures a task during Enqueue.
type Option func(*options)

// TaskID sets a custom ID for the task. If not provided, a random UUID will be generated.
func TaskID(id string) Option {
	return func(o *options) {
		o.id = id
	}
}

// WithConvertOptions attaches converter options. They are passed through to the
// converter untouched.
func WithConvertOptions(raw json.RawMessage) Option {
	return func(o *options) {
		o.convertOptions = raw
	}
}

// WithChunkingOptions attaches chunker options for TaskChunk tasks.
func WithChunkingOptions(raw json.RawMessage) Option {
	return func(o *options) {
		o.chunkingOptions = raw
	}
}

// WithChunkingExport controls whether chunk results also carry the converted documents.
func WithChunkingExport(e ChunkingExport) Option {
	return func(o *options) {
		o.chunkingExport = e
	}
}

// WithTarget sets the output placement. Defaults to an in-body response.
func WithTarget(t Target) Option {
	return func(o *options) {
		o.target = t
	}
}
