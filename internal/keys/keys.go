// Package keys centralizes Redis key construction for the shared cache, the
// result store and the broker queue. It is kept in internal to avoid leaking
// key formats to the public API.
package keys

// DefaultTaskPrefix is the cache namespace for task metadata.
const DefaultTaskPrefix = "docqw:tasks"

// DefaultResultsPrefix is the namespace result payloads are stored under.
const DefaultResultsPrefix = "docqw:results"

// DefaultUpdatesChannel is the pub/sub channel workers announce state changes on.
const DefaultUpdatesChannel = "docqw:updates"

// Metadata returns the cache key holding the JSON task metadata.
func Metadata(prefix, id string) string { return prefix + ":" + id + ":metadata" }

// ResultKey returns the cache key holding the result pointer of a task.
func ResultKey(prefix, id string) string { return prefix + ":" + id + ":result_key" }

// Result returns the key a result payload is stored under.
func Result(prefix, id string) string { return prefix + ":" + id }

// Queue holds all precomputed keys for a queue name to avoid repeated concatenations.
type Queue struct {
	Name      string
	Pending   string
	Active    string
	Finished  string
	Unique    string
	JobPrefix string
}

// For returns a set of precomputed keys for the provided queue. The braces
// keep every key of one queue in the same cluster slot.
func For(q string) Queue {
	prefix := "docqw:{" + q + "}:"
	return Queue{
		Name:      q,
		Pending:   prefix + "pending",
		Active:    prefix + "active",
		Finished:  prefix + "finished",
		Unique:    prefix + "unique",
		JobPrefix: prefix + "job:",
	}
}

// Job returns the hash key holding the broker-side record of job id.
func (q Queue) Job(id string) string { return q.JobPrefix + id }
