package keys

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeys_Cache(t *testing.T) {
	assert.Equal(t, "docqw:tasks:t1:metadata", Metadata(DefaultTaskPrefix, "t1"))
	assert.Equal(t, "docqw:tasks:t1:result_key", ResultKey(DefaultTaskPrefix, "t1"))
	assert.Equal(t, "docqw:results:t1", Result(DefaultResultsPrefix, "t1"))
}

func TestKeys_For(t *testing.T) {
	q := For("chunk")
	assert.Equal(t, "chunk", q.Name)
	assert.Equal(t, "docqw:{chunk}:pending", q.Pending)
	assert.Equal(t, "docqw:{chunk}:active", q.Active)
	assert.Equal(t, "docqw:{chunk}:finished", q.Finished)
	assert.Equal(t, "docqw:{chunk}:unique", q.Unique)
	assert.Equal(t, "docqw:{chunk}:job:x", q.Job("x"))
}
