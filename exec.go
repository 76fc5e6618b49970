package docqw

import (
	"context"
	"time"

	"github.com/UniQw/docqw/internal/hctx"
)

// outcome is what a backend records once a job finished executing.
type outcome struct {
	status TaskStatus
	result *TaskResult
	meta   ProcessingMeta
	errMsg string
}

// execute runs job through mux, reporting counter progress via onMeta.
// Counters never exceed NumDocs; the converter may return more documents than
// sources (archives), in which case NumDocs grows to match.
func execute(ctx context.Context, mux *Mux, job *Job, onMeta func(ProcessingMeta)) outcome {
	numDocs := len(job.Task.Sources)
	st := hctx.New()
	st.OnDocument = func(succ, fail int) {
		if onMeta == nil {
			return
		}
		m := ProcessingMeta{NumDocs: numDocs, NumSucceeded: succ, NumFailed: fail, NumProcessed: succ + fail}
		if m.NumProcessed > m.NumDocs {
			m.NumDocs = m.NumProcessed
		}
		onMeta(m)
	}

	start := time.Now()
	res, err := mux.Process(hctx.WithState(ctx, st), job)
	if err != nil {
		succ, fail := st.Counts()
		m := ProcessingMeta{NumDocs: numDocs, NumSucceeded: succ}
		// documents not reported as done count as failed
		m.NumFailed = fail + max(0, numDocs-succ-fail)
		m.NumProcessed = m.NumSucceeded + m.NumFailed
		if m.NumProcessed > m.NumDocs {
			m.NumDocs = m.NumProcessed
		}
		return outcome{status: StatusFailure, meta: m, errMsg: err.Error()}
	}
	if res == nil {
		res = &TaskResult{Kind: ResultExport, Status: StatusSuccess}
	}
	if res.ProcessingTime <= 0 {
		res.ProcessingTime = time.Since(start).Seconds()
	}
	if tm := st.Timings(); tm != nil {
		if res.Timings == nil {
			res.Timings = tm
		} else {
			for k, v := range tm {
				res.Timings[k] = v
			}
		}
	}

	m := ProcessingMeta{NumDocs: numDocs, NumSucceeded: res.NumSucceeded, NumFailed: res.NumFailed}
	m.NumProcessed = m.NumSucceeded + m.NumFailed
	if m.NumProcessed > m.NumDocs {
		m.NumDocs = m.NumProcessed
	}

	status := StatusSuccess
	var errMsg string
	if res.Status == StatusFailure {
		status = StatusFailure
		errMsg = "all documents failed to convert"
		if len(res.Errors) > 0 {
			errMsg = res.Errors[0].Message
		}
	}
	return outcome{status: status, result: res, meta: m, errMsg: errMsg}
}
