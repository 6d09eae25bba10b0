package workflow

import (
	"time"

	"github.com/withObsrvr/obsrvr-share-loader/internal/ledger"
	"github.com/withObsrvr/obsrvr-share-loader/internal/pipeline"
)

// Finalize applies a pipeline result to rec and returns the updated record.
// A confirmed record becomes processed; a failed one keeps Processed false so
// the next partition cycle picks it up again.
func Finalize(rec ledger.Record, res pipeline.Result, containerID string, now time.Time) ledger.Record {
	rec.ProcessedTime = now.UTC()

	if res.Confirmed() {
		rec.Processed = true
		rec.ContainerID = containerID
		rec.MetaID = res.MetaID
		rec.FileVersion = res.FileVersion
		rec.StatusCode = 0
		rec.Cause = ""
		return rec
	}

	rec.StatusCode = res.StatusCode
	if res.Cause != nil {
		rec.Cause = res.Cause.Error()
	} else {
		rec.Cause = "failed at " + res.FailedStage().String()
	}
	return rec
}
