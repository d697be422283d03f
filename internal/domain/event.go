package domain

import (
	"errors"
	"time"
)

// ErrSourceUnavailable marks a remote file that is not (yet) published.
// It is expected and never fails a run; the date stays a candidate.
var ErrSourceUnavailable = errors.New("source file not available")

// Event kinds.
const (
	KindAsset = "asset"
	KindRow   = "row"
)

// IngestEvent records one item published to a sink during a run.
type IngestEvent struct {
	Job         string    `json:"job"`
	RunID       string    `json:"run_id"`
	Kind        string    `json:"kind"`
	Sink        string    `json:"sink"`
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	PublishedAt time.Time `json:"published_at"`
}
