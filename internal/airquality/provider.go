package airquality

import (
	"context"
)

// Extractor abstracts the upstream source. One call performs one fetch and
// returns the flattened batch.
type Extractor interface {
	Name() string
	Extract(ctx context.Context) (*Frame, error)
}

// MergeResult describes one incremental merge.
type MergeResult struct {
	Existing   int `json:"existing"`
	Incoming   int `json:"incoming"`
	Written    int `json:"written"`
	Added      int `json:"added"`
	Duplicates int `json:"duplicates"`
}

// Store is the contract the incremental dataset store must satisfy.
type Store interface {
	Path() string
	Merge(ctx context.Context, batch []Reading) (MergeResult, error)
}

// Recorder keeps a ledger of finished runs.
type Recorder interface {
	Record(ctx context.Context, report RunReport) error
}

// Notifier announces finished runs to interested parties.
type Notifier interface {
	Publish(ctx context.Context, report RunReport) error
}
