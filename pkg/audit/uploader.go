package audit

import "context"

// Uploader persists an evidence pack in an object store and returns the
// location URI it can later be fetched from.
type Uploader interface {
	Upload(ctx context.Context, key string, pack []byte) (string, error)
}
