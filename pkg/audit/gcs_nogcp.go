//go:build !gcp

package audit

import (
	"context"
	"fmt"
)

func NewGCSUploader(_ context.Context, _, _ string) (Uploader, error) {
	return nil, fmt.Errorf("audit: GCS upload is not enabled in this build (use -tags gcp)")
}
