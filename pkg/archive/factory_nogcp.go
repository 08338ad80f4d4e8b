//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func newGCSArchive(_ context.Context, _ Config) (Archive, error) {
	return nil, fmt.Errorf("GCS archive is not enabled in this build (use -tags gcp)")
}
