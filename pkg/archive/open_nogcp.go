//go:build !gcp

package archive

import (
	"context"
	"fmt"
)

func openGCS(context.Context, string, string) (Store, error) {
	return nil, fmt.Errorf("archive: GCS is not enabled in this build (use -tags gcp)")
}
