// Package mirror uploads lead snapshots to a content-addressed remote store.
package mirror

import (
	"context"
	"fmt"
	"time"
)

// Uploader stores bytes remotely and returns their content identifier.
type Uploader interface {
	Upload(ctx context.Context, data []byte, filename string) (string, error)
}

// LeadFileName is the name a lead snapshot is uploaded under.
func LeadFileName(userPlatformID string, now time.Time) string {
	return fmt.Sprintf("lead-%s-%d.json", userPlatformID, now.UnixMilli())
}
