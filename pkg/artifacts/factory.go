package artifacts

import (
	"context"
	"fmt"

	"github.com/nexus-labs/nexus/core/pkg/nexuserr"
)

// Config selects the artifact backend.
type Config struct {
	Backend string // "file" (default) or "s3"
	Dir     string
	S3      S3Config
}

// NewStore builds the configured backend.
func NewStore(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "file":
		dir := cfg.Dir
		if dir == "" {
			dir = "./artifacts"
		}
		return NewFileStore(dir)
	case "s3":
		return NewS3Store(ctx, cfg.S3)
	default:
		return nil, nexuserr.ConfigError(fmt.Sprintf("unknown artifact backend %q", cfg.Backend))
	}
}
