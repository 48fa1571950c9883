package shipper

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/obsidianstack/pgsnap/agent/internal/config"
)

// Validate runs exactly one collection into a temporary file, deletes it,
// and returns its size. It makes no network calls.
func Validate(ctx context.Context, cfg config.Config, c Collector) (int64, error) {
	tempDir := cfg.Collect.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	path := tempPath(tempDir, cfg.Identity, time.Now())
	defer removeQuiet(slog.Default().With("component", "shipper"), path)

	size, err := c.Collect(ctx, path)
	if err != nil {
		return 0, err
	}
	if err := os.Remove(path); err != nil {
		return size, fmt.Errorf("shipper: remove snapshot: %w", err)
	}
	return size, nil
}
