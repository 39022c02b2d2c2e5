// Package cleaner removes the transient artifacts of a deployment run.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/multierr"

	"github.com/oshokin/lambda-deployer/internal/logger"
)

// Clean removes every path recursively. Paths that do not exist are skipped;
// every other failure is collected so one stuck path does not keep the rest.
func Clean(ctx context.Context, paths ...string) error {
	ctx = logger.WithName(ctx, "cleaner")

	var result error

	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Lstat(path); errors.Is(err, os.ErrNotExist) {
			logger.DebugKV(ctx, "Nothing to remove", "path", path)
			continue
		}

		if err := os.RemoveAll(path); err != nil {
			result = multierr.Append(result, fmt.Errorf("remove %s: %w", path, err))
			continue
		}

		logger.InfoKV(ctx, "Removed", "path", path)
	}

	return result
}
