// SPDX-License-Identifier: MIT

package manifest

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// JobChecker reports whether a job row still exists.
type JobChecker func(ctx context.Context, jobID string) (bool, error)

// SweepOrphans removes output directories that have no job row and have not
// been touched for at least minAge. The registry entry is dropped with the
// directory. Returns the number of directories removed.
func (r *Registry) SweepOrphans(ctx context.Context, exists JobChecker, minAge time.Duration) (int, error) {
	entries, err := os.ReadDir(r.outputRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	cutoff := r.now().Add(-minAge)
	removed := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if !e.IsDir() || e.Name() == "_state" {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		known, err := exists(ctx, e.Name())
		if err != nil {
			return removed, err
		}
		if known {
			continue
		}
		dir := filepath.Join(r.outputRoot, e.Name())
		if err := os.RemoveAll(dir); err != nil {
			r.logger.Error().Err(err).Str("dir", dir).Msg("orphan dir not removed")
			continue
		}
		_ = r.updateRegistry(func(reg *registryFile) {
			delete(reg.Manifests, e.Name())
		})
		removed++
		r.logger.Info().Str("dir", dir).Msg("orphan output dir reclaimed")
	}
	return removed, nil
}
