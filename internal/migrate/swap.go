package migrate

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/arkilian/oparchive/internal/store"
)

// SwapRecord is a rebuilt table waiting to replace its live path.
type SwapRecord struct {
	Target  string
	Temp    string
	Version int
}

// BackupPath returns where the table replaced at version is kept.
func BackupPath(target string, version int) string {
	return fmt.Sprintf("%s.bak.%d", target, version)
}

// TempPath returns where table is rebuilt at version.
func TempPath(archivePath, table string, version int) string {
	return fmt.Sprintf("%s.tmp.%d", store.Join(archivePath, table), version)
}

// Swap replaces target with temp. An existing target is moved to its backup
// path first. The returned backup is empty when target did not exist.
// Backups are never removed.
//
// If the backup already exists, target was produced by an earlier attempt
// of the same version and is dropped instead: the rebuild read from the
// backup, so temp supersedes it.
func Swap(ctx context.Context, c store.Client, logger *zap.Logger, rec SwapRecord) (backup string, err error) {
	hasTarget, err := c.Exists(ctx, rec.Target)
	if err != nil {
		return "", err
	}
	if hasTarget {
		if err := c.Unmount(ctx, rec.Target); err != nil {
			return "", err
		}
	}
	if err := c.Unmount(ctx, rec.Temp); err != nil {
		return "", err
	}

	logger.Info("Swapping tables", zap.String("source", rec.Temp), zap.String("target", rec.Target))
	if hasTarget {
		backup = BackupPath(rec.Target, rec.Version)
		replayed, err := c.Exists(ctx, backup)
		if err != nil {
			return "", err
		}
		if replayed {
			logger.Warn("Backup exists, dropping table left by an earlier attempt",
				zap.String("path", rec.Target), zap.String("backup", backup))
			if err := c.Remove(ctx, rec.Target, true); err != nil {
				return "", err
			}
		} else if err := c.Move(ctx, rec.Target, backup); err != nil {
			return "", err
		}
	}
	if err := c.Move(ctx, rec.Temp, rec.Target); err != nil {
		return "", err
	}
	if err := c.Mount(ctx, rec.Target); err != nil {
		return "", err
	}
	return backup, nil
}
