package storage

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/hive/internal/hiveerr"
)

// WalStats describes the WAL side files next to the main database file.
type WalStats struct {
	WalSizeBytes int64 `json:"wal_size"`
	WalFileCount int   `json:"wal_file_count"`
}

// WalHealth is the result of a WAL bloat check.
type WalHealth struct {
	Healthy bool   `json:"healthy"`
	Message string `json:"message"`
}

// DefaultWalThresholdMB is the WAL bloat warning threshold.
const DefaultWalThresholdMB = 100

// Checkpoint truncates the WAL back into the main database file. Called
// after every migration batch and every reset, and periodically by the
// maintenance scheduler.
func (d *DB) Checkpoint(ctx context.Context) error {
	if _, err := d.db.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);"); err != nil {
		return classify(err)
	}
	return nil
}

// GetWalStats stats the -wal and -shm side files.
func (d *DB) GetWalStats(ctx context.Context) (WalStats, error) {
	stats := WalStats{}
	for _, suffix := range []string{"-wal", "-shm"} {
		fi, err := os.Stat(d.path + suffix)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return stats, hiveerr.Wrap(hiveerr.KindIO, "stat wal file", err)
		}
		stats.WalFileCount++
		if suffix == "-wal" {
			stats.WalSizeBytes = fi.Size()
		}
	}
	return stats, nil
}

// CheckWalHealth compares WAL size against the threshold. Exceeding it is
// a WalBloat warning surfaced in the health result, not an error.
func (d *DB) CheckWalHealth(ctx context.Context, thresholdMB int) (WalHealth, error) {
	if thresholdMB <= 0 {
		thresholdMB = DefaultWalThresholdMB
	}
	stats, err := d.GetWalStats(ctx)
	if err != nil {
		return WalHealth{}, err
	}
	limit := int64(thresholdMB) * 1024 * 1024
	if stats.WalSizeBytes > limit {
		return WalHealth{
			Healthy: false,
			Message: fmt.Sprintf("%s: wal size %d bytes exceeds %d MB threshold", hiveerr.KindWalBloat, stats.WalSizeBytes, thresholdMB),
		}, nil
	}
	return WalHealth{
		Healthy: true,
		Message: fmt.Sprintf("wal size %d bytes, %d side files", stats.WalSizeBytes, stats.WalFileCount),
	}, nil
}
