package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/site-scanner/internal/models"
)

// ScanEventRepository appends terminal scan events to ClickHouse
type ScanEventRepository struct {
	db *ClickHouseDB
}

// NewScanEventRepository creates a new scan event repository
func NewScanEventRepository(db *ClickHouseDB) *ScanEventRepository {
	return &ScanEventRepository{db: db}
}

// Insert appends events in one batch
func (r *ScanEventRepository) Insert(ctx context.Context, events ...models.ScanEvent) error {
	if len(events) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO scan_events (
			scan_id, user_id, site_id, scan_type, status,
			risk_score, pages, duration_ms, error, finished_at
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare scan event batch: %w", err)
	}

	for _, e := range events {
		err := batch.Append(
			uint64(e.ScanID),
			uint64(e.UserID),
			uint64(e.SiteID),
			string(e.Type),
			string(e.Status),
			int32(e.RiskScore),
			uint32(e.Pages),
			uint64(e.DurationMs),
			e.Error,
			e.FinishedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("failed to append scan event %d: %w", e.ScanID, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send scan event batch: %w", err)
	}
	return nil
}

// CountByStatus returns terminal scan counts per status since the given time
func (r *ScanEventRepository) CountByStatus(ctx context.Context, since time.Time) (map[string]uint64, error) {
	rows, err := r.db.Conn().Query(ctx, `
		SELECT status, count() AS n
		FROM scan_events
		WHERE finished_at >= ?
		GROUP BY status
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to count scan events: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]uint64)
	for rows.Next() {
		var status string
		var n uint64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan event count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
