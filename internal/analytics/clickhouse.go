// Package analytics mirrors recorded ad events into ClickHouse for reporting.
package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/adeligibility/internal/models"
	"github.com/patrickwarner/adeligibility/internal/observability"
)

// ErrUnavailable is returned when the analytics DB is not configured.
var ErrUnavailable = errors.New("analytics unavailable")

// AnalyticsService records ad events for offline reporting. Implementations
// return ErrUnavailable when their storage is not configured.
type AnalyticsService interface {
	// RecordAdEvent inserts one ad event row.
	RecordAdEvent(ctx context.Context, event models.AdEvent) error
	// EventsForPlacement returns the rows recorded for a placement ordered by time.
	EventsForPlacement(ctx context.Context, placementID string) ([]EventRecord, error)
}

// Analytics wraps a ClickHouse DB connection.
type Analytics struct {
	DB      *sql.DB
	Metrics observability.MetricsRegistry
	Logger  *zap.Logger
}

// EventRecord mirrors a row in the ad_events table.
type EventRecord struct {
	Timestamp          time.Time `json:"timestamp"`
	EventID            string    `json:"event_id"`
	PlacementID        string    `json:"placement_id"`
	CreativeInstanceID string    `json:"creative_instance_id"`
	CreativeSetID      string    `json:"creative_set_id"`
	CampaignID         string    `json:"campaign_id"`
	AdvertiserID       string    `json:"advertiser_id"`
	AdType             string    `json:"ad_type"`
	ConfirmationType   string    `json:"confirmation_type"`
	Segment            string    `json:"segment"`
}

const createTable = `CREATE TABLE IF NOT EXISTS ad_events (
       timestamp            DateTime64(3),
       event_id             String,
       placement_id         String,
       creative_instance_id String,
       creative_set_id      String,
       campaign_id          String,
       advertiser_id        String,
       ad_type              LowCardinality(String),
       confirmation_type    LowCardinality(String),
       segment              String
   ) ENGINE=MergeTree() ORDER BY (confirmation_type, timestamp)`

// InitClickHouse connects to ClickHouse and ensures the ad_events table exists.
func InitClickHouse(ctx context.Context, dsn string, metrics observability.MetricsRegistry, logger *zap.Logger) (*Analytics, error) {
	db, err := sql.Open("clickhouse", dsn)
	if err != nil {
		return nil, fmt.Errorf("clickhouse open: %w", err)
	}
	db.SetMaxOpenConns(25)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTable); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("clickhouse create table: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = observability.NewNoOpRegistry()
	}

	logger.Info("Connected to ClickHouse")
	return &Analytics{DB: db, Metrics: metrics, Logger: logger}, nil
}

// RecordAdEvent inserts a single row into the ad_events table.
func (a *Analytics) RecordAdEvent(ctx context.Context, event models.AdEvent) error {
	if a == nil || a.DB == nil {
		return ErrUnavailable
	}
	r := recordFor(event)
	stmt := `INSERT INTO ad_events (timestamp, event_id, placement_id, creative_instance_id, creative_set_id, campaign_id, advertiser_id, ad_type, confirmation_type, segment) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := a.DB.ExecContext(ctx, stmt, r.Timestamp, r.EventID, r.PlacementID, r.CreativeInstanceID, r.CreativeSetID, r.CampaignID, r.AdvertiserID, r.AdType, r.ConfirmationType, r.Segment); err != nil {
		return fmt.Errorf("insert %s event: %w", r.ConfirmationType, err)
	}
	return nil
}

// OnAdEvent lets Analytics observe an AdEventHandler. Insert failures are
// logged and counted; they never affect the recorded event.
func (a *Analytics) OnAdEvent(ctx context.Context, event models.AdEvent) {
	if a == nil || a.DB == nil {
		return
	}
	if err := a.RecordAdEvent(ctx, event); err != nil {
		a.logger().Error("clickhouse insert failed",
			zap.Error(err),
			zap.String("placement_id", event.PlacementID),
			zap.String("confirmation_type", string(event.ConfirmationType)))
		if a.Metrics != nil {
			a.Metrics.IncrementStorageErrors("analytics_insert")
		}
	}
}

// EventsForPlacement returns all rows for a placement ordered by timestamp.
func (a *Analytics) EventsForPlacement(ctx context.Context, placementID string) ([]EventRecord, error) {
	if a == nil || a.DB == nil {
		return nil, ErrUnavailable
	}
	query := `SELECT timestamp, event_id, placement_id, creative_instance_id, creative_set_id, campaign_id, advertiser_id, ad_type, confirmation_type, segment FROM ad_events WHERE placement_id=? ORDER BY timestamp`
	rows, err := a.DB.QueryContext(ctx, query, placementID)
	if err != nil {
		return nil, fmt.Errorf("query ad events: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			a.logger().Warn("rows close", zap.Error(err))
		}
	}()

	var events []EventRecord
	for rows.Next() {
		var ev EventRecord
		if err := rows.Scan(&ev.Timestamp, &ev.EventID, &ev.PlacementID, &ev.CreativeInstanceID, &ev.CreativeSetID, &ev.CampaignID, &ev.AdvertiserID, &ev.AdType, &ev.ConfirmationType, &ev.Segment); err != nil {
			return nil, fmt.Errorf("scan ad event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return events, nil
}

// Close terminates the ClickHouse connection.
func (a *Analytics) Close() {
	if a != nil && a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.logger().Error("clickhouse close", zap.Error(err))
		}
	}
}

func (a *Analytics) logger() *zap.Logger {
	if a.Logger == nil {
		return zap.L()
	}
	return a.Logger
}

// recordFor flattens an AdEvent into its ad_events row.
func recordFor(event models.AdEvent) EventRecord {
	return EventRecord{
		Timestamp:          event.CreatedAt.UTC(),
		EventID:            event.ID,
		PlacementID:        event.PlacementID,
		CreativeInstanceID: event.CreativeInstanceID,
		CreativeSetID:      event.CreativeSetID,
		CampaignID:         event.CampaignID,
		AdvertiserID:       event.AdvertiserID,
		AdType:             string(event.AdType),
		ConfirmationType:   string(event.ConfirmationType),
		Segment:            event.Segment,
	}
}
