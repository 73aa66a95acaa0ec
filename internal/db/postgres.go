package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/XSAM/otelsql"
	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/patrickwarner/adeligibility/internal/models"
)

// Postgres wraps a postgres DB connection holding the creative catalog.
type Postgres struct {
	DB *sql.DB
}

// schemaSQL sets up the necessary tables if they don't exist.
const schemaSQL = `CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS creative_ads (
    creative_instance_id TEXT PRIMARY KEY,
    creative_set_id TEXT NOT NULL,
    campaign_id TEXT NOT NULL,
    advertiser_id TEXT NOT NULL,
    segment TEXT NOT NULL DEFAULT 'untargeted',
    pass_through_rate DOUBLE PRECISION NOT NULL DEFAULT 1.0,
    daily_cap INT NOT NULL DEFAULT 0,
    per_day INT NOT NULL DEFAULT 0,
    per_week INT NOT NULL DEFAULT 0,
    per_month INT NOT NULL DEFAULT 0,
    total_max INT NOT NULL DEFAULT 0,
    priority INT NOT NULL DEFAULT 0,
    geo_targets TEXT[],
    embedding vector,
    position SERIAL
);

CREATE TABLE IF NOT EXISTS creative_ad_dayparts (
    creative_instance_id TEXT REFERENCES creative_ads(creative_instance_id) ON DELETE CASCADE,
    day_of_week INT NOT NULL,
    start_minute INT NOT NULL,
    end_minute INT NOT NULL
);

CREATE TABLE IF NOT EXISTS anti_targeting_sites (
    creative_set_id TEXT NOT NULL,
    site TEXT NOT NULL,
    PRIMARY KEY (creative_set_id, site)
);

CREATE INDEX IF NOT EXISTS idx_creative_ads_segment ON creative_ads (segment);
CREATE INDEX IF NOT EXISTS idx_creative_ad_dayparts_instance ON creative_ad_dayparts (creative_instance_id);
`

// InitPostgres connects to Postgres with connection pooling configuration.
func InitPostgres(ctx context.Context, dsn string, maxOpenConns, maxIdleConns int, connMaxLifetime, connMaxIdleTime time.Duration) (*Postgres, error) {
	// Register the otelsql wrapper for postgres
	driverName, err := otelsql.Register("postgres",
		otelsql.WithAttributes(
			attribute.String("db.system", "postgresql"),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("register otelsql: %w", err)
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)
	db.SetConnMaxIdleTime(connMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	p := &Postgres{DB: db}
	if err := p.ensureSchema(ctx); err != nil {
		return nil, err
	}
	zap.L().Info("Connected to Postgres with connection pooling",
		zap.Int("max_open_conns", maxOpenConns),
		zap.Int("max_idle_conns", maxIdleConns),
		zap.Duration("conn_max_lifetime", connMaxLifetime))
	return p, nil
}

// Close terminates the Postgres connection.
func (p *Postgres) Close() {
	if p != nil && p.DB != nil {
		if err := p.DB.Close(); err != nil {
			zap.L().Error("postgres close", zap.Error(err))
		}
	}
}

// ensureSchema creates the required tables if they do not exist.
func (p *Postgres) ensureSchema(ctx context.Context) error {
	if _, err := p.DB.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// LoadCreativeAds retrieves every creative ad with its dayparts, in catalog
// insertion order.
func (p *Postgres) LoadCreativeAds(ctx context.Context) ([]models.CreativeAd, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT creative_instance_id, creative_set_id, campaign_id, advertiser_id, segment, pass_through_rate, daily_cap, per_day, per_week, per_month, total_max, priority, geo_targets, embedding FROM creative_ads ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("query creative ads: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var ads []models.CreativeAd
	index := make(map[string]int)
	for rows.Next() {
		var ad models.CreativeAd
		var geo []string
		var emb *pgvector.Vector
		if err := rows.Scan(&ad.CreativeInstanceID, &ad.CreativeSetID, &ad.CampaignID, &ad.AdvertiserID, &ad.Segment,
			&ad.PassThroughRate, &ad.DailyCap, &ad.PerDay, &ad.PerWeek, &ad.PerMonth, &ad.TotalMax, &ad.Priority,
			pq.Array(&geo), &emb); err != nil {
			return nil, fmt.Errorf("scan creative ad: %w", err)
		}
		ad.GeoTargets = geo
		if emb != nil {
			ad.Embedding = emb.Slice()
		}
		index[ad.CreativeInstanceID] = len(ads)
		ads = append(ads, ad)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	dayparts, err := p.loadDayparts(ctx)
	if err != nil {
		return nil, err
	}
	for id, dps := range dayparts {
		if i, ok := index[id]; ok {
			ads[i].Dayparts = dps
		}
	}
	return ads, nil
}

func (p *Postgres) loadDayparts(ctx context.Context) (map[string][]models.Daypart, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT creative_instance_id, day_of_week, start_minute, end_minute FROM creative_ad_dayparts`)
	if err != nil {
		return nil, fmt.Errorf("query dayparts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	out := make(map[string][]models.Daypart)
	for rows.Next() {
		var id string
		var dow int
		var dp models.Daypart
		if err := rows.Scan(&id, &dow, &dp.StartMinute, &dp.EndMinute); err != nil {
			return nil, fmt.Errorf("scan daypart: %w", err)
		}
		dp.DayOfWeek = time.Weekday(dow)
		out[id] = append(out[id], dp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// LoadAntiTargeting returns the creative set to site list mapping.
func (p *Postgres) LoadAntiTargeting(ctx context.Context) (map[string][]string, error) {
	rows, err := p.DB.QueryContext(ctx, `SELECT creative_set_id, site FROM anti_targeting_sites`)
	if err != nil {
		return nil, fmt.Errorf("query anti targeting: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	out := make(map[string][]string)
	for rows.Next() {
		var setID, site string
		if err := rows.Scan(&setID, &site); err != nil {
			return nil, fmt.Errorf("scan anti targeting: %w", err)
		}
		out[setID] = append(out[setID], site)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}
	return out, nil
}

// InsertCreativeAd stores a creative ad and its dayparts in one transaction.
func (p *Postgres) InsertCreativeAd(ctx context.Context, ad models.CreativeAd) error {
	tx, err := p.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	var emb any
	if len(ad.Embedding) > 0 {
		emb = pgvector.NewVector(ad.Embedding)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO creative_ads (creative_instance_id, creative_set_id, campaign_id, advertiser_id, segment, pass_through_rate, daily_cap, per_day, per_week, per_month, total_max, priority, geo_targets, embedding) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		ad.CreativeInstanceID, ad.CreativeSetID, ad.CampaignID, ad.AdvertiserID, ad.Segment, ad.PassThroughRate,
		ad.DailyCap, ad.PerDay, ad.PerWeek, ad.PerMonth, ad.TotalMax, ad.Priority, pq.Array(ad.GeoTargets), emb); err != nil {
		return fmt.Errorf("insert creative ad %s: %w", ad.CreativeInstanceID, err)
	}
	for _, dp := range ad.Dayparts {
		if _, err := tx.ExecContext(ctx, `INSERT INTO creative_ad_dayparts (creative_instance_id, day_of_week, start_minute, end_minute) VALUES ($1,$2,$3,$4)`,
			ad.CreativeInstanceID, int(dp.DayOfWeek), dp.StartMinute, dp.EndMinute); err != nil {
			return fmt.Errorf("insert daypart for %s: %w", ad.CreativeInstanceID, err)
		}
	}
	return tx.Commit()
}
