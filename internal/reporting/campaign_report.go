// Package reporting builds campaign funnel reports from the ad_events table
// that the analytics observer writes to ClickHouse.
package reporting

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// FunnelMetrics counts lifecycle confirmations for a campaign over a period.
// Rates are percentages (0-100).
type FunnelMetrics struct {
	Date        time.Time `json:"date"`
	Served      int64     `json:"served"`
	Viewed      int64     `json:"viewed"`
	Clicked     int64     `json:"clicked"`
	Dismissed   int64     `json:"dismissed"`
	Landed      int64     `json:"landed"`
	Conversions int64     `json:"conversions"`
	ViewRate    float64   `json:"view_rate"`
	CTR         float64   `json:"ctr"`
	LandingRate float64   `json:"landing_rate"`
}

// CreativeMetrics summarises one creative instance within a campaign.
type CreativeMetrics struct {
	CreativeInstanceID string  `json:"creative_instance_id"`
	Viewed             int64   `json:"viewed"`
	Clicked            int64   `json:"clicked"`
	CTR                float64 `json:"ctr"`
}

// CampaignSummary is the full report for one campaign.
type CampaignSummary struct {
	CampaignID   string            `json:"campaign_id"`
	Total        FunnelMetrics     `json:"total"`
	Daily        []FunnelMetrics   `json:"daily"`
	TopCreatives []CreativeMetrics `json:"top_creatives"`
}

// GenerateCampaignReport queries ClickHouse for a campaign's funnel over the
// last days days.
func GenerateCampaignReport(ctx context.Context, db *sql.DB, campaignID string, days int) (*CampaignSummary, error) {
	summary := &CampaignSummary{CampaignID: campaignID}

	daily, err := getDailyFunnel(ctx, db, campaignID, days)
	if err != nil {
		return nil, fmt.Errorf("get daily funnel: %w", err)
	}
	summary.Daily = daily
	summary.Total = Total(daily)

	top, err := getTopCreatives(ctx, db, campaignID, days, 5)
	if err != nil {
		return nil, fmt.Errorf("get top creatives: %w", err)
	}
	summary.TopCreatives = top
	return summary, nil
}

// Total sums daily rows and derives the rates.
func Total(daily []FunnelMetrics) FunnelMetrics {
	var t FunnelMetrics
	for _, d := range daily {
		t.Served += d.Served
		t.Viewed += d.Viewed
		t.Clicked += d.Clicked
		t.Dismissed += d.Dismissed
		t.Landed += d.Landed
		t.Conversions += d.Conversions
	}
	t.withRates()
	return t
}

func (m *FunnelMetrics) withRates() {
	m.ViewRate = percent(m.Viewed, m.Served)
	m.CTR = percent(m.Clicked, m.Viewed)
	m.LandingRate = percent(m.Landed, m.Clicked)
}

func percent(n, d int64) float64 {
	if d == 0 {
		return 0
	}
	return float64(n) / float64(d) * 100
}

func getDailyFunnel(ctx context.Context, db *sql.DB, campaignID string, days int) ([]FunnelMetrics, error) {
	query := `
		SELECT
			toDate(timestamp) as date,
			countIf(confirmation_type = 'served') as served,
			countIf(confirmation_type = 'viewed') as viewed,
			countIf(confirmation_type = 'clicked') as clicked,
			countIf(confirmation_type = 'dismissed') as dismissed,
			countIf(confirmation_type = 'landed') as landed,
			countIf(confirmation_type = 'conversion') as conversions
		FROM ad_events
		WHERE campaign_id = ?
			AND timestamp >= now() - INTERVAL ? DAY
		GROUP BY date
		ORDER BY date DESC`

	rows, err := db.QueryContext(ctx, query, campaignID, days)
	if err != nil {
		return nil, fmt.Errorf("query daily funnel: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []FunnelMetrics
	for rows.Next() {
		var m FunnelMetrics
		if err := rows.Scan(&m.Date, &m.Served, &m.Viewed, &m.Clicked, &m.Dismissed, &m.Landed, &m.Conversions); err != nil {
			return nil, fmt.Errorf("scan daily funnel: %w", err)
		}
		m.withRates()
		out = append(out, m)
	}
	return out, rows.Err()
}

func getTopCreatives(ctx context.Context, db *sql.DB, campaignID string, days int, limit int) ([]CreativeMetrics, error) {
	query := `
		SELECT
			creative_instance_id,
			countIf(confirmation_type = 'viewed') as viewed,
			countIf(confirmation_type = 'clicked') as clicked
		FROM ad_events
		WHERE campaign_id = ?
			AND timestamp >= now() - INTERVAL ? DAY
		GROUP BY creative_instance_id
		ORDER BY if(viewed > 0, clicked / viewed, 0) DESC
		LIMIT ?`

	rows, err := db.QueryContext(ctx, query, campaignID, days, limit)
	if err != nil {
		return nil, fmt.Errorf("query top creatives: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var out []CreativeMetrics
	for rows.Next() {
		var c CreativeMetrics
		if err := rows.Scan(&c.CreativeInstanceID, &c.Viewed, &c.Clicked); err != nil {
			return nil, fmt.Errorf("scan creative metrics: %w", err)
		}
		c.CTR = percent(c.Clicked, c.Viewed)
		out = append(out, c)
	}
	return out, rows.Err()
}
