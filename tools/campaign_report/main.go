// Campaign report prints the lifecycle funnel of one campaign from the
// ad_events table in ClickHouse.
//
// Usage:
//
//	go run ./tools/campaign_report -campaign-id=camp-1 -days=30
//
// CLICKHOUSE_DSN is used when -clickhouse-dsn is not given.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"

	"github.com/patrickwarner/adeligibility/internal/reporting"
)

func main() {
	var (
		campaignID = flag.String("campaign-id", "", "Campaign ID to generate report for")
		days       = flag.Int("days", 7, "Number of days to include in report")
		dsn        = flag.String("clickhouse-dsn", getEnv("CLICKHOUSE_DSN", "tcp://localhost:9000"), "ClickHouse DSN")
	)
	flag.Parse()

	if *campaignID == "" {
		fmt.Fprintf(os.Stderr, "Error: campaign-id is required\n")
		flag.Usage()
		os.Exit(1)
	}

	db, err := sql.Open("clickhouse", *dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error connecting to ClickHouse: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if err := db.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to close database connection: %v\n", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error pinging ClickHouse: %v\n", err)
		os.Exit(1)
	}

	summary, err := reporting.GenerateCampaignReport(ctx, db, *campaignID, *days)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error generating report: %v\n", err)
		os.Exit(1)
	}
	printReport(summary, *days)
}

func printReport(summary *reporting.CampaignSummary, days int) {
	fmt.Printf("CAMPAIGN FUNNEL REPORT\n")
	fmt.Printf("Campaign ID:   %s\n", summary.CampaignID)
	fmt.Printf("Report Period: %d days (ending %s)\n\n", days, time.Now().Format("2006-01-02"))

	t := summary.Total
	fmt.Printf("Served:       %d\n", t.Served)
	fmt.Printf("Viewed:       %d (%.2f%% of served)\n", t.Viewed, t.ViewRate)
	fmt.Printf("Clicked:      %d (%.2f%% CTR)\n", t.Clicked, t.CTR)
	fmt.Printf("Dismissed:    %d\n", t.Dismissed)
	fmt.Printf("Landed:       %d (%.2f%% of clicks)\n", t.Landed, t.LandingRate)
	fmt.Printf("Conversions:  %d\n\n", t.Conversions)

	if len(summary.Daily) > 0 {
		fmt.Printf("Date       |  Served |  Viewed | Clicked |   CTR   | Conversions\n")
		fmt.Printf("-----------|---------|---------|---------|---------|------------\n")
		for _, d := range summary.Daily {
			fmt.Printf("%-10s | %7d | %7d | %7d | %6.2f%% | %11d\n",
				d.Date.Format("2006-01-02"), d.Served, d.Viewed, d.Clicked, d.CTR, d.Conversions)
		}
		fmt.Printf("\n")
	}

	if len(summary.TopCreatives) > 0 {
		fmt.Printf("Top creatives by CTR\n")
		for _, c := range summary.TopCreatives {
			fmt.Printf("  %-36s viewed %6d  clicked %6d  CTR %6.2f%%\n", c.CreativeInstanceID, c.Viewed, c.Clicked, c.CTR)
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
