package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/patrickwarner/adeligibility/internal/api"
	"github.com/patrickwarner/adeligibility/internal/config"
	"github.com/patrickwarner/adeligibility/internal/db"
	"github.com/patrickwarner/adeligibility/internal/models"
	"github.com/patrickwarner/adeligibility/internal/observability"
)

var (
	server          string
	totalReq        int
	conc            int
	duration        time.Duration
	rate            float64
	viewRate        float64
	clickRate       float64
	dismissRate     float64
	landRate        float64
	stats           bool
	flush           bool
	redisAddr       string
	debug           bool
	label           string
	adType          string
	interestCSV     string
	surgeInterval   time.Duration
	surgeDuration   time.Duration
	surgeMultiplier float64
	jitter          float64
)

var logger *zap.Logger

var httpClient *http.Client

var interests = []string{"technology-computing", "travel", "finance-banking", "sports-football", "food & drink", "automotive"}

const statsInterval = 5 * time.Second

var (
	countSent     uint64
	countServed   uint64
	countNoAds    uint64
	countNoOpp    uint64
	countErrors   uint64
	countViews    uint64
	countClicks   uint64
	countDismiss  uint64
	countRejected uint64
)

func main() {
	flag.StringVar(&server, "server", "http://localhost:8787", "ad engine base URL")
	flag.IntVar(&totalReq, "requests", 1000, "total ad requests to send")
	flag.IntVar(&conc, "concurrency", 20, "concurrent requests")
	flag.DurationVar(&duration, "duration", 0, "how long to run traffic (0 to disable)")
	flag.Float64Var(&rate, "rate", 0, "requests per second (0 for unlimited)")
	flag.Float64Var(&viewRate, "view-rate", 0.8, "probability a served ad is viewed")
	flag.Float64Var(&clickRate, "click-rate", 0.05, "probability a viewed ad is clicked")
	flag.Float64Var(&dismissRate, "dismiss-rate", 0.1, "probability a viewed ad is dismissed")
	flag.Float64Var(&landRate, "land-rate", 0.7, "probability a click lands")
	flag.BoolVar(&stats, "stats", false, "print aggregated stats periodically")
	flag.BoolVar(&flush, "flush", false, "flush the redis event log before sending traffic")
	flag.StringVar(&redisAddr, "redis", "", "redis address (defaults to REDIS_ADDR)")
	flag.BoolVar(&debug, "debug", false, "enable verbose debug logs")
	flag.StringVar(&label, "label", "", "label to identify this run")
	flag.StringVar(&adType, "ad-type", string(models.AdTypeNotification), "ad type to report events for")
	flag.StringVar(&interestCSV, "interests", "", "comma-separated interest segments (defaults to a built-in set)")
	flag.DurationVar(&surgeInterval, "surge-interval", 0, "interval between traffic surges (0 to disable)")
	flag.DurationVar(&surgeDuration, "surge-duration", 0, "duration of each surge window")
	flag.Float64Var(&surgeMultiplier, "surge-multiplier", 2.0, "requests multiplier during surge period")
	flag.Float64Var(&jitter, "jitter", 0.0, "random jitter factor for request spacing")
	flag.Parse()

	level := zapcore.InfoLevel
	if debug {
		level = zapcore.DebugLevel
	}
	var err error
	logger, err = observability.InitLoggerWithLevel(level, "traffic-simulator")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if _, err := models.ParseAdType(adType); err != nil {
		logger.Fatal("bad ad type", zap.Error(err))
	}

	httpClient = &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 10 * time.Second,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10,
			MaxConnsPerHost:       50,
			IdleConnTimeout:       90 * time.Second,
		},
	}

	if label == "" {
		label = time.Now().Format(time.RFC3339)
	}
	if interestCSV != "" {
		interests = strings.Split(interestCSV, ",")
		for i := range interests {
			interests[i] = strings.TrimSpace(interests[i])
		}
	}

	if flush {
		if err := flushEventLog(); err != nil {
			logger.Fatal("flush event log", zap.Error(err))
		}
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, conc)
	done := make(chan struct{})
	seedBase := time.Now().UnixNano()
	r := rand.New(rand.NewSource(seedBase))

	var baseInterval time.Duration
	if rate > 0 {
		baseInterval = time.Duration(float64(time.Second) / rate)
	} else if duration > 0 && totalReq > 0 {
		baseInterval = duration / time.Duration(totalReq)
	}

	start := time.Now()
	next := start

	if stats {
		go func() {
			ticker := time.NewTicker(statsInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					printStats()
				case <-done:
					printStats()
					return
				}
			}
		}()
	}
	for i := 0; ; i++ {
		if totalReq > 0 && i >= totalReq {
			break
		}
		if duration > 0 && time.Since(start) >= duration {
			break
		}
		if baseInterval > 0 {
			effective := baseInterval
			if surgeInterval > 0 && surgeDuration > 0 && surgeMultiplier > 0 {
				if time.Since(start)%surgeInterval < surgeDuration {
					effective = time.Duration(float64(effective) / surgeMultiplier)
				}
			}
			if jitter > 0 {
				jf := 1 + (r.Float64()*2-1)*jitter
				if jf < 0.1 {
					jf = 0.1
				}
				effective = time.Duration(float64(effective) * jf)
			}
			if now := time.Now(); now.Before(next) {
				time.Sleep(next.Sub(now))
			}
			next = next.Add(effective)
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			simulateVisit(rand.New(rand.NewSource(seedBase + int64(i))))
		}(i)
	}
	wg.Wait()
	close(done)
	if !stats {
		printStats()
	}
}

// simulateVisit asks for ads once and walks the first returned ad through a
// randomly chosen lifecycle.
func simulateVisit(r *rand.Rand) {
	atomic.AddUint64(&countSent, 1)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	q := url.Values{}
	q.Set("interest", interests[r.Intn(len(interests))])
	var ads api.AdsResponse
	if err := getJSON(ctx, server+"/ads?"+q.Encode(), &ads); err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("ads request error", zap.Error(err))
		return
	}
	if !ads.HadOpportunity {
		atomic.AddUint64(&countNoOpp, 1)
		return
	}
	if len(ads.Ads) == 0 {
		atomic.AddUint64(&countNoAds, 1)
		return
	}
	ad := ads.Ads[r.Intn(len(ads.Ads))]

	placementID, ok := fire(ctx, "", ad.CreativeInstanceID, models.ConfirmationServed)
	if !ok {
		return
	}
	atomic.AddUint64(&countServed, 1)

	if r.Float64() >= viewRate {
		return
	}
	if _, ok := fire(ctx, placementID, ad.CreativeInstanceID, models.ConfirmationViewed); !ok {
		return
	}
	atomic.AddUint64(&countViews, 1)

	switch p := r.Float64(); {
	case p < clickRate:
		if _, ok := fire(ctx, placementID, ad.CreativeInstanceID, models.ConfirmationClicked); !ok {
			return
		}
		atomic.AddUint64(&countClicks, 1)
		if r.Float64() < landRate {
			fire(ctx, placementID, ad.CreativeInstanceID, models.ConfirmationLanded)
		}
	case p < clickRate+dismissRate:
		if _, ok := fire(ctx, placementID, ad.CreativeInstanceID, models.ConfirmationDismissed); ok {
			atomic.AddUint64(&countDismiss, 1)
		}
	}
	logger.Debug("visit", zap.String("placement_id", placementID), zap.String("creative_instance_id", ad.CreativeInstanceID))
}

// fire posts one event and returns the placement it was recorded against.
func fire(ctx context.Context, placementID, creativeInstanceID string, ct models.ConfirmationType) (string, bool) {
	body := api.EventRequest{
		PlacementID:        placementID,
		CreativeInstanceID: creativeInstanceID,
		AdType:             adType,
		ConfirmationType:   string(ct),
	}
	blob, err := json.Marshal(body)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("marshal error", zap.Error(err))
		return "", false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, server+"/events", bytes.NewReader(blob))
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("request build error", zap.Error(err))
		return "", false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := httpClient.Do(req)
	if err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("event request error", zap.Error(err))
		return "", false
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusConflict:
		atomic.AddUint64(&countRejected, 1)
		return "", false
	case resp.StatusCode != http.StatusOK:
		atomic.AddUint64(&countErrors, 1)
		b, _ := io.ReadAll(resp.Body)
		logger.Error("unexpected status", zap.Int("status", resp.StatusCode), zap.String("body", strings.TrimSpace(string(b))))
		return "", false
	}

	var out api.EventResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		atomic.AddUint64(&countErrors, 1)
		logger.Error("decode error", zap.Error(err))
		return "", false
	}
	return out.PlacementID, true
}

func getJSON(ctx context.Context, target string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

// flushEventLog removes ad event keys from redis and leaves reactions alone.
func flushEventLog() error {
	addr := redisAddr
	if addr == "" {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		addr = cfg.RedisAddr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store, err := db.InitRedis(ctx, addr)
	if err != nil {
		return err
	}
	defer store.Close()

	var deleted int
	iter := store.Client.Scan(ctx, 0, "adevents:*", 500).Iterator()
	for iter.Next(ctx) {
		if err := store.Client.Del(ctx, iter.Val()).Err(); err != nil {
			logger.Error("failed to delete key", zap.String("key", iter.Val()), zap.Error(err))
			continue
		}
		deleted++
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("scan keys: %w", err)
	}
	logger.Info("redis event log flushed", zap.String("addr", addr), zap.Int("keys_deleted", deleted))
	return nil
}

func printStats() {
	sent := atomic.LoadUint64(&countSent)
	served := atomic.LoadUint64(&countServed)
	views := atomic.LoadUint64(&countViews)
	clk := atomic.LoadUint64(&countClicks)
	var ctr float64
	if views > 0 {
		ctr = float64(clk) / float64(views)
	}
	logger.Info("stats",
		zap.String("run", label),
		zap.Uint64("sent", sent),
		zap.Uint64("served", served),
		zap.Uint64("no_opportunity", atomic.LoadUint64(&countNoOpp)),
		zap.Uint64("no_ads", atomic.LoadUint64(&countNoAds)),
		zap.Uint64("viewed", views),
		zap.Uint64("clicked", clk),
		zap.Uint64("dismissed", atomic.LoadUint64(&countDismiss)),
		zap.Uint64("rejected", atomic.LoadUint64(&countRejected)),
		zap.Uint64("errors", atomic.LoadUint64(&countErrors)),
		zap.Float64("ctr", ctr))
}
