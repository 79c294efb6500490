// Package scan builds the market-data ingestion workflow: the ordered list
// of steps a scan cycle runs — fetch the symbol universe, pull fundamentals,
// dividends and prices for each symbol, derive per-symbol metrics and
// valuations, persist the results, then compute cross-sectional percentiles
// over the persisted set.
package scan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/marketscan/scanner/internal/derivation"
	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/httpclient"
	"github.com/marketscan/scanner/internal/numerics"
	"github.com/marketscan/scanner/internal/store"
)

const (
	artifactCollection  = "derivation_artifacts"
	valuationCollection = "valuations"
	summaryCollection   = "scan_summaries"

	// The universe list gates everything else, so it goes to the front of
	// the client's queue; per-symbol series can wait behind other traffic.
	universePriority = 10
	seriesPriority   = 60
)

// Fetcher is the slice of the cached HTTP client the pipeline consumes.
type Fetcher interface {
	Get(ctx context.Context, path string, opts httpclient.Options) (json.RawMessage, error)
}

// Pipeline owns one exchange's scan workflow and the per-cycle working set
// its steps hand to each other.
type Pipeline struct {
	client   Fetcher
	db       store.Database
	logger   *slog.Logger
	exchange string

	mu         sync.Mutex
	symbols    []string
	data       map[string]*symbolData
	artifacts  map[string]domain.DerivationArtifact
	valuations map[string]domain.Valuation

	lastRateLimit     time.Time
	rateLimitCooldown time.Duration
}

type symbolData struct {
	periods   []derivation.FundamentalsPeriod
	price     float64
	currency  string
	country   string
	beta      float64
	marketCap float64
	cash      float64
	dividends []numerics.DatedValue
}

// New builds a Pipeline scanning the given exchange code.
func New(client Fetcher, db store.Database, logger *slog.Logger, exchange string) *Pipeline {
	return &Pipeline{
		client:            client,
		db:                db,
		logger:            logger.With("component", "scan", "exchange", exchange),
		exchange:          exchange,
		data:              make(map[string]*symbolData),
		rateLimitCooldown: 15 * time.Minute,
	}
}

// Workflow returns the ordered node list for one scan cycle. The three fetch
// steps share a parallel group: they have no mutual dependencies and all sit
// behind the same rate-limited client, so running them concurrently just
// interleaves their queue entries.
func (p *Pipeline) Workflow() []domain.WorkflowNode {
	return []domain.WorkflowNode{
		{ID: "universe", Name: "Fetch symbol universe", FunctionName: "fetchUniverse", Fn: p.fetchUniverse},
		{ID: "fundamentals", Name: "Fetch fundamentals", FunctionName: "fetchFundamentals", ParallelGroup: "ingest", Fn: p.fetchFundamentals},
		{ID: "dividends", Name: "Fetch dividends", FunctionName: "fetchDividends", ParallelGroup: "ingest", Fn: p.fetchDividends},
		{ID: "prices", Name: "Fetch prices", FunctionName: "fetchPrices", ParallelGroup: "ingest", Fn: p.fetchPrices},
		{ID: "derive", Name: "Derive and value", FunctionName: "deriveAll", Fn: p.deriveAll},
		{ID: "persist", Name: "Persist artifacts", FunctionName: "persistAll", Fn: p.persistAll},
		{ID: "percentiles", Name: "Cross-sectional percentiles", FunctionName: "computePercentiles", Fn: p.computePercentiles},
	}
}

// PauseOnRateLimit is a pause predicate: a vendor 429 anywhere in the cycle
// pauses the workflow instead of stopping it, and stamps the cooldown clock
// QuotaRecovered reads.
func (p *Pipeline) PauseOnRateLimit(err error) bool {
	if isRateLimit(err) {
		p.mu.Lock()
		p.lastRateLimit = time.Now()
		p.mu.Unlock()
		return true
	}
	return false
}

// QuotaRecovered is the matching continue predicate: true once the cooldown
// since the last observed 429 has elapsed.
func (p *Pipeline) QuotaRecovered() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.lastRateLimit.IsZero() {
		return true
	}
	return time.Since(p.lastRateLimit) >= p.rateLimitCooldown
}

func isRateLimit(err error) bool {
	var statusErr *httpclient.StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == 429
}

func (p *Pipeline) fetchUniverse(ctx domain.WorkflowContext) (any, error) {
	raw, err := p.client.Get(ctx, "exchange-symbol-list/"+p.exchange, httpclient.Options{
		Priority: universePriority,
	})
	if err != nil {
		return nil, fmt.Errorf("scan: fetch universe: %w", err)
	}

	var listing []struct {
		Code string `json:"Code"`
		Type string `json:"Type"`
	}
	if err := json.Unmarshal(raw, &listing); err != nil {
		return nil, fmt.Errorf("scan: decode universe: %w", err)
	}

	symbols := make([]string, 0, len(listing))
	for _, l := range listing {
		if l.Type == "" || l.Type == "Common Stock" {
			symbols = append(symbols, l.Code)
		}
	}

	p.mu.Lock()
	p.symbols = symbols
	p.data = make(map[string]*symbolData, len(symbols))
	p.mu.Unlock()

	p.logger.Info("universe fetched", "symbols", len(symbols))
	return len(symbols), nil
}

// forEachSymbol drives one fetch step's per-symbol loop. A single symbol's
// failure is logged and skipped; a 429 propagates so the pause predicate
// sees it; cancellation propagates immediately.
func (p *Pipeline) forEachSymbol(ctx domain.WorkflowContext, step string, fn func(sym string) error) (int, error) {
	fetched := 0
	for _, sym := range p.snapshot() {
		if err := ctx.Err(); err != nil {
			return fetched, err
		}
		if err := fn(sym); err != nil {
			if isRateLimit(err) || errors.Is(err, context.Canceled) {
				return fetched, err
			}
			p.logger.Warn("symbol fetch failed", "step", step, "symbol", sym, "error", err)
			continue
		}
		fetched++
	}
	return fetched, nil
}

func (p *Pipeline) fetchFundamentals(ctx domain.WorkflowContext) (any, error) {
	return p.forEachSymbol(ctx, "fundamentals", func(sym string) error {
		raw, err := p.client.Get(ctx, "fundamentals/"+sym+"."+p.exchange, httpclient.Options{
			Priority: seriesPriority,
		})
		if err != nil {
			return err
		}
		return decodeFundamentals(raw, p.entry(sym))
	})
}

func (p *Pipeline) fetchDividends(ctx domain.WorkflowContext) (any, error) {
	return p.forEachSymbol(ctx, "dividends", func(sym string) error {
		raw, err := p.client.Get(ctx, "div/"+sym+"."+p.exchange, httpclient.Options{
			Params:   map[string]string{"fmt": "json"},
			Priority: seriesPriority,
		})
		if err != nil {
			return err
		}
		var rows []struct {
			Date  string `json:"date"`
			Value string `json:"value"`
		}
		if err := json.Unmarshal(raw, &rows); err != nil {
			return fmt.Errorf("decode dividends: %w", err)
		}
		d := p.entry(sym)
		for _, r := range rows {
			ts, err := time.Parse("2006-01-02", r.Date)
			if err != nil {
				continue
			}
			v, err := strconv.ParseFloat(r.Value, 64)
			if err != nil || v <= 0 {
				continue
			}
			d.dividends = append(d.dividends, numerics.DatedValue{Date: ts, Value: v, Valid: true})
		}
		return nil
	})
}

func (p *Pipeline) fetchPrices(ctx domain.WorkflowContext) (any, error) {
	return p.forEachSymbol(ctx, "prices", func(sym string) error {
		raw, err := p.client.Get(ctx, "real-time/"+sym+"."+p.exchange, httpclient.Options{
			Params:   map[string]string{"fmt": "json"},
			Priority: seriesPriority,
		})
		if err != nil {
			return err
		}
		var quote struct {
			Close json.Number `json:"close"`
		}
		if err := json.Unmarshal(raw, &quote); err != nil {
			return fmt.Errorf("decode quote: %w", err)
		}
		v, err := quote.Close.Float64()
		if err != nil || v <= 0 {
			return fmt.Errorf("no usable close price")
		}
		p.entry(sym).price = v
		return nil
	})
}

func (p *Pipeline) deriveAll(ctx domain.WorkflowContext) (any, error) {
	p.mu.Lock()
	working := make(map[string]*symbolData, len(p.data))
	for k, v := range p.data {
		working[k] = v
	}
	p.mu.Unlock()

	artifacts := make(map[string]domain.DerivationArtifact, len(working))
	valuations := make(map[string]domain.Valuation, len(working))

	for sym, d := range working {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(d.periods) == 0 {
			continue
		}
		artifact, valuation := derivation.Derive(derivation.Inputs{
			Symbol:    sym,
			Periods:   d.periods,
			Price:     d.price,
			Currency:  d.currency,
			Country:   d.country,
			Beta:      d.beta,
			MarketCap: d.marketCap,
			Cash:      d.cash,
		})
		artifacts[sym] = artifact
		valuations[sym] = valuation
	}

	p.mu.Lock()
	p.artifacts = artifacts
	p.valuations = valuations
	p.mu.Unlock()

	return len(artifacts), nil
}

// valuationDoc is the persisted per-symbol valuation.
type valuationDoc struct {
	Symbol    string           `json:"symbol"`
	Valuation domain.Valuation `json:"valuation"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// artifactDoc is the persisted per-symbol result: the derivation bundle and
// the dividend metrics (trailing-twelve-month total and growth) the dividend
// series supports. The valuation is persisted separately as valuationDoc.
type artifactDoc struct {
	Symbol         string                    `json:"symbol"`
	Artifact       domain.DerivationArtifact `json:"artifact"`
	DividendTTM    *float64                  `json:"dividendTTM,omitempty"`
	DividendGrowth *float64                  `json:"dividendGrowth,omitempty"`
	UpdatedAt      time.Time                 `json:"updatedAt"`
}

func (p *Pipeline) persistAll(ctx domain.WorkflowContext) (any, error) {
	p.mu.Lock()
	artifacts := p.artifacts
	valuations := p.valuations
	data := p.data
	p.mu.Unlock()

	artColl := p.db.Collection(artifactCollection)
	valColl := p.db.Collection(valuationCollection)

	persisted := 0
	for sym, art := range artifacts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		doc := artifactDoc{Symbol: sym, Artifact: art, UpdatedAt: time.Now()}
		if d, ok := data[sym]; ok {
			doc.DividendTTM, doc.DividendGrowth = dividendMetrics(d.dividends)
		}
		if err := upsertBySymbol(ctx, artColl, sym, doc); err != nil {
			p.logger.Warn("persist artifact failed", "symbol", sym, "error", err)
			continue
		}
		if val, ok := valuations[sym]; ok {
			vdoc := valuationDoc{Symbol: sym, Valuation: val, UpdatedAt: time.Now()}
			if err := upsertBySymbol(ctx, valColl, sym, vdoc); err != nil {
				p.logger.Warn("persist valuation failed", "symbol", sym, "error", err)
				continue
			}
		}
		persisted++
	}
	p.logger.Info("scan persistence completed", "persisted", persisted)
	return persisted, nil
}

// dividendMetrics reduces a payment series to its trailing-twelve-month sum
// and the year-over-year growth of that sum.
func dividendMetrics(series []numerics.DatedValue) (ttm, growth *float64) {
	if len(series) == 0 {
		return nil, nil
	}
	current, ok := numerics.TTM(series)
	if !ok {
		return nil, nil
	}
	ttm = &current

	recent, ok := numerics.MostRecentValid(series, farFuture)
	if !ok {
		return ttm, nil
	}
	yearAgo := recent.Date.AddDate(-1, 0, 0)
	prior := numerics.RollingWindowSum(series, yearAgo, 365*24*time.Hour)
	if prior > 0 {
		g := numerics.PercentChange(prior, current, 0)
		growth = &g
	}
	return ttm, growth
}

var farFuture = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)

// computePercentiles loads every persisted valuation with quality "ok",
// computes the quartiles of their upsides, and stores that summary (count,
// q1, median, q3, iqr) under the exchange code. No per-symbol rank is
// computed or stored.
func (p *Pipeline) computePercentiles(ctx domain.WorkflowContext) (any, error) {
	valColl := p.db.Collection(valuationCollection)

	var docs []valuationDoc
	if err := valColl.Find(ctx, store.Query{
		Selector: map[string]any{"valuation.Quality": "ok"},
	}, &docs); err != nil {
		return nil, fmt.Errorf("scan: load valuations: %w", err)
	}

	upsides := make([]float64, 0, len(docs))
	for _, d := range docs {
		if d.Valuation.Upside != nil {
			upsides = append(upsides, *d.Valuation.Upside)
		}
	}
	if len(upsides) == 0 {
		return 0, nil
	}
	sort.Float64s(upsides)
	q := numerics.ComputeQuartiles(upsides)

	summary := map[string]any{
		"symbol":    p.exchange,
		"count":     len(upsides),
		"q1":        q.Q1,
		"median":    q.Median,
		"q3":        q.Q3,
		"iqr":       q.IQR,
		"updatedAt": time.Now(),
	}
	if err := upsertBySymbol(ctx, p.db.Collection(summaryCollection), p.exchange, summary); err != nil {
		return nil, fmt.Errorf("scan: persist summary: %w", err)
	}
	return len(upsides), nil
}

func (p *Pipeline) snapshot() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.symbols...)
}

func (p *Pipeline) entry(sym string) *symbolData {
	p.mu.Lock()
	defer p.mu.Unlock()
	d, ok := p.data[sym]
	if !ok {
		d = &symbolData{}
		p.data[sym] = d
	}
	return d
}
