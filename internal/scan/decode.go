package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/marketscan/scanner/internal/derivation"
	"github.com/marketscan/scanner/internal/store"
)

// fundamentalsPayload mirrors the vendor's per-symbol fundamentals document:
// general/highlights headers plus three yearly statement maps keyed by
// period-end date. Numeric values arrive as either JSON numbers or strings,
// so everything funnels through asFloat.
type fundamentalsPayload struct {
	General struct {
		CurrencyCode string `json:"CurrencyCode"`
		CountryISO   string `json:"CountryISO"`
	} `json:"General"`
	Highlights map[string]any `json:"Highlights"`
	Financials struct {
		IncomeStatement statementBlock `json:"Income_Statement"`
		CashFlow        statementBlock `json:"Cash_Flow"`
		BalanceSheet    statementBlock `json:"Balance_Sheet"`
	} `json:"Financials"`
}

type statementBlock struct {
	Yearly map[string]map[string]any `json:"yearly"`
}

// decodeFundamentals merges the three statement maps into one ordered
// oldest-first period sequence and lifts the header fields the valuation
// needs (currency, country, beta, market cap, cash).
func decodeFundamentals(raw json.RawMessage, d *symbolData) error {
	var payload fundamentalsPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return fmt.Errorf("decode fundamentals: %w", err)
	}

	merged := make(map[string]map[string]float64)
	for _, block := range []statementBlock{
		payload.Financials.IncomeStatement,
		payload.Financials.CashFlow,
		payload.Financials.BalanceSheet,
	} {
		for date, fields := range block.Yearly {
			period, ok := merged[date]
			if !ok {
				period = make(map[string]float64, len(fields))
				merged[date] = period
			}
			for key, v := range fields {
				if f, ok := asFloat(v); ok {
					period[key] = f
				}
			}
		}
	}

	dates := make([]string, 0, len(merged))
	for date := range merged {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	periods := make([]derivation.FundamentalsPeriod, 0, len(dates))
	for _, date := range dates {
		ts, err := time.Parse("2006-01-02", date)
		if err != nil {
			continue
		}
		periods = append(periods, derivation.FundamentalsPeriod{Date: ts, Fields: merged[date]})
	}

	d.periods = periods
	d.currency = payload.General.CurrencyCode
	d.country = payload.General.CountryISO
	if v, ok := asFloat(payload.Highlights["Beta"]); ok {
		d.beta = v
	}
	if v, ok := asFloat(payload.Highlights["MarketCapitalization"]); ok {
		d.marketCap = v
	}
	if len(periods) > 0 {
		latest := periods[len(periods)-1].Fields
		for _, key := range []string{"cashAndEquivalents", "cashAndShortTermInvestments", "cash"} {
			if v, ok := latest[key]; ok && v > 0 {
				d.cash = v
				break
			}
		}
	}
	return nil
}

// asFloat coerces the vendor's mixed numeric encodings (float64, string,
// json.Number) into a float64, rejecting everything else.
func asFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// upsertBySymbol writes doc under the existing document for sym when one
// exists, otherwise inserts a new one.
func upsertBySymbol(ctx context.Context, coll store.Collection, sym string, doc any) error {
	var existing []struct {
		ID string `json:"_id"`
	}
	if err := coll.Find(ctx, store.Query{
		Selector: map[string]any{"symbol": sym},
		Limit:    1,
	}, &existing); err != nil {
		return err
	}
	if len(existing) > 0 {
		return coll.Replace(ctx, existing[0].ID, doc)
	}
	_, err := coll.Insert(ctx, doc)
	return err
}
