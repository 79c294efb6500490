package derivation

import "time"

// FundamentalsPeriod is one reported period (income statement, cash flow,
// and balance sheet merged into a single flat field map, the shape a
// vendor snapshot naturally arrives in). Fields are vendor-native names;
// the engine never assumes a canonical schema, only a ranked alias list
// per semantic field.
type FundamentalsPeriod struct {
	Date   time.Time
	Fields map[string]float64
}

// extracted holds one semantic field's per-period series, oldest first,
// alongside whether each period actually had a value (first-finite-non-zero
// extraction leaves gaps where none of the aliases hit).
type extracted struct {
	values []float64
	found  []bool
}

// extractSeries pulls one semantic field across every period, oldest-first.
func extractSeries(periods []FundamentalsPeriod, aliases []string) extracted {
	out := extracted{values: make([]float64, len(periods)), found: make([]bool, len(periods))}
	for i, p := range periods {
		if v, ok := firstMatch(p.Fields, aliases); ok {
			out.values[i] = v
			out.found[i] = true
		}
	}
	return out
}

// foundValues returns only the periods where the field was actually found.
func (e extracted) foundValues() []float64 {
	out := make([]float64, 0, len(e.values))
	for i, v := range e.values {
		if e.found[i] {
			out = append(out, v)
		}
	}
	return out
}

func (e extracted) countFound() int {
	n := 0
	for _, f := range e.found {
		if f {
			n++
		}
	}
	return n
}

// inferCapexSign applies the capex sign rule once per company so
// that capex always reads as a positive outflow elsewhere in the engine:
// whichever sign is in the majority gets flipped to positive (vendors
// report capex negative far more often than not, so this is usually a
// flip of every value; a company whose feed happens to already store capex
// positive is left alone). A vendor mixing conventions within one company's
// history will have some records misread by this global rule; the engine
// deliberately does not try to
// correct per-record, it only records the ambiguity via mixedCapexSign.
func inferCapexSign(capex extracted) (extracted, bool) {
	var positives, negatives int
	for i, v := range capex.values {
		if !capex.found[i] {
			continue
		}
		switch {
		case v > 0:
			positives++
		case v < 0:
			negatives++
		}
	}
	mixed := positives > 0 && negatives > 0

	out := extracted{values: append([]float64(nil), capex.values...), found: append([]bool(nil), capex.found...)}
	if negatives > positives {
		for i := range out.values {
			out.values[i] = -out.values[i]
		}
	}
	return out, mixed
}
