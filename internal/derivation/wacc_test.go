package derivation

import "testing"

func TestComputeWACC_ClampsToBounds(t *testing.T) {
	tests := []struct {
		name string
		in   waccInputs
		min  float64
		max  float64
	}{
		{"extreme beta clamps high", waccInputs{Currency: "USD", Country: "US", Beta: 50, MarketCap: 2e9}, 0.05, 0.18},
		{"negative beta clamps low", waccInputs{Currency: "USD", Country: "US", Beta: -5, MarketCap: 2e9}, 0.05, 0.18},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := computeWACC(tt.in)
			if got < tt.min || got > tt.max {
				t.Errorf("computeWACC(%+v) = %v, want within [%v,%v]", tt.in, got, tt.min, tt.max)
			}
		})
	}
}

func TestComputeWACC_SmallCapGetsSizePremium(t *testing.T) {
	small := computeWACC(waccInputs{Currency: "USD", Country: "US", Beta: 1, MarketCap: 500_000_000})
	large := computeWACC(waccInputs{Currency: "USD", Country: "US", Beta: 1, MarketCap: 50_000_000_000})
	if small <= large {
		t.Errorf("expected small-cap WACC (%v) > large-cap WACC (%v)", small, large)
	}
}

func TestResolveTerminalGrowth_EmergingMarketsBump(t *testing.T) {
	if g := resolveTerminalGrowth("BRL"); g != emergingTerminalGrowth {
		t.Errorf("resolveTerminalGrowth(BRL) = %v, want %v", g, emergingTerminalGrowth)
	}
	if g := resolveTerminalGrowth("XYZ"); g != defaultTerminalGrowth {
		t.Errorf("resolveTerminalGrowth(XYZ) = %v, want fallback %v", g, defaultTerminalGrowth)
	}
}

func TestResolveTaxFloor_FallsBackByCurrencyThenDefault(t *testing.T) {
	if f := resolveTaxFloor("US", "USD"); f != 0.21 {
		t.Errorf("resolveTaxFloor(US, USD) = %v, want 0.21", f)
	}
	if f := resolveTaxFloor("", "JPY"); f != 0.30 {
		t.Errorf("resolveTaxFloor('', JPY) = %v, want 0.30", f)
	}
	if f := resolveTaxFloor("", ""); f != defaultTaxFloor {
		t.Errorf("resolveTaxFloor('', '') = %v, want default %v", f, defaultTaxFloor)
	}
}

func TestApplyTaxFloor_RaisesBelowFloorAndClamps(t *testing.T) {
	if got := applyTaxFloor(0.10, 0.21); got != 0.21 {
		t.Errorf("applyTaxFloor(0.10, 0.21) = %v, want 0.21", got)
	}
	if got := applyTaxFloor(0.50, 0.21); got != 0.40 {
		t.Errorf("applyTaxFloor(0.50, 0.21) = %v, want clamp to 0.40", got)
	}
}
