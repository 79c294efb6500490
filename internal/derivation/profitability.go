package derivation

import (
	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/numerics"
)

// deriveProfitability computes NOPAT (EBIT x (1 - taxRate)) and ROIC.
func deriveProfitability(ebitTTM, taxRate, investedCapital float64) domain.ProfitabilityArtifact {
	nopat := ebitTTM * (1 - taxRate)
	return domain.ProfitabilityArtifact{
		NOPAT: nopat,
		ROIC:  numerics.SafeDivide(nopat, investedCapital, 0),
	}
}
