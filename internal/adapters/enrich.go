package adapters

import (
	"strings"

	"github.com/nugget/pulsewire/internal/alert"
)

// knownTickers and knownTokens are static vocabularies used for
// membership-test enrichment. Real deployments would load a larger
// list from configuration; this fixed set covers the symbols the
// adapter roster's own sources most commonly mention.
var knownTickers = []string{
	"BTC", "ETH", "SOL", "XRP", "ADA", "AVAX", "LINK", "ALGO", "HBAR", "XLM",
}

var knownTokens = []string{
	"USDC", "USDT", "DAI", "WETH", "WBTC", "AAVE", "UNI", "CRV", "MKR", "COMP",
}

var bullishWords = []string{
	"surge", "rally", "gain", "soar", "breakout", "bullish", "upgrade", "inflow", "record high",
}

var bearishWords = []string{
	"crash", "plunge", "hack", "exploit", "drain", "bearish", "downgrade", "outflow", "lawsuit", "halt",
}

// extractSymbols returns the subset of vocab whose symbol appears as a
// case-insensitive substring of text, preserving vocab order.
func extractSymbols(text string, vocab []string) []string {
	upper := strings.ToUpper(text)
	var out []string
	for _, sym := range vocab {
		if strings.Contains(upper, sym) {
			out = append(out, sym)
		}
	}
	return out
}

// deriveSentiment counts bullish vs bearish keyword hits and returns
// the directional read implied by the sign of the difference.
func deriveSentiment(text string) alert.Sentiment {
	lower := strings.ToLower(text)
	bull := countHits(lower, bullishWords)
	bear := countHits(lower, bearishWords)
	switch {
	case bull > bear:
		return alert.SentimentBullish
	case bear > bull:
		return alert.SentimentBearish
	case bull > 0 && bear > 0:
		return alert.SentimentMixed
	default:
		return alert.SentimentNeutral
	}
}

func countHits(lower string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(lower, w) {
			n++
		}
	}
	return n
}

// baseImpactScore is the constant starting point before keyword
// adjustment (§4.1).
const baseImpactScore = 5.0

// deriveImpactScore starts at baseImpactScore and is nudged up for
// every bearish (higher-urgency) hit and down for every bullish hit,
// clamped to [0, 10].
func deriveImpactScore(text string) float64 {
	lower := strings.ToLower(text)
	score := baseImpactScore
	score += float64(countHits(lower, bearishWords))
	score -= float64(countHits(lower, bullishWords)) * 0.5
	if score < 0 {
		score = 0
	}
	if score > 10 {
		score = 10
	}
	return score
}
