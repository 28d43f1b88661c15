package adapters

import (
	"context"

	"github.com/nugget/pulsewire/internal/alert"
)

// Mock is the offline/demo adapter: it returns a built-in constant
// candidate list instead of reaching any external source, so the
// system can run end to end without network access or credentials.
type Mock struct {
	key string
}

// NewMock creates a mock adapter identified by key for logging.
func NewMock(key string) *Mock {
	if key == "" {
		key = "mock"
	}
	return &Mock{key: key}
}

func (m *Mock) Name() string { return "mock:" + m.key }

func (m *Mock) Fetch(ctx context.Context) ([]alert.Candidate, error) {
	candidates := []alert.Candidate{
		{
			Channel:    alert.ChannelDeFiHacks,
			Priority:   alert.PriorityCritical,
			Headline:   "Demo protocol exploited for $4.2M via flash loan",
			Summary:    "A simulated flash-loan attack drained the demo liquidity pool. This is sample data from mock mode.",
			SourceURL:  "https://example.invalid/mock/defi-hack",
			SourceType: alert.SourceSecurityIncident,
			Entities:   []string{"DemoProtocol"},
			Tokens:     []string{"USDC"},
			Sentiment:  alert.SentimentBearish,
		},
		{
			Channel:    alert.ChannelRegulatorySEC,
			Priority:   alert.PriorityMedium,
			Headline:   "SEC issues sample guidance on stablecoin reserves",
			Summary:    "Simulated regulatory bulletin describing updated reserve-disclosure expectations. Sample data from mock mode.",
			SourceURL:  "https://example.invalid/mock/sec-guidance",
			SourceType: alert.SourceRegulatoryFiling,
			Sentiment:  alert.SentimentNeutral,
		},
		{
			Channel:    alert.ChannelMarketsWhaleMovements,
			Priority:   alert.PriorityLow,
			Headline:   "Whale wallet moves 12,000 ETH to exchange",
			Summary:    "A simulated large-holder transfer was observed moving to a centralized exchange deposit address. Sample data.",
			SourceURL:  "https://example.invalid/mock/whale-move",
			SourceType: alert.SourceOnChain,
			Tickers:    []string{"ETH"},
			Sentiment:  alert.SentimentBearish,
		},
	}

	for i := range candidates {
		candidates[i].Normalize()
	}
	return candidates, nil
}
