package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/config"
	"github.com/nugget/pulsewire/internal/fetch"
)

// HTTPNews fetches a single general-interest or press-release page over
// plain HTTP, extracts readable text, applies a relevance-keyword
// filter, and normalizes the result into one candidate. It is grounded
// directly on internal/fetch's HTTP-GET-plus-extraction primitive.
type HTTPNews struct {
	cfg     config.HTTPNewsSourceConfig
	fetcher *fetch.Fetcher
	logger  *slog.Logger
}

// NewHTTPNews creates an httpnews adapter instance for one configured
// source row.
func NewHTTPNews(cfg config.HTTPNewsSourceConfig, logger *slog.Logger) *HTTPNews {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPNews{cfg: cfg, fetcher: fetch.New(), logger: logger}
}

func (h *HTTPNews) Name() string { return "http_news:" + h.cfg.Key }

func (h *HTTPNews) Fetch(ctx context.Context) ([]alert.Candidate, error) {
	result, err := h.fetcher.Fetch(ctx, h.cfg.URL, 0)
	if err != nil {
		h.logger.Warn("http_news fetch failed", "source", h.cfg.Key, "url", h.cfg.URL, "error", err)
		return nil, nil
	}

	text := result.Title + "\n" + result.Content
	if len(h.cfg.Keywords) > 0 && !containsAny(text, h.cfg.Keywords) {
		return nil, nil
	}

	channel := alert.Channel(h.cfg.Channel)
	sourceType := alert.SourceType(h.cfg.SourceType)
	if sourceType == "" {
		sourceType = alert.SourceNewsArticle
	}

	headline := result.Title
	if headline == "" {
		headline = h.cfg.Key
	}

	c := alert.Candidate{
		Channel:     channel,
		Priority:    alert.PriorityMedium,
		Headline:    headline,
		Summary:     result.Content,
		SourceURL:   h.cfg.URL,
		SourceType:  sourceType,
		Entities:    extractSymbols(text, knownTickers),
		Tickers:     extractSymbols(text, knownTickers),
		Tokens:      extractSymbols(text, knownTokens),
		Sentiment:   deriveSentiment(text),
		ImpactScore: impactScorePtr(deriveImpactScore(text)),
	}
	c.Normalize()

	if c.Headline == "" || c.Summary == "" {
		return nil, fmt.Errorf("http_news: empty headline or summary after extraction for %s", h.cfg.URL)
	}

	return []alert.Candidate{c}, nil
}

func impactScorePtr(v float64) *float64 {
	return &v
}

func containsAny(text string, keywords []string) bool {
	lower := strings.ToLower(text)
	for _, kw := range keywords {
		if strings.Contains(lower, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
