package adapters

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/config"
	"github.com/nugget/pulsewire/internal/fetch"
)

// yieldPayload is the expected JSON shape of a configured yield/TVL
// endpoint: a single numeric value keyed by a stable identifier.
type yieldPayload struct {
	Key   string  `json:"key"`
	Value float64 `json:"value"`
	Label string  `json:"label"`
}

// ChangeDetect polls a single yield/TVL JSON endpoint and emits a
// candidate only when the value has moved by more than the configured
// relative threshold since the last observed value. The previous-value
// table is scoped to this adapter instance and is not persisted across
// restarts, per §4.1's change-detection algorithm.
type ChangeDetect struct {
	cfg     config.ChangeDetectSourceCfg
	fetcher *fetch.Fetcher
	logger  *slog.Logger

	mu       sync.Mutex
	previous map[string]float64
}

// NewChangeDetect creates a changedetect adapter for one configured
// endpoint row.
func NewChangeDetect(cfg config.ChangeDetectSourceCfg, logger *slog.Logger) *ChangeDetect {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangeDetect{cfg: cfg, fetcher: fetch.New(), logger: logger, previous: make(map[string]float64)}
}

func (cd *ChangeDetect) Name() string { return "change_detect:" + cd.cfg.Key }

func (cd *ChangeDetect) Fetch(ctx context.Context) ([]alert.Candidate, error) {
	result, err := cd.fetcher.Fetch(ctx, cd.cfg.URL, 0)
	if err != nil {
		cd.logger.Warn("change_detect fetch failed", "source", cd.cfg.Key, "url", cd.cfg.URL, "error", err)
		return nil, nil
	}

	var payload yieldPayload
	if err := json.Unmarshal([]byte(result.Content), &payload); err != nil {
		return nil, fmt.Errorf("change_detect: parse %s: %w", cd.cfg.URL, err)
	}
	if payload.Key == "" {
		payload.Key = cd.cfg.Key
	}

	threshold := cd.cfg.ChangeThreshold
	if threshold <= 0 {
		threshold = 0.05
	}

	cd.mu.Lock()
	defer cd.mu.Unlock()

	prev, seen := cd.previous[payload.Key]
	cd.previous[payload.Key] = payload.Value
	if !seen {
		return nil, nil
	}

	relChange := relativeChange(prev, payload.Value)
	if relChange <= threshold {
		return nil, nil
	}

	label := payload.Label
	if label == "" {
		label = payload.Key
	}
	direction := "increased"
	if payload.Value < prev {
		direction = "decreased"
	}

	c := alert.Candidate{
		Channel:    channelFor(cd.cfg.Channel, alert.ChannelDeFiYields),
		Priority:   alert.PriorityMedium,
		Headline:   fmt.Sprintf("%s %s %.1f%%", label, direction, relChange*100),
		Summary:    fmt.Sprintf("%s moved from %.4f to %.4f (%.1f%% relative change).", label, prev, payload.Value, relChange*100),
		SourceURL:  cd.cfg.URL,
		SourceType: alert.SourceDeFiData,
		Entities:   []string{label},
	}
	c.Normalize()
	return []alert.Candidate{c}, nil
}

func relativeChange(prev, current float64) float64 {
	if prev == 0 {
		if current == 0 {
			return 0
		}
		return 1
	}
	delta := current - prev
	if delta < 0 {
		delta = -delta
	}
	return delta / absFloat(prev)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
