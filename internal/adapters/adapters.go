// Package adapters implements the source-adapter roster (§4.1): pure
// functions of external state that produce alert.Candidate batches for
// the ingestion orchestrator. No adapter mutates shared state, checks
// dedup, or routes — they only fetch and normalize.
package adapters

import (
	"context"

	"github.com/nugget/pulsewire/internal/alert"
)

// Adapter is the contract every source adapter implements. A failing
// Fetch returns a nil/empty slice and a non-nil error; the caller logs
// and moves on rather than treating it as fatal.
type Adapter interface {
	// Name identifies the adapter instance for logging and config
	// correlation (e.g. "http_news:coindesk", "github_advisory").
	Name() string

	// Fetch retrieves and normalizes candidates. Implementations never
	// panic past this boundary and never check duplicates or persist
	// anything themselves.
	Fetch(ctx context.Context) ([]alert.Candidate, error)
}
