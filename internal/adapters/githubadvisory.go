package adapters

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"

	"github.com/google/go-github/v69/github"
	"github.com/yuin/goldmark"

	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/config"
)

// rateLimitWarningThreshold triggers a log warning when the remaining
// GitHub API rate limit drops below this value.
const rateLimitWarningThreshold = 100

// GitHubAdvisory polls a configured GitHub organization's repositories
// for published security advisories, targeting defi/hacks and
// defi/protocols. Adapted from the forge package's GitHub wrapper
// around google/go-github, keeping its rate-limit-aware logging but
// replacing every publish-oriented method with advisory polling.
type GitHubAdvisory struct {
	cfg    config.GitHubAdvisoryConfig
	client *github.Client
	logger *slog.Logger
}

// NewGitHubAdvisory creates a githubadvisory adapter authenticated
// with cfg.Token. httpClient may be nil to use http.DefaultClient.
func NewGitHubAdvisory(cfg config.GitHubAdvisoryConfig, httpClient *http.Client, logger *slog.Logger) *GitHubAdvisory {
	if logger == nil {
		logger = slog.Default()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	client := github.NewClient(httpClient).WithAuthToken(cfg.Token)
	return &GitHubAdvisory{cfg: cfg, client: client, logger: logger}
}

func (g *GitHubAdvisory) Name() string { return "github_advisory" }

func (g *GitHubAdvisory) checkRate(resp *github.Response) {
	if resp == nil {
		return
	}
	remaining := resp.Rate.Remaining
	if remaining > 0 && remaining < rateLimitWarningThreshold {
		g.logger.Warn("github advisory rate limit low", "remaining", remaining, "limit", resp.Rate.Limit)
	}
}

func (g *GitHubAdvisory) Fetch(ctx context.Context) ([]alert.Candidate, error) {
	var candidates []alert.Candidate

	for _, repo := range g.cfg.Repos {
		advisories, resp, err := g.client.SecurityAdvisories.ListRepositorySecurityAdvisories(ctx, ownerOf(repo), nameOf(repo), nil)
		g.checkRate(resp)
		if err != nil {
			g.logger.Warn("github advisory list failed", "repo", repo, "error", err)
			continue
		}

		for _, adv := range advisories {
			summary := renderMarkdown(adv.GetDescription())
			c := alert.Candidate{
				Channel:    channelFor(g.cfg.Channel, alert.ChannelDeFiHacks),
				Priority:   priorityForSeverity(adv.GetSeverity()),
				Headline:   adv.GetSummary(),
				Summary:    summary,
				SourceURL:  adv.GetHTMLURL(),
				SourceType: alert.SourceSecurityIncident,
				Entities:   []string{repo},
				Sentiment:  alert.SentimentBearish,
			}
			c.Normalize()
			candidates = append(candidates, c)
		}
	}

	return candidates, nil
}

func priorityForSeverity(severity string) alert.Priority {
	switch severity {
	case "critical":
		return alert.PriorityCritical
	case "high":
		return alert.PriorityHigh
	case "medium", "moderate":
		return alert.PriorityMedium
	default:
		return alert.PriorityLow
	}
}

func channelFor(configured string, fallback alert.Channel) alert.Channel {
	if configured == "" {
		return fallback
	}
	return alert.Channel(configured)
}

func ownerOf(repo string) string {
	owner, _ := splitOwnerName(repo)
	return owner
}

func nameOf(repo string) string {
	_, name := splitOwnerName(repo)
	return name
}

func splitOwnerName(repo string) (owner, name string) {
	for i := 0; i < len(repo); i++ {
		if repo[i] == '/' {
			return repo[:i], repo[i+1:]
		}
	}
	return repo, ""
}

// renderMarkdown converts an advisory's Markdown body to plain text by
// rendering it to HTML via goldmark and dropping everything between
// '<' and '>' in the result. HTML entities are left as they are.
func renderMarkdown(md string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return md
	}
	return stripMarkdownHTML(buf.String())
}

func stripMarkdownHTML(html string) string {
	var out bytes.Buffer
	inTag := false
	for _, r := range html {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			out.WriteRune(r)
		}
	}
	return out.String()
}
