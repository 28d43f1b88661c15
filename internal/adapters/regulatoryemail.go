package adapters

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nugget/pulsewire/internal/alert"
	"github.com/nugget/pulsewire/internal/config"
	"github.com/nugget/pulsewire/internal/email"
	"github.com/nugget/pulsewire/internal/opstate"
)

// pollNamespace is the opstate namespace for this adapter's per-account
// high-water marks.
const pollNamespace = "regulatory_email_poll"

// accountChannel binds one configured mailbox to its target channel.
type accountChannel struct {
	name    string
	folder  string
	channel alert.Channel
}

// RegulatoryEmail polls one or more IMAP mailboxes for regulatory
// distribution-list mail, emitting one candidate per new message.
// Each account's UID high-water mark is kept in opstate, so only
// messages above it are fetched on later ticks.
type RegulatoryEmail struct {
	manager  *email.Manager
	state    *opstate.Store
	accounts []accountChannel
	logger   *slog.Logger
}

// NewRegulatoryEmail builds a regulatoryemail adapter from cfg. state
// persists each account's UID high-water mark across restarts.
func NewRegulatoryEmail(cfg config.RegulatoryEmailConfig, state *opstate.Store, logger *slog.Logger) *RegulatoryEmail {
	if logger == nil {
		logger = slog.Default()
	}

	emailCfg := email.Config{}
	accounts := make([]accountChannel, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		folder := a.Folder
		if folder == "" {
			folder = "INBOX"
		}
		emailCfg.Accounts = append(emailCfg.Accounts, email.AccountConfig{
			Name: a.Name,
			IMAP: email.IMAPConfig{
				Host:     a.Host,
				Port:     a.Port,
				Username: a.Username,
				Password: a.Password,
			},
		})
		accounts = append(accounts, accountChannel{name: a.Name, folder: folder, channel: alert.Channel(a.Channel)})
	}
	emailCfg.ApplyDefaults()
	if err := emailCfg.Validate(); err != nil {
		logger.Warn("regulatory_email config problem, affected accounts may fail to connect", "error", err)
	}

	return &RegulatoryEmail{
		manager:  email.NewManager(emailCfg, logger),
		state:    state,
		accounts: accounts,
		logger:   logger,
	}
}

func (r *RegulatoryEmail) Name() string { return "regulatory_email" }

func (r *RegulatoryEmail) Fetch(ctx context.Context) ([]alert.Candidate, error) {
	var candidates []alert.Candidate

	for _, acct := range r.accounts {
		batch, err := r.pollAccount(ctx, acct)
		if err != nil {
			r.logger.Warn("regulatory_email poll failed", "account", acct.name, "error", err)
			continue
		}
		candidates = append(candidates, batch...)
	}

	return candidates, nil
}

func (r *RegulatoryEmail) pollAccount(ctx context.Context, acct accountChannel) ([]alert.Candidate, error) {
	client, err := r.manager.Account(acct.name)
	if err != nil {
		return nil, fmt.Errorf("get account %q: %w", acct.name, err)
	}

	stateKey := acct.name + ":" + acct.folder

	storedStr, err := r.state.Get(pollNamespace, stateKey)
	if err != nil {
		return nil, fmt.Errorf("get high-water mark %q: %w", stateKey, err)
	}

	if storedStr == "" {
		return r.seed(ctx, client, acct, stateKey)
	}

	storedUID, err := strconv.ParseUint(storedStr, 10, 32)
	if err != nil {
		r.logger.Warn("regulatory_email corrupt high-water mark, reseeding", "account", acct.name, "stored", storedStr)
		return r.seed(ctx, client, acct, stateKey)
	}

	messages, err := client.ListMessages(ctx, email.ListOptions{Folder: acct.folder, SinceUID: uint32(storedUID)})
	if err != nil {
		return nil, fmt.Errorf("list messages %q: %w", acct.name, err)
	}
	if len(messages) == 0 {
		return nil, nil
	}

	highest := storedUID
	candidates := make([]alert.Candidate, 0, len(messages))
	for _, env := range messages {
		if uint64(env.UID) > highest {
			highest = uint64(env.UID)
		}
		candidates = append(candidates, envelopeToCandidate(env, acct.channel))
	}

	if err := r.state.Set(pollNamespace, stateKey, strconv.FormatUint(highest, 10)); err != nil {
		return nil, fmt.Errorf("advance high-water mark %q: %w", stateKey, err)
	}

	return candidates, nil
}

// seed fetches the most recent message to record a starting
// high-water mark without reporting the entire inbox as new.
func (r *RegulatoryEmail) seed(ctx context.Context, client *email.Client, acct accountChannel, stateKey string) ([]alert.Candidate, error) {
	messages, err := client.ListMessages(ctx, email.ListOptions{Folder: acct.folder, Limit: 1})
	if err != nil {
		return nil, fmt.Errorf("seed list %q: %w", acct.name, err)
	}
	if len(messages) == 0 {
		return nil, nil
	}
	r.logger.Info("regulatory_email first run, seeding high-water mark", "account", acct.name, "uid", messages[0].UID)
	if err := r.state.Set(pollNamespace, stateKey, strconv.FormatUint(uint64(messages[0].UID), 10)); err != nil {
		return nil, fmt.Errorf("seed high-water mark %q: %w", stateKey, err)
	}
	return nil, nil
}

func envelopeToCandidate(env email.Envelope, channel alert.Channel) alert.Candidate {
	text := env.Subject + " " + env.From
	c := alert.Candidate{
		Channel:     channel,
		Priority:    alert.PriorityMedium,
		Timestamp:   env.Date,
		Headline:    env.Subject,
		Summary:     fmt.Sprintf("Distribution-list notice from %s, received %s.", env.From, env.Date.Format("2006-01-02 15:04 MST")),
		SourceURL:   "mailto:" + env.From,
		SourceType:  alert.SourceRegulatoryFiling,
		Sentiment:   deriveSentiment(text),
		ImpactScore: impactScorePtr(deriveImpactScore(text)),
	}
	c.Normalize()
	return c
}
