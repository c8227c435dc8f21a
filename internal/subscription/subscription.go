// Package subscription implements the subscription loops: a resolver loop
// that promotes pending subscriptions to resolved channel identities, and
// a poller loop that lists each subscribed
// channel's latest uploads and enqueues the ones the user doesn't have yet.
// The two loops run as independent ticker goroutines; the resolver kicks an
// immediate poll pass whenever it resolves something so a fresh
// subscription's backlog doesn't wait half a day for the next poll.
package subscription

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunyych/ingestd/internal/capability"
	"github.com/sunyych/ingestd/internal/constants"
	"github.com/sunyych/ingestd/internal/metrics"
	"github.com/sunyych/ingestd/internal/model"
	"github.com/sunyych/ingestd/internal/store"
	"github.com/sunyych/ingestd/internal/validate"
)

// Service drives both subscription loops against the Job Store.
type Service struct {
	Subs      *store.SubscriptionRepository
	Items     *store.ItemRepository
	Playlists *store.PlaylistRepository
	Channels  capability.ChannelService

	ResolverInterval   time.Duration
	PollInterval       time.Duration
	ResolveTimeout     time.Duration
	MaxItemsPerChannel int

	Log zerolog.Logger
}

// New builds a Service with the default intervals and limits.
func New(db *store.DB, channels capability.ChannelService, log zerolog.Logger) *Service {
	return &Service{
		Subs:               db.Subscriptions(),
		Items:              db.Items(),
		Playlists:          db.Playlists(),
		Channels:           channels,
		ResolverInterval:   constants.DefaultResolverInterval,
		PollInterval:       constants.DefaultPollerInterval,
		ResolveTimeout:     constants.ChannelResolveTimeout,
		MaxItemsPerChannel: constants.DefaultMaxItemsPerChannel,
		Log:                log,
	}
}

// Run starts both loops and blocks until ctx is cancelled. Each loop makes
// an immediate first pass so a restart doesn't postpone pending work by a
// full period.
func (s *Service) Run(ctx context.Context) {
	done := make(chan struct{}, 2)

	go func() {
		defer func() { done <- struct{}{} }()
		s.runResolverLoop(ctx)
	}()
	go func() {
		defer func() { done <- struct{}{} }()
		s.runPollerLoop(ctx)
	}()

	<-done
	<-done
}

func (s *Service) runResolverLoop(ctx context.Context) {
	ticker := time.NewTicker(s.ResolverInterval)
	defer ticker.Stop()
	for {
		if resolved, err := s.ResolvePass(ctx); err != nil {
			s.Log.Error().Err(err).Msg("subscription: resolver pass failed")
		} else if resolved > 0 {
			// Newly resolved channels get their backlog polled right away.
			if err := s.PollPass(ctx); err != nil {
				s.Log.Error().Err(err).Msg("subscription: post-resolve poll failed")
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Service) runPollerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	for {
		if err := s.PollPass(ctx); err != nil {
			s.Log.Error().Err(err).Msg("subscription: poll pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ResolvePass resolves every pending subscription once, returning how many
// it resolved or merged. A resolve timeout leaves
// the subscription pending for a later pass; so does any other failure.
func (s *Service) ResolvePass(ctx context.Context) (int, error) {
	pending, err := s.Subs.ListPending()
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}
	s.Log.Info().Int("count", len(pending)).Msg("subscription: resolving pending subscriptions")

	resolved := 0
	for _, sub := range pending {
		select {
		case <-ctx.Done():
			return resolved, ctx.Err()
		default:
		}

		if _, err := validate.URL(sub.ChannelURL); err != nil {
			s.Log.Warn().Err(err).Str("subscription", sub.ID).Msg("subscription: invalid channel URL, skipping")
			continue
		}

		rctx, cancel := context.WithTimeout(ctx, s.ResolveTimeout)
		channelID, channelTitle, err := s.Channels.ResolveChannel(rctx, sub.ChannelURL)
		cancel()
		if err != nil {
			s.Log.Warn().Err(err).Str("subscription", sub.ID).Str("url", sub.ChannelURL).Msg("subscription: resolve failed, will retry later")
			continue
		}
		if channelID == "" {
			continue
		}

		// One resolved subscription per (user, channel id): a pending row that
		// duplicates an existing resolved one is merged away.
		existing, found, err := s.Subs.FindResolvedByChannel(sub.UserID, channelID)
		if err != nil {
			s.Log.Error().Err(err).Str("subscription", sub.ID).Msg("subscription: duplicate lookup failed")
			continue
		}
		if found && existing.ID != sub.ID {
			if err := s.Subs.Delete(sub.ID); err != nil {
				s.Log.Error().Err(err).Str("subscription", sub.ID).Msg("subscription: merge delete failed")
				continue
			}
			s.Log.Info().Str("subscription", sub.ID).Str("merged_into", existing.ID).Str("channel", channelID).Msg("subscription: pending merged into resolved")
			resolved++
			continue
		}

		if err := s.Subs.Resolve(sub.ID, channelID, channelTitle); err != nil {
			s.Log.Error().Err(err).Str("subscription", sub.ID).Msg("subscription: resolve update failed")
			continue
		}
		s.Log.Info().Str("subscription", sub.ID).Str("channel", channelID).Str("title", channelTitle).Msg("subscription: resolved")
		resolved++
	}
	return resolved, nil
}

// PollPass fetches the latest uploads for every subscription with a channel
// URL and enqueues the ones the user doesn't own yet.
// Per-subscription failures are logged and skipped; the pass continues.
func (s *Service) PollPass(ctx context.Context) error {
	subs, err := s.Subs.ListAll()
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	s.Log.Info().Int("count", len(subs)).Msg("subscription: polling channels")

	for _, sub := range subs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := s.pollOne(ctx, sub); err != nil {
			s.Log.Warn().Err(err).Str("subscription", sub.ID).Msg("subscription: channel poll failed")
		}
	}
	return nil
}

func (s *Service) pollOne(ctx context.Context, sub *model.Subscription) error {
	// Back-link first: prior items of this user from the same channel that
	// predate the subscription get attached to it, healing rows created
	// before the user subscribed.
	if sub.ChannelID != nil && *sub.ChannelID != "" {
		if linked, err := s.Items.BackLinkBySubscriptionChannel(sub.UserID, *sub.ChannelID, sub.ID); err != nil {
			s.Log.Error().Err(err).Str("subscription", sub.ID).Msg("subscription: back-link failed")
		} else if linked > 0 {
			s.Log.Info().Str("subscription", sub.ID).Int64("linked", linked).Msg("subscription: back-linked existing items")
		}
	}

	fctx, cancel := context.WithTimeout(ctx, s.ResolveTimeout)
	urls, err := s.Channels.FetchLatestVideoURLs(fctx, sub.ChannelURL, s.MaxItemsPerChannel)
	cancel()
	if err != nil {
		return err
	}

	var nextPosition int64 = -1
	if sub.AutoPlaylistID != nil && *sub.AutoPlaylistID != "" {
		nextPosition, err = s.Playlists.NextPosition(*sub.AutoPlaylistID)
		if err != nil {
			return err
		}
	}

	added := 0
	for _, url := range urls {
		_, exists, err := s.Items.FindByUserURL(sub.UserID, url)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		subID := sub.ID
		it, err := s.Items.CreateItem(&model.Item{
			URL:            url,
			UserID:         sub.UserID,
			SubscriptionID: &subID,
		})
		if err != nil {
			return err
		}
		metrics.SubscriptionItemsCreated.Inc()
		if nextPosition >= 0 {
			if err := s.Playlists.Append(*sub.AutoPlaylistID, it.ID, nextPosition); err != nil {
				s.Log.Error().Err(err).Str("item", it.ID).Msg("subscription: auto-playlist append failed")
			} else {
				nextPosition++
			}
		}
		added++
	}
	if added > 0 {
		s.Log.Info().Str("subscription", sub.ID).Int("added", added).Msg("subscription: enqueued new items")
	}
	return s.Subs.TouchLastCheck(sub.ID)
}
