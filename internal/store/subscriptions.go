package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/model"
)

// SubscriptionRepository backs the subscription resolver/poller loops.
type SubscriptionRepository struct {
	db *DB
}

// Subscriptions returns the Subscription repository bound to db.
func (db *DB) Subscriptions() *SubscriptionRepository { return &SubscriptionRepository{db: db} }

const subscriptionColumns = `
	id, user_id, channel_url, channel_id, COALESCE(channel_title,'') channel_title,
	status, auto_playlist_id, last_check_at, created_at
`

// Create inserts a pending subscription for (userID, channelURL).
// Uniqueness is enforced by the partial unique index on
// (user_id, channel_url) WHERE status='pending'.
func (r *SubscriptionRepository) Create(userID, channelURL string, autoPlaylistID *string) (*model.Subscription, error) {
	sub := &model.Subscription{
		ID:             uuid.NewString(),
		UserID:         userID,
		ChannelURL:     channelURL,
		Status:         model.SubscriptionPending,
		AutoPlaylistID: autoPlaylistID,
		CreatedAt:      time.Now().UTC(),
	}
	_, err := r.db.conn.NamedExec(`
		INSERT INTO subscriptions (id, user_id, channel_url, status, auto_playlist_id, created_at)
		VALUES (:id, :user_id, :channel_url, :status, :auto_playlist_id, :created_at)`,
		sub,
	)
	if err != nil {
		return nil, apperr.Wrap("SubscriptionRepository.Create", err)
	}
	return sub, nil
}

// ListPending returns subscriptions with status=pending (resolver loop input).
func (r *SubscriptionRepository) ListPending() ([]*model.Subscription, error) {
	var subs []*model.Subscription
	query := "SELECT " + subscriptionColumns + " FROM subscriptions WHERE status = 'pending'"
	if err := r.db.conn.Select(&subs, query); err != nil {
		return nil, apperr.Wrap("SubscriptionRepository.ListPending", err)
	}
	return subs, nil
}

// ListAll returns every subscription with a non-empty channel_url (poller
// loop input — both pending and resolved).
func (r *SubscriptionRepository) ListAll() ([]*model.Subscription, error) {
	var subs []*model.Subscription
	query := "SELECT " + subscriptionColumns + " FROM subscriptions WHERE channel_url != ''"
	if err := r.db.conn.Select(&subs, query); err != nil {
		return nil, apperr.Wrap("SubscriptionRepository.ListAll", err)
	}
	return subs, nil
}

// FindResolvedByChannel returns the resolved subscription for (userID,
// channelID) if one exists.
func (r *SubscriptionRepository) FindResolvedByChannel(userID, channelID string) (*model.Subscription, bool, error) {
	var sub model.Subscription
	query := "SELECT " + subscriptionColumns + " FROM subscriptions WHERE user_id = ? AND channel_id = ? AND status = 'resolved' LIMIT 1"
	err := r.db.conn.Get(&sub, query, userID, channelID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, apperr.Wrap("SubscriptionRepository.FindResolvedByChannel", err)
	}
	return &sub, true, nil
}

// Resolve promotes a pending subscription to resolved, setting channel id
// and title.
func (r *SubscriptionRepository) Resolve(id, channelID, channelTitle string) error {
	_, err := r.db.conn.Exec(`
		UPDATE subscriptions SET status = 'resolved', channel_id = ?, channel_title = ? WHERE id = ?`,
		channelID, channelTitle, id,
	)
	return apperr.Wrap("SubscriptionRepository.Resolve", err)
}

// Delete removes a subscription row — used when a resolved pass discovers
// the pending row duplicates an already-resolved subscription for the same
// (user, channel id).
func (r *SubscriptionRepository) Delete(id string) error {
	_, err := r.db.conn.Exec(`DELETE FROM subscriptions WHERE id = ?`, id)
	return apperr.Wrap("SubscriptionRepository.Delete", err)
}

// TouchLastCheck updates last_check_at to now.
func (r *SubscriptionRepository) TouchLastCheck(id string) error {
	_, err := r.db.conn.Exec(`UPDATE subscriptions SET last_check_at = ? WHERE id = ?`, time.Now().UTC(), id)
	return apperr.Wrap("SubscriptionRepository.TouchLastCheck", err)
}

// PlaylistRepository backs the playlist short-circuit.
type PlaylistRepository struct {
	db *DB
}

// Playlists returns the playlist-item repository bound to db.
func (db *DB) Playlists() *PlaylistRepository { return &PlaylistRepository{db: db} }

// HasPlaylistMembership reports whether itemID belongs to any playlist.
func (r *PlaylistRepository) HasPlaylistMembership(itemID string) (bool, error) {
	var count int
	err := r.db.conn.Get(&count, `SELECT COUNT(*) FROM playlist_items WHERE item_id = ?`, itemID)
	if err != nil {
		return false, apperr.Wrap("PlaylistRepository.HasPlaylistMembership", err)
	}
	return count > 0, nil
}

// NextPosition returns max(position)+1 for playlistID (0 if empty),
// computed once before the per-URL poll loop so consecutive additions land
// at max+1, max+2, ...
func (r *PlaylistRepository) NextPosition(playlistID string) (int64, error) {
	var max sql.NullInt64
	err := r.db.conn.Get(&max, `SELECT MAX(position) FROM playlist_items WHERE playlist_id = ?`, playlistID)
	if err != nil {
		return 0, apperr.Wrap("PlaylistRepository.NextPosition", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return max.Int64 + 1, nil
}

// Append inserts (playlistID, itemID, position).
func (r *PlaylistRepository) Append(playlistID, itemID string, position int64) error {
	_, err := r.db.conn.Exec(
		`INSERT INTO playlist_items (playlist_id, item_id, position) VALUES (?, ?, ?)`,
		playlistID, itemID, position,
	)
	return apperr.Wrap("PlaylistRepository.Append", err)
}
