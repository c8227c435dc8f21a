package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/model"
)

// ItemRepository is the Job Store's Item-facing API.
type ItemRepository struct {
	db *DB
}

// Items returns the Item repository bound to db.
func (db *DB) Items() *ItemRepository { return &ItemRepository{db: db} }

const itemColumns = `
	id, url, COALESCE(source_video_id,'') source_video_id, user_id, stage, progress,
	COALESCE(language_hint,'') language_hint, COALESCE(title,'') title,
	COALESCE(channel_id,'') channel_id, COALESCE(channel_title,'') channel_title,
	COALESCE(uploader_id,'') uploader_id, COALESCE(uploader,'') uploader,
	view_count, like_count, duration_seconds, upload_date,
	COALESCE(thumbnail_url,'') thumbnail_url, COALESCE(thumbnail_path,'') thumbnail_path,
	COALESCE(transcript_file_path,'') transcript_file_path, COALESCE(transcript,'') transcript,
	COALESCE(summary,'') summary, COALESCE(keywords,'') keywords,
	watch_position_seconds, read_count, COALESCE(error_message,'') error_message,
	subscription_id, created_at, updated_at, downloaded_at, completed_at
`

// CreateItem inserts a new pending item. If it.ID is empty a uuid is
// generated. Callers that must not double-submit check
// ExistsActiveByURL first.
func (r *ItemRepository) CreateItem(it *model.Item) (*model.Item, error) {
	if it.ID == "" {
		it.ID = uuid.NewString()
	}
	if it.Stage == "" {
		it.Stage = model.StagePending
	}
	if it.SourceVideoID == "" {
		it.SourceVideoID = model.ExtractVideoID(it.URL)
	}
	it.CreatedAt = time.Now().UTC()

	_, err := r.db.conn.NamedExec(`
		INSERT INTO items (id, url, source_video_id, user_id, stage, progress,
			language_hint, subscription_id, created_at)
		VALUES (:id, :url, :source_video_id, :user_id, :stage, :progress,
			:language_hint, :subscription_id, :created_at)`,
		it,
	)
	if err != nil {
		return nil, apperr.Wrap("ItemRepository.CreateItem", err)
	}
	return r.FetchByID(it.ID)
}

// FetchByID retrieves a single item, returning apperr.ErrNotFound if absent.
func (r *ItemRepository) FetchByID(id string) (*model.Item, error) {
	var it model.Item
	query := "SELECT " + itemColumns + " FROM items WHERE id = ?"
	if err := r.db.conn.Get(&it, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Wrap("ItemRepository.FetchByID", err)
	}
	it.Stage = model.NormalizeStage(string(it.Stage))
	return &it, nil
}

// ExistsActiveByURL reports whether a non-terminal item already exists for
// (userID, url) — used by item creation to avoid duplicate submissions.
func (r *ItemRepository) ExistsActiveByURL(userID, url string) (bool, error) {
	var count int
	err := r.db.conn.Get(&count, `
		SELECT COUNT(*) FROM items
		WHERE user_id = ? AND url = ? AND stage NOT IN ('completed','failed','unavailable')`,
		userID, url,
	)
	if err != nil {
		return false, apperr.Wrap("ItemRepository.ExistsActiveByURL", err)
	}
	return count > 0, nil
}

// FindByUserURL returns the item for (userID, url) if any exists (any stage).
func (r *ItemRepository) FindByUserURL(userID, url string) (*model.Item, bool, error) {
	var it model.Item
	query := "SELECT " + itemColumns + " FROM items WHERE user_id = ? AND url = ? LIMIT 1"
	err := r.db.conn.Get(&it, query, userID, url)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, apperr.Wrap("ItemRepository.FindByUserURL", err)
	}
	it.Stage = model.NormalizeStage(string(it.Stage))
	return &it, true, nil
}

// Ordering selects the orderings used by the scheduler.
type Ordering int

const (
	// OrderNewestFirst is "created_at DESC, id DESC", used for pending items.
	OrderNewestFirst Ordering = iota
	// OrderInFlight is "created_at DESC, updated_at DESC NULLS LAST, id DESC",
	// used for in-flight items (converting/transcribing/summarizing).
	OrderInFlight
)

// ListByStage returns up to limit items in one of the stages, in the given
// ordering.
func (r *ItemRepository) ListByStage(stages []model.Stage, limit int, ordering Ordering) ([]*model.Item, error) {
	if len(stages) == 0 || limit <= 0 {
		return nil, nil
	}
	orderClause := "created_at DESC, id DESC"
	if ordering == OrderInFlight {
		orderClause = "created_at DESC, updated_at DESC, id DESC"
	}

	placeholders := make([]string, len(stages))
	args := make([]interface{}, 0, len(stages)+1)
	for i, s := range stages {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	query := fmt.Sprintf(
		"SELECT %s FROM items WHERE stage IN (%s) ORDER BY %s LIMIT ?",
		itemColumns, joinPlaceholders(placeholders), orderClause,
	)
	args = append(args, limit)

	var items []*model.Item
	if err := r.db.conn.Select(&items, query, args...); err != nil {
		return nil, apperr.Wrap("ItemRepository.ListByStage", err)
	}
	for _, it := range items {
		it.Stage = model.NormalizeStage(string(it.Stage))
	}
	return items, nil
}

func joinPlaceholders(ps []string) string {
	out := ""
	for i, p := range ps {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}

// ListStuckCandidates returns non-terminal items in the given stages whose
// updated_at (falling back to created_at) is older than cutoff — feeding the
// Stuck-Task Supervisor.
func (r *ItemRepository) ListStuckCandidates(stages []model.Stage, cutoff time.Time) ([]*model.Item, error) {
	if len(stages) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(stages))
	args := make([]interface{}, 0, len(stages)+1)
	for i, s := range stages {
		placeholders[i] = "?"
		args = append(args, string(s))
	}
	query := fmt.Sprintf(`
		SELECT %s FROM items
		WHERE stage IN (%s) AND COALESCE(updated_at, created_at) < ?`,
		itemColumns, joinPlaceholders(placeholders),
	)
	args = append(args, cutoff)

	var items []*model.Item
	if err := r.db.conn.Select(&items, query, args...); err != nil {
		return nil, apperr.Wrap("ItemRepository.ListStuckCandidates", err)
	}
	for _, it := range items {
		it.Stage = model.NormalizeStage(string(it.Stage))
	}
	return items, nil
}

// Update persists the mutable fields of it (stage, progress, metadata,
// artifacts, error, timestamps). Executors must re-fetch before calling
// Update if they did not hold the row continuously.
func (r *ItemRepository) Update(it *model.Item) error {
	now := time.Now().UTC()
	it.UpdatedAt = &now
	_, err := r.db.conn.NamedExec(`
		UPDATE items SET
			stage = :stage,
			progress = :progress,
			language_hint = :language_hint,
			title = :title,
			channel_id = :channel_id,
			channel_title = :channel_title,
			uploader_id = :uploader_id,
			uploader = :uploader,
			view_count = :view_count,
			like_count = :like_count,
			duration_seconds = :duration_seconds,
			upload_date = :upload_date,
			thumbnail_url = :thumbnail_url,
			thumbnail_path = :thumbnail_path,
			transcript_file_path = :transcript_file_path,
			transcript = :transcript,
			summary = :summary,
			keywords = :keywords,
			watch_position_seconds = :watch_position_seconds,
			read_count = :read_count,
			error_message = :error_message,
			subscription_id = :subscription_id,
			updated_at = :updated_at,
			downloaded_at = :downloaded_at,
			completed_at = :completed_at
		WHERE id = :id`,
		it,
	)
	if err != nil {
		return apperr.Wrap("ItemRepository.Update", err)
	}
	return nil
}

// ClaimAndUpdate optimistically transitions an item from expectStage to
// newStage iff its stage is still expectStage, guarding the Stuck-Task
// Supervisor against racing a live executor.
// Returns false, nil if the row had already moved on.
func (r *ItemRepository) ClaimAndUpdate(id string, expectStage model.Stage, newStage model.Stage, progress float64, errMsg string) (bool, error) {
	now := time.Now().UTC()
	res, err := r.db.conn.Exec(`
		UPDATE items SET stage = ?, progress = ?, error_message = ?, updated_at = ?
		WHERE id = ? AND stage = ?`,
		string(newStage), progress, errMsg, now, id, string(expectStage),
	)
	if err != nil {
		return false, apperr.Wrap("ItemRepository.ClaimAndUpdate", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, apperr.Wrap("ItemRepository.ClaimAndUpdate", err)
	}
	return n > 0, nil
}

// BackLinkBySubscriptionChannel attaches subscriptionID to every item owned
// by userID with matching channelID that has no subscription_id yet (the
// poller's back-link step).
func (r *ItemRepository) BackLinkBySubscriptionChannel(userID, channelID, subscriptionID string) (int64, error) {
	res, err := r.db.conn.Exec(`
		UPDATE items SET subscription_id = ?
		WHERE user_id = ? AND channel_id = ? AND subscription_id IS NULL`,
		subscriptionID, userID, channelID,
	)
	if err != nil {
		return 0, apperr.Wrap("ItemRepository.BackLinkBySubscriptionChannel", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
