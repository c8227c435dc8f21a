package store

import (
	"testing"
	"time"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/model"
)

// setupTestDB creates an isolated SQLite database under t.TempDir().
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestItem(url string) *model.Item {
	return &model.Item{
		URL:    url,
		UserID: "user-1",
	}
}

// =============================================================================
// Database initialization
// =============================================================================

func TestNew_CreatesDatabaseAndMigrates(t *testing.T) {
	db := setupTestDB(t)

	for _, table := range []string{"items", "subscriptions", "playlist_items", "settings"} {
		var count int
		if err := db.conn.Get(&count, "SELECT COUNT(*) FROM "+table); err != nil {
			t.Fatalf("table %s should exist: %v", table, err)
		}
	}
}

func TestSettings_SetAndGetRoundTrips(t *testing.T) {
	db := setupTestDB(t)

	if err := db.SetSetting("gate.paused_until", "2099-01-01T00:00:00Z"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, ok, err := db.GetSetting("gate.paused_until")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if !ok || got != "2099-01-01T00:00:00Z" {
		t.Fatalf("GetSetting() = %q, %v, want round-tripped value", got, ok)
	}

	if err := db.SetSetting("gate.paused_until", "updated"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	got, _, _ = db.GetSetting("gate.paused_until")
	if got != "updated" {
		t.Fatalf("SetSetting should overwrite, got %q", got)
	}
}

func TestSettings_GetMissingKey(t *testing.T) {
	db := setupTestDB(t)

	_, ok, err := db.GetSetting("missing")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if ok {
		t.Fatal("GetSetting(missing) should report ok=false")
	}
}

// =============================================================================
// Item CRUD
// =============================================================================

func TestItems_CreateAndFetchByID(t *testing.T) {
	db := setupTestDB(t)
	repo := db.Items()

	created, err := repo.CreateItem(newTestItem("https://example.com/watch?v=ABCDEFGHIJK"))
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}
	if created.Stage != model.StagePending {
		t.Fatalf("new item stage = %q, want pending", created.Stage)
	}
	if created.SourceVideoID != "ABCDEFGHIJK" {
		t.Fatalf("source_video_id = %q, want derived from URL", created.SourceVideoID)
	}

	fetched, err := repo.FetchByID(created.ID)
	if err != nil {
		t.Fatalf("FetchByID: %v", err)
	}
	if fetched.URL != created.URL {
		t.Fatalf("FetchByID URL = %q, want %q", fetched.URL, created.URL)
	}
}

func TestItems_FetchByID_NotFound(t *testing.T) {
	db := setupTestDB(t)
	repo := db.Items()

	_, err := repo.FetchByID("missing-id")
	if !apperr.IsNotFound(err) {
		t.Fatalf("FetchByID(missing) err = %v, want ErrNotFound", err)
	}
}

func TestItems_ExistsActiveByURL(t *testing.T) {
	db := setupTestDB(t)
	repo := db.Items()

	url := "https://example.com/watch?v=ABCDEFGHIJK"
	exists, err := repo.ExistsActiveByURL("user-1", url)
	if err != nil || exists {
		t.Fatalf("ExistsActiveByURL before create = %v, %v", exists, err)
	}

	created, _ := repo.CreateItem(newTestItem(url))
	exists, err = repo.ExistsActiveByURL("user-1", url)
	if err != nil || !exists {
		t.Fatalf("ExistsActiveByURL after create = %v, %v", exists, err)
	}

	created.Stage = model.StageCompleted
	if err := repo.Update(created); err != nil {
		t.Fatalf("Update: %v", err)
	}
	exists, err = repo.ExistsActiveByURL("user-1", url)
	if err != nil || exists {
		t.Fatalf("ExistsActiveByURL after completion = %v, %v, want false", exists, err)
	}
}

func TestItems_ListByStage_NewestFirst(t *testing.T) {
	db := setupTestDB(t)
	repo := db.Items()

	base := time.Now().UTC().Add(-time.Hour)
	var ids []string
	for i := 0; i < 3; i++ {
		it, err := repo.CreateItem(newTestItem("https://example.com/watch?v=" + string(rune('A'+i)) + "BCDEFGHIJ"))
		if err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
		// force distinct, increasing created_at
		it.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		if _, err := db.conn.Exec(`UPDATE items SET created_at = ? WHERE id = ?`, it.CreatedAt, it.ID); err != nil {
			t.Fatalf("backdate created_at: %v", err)
		}
		ids = append(ids, it.ID)
	}

	got, err := repo.ListByStage([]model.Stage{model.StagePending}, 1, OrderNewestFirst)
	if err != nil {
		t.Fatalf("ListByStage: %v", err)
	}
	if len(got) != 1 || got[0].ID != ids[2] {
		t.Fatalf("ListByStage newest-first returned %v, want newest id %s", got, ids[2])
	}
}

func TestItems_ClaimAndUpdate_RaceSafe(t *testing.T) {
	db := setupTestDB(t)
	repo := db.Items()

	it, _ := repo.CreateItem(newTestItem("https://example.com/watch?v=ABCDEFGHIJK"))
	it.Stage = model.StageTranscribing
	if err := repo.Update(it); err != nil {
		t.Fatalf("Update: %v", err)
	}

	ok, err := repo.ClaimAndUpdate(it.ID, model.StageTranscribing, model.StagePending, 0, "stuck: reset")
	if err != nil {
		t.Fatalf("ClaimAndUpdate: %v", err)
	}
	if !ok {
		t.Fatal("ClaimAndUpdate should succeed when stage matches expectation")
	}

	// Second attempt against the now-stale expected stage must not reapply.
	ok, err = repo.ClaimAndUpdate(it.ID, model.StageTranscribing, model.StagePending, 0, "stale")
	if err != nil {
		t.Fatalf("ClaimAndUpdate second call: %v", err)
	}
	if ok {
		t.Fatal("ClaimAndUpdate should fail once the row has moved past expected stage")
	}
}

func TestItems_BackLinkBySubscriptionChannel(t *testing.T) {
	db := setupTestDB(t)
	repo := db.Items()

	it, _ := repo.CreateItem(newTestItem("https://example.com/watch?v=ABCDEFGHIJK"))
	it.ChannelID = "UCxyz"
	if err := repo.Update(it); err != nil {
		t.Fatalf("Update: %v", err)
	}

	n, err := repo.BackLinkBySubscriptionChannel("user-1", "UCxyz", "sub-1")
	if err != nil {
		t.Fatalf("BackLinkBySubscriptionChannel: %v", err)
	}
	if n != 1 {
		t.Fatalf("BackLinkBySubscriptionChannel affected %d rows, want 1", n)
	}

	fetched, _ := repo.FetchByID(it.ID)
	if fetched.SubscriptionID == nil || *fetched.SubscriptionID != "sub-1" {
		t.Fatalf("item subscription_id = %v, want sub-1", fetched.SubscriptionID)
	}
}

// =============================================================================
// Subscriptions and playlist items
// =============================================================================

func TestSubscriptions_CreateResolveDelete(t *testing.T) {
	db := setupTestDB(t)
	repo := db.Subscriptions()

	sub, err := repo.Create("user-1", "https://example.com/@channel", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sub.Status != model.SubscriptionPending {
		t.Fatalf("new subscription status = %q, want pending", sub.Status)
	}

	pending, err := repo.ListPending()
	if err != nil || len(pending) != 1 {
		t.Fatalf("ListPending = %v, %v, want 1 row", pending, err)
	}

	if err := repo.Resolve(sub.ID, "UCxyz", "Channel Title"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	resolved, ok, err := repo.FindResolvedByChannel("user-1", "UCxyz")
	if err != nil || !ok {
		t.Fatalf("FindResolvedByChannel = %v, %v, %v", resolved, ok, err)
	}

	if err := repo.Delete(sub.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	all, err := repo.ListAll()
	if err != nil || len(all) != 0 {
		t.Fatalf("ListAll after delete = %v, %v, want empty", all, err)
	}
}

func TestPlaylists_NextPositionAndMembership(t *testing.T) {
	db := setupTestDB(t)
	items := db.Items()
	playlists := db.Playlists()

	it, _ := items.CreateItem(newTestItem("https://example.com/watch?v=ABCDEFGHIJK"))

	has, err := playlists.HasPlaylistMembership(it.ID)
	if err != nil || has {
		t.Fatalf("HasPlaylistMembership before append = %v, %v", has, err)
	}

	pos, err := playlists.NextPosition("playlist-7")
	if err != nil || pos != 0 {
		t.Fatalf("NextPosition on empty playlist = %d, %v, want 0", pos, err)
	}

	if err := playlists.Append("playlist-7", it.ID, pos); err != nil {
		t.Fatalf("Append: %v", err)
	}

	next, err := playlists.NextPosition("playlist-7")
	if err != nil || next != 1 {
		t.Fatalf("NextPosition after one append = %d, %v, want 1", next, err)
	}

	has, err = playlists.HasPlaylistMembership(it.ID)
	if err != nil || !has {
		t.Fatalf("HasPlaylistMembership after append = %v, %v, want true", has, err)
	}
}
