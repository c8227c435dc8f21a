// Package model defines the Item, Subscription and PlaylistItem entities
// owned exclusively by the Job Store.
package model

import (
	"regexp"
	"time"
)

// Stage is an Item's position in the state machine.
type Stage string

const (
	StagePending      Stage = "pending"
	StageDownloading  Stage = "downloading"
	StageConverting   Stage = "converting"
	StageTranscribing Stage = "transcribing"
	StageSummarizing  Stage = "summarizing"
	StageCompleted    Stage = "completed"
	StageFailed       Stage = "failed"
	StageUnavailable  Stage = "unavailable"
)

// Terminal reports whether a stage is never re-scheduled by the Pool
// scheduler.
func (s Stage) Terminal() bool {
	switch s {
	case StageCompleted, StageFailed, StageUnavailable:
		return true
	default:
		return false
	}
}

// NormalizeStage translates legacy upper-case enum labels carried by old
// migrations to the canonical lower-case form.
func NormalizeStage(raw string) Stage {
	switch raw {
	case "UNAVAILABLE":
		return StageUnavailable
	case "FAILED":
		return StageFailed
	case "COMPLETED":
		return StageCompleted
	case "PENDING":
		return StagePending
	case "DOWNLOADING":
		return StageDownloading
	case "CONVERTING":
		return StageConverting
	case "TRANSCRIBING":
		return StageTranscribing
	case "SUMMARIZING":
		return StageSummarizing
	default:
		return Stage(raw)
	}
}

// videoIDPattern extracts an 11-character YouTube-style video id from a URL.
var videoIDPattern = regexp.MustCompile(`(?:v=|youtu\.be/|/shorts/|/embed/)([A-Za-z0-9_-]{11})`)

// ExtractVideoID derives the source_video_id from a source URL. Returns ""
// if no 11-character id can be found.
func ExtractVideoID(url string) string {
	m := videoIDPattern.FindStringSubmatch(url)
	if len(m) != 2 {
		return ""
	}
	return m[1]
}

// Item is one submitted URL per user.
type Item struct {
	ID             string     `db:"id" json:"id"`
	URL            string     `db:"url" json:"url"`
	SourceVideoID  string     `db:"source_video_id" json:"sourceVideoId"`
	UserID         string     `db:"user_id" json:"userId"`
	Stage          Stage      `db:"stage" json:"stage"`
	Progress       float64    `db:"progress" json:"progress"`
	LanguageHint   string     `db:"language_hint" json:"languageHint"`
	Title          string     `db:"title" json:"title"`
	ChannelID      string     `db:"channel_id" json:"channelId"`
	ChannelTitle   string     `db:"channel_title" json:"channelTitle"`
	UploaderID     string     `db:"uploader_id" json:"uploaderId"`
	Uploader       string     `db:"uploader" json:"uploader"`
	ViewCount      int64      `db:"view_count" json:"viewCount"`
	LikeCount      int64      `db:"like_count" json:"likeCount"`
	DurationSec    int64      `db:"duration_seconds" json:"durationSeconds"`
	UploadDate     *time.Time `db:"upload_date" json:"uploadDate"`
	ThumbnailURL   string     `db:"thumbnail_url" json:"thumbnailUrl"`
	ThumbnailPath  string     `db:"thumbnail_path" json:"thumbnailPath"`
	TranscriptPath string     `db:"transcript_file_path" json:"transcriptFilePath"`
	Transcript     string     `db:"transcript" json:"transcript"`
	Summary        string     `db:"summary" json:"summary"`
	Keywords       string     `db:"keywords" json:"keywords"`
	WatchPosition  float64    `db:"watch_position_seconds" json:"watchPositionSeconds"`
	ReadCount      int64      `db:"read_count" json:"readCount"`
	ErrorMessage   string     `db:"error_message" json:"errorMessage"`
	SubscriptionID *string    `db:"subscription_id" json:"subscriptionId"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
	UpdatedAt      *time.Time `db:"updated_at" json:"updatedAt"`
	DownloadedAt   *time.Time `db:"downloaded_at" json:"downloadedAt"`
	CompletedAt    *time.Time `db:"completed_at" json:"completedAt"`
}

// IsSentinelTranscript reports whether t is the "no transcript" placeholder
// (GLOSSARY "Sentinel transcript").
func IsSentinelTranscript(t string) bool {
	return len(t) >= len("Transcription unavailable") && t[:len("Transcription unavailable")] == "Transcription unavailable"
}

// SubscriptionStatus is a Subscription's resolution state.
type SubscriptionStatus string

const (
	SubscriptionPending  SubscriptionStatus = "pending"
	SubscriptionResolved SubscriptionStatus = "resolved"
)

// Subscription is one per (user, channel).
type Subscription struct {
	ID             string             `db:"id" json:"id"`
	UserID         string             `db:"user_id" json:"userId"`
	ChannelURL     string             `db:"channel_url" json:"channelUrl"`
	ChannelID      *string            `db:"channel_id" json:"channelId"`
	ChannelTitle   string             `db:"channel_title" json:"channelTitle"`
	Status         SubscriptionStatus `db:"status" json:"status"`
	AutoPlaylistID *string            `db:"auto_playlist_id" json:"autoPlaylistId"`
	LastCheckAt    *time.Time         `db:"last_check_at" json:"lastCheckAt"`
	CreatedAt      time.Time          `db:"created_at" json:"createdAt"`
}

// PlaylistItem links an item to a playlist at a given position. Its
// mere existence for an item is what the download stage uses to
// short-circuit past transcription.
type PlaylistItem struct {
	PlaylistID string `db:"playlist_id" json:"playlistId"`
	ItemID     string `db:"item_id" json:"itemId"`
	Position   int64  `db:"position" json:"position"`
}
