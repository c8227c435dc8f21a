// Package channel implements the ChannelService capability: resolving a
// channel URL to its id/title and listing a channel's latest uploads,
// both via yt-dlp's flat-playlist extraction. Resolution goes through the
// channel's /videos tab so the homepage's members-only featured content
// never leaks into the listing.
package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sunyych/ingestd/internal/apperr"
	"github.com/sunyych/ingestd/internal/capability"
)

// Client wraps yt-dlp channel operations for the subscription loops.
type Client struct {
	YtDlpPath string
}

// NewClient builds a channel.Client using the given yt-dlp binary.
func NewClient(ytDlpPath string) *Client {
	return &Client{YtDlpPath: ytDlpPath}
}

var _ capability.ChannelService = (*Client)(nil)

// channelInfoJSON is the subset of yt-dlp's flat-playlist dump the loops need.
type channelInfoJSON struct {
	ID        string `json:"id"`
	ChannelID string `json:"channel_id"`
	Channel   string `json:"channel"`
	Uploader  string `json:"uploader"`
	Title     string `json:"title"`
	Entries   []struct {
		ID string `json:"id"`
	} `json:"entries"`
}

// videosTabURL rewrites a channel URL onto its /videos tab unless the
// caller already pinned a tab (/videos, /streams, /shorts).
func videosTabURL(channelURL string) string {
	url := strings.TrimSpace(channelURL)
	if strings.Contains(url, "/videos") || strings.Contains(url, "/streams") || strings.Contains(url, "/shorts") {
		return url
	}
	return strings.TrimRight(url, "/") + "/videos"
}

func (c *Client) dumpChannel(ctx context.Context, url string, playlistEnd int) (*channelInfoJSON, error) {
	args := []string{
		"--dump-single-json",
		"--flat-playlist",
		"--no-warnings",
		"--no-check-certificate",
		"--socket-timeout", "60",
	}
	if playlistEnd > 0 {
		args = append(args, "--playlist-end", fmt.Sprintf("%d", playlistEnd))
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, c.YtDlpPath, args...)
	setSysProcAttr(cmd)
	cmd.Env = append(cmd.Environ(), "PYTHONIOENCODING=utf-8", "PYTHONUTF8=1")

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return nil, apperr.WrapWithMessage("channel.dumpChannel", err, msg)
	}

	var info channelInfoJSON
	if err := json.Unmarshal(output, &info); err != nil {
		return nil, apperr.Wrap("channel.dumpChannel", err)
	}
	return &info, nil
}

// ResolveChannel resolves channelURL to (channel id, channel title).
// Supports /channel/UC..., /@handle and /c/custom
// forms; the id falls back to the playlist id when yt-dlp reports no
// channel_id, and the title falls back through channel → uploader → title.
func (c *Client) ResolveChannel(ctx context.Context, channelURL string) (string, string, error) {
	if strings.TrimSpace(channelURL) == "" {
		return "", "", apperr.NewWithMessage("channel.ResolveChannel", apperr.ErrInvalidURL, "channel URL must not be empty")
	}
	info, err := c.dumpChannel(ctx, videosTabURL(channelURL), 1)
	if err != nil {
		return "", "", err
	}
	channelID := info.ChannelID
	if channelID == "" {
		channelID = info.ID
	}
	if channelID == "" {
		return "", "", apperr.NewWithMessage("channel.ResolveChannel", apperr.ErrNotFound, "no channel id in yt-dlp output")
	}
	title := info.Channel
	if title == "" {
		title = info.Uploader
	}
	if title == "" {
		title = info.Title
	}
	return channelID, title, nil
}

// FetchLatestVideoURLs lists up to max watch URLs for the channel's newest
// uploads, deduplicated by video id.
func (c *Client) FetchLatestVideoURLs(ctx context.Context, channelURL string, max int) ([]string, error) {
	if strings.TrimSpace(channelURL) == "" {
		return nil, nil
	}
	info, err := c.dumpChannel(ctx, videosTabURL(channelURL), max)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(info.Entries))
	var urls []string
	for _, entry := range info.Entries {
		if entry.ID == "" {
			continue
		}
		if _, dup := seen[entry.ID]; dup {
			continue
		}
		seen[entry.ID] = struct{}{}
		urls = append(urls, "https://www.youtube.com/watch?v="+entry.ID)
		if max > 0 && len(urls) >= max {
			break
		}
	}
	return urls, nil
}
