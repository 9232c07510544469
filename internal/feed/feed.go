// Package feed fetches a channel's Atom feed, the cheap "latest uploads" view
// used by incremental refresh.
//
// The feed only carries the newest handful of uploads, but it has real
// publication timestamps and costs one HTTP request.
package feed

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/abelbrown/feedingtube/internal/store"
)

// DefaultBaseURL is YouTube's per-channel feed endpoint.
const DefaultBaseURL = "https://www.youtube.com/feeds/videos.xml"

// Client retrieves channel feeds.
type Client struct {
	client  *http.Client
	baseURL string
}

// NewClient creates a Client with the given HTTP client timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		client:  &http.Client{Timeout: timeout},
		baseURL: DefaultBaseURL,
	}
}

// WithBaseURL points the client at another endpoint. Used by tests.
func (c *Client) WithBaseURL(base string) *Client {
	c.baseURL = base
	return c
}

// FeedURL returns the feed address for a channel id.
func (c *Client) FeedURL(channelID string) string {
	return c.baseURL + "?channel_id=" + url.QueryEscape(channelID)
}

// Fetch retrieves the latest items for a source. Does NOT store items -
// caller decides what to do with them.
func (c *Client) Fetch(ctx context.Context, src store.Source) ([]store.Item, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.FeedURL(src.ID), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", "feedingtube/1.0")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP error: %s", resp.Status)
	}

	parsed, err := gofeed.NewParser().Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse feed: %w", err)
	}

	name := src.Name
	if name == "" {
		name = parsed.Title
	}

	items := make([]store.Item, 0, len(parsed.Items))
	for _, entry := range parsed.Items {
		item, ok := convertEntry(entry, src.ID, name)
		if !ok {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// convertEntry converts a feed entry to a store.Item. Entries without a
// video id are skipped.
func convertEntry(entry *gofeed.Item, sourceID, sourceName string) (store.Item, bool) {
	id := videoID(entry)
	if id == "" || entry.Title == "" {
		return store.Item{}, false
	}

	link := entry.Link
	if link == "" {
		link = "https://www.youtube.com/watch?v=" + id
	}

	item := store.Item{
		ID:         id,
		Title:      entry.Title,
		URL:        link,
		IsShort:    strings.Contains(link, "/shorts/"),
		SourceID:   sourceID,
		SourceName: sourceName,
	}
	if entry.PublishedParsed != nil {
		t := entry.PublishedParsed.UTC()
		item.Published = &t
	}
	return item, true
}

// videoID reads <yt:videoId>, falling back to the "yt:video:" entry id.
func videoID(entry *gofeed.Item) string {
	if yt, ok := entry.Extensions["yt"]; ok {
		if vals := yt["videoId"]; len(vals) > 0 && vals[0].Value != "" {
			return strings.TrimSpace(vals[0].Value)
		}
	}
	if id, ok := strings.CutPrefix(entry.GUID, "yt:video:"); ok {
		return id
	}
	return ""
}
