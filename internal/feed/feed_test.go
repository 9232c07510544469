package feed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/abelbrown/feedingtube/internal/store"
)

const sampleFeed = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
 <title>Feed Channel</title>
 <entry>
  <id>yt:video:aaaaaaaaaaa</id>
  <yt:videoId>aaaaaaaaaaa</yt:videoId>
  <yt:channelId>UCtest</yt:channelId>
  <title>Regular &amp; Long</title>
  <link rel="alternate" href="https://www.youtube.com/watch?v=aaaaaaaaaaa"/>
  <published>2024-02-01T10:00:00+00:00</published>
 </entry>
 <entry>
  <id>yt:video:bbbbbbbbbbb</id>
  <title>A Short</title>
  <link rel="alternate" href="https://www.youtube.com/shorts/bbbbbbbbbbb"/>
  <published>2024-02-02T10:00:00+00:00</published>
 </entry>
 <entry>
  <id>tag:something-else</id>
  <title>No id</title>
 </entry>
</feed>`

func TestFetch(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query().Get("channel_id")
		w.Header().Set("Content-Type", "application/atom+xml")
		w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	c := NewClient(5 * time.Second).WithBaseURL(server.URL)
	items, err := c.Fetch(context.Background(), store.Source{ID: "UCtest", Name: "Test Channel"})
	if err != nil {
		t.Fatalf("Fetch failed: %v", err)
	}

	if gotQuery != "UCtest" {
		t.Errorf("expected channel_id=UCtest, got %q", gotQuery)
	}
	if len(items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(items))
	}

	first := items[0]
	if first.ID != "aaaaaaaaaaa" {
		t.Errorf("expected yt:videoId, got %s", first.ID)
	}
	if first.Title != "Regular & Long" {
		t.Errorf("entities not decoded: %q", first.Title)
	}
	if first.IsShort {
		t.Error("watch link should not be short")
	}
	if first.SourceID != "UCtest" || first.SourceName != "Test Channel" {
		t.Errorf("unexpected source snapshot: %s / %s", first.SourceID, first.SourceName)
	}
	want := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	if first.Published == nil || !first.Published.Equal(want) {
		t.Errorf("published = %v, want %v", first.Published, want)
	}

	second := items[1]
	if second.ID != "bbbbbbbbbbb" {
		t.Errorf("expected id from entry id fallback, got %s", second.ID)
	}
	if !second.IsShort {
		t.Error("/shorts/ link should be short")
	}
}

func TestFetchHTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(5 * time.Second).WithBaseURL(server.URL)
	if _, err := c.Fetch(context.Background(), store.Source{ID: "UCx"}); err == nil {
		t.Error("expected error on 404")
	}
}

func TestFetchUsesFeedTitleWhenNameMissing(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(sampleFeed))
	}))
	defer server.Close()

	c := NewClient(5 * time.Second).WithBaseURL(server.URL)
	items, err := c.Fetch(context.Background(), store.Source{ID: "UCtest"})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) == 0 || items[0].SourceName != "Feed Channel" {
		t.Errorf("expected feed title as source name, got %+v", items)
	}
}

func TestFetchCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := NewClient(time.Second)
	if _, err := c.Fetch(ctx, store.Source{ID: "UCx"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

func TestFeedURL(t *testing.T) {
	c := NewClient(time.Second)
	if got := c.FeedURL("UC123"); got != "https://www.youtube.com/feeds/videos.xml?channel_id=UC123" {
		t.Errorf("unexpected feed url %s", got)
	}
}
