package ytdlp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/abelbrown/feedingtube/internal/store"
)

// ShortMaxSeconds is the longest duration still treated as short-form.
const ShortMaxSeconds = 60

// Channel identifies a YouTube channel.
type Channel struct {
	ID   string
	Name string
	URL  string
}

// Source converts the channel into a store subscription.
func (c Channel) Source() store.Source {
	return store.Source{ID: c.ID, Name: c.Name, URL: c.URL}
}

// Detail is the subset of yt-dlp --dump-json output we keep.
type Detail struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	WebpageURL string   `json:"webpage_url"`
	Duration   *float64 `json:"duration"`
	UploadDate string   `json:"upload_date"` // YYYYMMDD
	ChannelID  string   `json:"channel_id"`
	Channel    string   `json:"channel"`
	ChannelURL string   `json:"channel_url"`
	Uploader   string   `json:"uploader"`
}

// ParseDetails decodes one JSON object per line, skipping lines that fail
// to decode or carry no id.
func ParseDetails(out []byte) []Detail {
	var details []Detail
	sc := bufio.NewScanner(bytes.NewReader(out))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var d Detail
		if err := json.Unmarshal(line, &d); err != nil {
			continue
		}
		if d.ID == "" {
			continue
		}
		details = append(details, d)
	}
	return details
}

// Seconds returns the duration rounded down to whole seconds, or nil.
func (d Detail) Seconds() *int {
	if d.Duration == nil {
		return nil
	}
	s := int(*d.Duration)
	return &s
}

// URL returns the page URL, falling back to the watch URL.
func (d Detail) URL() string {
	if d.WebpageURL != "" {
		return d.WebpageURL
	}
	return WatchURL(d.ID)
}

// Item converts the detail into a store item owned by the given source.
func (d Detail) Item(sourceID, sourceName string) store.Item {
	secs := d.Seconds()
	return store.Item{
		ID:         d.ID,
		Title:      d.Title,
		URL:        d.URL(),
		IsShort:    IsShort(secs, d.URL()),
		SourceID:   sourceID,
		SourceName: sourceName,
		Published:  ParseUploadDate(d.UploadDate),
		Duration:   secs,
	}
}

// IsShort reports whether a video is short-form: at most ShortMaxSeconds
// long, or served from a /shorts/ URL.
func IsShort(seconds *int, url string) bool {
	if seconds != nil && *seconds <= ShortMaxSeconds {
		return true
	}
	return strings.Contains(url, "/shorts/")
}

// ParseUploadDate parses YYYYMMDD as midnight UTC. Anything else is nil.
func ParseUploadDate(s string) *time.Time {
	if len(s) != 8 {
		return nil
	}
	t, err := time.Parse("20060102", s)
	if err != nil {
		return nil
	}
	return &t
}
