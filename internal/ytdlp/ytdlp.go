// Package ytdlp runs the yt-dlp binary to enumerate and describe channel uploads.
//
// The client performs exactly one process spawn per call and classifies the
// outcome: throttling and per-call timeouts come back as retry.ErrThrottled
// and retry.ErrTimeout so callers can wrap calls in retry.Do. Spawns are
// paced by a shared rate limiter.
package ytdlp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/abelbrown/feedingtube/internal/logging"
	"github.com/abelbrown/feedingtube/internal/retry"
)

// Defaults used when Options leaves a field zero.
const (
	DefaultBinary      = "yt-dlp"
	DefaultCallTimeout = 60 * time.Second
	DefaultListMax     = 5000
)

// Runner executes a command and returns its stdout and stderr.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// ExecRunner runs real processes.
type ExecRunner struct{}

// Run implements Runner with os/exec.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// Options configures a Client.
type Options struct {
	Binary          string        // path or name of yt-dlp
	CallTimeout     time.Duration // bound on a single spawn
	SpawnsPerSecond float64       // <= 0 disables pacing
	Burst           int
	Runner          Runner // nil means ExecRunner
}

// Client wraps the yt-dlp binary.
type Client struct {
	bin         string
	callTimeout time.Duration
	runner      Runner
	limiter     *rate.Limiter
}

// New creates a Client.
func New(opts Options) *Client {
	c := &Client{
		bin:         opts.Binary,
		callTimeout: opts.CallTimeout,
		runner:      opts.Runner,
	}
	if c.bin == "" {
		c.bin = DefaultBinary
	}
	if c.callTimeout <= 0 {
		c.callTimeout = DefaultCallTimeout
	}
	if c.runner == nil {
		c.runner = ExecRunner{}
	}

	limit := rate.Inf
	if opts.SpawnsPerSecond > 0 {
		limit = rate.Limit(opts.SpawnsPerSecond)
	}
	burst := opts.Burst
	if burst < 1 {
		burst = 1
	}
	c.limiter = rate.NewLimiter(limit, burst)
	return c
}

// Version returns the installed yt-dlp version. Used as a startup probe.
func (c *Client) Version(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "--version")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(out)), nil
}

// ListIDs enumerates up to max upload ids for a channel, newest first.
// "/videos" is appended to url when missing.
func (c *Client) ListIDs(ctx context.Context, url string, max int) ([]string, error) {
	if max <= 0 {
		max = DefaultListMax
	}
	out, err := c.run(ctx,
		"--flat-playlist",
		"--print", "%(id)s",
		"--no-warnings",
		"--extractor-args", "youtube:skip=dash,hls",
		"--playlist-end", strconv.Itoa(max),
		VideosURL(url),
	)
	if err != nil {
		return nil, err
	}

	var ids []string
	for _, line := range strings.Split(string(out), "\n") {
		id := strings.TrimSpace(line)
		if id == "" {
			continue
		}
		if !ValidVideoID(id) {
			logging.Debug("Skipping unexpected listing line", "line", id)
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// FetchDetails fetches metadata for ids in one spawn. Lines that do not
// decode are skipped, so the result may be shorter than ids.
func (c *Client) FetchDetails(ctx context.Context, ids []string) ([]Detail, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	args := []string{
		"--dump-json",
		"--no-warnings",
		"--extractor-args", "youtube:skip=dash,hls",
		"--socket-timeout", "30",
	}
	for _, id := range ids {
		args = append(args, WatchURL(id))
	}

	out, err := c.run(ctx, args...)
	if err != nil {
		return nil, err
	}
	return ParseDetails(out), nil
}

// ChannelInfo resolves a channel or video URL to its channel.
func (c *Client) ChannelInfo(ctx context.Context, url string) (Channel, error) {
	url = strings.TrimSpace(url)
	if !ValidURL(url) {
		return Channel{}, fmt.Errorf("not a YouTube URL: %q", url)
	}

	out, err := c.run(ctx, "--dump-json", "--playlist-items", "1", "--no-warnings", url)
	if err != nil {
		return Channel{}, fmt.Errorf("channel info: %w", err)
	}
	details := ParseDetails(out)
	if len(details) == 0 {
		return Channel{}, errors.New("channel info: no metadata returned")
	}
	d := details[0]
	if d.ChannelID == "" {
		return Channel{}, errors.New("channel info: no channel_id found")
	}

	ch := Channel{ID: d.ChannelID, Name: d.Channel, URL: d.ChannelURL}
	if ch.Name == "" {
		ch.Name = d.Uploader
	}
	if ch.URL == "" {
		if isVideoURL(url) {
			ch.URL = "https://www.youtube.com/channel/" + d.ChannelID
		} else {
			ch.URL = url
		}
	}
	return ch, nil
}

// run spawns yt-dlp once and classifies failures.
func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("ytdlp: rate limiter wait failed: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	start := time.Now()
	stdout, stderr, err := c.runner.Run(callCtx, c.bin, args...)
	if err == nil {
		logging.Debug("yt-dlp finished", "args", len(args), "duration", time.Since(start))
		return stdout, nil
	}

	if ctx.Err() != nil {
		return nil, fmt.Errorf("ytdlp: cancelled: %w", ctx.Err())
	}
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		return nil, fmt.Errorf("ytdlp: no result after %s: %w", c.callTimeout, retry.ErrTimeout)
	}

	msg := strings.TrimSpace(string(stderr))
	if msg == "" {
		msg = err.Error()
	}
	if IsThrottled(msg) {
		return nil, fmt.Errorf("ytdlp: %s: %w", firstLine(msg), retry.ErrThrottled)
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return nil, fmt.Errorf("ytdlp: %w", err)
	}
	return nil, fmt.Errorf("ytdlp: %s", firstLine(msg))
}

// IsThrottled reports whether yt-dlp output indicates rate limiting.
func IsThrottled(stderr string) bool {
	return strings.Contains(stderr, "429") ||
		strings.Contains(stderr, "Too Many Requests") ||
		strings.Contains(strings.ToLower(stderr), "rate limit")
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

var (
	youtubeURLPattern = regexp.MustCompile(`^https?://(www\.|m\.)?(youtube\.com|youtu\.be)/`)
	videoIDPattern    = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)
)

// ValidURL reports whether s is an http(s) YouTube URL.
func ValidURL(s string) bool {
	return youtubeURLPattern.MatchString(s)
}

// ValidVideoID reports whether s looks like an 11 character video id.
func ValidVideoID(s string) bool {
	return videoIDPattern.MatchString(s)
}

// VideosURL points a channel URL at its uploads tab.
func VideosURL(channelURL string) string {
	if strings.Contains(channelURL, "/videos") {
		return channelURL
	}
	return strings.TrimRight(channelURL, "/") + "/videos"
}

// WatchURL returns the canonical watch URL for a video id.
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

func isVideoURL(s string) bool {
	return strings.Contains(s, "/watch?") || strings.Contains(s, "youtu.be/")
}
