// ABOUTME: HTTP client for the remote platform's REST API.
// ABOUTME: Finds or creates conversation threads and posts messages into them.

package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	neturl "net/url"
	"strings"
	"time"
)

const (
	// DefaultAPIBase is the remote platform's REST endpoint.
	DefaultAPIBase = "https://discord.com/api/v10"

	// threadReuseWindow bounds how old an existing thread may be and still
	// be reused for a returning visitor.
	threadReuseWindow = 90 * 24 * time.Hour

	// autoArchiveMinutes keeps created threads visible for a week.
	autoArchiveMinutes = 10080

	publicThreadType = 11
)

// RESTConfig configures the REST client.
type RESTConfig struct {
	// APIBase overrides the API endpoint, mainly for tests.
	APIBase string
	// Token authenticates as the bot account.
	Token string
	// GuildID is the server whose active threads are searched for reuse.
	GuildID string
	// ChannelID is the parent channel threads are created under.
	ChannelID string
}

// REST talks to the remote platform's HTTP API for thread management and
// message delivery.
type REST struct {
	cfg    RESTConfig
	client *http.Client
	logger *slog.Logger
	now    func() time.Time
}

// NewREST creates a REST client.
func NewREST(cfg RESTConfig, logger *slog.Logger) *REST {
	if cfg.APIBase == "" {
		cfg.APIBase = DefaultAPIBase
	}
	return &REST{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
		now:    time.Now,
	}
}

type threadInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	ParentID string `json:"parent_id"`
	Metadata struct {
		CreateTimestamp  string `json:"create_timestamp"`
		ArchiveTimestamp string `json:"archive_timestamp"`
	} `json:"thread_metadata"`
}

type activeThreadsResponse struct {
	Threads []threadInfo `json:"threads"`
}

type archivedThreadsResponse struct {
	Threads []threadInfo `json:"threads"`
	HasMore bool         `json:"has_more"`
}

// FindOrCreateThread returns the thread id for a visitor, reusing an
// existing thread when one titled with the same email exists and is younger
// than the reuse window. created reports whether a new thread was made,
// which tells the caller whether to post the identity summary.
func (r *REST) FindOrCreateThread(ctx context.Context, email, name string) (threadID string, created bool, err error) {
	existing, err := r.findThread(ctx, email)
	if err != nil {
		return "", false, err
	}
	if existing != "" {
		r.logger.Info("reusing existing thread", "thread_id", existing, "email", email)
		return existing, false, nil
	}

	threadID, err = r.createThread(ctx, email, name)
	if err != nil {
		return "", false, err
	}
	r.logger.Info("created thread", "thread_id", threadID, "email", email)
	return threadID, true, nil
}

// findThread searches the guild's threads for one whose title contains the
// visitor's email and which is young enough to reuse. Created threads
// auto-archive after a week, so a returning visitor's thread is usually in
// the archived listing rather than the active one.
func (r *REST) findThread(ctx context.Context, email string) (string, error) {
	cutoff := r.now().Add(-threadReuseWindow)

	id, err := r.findActiveThread(ctx, email, cutoff)
	if err != nil || id != "" {
		return id, err
	}
	return r.findArchivedThread(ctx, email, cutoff)
}

// findActiveThread scans the guild's active thread list.
func (r *REST) findActiveThread(ctx context.Context, email string, cutoff time.Time) (string, error) {
	url := fmt.Sprintf("%s/guilds/%s/threads/active", r.cfg.APIBase, r.cfg.GuildID)
	body, err := r.do(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("listing active threads: %w", err)
	}

	var resp activeThreadsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decoding thread list: %w", err)
	}

	for _, t := range resp.Threads {
		if r.matchThread(t, email, cutoff) {
			return t.ID, nil
		}
	}
	return "", nil
}

// findArchivedThread pages the channel's archived public threads, newest
// archive first. A match is unarchived before reuse so the gateway receives
// its new messages again.
func (r *REST) findArchivedThread(ctx context.Context, email string, cutoff time.Time) (string, error) {
	before := ""
	for {
		url := fmt.Sprintf("%s/channels/%s/threads/archived/public?limit=100", r.cfg.APIBase, r.cfg.ChannelID)
		if before != "" {
			url += "&before=" + neturl.QueryEscape(before)
		}
		body, err := r.do(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", fmt.Errorf("listing archived threads: %w", err)
		}

		var resp archivedThreadsResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("decoding archived thread list: %w", err)
		}

		for _, t := range resp.Threads {
			if r.matchThread(t, email, cutoff) {
				if err := r.unarchiveThread(ctx, t.ID); err != nil {
					return "", err
				}
				r.logger.Info("unarchived thread for reuse", "thread_id", t.ID)
				return t.ID, nil
			}
		}

		if !resp.HasMore || len(resp.Threads) == 0 {
			return "", nil
		}
		before = resp.Threads[len(resp.Threads)-1].Metadata.ArchiveTimestamp
		// A thread archives after it is created, so once the listing passes
		// the cutoff nothing older can still be inside the reuse window.
		last, err := time.Parse(time.RFC3339, before)
		if err != nil || last.Before(cutoff) {
			return "", nil
		}
	}
}

// matchThread reports whether a listed thread is this visitor's and still
// inside the reuse window.
func (r *REST) matchThread(t threadInfo, email string, cutoff time.Time) bool {
	if t.ParentID != r.cfg.ChannelID {
		return false
	}
	if !strings.Contains(t.Name, email) {
		return false
	}
	createdAt, err := time.Parse(time.RFC3339, t.Metadata.CreateTimestamp)
	if err != nil {
		r.logger.Warn("unparseable thread timestamp, skipping",
			"thread_id", t.ID,
			"timestamp", t.Metadata.CreateTimestamp,
		)
		return false
	}
	return !createdAt.Before(cutoff)
}

// unarchiveThread reopens an auto-archived thread.
func (r *REST) unarchiveThread(ctx context.Context, threadID string) error {
	url := fmt.Sprintf("%s/channels/%s", r.cfg.APIBase, threadID)
	if _, err := r.do(ctx, http.MethodPatch, url, map[string]any{"archived": false}); err != nil {
		return fmt.Errorf("unarchiving thread %s: %w", threadID, err)
	}
	return nil
}

// createThread makes a new thread titled with the visitor's name and email.
// The email in the title is what findThread matches on later.
func (r *REST) createThread(ctx context.Context, email, name string) (string, error) {
	payload := map[string]any{
		"name":                  fmt.Sprintf("%s (%s)", name, email),
		"type":                  publicThreadType,
		"auto_archive_duration": autoArchiveMinutes,
	}
	url := fmt.Sprintf("%s/channels/%s/threads", r.cfg.APIBase, r.cfg.ChannelID)
	body, err := r.do(ctx, http.MethodPost, url, payload)
	if err != nil {
		return "", fmt.Errorf("creating thread: %w", err)
	}

	var thread threadInfo
	if err := json.Unmarshal(body, &thread); err != nil {
		return "", fmt.Errorf("decoding created thread: %w", err)
	}
	if thread.ID == "" {
		return "", fmt.Errorf("thread creation returned no id")
	}
	return thread.ID, nil
}

// SendMessage posts content into a thread.
func (r *REST) SendMessage(ctx context.Context, threadID, content string) error {
	payload := map[string]any{"content": content}
	url := fmt.Sprintf("%s/channels/%s/messages", r.cfg.APIBase, threadID)
	if _, err := r.do(ctx, http.MethodPost, url, payload); err != nil {
		return fmt.Errorf("posting message to thread %s: %w", threadID, err)
	}
	return nil
}

// do executes one authenticated API request and returns the response body.
func (r *REST) do(ctx context.Context, method, url string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bot "+r.cfg.Token)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("API returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
