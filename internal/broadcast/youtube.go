package broadcast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anji4cp/streamnexus/internal/stream"
)

const (
	DefaultAPIBase    = "https://www.googleapis.com/youtube/v3"
	DefaultUploadBase = "https://www.googleapis.com/upload/youtube/v3"
)

// YouTube talks to the YouTube Live Streaming API.
type YouTube struct {
	APIBase    string
	UploadBase string
	Tokens     TokenSource
	HTTP       *http.Client
	Logger     *slog.Logger
}

func NewYouTube(tokens TokenSource) *YouTube {
	return &YouTube{
		APIBase:    DefaultAPIBase,
		UploadBase: DefaultUploadBase,
		Tokens:     tokens,
		HTTP:       &http.Client{Timeout: 30 * time.Second},
		Logger:     slog.Default(),
	}
}

type ytSnippet struct {
	Title              string   `json:"title,omitempty"`
	Description        string   `json:"description,omitempty"`
	ScheduledStartTime string   `json:"scheduledStartTime,omitempty"`
	Tags               []string `json:"tags,omitempty"`
	CategoryID         string   `json:"categoryId,omitempty"`
}

type ytResource struct {
	ID             string         `json:"id,omitempty"`
	Snippet        *ytSnippet     `json:"snippet,omitempty"`
	Status         map[string]any `json:"status,omitempty"`
	ContentDetails map[string]any `json:"contentDetails,omitempty"`
	CDN            *ytCDN         `json:"cdn,omitempty"`
}

type ytCDN struct {
	IngestionType string `json:"ingestionType,omitempty"`
	Resolution    string `json:"resolution,omitempty"`
	FrameRate     string `json:"frameRate,omitempty"`
	IngestionInfo *struct {
		IngestionAddress string `json:"ingestionAddress"`
		StreamName       string `json:"streamName"`
	} `json:"ingestionInfo,omitempty"`
}

type ytError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// CreateBroadcast inserts a broadcast and an RTMP stream, binds them and applies
// the item's publish metadata. The broadcast auto-starts when data arrives.
func (y *YouTube) CreateBroadcast(ctx context.Context, channelID string, item stream.RotationItem, start time.Time) (Broadcast, error) {
	token, err := y.token(ctx, channelID)
	if err != nil {
		return Broadcast{}, err
	}
	title := item.Title
	if strings.TrimSpace(title) == "" {
		title = filepath.Base(item.ContentRef)
	}
	privacy := item.Privacy
	if privacy == "" {
		privacy = stream.DefaultPrivacy
	}

	var bc ytResource
	err = y.call(ctx, token, http.MethodPost, "/liveBroadcasts", url.Values{"part": {"snippet,status,contentDetails"}}, ytResource{
		Snippet: &ytSnippet{
			Title:              title,
			Description:        item.Description,
			ScheduledStartTime: start.UTC().Format(time.RFC3339),
		},
		Status:         map[string]any{"privacyStatus": privacy, "selfDeclaredMadeForKids": false},
		ContentDetails: map[string]any{"enableAutoStart": true, "enableAutoStop": true},
	}, &bc)
	if err != nil {
		return Broadcast{}, fmt.Errorf("insert broadcast: %w", err)
	}

	var ls ytResource
	err = y.call(ctx, token, http.MethodPost, "/liveStreams", url.Values{"part": {"snippet,cdn"}}, ytResource{
		Snippet: &ytSnippet{Title: title},
		CDN:     &ytCDN{IngestionType: "rtmp", Resolution: "variable", FrameRate: "variable"},
	}, &ls)
	if err != nil {
		return Broadcast{}, fmt.Errorf("insert stream: %w", err)
	}
	if ls.CDN == nil || ls.CDN.IngestionInfo == nil || ls.CDN.IngestionInfo.IngestionAddress == "" {
		return Broadcast{}, fmt.Errorf("insert stream: response has no ingestion info")
	}

	q := url.Values{"id": {bc.ID}, "streamId": {ls.ID}, "part": {"id,contentDetails"}}
	if err := y.call(ctx, token, http.MethodPost, "/liveBroadcasts/bind", q, nil, nil); err != nil {
		return Broadcast{}, fmt.Errorf("bind broadcast: %w", err)
	}

	category := item.Category
	if category == "" {
		category = stream.DefaultCategory
	}
	if err := y.call(ctx, token, http.MethodPut, "/videos", url.Values{"part": {"snippet"}}, ytResource{
		ID:      bc.ID,
		Snippet: &ytSnippet{Title: title, Description: item.Description, Tags: item.Tags, CategoryID: category},
	}, nil); err != nil {
		y.logger().Warn("youtube metadata update failed", "broadcast", bc.ID, "error", err)
	}
	if item.Thumbnail != "" {
		if err := y.uploadThumbnail(ctx, token, bc.ID, item.Thumbnail); err != nil {
			y.logger().Warn("youtube thumbnail upload failed", "broadcast", bc.ID, "error", err)
		}
	}

	return Broadcast{
		ID:         bc.ID,
		StreamID:   ls.ID,
		IngestURL:  ls.CDN.IngestionInfo.IngestionAddress,
		StreamName: ls.CDN.IngestionInfo.StreamName,
	}, nil
}

// EndBroadcast transitions the broadcast to complete.
func (y *YouTube) EndBroadcast(ctx context.Context, channelID, broadcastID string) error {
	token, err := y.token(ctx, channelID)
	if err != nil {
		return err
	}
	q := url.Values{"broadcastStatus": {"complete"}, "id": {broadcastID}, "part": {"status"}}
	if err := y.call(ctx, token, http.MethodPost, "/liveBroadcasts/transition", q, nil, nil); err != nil {
		return fmt.Errorf("end broadcast %s: %w", broadcastID, err)
	}
	return nil
}

func (y *YouTube) token(ctx context.Context, channelID string) (string, error) {
	if y.Tokens == nil {
		return "", ErrNoToken
	}
	tok, err := y.Tokens(ctx, channelID)
	if err != nil {
		return "", fmt.Errorf("channel %s: %w", channelID, err)
	}
	return tok, nil
}

func (y *YouTube) call(ctx context.Context, token, method, path string, q url.Values, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	u := strings.TrimRight(y.APIBase, "/") + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return y.do(req, token, out)
}

func (y *YouTube) uploadThumbnail(ctx context.Context, token, videoID, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	u := strings.TrimRight(y.UploadBase, "/") + "/thumbnails/set?" + url.Values{"videoId": {videoID}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", http.DetectContentType(b))
	return y.do(req, token, nil)
}

func (y *YouTube) do(req *http.Request, token string, out any) error {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Request-Id", uuid.NewString())
	hc := y.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode/100 != 2 {
		var ye ytError
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(b, &ye) == nil && ye.Error.Message != "" {
			return fmt.Errorf("youtube %s: %d %s", req.URL.Path, resp.StatusCode, ye.Error.Message)
		}
		return fmt.Errorf("youtube %s: status %d", req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (y *YouTube) logger() *slog.Logger {
	if y.Logger != nil {
		return y.Logger
	}
	return slog.Default()
}
