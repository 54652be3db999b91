package zoom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/merlinhq/merlin/common/config"
	"github.com/merlinhq/merlin/engine/internal/models"
)

const DefaultAPIBaseURL = "https://api.zoom.us/v2"

// ErrNoTranscript is returned when a recording has no transcript file.
var ErrNoTranscript = errors.New("recording has no transcript")

// maxTranscriptBytes caps downloads; the extractor truncates far below this.
const maxTranscriptBytes = 8 << 20

// TranscriptFetcher downloads the transcript of a recorded meeting.
type TranscriptFetcher interface {
	FetchTranscript(ctx context.Context, conn *models.Connection, meetingUUID string) (string, error)
}

// Client reads cloud recordings through the Zoom REST API.
type Client struct {
	baseURL string
	client  *http.Client
}

func NewClient(cfg config.ZoomConfig) *Client {
	baseURL := strings.TrimRight(cfg.APIBaseURL, "/")
	if baseURL == "" {
		baseURL = DefaultAPIBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

type recordingFile struct {
	FileType    string `json:"file_type"`
	DownloadURL string `json:"download_url"`
}

// meetingPath escapes a meeting UUID. UUIDs starting with "/" or containing
// "//" must be escaped twice.
func meetingPath(uuid string) string {
	escaped := url.PathEscape(uuid)
	if strings.HasPrefix(uuid, "/") || strings.Contains(uuid, "//") {
		escaped = url.PathEscape(escaped)
	}
	return escaped
}

func (c *Client) FetchTranscript(ctx context.Context, conn *models.Connection, meetingUUID string) (string, error) {
	if conn == nil || conn.AccessToken == "" {
		return "", fmt.Errorf("zoom connection has no access token")
	}

	var recordings struct {
		RecordingFiles []recordingFile `json:"recording_files"`
	}
	endpoint := fmt.Sprintf("%s/meetings/%s/recordings", c.baseURL, meetingPath(meetingUUID))
	body, err := c.get(ctx, conn, endpoint)
	if err != nil {
		return "", err
	}
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&recordings); err != nil {
		return "", fmt.Errorf("failed to decode recordings: %w", err)
	}

	download := ""
	for _, f := range recordings.RecordingFiles {
		if f.FileType == "TRANSCRIPT" {
			download = f.DownloadURL
			break
		}
	}
	if download == "" {
		return "", ErrNoTranscript
	}

	file, err := c.get(ctx, conn, download)
	if err != nil {
		return "", err
	}
	defer file.Close()
	raw, err := io.ReadAll(io.LimitReader(file, maxTranscriptBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read transcript: %w", err)
	}
	return string(raw), nil
}

func (c *Client) get(ctx context.Context, conn *models.Connection, endpoint string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("zoom request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("zoom request failed: unexpected status code: %d", resp.StatusCode)
	}
	return resp.Body, nil
}
