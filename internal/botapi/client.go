// Package botapi is a thin client for the messaging platform's bot API:
// sending text and media, editing messages, answering callbacks, and
// fetching user uploads. Flood control is absorbed here so callers never
// see a 429.
package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/gramshop/server/internal/httputil"
	"github.com/gramshop/server/internal/metrics"
)

const defaultBaseURL = "https://api.telegram.org"

// maxRetryAfter caps how long a flood-control wait may block a send.
const maxRetryAfter = 5 * time.Minute

// ErrDropped is returned when the platform rejected the request in a way
// that retrying cannot fix (bad request, revoked token, blocked bot).
var ErrDropped = errors.New("botapi: request dropped")

// Client calls the platform bot API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	log     zerolog.Logger
	metrics *metrics.Metrics
}

// NewClient builds a client. baseURL empty means the public endpoint.
func NewClient(token, baseURL string, log zerolog.Logger, m *metrics.Metrics) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    httputil.NewClient(60 * time.Second),
		log:     log.With().Str("component", "botapi").Logger(),
		metrics: m,
	}
}

// SendMessage sends text with optional inline keyboard. Returns the sent
// message so callers can edit it later.
func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, kb *InlineKeyboard) (Message, error) {
	payload := map[string]any{
		"chat_id":    chatID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if kb != nil {
		payload["reply_markup"] = kb
	}
	var msg Message
	err := c.invoke(ctx, "sendMessage", payload, &msg)
	return msg, err
}

// EditMessageText rewrites a previously sent message in place. Browsing
// flows edit one pinned menu message instead of flooding the chat.
func (c *Client) EditMessageText(ctx context.Context, chatID, messageID int64, text string, kb *InlineKeyboard) error {
	payload := map[string]any{
		"chat_id":    chatID,
		"message_id": messageID,
		"text":       text,
		"parse_mode": "HTML",
	}
	if kb != nil {
		payload["reply_markup"] = kb
	}
	err := c.invoke(ctx, "editMessageText", payload, nil)
	// The platform rejects edits that change nothing; not a failure.
	if err != nil && strings.Contains(err.Error(), "message is not modified") {
		return nil
	}
	return err
}

// AnswerCallback acknowledges a button press, optionally with a toast.
func (c *Client) AnswerCallback(ctx context.Context, callbackID, text string) error {
	payload := map[string]any{"callback_query_id": callbackID}
	if text != "" {
		payload["text"] = text
	}
	return c.invoke(ctx, "answerCallbackQuery", payload, nil)
}

// SendMedia sends one photo, video, or animation. media is either a
// cached platform file id or a local path; local files are uploaded
// multipart and the returned message carries the new file id.
func (c *Client) SendMedia(ctx context.Context, chatID int64, kind, media, caption string) (Message, error) {
	method, field := mediaMethod(kind)
	if looksLikePath(media) {
		return c.upload(ctx, method, field, chatID, media, caption)
	}
	payload := map[string]any{
		"chat_id": chatID,
		field:     media,
	}
	if caption != "" {
		payload["caption"] = caption
	}
	var msg Message
	err := c.invoke(ctx, method, payload, &msg)
	return msg, err
}

// SendMediaGroup sends up to ten media as one album. All elements must
// be platform file ids.
func (c *Client) SendMediaGroup(ctx context.Context, chatID int64, media []InputMedia) ([]Message, error) {
	payload := map[string]any{
		"chat_id": chatID,
		"media":   media,
	}
	var msgs []Message
	err := c.invoke(ctx, "sendMediaGroup", payload, &msgs)
	return msgs, err
}

// GetFile resolves a file id into a downloadable path.
func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	var f File
	err := c.invoke(ctx, "getFile", map[string]any{"file_id": fileID}, &f)
	return f, err
}

// DownloadFile streams a platform file to a local destination.
func (c *Client) DownloadFile(ctx context.Context, filePath, dest string) error {
	url := fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.token, filePath)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("botapi: build download request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("botapi: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("botapi: download status %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("botapi: create media dir: %w", err)
	}
	tmp := dest + ".tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("botapi: create file: %w", err)
	}
	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("botapi: write file: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, dest)
}

// SetWebhook registers the webhook URL with the platform.
func (c *Client) SetWebhook(ctx context.Context, url string) error {
	return c.invoke(ctx, "setWebhook", map[string]any{"url": url}, nil)
}

// invoke posts one API call and decodes the result. A 429 is retried
// once after the advertised wait plus one second; 400 and 401 class
// errors are dropped without retry.
func (c *Client) invoke(ctx context.Context, method string, payload map[string]any, out any) error {
	resp, retryAfter, err := c.post(ctx, method, payload, out)
	if err == nil && retryAfter == 0 {
		c.count("ok")
		return nil
	}
	if retryAfter > 0 {
		wait := time.Duration(retryAfter+1) * time.Second
		if wait > maxRetryAfter {
			wait = maxRetryAfter
		}
		c.log.Warn().Str("method", method).Dur("wait", wait).Msg("flood control, retrying once")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		if _, retryAfter, err = c.post(ctx, method, payload, out); err == nil && retryAfter == 0 {
			c.count("retried")
			return nil
		}
		if retryAfter > 0 {
			err = fmt.Errorf("%w: still rate limited after retry", ErrDropped)
		}
	}
	if resp != nil && (resp.ErrorCode == http.StatusBadRequest || resp.ErrorCode == http.StatusUnauthorized || resp.ErrorCode == http.StatusForbidden) {
		c.count("dropped")
		return fmt.Errorf("%w: %s (%d): %s", ErrDropped, method, resp.ErrorCode, resp.Description)
	}
	c.count("dropped")
	return err
}

func (c *Client) post(ctx context.Context, method string, payload map[string]any, out any) (*apiResponse, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("botapi: encode %s: %w", method, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), bytes.NewReader(body))
	if err != nil {
		return nil, 0, fmt.Errorf("botapi: build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.execute(req, method, out)
}

func (c *Client) execute(req *http.Request, method string, out any) (*apiResponse, int, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("botapi: %s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
	if err != nil {
		return nil, 0, fmt.Errorf("botapi: read %s response: %w", method, err)
	}
	var env apiResponse
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, 0, fmt.Errorf("botapi: decode %s response: %w", method, err)
	}
	if !env.OK {
		retryAfter := 0
		if env.ErrorCode == http.StatusTooManyRequests && env.Parameters != nil {
			retryAfter = env.Parameters.RetryAfter
		}
		return &env, retryAfter, fmt.Errorf("botapi: %s failed (%d): %s", method, env.ErrorCode, env.Description)
	}
	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return &env, 0, fmt.Errorf("botapi: decode %s result: %w", method, err)
		}
	}
	return &env, 0, nil
}

// upload sends a local file as multipart form data.
func (c *Client) upload(ctx context.Context, method, field string, chatID int64, path, caption string) (Message, error) {
	f, err := os.Open(path)
	if err != nil {
		return Message{}, fmt.Errorf("botapi: open media: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("chat_id", strconv.FormatInt(chatID, 10)); err != nil {
		return Message{}, err
	}
	if caption != "" {
		if err := mw.WriteField("caption", caption); err != nil {
			return Message{}, err
		}
	}
	part, err := mw.CreateFormFile(field, filepath.Base(path))
	if err != nil {
		return Message{}, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return Message{}, fmt.Errorf("botapi: read media: %w", err)
	}
	if err := mw.Close(); err != nil {
		return Message{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.methodURL(method), &buf)
	if err != nil {
		return Message{}, fmt.Errorf("botapi: build %s: %w", method, err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var msg Message
	if _, _, err := c.execute(req, method, &msg); err != nil {
		c.count("dropped")
		return Message{}, err
	}
	c.count("ok")
	return msg, nil
}

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
}

func (c *Client) count(result string) {
	if c.metrics != nil {
		c.metrics.SendsTotal.WithLabelValues(result).Inc()
	}
}

func mediaMethod(kind string) (method, field string) {
	switch kind {
	case "video":
		return "sendVideo", "video"
	case "animation":
		return "sendAnimation", "animation"
	default:
		return "sendPhoto", "photo"
	}
}

// looksLikePath distinguishes local file paths from platform file ids.
// File ids never contain path separators.
func looksLikePath(media string) bool {
	return strings.ContainsAny(media, "/\\")
}
