package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"mime/multipart"
	"net/http"
	"time"
)

// Notifier is the outbound alert sink.
type Notifier interface {
	SendText(ctx context.Context, text string) error
	SendPhoto(ctx context.Context, photo []byte, caption string) error
}

// Config holds Telegram delivery settings.
type Config struct {
	BotToken             string
	ChatID               string
	MaxRetries           int
	BackoffBaseSec       float64
	RetryAfterDefaultSec int
}

// TelegramNotifier delivers alerts through the Telegram Bot API with
// bounded retries. Rate-limit responses (HTTP 429) honor the server's
// retry_after and do not consume a retry attempt.
type TelegramNotifier struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
}

var _ Notifier = (*TelegramNotifier)(nil)

// NewTelegramNotifier builds a notifier. Zero retry settings fall back
// to 3 attempts, base 2 s back-off and a 5 s default retry_after.
func NewTelegramNotifier(cfg Config) *TelegramNotifier {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.BackoffBaseSec <= 0 {
		cfg.BackoffBaseSec = 2
	}
	if cfg.RetryAfterDefaultSec <= 0 {
		cfg.RetryAfterDefaultSec = 5
	}
	return &TelegramNotifier{
		cfg:        cfg,
		baseURL:    "https://api.telegram.org",
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetBaseURL overrides the API endpoint. Tests point it at a local server.
func (n *TelegramNotifier) SetBaseURL(url string) { n.baseURL = url }

type apiResponse struct {
	OK          bool   `json:"ok"`
	ErrorCode   int    `json:"error_code,omitempty"`
	Description string `json:"description,omitempty"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// SendText sends a plain text message to the configured chat.
func (n *TelegramNotifier) SendText(ctx context.Context, text string) error {
	payload := map[string]interface{}{
		"chat_id": n.cfg.ChatID,
		"text":    text,
	}
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	return n.withRetries(ctx, "sendMessage", func() (*http.Request, error) {
		url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.cfg.BotToken)
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(jsonData))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	})
}

// SendPhoto sends a JPEG with a caption using multipart form data.
func (n *TelegramNotifier) SendPhoto(ctx context.Context, photo []byte, caption string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	if err := writer.WriteField("chat_id", n.cfg.ChatID); err != nil {
		return fmt.Errorf("failed to write chat_id field: %w", err)
	}
	if caption != "" {
		if err := writer.WriteField("caption", caption); err != nil {
			return fmt.Errorf("failed to write caption field: %w", err)
		}
	}
	part, err := writer.CreateFormFile("photo", "alert_frame.jpg")
	if err != nil {
		return fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(photo); err != nil {
		return fmt.Errorf("failed to write photo data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("failed to close multipart writer: %w", err)
	}
	raw := body.Bytes()
	contentType := writer.FormDataContentType()

	return n.withRetries(ctx, "sendPhoto", func() (*http.Request, error) {
		url := fmt.Sprintf("%s/bot%s/sendPhoto", n.baseURL, n.cfg.BotToken)
		req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(raw))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	})
}

// withRetries runs the request up to MaxRetries times with exponential
// back-off (base^attempt seconds). A 429 sleeps for the server's
// retry_after and retries the same attempt.
func (n *TelegramNotifier) withRetries(ctx context.Context, method string, build func() (*http.Request, error)) error {
	var lastErr error

	for attempt := 0; attempt < n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(n.cfg.BackoffBaseSec, float64(attempt)) * float64(time.Second))
			log.Printf("[Telegram] Retry %d/%d for %s in %s", attempt+1, n.cfg.MaxRetries, method, backoff)
			if err := sleepCtx(ctx, backoff); err != nil {
				return err
			}
		}

		req, err := build()
		if err != nil {
			return fmt.Errorf("failed to create request: %w", err)
		}

		retryAfter, err := n.doOnce(req)
		if err == nil {
			return nil
		}
		if retryAfter > 0 {
			// Rate limited. Wait as told and re-run this attempt.
			log.Printf("[Telegram] Rate limited on %s, waiting %ds", method, retryAfter)
			if serr := sleepCtx(ctx, time.Duration(retryAfter)*time.Second); serr != nil {
				return serr
			}
			attempt--
			continue
		}
		lastErr = err
	}
	return fmt.Errorf("telegram %s failed after %d attempts: %w", method, n.cfg.MaxRetries, lastErr)
}

// doOnce executes one request. On 429 it returns the seconds to wait
// (never below 1) together with the error.
func (n *TelegramNotifier) doOnce(req *http.Request) (retryAfter int, err error) {
	resp, err := n.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read response body: %w", err)
	}

	var apiResp apiResponse
	if jerr := json.Unmarshal(body, &apiResp); jerr == nil && apiResp.OK {
		return 0, nil
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		wait := apiResp.Parameters.RetryAfter
		if wait <= 0 {
			wait = n.cfg.RetryAfterDefaultSec
		}
		if wait < 1 {
			wait = 1
		}
		return wait, fmt.Errorf("telegram API rate limited")
	}

	if apiResp.Description != "" {
		return 0, fmt.Errorf("telegram API error %d: %s", apiResp.ErrorCode, apiResp.Description)
	}
	return 0, fmt.Errorf("telegram API returned status %d", resp.StatusCode)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
