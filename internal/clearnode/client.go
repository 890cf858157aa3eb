// Package clearnode talks to the clearing node that escrows deposits and
// opens, resumes and settles payment channels.
package clearnode

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/punchamoorthee/channelops/internal/domain"
)

// Client is an HTTP client for the clearing node API. Outbound calls are
// throttled so a burst of sessions cannot flood the node.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewClient(baseURL string, timeout time.Duration, rps float64, burst int, log *zap.Logger) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(rate.Limit(rps), burst),
		log:     log,
	}
}

func (c *Client) Approve(ctx context.Context, wallet string, amount domain.Units) error {
	_, err := c.post(ctx, "/v1/allowances", map[string]interface{}{
		"wallet": wallet,
		"amount": uint64(amount),
	})
	return err
}

func (c *Client) Deposit(ctx context.Context, wallet string, amount domain.Units) (string, error) {
	body, err := c.post(ctx, "/v1/deposits", map[string]interface{}{
		"wallet": wallet,
		"amount": uint64(amount),
	})
	if err != nil {
		return "", err
	}
	txHash := gjson.GetBytes(body, "txHash").String()
	if txHash == "" {
		return "", fmt.Errorf("deposit response missing txHash")
	}
	return txHash, nil
}

func (c *Client) Connect(ctx context.Context, wallet string) error {
	_, err := c.post(ctx, "/v1/sessions", map[string]string{"wallet": wallet})
	return err
}

func (c *Client) OpenChannel(ctx context.Context, wallet string, amount domain.Units) (string, error) {
	body, err := c.post(ctx, "/v1/channels", map[string]interface{}{
		"wallet": wallet,
		"amount": uint64(amount),
	})
	if err != nil {
		return "", err
	}
	channelID := gjson.GetBytes(body, "channelId").String()
	if channelID == "" {
		return "", fmt.Errorf("open channel response missing channelId")
	}
	return channelID, nil
}

func (c *Client) ResumeChannel(ctx context.Context, channelID string) error {
	_, err := c.post(ctx, "/v1/channels/"+url.PathEscape(channelID)+"/resume", nil)
	return err
}

func (c *Client) CloseChannel(ctx context.Context, channelID string, finalBalance domain.Units) error {
	_, err := c.post(ctx, "/v1/channels/"+url.PathEscape(channelID)+"/close", map[string]interface{}{
		"finalBalance": uint64(finalBalance),
	})
	return err
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("clearnode throttle: %w", err)
	}

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("clearnode %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("clearnode %s: read body: %w", path, err)
	}
	c.log.Debug("clearnode call",
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode >= 300 {
		msg := gjson.GetBytes(body, "error").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("clearnode %s: %d %s", path, resp.StatusCode, msg)
	}
	return body, nil
}
