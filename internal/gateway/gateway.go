package gateway

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

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

const (
	defaultRequestTimeout = 20 * time.Second
	maxErrorBodyBytes     = 512
)

// DM describes one outbound direct message.
type DM struct {
	RecipientID  string
	Text         string
	ButtonText   string
	ButtonURL    string
	ThumbnailURL string
}

// Client is the outbound boundary to the platform messaging API. Calls carry
// no retry logic; the overflow queue is the retry mechanism.
type Client interface {
	// SendDirectMessage delivers a DM from the account to a subscriber.
	SendDirectMessage(ctx context.Context, credential, senderID string, dm DM) error
	// ReplyToComment posts a public reply under a comment.
	ReplyToComment(ctx context.Context, credential, commentID, text string) error
	// CheckFollow reports whether the subscriber follows the account.
	CheckFollow(ctx context.Context, credential, accountID, subscriberID string) (bool, error)
}

// HTTPClient talks to a Graph-API-style messaging endpoint.
type HTTPClient struct {
	baseURL string
	httpc   *http.Client
}

// NewHTTPClient constructs a client for the given API base URL.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: timeout},
	}
}

// messagePayload is the wire shape for message sends.
type messagePayload struct {
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Message map[string]any `json:"message"`
}

// SendDirectMessage posts to /{senderID}/messages. A configured button turns
// the message into a generic-template attachment, matching how the platform
// renders link buttons.
func (c *HTTPClient) SendDirectMessage(ctx context.Context, credential, senderID string, dm DM) error {
	var payload messagePayload
	payload.Recipient.ID = dm.RecipientID

	if dm.ButtonText != "" && dm.ButtonURL != "" {
		element := map[string]any{
			"title": dm.Text,
			"buttons": []map[string]any{{
				"type":  "web_url",
				"url":   dm.ButtonURL,
				"title": dm.ButtonText,
			}},
		}
		if dm.ThumbnailURL != "" {
			element["image_url"] = dm.ThumbnailURL
		}
		payload.Message = map[string]any{
			"attachment": map[string]any{
				"type": "template",
				"payload": map[string]any{
					"template_type": "generic",
					"elements":      []map[string]any{element},
				},
			},
		}
	} else {
		payload.Message = map[string]any{"text": dm.Text}
	}

	endpoint := fmt.Sprintf("%s/%s/messages", c.baseURL, url.PathEscape(senderID))
	return c.post(ctx, credential, endpoint, payload)
}

// ReplyToComment posts to /{commentID}/replies.
func (c *HTTPClient) ReplyToComment(ctx context.Context, credential, commentID, text string) error {
	endpoint := fmt.Sprintf("%s/%s/replies", c.baseURL, url.PathEscape(commentID))
	return c.post(ctx, credential, endpoint, map[string]any{"message": text})
}

// CheckFollow reads the subscriber's relationship to the account.
func (c *HTTPClient) CheckFollow(ctx context.Context, credential, accountID, subscriberID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/%s?fields=is_user_follow_business", c.baseURL, url.PathEscape(subscriberID))

	req, errReq := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if errReq != nil {
		return false, fmt.Errorf("gateway: build follow request: %w", errReq)
	}
	c.decorate(req, credential)

	resp, errDo := c.httpc.Do(req)
	if errDo != nil {
		return false, fmt.Errorf("gateway: follow check: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("gateway: follow check status=%d body=%s", resp.StatusCode, readErrorBody(resp.Body))
	}

	var body struct {
		IsUserFollowBusiness bool `json:"is_user_follow_business"`
	}
	if errDecode := json.NewDecoder(resp.Body).Decode(&body); errDecode != nil {
		return false, fmt.Errorf("gateway: decode follow response: %w", errDecode)
	}
	return body.IsUserFollowBusiness, nil
}

func (c *HTTPClient) post(ctx context.Context, credential, endpoint string, payload any) error {
	encoded, errMarshal := json.Marshal(payload)
	if errMarshal != nil {
		return fmt.Errorf("gateway: marshal payload: %w", errMarshal)
	}

	req, errReq := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if errReq != nil {
		return fmt.Errorf("gateway: build request: %w", errReq)
	}
	req.Header.Set("Content-Type", "application/json")
	c.decorate(req, credential)

	resp, errDo := c.httpc.Do(req)
	if errDo != nil {
		return fmt.Errorf("gateway: request: %w", errDo)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail := readErrorBody(resp.Body)
		log.Debugf("gateway: %s failed status=%d body=%s", endpoint, resp.StatusCode, detail)
		return fmt.Errorf("gateway: status=%d body=%s", resp.StatusCode, detail)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *HTTPClient) decorate(req *http.Request, credential string) {
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("X-Request-ID", uuid.NewString())
}

// readErrorBody returns a bounded slice of the response body for logging.
func readErrorBody(r io.Reader) string {
	data, errRead := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if errRead != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

var _ Client = (*HTTPClient)(nil)
