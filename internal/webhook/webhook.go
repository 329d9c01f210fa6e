package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/replyflow/replyflow/internal/dispatch"
	"github.com/replyflow/replyflow/internal/models"
	"gorm.io/gorm"
)

// processTimeout bounds one event's background processing.
const processTimeout = 60 * time.Second

// Handler receives platform webhook deliveries and feeds the pipeline.
type Handler struct {
	pipeline    *dispatch.Pipeline
	verifyToken string
	appSecret   string
	db          *gorm.DB
}

// NewHandler constructs a webhook handler.
func NewHandler(pipeline *dispatch.Pipeline, verifyToken, appSecret string, db *gorm.DB) *Handler {
	return &Handler{
		pipeline:    pipeline,
		verifyToken: verifyToken,
		appSecret:   appSecret,
		db:          db,
	}
}

// Register mounts the webhook and health routes.
func (h *Handler) Register(engine *gin.Engine) {
	engine.GET("/webhook", h.verify)
	engine.POST("/webhook", h.deliver)
	engine.GET("/healthz", h.health)
}

// verify answers the platform's subscription handshake: echo the challenge
// when the shared token matches.
func (h *Handler) verify(c *gin.Context) {
	mode := c.Query("hub.mode")
	token := c.Query("hub.verify_token")
	challenge := c.Query("hub.challenge")

	if mode == "subscribe" && token != "" && token == h.verifyToken {
		c.String(http.StatusOK, challenge)
		return
	}
	c.Status(http.StatusForbidden)
}

// deliver parses one webhook delivery and acknowledges it. The 200 goes back
// as soon as parsing succeeds; processing runs detached so a slow gateway
// call can never trigger an upstream redelivery storm.
func (h *Handler) deliver(c *gin.Context) {
	body, errRead := io.ReadAll(c.Request.Body)
	if errRead != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	if h.appSecret != "" && !h.signatureValid(c.GetHeader("X-Hub-Signature-256"), body) {
		c.Status(http.StatusUnauthorized)
		return
	}

	var payload deliveryPayload
	if errUnmarshal := json.Unmarshal(body, &payload); errUnmarshal != nil {
		c.Status(http.StatusBadRequest)
		return
	}

	c.String(http.StatusOK, "EVENT_RECEIVED")

	go h.process(payload)
}

// health reports process and database liveness.
func (h *Handler) health(c *gin.Context) {
	status := "ok"
	code := http.StatusOK
	var count int64
	if errPing := h.db.WithContext(c.Request.Context()).
		Model(&models.Account{}).
		Limit(1).
		Count(&count).Error; errPing != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{"status": status})
}

// signatureValid checks the HMAC-SHA256 payload signature.
func (h *Handler) signatureValid(header string, body []byte) bool {
	header = strings.TrimSpace(header)
	if !strings.HasPrefix(header, "sha256=") {
		return false
	}
	provided, errDecode := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if errDecode != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.appSecret))
	mac.Write(body)
	return hmac.Equal(provided, mac.Sum(nil))
}

// process walks the delivery's entries and hands each contained event to the
// pipeline. Runs detached from the request; the ack already went out.
func (h *Handler) process(payload deliveryPayload) {
	ctx, cancel := context.WithTimeout(context.Background(), processTimeout)
	defer cancel()

	for _, entry := range payload.Entry {
		owner := entry.ID
		entryTime := time.Unix(entry.Time, 0).UTC()

		for _, change := range entry.Changes {
			if change.Field != "comments" {
				continue
			}
			value := change.Value
			h.pipeline.ProcessCommentEvent(ctx, owner, dispatch.CommentEvent{
				EventID:        value.ID,
				SubscriberID:   value.From.ID,
				SubscriberName: value.From.Username,
				ContentID:      value.Media.ID,
				Text:           value.Text,
				ParentEventID:  value.ParentID,
				Timestamp:      entryTime,
			})
		}

		for _, messaging := range entry.Messaging {
			event, ok := messageEventFrom(messaging)
			if !ok {
				continue
			}
			h.pipeline.ProcessMessageEvent(ctx, messaging.Recipient.ID, event)
		}
	}
}

// messageEventFrom maps one messaging item onto a pipeline event. Plain DMs
// with no story reference or quick-reply payload are not trigger events.
func messageEventFrom(m messagingValue) (dispatch.MessageEvent, bool) {
	base := dispatch.MessageEvent{
		SubscriberID: m.Sender.ID,
		Timestamp:    time.UnixMilli(m.Timestamp).UTC(),
	}

	if m.Postback != nil {
		base.EventID = m.Postback.MID
		base.Kind = models.TriggerPostback
		base.Payload = m.Postback.Payload
		return base, true
	}
	if m.Message == nil {
		return base, false
	}
	if m.Message.QuickReply != nil {
		base.EventID = m.Message.MID
		base.Kind = models.TriggerPostback
		base.Payload = m.Message.QuickReply.Payload
		return base, true
	}
	if m.Message.ReplyTo != nil && m.Message.ReplyTo.Story != nil {
		base.EventID = m.Message.MID
		base.Kind = models.TriggerStoryReply
		base.Payload = m.Message.Text
		return base, true
	}
	return base, false
}

// deliveryPayload mirrors the platform's webhook body: a batch of entries,
// each with zero or more comment changes and zero or more message events.
type deliveryPayload struct {
	Object string `json:"object"`
	Entry  []struct {
		ID        string           `json:"id"`
		Time      int64            `json:"time"`
		Changes   []changeValue    `json:"changes"`
		Messaging []messagingValue `json:"messaging"`
	} `json:"entry"`
}

type changeValue struct {
	Field string       `json:"field"`
	Value commentValue `json:"value"`
}

type commentValue struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	From struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	} `json:"from"`
	Media struct {
		ID string `json:"id"`
	} `json:"media"`
	ParentID string `json:"parent_id"`
}

type messagingValue struct {
	Sender struct {
		ID string `json:"id"`
	} `json:"sender"`
	Recipient struct {
		ID string `json:"id"`
	} `json:"recipient"`
	Timestamp int64 `json:"timestamp"`
	Message   *struct {
		MID        string `json:"mid"`
		Text       string `json:"text"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
		ReplyTo *struct {
			Story *struct {
				ID string `json:"id"`
			} `json:"story"`
		} `json:"reply_to"`
	} `json:"message"`
	Postback *struct {
		MID     string `json:"mid"`
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
}
