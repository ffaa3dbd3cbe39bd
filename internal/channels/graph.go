package channels

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fyrsmithlabs/dialogd/internal/config"
)

const senderTimeout = 30 * time.Second

// graphSender carries what every Graph API channel shares: the base
// URL, a default token, a rate limiter and an HTTP client.
type graphSender struct {
	baseURL string
	token   string
	limiter *rate.Limiter
	client  *http.Client
	logger  *zap.Logger
}

func newGraphSender(cfg config.ChannelsConfig, token config.Secret, logger *zap.Logger) graphSender {
	if logger == nil {
		logger = zap.NewNop()
	}
	burst := int(cfg.SendRate)
	if burst < 1 {
		burst = 1
	}
	return graphSender{
		baseURL: cfg.GraphBaseURL,
		token:   token.Value(),
		limiter: rate.NewLimiter(rate.Limit(cfg.SendRate), burst),
		client:  &http.Client{Timeout: senderTimeout},
		logger:  logger,
	}
}

// post sends a JSON body and fails on any non-2xx status. The response
// body is clipped into the error, Graph errors carry the reason there.
func (g graphSender) post(ctx context.Context, endpoint, bearer string, body any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("awaiting send slot: %w", err)
	}
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("channel send failed: status %d: %s", resp.StatusCode, string(detail))
	}
	return nil
}

func (g graphSender) tokenFor(msg Message) string {
	if msg.AccessToken != "" {
		return msg.AccessToken
	}
	return g.token
}

// InstagramSender delivers direct messages through the Graph API
// me/messages endpoint.
type InstagramSender struct {
	graphSender
}

// NewInstagramSender builds the Instagram DM sender.
func NewInstagramSender(cfg config.ChannelsConfig, logger *zap.Logger) *InstagramSender {
	return &InstagramSender{graphSender: newGraphSender(cfg, cfg.InstagramToken, logger)}
}

var _ Sender = (*InstagramSender)(nil)

// Send delivers text and media as separate Instagram messages, text
// first. Instagram has no caption concept on DM attachments.
func (s *InstagramSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return ErrNoRecipient
	}
	endpoint := fmt.Sprintf("%s/me/messages?access_token=%s", s.baseURL, url.QueryEscape(s.tokenFor(msg)))

	if msg.Text != "" {
		body := map[string]any{
			"recipient": map[string]string{"id": msg.Recipient},
			"message":   map[string]string{"text": msg.Text},
		}
		if err := s.post(ctx, endpoint, "", body); err != nil {
			return fmt.Errorf("instagram text: %w", err)
		}
	}
	if msg.MediaURL != "" {
		body := map[string]any{
			"recipient": map[string]string{"id": msg.Recipient},
			"message": map[string]any{
				"attachment": map[string]any{
					"type":    "image",
					"payload": map[string]any{"url": msg.MediaURL, "is_reusable": true},
				},
			},
		}
		if err := s.post(ctx, endpoint, "", body); err != nil {
			return fmt.Errorf("instagram media: %w", err)
		}
	}
	return nil
}

// WhatsAppBusinessSender delivers messages through the WhatsApp
// Business Cloud API, addressed by phone_number_id.
type WhatsAppBusinessSender struct {
	graphSender
}

// NewWhatsAppBusinessSender builds the WABA sender.
func NewWhatsAppBusinessSender(cfg config.ChannelsConfig, logger *zap.Logger) *WhatsAppBusinessSender {
	return &WhatsAppBusinessSender{graphSender: newGraphSender(cfg, cfg.WhatsAppToken, logger)}
}

var _ Sender = (*WhatsAppBusinessSender)(nil)

// Send delivers one WABA message: media with the text as caption when
// a media URL is present, plain text otherwise.
func (s *WhatsAppBusinessSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return ErrNoRecipient
	}
	if msg.PhoneNumberID == "" {
		return fmt.Errorf("whatsapp business: missing phone_number_id")
	}
	endpoint := fmt.Sprintf("%s/%s/messages", s.baseURL, url.PathEscape(msg.PhoneNumberID))

	body := map[string]any{
		"messaging_product": "whatsapp",
		"recipient_type":    "individual",
		"to":                msg.Recipient,
	}
	if msg.MediaURL != "" {
		image := map[string]any{"link": msg.MediaURL}
		if msg.Text != "" {
			image["caption"] = msg.Text
		}
		body["type"] = "image"
		body["image"] = image
	} else {
		body["type"] = "text"
		body["text"] = map[string]any{"body": msg.Text}
	}
	if err := s.post(ctx, endpoint, s.tokenFor(msg), body); err != nil {
		return fmt.Errorf("whatsapp business: %w", err)
	}
	return nil
}

// WhatsAppSender relays messages to the personal-WhatsApp gateway, a
// separate service holding the linked-device sessions.
type WhatsAppSender struct {
	graphSender
	gatewayURL string
}

// NewWhatsAppSender builds the personal WhatsApp sender.
func NewWhatsAppSender(cfg config.ChannelsConfig, logger *zap.Logger) *WhatsAppSender {
	s := &WhatsAppSender{
		graphSender: newGraphSender(cfg, cfg.WhatsAppToken, logger),
		gatewayURL:  cfg.WhatsAppGatewayURL,
	}
	return s
}

var _ Sender = (*WhatsAppSender)(nil)

// Send posts the message to the gateway. AccessToken carries the
// business id owning the linked device session.
func (s *WhatsAppSender) Send(ctx context.Context, msg Message) error {
	if msg.Recipient == "" {
		return ErrNoRecipient
	}
	if s.gatewayURL == "" {
		return fmt.Errorf("whatsapp: gateway url not configured")
	}
	body := map[string]any{
		"user_id": msg.AccessToken,
		"number":  msg.Recipient,
		"message": msg.Text,
	}
	if msg.MediaURL != "" {
		body["image_url"] = msg.MediaURL
	}
	if err := s.post(ctx, s.gatewayURL+"/send", "", body); err != nil {
		return fmt.Errorf("whatsapp: %w", err)
	}
	return nil
}

// LookupMediaURL resolves a WhatsApp Cloud media id to its downloadable
// URL. The returned URL is short-lived and must be fetched with the
// same bearer token.
func LookupMediaURL(ctx context.Context, cfg config.ChannelsConfig, mediaID, bearer string) (string, error) {
	if mediaID == "" {
		return "", fmt.Errorf("channels: empty media id")
	}
	if bearer == "" {
		bearer = cfg.WhatsAppToken.Value()
	}
	endpoint := fmt.Sprintf("%s/%s", cfg.GraphBaseURL, url.PathEscape(mediaID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("building media lookup: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)

	client := &http.Client{Timeout: senderTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("media lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("media lookup failed: status %d: %s", resp.StatusCode, string(detail))
	}

	var body struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding media lookup: %w", err)
	}
	if body.URL == "" {
		return "", fmt.Errorf("media lookup returned no url")
	}
	return body.URL, nil
}
