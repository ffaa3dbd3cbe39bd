// Package channels holds the outbound message senders and the
// websocket hub. Senders are thin HTTP collaborators: the dispatcher
// decides what to send, a sender knows how one channel wants it.
package channels

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Channel identifiers as stored on agent configs and conversations.
const (
	ChannelWS               = "ws"
	ChannelInstagram        = "instagram"
	ChannelWhatsAppBusiness = "whatsapp_business_account"
	ChannelWhatsApp         = "whatsapp"
)

// Message is one outbound unit: text, an optional media attachment, or
// both. Channels that cannot pair them send media with Text as caption.
type Message struct {
	// Recipient is the channel-native address: an Instagram user id, a
	// WhatsApp phone number, or a websocket key.
	Recipient string

	Text     string
	MediaURL string

	// PhoneNumberID selects the WhatsApp Business sending number.
	PhoneNumberID string

	// AccessToken overrides the configured channel token, used when a
	// business connects its own page or number.
	AccessToken string
}

// Sender delivers one message on one channel. Implementations make a
// single attempt; the dispatcher owns the retry policy.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ErrNoRecipient is returned when a message has no channel address.
var ErrNoRecipient = errors.New("channels: message has no recipient")

// Attachment kinds produced by KindOf.
const (
	KindAudio = "audio"
	KindImage = "image"
	KindVideo = "video"
	KindFile  = "file"
)

// KindOf classifies an inbound attachment by its MIME prefix. Unknown
// or empty types are treated as files.
func KindOf(mime string) string {
	mime = strings.ToLower(strings.TrimSpace(mime))
	switch {
	case strings.HasPrefix(mime, "audio/"):
		return KindAudio
	case strings.HasPrefix(mime, "image/"):
		return KindImage
	case strings.HasPrefix(mime, "video/"):
		return KindVideo
	default:
		return KindFile
	}
}

const resolveAttempts = 3

// resolveBackoff is a var so tests can shrink the schedule.
var resolveBackoff = 1 * time.Second

// ResolveWithRetry resolves an attachment URL with bounded retries and
// doubling backoff. Channel media URLs are minted lazily by the
// platform and the first fetch regularly races that.
func ResolveWithRetry(ctx context.Context, fn func(ctx context.Context) (string, error)) (string, error) {
	var lastErr error
	backoff := resolveBackoff
	for attempt := 1; attempt <= resolveAttempts; attempt++ {
		url, err := fn(ctx)
		if err == nil {
			return url, nil
		}
		lastErr = err
		if attempt == resolveAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return "", fmt.Errorf("resolving attachment url after %d attempts: %w", resolveAttempts, lastErr)
}
