package http

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/channels"
	"github.com/fyrsmithlabs/dialogd/internal/events"
	"github.com/fyrsmithlabs/dialogd/internal/history"
	"github.com/fyrsmithlabs/dialogd/internal/ingest"
)

// handleWebhookVerify answers the Graph subscription handshake: echo
// the challenge when the verify token matches.
func (s *Server) handleWebhookVerify(c echo.Context) error {
	mode := c.QueryParam("hub.mode")
	token := c.QueryParam("hub.verify_token")
	challenge := c.QueryParam("hub.challenge")

	if mode != "subscribe" || !s.chans.VerifyToken.IsSet() || token != s.chans.VerifyToken.Value() {
		return echo.NewHTTPError(http.StatusForbidden, "verification failed")
	}
	return c.String(http.StatusOK, challenge)
}

// instagramPayload is the Graph messaging webhook shape, reduced to
// the fields dialogd reads.
type instagramPayload struct {
	Entry []struct {
		ID        string `json:"id"`
		Messaging []struct {
			Sender struct {
				ID string `json:"id"`
			} `json:"sender"`
			Message struct {
				MID         string `json:"mid"`
				Text        string `json:"text"`
				IsEcho      bool   `json:"is_echo"`
				Attachments []struct {
					Type    string `json:"type"`
					Payload struct {
						URL string `json:"url"`
					} `json:"payload"`
				} `json:"attachments"`
				ReplyTo struct {
					MID string `json:"mid"`
				} `json:"reply_to"`
			} `json:"message"`
		} `json:"messaging"`
	} `json:"entry"`
}

func (s *Server) handleInstagramWebhook(c echo.Context) error {
	var payload instagramPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	ctx := c.Request().Context()

	for _, entry := range payload.Entry {
		for _, ev := range entry.Messaging {
			msg := ev.Message
			if msg.IsEcho || ev.Sender.ID == "" {
				continue
			}

			req := ingest.AddRequest{
				UserID:           ev.Sender.ID,
				Text:             msg.Text,
				ReplyToMessageID: msg.ReplyTo.MID,
			}
			var atts []history.Attachment
			for _, att := range msg.Attachments {
				url := att.Payload.URL
				if url == "" {
					continue
				}
				switch att.Type {
				case "image":
					req.Images = append(req.Images, url)
					atts = append(atts, history.Attachment{URL: url, Type: "image"})
				case "audio":
					s.transcribeInto(ctx, &req, url)
					atts = append(atts, history.Attachment{URL: url, Type: "audio"})
				case "share":
					req.Shares = append(req.Shares, url)
					atts = append(atts, history.Attachment{URL: url, Type: "share"})
				case "story_mention":
					req.Stories = append(req.Stories, url)
					atts = append(atts, history.Attachment{URL: url, Type: "story"})
				default:
					req.Files = append(req.Files, ingest.FileRef{URL: url})
					atts = append(atts, history.Attachment{URL: url, Type: "file"})
				}
			}

			s.ingestChannelMessage(ctx, channelInbound{
				Channel:        channels.ChannelInstagram,
				CustomerID:     ev.Sender.ID,
				IdempotencyKey: msg.MID,
				Request:        req,
				Attachments:    atts,
			})
		}
	}
	return c.NoContent(http.StatusOK)
}

// whatsappPayload is the WhatsApp Cloud webhook shape, reduced to the
// fields dialogd reads.
type whatsappPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Metadata struct {
					PhoneNumberID string `json:"phone_number_id"`
				} `json:"metadata"`
				Contacts []struct {
					WaID    string `json:"wa_id"`
					Profile struct {
						Name string `json:"name"`
					} `json:"profile"`
				} `json:"contacts"`
				Messages []struct {
					From string `json:"from"`
					ID   string `json:"id"`
					Type string `json:"type"`
					Text struct {
						Body string `json:"body"`
					} `json:"text"`
					Image    whatsappMedia `json:"image"`
					Audio    whatsappMedia `json:"audio"`
					Video    whatsappMedia `json:"video"`
					Document whatsappMedia `json:"document"`
					Context  struct {
						ID string `json:"id"`
					} `json:"context"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type whatsappMedia struct {
	ID       string `json:"id"`
	MimeType string `json:"mime_type"`
	Filename string `json:"filename"`
	Caption  string `json:"caption"`
}

func (s *Server) handleWhatsAppWebhook(c echo.Context) error {
	var payload whatsappPayload
	if err := c.Bind(&payload); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payload")
	}
	ctx := c.Request().Context()

	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			value := change.Value
			names := make(map[string]string, len(value.Contacts))
			for _, contact := range value.Contacts {
				names[contact.WaID] = contact.Profile.Name
			}

			for _, msg := range value.Messages {
				if msg.From == "" {
					continue
				}
				req := ingest.AddRequest{
					UserID:           msg.From,
					Text:             msg.Text.Body,
					ReplyToMessageID: msg.Context.ID,
				}
				var atts []history.Attachment

				media, kind := whatsappMediaOf(msg.Type, msg.Image, msg.Audio, msg.Video, msg.Document)
				if media.ID != "" {
					url, err := channels.ResolveWithRetry(ctx, func(ctx context.Context) (string, error) {
						return channels.LookupMediaURL(ctx, s.chans, media.ID, "")
					})
					if err != nil {
						s.logger.Warn("whatsapp media resolve failed",
							zap.String("media_id", media.ID), zap.Error(err))
					} else {
						if media.Caption != "" && req.Text == "" {
							req.Text = media.Caption
						}
						switch kind {
						case channels.KindImage:
							req.Images = append(req.Images, url)
						case channels.KindAudio:
							s.transcribeInto(ctx, &req, url)
						default:
							req.Files = append(req.Files, ingest.FileRef{
								URL: url, Mime: media.MimeType, ID: media.ID,
							})
						}
						atts = append(atts, history.Attachment{
							URL: url, Name: media.Filename, Type: kind,
						})
					}
				}

				s.ingestChannelMessage(ctx, channelInbound{
					Channel:        channels.ChannelWhatsAppBusiness,
					CustomerID:     msg.From,
					CustomerName:   names[msg.From],
					PhoneID:        value.Metadata.PhoneNumberID,
					IdempotencyKey: msg.ID,
					Request:        req,
					Attachments:    atts,
				})
			}
		}
	}
	return c.NoContent(http.StatusOK)
}

// whatsappMediaOf picks the media object matching the declared message
// type and classifies it.
func whatsappMediaOf(msgType string, image, audio, video, document whatsappMedia) (whatsappMedia, string) {
	switch msgType {
	case "image":
		return image, channels.KindImage
	case "audio", "voice":
		return audio, channels.KindAudio
	case "video":
		return video, channels.KindVideo
	case "document":
		return document, channels.KindFile
	default:
		return whatsappMedia{}, ""
	}
}

// transcribeInto attaches the transcription of an audio URL to req.
// Failures degrade to the message without transcription.
func (s *Server) transcribeInto(ctx context.Context, req *ingest.AddRequest, url string) {
	if s.deps.Transcriber == nil {
		return
	}
	text, err := s.deps.Transcriber.TranscribeURL(ctx, url)
	if err != nil {
		s.logger.Warn("audio transcription failed", zap.Error(err))
		return
	}
	req.AudioTranscription = text
}

// channelInbound is one normalized webhook message.
type channelInbound struct {
	Channel        string
	CustomerID     string
	CustomerName   string
	PhoneID        string
	IdempotencyKey string
	Request        ingest.AddRequest
	Attachments    []history.Attachment
}

// ingestChannelMessage routes one inbound channel message through
// history and the batching pipeline. Errors are logged, the webhook
// still returns 200 so the platform does not re-deliver forever.
func (s *Server) ingestChannelMessage(ctx context.Context, in channelInbound) {
	cfg, err := s.deps.Agents.FindByChannel(ctx, in.Channel)
	if err != nil {
		s.logger.Warn("no agent bound to channel",
			zap.String("channel", in.Channel), zap.Error(err))
		return
	}
	handler, err := s.deps.Registry.Acquire(cfg.AgentID, "", "")
	if err != nil {
		s.logger.Error("channel handler acquire failed",
			zap.String("agent_id", cfg.AgentID), zap.Error(err))
		return
	}

	if s.deps.History != nil {
		rec := history.CustomerRecord{
			BusinessID:     cfg.BusinessID,
			AgentID:        cfg.AgentID,
			AgentName:      cfg.Name,
			Service:        in.Channel,
			PhoneID:        in.PhoneID,
			CustomerID:     in.CustomerID,
			CustomerName:   in.CustomerName,
			IdempotencyKey: in.IdempotencyKey,
			Message: history.CustomerMessage{
				Role:        history.RoleUser,
				Content:     in.Request.Text,
				Attachments: history.EnsureNames(in.Attachments),
			},
		}
		if err := s.deps.History.RecordCustomerMessage(ctx, rec); err != nil {
			s.logger.Error("recording channel message failed",
				zap.String("channel", in.Channel),
				zap.String("customer_id", in.CustomerID),
				zap.Error(err))
		}
		if s.deps.Bus != nil {
			if err := s.deps.Bus.Publish(ctx, cfg.BusinessID, events.EventNewMessage, rec.Message); err != nil {
				s.logger.Debug("publishing new_message failed", zap.Error(err))
			}
		}
	}

	if err := handler.Add(ctx, in.Request); err != nil {
		s.logger.Warn("channel message not queued",
			zap.String("channel", in.Channel),
			zap.String("customer_id", in.CustomerID),
			zap.Error(err))
	}
}
