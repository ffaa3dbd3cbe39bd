package http

import (
	"net/http"

	"github.com/gorilla/websocket"
	jsoniter "github.com/json-iterator/go"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/dialogd/internal/events"
	"github.com/fyrsmithlabs/dialogd/internal/history"
	"github.com/fyrsmithlabs/dialogd/internal/ingest"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// The widget and console are served from other origins, so the
// upgrader accepts any. Session auth still gates the business socket.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleBusinessWS serves the operator console socket. Every event of
// the business is forwarded as published: ai_response, new_message,
// mark_read.
func (s *Server) handleBusinessWS(c echo.Context) error {
	businessID, err := s.ownerID(c)
	if err != nil {
		return err
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	conn := s.deps.Hub.Add(businessID, ws)

	sub, err := s.deps.Bus.SubscribeBusiness(businessID, func(ev events.Event) {
		if err := conn.WriteJSON(jsoniter.RawMessage(ev.Data)); err != nil {
			s.logger.Debug("business ws forward failed",
				zap.String("business_id", businessID), zap.Error(err))
		}
	})
	if err != nil {
		s.deps.Hub.Remove(businessID, conn)
		return err
	}

	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			break
		}
	}

	_ = sub.Unsubscribe()
	s.deps.Hub.Remove(businessID, conn)
	s.logger.Debug("business ws closed", zap.String("business_id", businessID))
	return nil
}

// chatInbound is one message frame from the chat widget.
type chatInbound struct {
	Text             string           `json:"text"`
	Images           []string         `json:"images,omitempty"`
	Files            []ingest.FileRef `json:"files,omitempty"`
	ReplyToMessageID string           `json:"reply_to_message_id,omitempty"`
	CustomerName     string           `json:"customer_name,omitempty"`
}

// handleChatWS serves the embeddable chat widget. Inbound frames go
// through the same ingest pipeline as channel webhooks; assistant
// replies for the thread are pushed back over the socket.
func (s *Server) handleChatWS(c echo.Context) error {
	agentID := c.QueryParam("agent_id")
	userID := c.QueryParam("user_id")
	if agentID == "" || userID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id and user_id are required")
	}
	threadID := c.QueryParam("thread_id")
	projectID := c.QueryParam("project_id")
	businessID := c.QueryParam("business_id")

	handler, err := s.deps.Registry.Acquire(agentID, threadID, projectID)
	if err != nil {
		s.logger.Error("chat ws handler acquire failed",
			zap.String("agent_id", agentID), zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "agent unavailable")
	}

	ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	defer ws.Close()

	// Push assistant replies for this thread back to the widget.
	var sub *events.Subscription
	if businessID != "" && s.deps.Bus != nil {
		conn := s.deps.Hub.Add("chat:"+userID, ws)
		defer s.deps.Hub.Remove("chat:"+userID, conn)
		sub, err = s.deps.Bus.SubscribeBusiness(businessID, func(ev events.Event) {
			if ev.Name != events.EventAIResponse {
				return
			}
			var meta struct {
				ThreadID string `json:"thread_id"`
			}
			if err := ev.Decode(&meta); err != nil || !threadMatches(meta.ThreadID, threadID, userID) {
				return
			}
			if err := conn.WriteJSON(jsoniter.RawMessage(ev.Data)); err != nil {
				s.logger.Debug("chat ws forward failed", zap.String("user_id", userID), zap.Error(err))
			}
		})
		if err != nil {
			return err
		}
		defer sub.Unsubscribe()
	}

	ctx := c.Request().Context()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			break
		}
		var in chatInbound
		if err := json.Unmarshal(data, &in); err != nil {
			s.logger.Debug("chat ws bad frame", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if in.Text == "" && len(in.Images) == 0 && len(in.Files) == 0 {
			continue
		}

		if s.deps.History != nil && businessID != "" {
			rec := history.CustomerRecord{
				BusinessID:   businessID,
				AgentID:      agentID,
				Service:      "ws",
				ThreadID:     threadID,
				ProjectID:    projectID,
				CustomerID:   userID,
				CustomerName: in.CustomerName,
				Message: history.CustomerMessage{
					Role:        history.RoleUser,
					Content:     in.Text,
					Attachments: widgetAttachments(in),
				},
			}
			if err := s.deps.History.RecordCustomerMessage(ctx, rec); err != nil {
				s.logger.Error("recording chat message failed",
					zap.String("user_id", userID), zap.Error(err))
			}
			if s.deps.Bus != nil {
				if err := s.deps.Bus.Publish(ctx, businessID, events.EventNewMessage, rec.Message); err != nil {
					s.logger.Debug("publishing new_message failed", zap.Error(err))
				}
			}
		}

		err = handler.Add(ctx, ingest.AddRequest{
			UserID:           userID,
			ThreadID:         threadID,
			ProjectID:        projectID,
			Text:             in.Text,
			Images:           in.Images,
			Files:            in.Files,
			ReplyToMessageID: in.ReplyToMessageID,
		})
		if err != nil {
			s.logger.Warn("chat ws message not queued",
				zap.String("user_id", userID), zap.Error(err))
		}
	}
	return nil
}

// threadMatches reports whether an ai_response belongs to this widget
// session. Widgets without an explicit thread key on the user id.
func threadMatches(eventThread, threadID, userID string) bool {
	if threadID != "" {
		return eventThread == threadID
	}
	return eventThread == "" || eventThread == userID
}

func widgetAttachments(in chatInbound) []history.Attachment {
	var atts []history.Attachment
	for _, img := range in.Images {
		atts = append(atts, history.Attachment{URL: img, Type: "image"})
	}
	for _, f := range in.Files {
		atts = append(atts, history.Attachment{URL: f.URL, Type: "file"})
	}
	return history.EnsureNames(atts)
}
