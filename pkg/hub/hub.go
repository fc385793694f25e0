package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/proximo-app/proximo/config"
	"github.com/proximo-app/proximo/pkg/geo"
	"github.com/proximo-app/proximo/pkg/location"
	"github.com/proximo-app/proximo/pkg/models"
	"github.com/proximo-app/proximo/pkg/presence"
	"github.com/proximo-app/proximo/pkg/session"
)

const commandTimeout = 15 * time.Second

type Hub struct {
	Sessions *session.Manager
	Registry *presence.Registry
	Cfg      config.WebSocketConfig

	// Registered clients by userID (multiple devices per user)
	Clients map[string]map[*Client]bool

	Register   chan *Client
	Unregister chan *Client
	Broadcast  chan inbound

	logger *slog.Logger
	mu     sync.RWMutex

	// one event pump per user with a live session
	pumps map[string]chan struct{}
}

type inbound struct {
	client *Client
	msg    WsMessage
}

type WsMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	CmdStartConversation  = "start_conversation"
	CmdOpenConversation   = "open_conversation"
	CmdCloseConversation  = "close_conversation"
	CmdDeleteConversation = "delete_conversation"
	CmdSetActive          = "set_active"
	CmdSendMessage        = "send_message"
	CmdEditMessage        = "edit_message"
	CmdDeleteMessage      = "delete_message"
	CmdMarkRead           = "mark_read"
	CmdReveal             = "reveal"
	CmdWink               = "wink"
	CmdRefreshNearby      = "refresh_nearby"
	CmdTravelMode         = "travel_mode"
	CmdReportLocation     = "report_location"
	CmdLocationDenied     = "location_denied"
)

const (
	OutPresence = "presence"
	OutRevealed = "revealed"
	OutError    = "error"
)

func NewHub(sessions *session.Manager, registry *presence.Registry, cfg config.WebSocketConfig, logger *slog.Logger) *Hub {
	return &Hub{
		Sessions:   sessions,
		Registry:   registry,
		Cfg:        cfg,
		Clients:    make(map[string]map[*Client]bool),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		Broadcast:  make(chan inbound),
		logger:     logger,
		pumps:      make(map[string]chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("WebSocket hub stopping")
			return
		case client := <-h.Register:
			h.handleRegister(ctx, client)
		case client := <-h.Unregister:
			h.handleUnregister(client)
		case in := <-h.Broadcast:
			go h.dispatch(ctx, in)
		case online := <-h.Registry.Updates():
			h.broadcastPresence(online)
		}
	}
}

func (h *Hub) handleRegister(ctx context.Context, client *Client) {
	sess := h.Sessions.Acquire(ctx, client.UserID)
	client.Session = sess

	leave, err := h.Registry.Join(ctx, client.UserID, client.ConnID)
	if err != nil {
		h.logger.Warn("Presence join failed", "user_id", client.UserID, "error", err)
		leave = func() {}
	}
	client.leave = leave

	h.mu.Lock()
	first := h.Clients[client.UserID] == nil
	if first {
		h.Clients[client.UserID] = make(map[*Client]bool)
	}
	h.Clients[client.UserID][client] = true
	h.mu.Unlock()

	if first {
		stop := make(chan struct{})
		h.mu.Lock()
		h.pumps[client.UserID] = stop
		h.mu.Unlock()
		go h.pumpSession(client.UserID, sess, stop)
	}

	// New device catches up on the current online set immediately.
	client.send(WsMessage{Type: OutPresence, Payload: marshalPayload(h.Registry.Snapshot())})

	h.logger.Info("Client registered", "user_id", client.UserID, "conn_id", client.ConnID)
}

func (h *Hub) handleUnregister(client *Client) {
	h.mu.Lock()
	userClients, ok := h.Clients[client.UserID]
	if !ok || !userClients[client] {
		h.mu.Unlock()
		return
	}
	delete(userClients, client)
	last := len(userClients) == 0
	var stop chan struct{}
	if last {
		delete(h.Clients, client.UserID)
		stop = h.pumps[client.UserID]
		delete(h.pumps, client.UserID)
	}
	h.mu.Unlock()

	client.leave()
	client.closeSend()

	if last {
		if stop != nil {
			close(stop)
		}
		h.Sessions.Release(client.UserID)
	}

	h.logger.Info("Client unregistered", "user_id", client.UserID, "conn_id", client.ConnID)
}

// pumpSession fans one user's session events out to every device they have
// connected.
func (h *Hub) pumpSession(userID string, sess *session.Session, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case ev := <-sess.Events():
			data, err := json.Marshal(ev)
			if err != nil {
				h.logger.Warn("Failed to marshal session event", "error", err)
				continue
			}
			msg := WsMessage{Type: string(ev.Type), Payload: data}
			h.mu.RLock()
			for client := range h.Clients[userID] {
				client.send(msg)
			}
			h.mu.RUnlock()
		}
	}
}

func (h *Hub) broadcastPresence(online []string) {
	msg := WsMessage{Type: OutPresence, Payload: marshalPayload(online)}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userClients := range h.Clients {
		for client := range userClients {
			client.send(msg)
		}
	}
}

type conversationRef struct {
	ConversationID string `json:"conversation_id"`
}

type messageRef struct {
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id"`
	Content        string `json:"content,omitempty"`
}

type userRef struct {
	UserID string `json:"user_id"`
}

type activeRef struct {
	ConversationID string `json:"conversation_id"`
	Active         bool   `json:"active"`
}

type travelModeReq struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (r travelModeReq) coords() *geo.Coordinates {
	if r.Lat == nil || r.Lng == nil {
		return nil
	}
	return &geo.Coordinates{Lat: *r.Lat, Lng: *r.Lng}
}

type sendMessageReq struct {
	ConversationID string  `json:"conversation_id"`
	Content        *string `json:"content,omitempty"`
	ImageRef       *string `json:"image_ref,omitempty"`
	IsViewOnce     bool    `json:"is_view_once,omitempty"`
}

func (r sendMessageReq) toModel() models.SendMessageRequest {
	return models.SendMessageRequest{
		ConversationID: r.ConversationID,
		Content:        r.Content,
		ImageRef:       r.ImageRef,
		IsViewOnce:     r.IsViewOnce,
	}
}

func (h *Hub) dispatch(ctx context.Context, in inbound) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	if err := h.handleCommand(ctx, in.client, in.msg); err != nil {
		h.logger.Warn("Command failed", "user_id", in.client.UserID, "type", in.msg.Type, "error", err)
		in.client.send(WsMessage{Type: OutError, Payload: marshalPayload(map[string]string{
			"command": in.msg.Type,
			"error":   err.Error(),
		})})
	}
}

func (h *Hub) handleCommand(ctx context.Context, client *Client, msg WsMessage) error {
	sess := client.Session

	switch msg.Type {
	case CmdStartConversation:
		var req userRef
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		convID, err := sess.GetOrCreateConversation(ctx, req.UserID)
		if err != nil {
			return err
		}
		_, err = sess.OpenChannel(ctx, convID)
		return err

	case CmdOpenConversation:
		var req conversationRef
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		_, err := sess.OpenChannel(ctx, req.ConversationID)
		return err

	case CmdCloseConversation:
		var req conversationRef
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		sess.CloseChannel(req.ConversationID)
		return nil

	case CmdDeleteConversation:
		var req conversationRef
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		return sess.DeleteConversation(ctx, req.ConversationID)

	case CmdSetActive:
		var req activeRef
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		if ch, ok := sess.Channel(req.ConversationID); ok {
			ch.SetActive(ctx, req.Active)
		}
		return nil

	case CmdSendMessage:
		var req sendMessageReq
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		ch, ok := sess.Channel(req.ConversationID)
		if !ok {
			var err error
			ch, err = sess.OpenChannel(ctx, req.ConversationID)
			if err != nil {
				return err
			}
		}
		_, err := ch.Send(ctx, req.toModel())
		return err

	case CmdEditMessage:
		var req messageRef
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		ch, ok := sess.Channel(req.ConversationID)
		if !ok {
			return session.ErrUnknownMessage
		}
		_, err := ch.Edit(ctx, req.MessageID, req.Content)
		return err

	case CmdDeleteMessage:
		var req messageRef
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		ch, ok := sess.Channel(req.ConversationID)
		if !ok {
			return session.ErrUnknownMessage
		}
		return ch.Delete(ctx, req.MessageID)

	case CmdMarkRead:
		var req conversationRef
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		ch, ok := sess.Channel(req.ConversationID)
		if !ok {
			return nil
		}
		return ch.MarkRead(ctx)

	case CmdReveal:
		var req messageRef
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		ch, ok := sess.Channel(req.ConversationID)
		if !ok {
			return session.ErrUnknownMessage
		}
		url, err := ch.Reveal(ctx, req.MessageID)
		if err != nil {
			return err
		}
		// The URL goes only to the device that asked.
		client.send(WsMessage{Type: OutRevealed, Payload: marshalPayload(map[string]string{
			"message_id": req.MessageID,
			"url":        url,
		})})
		return nil

	case CmdWink:
		var req userRef
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		return sess.SendWink(ctx, req.UserID)

	case CmdRefreshNearby:
		sess.RefreshNearby()
		return nil

	case CmdTravelMode:
		var req travelModeReq
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		sess.SetTravelMode(req.coords())
		return nil

	case CmdReportLocation:
		var req struct {
			Lat      float64 `json:"lat"`
			Lng      float64 `json:"lng"`
			Accuracy float64 `json:"accuracy"`
		}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		sess.ReportLocation(location.Fix{
			Coords:   geo.Coordinates{Lat: req.Lat, Lng: req.Lng},
			Accuracy: req.Accuracy,
			At:       time.Now(),
		})
		return nil

	case CmdLocationDenied:
		var req struct {
			Denied bool `json:"denied"`
		}
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		sess.SetLocationDenied(req.Denied)
		return nil

	default:
		h.logger.Warn("Unknown command type", "type", msg.Type)
		return nil
	}
}

func marshalPayload(payload interface{}) json.RawMessage {
	data, _ := json.Marshal(payload)
	return data
}
