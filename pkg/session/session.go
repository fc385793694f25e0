// Package session hosts the per-identity client core: location schedule,
// proximity index, inbox, live message channels and optimistic mutations.
// Everything a session owns is constructed at sign-in and torn down together
// at sign-out; no shared globals.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/proximo-app/proximo/config"
	"github.com/proximo-app/proximo/pkg/geo"
	"github.com/proximo-app/proximo/pkg/location"
	"github.com/proximo-app/proximo/pkg/models"
	"github.com/proximo-app/proximo/pkg/objstore"
	"github.com/proximo-app/proximo/pkg/proximity"
	"github.com/proximo-app/proximo/pkg/push"
	"github.com/proximo-app/proximo/pkg/realtime"
	"github.com/proximo-app/proximo/pkg/store"
)

var (
	ErrUnknownMessage  = errors.New("message not in local state")
	ErrNotSender       = errors.New("only the sender may edit a message")
	ErrMessageLocked   = errors.New("message content cannot be edited")
	ErrNotViewOnce     = errors.New("message is not view-once")
	ErrViewOnceSender  = errors.New("sender cannot reveal a view-once message")
	ErrViewOnceExpired = errors.New("view-once message is no longer available")
	ErrSessionClosed   = errors.New("session is closed")
)

// Backend is the profile/conversation/message store the session talks to.
// *store.Store satisfies it.
type Backend interface {
	proximity.Querier

	GetOrCreateConversation(ctx context.Context, userA, userB string) (string, error)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	GetMyConversations(ctx context.Context, viewerID string) ([]models.ConversationPreview, error)
	DeleteConversation(ctx context.Context, id string) error

	GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	SaveMessage(ctx context.Context, req models.SendMessageRequest, senderID string) (*models.Message, error)
	UpdateMessageContent(ctx context.Context, messageID, content string) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	MarkMessagesAsRead(ctx context.Context, messageIDs []string) error
	RevealMessage(ctx context.Context, messageID string) (*models.Message, error)

	UpdateMyLocation(ctx context.Context, userID string, c geo.Coordinates) error
	SaveWink(ctx context.Context, senderID, receiverID string) (*models.Wink, error)
}

// NoticeLevel classifies user-visible, non-fatal notices.
type NoticeLevel string

const (
	NoticeInfo  NoticeLevel = "info"
	NoticeError NoticeLevel = "error"
)

type Notice struct {
	Level NoticeLevel `json:"level"`
	Text  string      `json:"text"`
	At    time.Time   `json:"at"`
}

type OutboundType string

const (
	OutNearby        OutboundType = "nearby"
	OutMessage       OutboundType = "message"
	OutConversations OutboundType = "conversations"
	OutNotice        OutboundType = "notice"
	OutLocationReady OutboundType = "location_ready"
	OutLocationError OutboundType = "location_error"
)

// Outbound is one session event destined for the user's connected devices.
type Outbound struct {
	Type           OutboundType               `json:"type"`
	ConversationID string                     `json:"conversation_id,omitempty"`
	Event          *realtime.Event            `json:"event,omitempty"`
	Nearby         []models.ProximityResult   `json:"nearby,omitempty"`
	Conversations  []models.ConversationPreview `json:"conversations,omitempty"`
	Notice         *Notice                    `json:"notice,omitempty"`
	Error          string                     `json:"error,omitempty"`
}

// Options wires a session's collaborators. Every dependency is passed in
// explicitly; sessions never reach for process globals.
type Options struct {
	UserID    string
	Backend   Backend
	Bus       realtime.Bus
	Notifier  push.Notifier
	Storage   objstore.Storage
	Presence  proximity.OnlineChecker
	Sampler   location.Sampler
	Location  config.LocationConfig
	Proximity config.ProximityConfig
	Logger    *slog.Logger
}

type Session struct {
	userID   string
	backend  Backend
	bus      realtime.Bus
	notifier push.Notifier
	storage  objstore.Storage
	presence proximity.OnlineChecker
	sampler  location.Sampler
	logger   *slog.Logger

	tracker *location.Tracker
	index   *proximity.Index

	inbox     *Inbox
	mutations *MutationQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool

	out chan Outbound
}

func New(opts Options) *Session {
	logger := opts.Logger.With("user_id", opts.UserID)

	s := &Session{
		sampler:   opts.Sampler,
		userID:    opts.UserID,
		backend:   opts.Backend,
		bus:       opts.Bus,
		notifier:  opts.Notifier,
		storage:   opts.Storage,
		presence:  opts.Presence,
		logger:    logger,
		inbox:     NewInbox(),
		mutations: NewMutationQueue(),
		channels:  make(map[string]*Channel),
		out:       make(chan Outbound, 128),
	}
	s.tracker = location.NewTracker(opts.Sampler, opts.Location, logger)
	s.index = proximity.NewIndex(
		opts.Backend, opts.Presence, opts.UserID,
		opts.Proximity.RadiusMeters, opts.Proximity.MaxResults, logger,
	)
	s.index.OnUpdate(func(results []models.ProximityResult) {
		s.emit(Outbound{Type: OutNearby, Nearby: results})
	})
	return s
}

// Start brings up the location schedule and proximity loop and loads the
// inbox. The session owns its context; Close tears everything down together.
func (s *Session) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.logger.Info("Session starting")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.index.Run(s.ctx)
	}()

	s.tracker.Start(s.ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run()
	}()

	if err := s.RefreshConversations(s.ctx); err != nil {
		s.logger.Warn("Initial conversation load failed", "error", err)
	}
}

// run drives the tracker outputs: persist accepted fixes, refresh proximity,
// surface readiness and terminal failures.
func (s *Session) run() {
	ready := s.tracker.Ready()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ready:
			ready = nil
			s.emit(Outbound{Type: OutLocationReady})
		case err := <-s.tracker.Failed():
			s.notify(NoticeError, "Location access is denied. Enable location permissions in system settings to see people nearby.")
			s.emit(Outbound{Type: OutLocationError, Error: err.Error()})
		case ev, ok := <-s.tracker.Updates():
			if !ok {
				return
			}
			if ev.Fix != nil {
				if err := s.backend.UpdateMyLocation(s.ctx, s.userID, ev.Fix.Coords); err != nil {
					s.logger.Warn("Failed to persist location", "error", err)
				}
			}
			s.index.Refresh(ev.Query)
		}
	}
}

// Close tears down the location schedule and every live subscription together.
// Any completion that fires afterwards is a no-op; nothing leaks into the next
// signed-in identity.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	channels := make([]*Channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.channels = make(map[string]*Channel)
	s.mu.Unlock()

	s.logger.Info("Session closing")
	for _, ch := range channels {
		ch.Close()
	}
	s.tracker.Stop()
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("Session closed")
}

func (s *Session) UserID() string { return s.userID }

// Events is the outbound stream the transport layer fans out to devices.
func (s *Session) Events() <-chan Outbound { return s.out }

func (s *Session) emit(ev Outbound) {
	select {
	case s.out <- ev:
	default:
		// Slow consumer: drop the oldest so fresh state wins.
		select {
		case <-s.out:
		default:
		}
		select {
		case s.out <- ev:
		default:
		}
		s.logger.Debug("Outbound event buffer full, dropped oldest", "type", ev.Type)
	}
}

func (s *Session) notify(level NoticeLevel, text string) {
	n := Notice{Level: level, Text: text, At: time.Now()}
	s.emit(Outbound{Type: OutNotice, Notice: &n})
}

// SetTravelMode installs or clears (nil) the travel-mode override. The stored
// device location is untouched; only proximity queries use the override.
func (s *Session) SetTravelMode(c *geo.Coordinates) {
	s.tracker.SetOverride(c)
}

// ReportLocation feeds a device fix into the sampling schedule. Sessions not
// backed by a report-fed sampler ignore it.
func (s *Session) ReportLocation(f location.Fix) {
	if src, ok := s.sampler.(*location.ReportSource); ok {
		src.Report(f)
	}
}

// SetLocationDenied records a device permission change reported by the client.
func (s *Session) SetLocationDenied(denied bool) {
	if src, ok := s.sampler.(*location.ReportSource); ok {
		src.SetDenied(denied)
	}
}

// RefreshNearby forces a proximity re-query at the current effective
// coordinates.
func (s *Session) RefreshNearby() {
	if at, ok := s.tracker.Active(); ok {
		s.index.Refresh(at)
	}
}

// Nearby returns the latest candidate list.
func (s *Session) Nearby() []models.ProximityResult {
	return s.index.Results()
}

// SendWink signals interest. Repeats are idempotent: the backend uniqueness
// violation maps to a friendly notice, never a hard failure.
func (s *Session) SendWink(ctx context.Context, receiverID string) error {
	m := s.mutations.Begin("wink:"+receiverID, nil)

	_, err := s.backend.SaveWink(ctx, s.userID, receiverID)
	switch {
	case errors.Is(err, store.ErrDuplicateWink):
		s.mutations.Ack(m, true)
		s.notify(NoticeInfo, "You already winked at them.")
		return nil
	case err != nil:
		s.mutations.Ack(m, false)
		s.notify(NoticeError, "Couldn't send your wink. Try again.")
		return fmt.Errorf("send wink: %w", err)
	}

	s.mutations.Ack(m, true)
	s.notifyPeer(receiverID, "Someone nearby winked at you")
	return nil
}

// notifyPeer fires the best-effort push call; failures are logged only.
// The closed check keeps the Add ordered before Close's Wait.
func (s *Session) notifyPeer(receiverID, summary string) {
	if s.notifier == nil {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.notifier.Notify(ctx, push.Notification{
			ReceiverID: receiverID,
			SenderID:   s.userID,
			Summary:    summary,
		}); err != nil {
			s.logger.Warn("Best-effort notify failed", "receiver_id", receiverID, "error", err)
		}
	}()
}
