package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proximo-app/proximo/config"
	"github.com/proximo-app/proximo/pkg/geo"
	"github.com/proximo-app/proximo/pkg/location"
	"github.com/proximo-app/proximo/pkg/models"
	"github.com/proximo-app/proximo/pkg/push"
	"github.com/proximo-app/proximo/pkg/realtime"
	"github.com/proximo-app/proximo/pkg/store"
)

// fakeBackend is an in-memory Backend with injectable failures.
type fakeBackend struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	previews      []models.ConversationPreview
	messages      map[string][]models.Message
	nextID        int

	markReadCalls [][]string
	winkCalls     int

	saveErr       error
	markReadErr   error
	updateErr     error
	deleteMsgErr  error
	revealErr     error
	deleteConvErr error
	winkErr       error
	listErr       error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
	}
}

func (b *fakeBackend) addConversation(id, a, c string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pa, pb := models.NormalizePair(a, c)
	b.conversations[id] = models.Conversation{
		ID: id, ParticipantA: pa, ParticipantB: pb,
		CreatedAt: time.Now(), LastActivity: time.Now(),
	}
}

func (b *fakeBackend) seedMessage(m models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages[m.ConversationID] = append(b.messages[m.ConversationID], m)
}

func (b *fakeBackend) GetNearbyProfiles(ctx context.Context, viewerID string, at geo.Coordinates, radiusMeters float64, limit int) ([]models.ProximityResult, error) {
	return nil, nil
}

func (b *fakeBackend) GetOrCreateConversation(ctx context.Context, userA, userB string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pa, pb := models.NormalizePair(userA, userB)
	for id, c := range b.conversations {
		if c.ParticipantA == pa && c.ParticipantB == pb {
			return id, nil
		}
	}
	b.nextID++
	id := fmt.Sprintf("conv-%d", b.nextID)
	b.conversations[id] = models.Conversation{
		ID: id, ParticipantA: pa, ParticipantB: pb,
		CreatedAt: time.Now(), LastActivity: time.Now(),
	}
	return id, nil
}

func (b *fakeBackend) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conversations[id]
	if !ok {
		return nil, store.ErrConversationNotFound
	}
	return &c, nil
}

func (b *fakeBackend) GetMyConversations(ctx context.Context, viewerID string) ([]models.ConversationPreview, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.listErr != nil {
		return nil, b.listErr
	}
	return append([]models.ConversationPreview(nil), b.previews...), nil
}

func (b *fakeBackend) DeleteConversation(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteConvErr != nil {
		return b.deleteConvErr
	}
	delete(b.conversations, id)
	delete(b.messages, id)
	return nil
}

func (b *fakeBackend) GetMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.Message(nil), b.messages[conversationID]...), nil
}

func (b *fakeBackend) SaveMessage(ctx context.Context, req models.SendMessageRequest, senderID string) (*models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.saveErr != nil {
		return nil, b.saveErr
	}
	b.nextID++
	m := models.Message{
		ID:             fmt.Sprintf("msg-%d", b.nextID),
		ConversationID: req.ConversationID,
		SenderID:       senderID,
		Content:        req.Content,
		ImageRef:       req.ImageRef,
		IsViewOnce:     req.IsViewOnce,
		CreatedAt:      time.Now(),
	}
	b.messages[req.ConversationID] = append(b.messages[req.ConversationID], m)
	return &m, nil
}

func (b *fakeBackend) UpdateMessageContent(ctx context.Context, messageID, content string) (*models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.updateErr != nil {
		return nil, b.updateErr
	}
	for convID, msgs := range b.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				now := time.Now()
				b.messages[convID][i].Content = &content
				b.messages[convID][i].UpdatedAt = &now
				m := b.messages[convID][i]
				return &m, nil
			}
		}
	}
	return nil, store.ErrMessageNotFound
}

func (b *fakeBackend) DeleteMessage(ctx context.Context, messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteMsgErr != nil {
		return b.deleteMsgErr
	}
	for convID, msgs := range b.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				b.messages[convID] = append(msgs[:i], msgs[i+1:]...)
				return nil
			}
		}
	}
	return store.ErrMessageNotFound
}

func (b *fakeBackend) MarkMessagesAsRead(ctx context.Context, messageIDs []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markReadCalls = append(b.markReadCalls, append([]string(nil), messageIDs...))
	if b.markReadErr != nil {
		return b.markReadErr
	}
	now := time.Now()
	for convID, msgs := range b.messages {
		for i := range msgs {
			for _, id := range messageIDs {
				if msgs[i].ID == id && msgs[i].ReadAt == nil {
					b.messages[convID][i].ReadAt = &now
				}
			}
		}
	}
	return nil
}

// RevealMessage mirrors the canonical conditional transition: it succeeds at
// most once per message, and anything already revealed (or not view-once)
// reports not-found.
func (b *fakeBackend) RevealMessage(ctx context.Context, messageID string) (*models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.revealErr != nil {
		return nil, b.revealErr
	}
	for convID, msgs := range b.messages {
		for i := range msgs {
			if msgs[i].ID == messageID {
				if !msgs[i].IsViewOnce || msgs[i].ViewedAt != nil {
					return nil, store.ErrMessageNotFound
				}
				now := time.Now()
				b.messages[convID][i].ViewedAt = &now
				m := b.messages[convID][i]
				return &m, nil
			}
		}
	}
	return nil, store.ErrMessageNotFound
}

func (b *fakeBackend) UpdateMyLocation(ctx context.Context, userID string, c geo.Coordinates) error {
	return nil
}

func (b *fakeBackend) SaveWink(ctx context.Context, senderID, receiverID string) (*models.Wink, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.winkCalls++
	if b.winkErr != nil {
		return nil, b.winkErr
	}
	return &models.Wink{SenderID: senderID, ReceiverID: receiverID, CreatedAt: time.Now()}, nil
}

// fakeBus is an in-process realtime.Bus.
type fakeBus struct {
	mu        sync.Mutex
	subs      map[string][]chan realtime.Event
	published []realtime.Event
	pubErr    error
}

func newFakeBus() *fakeBus {
	return &fakeBus{subs: make(map[string][]chan realtime.Event)}
}

func (b *fakeBus) Subscribe(ctx context.Context, conversationID string) (*realtime.Subscription, error) {
	ch := make(chan realtime.Event, 64)
	b.mu.Lock()
	b.subs[conversationID] = append(b.subs[conversationID], ch)
	b.mu.Unlock()

	var once sync.Once
	return realtime.NewSubscription(ch, func() {
		once.Do(func() {
			b.mu.Lock()
			list := b.subs[conversationID]
			for i, c := range list {
				if c == ch {
					b.subs[conversationID] = append(list[:i], list[i+1:]...)
					break
				}
			}
			b.mu.Unlock()
			close(ch)
		})
	}), nil
}

func (b *fakeBus) Publish(ctx context.Context, conversationID string, ev realtime.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubErr != nil {
		return b.pubErr
	}
	b.published = append(b.published, ev)
	for _, ch := range b.subs[conversationID] {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// inject delivers an event as if a remote participant published it.
func (b *fakeBus) inject(conversationID string, ev realtime.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs[conversationID] {
		ch <- ev
	}
}

func (b *fakeBus) publishedEvents() []realtime.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]realtime.Event(nil), b.published...)
}

type fakeNotifier struct {
	mu    sync.Mutex
	notes []push.Notification
	err   error
}

func (n *fakeNotifier) Notify(ctx context.Context, note push.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.notes = append(n.notes, note)
	return nil
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

type fakeStorage struct {
	mu  sync.Mutex
	err error
}

func (s *fakeStorage) Upload(ctx context.Context, fileName, contentType string, data []byte) (string, error) {
	return "media/" + fileName, nil
}

func (s *fakeStorage) ResolveURL(ctx context.Context, storagePath string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return "", s.err
	}
	return "https://cdn.test/" + storagePath, nil
}

type fixedPresence struct{ online map[string]bool }

func (p *fixedPresence) IsOnline(userID string) bool { return p.online[userID] }

type testEnv struct {
	sess     *Session
	backend  *fakeBackend
	bus      *fakeBus
	notifier *fakeNotifier
	storage  *fakeStorage
	source   *location.ReportSource
}

func newTestSession(t *testing.T, backend *fakeBackend) (*Session, *testEnv) {
	t.Helper()

	bus := newFakeBus()
	notifier := &fakeNotifier{}
	storage := &fakeStorage{}
	source := location.NewReportSource()

	s := New(Options{
		UserID:   "me",
		Backend:  backend,
		Bus:      bus,
		Notifier: notifier,
		Storage:  storage,
		Presence: &fixedPresence{online: map[string]bool{}},
		Sampler:  source,
		Location: config.LocationConfig{
			PollInterval:       time.Hour,
			SignificanceMeters: 50,
			SampleTimeout:      20 * time.Millisecond,
		},
		Proximity: config.ProximityConfig{RadiusMeters: 50000, MaxResults: 100},
		Logger:    slog.New(slog.DiscardHandler),
	})
	s.Start(context.Background())
	t.Cleanup(s.Close)

	return s, &testEnv{sess: s, backend: backend, bus: bus, notifier: notifier, storage: storage, source: source}
}

// waitOutbound drains the session event stream until an event of the wanted
// type arrives.
func waitOutbound(t *testing.T, s *Session, want OutboundType) Outbound {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", want)
			return Outbound{}
		}
	}
}

func openTestChannel(t *testing.T, s *Session, b *fakeBackend, convID, peer string) *Channel {
	t.Helper()
	b.addConversation(convID, "me", peer)
	ch, err := s.OpenChannel(context.Background(), convID)
	require.NoError(t, err)
	return ch
}
