package services

import (
	"fmt"
	"strings"
	"sync"
	"testing"

	"phoenix-server/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type recordedEvent struct {
	Scope   string // "conversation" or "user"
	Target  uint
	Event   string
	Payload map[string]interface{}
}

// recordingSink captures published events and fakes the presence predicate.
type recordingSink struct {
	mu     sync.Mutex
	events []recordedEvent
	online map[uint]bool
}

func newRecordingSink() *recordingSink {
	return &recordingSink{online: map[uint]bool{}}
}

func (r *recordingSink) PublishToConversation(conversationID uint, event string, payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Scope: "conversation", Target: conversationID, Event: event, Payload: payload})
}

func (r *recordingSink) PublishToUser(userID uint, event string, payload map[string]interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{Scope: "user", Target: userID, Event: event, Payload: payload})
}

func (r *recordingSink) IsUserOnline(userID uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.online[userID]
}

func (r *recordingSink) byEvent(name string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.Event == name {
			out = append(out, e)
		}
	}
	return out
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.ConversationParticipant{},
		&models.Message{},
	))
	return db
}

func seedUser(t *testing.T, db *gorm.DB, first, last string) models.User {
	t.Helper()
	user := models.User{FirstName: first, LastName: last, Email: strings.ToLower(first + "." + last + "@example.com")}
	require.NoError(t, db.Create(&user).Error)
	return user
}

func newTestService(t *testing.T) (*ConversationService, *recordingSink, models.User, models.User) {
	t.Helper()
	db := newTestDB(t)
	sink := newRecordingSink()
	alice := seedUser(t, db, "Alice", "Green")
	bob := seedUser(t, db, "Bob", "Stone")
	return NewConversationService(db, sink), sink, alice, bob
}

func TestCreateOrGetIsIdempotentForPair(t *testing.T) {
	svc, _, alice, bob := newTestService(t)

	first, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)
	second, err := svc.CreateOrGet(bob.ID, alice.ID)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, bob.ID, first.OtherParticipant.ID)
	assert.Equal(t, alice.ID, second.OtherParticipant.ID)
	assert.Equal(t, "Bob Stone", first.OtherParticipant.Name)

	var count int64
	require.NoError(t, svc.db.Model(&models.Conversation{}).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestCreateOrGetRejectsSelf(t *testing.T) {
	svc, _, alice, _ := newTestService(t)

	_, err := svc.CreateOrGet(alice.ID, alice.ID)
	assert.ErrorIs(t, err, ErrSelfConversation)

	var count int64
	require.NoError(t, svc.db.Model(&models.Conversation{}).Count(&count).Error)
	assert.EqualValues(t, 0, count)
}

func TestCreateOrGetUnknownTarget(t *testing.T) {
	svc, _, alice, _ := newTestService(t)

	_, err := svc.CreateOrGet(alice.ID, 9999)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestSendAuthorization(t *testing.T) {
	svc, _, alice, bob := newTestService(t)
	mallory := seedUser(t, svc.db, "Mallory", "Kay")

	conv, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)

	_, err = svc.Send(conv.ID, mallory.ID, "let me in")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = svc.Send(9999, alice.ID, "hello")
	assert.ErrorIs(t, err, ErrConversationNotFound)

	_, err = svc.Send(conv.ID, alice.ID, "   ")
	assert.ErrorIs(t, err, ErrEmptyMessage)
}

func TestUnreadMonotonicityAndReset(t *testing.T) {
	svc, _, alice, bob := newTestService(t)

	conv, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := svc.Send(conv.ID, alice.ID, fmt.Sprintf("message %d", i))
		require.NoError(t, err)
	}

	bobView, err := svc.GetByID(conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, bobView.UnreadCount)

	total, err := svc.TotalUnread(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, total)

	messages, _, err := svc.Messages(conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 3)
	for _, m := range messages {
		assert.True(t, m.Read)
	}

	bobView, err = svc.GetByID(conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, bobView.UnreadCount)
}

func TestReadReceiptsCoverIncomingOnly(t *testing.T) {
	svc, _, alice, bob := newTestService(t)

	conv, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)

	sent, err := svc.Send(conv.ID, alice.ID, "hello")
	require.NoError(t, err)
	assert.True(t, sent.IsOwn)
	assert.True(t, sent.Read)

	_, err = svc.Send(conv.ID, bob.ID, "hi back")
	require.NoError(t, err)

	_, _, err = svc.Messages(conv.ID, bob.ID)
	require.NoError(t, err)

	var rows []models.Message
	require.NoError(t, svc.db.Where("conversation_id = ?", conv.ID).Order("id ASC").Find(&rows).Error)
	require.Len(t, rows, 2)

	// Alice's message now carries Bob's receipt
	assert.True(t, rows[0].IsReadBy(bob.ID))
	// Bob's own message still only read by Bob
	assert.True(t, rows[1].IsReadBy(bob.ID))
	assert.False(t, rows[1].IsReadBy(alice.ID))
}

func TestFullLifecycle(t *testing.T) {
	svc, _, alice, bob := newTestService(t)

	conv, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)

	_, err = svc.Send(conv.ID, alice.ID, "hello")
	require.NoError(t, err)

	bobView, err := svc.GetByID(conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, bobView.UnreadCount)

	messages, _, err := svc.Messages(conv.ID, bob.ID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, "hello", messages[0].Text)

	bobView, err = svc.GetByID(conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, bobView.UnreadCount)

	var hello models.Message
	require.NoError(t, svc.db.Where("conversation_id = ?", conv.ID).First(&hello).Error)
	assert.True(t, hello.IsReadBy(bob.ID))

	_, err = svc.Send(conv.ID, bob.ID, "hi back")
	require.NoError(t, err)

	aliceView, err := svc.GetByID(conv.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, aliceView.UnreadCount)
}

func TestPerUserDeletionIsolation(t *testing.T) {
	svc, _, alice, bob := newTestService(t)

	conv, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = svc.Send(conv.ID, alice.ID, "hello")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteForUser(conv.ID, alice.ID))

	aliceList, err := svc.ListForUser(alice.ID)
	require.NoError(t, err)
	assert.Empty(t, aliceList)

	bobList, err := svc.ListForUser(bob.ID)
	require.NoError(t, err)
	require.Len(t, bobList, 1)
	assert.Equal(t, 1, bobList[0].UnreadCount)
	assert.False(t, bobList[0].Archived)
}

func TestTotalUnreadExcludesDeletedConversations(t *testing.T) {
	svc, _, alice, bob := newTestService(t)
	carol := seedUser(t, svc.db, "Carol", "Reed")

	convAB, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)
	convCB, err := svc.CreateOrGet(carol.ID, bob.ID)
	require.NoError(t, err)

	_, err = svc.Send(convAB.ID, alice.ID, "from alice")
	require.NoError(t, err)
	_, err = svc.Send(convCB.ID, carol.ID, "from carol")
	require.NoError(t, err)

	total, err := svc.TotalUnread(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, total)

	require.NoError(t, svc.DeleteForUser(convCB.ID, bob.ID))

	total, err = svc.TotalUnread(bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}

func TestArchiveDoesNotTouchCounts(t *testing.T) {
	svc, _, alice, bob := newTestService(t)

	conv, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = svc.Send(conv.ID, bob.ID, "ping")
	require.NoError(t, err)

	require.NoError(t, svc.Archive(conv.ID, alice.ID))

	view, err := svc.GetByID(conv.ID, alice.ID)
	require.NoError(t, err)
	assert.True(t, view.Archived)
	assert.Equal(t, 1, view.UnreadCount)

	require.NoError(t, svc.Unarchive(conv.ID, alice.ID))

	list, err := svc.ListForUser(alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.False(t, list[0].Archived)
	assert.Equal(t, 1, list[0].UnreadCount)
}

func TestTombstoneKeepsPositionForBothSides(t *testing.T) {
	svc, _, alice, bob := newTestService(t)

	conv, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)

	_, err = svc.Send(conv.ID, alice.ID, "first")
	require.NoError(t, err)
	second, err := svc.Send(conv.ID, alice.ID, "second")
	require.NoError(t, err)
	_, err = svc.Send(conv.ID, alice.ID, "third")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteMessageForAll(conv.ID, alice.ID, second.ID))

	for _, viewer := range []uint{alice.ID, bob.ID} {
		messages, _, err := svc.Messages(conv.ID, viewer)
		require.NoError(t, err)
		require.Len(t, messages, 3)
		assert.Equal(t, "first", messages[0].Text)
		assert.Equal(t, models.DeletedMessagePlaceholder, messages[1].Text)
		assert.True(t, messages[1].DeletedForAll)
		assert.Equal(t, "third", messages[2].Text)
	}
}

func TestDeleteForAllRequiresSender(t *testing.T) {
	svc, _, alice, bob := newTestService(t)

	conv, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)
	sent, err := svc.Send(conv.ID, alice.ID, "mine")
	require.NoError(t, err)

	err = svc.DeleteMessageForAll(conv.ID, bob.ID, sent.ID)
	assert.ErrorIs(t, err, ErrNotSender)
}

func TestDeleteMessageForMeIsolation(t *testing.T) {
	svc, _, alice, bob := newTestService(t)

	conv, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)

	hidden, err := svc.Send(conv.ID, alice.ID, "hide me")
	require.NoError(t, err)
	_, err = svc.Send(conv.ID, alice.ID, "keep me")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteMessageForMe(conv.ID, alice.ID, hidden.ID))

	aliceMessages, _, err := svc.Messages(conv.ID, alice.ID)
	require.NoError(t, err)
	require.Len(t, aliceMessages, 1)
	assert.Equal(t, "keep me", aliceMessages[0].Text)

	bobMessages, _, err := svc.Messages(conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Len(t, bobMessages, 2)
}

func TestPinIsConversationWide(t *testing.T) {
	svc, _, alice, bob := newTestService(t)

	conv, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)
	sent, err := svc.Send(conv.ID, alice.ID, "important")
	require.NoError(t, err)

	require.NoError(t, svc.Pin(conv.ID, alice.ID, sent.ID))

	bobView, err := svc.GetByID(conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []uint{sent.ID}, bobView.PinnedMessages)

	require.NoError(t, svc.Unpin(conv.ID, bob.ID, sent.ID))

	aliceView, err := svc.GetByID(conv.ID, alice.ID)
	require.NoError(t, err)
	assert.Empty(t, aliceView.PinnedMessages)

	err = svc.Pin(conv.ID, alice.ID, 9999)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestSendPublishesAfterPersisting(t *testing.T) {
	svc, sink, alice, bob := newTestService(t)

	conv, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)

	longText := strings.Repeat("x", 60)
	_, err = svc.Send(conv.ID, alice.ID, longText)
	require.NoError(t, err)

	received := sink.byEvent("message:received")
	require.Len(t, received, 1)
	assert.Equal(t, "conversation", received[0].Scope)
	assert.Equal(t, conv.ID, received[0].Target)

	notified := sink.byEvent("notification:new")
	require.Len(t, notified, 1)
	assert.Equal(t, "user", notified[0].Scope)
	assert.Equal(t, bob.ID, notified[0].Target)
	assert.Equal(t, "message", notified[0].Payload["type"])
	assert.Equal(t, "Alice Green", notified[0].Payload["from"])
	assert.Equal(t, strings.Repeat("x", 50), notified[0].Payload["preview"])
}

func TestMarkReadSubsetEmitsEvent(t *testing.T) {
	svc, sink, alice, bob := newTestService(t)

	conv, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)

	first, err := svc.Send(conv.ID, alice.ID, "one")
	require.NoError(t, err)
	_, err = svc.Send(conv.ID, alice.ID, "two")
	require.NoError(t, err)

	require.NoError(t, svc.MarkRead(conv.ID, bob.ID, []uint{first.ID}))

	var row models.Message
	require.NoError(t, svc.db.First(&row, first.ID).Error)
	assert.True(t, row.IsReadBy(bob.ID))

	// explicit mark-as-read still resets the whole counter
	view, err := svc.GetByID(conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, view.UnreadCount)

	reads := sink.byEvent("messages:read")
	require.Len(t, reads, 1)
	assert.EqualValues(t, bob.ID, reads[0].Payload["readBy"])
	assert.Equal(t, []uint{first.ID}, reads[0].Payload["messageIds"])
}

func TestListOrderingAndPreview(t *testing.T) {
	svc, _, alice, bob := newTestService(t)
	carol := seedUser(t, svc.db, "Carol", "Reed")

	convAB, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)
	convAC, err := svc.CreateOrGet(alice.ID, carol.ID)
	require.NoError(t, err)

	_, err = svc.Send(convAB.ID, bob.ID, "older")
	require.NoError(t, err)
	_, err = svc.Send(convAC.ID, carol.ID, "newer")
	require.NoError(t, err)

	list, err := svc.ListForUser(alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, convAC.ID, list[0].ID)
	assert.Equal(t, "newer", list[0].LastMessage)
	assert.Equal(t, convAB.ID, list[1].ID)

	// a thread with no messages shows the placeholder preview
	dave := seedUser(t, svc.db, "Dave", "Hall")
	_, err = svc.CreateOrGet(alice.ID, dave.ID)
	require.NoError(t, err)

	list, err = svc.ListForUser(dave.ID)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "No messages yet", list[0].LastMessage)
}

func TestFailedHistoryFetchKeepsUnreadCount(t *testing.T) {
	svc, sink, alice, bob := newTestService(t)

	conversation, err := svc.CreateOrGet(alice.ID, bob.ID)
	require.NoError(t, err)
	_, err = svc.Send(conversation.ID, alice.ID, "first")
	require.NoError(t, err)
	_, err = svc.Send(conversation.ID, alice.ID, "second")
	require.NoError(t, err)

	// Fail only the history load (the one query that preloads Sender);
	// the conversation lookup and the receipt writes stay healthy.
	loadErr := fmt.Errorf("history load failed")
	require.NoError(t, svc.db.Callback().Query().Before("gorm:query").Register("fail_history_load", func(tx *gorm.DB) {
		if _, ok := tx.Statement.Preloads["Sender"]; ok {
			tx.AddError(loadErr)
		}
	}))

	_, _, err = svc.Messages(conversation.ID, bob.ID)
	require.Error(t, err)

	var state models.ConversationParticipant
	require.NoError(t, svc.db.Where("conversation_id = ? AND user_id = ?", conversation.ID, bob.ID).First(&state).Error)
	assert.Equal(t, 2, state.UnreadCount, "failed fetch must leave the unread counter alone")
	assert.Empty(t, sink.byEvent("messages:read"))

	require.NoError(t, svc.db.Callback().Query().Remove("fail_history_load"))

	messages, _, err := svc.Messages(conversation.ID, bob.ID)
	require.NoError(t, err)
	assert.Len(t, messages, 2)
	require.NoError(t, svc.db.Where("conversation_id = ? AND user_id = ?", conversation.ID, bob.ID).First(&state).Error)
	assert.Equal(t, 0, state.UnreadCount)
}

func TestMessagePreviewIsRuneSafe(t *testing.T) {
	assert.Equal(t, "short", MessagePreview("short"))

	exact := strings.Repeat("a", 50)
	assert.Equal(t, exact, MessagePreview(exact))

	long := strings.Repeat("é", 60)
	assert.Equal(t, strings.Repeat("é", 50), MessagePreview(long))
}
