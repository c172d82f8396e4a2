package services

import (
	"strings"
	"time"

	"phoenix-server/models"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// Domain errors surfaced by ConversationService. Routes map these onto the
// HTTP problem helpers; anything else is an infrastructure failure.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrMessageNotFound      = errors.New("message not found")
	ErrNotParticipant       = errors.New("user is not a participant of this conversation")
	ErrSelfConversation     = errors.New("cannot start a conversation with yourself")
	ErrEmptyMessage         = errors.New("message text must not be empty")
	ErrNotSender            = errors.New("only the sender can delete a message for everyone")
)

const messagePreviewLength = 50

// EventSink is the slice of the realtime gateway the conversation core needs:
// room-addressed publishing and the online predicate. Delivery is best-effort
// and never affects persisted state.
type EventSink interface {
	PublishToConversation(conversationID uint, event string, payload map[string]interface{})
	PublishToUser(userID uint, event string, payload map[string]interface{})
	IsUserOnline(userID uint) bool
}

// ConversationService owns the conversation/message engine: create-or-get,
// sends, read receipts and the per-user visibility state.
type ConversationService struct {
	db     *gorm.DB
	events EventSink
}

func NewConversationService(db *gorm.DB, events EventSink) *ConversationService {
	return &ConversationService{db: db, events: events}
}

// ParticipantView is the resolved identity of the other side of a thread.
type ParticipantView struct {
	ID        uint   `json:"id"`
	Name      string `json:"name"`
	AvatarURL string `json:"avatarURL"`
	Online    bool   `json:"online"`
}

// MessageView is a message formatted for display.
type MessageView struct {
	ID             uint   `json:"id"`
	ConversationID uint   `json:"conversationID"`
	SenderID       uint   `json:"senderID"`
	Text           string `json:"text"`
	SenderName     string `json:"senderName"`
	SenderAvatar   string `json:"senderAvatar"`
	SentAt         string `json:"sentAt"`
	IsOwn          bool   `json:"isOwn"`
	Read           bool   `json:"read"`
	DeletedForAll  bool   `json:"deletedForAll"`
}

// ConversationView is the full projection returned by create-or-get.
type ConversationView struct {
	ID               uint            `json:"id"`
	OtherParticipant ParticipantView `json:"otherParticipant"`
	Messages         []MessageView   `json:"messages"`
	PinnedMessages   []uint          `json:"pinnedMessages"`
	UnreadCount      int             `json:"unreadCount"`
	Archived         bool            `json:"archived"`
}

// ConversationListItem is one row of a user's conversation list.
type ConversationListItem struct {
	ID               uint            `json:"id"`
	OtherParticipant ParticipantView `json:"otherParticipant"`
	LastMessage      string          `json:"lastMessage"`
	LastMessageTime  time.Time       `json:"lastMessageTime"`
	UnreadCount      int             `json:"unreadCount"`
	Archived         bool            `json:"archived"`
	PinnedMessages   []uint          `json:"pinnedMessages"`
	DeletedMessages  []uint          `json:"deletedMessages"`
}

// CreateOrGet finds the conversation between the two users or lazily creates
// it. Idempotent for the unordered pair.
func (s *ConversationService) CreateOrGet(userID, targetID uint) (*ConversationView, error) {
	if userID == targetID {
		return nil, ErrSelfConversation
	}

	var target models.User
	if err := s.db.First(&target, targetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, errors.Wrap(err, "load target user")
	}

	conversation, err := s.findOrCreatePair(userID, targetID)
	if err != nil {
		return nil, err
	}

	return s.buildView(conversation, userID)
}

func (s *ConversationService) findOrCreatePair(userID, targetID uint) (*models.Conversation, error) {
	one, two := models.NormalizePair(userID, targetID)

	var conversation models.Conversation
	err := s.loadPair(&conversation, one, two)
	if err == nil {
		return &conversation, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.Wrap(err, "lookup conversation pair")
	}

	fresh := models.Conversation{
		ParticipantOneID: one,
		ParticipantTwoID: two,
		LastMessageTime:  time.Now(),
		Participants: []models.ConversationParticipant{
			{UserID: one},
			{UserID: two},
		},
	}
	createErr := s.db.Create(&fresh).Error
	// A concurrent create-or-get may have won the unique pair index; the
	// existing record is the correct answer either way. Reload to resolve
	// the participant associations.
	if lookupErr := s.loadPair(&conversation, one, two); lookupErr != nil {
		if createErr != nil {
			return nil, errors.Wrap(createErr, "create conversation")
		}
		return nil, errors.Wrap(lookupErr, "reload conversation pair")
	}
	return &conversation, nil
}

func (s *ConversationService) loadPair(conversation *models.Conversation, one, two uint) error {
	return s.db.
		Preload("Participants").
		Preload("ParticipantOne").
		Preload("ParticipantTwo").
		Where("participant_one_id = ? AND participant_two_id = ?", one, two).
		First(conversation).Error
}

func (s *ConversationService) loadConversation(conversationID uint) (*models.Conversation, error) {
	var conversation models.Conversation
	err := s.db.
		Preload("Participants").
		Preload("ParticipantOne").
		Preload("ParticipantTwo").
		First(&conversation, conversationID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		return nil, errors.Wrap(err, "load conversation")
	}
	return &conversation, nil
}

func (s *ConversationService) authorized(conversationID, userID uint) (*models.Conversation, error) {
	conversation, err := s.loadConversation(conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.HasParticipant(userID) {
		return nil, ErrNotParticipant
	}
	return conversation, nil
}

func (s *ConversationService) otherUser(conversation *models.Conversation, userID uint) models.User {
	if conversation.ParticipantOneID == userID {
		return conversation.ParticipantTwo
	}
	return conversation.ParticipantOne
}

func (s *ConversationService) participantView(user models.User) ParticipantView {
	online := false
	if s.events != nil {
		online = s.events.IsUserOnline(user.ID)
	}
	return ParticipantView{
		ID:        user.ID,
		Name:      user.DisplayName(),
		AvatarURL: user.AvatarURL,
		Online:    online,
	}
}

func (s *ConversationService) buildView(conversation *models.Conversation, userID uint) (*ConversationView, error) {
	messages, err := s.visibleMessages(conversation, userID)
	if err != nil {
		return nil, err
	}
	state := conversation.ParticipantState(userID)
	return &ConversationView{
		ID:               conversation.ID,
		OtherParticipant: s.participantView(s.otherUser(conversation, userID)),
		Messages:         messages,
		PinnedMessages:   conversation.PinnedMessageIDs(),
		UnreadCount:      state.UnreadCount,
		Archived:         state.Archived,
	}, nil
}

// visibleMessages loads the ordered history minus the user's hidden messages,
// formatted for display. Read-only; marking as read is Messages' job.
func (s *ConversationService) visibleMessages(conversation *models.Conversation, userID uint) ([]MessageView, error) {
	var rows []models.Message
	err := s.db.
		Preload("Sender").
		Where("conversation_id = ?", conversation.ID).
		Order("created_at ASC, id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "load messages")
	}

	state := conversation.ParticipantState(userID)
	hidden := map[uint]bool{}
	for _, id := range state.DeletedMessageIDs() {
		hidden[id] = true
	}

	views := make([]MessageView, 0, len(rows))
	for _, row := range rows {
		if hidden[row.ID] {
			continue
		}
		views = append(views, s.messageView(&row, userID))
	}
	return views, nil
}

func (s *ConversationService) messageView(message *models.Message, viewerID uint) MessageView {
	return MessageView{
		ID:             message.ID,
		ConversationID: message.ConversationID,
		SenderID:       message.SenderID,
		Text:           message.DisplayText(),
		SenderName:     message.Sender.DisplayName(),
		SenderAvatar:   message.Sender.AvatarURL,
		SentAt:         message.CreatedAt.Format(time.RFC3339),
		IsOwn:          message.SenderID == viewerID,
		Read:           message.IsReadBy(viewerID),
		DeletedForAll:  message.DeletedForAll,
	}
}

// ListForUser returns the user's conversations sorted by recency, excluding
// the ones the user soft-deleted. The other side's list is never affected.
func (s *ConversationService) ListForUser(userID uint) ([]ConversationListItem, error) {
	var conversations []models.Conversation
	err := s.db.
		Preload("Participants").
		Preload("ParticipantOne").
		Preload("ParticipantTwo").
		Preload("LastMessage").
		Where("participant_one_id = ? OR participant_two_id = ?", userID, userID).
		Order("last_message_time DESC").
		Find(&conversations).Error
	if err != nil {
		return nil, errors.Wrap(err, "list conversations")
	}

	items := make([]ConversationListItem, 0, len(conversations))
	for i := range conversations {
		conversation := &conversations[i]
		state := conversation.ParticipantState(userID)
		if state.Deleted {
			continue
		}

		preview := "No messages yet"
		if conversation.LastMessage != nil {
			preview = MessagePreview(conversation.LastMessage.DisplayText())
		}

		items = append(items, ConversationListItem{
			ID:               conversation.ID,
			OtherParticipant: s.participantView(s.otherUser(conversation, userID)),
			LastMessage:      preview,
			LastMessageTime:  conversation.LastMessageTime,
			UnreadCount:      state.UnreadCount,
			Archived:         state.Archived,
			PinnedMessages:   conversation.PinnedMessageIDs(),
			DeletedMessages:  state.DeletedMessageIDs(),
		})
	}
	return items, nil
}

// GetByID returns the metadata projection without message history.
func (s *ConversationService) GetByID(conversationID, userID uint) (*ConversationView, error) {
	conversation, err := s.authorized(conversationID, userID)
	if err != nil {
		return nil, err
	}
	state := conversation.ParticipantState(userID)
	return &ConversationView{
		ID:               conversation.ID,
		OtherParticipant: s.participantView(s.otherUser(conversation, userID)),
		PinnedMessages:   conversation.PinnedMessageIDs(),
		UnreadCount:      state.UnreadCount,
		Archived:         state.Archived,
	}, nil
}

// Send appends a message, updates the last-message pointer, bumps the
// recipient's unread counter with an atomic increment and only then emits the
// realtime events. A failed publish never fails the send.
func (s *ConversationService) Send(conversationID, senderID uint, text string) (*MessageView, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	conversation, err := s.authorized(conversationID, senderID)
	if err != nil {
		return nil, err
	}

	message := models.Message{
		ConversationID: conversation.ID,
		SenderID:       senderID,
		Text:           text,
		ReadBy:         models.ReadBySet(senderID),
	}
	if err := s.db.Create(&message).Error; err != nil {
		return nil, errors.Wrap(err, "create message")
	}

	updates := map[string]interface{}{
		"last_message_id":   message.ID,
		"last_message_time": message.CreatedAt,
	}
	if err := s.db.Model(conversation).Updates(updates).Error; err != nil {
		return nil, errors.Wrap(err, "update last message pointer")
	}

	recipientID := conversation.OtherParticipantID(senderID)
	if err := s.incrementUnread(conversation.ID, recipientID); err != nil {
		return nil, err
	}

	if err := s.db.Preload("Sender").First(&message, message.ID).Error; err != nil {
		return nil, errors.Wrap(err, "reload message")
	}

	view := s.messageView(&message, senderID)

	if s.events != nil {
		wire := view
		wire.IsOwn = false
		wire.Read = false
		s.events.PublishToConversation(conversation.ID, "message:received", map[string]interface{}{
			"conversationId": conversation.ID,
			"message":        wire,
		})
		s.events.PublishToUser(recipientID, "notification:new", map[string]interface{}{
			"type":           "message",
			"conversationId": conversation.ID,
			"from":           view.SenderName,
			"preview":        MessagePreview(text),
			"timestamp":      view.SentAt,
		})
	}

	return &view, nil
}

// incrementUnread bumps the counter in a single UPDATE so concurrent sends
// never lose increments to a read-modify-write race. When the participant row
// is missing (absence means zero) it is created holding the first unread.
func (s *ConversationService) incrementUnread(conversationID, userID uint) error {
	res := s.db.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1))
	if res.Error != nil {
		return errors.Wrap(res.Error, "increment unread count")
	}
	if res.RowsAffected > 0 {
		return nil
	}

	row := models.ConversationParticipant{
		ConversationID: conversationID,
		UserID:         userID,
		UnreadCount:    1,
	}
	if err := s.db.Create(&row).Error; err != nil {
		// Lost the insert race; the row exists now, increment it instead.
		retry := s.db.Model(&models.ConversationParticipant{}).
			Where("conversation_id = ? AND user_id = ?", conversationID, userID).
			UpdateColumn("unread_count", gorm.Expr("unread_count + ?", 1))
		if retry.Error != nil {
			return errors.Wrap(retry.Error, "increment unread count after insert race")
		}
	}
	return nil
}

// Messages returns the user's visible history and, as a side effect, marks
// everything from the other side as read and resets the unread counter.
// Viewing is the read receipt.
func (s *ConversationService) Messages(conversationID, userID uint) ([]MessageView, []uint, error) {
	conversation, err := s.authorized(conversationID, userID)
	if err != nil {
		return nil, nil, err
	}

	// Load first, mark second: a failed fetch must leave the unread
	// counter and receipts untouched.
	views, err := s.visibleMessages(conversation, userID)
	if err != nil {
		return nil, nil, err
	}

	markedIDs, err := s.markConversationRead(conversation, userID, nil)
	if err != nil {
		return nil, nil, err
	}
	// reflect the receipt we just wrote
	for i := range views {
		views[i].Read = true
	}

	s.publishRead(conversation.ID, userID, markedIDs)
	return views, conversation.PinnedMessageIDs(), nil
}

// MarkRead is the explicit receipt endpoint. An empty id list means "mark the
// whole conversation", matching the fetch side effect.
func (s *ConversationService) MarkRead(conversationID, userID uint, messageIDs []uint) error {
	conversation, err := s.authorized(conversationID, userID)
	if err != nil {
		return err
	}
	markedIDs, err := s.markConversationRead(conversation, userID, messageIDs)
	if err != nil {
		return err
	}
	s.publishRead(conversation.ID, userID, markedIDs)
	return nil
}

// markConversationRead adds the reader to unseen incoming messages and zeroes
// the unread counter. The reset never decrements: a concurrent send landing
// after the reset keeps its fresh increment.
func (s *ConversationService) markConversationRead(conversation *models.Conversation, userID uint, onlyIDs []uint) ([]uint, error) {
	query := s.db.
		Where("conversation_id = ? AND sender_id <> ?", conversation.ID, userID)
	if len(onlyIDs) > 0 {
		query = query.Where("id IN ?", onlyIDs)
	}

	var incoming []models.Message
	if err := query.Find(&incoming).Error; err != nil {
		return nil, errors.Wrap(err, "load unread messages")
	}

	marked := []uint{}
	for i := range incoming {
		message := &incoming[i]
		if message.IsReadBy(userID) {
			continue
		}
		message.AddReader(userID)
		if err := s.db.Model(message).UpdateColumn("read_by", message.ReadBy).Error; err != nil {
			return nil, errors.Wrap(err, "update read receipts")
		}
		marked = append(marked, message.ID)
	}

	err := s.db.Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversation.ID, userID).
		UpdateColumn("unread_count", 0).Error
	if err != nil {
		return nil, errors.Wrap(err, "reset unread count")
	}
	return marked, nil
}

func (s *ConversationService) publishRead(conversationID, readerID uint, messageIDs []uint) {
	if s.events == nil {
		return
	}
	payload := map[string]interface{}{
		"conversationId": conversationID,
		"readBy":         readerID,
	}
	if len(messageIDs) > 0 {
		payload["messageIds"] = messageIDs
	}
	s.events.PublishToConversation(conversationID, "messages:read", payload)
}

// Archive hides the conversation from the user's default list.
func (s *ConversationService) Archive(conversationID, userID uint) error {
	return s.setParticipantFlag(conversationID, userID, "archived", true)
}

func (s *ConversationService) Unarchive(conversationID, userID uint) error {
	return s.setParticipantFlag(conversationID, userID, "archived", false)
}

// DeleteForUser soft-deletes the conversation from this user's list only.
// There is no undelete; the transition is one-way.
func (s *ConversationService) DeleteForUser(conversationID, userID uint) error {
	return s.setParticipantFlag(conversationID, userID, "deleted", true)
}

func (s *ConversationService) setParticipantFlag(conversationID, userID uint, column string, value bool) error {
	if _, err := s.authorized(conversationID, userID); err != nil {
		return err
	}
	row, err := s.ensureParticipantRow(conversationID, userID)
	if err != nil {
		return err
	}
	if err := s.db.Model(row).UpdateColumn(column, value).Error; err != nil {
		return errors.Wrapf(err, "set %s", column)
	}
	return nil
}

func (s *ConversationService) ensureParticipantRow(conversationID, userID uint) (*models.ConversationParticipant, error) {
	var row models.ConversationParticipant
	err := s.db.
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		FirstOrCreate(&row, models.ConversationParticipant{
			ConversationID: conversationID,
			UserID:         userID,
		}).Error
	if err != nil {
		return nil, errors.Wrap(err, "ensure participant state")
	}
	return &row, nil
}

// TotalUnread sums unread counters across the user's non-deleted
// conversations, for the badge count.
func (s *ConversationService) TotalUnread(userID uint) (int, error) {
	var total int
	err := s.db.Model(&models.ConversationParticipant{}).
		Where("user_id = ? AND deleted = ?", userID, false).
		Select("COALESCE(SUM(unread_count), 0)").
		Scan(&total).Error
	if err != nil {
		return 0, errors.Wrap(err, "sum unread counts")
	}
	return total, nil
}

// DeleteMessageForMe hides one message from the requesting user's view only.
func (s *ConversationService) DeleteMessageForMe(conversationID, userID, messageID uint) error {
	if _, err := s.authorized(conversationID, userID); err != nil {
		return err
	}
	if err := s.messageInConversation(conversationID, messageID); err != nil {
		return err
	}
	row, err := s.ensureParticipantRow(conversationID, userID)
	if err != nil {
		return err
	}
	row.HideMessage(messageID)
	if err := s.db.Model(row).UpdateColumn("deleted_messages", row.DeletedMessages).Error; err != nil {
		return errors.Wrap(err, "hide message")
	}
	return nil
}

// DeleteMessageForAll tombstones a message for both participants. The row is
// kept so history ordering is untouched.
func (s *ConversationService) DeleteMessageForAll(conversationID, userID, messageID uint) error {
	if _, err := s.authorized(conversationID, userID); err != nil {
		return err
	}

	var message models.Message
	if err := s.db.Where("conversation_id = ?", conversationID).First(&message, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrMessageNotFound
		}
		return errors.Wrap(err, "load message")
	}
	if message.SenderID != userID {
		return ErrNotSender
	}

	if err := s.db.Model(&message).UpdateColumn("deleted_for_all", true).Error; err != nil {
		return errors.Wrap(err, "tombstone message")
	}

	if s.events != nil {
		s.events.PublishToConversation(conversationID, "message:deleted", map[string]interface{}{
			"conversationId": conversationID,
			"messageId":      messageID,
		})
	}
	return nil
}

// Pin adds a message to the conversation-wide pinned list.
func (s *ConversationService) Pin(conversationID, userID, messageID uint) error {
	conversation, err := s.authorized(conversationID, userID)
	if err != nil {
		return err
	}
	if err := s.messageInConversation(conversationID, messageID); err != nil {
		return err
	}
	conversation.PinMessage(messageID)
	if err := s.db.Model(conversation).UpdateColumn("pinned_messages", conversation.PinnedMessages).Error; err != nil {
		return errors.Wrap(err, "pin message")
	}
	return nil
}

// Unpin removes a message from the pinned list.
func (s *ConversationService) Unpin(conversationID, userID, messageID uint) error {
	conversation, err := s.authorized(conversationID, userID)
	if err != nil {
		return err
	}
	conversation.UnpinMessage(messageID)
	if err := s.db.Model(conversation).UpdateColumn("pinned_messages", conversation.PinnedMessages).Error; err != nil {
		return errors.Wrap(err, "unpin message")
	}
	return nil
}

func (s *ConversationService) messageInConversation(conversationID, messageID uint) error {
	var count int64
	err := s.db.Model(&models.Message{}).
		Where("id = ? AND conversation_id = ?", messageID, conversationID).
		Count(&count).Error
	if err != nil {
		return errors.Wrap(err, "check message")
	}
	if count == 0 {
		return ErrMessageNotFound
	}
	return nil
}

// MessagePreview shortens a message body to the notification preview length.
func MessagePreview(text string) string {
	runes := []rune(text)
	if len(runes) <= messagePreviewLength {
		return text
	}
	return string(runes[:messagePreviewLength])
}
