package models

import (
	"encoding/json"
	"time"

	"golang.org/x/exp/slices"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Conversation is the shared container for a two-party message thread.
// ParticipantOneID is always the smaller user id so that the unique index
// makes create-or-get idempotent for the unordered pair.
type Conversation struct {
	gorm.Model
	ParticipantOneID uint `json:"participantOneID" gorm:"not null;uniqueIndex:idx_conversation_pair"`
	ParticipantTwoID uint `json:"participantTwoID" gorm:"not null;uniqueIndex:idx_conversation_pair"`
	ParticipantOne   User `json:"participantOne" gorm:"foreignKey:ParticipantOneID"`
	ParticipantTwo   User `json:"participantTwo" gorm:"foreignKey:ParticipantTwoID"`

	LastMessageID   *uint     `json:"lastMessageID"`
	LastMessage     *Message  `json:"lastMessage" gorm:"foreignKey:LastMessageID"`
	LastMessageTime time.Time `json:"lastMessageTime" gorm:"index"`

	// PinnedMessages is an ordered list of message ids, shared by both
	// participants (pinning is conversation-wide).
	PinnedMessages datatypes.JSON `json:"pinnedMessages"`

	Participants []ConversationParticipant `json:"participants"`
}

// ConversationParticipant carries one user's private view of a conversation.
// A missing row is equivalent to a row of zero values; nothing here ever
// affects the other participant's state.
type ConversationParticipant struct {
	gorm.Model
	ConversationID uint `json:"conversationID" gorm:"not null;uniqueIndex:idx_participant_conv_user"`
	UserID         uint `json:"userID" gorm:"not null;uniqueIndex:idx_participant_conv_user;index"`
	User           User `json:"user"`

	UnreadCount int  `json:"unreadCount" gorm:"not null;default:0"`
	Archived    bool `json:"archived" gorm:"not null;default:false"`
	Deleted     bool `json:"deleted" gorm:"not null;default:false"`

	// DeletedMessages lists message ids hidden from this user only.
	DeletedMessages datatypes.JSON `json:"deletedMessages"`
}

// DeletedMessageIDs decodes the hidden-message list; empty slice when unset.
func (p *ConversationParticipant) DeletedMessageIDs() []uint {
	ids := []uint{}
	if p.DeletedMessages != nil {
		json.Unmarshal(p.DeletedMessages, &ids)
	}
	return ids
}

// HideMessage adds a message id to this user's hidden list.
func (p *ConversationParticipant) HideMessage(messageID uint) {
	ids := p.DeletedMessageIDs()
	if slices.Contains(ids, messageID) {
		return
	}
	ids = append(ids, messageID)
	data, _ := json.Marshal(ids)
	p.DeletedMessages = datatypes.JSON(data)
}

// NormalizePair orders a participant pair for storage and lookup.
func NormalizePair(a, b uint) (uint, uint) {
	if a > b {
		return b, a
	}
	return a, b
}

// HasParticipant reports whether the user belongs to this conversation.
func (c *Conversation) HasParticipant(userID uint) bool {
	return c.ParticipantOneID == userID || c.ParticipantTwoID == userID
}

// OtherParticipantID resolves the peer of the given user. The caller must
// have checked participancy first.
func (c *Conversation) OtherParticipantID(userID uint) uint {
	if c.ParticipantOneID == userID {
		return c.ParticipantTwoID
	}
	return c.ParticipantOneID
}

// PinnedMessageIDs decodes the pinned list; empty slice when unset.
func (c *Conversation) PinnedMessageIDs() []uint {
	ids := []uint{}
	if c.PinnedMessages != nil {
		json.Unmarshal(c.PinnedMessages, &ids)
	}
	return ids
}

// PinMessage appends a message id to the pinned list if not already pinned.
func (c *Conversation) PinMessage(messageID uint) {
	ids := c.PinnedMessageIDs()
	if slices.Contains(ids, messageID) {
		return
	}
	ids = append(ids, messageID)
	data, _ := json.Marshal(ids)
	c.PinnedMessages = datatypes.JSON(data)
}

// UnpinMessage removes a message id from the pinned list.
func (c *Conversation) UnpinMessage(messageID uint) {
	ids := c.PinnedMessageIDs()
	idx := slices.Index(ids, messageID)
	if idx < 0 {
		return
	}
	ids = append(ids[:idx], ids[idx+1:]...)
	data, _ := json.Marshal(ids)
	c.PinnedMessages = datatypes.JSON(data)
}

// ParticipantState returns the per-user row for the given user, or a zero
// value row when none exists yet (absence means "never touched").
func (c *Conversation) ParticipantState(userID uint) ConversationParticipant {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return ConversationParticipant{ConversationID: c.ID, UserID: userID}
}
