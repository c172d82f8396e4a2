package models

import (
	"encoding/json"

	"golang.org/x/exp/slices"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// DeletedMessagePlaceholder replaces the text of a message deleted for everyone.
// The row itself is kept so the thread keeps its original ordering.
const DeletedMessagePlaceholder = "This message was deleted"

type Message struct {
	gorm.Model
	ConversationID uint `json:"conversationID" gorm:"not null;index"`
	SenderID       uint `json:"senderID" gorm:"not null;index"`
	Sender         User `json:"sender" gorm:"foreignKey:SenderID"`

	Text string `json:"text" gorm:"type:text"`

	// ReadBy holds the ids of users who have seen this message. A message
	// always starts read by its sender.
	ReadBy datatypes.JSON `json:"readBy"`

	DeletedForAll bool `json:"deletedForAll" gorm:"not null;default:false"`
}

// ReadByIDs decodes the read-receipt set; empty slice when unset.
func (m *Message) ReadByIDs() []uint {
	ids := []uint{}
	if m.ReadBy != nil {
		json.Unmarshal(m.ReadBy, &ids)
	}
	return ids
}

// IsReadBy reports whether the given user has seen this message.
func (m *Message) IsReadBy(userID uint) bool {
	return slices.Contains(m.ReadByIDs(), userID)
}

// AddReader adds the user to the read set if not already present.
func (m *Message) AddReader(userID uint) {
	ids := m.ReadByIDs()
	if slices.Contains(ids, userID) {
		return
	}
	ids = append(ids, userID)
	data, _ := json.Marshal(ids)
	m.ReadBy = datatypes.JSON(data)
}

// DisplayText is the text shown to clients, with the tombstone substituted
// for messages deleted for everyone.
func (m *Message) DisplayText() string {
	if m.DeletedForAll {
		return DeletedMessagePlaceholder
	}
	return m.Text
}

// ReadBySet builds the initial ReadBy column for a new message.
func ReadBySet(userIDs ...uint) datatypes.JSON {
	data, _ := json.Marshal(userIDs)
	return datatypes.JSON(data)
}
