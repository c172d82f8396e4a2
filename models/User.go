package models

import (
	"encoding/json"

	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type User struct {
	gorm.Model
	FirstName           string         `json:"firstName"`
	LastName            string         `json:"lastName"`
	Email               string         `json:"email" gorm:"uniqueIndex"`
	Password            string         `json:"-"`
	AvatarURL           string         `json:"avatarURL"`
	Bio                 string         `json:"bio"`
	EcoPoints           int            `json:"ecoPoints" gorm:"not null;default:0"`
	PushTokens          datatypes.JSON `json:"pushTokens"`
	AllowsNotifications *bool          `json:"allowsNotifications"`
	Role                string         `json:"role" gorm:"type:varchar(20);default:user;index"` // user, admin
}

// DisplayName is the name shown to the other participant in a conversation.
func (u *User) DisplayName() string {
	if u.LastName == "" {
		return u.FirstName
	}
	return u.FirstName + " " + u.LastName
}

// PushTokenList decodes the stored push token JSON; empty slice when unset.
func (u *User) PushTokenList() []string {
	tokens := []string{}
	if u.PushTokens != nil {
		json.Unmarshal(u.PushTokens, &tokens)
	}
	return tokens
}

// Custom JSON marshaling so JSON columns render as arrays, not raw bytes
func (u *User) MarshalJSON() ([]byte, error) {
	type Alias User
	aux := &struct {
		PushTokens []string `json:"pushTokens,omitempty"`
		*Alias
	}{
		PushTokens: u.PushTokenList(),
		Alias:      (*Alias)(u),
	}
	return json.Marshal(aux)
}
