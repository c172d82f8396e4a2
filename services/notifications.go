package services

import (
	"fmt"
	"log"

	"phoenix-server/models"
	"phoenix-server/storage"
	"phoenix-server/utils"
)

// NotificationService handles push notification delivery. Everything here is
// best-effort: the conversation state is already durable when it runs.
type NotificationService struct{}

// NewNotificationService creates a new notification service instance
func NewNotificationService() *NotificationService {
	return &NotificationService{}
}

// NotificationData represents the data payload for notifications
type NotificationData struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversationId,omitempty"`
	UserID         string `json:"userId,omitempty"`
	// Deep linking data
	Screen string `json:"screen"`
	Params string `json:"params"`
}

// getUserPushTokens retrieves all push tokens for a user
func (ns *NotificationService) getUserPushTokens(userID uint) ([]string, error) {
	var user models.User
	if err := storage.DB.First(&user, userID).Error; err != nil {
		return nil, fmt.Errorf("user not found: %v", err)
	}

	if user.AllowsNotifications == nil || !*user.AllowsNotifications {
		return nil, fmt.Errorf("user has notifications disabled")
	}

	tokens := user.PushTokenList()
	if len(tokens) == 0 {
		return nil, fmt.Errorf("user has no push tokens")
	}
	return tokens, nil
}

// SendNotificationToUser sends a notification to every device of a user
func (ns *NotificationService) SendNotificationToUser(userID uint, title, body string, data NotificationData) error {
	tokens, err := ns.getUserPushTokens(userID)
	if err != nil {
		log.Printf("Failed to get push tokens for user %d: %v", userID, err)
		return err
	}

	dataMap := map[string]string{
		"type":           data.Type,
		"conversationId": data.ConversationID,
		"userId":         data.UserID,
		"screen":         data.Screen,
		"params":         data.Params,
	}

	var lastError error
	for _, token := range tokens {
		if err := utils.SendNotification(token, title, body, dataMap); err != nil {
			log.Printf("Failed to send notification to token %s: %v", token, err)
			lastError = err
		}
	}

	return lastError
}

// SendMessageNotification notifies the recipient of a new chat message.
func (ns *NotificationService) SendMessageNotification(recipientID, senderID, conversationID uint, senderName, preview string) error {
	title := "💬 New Message"
	body := fmt.Sprintf("%s: %s", senderName, preview)

	params := fmt.Sprintf(`{"conversationId": %d, "senderId": %d, "senderName": "%s"}`, conversationID, senderID, senderName)

	data := NotificationData{
		Type:           "message_received",
		ConversationID: fmt.Sprintf("%d", conversationID),
		UserID:         fmt.Sprintf("%d", senderID),
		Screen:         "Messages",
		Params:         params,
	}

	return ns.SendNotificationToUser(recipientID, title, body, data)
}
