package routes

import (
	"phoenix-server/services"
	"phoenix-server/utils"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

type CreateMessageInput struct {
	ConversationID uint   `json:"conversationID" validate:"required"`
	Text           string `json:"text" validate:"required,lt=5000"`
}

// CreateMessage appends a message to a conversation. The realtime events go
// out only after the message and the counter update are persisted; the push
// notification is fired in the background.
func CreateMessage(ctx iris.Context) {
	var input CreateMessageInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	claims := jwt.Get(ctx).(*utils.AccessToken)

	view, err := conversationService().Send(input.ConversationID, claims.ID, input.Text)
	if err != nil {
		handleConversationError(err, ctx)
		return
	}

	conversation, getErr := conversationService().GetByID(input.ConversationID, claims.ID)
	if getErr == nil {
		notificationService := services.NewNotificationService()
		go notificationService.SendMessageNotification(
			conversation.OtherParticipant.ID,
			claims.ID,
			input.ConversationID,
			view.SenderName,
			services.MessagePreview(view.Text),
		)
	}

	ctx.JSON(iris.Map{"success": true, "message": view})
}

// GetMessages: GET /api/messages?conversationID=...
// Fetching is the implicit read receipt: every incoming message is marked
// read and the requester's unread counter resets to zero.
func GetMessages(ctx iris.Context) {
	conversationID, err := ctx.URLParamInt("conversationID")
	if err != nil || conversationID <= 0 {
		ctx.StopWithStatus(iris.StatusBadRequest)
		return
	}

	claims := jwt.Get(ctx).(*utils.AccessToken)

	messages, pinned, fetchErr := conversationService().Messages(uint(conversationID), claims.ID)
	if fetchErr != nil {
		handleConversationError(fetchErr, ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true, "messages": messages, "pinnedMessages": pinned})
}

type MarkMessagesReadInput struct {
	ConversationID uint   `json:"conversationID" validate:"required"`
	MessageIDs     []uint `json:"messageIDs"`
}

// MarkMessagesRead is the explicit receipt endpoint for clients that want to
// mark a subset without fetching. An empty list marks the whole conversation.
func MarkMessagesRead(ctx iris.Context) {
	var input MarkMessagesReadInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	claims := jwt.Get(ctx).(*utils.AccessToken)

	if err := conversationService().MarkRead(input.ConversationID, claims.ID, input.MessageIDs); err != nil {
		handleConversationError(err, ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true})
}

type MessageActionInput struct {
	ConversationID uint `json:"conversationID" validate:"required"`
	MessageID      uint `json:"messageID" validate:"required"`
}

// DeleteMessageForMe hides a message from the requester's view only.
func DeleteMessageForMe(ctx iris.Context) {
	messageAction(ctx, func(conversationID, userID, messageID uint) error {
		return conversationService().DeleteMessageForMe(conversationID, userID, messageID)
	})
}

// DeleteMessageForAll replaces the message with a tombstone for both sides.
// Only the sender may do this.
func DeleteMessageForAll(ctx iris.Context) {
	messageAction(ctx, func(conversationID, userID, messageID uint) error {
		return conversationService().DeleteMessageForAll(conversationID, userID, messageID)
	})
}

// PinMessage pins a message for both participants.
func PinMessage(ctx iris.Context) {
	messageAction(ctx, func(conversationID, userID, messageID uint) error {
		return conversationService().Pin(conversationID, userID, messageID)
	})
}

func UnpinMessage(ctx iris.Context) {
	messageAction(ctx, func(conversationID, userID, messageID uint) error {
		return conversationService().Unpin(conversationID, userID, messageID)
	})
}

func messageAction(ctx iris.Context, op func(conversationID, userID, messageID uint) error) {
	var input MessageActionInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	claims := jwt.Get(ctx).(*utils.AccessToken)

	if err := op(input.ConversationID, claims.ID, input.MessageID); err != nil {
		handleConversationError(err, ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true})
}
