package routes

import (
	"fmt"
	"time"

	"phoenix-server/models"
	"phoenix-server/storage"
	"phoenix-server/utils"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

// Typing indicator: set a short-lived key in Redis for 5 seconds
func Typing(ctx iris.Context) {
	claims := jwt.Get(ctx).(*utils.AccessToken)
	conversationID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(iris.StatusBadRequest)
		return
	}

	if _, failed := loadParticipantConversation(conversationID, claims.ID, ctx); failed {
		return
	}

	key := typingKey(conversationID, claims.ID)
	storage.Redis.Set(ctx, key, "1", 5*time.Second)
	ctx.JSON(iris.Map{"success": true})
}

// ListTyping reports whether the other participant is typing right now.
func ListTyping(ctx iris.Context) {
	claims := jwt.Get(ctx).(*utils.AccessToken)
	conversationID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(iris.StatusBadRequest)
		return
	}

	conversation, failed := loadParticipantConversation(conversationID, claims.ID, ctx)
	if failed {
		return
	}

	otherID := conversation.OtherParticipantID(claims.ID)
	typing := []iris.Map{}
	key := typingKey(conversationID, otherID)
	if val, err := storage.Redis.Get(ctx, key).Result(); err == nil && val == "1" {
		other := conversation.ParticipantTwo
		if conversation.ParticipantOneID == otherID {
			other = conversation.ParticipantOne
		}
		typing = append(typing, iris.Map{
			"userID": otherID,
			"name":   other.DisplayName(),
		})
	}
	ctx.JSON(iris.Map{"success": true, "typing": typing})
}

// loadParticipantConversation fetches the conversation and enforces
// participancy, writing the response itself on failure.
func loadParticipantConversation(conversationID, userID uint, ctx iris.Context) (*models.Conversation, bool) {
	var conversation models.Conversation
	if err := storage.DB.
		Preload("ParticipantOne").
		Preload("ParticipantTwo").
		First(&conversation, conversationID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return nil, true
	}
	if !conversation.HasParticipant(userID) {
		utils.CreateForbidden(ctx)
		return nil, true
	}
	return &conversation, false
}

func typingKey(conversationID uint, userID uint) string {
	return fmt.Sprintf("typing:conv:%d:user:%d", conversationID, userID)
}
