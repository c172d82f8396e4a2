package routes

import (
	"log"

	"phoenix-server/services"
	"phoenix-server/storage"
	"phoenix-server/utils"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
	"github.com/pkg/errors"
)

func conversationService() *services.ConversationService {
	return services.NewConversationService(storage.DB, services.Hub)
}

// handleConversationError maps service errors onto the HTTP problem helpers.
func handleConversationError(err error, ctx iris.Context) {
	switch {
	case errors.Is(err, services.ErrSelfConversation):
		utils.CreateError(iris.StatusConflict, "Conflict", "You cannot start a conversation with yourself.", ctx)
	case errors.Is(err, services.ErrEmptyMessage):
		utils.CreateError(iris.StatusBadRequest, "Validation Error", "Message text must not be empty.", ctx)
	case errors.Is(err, services.ErrUserNotFound),
		errors.Is(err, services.ErrConversationNotFound),
		errors.Is(err, services.ErrMessageNotFound):
		utils.CreateNotFound(ctx)
	case errors.Is(err, services.ErrNotParticipant), errors.Is(err, services.ErrNotSender):
		utils.CreateForbidden(ctx)
	default:
		log.Printf("conversation service error: %v", err)
		utils.CreateInternalServerError(ctx)
	}
}

type CreateConversationInput struct {
	TargetID uint `json:"targetID" validate:"required"`
}

// CreateConversation finds or lazily creates the thread with the target user
// and returns it with its full message history.
func CreateConversation(ctx iris.Context) {
	var input CreateConversationInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	claims := jwt.Get(ctx).(*utils.AccessToken)

	view, err := conversationService().CreateOrGet(claims.ID, input.TargetID)
	if err != nil {
		handleConversationError(err, ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true, "conversation": view})
}

// GetConversationsByUserID lists the user's conversations, newest first.
// Conversations the user deleted for themselves are filtered out.
func GetConversationsByUserID(ctx iris.Context) {
	userID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(iris.StatusBadRequest)
		return
	}

	items, listErr := conversationService().ListForUser(userID)
	if listErr != nil {
		handleConversationError(listErr, ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true, "conversations": items})
}

// GetConversationByID returns the metadata projection, without history.
func GetConversationByID(ctx iris.Context) {
	conversationID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(iris.StatusBadRequest)
		return
	}

	claims := jwt.Get(ctx).(*utils.AccessToken)

	view, getErr := conversationService().GetByID(conversationID, claims.ID)
	if getErr != nil {
		handleConversationError(getErr, ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true, "conversation": view})
}

// GetUnreadCount sums unread messages across the user's conversations for
// the badge count.
func GetUnreadCount(ctx iris.Context) {
	claims := jwt.Get(ctx).(*utils.AccessToken)

	total, err := conversationService().TotalUnread(claims.ID)
	if err != nil {
		handleConversationError(err, ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true, "totalUnread": total})
}

// ArchiveConversation hides the conversation from the requester's default
// list. The other participant is unaffected.
func ArchiveConversation(ctx iris.Context) {
	setConversationFlag(ctx, func(conversationID, userID uint) error {
		return conversationService().Archive(conversationID, userID)
	})
}

func UnarchiveConversation(ctx iris.Context) {
	setConversationFlag(ctx, func(conversationID, userID uint) error {
		return conversationService().Unarchive(conversationID, userID)
	})
}

// DeleteConversation soft-deletes the conversation for the requester only.
// The message log and the other participant's view stay intact.
func DeleteConversation(ctx iris.Context) {
	setConversationFlag(ctx, func(conversationID, userID uint) error {
		return conversationService().DeleteForUser(conversationID, userID)
	})
}

func setConversationFlag(ctx iris.Context, op func(conversationID, userID uint) error) {
	conversationID, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(iris.StatusBadRequest)
		return
	}

	claims := jwt.Get(ctx).(*utils.AccessToken)

	if opErr := op(conversationID, claims.ID); opErr != nil {
		handleConversationError(opErr, ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true})
}
