package routes

import (
	"encoding/json"
	"strings"

	"phoenix-server/models"
	"phoenix-server/services"
	"phoenix-server/storage"
	"phoenix-server/utils"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
	"golang.org/x/crypto/bcrypt"
)

func Register(ctx iris.Context) {
	var userInput RegisterUserInput
	err := ctx.ReadJSON(&userInput)
	if err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var newUser models.User
	userExists, userExistsErr := getAndHandleUserExists(&newUser, userInput.Email)
	if userExistsErr != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	if userExists == true {
		utils.CreateEmailAlreadyRegistered(ctx)
		return
	}

	hashedPassword, hashErr := hashAndSaltPassword(userInput.Password)
	if hashErr != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	newUser = models.User{
		FirstName: userInput.FirstName,
		LastName:  userInput.LastName,
		Email:     strings.ToLower(userInput.Email),
		Password:  hashedPassword}

	storage.DB.Create(&newUser)

	returnUser(newUser, ctx)
}

func Login(ctx iris.Context) {
	var userInput LoginUserInput
	err := ctx.ReadJSON(&userInput)
	if err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	var existingUser models.User
	errorMsg := "Invalid email or password."
	userExists, userExistsErr := getAndHandleUserExists(&existingUser, userInput.Email)
	if userExistsErr != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	if userExists == false {
		utils.CreateError(iris.StatusUnauthorized, "Credentials Error", errorMsg, ctx)
		return
	}

	passwordErr := bcrypt.CompareHashAndPassword([]byte(existingUser.Password), []byte(userInput.Password))
	if passwordErr != nil {
		utils.CreateError(iris.StatusUnauthorized, "Credentials Error", errorMsg, ctx)
		return
	}

	returnUser(existingUser, ctx)
}

// SearchUsers allows searching users by name or email (auth required)
func SearchUsers(ctx iris.Context) {
	q := ctx.URLParamDefault("q", "")
	limit := ctx.URLParamIntDefault("limit", 20)
	if limit <= 0 || limit > 50 {
		limit = 20
	}
	if len(q) < 1 {
		ctx.JSON(iris.Map{"success": true, "users": []interface{}{}})
		return
	}
	var users []models.User
	search := "%" + q + "%"
	storage.DB.Limit(limit).
		Where("lower(first_name) LIKE lower(?) OR lower(last_name) LIKE lower(?) OR lower(email) LIKE lower(?)", search, search, search).
		Select("id, first_name, last_name, avatar_url").
		Find(&users)
	ctx.JSON(iris.Map{"success": true, "users": users})
}

// GetUser resolves a user's public identity, with live online status from
// the realtime gateway.
func GetUser(ctx iris.Context) {
	id, err := ctx.Params().GetUint("id")
	if err != nil {
		ctx.StopWithStatus(iris.StatusBadRequest)
		return
	}

	var user models.User
	if dbErr := storage.DB.First(&user, id).Error; dbErr != nil {
		utils.CreateNotFound(ctx)
		return
	}

	ctx.JSON(iris.Map{
		"success": true,
		"user": iris.Map{
			"ID":        user.ID,
			"firstName": user.FirstName,
			"lastName":  user.LastName,
			"avatarURL": user.AvatarURL,
			"online":    services.Hub.IsUserOnline(user.ID),
		},
	})
}

type AlterPushTokenInput struct {
	Token string `json:"token" validate:"required"`
	Op    string `json:"op" validate:"required,oneof=add remove"`
}

// AlterPushToken adds or removes a device push token for the caller.
func AlterPushToken(ctx iris.Context) {
	var input AlterPushTokenInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	claims := jwt.Get(ctx).(*utils.AccessToken)

	var user models.User
	if err := storage.DB.First(&user, claims.ID).Error; err != nil {
		utils.CreateNotFound(ctx)
		return
	}

	tokens := user.PushTokenList()
	switch input.Op {
	case "add":
		exists := false
		for _, t := range tokens {
			if t == input.Token {
				exists = true
				break
			}
		}
		if !exists {
			tokens = append(tokens, input.Token)
		}
	case "remove":
		filtered := tokens[:0]
		for _, t := range tokens {
			if t != input.Token {
				filtered = append(filtered, t)
			}
		}
		tokens = filtered
	}

	data, _ := json.Marshal(tokens)
	if err := storage.DB.Model(&user).Update("push_tokens", data).Error; err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true})
}

type AllowsNotificationsInput struct {
	AllowsNotifications *bool `json:"allowsNotifications" validate:"required"`
}

// AllowsNotifications toggles push delivery for the caller.
func AllowsNotifications(ctx iris.Context) {
	var input AllowsNotificationsInput
	if err := ctx.ReadJSON(&input); err != nil {
		utils.HandleValidationErrors(err, ctx)
		return
	}

	claims := jwt.Get(ctx).(*utils.AccessToken)

	if err := storage.DB.Model(&models.User{}).
		Where("id = ?", claims.ID).
		Update("allows_notifications", input.AllowsNotifications).Error; err != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	ctx.JSON(iris.Map{"success": true})
}

func getAndHandleUserExists(user *models.User, email string) (exists bool, err error) {
	userExistsQuery := storage.DB.Where("email = ?", strings.ToLower(email)).Limit(1).Find(&user)

	if userExistsQuery.Error != nil {
		return false, userExistsQuery.Error
	}

	userExists := userExistsQuery.RowsAffected > 0

	if userExists == true {
		return true, nil
	}

	return false, nil
}

func hashAndSaltPassword(password string) (hashedPassword string, err error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return "", err
	}

	return string(bytes), nil
}

func returnUser(user models.User, ctx iris.Context) {
	tokenPair, tokenErr := utils.CreateTokenPair(user.ID)
	if tokenErr != nil {
		utils.CreateInternalServerError(ctx)
		return
	}

	ctx.JSON(iris.Map{
		"ID":           user.ID,
		"firstName":    user.FirstName,
		"lastName":     user.LastName,
		"email":        user.Email,
		"avatarURL":    user.AvatarURL,
		"accessToken":  string(tokenPair.AccessToken),
		"refreshToken": string(tokenPair.RefreshToken),
	})
}

type RegisterUserInput struct {
	FirstName string `json:"firstName" validate:"required,max=256"`
	LastName  string `json:"lastName" validate:"required,max=256"`
	Email     string `json:"email" validate:"required,max=256,email"`
	Password  string `json:"password" validate:"required,min=8,max=256"`
}

type LoginUserInput struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}
