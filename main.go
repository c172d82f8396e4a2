package main

import (
	"fmt"
	"log"
	"os"

	"phoenix-server/routes"
	"phoenix-server/services"
	"phoenix-server/storage"
	"phoenix-server/utils"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

func main() {
	// Only load .env in development
	if os.Getenv("RENDER") == "" {
		godotenv.Load()
	}

	// Initialize services
	storage.InitializeDB()
	storage.InitializeRedis()

	go services.Hub.Run()

	app := iris.New()
	app.Validator = validator.New()

	// CORS configuration
	app.AllowMethods(iris.MethodOptions)
	app.UseRouter(func(ctx iris.Context) {
		ctx.Header("Access-Control-Allow-Origin", ctx.GetHeader("Origin"))
		ctx.Header("Vary", "Origin")
		ctx.Header("Access-Control-Allow-Credentials", "true")
		ctx.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Requested-With")
		ctx.Header("Access-Control-Allow-Methods", "GET,POST,PATCH,PUT,DELETE,OPTIONS")
		if ctx.Method() == iris.MethodOptions {
			ctx.StatusCode(iris.StatusNoContent)
			return
		}
		ctx.Next()
	})

	// Minimal middleware - compression only
	app.Use(iris.Compression)

	// JWT Verifiers
	accessTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(os.Getenv("ACCESS_TOKEN_SECRET")))
	accessTokenVerifier.WithDefaultBlocklist()
	accessTokenVerifierMiddleware := accessTokenVerifier.Verify(func() interface{} {
		return new(utils.AccessToken)
	})

	// Browsers cannot set Authorization headers on websocket dials, so the
	// realtime endpoint also accepts the access token as a query parameter.
	accessTokenVerifier.Extractors = append(accessTokenVerifier.Extractors, func(ctx iris.Context) string {
		return ctx.URLParam("token")
	})

	refreshTokenVerifier := jwt.NewVerifier(jwt.HS256, []byte(os.Getenv("REFRESH_TOKEN_SECRET")))
	refreshTokenVerifier.WithDefaultBlocklist()
	refreshTokenVerifierMiddleware := refreshTokenVerifier.Verify(func() interface{} {
		return new(jwt.Claims)
	})

	refreshTokenVerifier.Extractors = append(refreshTokenVerifier.Extractors, func(ctx iris.Context) string {
		var tokenInput utils.RefreshTokenInput
		err := ctx.ReadJSON(&tokenInput)
		if err != nil {
			return ""
		}
		return tokenInput.RefreshToken
	})

	// Health check endpoint
	app.Get("/health", func(ctx iris.Context) {
		ctx.JSON(iris.Map{"status": "ok"})
	})

	// Routes
	user := app.Party("/api/user")
	{
		user.Post("/register", routes.Register)
		user.Post("/login", routes.Login)
		user.Get("/search", accessTokenVerifierMiddleware, routes.SearchUsers)
		user.Patch("/pushtoken", accessTokenVerifierMiddleware, routes.AlterPushToken)
		user.Patch("/settings/notifications", accessTokenVerifierMiddleware, routes.AllowsNotifications)
		user.Get("/{id}", accessTokenVerifierMiddleware, routes.GetUser)
	}

	conversation := app.Party("/api/conversation")
	{
		conversation.Post("/", accessTokenVerifierMiddleware, routes.CreateConversation)
		conversation.Get("/unread-count", accessTokenVerifierMiddleware, routes.GetUnreadCount)
		conversation.Get("/user/{id}", accessTokenVerifierMiddleware, utils.UserIDMiddleware, routes.GetConversationsByUserID)
		conversation.Get("/{id}", accessTokenVerifierMiddleware, routes.GetConversationByID)
		conversation.Post("/{id}/archive", accessTokenVerifierMiddleware, routes.ArchiveConversation)
		conversation.Post("/{id}/unarchive", accessTokenVerifierMiddleware, routes.UnarchiveConversation)
		conversation.Delete("/{id}", accessTokenVerifierMiddleware, routes.DeleteConversation)
		conversation.Post("/{id}/typing", accessTokenVerifierMiddleware, routes.Typing)
		conversation.Get("/{id}/typing", accessTokenVerifierMiddleware, routes.ListTyping)
	}

	messages := app.Party("/api/messages")
	{
		messages.Post("/", accessTokenVerifierMiddleware, routes.CreateMessage)
		messages.Get("/", accessTokenVerifierMiddleware, routes.GetMessages)
		messages.Post("/read", accessTokenVerifierMiddleware, routes.MarkMessagesRead)
		messages.Post("/delete-for-me", accessTokenVerifierMiddleware, routes.DeleteMessageForMe)
		messages.Post("/delete-for-all", accessTokenVerifierMiddleware, routes.DeleteMessageForAll)
		messages.Post("/pin", accessTokenVerifierMiddleware, routes.PinMessage)
		messages.Post("/unpin", accessTokenVerifierMiddleware, routes.UnpinMessage)
	}

	app.Get("/ws", accessTokenVerifierMiddleware, routes.ServeRealtime)

	app.Post("/api/refresh", refreshTokenVerifierMiddleware, utils.RefreshToken)

	// Get port from environment
	port := os.Getenv("PORT")
	if port == "" {
		port = "4000"
	}
	addr := "0.0.0.0:" + port

	fmt.Printf("🚀 Server starting on %s\n", addr)

	// Start server
	if err := app.Listen(addr); err != nil {
		log.Fatalf("❌ Server failed: %v", err)
	}
}
