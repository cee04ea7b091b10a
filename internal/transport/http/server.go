package http

import (
	"time"

	"github.com/gin-gonic/gin"

	appsvc "constructbot/internal/app"
	"constructbot/internal/bootstrap"
	"constructbot/internal/transport/http/handler"
	"constructbot/internal/transport/http/middleware"
)

func NewRouter(app *bootstrap.App) *gin.Engine {
	gin.SetMode(app.Config.App.GinMode)
	router := gin.New()
	router.Use(gin.Logger(), gin.Recovery())

	healthHandler := handler.NewHealthHandler(app)
	router.StaticFile("/", "web/index.html")
	router.GET("/healthz", healthHandler.Check)

	authService := appsvc.NewAuthService(
		app.UserRepo,
		app.Config.Auth.JWTSecret,
		time.Duration(app.Config.Auth.JWTExpireMinute)*time.Minute,
	)
	authHandler := handler.NewAuthHandler(authService)
	chatHandler := handler.NewChatHandler(app.ChatService)
	glossaryHandler := handler.NewGlossaryHandler(app.Glossary)

	v1 := router.Group("/api/v1")
	authGroup := v1.Group("/auth")
	authGroup.POST("/register", authHandler.Register)
	authGroup.POST("/login", authHandler.Login)
	authGroup.GET("/me", middleware.AuthJWT(app.Config.Auth.JWTSecret), authHandler.Me)

	glossaryGroup := v1.Group("/glossary")
	glossaryGroup.GET("/terms", glossaryHandler.ListTerms)
	glossaryGroup.GET("/lookup", glossaryHandler.LookupTerm)

	chatGroup := v1.Group("/chat")
	chatGroup.Use(middleware.AuthJWT(app.Config.Auth.JWTSecret))
	chatGroup.POST("/sessions", chatHandler.CreateSession)
	chatGroup.GET("/sessions", chatHandler.ListSessions)
	chatGroup.DELETE("/sessions/:id", chatHandler.DeleteSession)
	chatGroup.POST("/messages", chatHandler.SendMessage)
	chatGroup.POST("/messages/stream", chatHandler.StreamMessage)
	chatGroup.GET("/history", chatHandler.GetHistory)

	return router
}
