package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lanewaylabs/sessionsync/internal/backend"
	"github.com/lanewaylabs/sessionsync/internal/common"
	"github.com/lanewaylabs/sessionsync/internal/config"
	"github.com/lanewaylabs/sessionsync/internal/httpapi/handlers"
	"github.com/lanewaylabs/sessionsync/internal/httpapi/middleware"
)

func NewRouter(svc *backend.Service, cfg config.Config) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.Recovery())
	r.Use(middleware.RequestID())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(svc, cfg)

	r.GET("/ping", h.Ping)

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.GET("/sessions", h.ListSessions)
	authGroup.GET("/sessions/:key", h.GetSession)
	authGroup.GET("/sessions/:key/messages", h.GetHistory)
	authGroup.POST("/sessions/:key/messages", h.AppendMessage)
	authGroup.DELETE("/sessions/:key/messages", h.ClearHistory)
	authGroup.GET("/sessions/:key/context", h.GetContext)
	return r
}
