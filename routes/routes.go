package routes

import (
	"log/slog"
	"net/http"

	"chathub/controllers"
	"chathub/middlewares"
	"chathub/services"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Deps carries everything the router hands to controllers and middlewares.
type Deps struct {
	Relay       *services.RelayService
	History     *services.HistoryService
	Catalog     *services.CatalogService
	Users       services.UserStore
	DB          controllers.Pinger
	Clock       *services.Clock
	Gatherer    prometheus.Gatherer
	CORSOrigins []string
	Logger      *slog.Logger
}

func SetupRouter(d Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middlewares.CORS(d.CORSOrigins))
	r.Use(middlewares.Logger(d.Logger))

	chat := controllers.NewChatController(d.Relay, d.Logger)
	conversations := controllers.NewConversationController(d.History)
	health := controllers.NewHealthController(d.DB, d.Clock)
	catalog := controllers.NewModelController(d.Catalog)

	r.GET("/api/health", health.Health)
	r.GET("/api/models", catalog.GetModels)
	if d.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}

	authed := r.Group("/", middlewares.Auth(d.Users, d.Logger))

	// チャット
	for _, prefix := range []string{"/chat", "/api/chat"} {
		authed.POST(prefix, chat.HandleChat)
		authed.POST(prefix+"/stream", chat.HandleChatStream)
	}

	// 会話履歴
	authed.GET("/api/conversations", conversations.GetConversations)
	authed.GET("/api/conversations/:id/messages", conversations.GetMessages)
	authed.PUT("/api/conversations/:id", conversations.RenameConversation)
	authed.DELETE("/api/conversations/:id", conversations.DeleteConversation)
	authed.GET("/api/stats", conversations.GetStats)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	})
	return r
}
