package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/scrollDynasty/voiceaicargoprime/internal/api/handlers"
)

type Deps struct {
	Webhook *handlers.WebhookHandler
	Calls   *handlers.CallHandler
	Bridge  *handlers.BridgeHandler
}

func RegisterRoutes(r *gin.Engine, d Deps) {
	r.GET("/health", handlers.Health)
	r.GET("/metrics", d.Calls.Metrics)

	// provider-facing
	r.GET("/webhook", d.Webhook.Verify)
	r.POST("/webhook", d.Webhook.Receive)

	// operator-facing
	r.GET("/calls/active", d.Calls.ListActive)
	r.GET("/calls/recent", d.Calls.ListRecent)
	r.GET("/calls/:call_id/transcript", d.Calls.Transcript)
	r.DELETE("/calls/:call_id", d.Calls.Hangup)

	// audio bridge
	r.GET("/ws/call/:call_id", d.Bridge.CallBridge)
}
