package routes

import (
	"encoding/json"
	"log"
	"net/http"

	"phoenix-server/models"
	"phoenix-server/services"
	"phoenix-server/storage"
	"phoenix-server/utils"

	"github.com/gorilla/websocket"
	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/middleware/jwt"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is handled at the router level
	},
}

// realtimeCommand is what clients send over the socket: room subscriptions
// and keepalives. Everything else arrives via the REST API.
type realtimeCommand struct {
	Action         string `json:"action"` // subscribe | unsubscribe | ping
	ConversationID uint   `json:"conversationID"`
}

// ServeRealtime upgrades the request and attaches the session to the hub.
// The client is auto-joined to its personal room; conversation rooms are
// joined via subscribe commands after a participancy check.
func ServeRealtime(ctx iris.Context) {
	claims := jwt.Get(ctx).(*utils.AccessToken)

	conn, err := upgrader.Upgrade(ctx.ResponseWriter(), ctx.Request(), nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := &services.RealtimeClient{
		UserID: claims.ID,
		Conn:   conn,
		Send:   make(chan []byte, 256),
	}

	services.Hub.Register(client)

	go writePump(client)
	go readPump(client)
}

func readPump(client *services.RealtimeClient) {
	defer func() {
		services.Hub.Unregister(client)
		client.Conn.Close()
	}()

	for {
		_, raw, err := client.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		var cmd realtimeCommand
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}

		switch cmd.Action {
		case "subscribe":
			if isParticipant(cmd.ConversationID, client.UserID) {
				services.Hub.Join(client, services.ConversationRoom(cmd.ConversationID))
			}
		case "unsubscribe":
			services.Hub.Leave(client, services.ConversationRoom(cmd.ConversationID))
		case "ping":
			services.Hub.RefreshPresence(client.UserID)
		}
	}
}

func writePump(client *services.RealtimeClient) {
	defer client.Conn.Close()

	for message := range client.Send {
		if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
}

func isParticipant(conversationID, userID uint) bool {
	var conversation models.Conversation
	if err := storage.DB.First(&conversation, conversationID).Error; err != nil {
		return false
	}
	return conversation.HasParticipant(userID)
}
