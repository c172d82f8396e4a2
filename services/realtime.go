package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"phoenix-server/storage"

	"github.com/gorilla/websocket"
)

const presenceTTL = 60 * time.Second

var realtimeContext = context.Background()

// RealtimeClient is one connected websocket session. A user can hold several
// sessions at once (web + mobile).
type RealtimeClient struct {
	UserID uint
	Conn   *websocket.Conn
	Send   chan []byte
}

type roomPayload struct {
	Room    string
	Message []byte
}

// RealtimeHub fans events out to room-addressed clients. Every client is in
// its personal "user:{id}" room; conversation rooms are joined on demand.
type RealtimeHub struct {
	rooms      map[string]map[*RealtimeClient]bool
	sessions   map[uint]int // userID -> open session count
	register   chan *RealtimeClient
	unregister chan *RealtimeClient
	broadcast  chan roomPayload
	mutex      sync.RWMutex
}

func NewRealtimeHub() *RealtimeHub {
	return &RealtimeHub{
		rooms:      make(map[string]map[*RealtimeClient]bool),
		sessions:   make(map[uint]int),
		register:   make(chan *RealtimeClient),
		unregister: make(chan *RealtimeClient),
		broadcast:  make(chan roomPayload, 256),
	}
}

// Hub is the process-wide gateway instance, started from main.
var Hub = NewRealtimeHub()

func UserRoom(userID uint) string {
	return fmt.Sprintf("user:%d", userID)
}

func ConversationRoom(conversationID uint) string {
	return fmt.Sprintf("conversation:%d", conversationID)
}

// Run processes register/unregister/broadcast events. Call once, in its own
// goroutine.
func (h *RealtimeHub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mutex.Lock()
			h.joinLocked(client, UserRoom(client.UserID))
			h.sessions[client.UserID]++
			first := h.sessions[client.UserID] == 1
			h.mutex.Unlock()
			if first {
				h.setPresence(client.UserID)
			}
			log.Printf("Realtime client connected: user %d", client.UserID)

		case client := <-h.unregister:
			h.mutex.Lock()
			removed := false
			for room, members := range h.rooms {
				if members[client] {
					delete(members, client)
					removed = true
					if len(members) == 0 {
						delete(h.rooms, room)
					}
				}
			}
			last := false
			if h.sessions[client.UserID] > 0 {
				h.sessions[client.UserID]--
				if h.sessions[client.UserID] == 0 {
					delete(h.sessions, client.UserID)
					last = true
				}
			}
			// Close once per connected client so its write pump exits,
			// even if the shared session counter is out of step.
			if removed {
				close(client.Send)
			}
			h.mutex.Unlock()
			if last {
				h.clearPresence(client.UserID)
			}
			log.Printf("Realtime client disconnected: user %d", client.UserID)

		case payload := <-h.broadcast:
			h.mutex.RLock()
			for client := range h.rooms[payload.Room] {
				select {
				case client.Send <- payload.Message:
				default:
					// slow consumer, drop the event rather than block the hub
				}
			}
			h.mutex.RUnlock()
		}
	}
}

func (h *RealtimeHub) Register(client *RealtimeClient) {
	h.register <- client
}

func (h *RealtimeHub) Unregister(client *RealtimeClient) {
	h.unregister <- client
}

// Join subscribes a client to a room. Participancy checks happen at the
// transport layer before calling this.
func (h *RealtimeHub) Join(client *RealtimeClient, room string) {
	h.mutex.Lock()
	h.joinLocked(client, room)
	h.mutex.Unlock()
}

func (h *RealtimeHub) joinLocked(client *RealtimeClient, room string) {
	if h.rooms[room] == nil {
		h.rooms[room] = make(map[*RealtimeClient]bool)
	}
	h.rooms[room][client] = true
}

func (h *RealtimeHub) Leave(client *RealtimeClient, room string) {
	h.mutex.Lock()
	if members, ok := h.rooms[room]; ok {
		delete(members, client)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	h.mutex.Unlock()
}

// IsUserOnline reports whether the user has at least one live session. Falls
// back to the Redis presence key so sessions held by another instance count.
func (h *RealtimeHub) IsUserOnline(userID uint) bool {
	h.mutex.RLock()
	online := h.sessions[userID] > 0
	h.mutex.RUnlock()
	if online {
		return true
	}
	if storage.Redis == nil {
		return false
	}
	val, err := storage.Redis.Get(realtimeContext, presenceKey(userID)).Result()
	return err == nil && val == "1"
}

// PublishToConversation pushes an event to everyone attached to the
// conversation's room. Fire and forget.
func (h *RealtimeHub) PublishToConversation(conversationID uint, event string, payload map[string]interface{}) {
	h.publish(ConversationRoom(conversationID), event, payload)
}

// PublishToUser pushes an event to all of the user's sessions.
func (h *RealtimeHub) PublishToUser(userID uint, event string, payload map[string]interface{}) {
	h.publish(UserRoom(userID), event, payload)
}

func (h *RealtimeHub) publish(room, event string, payload map[string]interface{}) {
	data, err := json.Marshal(map[string]interface{}{
		"event": event,
		"data":  payload,
	})
	if err != nil {
		log.Printf("Failed to marshal realtime event %s: %v", event, err)
		return
	}
	select {
	case h.broadcast <- roomPayload{Room: room, Message: data}:
	default:
		log.Printf("Realtime broadcast queue full, dropping event %s for %s", event, room)
	}
}

func (h *RealtimeHub) setPresence(userID uint) {
	if storage.Redis == nil {
		return
	}
	storage.Redis.Set(realtimeContext, presenceKey(userID), "1", presenceTTL)
}

func (h *RealtimeHub) clearPresence(userID uint) {
	if storage.Redis == nil {
		return
	}
	storage.Redis.Del(realtimeContext, presenceKey(userID))
}

// RefreshPresence re-arms the presence TTL; the transport layer calls this on
// websocket pings so a live connection never expires.
func (h *RealtimeHub) RefreshPresence(userID uint) {
	h.setPresence(userID)
}

func presenceKey(userID uint) string {
	return fmt.Sprintf("presence:user:%d", userID)
}
