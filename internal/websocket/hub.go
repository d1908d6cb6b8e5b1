package websocket

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"

	"github.com/styleshot/api/internal/model"
)

const heartbeatInterval = 30 * time.Second

// TaskReader is the read-only task view the hub uses to answer status
// requests. The task service implements it.
type TaskReader interface {
	GetTask(ctx context.Context, id string) (*model.GenerationTask, error)
	ListAllTasks(ctx context.Context) ([]*model.GenerationTask, error)
}

// Client represents one connected WebSocket client.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte
}

type unicast struct {
	clientID string
	payload  []byte
}

// Hub maintains the set of live connections and fans task events out to
// them. A single goroutine owns the client set; register, unregister, and
// delivery all flow through its channels, so broadcast iteration never races
// a disconnect.
type Hub struct {
	clients map[string]*Client

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	unicasts   chan unicast

	mu sync.RWMutex
}

// NewHub creates a new Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		unicasts:   make(chan unicast, 256),
	}
}

// Run starts the hub's main loop.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			h.greet(client)
			log.Printf("Client %s connected", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.Send)
			}
			h.mu.Unlock()
			log.Printf("Client %s disconnected", client.ID)

		case payload := <-h.broadcast:
			h.mu.Lock()
			for id, client := range h.clients {
				select {
				case client.Send <- payload:
				default:
					// Slow or dead client; drop it without blocking the rest.
					close(client.Send)
					delete(h.clients, id)
				}
			}
			h.mu.Unlock()

		case msg := <-h.unicasts:
			h.mu.RLock()
			client, ok := h.clients[msg.clientID]
			h.mu.RUnlock()
			if !ok {
				continue
			}
			select {
			case client.Send <- msg.payload:
			default:
			}
		}
	}
}

// Register adds a new client.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

func (h *Hub) greet(client *Client) {
	env, err := model.NewEnvelope(model.MessageTypeConnectionEstablished, model.ConnectionEstablishedData{ClientID: client.ID})
	if err != nil {
		return
	}
	payload, _ := json.Marshal(env)
	select {
	case client.Send <- payload:
	default:
	}
}

// Broadcast delivers an envelope to every connected client, best-effort.
func (h *Hub) Broadcast(env *model.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("Failed to marshal broadcast message: %v", err)
		return
	}
	h.broadcast <- payload
}

// SendTo delivers an envelope to a single client, best-effort.
func (h *Hub) SendTo(clientID string, env *model.Envelope) {
	payload, err := json.Marshal(env)
	if err != nil {
		log.Printf("Failed to marshal unicast message: %v", err)
		return
	}
	h.unicasts <- unicast{clientID: clientID, payload: payload}
}

// broadcastTask emits one push event per state change; each payload is the
// full task snapshot, never a diff.
func (h *Hub) broadcastTask(eventType model.MessageType, task *model.GenerationTask) {
	env, err := model.NewEnvelope(eventType, task)
	if err != nil {
		log.Printf("Failed to build %s event: %v", eventType, err)
		return
	}
	h.Broadcast(env)
}

// TaskUpdated implements service.Notifier.
func (h *Hub) TaskUpdated(task *model.GenerationTask) {
	h.broadcastTask(model.MessageTypeTaskUpdate, task)
}

// TaskCompleted implements service.Notifier.
func (h *Hub) TaskCompleted(task *model.GenerationTask) {
	h.broadcastTask(model.MessageTypeTaskComplete, task)
}

// TaskFailed implements service.Notifier.
func (h *Hub) TaskFailed(task *model.GenerationTask) {
	h.broadcastTask(model.MessageTypeTaskFailed, task)
}

// HandleConnection runs the read/write loops for one WebSocket connection.
// It blocks until the connection closes.
func (h *Hub) HandleConnection(c *websocket.Conn, tasks TaskReader) {
	client := &Client{
		ID:   uuid.New().String(),
		Conn: c,
		Send: make(chan []byte, 256),
	}

	h.Register(client)
	defer h.Unregister(client)

	// Writer goroutine: pushes queued messages and a periodic ping. Liveness
	// is inferred from the transport's own close/error events; a silent
	// client is not forcibly evicted.
	go func() {
		ticker := time.NewTicker(heartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case message, ok := <-client.Send:
				if !ok {
					c.WriteMessage(websocket.CloseMessage, []byte{})
					return
				}
				if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
					return
				}

			case <-ticker.C:
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Reader loop
	for {
		_, message, err := c.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error from client %s: %v", client.ID, err)
			}
			break
		}

		h.handleInbound(client, message, tasks)
	}
}

// handleInbound dispatches one client message. Malformed input answers with
// an error event and never tears down the connection.
func (h *Hub) handleInbound(client *Client, raw []byte, tasks TaskReader) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		h.sendError(client.ID, "INVALID_MESSAGE", "message is not valid JSON")
		return
	}

	msgType, ok := model.ParseMessageType(string(env.Type))
	if !ok {
		h.sendError(client.ID, "UNKNOWN_TYPE", "unrecognized message type")
		return
	}

	switch msgType {
	case model.MessageTypePing:
		pong, _ := model.NewEnvelope(model.MessageTypePong, nil)
		h.SendTo(client.ID, pong)

	case model.MessageTypePong:
		// Heartbeat answer, nothing to do.

	case model.MessageTypeRequestTaskStatus:
		var req model.RequestTaskStatusData
		if err := json.Unmarshal(env.Data, &req); err != nil || req.TaskID == "" {
			h.sendError(client.ID, "INVALID_MESSAGE", "request_task_status requires a taskId")
			return
		}
		task, err := tasks.GetTask(context.Background(), req.TaskID)
		if err != nil {
			h.sendError(client.ID, "TASK_NOT_FOUND", "no task with id "+req.TaskID)
			return
		}
		h.replyTaskSnapshot(client.ID, task)

	case model.MessageTypeRequestAllTasksStatus:
		all, err := tasks.ListAllTasks(context.Background())
		if err != nil {
			h.sendError(client.ID, "SERVICE_ERROR", "failed to load tasks")
			return
		}
		for _, task := range all {
			h.replyTaskSnapshot(client.ID, task)
		}

	case model.MessageTypeConnectionEstablished, model.MessageTypeTaskUpdate,
		model.MessageTypeTaskComplete, model.MessageTypeTaskFailed,
		model.MessageTypeError:
		// Server-to-client kinds are not valid inbound.
		h.sendError(client.ID, "UNSUPPORTED_TYPE", "message type is server-sent only")
	}
}

func (h *Hub) replyTaskSnapshot(clientID string, task *model.GenerationTask) {
	env, err := model.NewEnvelope(model.TaskEventType(task.Status), task)
	if err != nil {
		return
	}
	h.SendTo(clientID, env)
}

func (h *Hub) sendError(clientID, code, message string) {
	env, err := model.NewEnvelope(model.MessageTypeError, model.WSErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	h.SendTo(clientID, env)
}
