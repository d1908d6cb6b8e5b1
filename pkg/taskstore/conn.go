package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/gorilla/websocket"

	"github.com/styleshot/api/internal/model"
)

const (
	reconnectBase        = 1000 * time.Millisecond
	maxReconnectAttempts = 5
)

// reconnectDelay returns the wait before reconnect attempt n (1-based):
// 1s, 2s, 4s, 8s, 16s.
func reconnectDelay(attempt int) time.Duration {
	return reconnectBase << (attempt - 1)
}

// Connect dials the push channel and starts the read loop. On a successful
// connection any previous error state is cleared and a full resync is
// requested, which recovers every broadcast missed while offline.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.state = StateConnecting
	s.mu.Unlock()

	if err := s.dial(ctx); err != nil {
		s.mu.Lock()
		s.state = StateDisconnected
		s.lastErr = err
		s.mu.Unlock()
		return err
	}

	go s.readLoop(ctx)
	return nil
}

// Reconnect resets a terminal error state and dials again.
func (s *Store) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	s.lastErr = nil
	s.mu.Unlock()
	return s.Connect(ctx)
}

// Close shuts the connection down for good; no reconnection is attempted.
func (s *Store) Close() error {
	select {
	case <-s.closed:
	default:
		close(s.closed)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateDisconnected
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

func (s *Store) dial(ctx context.Context) error {
	conn, _, err := s.dialer.DialContext(ctx, s.wsURL, nil)
	if err != nil {
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.state = StateConnected
	s.lastErr = nil
	s.mu.Unlock()

	if err := s.requestResync(conn); err != nil {
		// Without the resync the connection would miss everything broadcast
		// while offline; tear it down and let the caller retry.
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.state = StateDisconnected
		s.mu.Unlock()
		return fmt.Errorf("resync request failed: %w", err)
	}
	return nil
}

func (s *Store) requestResync(conn *websocket.Conn) error {
	env, err := model.NewEnvelope(model.MessageTypeRequestAllTasksStatus, nil)
	if err != nil {
		return err
	}
	return conn.WriteJSON(env)
}

func (s *Store) readLoop(ctx context.Context) {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return
	}

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			log.Printf("taskstore: connection lost: %v", err)
			s.reconnectLoop(ctx)
			return
		}
		s.handleMessage(conn, raw)
	}
}

// reconnectLoop retries the connection with exponential backoff. After
// maxReconnectAttempts failures the store enters StateError and stays there
// until Reconnect is called.
func (s *Store) reconnectLoop(ctx context.Context) {
	s.mu.Lock()
	s.state = StateConnecting
	s.conn = nil
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		delay := s.reconnectWait(attempt)
		select {
		case <-s.closed:
			return
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(delay):
			if err := s.dial(ctx); err != nil {
				lastErr = err
				log.Printf("taskstore: reconnect attempt %d/%d failed: %v", attempt, maxReconnectAttempts, err)
				continue
			}
			go s.readLoop(ctx)
			return
		}
		if lastErr != nil && ctx.Err() != nil {
			break
		}
	}

	s.mu.Lock()
	s.state = StateError
	s.lastErr = lastErr
	s.mu.Unlock()
	log.Printf("taskstore: giving up after %d reconnect attempts", maxReconnectAttempts)
}

// handleMessage applies one inbound push-channel message.
func (s *Store) handleMessage(conn *websocket.Conn, raw []byte) {
	var env model.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		log.Printf("taskstore: dropping malformed message: %v", err)
		return
	}

	msgType, ok := model.ParseMessageType(string(env.Type))
	if !ok {
		log.Printf("taskstore: dropping message of unknown type %q", env.Type)
		return
	}

	switch msgType {
	case model.MessageTypeConnectionEstablished:
		var data model.ConnectionEstablishedData
		if err := json.Unmarshal(env.Data, &data); err == nil {
			s.mu.Lock()
			s.clientID = data.ClientID
			s.mu.Unlock()
		}

	case model.MessageTypeTaskUpdate, model.MessageTypeTaskComplete, model.MessageTypeTaskFailed:
		var task model.GenerationTask
		if err := json.Unmarshal(env.Data, &task); err != nil || task.ID == "" {
			log.Printf("taskstore: dropping task event with bad payload")
			return
		}
		s.applySnapshot(&task)

	case model.MessageTypePing:
		pong, _ := model.NewEnvelope(model.MessageTypePong, nil)
		if err := conn.WriteJSON(pong); err != nil {
			log.Printf("taskstore: failed to answer ping: %v", err)
		}

	case model.MessageTypePong:
		// Nothing to do.

	case model.MessageTypeError:
		var data model.WSErrorData
		if err := json.Unmarshal(env.Data, &data); err == nil {
			log.Printf("taskstore: server error event: %s %s", data.Code, data.Message)
		}

	case model.MessageTypeRequestTaskStatus, model.MessageTypeRequestAllTasksStatus:
		// Client-to-server kinds; a server never sends these.
	}
}
