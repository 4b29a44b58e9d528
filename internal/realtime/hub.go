// Package realtime carries collaboration events to browsers over WebSocket
// and between API instances over Redis pub/sub.
package realtime

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"reportcollab/api/internal/collab"
)

const sendBuffer = 256

// Client is one WebSocket connection.
type Client struct {
	ID     string
	UserID string
	Send   chan []byte

	docs      map[string]struct{}
	closeOnce sync.Once
}

func NewClient(id, userID string) *Client {
	return &Client{
		ID:     id,
		UserID: userID,
		Send:   make(chan []byte, sendBuffer),
		docs:   make(map[string]struct{}),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// Envelope addresses one encoded frame. Exactly one of ConnID, UserID and
// DocumentID is set.
type Envelope struct {
	ConnID      string          `json:"connId,omitempty"`
	UserID      string          `json:"userId,omitempty"`
	DocumentID  string          `json:"documentId,omitempty"`
	ExcludeConn string          `json:"excludeConn,omitempty"`
	ExcludeUser string          `json:"excludeUser,omitempty"`
	Frame       json.RawMessage `json:"frame"`
}

// Hub tracks the connections of this instance and the document channels
// they are subscribed to.
type Hub struct {
	mu       sync.RWMutex
	clients  map[string]*Client
	users    map[string]map[string]*Client
	channels map[string]map[string]*Client
	log      logrus.FieldLogger
}

func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		clients:  make(map[string]*Client),
		users:    make(map[string]map[string]*Client),
		channels: make(map[string]map[string]*Client),
		log:      log,
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c.ID] = c
	if h.users[c.UserID] == nil {
		h.users[c.UserID] = make(map[string]*Client)
	}
	h.users[c.UserID][c.ID] = c
}

// Unregister drops the connection and closes its send channel. It returns
// the documents the connection was subscribed to and whether it was the
// user's last connection on this instance.
func (h *Hub) Unregister(c *Client) (documents []string, lastConnection bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c.ID]; !ok {
		return nil, false
	}
	delete(h.clients, c.ID)
	for documentID := range c.docs {
		documents = append(documents, documentID)
		h.removeFromChannel(documentID, c.ID)
	}
	c.docs = make(map[string]struct{})
	if conns := h.users[c.UserID]; conns != nil {
		delete(conns, c.ID)
		if len(conns) == 0 {
			delete(h.users, c.UserID)
			lastConnection = true
		}
	}
	c.close()
	return documents, lastConnection
}

func (h *Hub) Subscribe(connID, documentID string) {
	if connID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return
	}
	if h.channels[documentID] == nil {
		h.channels[documentID] = make(map[string]*Client)
	}
	h.channels[documentID][connID] = c
	c.docs[documentID] = struct{}{}
}

func (h *Hub) Unsubscribe(connID, documentID string) {
	if connID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[connID]; ok {
		delete(c.docs, documentID)
	}
	h.removeFromChannel(documentID, connID)
}

func (h *Hub) removeFromChannel(documentID, connID string) {
	members := h.channels[documentID]
	if members == nil {
		return
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(h.channels, documentID)
	}
}

// UserConnected reports whether another local connection of userID is
// subscribed to documentID.
func (h *Hub) UserConnected(userID, documentID, exceptConnID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for connID, c := range h.channels[documentID] {
		if connID != exceptConnID && c.UserID == userID {
			return true
		}
	}
	return false
}

// Deliver hands the frame to every local connection the envelope addresses.
func (h *Hub) Deliver(env Envelope) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var targets map[string]*Client
	switch {
	case env.ConnID != "":
		if c, ok := h.clients[env.ConnID]; ok {
			targets = map[string]*Client{c.ID: c}
		}
	case env.UserID != "":
		targets = h.users[env.UserID]
	case env.DocumentID != "":
		targets = h.channels[env.DocumentID]
	}

	delivered := 0
	for connID, c := range targets {
		if connID == env.ExcludeConn || (env.ExcludeUser != "" && c.UserID == env.ExcludeUser) {
			continue
		}
		select {
		case c.Send <- env.Frame:
			delivered++
		default:
			h.log.WithFields(logrus.Fields{"conn_id": connID, "user_id": c.UserID}).Warn("send buffer full, dropping frame")
		}
	}
	return delivered
}

func encodeFrame(ev collab.Event) (json.RawMessage, error) {
	return json.Marshal(ev)
}
