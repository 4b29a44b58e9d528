package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"reflect"
	"runtime/debug"
	"strings"
	"time"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"reportcollab/api/internal/collab"
	"reportcollab/api/internal/util"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 54 * time.Second
	maxMessageSize = 1 << 20
	requestTimeout = 15 * time.Second
)

// Sessions is the part of the session coordinator the socket protocol drives.
type Sessions interface {
	JoinDocument(ctx context.Context, caller collab.Caller, documentID string) (collab.SessionState, error)
	LeaveDocument(ctx context.Context, caller collab.Caller, documentID string) error
	SubmitChange(ctx context.Context, caller collab.Caller, documentID, content string, at time.Time) error
	UpdateActivity(ctx context.Context, caller collab.Caller, documentID string, isTyping bool, cursor int) error
	HandleDisconnect(ctx context.Context, caller collab.Caller, documentIDs []string, lastConnection bool)
}

// InboundMessage is a client frame.
type InboundMessage struct {
	Type           string     `json:"type" validate:"required,oneof=join leave change activity ping"`
	DocumentID     string     `json:"documentId" validate:"required_unless=Type ping,max=128"`
	Content        *string    `json:"content" validate:"required_if=Type change"`
	Timestamp      *time.Time `json:"timestamp"`
	IsTyping       bool       `json:"isTyping"`
	CursorPosition int        `json:"cursorPosition" validate:"gte=0"`
}

const (
	EventPong           = "Pong"
	EventInvalidMessage = "INVALID_MESSAGE"
)

// Handler speaks the collaboration protocol over WebSocket.
type Handler struct {
	sessions   Sessions
	hub        *Hub
	upgrader   websocket.Upgrader
	validate   *validator.Validate
	translator ut.Translator
	log        logrus.FieldLogger
}

func NewHandler(sessions Sessions, hub *Hub, allowedOrigin string, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	validate, translator := newValidator()
	return &Handler{
		sessions: sessions,
		hub:      hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowedOrigin == "" || allowedOrigin == "*" {
					return true
				}
				return r.Header.Get("Origin") == allowedOrigin
			},
		},
		validate:   validate,
		translator: translator,
		log:        log,
	}
}

func newValidator() (*validator.Validate, ut.Translator) {
	validate := validator.New()
	english := en.New()
	translator, _ := ut.New(english, english).GetTranslator("en")
	_ = en_translations.RegisterDefaultTranslations(validate, translator)

	// Report JSON field names in validation messages.
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return validate, translator
}

// ServeConn upgrades an authenticated request and runs the connection until
// it closes.
func (h *Handler) ServeConn(w http.ResponseWriter, r *http.Request, caller collab.Caller) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := NewClient(util.NewID("conn"), caller.UserID)
	caller.ConnID = client.ID
	h.hub.Register(client)

	logger := h.log.WithFields(logrus.Fields{"conn_id": client.ID, "user_id": caller.UserID})
	logger.Info("websocket connected")

	go h.writePump(conn, client, logger)
	h.readPump(conn, client, caller, logger)
}

func (h *Handler) readPump(conn *websocket.Conn, client *Client, caller collab.Caller, logger logrus.FieldLogger) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.WithField("stack", string(debug.Stack())).Errorf("panic in read pump: %v", rec)
		}
		documents, last := h.hub.Unregister(client)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		h.sessions.HandleDisconnect(ctx, caller, documents, last)
		cancel()
		_ = conn.Close()
		logger.Info("websocket disconnected")
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.WithError(err).Debug("websocket closed unexpectedly")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		h.handleMessage(client, caller, data, logger)
	}
}

func (h *Handler) handleMessage(client *Client, caller collab.Caller, data []byte, logger logrus.FieldLogger) {
	var msg InboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.reply(client, invalidMessage("", "message is not valid JSON"))
		return
	}
	if err := h.validate.Struct(msg); err != nil {
		h.reply(client, invalidMessage(msg.DocumentID, h.describe(err)))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var err error
	switch msg.Type {
	case "ping":
		h.reply(client, collab.Event{Name: EventPong})
		return
	case "join":
		// SessionJoined is sent by the coordinator once presence is recorded.
		_, err = h.sessions.JoinDocument(ctx, caller, msg.DocumentID)
	case "leave":
		err = h.sessions.LeaveDocument(ctx, caller, msg.DocumentID)
	case "change":
		at := time.Time{}
		if msg.Timestamp != nil {
			at = *msg.Timestamp
		}
		err = h.sessions.SubmitChange(ctx, caller, msg.DocumentID, *msg.Content, at)
	case "activity":
		err = h.sessions.UpdateActivity(ctx, caller, msg.DocumentID, msg.IsTyping, msg.CursorPosition)
	}
	if err != nil {
		logger.WithError(err).WithFields(logrus.Fields{"type": msg.Type, "document_id": msg.DocumentID}).Info("request rejected")
		h.reply(client, collab.ErrorNotice(msg.DocumentID, err))
	}
}

func (h *Handler) describe(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err.Error()
	}
	messages := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		messages = append(messages, fe.Translate(h.translator))
	}
	return strings.Join(messages, "; ")
}

func invalidMessage(documentID, message string) collab.Event {
	return collab.Event{
		Name:       collab.EventErrorNotice,
		DocumentID: documentID,
		Payload:    collab.ErrorNoticePayload{Message: message, Code: EventInvalidMessage},
	}
}

func (h *Handler) reply(client *Client, ev collab.Event) {
	frame, err := encodeFrame(ev)
	if err != nil {
		h.log.WithError(err).Warn("encode reply failed")
		return
	}
	h.hub.Deliver(Envelope{ConnID: client.ID, Frame: frame})
}

func (h *Handler) writePump(conn *websocket.Conn, client *Client, logger logrus.FieldLogger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.WithError(err).Debug("websocket write failed")
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
