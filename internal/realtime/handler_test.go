package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"reportcollab/api/internal/collab"
)

type disconnectCall struct {
	Caller    collab.Caller
	Documents []string
	Last      bool
}

type fakeSessions struct {
	JoinDocumentFn   func(ctx context.Context, caller collab.Caller, documentID string) (collab.SessionState, error)
	SubmitChangeFn   func(ctx context.Context, caller collab.Caller, documentID, content string, at time.Time) error
	UpdateActivityFn func(ctx context.Context, caller collab.Caller, documentID string, isTyping bool, cursor int) error

	mu          sync.Mutex
	left        []string
	disconnects chan disconnectCall
}

func (f *fakeSessions) JoinDocument(ctx context.Context, caller collab.Caller, documentID string) (collab.SessionState, error) {
	if f.JoinDocumentFn != nil {
		return f.JoinDocumentFn(ctx, caller, documentID)
	}
	return collab.SessionState{DocumentID: documentID}, nil
}

func (f *fakeSessions) LeaveDocument(_ context.Context, _ collab.Caller, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.left = append(f.left, documentID)
	return nil
}

func (f *fakeSessions) SubmitChange(ctx context.Context, caller collab.Caller, documentID, content string, at time.Time) error {
	if f.SubmitChangeFn != nil {
		return f.SubmitChangeFn(ctx, caller, documentID, content, at)
	}
	return nil
}

func (f *fakeSessions) UpdateActivity(ctx context.Context, caller collab.Caller, documentID string, isTyping bool, cursor int) error {
	if f.UpdateActivityFn != nil {
		return f.UpdateActivityFn(ctx, caller, documentID, isTyping, cursor)
	}
	return nil
}

func (f *fakeSessions) HandleDisconnect(_ context.Context, caller collab.Caller, documentIDs []string, last bool) {
	f.disconnects <- disconnectCall{Caller: caller, Documents: documentIDs, Last: last}
}

type wsFrame struct {
	Event      string         `json:"event"`
	DocumentID string         `json:"documentId"`
	Payload    map[string]any `json:"payload"`
}

func newTestServer(t *testing.T, sessions *fakeSessions) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub(quietLogger())
	handler := NewHandler(sessions, hub, "*", quietLogger())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller := collab.Caller{UserID: r.URL.Query().Get("user"), Role: "student"}
		handler.ServeConn(w, r, caller)
	}))
	t.Cleanup(server.Close)
	return server, hub
}

func dial(t *testing.T, server *httptest.Server, userID string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws?user=" + userID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) wsFrame {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wsFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestHandlerPing(t *testing.T) {
	sessions := &fakeSessions{disconnects: make(chan disconnectCall, 1)}
	server, _ := newTestServer(t, sessions)
	conn := dial(t, server, "u1")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "ping"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if frame := readFrame(t, conn); frame.Event != EventPong {
		t.Fatalf("expected Pong, got %+v", frame)
	}
}

func TestHandlerRejectsInvalidMessages(t *testing.T) {
	sessions := &fakeSessions{disconnects: make(chan disconnectCall, 1)}
	server, _ := newTestServer(t, sessions)
	conn := dial(t, server, "u1")
	defer conn.Close()

	cases := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `{"type":`},
		{name: "unknown type", raw: `{"type":"explode","documentId":"R1"}`},
		{name: "missing document", raw: `{"type":"join"}`},
		{name: "change without content", raw: `{"type":"change","documentId":"R1"}`},
		{name: "negative cursor", raw: `{"type":"activity","documentId":"R1","cursorPosition":-1}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(tc.raw)); err != nil {
				t.Fatalf("write: %v", err)
			}
			frame := readFrame(t, conn)
			if frame.Event != collab.EventErrorNotice || frame.Payload["code"] != EventInvalidMessage {
				t.Fatalf("expected invalid message notice, got %+v", frame)
			}
		})
	}
}

func TestHandlerReportsDenials(t *testing.T) {
	sessions := &fakeSessions{
		disconnects: make(chan disconnectCall, 1),
		JoinDocumentFn: func(context.Context, collab.Caller, string) (collab.SessionState, error) {
			return collab.SessionState{}, &collab.AuthError{Reason: collab.ReasonNotGroupMember}
		},
	}
	server, _ := newTestServer(t, sessions)
	conn := dial(t, server, "u3")
	defer conn.Close()

	if err := conn.WriteJSON(map[string]any{"type": "join", "documentId": "R1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	frame := readFrame(t, conn)
	if frame.Event != collab.EventErrorNotice || frame.DocumentID != "R1" {
		t.Fatalf("unexpected frame: %+v", frame)
	}
	if frame.Payload["code"] != "AUTHORIZATION_DENIED" || frame.Payload["reason"] != collab.ReasonNotGroupMember {
		t.Fatalf("unexpected payload: %+v", frame.Payload)
	}
}

func TestHandlerForwardsChangesAndSubscribes(t *testing.T) {
	submitted := make(chan string, 1)
	var hub *Hub
	sessions := &fakeSessions{
		disconnects: make(chan disconnectCall, 1),
		SubmitChangeFn: func(_ context.Context, caller collab.Caller, documentID, content string, _ time.Time) error {
			if caller.ConnID == "" || caller.UserID != "u1" {
				t.Errorf("unexpected caller: %+v", caller)
			}
			submitted <- documentID + ":" + content
			return nil
		},
	}
	sessions.JoinDocumentFn = func(_ context.Context, caller collab.Caller, documentID string) (collab.SessionState, error) {
		hub.Subscribe(caller.ConnID, documentID)
		return collab.SessionState{DocumentID: documentID}, nil
	}
	server, h := newTestServer(t, sessions)
	hub = h
	conn := dial(t, server, "u1")

	if err := conn.WriteJSON(map[string]any{"type": "join", "documentId": "R1"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := conn.WriteJSON(map[string]any{"type": "change", "documentId": "R1", "content": ""}); err != nil {
		t.Fatalf("write: %v", err)
	}
	select {
	case got := <-submitted:
		if got != "R1:" {
			t.Fatalf("unexpected submit %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change was not forwarded")
	}

	_ = conn.Close()
	select {
	case call := <-sessions.disconnects:
		if !call.Last || call.Caller.UserID != "u1" {
			t.Fatalf("unexpected disconnect: %+v", call)
		}
		if len(call.Documents) != 1 || call.Documents[0] != "R1" {
			t.Fatalf("unexpected documents: %v", call.Documents)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect was not reported")
	}
}
