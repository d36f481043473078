// Package wstest hosts a hermetic fake chat backend for tests: a websocket
// endpoint speaking the frame protocol plus the REST endpoints the SDK
// consumes, backed by an in-memory message store and an emissions log the
// tests assert against.
package wstest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/sipline/chatkit/chat"
)

// Emission is one client->server frame the fake backend received.
type Emission struct {
	Event string
	Data  json.RawMessage
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server is the fake backend. Zero concurrency assumptions on the caller:
// push helpers and assertions are safe from any goroutine.
type Server struct {
	httpSrv *httptest.Server
	token   string

	mu        sync.Mutex
	conn      *websocket.Conn // latest accepted connection
	connSeq   int
	emissions []Emission
	joins     map[string]int // per-room join_group counter
	store     map[string][]chat.Message
	markReads map[string]int
}

// New starts the fake backend. token is the bearer token it accepts; an
// empty token disables the auth check.
func New(token string) *Server {
	s := &Server{
		token:     token,
		joins:     make(map[string]int),
		store:     make(map[string][]chat.Message),
		markReads: make(map[string]int),
	}

	r := mux.NewRouter()
	r.HandleFunc("/socket", s.serveWs)
	r.HandleFunc("/groups/{groupId}/messages", s.handleMessages).Methods(http.MethodGet, http.MethodPost)
	r.HandleFunc("/groups/{groupId}/read", s.handleMarkRead).Methods(http.MethodPost)
	r.HandleFunc("/messages/{messageId}", s.handleDelete).Methods(http.MethodDelete)

	s.httpSrv = httptest.NewServer(r)
	return s
}

// URL is the REST base URL.
func (s *Server) URL() string { return s.httpSrv.URL }

// WSURL is the websocket endpoint URL.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.httpSrv.URL, "http") + "/socket"
}

func (s *Server) Close() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	s.httpSrv.Close()
}

func (s *Server) authorized(r *http.Request) bool {
	if s.token == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+s.token
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.conn = conn
	s.connSeq++
	s.mu.Unlock()

	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer conn.Close()
	for {
		var frame chat.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return
		}

		s.mu.Lock()
		s.emissions = append(s.emissions, Emission{Event: frame.Event, Data: frame.Data})
		if frame.Event == chat.EventJoinGroup {
			var groupID string
			if json.Unmarshal(frame.Data, &groupID) == nil {
				s.joins[groupID]++
			}
		}
		s.mu.Unlock()
	}
}

// --- push helpers (server -> client) ---

func (s *Server) push(event string, payload interface{}) {
	frame, err := chat.NewFrame(event, payload)
	if err != nil {
		return
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteJSON(frame)
}

func (s *Server) PushMessage(msg chat.Message) {
	s.push(chat.EventNewMessage, msg)
}

func (s *Server) PushDeletion(messageID string) {
	s.push(chat.EventMessageDeleted, chat.DeletedPayload{MessageID: messageID})
}

func (s *Server) PushTyping(payload chat.TypingPayload) {
	s.push(chat.EventUserTyping, payload)
}

// Drop abruptly closes the live connection, as a network failure would.
func (s *Server) Drop() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// --- assertion helpers ---

// JoinCount reports how many join_group emissions arrived for a room.
func (s *Server) JoinCount(groupID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins[groupID]
}

// Emissions returns a copy of every frame received so far.
func (s *Server) Emissions() []Emission {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Emission, len(s.emissions))
	copy(out, s.emissions)
	return out
}

// EmissionCount counts frames with the given event name.
func (s *Server) EmissionCount(event string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.emissions {
		if e.Event == event {
			n++
		}
	}
	return n
}

// WaitForJoin blocks until the room has at least n join emissions or the
// timeout passes, reporting whether the count was reached.
func (s *Server) WaitForJoin(groupID string, n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.JoinCount(groupID) >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return s.JoinCount(groupID) >= n
}

// WaitForConnections blocks until n websocket connections have been
// accepted in total.
func (s *Server) WaitForConnections(n int, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		seq := s.connSeq
		s.mu.Unlock()
		if seq >= n {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

// ConnectionCount reports how many websocket connections were accepted.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connSeq
}

// MarkReadCount reports how many mark-read calls a room received.
func (s *Server) MarkReadCount(groupID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markReads[groupID]
}

// --- REST fixtures ---

// Seed installs the message page the REST fetch returns for a room.
func (s *Server) Seed(groupID string, messages []chat.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.store[groupID] = append([]chat.Message(nil), messages...)
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	groupID := mux.Vars(r)["groupId"]

	if r.Method == http.MethodGet {
		s.mu.Lock()
		page := append([]chat.Message(nil), s.store[groupID]...)
		s.mu.Unlock()
		// Nest under data the way the production backend does; the client
		// must normalize it anyway.
		writeJSON(w, map[string]interface{}{"data": map[string]interface{}{"messages": page}})
		return
	}

	var body struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Content == "" {
		writeError(w, http.StatusBadRequest, "content is required")
		return
	}
	msg := chat.Message{
		ID:        uuid.NewString(),
		GroupID:   groupID,
		SenderID:  "viewer",
		Kind:      chat.KindText,
		Content:   body.Content,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.store[groupID] = append(s.store[groupID], msg)
	s.mu.Unlock()
	writeJSON(w, msg)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	groupID := mux.Vars(r)["groupId"]
	s.mu.Lock()
	s.markReads[groupID]++
	s.mu.Unlock()
	writeJSON(w, map[string]bool{"ok": true})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	messageID := mux.Vars(r)["messageId"]
	s.mu.Lock()
	found := false
	for groupID, page := range s.store {
		for i := range page {
			if page[i].ID == messageID {
				page[i].IsDeleted = true
				page[i].Content = chat.TombstoneContent
				s.store[groupID] = page
				found = true
			}
		}
	}
	s.mu.Unlock()
	if !found {
		writeError(w, http.StatusNotFound, "message not found")
		return
	}
	writeJSON(w, map[string]bool{"ok": true})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
