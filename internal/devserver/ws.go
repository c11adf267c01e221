package devserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"triplink/pkg/jwt"
)

// Socket close codes, matching the production consumer.
const (
	closeUnauthorized = 4001
	closeForbidden    = 4003
)

const (
	wsWriteWait = 10 * time.Second
	wsSendBuf   = 32
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// hub fans room messages out to connected sockets.
type hub struct {
	store  *Store
	signer *jwt.Signer
	log    *slog.Logger

	mu    sync.Mutex
	rooms map[int64]map[*wsClient]bool
}

type wsClient struct {
	conn   *websocket.Conn
	send   chan []byte
	userID int64
}

func newHub(store *Store, signer *jwt.Signer, log *slog.Logger) *hub {
	return &hub{
		store:  store,
		signer: signer,
		log:    log,
		rooms:  make(map[int64]map[*wsClient]bool),
	}
}

// handleWS authenticates via the token query parameter, checks room
// membership, and joins the connection to the room. Auth failures close with
// 4001 and membership failures with 4003, after the upgrade so the client
// sees the application close code rather than an HTTP error.
func (h *hub) handleWS(w http.ResponseWriter, r *http.Request) {
	roomID, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	claims, err := h.signer.Validate(r.URL.Query().Get("token"))
	if err != nil || claims.TokenType != jwt.TypeAccess {
		h.closeWith(conn, closeUnauthorized, "invalid token")
		return
	}

	room, err := h.store.RoomByID(roomID)
	if err != nil || (room.TravelerID != claims.UserID && room.AgentID != claims.UserID) {
		h.closeWith(conn, closeForbidden, "not a room member")
		return
	}

	client := &wsClient{conn: conn, send: make(chan []byte, wsSendBuf), userID: claims.UserID}
	h.join(roomID, client)

	go client.writePump()
	h.readPump(roomID, client)
}

func (h *hub) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteWait)
	conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	conn.Close()
}

func (h *hub) join(roomID int64, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[roomID] == nil {
		h.rooms[roomID] = make(map[*wsClient]bool)
	}
	h.rooms[roomID][c] = true
}

func (h *hub) leave(roomID int64, c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if clients, ok := h.rooms[roomID]; ok {
		if clients[c] {
			delete(clients, c)
			close(c.send)
		}
		if len(clients) == 0 {
			delete(h.rooms, roomID)
		}
	}
}

// broadcast pushes a chat_message frame to every socket in the room,
// including the sender's own. REST sends go through here too so a socketless
// peer and a socketed one see the same stream.
func (h *hub) broadcast(roomID int64, msg map[string]any) {
	frame := map[string]any{"type": "chat_message"}
	for k, v := range msg {
		frame[k] = v
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[roomID] {
		select {
		case c.send <- payload:
		default:
			// Slow consumer; drop the socket rather than block the room.
			delete(h.rooms[roomID], c)
			close(c.send)
		}
	}
}

func (h *hub) readPump(roomID int64, c *wsClient) {
	defer func() {
		h.leave(roomID, c)
		c.conn.Close()
	}()

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil || frame.Type != "message" || frame.Text == "" {
			continue
		}

		msg, err := h.store.CreateMessage(roomID, c.userID, frame.Text)
		if err != nil {
			h.log.Warn("ws message persist failed", "room", roomID, "err", err)
			continue
		}

		senderName := ""
		if u, err := h.store.UserByID(msg.SenderID); err == nil {
			senderName = u.FullName
		}
		h.broadcast(roomID, map[string]any{
			"id":          msg.ID,
			"text":        msg.Text,
			"sender_id":   msg.SenderID,
			"sender_name": senderName,
			"created_at":  msg.CreatedAt,
		})
	}
}

func (c *wsClient) writePump() {
	defer c.conn.Close()
	for payload := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}