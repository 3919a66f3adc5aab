// Package transport binds the client API to websocket connections
// carrying JSON-RPC style frames. Every method maps 1:1 to a controller
// operation; events reach clients as pushed frames on the same socket.
package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/controller"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/media"
	"github.com/sebas/confbridge/internal/mserver"
)

// requestTimeout bounds every controller operation issued by a client.
const requestTimeout = 30 * time.Second

// Server upgrades websocket connections and serves the client API.
type Server struct {
	ctrl     *controller.Controller
	upgrader websocket.Upgrader
}

// NewServer creates the websocket API server.
func NewServer(ctrl *controller.Controller) *Server {
	return &Server{
		ctrl: ctrl,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs its read loop.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("[Transport] Upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	c := &conn{server: s, ws: ws, joined: make(map[string]string)}
	c.run()
}

// request is one inbound client frame. The ID is echoed opaquely.
type request struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// response is one outbound result frame.
type response struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *rpcError       `json:"error,omitempty"`
	Params any             `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// conn is one client connection: its joined users and event pushes.
type conn struct {
	server *Server
	ws     *websocket.Conn

	writeMu sync.Mutex
	mu      sync.Mutex
	joined  map[string]string // userID -> roomID
	subs    []events.Subscription
}

// run reads frames until the connection drops, then leaves every user
// joined through it.
func (c *conn) run() {
	defer c.teardown()

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			slog.Debug("[Transport] Connection closed", "error", err)
			return
		}
		var req request
		if err := json.Unmarshal(payload, &req); err != nil {
			c.write(response{Error: &rpcError{Code: cberrors.ErrMediaInvalidOperation.Code, Message: "unparseable frame"}})
			continue
		}
		c.handle(req)
	}
}

// teardown leaves joined users and cancels event subscriptions.
func (c *conn) teardown() {
	if err := c.ws.Close(); err != nil {
		slog.Debug("[Transport] Failed to close socket", "error", err)
	}

	c.mu.Lock()
	joined := c.joined
	c.joined = make(map[string]string)
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for _, sub := range subs {
		c.server.ctrl.OffEvent(sub)
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	for userID, roomID := range joined {
		if err := c.server.ctrl.Leave(ctx, roomID, userID); err != nil {
			slog.Warn("[Transport] Failed to leave on disconnect",
				"room_id", roomID, "user_id", userID, "error", err)
		}
	}
}

// write sends one frame; gorilla allows a single concurrent writer.
func (c *conn) write(resp response) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteJSON(resp); err != nil {
		slog.Debug("[Transport] Failed to write frame", "error", err)
	}
}

// reply sends a result or a taxonomy-coded error for a request.
func (c *conn) reply(req request, result any, err error) {
	if err != nil {
		code, name := cberrors.CodeOf(err)
		c.write(response{ID: req.ID, Error: &rpcError{Code: code, Message: name + ": " + err.Error()}})
		return
	}
	c.write(response{ID: req.ID, Result: result})
}

// sessionParams is the shared parameter shape of session operations.
type sessionParams struct {
	RoomID     string               `json:"roomId"`
	UserID     string               `json:"userId"`
	SessionID  string               `json:"mediaSessionId"`
	SourceID   string               `json:"sourceSessionId"`
	MediaID    string               `json:"mediaId"`
	Type       string               `json:"type"`
	Profile    string               `json:"profile"`
	SDP        string               `json:"sdp"`
	Kind       string               `json:"kind"`
	Name       string               `json:"name"`
	URI        string               `json:"uri"`
	Path       string               `json:"path"`
	Volume     int                  `json:"volume"`
	Tone       string               `json:"tone"`
	Layout     string               `json:"layout"`
	Strategy   string               `json:"strategy"`
	Room       string               `json:"room"`
	User       string               `json:"user"`
	Event      string               `json:"event"`
	Identifier string               `json:"identifier"`
	MediaSpecs map[string][]string  `json:"mediaSpecs"`
	Candidate  mserver.IceCandidate `json:"candidate"`
}

func (p sessionParams) options() media.Options {
	return media.Options{
		Name:       p.Name,
		URI:        p.URI,
		MediaSpecs: p.MediaSpecs,
	}
}

// handle dispatches one request frame.
func (c *conn) handle(req request) {
	var p sessionParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &p); err != nil {
			c.reply(req, nil, cberrors.WithMessage(cberrors.ErrMediaInvalidOperation, "unparseable params"))
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	ctrl := c.server.ctrl

	switch req.Method {
	case "join":
		roomID, userID, err := ctrl.Join(ctx, p.Room, p.User)
		if err == nil {
			c.mu.Lock()
			c.joined[userID] = roomID
			c.mu.Unlock()
		}
		c.reply(req, map[string]string{"roomId": roomID, "userId": userID}, err)

	case "leave":
		err := ctrl.Leave(ctx, p.RoomID, p.UserID)
		if err == nil {
			c.mu.Lock()
			delete(c.joined, p.UserID)
			c.mu.Unlock()
		}
		c.reply(req, nil, err)

	case "publish":
		sessionID, answer, err := ctrl.Publish(ctx, p.RoomID, p.UserID, p.Type, p.Profile, p.SDP, p.options())
		c.reply(req, map[string]string{"mediaSessionId": sessionID, "sdp": answer}, err)

	case "unpublish":
		c.reply(req, nil, ctrl.Unpublish(ctx, p.SessionID))

	case "subscribe":
		sessionID, answer, err := ctrl.Subscribe(ctx, p.RoomID, p.UserID, p.SourceID, p.SDP, p.Kind)
		c.reply(req, map[string]string{"mediaSessionId": sessionID, "sdp": answer}, err)

	case "unsubscribe":
		c.reply(req, nil, ctrl.Unsubscribe(ctx, p.SessionID))

	case "publishAndSubscribe":
		sessionID, answer, err := ctrl.PublishAndSubscribe(ctx, p.RoomID, p.UserID, p.Type, p.Profile, p.SDP, p.SourceID, p.options())
		c.reply(req, map[string]string{"mediaSessionId": sessionID, "sdp": answer}, err)

	case "processAnswer":
		local, err := ctrl.ProcessAnswer(ctx, p.SessionID, p.SDP)
		c.reply(req, map[string]string{"sdp": local}, err)

	case "connect":
		c.reply(req, nil, ctrl.Connect(ctx, p.SourceID, p.SessionID, p.Kind))

	case "disconnect":
		c.reply(req, nil, ctrl.Disconnect(ctx, p.SourceID, p.SessionID, p.Kind))

	case "addIceCandidate":
		c.reply(req, nil, ctrl.AddIceCandidate(ctx, p.SessionID, p.Candidate))

	case "startRecording":
		sessionID, err := ctrl.StartRecording(ctx, p.RoomID, p.UserID, p.MediaID, p.Path)
		c.reply(req, map[string]string{"mediaSessionId": sessionID}, err)

	case "stopRecording":
		c.reply(req, nil, ctrl.StopRecording(ctx, p.SessionID))

	case "getContentFloor":
		info, err := ctrl.ContentFloor(p.RoomID)
		c.reply(req, info, err)

	case "setContentFloor":
		c.reply(req, nil, ctrl.SetContentFloor(ctx, p.RoomID, p.MediaID))

	case "releaseContentFloor":
		c.reply(req, nil, ctrl.ReleaseContentFloor(ctx, p.RoomID))

	case "getConferenceFloor":
		info, err := ctrl.ConferenceFloor(p.RoomID)
		c.reply(req, info, err)

	case "setConferenceFloor":
		c.reply(req, nil, ctrl.SetConferenceFloor(ctx, p.RoomID, p.MediaID))

	case "releaseConferenceFloor":
		c.reply(req, nil, ctrl.ReleaseConferenceFloor(ctx, p.RoomID))

	case "getRooms":
		c.reply(req, ctrl.Rooms(), nil)

	case "getUsers":
		users, err := ctrl.RoomUsers(p.RoomID)
		c.reply(req, users, err)

	case "getUserMedias":
		medias, err := ctrl.UserMedias(p.UserID)
		c.reply(req, medias, err)

	case "setVolume":
		c.reply(req, nil, ctrl.SetVolume(ctx, p.SessionID, p.Volume))

	case "mute":
		c.reply(req, nil, ctrl.Mute(ctx, p.SessionID))

	case "unmute":
		c.reply(req, nil, ctrl.Unmute(ctx, p.SessionID))

	case "dtmf":
		c.reply(req, nil, ctrl.SendDTMF(p.SessionID, p.Tone))

	case "requestKeyframe":
		c.reply(req, nil, ctrl.RequestKeyframe(ctx, p.SessionID))

	case "getStrategy":
		strategy, err := ctrl.Strategy(p.RoomID)
		c.reply(req, map[string]string{"strategy": strategy}, err)

	case "setStrategy":
		c.reply(req, nil, ctrl.SetStrategy(p.RoomID, p.Strategy))

	case "onEvent":
		kind := events.Kind(p.Event)
		identifier := p.Identifier
		if identifier == "" {
			identifier = events.WildcardIdentifier
		}
		sub := ctrl.OnEvent(kind, identifier, func(evt events.Event) {
			c.write(response{Method: "event", Params: evt})
		})
		c.mu.Lock()
		c.subs = append(c.subs, sub)
		c.mu.Unlock()
		c.reply(req, map[string]bool{"subscribed": true}, nil)

	default:
		c.reply(req, nil, cberrors.WithMessage(cberrors.ErrMediaInvalidOperation, "unknown method %q", req.Method))
	}
}
