package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sebas/confbridge/internal/balancer"
	"github.com/sebas/confbridge/internal/cberrors"
	"github.com/sebas/confbridge/internal/controller"
	"github.com/sebas/confbridge/internal/events"
	"github.com/sebas/confbridge/internal/media"
	"github.com/sebas/confbridge/internal/mserver"
)

const answerSDP = "v=0\r\n" +
	"o=- 1 1 IN IP4 10.0.0.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 10.0.0.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 4000 RTP/AVP 0\r\n" +
	"a=rtpmap:0 PCMU/8000\r\n" +
	"a=sendrecv\r\n"

// nopAdapter satisfies the backend surface without a media server.
type nopAdapter struct {
	count int
}

func (a *nopAdapter) Negotiate(_ context.Context, params media.NegotiateParams) ([]*media.Unit, error) {
	a.count++
	unit := media.NewUnit(params.SessionID, params.RoomID, params.UserID, params.Type, params.Profile,
		&balancer.Host{ID: "h1"}, fmt.Sprintf("el-%d", a.count))
	if params.Descriptor != "" {
		unit.SetRemoteDescriptor(params.Descriptor)
	}
	unit.SetLocalDescriptor(answerSDP)
	return []*media.Unit{unit}, nil
}

func (a *nopAdapter) Composed() map[mserver.Profile]media.Negotiator            { return nil }
func (a *nopAdapter) ProcessAnswer(context.Context, *media.Unit, string) error  { return nil }
func (a *nopAdapter) GatherCandidates(context.Context, *media.Unit) error       { return nil }
func (a *nopAdapter) AddIceCandidate(context.Context, *media.Unit, mserver.IceCandidate) error {
	return nil
}
func (a *nopAdapter) Connect(context.Context, *media.Unit, *media.Unit, mserver.ConnectKind) error {
	return nil
}
func (a *nopAdapter) Disconnect(context.Context, *media.Unit, *media.Unit, mserver.ConnectKind) error {
	return nil
}
func (a *nopAdapter) StartRecording(context.Context, *media.Unit, string) error { return nil }
func (a *nopAdapter) StopRecording(context.Context, *media.Unit) error          { return nil }
func (a *nopAdapter) SetVideoFloor(context.Context, *media.Unit, *media.Unit) error {
	return nil
}
func (a *nopAdapter) SetLayout(context.Context, *media.Unit, string) error { return nil }
func (a *nopAdapter) SetVolume(context.Context, *media.Unit, int) error    { return nil }
func (a *nopAdapter) Mute(context.Context, *media.Unit) error              { return nil }
func (a *nopAdapter) Unmute(context.Context, *media.Unit) error            { return nil }
func (a *nopAdapter) RequestKeyframe(context.Context, *media.Unit) error   { return nil }
func (a *nopAdapter) Release(context.Context, *media.Unit) error           { return nil }
func (a *nopAdapter) OnElementEvent(string, mserver.EventHandler) func()   { return func() {} }

func newTestClient(t *testing.T) (*controller.Controller, *websocket.Conn) {
	t.Helper()
	bus := events.NewBus()
	ctrl := controller.New(&nopAdapter{}, bus, controller.Config{})
	t.Cleanup(ctrl.Close)

	srv := httptest.NewServer(NewServer(ctrl))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ctrl, ws
}

type frame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Result json.RawMessage `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Params json.RawMessage `json:"params"`
}

// call sends a request and reads frames until its reply arrives, pushed
// event frames are skipped.
func call(t *testing.T, ws *websocket.Conn, id int, method string, params any) frame {
	t.Helper()
	req := map[string]any{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	if err := ws.WriteJSON(req); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := ws.SetReadDeadline(deadline); err != nil {
			t.Fatalf("deadline: %v", err)
		}
		var resp frame
		if err := ws.ReadJSON(&resp); err != nil {
			t.Fatalf("read %s reply: %v", method, err)
		}
		if string(resp.ID) == fmt.Sprintf("%d", id) {
			return resp
		}
	}
}

func TestJoinPublishAndSnapshot(t *testing.T) {
	_, ws := newTestClient(t)

	resp := call(t, ws, 1, "join", map[string]string{"room": "standup", "user": "alice"})
	if resp.Error != nil {
		t.Fatalf("join error: %+v", resp.Error)
	}
	var joined map[string]string
	if err := json.Unmarshal(resp.Result, &joined); err != nil {
		t.Fatalf("join result: %v", err)
	}
	if joined["roomId"] == "" || joined["userId"] == "" {
		t.Fatalf("join result = %v", joined)
	}

	resp = call(t, ws, 2, "publish", map[string]string{
		"roomId": joined["roomId"], "userId": joined["userId"],
		"type": "WEBRTC", "profile": "MAIN", "sdp": answerSDP,
	})
	if resp.Error != nil {
		t.Fatalf("publish error: %+v", resp.Error)
	}
	var published map[string]string
	if err := json.Unmarshal(resp.Result, &published); err != nil {
		t.Fatalf("publish result: %v", err)
	}
	if published["mediaSessionId"] == "" || published["sdp"] == "" {
		t.Errorf("publish result = %v", published)
	}

	resp = call(t, ws, 3, "getRooms", nil)
	var rooms []map[string]any
	if err := json.Unmarshal(resp.Result, &rooms); err != nil {
		t.Fatalf("getRooms result: %v", err)
	}
	if len(rooms) != 1 || rooms[0]["name"] != "standup" {
		t.Errorf("rooms = %v", rooms)
	}
}

func TestErrorCarriesTaxonomyCode(t *testing.T) {
	_, ws := newTestClient(t)

	resp := call(t, ws, 1, "getUsers", map[string]string{"roomId": "missing"})
	if resp.Error == nil {
		t.Fatal("getUsers on a missing room should fail")
	}
	if resp.Error.Code != cberrors.ErrRoomNotFound.Code {
		t.Errorf("code = %d, want %d", resp.Error.Code, cberrors.ErrRoomNotFound.Code)
	}

	resp = call(t, ws, 2, "summonDragon", nil)
	if resp.Error == nil || resp.Error.Code != cberrors.ErrMediaInvalidOperation.Code {
		t.Errorf("unknown method reply = %+v", resp.Error)
	}
}

func TestEventPushFrames(t *testing.T) {
	ctrl, ws := newTestClient(t)

	resp := call(t, ws, 1, "onEvent", map[string]string{"event": "user.joined"})
	if resp.Error != nil {
		t.Fatalf("onEvent error: %+v", resp.Error)
	}

	if _, _, err := ctrl.Join(context.Background(), "standup", "bob"); err != nil {
		t.Fatalf("Join: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := ws.SetReadDeadline(deadline); err != nil {
			t.Fatalf("deadline: %v", err)
		}
		var pushed frame
		if err := ws.ReadJSON(&pushed); err != nil {
			t.Fatalf("read push: %v", err)
		}
		if pushed.Method != "event" {
			continue
		}
		var evt events.Event
		if err := json.Unmarshal(pushed.Params, &evt); err != nil {
			t.Fatalf("event payload: %v", err)
		}
		if evt.Kind != events.UserJoined {
			t.Errorf("kind = %s", evt.Kind)
		}
		return
	}
}

func TestDisconnectLeavesJoinedUsers(t *testing.T) {
	ctrl, ws := newTestClient(t)

	resp := call(t, ws, 1, "join", map[string]string{"room": "standup", "user": "alice"})
	if resp.Error != nil {
		t.Fatalf("join error: %+v", resp.Error)
	}
	ws.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		if len(ctrl.Rooms()) == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("room should be destroyed after the socket drops")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
