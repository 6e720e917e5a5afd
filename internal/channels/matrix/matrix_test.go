package matrix

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/roelfdiedericks/lifeline/internal/types"
)

const (
	botID   = "@lifeline:example.org"
	opID    = "@op:example.org"
	roomID  = "!ops:example.org"
	otherID = "@mallory:example.org"
)

type audience []types.Identity

func (a audience) Identities(string) []types.Identity { return a }

type homeserver struct {
	mu     sync.Mutex
	joined []string
	sent   []map[string]any
}

func (hs *homeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/account/whoami"):
		_, _ = w.Write([]byte(`{"user_id":"` + botID + `","device_id":"DEV"}`))
	case strings.Contains(r.URL.Path, "/join"):
		hs.joined = append(hs.joined, r.URL.Path)
		_, _ = w.Write([]byte(`{"room_id":"` + roomID + `"}`))
	case strings.Contains(r.URL.Path, "/send/m.room.message/"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		hs.sent = append(hs.sent, body)
		_, _ = w.Write([]byte(`{"event_id":"$e1"}`))
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"errcode":"M_UNRECOGNIZED","error":"unrecognized"}`))
	}
}

func newTestClient(t *testing.T) (*Client, *homeserver, string) {
	t.Helper()
	hs := &homeserver{}
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)

	roomsPath := filepath.Join(t.TempDir(), "matrix_rooms.json")
	c := New(Options{
		Homeserver:  srv.URL,
		UserID:      botID,
		AccessToken: "syt_token",
		RoomsPath:   roomsPath,
		Audience:    audience{{Channel: types.ChannelMatrix, ID: opID}},
	})
	require.NoError(t, c.connect(context.Background()))
	return c, hs, roomsPath
}

func textEvent(sender, body string) *event.Event {
	return &event.Event{
		Sender:    id.UserID(sender),
		RoomID:    id.RoomID(roomID),
		Type:      event.EventMessage,
		Timestamp: time.Now().Add(time.Second).UnixMilli(),
		Content:   event.Content{Parsed: &event.MessageEventContent{MsgType: event.MsgText, Body: body}},
	}
}

func TestMessagesReachHandlerAndRememberRoom(t *testing.T) {
	c, _, roomsPath := newTestClient(t)
	var got []types.InboundMessage
	c.handler = func(_ context.Context, m types.InboundMessage) { got = append(got, m) }
	c.ctx = context.Background()

	c.onMessage(context.Background(), textEvent(opID, "/health"))
	c.onMessage(context.Background(), textEvent(otherID, "hi"))
	c.onMessage(context.Background(), textEvent(botID, "echo"))

	require.Len(t, got, 2)
	assert.Equal(t, types.Identity{Channel: "matrix", ID: opID}, got[0].From)
	assert.Equal(t, "/health", got[0].Text)
	assert.Equal(t, roomID, got[0].ReplyTo)

	room, ok := c.Room(types.Identity{Channel: "matrix", ID: opID})
	assert.True(t, ok)
	assert.Equal(t, id.RoomID(roomID), room)
	_, ok = c.Room(types.Identity{Channel: "matrix", ID: otherID})
	assert.False(t, ok, "rooms are only remembered for allowed users")

	rooms, err := loadRooms(roomsPath)
	require.NoError(t, err)
	assert.Equal(t, id.RoomID(roomID), rooms[opID])
}

func TestOldMessagesAreIgnored(t *testing.T) {
	c, _, _ := newTestClient(t)
	called := false
	c.handler = func(context.Context, types.InboundMessage) { called = true }

	evt := textEvent(opID, "stale")
	evt.Timestamp = time.Now().Add(-time.Hour).UnixMilli()
	c.onMessage(context.Background(), evt)
	assert.False(t, called)
}

func TestInviteFromAllowedUserIsAccepted(t *testing.T) {
	c, hs, _ := newTestClient(t)
	stateKey := botID
	invite := func(sender string) *event.Event {
		return &event.Event{
			Sender:   id.UserID(sender),
			RoomID:   id.RoomID(roomID),
			Type:     event.StateMember,
			StateKey: &stateKey,
			Content:  event.Content{Parsed: &event.MemberEventContent{Membership: event.MembershipInvite}},
		}
	}

	c.onMember(context.Background(), invite(otherID))
	assert.Empty(t, hs.joined)

	c.onMember(context.Background(), invite(opID))
	assert.Len(t, hs.joined, 1)
	_, ok := c.Room(types.Identity{Channel: "matrix", ID: opID})
	assert.True(t, ok)
}

func TestSendRendersMarkdown(t *testing.T) {
	c, hs, _ := newTestClient(t)
	op := types.Identity{Channel: "matrix", ID: opID}

	assert.Error(t, c.Send(context.Background(), op, types.Text("no room yet")))

	c.rememberRoom(opID, roomID)
	require.NoError(t, c.Send(context.Background(), op, types.Message{Text: "ok", Markdown: "**ok**"}))
	require.Len(t, hs.sent, 1)
	assert.Equal(t, "m.text", hs.sent[0]["msgtype"])
	assert.Equal(t, "org.matrix.custom.html", hs.sent[0]["format"])
	assert.Contains(t, hs.sent[0]["formatted_body"], "<strong>ok</strong>")
}

func TestBroadcastSkipsUsersWithoutRoom(t *testing.T) {
	c, hs, _ := newTestClient(t)
	require.NoError(t, c.Broadcast(context.Background(), types.Text("⚠️ Recovery mode ON")))
	assert.Empty(t, hs.sent)

	c.rememberRoom(opID, roomID)
	require.NoError(t, c.Broadcast(context.Background(), types.Text("⚠️ Recovery mode ON")))
	require.Len(t, hs.sent, 1)
	assert.Equal(t, "⚠️ Recovery mode ON", hs.sent[0]["body"])
}

func TestRoomsSurviveReconnect(t *testing.T) {
	c, _, roomsPath := newTestClient(t)
	c.rememberRoom(opID, roomID)

	again := New(Options{Homeserver: c.opts.Homeserver, AccessToken: "syt_token", RoomsPath: roomsPath})
	require.NoError(t, again.connect(context.Background()))
	_, ok := again.Room(types.Identity{Channel: "matrix", ID: opID})
	assert.True(t, ok)
}

func TestConnectRequiresToken(t *testing.T) {
	c := New(Options{Homeserver: "http://localhost"})
	assert.Error(t, c.connect(context.Background()))
}
