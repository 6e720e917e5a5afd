// Package matrix is the Matrix channel adapter. The bot account logs in with
// an access token; allowed users talk to it in rooms they invite it to.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/format"
	"maunium.net/go/mautrix/id"

	"github.com/roelfdiedericks/lifeline/internal/channel"
	. "github.com/roelfdiedericks/lifeline/internal/logging"
	"github.com/roelfdiedericks/lifeline/internal/types"
)

const (
	maxMessageLen  = 4000
	reconnectDelay = 15 * time.Second
)

// Options configure the adapter.
type Options struct {
	Homeserver  string
	UserID      string
	AccessToken string

	// RoomsPath persists the room each identity last used, so replies and
	// broadcasts survive restarts. Empty keeps rooms in memory only.
	RoomsPath string
	Audience  channel.Audience
}

// Client implements channel.Channel over the Matrix client-server API.
type Client struct {
	opts Options

	mu        sync.RWMutex
	client    *mautrix.Client
	rooms     map[string]id.RoomID // sender user id -> room
	handler   channel.Handler
	ctx       context.Context
	cancel    context.CancelFunc
	startTime int64
}

// New creates the adapter. It connects on Start.
func New(opts Options) *Client {
	return &Client{opts: opts, rooms: make(map[string]id.RoomID)}
}

// Name returns the channel identifier
func (c *Client) Name() string { return types.ChannelMatrix }

// Start verifies the access token and begins syncing in the background.
func (c *Client) Start(ctx context.Context, h channel.Handler) error {
	if err := c.connect(ctx); err != nil {
		return err
	}
	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("matrix: unexpected syncer type %T", c.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.StateMember, c.onMember)

	syncCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.handler = h
	c.ctx = ctx
	c.cancel = cancel
	c.mu.Unlock()

	go c.syncLoop(syncCtx)
	return nil
}

// connect creates the API client, checks the token and loads known rooms.
func (c *Client) connect(ctx context.Context) error {
	if c.opts.Homeserver == "" || c.opts.AccessToken == "" {
		return errors.New("matrix: homeserver and access_token are required")
	}
	client, err := mautrix.NewClient(c.opts.Homeserver, id.UserID(c.opts.UserID), c.opts.AccessToken)
	if err != nil {
		return fmt.Errorf("matrix: create client: %w", err)
	}
	client.Store = mautrix.NewMemorySyncStore()

	who, err := client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("matrix: whoami: %w", err)
	}
	client.UserID = who.UserID
	client.DeviceID = who.DeviceID

	rooms, err := loadRooms(c.opts.RoomsPath)
	if err != nil {
		L_warn("matrix: ignoring unreadable room map", "path", c.opts.RoomsPath, "error", err)
		rooms = make(map[string]id.RoomID)
	}

	c.mu.Lock()
	c.client = client
	c.rooms = rooms
	c.startTime = time.Now().UnixMilli()
	c.mu.Unlock()
	L_info("matrix: connected", "user", who.UserID, "rooms", len(rooms))
	return nil
}

func (c *Client) syncLoop(ctx context.Context) {
	for {
		err := c.client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			L_warn("matrix: sync failed, reconnecting", "error", err, "delay", reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// Stop ends syncing.
func (c *Client) Stop() error {
	c.mu.Lock()
	cancel, client := c.cancel, c.client
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if client != nil {
		client.StopSync()
	}
	return nil
}

func (c *Client) onMessage(_ context.Context, evt *event.Event) {
	c.mu.RLock()
	self, since, h, ctx := c.client.UserID, c.startTime, c.handler, c.ctx
	c.mu.RUnlock()
	if evt.Sender == self || evt.Timestamp < since || h == nil {
		return
	}
	content := evt.Content.AsMessage()
	if content == nil || content.MsgType != event.MsgText || content.Body == "" {
		return
	}

	from := types.Identity{Channel: types.ChannelMatrix, ID: evt.Sender.String()}
	if c.audienceIncludes(from) {
		c.rememberRoom(evt.Sender.String(), evt.RoomID)
	}
	h(ctx, types.InboundMessage{
		From:       from,
		Text:       content.Body,
		ReceivedAt: time.UnixMilli(evt.Timestamp),
		ReplyTo:    evt.RoomID.String(),
	})
}

// onMember joins rooms that allowed users invite the bot to.
func (c *Client) onMember(ctx context.Context, evt *event.Event) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if evt.GetStateKey() != client.UserID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	inviter := types.Identity{Channel: types.ChannelMatrix, ID: evt.Sender.String()}
	if !c.audienceIncludes(inviter) {
		L_debug("matrix: ignoring invite", "from", inviter.Redacted(), "room", evt.RoomID)
		return
	}
	if _, err := client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		L_error("matrix: join failed", "room", evt.RoomID, "error", err)
		return
	}
	L_info("matrix: joined room", "room", evt.RoomID, "inviter", inviter.ID)
	c.rememberRoom(evt.Sender.String(), evt.RoomID)
}

func (c *Client) audienceIncludes(ident types.Identity) bool {
	if c.opts.Audience == nil {
		return false
	}
	for _, a := range c.opts.Audience.Identities(types.ChannelMatrix) {
		if a == ident {
			return true
		}
	}
	return false
}

func (c *Client) rememberRoom(user string, room id.RoomID) {
	c.mu.Lock()
	if c.rooms[user] == room {
		c.mu.Unlock()
		return
	}
	c.rooms[user] = room
	snapshot := make(map[string]id.RoomID, len(c.rooms))
	for k, v := range c.rooms {
		snapshot[k] = v
	}
	c.mu.Unlock()

	if err := saveRooms(c.opts.RoomsPath, snapshot); err != nil {
		L_warn("matrix: saving room map failed", "error", err)
	}
}

// Room returns the room used to reach an identity.
func (c *Client) Room(ident types.Identity) (id.RoomID, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room, ok := c.rooms[ident.ID]
	return room, ok
}

// Send posts msg to the identity's room, rendering markdown to HTML.
func (c *Client) Send(ctx context.Context, to types.Identity, msg types.Message) error {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()
	if client == nil {
		return errors.New("matrix: not connected")
	}
	room, ok := c.Room(to)
	if !ok {
		return fmt.Errorf("matrix: no room known for %s", to)
	}
	for _, chunk := range channel.Split(msg.Rich(), maxMessageLen) {
		content := format.RenderMarkdown(chunk, true, false)
		if _, err := client.SendMessageEvent(ctx, room, event.EventMessage, &content); err != nil {
			return fmt.Errorf("matrix: send to %s: %w", room, err)
		}
	}
	return nil
}

// Broadcast sends msg to every allowed user with a known room.
func (c *Client) Broadcast(ctx context.Context, msg types.Message) error {
	if c.opts.Audience == nil {
		return nil
	}
	var errs []error
	for _, ident := range c.opts.Audience.Identities(types.ChannelMatrix) {
		if _, ok := c.Room(ident); !ok {
			L_debug("matrix: no room for broadcast target", "identity", ident.ID)
			continue
		}
		if err := c.Send(ctx, ident, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func loadRooms(path string) (map[string]id.RoomID, error) {
	rooms := make(map[string]id.RoomID)
	if path == "" {
		return rooms, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return rooms, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

func saveRooms(path string, rooms map[string]id.RoomID) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(rooms, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
