// Package matrix connects Hearth to Matrix rooms: every text message in a
// configured room becomes a turn, and the turn response is posted back as
// a reply.
package matrix

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// Config holds Matrix client configuration.
type Config struct {
	Homeserver  string
	UserID      string
	AccessToken string
	// Rooms lists the room IDs Hearth listens in.
	Rooms []string
	// DB persists the /sync position. When nil, history replays on restart
	// and only the idempotency keys prevent duplicate actions.
	DB *sql.DB
}

// Client wraps the mautrix client.
type Client struct {
	client *mautrix.Client
	config Config
	bridge *Bridge
	stopCh chan struct{}
}

// New creates a client that feeds messages to bridge.
func New(cfg Config, bridge *Bridge) (*Client, error) {
	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Matrix client: %w", err)
	}
	if cfg.DB != nil {
		client.Store = NewSyncStore(cfg.DB)
		slog.Info("Matrix sync store: using persistent SQLite store")
	} else {
		slog.Warn("Matrix sync store: no DB configured, history will replay on restart")
	}
	return &Client{client: client, config: cfg, bridge: bridge, stopCh: make(chan struct{})}, nil
}

// Start joins the configured rooms and syncs in the background,
// reconnecting with exponential back-off until Stop is called.
func (c *Client) Start(ctx context.Context) error {
	syncer, ok := c.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return errors.New("matrix: unexpected syncer type")
	}
	syncer.OnEventType(event.EventMessage, c.handleMessage)

	for _, room := range c.config.Rooms {
		if err := c.joinRoom(ctx, id.RoomID(room)); err != nil {
			return fmt.Errorf("failed to join room %s: %w", room, err)
		}
	}

	go func() {
		const (
			backoffMin = 2 * time.Second
			backoffMax = 5 * time.Minute
		)
		backoff := backoffMin
		for {
			err := c.client.SyncWithContext(ctx)
			if err == nil {
				return
			}
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			slog.Error("Matrix sync stopped; reconnecting", "err", err, "backoff", backoff)
			select {
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, backoffMax)
		}
	}()
	return nil
}

// Stop ends syncing.
func (c *Client) Stop() {
	close(c.stopCh)
	c.client.StopSync()
}

// Reply posts message as a reply to eventID.
func (c *Client) Reply(ctx context.Context, roomID, eventID, message string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgNotice,
		Body:    message,
		RelatesTo: &event.RelatesTo{
			InReplyTo: &event.InReplyTo{EventID: id.EventID(eventID)},
		},
	}
	if _, err := c.client.SendMessageEvent(ctx, id.RoomID(roomID), event.EventMessage, &content); err != nil {
		return fmt.Errorf("failed to send reply: %w", err)
	}
	return nil
}

func (c *Client) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == id.UserID(c.config.UserID) {
		return
	}
	msg := evt.Content.AsMessage()
	if msg == nil || msg.MsgType != event.MsgText {
		return
	}
	if !slices.Contains(c.config.Rooms, evt.RoomID.String()) {
		return
	}

	reply, err := c.bridge.Handle(ctx, Message{
		RoomID:  evt.RoomID.String(),
		Sender:  evt.Sender.String(),
		EventID: evt.ID.String(),
		Body:    msg.Body,
	})
	if err != nil {
		slog.Warn("Matrix turn not answered", "room", evt.RoomID, "event", evt.ID, "err", err)
		return
	}
	if reply == "" {
		return
	}
	if err := c.Reply(ctx, evt.RoomID.String(), evt.ID.String(), reply); err != nil {
		slog.Error("Matrix reply failed", "room", evt.RoomID, "err", err)
	}
}

func (c *Client) joinRoom(ctx context.Context, roomID id.RoomID) error {
	_, err := c.client.JoinRoomByID(ctx, roomID)
	if err != nil {
		// Homeservers answer M_FORBIDDEN when the bot is already a member.
		if errors.Is(err, mautrix.MForbidden) {
			slog.Warn("joinRoom: already a member or access denied, continuing", "room", roomID)
			return nil
		}
		return err
	}
	return nil
}
