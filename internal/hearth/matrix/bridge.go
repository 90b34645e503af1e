package matrix

import (
	"context"
	"strings"
	"time"

	"github.com/bdobrica/hearth/internal/hearth/assistant"
	"github.com/bdobrica/hearth/internal/hearth/intent"
)

// TurnHandler runs a turn. *assistant.Assistant implements it.
type TurnHandler interface {
	HandleTurn(ctx context.Context, sessionID, utterance string, opts ...assistant.TurnOption) (*intent.TurnResponse, error)
}

// Message is an incoming room message.
type Message struct {
	RoomID  string
	Sender  string
	EventID string
	Body    string
}

// SessionID maps a room and sender to a Hearth session: each person has
// their own conversation in each room.
func SessionID(roomID, sender string) string {
	return roomID + "|" + sender
}

// DefaultTurnTimeout bounds one Matrix-originated turn.
const DefaultTurnTimeout = 60 * time.Second

// Bridge turns room messages into Hearth turns.
type Bridge struct {
	handler TurnHandler
	timeout time.Duration
}

// NewBridge returns a Bridge over h. A non-positive timeout selects
// DefaultTurnTimeout.
func NewBridge(h TurnHandler, timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultTurnTimeout
	}
	return &Bridge{handler: h, timeout: timeout}
}

// Handle runs msg as a turn and returns the reply text. The event id is
// the idempotency key, so a redelivered event is answered from the stored
// response without acting twice.
func (b *Bridge) Handle(ctx context.Context, msg Message) (string, error) {
	body := strings.TrimSpace(msg.Body)
	if body == "" {
		return "", nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	var opts []assistant.TurnOption
	if msg.EventID != "" {
		opts = append(opts, assistant.WithIdempotencyKey(msg.EventID))
	}
	resp, err := b.handler.HandleTurn(ctx, SessionID(msg.RoomID, msg.Sender), body, opts...)
	if err != nil {
		return "", err
	}
	return resp.Text(), nil
}
