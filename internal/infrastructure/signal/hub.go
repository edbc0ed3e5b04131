package signal

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"camrelay/internal/core/domain"
	"camrelay/internal/core/ports"
	"camrelay/pkg/shardmap"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrSlowConsumer is returned when a client's send buffer is full.
var ErrSlowConsumer = errors.New("client send buffer full")

// Client is one authenticated socket. Frames are queued on send and written
// by a single writer goroutine.
type Client struct {
	user domain.UserID
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newClient(user domain.UserID, conn *websocket.Conn, buffer int) *Client {
	if buffer <= 0 {
		buffer = 32
	}
	return &Client{
		user: user,
		conn: conn,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

func (c *Client) User() domain.UserID { return c.user }

func (c *Client) enqueue(frame []byte) error {
	select {
	case <-c.done:
		return domain.ErrRecipientOffline
	default:
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return domain.ErrRecipientOffline
	default:
		return ErrSlowConsumer
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.done) })
}

// PresenceHook is told when a participant's socket arrives on or leaves
// this instance.
type PresenceHook interface {
	Online(user domain.UserID)
	Offline(user domain.UserID)
}

// Hub tracks the sockets connected to this instance, one per participant,
// and implements ports.Deliverer over them.
type Hub struct {
	clients  *shardmap.Map[domain.UserID, *Client]
	presence PresenceHook
	logger   *zap.SugaredLogger
}

func NewHub(shards int, logger *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: shardmap.New[domain.UserID, *Client](shards),
		logger:  logger,
	}
}

// SetPresence installs a hook. Call before the hub accepts sockets.
func (h *Hub) SetPresence(p PresenceHook) {
	h.presence = p
}

// Register makes c the socket for its user and returns the socket it
// replaced, if any.
func (h *Hub) Register(c *Client) *Client {
	var replaced *Client
	h.clients.Update(c.user, func(cur *Client, ok bool) (*Client, bool) {
		if ok {
			replaced = cur
		}
		return c, true
	})
	if h.presence != nil {
		h.presence.Online(c.user)
	}
	return replaced
}

// Unregister removes c unless a newer socket has replaced it.
func (h *Hub) Unregister(c *Client) bool {
	removed := h.clients.DeleteIf(c.user, func(cur *Client) bool { return cur == c })
	if removed && h.presence != nil {
		h.presence.Offline(c.user)
	}
	return removed
}

// Send queues an encoded frame for a locally connected user.
func (h *Hub) Send(user domain.UserID, frame []byte) error {
	c, ok := h.clients.Get(user)
	if !ok {
		return domain.ErrRecipientOffline
	}
	if err := c.enqueue(frame); err != nil {
		return fmt.Errorf("send to %s: %w", user, err)
	}
	return nil
}

func (h *Hub) Deliver(_ context.Context, recipient domain.UserID, msg domain.SignalingMessage) error {
	frame, err := EncodeSignaling(msg)
	if err != nil {
		return err
	}
	return h.Send(recipient, frame)
}

func (h *Hub) PushQualityUpdate(_ context.Context, id domain.ConnectionID, recipient domain.UserID, decision domain.QualityDecision) error {
	frame, err := EncodeQuality(id, decision)
	if err != nil {
		return err
	}
	return h.Send(recipient, frame)
}

func (h *Hub) IsConnected(user domain.UserID) bool {
	_, ok := h.clients.Get(user)
	return ok
}

// Users lists the participants connected to this instance.
func (h *Hub) Users() []domain.UserID {
	users := make([]domain.UserID, 0, h.clients.Len())
	h.clients.Range(func(u domain.UserID, _ *Client) bool {
		users = append(users, u)
		return true
	})
	return users
}

func (h *Hub) Count() int {
	return h.clients.Len()
}

// CloseAll signals every writer to send a close frame and stop.
func (h *Hub) CloseAll() {
	h.clients.Range(func(_ domain.UserID, c *Client) bool {
		c.close()
		return true
	})
	h.clients.Clear()
}

var _ ports.Deliverer = (*Hub)(nil)
