package chat

import (
	"context"

	"github.com/google/uuid"
)

// command is one unit of work for the router's command loop.
type command interface {
	run(ctx context.Context, r *Router)
}

// Handle submits commands to a running router. Handles are cheap to copy
// and safe for concurrent use; one is held by every WS session.
type Handle struct {
	cmds chan<- command
}

type connectResult struct {
	connID string
	err    error
}

type connectCmd struct {
	userID uuid.UUID
	sink   chan []byte
	reply  chan connectResult
}

func (c *connectCmd) run(ctx context.Context, r *Router) {
	connID, err := r.connect(ctx, c.userID, c.sink)
	c.reply <- connectResult{connID: connID, err: err}
}

type disconnectCmd struct {
	userID uuid.UUID
	connID string
	reply  chan struct{}
}

func (c *disconnectCmd) run(ctx context.Context, r *Router) {
	r.disconnect(ctx, c.userID, c.connID)
	c.reply <- struct{}{}
}

type joinCmd struct {
	userID         uuid.UUID
	connID         string
	conversationID int32
	reply          chan error
}

func (c *joinCmd) run(ctx context.Context, r *Router) {
	c.reply <- r.join(ctx, c.userID, c.connID, c.conversationID)
}

type leaveCmd struct {
	userID uuid.UUID
	connID string
	reply  chan error
}

func (c *leaveCmd) run(ctx context.Context, r *Router) {
	c.reply <- r.leave(ctx, c.userID, c.connID)
}

type sendMessageCmd struct {
	userID uuid.UUID
	connID string
	data   MessageData
	reply  chan error
}

func (c *sendMessageCmd) run(ctx context.Context, r *Router) {
	c.reply <- r.sendMessage(ctx, c.userID, c.connID, c.data)
}

// Connect registers a new session and returns its connection id. sink is
// the session's outbound queue; room traffic is delivered on it.
func (h Handle) Connect(ctx context.Context, userID uuid.UUID, sink chan []byte) (string, error) {
	cmd := &connectCmd{userID: userID, sink: sink, reply: make(chan connectResult, 1)}
	if err := h.submit(ctx, cmd); err != nil {
		return "", err
	}
	select {
	case res := <-cmd.reply:
		return res.connID, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Disconnect tears down one session. Safe to call more than once.
func (h Handle) Disconnect(ctx context.Context, userID uuid.UUID, connID string) {
	cmd := &disconnectCmd{userID: userID, connID: connID, reply: make(chan struct{}, 1)}
	if err := h.submit(ctx, cmd); err != nil {
		return
	}
	select {
	case <-cmd.reply:
	case <-ctx.Done():
	}
}

// Join focuses the session on a conversation.
func (h Handle) Join(ctx context.Context, userID uuid.UUID, connID string, conversationID int32) error {
	cmd := &joinCmd{userID: userID, connID: connID, conversationID: conversationID, reply: make(chan error, 1)}
	return h.await(ctx, cmd, cmd.reply)
}

// Leave drops the session's focus on its active conversation.
func (h Handle) Leave(ctx context.Context, userID uuid.UUID, connID string) error {
	cmd := &leaveCmd{userID: userID, connID: connID, reply: make(chan error, 1)}
	return h.await(ctx, cmd, cmd.reply)
}

// SendMessage publishes a chat payload into the session's active room.
func (h Handle) SendMessage(ctx context.Context, userID uuid.UUID, connID string, data MessageData) error {
	cmd := &sendMessageCmd{userID: userID, connID: connID, data: data, reply: make(chan error, 1)}
	return h.await(ctx, cmd, cmd.reply)
}

func (h Handle) submit(ctx context.Context, cmd command) error {
	select {
	case h.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h Handle) await(ctx context.Context, cmd command, reply chan error) error {
	if err := h.submit(ctx, cmd); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
