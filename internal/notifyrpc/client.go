// Package notifyrpc is a gRPC client for the notification service, used by
// the chat router to resolve device tokens and fan out offline pushes. The
// upstream speaks JSON payloads over gRPC, so calls go through conn.Invoke
// with the registered json codec instead of generated stubs.
package notifyrpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"relay/internal/models"
	"relay/internal/observability"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	serviceName = "notification.NotificationService"

	methodDeviceTokens = "/" + serviceName + "/GetUserDeviceTokens"
	methodSendPush     = "/" + serviceName + "/SendPushNotification"

	connectTimeout = 5 * time.Second
	callTimeout    = 3 * time.Second
)

type deviceTokensRequest struct {
	UserID string `json:"user_id"`
}

type deviceTokensResponse struct {
	Tokens []string `json:"tokens"`
}

type sendPushResponse struct {
	Status string `json:"status,omitempty"`
}

// Client dials the notification service lazily and keeps the connection
// behind a circuit breaker so a down upstream cannot stall chat delivery.
type Client struct {
	target  string
	breaker *Breaker
	traces  *observability.TraceLayer
	logger  *observability.Logger

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewClient returns a client for the given host:port target. No connection
// is made until the first call.
func NewClient(target string) *Client {
	return &Client{
		target:  target,
		breaker: NewBreaker(serviceName),
		traces:  observability.GetTraceLayer(),
		logger:  observability.GlobalLogger,
	}
}

// GetUserDeviceTokens returns the FCM device tokens registered for a user.
func (c *Client) GetUserDeviceTokens(ctx context.Context, userID uuid.UUID) ([]string, error) {
	var resp deviceTokensResponse
	req := deviceTokensRequest{UserID: userID.String()}
	if err := c.invoke(ctx, "GetUserDeviceTokens", methodDeviceTokens, req, &resp); err != nil {
		return nil, err
	}
	return resp.Tokens, nil
}

// SendPushNotification hands a push job to the notification service.
func (c *Client) SendPushNotification(ctx context.Context, msg models.PushMessage) error {
	var resp sendPushResponse
	return c.invoke(ctx, "SendPushNotification", methodSendPush, msg, &resp)
}

// Close tears down the connection if one was established.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) invoke(ctx context.Context, name, method string, req, resp interface{}) error {
	if err := c.breaker.Allow(); err != nil {
		return err
	}

	ctx, span := c.traces.TraceRPC(ctx, serviceName, name)
	defer span.End()

	err := c.call(ctx, method, req, resp)
	c.breaker.Record(err)
	if err != nil {
		span.RecordError(err)
		c.logger.ErrorContext(ctx, "notification rpc failed",
			"method", name,
			"target", c.target,
			"error", err.Error(),
		)
		return fmt.Errorf("notification rpc %s: %w", name, err)
	}
	return nil
}

func (c *Client) call(ctx context.Context, method string, req, resp interface{}) error {
	conn, err := c.connection()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	return conn.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName))
}

// connection returns the shared conn, dialing on first use. Dial failures
// feed the breaker through invoke like any other call error.
func (c *Client) connection() (*grpc.ClientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := grpc.NewClient(c.target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithConnectParams(grpc.ConnectParams{MinConnectTimeout: connectTimeout}),
	)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.target, err)
	}
	c.conn = conn
	return conn, nil
}
