// Package rabbitmq adapts the messaging contracts to RabbitMQ: a shared
// connection hub, a confirm-mode topic publisher, a durable-queue subscriber,
// and the broker error classifier.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/rbasniak/painting-projects-management-sub003/messaging/backoff"
	"github.com/rbasniak/painting-projects-management-sub003/messaging/log"
)

// ErrNilConnection is returned when a method is called on a nil Connection.
var ErrNilConnection = errors.New("rabbitmq connection is nil")

// reconnectBackoffCap is the maximum delay between reconnect attempts.
const reconnectBackoffCap = 30 * time.Second

const reconnectBackoffBase = 500 * time.Millisecond

// Connection is a hub that owns one AMQP connection and hands out dedicated
// channels. Reconnect attempts are rate-limited with exponential backoff to
// avoid thundering-herd storms when the broker is down.
type Connection struct {
	mu               sync.Mutex
	ConnectionString string `json:"-"`
	Logger           log.Logger

	conn   *amqp.Connection
	dialer func(context.Context, string) (*amqp.Connection, error)

	lastReconnectAttempt time.Time
	reconnectAttempts    int
}

// NewConnection creates a connection hub for the given AMQP URI. The
// connection is established lazily on first channel request.
func NewConnection(connectionString string, logger log.Logger) *Connection {
	return &Connection{
		ConnectionString: connectionString,
		Logger:           logger,
	}
}

// NewChannel returns a fresh dedicated channel, dialing the broker if
// needed. Each publisher and each subscription owns its own channel.
func (rc *Connection) NewChannel(ctx context.Context) (*amqp.Channel, error) {
	if rc == nil {
		return nil, ErrNilConnection
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("rabbitmq new channel: %w", err)
	}

	conn, err := rc.ensureConnection(ctx)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		rc.invalidate(conn)

		return nil, fmt.Errorf("open rabbitmq channel: %w", err)
	}

	return ch, nil
}

func (rc *Connection) ensureConnection(ctx context.Context) (*amqp.Connection, error) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.conn != nil && !rc.conn.IsClosed() {
		return rc.conn, nil
	}

	// Rate-limit redials after failures so a down broker is not hammered.
	if rc.reconnectAttempts > 0 {
		delay := backoff.ExponentialWithJitterCapped(reconnectBackoffBase, rc.reconnectAttempts, reconnectBackoffCap)
		if elapsed := time.Since(rc.lastReconnectAttempt); elapsed < delay {
			return nil, fmt.Errorf("rabbitmq dial rate-limited (next attempt in %s)", delay-elapsed)
		}
	}

	rc.lastReconnectAttempt = time.Now()

	dialer := rc.dialer
	if dialer == nil {
		dialer = func(_ context.Context, uri string) (*amqp.Connection, error) {
			return amqp.Dial(uri)
		}
	}

	conn, err := dialer(ctx, rc.ConnectionString)
	if err != nil {
		rc.reconnectAttempts++

		rc.logger().Log(context.Background(), log.LevelError, "failed to connect to rabbitmq",
			log.String("error_detail", sanitizeAMQPErr(err, rc.ConnectionString)))

		return nil, newSanitizedError(err, rc.ConnectionString, "failed to connect to rabbitmq")
	}

	rc.conn = conn
	rc.reconnectAttempts = 0

	rc.logger().Log(context.Background(), log.LevelInfo, "connected to rabbitmq")

	return conn, nil
}

// invalidate drops the cached connection if it is the one that just failed.
func (rc *Connection) invalidate(conn *amqp.Connection) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	if rc.conn == conn {
		rc.conn = nil
	}
}

// Close closes the underlying AMQP connection.
func (rc *Connection) Close() error {
	if rc == nil {
		return ErrNilConnection
	}

	rc.mu.Lock()
	conn := rc.conn
	rc.conn = nil
	rc.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}

	if err := conn.Close(); err != nil {
		return fmt.Errorf("close rabbitmq connection: %w", err)
	}

	return nil
}

func (rc *Connection) logger() log.Logger {
	if rc == nil || rc.Logger == nil {
		return log.NewNop()
	}

	return rc.Logger
}

// sanitizedError wraps an original error with a redacted message. Error()
// returns the sanitized text; Unwrap() keeps errors.Is / errors.As working.
type sanitizedError struct {
	original error
	message  string
}

func (e *sanitizedError) Error() string { return e.message }

func (e *sanitizedError) Unwrap() error { return e.original }

func newSanitizedError(err error, connectionString, prefix string) error {
	return fmt.Errorf("%s: %w", prefix, &sanitizedError{
		original: err,
		message:  sanitizeAMQPErr(err, connectionString),
	})
}

// sanitizeAMQPErr redacts credentials from broker error messages before they
// reach logs or storage.
func sanitizeAMQPErr(err error, connectionString string) string {
	if err == nil {
		return ""
	}

	if connectionString == "" {
		return err.Error()
	}

	referenceURL, parseErr := url.Parse(connectionString)
	if parseErr != nil {
		return err.Error()
	}

	redactedURL := referenceURL.Redacted()

	errMsg := err.Error()
	if strings.Contains(errMsg, connectionString) {
		errMsg = strings.ReplaceAll(errMsg, connectionString, redactedURL)
	}

	if strings.Contains(errMsg, referenceURL.String()) {
		errMsg = strings.ReplaceAll(errMsg, referenceURL.String(), redactedURL)
	}

	if referenceURL.User != nil {
		if pass, ok := referenceURL.User.Password(); ok && pass != "" {
			errMsg = strings.ReplaceAll(errMsg, pass, "xxxxx")
		}
	}

	return errMsg
}

// BuildConnectionString constructs an AMQP connection string. If vhost is
// empty the default vhost "/" is used. Special characters in user, password,
// and vhost are URL-encoded automatically. Supports IPv6 hosts.
func BuildConnectionString(protocol, user, pass, host, port, vhost string) string {
	u := &url.URL{Scheme: protocol}
	if user != "" || pass != "" {
		u.User = url.UserPassword(user, pass)
	}

	if port != "" {
		u.Host = net.JoinHostPort(host, port)
	} else {
		if strings.Contains(host, ":") && !strings.HasPrefix(host, "[") {
			u.Host = "[" + host + "]"
		} else {
			u.Host = host
		}
	}

	if vhost != "" {
		// RabbitMQ vhost names may contain '/', which must be encoded as %2F.
		escapedVHost := url.QueryEscape(vhost)
		escapedVHost = strings.ReplaceAll(escapedVHost, "+", "%20")
		u.Path = "/" + vhost
		u.RawPath = "/" + escapedVHost
	}

	return u.String()
}
