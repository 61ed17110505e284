// Package nats provides the NATS connection shared by the pipeline processes.
package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Client owns one core NATS connection. JetStreamClient builds on it.
type Client struct {
	conn *nats.Conn
}

type Config struct {
	URL string

	// Name identifies the process in server connection listings
	// ("playback", "playbackctl").
	Name string

	// MaxReconnects of -1 retries forever; the CLI uses 0 and fails fast.
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration

	// Either Username/Password or Token, when the server requires auth.
	Username string
	Password string
	Token    string
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "playback",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NewClient dials cfg.URL. Disconnects and reconnects are logged so a stalled
// capture consumer or invocation worker can be traced to the broker.
func NewClient(cfg Config) (*Client, error) {
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(c *nats.Conn, err error) {
			if err != nil {
				slog.Warn("Lost NATS connection",
					slog.String("name", cfg.Name),
					slog.String("error", err.Error()),
				)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("Reconnected to NATS",
				slog.String("name", cfg.Name),
				slog.String("url", c.ConnectedUrl()),
			)
		}),
	}

	switch {
	case cfg.Token != "":
		opts = append(opts, nats.Token(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", cfg.URL, err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	c.conn.Close()
	return nil
}

// Drain lets in-flight acks and publishes finish before closing.
func (c *Client) Drain() error {
	return c.conn.Drain()
}

func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}
