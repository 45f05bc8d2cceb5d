// Package db stores episodes and frames in SurrealDB.
package db

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/recall/internal/metrics"
	"github.com/surrealdb/surrealdb.go"
	"github.com/surrealdb/surrealdb.go/contrib/rews"
	"github.com/surrealdb/surrealdb.go/pkg/connection"
	"github.com/surrealdb/surrealdb.go/pkg/connection/gorillaws"
	"github.com/surrealdb/surrealdb.go/pkg/logger"
	"github.com/surrealdb/surrealdb.go/surrealcbor"
)

func init() {
	// wss upgrades fail when ALPN negotiates HTTP/2.
	gorillaws.DefaultDialer.TLSClientConfig = &tls.Config{
		NextProtos: []string{"http/1.1"},
	}
}

// Auth levels accepted in Config.AuthLevel.
const (
	AuthRoot     = "root"
	AuthDatabase = "database"
)

const (
	defaultDialTimeout   = 5 * time.Second
	defaultMaxReconnects = 10
)

// Config holds SurrealDB connection settings.
type Config struct {
	URL       string
	Namespace string
	Database  string
	Username  string
	Password  string
	AuthLevel string // AuthRoot (default) or AuthDatabase

	// DialTimeout bounds each (re)connect attempt.
	DialTimeout time.Duration
	// MaxReconnects caps consecutive reconnect attempts after a drop.
	MaxReconnects int
}

func (c Config) withDefaults() Config {
	if c.AuthLevel == "" {
		c.AuthLevel = AuthRoot
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.MaxReconnects <= 0 {
		c.MaxReconnects = defaultMaxReconnects
	}
	return c
}

// signInAuth builds the credentials for cfg's auth level.
func signInAuth(cfg Config) (surrealdb.Auth, error) {
	switch cfg.AuthLevel {
	case AuthRoot:
		return surrealdb.Auth{Username: cfg.Username, Password: cfg.Password}, nil
	case AuthDatabase:
		return surrealdb.Auth{
			Namespace: cfg.Namespace,
			Database:  cfg.Database,
			Username:  cfg.Username,
			Password:  cfg.Password,
		}, nil
	}
	return surrealdb.Auth{}, fmt.Errorf("unknown auth level %q", cfg.AuthLevel)
}

// Client is the SurrealDB-backed store.Repository. The websocket reconnects
// on its own; capture keeps flowing once the server is back.
type Client struct {
	conn    *rews.Connection[*gorillaws.Connection]
	db      *surrealdb.DB
	log     *slog.Logger
	metrics *metrics.Collector
}

// NewClient connects, signs in and selects the activity database.
// mc may be nil.
func NewClient(ctx context.Context, cfg Config, log *slog.Logger, mc *metrics.Collector) (*Client, error) {
	cfg = cfg.withDefaults()
	auth, err := signInAuth(cfg)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "surrealdb")
	sdkLogger := logger.New(log.Handler())

	codec := surrealcbor.New()
	// gorillaws appends /rpc itself
	baseURL := strings.TrimSuffix(cfg.URL, "/rpc")

	conn := rews.New(
		func(ctx context.Context) (*gorillaws.Connection, error) {
			return gorillaws.New(&connection.Config{
				BaseURL:     baseURL,
				Marshaler:   codec,
				Unmarshaler: codec,
				Logger:      sdkLogger,
			}), nil
		},
		cfg.DialTimeout,
		codec,
		sdkLogger,
	)
	retryer := rews.NewExponentialBackoffRetryer()
	retryer.InitialDelay = time.Second
	retryer.MaxDelay = 30 * time.Second
	retryer.Multiplier = 2.0
	retryer.MaxRetries = cfg.MaxReconnects
	conn.Retryer = retryer

	log.Info("connecting", "url", cfg.URL, "namespace", cfg.Namespace, "database", cfg.Database)
	if err := conn.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", cfg.URL, err)
	}

	db, err := surrealdb.FromConnection(ctx, conn)
	if err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("from connection: %w", err)
	}
	if _, err := db.SignIn(ctx, auth); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("signin as %s (%s): %w", cfg.Username, cfg.AuthLevel, err)
	}
	if err := db.Use(ctx, cfg.Namespace, cfg.Database); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("use %s/%s: %w", cfg.Namespace, cfg.Database, err)
	}

	log.Info("connected")
	return &Client{conn: conn, db: db, log: log, metrics: mc}, nil
}

// Close closes the connection.
func (c *Client) Close(ctx context.Context) error {
	c.log.Info("closing connection")
	return c.conn.Close(ctx)
}

// InitSchema defines the episode and frame tables and their indexes.
func (c *Client) InitSchema(ctx context.Context) error {
	if _, err := surrealdb.Query[any](ctx, c.db, SchemaSQL, nil); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	c.log.Debug("schema ready")
	return nil
}

// observe records the duration of a repository call. It is deferred with a
// pointer to the named error result.
func (c *Client) observe(start time.Time, errp *error) {
	if c.metrics == nil {
		return
	}
	if *errp != nil {
		c.metrics.RecordError(metrics.OpDBQuery, time.Since(start))
		return
	}
	c.metrics.RecordTiming(metrics.OpDBQuery, time.Since(start))
}

const wipeSQL = `
	BEGIN TRANSACTION;
	DELETE frame;
	DELETE episode;
	COMMIT TRANSACTION;
`

// WipeData deletes every episode and frame, keeping the schema.
func (c *Client) WipeData(ctx context.Context) (err error) {
	defer c.observe(time.Now(), &err)
	c.log.Warn("wiping activity data")
	if _, err = surrealdb.Query[any](ctx, c.db, wipeSQL, nil); err != nil {
		return fmt.Errorf("wipe: %w", err)
	}
	return nil
}
