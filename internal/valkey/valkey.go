// Package valkey opens the process-wide Valkey client used for state, presence, and pub/sub.
package valkey

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect builds a client from the deployment URL and verifies the server answers a ping before handing it out.
// dialTimeout bounds the wait for new connections.
func Connect(ctx context.Context, rawURL string, dialTimeout time.Duration) (*redis.Client, error) {
	opts, err := clientOptions(rawURL)
	if err != nil {
		return nil, err
	}
	opts.DialTimeout = dialTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping valkey: %w", err)
	}
	return client, nil
}

// clientOptions translates a valkey:// URL into go-redis options. go-redis only accepts redis schemes, so the valkey
// scheme (any case) is rewritten before parsing; redis:// URLs pass through untouched.
func clientOptions(rawURL string) (*redis.Options, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	if strings.EqualFold(parsed.Scheme, "valkey") {
		parsed.Scheme = "redis"
	}
	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, fmt.Errorf("parse valkey URL: %w", err)
	}
	return opts, nil
}
