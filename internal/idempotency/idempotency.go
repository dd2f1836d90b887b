// Package idempotency remembers the response of a keyed request so a client
// retrying the same checkout gets the original answer instead of a second sale.
package idempotency

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const Header = "Idempotency-Key"

const pending = "pending"

// ErrInProgress is returned when the same key is still being processed.
var ErrInProgress = errors.New("request with this idempotency key is in progress")

// Key extracts the idempotency key of a request, empty when absent.
func Key(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(Header))
}

// Response is a recorded answer.
type Response struct {
	Status int             `json:"status"`
	Body   json.RawMessage `json:"body"`
}

// Guard stores keys in Redis.
type Guard struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

func NewGuard(client redis.Cmdable, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Guard{client: client, ttl: ttl, prefix: "sales:idempotency:"}
}

func (g *Guard) redisKey(scope, key string) string {
	return g.prefix + scope + ":" + key
}

// Reserve claims key within scope. A nil response means the caller owns the
// key and must Complete or Release it; a non-nil response is the recorded
// answer of an earlier request.
func (g *Guard) Reserve(ctx context.Context, scope, key string) (*Response, error) {
	k := g.redisKey(scope, key)
	ok, err := g.client.SetNX(ctx, k, pending, g.ttl).Result()
	if err != nil {
		return nil, errors.Wrap(err, "reserve idempotency key")
	}
	if ok {
		return nil, nil
	}

	raw, err := g.client.Get(ctx, k).Result()
	if errors.Is(err, redis.Nil) {
		// Released between SETNX and GET; claim it again.
		return g.Reserve(ctx, scope, key)
	}
	if err != nil {
		return nil, errors.Wrap(err, "read idempotency key")
	}
	if raw == pending {
		return nil, ErrInProgress
	}

	var resp Response
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return nil, errors.Wrap(err, "decode recorded response")
	}
	return &resp, nil
}

// Complete records the final response for key.
func (g *Guard) Complete(ctx context.Context, scope, key string, resp Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return errors.Wrap(err, "encode response")
	}
	return errors.Wrap(g.client.Set(ctx, g.redisKey(scope, key), data, g.ttl).Err(), "record idempotency key")
}

// Release forgets key so the request can be retried.
func (g *Guard) Release(ctx context.Context, scope, key string) error {
	return errors.Wrap(g.client.Del(ctx, g.redisKey(scope, key)).Err(), "release idempotency key")
}
