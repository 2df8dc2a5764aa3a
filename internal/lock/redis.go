package lock

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const (
	keyAccountLock  = "billable:lock:%s"
	keyProductLock  = "billable:lock:%s:%s"
	keyAccountUsers = "billable:lock:%s:holders"
)

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Takes every product lock or none, unless an account lock is held or pending.
// KEYS: account key, holders set, product keys. ARGV: token, ttl ms, now ms.
const productAcquireScript = `
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
for i = 3, #KEYS do
  if redis.call("EXISTS", KEYS[i]) == 1 then
    return 0
  end
end
for i = 3, #KEYS do
  redis.call("SET", KEYS[i], ARGV[1], "PX", ARGV[2])
  redis.call("ZADD", KEYS[2], tonumber(ARGV[3]) + tonumber(ARGV[2]), KEYS[i] .. ":" .. ARGV[1])
end
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return 1
`

// KEYS: holders set, product keys. ARGV: token.
const productReleaseScript = `
for i = 2, #KEYS do
  redis.call("ZREM", KEYS[1], KEYS[i] .. ":" .. ARGV[1])
  if redis.call("GET", KEYS[i]) == ARGV[1] then
    redis.call("DEL", KEYS[i])
  end
end
return 1
`

// Drops expired holders and reports how many remain. KEYS: holders set. ARGV: now ms.
const holdersScript = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
return redis.call("ZCARD", KEYS[1])
`

// RedisLocker serializes scopes across processes. Account scopes first claim
// the account key, which stops new product scopes, then wait for held product
// scopes to drain.
type RedisLocker struct {
	client  *redis.Client
	ttl     time.Duration
	poll    time.Duration
	release *redis.Script
	acquire *redis.Script
	relProd *redis.Script
	holders *redis.Script
}

func NewRedis(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{
		client:  client,
		ttl:     ttl,
		poll:    20 * time.Millisecond,
		release: redis.NewScript(lockReleaseScript),
		acquire: redis.NewScript(productAcquireScript),
		relProd: redis.NewScript(productReleaseScript),
		holders: redis.NewScript(holdersScript),
	}
}

func accountKey(scope Scope) string {
	return fmt.Sprintf(keyAccountLock, scope.AccountID)
}

func productKey(scope Scope) string {
	return fmt.Sprintf(keyProductLock, scope.AccountID, scope.ProductID)
}

func holdersKey(scope Scope) string {
	return fmt.Sprintf(keyAccountUsers, scope.AccountID)
}

func (l *RedisLocker) Acquire(ctx context.Context, scope Scope) (Release, error) {
	token := uuid.NewString()
	if scope.AccountWide() {
		return l.acquireAccount(ctx, scope, token)
	}
	return l.acquireProducts(ctx, []Scope{scope}, token)
}

// AcquireGroup takes product scopes of one account in one script call.
func (l *RedisLocker) AcquireGroup(ctx context.Context, scopes []Scope) (Release, error) {
	scopes = Ordered(scopes...)
	if len(scopes) == 0 {
		return func() {}, nil
	}
	for _, scope := range scopes {
		if scope.AccountWide() || scope.AccountID != scopes[0].AccountID {
			return nil, fmt.Errorf("%s: %w", scope, ErrMixedGroup)
		}
	}
	return l.acquireProducts(ctx, scopes, uuid.NewString())
}

func (l *RedisLocker) acquireProducts(ctx context.Context, scopes []Scope, token string) (Release, error) {
	first := scopes[0]
	products := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		products = append(products, productKey(scope))
	}
	keys := append([]string{accountKey(first), holdersKey(first)}, products...)
	releaseKeys := append([]string{holdersKey(first)}, products...)
	ttl := strconv.FormatInt(l.ttl.Milliseconds(), 10)
	for {
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		ok, err := l.acquire.Run(ctx, l.client, keys, token, ttl, now).Int()
		if err != nil {
			return nil, timeoutErr(first, err)
		}
		if ok == 1 {
			return l.releaser(func(ctx context.Context) error {
				return l.relProd.Run(ctx, l.client, releaseKeys, token).Err()
			}), nil
		}
		if err := l.wait(ctx); err != nil {
			return nil, timeoutErr(first, err)
		}
	}
}

func (l *RedisLocker) acquireAccount(ctx context.Context, scope Scope, token string) (Release, error) {
	key := accountKey(scope)
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, timeoutErr(scope, err)
		}
		if ok {
			break
		}
		if err := l.wait(ctx); err != nil {
			return nil, timeoutErr(scope, err)
		}
	}

	releaseAccount := func(ctx context.Context) error {
		return l.release.Run(ctx, l.client, []string{key}, token).Err()
	}
	for {
		now := strconv.FormatInt(time.Now().UnixMilli(), 10)
		n, err := l.holders.Run(ctx, l.client, []string{holdersKey(scope)}, now).Int()
		if err == nil && n == 0 {
			return l.releaser(releaseAccount), nil
		}
		if err == nil {
			err = l.wait(ctx)
		}
		if err != nil {
			_ = releaseAccount(context.Background())
			return nil, timeoutErr(scope, err)
		}
	}
}

func (l *RedisLocker) wait(ctx context.Context) error {
	timer := time.NewTimer(l.poll)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *RedisLocker) releaser(fn func(ctx context.Context) error) Release {
	done := false
	return func() {
		if done {
			return
		}
		done = true
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = fn(ctx)
	}
}
