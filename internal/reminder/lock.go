package reminder

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/factura/internal/config"
)

const keyReminderRunLock = "reminder:run:lock"

const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// RunLock serializes scheduler runs across instances. Escalation itself is
// guarded by conditional updates, but the reminder email goes out before the
// level advances, so overlapping runs could deliver the same reminder twice.
type RunLock struct {
	enabled bool
	client  *redis.Client
	script  *redis.Script
	ttl     time.Duration
}

func NewRunLock(cfg config.Config) (*RunLock, error) {
	addr := strings.TrimSpace(cfg.Reminder.RedisAddr)
	if addr == "" {
		return nil, nil
	}

	ttl := cfg.Reminder.LockTTL
	if ttl <= 0 {
		return nil, errors.New("reminder lock ttl must be positive")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.Reminder.RedisPassword),
		DB:       cfg.Reminder.RedisDB,
	})

	return &RunLock{
		enabled: true,
		client:  client,
		script:  redis.NewScript(lockReleaseScript),
		ttl:     ttl,
	}, nil
}

func (l *RunLock) Enabled() bool {
	return l != nil && l.enabled
}

// TryAcquire returns a release token and whether the lock was taken. A held
// lock means another instance is mid-run.
func (l *RunLock) TryAcquire(ctx context.Context) (string, bool, error) {
	if !l.Enabled() {
		return "", true, nil
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, keyReminderRunLock, token, l.ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

func (l *RunLock) Release(ctx context.Context, token string) error {
	if !l.Enabled() || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{keyReminderRunLock}, token).Err()
}
