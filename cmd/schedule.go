package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/chenders/deadonfilm-sub007/internal/run"
)

const backfillLockKey = "deadonfilm:lock:scheduled-backfill"

// jobLock keeps replicas from running the same scheduled job twice.
type jobLock interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key string) error
}

// redisLock is a SET NX lock owned by one process.
type redisLock struct {
	client *redis.Client
	owner  string
}

func newRedisLock(client *redis.Client) *redisLock {
	host, _ := os.Hostname()
	return &redisLock{client: client, owner: fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())}
}

func (l *redisLock) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, key, l.owner, ttl).Result()
	if err != nil {
		return false, eris.Wrapf(err, "lock: acquire %s", key)
	}
	return ok, nil
}

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// Unlock releases the lock only if this process still owns it.
func (l *redisLock) Unlock(ctx context.Context, key string) error {
	if err := unlockScript.Run(ctx, l.client, []string{key}, l.owner).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return eris.Wrapf(err, "lock: release %s", key)
	}
	return nil
}

// scheduler runs the nightly retry backfill on a cron spec.
type scheduler struct {
	cron    *cron.Cron
	spec    string
	job     func(ctx context.Context) error
	lock    jobLock // nil runs without cross-process locking
	lockTTL time.Duration
	running atomic.Bool
}

// newScheduler returns nil when no backfill schedule is configured.
func newScheduler(env *enrichEnv) (*scheduler, error) {
	if cfg.Schedule.Backfill == "" {
		return nil, nil
	}
	sel := itemSelection{retry: true, limit: cfg.Schedule.Limit}
	job := func(ctx context.Context) error {
		rep, err := runBackfill(ctx, env, sel, baseOptions(), baseLimits(), io.Discard)
		if rep != nil {
			zap.L().Info("scheduler: backfill report",
				zap.String("run_id", rep.Run.ID),
				zap.String("exit_reason", string(rep.ExitReason)),
				zap.Int("exit_code", run.ExitCode(rep.ExitReason)),
			)
		}
		return err
	}

	// Replicas sharing a Redis cache also share the lock.
	var lock jobLock
	if env.Redis != nil {
		lock = newRedisLock(env.Redis)
	}

	return newCronScheduler(cfg.Schedule.Backfill, job, lock, time.Duration(cfg.Schedule.LockTTLMins)*time.Minute)
}

func newCronScheduler(spec string, job func(ctx context.Context) error, lock jobLock, lockTTL time.Duration) (*scheduler, error) {
	if _, err := cron.ParseStandard(spec); err != nil {
		return nil, eris.Wrapf(err, "invalid backfill schedule %q", spec)
	}
	if lockTTL <= 0 {
		lockTTL = 2 * time.Hour
	}
	return &scheduler{
		cron:    cron.New(),
		spec:    spec,
		job:     job,
		lock:    lock,
		lockTTL: lockTTL,
	}, nil
}

// Start registers the job and starts the cron loop. Jobs see ctx.
func (s *scheduler) Start(ctx context.Context) {
	_, _ = s.cron.AddFunc(s.spec, func() { s.runOnce(ctx) })
	s.cron.Start()
	zap.L().Info("scheduler: backfill scheduled", zap.String("spec", s.spec))
}

// Stop halts the cron loop and waits for a running job.
func (s *scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// runOnce runs the job unless it is already running here or, with a lock,
// on another replica. It reports whether the job ran.
func (s *scheduler) runOnce(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if !s.running.CompareAndSwap(false, true) {
		zap.L().Info("scheduler: backfill still running, skipping")
		return false
	}
	defer s.running.Store(false)

	if s.lock != nil {
		ok, err := s.lock.TryLock(ctx, backfillLockKey, s.lockTTL)
		if err != nil {
			zap.L().Error("scheduler: lock failed", zap.Error(err))
			return false
		}
		if !ok {
			zap.L().Info("scheduler: backfill running on another instance, skipping")
			return false
		}
		defer func() {
			if err := s.lock.Unlock(context.WithoutCancel(ctx), backfillLockKey); err != nil {
				zap.L().Warn("scheduler: unlock failed", zap.Error(err))
			}
		}()
	}

	start := time.Now()
	if err := s.job(ctx); err != nil {
		zap.L().Error("scheduler: backfill failed", zap.Error(err), zap.Duration("elapsed", time.Since(start)))
		return true
	}
	zap.L().Info("scheduler: backfill finished", zap.Duration("elapsed", time.Since(start)))
	return true
}
