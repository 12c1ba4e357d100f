// Package mirror copies live build state into Redis so dashboards can read it
// without their own bus connection.
package mirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/gamenest/buildsync/internal/builds"
	"github.com/gamenest/buildsync/internal/livesync"
)

// Keys, compatible with the status dashboard layout:
//
//	build:status:{buildId}  JSON snapshot without logs
//	logs:{buildId}          list of log lines
//	game:{gameId}:builds    set of build ids
func statusKey(buildID int64) string { return "build:status:" + strconv.FormatInt(buildID, 10) }

func logsKey(buildID int64) string { return "logs:" + strconv.FormatInt(buildID, 10) }

func gameKey(gameID int64) string { return "game:" + strconv.FormatInt(gameID, 10) + ":builds" }

type RedisSink struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisSink(client *redis.Client, ttl time.Duration) *RedisSink {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSink{client: client, ttl: ttl}
}

// Dial connects to addr and checks the server answers.
func Dial(ctx context.Context, addr string, db int, ttl time.Duration) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("mirror: ping %s: %w", addr, err)
	}
	log.Printf("mirror: connected to redis %s db=%d", addr, db)
	return NewRedisSink(client, ttl), nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}

// SaveBuild writes the snapshot of b. Logs are kept in their own list.
func (s *RedisSink) SaveBuild(ctx context.Context, gameID int64, b builds.Build) error {
	b.Logs = ""
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("mirror: marshal build %d: %w", b.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, statusKey(b.ID), data, s.ttl)
		pipe.SAdd(ctx, gameKey(gameID), b.ID)
		pipe.Expire(ctx, gameKey(gameID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror: save build %d: %w", b.ID, err)
	}
	return nil
}

// AppendLog pushes one line onto the build's log list and refreshes its expiry.
func (s *RedisSink) AppendLog(ctx context.Context, buildID int64, line string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, logsKey(buildID), line)
		pipe.Expire(ctx, logsKey(buildID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror: append log %d: %w", buildID, err)
	}
	return nil
}

// Seed writes full builds, replacing any log lists already mirrored for them.
// It is used for the table loaded before the change feed starts.
func (s *RedisSink) Seed(ctx context.Context, gameID int64, list []builds.Build) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, b := range list {
			lines := b.Logs
			b.Logs = ""
			data, err := json.Marshal(b)
			if err != nil {
				return fmt.Errorf("marshal build %d: %w", b.ID, err)
			}
			pipe.Set(ctx, statusKey(b.ID), data, s.ttl)
			pipe.SAdd(ctx, gameKey(gameID), b.ID)
			pipe.Del(ctx, logsKey(b.ID))
			if lines != "" {
				for _, line := range strings.Split(lines, "\n") {
					pipe.RPush(ctx, logsKey(b.ID), line)
				}
				pipe.Expire(ctx, logsKey(b.ID), s.ttl)
			}
		}
		pipe.Expire(ctx, gameKey(gameID), s.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("mirror: seed game %d: %w", gameID, err)
	}
	return nil
}

// Build reads a snapshot back, with its logs. ok is false when nothing is stored.
func (s *RedisSink) Build(ctx context.Context, buildID int64) (builds.Build, bool, error) {
	data, err := s.client.Get(ctx, statusKey(buildID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return builds.Build{}, false, nil
	}
	if err != nil {
		return builds.Build{}, false, fmt.Errorf("mirror: get build %d: %w", buildID, err)
	}
	var b builds.Build
	if err := json.Unmarshal(data, &b); err != nil {
		return builds.Build{}, false, fmt.Errorf("mirror: decode build %d: %w", buildID, err)
	}
	lines, err := s.Logs(ctx, buildID)
	if err != nil {
		return builds.Build{}, false, err
	}
	for i, line := range lines {
		if i > 0 {
			b.Logs += "\n"
		}
		b.Logs += line
	}
	return b, true, nil
}

func (s *RedisSink) Logs(ctx context.Context, buildID int64) ([]string, error) {
	lines, err := s.client.LRange(ctx, logsKey(buildID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("mirror: logs %d: %w", buildID, err)
	}
	return lines, nil
}

// GameBuilds lists the build ids mirrored for a game.
func (s *RedisSink) GameBuilds(ctx context.Context, gameID int64) ([]int64, error) {
	members, err := s.client.SMembers(ctx, gameKey(gameID)).Result()
	if err != nil {
		return nil, fmt.Errorf("mirror: game %d: %w", gameID, err)
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// GameSnapshot reads back every mirrored build of a game, newest id first.
// Ids whose snapshot has expired are skipped.
func (s *RedisSink) GameSnapshot(ctx context.Context, gameID int64) ([]builds.Build, error) {
	ids, err := s.GameBuilds(ctx, gameID)
	if err != nil {
		return nil, err
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
	list := make([]builds.Build, 0, len(ids))
	for _, id := range ids {
		b, ok, err := s.Build(ctx, id)
		if err != nil {
			return nil, err
		}
		if ok {
			list = append(list, b)
		}
	}
	return list, nil
}

// Run mirrors changes until the feed closes or ctx is done. Failed writes are
// logged and skipped.
func (s *RedisSink) Run(ctx context.Context, changes <-chan livesync.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			var err error
			switch ch.Kind {
			case livesync.BuildUpdated:
				err = s.SaveBuild(ctx, ch.GameID, ch.Build)
			case livesync.LogAppended:
				err = s.AppendLog(ctx, ch.Build.ID, ch.Line)
			}
			if err != nil {
				log.Printf("%v", err)
			}
		}
	}
}
