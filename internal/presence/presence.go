package presence

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/playgrid/arena/internal/events"
	"github.com/playgrid/arena/internal/obslog"
	"github.com/playgrid/arena/internal/store"
)

// Status is a player's current activity.
type Status string

const (
	StatusOffline Status = "OFFLINE"
	StatusIdle    Status = "IDLE"
	StatusQueued  Status = "QUEUED"
	StatusInGame  Status = "IN_GAME"
)

// Location is the answer to "where is this player and what are they doing".
type Location struct {
	PlayerID   string
	InstanceID string
	Status     Status
	Rating     int
}

// Directory is the authoritative record of live connections, shared through
// Redis. A presence record whose TTL has lapsed is the same as no record.
type Directory struct {
	st  *store.Client
	pub events.Publisher

	ttl     time.Duration
	strikes int
}

func NewDirectory(st *store.Client, pub events.Publisher, ttl time.Duration, strikeThreshold int) *Directory {
	return &Directory{st: st, pub: pub, ttl: ttl, strikes: strikeThreshold}
}

func presenceKey(playerID string) string { return "presence:" + strings.TrimSpace(playerID) }

const onlineSetKey = "online:players"

// RecordConnect creates or refreshes the presence record. A reconnecting
// player keeps a QUEUED or IN_GAME status; anything else resets to IDLE.
func (d *Directory) RecordConnect(ctx context.Context, playerID, instanceID string, rating int) (Status, error) {
	key := presenceKey(playerID)
	prev, err := d.st.Redis().HGet(ctx, key, "status").Result()
	if err != nil && err != redis.Nil {
		return "", err
	}
	status := StatusIdle
	if s := Status(prev); s == StatusQueued || s == StatusInGame {
		status = s
	}

	pipe := d.st.Redis().Pipeline()
	pipe.HSet(ctx, key,
		"instanceId", strings.TrimSpace(instanceID),
		"status", string(status),
		"rating", strconv.Itoa(rating),
		"missedHeartbeats", "0",
	)
	pipe.Expire(ctx, key, d.ttl)
	pipe.SAdd(ctx, onlineSetKey, playerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", err
	}
	return status, nil
}

// RecordHeartbeat resets the strike counter and renews the TTL, but only when
// a record still exists. Heartbeats never resurrect an evicted player.
func (d *Directory) RecordHeartbeat(ctx context.Context, playerID string) (bool, error) {
	key := presenceKey(playerID)
	n, err := d.st.Redis().Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, nil
	}
	pipe := d.st.Redis().Pipeline()
	pipe.HSet(ctx, key, "missedHeartbeats", "0")
	pipe.Expire(ctx, key, d.ttl)
	_, err = pipe.Exec(ctx)
	return err == nil, err
}

// RecordDisconnect removes the record. Queue and match cleanup happen in the
// consumers of the player-gone event so an eviction and an explicit disconnect
// run the exact same path.
func (d *Directory) RecordDisconnect(ctx context.Context, playerID string) error {
	pipe := d.st.Redis().Pipeline()
	pipe.Del(ctx, presenceKey(playerID))
	pipe.SRem(ctx, onlineSetKey, playerID)
	_, err := pipe.Exec(ctx)
	return err
}

// Locate returns the owning instance and status, or nil when the player is
// absent (no record, or TTL lapsed).
func (d *Directory) Locate(ctx context.Context, playerID string) (*Location, error) {
	data, err := d.st.Redis().HGetAll(ctx, presenceKey(playerID)).Result()
	if err != nil {
		return nil, err
	}
	if len(data) == 0 || data["instanceId"] == "" {
		return nil, nil
	}
	rating, _ := strconv.Atoi(data["rating"])
	return &Location{
		PlayerID:   playerID,
		InstanceID: data["instanceId"],
		Status:     Status(data["status"]),
		Rating:     rating,
	}, nil
}

// SetStatus flips the activity status of an existing record. A missing record
// stays missing; writing it back would fabricate presence without a TTL.
func (d *Directory) SetStatus(ctx context.Context, playerID string, status Status) error {
	key := presenceKey(playerID)
	n, err := d.st.Redis().Exists(ctx, key).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	return d.st.Redis().HSet(ctx, key, "status", string(status)).Err()
}

// Sweep is one janitor pass: every online player who has not refreshed since
// the last pass takes a strike; past the threshold they are force-evicted
// through the normal disconnect path. Returns the evicted ids.
func (d *Directory) Sweep(ctx context.Context) ([]string, error) {
	var evicted []string
	var cursor uint64
	for {
		ids, next, err := d.st.Redis().SScan(ctx, onlineSetKey, cursor, "", 100).Result()
		if err != nil {
			return evicted, err
		}
		for _, playerID := range ids {
			key := presenceKey(playerID)
			exists, err := d.st.Redis().Exists(ctx, key).Result()
			if err != nil {
				continue
			}
			if exists == 0 {
				// TTL already reaped the record; the set entry is a ghost.
				if err := d.evict(ctx, playerID); err == nil {
					evicted = append(evicted, playerID)
				}
				continue
			}
			strikes, err := d.st.Redis().HIncrBy(ctx, key, "missedHeartbeats", 1).Result()
			if err != nil {
				continue
			}
			if int(strikes) >= d.strikes {
				obslog.L().Info("presence_evict",
					zap.String("player_id", playerID),
					zap.Int64("strikes", strikes),
				)
				if err := d.evict(ctx, playerID); err == nil {
					evicted = append(evicted, playerID)
				}
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return evicted, nil
}

func (d *Directory) evict(ctx context.Context, playerID string) error {
	if err := d.RecordDisconnect(ctx, playerID); err != nil {
		return err
	}
	env, err := events.NewEnvelope(events.KindPlayerGone, events.PlayerGone{PlayerID: playerID})
	if err != nil {
		return err
	}
	if err := d.pub.Publish(ctx, events.CommandSubject(events.KindPlayerGone), env); err != nil {
		obslog.L().Error("presence_evict_publish_error", zap.String("player_id", playerID), zap.Error(err))
		return err
	}
	return nil
}

// RunJanitor sweeps on a fixed interval until ctx is cancelled.
func (d *Directory) RunJanitor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := d.Sweep(ctx); err != nil {
				obslog.L().Error("presence_sweep_error", zap.Error(err))
			}
		}
	}
}
