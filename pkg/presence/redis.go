package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyRoomFmt    = "notesync:presence:room:{note:%s}"
	keyMembersFmt = "notesync:presence:members:{note:%s}"
	keyRoomPrefix = "notesync:presence:room:"
)

func roomKey(noteID string) string    { return fmt.Sprintf(keyRoomFmt, noteID) }
func membersKey(noteID string) string { return fmt.Sprintf(keyMembersFmt, noteID) }

// expire drops members whose deadline passed. KEYS[1] is the room zset (score = unix deadline), KEYS[2] the member
// hash, ARGV[1] the current unix time.
var expire = redis.NewScript(`
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`)

// RedisMirror copies room membership into redis so that services without a sync connection can see who is on a
// note. Entries carry a deadline and disappear on their own if this process dies without cleaning up.
type RedisMirror struct {
	rdb redis.UniversalClient
	ttl time.Duration
}

func NewRedisMirror(rdb redis.UniversalClient, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisMirror{rdb: rdb, ttl: ttl}
}

// Touch stores m and pushes its deadline out by the mirror's ttl. Call it again to keep a member alive.
func (r *RedisMirror) Touch(ctx context.Context, noteID string, m Member) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("failed to marshal member: %w", err)
	}
	tx := r.rdb.TxPipeline()
	tx.ZAdd(ctx, roomKey(noteID), redis.Z{Score: float64(time.Now().Add(r.ttl).Unix()), Member: m.ConnectionID})
	tx.HSet(ctx, membersKey(noteID), m.ConnectionID, raw)
	tx.Expire(ctx, roomKey(noteID), 2*r.ttl)
	tx.Expire(ctx, membersKey(noteID), 2*r.ttl)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("failed to write presence: %w", err)
	}
	return nil
}

func (r *RedisMirror) Remove(ctx context.Context, noteID, connectionID string) error {
	tx := r.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(noteID), connectionID)
	tx.HDel(ctx, membersKey(noteID), connectionID)
	if _, err := tx.Exec(ctx); err != nil {
		return fmt.Errorf("failed to remove presence: %w", err)
	}
	return nil
}

// Alive lists the members of a note whose deadline has not passed, dropping expired ones on the way.
func (r *RedisMirror) Alive(ctx context.Context, noteID string) ([]Member, error) {
	now := time.Now().Unix()
	if err := expire.Run(ctx, r.rdb, []string{roomKey(noteID), membersKey(noteID)}, now).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to expire presence: %w", err)
	}
	ids, err := r.rdb.ZRangeByScore(ctx, roomKey(noteID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list presence: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	raws, err := r.rdb.HMGet(ctx, membersKey(noteID), ids...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read members: %w", err)
	}
	members := make([]Member, 0, len(raws))
	for i, v := range raws {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var m Member
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, fmt.Errorf("failed to decode member %s: %w", ids[i], err)
		}
		members = append(members, m)
	}
	return members, nil
}

// Notes lists notes with a presence entry in redis.
func (r *RedisMirror) Notes(ctx context.Context) ([]string, error) {
	var notes []string
	iter := r.rdb.Scan(ctx, 0, keyRoomPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		k := strings.TrimPrefix(iter.Val(), keyRoomPrefix)
		k = strings.TrimSuffix(strings.TrimPrefix(k, "{note:"), "}")
		if k != "" {
			notes = append(notes, k)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan presence: %w", err)
	}
	return notes, nil
}
