// Package session stores live collaboration state in Redis so that every API
// instance sees the same presence, pending edits and change buffers.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"reportcollab/api/internal/collab"
)

const defaultPrefix = "collab:"

// RedisStore implements collab.StateStore.
//
// Key layout (prefix omitted):
//
//	presence:<doc>      hash userID -> presenceRecord JSON, TTL refreshed per upsert
//	user-docs:<user>    set of documents the user is present in (reverse index)
//	pending:<doc>       hash token/content/author/ts, short TTL
//	changes:<doc>       list of committed Change JSON, oldest first
//	contributors:<doc>  set of author ids since the last persist
//	active-docs         set of documents with presence or buffered changes
//	flush-lock:<doc>    flush owner token
type RedisStore struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ collab.StateStore = (*RedisStore)(nil)

type presenceRecord struct {
	collab.Participant
	ExpiresAt time.Time `json:"expiresAt"`
	// ExpiresAtMs mirrors ExpiresAt for the Lua scripts.
	ExpiresAtMs int64 `json:"expiresAtMs"`
}

func newPresenceRecord(p collab.Participant, expiresAt time.Time) presenceRecord {
	return presenceRecord{Participant: p, ExpiresAt: expiresAt, ExpiresAtMs: expiresAt.UnixMilli()}
}

// NewRedisStore creates a new Redis-backed session store
func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient creates a store from an existing Redis client
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		prefix: defaultPrefix,
		now:    time.Now,
	}
}

// Client exposes the underlying connection for pub/sub.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) presenceKey(documentID string) string {
	return s.prefix + "presence:" + documentID
}

func (s *RedisStore) userDocsKey(userID string) string {
	return s.prefix + "user-docs:" + userID
}

func (s *RedisStore) pendingKey(documentID string) string {
	return s.prefix + "pending:" + documentID
}

func (s *RedisStore) changesKey(documentID string) string {
	return s.prefix + "changes:" + documentID
}

func (s *RedisStore) contributorsKey(documentID string) string {
	return s.prefix + "contributors:" + documentID
}

func (s *RedisStore) activeKey() string {
	return s.prefix + "active-docs"
}

func (s *RedisStore) flushLockKey(documentID string) string {
	return s.prefix + "flush-lock:" + documentID
}

// UpsertPresence deletes any entry for (document, user) and writes the new one
// in the same MULTI, together with the reverse index and the active set.
func (s *RedisStore) UpsertPresence(ctx context.Context, p collab.Participant, ttl time.Duration) error {
	record, err := json.Marshal(newPresenceRecord(p, s.now().Add(ttl)))
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}

	presenceKey := s.presenceKey(p.DocumentID)
	userDocsKey := s.userDocsKey(p.UserID)
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, presenceKey, p.UserID)
		pipe.HSet(ctx, presenceKey, p.UserID, record)
		pipe.Expire(ctx, presenceKey, ttl)
		pipe.SAdd(ctx, userDocsKey, p.DocumentID)
		pipe.Expire(ctx, userDocsKey, ttl)
		pipe.SAdd(ctx, s.activeKey(), p.DocumentID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// KEYS: presence, user-docs, changes, active-docs. ARGV: userID, documentID, now (unix ms).
// Entries past their own expiry are dropped before counting, since the hash
// TTL is refreshed by any live participant.
var removePresenceScript = redis.NewScript(`
local removed = redis.call('HDEL', KEYS[1], ARGV[1])
redis.call('SREM', KEYS[2], ARGV[2])
local now = tonumber(ARGV[3])
local entries = redis.call('HGETALL', KEYS[1])
for i = 1, #entries, 2 do
	local ok, record = pcall(cjson.decode, entries[i + 1])
	if ok and type(record) == 'table' then
		local expires = tonumber(record['expiresAtMs'])
		if expires and expires > 0 and expires < now then
			redis.call('HDEL', KEYS[1], entries[i])
		end
	end
end
local remaining = redis.call('HLEN', KEYS[1])
if remaining == 0 and redis.call('LLEN', KEYS[3]) == 0 then
	redis.call('SREM', KEYS[4], ARGV[2])
end
return {removed, remaining}
`)

// RemovePresence is idempotent. It reports whether this call deleted the
// entry and how many participants remain, so exactly one of several racing
// removals observes the transition to an empty session.
func (s *RedisStore) RemovePresence(ctx context.Context, documentID, userID string) (bool, int, error) {
	keys := []string{s.presenceKey(documentID), s.userDocsKey(userID), s.changesKey(documentID), s.activeKey()}
	reply, err := removePresenceScript.Run(ctx, s.client, keys, userID, documentID, s.now().UnixMilli()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("remove presence: %w", err)
	}
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("remove presence: unexpected reply of %d fields", len(reply))
	}
	return reply[0] == 1, int(reply[1]), nil
}

// TouchPresence updates activity fields of an existing entry. It never
// creates an entry, so a concurrent removal wins.
func (s *RedisStore) TouchPresence(ctx context.Context, documentID, userID string, isTyping bool, cursor int, at time.Time, ttl time.Duration) (collab.Participant, bool, error) {
	presenceKey := s.presenceKey(documentID)
	var (
		updated collab.Participant
		found   bool
	)
	txf := func(tx *redis.Tx) error {
		raw, err := tx.HGet(ctx, presenceKey, userID).Result()
		if errors.Is(err, redis.Nil) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		var record presenceRecord
		if err := json.Unmarshal([]byte(raw), &record); err != nil {
			return fmt.Errorf("unmarshal presence: %w", err)
		}
		record.IsTyping = isTyping
		record.CursorPosition = cursor
		record.LastActivity = at
		record = newPresenceRecord(record.Participant, s.now().Add(ttl))
		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("marshal presence: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, presenceKey, userID, encoded)
			pipe.Expire(ctx, presenceKey, ttl)
			pipe.Expire(ctx, s.userDocsKey(userID), ttl)
			return nil
		})
		if err != nil {
			return err
		}
		updated = record.Participant
		found = true
		return nil
	}

	for attempt := 0; attempt < 3; attempt++ {
		err := s.client.Watch(ctx, txf, presenceKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return collab.Participant{}, false, fmt.Errorf("touch presence: %w", err)
		}
		return updated, found, nil
	}
	return collab.Participant{}, false, fmt.Errorf("touch presence: %w", redis.TxFailedErr)
}

// ListPresence returns live entries ordered by user id. Entries past their
// own expiry are skipped; the hash TTL eventually removes them.
func (s *RedisStore) ListPresence(ctx context.Context, documentID string) ([]collab.Participant, error) {
	raw, err := s.client.HGetAll(ctx, s.presenceKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list presence: %w", err)
	}

	now := s.now()
	participants := make([]collab.Participant, 0, len(raw))
	for _, value := range raw {
		var record presenceRecord
		if err := json.Unmarshal([]byte(value), &record); err != nil {
			continue
		}
		if !record.ExpiresAt.IsZero() && now.After(record.ExpiresAt) {
			continue
		}
		participants = append(participants, record.Participant)
	}

	sort.Slice(participants, func(i, j int) bool {
		return participants[i].UserID < participants[j].UserID
	})
	return participants, nil
}

func (s *RedisStore) DocumentsForUser(ctx context.Context, userID string) ([]string, error) {
	documents, err := s.client.SMembers(ctx, s.userDocsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("documents for user: %w", err)
	}
	sort.Strings(documents)
	return documents, nil
}

// PutPending overwrites the document's pending slot.
func (s *RedisStore) PutPending(ctx context.Context, documentID string, pending collab.PendingChange, ttl time.Duration) error {
	key := s.pendingKey(documentID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key,
			"token", pending.Token,
			"content", pending.Content,
			"author", pending.AuthorUserID,
			"ts", strconv.FormatInt(pending.Timestamp.UnixNano(), 10),
		)
		pipe.PExpire(ctx, key, ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put pending change: %w", err)
	}
	return nil
}

// KEYS: pending. ARGV: token.
var takePendingScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'token') ~= ARGV[1] then
	return false
end
local values = redis.call('HMGET', KEYS[1], 'content', 'author', 'ts')
redis.call('DEL', KEYS[1])
return values
`)

// TakePending reads and deletes the slot in one step, but only when it still
// holds the submit identified by token.
func (s *RedisStore) TakePending(ctx context.Context, documentID, token string) (collab.PendingChange, bool, error) {
	values, err := takePendingScript.Run(ctx, s.client, []string{s.pendingKey(documentID)}, token).StringSlice()
	if errors.Is(err, redis.Nil) {
		return collab.PendingChange{}, false, nil
	}
	if err != nil {
		return collab.PendingChange{}, false, fmt.Errorf("take pending change: %w", err)
	}
	if len(values) != 3 {
		return collab.PendingChange{}, false, fmt.Errorf("take pending change: unexpected reply of %d fields", len(values))
	}
	nanos, err := strconv.ParseInt(values[2], 10, 64)
	if err != nil {
		return collab.PendingChange{}, false, fmt.Errorf("parse pending timestamp: %w", err)
	}
	return collab.PendingChange{
		Token: token,
		Change: collab.Change{
			Content:      values[0],
			AuthorUserID: values[1],
			Timestamp:    time.Unix(0, nanos).UTC(),
		},
	}, true, nil
}

// AppendChange pushes a committed change, records its author and marks the
// document active. It returns the new log length.
func (s *RedisStore) AppendChange(ctx context.Context, documentID string, change collab.Change) (int, error) {
	encoded, err := json.Marshal(change)
	if err != nil {
		return 0, fmt.Errorf("marshal change: %w", err)
	}
	var length *redis.IntCmd
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		length = pipe.RPush(ctx, s.changesKey(documentID), encoded)
		if change.AuthorUserID != "" {
			pipe.SAdd(ctx, s.contributorsKey(documentID), change.AuthorUserID)
		}
		pipe.SAdd(ctx, s.activeKey(), documentID)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("append change: %w", err)
	}
	return int(length.Val()), nil
}

func (s *RedisStore) ChangeCount(ctx context.Context, documentID string) (int, error) {
	count, err := s.client.LLen(ctx, s.changesKey(documentID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count changes: %w", err)
	}
	return int(count), nil
}

func (s *RedisStore) Changes(ctx context.Context, documentID string) ([]collab.Change, error) {
	raw, err := s.client.LRange(ctx, s.changesKey(documentID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list changes: %w", err)
	}
	changes := make([]collab.Change, 0, len(raw))
	for _, value := range raw {
		var change collab.Change
		if err := json.Unmarshal([]byte(value), &change); err != nil {
			return nil, fmt.Errorf("unmarshal change: %w", err)
		}
		changes = append(changes, change)
	}
	return changes, nil
}

func (s *RedisStore) FirstChange(ctx context.Context, documentID string) (collab.Change, bool, error) {
	return s.changeAt(ctx, documentID, 0)
}

func (s *RedisStore) LastChange(ctx context.Context, documentID string) (collab.Change, bool, error) {
	return s.changeAt(ctx, documentID, -1)
}

func (s *RedisStore) changeAt(ctx context.Context, documentID string, index int64) (collab.Change, bool, error) {
	raw, err := s.client.LIndex(ctx, s.changesKey(documentID), index).Result()
	if errors.Is(err, redis.Nil) {
		return collab.Change{}, false, nil
	}
	if err != nil {
		return collab.Change{}, false, fmt.Errorf("read change: %w", err)
	}
	var change collab.Change
	if err := json.Unmarshal([]byte(raw), &change); err != nil {
		return collab.Change{}, false, fmt.Errorf("unmarshal change: %w", err)
	}
	return change, true, nil
}

func (s *RedisStore) Contributors(ctx context.Context, documentID string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.contributorsKey(documentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list contributors: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

// KEYS: changes, contributors, presence, active-docs. ARGV: persisted, documentID.
var trimChangesScript = redis.NewScript(`
redis.call('LTRIM', KEYS[1], tonumber(ARGV[1]), -1)
local remaining = redis.call('LLEN', KEYS[1])
if remaining == 0 then
	redis.call('DEL', KEYS[2])
	if redis.call('HLEN', KEYS[3]) == 0 then
		redis.call('SREM', KEYS[4], ARGV[2])
	end
end
return remaining
`)

// TrimChanges drops the oldest persisted entries and returns how many remain.
// Once the log is empty the contributor set goes too, and the document leaves
// the active set unless someone is still present.
func (s *RedisStore) TrimChanges(ctx context.Context, documentID string, persisted int) (int, error) {
	if persisted < 0 {
		persisted = 0
	}
	keys := []string{s.changesKey(documentID), s.contributorsKey(documentID), s.presenceKey(documentID), s.activeKey()}
	remaining, err := trimChangesScript.Run(ctx, s.client, keys, persisted, documentID).Int()
	if err != nil {
		return 0, fmt.Errorf("trim changes: %w", err)
	}
	return remaining, nil
}

func (s *RedisStore) ActiveDocuments(ctx context.Context) ([]string, error) {
	documents, err := s.client.SMembers(ctx, s.activeKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list active documents: %w", err)
	}
	sort.Strings(documents)
	return documents, nil
}

func (s *RedisStore) AcquireFlushLock(ctx context.Context, documentID, token string, ttl time.Duration) (bool, error) {
	acquired, err := s.client.SetNX(ctx, s.flushLockKey(documentID), token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire flush lock: %w", err)
	}
	return acquired, nil
}

var releaseLockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// ReleaseFlushLock deletes the lock only if token still owns it.
func (s *RedisStore) ReleaseFlushLock(ctx context.Context, documentID, token string) error {
	if err := releaseLockScript.Run(ctx, s.client, []string{s.flushLockKey(documentID)}, token).Err(); err != nil {
		return fmt.Errorf("release flush lock: %w", err)
	}
	return nil
}
