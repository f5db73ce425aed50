package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ramiqadoumi/go-messenger/internal/domain"
)

const recordPrefix = "idempotency:record:"

func recordKey(key string) string { return recordPrefix + key }

// Each record is a hash with status, result and created_at fields. Claim and
// finalize run as scripts so the existence and status checks are atomic with
// the write.
var (
	claimScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'created_at', ARGV[2])
return 1
`)

	finalizeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return ''
end
if status ~= ARGV[1] then
	return status
end
redis.call('HSET', KEYS[1], 'status', ARGV[2])
if ARGV[3] ~= '' then
	redis.call('HSET', KEYS[1], 'result', ARGV[3])
end
return 'ok'
`)
)

// RecordStore keeps execution records in Redis. It suits deployments that
// already share a Redis instance and accept its durability settings. Records
// never expire: a key once claimed stays claimed.
type RecordStore struct {
	client *redis.Client
}

// NewRecordStore creates a Redis-backed idempotency.RecordStore.
func NewRecordStore(client *redis.Client) *RecordStore {
	return &RecordStore{client: client}
}

func (s *RecordStore) Get(ctx context.Context, key string) (*domain.ExecutionRecord, error) {
	fields, err := s.client.HGetAll(ctx, recordKey(key)).Result()
	if err != nil {
		return nil, translate("get execution record", err)
	}
	if len(fields) == 0 {
		return nil, recordNotFound(key)
	}
	return parseRecord(key, fields)
}

func (s *RecordStore) InsertProcessing(ctx context.Context, key string) (*domain.ExecutionRecord, error) {
	if err := domain.ValidateKey(key); err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	claimed, err := claimScript.Run(ctx, s.client, []string{recordKey(key)},
		string(domain.ExecutionProcessing), now.Format(time.RFC3339Nano),
	).Int()
	if err != nil {
		return nil, translate("insert execution record", err)
	}
	if claimed == 0 {
		return nil, &domain.ConflictError{Key: key}
	}
	return &domain.ExecutionRecord{Key: key, Status: domain.ExecutionProcessing, CreatedAt: now}, nil
}

func (s *RecordStore) MarkCompleted(ctx context.Context, key string, result []byte) (*domain.ExecutionRecord, error) {
	if err := domain.ValidateResult(result); err != nil {
		return nil, err
	}
	return s.transition(ctx, key, domain.ExecutionCompleted, result)
}

func (s *RecordStore) MarkFailed(ctx context.Context, key string) (*domain.ExecutionRecord, error) {
	return s.transition(ctx, key, domain.ExecutionFailed, nil)
}

// CountStale scans every record and counts those still processing that were
// claimed before olderThan.
func (s *RecordStore) CountStale(ctx context.Context, olderThan time.Time) (int, error) {
	n := 0
	iter := s.client.Scan(ctx, 0, recordPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		vals, err := s.client.HMGet(ctx, iter.Val(), "status", "created_at").Result()
		if err != nil {
			return 0, translate("count stale execution records", err)
		}
		status, _ := vals[0].(string)
		created, _ := vals[1].(string)
		if status != string(domain.ExecutionProcessing) {
			continue
		}
		ts, err := time.Parse(time.RFC3339Nano, created)
		if err != nil {
			return 0, fmt.Errorf("parse created_at of %s: %w", iter.Val(), err)
		}
		if ts.Before(olderThan) {
			n++
		}
	}
	if err := iter.Err(); err != nil {
		return 0, translate("count stale execution records", err)
	}
	return n, nil
}

func (s *RecordStore) transition(ctx context.Context, key string, to domain.ExecutionStatus, result []byte) (*domain.ExecutionRecord, error) {
	op := "mark execution record " + string(to)
	reply, err := finalizeScript.Run(ctx, s.client, []string{recordKey(key)},
		string(domain.ExecutionProcessing), string(to), string(result),
	).Text()
	if err != nil {
		return nil, translate(op, err)
	}
	switch reply {
	case "ok":
		return s.Get(ctx, key)
	case "":
		return nil, recordNotFound(key)
	default:
		return nil, &domain.InvalidTransitionError{Key: key, From: domain.ExecutionStatus(reply), To: to}
	}
}

func parseRecord(key string, fields map[string]string) (*domain.ExecutionRecord, error) {
	created, err := time.Parse(time.RFC3339Nano, fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("parse created_at of execution record %q: %w", key, err)
	}
	rec := &domain.ExecutionRecord{
		Key:       key,
		Status:    domain.ExecutionStatus(fields["status"]),
		CreatedAt: created,
	}
	if r := fields["result"]; r != "" {
		rec.Result = []byte(r)
	}
	return rec, nil
}

func recordNotFound(key string) error {
	return &domain.NotFoundError{Entity: "execution record", ID: key}
}
