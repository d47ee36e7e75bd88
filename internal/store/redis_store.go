package store

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/evyataryagoni/ipgeo/internal/addrkey"
	"github.com/evyataryagoni/ipgeo/internal/models"
	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var redisJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// DefaultRedisPrefix namespaces every key the Redis store writes
const DefaultRedisPrefix = "ipgeo"

// RedisStore implements Store using Redis
//
// Key Format (per family):
//   - <prefix>:<family>:ends    sorted set, all scores 0, members are raw end keys
//   - <prefix>:<family>:ranges  hash, raw end key -> JSON attributes + hex start
//   - <prefix>:<family>:schema  marker written by CreateSchema
//   - <prefix>:<family>:overlaps marker set once two stored ranges overlap
//
// Members with equal scores are ordered bytewise, so ZRANGEBYLEX [point
// returns ends >= point in order. Without overlaps only the first can contain
// the point; with the overlaps marker set the lookup walks forward until a
// range starts at or before the point.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a new Redis store
//
// Parameters:
//   - addr: Redis server address (e.g., "localhost:6379")
//   - password: Redis password (empty string if no password)
//   - db: Redis database number (0-15, default is 0)
//   - prefix: key namespace (empty uses DefaultRedisPrefix)
//
// Returns:
//   - *RedisStore: pointer to the created store
//   - error: any error that occurred during connection
func NewRedisStore(addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if strings.TrimSpace(prefix) == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (s *RedisStore) endsKey(family addrkey.Family) string {
	return fmt.Sprintf("%s:%s:ends", s.prefix, family)
}

func (s *RedisStore) rangesKey(family addrkey.Family) string {
	return fmt.Sprintf("%s:%s:ranges", s.prefix, family)
}

func (s *RedisStore) schemaKey(family addrkey.Family) string {
	return fmt.Sprintf("%s:%s:schema", s.prefix, family)
}

func (s *RedisStore) overlapsKey(family addrkey.Family) string {
	return fmt.Sprintf("%s:%s:overlaps", s.prefix, family)
}

// redisScanWindow is the number of ends fetched per step of an overlapping lookup
const redisScanWindow = 32

// CreateSchema writes the family's schema marker
func (s *RedisStore) CreateSchema(ctx context.Context, family addrkey.Family) error {
	if !family.Valid() {
		return fmt.Errorf("unknown address family %s", family)
	}
	if err := s.client.Set(ctx, s.schemaKey(family), "1", 0).Err(); err != nil {
		return fmt.Errorf("failed to write schema marker: %w", err)
	}
	return nil
}

// BeginBatch buffers records; Commit checks them and writes them in one MULTI/EXEC
func (s *RedisStore) BeginBatch(ctx context.Context) (Batch, error) {
	return &redisBatch{
		ctx:     context.WithoutCancel(ctx),
		store:   s,
		pending: make(map[addrkey.Family][]redisPending),
		ends:    make(map[string]struct{}),
	}, nil
}

// QueryContaining looks up the smallest-end range containing point
func (s *RedisStore) QueryContaining(ctx context.Context, family addrkey.Family, point addrkey.Key) (*models.RangeRecord, error) {
	if point.Family() != family || !point.Valid() {
		return nil, fmt.Errorf("key %x is not a %s key", []byte(point), family)
	}
	var marker *redis.StringCmd
	var first *redis.StringSliceCmd
	cmds, err := s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		marker = pipe.Get(ctx, s.overlapsKey(family))
		first = pipe.ZRangeByLex(ctx, s.endsKey(family), &redis.ZRangeBy{
			Min:   "[" + string(point),
			Max:   "+",
			Count: redisScanWindow,
		})
		return nil
	})
	if err := pipelineErr(cmds, err); err != nil {
		return nil, fmt.Errorf("Redis query failed: %w", err)
	}
	overlapping := marker.Val() != ""
	ends := first.Val()

	for offset := 0; len(ends) > 0; {
		if !overlapping {
			ends = ends[:1]
		}
		vals, err := s.client.HMGet(ctx, s.rangesKey(family), ends...).Result()
		if err != nil {
			return nil, fmt.Errorf("Redis query failed: %w", err)
		}
		for i, end := range ends {
			raw, ok := vals[i].(string)
			if !ok {
				return nil, fmt.Errorf("range %x has no attributes", end)
			}
			rec, err := decodeRedisValue([]byte(raw), family, []byte(end))
			if err != nil {
				return nil, err
			}
			if rec.Start.Compare(point) <= 0 {
				return rec, nil
			}
		}
		if !overlapping || len(ends) < redisScanWindow {
			break
		}
		offset += len(ends)
		ends, err = s.client.ZRangeByLex(ctx, s.endsKey(family), &redis.ZRangeBy{
			Min:    "[" + string(point),
			Max:    "+",
			Offset: int64(offset),
			Count:  redisScanWindow,
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("Redis query failed: %w", err)
		}
	}
	return nil, ErrNotFound
}

// IsEmpty checks if Redis has any range data under the prefix
func (s *RedisStore) IsEmpty(ctx context.Context) (bool, error) {
	n, err := s.client.Exists(ctx, s.endsKey(addrkey.V4), s.endsKey(addrkey.V6)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check Redis keys: %w", err)
	}
	return n == 0, nil
}

// Close closes the Redis connection
// Should be called when the application shuts down
func (s *RedisStore) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func encodeRedisValue(rec models.RangeRecord) ([]byte, error) {
	values := make(map[string]any, len(AttributeColumns)+1)
	values[ColIPStart] = rec.Start.Hex()
	for i, v := range attributeValues(rec.Attributes) {
		values[AttributeColumns[i]] = v
	}
	data, err := redisJSON.Marshal(values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode range: %w", err)
	}
	return data, nil
}

// decodeRedisValue tolerates unreadable attribute fields but not a bad start key
func decodeRedisValue(data []byte, family addrkey.Family, end []byte) (*models.RangeRecord, error) {
	var values map[string]any
	if err := redisJSON.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("failed to decode range: %w", err)
	}
	startHex, _ := values[ColIPStart].(string)
	startRaw, err := hex.DecodeString(startHex)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ip_start: %w", err)
	}
	start, err := addrkey.FromBytes(startRaw, family)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ip_start: %w", err)
	}
	endKey, err := addrkey.FromBytes(end, family)
	if err != nil {
		return nil, fmt.Errorf("failed to decode ip_end: %w", err)
	}
	attrs, defaulted := decodeAttributes(values)
	return &models.RangeRecord{
		Start:      start,
		End:        endKey,
		Attributes: attrs,
		Defaulted:  defaulted,
	}, nil
}

type redisPending struct {
	rec   models.RangeRecord
	value []byte
}

type redisBatch struct {
	ctx     context.Context
	store   *RedisStore
	pending map[addrkey.Family][]redisPending
	ends    map[string]struct{}
	n       int
	done    bool
}

func (b *redisBatch) Append(rec models.RangeRecord) error {
	if b.done {
		return errBatchDone
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	family := rec.Family()
	id := family.String() + string(rec.End)
	if _, ok := b.ends[id]; ok {
		return fmt.Errorf("%w %s", ErrDuplicateEnd, rec.End)
	}
	value, err := encodeRedisValue(rec)
	if err != nil {
		return err
	}
	b.ends[id] = struct{}{}
	b.pending[family] = append(b.pending[family], redisPending{rec: *cloneRecord(rec), value: value})
	b.n++
	return nil
}

func (b *redisBatch) Len() int {
	return b.n
}

// Commit checks the batch against the stored ranges under WATCH and writes it
// in one transaction. A concurrent write to the same families fails the commit.
func (b *redisBatch) Commit() error {
	if b.done {
		return errBatchDone
	}
	b.done = true
	if b.n == 0 {
		return nil
	}

	s := b.store
	var watched []string
	for family := range b.pending {
		watched = append(watched, s.endsKey(family), s.overlapsKey(family))
	}
	err := s.client.Watch(b.ctx, func(tx *redis.Tx) error {
		marks := make(map[addrkey.Family]bool)
		for family, pending := range b.pending {
			slices.SortFunc(pending, func(x, y redisPending) int {
				return x.rec.End.Compare(y.rec.End)
			})
			overlap, err := s.checkPending(b.ctx, tx, family, pending)
			if err != nil {
				return err
			}
			marks[family] = overlap
		}
		_, err := tx.TxPipelined(b.ctx, func(pipe redis.Pipeliner) error {
			for family, pending := range b.pending {
				for _, p := range pending {
					member := string(p.rec.End)
					pipe.ZAdd(b.ctx, s.endsKey(family), redis.Z{Score: 0, Member: member})
					pipe.HSet(b.ctx, s.rangesKey(family), member, p.value)
				}
				if marks[family] {
					pipe.Set(b.ctx, s.overlapsKey(family), "1", 0)
				}
			}
			return nil
		})
		return err
	}, watched...)
	b.pending = nil
	if err != nil {
		if errors.Is(err, ErrDuplicateEnd) {
			return err
		}
		return fmt.Errorf("failed to store in Redis: %w", err)
	}
	return nil
}

func (b *redisBatch) Rollback() error {
	b.done = true
	b.pending = nil
	return nil
}

// checkPending rejects ends that are already stored and reports whether the
// family gains its first overlapping pair. pending must be sorted by end.
// Each pending range is compared with its neighbours in end order across
// stored and pending ranges; see pebbleBatch.checkNeighbours.
func (s *RedisStore) checkPending(ctx context.Context, tx *redis.Tx, family addrkey.Family, pending []redisPending) (bool, error) {
	members := make([]string, len(pending))
	for i, p := range pending {
		members[i] = string(p.rec.End)
	}

	var (
		marker   *redis.StringCmd
		existing *redis.SliceCmd
		prevs    = make([]*redis.StringSliceCmd, len(pending))
		nexts    = make([]*redis.StringSliceCmd, len(pending))
	)
	cmds, err := tx.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		marker = pipe.Get(ctx, s.overlapsKey(family))
		existing = pipe.HMGet(ctx, s.rangesKey(family), members...)
		for i, m := range members {
			prevs[i] = pipe.ZRevRangeByLex(ctx, s.endsKey(family), &redis.ZRangeBy{Max: "(" + m, Min: "-", Count: 1})
			nexts[i] = pipe.ZRangeByLex(ctx, s.endsKey(family), &redis.ZRangeBy{Min: "(" + m, Max: "+", Count: 1})
		}
		return nil
	})
	if err := pipelineErr(cmds, err); err != nil {
		return false, fmt.Errorf("check stored ranges: %w", err)
	}
	for i, v := range existing.Val() {
		if v != nil {
			return false, fmt.Errorf("%w %s", ErrDuplicateEnd, pending[i].rec.End)
		}
	}
	if marker.Val() != "" {
		return false, nil
	}

	// successors[i] is the stored end right after pending[i] when it comes
	// before the next pending end
	successors := make(map[int]string)
	for i, p := range pending {
		if prev := prevs[i].Val(); len(prev) == 1 {
			prevEnd := addrkey.Key(prev[0])
			if i > 0 && pending[i-1].rec.End.Compare(prevEnd) > 0 {
				prevEnd = pending[i-1].rec.End
			}
			if prevEnd.Compare(p.rec.Start) >= 0 {
				return true, nil
			}
		} else if i > 0 && pending[i-1].rec.End.Compare(p.rec.Start) >= 0 {
			return true, nil
		}

		next := nexts[i].Val()
		if len(next) == 1 && (i+1 == len(pending) || addrkey.Key(next[0]).Compare(pending[i+1].rec.End) < 0) {
			successors[i] = next[0]
		} else if i+1 < len(pending) && pending[i+1].rec.Start.Compare(p.rec.End) <= 0 {
			return true, nil
		}
	}
	if len(successors) == 0 {
		return false, nil
	}

	idx := make([]int, 0, len(successors))
	ends := make([]string, 0, len(successors))
	for i, end := range successors {
		idx = append(idx, i)
		ends = append(ends, end)
	}
	vals, err := tx.HMGet(ctx, s.rangesKey(family), ends...).Result()
	if err != nil {
		return false, fmt.Errorf("check stored ranges: %w", err)
	}
	for j, v := range vals {
		raw, ok := v.(string)
		if !ok {
			return false, fmt.Errorf("range %x has no attributes", ends[j])
		}
		rec, err := decodeRedisValue([]byte(raw), family, []byte(ends[j]))
		if err != nil {
			return false, err
		}
		if rec.Start.Compare(pending[idx[j]].rec.End) <= 0 {
			return true, nil
		}
	}
	return false, nil
}

// pipelineErr returns the first command error other than redis.Nil
func pipelineErr(cmds []redis.Cmder, err error) error {
	if err == nil {
		return nil
	}
	for _, cmd := range cmds {
		if cerr := cmd.Err(); cerr != nil && !errors.Is(cerr, redis.Nil) {
			return cerr
		}
	}
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}
