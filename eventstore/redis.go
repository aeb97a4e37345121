package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/primoscope/Spotify-echo-sub018/domain"
)

const (
	streamKeyPrefix   = "core:store:stream:"
	versionKeyPrefix  = "core:store:version:"
	snapshotKeyPrefix = "core:store:snapshots:"
	streamIndexKey    = "core:store:streams"

	appendTxRetries = 5
)

// RedisBackend persists streams in Redis: one list per stream, a version
// key guarded with WATCH for optimistic appends, and a sorted set of
// snapshots per stream. Successful appends are announced on the updates
// channel so other instances can relay them into their local bus.
type RedisBackend struct {
	client   *redis.Client
	logger   *log.Logger
	channel  string
	originID string
}

// NewRedisBackend creates a backend over the given client. channel may be
// empty to disable update notifications. originID identifies this process
// in notifications so the relay can skip its own writes.
func NewRedisBackend(client *redis.Client, logger *log.Logger, channel, originID string) *RedisBackend {
	if logger == nil {
		logger = log.New()
	}
	return &RedisBackend{client: client, logger: logger, channel: channel, originID: originID}
}

// updateNotice is the wire shape published on the updates channel.
type updateNotice struct {
	Origin   string         `json:"origin"`
	StreamID string         `json:"streamId"`
	Events   []domain.Event `json:"events"`
}

func (r *RedisBackend) Append(ctx context.Context, streamID string, events []domain.Event, expectedVersion int64) (int64, error) {
	verKey := versionKeyPrefix + streamID
	listKey := streamKeyPrefix + streamID

	var newVersion int64
	var stored []domain.Event

	txn := func(tx *redis.Tx) error {
		current, err := tx.Get(ctx, verKey).Int64()
		if err == redis.Nil {
			current = 0
		} else if err != nil {
			return fmt.Errorf("%w: read stream version: %v", domain.ErrStorageUnavailable, err)
		}
		if expectedVersion != AnyVersion && expectedVersion != current {
			return domain.ConflictError{StreamID: streamID, Expected: expectedVersion, Actual: current}
		}

		stored = stored[:0]
		payloads := make([]interface{}, 0, len(events))
		for i := range events {
			ev := events[i]
			ev.Version = current + int64(i) + 1
			data, err := json.Marshal(ev)
			if err != nil {
				return fmt.Errorf("%w: marshal event: %v", domain.ErrInvalidInput, err)
			}
			payloads = append(payloads, data)
			stored = append(stored, ev)
		}
		newVersion = current + int64(len(events))

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, listKey, payloads...)
			pipe.Set(ctx, verKey, newVersion, 0)
			pipe.SAdd(ctx, streamIndexKey, streamID)
			return nil
		})
		return err
	}

	for attempt := 0; ; attempt++ {
		err := r.client.Watch(ctx, txn, verKey)
		if err == nil {
			break
		}
		if err == redis.TxFailedErr {
			if expectedVersion != AnyVersion {
				// A concurrent writer moved the stream past the caller's
				// expected version.
				actual, readErr := r.client.Get(ctx, verKey).Int64()
				if readErr != nil && readErr != redis.Nil {
					return 0, fmt.Errorf("%w: read stream version: %v", domain.ErrStorageUnavailable, readErr)
				}
				return 0, domain.ConflictError{StreamID: streamID, Expected: expectedVersion, Actual: actual}
			}
			if attempt < appendTxRetries {
				continue
			}
			return 0, fmt.Errorf("%w: append transaction kept failing", domain.ErrStorageUnavailable)
		}
		var conflict domain.ConflictError
		if errors.As(err, &conflict) {
			return 0, conflict
		}
		if errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrStorageUnavailable) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}

	r.notify(ctx, streamID, stored)
	return newVersion, nil
}

func (r *RedisBackend) notify(ctx context.Context, streamID string, events []domain.Event) {
	if r.channel == "" {
		return
	}
	payload, err := json.Marshal(updateNotice{Origin: r.originID, StreamID: streamID, Events: events})
	if err != nil {
		return
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		r.logger.WithError(err).WithField("stream", streamID).Warn("store update notification failed")
	}
}

func (r *RedisBackend) Read(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]domain.Event, bool, error) {
	listKey := streamKeyPrefix + streamID

	total, err := r.client.LLen(ctx, listKey).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	if fromVersion >= total {
		return nil, true, nil
	}

	end := fromVersion + int64(maxCount) - 1
	raw, err := r.client.LRange(ctx, listKey, fromVersion, end).Result()
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	events := make([]domain.Event, 0, len(raw))
	for _, item := range raw {
		var ev domain.Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, false, fmt.Errorf("%w: corrupt event in stream %s: %v", domain.ErrFatal, streamID, err)
		}
		events = append(events, ev)
	}
	return events, fromVersion+int64(len(events)) >= total, nil
}

func (r *RedisBackend) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: marshal snapshot: %v", domain.ErrInvalidInput, err)
	}
	err = r.client.ZAdd(ctx, snapshotKeyPrefix+snap.StreamID, redis.Z{
		Score:  float64(snap.Version),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (r *RedisBackend) LatestSnapshot(ctx context.Context, streamID string) (domain.Snapshot, bool, error) {
	raw, err := r.client.ZRevRange(ctx, snapshotKeyPrefix+streamID, 0, 0).Result()
	if err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	if len(raw) == 0 {
		return domain.Snapshot{}, false, nil
	}
	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(raw[0]), &snap); err != nil {
		return domain.Snapshot{}, false, fmt.Errorf("%w: corrupt snapshot for stream %s: %v", domain.ErrFatal, streamID, err)
	}
	return snap, true, nil
}

func (r *RedisBackend) Statistics(ctx context.Context) (Statistics, error) {
	streams, err := r.client.SMembers(ctx, streamIndexKey).Result()
	if err != nil {
		return Statistics{}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
	}
	stats := Statistics{TotalStreams: int64(len(streams))}
	for _, id := range streams {
		n, err := r.client.Get(ctx, versionKeyPrefix+id).Int64()
		if err != nil && err != redis.Nil {
			return Statistics{}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
		stats.TotalEvents += n
		sn, err := r.client.ZCard(ctx, snapshotKeyPrefix+id).Result()
		if err != nil {
			return Statistics{}, fmt.Errorf("%w: %v", domain.ErrStorageUnavailable, err)
		}
		stats.SnapshotCount += sn
	}
	if stats.TotalStreams > 0 {
		stats.AverageStreamLength = float64(stats.TotalEvents) / float64(stats.TotalStreams)
	}
	return stats, nil
}
