package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"

	"github.com/primoscope/Spotify-echo-sub018/domain"
)

const (
	headRowKey     = "head"
	eventRowPrefix = "evt-"
	snapRowPrefix  = "snap-"
)

// AzureBackend persists streams in a single Azure Table: one partition
// per stream holding a head entity with the current version, one row per
// event and one row per snapshot. Appends go through a transactional
// batch so the head update and the event rows land together.
//
// Within one instance appends to the same stream are serialized by a
// per-stream mutex; across instances the event-row insert collides on the
// row key, which surfaces as a concurrency conflict.
type AzureBackend struct {
	table *aztables.Client

	mu      sync.Mutex
	streams map[string]*sync.Mutex
}

// NewAzureBackend connects to the table and creates it if missing.
func NewAzureBackend(ctx context.Context, connStr, tableName string) (*AzureBackend, error) {
	opts := aztables.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    3,
				TryTimeout:    time.Minute * 3,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 15,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, &opts)
	if err != nil {
		return nil, err
	}
	if _, err := svc.CreateTable(ctx, tableName, nil); err != nil && !isStatus(err, 409) {
		return nil, fmt.Errorf("%w: create table %s: %v", domain.ErrStorageUnavailable, tableName, err)
	}
	return &AzureBackend{
		table:   svc.NewClient(tableName),
		streams: make(map[string]*sync.Mutex),
	}, nil
}

type headEntity struct {
	aztables.Entity
	Version int64 `json:"Version"`
}

type eventEntity struct {
	aztables.Entity
	Data string `json:"Data"`
}

func eventRowKey(version int64) string { return fmt.Sprintf("%s%012d", eventRowPrefix, version) }
func snapRowKey(version int64) string  { return fmt.Sprintf("%s%012d", snapRowPrefix, version) }

func (a *AzureBackend) streamLock(streamID string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	l := a.streams[streamID]
	if l == nil {
		l = &sync.Mutex{}
		a.streams[streamID] = l
	}
	return l
}

func (a *AzureBackend) currentVersion(ctx context.Context, streamID string) (int64, error) {
	resp, err := a.table.GetEntity(ctx, streamID, headRowKey, nil)
	if err != nil {
		if isStatus(err, 404) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: read stream head: %v", domain.ErrStorageUnavailable, err)
	}
	var head headEntity
	if err := json.Unmarshal(resp.Value, &head); err != nil {
		return 0, fmt.Errorf("%w: corrupt stream head for %s: %v", domain.ErrFatal, streamID, err)
	}
	return head.Version, nil
}

func (a *AzureBackend) Append(ctx context.Context, streamID string, events []domain.Event, expectedVersion int64) (int64, error) {
	lock := a.streamLock(streamID)
	lock.Lock()
	defer lock.Unlock()

	current, err := a.currentVersion(ctx, streamID)
	if err != nil {
		return 0, err
	}
	if expectedVersion != AnyVersion && expectedVersion != current {
		return 0, domain.ConflictError{StreamID: streamID, Expected: expectedVersion, Actual: current}
	}

	actions := make([]aztables.TransactionAction, 0, len(events)+1)
	for i := range events {
		ev := events[i]
		ev.Version = current + int64(i) + 1
		data, err := json.Marshal(ev)
		if err != nil {
			return 0, fmt.Errorf("%w: marshal event: %v", domain.ErrInvalidInput, err)
		}
		row, err := json.Marshal(eventEntity{
			Entity: aztables.Entity{PartitionKey: streamID, RowKey: eventRowKey(ev.Version)},
			Data:   string(data),
		})
		if err != nil {
			return 0, fmt.Errorf("%w: marshal event row: %v", domain.ErrInvalidInput, err)
		}
		actions = append(actions, aztables.TransactionAction{
			ActionType: aztables.TransactionTypeAdd,
			Entity:     row,
		})
	}
	newVersion := current + int64(len(events))
	head, err := json.Marshal(headEntity{
		Entity:  aztables.Entity{PartitionKey: streamID, RowKey: headRowKey},
		Version: newVersion,
	})
	if err != nil {
		return 0, fmt.Errorf("%w: marshal stream head: %v", domain.ErrInvalidInput, err)
	}
	actions = append(actions, aztables.TransactionAction{
		ActionType: aztables.TransactionTypeInsertReplace,
		Entity:     head,
	})

	if _, err := a.table.SubmitTransaction(ctx, actions, nil); err != nil {
		if isStatus(err, 409) {
			// An event row at this version already exists: another
			// instance appended concurrently.
			actual, readErr := a.currentVersion(ctx, streamID)
			if readErr != nil {
				actual = current
			}
			return 0, domain.ConflictError{StreamID: streamID, Expected: expectedVersion, Actual: actual}
		}
		return 0, fmt.Errorf("%w: append batch: %v", domain.ErrStorageUnavailable, err)
	}
	return newVersion, nil
}

func (a *AzureBackend) Read(ctx context.Context, streamID string, fromVersion int64, maxCount int) ([]domain.Event, bool, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey gt '%s' and RowKey le '%s'",
		streamID, eventRowKey(fromVersion), eventRowKey(fromVersion+int64(maxCount)))
	top := int32(maxCount)
	pager := a.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter, Top: &top})

	events := []domain.Event{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return nil, false, fmt.Errorf("%w: list events: %v", domain.ErrStorageUnavailable, err)
		}
		for _, raw := range resp.Entities {
			var ent eventEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return nil, false, fmt.Errorf("%w: corrupt event row in %s: %v", domain.ErrFatal, streamID, err)
			}
			var ev domain.Event
			if err := json.Unmarshal([]byte(ent.Data), &ev); err != nil {
				return nil, false, fmt.Errorf("%w: corrupt event payload in %s: %v", domain.ErrFatal, streamID, err)
			}
			events = append(events, ev)
		}
	}

	current, err := a.currentVersion(ctx, streamID)
	if err != nil {
		return nil, false, err
	}
	return events, fromVersion+int64(len(events)) >= current, nil
}

func (a *AzureBackend) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("%w: marshal snapshot: %v", domain.ErrInvalidInput, err)
	}
	row, err := json.Marshal(eventEntity{
		Entity: aztables.Entity{PartitionKey: snap.StreamID, RowKey: snapRowKey(snap.Version)},
		Data:   string(data),
	})
	if err != nil {
		return fmt.Errorf("%w: marshal snapshot row: %v", domain.ErrInvalidInput, err)
	}
	if _, err := a.table.UpsertEntity(ctx, row, nil); err != nil {
		return fmt.Errorf("%w: write snapshot: %v", domain.ErrStorageUnavailable, err)
	}
	return nil
}

func (a *AzureBackend) LatestSnapshot(ctx context.Context, streamID string) (domain.Snapshot, bool, error) {
	filter := fmt.Sprintf("PartitionKey eq '%s' and RowKey ge '%s' and RowKey lt 'snap.'", streamID, snapRowPrefix)
	pager := a.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	var best domain.Snapshot
	found := false
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return domain.Snapshot{}, false, fmt.Errorf("%w: list snapshots: %v", domain.ErrStorageUnavailable, err)
		}
		for _, raw := range resp.Entities {
			var ent eventEntity
			if err := json.Unmarshal(raw, &ent); err != nil {
				return domain.Snapshot{}, false, fmt.Errorf("%w: corrupt snapshot row in %s: %v", domain.ErrFatal, streamID, err)
			}
			var snap domain.Snapshot
			if err := json.Unmarshal([]byte(ent.Data), &snap); err != nil {
				return domain.Snapshot{}, false, fmt.Errorf("%w: corrupt snapshot payload in %s: %v", domain.ErrFatal, streamID, err)
			}
			if !found || snap.Version > best.Version {
				best = snap
				found = true
			}
		}
	}
	return best, found, nil
}

func (a *AzureBackend) Statistics(ctx context.Context) (Statistics, error) {
	filter := fmt.Sprintf("RowKey eq '%s'", headRowKey)
	pager := a.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &filter})

	stats := Statistics{}
	for pager.More() {
		resp, err := pager.NextPage(ctx)
		if err != nil {
			return Statistics{}, fmt.Errorf("%w: list stream heads: %v", domain.ErrStorageUnavailable, err)
		}
		for _, raw := range resp.Entities {
			var head headEntity
			if err := json.Unmarshal(raw, &head); err != nil {
				return Statistics{}, fmt.Errorf("%w: corrupt stream head: %v", domain.ErrFatal, err)
			}
			stats.TotalStreams++
			stats.TotalEvents += head.Version
		}
	}

	snapFilter := fmt.Sprintf("RowKey ge '%s' and RowKey lt 'snap.'", snapRowPrefix)
	snapPager := a.table.NewListEntitiesPager(&aztables.ListEntitiesOptions{Filter: &snapFilter})
	for snapPager.More() {
		resp, err := snapPager.NextPage(ctx)
		if err != nil {
			return Statistics{}, fmt.Errorf("%w: list snapshots: %v", domain.ErrStorageUnavailable, err)
		}
		stats.SnapshotCount += int64(len(resp.Entities))
	}

	if stats.TotalStreams > 0 {
		stats.AverageStreamLength = float64(stats.TotalEvents) / float64(stats.TotalStreams)
	}
	return stats, nil
}

func isStatus(err error, code int) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == code
}
