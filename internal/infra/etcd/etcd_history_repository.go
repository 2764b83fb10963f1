// internal/infra/etcd/etcd_history_repository.go
package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"easy-content-upgrade/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	HistoryDir      = "/aecu/history/"
	HistoryIndexDir = "/aecu/history-index/"

	// fixed width so that lexical key order is chronological order
	historyKeyTime = "20060102T150405.000000000Z"
)

type etcdHistoryRepository struct {
	kv     clientv3.KV
	logger *slog.Logger
	tracer trace.Tracer
}

// NewEtcdHistoryRepository creates a history repository backed by etcd.
//
// Entries live under /aecu/history/{start}_{id} so that a descending key sort
// yields newest first; /aecu/history-index/{id} points at the entry key.
func NewEtcdHistoryRepository(kv clientv3.KV, logger *slog.Logger) domain.HistoryRepository {
	return &etcdHistoryRepository{
		kv:     kv,
		logger: logger.With("component", "etcd-history-repo"),
		tracer: otel.Tracer("aecu-etcd-history-repo"),
	}
}

func historyKey(entry *domain.HistoryEntry) string {
	return HistoryDir + entry.Start.UTC().Format(historyKeyTime) + "_" + entry.ID
}

// Save persists the entry and its index key in one transaction.
func (r *etcdHistoryRepository) Save(ctx context.Context, entry *domain.HistoryEntry) error {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.SaveHistory")
	defer span.End()

	entryJSON, err := json.Marshal(entry)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal history entry")
		return fmt.Errorf("failed to marshal history entry %s to JSON: %w", entry.ID, err)
	}

	key := historyKey(entry)
	span.SetAttributes(
		attribute.String("history.id", entry.ID),
		attribute.String("etcd.key", key),
	)

	_, err = r.kv.Txn(ctx).Then(
		clientv3.OpPut(key, string(entryJSON)),
		clientv3.OpPut(HistoryIndexDir+entry.ID, key),
	).Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put history entry to etcd")
		return fmt.Errorf("failed to save history entry %s to etcd: %w", entry.ID, err)
	}
	return nil
}

func (r *etcdHistoryRepository) Get(ctx context.Context, id string) (*domain.HistoryEntry, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.GetHistory")
	defer span.End()
	span.SetAttributes(attribute.String("history.id", id))

	idx, err := r.kv.Get(ctx, HistoryIndexDir+id)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get history index from etcd")
		return nil, fmt.Errorf("failed to get history index %s from etcd: %w", id, err)
	}
	if len(idx.Kvs) == 0 {
		return nil, domain.ErrHistoryNotFound
	}

	resp, err := r.kv.Get(ctx, string(idx.Kvs[0].Value))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get history entry from etcd")
		return nil, fmt.Errorf("failed to get history entry %s from etcd: %w", id, err)
	}
	if len(resp.Kvs) == 0 {
		return nil, domain.ErrHistoryNotFound
	}

	var entry domain.HistoryEntry
	if err := json.Unmarshal(resp.Kvs[0].Value, &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history entry %s from JSON: %w", id, err)
	}
	return &entry, nil
}

// List returns entries newest first. The limit is pushed down to etcd; the
// offset is applied on the returned keys.
func (r *etcdHistoryRepository) List(ctx context.Context, start, count int) ([]*domain.HistoryEntry, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.ListHistory")
	defer span.End()
	span.SetAttributes(attribute.Int("start", start), attribute.Int("count", count))

	if count <= 0 {
		return []*domain.HistoryEntry{}, nil
	}

	resp, err := r.kv.Get(ctx, HistoryDir,
		clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortDescend), // Newest first
		clientv3.WithLimit(int64(start+count)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list history entries from etcd")
		return nil, fmt.Errorf("failed to list history entries from etcd: %w", err)
	}

	entries := make([]*domain.HistoryEntry, 0, count)
	for i, kv := range resp.Kvs {
		if i < start {
			continue
		}
		var entry domain.HistoryEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			r.logger.Warn("failed to unmarshal history entry from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		entries = append(entries, &entry)
	}
	span.SetAttributes(attribute.Int("entries_returned", len(entries)))
	return entries, nil
}

// DeleteFinishedBefore removes finished entries older than cutoff. Running
// entries are kept regardless of age.
func (r *etcdHistoryRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.etcd.PurgeHistory")
	defer span.End()

	end := HistoryDir + cutoff.UTC().Format(historyKeyTime)
	resp, err := r.kv.Get(ctx, HistoryDir, clientv3.WithRange(end))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to range history entries")
		return 0, fmt.Errorf("failed to range history entries before %s: %w", cutoff, err)
	}

	deleted := 0
	for _, kv := range resp.Kvs {
		var entry domain.HistoryEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			r.logger.Warn("failed to unmarshal history entry from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		if entry.State != domain.HistoryStateFinished {
			continue
		}
		_, err := r.kv.Txn(ctx).Then(
			clientv3.OpDelete(string(kv.Key)),
			clientv3.OpDelete(HistoryIndexDir+entry.ID),
		).Commit()
		if err != nil {
			span.RecordError(err)
			return deleted, fmt.Errorf("failed to delete history entry %s: %w", strings.TrimPrefix(string(kv.Key), HistoryDir), err)
		}
		deleted++
	}
	span.SetAttributes(attribute.Int("entries_deleted", deleted))
	return deleted, nil
}
