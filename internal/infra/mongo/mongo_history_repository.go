// internal/infra/mongo/mongo_history_repository.go
package mongo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"easy-content-upgrade/internal/domain"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// historyDocument is the stored form of a history entry.
type historyDocument struct {
	ID         string                   `bson:"_id"`
	Start      time.Time                `bson:"start"`
	End        time.Time                `bson:"end,omitempty"`
	State      domain.HistoryState      `bson:"state"`
	Result     domain.HistoryResult     `bson:"result"`
	Executions []domain.ExecutionResult `bson:"executions"`
	NodeID     string                   `bson:"node_id,omitempty"`
}

func toDocument(e *domain.HistoryEntry) historyDocument {
	return historyDocument{
		ID:         e.ID,
		Start:      e.Start,
		End:        e.End,
		State:      e.State,
		Result:     e.Result,
		Executions: e.Executions,
		NodeID:     e.NodeID,
	}
}

func (d historyDocument) toDomain() *domain.HistoryEntry {
	executions := d.Executions
	if executions == nil {
		executions = []domain.ExecutionResult{}
	}
	return &domain.HistoryEntry{
		ID:         d.ID,
		Start:      d.Start,
		End:        d.End,
		State:      d.State,
		Result:     d.Result,
		Executions: executions,
		NodeID:     d.NodeID,
	}
}

type mongoHistoryRepository struct {
	collection *mongo.Collection
	logger     *slog.Logger
	tracer     trace.Tracer
}

// Connect opens a client and verifies the connection.
func Connect(ctx context.Context, uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	return client, nil
}

// NewMongoHistoryRepository creates a history repository backed by a MongoDB collection.
func NewMongoHistoryRepository(collection *mongo.Collection, logger *slog.Logger) domain.HistoryRepository {
	return &mongoHistoryRepository{
		collection: collection,
		logger:     logger.With("component", "mongo-history-repo"),
		tracer:     otel.Tracer("aecu-mongo-history-repo"),
	}
}

// EnsureIndexes creates the index used for newest-first listing.
func EnsureIndexes(ctx context.Context, collection *mongo.Collection) error {
	_, err := collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "start", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create history index: %w", err)
	}
	return nil
}

func (r *mongoHistoryRepository) Save(ctx context.Context, entry *domain.HistoryEntry) error {
	ctx, span := r.tracer.Start(ctx, "repo.mongo.SaveHistory")
	defer span.End()
	span.SetAttributes(attribute.String("history.id", entry.ID))

	_, err := r.collection.ReplaceOne(ctx,
		bson.M{"_id": entry.ID},
		toDocument(entry),
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to replace history document")
		return fmt.Errorf("failed to save history entry %s to MongoDB: %w", entry.ID, err)
	}
	return nil
}

func (r *mongoHistoryRepository) Get(ctx context.Context, id string) (*domain.HistoryEntry, error) {
	ctx, span := r.tracer.Start(ctx, "repo.mongo.GetHistory")
	defer span.End()
	span.SetAttributes(attribute.String("history.id", id))

	var doc historyDocument
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrHistoryNotFound
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find history document")
		return nil, fmt.Errorf("failed to get history entry %s from MongoDB: %w", id, err)
	}
	return doc.toDomain(), nil
}

func (r *mongoHistoryRepository) List(ctx context.Context, start, count int) ([]*domain.HistoryEntry, error) {
	ctx, span := r.tracer.Start(ctx, "repo.mongo.ListHistory")
	defer span.End()
	span.SetAttributes(attribute.Int("start", start), attribute.Int("count", count))

	if count <= 0 {
		return []*domain.HistoryEntry{}, nil
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "start", Value: -1}, {Key: "_id", Value: -1}}).
		SetSkip(int64(start)).
		SetLimit(int64(count))
	cursor, err := r.collection.Find(ctx, bson.M{}, opts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to find history documents")
		return nil, fmt.Errorf("failed to list history entries from MongoDB: %w", err)
	}
	defer cursor.Close(ctx)

	entries := make([]*domain.HistoryEntry, 0, count)
	for cursor.Next(ctx) {
		var doc historyDocument
		if err := cursor.Decode(&doc); err != nil {
			r.logger.Warn("failed to decode history document", "error", err)
			continue
		}
		entries = append(entries, doc.toDomain())
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate history entries: %w", err)
	}
	return entries, nil
}

func (r *mongoHistoryRepository) DeleteFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ctx, span := r.tracer.Start(ctx, "repo.mongo.PurgeHistory")
	defer span.End()

	res, err := r.collection.DeleteMany(ctx, bson.M{
		"start": bson.M{"$lt": cutoff},
		"state": domain.HistoryStateFinished,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to delete history documents")
		return 0, fmt.Errorf("failed to purge history entries before %s: %w", cutoff, err)
	}
	return int(res.DeletedCount), nil
}
