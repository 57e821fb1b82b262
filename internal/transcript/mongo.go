package transcript

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/deskhand-ai/deskhand/internal/conversation"
	"github.com/deskhand-ai/deskhand/internal/provider"
)

const turnsCollection = "turns"

// MongoStore is the document-store transcript log: one document per turn,
// keyed by (session_id, seq). A unique compound index arbitrates concurrent
// appenders; the loser of a race gets a conflict and must retry with a
// refreshed sequence number.
type MongoStore struct {
	client *mongo.Client
	turns  *mongo.Collection
}

type turnDoc struct {
	SessionID string        `bson:"session_id"`
	Seq       int           `bson:"seq"`
	Role      provider.Role `bson:"role"`
	Content   string        `bson:"content"`
	Provider  string        `bson:"provider,omitempty"`
	CreatedAt time.Time     `bson:"created_at"`
}

// NewMongoStore connects to the document store and ensures the unique
// (session_id, seq) index exists.
func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect document store: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping document store: %w", err)
	}

	turns := client.Database(database).Collection(turnsCollection)
	_, err = turns.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "session_id", Value: 1}, {Key: "seq", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ensure turn index: %w", err)
	}

	return &MongoStore{client: client, turns: turns}, nil
}

func (s *MongoStore) Append(ctx context.Context, sessionID string, turn provider.Turn) error {
	last, err := s.lastSeq(ctx, sessionID)
	if err != nil {
		return conversation.NewUnavailable(err)
	}
	if turn.Seq != last+1 {
		return conversation.NewConflict(
			fmt.Errorf("seq %d for session %s, want %d", turn.Seq, sessionID, last+1))
	}

	_, err = s.turns.InsertOne(ctx, turnDoc{
		SessionID: sessionID,
		Seq:       turn.Seq,
		Role:      turn.Role,
		Content:   turn.Content,
		Provider:  turn.Provider,
		CreatedAt: turn.CreatedAt,
	})
	if err != nil {
		// A concurrent writer won the optimistic check race; the unique index
		// is the final arbiter.
		if mongo.IsDuplicateKeyError(err) {
			return conversation.NewConflict(err)
		}
		return conversation.NewUnavailable(err)
	}
	return nil
}

func (s *MongoStore) Recent(ctx context.Context, sessionID string, limit int) ([]provider.Turn, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.turns.Find(ctx, bson.M{"session_id": sessionID}, opts)
	if err != nil {
		return nil, conversation.NewUnavailable(err)
	}
	defer cur.Close(ctx)

	var docs []turnDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, conversation.NewUnavailable(err)
	}

	// Fetched newest-first; return ascending seq order.
	turns := make([]provider.Turn, len(docs))
	for i, d := range docs {
		turns[len(docs)-1-i] = provider.Turn{
			Seq:       d.Seq,
			Role:      d.Role,
			Content:   d.Content,
			Provider:  d.Provider,
			CreatedAt: d.CreatedAt,
		}
	}
	return turns, nil
}

// lastSeq returns the highest stored sequence number for the session, or -1.
func (s *MongoStore) lastSeq(ctx context.Context, sessionID string) (int, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}})
	var doc turnDoc
	err := s.turns.FindOne(ctx, bson.M{"session_id": sessionID}, opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
