package message

import (
	"context"

	"agent_relay/internal/transport"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type (
	// MessageRepo archives relayed messages in mongo for store queries.
	MessageRepo struct {
		collection *mongo.Collection
	}

	document struct {
		PubsubTopic  string `bson:"pubsubTopic"`
		ContentTopic string `bson:"contentTopic"`
		Timestamp    int64  `bson:"timestamp"`
		Payload      string `bson:"payload"`
	}
)

func NewMessageRepo(db *mongo.Database) *MessageRepo {
	return &MessageRepo{
		collection: db.Collection("messages"),
	}
}

// EnsureIndexes creates the index store queries rely on.
func (r *MessageRepo) EnsureIndexes(ctx context.Context) error {
	_, err := r.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{
			{Key: "contentTopic", Value: 1},
			{Key: "pubsubTopic", Value: 1},
			{Key: "timestamp", Value: -1},
		},
	})
	return err
}

func (r *MessageRepo) Append(ctx context.Context, msg transport.RawMessage) error {
	_, err := r.collection.InsertOne(ctx, document{
		PubsubTopic:  msg.PubsubTopic,
		ContentTopic: msg.ContentTopic,
		Timestamp:    msg.Timestamp,
		Payload:      msg.Payload,
	})
	return err
}

// Query returns the newest PageSize messages matching q, oldest first.
func (r *MessageRepo) Query(ctx context.Context, q transport.StoreQuery) ([]transport.RawMessage, error) {
	filter := bson.M{
		"contentTopic": bson.M{"$in": q.ContentTopics},
	}
	if q.PubsubTopic != "" {
		filter["pubsubTopic"] = q.PubsubTopic
	}
	if !q.StartTime.IsZero() {
		filter["timestamp"] = bson.M{"$gte": q.StartTime.UnixNano()}
	}

	opts := options.Find().SetSort(bson.D{{Key: "timestamp", Value: -1}})
	if q.PageSize > 0 {
		opts.SetLimit(int64(q.PageSize))
	}

	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cursor.Close(ctx)

	var docs []document
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, err
	}

	out := make([]transport.RawMessage, len(docs))
	for i, d := range docs {
		out[len(docs)-1-i] = transport.RawMessage{
			Payload:      d.Payload,
			ContentTopic: d.ContentTopic,
			PubsubTopic:  d.PubsubTopic,
			Timestamp:    d.Timestamp,
		}
	}
	return out, nil
}
