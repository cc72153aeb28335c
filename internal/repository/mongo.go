package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	mongoMemories      = "memories"
	mongoTurns         = "conversation_turns"
	mongoCounters      = "counters"
	mongoUsers         = "users"
	mongoMemorySeqName = "memories"
	mongoTurnSeqName   = "conversation_turns"
)

// OpenMongo connects to uri and pings the primary.
func OpenMongo(ctx context.Context, uri, database string) (*mongo.Client, *mongo.Database, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, nil, errors.New("repository: mongo uri must not be empty")
	}
	if strings.TrimSpace(database) == "" {
		return nil, nil, errors.New("repository: mongo database must not be empty")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, nil, fmt.Errorf("repository: mongo connect: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("repository: mongo ping: %w", err)
	}
	return client, client.Database(database), nil
}

var mongoIndexes = map[string][]mongo.IndexModel{
	mongoMemories: {
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "normalized_text", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	},
	mongoTurns: {
		{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "seq", Value: -1}}},
		{
			Keys:    bson.D{{Key: "id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	},
	mongoUsers: {
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	},
}

// EnsureMongoIndexes creates the indexes the Mongo stores rely on.
func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	for coll, models := range mongoIndexes {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("repository: mongo indexes %s: %w", coll, err)
		}
	}
	return nil
}

// nextSeq allocates the next integer id for name.
func nextSeq(ctx context.Context, db *mongo.Database, name string) (int64, error) {
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	err := db.Collection(mongoCounters).FindOneAndUpdate(
		ctx,
		bson.M{"_id": name},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return 0, err
	}
	return doc.Seq, nil
}
