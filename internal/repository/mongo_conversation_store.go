package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"nexus-assistant/internal/domain"
)

type turnDoc struct {
	ID        string    `bson:"id"`
	Seq       int64     `bson:"seq"`
	UserID    string    `bson:"user_id"`
	Role      string    `bson:"role"`
	Content   string    `bson:"content"`
	CreatedAt time.Time `bson:"created_at"`
}

func (d turnDoc) toDomain() domain.ConversationTurn {
	return domain.ConversationTurn{
		ID:        d.ID,
		UserID:    d.UserID,
		Role:      d.Role,
		Content:   d.Content,
		CreatedAt: d.CreatedAt.UTC(),
	}
}

func recentTurnsOptions(limit int) *options.FindOptions {
	return options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "seq", Value: -1}}).
		SetLimit(int64(limit))
}

// MongoConversationStore keeps conversation turns in MongoDB.
type MongoConversationStore struct {
	db  *mongo.Database
	now func() time.Time
}

// NewMongoConversationStore creates a conversation store over db.
func NewMongoConversationStore(db *mongo.Database) (*MongoConversationStore, error) {
	if db == nil {
		return nil, errors.New("repository: mongo database must not be nil")
	}
	return &MongoConversationStore{db: db, now: time.Now}, nil
}

// AppendTurns inserts turns in order. Each turn gets a sequence number that
// breaks CreatedAt ties. Turns whose ID is already stored are skipped.
func (s *MongoConversationStore) AppendTurns(ctx context.Context, turns ...domain.ConversationTurn) error {
	if len(turns) == 0 {
		return nil
	}
	prepared, err := prepareTurns(turns, s.now().UTC())
	if err != nil {
		return err
	}

	docs := make([]any, 0, len(prepared))
	for _, t := range prepared {
		seq, err := nextSeq(ctx, s.db, mongoTurnSeqName)
		if err != nil {
			return storeErr("AppendTurns sequence", err)
		}
		docs = append(docs, turnDoc{
			ID:        t.ID,
			Seq:       seq,
			UserID:    t.UserID,
			Role:      t.Role,
			Content:   t.Content,
			CreatedAt: t.CreatedAt.Truncate(time.Millisecond),
		})
	}
	_, err = s.db.Collection(mongoTurns).InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err != nil && !onlyDuplicateKeys(err) {
		return storeErr("AppendTurns", err)
	}
	return nil
}

// onlyDuplicateKeys reports whether every write error in err is a duplicate
// key.
func onlyDuplicateKeys(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil || len(bwe.WriteErrors) == 0 {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

// Recent returns the latest limit turns of userID, oldest first.
func (s *MongoConversationStore) Recent(ctx context.Context, userID string, limit int) ([]domain.ConversationTurn, error) {
	if limit <= 0 {
		return nil, nil
	}
	cur, err := s.db.Collection(mongoTurns).Find(ctx, bson.M{"user_id": userID}, recentTurnsOptions(limit))
	if err != nil {
		return nil, storeErr("Recent", err)
	}
	defer cur.Close(ctx)

	var turns []domain.ConversationTurn
	for cur.Next(ctx) {
		var doc turnDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, storeErr("Recent decode", err)
		}
		turns = append(turns, doc.toDomain())
	}
	if err := cur.Err(); err != nil {
		return nil, storeErr("Recent", err)
	}
	reverseTurns(turns)
	return turns, nil
}
