package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"nexus-assistant/internal/domain"
	"nexus-assistant/internal/memory"
)

type memoryDoc struct {
	ID             int64     `bson:"id"`
	UserID         string    `bson:"user_id"`
	Text           string    `bson:"text"`
	NormalizedText string    `bson:"normalized_text"`
	Score          float64   `bson:"score"`
	UseCount       int64     `bson:"use_count"`
	LastUsed       time.Time `bson:"last_used"`
	CreatedAt      time.Time `bson:"created_at"`
	UpdatedAt      time.Time `bson:"updated_at"`
}

func (d memoryDoc) toDomain() domain.Memory {
	return domain.Memory{
		ID:             d.ID,
		UserID:         d.UserID,
		Text:           d.Text,
		NormalizedText: d.NormalizedText,
		Score:          d.Score,
		UseCount:       d.UseCount,
		LastUsed:       d.LastUsed.UTC(),
		CreatedAt:      d.CreatedAt.UTC(),
		UpdatedAt:      d.UpdatedAt.UTC(),
	}
}

func newMemoryDoc(id int64, userID, text string, score float64, now time.Time) memoryDoc {
	return memoryDoc{
		ID:             id,
		UserID:         userID,
		Text:           strings.TrimSpace(text),
		NormalizedText: domain.NormalizeMemoryText(text),
		Score:          score,
		LastUsed:       now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func memoryKey(userID, norm string) bson.M {
	return bson.M{"user_id": userID, "normalized_text": norm}
}

func touchUpdate(ids []int64, now time.Time) (bson.M, bson.M) {
	return bson.M{"id": bson.M{"$in": ids}},
		bson.M{
			"$inc": bson.M{"use_count": int64(1)},
			"$set": bson.M{"last_used": now, "updated_at": now},
		}
}

func boostUpdate(id int64, delta float64, now time.Time) (bson.M, bson.M) {
	return bson.M{"id": id},
		bson.M{
			"$inc": bson.M{"score": delta},
			"$set": bson.M{"updated_at": now},
		}
}

// MongoFactStore persists memories in MongoDB. Ids come from a counters
// collection.
type MongoFactStore struct {
	db     *mongo.Database
	now    func() time.Time
	logger *slog.Logger
}

// NewMongoFactStore creates a fact store over db. Call EnsureMongoIndexes first.
func NewMongoFactStore(db *mongo.Database, logger *slog.Logger) (*MongoFactStore, error) {
	if db == nil {
		return nil, errors.New("repository: mongo database must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MongoFactStore{db: db, now: time.Now, logger: logger}, nil
}

var _ memory.FactStore = (*MongoFactStore)(nil)

func (s *MongoFactStore) coll() *mongo.Collection { return s.db.Collection(mongoMemories) }

func (s *MongoFactStore) nowUTC() time.Time { return s.now().UTC().Truncate(time.Millisecond) }

// Ping checks connectivity.
func (s *MongoFactStore) Ping(ctx context.Context) error {
	if err := s.db.Client().Ping(ctx, nil); err != nil {
		return storeErr("Ping", err)
	}
	return nil
}

// Create inserts a memory or refreshes the one with the same normalized text.
func (s *MongoFactStore) Create(ctx context.Context, userID, text string, score float64) (int64, bool, error) {
	if err := validateMemoryInput(userID, text); err != nil {
		return 0, false, err
	}
	norm := domain.NormalizeMemoryText(text)
	now := s.nowUTC()

	id, found, err := s.refresh(ctx, userID, norm, now)
	if err != nil {
		return 0, false, err
	}
	if found {
		return id, false, nil
	}

	seq, err := nextSeq(ctx, s.db, mongoMemorySeqName)
	if err != nil {
		return 0, false, storeErr("Create sequence", err)
	}
	if _, err := s.coll().InsertOne(ctx, newMemoryDoc(seq, userID, text, score, now)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			id, found, err := s.refresh(ctx, userID, norm, now)
			if err != nil {
				return 0, false, err
			}
			if !found {
				return 0, false, storeErr("Create", errors.New("conflicting memory disappeared"))
			}
			return id, false, nil
		}
		return 0, false, storeErr("Create", err)
	}
	return seq, true, nil
}

func (s *MongoFactStore) refresh(ctx context.Context, userID, norm string, now time.Time) (int64, bool, error) {
	var doc memoryDoc
	err := s.coll().FindOneAndUpdate(ctx,
		memoryKey(userID, norm),
		bson.M{"$set": bson.M{"updated_at": now, "last_used": now}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storeErr("Refresh", err)
	}
	return doc.ID, true, nil
}

// FindByExactText looks a memory up by its normalized text.
func (s *MongoFactStore) FindByExactText(ctx context.Context, userID, text string) (domain.Memory, bool, error) {
	var doc memoryDoc
	err := s.coll().FindOne(ctx, memoryKey(userID, domain.NormalizeMemoryText(text))).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Memory{}, false, nil
	}
	if err != nil {
		return domain.Memory{}, false, storeErr("FindByExactText", err)
	}
	return doc.toDomain(), true, nil
}

// TopByRank loads the user's memories and ranks them in process.
func (s *MongoFactStore) TopByRank(ctx context.Context, userID string, q memory.RankQuery) ([]domain.Memory, error) {
	if q.Limit <= 0 {
		return nil, nil
	}
	cur, err := s.coll().Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, storeErr("TopByRank", err)
	}
	defer cur.Close(ctx)

	var all []domain.Memory
	for cur.Next(ctx) {
		var doc memoryDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, storeErr("TopByRank decode", err)
		}
		all = append(all, doc.toDomain())
	}
	if err := cur.Err(); err != nil {
		return nil, storeErr("TopByRank", err)
	}
	return memory.Top(all, q), nil
}

// Touch increments use_count and stamps last_used on every id in one update.
func (s *MongoFactStore) Touch(ctx context.Context, ids []int64) error {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return nil
	}
	filter, update := touchUpdate(ids, s.nowUTC())
	res, err := s.coll().UpdateMany(ctx, filter, update)
	if err != nil {
		return storeErr("Touch", err)
	}
	if res.MatchedCount < int64(len(ids)) {
		s.logger.Warn("touch skipped unknown memories", "requested", ids, "updated", res.MatchedCount)
	}
	return nil
}

// BoostScore adds delta to the memory's score.
func (s *MongoFactStore) BoostScore(ctx context.Context, id int64, delta float64) error {
	filter, update := boostUpdate(id, delta, s.nowUTC())
	res, err := s.coll().UpdateOne(ctx, filter, update)
	if err != nil {
		return storeErr("BoostScore", err)
	}
	if res.MatchedCount == 0 {
		return domain.NewValidationError("id", fmt.Sprintf("memory %d does not exist", id))
	}
	return nil
}

// UpdateText replaces the text of memory id and returns the id that holds the
// text afterwards. A memory already holding the text absorbs id.
func (s *MongoFactStore) UpdateText(ctx context.Context, id int64, text string) (int64, error) {
	var current memoryDoc
	err := s.coll().FindOne(ctx, bson.M{"id": id}).Decode(&current)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, domain.NewValidationError("id", fmt.Sprintf("memory %d does not exist", id))
	}
	if err != nil {
		return 0, storeErr("UpdateText", err)
	}
	if err := validateMemoryInput(current.UserID, text); err != nil {
		return 0, err
	}

	norm := domain.NormalizeMemoryText(text)
	now := s.nowUTC()
	existing, found, err := s.FindByExactText(ctx, current.UserID, norm)
	if err != nil {
		return 0, err
	}
	if found && existing.ID != id {
		return s.merge(ctx, id, current.UserID, norm, now)
	}

	_, err = s.coll().UpdateOne(ctx, bson.M{"id": id}, bson.M{"$set": bson.M{
		"text":            strings.TrimSpace(text),
		"normalized_text": norm,
		"updated_at":      now,
	}})
	if mongo.IsDuplicateKeyError(err) {
		return s.merge(ctx, id, current.UserID, norm, now)
	}
	if err != nil {
		return 0, storeErr("UpdateText", err)
	}
	return id, nil
}

func (s *MongoFactStore) merge(ctx context.Context, superseded int64, userID, norm string, now time.Time) (int64, error) {
	winner, found, err := s.refresh(ctx, userID, norm, now)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, storeErr("UpdateText merge", errors.New("conflicting memory disappeared"))
	}
	if _, err := s.coll().DeleteOne(ctx, bson.M{"id": superseded}); err != nil {
		return 0, storeErr("UpdateText merge", err)
	}
	s.logger.Info("memory merged into existing fact", "user_id", userID, "superseded_id", superseded, "id", winner)
	return winner, nil
}
