package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"nexus-assistant/internal/domain"
)

type userDoc struct {
	UserID    string    `bson:"user_id"`
	Username  string    `bson:"username,omitempty"`
	FirstName string    `bson:"first_name,omitempty"`
	LastName  string    `bson:"last_name,omitempty"`
	LastSeen  time.Time `bson:"last_seen"`
	CreatedAt time.Time `bson:"created_at"`
}

func (d userDoc) toDomain() domain.UserProfile {
	return domain.UserProfile{
		UserID:    d.UserID,
		Username:  d.Username,
		FirstName: d.FirstName,
		LastName:  d.LastName,
		LastSeen:  d.LastSeen.UTC(),
		CreatedAt: d.CreatedAt.UTC(),
	}
}

// userUpsert builds the filter and update of an UpsertUser call.
func userUpsert(p domain.UserProfile, seen time.Time) (bson.M, bson.M) {
	seen = seen.UTC().Truncate(time.Millisecond)
	return bson.M{"user_id": p.UserID}, bson.M{
		"$set": bson.M{
			"username":   strings.TrimSpace(p.Username),
			"first_name": strings.TrimSpace(p.FirstName),
			"last_name":  strings.TrimSpace(p.LastName),
			"last_seen":  seen,
		},
		"$setOnInsert": bson.M{"created_at": seen},
	}
}

// MongoUserStore keeps one profile document per user.
type MongoUserStore struct {
	db  *mongo.Database
	now func() time.Time
}

// NewMongoUserStore creates a user store over db.
func NewMongoUserStore(db *mongo.Database) (*MongoUserStore, error) {
	if db == nil {
		return nil, errors.New("repository: mongo database must not be nil")
	}
	return &MongoUserStore{db: db, now: time.Now}, nil
}

func (s *MongoUserStore) coll() *mongo.Collection { return s.db.Collection(mongoUsers) }

// UpsertUser inserts p or refreshes the existing document.
func (s *MongoUserStore) UpsertUser(ctx context.Context, p domain.UserProfile) error {
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return domain.NewValidationError("userID", "must not be blank")
	}
	seen := p.LastSeen
	if seen.IsZero() {
		seen = s.now()
	}
	filter, update := userUpsert(p, seen)
	if _, err := s.coll().UpdateOne(ctx, filter, update, options.Update().SetUpsert(true)); err != nil {
		return storeErr("UpsertUser", err)
	}
	return nil
}

// GetUser returns the profile of userID.
func (s *MongoUserStore) GetUser(ctx context.Context, userID string) (domain.UserProfile, bool, error) {
	var doc userDoc
	err := s.coll().FindOne(ctx, bson.M{"user_id": strings.TrimSpace(userID)}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.UserProfile{}, false, nil
	}
	if err != nil {
		return domain.UserProfile{}, false, storeErr("GetUser", err)
	}
	return doc.toDomain(), true, nil
}
