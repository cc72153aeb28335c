package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"nexus-assistant/internal/domain"
	"nexus-assistant/internal/memory"
)

func TestNewMemoryDoc(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	doc := newMemoryDoc(7, "u1", "  User Likes Tea.  ", 1, now)

	require.Equal(t, int64(7), doc.ID)
	require.Equal(t, "User Likes Tea.", doc.Text)
	require.Equal(t, "user likes tea", doc.NormalizedText)
	require.Zero(t, doc.UseCount)
	require.Equal(t, now, doc.LastUsed)

	m := doc.toDomain()
	require.Equal(t, doc.ID, m.ID)
	require.Equal(t, doc.NormalizedText, m.NormalizedText)
	require.Equal(t, time.UTC, m.CreatedAt.Location())
}

func TestMongoUpdateBuilders(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	filter, update := touchUpdate([]int64{1, 2}, now)
	require.Equal(t, bson.M{"id": bson.M{"$in": []int64{1, 2}}}, filter)
	require.Equal(t, bson.M{"use_count": int64(1)}, update["$inc"])
	require.Equal(t, bson.M{"last_used": now, "updated_at": now}, update["$set"])

	filter, update = boostUpdate(3, 0.1, now)
	require.Equal(t, bson.M{"id": int64(3)}, filter)
	require.Equal(t, bson.M{"score": 0.1}, update["$inc"])

	require.Equal(t, bson.M{"user_id": "u1", "normalized_text": "x"}, memoryKey("u1", "x"))
}

func TestUserUpsert(t *testing.T) {
	seen := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	filter, update := userUpsert(domain.UserProfile{UserID: "u1", Username: " asha "}, seen)

	require.Equal(t, bson.M{"user_id": "u1"}, filter)
	set := update["$set"].(bson.M)
	require.Equal(t, "asha", set["username"])
	require.Equal(t, seen.Truncate(time.Millisecond), set["last_seen"])
	require.Equal(t, bson.M{"created_at": seen.Truncate(time.Millisecond)}, update["$setOnInsert"])
}

func TestOnlyDuplicateKeys(t *testing.T) {
	dup := func(code int) mongo.BulkWriteError {
		return mongo.BulkWriteError{WriteError: mongo.WriteError{Code: code}}
	}
	require.True(t, onlyDuplicateKeys(mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{dup(11000), dup(11000)}}))
	require.False(t, onlyDuplicateKeys(mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{dup(11000), dup(121)}}))
	require.False(t, onlyDuplicateKeys(mongo.BulkWriteException{
		WriteErrors:       []mongo.BulkWriteError{dup(11000)},
		WriteConcernError: &mongo.WriteConcernError{Code: 64},
	}))
	require.False(t, onlyDuplicateKeys(errors.New("socket closed")))
}

func TestRecentTurnsOptions(t *testing.T) {
	opts := recentTurnsOptions(15)
	require.Equal(t, int64(15), *opts.Limit)
	require.Equal(t, bson.D{{Key: "created_at", Value: -1}, {Key: "seq", Value: -1}}, opts.Sort)
}

func TestMongoConstructors_NilDatabase(t *testing.T) {
	_, err := NewMongoFactStore(nil, nil)
	require.Error(t, err)
	_, err = NewMongoConversationStore(nil)
	require.Error(t, err)
	_, err = NewMongoUserStore(nil)
	require.Error(t, err)
}

// TestMongoStores_Integration runs against a live server when MONGODB_TEST_URI
// is set.
func TestMongoStores_Integration(t *testing.T) {
	uri := os.Getenv("MONGODB_TEST_URI")
	if uri == "" {
		t.Skip("MONGODB_TEST_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	client, db, err := OpenMongo(ctx, uri, "nexus_test_"+uuid.NewString()[:8])
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = db.Drop(context.Background())
		_ = client.Disconnect(context.Background())
	})
	require.NoError(t, EnsureMongoIndexes(ctx, db))

	facts, err := NewMongoFactStore(db, nil)
	require.NoError(t, err)

	id, created, err := facts.Create(ctx, "u1", "User prefers dark themes", 1)
	require.NoError(t, err)
	require.True(t, created)
	again, created, err := facts.Create(ctx, "u1", "user prefers dark themes.", 1)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, id, again)

	require.NoError(t, facts.Touch(ctx, []int64{id}))
	require.NoError(t, facts.BoostScore(ctx, id, 0.5))
	top, err := facts.TopByRank(ctx, "u1", memory.RankQuery{Limit: 5, Weights: memory.DefaultWeights, RecentSince: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.Equal(t, int64(1), top[0].UseCount)
	require.InDelta(t, 1.5, top[0].Score, 1e-9)

	other, _, err := facts.Create(ctx, "u1", "User lives in Delhi", 1)
	require.NoError(t, err)
	merged, err := facts.UpdateText(ctx, other, "User prefers dark themes!")
	require.NoError(t, err)
	require.Equal(t, id, merged)
	_, found, err := facts.FindByExactText(ctx, "u1", "User lives in Delhi")
	require.NoError(t, err)
	require.False(t, found)

	users, err := NewMongoUserStore(db)
	require.NoError(t, err)
	require.NoError(t, users.UpsertUser(ctx, domain.UserProfile{UserID: "u1", Username: "asha"}))
	require.NoError(t, users.UpsertUser(ctx, domain.UserProfile{UserID: "u1", Username: "asha_k"}))
	profile, found, err := users.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "asha_k", profile.Username)

	turns, err := NewMongoConversationStore(db)
	require.NoError(t, err)
	require.NoError(t, turns.AppendTurns(ctx,
		domain.ConversationTurn{UserID: "u1", Role: domain.RoleUser, Content: "hi"},
		domain.ConversationTurn{UserID: "u1", Role: domain.RoleAssistant, Content: "hello"},
	))
	retried := domain.ConversationTurn{ID: "t-1", UserID: "u1", Role: domain.RoleUser, Content: "again"}
	require.NoError(t, turns.AppendTurns(ctx, retried))
	require.NoError(t, turns.AppendTurns(ctx, retried))
	recent, err := turns.Recent(ctx, "u1", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"hi", "hello", "again"}, contents(recent))
}
