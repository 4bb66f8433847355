package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	chatmodel "NWChat/module/chat/model"
	usermodel "NWChat/module/user/model"
	"NWChat/tools/errs"
	"NWChat/tools/ids"
)

const (
	collMessages      = "messages"
	collConversations = "conversations"
	collUsers         = "users"

	mongoOpTimeout = 5 * time.Second
)

// MongoStore implements MessageStore and ConversationStore on a Mongo
// database. One document per message, one per conversation.
type MongoStore struct {
	db *mongo.Database
}

func NewMongoStore(ctx context.Context, uri, database string) (*MongoStore, error) {
	cli, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "mongo connect")
	}
	if err := cli.Ping(ctx, nil); err != nil {
		return nil, errors.Wrap(err, "mongo ping")
	}
	return &MongoStore{db: cli.Database(database)}, nil
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.db.Client().Disconnect(ctx)
}

func (s *MongoStore) Append(ctx context.Context, m *chatmodel.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	if m.ID == "" {
		m.ID = ids.GenerateString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if _, err := s.db.Collection(collMessages).InsertOne(ctx, m); err != nil {
		return "", errs.ErrPersistence.WrapMsg(err.Error())
	}
	return m.ID, nil
}

func (s *MongoStore) ListByConversation(ctx context.Context, conversationID string, limit int) ([]*chatmodel.Message, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	if limit <= 0 {
		limit = 200
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.db.Collection(collMessages).Find(ctx, bson.M{"conversation_id": conversationID}, opts)
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error())
	}
	defer cur.Close(ctx)

	var newestFirst []*chatmodel.Message
	if err := cur.All(ctx, &newestFirst); err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error())
	}
	// return oldest first, like the in-memory store
	out := make([]*chatmodel.Message, len(newestFirst))
	for i, m := range newestFirst {
		out[len(newestFirst)-1-i] = m
	}
	return out, nil
}

func (s *MongoStore) Create(ctx context.Context, c *chatmodel.Conversation) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	update := bson.M{"$setOnInsert": c}
	_, err := s.db.Collection(collConversations).UpdateOne(
		ctx,
		bson.M{"_id": c.ID},
		update,
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.ErrPersistence.WrapMsg(err.Error())
	}
	return nil
}

func (s *MongoStore) ListForUser(ctx context.Context, userID string) ([]*chatmodel.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	cur, err := s.db.Collection(collConversations).Find(ctx, bson.M{"participant_ids": userID}, opts)
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error())
	}
	defer cur.Close(ctx)

	var out []*chatmodel.Conversation
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error())
	}
	return out, nil
}

func (s *MongoStore) UpsertUser(ctx context.Context, u *usermodel.User) error {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	_, err := s.db.Collection(collUsers).UpdateOne(
		ctx,
		bson.M{"_id": u.ID},
		bson.M{"$set": u},
		options.Update().SetUpsert(true),
	)
	if err != nil {
		return errs.ErrPersistence.WrapMsg(err.Error())
	}
	return nil
}

func (s *MongoStore) ListUsers(ctx context.Context) ([]*usermodel.User, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "name", Value: 1}})
	cur, err := s.db.Collection(collUsers).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error())
	}
	defer cur.Close(ctx)

	var out []*usermodel.User
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error())
	}
	return out, nil
}

func (s *MongoStore) Get(ctx context.Context, id string) (*chatmodel.Conversation, error) {
	ctx, cancel := context.WithTimeout(ctx, mongoOpTimeout)
	defer cancel()

	var c chatmodel.Conversation
	err := s.db.Collection(collConversations).FindOne(ctx, bson.M{"_id": id}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrConversationNotFound.Wrap()
	}
	if err != nil {
		return nil, errs.ErrPersistence.WrapMsg(err.Error())
	}
	return &c, nil
}
