package repository

import (
	"context"
	"errors"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoConversationRepository struct {
	coll *mongo.Collection
}

func NewMongoConversationRepository(db *mongo.Database) *MongoConversationRepository {
	return &MongoConversationRepository{coll: db.Collection(ConversationsCollection)}
}

func (r *MongoConversationRepository) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&c); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *MongoConversationRepository) FindActiveByPair(ctx context.Context, a, b string) (*domain.Conversation, error) {
	var c domain.Conversation
	filter := bson.M{"pair_key": domain.PairKey(a, b), "is_active": true}
	if err := r.coll.FindOne(ctx, filter).Decode(&c); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

func (r *MongoConversationRepository) Create(ctx context.Context, c *domain.Conversation) error {
	if _, err := r.coll.InsertOne(ctx, c); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *MongoConversationRepository) RecordMessage(ctx context.Context, id, messageID, receiverID string, at time.Time) (*domain.Conversation, error) {
	update := bson.M{
		"$set": bson.M{
			"last_message_id": messageID,
			"last_message_at": at,
			"updated_at":      at,
		},
		"$inc": bson.M{"unread_count." + receiverID: 1},
	}
	filter := bson.M{"_id": id, "last_message_id": bson.M{"$ne": messageID}}
	c, err := r.findAndUpdate(ctx, filter, update)
	if errors.Is(err, domain.ErrNotFound) {
		// already recorded, or no such conversation
		return r.GetByID(ctx, id)
	}
	return c, err
}

func (r *MongoConversationRepository) ResetUnread(ctx context.Context, id, userID string, at time.Time) (*domain.Conversation, error) {
	update := bson.M{
		"$set": bson.M{
			"unread_count." + userID: 0,
			"updated_at":             at,
		},
	}
	return r.findAndUpdate(ctx, bson.M{"_id": id}, update)
}

func (r *MongoConversationRepository) ListByParticipant(ctx context.Context, userID string, limit int) ([]*domain.Conversation, error) {
	// served by participants_last_idx; conversations with no message yet sort last
	opts := options.Find().SetSort(bson.D{{Key: "last_message_at", Value: -1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.coll.Find(ctx, bson.M{"participants": userID, "is_active": true}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*domain.Conversation{}
	for cur.Next(ctx) {
		var c domain.Conversation
		if err := cur.Decode(&c); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, cur.Err()
}

func (r *MongoConversationRepository) findAndUpdate(ctx context.Context, filter, update bson.M) (*domain.Conversation, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var c domain.Conversation
	if err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&c); err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}
