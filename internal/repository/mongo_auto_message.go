package repository

import (
	"context"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

var (
	underCeiling = bson.M{"$lt": bson.A{"$retry_count", "$max_retries"}}
	atCeiling    = bson.M{"$gte": bson.A{"$retry_count", "$max_retries"}}
)

type MongoAutoMessageRepository struct {
	coll *mongo.Collection
}

func NewMongoAutoMessageRepository(db *mongo.Database) *MongoAutoMessageRepository {
	return &MongoAutoMessageRepository{coll: db.Collection(AutoMessagesCollection)}
}

func (r *MongoAutoMessageRepository) CreateMany(ctx context.Context, drafts []*domain.AutoMessage) error {
	if len(drafts) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(drafts))
	for _, d := range drafts {
		docs = append(docs, d)
	}
	if _, err := r.coll.InsertMany(ctx, docs); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrDuplicate
		}
		return err
	}
	return nil
}

func (r *MongoAutoMessageRepository) Get(ctx context.Context, id string) (*domain.AutoMessage, error) {
	var d domain.AutoMessage
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *MongoAutoMessageRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*domain.AutoMessage, error) {
	filter := bson.M{
		"send_at":   bson.M{"$lte": now},
		"is_queued": false,
		"is_sent":   false,
		"$expr":     underCeiling,
	}
	return r.list(ctx, filter, limit)
}

func (r *MongoAutoMessageRepository) ListExhausted(ctx context.Context, limit int) ([]*domain.AutoMessage, error) {
	filter := bson.M{
		"is_queued": false,
		"is_sent":   false,
		"$expr":     atCeiling,
	}
	return r.list(ctx, filter, limit)
}

func (r *MongoAutoMessageRepository) list(ctx context.Context, filter bson.M, limit int) ([]*domain.AutoMessage, error) {
	opts := options.Find().SetSort(bson.D{{Key: "send_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*domain.AutoMessage{}
	for cur.Next(ctx) {
		var d domain.AutoMessage
		if err := cur.Decode(&d); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, cur.Err()
}

func (r *MongoAutoMessageRepository) MarkQueued(ctx context.Context, id string, seenRetryCount int, at time.Time) (bool, error) {
	filter := bson.M{"_id": id, "is_sent": false, "retry_count": seenRetryCount}
	update := bson.M{"$set": bson.M{"is_queued": true, "queued_at": at, "updated_at": at}}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	return res.MatchedCount > 0, nil
}

func (r *MongoAutoMessageRepository) MarkSent(ctx context.Context, id, messageID string, at time.Time) (bool, error) {
	filter := bson.M{"_id": id, "is_sent": false}
	update := bson.M{"$set": bson.M{
		"is_sent":    true,
		"is_queued":  false,
		"sent_at":    at,
		"message_id": messageID,
		"updated_at": at,
	}}
	res, err := r.coll.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, err
	}
	if res.MatchedCount == 0 {
		if _, err := r.Get(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

func (r *MongoAutoMessageRepository) RecordFailure(ctx context.Context, id, reason string, at time.Time) (*domain.AutoMessage, error) {
	update := bson.M{
		"$inc":   bson.M{"retry_count": 1},
		"$set":   bson.M{"last_error": reason, "is_queued": false, "updated_at": at},
		"$unset": bson.M{"queued_at": ""},
	}
	return r.findAndUpdate(ctx, bson.M{"_id": id, "is_sent": false}, update)
}

func (r *MongoAutoMessageRepository) ReclaimStale(ctx context.Context, queuedBefore, at time.Time, reason string) (int64, error) {
	filter := bson.M{"is_queued": true, "is_sent": false, "queued_at": bson.M{"$lt": queuedBefore}}
	update := bson.M{
		"$inc":   bson.M{"retry_count": 1},
		"$set":   bson.M{"last_error": reason, "is_queued": false, "updated_at": at},
		"$unset": bson.M{"queued_at": ""},
	}
	res, err := r.coll.UpdateMany(ctx, filter, update)
	if err != nil {
		return 0, err
	}
	return res.ModifiedCount, nil
}

func (r *MongoAutoMessageRepository) ResetRetries(ctx context.Context, id string, at time.Time) (*domain.AutoMessage, error) {
	update := bson.M{
		"$set":   bson.M{"retry_count": 0, "is_queued": false, "updated_at": at},
		"$unset": bson.M{"last_error": ""},
	}
	return r.findAndUpdate(ctx, bson.M{"_id": id, "is_sent": false}, update)
}

func (r *MongoAutoMessageRepository) findAndUpdate(ctx context.Context, filter, update bson.M) (*domain.AutoMessage, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var d domain.AutoMessage
	if err := r.coll.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d); err != nil {
		return nil, notFound(err)
	}
	return &d, nil
}

func (r *MongoAutoMessageRepository) Stats(ctx context.Context) (domain.QueueStats, error) {
	var s domain.QueueStats
	counts := []struct {
		dst    *int64
		filter bson.M
	}{
		{&s.Pending, bson.M{"is_queued": false, "is_sent": false, "$expr": underCeiling}},
		{&s.Queued, bson.M{"is_queued": true, "is_sent": false}},
		{&s.Sent, bson.M{"is_sent": true}},
		{&s.Failed, bson.M{"is_queued": false, "is_sent": false, "$expr": atCeiling}},
		{&s.Total, bson.M{}},
	}
	for _, c := range counts {
		n, err := r.coll.CountDocuments(ctx, c.filter)
		if err != nil {
			return s, err
		}
		*c.dst = n
	}
	return s, nil
}
