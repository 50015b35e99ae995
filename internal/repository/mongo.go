package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fathima-sithara/delivery-service/internal/domain"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
)

const (
	UsersCollection         = "users"
	MessagesCollection      = "messages"
	ConversationsCollection = "conversations"
	AutoMessagesCollection  = "auto_messages"
)

func ConnectMongo(ctx context.Context, uri, dbName string, logger *zap.SugaredLogger) (*mongo.Database, *mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		logger.Errorf("MongoDB connection failed: %v", err)
		return nil, nil, err
	}

	if err := client.Ping(ctx, nil); err != nil {
		logger.Errorf("MongoDB ping failed: %v", err)
		_ = client.Disconnect(context.Background())
		return nil, nil, err
	}

	logger.Info("MongoDB connected successfully")
	return client.Database(dbName), client, nil
}

// EnsureIndexes creates the indexes the repositories rely on, including the
// unique partial index that keeps one active conversation per pair.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	indexes := map[string][]mongo.IndexModel{
		MessagesCollection: {
			{
				Keys:    bson.D{{Key: "sender_id", Value: 1}, {Key: "receiver_id", Value: 1}, {Key: "created_at", Value: -1}},
				Options: options.Index().SetName("pair_created_idx"),
			},
		},
		ConversationsCollection: {
			{
				Keys: bson.D{{Key: "pair_key", Value: 1}},
				Options: options.Index().
					SetName("active_pair_uniq").
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"is_active": true}),
			},
			{
				Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "last_message_at", Value: -1}},
				Options: options.Index().SetName("participants_last_idx"),
			},
		},
		AutoMessagesCollection: {
			{
				Keys: bson.D{
					{Key: "send_at", Value: 1},
					{Key: "is_queued", Value: 1},
					{Key: "is_sent", Value: 1},
					{Key: "retry_count", Value: 1},
				},
				Options: options.Index().SetName("due_idx"),
			},
		},
		UsersCollection: {
			{
				Keys:    bson.D{{Key: "is_active", Value: 1}},
				Options: options.Index().SetName("active_idx"),
			},
		},
	}
	for coll, models := range indexes {
		if _, err := db.Collection(coll).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("create indexes on %s: %w", coll, err)
		}
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.ErrNotFound
	}
	return err
}

type MongoUserRepository struct {
	coll *mongo.Collection
}

func NewMongoUserRepository(db *mongo.Database) *MongoUserRepository {
	return &MongoUserRepository{coll: db.Collection(UsersCollection)}
}

func (r *MongoUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	var u domain.User
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&u); err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

func (r *MongoUserRepository) ListActive(ctx context.Context) ([]*domain.User, error) {
	cur, err := r.coll.Find(ctx, bson.M{"is_active": true}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	out := []*domain.User{}
	for cur.Next(ctx) {
		var u domain.User
		if err := cur.Decode(&u); err != nil {
			return nil, err
		}
		out = append(out, &u)
	}
	return out, cur.Err()
}

func (r *MongoUserRepository) TouchLastSeen(ctx context.Context, id string, at time.Time) error {
	res, err := r.coll.UpdateByID(ctx, id, bson.M{"$set": bson.M{"last_seen": at}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type MongoMessageRepository struct {
	coll *mongo.Collection
}

func NewMongoMessageRepository(db *mongo.Database) *MongoMessageRepository {
	return &MongoMessageRepository{coll: db.Collection(MessagesCollection)}
}

func (r *MongoMessageRepository) Save(ctx context.Context, m *domain.Message) error {
	filter := bson.M{"_id": m.ID}
	update := bson.M{"$setOnInsert": m}
	_, err := r.coll.UpdateOne(ctx, filter, update, options.Update().SetUpsert(true))
	return err
}

func (r *MongoMessageRepository) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	var m domain.Message
	if err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&m); err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

func (r *MongoMessageRepository) MarkRead(ctx context.Context, id string, at time.Time) error {
	return r.set(ctx, id, bson.M{"is_read": true, "read_at": at})
}

func (r *MongoMessageRepository) SoftDelete(ctx context.Context, id, by string, at time.Time) error {
	return r.set(ctx, id, bson.M{"is_deleted": true, "deleted_at": at, "deleted_by": by})
}

func (r *MongoMessageRepository) set(ctx context.Context, id string, fields bson.M) error {
	res, err := r.coll.UpdateByID(ctx, id, bson.M{"$set": fields})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return domain.ErrNotFound
	}
	return nil
}
