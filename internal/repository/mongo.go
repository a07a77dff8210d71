package repository

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/fathima-sithara/realtime-service/internal/apperr"
	"github.com/fathima-sithara/realtime-service/internal/config"
	"github.com/fathima-sithara/realtime-service/internal/domain"
)

// NewMongoClient connects and pings within timeout, which also becomes the client's
// default per-operation timeout.
func NewMongoClient(ctx context.Context, uri string, timeout time.Duration) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri).SetTimeout(timeout))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

type MongoStore struct {
	conversations *mongo.Collection
	messages      *mongo.Collection
	users         *mongo.Collection
}

var _ Store = (*MongoStore)(nil)

func NewMongoStore(db *mongo.Database, cfg config.MongoConfig) *MongoStore {
	return &MongoStore{
		conversations: db.Collection(cfg.ConversationCollection),
		messages:      db.Collection(cfg.MessageCollection),
		users:         db.Collection(cfg.UserCollection),
	}
}

// EnsureIndexes creates the indexes the queries below rely on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: -1}, {Key: "_id", Value: -1}},
		Options: options.Index().SetName("conversation_created_idx"),
	})
	if err != nil {
		return err
	}
	_, err = s.conversations.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "participants", Value: 1}, {Key: "updated_at", Value: -1}},
			Options: options.Index().SetName("participants_updated_idx"),
		},
		{
			Keys:    bson.D{{Key: "type", Value: 1}, {Key: "participants", Value: 1}},
			Options: options.Index().SetName("type_participants_idx"),
		},
	})
	return err
}

func storageErr(op string, err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return apperr.NotFound(op)
	}
	return apperr.Storage(op, err)
}

func (s *MongoStore) CreateConversation(ctx context.Context, c *domain.Conversation) error {
	cp := c.Clone()
	cp.Normalize()
	if _, err := s.conversations.InsertOne(ctx, cp); err != nil {
		return apperr.Storage("insert conversation", err)
	}
	return nil
}

func (s *MongoStore) decodeConversation(res *mongo.SingleResult) (*domain.Conversation, error) {
	var c domain.Conversation
	if err := res.Decode(&c); err != nil {
		return nil, storageErr("conversation", err)
	}
	c.Normalize()
	return &c, nil
}

func (s *MongoStore) GetConversation(ctx context.Context, id string) (*domain.Conversation, error) {
	return s.decodeConversation(s.conversations.FindOne(ctx, bson.M{"_id": id}))
}

func (s *MongoStore) FindPrivateConversation(ctx context.Context, a, b string) (*domain.Conversation, error) {
	filter := bson.M{
		"type":         domain.ConversationPrivate,
		"participants": bson.M{"$all": bson.A{a, b}},
	}
	return s.decodeConversation(s.conversations.FindOne(ctx, filter))
}

func (s *MongoStore) ListConversations(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	opts := options.Find().SetSort(bson.D{{Key: "updated_at", Value: -1}, {Key: "_id", Value: -1}})
	cur, err := s.conversations.Find(ctx, bson.M{"participants": userID}, opts)
	if err != nil {
		return nil, apperr.Storage("list conversations", err)
	}
	defer cur.Close(ctx)
	out := []*domain.Conversation{}
	for cur.Next(ctx) {
		var c domain.Conversation
		if err := cur.Decode(&c); err != nil {
			return nil, apperr.Storage("decode conversation", err)
		}
		c.Normalize()
		out = append(out, &c)
	}
	if err := cur.Err(); err != nil {
		return nil, apperr.Storage("list conversations", err)
	}
	return out, nil
}

func (s *MongoStore) updateConversation(ctx context.Context, filter bson.M, update any) (*domain.Conversation, error) {
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	return s.decodeConversation(s.conversations.FindOneAndUpdate(ctx, filter, update, opts))
}

func (s *MongoStore) UpdateConversationProfile(ctx context.Context, id string, name, avatar *string, at time.Time) (*domain.Conversation, error) {
	set := bson.M{"updated_at": at}
	if name != nil {
		set["name"] = *name
	}
	if avatar != nil {
		set["avatar"] = *avatar
	}
	return s.updateConversation(ctx, bson.M{"_id": id}, bson.M{"$set": set})
}

func (s *MongoStore) AddParticipant(ctx context.Context, id, userID string, at time.Time) (*domain.Conversation, error) {
	// only initialise the counter for users not already present
	filter := bson.M{"_id": id, "participants": bson.M{"$ne": userID}}
	update := bson.M{
		"$addToSet": bson.M{"participants": userID},
		"$set":      bson.M{"updated_at": at, "unread_count." + userID: 0},
	}
	c, err := s.updateConversation(ctx, filter, update)
	if apperr.KindOf(err) == apperr.KindNotFound {
		return s.GetConversation(ctx, id)
	}
	return c, err
}

func (s *MongoStore) RemoveParticipant(ctx context.Context, id, userID string, at time.Time) (*domain.Conversation, error) {
	update := bson.M{
		"$pull":  bson.M{"participants": userID},
		"$unset": bson.M{"unread_count." + userID: ""},
		"$set":   bson.M{"updated_at": at},
	}
	return s.updateConversation(ctx, bson.M{"_id": id}, update)
}

func (s *MongoStore) DeleteConversation(ctx context.Context, id string) error {
	res, err := s.conversations.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return apperr.Storage("delete conversation", err)
	}
	if res.DeletedCount == 0 {
		return apperr.NotFound("conversation")
	}
	if _, err := s.messages.DeleteMany(ctx, bson.M{"conversation_id": id}); err != nil {
		return apperr.Storage("delete conversation messages", err)
	}
	return nil
}

// ApplyNewMessage runs as one pipeline update so the last message guard and the
// counters see the same document version.
func (s *MongoStore) ApplyNewMessage(ctx context.Context, id, messageID string, recipients []string, at time.Time) (*domain.Conversation, error) {
	lastAt := bson.M{"$ifNull": bson.A{"$last_message_at", time.Unix(0, 0).UTC()}}
	lastID := bson.M{"$ifNull": bson.A{"$last_message_id", ""}}
	newer := bson.M{"$or": bson.A{
		bson.M{"$lt": bson.A{lastAt, at}},
		bson.M{"$and": bson.A{
			bson.M{"$eq": bson.A{lastAt, at}},
			bson.M{"$lt": bson.A{lastID, bson.M{"$literal": messageID}}},
		}},
	}}
	set := bson.M{
		"last_message_id": bson.M{"$cond": bson.A{newer, bson.M{"$literal": messageID}, "$last_message_id"}},
		"last_message_at": bson.M{"$cond": bson.A{newer, at, "$last_message_at"}},
		"updated_at":      bson.M{"$max": bson.A{"$updated_at", at}},
	}
	for _, r := range recipients {
		field := "unread_count." + r
		set[field] = bson.M{"$add": bson.A{bson.M{"$ifNull": bson.A{"$" + field, 0}}, 1}}
	}
	return s.updateConversation(ctx, bson.M{"_id": id}, mongo.Pipeline{{{Key: "$set", Value: set}}})
}

func (s *MongoStore) ResetUnread(ctx context.Context, id, userID string) (*domain.Conversation, error) {
	return s.updateConversation(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"unread_count." + userID: 0}})
}

func (s *MongoStore) SetLastMessage(ctx context.Context, id, messageID string, at time.Time) (*domain.Conversation, error) {
	update := bson.M{"$set": bson.M{"last_message_id": messageID, "last_message_at": at}}
	if messageID == "" {
		update = bson.M{"$unset": bson.M{"last_message_id": "", "last_message_at": ""}}
	}
	return s.updateConversation(ctx, bson.M{"_id": id}, update)
}

func (s *MongoStore) ContactsOf(ctx context.Context, userID string) ([]string, error) {
	vals, err := s.conversations.Distinct(ctx, "participants", bson.M{"participants": userID})
	if err != nil {
		return nil, apperr.Storage("contacts", err)
	}
	out := make([]string, 0, len(vals))
	for _, v := range vals {
		if id, ok := v.(string); ok && id != userID {
			out = append(out, id)
		}
	}
	return out, nil
}

func (s *MongoStore) InsertMessage(ctx context.Context, m *domain.Message) error {
	cp := m.Clone()
	cp.Normalize()
	if _, err := s.messages.InsertOne(ctx, cp); err != nil {
		return apperr.Storage("insert message", err)
	}
	return nil
}

func (s *MongoStore) decodeMessage(res *mongo.SingleResult) (*domain.Message, error) {
	var m domain.Message
	if err := res.Decode(&m); err != nil {
		return nil, storageErr("message", err)
	}
	m.Normalize()
	return &m, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	return s.decodeMessage(s.messages.FindOne(ctx, bson.M{"_id": id}))
}

func (s *MongoStore) GetMessagesByIDs(ctx context.Context, ids []string) (map[string]*domain.Message, error) {
	out := make(map[string]*domain.Message, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	cur, err := s.messages.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, apperr.Storage("get messages", err)
	}
	defer cur.Close(ctx)
	for cur.Next(ctx) {
		var m domain.Message
		if err := cur.Decode(&m); err != nil {
			return nil, apperr.Storage("decode message", err)
		}
		m.Normalize()
		out[m.ID] = &m
	}
	if err := cur.Err(); err != nil {
		return nil, apperr.Storage("get messages", err)
	}
	return out, nil
}

func (s *MongoStore) ListMessages(ctx context.Context, conversationID string, before time.Time, limit int) ([]*domain.Message, error) {
	filter := bson.M{"conversation_id": conversationID}
	if !before.IsZero() {
		filter["created_at"] = bson.M{"$lt": before}
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit))
	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return nil, apperr.Storage("list messages", err)
	}
	defer cur.Close(ctx)
	out := []*domain.Message{}
	for cur.Next(ctx) {
		var m domain.Message
		if err := cur.Decode(&m); err != nil {
			return nil, apperr.Storage("decode message", err)
		}
		m.Normalize()
		out = append(out, &m)
	}
	if err := cur.Err(); err != nil {
		return nil, apperr.Storage("list messages", err)
	}
	// fetched newest first for the limit, returned oldest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

func (s *MongoStore) LatestMessage(ctx context.Context, conversationID string) (*domain.Message, error) {
	opts := options.FindOne().SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}})
	return s.decodeMessage(s.messages.FindOne(ctx, bson.M{"conversation_id": conversationID}, opts))
}

func (s *MongoStore) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.messages.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return apperr.Storage("delete message", err)
	}
	if res.DeletedCount == 0 {
		return apperr.NotFound("message")
	}
	return nil
}

func (s *MongoStore) SetMessageStatus(ctx context.Context, id, userID string, status domain.DeliveryStatus) (*domain.Message, error) {
	field := "status." + userID
	// statuses at or above the target rank block the write
	var blocked bson.A
	for _, st := range []domain.DeliveryStatus{domain.StatusSent, domain.StatusDelivered, domain.StatusRead} {
		if st.Rank() >= status.Rank() {
			blocked = append(blocked, st)
		}
	}
	filter := bson.M{"_id": id, field: bson.M{"$nin": blocked}}
	update := bson.M{"$set": bson.M{field: status}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	m, err := s.decodeMessage(s.messages.FindOneAndUpdate(ctx, filter, update, opts))
	if apperr.KindOf(err) == apperr.KindNotFound {
		// either the message is gone or the status is already at least as far along
		return s.GetMessage(ctx, id)
	}
	return m, err
}

func (s *MongoStore) UpsertReaction(ctx context.Context, id string, r domain.Reaction) (*domain.Message, error) {
	// replace the user's reaction in place, or append it, in a single update
	uid := bson.M{"$literal": r.UserID}
	next := bson.M{
		"user_id":    uid,
		"emoji":      bson.M{"$literal": r.Emoji},
		"created_at": r.CreatedAt,
	}
	current := bson.M{"$ifNull": bson.A{"$reactions", bson.A{}}}
	pipeline := mongo.Pipeline{
		{{Key: "$set", Value: bson.M{
			"reactions": bson.M{"$cond": bson.A{
				bson.M{"$in": bson.A{uid, bson.M{"$map": bson.M{"input": current, "as": "r", "in": "$$r.user_id"}}}},
				bson.M{"$map": bson.M{
					"input": current,
					"as":    "r",
					"in":    bson.M{"$cond": bson.A{bson.M{"$eq": bson.A{"$$r.user_id", uid}}, next, "$$r"}},
				}},
				bson.M{"$concatArrays": bson.A{current, bson.A{next}}},
			}},
			"updated_at": r.CreatedAt,
		}}},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	return s.decodeMessage(s.messages.FindOneAndUpdate(ctx, bson.M{"_id": id}, pipeline, opts))
}

// TouchLastSeen matches the user by ObjectID when the id is hex, by string otherwise.
func (s *MongoStore) TouchLastSeen(ctx context.Context, userID string, at time.Time) error {
	var key any = userID
	if oid, err := primitive.ObjectIDFromHex(userID); err == nil {
		key = oid
	}
	_, err := s.users.UpdateOne(ctx, bson.M{"_id": key}, bson.M{"$set": bson.M{"last_seen": at}})
	if err != nil {
		return apperr.Storage("touch last seen", err)
	}
	return nil
}
