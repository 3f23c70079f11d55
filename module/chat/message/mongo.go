package message

import (
	"context"
	"errors"
	"strings"

	"PPChat/data/database/mgo/mongoutil"
	chatmodel "PPChat/module/chat/model"
	"PPChat/tools/errs"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type MongoStore struct {
	MsgColl     *mongo.Collection // message
	ReceiptColl *mongo.Collection // message_receipt
}

func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		MsgColl:     db.Collection(chatmodel.MessageTableName),
		ReceiptColl: db.Collection(chatmodel.ReceiptTableName),
	}
}

// EnsureIndexes 启动时调用，幂等
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.MsgColl.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: chatmodel.MessageFieldConversationID, Value: 1}, {Key: chatmodel.MessageFieldClientMsgID, Value: 1}},
			Options: options.Index().SetUnique(true).SetName("uniq_conv_client_msg"),
		},
		{
			Keys:    bson.D{{Key: chatmodel.MessageFieldConversationID, Value: 1}, {Key: chatmodel.MessageFieldCreatedAt, Value: -1}, {Key: chatmodel.MessageFieldID, Value: -1}},
			Options: options.Index().SetName("conv_created"),
		},
	})
	if err != nil {
		return errs.WrapMsg(err, "create message indexes")
	}
	_, err = s.ReceiptColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "created_at", Value: 1}},
		Options: options.Index().SetName("conv_created"),
	})
	return errs.WrapMsg(err, "create receipt indexes")
}

func (s *MongoStore) Insert(ctx context.Context, m *chatmodel.Message) error {
	_, err := s.MsgColl.InsertOne(ctx, m)
	if err == nil {
		return nil
	}
	if mongoutil.IsDup(err) {
		return errs.ErrConflict.WrapMsg("duplicate client message id", "conversationId", m.ConversationID, "clientMessageId", m.ClientMessageID)
	}
	return errs.ErrTransientSend.WrapMsg("insert message", "conversationId", m.ConversationID, "err", err)
}

func (s *MongoStore) findOne(ctx context.Context, filter bson.M) (*chatmodel.Message, error) {
	var m chatmodel.Message
	err := s.MsgColl.FindOne(ctx, filter).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("find message", "err", err)
	}
	return &m, nil
}

func (s *MongoStore) FindByClientMessageID(ctx context.Context, conversationID, clientMsgID string) (*chatmodel.Message, error) {
	return s.findOne(ctx, bson.M{
		chatmodel.MessageFieldConversationID: conversationID,
		chatmodel.MessageFieldClientMsgID:    clientMsgID,
	})
}

func (s *MongoStore) Get(ctx context.Context, messageID string) (*chatmodel.Message, error) {
	return s.findOne(ctx, bson.M{chatmodel.MessageFieldID: messageID})
}

func (s *MongoStore) list(ctx context.Context, filter bson.M, dir int, limit int) ([]chatmodel.Message, error) {
	cur, err := s.MsgColl.Find(ctx, filter, options.Find().
		SetSort(bson.D{{Key: chatmodel.MessageFieldCreatedAt, Value: dir}, {Key: chatmodel.MessageFieldID, Value: dir}}).
		SetLimit(int64(limit)))
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("list messages", "err", err)
	}
	defer cur.Close(ctx)
	out := make([]chatmodel.Message, 0, limit)
	if err := cur.All(ctx, &out); err != nil {
		return nil, errs.ErrInfra.WrapMsg("decode messages", "err", err)
	}
	return out, nil
}

func (s *MongoStore) ListBefore(ctx context.Context, conversationID string, ts int64, id string, limit int) ([]chatmodel.Message, error) {
	filter := bson.M{chatmodel.MessageFieldConversationID: conversationID}
	if ts > 0 {
		filter["$or"] = bson.A{
			bson.M{chatmodel.MessageFieldCreatedAt: bson.M{"$lt": ts}},
			bson.M{chatmodel.MessageFieldCreatedAt: ts, chatmodel.MessageFieldID: bson.M{"$lt": id}},
		}
	}
	return s.list(ctx, filter, -1, limit)
}

func (s *MongoStore) ListAfter(ctx context.Context, conversationID string, ts int64, id string, limit int) ([]chatmodel.Message, error) {
	filter := bson.M{
		chatmodel.MessageFieldConversationID: conversationID,
		"$or": bson.A{
			bson.M{chatmodel.MessageFieldCreatedAt: bson.M{"$gt": ts}},
			bson.M{chatmodel.MessageFieldCreatedAt: ts, chatmodel.MessageFieldID: bson.M{"$gt": id}},
		},
	}
	return s.list(ctx, filter, 1, limit)
}

// ===== 回执 =====

func (s *MongoStore) InitReceipt(ctx context.Context, st *chatmodel.ReceiptState) error {
	_, err := s.ReceiptColl.InsertOne(ctx, st)
	if err != nil && !mongoutil.IsDup(err) {
		return errs.ErrInfra.WrapMsg("init receipt", "messageId", st.MessageID, "err", err)
	}
	return nil
}

func (s *MongoStore) GetReceipt(ctx context.Context, messageID string) (*chatmodel.ReceiptState, error) {
	var st chatmodel.ReceiptState
	err := s.ReceiptColl.FindOne(ctx, bson.M{"_id": messageID}).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("get receipt", "messageId", messageID, "err", err)
	}
	return &st, nil
}

// userId 会拼进字段路径
func validUserKey(userID string) bool {
	return userID != "" && !strings.ContainsAny(userID, ".$")
}

// directFilter / groupFilter 只命中“套用后会变化”的文档，保证单调与去重
func directFilter(userID string, kind chatmodel.ReceiptKind) bson.M {
	return bson.M{
		"kind":                                    chatmodel.ConversationDirect,
		"recipients." + userID + "." + string(kind): int64(0),
	}
}

func groupFilter(userID string, kind chatmodel.ReceiptKind) bson.M {
	by, cnt := "delivered_by", "$delivered_count"
	if kind == chatmodel.ReceiptSeen {
		by, cnt = "seen_by", "$seen_count"
	}
	return bson.M{
		"kind":      chatmodel.ConversationGroup,
		"sender_id": bson.M{"$ne": userID},
		by:          bson.M{"$ne": userID},
		"$expr":     bson.M{"$lt": bson.A{cnt, "$total"}},
	}
}

func directSeenPipeline(userID string, at int64) mongo.Pipeline {
	base := "recipients." + userID
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: base + ".seen", Value: at},
			// seen 回填 delivered
			{Key: base + ".delivered", Value: bson.M{"$cond": bson.A{
				bson.M{"$eq": bson.A{"$" + base + ".delivered", int64(0)}}, at, "$" + base + ".delivered",
			}}},
		}}},
	}
}

func groupSeenPipeline(userID string) mongo.Pipeline {
	uid := bson.M{"$literal": userID}
	deliveredBy := bson.M{"$ifNull": bson.A{"$delivered_by", bson.A{}}}
	return mongo.Pipeline{
		{{Key: "$set", Value: bson.D{
			{Key: "seen_by", Value: bson.M{"$concatArrays": bson.A{bson.M{"$ifNull": bson.A{"$seen_by", bson.A{}}}, bson.A{uid}}}},
			{Key: "seen_count", Value: bson.M{"$add": bson.A{"$seen_count", 1}}},
			{Key: "_backfill", Value: bson.M{"$and": bson.A{
				bson.M{"$not": bson.A{bson.M{"$in": bson.A{uid, deliveredBy}}}},
				bson.M{"$lt": bson.A{"$delivered_count", "$total"}},
			}}},
		}}},
		{{Key: "$set", Value: bson.D{
			{Key: "delivered_by", Value: bson.M{"$cond": bson.A{"$_backfill", bson.M{"$concatArrays": bson.A{deliveredBy, bson.A{uid}}}, "$delivered_by"}}},
			{Key: "delivered_count", Value: bson.M{"$cond": bson.A{"$_backfill", bson.M{"$add": bson.A{"$delivered_count", 1}}, "$delivered_count"}}},
		}}},
		{{Key: "$unset", Value: "_backfill"}},
	}
}

func (s *MongoStore) ApplyReceipt(ctx context.Context, messageID, userID string, kind chatmodel.ReceiptKind, at int64) (bool, *chatmodel.ReceiptState, error) {
	if !validUserKey(userID) {
		return false, nil, errs.ErrInvalidArgument.WrapMsg("bad user id", "userId", userID)
	}
	cur, err := s.GetReceipt(ctx, messageID)
	if err != nil {
		return false, nil, err
	}
	if cur == nil {
		return false, nil, errs.ErrNotFound.WrapMsg("receipt not found", "messageId", messageID)
	}

	var (
		filter bson.M
		update any
	)
	switch {
	case cur.Kind == chatmodel.ConversationGroup && kind == chatmodel.ReceiptSeen:
		filter, update = groupFilter(userID, kind), groupSeenPipeline(userID)
	case cur.Kind == chatmodel.ConversationGroup:
		filter = groupFilter(userID, kind)
		update = bson.M{"$addToSet": bson.M{"delivered_by": userID}, "$inc": bson.M{"delivered_count": 1}}
	case kind == chatmodel.ReceiptSeen:
		filter, update = directFilter(userID, kind), directSeenPipeline(userID, at)
	default:
		filter = directFilter(userID, kind)
		update = bson.M{"$set": bson.M{"recipients." + userID + ".delivered": at}}
	}
	filter["_id"] = messageID

	var st chatmodel.ReceiptState
	err = s.ReceiptColl.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&st)
	if errors.Is(err, mongo.ErrNoDocuments) {
		// 条件不满足：无变化
		return false, cur, nil
	}
	if err != nil {
		return false, nil, errs.ErrInfra.WrapMsg("apply receipt", "messageId", messageID, "err", err)
	}
	return true, &st, nil
}

func (s *MongoStore) MarkSeenUpTo(ctx context.Context, conversationID, userID string, upTo, at int64) (int, error) {
	if !validUserKey(userID) {
		return 0, errs.ErrInvalidArgument.WrapMsg("bad user id", "userId", userID)
	}
	scope := func(f bson.M) bson.M {
		f["conversation_id"] = conversationID
		f["created_at"] = bson.M{"$lte": upTo}
		if _, ok := f["sender_id"]; !ok {
			f["sender_id"] = bson.M{"$ne": userID}
		}
		return f
	}
	direct, err := s.ReceiptColl.UpdateMany(ctx, scope(directFilter(userID, chatmodel.ReceiptSeen)), directSeenPipeline(userID, at))
	if err != nil {
		return 0, errs.ErrInfra.WrapMsg("mark direct seen", "conversationId", conversationID, "err", err)
	}
	group, err := s.ReceiptColl.UpdateMany(ctx, scope(groupFilter(userID, chatmodel.ReceiptSeen)), groupSeenPipeline(userID))
	if err != nil {
		return 0, errs.ErrInfra.WrapMsg("mark group seen", "conversationId", conversationID, "err", err)
	}
	return int(direct.ModifiedCount + group.ModifiedCount), nil
}
