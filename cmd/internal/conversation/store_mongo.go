package conversation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore is a Store backed by MongoDB.
//
// Like PostgresStore it does not own the client; the caller disconnects it.
// Counter operations use findOneAndUpdate so each one is atomic per document.
type MongoStore struct {
	contacts *mongo.Collection
	groups   *mongo.Collection
	members  *mongo.Collection
	messages *mongo.Collection
}

type contactDoc struct {
	ID        string    `bson:"_id"`
	OwnerID   string    `bson:"owner_id"`
	PeerID    string    `bson:"peer_id"`
	Unread    int       `bson:"unread_count"`
	Blocked   bool      `bson:"blocked"`
	Active    bool      `bson:"active"`
	CreatedAt time.Time `bson:"created_at"`
}

func (d contactDoc) model() Contact { return Contact(d) }

type groupDoc struct {
	ID                string    `bson:"_id"`
	Name              string    `bson:"name"`
	Description       string    `bson:"description"`
	Image             string    `bson:"image"`
	CreatedBy         string    `bson:"created_by"`
	LastMessageSender string    `bson:"last_message_sender"`
	LastMessageText   string    `bson:"last_message_text"`
	LastMessageTime   time.Time `bson:"last_message_time"`
	CreatedAt         time.Time `bson:"created_at"`
}

func (d groupDoc) model() Group { return Group(d) }

type memberDoc struct {
	ID       string    `bson:"_id"`
	GroupID  string    `bson:"group_id"`
	UserID   string    `bson:"user_id"`
	Role     string    `bson:"role"`
	Unread   int       `bson:"unread_count"`
	JoinedAt time.Time `bson:"joined_at"`
}

func (d memberDoc) model() Membership {
	return Membership{ID: d.ID, GroupID: d.GroupID, UserID: d.UserID, Role: Role(d.Role), Unread: d.Unread, JoinedAt: d.JoinedAt}
}

type messageDoc struct {
	ID             string    `bson:"_id"`
	Kind           string    `bson:"kind"`
	ConversationID string    `bson:"conversation_id"`
	SenderID       string    `bson:"sender_id"`
	ClientMsgID    string    `bson:"client_msg_id,omitempty"`
	Body           string    `bson:"body"`
	PostedAt       time.Time `bson:"posted_at"`
}

func (d messageDoc) model() Message {
	return Message{
		ID:             d.ID,
		Kind:           Kind(d.Kind),
		ConversationID: d.ConversationID,
		SenderID:       d.SenderID,
		ClientMsgID:    d.ClientMsgID,
		Body:           d.Body,
		PostedAt:       d.PostedAt.UTC(),
	}
}

// NewMongoStore returns a MongoStore using collections of db.
func NewMongoStore(db *mongo.Database) (*MongoStore, error) {
	if db == nil {
		return nil, errors.New("conversation: nil database")
	}
	return &MongoStore{
		contacts: db.Collection("contacts"),
		groups:   db.Collection("groups"),
		members:  db.Collection("group_members"),
		messages: db.Collection("messages"),
	}, nil
}

// EnsureIndexes creates the unique and lookup indexes the store relies on.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.contacts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}, {Key: "peer_id", Value: 1}}, Options: options.Index().SetUnique(true)},
	}); err != nil {
		return fmt.Errorf("contacts indexes: %w", err)
	}
	if _, err := s.members.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "group_id", Value: 1}, {Key: "user_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
	}); err != nil {
		return fmt.Errorf("group_members indexes: %w", err)
	}
	if _, err := s.messages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "posted_at", Value: -1}, {Key: "_id", Value: -1}},
	}); err != nil {
		return fmt.Errorf("messages indexes: %w", err)
	}
	return nil
}

// Close is a no-op because the client is owned by the caller.
func (s *MongoStore) Close() error { return nil }

func mongoNotFound(err error) error {
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	return err
}

func (s *MongoStore) findContact(ctx context.Context, filter bson.M) (Contact, error) {
	var d contactDoc
	if err := s.contacts.FindOne(ctx, filter).Decode(&d); err != nil {
		return Contact{}, mongoNotFound(err)
	}
	return d.model(), nil
}

func (s *MongoStore) FindConversation(ctx context.Context, kind Kind, id string) (Conversation, error) {
	if !validKind(kind) || blank(id) {
		return Conversation{}, ErrInvalidInput
	}
	if kind == KindContact {
		c, err := s.findContact(ctx, bson.M{"_id": id})
		if err != nil {
			return Conversation{}, err
		}
		return Conversation{Kind: kind, ID: id, Contact: &c}, nil
	}

	var d groupDoc
	if err := s.groups.FindOne(ctx, bson.M{"_id": id}).Decode(&d); err != nil {
		return Conversation{}, mongoNotFound(err)
	}
	g := d.model()
	return Conversation{Kind: kind, ID: id, Group: &g}, nil
}

func (s *MongoStore) ListParticipants(ctx context.Context, kind Kind, id string) ([]Participant, error) {
	conv, err := s.FindConversation(ctx, kind, id)
	if err != nil {
		return nil, err
	}

	if kind == KindContact {
		c := conv.Contact
		out := []Participant{{UserID: c.OwnerID, ConversationID: c.ID, Blocked: c.Blocked}}
		peer := Participant{UserID: c.PeerID}
		r, err := s.findContact(ctx, bson.M{"owner_id": c.PeerID, "peer_id": c.OwnerID})
		switch {
		case err == nil:
			peer.ConversationID = r.ID
			peer.Blocked = r.Blocked
		case !errors.Is(err, ErrNotFound):
			return nil, err
		}
		return append(out, peer), nil
	}

	cur, err := s.members.Find(ctx, bson.M{"group_id": id},
		options.Find().SetSort(bson.D{{Key: "joined_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var docs []memberDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	out := make([]Participant, 0, len(docs))
	for _, d := range docs {
		out = append(out, Participant{UserID: d.UserID, ConversationID: id})
	}
	return out, nil
}

func (s *MongoStore) InsertMessage(ctx context.Context, in NewMessage) (Message, error) {
	if err := validateNewMessage(in); err != nil {
		return Message{}, err
	}
	if in.PostedAt.IsZero() {
		in.PostedAt = time.Now().UTC()
	}

	conv, err := s.FindConversation(ctx, in.Kind, in.ConversationID)
	if err != nil {
		return Message{}, err
	}

	if _, err := s.messages.InsertOne(ctx, messageDoc{
		ID:             in.ID,
		Kind:           string(in.Kind),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		ClientMsgID:    in.ClientMsgID,
		Body:           in.Body,
		PostedAt:       in.PostedAt,
	}); err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}

	if c := conv.Contact; c != nil && !c.Active {
		filter := bson.M{"$or": bson.A{
			bson.M{"_id": c.ID},
			bson.M{"owner_id": c.PeerID, "peer_id": c.OwnerID},
		}}
		if _, err := s.contacts.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"active": true}}); err != nil {
			return Message{}, fmt.Errorf("activate contact: %w", err)
		}
	}
	return Message(in), nil
}

func (s *MongoStore) UpdateGroupSummary(ctx context.Context, in GroupSummary) error {
	if blank(in.GroupID) || blank(in.SenderID) {
		return ErrInvalidInput
	}
	res, err := s.groups.UpdateOne(ctx,
		bson.M{"_id": in.GroupID, "last_message_time": bson.M{"$lte": in.At}},
		bson.M{"$set": bson.M{
			"last_message_sender": in.SenderID,
			"last_message_text":   in.Text,
			"last_message_time":   in.At,
		}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		_, err := s.FindConversation(ctx, KindGroup, in.GroupID)
		return err
	}
	return nil
}

func (s *MongoStore) counterTarget(kind Kind, conversationID, userID string) (*mongo.Collection, bson.M, error) {
	switch kind {
	case KindContact:
		return s.contacts, bson.M{"_id": conversationID, "owner_id": userID}, nil
	case KindGroup:
		return s.members, bson.M{"group_id": conversationID, "user_id": userID}, nil
	default:
		return nil, nil, ErrInvalidInput
	}
}

type unreadDoc struct {
	Unread int `bson:"unread_count"`
}

func (s *MongoStore) IncrementUnread(ctx context.Context, kind Kind, conversationID, userID string) (int, error) {
	coll, filter, err := s.counterTarget(kind, conversationID, userID)
	if err != nil {
		return 0, err
	}
	var d unreadDoc
	err = coll.FindOneAndUpdate(ctx, filter,
		bson.M{"$inc": bson.M{"unread_count": 1}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err != nil {
		return 0, mongoNotFound(err)
	}
	return d.Unread, nil
}

func (s *MongoStore) ResetUnread(ctx context.Context, kind Kind, conversationID, userID string) (int, error) {
	coll, filter, err := s.counterTarget(kind, conversationID, userID)
	if err != nil {
		return 0, err
	}
	var d unreadDoc
	err = coll.FindOneAndUpdate(ctx, filter,
		bson.M{"$set": bson.M{"unread_count": 0}},
		options.FindOneAndUpdate().SetReturnDocument(options.Before),
	).Decode(&d)
	if err != nil {
		return 0, mongoNotFound(err)
	}
	return d.Unread, nil
}

func (s *MongoStore) Unread(ctx context.Context, kind Kind, conversationID, userID string) (int, error) {
	coll, filter, err := s.counterTarget(kind, conversationID, userID)
	if err != nil {
		return 0, err
	}
	var d unreadDoc
	if err := coll.FindOne(ctx, filter).Decode(&d); err != nil {
		return 0, mongoNotFound(err)
	}
	return d.Unread, nil
}

func (s *MongoStore) History(ctx context.Context, in HistoryQuery) (HistoryPage, error) {
	if !validKind(in.Kind) || blank(in.ConversationID) {
		return HistoryPage{}, ErrInvalidInput
	}
	limit := clampLimit(in.Limit)

	convIDs := bson.A{in.ConversationID}
	if in.Kind == KindContact {
		parts, err := s.ListParticipants(ctx, in.Kind, in.ConversationID)
		if err != nil {
			return HistoryPage{}, err
		}
		if parts[1].ConversationID != "" {
			convIDs = append(convIDs, parts[1].ConversationID)
		}
	} else if _, err := s.FindConversation(ctx, in.Kind, in.ConversationID); err != nil {
		return HistoryPage{}, err
	}

	filter := bson.M{"conversation_id": bson.M{"$in": convIDs}}
	if in.Before != "" {
		var cursorDoc messageDoc
		if err := s.messages.FindOne(ctx, bson.M{"_id": in.Before, "conversation_id": bson.M{"$in": convIDs}}).Decode(&cursorDoc); err != nil {
			return HistoryPage{}, mongoNotFound(err)
		}
		filter["$or"] = bson.A{
			bson.M{"posted_at": bson.M{"$lt": cursorDoc.PostedAt}},
			bson.M{"posted_at": cursorDoc.PostedAt, "_id": bson.M{"$lt": cursorDoc.ID}},
		}
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "posted_at", Value: -1}, {Key: "_id", Value: -1}}).
		SetLimit(int64(limit + 1))

	cur, err := s.messages.Find(ctx, filter, opts)
	if err != nil {
		return HistoryPage{}, err
	}
	defer cur.Close(ctx)

	var docs []messageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return HistoryPage{}, err
	}

	hasMore := len(docs) > limit
	if hasMore {
		docs = docs[:limit]
	}
	msgs := make([]Message, len(docs))
	for i, d := range docs {
		msgs[len(docs)-1-i] = d.model()
	}
	return HistoryPage{Messages: msgs, HasMore: hasMore}, nil
}

func (s *MongoStore) ListRooms(ctx context.Context, userID string) (Rooms, error) {
	if blank(userID) {
		return Rooms{}, ErrInvalidInput
	}

	var out Rooms

	cur, err := s.contacts.Find(ctx, bson.M{"owner_id": userID}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return Rooms{}, err
	}
	var cdocs []contactDoc
	if err := cur.All(ctx, &cdocs); err != nil {
		return Rooms{}, err
	}
	for _, d := range cdocs {
		out.Contacts = append(out.Contacts, d.model())
	}

	cur, err = s.members.Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return Rooms{}, err
	}
	var mdocs []memberDoc
	if err := cur.All(ctx, &mdocs); err != nil {
		return Rooms{}, err
	}
	if len(mdocs) == 0 {
		return out, nil
	}

	byGroup := make(map[string]memberDoc, len(mdocs))
	gids := make(bson.A, 0, len(mdocs))
	for _, m := range mdocs {
		byGroup[m.GroupID] = m
		gids = append(gids, m.GroupID)
	}

	cur, err = s.groups.Find(ctx, bson.M{"_id": bson.M{"$in": gids}},
		options.Find().SetSort(bson.D{{Key: "last_message_time", Value: -1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return Rooms{}, err
	}
	var gdocs []groupDoc
	if err := cur.All(ctx, &gdocs); err != nil {
		return Rooms{}, err
	}
	for _, g := range gdocs {
		out.Groups = append(out.Groups, GroupRoom{Group: g.model(), Membership: byGroup[g.ID].model()})
	}
	return out, nil
}

// upsertEdge inserts the (owner, peer) edge unless present and reports whether it was created.
func (s *MongoStore) upsertEdge(ctx context.Context, id, ownerID, peerID string, now time.Time) (bool, error) {
	res, err := s.contacts.UpdateOne(ctx,
		bson.M{"owner_id": ownerID, "peer_id": peerID},
		bson.M{"$setOnInsert": bson.M{
			"_id":          id,
			"unread_count": 0,
			"blocked":      false,
			"active":       false,
			"created_at":   now,
		}},
		options.UpdateOne().SetUpsert(true))
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, err
	}
	return res.UpsertedCount == 1, nil
}

func (s *MongoStore) CreateContact(ctx context.Context, in NewContact) (ContactPair, error) {
	if err := validateNewContact(in); err != nil {
		return ContactPair{}, err
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	created, err := s.upsertEdge(ctx, in.OwnerEdgeID, in.OwnerID, in.PeerID, in.Now)
	if err != nil {
		return ContactPair{}, fmt.Errorf("upsert contact: %w", err)
	}
	if _, err := s.upsertEdge(ctx, in.PeerEdgeID, in.PeerID, in.OwnerID, in.Now); err != nil {
		return ContactPair{}, fmt.Errorf("upsert reverse contact: %w", err)
	}

	owner, err := s.findContact(ctx, bson.M{"owner_id": in.OwnerID, "peer_id": in.PeerID})
	if err != nil {
		return ContactPair{}, err
	}
	peer, err := s.findContact(ctx, bson.M{"owner_id": in.PeerID, "peer_id": in.OwnerID})
	if err != nil {
		return ContactPair{}, err
	}
	return ContactPair{Owner: owner, Peer: peer, Created: created}, nil
}

func (s *MongoStore) SetContactBlocked(ctx context.Context, contactID, ownerID string, blocked bool) (Contact, error) {
	var d contactDoc
	err := s.contacts.FindOneAndUpdate(ctx,
		bson.M{"_id": contactID, "owner_id": ownerID},
		bson.M{"$set": bson.M{"blocked": blocked}},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&d)
	if err != nil {
		return Contact{}, mongoNotFound(err)
	}
	return d.model(), nil
}

func (s *MongoStore) CreateGroup(ctx context.Context, in NewGroup) (Group, []Membership, error) {
	if err := validateNewGroup(in); err != nil {
		return Group{}, nil, err
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	g := groupDoc{
		ID:                in.ID,
		Name:              in.Name,
		Description:       in.Description,
		Image:             in.Image,
		CreatedBy:         in.CreatedBy,
		LastMessageSender: in.CreatedBy,
		LastMessageTime:   in.Now,
		CreatedAt:         in.Now,
	}
	if _, err := s.groups.InsertOne(ctx, g); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return Group{}, nil, ErrInvalidInput
		}
		return Group{}, nil, fmt.Errorf("insert group: %w", err)
	}

	users, memIDs := groupMembers(in)
	docs := make([]any, 0, len(users))
	mems := make([]Membership, 0, len(users))
	for i, u := range users {
		role := RoleMember
		if u == in.CreatedBy {
			role = RoleAdmin
		}
		d := memberDoc{ID: memIDs[i], GroupID: g.ID, UserID: u, Role: string(role), JoinedAt: in.Now}
		docs = append(docs, d)
		mems = append(mems, d.model())
	}
	if _, err := s.members.InsertMany(ctx, docs); err != nil {
		return Group{}, nil, fmt.Errorf("insert members: %w", err)
	}
	return g.model(), mems, nil
}

func (s *MongoStore) AddGroupMember(ctx context.Context, in NewMembership) (Membership, bool, error) {
	if blank(in.ID) || blank(in.GroupID) || blank(in.UserID) {
		return Membership{}, false, ErrInvalidInput
	}
	if in.Role == "" {
		in.Role = RoleMember
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}
	if _, err := s.FindConversation(ctx, KindGroup, in.GroupID); err != nil {
		return Membership{}, false, err
	}

	res, err := s.members.UpdateOne(ctx,
		bson.M{"group_id": in.GroupID, "user_id": in.UserID},
		bson.M{"$setOnInsert": bson.M{
			"_id":          in.ID,
			"role":         string(in.Role),
			"unread_count": 0,
			"joined_at":    in.Now,
		}},
		options.UpdateOne().SetUpsert(true))
	if err != nil && !mongo.IsDuplicateKeyError(err) {
		return Membership{}, false, fmt.Errorf("upsert member: %w", err)
	}
	created := err == nil && res.UpsertedCount == 1

	var d memberDoc
	if err := s.members.FindOne(ctx, bson.M{"group_id": in.GroupID, "user_id": in.UserID}).Decode(&d); err != nil {
		return Membership{}, false, mongoNotFound(err)
	}
	return d.model(), created, nil
}
