package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/kodustech/kodus-flow/pkg/agent"
)

const (
	sessionsCollection  = "agent_sessions"
	snapshotsCollection = "kernel_snapshots"
)

// sessionDoc is the MongoDB shape of an agent session. Messages are
// embedded: one conversation is always read and written as a unit.
type sessionDoc struct {
	ID        string         `bson:"_id"`
	TenantID  string         `bson:"tenant_id"`
	ThreadID  string         `bson:"thread_id"`
	Messages  []messageDoc   `bson:"messages"`
	State     map[string]any `bson:"state"`
	Metadata  map[string]any `bson:"metadata"`
	CreatedAt time.Time      `bson:"created_at"`
	UpdatedAt time.Time      `bson:"updated_at"`
}

type messageDoc struct {
	ID         string    `bson:"id"`
	Role       string    `bson:"role"`
	Content    string    `bson:"content"`
	Status     string    `bson:"status,omitempty"`
	ToolCallID string    `bson:"tool_call_id,omitempty"`
	Name       string    `bson:"name,omitempty"`
	Timestamp  time.Time `bson:"timestamp"`
}

// MongoSessionStore persists sessions as single documents in the
// agent_sessions collection.
type MongoSessionStore struct {
	coll *mongo.Collection
}

// NewMongoSessionStore creates a session store over the database.
func NewMongoSessionStore(ctx context.Context, db *mongo.Database) (*MongoSessionStore, error) {
	coll := db.Collection(sessionsCollection)
	_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "tenant_id", Value: 1}, {Key: "thread_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create session index: %w", err)
	}
	return &MongoSessionStore{coll: coll}, nil
}

// GetOrCreate returns the session bound to the thread, creating it on
// first use. The upsert is a pure $setOnInsert so concurrent calls
// never clobber an existing document.
func (s *MongoSessionStore) GetOrCreate(ctx context.Context, tenantID, threadID string) (*agent.Session, error) {
	if threadID == "" {
		return nil, agent.ErrMissingThread
	}
	now := time.Now().UTC()
	filter := bson.M{"tenant_id": tenantID, "thread_id": threadID}
	update := bson.M{"$setOnInsert": sessionDoc{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		ThreadID:  threadID,
		Messages:  []messageDoc{},
		State:     map[string]any{},
		Metadata:  map[string]any{},
		CreatedAt: now,
		UpdatedAt: now,
	}}

	var doc sessionDoc
	err := s.coll.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert session: %w", err)
	}
	return doc.toSession(), nil
}

// Get returns a session by ID.
func (s *MongoSessionStore) Get(ctx context.Context, sessionID string) (*agent.Session, error) {
	var doc sessionDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": sessionID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%w: %s", agent.ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return doc.toSession(), nil
}

// AppendMessage pushes a message onto the session document.
func (s *MongoSessionStore) AppendMessage(ctx context.Context, sessionID string, msg agent.Message) (string, error) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": sessionID}, bson.M{
		"$push": bson.M{"messages": toMessageDoc(msg)},
		"$set":  bson.M{"updated_at": time.Now().UTC()},
	})
	if err != nil {
		return "", fmt.Errorf("failed to append message: %w", err)
	}
	if res.MatchedCount == 0 {
		return "", fmt.Errorf("%w: %s", agent.ErrSessionNotFound, sessionID)
	}
	return msg.ID, nil
}

// UpdateMessage mutates one embedded message through the positional
// operator.
func (s *MongoSessionStore) UpdateMessage(ctx context.Context, sessionID, messageID string, update agent.MessageUpdate) error {
	res, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": sessionID, "messages.id": messageID},
		bson.M{"$set": bson.M{
			"messages.$.content": update.Content,
			"messages.$.status":  string(update.Status),
			"updated_at":         time.Now().UTC(),
		}})
	if err != nil {
		return fmt.Errorf("failed to update message: %w", err)
	}
	if res.MatchedCount == 0 {
		if _, err := s.Get(ctx, sessionID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", agent.ErrMessageNotFound, messageID)
	}
	return nil
}

// SetState writes one session state key.
func (s *MongoSessionStore) SetState(ctx context.Context, sessionID string, key string, value any) error {
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": sessionID}, bson.M{
		"$set": bson.M{"state." + key: value, "updated_at": time.Now().UTC()},
	})
	if err != nil {
		return fmt.Errorf("failed to set state: %w", err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%w: %s", agent.ErrSessionNotFound, sessionID)
	}
	return nil
}

func (d *sessionDoc) toSession() *agent.Session {
	sess := &agent.Session{
		ID:        d.ID,
		TenantID:  d.TenantID,
		ThreadID:  d.ThreadID,
		State:     d.State,
		Metadata:  d.Metadata,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	for _, m := range d.Messages {
		sess.Messages = append(sess.Messages, agent.Message{
			ID:         m.ID,
			Role:       m.Role,
			Content:    m.Content,
			Status:     agent.MessageStatus(m.Status),
			Timestamp:  m.Timestamp,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
		})
	}
	return sess
}

func toMessageDoc(m agent.Message) messageDoc {
	return messageDoc{
		ID:         m.ID,
		Role:       m.Role,
		Content:    m.Content,
		Status:     string(m.Status),
		ToolCallID: m.ToolCallID,
		Name:       m.Name,
		Timestamp:  m.Timestamp,
	}
}
