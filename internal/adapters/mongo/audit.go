package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ticketmint/ticket-engine/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// AuditLogger is the fire-and-forget audit collaborator. Failures are
// logged and swallowed; audit persistence never blocks engine writes.
type AuditLogger struct {
	coll   *mongo.Collection
	logger observability.Logger
}

func NewAuditLogger(db *mongo.Database, logger observability.Logger) *AuditLogger {
	return &AuditLogger{
		coll:   db.Collection("audit_logs"),
		logger: logger,
	}
}

type AuditLog struct {
	ID         uuid.UUID `bson:"_id"`
	Actor      uuid.UUID `bson:"actor"`
	Action     string    `bson:"action"`
	EntityType string    `bson:"entity_type"`
	EntityID   string    `bson:"entity_id"`
	Before     bson.M    `bson:"before,omitempty"`
	After      bson.M    `bson:"after,omitempty"`
	Timestamp  time.Time `bson:"timestamp"`
}

func (a *AuditLogger) RecordEvent(ctx context.Context, actor uuid.UUID, action, entityType, entityID string, before, after map[string]interface{}) {
	log := AuditLog{
		ID:         uuid.New(),
		Actor:      actor,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Before:     bson.M(before),
		After:      bson.M(after),
		Timestamp:  time.Now(),
	}
	if _, err := a.coll.InsertOne(ctx, log); err != nil {
		a.logger.Error("failed to insert audit log", err)
	}
}
