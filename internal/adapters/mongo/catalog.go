package mongo

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/ticketmint/ticket-engine/internal/observability"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
)

// CatalogRepository reads event and venue master data. The engine never
// writes here; the catalog is owned by an upstream service.
type CatalogRepository struct {
	events *mongo.Collection
	venues *mongo.Collection
	logger observability.Logger
}

func NewCatalogRepository(db *mongo.Database, logger observability.Logger) *CatalogRepository {
	return &CatalogRepository{
		events: db.Collection("events"),
		venues: db.Collection("venues"),
		logger: logger,
	}
}

type EventDoc struct {
	ID       uuid.UUID `bson:"_id"`
	Name     string    `bson:"name"`
	VenueID  uuid.UUID `bson:"venue_id"`
	StartsAt time.Time `bson:"starts_at"`
	EndsAt   time.Time `bson:"ends_at"`
	Capacity int       `bson:"capacity"`
}

type VenueDoc struct {
	ID       uuid.UUID `bson:"_id"`
	Name     string    `bson:"name"`
	City     string    `bson:"city"`
	Country  string    `bson:"country"`
	Capacity int       `bson:"capacity"`
}

func (c *CatalogRepository) GetEvent(ctx context.Context, id uuid.UUID) (*EventDoc, error) {
	var event EventDoc
	err := c.events.FindOne(ctx, bson.M{"_id": id}).Decode(&event)
	if err != nil {
		c.logger.Error("failed to get event", err)
		return nil, err
	}
	return &event, nil
}

// GetEventStart returns just the event's start time, for callers that
// gate behavior on proximity to the event.
func (c *CatalogRepository) GetEventStart(ctx context.Context, id uuid.UUID) (time.Time, error) {
	event, err := c.GetEvent(ctx, id)
	if err != nil {
		return time.Time{}, err
	}
	return event.StartsAt, nil
}

func (c *CatalogRepository) GetVenue(ctx context.Context, id uuid.UUID) (*VenueDoc, error) {
	var venue VenueDoc
	err := c.venues.FindOne(ctx, bson.M{"_id": id}).Decode(&venue)
	if err != nil {
		c.logger.Error("failed to get venue", err)
		return nil, err
	}
	return &venue, nil
}
