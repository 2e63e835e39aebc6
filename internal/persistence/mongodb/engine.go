package mongodb

import (
	"context"
	"errors"
	"time"

	"github.com/goevery/relay/internal/persistence"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

type Outcome struct {
	VerificationId string    `bson:"_id"`
	ServiceName    string    `bson:"serviceName"`
	State          string    `bson:"state"`
	Code           string    `bson:"code,omitempty"`
	MessagesSeen   int       `bson:"messagesSeen"`
	StartedAt      time.Time `bson:"startedAt"`
	FinishedAt     time.Time `bson:"finishedAt"`
}

type PersistenceEngine struct {
	collection *mongo.Collection
	retention  time.Duration
}

func NewPersistenceEngine(client *mongo.Client, database string, retention time.Duration) *PersistenceEngine {
	collection := client.Database(database).Collection("verification_outcomes")

	return &PersistenceEngine{
		collection,
		retention,
	}
}

func (e *PersistenceEngine) Setup(ctx context.Context) error {
	ttlIndexModel := mongo.IndexModel{
		Keys:    bson.D{{Key: "finishedAt", Value: 1}},
		Options: options.Index().SetExpireAfterSeconds(int32(e.retention.Seconds())),
	}

	stateIndexModel := mongo.IndexModel{
		Keys: bson.D{
			{Key: "state", Value: 1},
			{Key: "finishedAt", Value: -1},
		},
	}

	_, err := e.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{ttlIndexModel, stateIndexModel})

	return err
}

func (e *PersistenceEngine) Save(ctx context.Context, outcome persistence.Outcome) error {
	document := Outcome{
		VerificationId: outcome.VerificationId,
		ServiceName:    outcome.ServiceName,
		State:          outcome.State,
		Code:           outcome.Code,
		MessagesSeen:   outcome.MessagesSeen,
		StartedAt:      outcome.StartedAt,
		FinishedAt:     outcome.FinishedAt,
	}

	_, err := e.collection.ReplaceOne(ctx,
		bson.D{{Key: "_id", Value: outcome.VerificationId}},
		document,
		options.Replace().SetUpsert(true),
	)

	return err
}

func (e *PersistenceEngine) Find(ctx context.Context, verificationId string) (persistence.Outcome, error) {
	var document Outcome

	err := e.collection.FindOne(ctx, bson.D{{Key: "_id", Value: verificationId}}).Decode(&document)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return persistence.Outcome{}, persistence.ErrNotFound
	}
	if err != nil {
		return persistence.Outcome{}, err
	}

	return persistence.Outcome{
		VerificationId: document.VerificationId,
		ServiceName:    document.ServiceName,
		State:          document.State,
		Code:           document.Code,
		MessagesSeen:   document.MessagesSeen,
		StartedAt:      document.StartedAt,
		FinishedAt:     document.FinishedAt,
	}, nil
}
