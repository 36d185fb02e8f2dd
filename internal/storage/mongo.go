package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

const mongoDisconnectTimeout = 10 * time.Second

// MongoStore writes documents to MongoDB. The database id names the Mongo
// database and the collection id the collection; the document id is _id.
type MongoStore struct {
	client *mongo.Client
	logger *slog.Logger
}

// NewMongoStore connects to uri and pings the server
func NewMongoStore(ctx context.Context, uri string, logger *slog.Logger) (*MongoStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, NewStorageError("open", "", fmt.Errorf("failed to connect to MongoDB: %w", err))
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, NewStorageError("open", "", fmt.Errorf("failed to ping MongoDB: %w", err))
	}

	return &MongoStore{client: client, logger: logger}, nil
}

// CreateDocument inserts data with _id set to documentID
func (m *MongoStore) CreateDocument(ctx context.Context, databaseID, collectionID, documentID string, data map[string]any) error {
	doc := make(bson.M, len(data)+1)
	for k, v := range data {
		doc[k] = v
	}
	doc["_id"] = documentID

	coll := m.client.Database(databaseID).Collection(collectionID)
	if _, err := coll.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return NewInsertError(collectionID, &APIError{StatusCode: 409, Type: "document_already_exists", Message: err.Error()})
		}
		return NewInsertError(collectionID, err)
	}

	return nil
}

// ListDocuments counts the collection and returns its first page
func (m *MongoStore) ListDocuments(ctx context.Context, databaseID, collectionID string) (*DocumentList, error) {
	coll := m.client.Database(databaseID).Collection(collectionID)

	total, err := coll.CountDocuments(ctx, bson.D{})
	if err != nil {
		return nil, NewQueryError(collectionID, err)
	}

	cursor, err := coll.Find(ctx, bson.D{}, options.Find().SetLimit(listPageSize))
	if err != nil {
		return nil, NewQueryError(collectionID, err)
	}
	defer cursor.Close(ctx)

	list := &DocumentList{Total: int(total)}
	for cursor.Next(ctx) {
		var raw bson.M
		if err := cursor.Decode(&raw); err != nil {
			return nil, NewQueryError(collectionID, err)
		}
		list.Documents = append(list.Documents, documentFromMongo(raw))
	}
	if err := cursor.Err(); err != nil {
		return nil, NewQueryError(collectionID, err)
	}

	return list, nil
}

// Close disconnects the client
func (m *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), mongoDisconnectTimeout)
	defer cancel()
	return m.client.Disconnect(ctx)
}

func documentFromMongo(raw bson.M) Document {
	doc := Document{Data: make(map[string]any, len(raw))}
	for k, v := range raw {
		if k == "_id" {
			doc.ID = fmt.Sprint(v)
			continue
		}
		doc.Data[k] = v
	}
	return doc
}
