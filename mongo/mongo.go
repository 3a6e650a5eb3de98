// Copyright 2021 Flamego. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package mongo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/flamego/kvsession"
)

var (
	_ session.Backend = (*mongoBackend)(nil)
	_ session.GCer    = (*mongoBackend)(nil)
)

// document is the stored form of a key. A nil ExpiredAt means the key never
// expires.
type document struct {
	Key       string     `bson:"key"`
	Data      []byte     `bson:"data"`
	ExpiredAt *time.Time `bson:"expired_at"`
}

// mongoBackend is a MongoDB implementation of the session backend.
type mongoBackend struct {
	nowFunc    func() time.Time // The function to return the current time
	db         *mongo.Database  // The database connection
	collection string           // The database collection for storing session data
}

// newMongoBackend returns a new MongoDB session backend based on given
// configuration.
func newMongoBackend(cfg Config) *mongoBackend {
	return &mongoBackend{
		nowFunc:    cfg.nowFunc,
		db:         cfg.db,
		collection: cfg.Collection,
	}
}

func (b *mongoBackend) Get(ctx context.Context, key string) ([]byte, error) {
	filter := bson.M{
		"key": key,
		"$or": bson.A{
			bson.M{"expired_at": nil},
			bson.M{"expired_at": bson.M{"$gt": b.nowFunc().UTC()}},
		},
	}

	var doc document
	err := b.db.Collection(b.collection).FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "find")
	}
	return doc.Data, nil
}

func (b *mongoBackend) Set(ctx context.Context, key string, value []byte) error {
	_, err := b.db.Collection(b.collection).
		UpdateOne(ctx, bson.M{"key": key}, bson.M{"$set": bson.M{
			"key":        key,
			"data":       value,
			"expired_at": nil,
		}}, options.Update().SetUpsert(true))
	if err != nil {
		return errors.Wrap(err, "upsert")
	}
	return nil
}

func (b *mongoBackend) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if ttl <= 0 {
		return b.Delete(ctx, key)
	}

	_, err := b.db.Collection(b.collection).
		UpdateOne(ctx, bson.M{"key": key}, bson.M{"$set": bson.M{
			"expired_at": b.nowFunc().Add(ttl).UTC(),
		}})
	if err != nil {
		return errors.Wrap(err, "update")
	}
	return nil
}

func (b *mongoBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.Collection(b.collection).DeleteOne(ctx, bson.M{"key": key})
	if err != nil {
		return errors.Wrap(err, "delete")
	}
	return nil
}

func (b *mongoBackend) GC(ctx context.Context) error {
	_, err := b.db.Collection(b.collection).DeleteMany(ctx, bson.M{"expired_at": bson.M{"$lte": b.nowFunc().UTC()}})
	if err != nil {
		return errors.Wrap(err, "GC")
	}
	return nil
}

func (b *mongoBackend) Close() error {
	return b.db.Client().Disconnect(context.Background())
}

// Config contains options for the MongoDB session backend.
type Config struct {
	// For tests only
	nowFunc func() time.Time
	db      *mongo.Database

	// Database is the database name for storing session data. Default is
	// "flamego".
	Database string
	// Collection is the collection name for storing session data. Default is
	// "sessions".
	Collection string
	// InitIndex indicates whether to create a unique index on keys and a TTL
	// index on expiry, so that MongoDB evicts expired documents by itself.
	InitIndex bool
}

func initIndexes(ctx context.Context, c *mongo.Collection) error {
	_, err := c.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "key", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "expired_at", Value: 1}},
			Options: options.Index().SetExpireAfterSeconds(0),
		},
	})
	return err
}

// Opener returns the session.Opener for the MongoDB backend. The DSN of the
// driver configuration is the connection URI, and the pool size is capped by
// its MaxConnections.
func Opener(cfgs ...Config) session.Opener {
	var base Config
	if len(cfgs) > 0 {
		base = cfgs[0]
	}

	return func(ctx context.Context, dcfg session.DriverConfig) (session.Backend, error) {
		cfg := base
		if cfg.Database == "" {
			cfg.Database = "flamego"
		}

		owned := cfg.db == nil
		if owned {
			if dcfg.DSN == "" {
				return nil, errors.New("empty DSN")
			}

			opts := options.Client().ApplyURI(dcfg.DSN)
			if dcfg.MaxConnections > 0 {
				opts.SetMaxPoolSize(uint64(dcfg.MaxConnections))
			}

			client, err := mongo.Connect(ctx, opts)
			if err != nil {
				return nil, errors.Wrap(err, "open database")
			}

			err = client.Ping(ctx, nil)
			if err != nil {
				_ = client.Disconnect(ctx)
				return nil, errors.Wrap(err, "ping")
			}
			cfg.db = client.Database(cfg.Database)
		}

		if cfg.nowFunc == nil {
			cfg.nowFunc = time.Now
		}
		if cfg.Collection == "" {
			cfg.Collection = "sessions"
		}

		if cfg.InitIndex {
			err := initIndexes(ctx, cfg.db.Collection(cfg.Collection))
			if err != nil {
				if owned {
					_ = cfg.db.Client().Disconnect(ctx)
				}
				return nil, errors.Wrap(err, "create indexes")
			}
		}
		return newMongoBackend(cfg), nil
	}
}
