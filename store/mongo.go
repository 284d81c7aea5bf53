package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/pressroom-dev/pressroom/config"
	"github.com/pressroom-dev/pressroom/connections"
	"github.com/pressroom-dev/pressroom/telemetry"
)

// Mongo persists posts in a MongoDB collection. The client is established
// lazily through the connection cache, so constructing the store never blocks
// and a missing URI only surfaces when the store is first used.
type Mongo struct {
	conn       *connections.Cache
	database   string
	collection string
	logger     zerolog.Logger
}

// NewMongo builds a Mongo store from the storage configuration. An empty URI
// leaves the connection cache unconfigured, which makes every operation fail
// fast with connections.ErrNotConfigured instead of dialing.
func NewMongo(cfg config.StorageConfig, logger zerolog.Logger, metrics telemetry.Collector) *Mongo {
	if metrics == nil {
		metrics = telemetry.Noop()
	}
	var dial connections.Dialer
	if cfg.URI != "" {
		dial = mongoDialer(cfg, logger, metrics)
	}
	conn := connections.NewCache(dial, connections.WithDialTimeout(cfg.DialTimeoutOrDefault()))
	return &Mongo{
		conn:       conn,
		database:   cfg.DatabaseName(),
		collection: cfg.CollectionName(),
		logger:     logger,
	}
}

func mongoDialer(cfg config.StorageConfig, logger zerolog.Logger, metrics telemetry.Collector) connections.Dialer {
	return func(ctx context.Context) (connections.Handle, error) {
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
		if err != nil {
			metrics.IncStoreDial("error")
			return nil, fmt.Errorf("connect content store: %w", err)
		}
		if err := client.Ping(ctx, readpref.Primary()); err != nil {
			disconnect(client)
			metrics.IncStoreDial("error")
			return nil, fmt.Errorf("ping content store: %w", err)
		}
		posts := client.Database(cfg.DatabaseName()).Collection(cfg.CollectionName())
		if err := ensureIndexes(ctx, posts); err != nil {
			disconnect(client)
			metrics.IncStoreDial("error")
			return nil, err
		}
		metrics.IncStoreDial("ok")
		logger.Info().
			Str("database", cfg.DatabaseName()).
			Str("collection", cfg.CollectionName()).
			Msg("content store connected")
		return &clientHandle{client: client}, nil
	}
}

func ensureIndexes(ctx context.Context, posts *mongo.Collection) error {
	_, err := posts.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "slug", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return fmt.Errorf("ensure slug index: %w", err)
	}
	return nil
}

func disconnect(client *mongo.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = client.Disconnect(ctx)
}

// clientHandle adapts a mongo client to the connection cache handle.
type clientHandle struct {
	client *mongo.Client
}

func (h *clientHandle) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.client.Disconnect(ctx)
}

// posts resolves the posts collection through the connection cache.
func (m *Mongo) posts(ctx context.Context) (*mongo.Collection, error) {
	handle, err := m.conn.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	client := handle.(*clientHandle).client
	return client.Database(m.database).Collection(m.collection), nil
}

// List returns all posts ordered newest first.
func (m *Mongo) List(ctx context.Context, includeDrafts bool) ([]Post, error) {
	posts, err := m.posts(ctx)
	if err != nil {
		return nil, err
	}
	filter := bson.M{}
	if !includeDrafts {
		filter["draft"] = false
	}
	opts := options.Find().SetSort(bson.D{
		{Key: "created_at", Value: -1},
		{Key: "slug", Value: 1},
	})
	cursor, err := posts.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	var result []Post
	if err := cursor.All(ctx, &result); err != nil {
		return nil, fmt.Errorf("decode posts: %w", err)
	}
	return result, nil
}

// Get returns the post with the given slug.
func (m *Mongo) Get(ctx context.Context, slug string) (Post, error) {
	posts, err := m.posts(ctx)
	if err != nil {
		return Post{}, err
	}
	var post Post
	err = posts.FindOne(ctx, bson.M{"slug": slug}).Decode(&post)
	if err != nil {
		return Post{}, mapError(err)
	}
	return post, nil
}

// Create stores a new post.
func (m *Mongo) Create(ctx context.Context, post Post) (Post, error) {
	posts, err := m.posts(ctx)
	if err != nil {
		return Post{}, err
	}
	prepared, err := normalize(post, time.Now().UTC())
	if err != nil {
		return Post{}, err
	}
	if prepared.ID == "" {
		prepared.ID = uuid.NewString()
	}
	if _, err := posts.InsertOne(ctx, prepared); err != nil {
		return Post{}, mapError(err)
	}
	return prepared, nil
}

// Update replaces the mutable fields of an existing post. Setting a new slug
// renames the post, subject to the unique slug index.
func (m *Mongo) Update(ctx context.Context, slug string, post Post) (Post, error) {
	posts, err := m.posts(ctx)
	if err != nil {
		return Post{}, err
	}
	if post.Slug == "" {
		post.Slug = slug
	}
	prepared, err := normalize(post, time.Now().UTC())
	if err != nil {
		return Post{}, err
	}

	update := bson.M{"$set": bson.M{
		"slug":       prepared.Slug,
		"title":      prepared.Title,
		"author":     prepared.Author,
		"tags":       prepared.Tags,
		"body":       prepared.Body,
		"draft":      prepared.Draft,
		"updated_at": prepared.UpdatedAt,
	}}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var updated Post
	err = posts.FindOneAndUpdate(ctx, bson.M{"slug": slug}, update, opts).Decode(&updated)
	if err != nil {
		return Post{}, mapError(err)
	}
	return updated, nil
}

// Delete removes the post with the given slug.
func (m *Mongo) Delete(ctx context.Context, slug string) error {
	posts, err := m.posts(ctx)
	if err != nil {
		return err
	}
	result, err := posts.DeleteOne(ctx, bson.M{"slug": slug})
	if err != nil {
		return fmt.Errorf("delete post: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping verifies the cached connection still answers. A failing ping drops
// the handle from the cache so the next operation dials fresh.
func (m *Mongo) Ping(ctx context.Context) error {
	handle, err := m.conn.Acquire(ctx)
	if err != nil {
		return err
	}
	client := handle.(*clientHandle).client
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		m.conn.Invalidate(handle)
		m.logger.Warn().Err(err).Msg("content store ping failed, dropping cached connection")
		return fmt.Errorf("ping content store: %w", err)
	}
	return nil
}

// ConnectionStats exposes the connection cache counters.
func (m *Mongo) ConnectionStats() connections.Stats {
	return m.conn.Stats()
}

// Close releases the cached connection.
func (m *Mongo) Close() error {
	return m.conn.Close()
}

func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, mongo.ErrNoDocuments):
		return ErrNotFound
	case mongo.IsDuplicateKeyError(err):
		return ErrSlugTaken
	default:
		return err
	}
}
