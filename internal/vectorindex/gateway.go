// Package vectorindex mediates all access to the external vector database.
// The rest of the pipeline never talks to Qdrant directly; it goes through
// the Store interface so tests can substitute a fake and so index outages
// surface as a single sentinel error.
package vectorindex

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/arvela/insight-go/internal/conf"
	"github.com/arvela/insight-go/internal/errors"
	"github.com/arvela/insight-go/internal/logging"
)

// Sentinel errors returned by the gateway. Callers branch on these with
// errors.Is; ErrUnavailable means the operation may succeed later and the
// caller should leave its work outstanding rather than record a failure.
var (
	ErrUnavailable = errors.NewStd("vector index unavailable")
	ErrNotFound    = errors.NewStd("vector point not found")
)

// Hit is a single similarity search result.
type Hit struct {
	ID      uint64
	Score   float32
	Payload map[string]any
}

// Store is the vector index surface used by the callback processor and the
// read API.
type Store interface {
	// EnsureCollections creates any missing collections. Safe to call
	// repeatedly; existing collections are left untouched.
	EnsureCollections(ctx context.Context) error
	// Upsert writes or replaces the vector stored under id.
	Upsert(ctx context.Context, collection string, id uint64, vector []float32, payload map[string]any) error
	// Search returns the top hits for vector, best score first.
	Search(ctx context.Context, collection string, vector []float32, limit int) ([]Hit, error)
	// SearchByID searches using the stored vector of an existing point.
	SearchByID(ctx context.Context, collection string, id uint64, limit int) ([]Hit, error)
	// DeletePoint removes the vector stored under id, if present.
	DeletePoint(ctx context.Context, collection string, id uint64) error
	Close() error
}

// Gateway implements Store against a Qdrant instance over gRPC.
type Gateway struct {
	client   *qdrant.Client
	settings *conf.VectorSettings
	logger   *slog.Logger
	timeout  time.Duration
}

// New connects to the Qdrant instance described by settings. The connection
// is lazy on the gRPC level, so New succeeding does not guarantee the index
// is reachable; the first operation will report ErrUnavailable if it is not.
func New(settings *conf.VectorSettings) (*Gateway, error) {
	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   settings.Host,
		Port:   settings.Port,
		APIKey: settings.APIKey,
		UseTLS: settings.UseTLS,
	})
	if err != nil {
		return nil, errors.New(err).
			Component("vectorindex").
			Category(errors.CategoryVectorIndex).
			Context("operation", "connect").
			Context("host", settings.Host).
			Build()
	}

	return &Gateway{
		client:   client,
		settings: settings,
		logger:   logging.ForService("vectorindex"),
		timeout:  time.Duration(settings.Timeout) * time.Second,
	}, nil
}

// EnsureCollections creates the semantic, duplicate and face collections if
// they do not exist yet. Creation is idempotent per collection, so a pass
// that fails midway can simply be retried.
func (g *Gateway) EnsureCollections(ctx context.Context) error {
	collections := []conf.CollectionSettings{
		g.settings.Semantic,
		g.settings.Duplicate,
		g.settings.Face,
	}
	for i := range collections {
		if err := g.ensureCollection(ctx, &collections[i]); err != nil {
			return err
		}
	}
	return nil
}

func (g *Gateway) ensureCollection(ctx context.Context, cs *conf.CollectionSettings) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	exists, err := g.client.CollectionExists(ctx, cs.Name)
	if err != nil {
		return g.wrapErr(err, "collection_exists", cs.Name)
	}
	if exists {
		return nil
	}

	err = g.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: cs.Name,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(cs.Dimension),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		// Lost a creation race with another instance; treat as created.
		if status.Code(err) == codes.AlreadyExists {
			return nil
		}
		return g.wrapErr(err, "create_collection", cs.Name)
	}

	g.logger.Info("created vector collection", "collection", cs.Name, "dimension", cs.Dimension)
	return nil
}

// Upsert writes or replaces the vector stored under id. Wait is set so the
// point is queryable as soon as Upsert returns; the face matching flow
// searches immediately after upserting.
func (g *Gateway) Upsert(ctx context.Context, collection string, id uint64, vector []float32, payload map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	point := &qdrant.PointStruct{
		Id:      qdrant.NewIDNum(id),
		Vectors: qdrant.NewVectors(vector...),
	}
	if len(payload) > 0 {
		point.Payload = qdrant.NewValueMap(payload)
	}

	_, err := g.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: collection,
		Points:         []*qdrant.PointStruct{point},
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return g.wrapErr(err, "upsert", collection)
	}
	return nil
}

// Search returns the closest points to vector, best score first.
func (g *Gateway) Search(ctx context.Context, collection string, vector []float32, limit int) ([]Hit, error) {
	return g.query(ctx, collection, qdrant.NewQuery(vector...), limit)
}

// SearchByID searches using the stored vector of point id as the query.
// Qdrant excludes the query point itself from the results.
func (g *Gateway) SearchByID(ctx context.Context, collection string, id uint64, limit int) ([]Hit, error) {
	return g.query(ctx, collection, qdrant.NewQueryID(qdrant.NewIDNum(id)), limit)
}

func (g *Gateway) query(ctx context.Context, collection string, query *qdrant.Query, limit int) ([]Hit, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	points, err := g.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: collection,
		Query:          query,
		Limit:          qdrant.PtrOf(uint64(limit)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, g.wrapErr(err, "search", collection)
	}

	hits := make([]Hit, 0, len(points))
	for _, p := range points {
		hit := Hit{
			ID:    p.GetId().GetNum(),
			Score: p.GetScore(),
		}
		if len(p.GetPayload()) > 0 {
			hit.Payload = make(map[string]any, len(p.GetPayload()))
			for k, v := range p.GetPayload() {
				hit.Payload[k] = payloadValue(v)
			}
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

// DeletePoint removes the vector stored under id. Deleting a point that was
// never written is not an error.
func (g *Gateway) DeletePoint(ctx context.Context, collection string, id uint64) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	_, err := g.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: collection,
		Points:         qdrant.NewPointsSelector(qdrant.NewIDNum(id)),
		Wait:           qdrant.PtrOf(true),
	})
	if err != nil {
		return g.wrapErr(err, "delete", collection)
	}
	return nil
}

// Close tears down the gRPC connection.
func (g *Gateway) Close() error {
	return g.client.Close()
}

// wrapErr converts gRPC transport failures into the gateway sentinels and
// wraps everything else with operation context.
func (g *Gateway) wrapErr(err error, operation, collection string) error {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		g.logger.Warn("vector index unreachable",
			"operation", operation,
			"collection", collection,
			"error", err)
		return fmt.Errorf("%w: %s on %s: %w", ErrUnavailable, operation, collection, err)
	case codes.NotFound:
		return fmt.Errorf("%w: %s on %s", ErrNotFound, operation, collection)
	}
	return errors.New(err).
		Component("vectorindex").
		Category(errors.CategoryVectorIndex).
		Context("operation", operation).
		Context("collection", collection).
		Build()
}

func payloadValue(v *qdrant.Value) any {
	switch kind := v.GetKind().(type) {
	case *qdrant.Value_StringValue:
		return kind.StringValue
	case *qdrant.Value_IntegerValue:
		return kind.IntegerValue
	case *qdrant.Value_DoubleValue:
		return kind.DoubleValue
	case *qdrant.Value_BoolValue:
		return kind.BoolValue
	default:
		return v.String()
	}
}
