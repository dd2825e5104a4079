package vectorstore

import (
	"context"
	"fmt"
	"net"
	"slices"
	"strconv"

	"github.com/knoguchi/hybridrag/internal/embedder"
	"github.com/knoguchi/hybridrag/internal/passage"
	"github.com/qdrant/go-client/qdrant"
)

const (
	// DefaultCollection is the collection the chunker writes to.
	DefaultCollection = "chunks"

	payloadPassageID = "passage_id"
	payloadContent   = "content"
	payloadTitle     = "title"
	payloadPage      = "page"

	defaultQdrantPort = "6334"
)

// reserved payload keys that are not copied into passage metadata
var reservedPayload = []string{payloadPassageID, payloadContent, payloadTitle, payloadPage}

// QdrantStore implements Store over a single Qdrant collection with cosine
// distance. Qdrant reports cosine similarity; it is returned as 1 - score.
type QdrantStore struct {
	client     *qdrant.Client
	embedder   embedder.Embedder
	collection string
}

// NewQdrantStore creates a new Qdrant passage store.
// url should be in format "host:port" (e.g., "localhost:6334")
func NewQdrantStore(url, collection string, e embedder.Embedder) (*QdrantStore, error) {
	host, portStr, err := net.SplitHostPort(url)
	if err != nil {
		host = url
		portStr = defaultQdrantPort
	}

	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("invalid port in qdrant url: %w", err)
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host: host,
		Port: port,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}

	if collection == "" {
		collection = DefaultCollection
	}
	return &QdrantStore{client: client, embedder: e, collection: collection}, nil
}

// Close closes the Qdrant client connection
func (s *QdrantStore) Close() error {
	return s.client.Close()
}

// Ping checks that Qdrant is reachable.
func (s *QdrantStore) Ping(ctx context.Context) error {
	if _, err := s.client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("qdrant health check failed: %w", err)
	}
	return nil
}

// Collection returns the collection name.
func (s *QdrantStore) Collection() string {
	return s.collection
}

// EnsureCollection creates the collection and its filename index if missing.
func (s *QdrantStore) EnsureCollection(ctx context.Context) error {
	exists, err := s.client.CollectionExists(ctx, s.collection)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if exists {
		return nil
	}

	err = s.client.CreateCollection(ctx, &qdrant.CreateCollection{
		CollectionName: s.collection,
		VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
			Size:     uint64(s.embedder.Dimension()),
			Distance: qdrant.Distance_Cosine,
		}),
	})
	if err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	_, err = s.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
		CollectionName: s.collection,
		FieldName:      passage.MetaFilename,
		FieldType:      qdrant.PtrOf(qdrant.FieldType_FieldTypeKeyword),
	})
	if err != nil {
		return fmt.Errorf("failed to create filename index: %w", err)
	}
	return nil
}

// Upsert embeds and stores passages.
func (s *QdrantStore) Upsert(ctx context.Context, passages []passage.Passage) error {
	if len(passages) == 0 {
		return nil
	}

	texts := make([]string, len(passages))
	for i, p := range passages {
		texts[i] = p.Content
	}
	vectors, err := s.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return fmt.Errorf("failed to embed passages: %w", err)
	}
	if len(vectors) != len(passages) {
		return fmt.Errorf("%w: got %d vectors for %d passages", ErrEmbeddingCount, len(vectors), len(passages))
	}

	points := make([]*qdrant.PointStruct, len(passages))
	for i, p := range passages {
		points[i] = &qdrant.PointStruct{
			Id:      qdrant.NewIDUUID(PointID(p)),
			Vectors: qdrant.NewVectors(vectors[i]...),
			Payload: toPayload(p),
		}
	}

	_, err = s.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         points,
	})
	if err != nil {
		return fmt.Errorf("failed to upsert points: %w", err)
	}
	return nil
}

// HasFilename reports whether any point carries the document name.
func (s *QdrantStore) HasFilename(ctx context.Context, filename string) (bool, error) {
	count, err := s.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: s.collection,
		Filter:         toQdrantFilter(ByFilename(filename)),
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		return false, fmt.Errorf("failed to count points: %w", err)
	}
	return count > 0, nil
}

// DeleteByFilename removes every point of the document.
func (s *QdrantStore) DeleteByFilename(ctx context.Context, filename string) error {
	_, err := s.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: s.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Filter{
				Filter: toQdrantFilter(ByFilename(filename)),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to delete by filename: %w", err)
	}
	return nil
}

// Search embeds the query and returns the k nearest passages.
func (s *QdrantStore) Search(ctx context.Context, query string, k int, filter Filter) ([]passage.ScoredCandidate, error) {
	if err := checkSearchArgs(k, filter); err != nil {
		return nil, err
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	response, err := s.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: s.collection,
		Query:          qdrant.NewQuery(vector...),
		Filter:         toQdrantFilter(filter),
		Limit:          qdrant.PtrOf(uint64(k)),
		WithPayload:    qdrant.NewWithPayload(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to search: %w", err)
	}

	results := make([]passage.ScoredCandidate, 0, len(response))
	for _, point := range response {
		results = append(results, passage.ScoredCandidate{
			Passage:        fromPayload(point.Payload),
			VectorDistance: 1 - float64(point.Score),
		})
	}
	return results, nil
}

func toQdrantFilter(f Filter) *qdrant.Filter {
	if len(f) == 0 {
		return nil
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	must := make([]*qdrant.Condition, len(keys))
	for i, k := range keys {
		must[i] = qdrant.NewMatch(k, f[k])
	}
	return &qdrant.Filter{Must: must}
}

func toPayload(p passage.Passage) map[string]*qdrant.Value {
	payload := map[string]*qdrant.Value{
		payloadPassageID: qdrant.NewValueString(p.ID),
		payloadContent:   qdrant.NewValueString(p.Content),
		payloadTitle:     qdrant.NewValueString(p.Title),
		payloadPage:      qdrant.NewValueString(p.Page),
	}
	for k, v := range p.Metadata {
		if slices.Contains(reservedPayload, k) {
			continue
		}
		payload[k] = qdrant.NewValueString(v)
	}
	return payload
}

func fromPayload(payload map[string]*qdrant.Value) passage.Passage {
	p := passage.Passage{Metadata: make(map[string]string)}
	for k, v := range payload {
		switch k {
		case payloadPassageID:
			p.ID = v.GetStringValue()
		case payloadContent:
			p.Content = v.GetStringValue()
		case payloadTitle:
			p.Title = v.GetStringValue()
		case payloadPage:
			p.Page = v.GetStringValue()
		default:
			p.Metadata[k] = v.GetStringValue()
		}
	}
	return p
}

var _ Store = (*QdrantStore)(nil)
