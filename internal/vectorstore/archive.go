// Package vectorstore persists memory snapshots to Qdrant so finished
// runs can be searched semantically afterwards. The in-process memory
// store remains authoritative during a run; the archive is write-behind.
package vectorstore

import (
	"context"
	"fmt"
	"strconv"

	"github.com/nidhogg/driftville/internal/memory"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Config holds connection settings for a Qdrant instance.
type Config struct {
	Host       string `json:"host"`
	Port       int    `json:"port"`
	Collection string `json:"collection"`
}

// Archive wraps gRPC connections to Qdrant's collections and points
// services, scoped to one memory collection.
type Archive struct {
	conn        *grpc.ClientConn
	collections pb.CollectionsClient
	points      pb.PointsClient
	collection  string
}

// NewArchive dials the Qdrant gRPC endpoint and returns a ready Archive.
func NewArchive(cfg Config) (*Archive, error) {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("qdrant connect %s: %w", addr, err)
	}
	collection := cfg.Collection
	if collection == "" {
		collection = "persona_memories"
	}
	return &Archive{
		conn:        conn,
		collections: pb.NewCollectionsClient(conn),
		points:      pb.NewPointsClient(conn),
		collection:  collection,
	}, nil
}

// Ensure creates the memory collection if it does not already exist.
func (a *Archive) Ensure(ctx context.Context, dimension uint64) error {
	_, err := a.collections.Get(ctx, &pb.GetCollectionInfoRequest{CollectionName: a.collection})
	if err == nil {
		return nil
	}
	_, err = a.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: a.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{
					Size:     dimension,
					Distance: pb.Distance_Cosine,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("create collection %s: %w", a.collection, err)
	}
	return nil
}

// ArchiveMemory upserts one memory record. Records without an embedding
// are skipped; they have nothing to search by.
func (a *Archive) ArchiveMemory(ctx context.Context, personaName, simTime string, rec memory.Record) error {
	if len(rec.Embedding) == 0 {
		return nil
	}
	payload := map[string]*pb.Value{
		"persona_id": {Kind: &pb.Value_StringValue{StringValue: rec.PersonaID}},
		"persona":    {Kind: &pb.Value_StringValue{StringValue: personaName}},
		"sim_time":   {Kind: &pb.Value_StringValue{StringValue: simTime}},
		"summary":    {Kind: &pb.Value_StringValue{StringValue: rec.Text}},
		"importance": {Kind: &pb.Value_StringValue{StringValue: strconv.FormatFloat(rec.Importance, 'f', -1, 64)}},
	}
	_, err := a.points.Upsert(ctx, &pb.UpsertPoints{
		CollectionName: a.collection,
		Points: []*pb.PointStruct{
			{
				Id:      &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: rec.ID}},
				Vectors: &pb.Vectors{VectorsOptions: &pb.Vectors_Vector{Vector: &pb.Vector{Data: rec.Embedding}}},
				Payload: payload,
			},
		},
	})
	if err != nil {
		return fmt.Errorf("archive memory %s: %w", rec.ID, err)
	}
	return nil
}

// Hit is a single semantic search result from the archive.
type Hit struct {
	ID      string
	Score   float32
	Payload map[string]string
}

// Similar returns the top-k memories closest to the query vector,
// restricted to one persona.
func (a *Archive) Similar(ctx context.Context, personaID string, vector []float32, k uint64) ([]*Hit, error) {
	resp, err := a.points.Search(ctx, &pb.SearchPoints{
		CollectionName: a.collection,
		Vector:         vector,
		Limit:          k,
		WithPayload:    &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
		Filter: &pb.Filter{
			Must: []*pb.Condition{
				{
					ConditionOneOf: &pb.Condition_Field{
						Field: &pb.FieldCondition{
							Key: "persona_id",
							Match: &pb.Match{
								MatchValue: &pb.Match_Keyword{Keyword: personaID},
							},
						},
					},
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", a.collection, err)
	}
	hits := make([]*Hit, 0, len(resp.Result))
	for _, r := range resp.Result {
		payload := make(map[string]string, len(r.Payload))
		for key, v := range r.Payload {
			if sv, ok := v.Kind.(*pb.Value_StringValue); ok {
				payload[key] = sv.StringValue
			}
		}
		hits = append(hits, &Hit{
			ID:      r.Id.GetUuid(),
			Score:   r.Score,
			Payload: payload,
		})
	}
	return hits, nil
}

// Close tears down the underlying gRPC connection.
func (a *Archive) Close() error {
	return a.conn.Close()
}

// Embedder is the slice of the embedding provider Recall needs.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Recall pairs the archive with an embedder so callers can search by
// free text instead of a precomputed vector.
type Recall struct {
	archive *Archive
	embed   Embedder
}

// NewRecall binds an embedder to the archive.
func NewRecall(archive *Archive, embed Embedder) *Recall {
	return &Recall{archive: archive, embed: embed}
}

// Recall embeds the query and returns the persona's top-k closest
// archived memories.
func (r *Recall) Recall(ctx context.Context, personaID, query string, k int) ([]*Hit, error) {
	vecs, err := r.embed.Embed(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embed query: empty vector")
	}
	return r.archive.Similar(ctx, personaID, vecs[0], uint64(k))
}
