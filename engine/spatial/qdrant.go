package spatial

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	pb "github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/geo"
)

const (
	locationField = "location"
	stopIDField   = "stop_id"
	scrollPage    = 256
)

// stopNamespace derives stable point ids from stop ids.
var stopNamespace = uuid.MustParse("6f1c9f5e-3b0a-4d8e-9a57-1d2f1b7c0e42")

type pointsAPI interface {
	Upsert(ctx context.Context, in *pb.UpsertPoints, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
	Scroll(ctx context.Context, in *pb.ScrollPoints, opts ...grpc.CallOption) (*pb.ScrollResponse, error)
	CreateFieldIndex(ctx context.Context, in *pb.CreateFieldIndexCollection, opts ...grpc.CallOption) (*pb.PointsOperationResponse, error)
}

type collectionsAPI interface {
	List(ctx context.Context, in *pb.ListCollectionsRequest, opts ...grpc.CallOption) (*pb.ListCollectionsResponse, error)
	Create(ctx context.Context, in *pb.CreateCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
	Delete(ctx context.Context, in *pb.DeleteCollection, opts ...grpc.CallOption) (*pb.CollectionOperationResponse, error)
}

// QdrantIndex keeps stop locations in a Qdrant collection with a geo
// payload index. Radius candidates are re-checked with geo.Distance so the
// result matches the grid index exactly.
type QdrantIndex struct {
	conn        *grpc.ClientConn
	points      pointsAPI
	collections collectionsAPI
	collection  string
}

// NewQdrantIndex connects to Qdrant at the given gRPC address.
func NewQdrantIndex(addr, collection string) (*QdrantIndex, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("spatial: dial qdrant %s: %w", addr, err)
	}
	return &QdrantIndex{
		conn:        conn,
		points:      pb.NewPointsClient(conn),
		collections: pb.NewCollectionsClient(conn),
		collection:  collection,
	}, nil
}

// NewQdrantIndexWithClients builds an index over injected clients.
func NewQdrantIndexWithClients(points pointsAPI, collections collectionsAPI, collection string) *QdrantIndex {
	return &QdrantIndex{points: points, collections: collections, collection: collection}
}

// Close closes the underlying gRPC connection.
func (q *QdrantIndex) Close() error {
	if q.conn == nil {
		return nil
	}
	return q.conn.Close()
}

// EnsureCollection creates the collection and its geo index if missing.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	list, err := q.collections.List(ctx, &pb.ListCollectionsRequest{})
	if err != nil {
		return fmt.Errorf("spatial: list collections: %w", err)
	}
	for _, c := range list.GetCollections() {
		if c.GetName() == q.collection {
			return nil
		}
	}

	_, err = q.collections.Create(ctx, &pb.CreateCollection{
		CollectionName: q.collection,
		VectorsConfig: &pb.VectorsConfig{
			Config: &pb.VectorsConfig_Params{
				Params: &pb.VectorParams{Size: 2, Distance: pb.Distance_Euclid},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("spatial: create collection %s: %w", q.collection, err)
	}

	wait := true
	ft := pb.FieldType_FieldTypeGeo
	_, err = q.points.CreateFieldIndex(ctx, &pb.CreateFieldIndexCollection{
		CollectionName: q.collection,
		Wait:           &wait,
		FieldName:      locationField,
		FieldType:      &ft,
	})
	if err != nil {
		return fmt.Errorf("spatial: create geo index: %w", err)
	}
	return nil
}

// Reset drops the collection.
func (q *QdrantIndex) Reset(ctx context.Context) error {
	_, err := q.collections.Delete(ctx, &pb.DeleteCollection{CollectionName: q.collection})
	if err != nil {
		return fmt.Errorf("spatial: delete collection %s: %w", q.collection, err)
	}
	return nil
}

// PointID returns the deterministic point id of a stop.
func PointID(stopID string) string {
	return uuid.NewSHA1(stopNamespace, []byte(stopID)).String()
}

// Load upserts stops in batches. Re-loading the same stop overwrites its
// point.
func (q *QdrantIndex) Load(ctx context.Context, stops []domain.Stop, batch int) error {
	if batch <= 0 {
		batch = len(stops)
	}
	wait := true
	for start := 0; start < len(stops); start += batch {
		end := min(start+batch, len(stops))
		points := make([]*pb.PointStruct, 0, end-start)
		for _, s := range stops[start:end] {
			points = append(points, &pb.PointStruct{
				Id: &pb.PointId{PointIdOptions: &pb.PointId_Uuid{Uuid: PointID(s.ID)}},
				Vectors: &pb.Vectors{
					VectorsOptions: &pb.Vectors_Vector{
						Vector: &pb.Vector{Data: []float32{float32(s.Lat), float32(s.Lon)}},
					},
				},
				Payload: map[string]*pb.Value{
					stopIDField:   {Kind: &pb.Value_StringValue{StringValue: s.ID}},
					locationField: geoValue(s.Lat, s.Lon),
				},
			})
		}
		_, err := q.points.Upsert(ctx, &pb.UpsertPoints{
			CollectionName: q.collection,
			Wait:           &wait,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("spatial: upsert %d stops: %w", len(points), err)
		}
	}
	return nil
}

// Within implements Index.
func (q *QdrantIndex) Within(ctx context.Context, lat, lon, radius float64) ([]geo.Match, error) {
	limit := uint32(scrollPage)
	req := &pb.ScrollPoints{
		CollectionName: q.collection,
		Filter: &pb.Filter{
			Must: []*pb.Condition{geoRadius(lat, lon, radius+1)},
		},
		Limit:       &limit,
		WithPayload: &pb.WithPayloadSelector{SelectorOptions: &pb.WithPayloadSelector_Enable{Enable: true}},
	}

	var pts []geo.Point
	for {
		resp, err := q.points.Scroll(ctx, req)
		if err != nil {
			return nil, fmt.Errorf("spatial: scroll: %w", err)
		}
		for _, p := range resp.GetResult() {
			pt, ok := pointFromPayload(p.GetPayload())
			if ok {
				pts = append(pts, pt)
			}
		}
		if resp.GetNextPageOffset() == nil {
			break
		}
		req.Offset = resp.GetNextPageOffset()
	}
	return geo.BruteForce(pts, lat, lon, radius), nil
}

func geoValue(lat, lon float64) *pb.Value {
	return &pb.Value{Kind: &pb.Value_StructValue{StructValue: &pb.Struct{
		Fields: map[string]*pb.Value{
			"lat": {Kind: &pb.Value_DoubleValue{DoubleValue: lat}},
			"lon": {Kind: &pb.Value_DoubleValue{DoubleValue: lon}},
		},
	}}}
}

func geoRadius(lat, lon, radius float64) *pb.Condition {
	return &pb.Condition{
		ConditionOneOf: &pb.Condition_Field{
			Field: &pb.FieldCondition{
				Key: locationField,
				GeoRadius: &pb.GeoRadius{
					Center: &pb.GeoPoint{Lat: lat, Lon: lon},
					Radius: float32(radius),
				},
			},
		},
	}
}

func pointFromPayload(payload map[string]*pb.Value) (geo.Point, bool) {
	id := payload[stopIDField].GetStringValue()
	loc := payload[locationField].GetStructValue().GetFields()
	if id == "" || loc == nil {
		return geo.Point{}, false
	}
	return geo.Point{ID: id, Lat: loc["lat"].GetDoubleValue(), Lon: loc["lon"].GetDoubleValue()}, true
}
