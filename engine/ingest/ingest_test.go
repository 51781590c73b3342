package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/engine/normalize"
	"github.com/riomobi/transitrisk/engine/transit"
	"github.com/riomobi/transitrisk/pkg/metrics"
)

const complaintsCSV = `protocolo,data_abertura,servico,descricao,status,latitude,longitude,criticidade,bairro
P1,2025-03-01 08:30:00,Segurança Pública,assalto,Aberto,-22.9711,-43.1822,alta,Copacabana
P2,2025-03-02,Iluminação Pública,lampada,Em Atendimento,-22.9720,-43.1830,Média,Copacabana
P3,2025-03-02,Poda,arvore,Fechado,,,baixa,Tijuca
P1,2025-03-03,Poda,repetido,Aberto,-22.9000,-43.2000,baixa,Tijuca
P4,not-a-date,Poda,data ruim,Aberto,-22.9000,-43.2000,baixa,Tijuca
`

type fakeStore struct {
	docs  map[string]domain.Complaint
	calls int
	err   error
}

func newFakeStore() *fakeStore { return &fakeStore{docs: map[string]domain.Complaint{}} }

func (f *fakeStore) InsertMany(_ context.Context, cs []domain.Complaint) ([]error, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([]error, len(cs))
	for i, c := range cs {
		if _, dup := f.docs[c.Protocol]; dup {
			out[i] = domain.NewRecordError("complaint", c.Protocol, "protocol", domain.ErrIntegrity)
			continue
		}
		f.docs[c.Protocol] = c
	}
	return out, nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func testNormalizer() *normalize.Normalizer {
	now := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	return normalize.New(domain.DefaultVocabulary(), normalize.WithClock(func() time.Time { return now }))
}

func TestLoader_Summary(t *testing.T) {
	store := newFakeStore()
	m := metrics.New()
	l := NewLoader(Deps{Normalizer: testNormalizer(), Store: store, BatchSize: 1, Metrics: m})

	rep, err := l.Load(context.Background(), Source{Name: "march.csv", Reader: strings.NewReader(complaintsCSV)})
	if err != nil {
		t.Fatal(err)
	}
	want := domain.Summary{Inserted: 2, Duplicates: 1, Dropped: 1, Errors: 1}
	if rep.Summary != want {
		t.Fatalf("summary = %+v, want %+v", rep.Summary, want)
	}
	if rep.Format != normalize.FormatCanonical.String() || rep.Source != "march.csv" {
		t.Errorf("report = %+v", rep)
	}
	if store.calls != 3 {
		t.Errorf("expected one InsertMany per valid row at batch size 1, got %d", store.calls)
	}
	if got := testutil.ToFloat64(m.Rows.WithLabelValues("complaints", metrics.OutcomeDuplicate)); got != 1 {
		t.Errorf("duplicate metric = %v", got)
	}
}

func TestLoader_ReloadIsAllDuplicates(t *testing.T) {
	store := newFakeStore()
	l := NewLoader(Deps{Normalizer: testNormalizer(), Store: store})
	ctx := context.Background()

	if _, err := l.Load(ctx, Source{Name: "a", Reader: strings.NewReader(complaintsCSV)}); err != nil {
		t.Fatal(err)
	}
	rep, err := l.Load(ctx, Source{Name: "a", Reader: strings.NewReader(complaintsCSV)})
	if err != nil {
		t.Fatal(err)
	}
	if rep.Summary.Inserted != 0 || rep.Summary.Duplicates != 3 {
		t.Errorf("second load summary = %+v", rep.Summary)
	}
	if len(store.docs) != 2 {
		t.Errorf("stored %d docs", len(store.docs))
	}
}

func TestLoader_SchemaErrorIsFatal(t *testing.T) {
	store := newFakeStore()
	l := NewLoader(Deps{Normalizer: testNormalizer(), Store: store})

	_, err := l.Load(context.Background(), Source{Name: "bad.csv", Reader: strings.NewReader("foo,bar\n1,2\n")})
	if !errors.Is(err, domain.ErrSchema) {
		t.Fatalf("expected ErrSchema, got %v", err)
	}
	if store.calls != 0 {
		t.Error("store must not be called after a schema error")
	}
}

func TestLoader_StoreFailure(t *testing.T) {
	store := newFakeStore()
	store.err = errors.New("connection refused")
	l := NewLoader(Deps{Normalizer: testNormalizer(), Store: store})

	_, err := l.Load(context.Background(), Source{Name: "a", Reader: strings.NewReader(complaintsCSV)})
	if err == nil || !strings.Contains(err.Error(), "connection refused") {
		t.Fatalf("expected store error, got %v", err)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "complaints.csv")
	if err := os.WriteFile(path, []byte(complaintsCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	l := NewLoader(Deps{Normalizer: testNormalizer(), Store: newFakeStore()})
	rep, err := l.LoadFile(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Source != "complaints.csv" || rep.Summary.Total() != 5 {
		t.Errorf("report = %+v", rep)
	}
	if _, err := l.LoadFile(context.Background(), filepath.Join(t.TempDir(), "missing.csv")); err == nil {
		t.Error("expected open error")
	}
}

func TestLoggedTap_PassesThrough(t *testing.T) {
	r := LoggedTap[int]("x", discardLogger())(context.Background(), 7)
	if v, err := r.Unwrap(); err != nil || v != 7 {
		t.Fatalf("got %v %v", v, err)
	}
}

// --- network pipeline ---

type fakeWriter struct {
	saved *transit.Network
	err   error
}

func (f *fakeWriter) SaveNetwork(_ context.Context, n *transit.Network) error {
	f.saved = n
	return f.err
}

type fakeIndexer struct {
	stops []domain.Stop
	batch int
}

func (f *fakeIndexer) Load(_ context.Context, stops []domain.Stop, batch int) error {
	f.stops, f.batch = stops, batch
	return nil
}

var feedTables = map[string]string{
	"stops.txt": "stop_id,stop_name,stop_lat,stop_lon\n" +
		"S1,Praça,-22.90,-43.17\nS2,Largo,-22.91,-43.18\nS3,Sem coordenada,,\n",
	"routes.txt":     "route_id,route_short_name,route_long_name,route_type\nR1,100,Centro,3\n",
	"trips.txt":      "route_id,service_id,trip_id\nR1,U,T1\n",
	"stop_times.txt": "trip_id,arrival_time,departure_time,stop_id,stop_sequence\nT1,06:00:00,06:00:00,S1,1\nT1,06:03:00,06:03:00,S2,2\n",
}

func writeFeed(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for name, body := range feedTables {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestNetworkLoader(t *testing.T) {
	w := &fakeWriter{}
	idx := &fakeIndexer{}
	m := metrics.New()
	l := NewNetworkLoader(NetworkDeps{
		Builder:   transit.NewBuilder(domain.DefaultParams(), 2, discardLogger()),
		Graph:     w,
		Index:     idx,
		BatchSize: 50,
		Metrics:   m,
		Logger:    discardLogger(),
	})

	rep, err := l.Load(context.Background(), writeFeed(t))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Stops.Inserted != 2 || rep.Stops.Dropped != 1 || rep.Connections != 1 {
		t.Errorf("report = %+v", rep)
	}
	if w.saved == nil || len(w.saved.Stops) != 2 {
		t.Fatalf("network not saved: %+v", w.saved)
	}
	if len(idx.stops) != 2 || idx.batch != 50 {
		t.Errorf("indexer got %d stops batch %d", len(idx.stops), idx.batch)
	}
	if got := testutil.ToFloat64(m.Rows.WithLabelValues("gtfs_stops", metrics.OutcomeDropped)); got != 1 {
		t.Errorf("dropped stop metric = %v", got)
	}
}

func TestNetworkLoader_SaveFailureSkipsIndex(t *testing.T) {
	w := &fakeWriter{err: errors.New("neo4j down")}
	idx := &fakeIndexer{}
	l := NewNetworkLoader(NetworkDeps{
		Builder: transit.NewBuilder(domain.DefaultParams(), 1, discardLogger()),
		Graph:   w,
		Index:   idx,
		Logger:  discardLogger(),
	})
	if _, err := l.Load(context.Background(), writeFeed(t)); err == nil {
		t.Fatal("expected error")
	}
	if idx.stops != nil {
		t.Error("index must not be loaded after a failed save")
	}
}

func TestNetworkLoader_MissingFeed(t *testing.T) {
	l := NewNetworkLoader(NetworkDeps{
		Builder: transit.NewBuilder(domain.DefaultParams(), 1, discardLogger()),
		Graph:   &fakeWriter{},
	})
	if _, err := l.Load(context.Background(), filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatal("expected error for missing feed")
	}
}
