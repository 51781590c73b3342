// Package config loads runtime configuration from the environment (optionally
// .env) and an optional YAML weights file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/riomobi/transitrisk/engine/domain"
)

const (
	defaultNeo4jURI         = "neo4j://localhost:7687"
	defaultNATSURL          = "nats://localhost:4222"
	defaultQdrantAddr       = "localhost:6334"
	defaultQdrantCollection = "stops"
	defaultBadgerPath       = "data/complaints"
	defaultGTFSDir          = "data/gtfs"
	defaultComplaintsFile   = "data/complaints.csv"
	defaultComplaintsInbox  = "data/inbox"
	defaultAPIPort          = 8080
	defaultMetricsPort      = 9090
	defaultCORSOrigin       = "*"
)

// Config holds runtime configuration for every binary.
type Config struct {
	Neo4jURI      string `validate:"required"`
	Neo4jUser     string
	Neo4jPassword string

	// GraphWritesPerSecond paces bulk graph statements. Zero disables pacing.
	GraphWritesPerSecond float64 `validate:"gte=0"`

	DocStore    string `validate:"oneof=postgres badger"`
	DatabaseURL string `validate:"required_if=DocStore postgres"`
	BadgerPath  string `validate:"required_if=DocStore badger"`

	NATSURL string `validate:"required"`

	SpatialIndex     string `validate:"oneof=grid qdrant"`
	QdrantAddr       string `validate:"required_if=SpatialIndex qdrant"`
	QdrantCollection string `validate:"required_if=SpatialIndex qdrant"`

	GTFSDir         string
	ComplaintsFile  string
	ComplaintsInbox string

	APIPort     int `validate:"min=1,max=65535"`
	MetricsPort int `validate:"min=1,max=65535"`
	CORSOrigin  string

	BatchSize           int     `validate:"gt=0"`
	AffectsRadiusMeters float64 `validate:"gt=0"`
	RiskTierPolicy      string  `validate:"oneof=thirds thresholds"`

	WeightsFile string
	Weights     *Weights `validate:"omitempty"`
}

// Weights is the YAML override of the vocabulary weight tables and the
// clustering and tier thresholds. Zero fields keep their defaults.
type Weights struct {
	Categories  []domain.CategoryDef `yaml:"categories" validate:"omitempty,dive"`
	Criticality map[string]float64   `yaml:"criticality" validate:"omitempty,dive,keys,oneof=High Medium Low,endkeys,gt=0"`
	Cluster     struct {
		RadiusMeters float64       `yaml:"radius_meters" validate:"gte=0"`
		Window       time.Duration `yaml:"window" validate:"gte=0"`
	} `yaml:"cluster"`
	Tiers struct {
		HighRawSum   float64 `yaml:"high_raw_sum" validate:"gte=0"`
		MediumRawSum float64 `yaml:"medium_raw_sum" validate:"gte=0"`
	} `yaml:"tiers"`
}

var validate = validator.New()

// Load reads configuration from environment variables (optionally .env),
// applies the weights file when WEIGHTS_FILE is set, and validates the result.
func Load() (Config, error) {
	_ = godotenv.Load(".env")
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv without touching .env.
func FromEnv(getenv func(string) string) (Config, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}
	defaults := domain.DefaultParams()

	cfg := Config{
		Neo4jURI:         get("NEO4J_URI", defaultNeo4jURI),
		Neo4jUser:        get("NEO4J_USER", "neo4j"),
		Neo4jPassword:    get("NEO4J_PASSWORD", ""),
		DocStore:         get("DOCSTORE", "postgres"),
		DatabaseURL:      get("DATABASE_URL", ""),
		BadgerPath:       get("BADGER_PATH", defaultBadgerPath),
		NATSURL:          get("NATS_URL", defaultNATSURL),
		SpatialIndex:     get("SPATIAL_INDEX", "grid"),
		QdrantAddr:       get("QDRANT_ADDR", defaultQdrantAddr),
		QdrantCollection: get("QDRANT_COLLECTION", defaultQdrantCollection),
		GTFSDir:          get("GTFS_DIR", defaultGTFSDir),
		ComplaintsFile:   get("COMPLAINTS_FILE", defaultComplaintsFile),
		ComplaintsInbox:  get("COMPLAINTS_INBOX", defaultComplaintsInbox),
		CORSOrigin:       get("CORS_ORIGIN", defaultCORSOrigin),
		RiskTierPolicy:   get("RISK_TIER_POLICY", defaults.TierPolicy),
		WeightsFile:      get("WEIGHTS_FILE", ""),
	}

	var err error
	if cfg.APIPort, err = intVar(getenv, "API_PORT", defaultAPIPort); err != nil {
		return cfg, err
	}
	if cfg.MetricsPort, err = intVar(getenv, "METRICS_PORT", defaultMetricsPort); err != nil {
		return cfg, err
	}
	if cfg.BatchSize, err = intVar(getenv, "BATCH_SIZE", defaults.BatchSize); err != nil {
		return cfg, err
	}
	cfg.AffectsRadiusMeters = defaults.AffectsRadiusMeters
	if v := strings.TrimSpace(getenv("MAX_DISTANCE_AFFECTS_METERS")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid MAX_DISTANCE_AFFECTS_METERS: %w", err)
		}
		cfg.AffectsRadiusMeters = f
	}

	if v := strings.TrimSpace(getenv("GRAPH_WRITES_PER_SECOND")); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return cfg, fmt.Errorf("config: invalid GRAPH_WRITES_PER_SECOND: %w", err)
		}
		cfg.GraphWritesPerSecond = f
	}

	if cfg.WeightsFile != "" {
		w, err := LoadWeights(cfg.WeightsFile)
		if err != nil {
			return cfg, err
		}
		cfg.Weights = w
	}

	if err := validate.Struct(cfg); err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadWeights reads and validates a YAML weights file.
func LoadWeights(path string) (*Weights, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read weights: %w", err)
	}
	var w Weights
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("config: parse weights %s: %w", path, err)
	}
	if err := validate.Struct(w); err != nil {
		return nil, fmt.Errorf("config: weights %s: %w", path, err)
	}
	return &w, nil
}

// Params returns the algorithm parameters for this configuration.
func (c Config) Params() domain.Params {
	p := domain.DefaultParams()
	p.BatchSize = c.BatchSize
	p.AffectsRadiusMeters = c.AffectsRadiusMeters
	p.TierPolicy = c.RiskTierPolicy
	if c.Weights != nil {
		c.Weights.apply(&p)
	}
	return p
}

func (w *Weights) apply(p *domain.Params) {
	if len(w.Categories) > 0 {
		cats := make([]domain.CategoryDef, len(w.Categories))
		copy(cats, w.Categories)
		p.Vocabulary.Categories = cats
	}
	for name, weight := range w.Criticality {
		p.Vocabulary.CriticalityWeights[domain.Criticality(name)] = weight
	}
	if w.Cluster.RadiusMeters > 0 {
		p.ClusterRadiusMeters = w.Cluster.RadiusMeters
	}
	if w.Cluster.Window > 0 {
		p.ClusterWindow = w.Cluster.Window
	}
	if w.Tiers.HighRawSum > 0 {
		p.TierHighRawSum = w.Tiers.HighRawSum
	}
	if w.Tiers.MediumRawSum > 0 {
		p.TierMediumRawSum = w.Tiers.MediumRawSum
	}
}

// APIAddr is the listen address of the query API.
func (c Config) APIAddr() string { return fmt.Sprintf(":%d", c.APIPort) }

// MetricsAddr is the listen address of the metrics server.
func (c Config) MetricsAddr() string { return fmt.Sprintf(":%d", c.MetricsPort) }

func intVar(getenv func(string) string, key string, fallback int) (int, error) {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: invalid %s: %w", key, err)
	}
	return n, nil
}
