// Package normalize maps complaint files in either known CSV layout onto the
// canonical complaint model.
package normalize

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/riomobi/transitrisk/engine/domain"
	"github.com/riomobi/transitrisk/pkg/fn"
)

// Format identifies a complaint file layout.
type Format int

const (
	FormatUnknown Format = iota
	// FormatCanonical carries a protocol column and every canonical field.
	FormatCanonical
	// FormatLegacy carries id_chamado/data_inicio/categoria and lacks the
	// status, criticality, description and neighborhood columns.
	FormatLegacy
)

func (f Format) String() string {
	switch f {
	case FormatCanonical:
		return "canonical"
	case FormatLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// Canonical column names.
const (
	ColProtocol     = "protocolo"
	ColOpenedAt     = "data_abertura"
	ColService      = "servico"
	ColDescription  = "descricao"
	ColStatus       = "status"
	ColLatitude     = "latitude"
	ColLongitude    = "longitude"
	ColCriticality  = "criticidade"
	ColNeighborhood = "bairro"
)

var required = []string{ColProtocol, ColOpenedAt, ColService, ColLatitude, ColLongitude}

// legacyRename maps legacy headers onto canonical ones.
var legacyRename = map[string]string{
	"id_chamado":  ColProtocol,
	"data_inicio": ColOpenedAt,
	"categoria":   ColService,
}

// legacyDefaults backfills columns absent from legacy files.
var legacyDefaults = map[string]string{
	ColStatus:       "Aberto",
	ColCriticality:  "Baixa",
	ColDescription:  "",
	ColNeighborhood: "",
}

// englishAliases lets canonical files use English headers.
var englishAliases = map[string]string{
	"protocol":     ColProtocol,
	"opened_at":    ColOpenedAt,
	"category":     ColService,
	"description":  ColDescription,
	"lat":          ColLatitude,
	"lon":          ColLongitude,
	"criticality":  ColCriticality,
	"neighborhood": ColNeighborhood,
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04:05",
	"02/01/2006 15:04",
	"02/01/2006",
}

// DetectFormat inspects a header row.
func DetectFormat(header []string) (Format, error) {
	has := func(col string) bool {
		for _, h := range header {
			if strings.EqualFold(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), col) {
				return true
			}
		}
		return false
	}
	switch {
	case has(ColProtocol) || has("protocol"):
		return FormatCanonical, nil
	case has("id_chamado"):
		return FormatLegacy, nil
	}
	return FormatUnknown, fmt.Errorf("%w: unknown complaint layout, columns %v", domain.ErrSchema, header)
}

// Normalizer converts raw rows into complaints.
type Normalizer struct {
	vocab domain.Vocabulary
	now   func() time.Time
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithClock sets the clock used for empty opened_at values and imported_at.
func WithClock(now func() time.Time) Option {
	return func(n *Normalizer) { n.now = now }
}

// New creates a Normalizer over vocab.
func New(vocab domain.Vocabulary, opts ...Option) *Normalizer {
	n := &Normalizer{vocab: vocab, now: time.Now}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Header is a mapped header: canonical column name to field index, with
// defaults for absent columns.
type Header struct {
	Format   Format
	index    map[string]int
	defaults map[string]string
}

// MapHeader detects the layout and maps raw headers onto canonical names.
// It fails with ErrSchema when a required column is still missing.
func MapHeader(raw []string) (Header, error) {
	format, err := DetectFormat(raw)
	if err != nil {
		return Header{}, err
	}
	h := Header{Format: format, index: make(map[string]int, len(raw)), defaults: map[string]string{}}
	for i, col := range raw {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(col, "\ufeff")))
		if format == FormatLegacy {
			if to, ok := legacyRename[name]; ok {
				name = to
			}
		} else if to, ok := englishAliases[name]; ok {
			name = to
		}
		if _, dup := h.index[name]; !dup {
			h.index[name] = i
		}
	}
	if format == FormatLegacy {
		for col, def := range legacyDefaults {
			if _, ok := h.index[col]; !ok {
				h.defaults[col] = def
			}
		}
	}
	var missing []string
	for _, col := range required {
		if _, ok := h.index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return Header{}, domain.SchemaError(missing)
	}
	return h, nil
}

// Get returns the value of a canonical column in rec, or its default.
func (h Header) Get(rec []string, col string) (string, bool) {
	if i, ok := h.index[col]; ok {
		if i < len(rec) {
			return strings.TrimSpace(rec[i]), true
		}
		return "", true
	}
	v, ok := h.defaults[col]
	return v, ok
}

// Read parses a whole complaint file. A header that cannot be mapped is
// fatal and returned as error; row failures are returned as Results.
func (n *Normalizer) Read(r io.Reader) (Format, []fn.Result[domain.Complaint], error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	head, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return FormatUnknown, nil, fmt.Errorf("normalize: read: %w: empty file", domain.ErrSchema)
	}
	if err != nil {
		return FormatUnknown, nil, fmt.Errorf("normalize: read header: %w", err)
	}
	h, err := MapHeader(head)
	if err != nil {
		return FormatUnknown, nil, fmt.Errorf("normalize: %w", err)
	}

	var out []fn.Result[domain.Complaint]
	line := 1
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			out = append(out, fn.Err[domain.Complaint](domain.NewRecordError("row", strconv.Itoa(line), "", err)))
			continue
		}
		out = append(out, n.Row(h, rec))
	}
	return h.Format, out, nil
}

// Row normalizes one record.
func (n *Normalizer) Row(h Header, rec []string) fn.Result[domain.Complaint] {
	get := func(col string) string {
		v, _ := h.Get(rec, col)
		return v
	}

	protocol := get(ColProtocol)
	if protocol == "" {
		return fn.Err[domain.Complaint](domain.NewRecordError("complaint", "", ColProtocol, domain.ErrSchema))
	}

	lat, latOK := parseCoord(get(ColLatitude))
	lon, lonOK := parseCoord(get(ColLongitude))
	if !latOK || !lonOK {
		return fn.Err[domain.Complaint](domain.NewRecordError("complaint", protocol, "lat/lon",
			fmt.Errorf("%w: missing coordinate", domain.ErrGeometry)))
	}

	now := n.now()
	openedAt := now
	if raw := get(ColOpenedAt); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return fn.Err[domain.Complaint](domain.NewRecordError("complaint", protocol, ColOpenedAt, err))
		}
		openedAt = t
	}

	category := n.vocab.Category(get(ColService))
	c := domain.Complaint{
		Protocol:     protocol,
		OpenedAt:     openedAt,
		Category:     category,
		Description:  get(ColDescription),
		Status:       domain.ParseStatus(get(ColStatus)),
		Lat:          lat,
		Lon:          lon,
		Weight:       n.vocab.CategoryWeight(category),
		Criticality:  domain.ParseCriticality(get(ColCriticality)),
		Neighborhood: get(ColNeighborhood),
		ImportedAt:   now,
	}
	if err := domain.ValidateComplaint(c); err != nil {
		return fn.Err[domain.Complaint](err)
	}
	return fn.Ok(c)
}

func parseCoord(s string) (float64, bool) {
	if s == "" || strings.EqualFold(s, "nan") || strings.EqualFold(s, "null") {
		return 0, false
	}
	v, err := strconv.ParseFloat(strings.Replace(s, ",", ".", 1), 64)
	if err != nil || math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

func parseTime(s string) (time.Time, error) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparsable timestamp %q", s)
}
