package domain

import "strings"

// Category names of the fixed complaint vocabulary.
const (
	CategoryPublicSafety = "Public Safety"
	CategoryLighting     = "Public Lighting"
	CategoryRoads        = "Road Maintenance"
	CategoryCleaning     = "Urban Cleaning"
	CategoryTraffic      = "Traffic and Transport"
	CategoryOther        = "Other"
)

const (
	defaultCategoryWeight  = 0.3
	defaultCriticalityName = CriticalityLow
)

// CategoryDef is one entry of the category vocabulary. Aliases are matched
// as case-insensitive substrings of the raw service text.
type CategoryDef struct {
	Name    string   `yaml:"name" validate:"required"`
	Weight  float64  `yaml:"weight" validate:"gt=0"`
	Aliases []string `yaml:"aliases"`
}

// DefaultCategories is the built-in vocabulary in match order.
var DefaultCategories = []CategoryDef{
	{Name: CategoryPublicSafety, Weight: 1.5, Aliases: []string{"Segurança Pública"}},
	{Name: CategoryLighting, Weight: 0.6, Aliases: []string{"Iluminação Pública"}},
	{Name: CategoryRoads, Weight: 0.5, Aliases: []string{"Conservação de Vias"}},
	{Name: CategoryCleaning, Weight: 0.4, Aliases: []string{"Limpeza Urbana"}},
	{Name: CategoryTraffic, Weight: 0.8, Aliases: []string{"Trânsito e Transporte"}},
	{Name: CategoryOther, Weight: 0.3, Aliases: []string{"Outros"}},
}

// DefaultCriticalityWeights is the built-in criticality weight table.
var DefaultCriticalityWeights = map[Criticality]float64{
	CriticalityHigh:   1.5,
	CriticalityMedium: 1.0,
	CriticalityLow:    0.5,
}

// Vocabulary resolves raw complaint text onto the canonical vocabularies.
type Vocabulary struct {
	Categories         []CategoryDef
	CriticalityWeights map[Criticality]float64
}

// DefaultVocabulary returns the built-in vocabulary.
func DefaultVocabulary() Vocabulary {
	cats := make([]CategoryDef, len(DefaultCategories))
	copy(cats, DefaultCategories)
	weights := make(map[Criticality]float64, len(DefaultCriticalityWeights))
	for k, v := range DefaultCriticalityWeights {
		weights[k] = v
	}
	return Vocabulary{Categories: cats, CriticalityWeights: weights}
}

// Category returns the canonical category whose name or alias is a
// substring of service, or Other.
func (v Vocabulary) Category(service string) string {
	s := strings.ToLower(service)
	for _, c := range v.Categories {
		if c.Name == CategoryOther {
			continue
		}
		if strings.Contains(s, strings.ToLower(c.Name)) {
			return c.Name
		}
		for _, a := range c.Aliases {
			if strings.Contains(s, strings.ToLower(a)) {
				return c.Name
			}
		}
	}
	return CategoryOther
}

// CategoryWeight returns the severity weight of a canonical category.
func (v Vocabulary) CategoryWeight(category string) float64 {
	for _, c := range v.Categories {
		if c.Name == category {
			return c.Weight
		}
	}
	return defaultCategoryWeight
}

// CriticalityWeight returns the weight of c, falling back to Low.
func (v Vocabulary) CriticalityWeight(c Criticality) float64 {
	if w, ok := v.CriticalityWeights[c]; ok {
		return w
	}
	return v.CriticalityWeights[defaultCriticalityName]
}

// ParseCriticality trims and title-cases raw, accepting English and
// Portuguese names. Anything else is Low.
func ParseCriticality(raw string) Criticality {
	switch titleCase(strings.TrimSpace(raw)) {
	case "High", "Alta":
		return CriticalityHigh
	case "Medium", "Média", "Media":
		return CriticalityMedium
	default:
		return CriticalityLow
	}
}

// ParseStatus maps English and Portuguese status names. Unknown values are
// Open.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "in progress", "em atendimento", "em andamento":
		return StatusInProgress
	case "closed", "fechado", "concluído", "concluido", "encerrado":
		return StatusClosed
	default:
		return StatusOpen
	}
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	r := []rune(strings.ToLower(s))
	r[0] = []rune(strings.ToUpper(string(r[0])))[0]
	return string(r)
}
