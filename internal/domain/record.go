package domain

import (
	"fmt"
	"strings"
	"time"
)

type Category string

const (
	CategoryNews     Category = "news"
	CategoryWeather  Category = "weather"
	CategoryMarkets  Category = "markets"
	CategorySports   Category = "sports"
	CategoryHolidays Category = "holidays"
	CategoryQuote    Category = "quote"
)

var categories = []Category{CategoryNews, CategoryWeather, CategoryMarkets, CategorySports, CategoryHolidays, CategoryQuote}

func Categories() []Category {
	out := make([]Category, len(categories))
	copy(out, categories)
	return out
}

func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range categories {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("invalid category %q", s)
}

// Variant is a narration style. Shared records fan out into one record per variant.
type Variant string

const (
	VariantWarm      Variant = "warm"
	VariantEnergetic Variant = "energetic"
	VariantConcise   Variant = "concise"
)

func DefaultVariants() []Variant {
	return []Variant{VariantWarm, VariantEnergetic, VariantConcise}
}

func ParseVariant(s string) (Variant, error) {
	v := Variant(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range DefaultVariants() {
		if v == known {
			return v, nil
		}
	}
	return "", fmt.Errorf("invalid variant %q", s)
}

type ContentRecord struct {
	ID                   string         `json:"id"`
	OwnerID              *string        `json:"owner_id,omitempty"`
	Category             Category       `json:"category" enum:"news,weather,markets,sports,holidays,quote"`
	TargetDate           string         `json:"target_date" format:"date"`
	Priority             int            `json:"priority"`
	Content              string         `json:"content,omitempty"`
	Script               string         `json:"script,omitempty"`
	AudioURL             string         `json:"audio_url,omitempty"`
	AudioDurationSeconds float64        `json:"audio_duration_seconds,omitempty"`
	Variant              *Variant       `json:"variant,omitempty" enum:"warm,energetic,concise"`
	Status               Status         `json:"status"`
	RetryCount           int            `json:"retry_count"`
	LastError            string         `json:"last_error,omitempty"`
	LineageID            string         `json:"lineage_id"`
	CreatedAt            string         `json:"created_at" format:"date-time"`
	UpdatedAt            string         `json:"updated_at" format:"date-time"`
	ShapedAt             *string        `json:"shaped_at,omitempty" format:"date-time"`
	NarratedAt           *string        `json:"narrated_at,omitempty" format:"date-time"`
	SynthesizedAt        *string        `json:"synthesized_at,omitempty" format:"date-time"`
	ExpiresAt            *string        `json:"expires_at,omitempty" format:"date-time"`
	Parameters           map[string]any `json:"parameters,omitempty"`
}

// Shared reports whether the record has no owner and is served to every consumer.
func (r ContentRecord) Shared() bool {
	return r.OwnerID == nil || strings.TrimSpace(*r.OwnerID) == ""
}

func (r ContentRecord) VariantOrEmpty() Variant {
	if r.Variant == nil {
		return ""
	}
	return *r.Variant
}

// Param returns a string parameter, trimmed. Non-string values yield "".
func (r ContentRecord) Param(key string) string {
	if r.Parameters == nil {
		return ""
	}
	s, _ := r.Parameters[key].(string)
	return strings.TrimSpace(s)
}

// Expired reports whether the record's expiry is at or before now.
func (r ContentRecord) Expired(now time.Time) bool {
	if r.ExpiresAt == nil {
		return false
	}
	exp, err := ParseTime(*r.ExpiresAt)
	if err != nil {
		return false
	}
	return !exp.After(now)
}

// TimeLayout is fixed width so stored timestamps sort lexically.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

// ParseTime accepts TimeLayout and any RFC3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	t, err := time.Parse(TimeLayout, s)
	if err == nil {
		return t, nil
	}
	t, err = time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t.UTC(), nil
}

// NormalizeTime rewrites an RFC3339 timestamp into TimeLayout.
func NormalizeTime(s string) (string, error) {
	t, err := ParseTime(s)
	if err != nil {
		return "", err
	}
	return FormatTime(t), nil
}

// NextStamp returns now, or the instant one nanosecond after the latest of
// the given timestamps when now does not come strictly after it.
func NextStamp(now time.Time, after ...string) time.Time {
	now = now.UTC()
	for _, s := range after {
		if s == "" {
			continue
		}
		prev, err := ParseTime(s)
		if err != nil {
			continue
		}
		if !now.After(prev) {
			now = prev.Add(time.Nanosecond).UTC()
		}
	}
	return now
}
