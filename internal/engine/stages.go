package engine

import (
	"context"
	"fmt"
	"strings"

	"briefcast/internal/capability"
	"briefcast/internal/domain"
	"briefcast/internal/events"
	"briefcast/internal/retry"
)

// runShape turns parameters.source into cleaned, summarized content.
func (e Engine) runShape(ctx context.Context, def domain.StageDef, rec domain.ContentRecord) outcome {
	raw := rec.Param("source")
	if raw == "" {
		return e.failRecord(ctx, def, rec, ValidationError{Field: "parameters.source"})
	}
	source, err := capability.CleanSource(raw)
	if err != nil {
		return e.failRecord(ctx, def, rec, ValidationError{Field: "parameters.source", Reason: err.Error()})
	}
	if source == "" {
		return e.failRecord(ctx, def, rec, ValidationError{Field: "parameters.source", Reason: "no text after cleaning"})
	}
	content, err := retry.Do(ctx, e.policy("textgen", rec.ID), func(ctx context.Context) (string, error) {
		return e.generate(ctx, shapePrompt(rec, source))
	})
	if err != nil {
		return e.failRecord(ctx, def, rec, err)
	}
	return e.complete(ctx, def, rec, map[string]any{"content": content}, nil)
}

// runSynthesize voices the script and stores the audio.
func (e Engine) runSynthesize(ctx context.Context, def domain.StageDef, rec domain.ContentRecord) outcome {
	script := strings.TrimSpace(rec.Script)
	if script == "" {
		return e.failRecord(ctx, def, rec, ValidationError{Field: "script"})
	}
	cfg := e.config()
	variant := rec.VariantOrEmpty()
	if variant == "" {
		variant = cfg.Pipeline.Default()
	}
	voice := cfg.TTS.Voice(variant, cfg.Pipeline.Default())
	if voice == "" {
		return e.failRecord(ctx, def, rec, ValidationError{Field: "variant", Reason: fmt.Sprintf("no voice configured for %s", variant)})
	}
	format := cfg.TTS.Format
	if format == "" {
		format = "mp3"
	}

	audio, err := retry.Do(ctx, e.policy("speech", rec.ID), func(ctx context.Context) (capability.Audio, error) {
		return e.synthesize(ctx, capability.SpeechRequest{Text: script, Voice: voice, Format: format})
	})
	if err != nil {
		return e.failRecord(ctx, def, rec, err)
	}
	key := fmt.Sprintf("%s/%s/%s-%s.%s", rec.TargetDate, rec.Category, rec.ID, variant, format)
	audioURL, err := retry.Do(ctx, e.policy("storage", rec.ID), func(ctx context.Context) (string, error) {
		return e.store(ctx, key, audio)
	})
	if err != nil {
		return e.failRecord(ctx, def, rec, err)
	}
	duration := audio.DurationSeconds
	if duration <= 0 {
		duration = capability.EstimateDuration(script, cfg.TTS.WordsPerMinute)
	}
	return e.complete(ctx, def, rec, map[string]any{
		"audio_url":              audioURL,
		"audio_duration_seconds": duration,
		"variant":                string(variant),
	}, events.Metadata{
		"variant":   string(variant),
		"voice":     voice,
		"bytes":     len(audio.Data),
		"audio_key": key,
		"audio_url": audioURL,
	})
}

// runNarrate writes a script for an owner's record, or fans a shared record
// out into one record per configured variant.
func (e Engine) runNarrate(ctx context.Context, def domain.StageDef, rec domain.ContentRecord) outcome {
	if strings.TrimSpace(rec.Content) == "" {
		return e.failRecord(ctx, def, rec, ValidationError{Field: "content"})
	}
	if rec.Shared() {
		return e.fanOut(ctx, def, rec)
	}
	variant := e.ownerVariant(rec)
	script, err := e.narrateVariant(ctx, rec, variant)
	if err != nil {
		return e.failRecord(ctx, def, rec, err)
	}
	return e.complete(ctx, def, rec, map[string]any{
		"script":  script,
		"variant": string(variant),
	}, events.Metadata{"variant": string(variant)})
}

// ownerVariant is the owner's designated variant from parameters.variant,
// falling back to the configured default.
func (e Engine) ownerVariant(rec domain.ContentRecord) domain.Variant {
	if v := rec.VariantOrEmpty(); v != "" {
		return v
	}
	if v, err := domain.ParseVariant(rec.Param("variant")); err == nil {
		return v
	}
	return e.config().Pipeline.Default()
}

func (e Engine) narrateVariant(ctx context.Context, rec domain.ContentRecord, v domain.Variant) (string, error) {
	return retry.Do(ctx, e.policy("textgen", rec.ID), func(ctx context.Context) (string, error) {
		return e.generate(ctx, narratePrompt(rec, v))
	})
}
