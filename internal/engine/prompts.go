package engine

import (
	"fmt"
	"strings"

	"briefcast/internal/capability"
	"briefcast/internal/domain"
)

var categoryBriefs = map[domain.Category]string{
	domain.CategoryNews:     "the day's top news stories",
	domain.CategoryWeather:  "the local weather outlook",
	domain.CategoryMarkets:  "how the financial markets are moving",
	domain.CategorySports:   "the latest sports results and fixtures",
	domain.CategoryHolidays: "holidays and observances falling on this date",
	domain.CategoryQuote:    "a quote of the day and a line on why it resonates",
}

var variantStyles = map[domain.Variant]string{
	domain.VariantWarm:      "Speak like a friendly morning host: calm, kind, conversational.",
	domain.VariantEnergetic: "Speak with upbeat energy: short punchy sentences, a sense of momentum.",
	domain.VariantConcise:   "Be brief and factual: no filler, two or three sentences at most.",
}

func categoryBrief(c domain.Category) string {
	if b, ok := categoryBriefs[c]; ok {
		return b
	}
	return string(c)
}

// shapePrompt asks for a structured summary of raw source material.
func shapePrompt(rec domain.ContentRecord, source string) capability.TextRequest {
	system := "You prepare source material for a spoken daily briefing. " +
		"Extract only facts that are present in the material. Write plain prose, no markdown."
	user := fmt.Sprintf("Date: %s\nTopic: %s\n\nSummarize the material below into a short factual digest.\n\n%s",
		rec.TargetDate, categoryBrief(rec.Category), source)
	return capability.TextRequest{Messages: []capability.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}}
}

// narratePrompt asks for a script in the given variant's style.
func narratePrompt(rec domain.ContentRecord, v domain.Variant) capability.TextRequest {
	style := variantStyles[v]
	if style == "" {
		style = variantStyles[domain.VariantWarm]
	}
	var b strings.Builder
	b.WriteString("You write scripts that are read aloud by a text-to-speech voice. ")
	b.WriteString("Write only the words to be spoken: no headings, lists, stage directions or emoji. ")
	b.WriteString(style)
	if name := rec.Param("listener_name"); name != "" {
		fmt.Fprintf(&b, " Address the listener as %s.", name)
	}
	user := fmt.Sprintf("Date: %s\nTopic: %s\n\nTurn this into a spoken segment:\n\n%s",
		rec.TargetDate, categoryBrief(rec.Category), rec.Content)
	return capability.TextRequest{Messages: []capability.Message{
		{Role: "system", Content: b.String()},
		{Role: "user", Content: user},
	}}
}
