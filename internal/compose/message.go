package compose

import (
	"fmt"
	"strings"

	"github.com/linnemanlabs/roadwatch/internal/incident"
)

// CanonicalLanguage is the language the canonical message is written in.
const CanonicalLanguage = "en"

// Phrases used in the canonical message. Translators that work on the
// template rather than free text key off these.
const (
	PhraseHeadline        = "ROAD ACCIDENT DETECTED"
	PhraseCallToAction    = "IMMEDIATE RESPONSE REQUIRED"
	LabelLocation         = "Location"
	LabelCoordinates      = "Coordinates"
	LabelSource           = "Source"
	LabelTime             = "Time"
	LabelSeverity         = "Severity"
	LabelConfidence       = "Confidence"
	LabelEvidence         = "Evidence frames"
	LabelMap              = "Map"
	UnknownLocation       = "Unknown location"
	timeLayout            = "2006-01-02 15:04:05 UTC"
	openStreetMapTemplate = "https://www.openstreetmap.org/?mlat=%.6f&mlon=%.6f#map=18/%.6f/%.6f"
)

// SeverityEmoji returns the marker used in headlines for sev.
func SeverityEmoji(sev incident.Severity) string {
	switch sev {
	case incident.SeverityLow:
		return "\U0001f7e1" // yellow circle
	case incident.SeverityMedium:
		return "\U0001f7e0" // orange circle
	case incident.SeverityHigh:
		return "\U0001f534" // red circle
	case incident.SeverityCritical:
		return "\U0001f6a8" // rotating light
	default:
		return "⚠️" // warning sign
	}
}

// MapURL links to the incident location, or "" when unlocated.
func MapURL(loc *incident.Location) string {
	if loc == nil {
		return ""
	}
	return fmt.Sprintf(openStreetMapTemplate, loc.Lat, loc.Lon, loc.Lat, loc.Lon)
}

// Canonical renders the English alert for inc. The output depends only on
// the incident fields it reads, so equal incidents render identically.
func Canonical(inc *incident.Incident) string {
	emoji := SeverityEmoji(inc.Severity)
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s %s\n", emoji, PhraseHeadline, emoji)

	place := UnknownLocation
	if inc.ResolvedAddress != nil && inc.ResolvedAddress.Formatted != "" {
		place = inc.ResolvedAddress.Formatted
	}
	line(&b, LabelLocation, place)
	if inc.Location != nil {
		line(&b, LabelCoordinates, fmt.Sprintf("%.6f, %.6f", inc.Location.Lat, inc.Location.Lon))
	}
	if inc.SourceID != "" {
		line(&b, LabelSource, inc.SourceID)
	}
	line(&b, LabelTime, inc.CreatedAt.UTC().Format(timeLayout))
	line(&b, LabelSeverity, strings.ToUpper(string(inc.Severity)))
	line(&b, LabelConfidence, fmt.Sprintf("%.1f%%", inc.Confidence*100))
	line(&b, LabelEvidence, fmt.Sprintf("%d", inc.EvidenceCount))
	if u := MapURL(inc.Location); u != "" {
		line(&b, LabelMap, u)
	}
	b.WriteString(PhraseCallToAction)
	return b.String()
}

func line(b *strings.Builder, label, value string) {
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteByte('\n')
}
