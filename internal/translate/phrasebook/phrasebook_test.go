package phrasebook

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/linnemanlabs/roadwatch/internal/compose"
	"github.com/linnemanlabs/roadwatch/internal/incident"
)

func canonical() string {
	return compose.Canonical(&incident.Incident{
		SourceID:        "cam-7",
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Location:        &incident.Location{Lat: 6.9271, Lon: 79.8612},
		ResolvedAddress: &incident.Address{Formatted: "Galle Road, Colombo"},
		Severity:        incident.SeverityCritical,
		Confidence:      0.93,
		EvidenceCount:   5,
	})
}

func TestTranslate_AllTables(t *testing.T) {
	t.Parallel()

	src := canonical()
	tr := New()
	for _, lang := range tr.Languages() {
		t.Run(lang, func(t *testing.T) {
			t.Parallel()
			out, err := tr.Translate(context.Background(), src, lang)
			if err != nil {
				t.Fatalf("Translate: %v", err)
			}
			if strings.Count(out, "\n") != strings.Count(src, "\n") {
				t.Errorf("line count changed:\n%s", out)
			}
			// free text and numbers survive
			for _, keep := range []string{"Galle Road, Colombo", "cam-7", "6.927100, 79.861200", "93.0%", "https://www.openstreetmap.org/"} {
				if !strings.Contains(out, keep) {
					t.Errorf("%s output lost %q:\n%s", lang, keep, out)
				}
			}
			if lang == compose.CanonicalLanguage {
				if out != src {
					t.Error("canonical language altered")
				}
				return
			}
			for _, gone := range []string{compose.PhraseHeadline, compose.PhraseCallToAction, "Severity: ", "CRITICAL"} {
				if strings.Contains(out, gone) {
					t.Errorf("%s output still has %q:\n%s", lang, gone, out)
				}
			}
		})
	}
}

func TestTranslate_Spanish(t *testing.T) {
	t.Parallel()

	out, err := New().Translate(context.Background(), canonical(), "es")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	for _, want := range []string{
		"ACCIDENTE DE TRÁFICO DETECTADO",
		"Ubicación: Galle Road, Colombo",
		"Gravedad: CRÍTICO",
		"Fotogramas de evidencia: 5",
		"SE REQUIERE RESPUESTA INMEDIATA",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in:\n%s", want, out)
		}
	}
}

func TestTranslate_ChineseColonAndUnknownLocation(t *testing.T) {
	t.Parallel()

	src := compose.Canonical(&incident.Incident{Severity: incident.SeverityLow})
	out, err := New().Translate(context.Background(), src, "zh")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if !strings.Contains(out, "位置：未知位置") {
		t.Errorf("missing translated unknown location:\n%s", out)
	}
	if !strings.Contains(out, "严重程度：低") {
		t.Errorf("missing translated severity:\n%s", out)
	}
}

func TestTranslate_UnsupportedLanguage(t *testing.T) {
	t.Parallel()

	_, err := New().Translate(context.Background(), "x", "fr")
	if !errors.Is(err, compose.ErrTranslationUnavailable) {
		t.Errorf("err = %v, want ErrTranslationUnavailable", err)
	}
}

func TestTranslate_Deterministic(t *testing.T) {
	t.Parallel()

	a, _ := New().Translate(context.Background(), canonical(), "ar")
	b, _ := New().Translate(context.Background(), canonical(), "ar")
	if a != b {
		t.Error("translation is not deterministic")
	}
}
