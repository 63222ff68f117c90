// Package phrasebook translates the canonical alert template with fixed
// phrase tables. It needs no network and so backs up model-based translators.
// Free text inside the message (addresses, source names) is left as is.
package phrasebook

import (
	"context"
	"fmt"
	"strings"

	"github.com/linnemanlabs/roadwatch/internal/compose"
)

type table struct {
	headline, callToAction string
	unknownLocation        string
	labels                 map[string]string
	severities             map[string]string
	colon                  string
}

var tables = map[string]table{
	"es": {
		headline:        "ACCIDENTE DE TRÁFICO DETECTADO",
		unknownLocation: "Ubicación desconocida",
		callToAction:    "SE REQUIERE RESPUESTA INMEDIATA",
		colon:           ": ",
		labels: map[string]string{
			compose.LabelLocation:    "Ubicación",
			compose.LabelCoordinates: "Coordenadas",
			compose.LabelSource:      "Fuente",
			compose.LabelTime:        "Hora",
			compose.LabelSeverity:    "Gravedad",
			compose.LabelConfidence:  "Confianza",
			compose.LabelEvidence:    "Fotogramas de evidencia",
			compose.LabelMap:         "Mapa",
		},
		severities: map[string]string{"LOW": "BAJO", "MEDIUM": "MEDIO", "HIGH": "ALTO", "CRITICAL": "CRÍTICO"},
	},
	"ar": {
		headline:        "تم اكتشاف حادث مروري",
		unknownLocation: "موقع غير معروف",
		callToAction:    "مطلوب استجابة فورية",
		colon:           ": ",
		labels: map[string]string{
			compose.LabelLocation:    "الموقع",
			compose.LabelCoordinates: "الإحداثيات",
			compose.LabelSource:      "المصدر",
			compose.LabelTime:        "الوقت",
			compose.LabelSeverity:    "الخطورة",
			compose.LabelConfidence:  "الثقة",
			compose.LabelEvidence:    "إطارات الأدلة",
			compose.LabelMap:         "الخريطة",
		},
		severities: map[string]string{"LOW": "منخفض", "MEDIUM": "متوسط", "HIGH": "عالي", "CRITICAL": "حرج"},
	},
	"hi": {
		headline:        "सड़क दुर्घटना का पता चला",
		unknownLocation: "अज्ञात स्थान",
		callToAction:    "तत्काल प्रतिक्रिया आवश्यक",
		colon:           ": ",
		labels: map[string]string{
			compose.LabelLocation:    "स्थान",
			compose.LabelCoordinates: "निर्देशांक",
			compose.LabelSource:      "स्रोत",
			compose.LabelTime:        "समय",
			compose.LabelSeverity:    "गंभीरता",
			compose.LabelConfidence:  "विश्वास",
			compose.LabelEvidence:    "साक्ष्य फ्रेम",
			compose.LabelMap:         "नक्शा",
		},
		severities: map[string]string{"LOW": "कम", "MEDIUM": "मध्यम", "HIGH": "उच्च", "CRITICAL": "गंभीर"},
	},
	"zh": {
		headline:        "检测到道路事故",
		unknownLocation: "未知位置",
		callToAction:    "需要立即响应",
		colon:           "：",
		labels: map[string]string{
			compose.LabelLocation:    "位置",
			compose.LabelCoordinates: "坐标",
			compose.LabelSource:      "来源",
			compose.LabelTime:        "时间",
			compose.LabelSeverity:    "严重程度",
			compose.LabelConfidence:  "置信度",
			compose.LabelEvidence:    "证据帧数",
			compose.LabelMap:         "地图",
		},
		severities: map[string]string{"LOW": "低", "MEDIUM": "中", "HIGH": "高", "CRITICAL": "危急"},
	},
}

// Translator is a compose.Translator backed by the built-in tables.
type Translator struct{}

// New returns a phrasebook Translator.
func New() *Translator { return &Translator{} }

// Languages lists the codes with a table, plus the canonical language.
func (*Translator) Languages() []string {
	return []string{compose.CanonicalLanguage, "es", "ar", "hi", "zh"}
}

// Translate rewrites the fixed phrases of a canonical alert line by line.
func (*Translator) Translate(_ context.Context, text, lang string) (string, error) {
	if lang == compose.CanonicalLanguage {
		return text, nil
	}
	tb, ok := tables[lang]
	if !ok {
		return "", fmt.Errorf("phrasebook: %w: no table for %q", compose.ErrTranslationUnavailable, lang)
	}

	lines := strings.Split(text, "\n")
	for i, ln := range lines {
		lines[i] = tb.line(ln)
	}
	return strings.Join(lines, "\n"), nil
}

func (tb table) line(ln string) string {
	if label, value, ok := strings.Cut(ln, ": "); ok {
		if tr, known := tb.labels[label]; known {
			if label == compose.LabelSeverity {
				if sv, ok := tb.severities[value]; ok {
					value = sv
				}
			}
			if value == compose.UnknownLocation {
				value = tb.unknownLocation
			}
			return tr + tb.colon + value
		}
	}
	ln = strings.Replace(ln, compose.PhraseHeadline, tb.headline, 1)
	return strings.Replace(ln, compose.PhraseCallToAction, tb.callToAction, 1)
}
