package chromedpextractor

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/sitelens/sitelens/internal/analyzer"
)

// censusJS walks the rendered DOM inside the page and returns the raw
// material the signal derivations work from. It never throws: a page with no
// styled elements yields empty arrays.
//
//go:embed census.js
var censusJS string

// Caps applied while deriving signals from the census. The page-side script
// bounds its own scan too; these guard against a hostile or broken page
// handing back oversized arrays.
const (
	maxColors     = 512
	maxFamilies   = 64
	maxFontSizes  = 512
	maxCTAs       = 50
	maxCTATextLen = 120
)

// census is the raw DOM snapshot produced by censusJS.
type census struct {
	Colors       []string    `json:"colors"`
	FontFamilies []string    `json:"fontFamilies"`
	FontSizes    []float64   `json:"fontSizes"`
	ElementCount int         `json:"elementCount"`
	CTAs         []censusCTA `json:"ctas"`
}

type censusCTA struct {
	Text     string `json:"text"`
	IsButton bool   `json:"isButton"`
}

// deriveSignals turns the census into ExtractedSignals. The four signal
// groups are independent reads of the same snapshot, so they run
// concurrently; each writes only its own field. Duplicates survive, since
// normalization beyond trimming and caps is the scoring engine's job.
func deriveSignals(ctx context.Context, c census) (analyzer.ExtractedSignals, error) {
	var sig analyzer.ExtractedSignals
	g, gCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		sig.Colors = deriveColors(c.Colors)
		return gCtx.Err()
	})
	g.Go(func() error {
		sig.Typography = deriveTypography(c.FontFamilies, c.FontSizes)
		return gCtx.Err()
	})
	g.Go(func() error {
		sig.ElementCount = deriveElementCount(c.ElementCount)
		return gCtx.Err()
	})
	g.Go(func() error {
		sig.CTAs = deriveCTAs(c.CTAs)
		return gCtx.Err()
	})
	if err := g.Wait(); err != nil {
		return analyzer.ExtractedSignals{}, fmt.Errorf("deriving signals: %w", err)
	}
	return sig, nil
}

func deriveColors(raw []string) []string {
	colors := make([]string, 0, min(len(raw), maxColors))
	for _, c := range raw {
		if len(colors) >= maxColors {
			break
		}
		colors = append(colors, strings.TrimSpace(c))
	}
	return colors
}

func deriveTypography(rawFamilies []string, rawSizes []float64) analyzer.Typography {
	t := analyzer.Typography{
		FontFamilies: make([]string, 0, min(len(rawFamilies), maxFamilies)),
		FontSizes:    make([]float64, 0, min(len(rawSizes), maxFontSizes)),
	}
	for _, f := range rawFamilies {
		if len(t.FontFamilies) >= maxFamilies {
			break
		}
		t.FontFamilies = append(t.FontFamilies, strings.Trim(strings.TrimSpace(f), `"'`))
	}
	for _, s := range rawSizes {
		if len(t.FontSizes) >= maxFontSizes {
			break
		}
		t.FontSizes = append(t.FontSizes, s)
	}
	return t
}

func deriveElementCount(raw int) int {
	if raw < 0 {
		return 0
	}
	return raw
}

func deriveCTAs(raw []censusCTA) []analyzer.CTA {
	ctas := make([]analyzer.CTA, 0, min(len(raw), maxCTAs))
	for _, c := range raw {
		if len(ctas) >= maxCTAs {
			break
		}
		text := strings.TrimSpace(c.Text)
		if len(text) > maxCTATextLen {
			text = text[:maxCTATextLen]
		}
		ctas = append(ctas, analyzer.CTA{Text: text, IsButton: c.IsButton})
	}
	return ctas
}
