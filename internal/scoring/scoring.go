// Package scoring turns extracted page signals into per-dimension design
// scores. Every function here is pure: identical signals always produce
// identical results, which keeps retries and tests deterministic.
package scoring

import (
	"fmt"
	"math"
	"strings"

	"github.com/sitelens/sitelens/internal/analyzer"
)

// Canonical dimension names. Overall scores always average this full set.
const (
	DimColors        = "colors"
	DimWhitespace    = "whitespace"
	DimComplexity    = "complexity"
	DimTypography    = "typography"
	DimLayout        = "layout"
	DimCTAProminence = "ctaProminence"
	DimHierarchy     = "hierarchy"
)

// PlaceholderScore is assigned to dimensions the extractor cannot measure
// yet (whitespace, layout, hierarchy). They still participate in the overall
// mean so reports stay comparable across versions.
const PlaceholderScore = 75

var dimensionOrder = []string{
	DimColors,
	DimWhitespace,
	DimComplexity,
	DimTypography,
	DimLayout,
	DimCTAProminence,
	DimHierarchy,
}

var actionVerbs = []string{"free", "start", "get", "try"}

// Dimensions returns the canonical evaluation order.
func Dimensions() []string {
	out := make([]string, len(dimensionOrder))
	copy(out, dimensionOrder)
	return out
}

// Score evaluates a single dimension against the signals. Unmeasured
// dimensions receive the placeholder score with a generic finding, never a
// missing entry.
func Score(dimension string, sig analyzer.ExtractedSignals) analyzer.DimensionResult {
	switch dimension {
	case DimColors:
		return Colors(sig.Colors)
	case DimTypography:
		return Typography(sig.Typography)
	case DimCTAProminence:
		return CTAs(sig.CTAs)
	case DimComplexity:
		return Complexity(sig.ElementCount)
	default:
		return placeholder(dimension)
	}
}

// Evaluate scores every dimension in canonical order.
func Evaluate(sig analyzer.ExtractedSignals) map[string]analyzer.DimensionResult {
	results := make(map[string]analyzer.DimensionResult, len(dimensionOrder))
	for _, dim := range dimensionOrder {
		results[dim] = Score(dim, sig)
	}
	return results
}

// Overall computes round(mean) over the full dimension set. A dimension
// missing from results counts as the placeholder score.
func Overall(results map[string]analyzer.DimensionResult) int {
	sum := 0
	for _, dim := range dimensionOrder {
		if res, ok := results[dim]; ok {
			sum += res.Score
		} else {
			sum += PlaceholderScore
		}
	}
	mean := float64(sum) / float64(len(dimensionOrder))
	return clamp(int(math.Round(mean)))
}

// Colors scores the palette by the number of distinct non-empty colors.
func Colors(raw []string) analyzer.DimensionResult {
	unique := dedupeColors(raw)
	n := len(unique)

	var (
		score   int
		finding string
	)
	switch {
	case n == 0:
		score = 60
		finding = "no colors could be sampled from the page"
	case n == 1:
		score = 50
		finding = "a single color dominates; contrast and accents are missing"
	case n >= 3 && n <= 5:
		score = 85
		finding = fmt.Sprintf("%d distinct colors form a focused palette", n)
	case n == 2 || n == 6 || n == 7:
		score = 75
		finding = fmt.Sprintf("palette of %d colors is workable but could be tightened", n)
	case n <= 10:
		score = 60
		finding = fmt.Sprintf("%d distinct colors dilute the visual identity", n)
	default:
		score = 45
		finding = fmt.Sprintf("%d distinct colors make the page feel noisy", n)
	}

	return analyzer.DimensionResult{
		Score:    clamp(score),
		Findings: []string{finding},
		Data: map[string]any{
			"unique_colors": unique,
			"count":         n,
		},
	}
}

// Typography scores font family discipline and minimum text size. The base
// is 60; family and size bonuses are added on top.
func Typography(t analyzer.Typography) analyzer.DimensionResult {
	families := dedupeFold(t.FontFamilies)
	minSize, maxSize := sizeExtremes(t.FontSizes)

	score := 60
	findings := make([]string, 0, 2)

	switch n := len(families); {
	case n == 0:
		findings = append(findings, "no font families detected")
	case n == 1:
		score += 15
		findings = append(findings, "a single font family keeps typography consistent")
	case n == 2:
		score += 25
		findings = append(findings, "two font families give a clear heading/body split")
	case n == 3:
		score += 15
		findings = append(findings, "three font families are at the upper bound of consistency")
	default:
		score -= 10
		findings = append(findings, fmt.Sprintf("%d font families fragment the typographic voice", n))
	}

	switch {
	case minSize >= 16:
		score += 15
		findings = append(findings, fmt.Sprintf("smallest text is %gpx, comfortably readable", minSize))
	case minSize >= 14:
		score += 10
		findings = append(findings, fmt.Sprintf("smallest text is %gpx, acceptable for secondary copy", minSize))
	case minSize >= 12:
		findings = append(findings, fmt.Sprintf("smallest text is %gpx, borderline for body copy", minSize))
	default:
		score -= 10
		findings = append(findings, fmt.Sprintf("smallest text is %gpx, below comfortable reading size", minSize))
	}

	return analyzer.DimensionResult{
		Score:    clamp(score),
		Findings: findings,
		Data: map[string]any{
			"families":     families,
			"family_count": len(families),
			"min_size":     minSize,
			"max_size":     maxSize,
		},
	}
}

// CTAs scores call-to-action presence and prominence.
func CTAs(ctas []analyzer.CTA) analyzer.DimensionResult {
	total := len(ctas)
	buttons := 0
	actionVerb := false
	for _, c := range ctas {
		if c.IsButton {
			buttons++
		}
		if hasActionVerb(c.Text) {
			actionVerb = true
		}
	}

	var score int
	switch {
	case total == 0:
		score = 30
	case total == 1:
		score = 75
	case total <= 3:
		score = 90
	case total <= 5:
		score = 75
	default:
		score = 55
	}
	if buttons > 0 {
		score += 10
	}

	findings := make([]string, 0, 3)
	switch {
	case total == 0:
		findings = append(findings, "no call-to-action elements found")
	default:
		findings = append(findings, fmt.Sprintf("%d calls to action (%d buttons, %d links)", total, buttons, total-buttons))
	}
	if actionVerb {
		findings = append(findings, "CTA copy uses action verbs")
	}

	return analyzer.DimensionResult{
		Score:    clamp(score),
		Findings: findings,
		Data: map[string]any{
			"total":       total,
			"buttons":     buttons,
			"links":       total - buttons,
			"action_verb": actionVerb,
		},
	}
}

// Complexity scores the DOM element count against banded thresholds.
func Complexity(elementCount int) analyzer.DimensionResult {
	var score int
	switch {
	case elementCount < 50:
		score = 80
	case elementCount < 150:
		score = 90
	case elementCount < 300:
		score = 75
	case elementCount < 500:
		score = 60
	default:
		score = 45
	}

	return analyzer.DimensionResult{
		Score:    clamp(score),
		Findings: []string{fmt.Sprintf("page renders %d DOM elements", elementCount)},
		Data: map[string]any{
			"element_count": elementCount,
		},
	}
}

func placeholder(dimension string) analyzer.DimensionResult {
	return analyzer.DimensionResult{
		Score:    PlaceholderScore,
		Findings: []string{fmt.Sprintf("%s is not measured yet and uses a neutral baseline", dimension)},
	}
}

func clamp(score int) int {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func dedupeColors(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, c := range raw {
		norm := strings.ToLower(strings.TrimSpace(c))
		if norm == "" {
			continue
		}
		if _, ok := seen[norm]; ok {
			continue
		}
		seen[norm] = struct{}{}
		out = append(out, norm)
	}
	return out
}

func dedupeFold(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, f := range raw {
		trimmed := strings.TrimSpace(f)
		if trimmed == "" {
			continue
		}
		key := strings.ToLower(trimmed)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, trimmed)
	}
	return out
}

func sizeExtremes(sizes []float64) (minSize, maxSize float64) {
	found := false
	for _, s := range sizes {
		if s <= 0 {
			continue
		}
		if !found {
			minSize, maxSize = s, s
			found = true
			continue
		}
		if s < minSize {
			minSize = s
		}
		if s > maxSize {
			maxSize = s
		}
	}
	if !found {
		return 16, 16
	}
	return minSize, maxSize
}

func hasActionVerb(text string) bool {
	lower := strings.ToLower(text)
	for _, verb := range actionVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}
