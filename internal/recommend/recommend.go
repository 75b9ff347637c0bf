// Package recommend turns dimension scores and their supporting data into a
// short, prioritized list of actionable recommendations. Generation is a
// pure function of the dimension results: identical inputs always yield the
// identical list in the identical order.
package recommend

import (
	"fmt"
	"sort"
	"strings"

	"github.com/sitelens/sitelens/internal/analyzer"
	"github.com/sitelens/sitelens/internal/benchmark"
	"github.com/sitelens/sitelens/internal/scoring"
)

// MaxRecommendations caps the report list. Items past the cap are dropped
// after sorting, so the highest-priority suggestions always survive.
const MaxRecommendations = 5

// Dimensions scoring at or above their healthy threshold produce no
// recommendations. Complexity has a lower bar because its banding already
// tolerates mid-size pages.
const (
	healthyScore           = 80
	healthyComplexityScore = 70
)

// Cutoffs that escalate a recommendation from medium to high priority.
const (
	colorCountSevere    = 10
	familyCountSevere   = 5
	minFontSizeSeverePx = 10.0
	elementCountTrigger = 300
	elementCountSevere  = 500
	ctaCountExcessive   = 5
)

// Generator produces recommendations, optionally weaving mined benchmark
// copy into descriptions.
type Generator struct {
	art *benchmark.Artifact
}

// New builds a Generator. art may be nil, in which case descriptions carry
// no benchmark copy.
func New(art *benchmark.Artifact) *Generator {
	return &Generator{art: art}
}

// Generate evaluates every rule in canonical dimension order, stably sorts
// the hits by priority (high, then medium, then low), and truncates to
// MaxRecommendations. Placeholder dimensions never trigger.
func (g *Generator) Generate(results map[string]analyzer.DimensionResult) []analyzer.Recommendation {
	recs := make([]analyzer.Recommendation, 0, 8)
	if res, ok := results[scoring.DimColors]; ok {
		recs = append(recs, g.colorRecs(res)...)
	}
	if res, ok := results[scoring.DimComplexity]; ok {
		recs = append(recs, g.complexityRecs(res)...)
	}
	if res, ok := results[scoring.DimTypography]; ok {
		recs = append(recs, g.typographyRecs(res)...)
	}
	if res, ok := results[scoring.DimCTAProminence]; ok {
		recs = append(recs, g.ctaRecs(res)...)
	}

	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Priority.Rank() < recs[j].Priority.Rank()
	})
	if len(recs) > MaxRecommendations {
		recs = recs[:MaxRecommendations]
	}
	return recs
}

func (g *Generator) colorRecs(res analyzer.DimensionResult) []analyzer.Recommendation {
	if res.Score >= healthyScore {
		return nil
	}
	count := intValue(res.Data, "count")
	colors := stringsValue(res.Data, "unique_colors")

	var recs []analyzer.Recommendation
	switch {
	case count > 7:
		priority := analyzer.PriorityMedium
		if count > colorCountSevere {
			priority = analyzer.PriorityHigh
		}
		recs = append(recs, analyzer.Recommendation{
			Title:       "Simplify Your Color Palette",
			Description: g.withBenchmark(scoring.DimColors, fmt.Sprintf("The page uses %d distinct colors, which dilutes its visual identity.", count)),
			Priority:    priority,
			Effort:      analyzer.EffortMedium,
			Impact:      "Stronger brand recognition and a calmer first impression",
			Dimension:   scoring.DimColors,
			ActionItems: []string{
				fmt.Sprintf("Audit the %d colors currently in use", count),
				fmt.Sprintf("Current dominant colors: %s", sample(colors, 5)),
				"Consolidate to a core palette of 3-5 colors",
			},
		})
	case count == 1:
		recs = append(recs, analyzer.Recommendation{
			Title:       "Add Accent Colors",
			Description: g.withBenchmark(scoring.DimColors, "A single color carries the whole page, leaving nothing for emphasis or state changes."),
			Priority:    analyzer.PriorityMedium,
			Effort:      analyzer.EffortLow,
			Impact:      "Clearer emphasis on the elements visitors should notice first",
			Dimension:   scoring.DimColors,
			ActionItems: []string{
				fmt.Sprintf("Only %s is used across the page", sample(colors, 1)),
				"Introduce one accent color for primary actions",
				"Add a neutral tone for backgrounds and dividers",
			},
		})
	}
	return recs
}

func (g *Generator) complexityRecs(res analyzer.DimensionResult) []analyzer.Recommendation {
	if res.Score >= healthyComplexityScore {
		return nil
	}
	count := intValue(res.Data, "element_count")
	if count < elementCountTrigger {
		return nil
	}
	priority := analyzer.PriorityMedium
	if count >= elementCountSevere {
		priority = analyzer.PriorityHigh
	}
	return []analyzer.Recommendation{{
		Title:       "Reduce Page Complexity",
		Description: g.withBenchmark(scoring.DimComplexity, fmt.Sprintf("The page renders %d DOM elements, well past the point where layouts start to feel crowded.", count)),
		Priority:    priority,
		Effort:      analyzer.EffortHigh,
		Impact:      "Faster rendering and less visual noise",
		Dimension:   scoring.DimComplexity,
		ActionItems: []string{
			fmt.Sprintf("Page currently renders %d elements; target fewer than %d", count, elementCountTrigger),
			"Remove decorative wrappers that add no content",
			"Collapse rarely used sections behind progressive disclosure",
		},
	}}
}

func (g *Generator) typographyRecs(res analyzer.DimensionResult) []analyzer.Recommendation {
	if res.Score >= healthyScore {
		return nil
	}
	families := stringsValue(res.Data, "families")
	familyCount := intValue(res.Data, "family_count")
	minSize := floatValue(res.Data, "min_size")

	var recs []analyzer.Recommendation
	if familyCount > 3 {
		priority := analyzer.PriorityMedium
		if familyCount > familyCountSevere {
			priority = analyzer.PriorityHigh
		}
		recs = append(recs, analyzer.Recommendation{
			Title:       "Reduce Font Family Count",
			Description: g.withBenchmark(scoring.DimTypography, fmt.Sprintf("%d font families compete on the page, fragmenting its typographic voice.", familyCount)),
			Priority:    priority,
			Effort:      analyzer.EffortMedium,
			Impact:      "A more consistent, professional reading experience",
			Dimension:   scoring.DimTypography,
			ActionItems: []string{
				fmt.Sprintf("Current families: %s", sample(families, 5)),
				"Keep one family for headings and one for body text",
				"Replace decorative faces with weight and size variation",
			},
		})
	}
	if minSize > 0 && minSize < 12 {
		priority := analyzer.PriorityMedium
		if minSize < minFontSizeSeverePx {
			priority = analyzer.PriorityHigh
		}
		recs = append(recs, analyzer.Recommendation{
			Title:       "Increase Minimum Font Size",
			Description: g.withBenchmark(scoring.DimTypography, fmt.Sprintf("The smallest text on the page measures %gpx, below a comfortable reading size.", minSize)),
			Priority:    priority,
			Effort:      analyzer.EffortLow,
			Impact:      "Better readability, especially on small screens",
			Dimension:   scoring.DimTypography,
			ActionItems: []string{
				fmt.Sprintf("Smallest text measured at %gpx", minSize),
				"Raise body copy to at least 16px",
				"Keep captions and legal text at 12px or above",
			},
		})
	}
	return recs
}

func (g *Generator) ctaRecs(res analyzer.DimensionResult) []analyzer.Recommendation {
	if res.Score >= healthyScore {
		return nil
	}
	total := intValue(res.Data, "total")
	buttons := intValue(res.Data, "buttons")
	actionVerb := boolValue(res.Data, "action_verb")

	var recs []analyzer.Recommendation
	switch {
	case total == 0:
		recs = append(recs, analyzer.Recommendation{
			Title:       "Add Clear Call-to-Action Buttons",
			Description: g.withBenchmark(scoring.DimCTAProminence, "No links or buttons on the page read as calls to action, so visitors have no obvious next step."),
			Priority:    analyzer.PriorityHigh,
			Effort:      analyzer.EffortMedium,
			Impact:      "Visitors can act without hunting for the next step",
			Dimension:   scoring.DimCTAProminence,
			ActionItems: []string{
				"Add a primary button above the fold",
				"Lead the button copy with an action verb such as \"Start\" or \"Get\"",
				"Repeat the primary action at the end of the page",
			},
		})
	case total > ctaCountExcessive:
		recs = append(recs, analyzer.Recommendation{
			Title:       "Reduce Competing Calls to Action",
			Description: g.withBenchmark(scoring.DimCTAProminence, fmt.Sprintf("%d calls to action compete for attention, so none of them stands out.", total)),
			Priority:    analyzer.PriorityMedium,
			Effort:      analyzer.EffortLow,
			Impact:      "A single obvious path raises follow-through",
			Dimension:   scoring.DimCTAProminence,
			ActionItems: []string{
				fmt.Sprintf("Page currently surfaces %d calls to action", total),
				"Pick one primary action per screen",
				"Demote secondary actions to plain links",
			},
		})
	}
	if total > 0 && buttons == 0 {
		recs = append(recs, analyzer.Recommendation{
			Title:       "Make Primary Actions Look Clickable",
			Description: g.withBenchmark(scoring.DimCTAProminence, fmt.Sprintf("All %d calls to action render as plain links, which are easy to scan past.", total)),
			Priority:    analyzer.PriorityMedium,
			Effort:      analyzer.EffortLow,
			Impact:      "Button styling draws the eye to the intended action",
			Dimension:   scoring.DimCTAProminence,
			ActionItems: []string{
				fmt.Sprintf("Convert the most important of the %d link-style actions into a button", total),
				"Give the primary button a high-contrast fill color",
			},
		})
	}
	if total > 0 && !actionVerb {
		recs = append(recs, analyzer.Recommendation{
			Title:       "Strengthen Call-to-Action Copy",
			Description: g.withBenchmark(scoring.DimCTAProminence, "None of the call-to-action copy leads with an action verb, which weakens the invitation to click."),
			Priority:    analyzer.PriorityLow,
			Effort:      analyzer.EffortLow,
			Impact:      "Action-led copy sets a clearer expectation",
			Dimension:   scoring.DimCTAProminence,
			ActionItems: []string{
				"Rewrite CTA copy to lead with a verb",
				"Prefer specific verbs like \"Start\", \"Get\", or \"Try\" over \"Learn more\"",
			},
		})
	}
	return recs
}

// withBenchmark appends the mined benchmark note for a dimension to a
// description, when the artifact carries one.
func (g *Generator) withBenchmark(dimension, description string) string {
	if g.art == nil {
		return description
	}
	note := g.art.Note(dimension)
	if note == "" {
		return description
	}
	return description + " Across sites we have analyzed, " + note + "."
}

// sample joins up to n values for display in an action item.
func sample(values []string, n int) string {
	if len(values) == 0 {
		return "none detected"
	}
	if len(values) > n {
		values = values[:n]
	}
	return strings.Join(values, ", ")
}

func intValue(data map[string]any, key string) int {
	if v, ok := data[key].(int); ok {
		return v
	}
	return 0
}

func floatValue(data map[string]any, key string) float64 {
	if v, ok := data[key].(float64); ok {
		return v
	}
	return 0
}

func boolValue(data map[string]any, key string) bool {
	if v, ok := data[key].(bool); ok {
		return v
	}
	return false
}

func stringsValue(data map[string]any, key string) []string {
	if v, ok := data[key].([]string); ok {
		return v
	}
	return nil
}
