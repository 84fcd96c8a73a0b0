package llm

import (
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// genDetailsList builds a list of provider entries with distinct ids by
// construction: each bit of the mask selects one candidate id.
func genDetailsList(idPrefix string) gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, 255),
		gen.AlphaString(),
	).Map(func(vs []interface{}) []ProviderDetails {
		mask := vs[0].(int)
		name := vs[1].(string)
		var out []ProviderDetails
		for bit := 0; bit < 8; bit++ {
			if mask&(1<<bit) == 0 {
				continue
			}
			id := idPrefix + string(rune('a'+bit))
			out = append(out, NewProviderDetails(
				id, name, "", "KEY_"+id, "openai",
				"https://"+id+".example/v1",
			))
		}
		return out
	})
}

func TestMergeProviders_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("default ordering is preserved", prop.ForAll(
		func(defaults, overrides []ProviderDetails) bool {
			merged := MergeProviders(defaults, overrides)
			for i, d := range defaults {
				if merged[i].ID != d.ID {
					return false
				}
			}
			return true
		},
		genDetailsList("d"),
		genDetailsList("d"),
	))

	properties.Property("no duplicate ids when inputs have none", prop.ForAll(
		func(defaults, overrides []ProviderDetails) bool {
			merged := MergeProviders(defaults, overrides)
			seen := map[string]bool{}
			for _, d := range merged {
				if seen[d.ID] {
					return false
				}
				seen[d.ID] = true
			}
			return true
		},
		genDetailsList("d"),
		genDetailsList("d"),
	))

	properties.Property("every merged entry has a normalized base url", prop.ForAll(
		func(defaults, overrides []ProviderDetails) bool {
			for _, d := range MergeProviders(defaults, overrides) {
				if d.BaseURL != "" && !strings.HasSuffix(d.BaseURL, "/") {
					return false
				}
			}
			return true
		},
		genDetailsList("d"),
		genDetailsList("d"),
	))

	properties.TestingRun(t)
}

func TestNormalizeBaseURL_Properties(t *testing.T) {
	params := gopter.DefaultTestParameters()
	params.MinSuccessfulTests = 200
	properties := gopter.NewProperties(params)

	properties.Property("idempotent", prop.ForAll(
		func(raw string) bool {
			once := normalizeBaseURL(raw)
			return normalizeBaseURL(once) == once
		},
		gen.AnyString(),
	))

	properties.Property("non-empty result ends with slash", prop.ForAll(
		func(raw string) bool {
			out := normalizeBaseURL(raw)
			return out == "" || strings.HasSuffix(out, "/")
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}
