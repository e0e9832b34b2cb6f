// Package taxonomy holds the keyword families used to classify owners and
// project descriptions.
package taxonomy

import (
	_ "embed"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Commercial family names referenced by the filter.
const (
	FamilyProductionBuilder = "production_builder"
)

// Taxonomy groups keyword families by what they classify.
type Taxonomy struct {
	Commercial    map[string][]string `yaml:"commercial"`
	Junk          map[string][]string `yaml:"junk"`
	Adjacent      map[string][]string `yaml:"adjacent"`
	WeakAdjacency []string            `yaml:"weak_adjacency"`
}

// Default returns the built-in taxonomy.
func Default() (*Taxonomy, error) {
	return Parse(defaultYAML)
}

// DefaultYAML returns the raw built-in taxonomy document.
func DefaultYAML() []byte {
	out := make([]byte, len(defaultYAML))
	copy(out, defaultYAML)
	return out
}

// LoadFile reads a taxonomy from a YAML file. An empty path loads the
// built-in taxonomy.
func LoadFile(path string) (*Taxonomy, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "taxonomy: read %s", path)
	}
	return Parse(data)
}

// Parse decodes and validates a taxonomy document with a top-level
// "taxonomy" key.
func Parse(data []byte) (*Taxonomy, error) {
	var wrapper struct {
		Taxonomy Taxonomy `yaml:"taxonomy"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return nil, eris.Wrap(err, "taxonomy: parse")
	}
	t := &wrapper.Taxonomy
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that every family has keywords and that no junk or
// weak-adjacency keyword can match adjacent-trade text (or the reverse),
// so one description is never claimed by both the router and the filter.
func (t *Taxonomy) Validate() error {
	var errs []string

	if len(t.Commercial) == 0 {
		errs = append(errs, "commercial families are required")
	}
	if len(t.Commercial[FamilyProductionBuilder]) == 0 {
		errs = append(errs, "commercial.production_builder is required")
	}
	for group, fams := range map[string]map[string][]string{"commercial": t.Commercial, "junk": t.Junk, "adjacent": t.Adjacent} {
		for name, kws := range fams {
			if len(kws) == 0 {
				errs = append(errs, group+"."+name+" has no keywords")
			}
			for _, kw := range kws {
				if strings.TrimSpace(kw) == "" {
					errs = append(errs, group+"."+name+" has a blank keyword")
				}
			}
		}
	}

	if len(errs) == 0 {
		adjacent, err := Compile(t.Adjacent)
		if err != nil {
			return err
		}
		excluded := map[string][]string{"weak_adjacency": t.WeakAdjacency}
		for name, kws := range t.Junk {
			excluded["junk."+name] = kws
		}
		excludedM, err := Compile(excluded)
		if err != nil {
			return err
		}
		for _, name := range sortedKeys(excluded) {
			for _, kw := range excluded[name] {
				if fam, ok := adjacent.Match(kw); ok {
					errs = append(errs, "keyword "+quote(kw)+" in "+name+" overlaps adjacent."+fam)
				}
			}
		}
		for _, name := range sortedKeys(t.Adjacent) {
			for _, kw := range t.Adjacent[name] {
				if fam, ok := excludedM.Match(kw); ok {
					errs = append(errs, "adjacent."+name+" keyword "+quote(kw)+" overlaps "+fam)
				}
			}
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("taxonomy: invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// Family is one compiled keyword family.
type Family struct {
	Name string
	re   *regexp.Regexp
}

// Matcher tests text against keyword families in a fixed order.
type Matcher struct {
	families []Family
}

// Compile builds a matcher over the given families. Keywords match
// case-insensitively and only on word boundaries, so "inc" does not hit
// "Lincoln" and "corp" does not hit "Corpening". Families are tried in
// name order.
func Compile(families map[string][]string) (*Matcher, error) {
	m := &Matcher{}
	for _, name := range sortedKeys(families) {
		kws := families[name]
		if len(kws) == 0 {
			continue
		}
		alts := make([]string, 0, len(kws))
		for _, kw := range kws {
			parts := strings.Fields(strings.ToLower(kw))
			for i, p := range parts {
				parts[i] = regexp.QuoteMeta(p)
			}
			alts = append(alts, strings.Join(parts, `\s+`))
		}
		// Longest alternatives first so "sewer line" is preferred to "sewer".
		sort.SliceStable(alts, func(i, j int) bool { return len(alts[i]) > len(alts[j]) })
		re, err := regexp.Compile(`(?i)(?:^|[^\p{L}\p{N}])(?:` + strings.Join(alts, "|") + `)(?:$|[^\p{L}\p{N}])`)
		if err != nil {
			return nil, eris.Wrapf(err, "taxonomy: compile family %s", name)
		}
		m.families = append(m.families, Family{Name: name, re: re})
	}
	return m, nil
}

// Match returns the first family with a keyword in text.
func (m *Matcher) Match(text string) (string, bool) {
	if m == nil || text == "" {
		return "", false
	}
	for _, f := range m.families {
		if f.re.MatchString(text) {
			return f.Name, true
		}
	}
	return "", false
}

// Len returns the number of compiled families.
func (m *Matcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.families)
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func quote(s string) string { return `"` + s + `"` }
