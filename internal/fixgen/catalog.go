// Package fixgen matches high-confidence signatures against an ordered
// catalog of fix templates and synthesizes patch candidates. No open-ended
// program synthesis happens here: generation is template instantiation
// against a fixed set of known defect shapes.
package fixgen

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/remedyd/internal/signature"
)

//go:embed templates.yaml
var defaultCatalogYAML []byte

// templateSpec is the on-disk shape of one catalog entry.
type templateSpec struct {
	Name        string `yaml:"name"`
	Category    string `yaml:"category"`
	Match       string `yaml:"match"`
	Description string `yaml:"description"`
	Patch       string `yaml:"patch"`
	Test        string `yaml:"test"`
}

type catalogSpec struct {
	Templates []templateSpec `yaml:"templates"`
}

// Template is one compiled matcher+generator pair.
type Template struct {
	Name        string
	Category    signature.Category
	Description string

	match     *regexp.Regexp
	patchTmpl *template.Template
	testTmpl  *template.Template
}

// Matches reports whether the template applies to the signature. A template
// matches when its category equals the signature's and its pattern matches
// the normalized message.
func (t *Template) Matches(sig signature.ErrorSignature) bool {
	return t.Category == sig.Category && t.match.MatchString(sig.Message)
}

// Catalog is an ordered list of templates; the first match wins.
type Catalog struct {
	templates []*Template
}

// LoadCatalog parses and compiles a catalog from YAML bytes.
func LoadCatalog(raw []byte) (*Catalog, error) {
	var spec catalogSpec
	if err := yaml.Unmarshal(raw, &spec); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	if len(spec.Templates) == 0 {
		return nil, fmt.Errorf("catalog contains no templates")
	}

	c := &Catalog{}
	for i, ts := range spec.Templates {
		if ts.Name == "" {
			return nil, fmt.Errorf("template %d: name is required", i)
		}
		if ts.Patch == "" {
			return nil, fmt.Errorf("template %q: patch body is required", ts.Name)
		}

		match, err := regexp.Compile(ts.Match)
		if err != nil {
			return nil, fmt.Errorf("template %q: invalid match pattern: %w", ts.Name, err)
		}
		patchTmpl, err := template.New(ts.Name + ".patch").Parse(ts.Patch)
		if err != nil {
			return nil, fmt.Errorf("template %q: invalid patch body: %w", ts.Name, err)
		}
		testTmpl, err := template.New(ts.Name + ".test").Parse(ts.Test)
		if err != nil {
			return nil, fmt.Errorf("template %q: invalid test body: %w", ts.Name, err)
		}

		c.templates = append(c.templates, &Template{
			Name:        ts.Name,
			Category:    signature.Category(ts.Category),
			Description: ts.Description,
			match:       match,
			patchTmpl:   patchTmpl,
			testTmpl:    testTmpl,
		})
	}
	return c, nil
}

// DefaultCatalog returns the embedded catalog.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(defaultCatalogYAML)
}

// LoadCatalogFile loads a catalog from a YAML file, allowing the shipped
// catalog to be extended without a rebuild.
func LoadCatalogFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog file: %w", err)
	}
	return LoadCatalog(raw)
}

// Match returns the first template applicable to the signature.
func (c *Catalog) Match(sig signature.ErrorSignature) (*Template, bool) {
	for _, t := range c.templates {
		if t.Matches(sig) {
			return t, true
		}
	}
	return nil, false
}

// Len returns the number of templates in the catalog.
func (c *Catalog) Len() int {
	return len(c.templates)
}

// templateContext is the data available to patch and test bodies.
type templateContext struct {
	Service   string
	Message   string
	Function  string
	File      string
	Category  string
	Signature string
}

func newTemplateContext(sig signature.ErrorSignature) templateContext {
	tc := templateContext{
		Service:   sig.Service,
		Message:   sig.Message,
		Category:  string(sig.Category),
		Signature: sig.ID,
	}
	if len(sig.Frames) > 0 {
		tc.Function = sig.Frames[0].Function
		tc.File = sig.Frames[0].File
	}
	if tc.Function == "" {
		tc.Function = "unknown"
	}
	return tc
}

// render instantiates the patch and test bodies for a signature.
func (t *Template) render(sig signature.ErrorSignature) (patch, test string, err error) {
	tc := newTemplateContext(sig)

	var pb, tb strings.Builder
	if err := t.patchTmpl.Execute(&pb, tc); err != nil {
		return "", "", fmt.Errorf("template %q: patch render failed: %w", t.Name, err)
	}
	if err := t.testTmpl.Execute(&tb, tc); err != nil {
		return "", "", fmt.Errorf("template %q: test render failed: %w", t.Name, err)
	}
	return pb.String(), tb.String(), nil
}
