// Package catalog holds the immutable workflow definitions, templates and
// triggers the engine runs from. Catalogs are loaded from YAML, validated
// once, and read concurrently afterwards.
package catalog

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/cadence/internal/expressions"
	"github.com/rendis/cadence/pkg/schema"
)

// Content is a rendered template ready to hand to a gateway.
type Content struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

// Template is a named piece of content for one channel.
type Template struct {
	Ref      string         `json:"ref"`
	Channel  schema.Channel `json:"channel"`
	Approved bool           `json:"approved"`
	Subject  string         `json:"subject,omitempty"`
	Body     string         `json:"body"`
}

// Catalog is a validated, read-only set of definitions, templates and triggers.
type Catalog struct {
	defs      map[string]*schema.WorkflowDefinition
	templates map[string]Template
	triggers  []schema.Trigger
	interp    *expressions.Interpolator

	// Warnings collected while loading.
	Warnings []schema.ValidationIssue
}

// Loader parses and validates catalog documents.
type Loader struct {
	jsonSchema *JSONSchemaValidator
	compilers  compilers
}

// NewLoader builds a Loader with its schema and expression engines.
func NewLoader() (*Loader, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	return &Loader{
		jsonSchema: jsv,
		compilers: compilers{
			cel:  cel,
			expr: expressions.NewExprEngine(),
			jq:   expressions.NewGoJQEngine(),
		},
	}, nil
}

// Load reads a catalog from a YAML file, or from every *.yaml / *.yml file
// in a directory (merged in lexical order).
func (l *Loader) Load(path string) (*Catalog, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "catalog %s: %s", path, err.Error()).WithCause(err)
	}

	files := []string{path}
	if info.IsDir() {
		files = nil
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "read catalog dir %s: %s", path, err.Error()).WithCause(err)
		}
		for _, e := range entries {
			ext := strings.ToLower(filepath.Ext(e.Name()))
			if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	}

	var merged Document
	result := &schema.ValidationResult{}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "read %s: %s", f, err.Error()).WithCause(err)
		}
		doc, res := l.decode(data)
		for _, issue := range res.Errors {
			result.AddError(filepath.Base(f)+":"+issue.Path, issue.Code, issue.Message)
		}
		if doc != nil {
			merged.Templates = append(merged.Templates, doc.Templates...)
			merged.Definitions = append(merged.Definitions, doc.Definitions...)
			merged.Triggers = append(merged.Triggers, doc.Triggers...)
		}
	}
	if err := result.ToError(); err != nil {
		return nil, err
	}
	return l.build(&merged)
}

// Parse builds a catalog from a single YAML document.
func (l *Loader) Parse(data []byte) (*Catalog, error) {
	doc, res := l.decode(data)
	if err := res.ToError(); err != nil {
		return nil, err
	}
	return l.build(doc)
}

// Validate runs every check without building a catalog.
func (l *Loader) Validate(data []byte) *schema.ValidationResult {
	doc, res := l.decode(data)
	if doc != nil && res.Valid() {
		res.Merge(validateSemantic(doc, l.compilers))
	}
	return res
}

// decode performs the structural stage: YAML syntax, then JSON Schema,
// then typed decoding.
func (l *Loader) decode(data []byte) (*Document, *schema.ValidationResult) {
	result := &schema.ValidationResult{}

	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		result.AddError("/", schema.ErrCodeValidation, "invalid YAML: "+err.Error())
		return nil, result
	}
	if generic == nil {
		return &Document{}, result
	}
	l.jsonSchema.ValidateDocument(generic, result)
	if !result.Valid() {
		return nil, result
	}

	var doc Document
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		result.AddError("/", schema.ErrCodeValidation, "decode catalog: "+err.Error())
		return nil, result
	}
	return &doc, result
}

func (l *Loader) build(doc *Document) (*Catalog, error) {
	result := validateSemantic(doc, l.compilers)
	if err := result.ToError(); err != nil {
		return nil, err
	}

	c := &Catalog{
		defs:      make(map[string]*schema.WorkflowDefinition, len(doc.Definitions)),
		templates: make(map[string]Template, len(doc.Templates)),
		triggers:  append([]schema.Trigger(nil), doc.Triggers...),
		interp:    expressions.NewInterpolator(),
		Warnings:  result.Warnings,
	}
	for _, t := range doc.Templates {
		c.templates[t.Ref] = Template(t)
	}
	for _, d := range doc.Definitions {
		def, err := d.build()
		if err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, err.Error()).WithCause(err)
		}
		c.defs[def.Code] = def
	}
	return c, nil
}

// Definition returns the definition with the given code.
func (c *Catalog) Definition(code string) (*schema.WorkflowDefinition, bool) {
	d, ok := c.defs[code]
	return d, ok
}

// Definitions returns every definition sorted by code.
func (c *Catalog) Definitions() []*schema.WorkflowDefinition {
	out := make([]*schema.WorkflowDefinition, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out
}

// Triggers returns all scanned triggers (MANUAL triggers are excluded).
func (c *Catalog) Triggers() []schema.Trigger {
	out := make([]schema.Trigger, 0, len(c.triggers))
	for _, t := range c.triggers {
		if t.Condition.Kind != schema.ConditionManual {
			out = append(out, t)
		}
	}
	return out
}

// Template returns the template with the given ref.
func (c *Catalog) Template(ref string) (Template, bool) {
	t, ok := c.templates[ref]
	return t, ok
}

// Render resolves ref for channel and interpolates it against scope. It
// fails with TEMPLATE_UNAPPROVED when the template is unknown, bound to
// another channel, or not approved for sending.
func (c *Catalog) Render(_ context.Context, ref string, channel schema.Channel, scope *expressions.Scope) (Content, error) {
	t, err := c.deliverable(ref, channel)
	if err != nil {
		return Content{}, err
	}
	subject, err := c.interp.Render(t.Subject, scope)
	if err != nil {
		return Content{}, err
	}
	body, err := c.interp.Render(t.Body, scope)
	if err != nil {
		return Content{}, err
	}
	return Content{Subject: subject, Body: body}, nil
}

func (c *Catalog) deliverable(ref string, channel schema.Channel) (Template, error) {
	t, ok := c.templates[ref]
	if !ok {
		return Template{}, schema.NewErrorf(schema.ErrCodeTemplateUnapproved, "unknown template %q", ref).
			WithDetails(map[string]any{"template": ref})
	}
	if t.Channel != channel {
		return Template{}, schema.NewErrorf(schema.ErrCodeTemplateUnapproved,
			"template %q is for channel %s, not %s", ref, t.Channel, channel).
			WithDetails(map[string]any{"template": ref, "channel": string(channel)})
	}
	if !t.Approved {
		return Template{}, schema.NewErrorf(schema.ErrCodeTemplateUnapproved, "template %q is not approved for sending", ref).
			WithDetails(map[string]any{"template": ref, "channel": string(channel)})
	}
	return t, nil
}

// ValidateDeliverable checks that every templated step of def references a
// template that exists and is approved for the step's channel.
func (c *Catalog) ValidateDeliverable(def *schema.WorkflowDefinition) error {
	result := &schema.ValidationResult{}
	for i, step := range def.Steps {
		if step.Template == "" {
			continue
		}
		if _, err := c.deliverable(step.Template, step.Channel); err != nil {
			result.AddError(fmt.Sprintf("steps[%d].template", i), schema.ErrCodeTemplateUnapproved, messageOf(err))
		}
	}
	return result.ToError()
}
