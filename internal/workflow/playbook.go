// Package workflow turns playbooks into live workflows. Playbooks are YAML
// templates merged along their extends chains; instantiation filters steps
// by condition, substitutes variables, and writes the workflow, its child
// tasks, and their edges in one transaction. The garbage collector that
// reclaims expired ephemeral workflows lives here too.
package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	apperrors "github.com/stoneforge-ai/stoneforge/internal/common/errors"
)

// Step kinds. Task steps become persisted child tasks; function steps are
// returned as in-memory records and executed externally.
const (
	StepTask     = "task"
	StepFunction = "function"
)

// Variable declares a playbook input.
type Variable struct {
	Required    bool   `yaml:"required,omitempty"`
	Default     string `yaml:"default,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Step is one unit of a playbook. Title, description, assignee, code, and
// command accept {{variable}} placeholders.
type Step struct {
	ID          string   `yaml:"id"`
	Kind        string   `yaml:"kind,omitempty"`
	Title       string   `yaml:"title"`
	Description string   `yaml:"description,omitempty"`
	Assignee    string   `yaml:"assignee,omitempty"`
	Priority    int      `yaml:"priority,omitempty"`
	Complexity  int      `yaml:"complexity,omitempty"`
	TaskType    string   `yaml:"taskType,omitempty"`
	Condition   string   `yaml:"condition,omitempty"`
	DependsOn   []string `yaml:"dependsOn,omitempty"`
	Code        string   `yaml:"code,omitempty"`
	Command     string   `yaml:"command,omitempty"`
}

// Playbook is a workflow template. Ephemeral is a pointer so an extending
// playbook can explicitly turn it off; unset inherits.
type Playbook struct {
	Name      string              `yaml:"name"`
	Extends   string              `yaml:"extends,omitempty"`
	Title     string              `yaml:"title,omitempty"`
	Ephemeral *bool               `yaml:"ephemeral,omitempty"`
	Variables map[string]Variable `yaml:"variables,omitempty"`
	Steps     []Step              `yaml:"steps,omitempty"`
}

// ephemeral resolves the flag, defaulting to false.
func (p *Playbook) ephemeral() bool {
	return p.Ephemeral != nil && *p.Ephemeral
}

// Parse decodes and validates a single playbook.
func Parse(data []byte) (*Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, apperrors.Validation("playbook", fmt.Sprintf("invalid playbook YAML: %v", err))
	}
	if pb.Name == "" {
		return nil, apperrors.MissingRequiredField("name")
	}
	seen := make(map[string]bool, len(pb.Steps))
	for i := range pb.Steps {
		step := &pb.Steps[i]
		if step.ID == "" {
			return nil, apperrors.Validation("steps", fmt.Sprintf("playbook '%s': step %d has no id", pb.Name, i))
		}
		if seen[step.ID] {
			return nil, apperrors.Validation("steps", fmt.Sprintf("playbook '%s': duplicate step id '%s'", pb.Name, step.ID))
		}
		seen[step.ID] = true
		if step.Kind == "" {
			step.Kind = StepTask
		}
		if step.Kind != StepTask && step.Kind != StepFunction {
			return nil, apperrors.Validation("steps", fmt.Sprintf("playbook '%s': step '%s' has unknown kind '%s'", pb.Name, step.ID, step.Kind))
		}
		if step.Title == "" {
			return nil, apperrors.Validation("steps", fmt.Sprintf("playbook '%s': step '%s' has no title", pb.Name, step.ID))
		}
	}
	return &pb, nil
}

// Registry holds parsed playbooks by name and resolves extends chains.
type Registry struct {
	playbooks map[string]*Playbook
	elements  map[string]string // playbook name -> element id, once registered
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		playbooks: make(map[string]*Playbook),
		elements:  make(map[string]string),
	}
}

// Add registers a playbook, rejecting duplicate names.
func (r *Registry) Add(pb *Playbook) error {
	if _, ok := r.playbooks[pb.Name]; ok {
		return apperrors.AlreadyExists("playbook", pb.Name)
	}
	r.playbooks[pb.Name] = pb
	return nil
}

// Get returns the playbook as registered, extends unresolved.
func (r *Registry) Get(name string) (*Playbook, error) {
	pb, ok := r.playbooks[name]
	if !ok {
		return nil, apperrors.NotFound("playbook", name)
	}
	return pb, nil
}

// Names lists registered playbooks, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.playbooks))
	for name := range r.playbooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the effective playbook for name with its extends chain
// merged, deeper fields winning.
func (r *Registry) Resolve(name string) (*Playbook, error) {
	pb, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	return r.ResolvePlaybook(pb)
}

// ResolvePlaybook merges pb's extends chain. pb itself need not be
// registered; its ancestors must be. Extends cycles are VALIDATION errors.
func (r *Registry) ResolvePlaybook(pb *Playbook) (*Playbook, error) {
	chain := []*Playbook{pb}
	visited := map[string]bool{pb.Name: true}
	for cur := pb; cur.Extends != ""; {
		parent, ok := r.playbooks[cur.Extends]
		if !ok {
			return nil, apperrors.Validation("extends", fmt.Sprintf("playbook '%s' extends unknown playbook '%s'", cur.Name, cur.Extends))
		}
		if visited[parent.Name] {
			return nil, apperrors.Validation("extends", fmt.Sprintf("playbook extends cycle through '%s'", parent.Name))
		}
		visited[parent.Name] = true
		chain = append(chain, parent)
		cur = parent
	}

	// Apply base-first so each deeper playbook overrides its ancestors.
	merged := &Playbook{Name: pb.Name}
	for i := len(chain) - 1; i >= 0; i-- {
		merged = merge(merged, chain[i])
	}
	merged.Extends = ""
	return merged, nil
}

// merge overlays child onto base: scalar fields win when set, variables
// merge per name, and child steps replace same-id base steps in place with
// new steps appended in order.
func merge(base, child *Playbook) *Playbook {
	out := &Playbook{
		Name:      base.Name,
		Title:     base.Title,
		Ephemeral: base.Ephemeral,
	}
	if child.Name != "" {
		out.Name = child.Name
	}
	if child.Title != "" {
		out.Title = child.Title
	}
	if child.Ephemeral != nil {
		out.Ephemeral = child.Ephemeral
	}

	out.Variables = make(map[string]Variable, len(base.Variables)+len(child.Variables))
	for name, v := range base.Variables {
		out.Variables[name] = v
	}
	for name, v := range child.Variables {
		out.Variables[name] = v
	}

	index := make(map[string]int, len(base.Steps))
	out.Steps = append(out.Steps, base.Steps...)
	for i, step := range out.Steps {
		index[step.ID] = i
	}
	for _, step := range child.Steps {
		if i, ok := index[step.ID]; ok {
			out.Steps[i] = step
			continue
		}
		index[step.ID] = len(out.Steps)
		out.Steps = append(out.Steps, step)
	}
	return out
}

// LoadDir parses every .yaml/.yml file in dir into a registry. File order
// does not matter; extends targets only need to exist by resolve time.
func LoadDir(dir string) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, apperrors.Wrap(err, fmt.Sprintf("failed to read playbook directory '%s'", dir))
	}
	reg := NewRegistry()
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(err, fmt.Sprintf("failed to read playbook '%s'", path))
		}
		pb, err := Parse(data)
		if err != nil {
			return nil, apperrors.Wrap(err, fmt.Sprintf("failed to parse playbook '%s'", path))
		}
		if err := reg.Add(pb); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

var (
	varRe      = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_-]*)\s*\}\}`)
	condCmpRe  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_-]*)\s*(==|!=)\s*"([^"]*)"$`)
	condNameRe = regexp.MustCompile(`^(!?)\s*([A-Za-z_][A-Za-z0-9_-]*)$`)
)

// substitute replaces {{name}} placeholders with resolved variable values.
// Placeholders naming no variable are left verbatim so the gap is visible
// in the produced title.
func substitute(s string, vars map[string]string) string {
	return varRe.ReplaceAllStringFunc(s, func(m string) string {
		name := varRe.FindStringSubmatch(m)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return m
	})
}

// truthy is the condition-grammar coercion: empty, "false", "0", and "no"
// read as false.
func truthy(v string) bool {
	switch strings.ToLower(v) {
	case "", "false", "0", "no":
		return false
	}
	return true
}

// evalCondition evaluates a step condition over resolved variables. The
// grammar is name, !name, name == "lit", and name != "lit"; unknown
// variables read as empty.
func evalCondition(expr string, vars map[string]string) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	if m := condCmpRe.FindStringSubmatch(expr); m != nil {
		if m[2] == "==" {
			return vars[m[1]] == m[3], nil
		}
		return vars[m[1]] != m[3], nil
	}
	if m := condNameRe.FindStringSubmatch(expr); m != nil {
		if m[1] == "!" {
			return !truthy(vars[m[2]]), nil
		}
		return truthy(vars[m[2]]), nil
	}
	return false, apperrors.Validation("condition", fmt.Sprintf("cannot parse condition '%s'", expr))
}

// resolveVariables merges declared defaults with provided values and
// enforces required variables.
func resolveVariables(pb *Playbook, values map[string]string) (map[string]string, error) {
	vars := make(map[string]string, len(pb.Variables)+len(values))
	for name, decl := range pb.Variables {
		if decl.Default != "" {
			vars[name] = decl.Default
		}
	}
	for name, v := range values {
		vars[name] = v
	}
	var missing []string
	for name, decl := range pb.Variables {
		if decl.Required && vars[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, apperrors.Validation("variables", fmt.Sprintf("playbook '%s': required variables not provided: %s", pb.Name, strings.Join(missing, ", ")))
	}
	return vars, nil
}
