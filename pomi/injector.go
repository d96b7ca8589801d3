package pomi

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/dyshay/agentauth/challenge"
)

// Injection is the outcome of weaving canaries into a payload. Injected
// preserves selection order, which is also the order of the canary_ids
// entry added to the payload context.
type Injection struct {
	Payload  *challenge.Payload
	Injected []Canary
}

// InjectOptions configures canary injection.
type InjectOptions struct {
	Exclude []string
}

// Injector weaves canary prompts into challenge instructions.
type Injector struct {
	catalog *Catalog
}

// NewInjector returns an injector drawing from the given catalog.
func NewInjector(catalog *Catalog) *Injector {
	return &Injector{catalog: catalog}
}

// Inject selects count canaries and splices their prompts into the payload
// instructions, grouped by injection method: prefix canaries lead the
// instructions, everything else lands in a side-task block after them. The
// returned payload is a copy; the input is never modified.
func (inj *Injector) Inject(p *challenge.Payload, count int, opts *InjectOptions) Injection {
	if count <= 0 {
		return Injection{Payload: p}
	}

	var selectOpts *SelectOptions
	if opts != nil && len(opts.Exclude) > 0 {
		selectOpts = &SelectOptions{Exclude: opts.Exclude}
	}
	selected := inj.catalog.Select(count, selectOpts)
	if len(selected) == 0 {
		return Injection{Payload: p}
	}

	var prefix, inline, suffix, embedded []Canary
	for _, c := range selected {
		switch c.InjectionMethod {
		case MethodPrefix:
			prefix = append(prefix, c)
		case MethodInline:
			inline = append(inline, c)
		case MethodSuffix:
			suffix = append(suffix, c)
		case MethodEmbedded:
			embedded = append(embedded, c)
		}
	}
	// Inline, suffix and embedded prompts all read naturally as side tasks.
	sideTasks := slices.Concat(inline, suffix, embedded)

	instructions := p.Instructions
	if len(prefix) > 0 {
		instructions = fmt.Sprintf(
			"Before starting, answer these briefly (include in canary_responses):\n%s\n\n%s",
			canaryLines(prefix), instructions)
	}
	if len(sideTasks) > 0 {
		instructions = fmt.Sprintf(
			"%s\n\nAlso, complete these side tasks (include answers in canary_responses field):\n%s",
			instructions, canaryLines(sideTasks))
	}

	ids := make([]string, len(selected))
	for i, c := range selected {
		ids[i] = c.ID
	}
	ctx := maps.Clone(p.Context)
	if ctx == nil {
		ctx = make(map[string]any, 1)
	}
	ctx["canary_ids"] = ids

	out := *p
	out.Instructions = instructions
	out.Context = ctx
	return Injection{Payload: &out, Injected: selected}
}

func canaryLines(canaries []Canary) string {
	lines := make([]string, len(canaries))
	for i, c := range canaries {
		lines[i] = fmt.Sprintf("- %s: %s", c.ID, c.Prompt)
	}
	return strings.Join(lines, "\n")
}
