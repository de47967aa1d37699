// Package pipeline models the configured stage state machine. A
// pipeline is an ordered list of phases; each phase owns a status
// string and is driven either by a worker skill or by a resolver
// function. The reserved statuses Not Started and Complete bracket the
// pipeline and may not be claimed by any phase.
package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pitboss-dev/pitboss/internal/item"
)

// Conventional phase names the scheduler and pollers key on. They only
// take effect when the configured pipeline actually uses them.
const (
	PhaseBuild               = "Build"
	PhaseAddressingComments  = "Addressing Comments"
	StatusPRCreated          = "PR Created"
	StatusAddressingComments = "Addressing Comments"
)

// ErrInvalidConfig marks any pipeline configuration failure. Config
// errors are fatal at startup, never patched over.
var ErrInvalidConfig = errors.New("invalid workflow config")

// Phase is one step of the pipeline. Exactly one of Skill and Resolver
// must be set: a skill phase spawns a worker session, a resolver phase
// is advanced by a pure status function.
type Phase struct {
	Name          string   `yaml:"name"`
	Status        string   `yaml:"status"`
	Skill         string   `yaml:"skill,omitempty"`
	Resolver      string   `yaml:"resolver,omitempty"`
	TransitionsTo []string `yaml:"transitions_to,omitempty"`
}

// IsResolver reports whether the phase is resolver-driven.
func (p *Phase) IsResolver() bool { return p.Resolver != "" }

// Config is the workflow block of .pitboss/workflow.yaml.
type Config struct {
	EntryPhase string            `yaml:"entry_phase"`
	Phases     []Phase           `yaml:"phases"`
	Defaults   map[string]string `yaml:"defaults,omitempty"`
}

// Pipeline is a validated pipeline with phase lookups by name and by
// status.
type Pipeline struct {
	phases   []Phase
	entry    *Phase
	byName   map[string]*Phase
	byStatus map[string]*Phase
	defaults map[string]string
}

// New validates cfg and builds the pipeline. All violations are
// reported, not just the first.
func New(cfg Config) (*Pipeline, error) {
	var problems []string
	if len(cfg.Phases) == 0 {
		problems = append(problems, "workflow has no phases")
	}

	p := &Pipeline{
		phases:   cfg.Phases,
		byName:   make(map[string]*Phase, len(cfg.Phases)),
		byStatus: make(map[string]*Phase, len(cfg.Phases)),
		defaults: cfg.Defaults,
	}

	for i := range p.phases {
		ph := &p.phases[i]
		if ph.Name == "" {
			problems = append(problems, fmt.Sprintf("phase %d has no name", i))
			continue
		}
		if ph.Status == "" {
			problems = append(problems, fmt.Sprintf("phase %q has no status", ph.Name))
		}
		if IsReserved(ph.Status) {
			problems = append(problems, fmt.Sprintf("phase %q claims reserved status %q", ph.Name, ph.Status))
		}
		if ph.Skill == "" && ph.Resolver == "" {
			problems = append(problems, fmt.Sprintf("phase %q needs a skill or a resolver", ph.Name))
		}
		if ph.Skill != "" && ph.Resolver != "" {
			problems = append(problems, fmt.Sprintf("phase %q has both a skill and a resolver", ph.Name))
		}
		if _, dup := p.byName[ph.Name]; dup {
			problems = append(problems, fmt.Sprintf("duplicate phase name %q", ph.Name))
		} else {
			p.byName[ph.Name] = ph
		}
		if ph.Status != "" {
			if _, dup := p.byStatus[ph.Status]; dup {
				problems = append(problems, fmt.Sprintf("duplicate phase status %q", ph.Status))
			} else {
				p.byStatus[ph.Status] = ph
			}
		}
	}

	for i := range p.phases {
		ph := &p.phases[i]
		for _, target := range ph.TransitionsTo {
			if _, ok := p.byName[target]; !ok && !IsReserved(target) {
				problems = append(problems, fmt.Sprintf("phase %q transitions to unknown phase %q", ph.Name, target))
			}
		}
	}

	if cfg.EntryPhase == "" {
		problems = append(problems, "entry_phase is not set")
	} else if entry, ok := p.byName[cfg.EntryPhase]; !ok {
		problems = append(problems, fmt.Sprintf("entry_phase %q does not exist", cfg.EntryPhase))
	} else {
		p.entry = entry
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return p, nil
}

// IsReserved reports whether status is one of the bracket statuses no
// phase may claim.
func IsReserved(status string) bool {
	return status == item.StatusNotStarted || status == item.StatusComplete
}

// Entry returns the phase new stages are onboarded into.
func (p *Pipeline) Entry() *Phase { return p.entry }

// Phases returns the configured phases in order.
func (p *Pipeline) Phases() []Phase { return p.phases }

// PhaseByName looks a phase up by its name.
func (p *Pipeline) PhaseByName(name string) (*Phase, bool) {
	ph, ok := p.byName[name]
	return ph, ok
}

// PhaseForStatus looks a phase up by the status string it owns.
func (p *Pipeline) PhaseForStatus(status string) (*Phase, bool) {
	ph, ok := p.byStatus[status]
	return ph, ok
}

// LookupSkill resolves a status to the skill that drives it. Resolver
// phases and unknown statuses have no skill.
func (p *Pipeline) LookupSkill(status string) (string, bool) {
	ph, ok := p.byStatus[status]
	if !ok || ph.IsResolver() {
		return "", false
	}
	return ph.Skill, true
}

// ResolverPhases returns the phases advanced by resolver sweeps, in
// pipeline order.
func (p *Pipeline) ResolverPhases() []*Phase {
	var out []*Phase
	for i := range p.phases {
		if p.phases[i].IsResolver() {
			out = append(out, &p.phases[i])
		}
	}
	return out
}

// CanTransition reports whether the configured graph allows moving
// from one status to another. Transitions into terminal statuses are
// always allowed.
func (p *Pipeline) CanTransition(fromStatus, toStatus string) bool {
	if item.IsTerminal(toStatus) {
		return true
	}
	from, ok := p.byStatus[fromStatus]
	if !ok {
		return false
	}
	to, ok := p.byStatus[toStatus]
	if !ok {
		return false
	}
	for _, name := range from.TransitionsTo {
		if name == to.Name {
			return true
		}
	}
	return false
}

// ReviewableStatuses returns the statuses of phases where a PR exists
// and merge parent tracking applies: phases whose name mentions review
// or PR, plus the conventional PR Created status.
func (p *Pipeline) ReviewableStatuses() []string {
	var out []string
	for i := range p.phases {
		ph := &p.phases[i]
		if ph.Status == StatusPRCreated || reviewableName(ph.Name) {
			out = append(out, ph.Status)
		}
	}
	return out
}

func reviewableName(name string) bool {
	for _, word := range strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	}) {
		if word == "pr" || strings.Contains(word, "review") {
			return true
		}
	}
	return false
}

// Default returns a workflow default value, "" when unset.
func (p *Pipeline) Default(key string) string {
	return p.defaults[key]
}

// Defaults returns all workflow defaults.
func (p *Pipeline) Defaults() map[string]string {
	return p.defaults
}

// KnownStatus reports whether status is either reserved or owned by a
// configured phase. Used by validation to flag out-of-pipeline
// statuses in stage files.
func (p *Pipeline) KnownStatus(status string) bool {
	if IsReserved(status) || item.IsTerminal(status) {
		return true
	}
	_, ok := p.byStatus[status]
	return ok
}
