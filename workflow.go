package conveyor

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// StepDef declares one ordered unit of work within a workflow. Steps are
// listed explicitly; the engine never discovers them by reflection.
type StepDef struct {
	Name    string      `json:"name" yaml:"name"`
	Order   int         `json:"order" yaml:"order"`
	Handler StepHandler `json:"-" yaml:"-"`
}

// RateLimit bounds how many jobs a workflow's queue may start within a
// rolling window.
type RateLimit struct {
	Max      int           `json:"max" yaml:"max"`
	Duration time.Duration `json:"duration" yaml:"duration"`
}

// TriggerKind identifies a trigger variant.
type TriggerKind string

const (
	TriggerKindCron    TriggerKind = "cron"
	TriggerKindEvent   TriggerKind = "event"
	TriggerKindWebhook TriggerKind = "webhook"
)

// Trigger is one of CronTrigger, EventTrigger, or WebhookTrigger.
type Trigger interface {
	Kind() TriggerKind
}

// CronTrigger starts a job on a time pattern. OldPattern marks a one-time
// rename the reconciler resolves by repointing the existing Schedule row
// rather than creating a duplicate.
type CronTrigger struct {
	Pattern    string `json:"pattern" yaml:"pattern"`
	Timezone   string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
	Immediate  bool   `json:"immediate,omitempty" yaml:"immediate,omitempty"`
	OldPattern string `json:"old_pattern,omitempty" yaml:"old_pattern,omitempty"`
}

// Kind implements Trigger.
func (CronTrigger) Kind() TriggerKind { return TriggerKindCron }

// EventTrigger starts a job when a named business event is dispatched.
type EventTrigger struct {
	Names      []string `json:"names" yaml:"names"`
	Provider   string   `json:"provider,omitempty" yaml:"provider,omitempty"`
	Connection string   `json:"connection,omitempty" yaml:"connection,omitempty"`
}

// Kind implements Trigger.
func (EventTrigger) Kind() TriggerKind { return TriggerKindEvent }

// WebhookTrigger lets third parties start a job with a signed,
// workflow-scoped bearer token.
type WebhookTrigger struct{}

// Kind implements Trigger.
func (WebhookTrigger) Kind() TriggerKind { return TriggerKindWebhook }

// Options are used to configure a workflow.
type Options struct {
	Name                 string     `json:"name" yaml:"name"`
	Description          string     `json:"description,omitempty" yaml:"description,omitempty"`
	Steps                []StepDef  `json:"steps" yaml:"steps"`
	Concurrency          int        `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	MaxRetries           int        `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	RateLimit            *RateLimit `json:"rate_limit,omitempty" yaml:"rate_limit,omitempty"`
	Internal             bool       `json:"internal,omitempty" yaml:"internal,omitempty"`
	AllowUserDefinedCron bool       `json:"allow_user_defined_cron,omitempty" yaml:"allow_user_defined_cron,omitempty"`
	WebhookEnabled       bool       `json:"webhook_enabled,omitempty" yaml:"webhook_enabled,omitempty"`
	Triggers             []Trigger  `json:"-" yaml:"-"`
	OldName              string     `json:"old_name,omitempty" yaml:"old_name,omitempty"`
}

// Workflow is an immutable descriptor derived from Options at boot: a named,
// ordered sequence of steps plus trigger, retry, and concurrency
// configuration. One exists per workflow; all are owned by the Registry.
type Workflow struct {
	id          string
	name        string
	description string
	steps       []StepDef
	stepsByName map[string]StepDef
	opts        Options
}

// New returns a new Workflow configured with the given options. Duplicate
// step orders or names are configuration errors, fatal at boot.
func New(opts Options) (*Workflow, error) {
	if opts.Name == "" {
		return nil, NewConfigError("", "workflow name required")
	}
	if len(opts.Steps) == 0 {
		return nil, NewConfigError(opts.Name, "steps required")
	}

	steps := make([]StepDef, len(opts.Steps))
	copy(steps, opts.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	stepsByName := make(map[string]StepDef, len(steps))
	seenOrders := make(map[int]string, len(steps))
	for _, step := range steps {
		if step.Name == "" {
			return nil, NewConfigError(opts.Name, "step name required")
		}
		if step.Handler == nil {
			return nil, NewConfigError(opts.Name, "step %q has no handler", step.Name)
		}
		if prior, ok := seenOrders[step.Order]; ok {
			return nil, NewConfigError(opts.Name, "steps %q and %q share order %d", prior, step.Name, step.Order)
		}
		if _, ok := stepsByName[step.Name]; ok {
			return nil, NewConfigError(opts.Name, "duplicate step name %q", step.Name)
		}
		seenOrders[step.Order] = step.Name
		stepsByName[step.Name] = step
	}

	if opts.WebhookEnabled && !hasTriggerKind(opts.Triggers, TriggerKindWebhook) {
		opts.Triggers = append(opts.Triggers, WebhookTrigger{})
	}
	for _, trigger := range opts.Triggers {
		if cron, ok := trigger.(CronTrigger); ok {
			if cron.Pattern == "" {
				return nil, NewConfigError(opts.Name, "cron trigger requires a pattern")
			}
			if _, err := cronParser.Parse(cron.Pattern); err != nil {
				return nil, NewConfigError(opts.Name, "invalid cron pattern %q: %v", cron.Pattern, err)
			}
			if cron.Timezone != "" {
				if _, err := time.LoadLocation(cron.Timezone); err != nil {
					return nil, NewConfigError(opts.Name, "invalid timezone %q: %v", cron.Timezone, err)
				}
			}
		}
		if event, ok := trigger.(EventTrigger); ok && len(event.Names) == 0 {
			return nil, NewConfigError(opts.Name, "event trigger requires at least one event name")
		}
	}

	return &Workflow{
		id:          Slugify(opts.Name),
		name:        opts.Name,
		description: opts.Description,
		steps:       steps,
		stepsByName: stepsByName,
		opts:        opts,
	}, nil
}

// ID returns the workflow identifier, a slug derived from the name.
func (w *Workflow) ID() string { return w.id }

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Description returns the workflow description.
func (w *Workflow) Description() string { return w.description }

// Steps returns the workflow steps in declared order.
func (w *Workflow) Steps() []StepDef {
	steps := make([]StepDef, len(w.steps))
	copy(steps, w.steps)
	return steps
}

// StepNames returns the names of all steps in declared order.
func (w *Workflow) StepNames() []string {
	names := make([]string, len(w.steps))
	for i, step := range w.steps {
		names[i] = step.Name
	}
	return names
}

// GetStep returns a step by name.
func (w *Workflow) GetStep(name string) (StepDef, bool) {
	step, ok := w.stepsByName[name]
	return step, ok
}

// Concurrency returns the bound on simultaneous jobs, defaulting to 1.
func (w *Workflow) Concurrency() int {
	if w.opts.Concurrency <= 0 {
		return 1
	}
	return w.opts.Concurrency
}

// MaxRetries returns the per-step retry budget.
func (w *Workflow) MaxRetries() int { return w.opts.MaxRetries }

// RateLimit returns the workflow's rate limit, or nil if unlimited.
func (w *Workflow) RateLimit() *RateLimit { return w.opts.RateLimit }

// Internal reports whether the workflow is hidden from operator listings.
func (w *Workflow) Internal() bool { return w.opts.Internal }

// AllowUserDefinedCron reports whether operators may attach their own
// schedules to this workflow.
func (w *Workflow) AllowUserDefinedCron() bool { return w.opts.AllowUserDefinedCron }

// OldName returns the workflow's previous name during a rename, if any.
func (w *Workflow) OldName() string { return w.opts.OldName }

// Triggers returns the declared triggers.
func (w *Workflow) Triggers() []Trigger {
	triggers := make([]Trigger, len(w.opts.Triggers))
	copy(triggers, w.opts.Triggers)
	return triggers
}

// CronTriggers returns only the cron triggers.
func (w *Workflow) CronTriggers() []CronTrigger {
	var out []CronTrigger
	for _, trigger := range w.opts.Triggers {
		if cron, ok := trigger.(CronTrigger); ok {
			out = append(out, cron)
		}
	}
	return out
}

// EventTriggers returns only the event triggers.
func (w *Workflow) EventTriggers() []EventTrigger {
	var out []EventTrigger
	for _, trigger := range w.opts.Triggers {
		if event, ok := trigger.(EventTrigger); ok {
			out = append(out, event)
		}
	}
	return out
}

// WebhookEnabled reports whether the workflow declares a webhook trigger.
func (w *Workflow) WebhookEnabled() bool {
	return hasTriggerKind(w.opts.Triggers, TriggerKindWebhook)
}

func hasTriggerKind(triggers []Trigger, kind TriggerKind) bool {
	for _, trigger := range triggers {
		if trigger.Kind() == kind {
			return true
		}
	}
	return false
}

// Slugify lowercases a workflow name and replaces spaces with hyphens,
// producing the stable identifier used in job rows and URLs.
func Slugify(name string) string {
	return strings.ToLower(strings.Join(strings.Fields(strings.TrimSpace(name)), "-"))
}

// optionsFile mirrors Options for YAML loading, with triggers expressed as
// tagged maps since Trigger is an interface.
type optionsFile struct {
	Options  `yaml:",inline"`
	Triggers []triggerFile `yaml:"triggers,omitempty"`
}

type triggerFile struct {
	Cron    *CronTrigger    `yaml:"cron,omitempty"`
	Event   *EventTrigger   `yaml:"event,omitempty"`
	Webhook *WebhookTrigger `yaml:"webhook,omitempty"`
}

// LoadOptionsFile loads workflow options from a YAML file. Handlers cannot
// be expressed in YAML; callers attach them before calling New.
func LoadOptionsFile(path string) (Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Options{}, fmt.Errorf("failed to read workflow options file: %w", err)
	}
	return LoadOptionsString(string(data))
}

// LoadOptionsString loads workflow options from a YAML string.
func LoadOptionsString(data string) (Options, error) {
	var file optionsFile
	if err := yaml.Unmarshal([]byte(data), &file); err != nil {
		return Options{}, fmt.Errorf("failed to unmarshal workflow options: %w", err)
	}
	opts := file.Options
	for _, trigger := range file.Triggers {
		switch {
		case trigger.Cron != nil:
			opts.Triggers = append(opts.Triggers, *trigger.Cron)
		case trigger.Event != nil:
			opts.Triggers = append(opts.Triggers, *trigger.Event)
		case trigger.Webhook != nil:
			opts.Triggers = append(opts.Triggers, *trigger.Webhook)
		}
	}
	return opts, nil
}
