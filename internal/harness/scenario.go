package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/fieldsync/internal/engine"
	"github.com/roach88/fieldsync/internal/model"
)

// Scenario is one sync scenario.
type Scenario struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`

	// DeviceID stamps local mutations. Defaults to "tech-1".
	DeviceID string `yaml:"device_id,omitempty"`

	// ServerIDs makes the server assign its own ids with this prefix.
	ServerIDs string `yaml:"server_ids,omitempty"`

	Backoff        *BackoffSpec `yaml:"backoff,omitempty"`
	MaxOpsPerDrain int          `yaml:"max_ops_per_drain,omitempty"`

	// Policy is CUE source layered over the built-in authority tables.
	Policy string `yaml:"policy,omitempty"`

	// Server records exist before the first step. Unless RemoteOnly is
	// set they are also pulled into the local store.
	Server []RecordSpec `yaml:"server,omitempty"`

	Steps  []Step `yaml:"steps"`
	Expect Expect `yaml:"expect"`
}

// BackoffSpec overrides the retry policy.
type BackoffSpec struct {
	BaseDelay   Duration `yaml:"base_delay"`
	MaxDelay    Duration `yaml:"max_delay"`
	MaxAttempts int      `yaml:"max_attempts"`
}

// RecordSpec seeds one server record.
type RecordSpec struct {
	EntityType string         `yaml:"entity_type"`
	ID         string         `yaml:"id"`
	Fields     map[string]any `yaml:"fields"`
	Version    int64          `yaml:"version,omitempty"`
	UpdatedBy  string         `yaml:"updated_by,omitempty"`
	RemoteOnly bool           `yaml:"remote_only,omitempty"`
}

// Step is one scenario action. Exactly one action field is set.
type Step struct {
	Enqueue      *EnqueueStep    `yaml:"enqueue,omitempty"`
	ServerUpdate *ServerChange   `yaml:"server_update,omitempty"`
	ServerDelete *ServerChange   `yaml:"server_delete,omitempty"`
	Connectivity string          `yaml:"connectivity,omitempty"`
	Fail         []FailSpec      `yaml:"fail,omitempty"`
	Drain        bool            `yaml:"drain,omitempty"`
	Advance      Duration        `yaml:"advance,omitempty"`
	Resync       *EntityRef      `yaml:"resync,omitempty"`
	DeadLetter   *DeadLetterStep `yaml:"deadletter,omitempty"`

	// ExpectError is the error code the action must fail with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// EnqueueStep is a local mutation.
type EnqueueStep struct {
	EntityType string         `yaml:"entity_type"`
	ID         string         `yaml:"id,omitempty"`
	Kind       string         `yaml:"kind"`
	Payload    map[string]any `yaml:"payload,omitempty"`
}

// ServerChange edits or deletes a record directly on the server, as a
// dispatcher or another device would.
type ServerChange struct {
	EntityType string         `yaml:"entity_type"`
	ID         string         `yaml:"id"`
	Fields     map[string]any `yaml:"fields,omitempty"`
	By         string         `yaml:"by,omitempty"`
}

// EntityRef names one record.
type EntityRef struct {
	EntityType string `yaml:"entity_type"`
	ID         string `yaml:"id"`
}

// FailSpec is a failure the server returns for the next submit.
type FailSpec struct {
	Code       string   `yaml:"code"`
	Message    string   `yaml:"message,omitempty"`
	RetryAfter Duration `yaml:"retry_after,omitempty"`
}

// DeadLetterStep acts on the dead-letter list.
type DeadLetterStep struct {
	Action    string `yaml:"action"`
	Operation string `yaml:"operation,omitempty"`
}

// Expect is the state checked after the last step.
type Expect struct {
	Local          []RecordExpect     `yaml:"local,omitempty"`
	Server         []RecordExpect     `yaml:"server,omitempty"`
	Counts         *CountsExpect      `yaml:"counts,omitempty"`
	State          string             `yaml:"state,omitempty"`
	Resolutions    []ResolutionExpect `yaml:"resolutions,omitempty"`
	ReauthRequired *int               `yaml:"reauth_required,omitempty"`
	ServerApplied  *int               `yaml:"server_applied,omitempty"`
}

// RecordExpect checks one record. Fields is a subset match.
type RecordExpect struct {
	EntityType string         `yaml:"entity_type"`
	ID         string         `yaml:"id"`
	Fields     map[string]any `yaml:"fields,omitempty"`
	Version    *int64         `yaml:"version,omitempty"`
	ServerID   string         `yaml:"server_id,omitempty"`
	Deleted    bool           `yaml:"deleted,omitempty"`
	Absent     bool           `yaml:"absent,omitempty"`
}

// CountsExpect checks operation log depths. Unset counts are not checked.
type CountsExpect struct {
	Pending      *int `yaml:"pending,omitempty"`
	InFlight     *int `yaml:"in_flight,omitempty"`
	DeadLettered *int `yaml:"dead_lettered,omitempty"`
	Committed    *int `yaml:"committed,omitempty"`
}

// ResolutionExpect checks one resolution report, in delivery order.
type ResolutionExpect struct {
	EntityID   string   `yaml:"entity_id"`
	Overridden []string `yaml:"overridden,omitempty"`
	Corrected  []string `yaml:"corrected,omitempty"`
	Discarded  *bool    `yaml:"discarded,omitempty"`
}

// Step action names, as they appear in traces.
const (
	ActionSeed         = "seed"
	ActionEnqueue      = "enqueue"
	ActionServerUpdate = "server_update"
	ActionServerDelete = "server_delete"
	ActionConnectivity = "connectivity"
	ActionFail         = "fail"
	ActionDrain        = "drain"
	ActionAdvance      = "advance"
	ActionResync       = "resync"
	ActionDeadLetter   = "deadletter"
	ActionResolution   = "resolution"
	ActionReauth       = "reauth_required"
)

// Failure codes accepted by FailSpec.
const (
	FailTransient    = "transient"
	FailPermanent    = "permanent"
	FailUnauthorized = "unauthorized"
	FailRateLimited  = "rate_limited"
)

// Dead-letter actions.
const (
	DeadLetterRetry    = "retry"
	DeadLetterRetryAll = "retry_all"
	DeadLetterDiscard  = "discard"
)

// Duration is a time.Duration written as "1.5s", "2m" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

// Action returns the action name of s, or "" if none is set.
func (s Step) Action() string {
	names := s.actions()
	if len(names) != 1 {
		return ""
	}
	return names[0]
}

func (s Step) actions() []string {
	var names []string
	if s.Enqueue != nil {
		names = append(names, ActionEnqueue)
	}
	if s.ServerUpdate != nil {
		names = append(names, ActionServerUpdate)
	}
	if s.ServerDelete != nil {
		names = append(names, ActionServerDelete)
	}
	if s.Connectivity != "" {
		names = append(names, ActionConnectivity)
	}
	if len(s.Fail) > 0 {
		names = append(names, ActionFail)
	}
	if s.Drain {
		names = append(names, ActionDrain)
	}
	if s.Advance != 0 {
		names = append(names, ActionAdvance)
	}
	if s.Resync != nil {
		names = append(names, ActionResync)
	}
	if s.DeadLetter != nil {
		names = append(names, ActionDeadLetter)
	}
	return names
}

// LoadScenario reads and validates a scenario file. Unknown keys are
// rejected so that typos do not silently skip checks.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario decodes and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&sc); err != nil {
		return nil, fmt.Errorf("parse YAML: %w", err)
	}
	if err := sc.Validate(); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

// Validate checks structure. Values are checked again when the scenario
// runs, against the real engine.
func (sc *Scenario) Validate() error {
	var errs []error
	if sc.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if len(sc.Steps) == 0 {
		errs = append(errs, errors.New("at least one step is required"))
	}
	if sc.Backoff != nil {
		if err := sc.Backoff.engineBackoff().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("backoff: %w", err))
		}
	}
	if sc.MaxOpsPerDrain < 0 {
		errs = append(errs, errors.New("max_ops_per_drain must not be negative"))
	}
	for i, rec := range sc.Server {
		if err := checkRef(rec.EntityType, rec.ID); err != nil {
			errs = append(errs, fmt.Errorf("server[%d]: %w", i, err))
		}
	}
	for i, step := range sc.Steps {
		if err := step.validate(); err != nil {
			errs = append(errs, fmt.Errorf("steps[%d]: %w", i, err))
		}
	}
	if err := sc.Expect.validate(); err != nil {
		errs = append(errs, fmt.Errorf("expect: %w", err))
	}
	return errors.Join(errs...)
}

func (s Step) validate() error {
	names := s.actions()
	switch len(names) {
	case 0:
		return errors.New("no action")
	case 1:
	default:
		return fmt.Errorf("multiple actions %v", names)
	}

	switch {
	case s.Enqueue != nil:
		if _, err := model.ParseEntityType(s.Enqueue.EntityType); err != nil {
			return err
		}
		if _, err := model.ParseOpKind(s.Enqueue.Kind); err != nil {
			return err
		}
	case s.ServerUpdate != nil:
		return checkRef(s.ServerUpdate.EntityType, s.ServerUpdate.ID)
	case s.ServerDelete != nil:
		return checkRef(s.ServerDelete.EntityType, s.ServerDelete.ID)
	case s.Resync != nil:
		return checkRef(s.Resync.EntityType, s.Resync.ID)
	case s.Connectivity != "":
		if s.Connectivity != "online" && s.Connectivity != "offline" {
			return fmt.Errorf("connectivity must be online or offline, got %q", s.Connectivity)
		}
	case len(s.Fail) > 0:
		for i, f := range s.Fail {
			switch f.Code {
			case FailTransient, FailPermanent, FailUnauthorized, FailRateLimited:
			default:
				return fmt.Errorf("fail[%d]: unknown code %q", i, f.Code)
			}
		}
	case s.Advance < 0:
		return errors.New("advance must not be negative")
	case s.DeadLetter != nil:
		switch s.DeadLetter.Action {
		case DeadLetterRetry, DeadLetterDiscard:
			if s.DeadLetter.Operation == "" {
				return fmt.Errorf("deadletter %s needs an operation", s.DeadLetter.Action)
			}
		case DeadLetterRetryAll:
		default:
			return fmt.Errorf("unknown deadletter action %q", s.DeadLetter.Action)
		}
	}
	return nil
}

func (e Expect) validate() error {
	var errs []error
	for i, r := range e.Local {
		if err := checkRef(r.EntityType, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("local[%d]: %w", i, err))
		}
	}
	for i, r := range e.Server {
		if err := checkRef(r.EntityType, r.ID); err != nil {
			errs = append(errs, fmt.Errorf("server[%d]: %w", i, err))
		}
	}
	switch e.State {
	case "", engine.StateIdle.String(), engine.StateDraining.String(), engine.StateBackoff.String():
	default:
		errs = append(errs, fmt.Errorf("unknown state %q", e.State))
	}
	return errors.Join(errs...)
}

func checkRef(et, id string) error {
	if _, err := model.ParseEntityType(et); err != nil {
		return err
	}
	if id == "" {
		return errors.New("id is required")
	}
	return nil
}

func (b *BackoffSpec) engineBackoff() engine.Backoff {
	return engine.Backoff{
		BaseDelay:   time.Duration(b.BaseDelay),
		MaxDelay:    time.Duration(b.MaxDelay),
		MaxAttempts: b.MaxAttempts,
	}
}
