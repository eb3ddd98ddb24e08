package model

import (
	"context"
	"fmt"
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	ServiceModeManual = "manual"
	ServiceModeTimer  = "timer"

	AuthTypeNone        = "none"
	AuthTypeStaticToken = "static_token"

	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	DefaultListen = "127.0.0.1:8631"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version    int         `json:"version" yaml:"version"` // fixed 0 for now
	Service    Service     `json:"service" yaml:"service"`
	Sweep      *Sweep      `json:"sweep,omitempty" yaml:"sweep,omitempty"`
	Controller *Controller `json:"controller,omitempty" yaml:"controller,omitempty"`
}

// Service settings of the daemon. Output fields are flattened.
type Service struct {
	Mode       string      `json:"mode" yaml:"mode"` // "manual" | "timer"
	Verbose    *bool       `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log        *string     `json:"log,omitempty" yaml:"log,omitempty"`         // "stderr"|"stdout"|"discard"|path
	Listen     *string     `json:"listen,omitempty" yaml:"listen,omitempty"`   // host:port of the HTTP API
	Dir        *string     `json:"dir,omitempty" yaml:"dir,omitempty"`         // results output directory
	History    *string     `json:"history,omitempty" yaml:"history,omitempty"` // sqlite database path
	Repository *Repository `json:"repository,omitempty" yaml:"repository,omitempty"`
	Schedule   *Schedule   `json:"schedule,omitempty" yaml:"schedule,omitempty"` // required in timer mode
}

// Repository publication settings.
type Repository struct {
	Enabled *bool  `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	URL     string `json:"url" yaml:"url"`
	Auth    Auth   `json:"auth" yaml:"auth"` // discriminated union by Auth.Type
}

// Auth is a tagged union: Type "none" or "static_token".
type Auth struct {
	Type  string `json:"type" yaml:"type"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// Schedule of timer mode, exactly one of the fields is used, Cron first.
type Schedule struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"` // ISO-8601, e.g. PT15M
}

// Sweep holds the defaults applied to a start without explicit parameters.
type Sweep struct {
	Nmap     *string  `json:"nmap,omitempty" yaml:"nmap,omitempty"` // path or name of the nmap binary
	Kind     *string  `json:"kind,omitempty" yaml:"kind,omitempty"`
	Scope    []string `json:"scope,omitempty" yaml:"scope,omitempty"` // nil/empty => local subnets
	Profile  *string  `json:"profile,omitempty" yaml:"profile,omitempty"`
	MaxHosts *int     `json:"max_hosts,omitempty" yaml:"max_hosts,omitempty"`
	Command  *Command `json:"command,omitempty" yaml:"command,omitempty"` // health check command
}

// Command executed once per health check unit. The literal {unit} in Args
// is replaced by the unit.
type Command struct {
	Path    string            `json:"path" yaml:"path"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Timeout string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Units   []string          `json:"units,omitempty" yaml:"units,omitempty"`
}

type Controller struct {
	GraceTimeout  string `json:"grace_timeout,omitempty" yaml:"grace_timeout,omitempty"`
	PauseRetries  *int   `json:"pause_retries,omitempty" yaml:"pause_retries,omitempty"`
	PauseInterval string `json:"pause_interval,omitempty" yaml:"pause_interval,omitempty"`
	StreamBuffer  *int   `json:"stream_buffer,omitempty" yaml:"stream_buffer,omitempty"`
	RecentEvents  *int   `json:"recent_events,omitempty" yaml:"recent_events,omitempty"`
	PageLimit     *int   `json:"page_limit,omitempty" yaml:"page_limit,omitempty"`
}

// Params returns the start parameters configured in the sweep section.
func (s *Sweep) Params() Params {
	if s == nil {
		return Params{Kind: KindDiscovery, Profile: ProfileNormal}
	}
	p := Params{
		Kind:    KindDiscovery,
		Scope:   append([]string(nil), s.Scope...),
		Profile: ProfileNormal,
	}
	if s.Kind != nil {
		p.Kind = Kind(*s.Kind)
	}
	if s.Profile != nil {
		p.Profile = Profile(*s.Profile)
	}
	if s.MaxHosts != nil {
		p.MaxHosts = *s.MaxHosts
	}
	return p
}

func (c Command) ParsedTimeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing command timeout: %w", err)
	}
	return d, nil
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig is stored on the first run when no config file exists.
func DefaultConfig(_ context.Context) Config {
	log := LogStderr
	listen := DefaultListen
	profile := string(ProfileNormal)
	return Config{
		Version: 0,
		Service: Service{
			Mode:   ServiceModeManual,
			Log:    &log,
			Listen: &listen,
		},
		Sweep: &Sweep{
			Profile: &profile,
		},
	}
}
