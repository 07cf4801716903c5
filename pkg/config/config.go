package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultBind           = ":8888"
	DefaultIdleTimeout    = 600 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// Options is the full runtime configuration. It is loaded once at startup and
// treated as immutable afterwards; every worker gets the same snapshot.
type Options struct {
	Bind       string         `yaml:"bind"`
	ReusePort  bool           `yaml:"reuse_port"`
	MaxClients int            `yaml:"max_clients"`
	Timeout    TimeoutOptions `yaml:"timeout"`

	Upstream TunnelOptions `yaml:"upstream"`
	Tunnel   TunnelOptions `yaml:"tunnel"`

	StatHost  string   `yaml:"stathost"`
	MyDomain  string   `yaml:"my_domain"`
	Anonymous []string `yaml:"anonymous"`

	ACL     []string       `yaml:"acl"`
	Filter  FilterOptions  `yaml:"filter"`
	Logging LoggingOptions `yaml:"logging"`
	Metrics MetricsOptions `yaml:"metrics"`
}

type TimeoutOptions struct {
	Idle    time.Duration `yaml:"idletimeout"`
	Connect time.Duration `yaml:"connect"`
}

// UnmarshalYAML accepts durations either as Go duration strings ("90s") or
// as bare integer seconds.
func (t *TimeoutOptions) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Idle    yaml.Node `yaml:"idletimeout"`
		Connect yaml.Node `yaml:"connect"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	var err error
	if t.Idle, err = decodeDuration(&raw.Idle); err != nil {
		return fmt.Errorf("idletimeout: %w", err)
	}
	if t.Connect, err = decodeDuration(&raw.Connect); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

func decodeDuration(node *yaml.Node) (time.Duration, error) {
	if node.IsZero() {
		return 0, nil
	}

	var s string
	if err := node.Decode(&s); err == nil {
		if d, perr := time.ParseDuration(s); perr == nil {
			return d, nil
		}
		if secs, perr := strconv.Atoi(s); perr == nil {
			return time.Duration(secs) * time.Second, nil
		}
		return 0, fmt.Errorf("duration '%s' is invalid", s)
	}

	var secs int64
	if err := node.Decode(&secs); err == nil {
		return time.Duration(secs) * time.Second, nil
	}

	return 0, fmt.Errorf("duration is invalid")
}

// TunnelOptions names a fixed peer, either a parent proxy or a raw TCP
// redirection target. Host and Port must both be set for the mode to engage.
type TunnelOptions struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (t TunnelOptions) Enabled() bool {
	return t.Host != "" && t.Port > 0
}

type FilterOptions struct {
	Path          string `yaml:"path"`
	Regex         bool   `yaml:"regex"`
	CaseSensitive bool   `yaml:"case_sensitive"`
	Watch         bool   `yaml:"watch"`
}

func (f FilterOptions) Enabled() bool {
	return f.Path != ""
}

type LoggingOptions struct {
	Level   string `yaml:"level"`
	Handler string `yaml:"handler"`
	Output  string `yaml:"output"`
}

type MetricsOptions struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// Load reads and validates a YAML config file.
func Load(path string) (Options, error) {
	opts := Options{}

	b, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("config file not found, path: %s", path)
	}

	if err := yaml.Unmarshal(b, &opts); err != nil {
		return opts, fmt.Errorf("fail to parse config: %w", err)
	}

	opts.SetDefaults()

	if err := opts.Validate(); err != nil {
		return opts, err
	}

	return opts, nil
}

func (o *Options) SetDefaults() {
	if o.Bind == "" {
		o.Bind = DefaultBind
	}

	if o.Timeout.Idle <= 0 {
		o.Timeout.Idle = DefaultIdleTimeout
	}

	if o.Timeout.Connect <= 0 {
		o.Timeout.Connect = DefaultConnectTimeout
	}
}

func (o *Options) Validate() error {
	if o.Upstream.Enabled() && o.Tunnel.Enabled() {
		return fmt.Errorf("upstream and tunnel can't both be set")
	}

	if o.Upstream.Host != "" && o.Upstream.Port <= 0 {
		return fmt.Errorf("upstream port can't be empty")
	}

	if o.Tunnel.Host != "" && o.Tunnel.Port <= 0 {
		return fmt.Errorf("tunnel port can't be empty")
	}

	if o.MaxClients < 0 {
		return fmt.Errorf("max_clients can't be negative")
	}

	if o.Metrics.Enabled && o.Metrics.Bind == "" {
		return fmt.Errorf("metrics bind can't be empty")
	}

	return nil
}
