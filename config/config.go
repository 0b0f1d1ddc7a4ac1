// Package config loads the saced configuration file and keeps boot services
// in line with it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/sacexec/sace/credential"
	"github.com/sacexec/sace/errdefs"
	"github.com/sacexec/sace/service"
	"gopkg.in/yaml.v3"
)

const (
	DefaultSocket      = "/run/saced.sock"
	DefaultSocketMode  = "0660"
	DefaultLogLevel    = "info"
	DefaultStopTimeout = service.DefaultStopTimeout

	OutputDiscard = "discard"
	OutputLog     = "log"
)

type Config struct {
	Socket        string        `yaml:"socket"`
	SocketMode    string        `yaml:"socket_mode"`
	PidFile       string        `yaml:"pid_file"`
	LogLevel      string        `yaml:"log_level"`
	StopTimeout   time.Duration `yaml:"stop_timeout"`
	Shell         string        `yaml:"shell"`
	ServiceOutput string        `yaml:"service_output"`

	Services []Service `yaml:"services"`
}

// Service is a boot service, started when the daemon starts.
type Service struct {
	Name         string   `yaml:"name"`
	Command      string   `yaml:"cmd"`
	UID          *int     `yaml:"uid"`
	GIDs         []int    `yaml:"gids"`
	Capabilities []string `yaml:"capabilities"`
	Restart      string   `yaml:"restart"`
}

// Param builds the parameter bundle the service is started with.
func (s Service) Param() *credential.Param {
	p := credential.NewParam()
	if s.UID != nil {
		p.UID = *s.UID
	}
	p.GIDs = append(p.GIDs, s.GIDs...)
	p.Capabilities = append(p.Capabilities, s.Capabilities...)
	return p
}

func (s Service) RestartPolicy() service.RestartPolicy {
	// validated on load
	p, _ := service.ParseRestartPolicy(s.Restart)
	return p
}

func Default() *Config {
	return &Config{
		Socket:        DefaultSocket,
		SocketMode:    DefaultSocketMode,
		LogLevel:      DefaultLogLevel,
		StopTimeout:   DefaultStopTimeout,
		ServiceOutput: OutputDiscard,
	}
}

// Mode parses SocketMode as an octal file mode.
func (c *Config) Mode() (os.FileMode, error) {
	m, err := strconv.ParseUint(c.SocketMode, 8, 32)
	if err != nil {
		return 0, errdefs.InvalidArgument("config", "socket_mode", "parsing %q: %s", c.SocketMode, err)
	}
	return os.FileMode(m) & os.ModePerm, nil
}

// Service returns the boot service called name.
func (c *Config) Service(name string) (Service, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return Service{}, false
}

func (c *Config) Validate() error {
	if _, err := c.Mode(); err != nil {
		return err
	}
	switch c.ServiceOutput {
	case OutputDiscard, OutputLog:
	default:
		return errdefs.InvalidArgument("config", "service_output", "expected %s or %s, got %q", OutputDiscard, OutputLog, c.ServiceOutput)
	}
	if c.StopTimeout <= 0 {
		return errdefs.InvalidArgument("config", "stop_timeout", "must be positive, got %s", c.StopTimeout)
	}
	seen := map[string]bool{}
	for i, s := range c.Services {
		if s.Name == "" {
			return errdefs.InvalidArgument("config", fmt.Sprintf("services[%d]", i), "name is required")
		}
		if seen[s.Name] {
			return errdefs.Exists("config", s.Name)
		}
		seen[s.Name] = true
		if s.Command == "" {
			return errdefs.InvalidArgument("config", s.Name, "cmd is required")
		}
		if _, err := service.ParseRestartPolicy(s.Restart); err != nil {
			return err
		}
		if _, err := s.Param().Credential(); err != nil {
			return err
		}
	}
	return nil
}

// Parse decodes a YAML document over the defaults. Unknown keys are rejected.
func Parse(b []byte) (*Config, error) {
	c := Default()
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	c, err := Parse(b)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", path, err)
	}
	return c, nil
}
