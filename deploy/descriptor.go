package deploy

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	// ErrInvalidDescriptor is returned before any remote call when a descriptor cannot be deployed.
	ErrInvalidDescriptor = errors.New("invalid server descriptor")
	// ErrDeploymentTimeout is returned when a deployed server never became ready.
	ErrDeploymentTimeout = errors.New("deployment did not become ready")
)

// Descriptor describes an MCP server that can be deployed.
type Descriptor struct {
	Name           string        `yaml:"name" json:"name,omitempty"`
	Title          string        `yaml:"title" json:"title,omitempty"`
	StartCommand   string        `yaml:"startCommand" json:"startCommand"`
	InstallCommand string        `yaml:"installCommand,omitempty" json:"installCommand,omitempty"`
	DefaultTimeout time.Duration `yaml:"defaultTimeout,omitempty" json:"defaultTimeout,omitempty"`
	RequiredEnv    []string      `yaml:"requiredEnv,omitempty" json:"requiredEnv,omitempty"`
	// Template overrides the deployer's sandbox template.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
}

// Validate checks that d can be started with env.
func (d Descriptor) Validate(env map[string]string) error {
	if strings.TrimSpace(d.StartCommand) == "" {
		return fmt.Errorf("%w: startCommand is required", ErrInvalidDescriptor)
	}
	var missing []string
	for _, name := range d.RequiredEnv {
		if env[name] == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing required environment variables: %s", ErrInvalidDescriptor, strings.Join(missing, ", "))
	}
	return nil
}

// Catalog is a set of descriptors addressable by name.
type Catalog struct {
	servers map[string]Descriptor
}

type catalogFile struct {
	Servers []Descriptor `yaml:"servers"`
}

// LoadCatalog reads a catalog from a YAML file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML. Every entry needs a unique name and a start command.
func ParseCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	c := &Catalog{servers: make(map[string]Descriptor, len(file.Servers))}
	for i, d := range file.Servers {
		if d.Name == "" {
			return nil, fmt.Errorf("catalog entry %d: name is required", i)
		}
		if _, dup := c.servers[d.Name]; dup {
			return nil, fmt.Errorf("catalog entry %d: duplicate name %q", i, d.Name)
		}
		if strings.TrimSpace(d.StartCommand) == "" {
			return nil, fmt.Errorf("catalog entry %q: %w: startCommand is required", d.Name, ErrInvalidDescriptor)
		}
		if d.Title == "" {
			d.Title = d.Name
		}
		c.servers[d.Name] = d
	}
	return c, nil
}

// Lookup returns the descriptor registered under name.
func (c *Catalog) Lookup(name string) (Descriptor, bool) {
	if c == nil {
		return Descriptor{}, false
	}
	d, ok := c.servers[name]
	return d, ok
}

// Names returns the sorted descriptor names.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.servers))
	for name := range c.servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
