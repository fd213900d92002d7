package applet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Configuration describes one deployed applet. The Applet stores it
// verbatim; the host interprets Protocols and ErrorTemplate.
type Configuration struct {
	Applet        Container  `yaml:"applet" toml:"applet" json:"applet"`
	ErrorTemplate string     `yaml:"errorTemplate" toml:"errorTemplate" json:"errorTemplate"`
	Protocols     []Protocol `yaml:"protocols" toml:"protocols" json:"protocols"`
}

// Container identifies where the applet is deployed.
type Container struct {
	Container string `yaml:"container" toml:"container" json:"container"`
	Path      string `yaml:"path" toml:"path" json:"path"`
}

type Protocol struct {
	Name       string `yaml:"name" toml:"name" json:"name"`
	Port       int    `yaml:"port" toml:"port" json:"port"`
	Listen     Listen `yaml:"listen" toml:"listen" json:"listen"`
	WebSockets bool   `yaml:"websockets" toml:"websockets" json:"websockets"`
	SSL        bool   `yaml:"ssl" toml:"ssl" json:"ssl"`
}

// Addr is the listen address for the protocol. It is empty when the
// protocol is disabled.
func (p Protocol) Addr() string {
	if !p.Listen.Enabled {
		return ""
	}
	return net.JoinHostPort(p.Listen.Address, strconv.Itoa(p.Port))
}

// Listen is written either as a boolean (true listens on all interfaces)
// or as a bind address.
type Listen struct {
	Enabled bool
	Address string
}

func (l *Listen) set(v any) error {
	switch v := v.(type) {
	case bool:
		*l = Listen{Enabled: v}
	case string:
		v = strings.TrimSpace(v)
		*l = Listen{Enabled: v != "", Address: v}
	default:
		return fmt.Errorf("listen must be a boolean or an address, got %T", v)
	}
	return nil
}

func (l *Listen) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: listen must be a boolean or an address", node.Line)
	}
	var v any
	if node.ShortTag() == "!!bool" {
		var b bool
		if err := node.Decode(&b); err != nil {
			return err
		}
		v = b
	} else {
		v = node.Value
	}
	return l.set(v)
}

func (l *Listen) UnmarshalTOML(v any) error {
	return l.set(v)
}

func (l *Listen) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	return l.set(v)
}

func (l Listen) MarshalYAML() (any, error) {
	if l.Address != "" {
		return l.Address, nil
	}
	return l.Enabled, nil
}

func (l Listen) MarshalJSON() ([]byte, error) {
	if l.Address != "" {
		return json.Marshal(l.Address)
	}
	return json.Marshal(l.Enabled)
}

var ErrUnsupportedFormat = errors.New("unsupported configuration format")

// LoadConfiguration reads a YAML (.yaml, .yml), TOML (.toml) or JSON
// (.json) file.
func LoadConfiguration(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read applet configuration: %w", err)
	}

	var cfg Configuration
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		err = dec.Decode(&cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	case ".json":
		err = json.Unmarshal(data, &cfg)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse applet configuration %s: %w", path, err)
	}
	return &cfg, nil
}
