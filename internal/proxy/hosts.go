package proxy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// HostConfig describes one remote host a proxy can attach to.
type HostConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	User    string `yaml:"user"`
	KeyFile string `yaml:"key_file"`
}

// Addr returns the dial address, defaulting the port to 22.
func (h HostConfig) Addr() string {
	port := h.Port
	if port == 0 {
		port = 22
	}
	return fmt.Sprintf("%s:%d", h.Host, port)
}

// hostsFile is the on-disk shape: a map of connection id to host config.
type hostsFile struct {
	Hosts map[string]HostConfig `yaml:"hosts"`
}

// LoadHosts reads the remote host inventory from a YAML file. A missing path
// yields an empty inventory, not an error, so the proxy layer is optional.
func LoadHosts(path string) (map[string]HostConfig, error) {
	if path == "" {
		return map[string]HostConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hosts file: %w", err)
	}

	var f hostsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse hosts file: %w", err)
	}

	for id, hc := range f.Hosts {
		if hc.Host == "" {
			return nil, fmt.Errorf("hosts file: connection %q has no host", id)
		}
		if hc.User == "" {
			return nil, fmt.Errorf("hosts file: connection %q has no user", id)
		}
	}

	if f.Hosts == nil {
		f.Hosts = map[string]HostConfig{}
	}
	return f.Hosts, nil
}
