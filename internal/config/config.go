package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"sriov-provisioner/pkg/logging"
	"sriov-provisioner/pkg/pciaddr"
)

// Inventory backends.
const (
	InventoryVirsh = "virsh"
	InventorySysfs = "sysfs"
)

// Config is the provisioner configuration
type Config struct {
	LibvirtURI string `yaml:"libvirt_uri"`
	SysfsRoot  string `yaml:"sysfs_root"`
	// Driver selects the PF by kernel driver when PhysicalFunction is empty.
	Driver           string        `yaml:"driver"`
	PhysicalFunction string        `yaml:"physical_function"`
	VFCount          int           `yaml:"vf_count"`
	ProvisionTimeout time.Duration `yaml:"provision_timeout"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PFWaitTimeout    time.Duration `yaml:"pf_wait_timeout"`
	LogLevel         string        `yaml:"log_level"`
	Listen           string        `yaml:"listen"`
	MetricsListen    string        `yaml:"metrics_listen"`
	Inventory        string        `yaml:"inventory"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LibvirtURI:       "qemu:///system",
		SysfsRoot:        "/sys",
		Driver:           "ixgbe",
		ProvisionTimeout: 120 * time.Second,
		PollInterval:     time.Second,
		PFWaitTimeout:    60 * time.Second,
		LogLevel:         "info",
		Listen:           ":50051",
		MetricsListen:    ":9108",
		Inventory:        InventoryVirsh,
	}
}

// Load reads a YAML file over the defaults. Keys missing from the file
// keep their default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values and their combinations.
func (c *Config) Validate() error {
	if c.PhysicalFunction == "" && c.Driver == "" {
		return errors.New("one of physical_function or driver is required")
	}
	if c.PhysicalFunction != "" {
		if _, err := pciaddr.Parse(c.PhysicalFunction); err != nil {
			return err
		}
	}
	if c.VFCount < 0 {
		return fmt.Errorf("vf_count must not be negative, got %d", c.VFCount)
	}
	if c.ProvisionTimeout <= 0 {
		return fmt.Errorf("provision_timeout must be positive, got %s", c.ProvisionTimeout)
	}
	if c.PollInterval <= 0 || c.PollInterval > c.ProvisionTimeout {
		return fmt.Errorf("poll_interval must be positive and at most provision_timeout, got %s", c.PollInterval)
	}
	if c.PFWaitTimeout < 0 {
		return fmt.Errorf("pf_wait_timeout must not be negative, got %s", c.PFWaitTimeout)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.Inventory {
	case InventoryVirsh, InventorySysfs:
	default:
		return fmt.Errorf("inventory must be %q or %q, got %q", InventoryVirsh, InventorySysfs, c.Inventory)
	}
	return nil
}

// PFAddress returns the configured PF, if any.
func (c *Config) PFAddress() (pciaddr.Address, bool) {
	addr, err := pciaddr.Parse(c.PhysicalFunction)
	if err != nil {
		return pciaddr.Address{}, false
	}
	return addr, true
}

// ParseVFRange parses a VF index list like "0-3,5,7-9"
func ParseVFRange(rangeStr string) ([]int, error) {
	if strings.TrimSpace(rangeStr) == "" {
		return nil, errors.New("empty VF range")
	}
	var indices []int
	parts := strings.Split(rangeStr, ",")

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if strings.Contains(part, "-") {
			rangeParts := strings.Split(part, "-")
			if len(rangeParts) != 2 {
				return nil, fmt.Errorf("invalid range format: %s", part)
			}
			start, err := strconv.Atoi(strings.TrimSpace(rangeParts[0]))
			if err != nil {
				return nil, fmt.Errorf("invalid start index: %s", rangeParts[0])
			}
			end, err := strconv.Atoi(strings.TrimSpace(rangeParts[1]))
			if err != nil {
				return nil, fmt.Errorf("invalid end index: %s", rangeParts[1])
			}
			if end < start {
				return nil, fmt.Errorf("invalid range %s: end before start", part)
			}
			for i := start; i <= end; i++ {
				indices = append(indices, i)
			}
		} else {
			index, err := strconv.Atoi(part)
			if err != nil {
				return nil, fmt.Errorf("invalid index: %s", part)
			}
			indices = append(indices, index)
		}
	}

	return indices, nil
}
