// Package config handles configuration loading and validation for a
// worldmesh agent.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/worldmesh/worldmesh/pkg/wire"
)

// DomainConfig names the domain server, either directly by hostname or
// through a rendezvous (ICE) server plus domain ID when the domain sits
// behind NAT.
type DomainConfig struct {
	Hostname  string `yaml:"hostname"`
	Port      uint16 `yaml:"port"`
	ICEServer string `yaml:"ice_server"` // host:port of the rendezvous server
	ID        string `yaml:"id"`         // domain UUID, required with ice_server
}

// CheckInConfig tunes the check-in loop.
type CheckInConfig struct {
	Interval   string `yaml:"interval"`    // duration string, e.g. "1s"
	SilentMax  int    `yaml:"silent_max"`
	EvictAfter string `yaml:"evict_after"` // duration string, e.g. "5s"
}

// AgentConfig holds configuration for an agent process.
type AgentConfig struct {
	LogLevel    string        `yaml:"log_level"`
	ListenPort  uint16        `yaml:"listen_port"` // 0 = ephemeral
	MetricsAddr string        `yaml:"metrics_addr"`
	STUNServer  string        `yaml:"stun_server"`
	OwnerType   string        `yaml:"owner_type"`
	Username    string        `yaml:"username"`
	Interest    []string      `yaml:"interest"`
	Domain      DomainConfig  `yaml:"domain"`
	CheckIn     CheckInConfig `yaml:"checkin"`
}

// DefaultAgentConfig returns a configuration with sensible defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		LogLevel:   "info",
		STUNServer: "stun.l.google.com:19302",
		OwnerType:  "agent",
		Interest:   []string{"audio-mixer", "avatar-mixer", "entity-server"},
		Domain:     DomainConfig{Port: 40102},
		CheckIn: CheckInConfig{
			Interval:   "1s",
			SilentMax:  5,
			EvictAfter: "5s",
		},
	}
}

// LoadAgentConfig loads agent configuration from a YAML file, applying
// defaults for anything left unset.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultAgentConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configs that cannot possibly connect.
func (c *AgentConfig) Validate() error {
	if c.Domain.Hostname == "" && c.Domain.ICEServer == "" {
		return fmt.Errorf("config needs domain.hostname or domain.ice_server")
	}
	if c.Domain.Hostname != "" && c.Domain.ICEServer != "" {
		return fmt.Errorf("domain.hostname and domain.ice_server are mutually exclusive")
	}
	if c.Domain.ICEServer != "" {
		if _, err := uuid.Parse(c.Domain.ID); err != nil {
			return fmt.Errorf("domain.id must be a UUID when using ice_server: %w", err)
		}
		if _, err := wire.ParseSockAddr(c.Domain.ICEServer); err != nil {
			return fmt.Errorf("domain.ice_server: %w", err)
		}
	}
	if _, err := c.OwnerNodeType(); err != nil {
		return err
	}
	if _, err := c.InterestTypes(); err != nil {
		return err
	}
	if d, err := c.CheckInInterval(); err != nil || d <= 0 {
		return fmt.Errorf("checkin.interval must be a positive duration, got %q", c.CheckIn.Interval)
	}
	if _, err := c.EvictAfter(); err != nil {
		return fmt.Errorf("checkin.evict_after: %w", err)
	}
	return nil
}

// CheckInInterval parses the tick period.
func (c *AgentConfig) CheckInInterval() (time.Duration, error) {
	return time.ParseDuration(c.CheckIn.Interval)
}

// EvictAfter parses the node silence threshold.
func (c *AgentConfig) EvictAfter() (time.Duration, error) {
	return time.ParseDuration(c.CheckIn.EvictAfter)
}

// OwnerNodeType parses the configured owner type.
func (c *AgentConfig) OwnerNodeType() (wire.NodeType, error) {
	return wire.ParseNodeType(c.OwnerType)
}

// InterestTypes parses the configured interest list.
func (c *AgentConfig) InterestTypes() ([]wire.NodeType, error) {
	out := make([]wire.NodeType, 0, len(c.Interest))
	for _, s := range c.Interest {
		t, err := wire.ParseNodeType(s)
		if err != nil {
			return nil, fmt.Errorf("interest: %w", err)
		}
		out = append(out, t)
	}
	return out, nil
}

// DomainID parses the configured domain UUID; uuid.Nil when unset.
func (c *AgentConfig) DomainID() uuid.UUID {
	id, err := uuid.Parse(c.Domain.ID)
	if err != nil {
		return uuid.Nil
	}
	return id
}
