package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/infrastructure-io/mobilityd/pkg/ipalloc"
	"github.com/infrastructure-io/mobilityd/pkg/log"
	"github.com/infrastructure-io/mobilityd/pkg/tools"
)

const (
	AllocatorPool = "ip_pool"
	AllocatorDhcp = "dhcp"
)

// AgentConfig represents the agent configuration
type AgentConfig struct {

	// pod namespace, needed with a static ip configmap
	PodNamespace string

	// redis address, the in-memory store is used when empty
	RedisAddr   string
	RedisPrefix string

	// allocator configuration file
	AllocatorConfigPath string
	Allocation          AllocationConfig

	// static ip source, at most one of them
	StaticIPFile      string
	StaticIPConfigMap string

	HttpPort string
}

// AllocatorSpec describes one allocator of the chain
type AllocatorSpec struct {
	Type string `yaml:"type"`
	// blocks of an ip_pool allocator
	Blocks []string `yaml:"blocks,omitempty"`
	// vlan of a dhcp allocator, 0 is untagged
	Vlan int `yaml:"vlan,omitempty"`
}

type DhcpConfig struct {
	// nil means the default of 3, 0 disables retransmission
	RetryLimit         *int          `yaml:"retryLimit"`
	RetransmitInterval time.Duration `yaml:"retransmitInterval"`
	RenewFraction      float64       `yaml:"renewFraction"`
	SweepInterval      time.Duration `yaml:"sweepInterval"`
}

type RecycleConfig struct {
	GracePeriod time.Duration `yaml:"gracePeriod"`
	Interval    time.Duration `yaml:"interval"`
}

// AllocationConfig is the content of the allocator configuration file
type AllocationConfig struct {
	// uplink carrying the dhcp traffic
	DhcpInterface string                   `yaml:"dhcpInterface,omitempty"`
	IPv4          AllocatorSpec            `yaml:"ipv4"`
	IPv6          *AllocatorSpec           `yaml:"ipv6,omitempty"`
	APNs          map[string]AllocatorSpec `yaml:"apns,omitempty"`
	Dhcp          DhcpConfig               `yaml:"dhcp"`
	Recycle       RecycleConfig            `yaml:"recycle"`
}

// UsesDhcp tells whether any allocator of the chain talks dhcp
func (c *AllocationConfig) UsesDhcp() bool {
	if c.IPv4.Type == AllocatorDhcp {
		return true
	}
	for _, s := range c.APNs {
		if s.Type == AllocatorDhcp {
			return true
		}
	}
	return false
}

func validateSpec(name string, s AllocatorSpec, version int) error {
	switch s.Type {
	case AllocatorPool:
		if s.Vlan != 0 {
			return fmt.Errorf("%s: vlan only applies to dhcp", name)
		}
		if _, err := ipalloc.ParseIPBlocks(s.Blocks, version); err != nil {
			return fmt.Errorf("%s: %v", name, err)
		}
	case AllocatorDhcp:
		if version != 4 {
			return fmt.Errorf("%s: dhcp serves ipv4 only", name)
		}
		if len(s.Blocks) != 0 {
			return fmt.Errorf("%s: blocks only apply to ip_pool", name)
		}
		if err := tools.ValidateVlanID(s.Vlan); err != nil {
			return fmt.Errorf("%s: %v", name, err)
		}
	default:
		return fmt.Errorf("%s: unknown allocator type %q", name, s.Type)
	}
	return nil
}

// ParseAllocationConfig decodes and validates the allocator configuration,
// filling the defaults of the unset timers
func ParseAllocationConfig(data []byte) (*AllocationConfig, error) {
	c := &AllocationConfig{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to decode allocator configuration: %v", err)
	}

	if err := validateSpec("ipv4", c.IPv4, 4); err != nil {
		return nil, err
	}
	if c.IPv6 != nil {
		if err := validateSpec("ipv6", *c.IPv6, 6); err != nil {
			return nil, err
		}
	}
	apns := make(map[string]AllocatorSpec, len(c.APNs))
	for apn, s := range c.APNs {
		if err := validateSpec("apn "+apn, s, 4); err != nil {
			return nil, err
		}
		key := strings.ToLower(apn)
		if _, ok := apns[key]; ok {
			return nil, fmt.Errorf("apn %s is configured twice", apn)
		}
		apns[key] = s
	}
	c.APNs = apns

	if c.UsesDhcp() && c.DhcpInterface == "" {
		return nil, fmt.Errorf("dhcpInterface is required by the dhcp allocator")
	}

	if c.Dhcp.RetryLimit == nil {
		retries := 3
		c.Dhcp.RetryLimit = &retries
	} else if *c.Dhcp.RetryLimit < 0 {
		return nil, fmt.Errorf("invalid dhcp retryLimit %d", *c.Dhcp.RetryLimit)
	}
	if c.Dhcp.RenewFraction < 0 || c.Dhcp.RenewFraction >= 1 {
		return nil, fmt.Errorf("invalid dhcp renewFraction %v", c.Dhcp.RenewFraction)
	}
	if c.Recycle.GracePeriod == 0 {
		c.Recycle.GracePeriod = 2 * time.Minute
	}
	if c.Recycle.Interval == 0 {
		c.Recycle.Interval = 30 * time.Second
	}

	return c, nil
}

func LoadAgentConfig() (*AgentConfig, error) {
	agentConfig := &AgentConfig{}

	// Load environment variables
	agentConfig.AllocatorConfigPath = os.Getenv("ALLOCATOR_CONFIG_PATH")
	if agentConfig.AllocatorConfigPath == "" {
		return nil, fmt.Errorf("ALLOCATOR_CONFIG_PATH environment variable not set")
	}

	agentConfig.PodNamespace = os.Getenv("POD_NAMESPACE")
	agentConfig.RedisAddr = os.Getenv("REDIS_ADDR")
	agentConfig.RedisPrefix = os.Getenv("REDIS_PREFIX")
	if agentConfig.RedisPrefix == "" {
		agentConfig.RedisPrefix = "mobilityd"
	}

	agentConfig.StaticIPFile = os.Getenv("STATIC_IP_FILE")
	agentConfig.StaticIPConfigMap = os.Getenv("STATIC_IP_CONFIGMAP")
	if agentConfig.StaticIPFile != "" && agentConfig.StaticIPConfigMap != "" {
		return nil, fmt.Errorf("STATIC_IP_FILE and STATIC_IP_CONFIGMAP are exclusive")
	}
	if agentConfig.StaticIPConfigMap != "" && agentConfig.PodNamespace == "" {
		return nil, fmt.Errorf("POD_NAMESPACE environment variable not set")
	}

	agentConfig.HttpPort = os.Getenv("HTTP_PORT")
	if agentConfig.HttpPort == "" {
		agentConfig.HttpPort = "8080"
	}

	data, err := os.ReadFile(agentConfig.AllocatorConfigPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %v", agentConfig.AllocatorConfigPath, err)
	}
	allocation, err := ParseAllocationConfig(data)
	if err != nil {
		return nil, fmt.Errorf("failed to load allocator configuration: %v", err)
	}
	agentConfig.Allocation = *allocation

	// Validate interface exists on the system
	if allocation.UsesDhcp() {
		if err := tools.ValidateInterfaceExists(allocation.DhcpInterface); err != nil {
			return nil, fmt.Errorf("failed to find dhcp interface %s: %v", allocation.DhcpInterface, err)
		}
	}

	log.Logger.Info("Agent configuration loaded successfully")
	return agentConfig, nil
}

// ParsedBlocks returns the blocks of a validated allocator
func (s AllocatorSpec) ParsedBlocks(version int) []ipalloc.IPBlock {
	blocks, _ := ipalloc.ParseIPBlocks(s.Blocks, version)
	return blocks
}
