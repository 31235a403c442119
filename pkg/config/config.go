package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"

	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"
)

// Version is the version of the underwriter, set at build time.
var Version string

var (
	addressRegexp = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	bytes32Regexp = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
)

// Config is the top level structure of the underwriter configuration file.
type Config struct {
	Global    GlobalConfig     `yaml:"global"`
	AMBs      []AMBConfig      `yaml:"ambs"`
	Chains    []ChainConfig    `yaml:"chains"`
	Endpoints []EndpointConfig `yaml:"endpoints"`
}

// GlobalConfig holds process-wide settings and the default values for the
// per-chain sections. Any chain may override the defaults, see ChainConfig.
type GlobalConfig struct {
	LogLevel   string `yaml:"logLevel"`
	LogPath    string `yaml:"logPath"`
	Port       int    `yaml:"port"`
	PrivateKey string `yaml:"privateKey"`

	Monitor     MonitorConfig     `yaml:"monitor"`
	Underwriter UnderwriterConfig `yaml:"underwriter"`
	Expirer     ExpirerConfig     `yaml:"expirer"`
	Wallet      WalletConfig      `yaml:"wallet"`
	Store       StoreConfig       `yaml:"store"`
}

// AMBConfig describes one arbitrary-messaging bridge. The underwriter core
// only needs the name to match endpoints against; everything else about the
// AMB lives with the relayer.
type AMBConfig struct {
	Name    string `yaml:"name"`
	Enabled *bool  `yaml:"enabled"`
}

// ChainConfig describes one chain. All section pointers are optional
// overrides of the matching GlobalConfig section, resolved once at startup.
type ChainConfig struct {
	ChainID  string `yaml:"chainId"`
	Name     string `yaml:"name"`
	RPC      string `yaml:"rpc"`
	Resolver string `yaml:"resolver"`

	Monitor     *MonitorConfig     `yaml:"monitor"`
	Underwriter *UnderwriterConfig `yaml:"underwriter"`
	Expirer     *ExpirerConfig     `yaml:"expirer"`
	Wallet      *WalletConfig      `yaml:"wallet"`
}

// EndpointConfig describes the set of Catalyst contracts deployed on one
// chain for one AMB.
type EndpointConfig struct {
	Name                  string                `yaml:"name"`
	ChainID               string                `yaml:"chainId"`
	FactoryAddress        string                `yaml:"factoryAddress"`
	InterfaceAddress      string                `yaml:"interfaceAddress"`
	IncentivesAddress     string                `yaml:"incentivesAddress"`
	ChannelsOnDestination map[string]string     `yaml:"channelsOnDestination"`
	VaultTemplates        []VaultTemplateConfig `yaml:"vaultTemplates"`
}

// VaultTemplateConfig names one vault template contract.
type VaultTemplateConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

// MonitorConfig configures the per-chain block monitor. Intervals are
// milliseconds, BlockDelay is blocks.
type MonitorConfig struct {
	Interval      *int64 `yaml:"interval"`
	BlockDelay    *int64 `yaml:"blockDelay"`
	RetryInterval *int64 `yaml:"retryInterval"`
}

// UnderwriterConfig configures the underwriting pipeline. Intervals are
// milliseconds, delays and margins are blocks, amounts are decimal strings
// interpreted as 256-bit integers.
type UnderwriterConfig struct {
	Enabled                     *bool    `yaml:"enabled"`
	RetryInterval               *int64   `yaml:"retryInterval"`
	ProcessingInterval          *int64   `yaml:"processingInterval"`
	MaxTries                    *int     `yaml:"maxTries"`
	MaxPendingTransactions      *int     `yaml:"maxPendingTransactions"`
	UnderwriteDelay             *int64   `yaml:"underwriteDelay"`
	UnderwriteBlocksMargin      *int64   `yaml:"underwriteBlocksMargin"`
	MaxSubmissionDelay          *int64   `yaml:"maxSubmissionDelay"`
	MinUnderwriteReward         *BigUint `yaml:"minUnderwriteReward"`
	RelativeMinUnderwriteReward *float64 `yaml:"relativeMinUnderwriteReward"`
	MaxUnderwriteAllowed        *BigUint `yaml:"maxUnderwriteAllowed"`
	AllowanceBuffer             *float64 `yaml:"allowanceBuffer"`
	UnderwritingCollateral      *float64 `yaml:"underwritingCollateral"`
	TokenPriceOfUnit            *float64 `yaml:"tokenPriceOfUnit"`
}

// ExpirerConfig configures the expiry pipeline.
type ExpirerConfig struct {
	Enabled               *bool    `yaml:"enabled"`
	RetryInterval         *int64   `yaml:"retryInterval"`
	ProcessingInterval    *int64   `yaml:"processingInterval"`
	MaxTries              *int     `yaml:"maxTries"`
	ExpireBlocksMargin    *int64   `yaml:"expireBlocksMargin"`
	MinUnderwriteDuration *int64   `yaml:"minUnderwriteDuration"`
	MinExpiryReward       *BigUint `yaml:"minExpiryReward"`
}

// WalletConfig configures the per-chain transaction wallet. Adjustment
// factors are plain decimals, bounded by MaxAdjustmentFactor at resolution.
type WalletConfig struct {
	RetryInterval                  *int64   `yaml:"retryInterval"`
	ProcessingInterval             *int64   `yaml:"processingInterval"`
	MaxTries                       *int     `yaml:"maxTries"`
	MaxPendingTransactions         *int     `yaml:"maxPendingTransactions"`
	Confirmations                  *int64   `yaml:"confirmations"`
	ConfirmationTimeout            *int64   `yaml:"confirmationTimeout"`
	LowGasBalanceWarning           *BigUint `yaml:"lowGasBalanceWarning"`
	GasBalanceUpdateInterval       *int64   `yaml:"gasBalanceUpdateInterval"`
	MaxFeePerGas                   *BigUint `yaml:"maxFeePerGas"`
	MaxAllowedPriorityFeePerGas    *BigUint `yaml:"maxAllowedPriorityFeePerGas"`
	MaxPriorityFeeAdjustmentFactor *float64 `yaml:"maxPriorityFeeAdjustmentFactor"`
	MaxAllowedGasPrice             *BigUint `yaml:"maxAllowedGasPrice"`
	GasPriceAdjustmentFactor       *float64 `yaml:"gasPriceAdjustmentFactor"`
	PriorityAdjustmentFactor       *float64 `yaml:"priorityAdjustmentFactor"`
}

// StoreConfig selects the key/value backend shared with the listener.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// BigUint is a 256-bit unsigned integer that unmarshals from a decimal
// (or 0x-prefixed hexadecimal) yaml scalar.
type BigUint struct {
	uint256.Int
}

// UnmarshalYAML implements the yaml.Unmarshaler interface.
func (b *BigUint) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		v, err = uint256.FromHex(s)
	}
	if err != nil {
		return fmt.Errorf("invalid 256-bit integer %q: %w", s, err)
	}
	b.Int = *v
	return nil
}

// MarshalYAML implements the yaml.Marshaler interface.
func (b BigUint) MarshalYAML() (any, error) {
	return b.Dec(), nil
}

// Load reads and validates the configuration from the given path.
func Load(path string) (Config, error) {
	configData, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("unable to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(configData, &cfg); err != nil {
		return Config{}, fmt.Errorf("problem unmarshaling config data: %w", err)
	}
	cfg.applyEnvironment()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromEnv loads `config.<NODE_ENV>.yaml` from the given directory,
// falling back to `config.yaml` when NODE_ENV is unset.
func LoadFromEnv(dir string) (Config, error) {
	name := "config.yaml"
	if env := os.Getenv("NODE_ENV"); env != "" {
		name = fmt.Sprintf("config.%s.yaml", env)
	}
	return Load(dir + "/" + name)
}

// applyEnvironment layers supported environment variables over the file
// contents. Environment always wins for the port, the file wins for the key.
func (c *Config) applyEnvironment() {
	if port := os.Getenv("UNDERWRITER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Global.Port = p
		}
	}
	if c.Global.PrivateKey == "" {
		c.Global.PrivateKey = os.Getenv("PRIVATE_KEY")
	}
}

// Validate checks structural config invariants. Per-chain numeric bounds are
// checked later, during resolution.
func (c Config) Validate() error {
	if c.Global.Port <= 0 || c.Global.Port > 65535 {
		return fmt.Errorf("global.port out of range: %d", c.Global.Port)
	}
	if !bytes32Regexp.MatchString(c.Global.PrivateKey) {
		return fmt.Errorf("global.privateKey is not a 32-byte hex string")
	}
	if len(c.Chains) == 0 {
		return fmt.Errorf("no chains configured")
	}
	seen := make(map[string]bool)
	for _, chain := range c.Chains {
		if chain.ChainID == "" {
			return fmt.Errorf("chain %q has no chainId", chain.Name)
		}
		if seen[chain.ChainID] {
			return fmt.Errorf("duplicate chainId %s", chain.ChainID)
		}
		seen[chain.ChainID] = true
		if chain.RPC == "" {
			return fmt.Errorf("chain %s has no rpc endpoint", chain.ChainID)
		}
	}
	ambs := make(map[string]bool)
	for _, amb := range c.AMBs {
		if amb.Name == "" {
			return fmt.Errorf("amb with empty name")
		}
		ambs[amb.Name] = true
	}
	for _, ep := range c.Endpoints {
		if !ambs[ep.Name] {
			return fmt.Errorf("endpoint references unknown amb %q", ep.Name)
		}
		if !seen[ep.ChainID] {
			return fmt.Errorf("endpoint %s references unknown chain %s", ep.Name, ep.ChainID)
		}
		for field, addr := range map[string]string{
			"factoryAddress":    ep.FactoryAddress,
			"interfaceAddress":  ep.InterfaceAddress,
			"incentivesAddress": ep.IncentivesAddress,
		} {
			if !addressRegexp.MatchString(addr) {
				return fmt.Errorf("endpoint %s/%s: invalid %s %q", ep.Name, ep.ChainID, field, addr)
			}
		}
		for dst, channel := range ep.ChannelsOnDestination {
			if !bytes32Regexp.MatchString(channel) {
				return fmt.Errorf("endpoint %s/%s: invalid channel id for %s", ep.Name, ep.ChainID, dst)
			}
		}
		for _, vt := range ep.VaultTemplates {
			if !addressRegexp.MatchString(vt.Address) {
				return fmt.Errorf("endpoint %s/%s: invalid vault template address %q", ep.Name, ep.ChainID, vt.Address)
			}
		}
	}
	switch c.Global.Store.Backend {
	case "", "leveldb", "boltdb", "inmemory":
	default:
		return fmt.Errorf("unknown store backend %q", c.Global.Store.Backend)
	}
	return nil
}
