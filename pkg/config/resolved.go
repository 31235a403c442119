package config

import (
	"fmt"
	"math"
	"time"

	"github.com/holiman/uint256"
)

// DecimalBase is the shared denominator for decimal adjustment factors.
// Factors are carried through fee and allowance math as integer numerators
// over this base to stay within 256-bit integer arithmetic.
const DecimalBase = 10000

// MaxAdjustmentFactor is the hard upper bound on any fee adjustment factor.
const MaxAdjustmentFactor = 5.0

// MinUnderwriteDurationFloor is the lowest accepted minUnderwriteDuration.
// It protects an operator from expiring their own just-issued underwrites
// because of a misconfigured duration.
const MinUnderwriteDurationFloor = 30 * time.Minute

// Defaults applied when neither the chain nor the global section sets a value.
const (
	defaultMonitorInterval      = 5 * time.Second
	defaultMonitorRetryInterval = 2 * time.Second

	defaultRetryInterval      = 30 * time.Second
	defaultProcessingInterval = 100 * time.Millisecond
	defaultMaxTries           = 3
	defaultMaxPendingTxs      = 50

	defaultUnderwriteBlocksMargin = 50
	defaultMaxSubmissionDelay     = 5 * time.Minute
	defaultAllowanceBuffer        = 0.05

	defaultExpireBlocksMargin    = 500
	defaultMinUnderwriteDuration = 2 * time.Hour

	defaultConfirmations            = 1
	defaultConfirmationTimeout      = 90 * time.Second
	defaultGasBalanceUpdateInterval = time.Minute
	defaultPriorityFeeAdjustment    = 1.1
	defaultGasPriceAdjustment       = 1.05
	defaultPriorityAdjustment       = 1.1
)

// ResolvedChainConfig carries the effective per-chain settings, computed
// exactly once at startup by layering chain over global over defaults. It is
// immutable once built and is the only config view workers ever see.
type ResolvedChainConfig struct {
	ChainID  string
	Name     string
	RPC      string
	Resolver string

	Monitor     ResolvedMonitorConfig
	Underwriter ResolvedUnderwriterConfig
	Expirer     ResolvedExpirerConfig
	Wallet      ResolvedWalletConfig

	Endpoints []EndpointConfig
}

// ResolvedMonitorConfig is the effective monitor configuration.
type ResolvedMonitorConfig struct {
	Interval      time.Duration
	BlockDelay    uint64
	RetryInterval time.Duration
}

// ResolvedUnderwriterConfig is the effective underwriter configuration.
type ResolvedUnderwriterConfig struct {
	Enabled                      bool
	RetryInterval                time.Duration
	ProcessingInterval           time.Duration
	MaxTries                     int
	MaxPendingTransactions       int
	UnderwriteDelay              uint64
	UnderwriteBlocksMargin       uint64
	MaxSubmissionDelay           time.Duration
	MinUnderwriteReward          *uint256.Int
	RelativeMinUnderwriteRewardX *uint256.Int // scaled by DecimalBase
	MaxUnderwriteAllowed         *uint256.Int // zero means unlimited
	AllowanceBufferX             *uint256.Int // scaled by DecimalBase
	UnderwritingCollateralX      *uint256.Int // scaled by DecimalBase
	TokenPriceOfUnitX            *uint256.Int // scaled by DecimalBase
}

// ResolvedExpirerConfig is the effective expirer configuration.
type ResolvedExpirerConfig struct {
	Enabled               bool
	RetryInterval         time.Duration
	ProcessingInterval    time.Duration
	MaxTries              int
	ExpireBlocksMargin    uint64
	MinUnderwriteDuration time.Duration
	MinExpiryReward       *uint256.Int
}

// ResolvedWalletConfig is the effective wallet configuration.
type ResolvedWalletConfig struct {
	RetryInterval            time.Duration
	ProcessingInterval       time.Duration
	MaxTries                 int
	MaxPendingTransactions   int
	Confirmations            uint64
	ConfirmationTimeout      time.Duration
	LowGasBalanceWarning     *uint256.Int
	GasBalanceUpdateInterval time.Duration

	MaxFeePerGas                *uint256.Int
	MaxAllowedPriorityFeePerGas *uint256.Int
	MaxPriorityFeeAdjustmentX   *uint256.Int // scaled by DecimalBase
	MaxAllowedGasPrice          *uint256.Int
	GasPriceAdjustmentX         *uint256.Int // scaled by DecimalBase
	PriorityAdjustmentX         *uint256.Int // scaled by DecimalBase
}

// ResolveChain computes the effective configuration for one chain.
func (c Config) ResolveChain(chain ChainConfig) (ResolvedChainConfig, error) {
	resolved := ResolvedChainConfig{
		ChainID:  chain.ChainID,
		Name:     chain.Name,
		RPC:      chain.RPC,
		Resolver: chain.Resolver,
	}
	for _, ep := range c.Endpoints {
		if ep.ChainID == chain.ChainID {
			resolved.Endpoints = append(resolved.Endpoints, ep)
		}
	}

	var err error
	if resolved.Monitor, err = resolveMonitor(chain.Monitor, c.Global.Monitor); err != nil {
		return resolved, fmt.Errorf("chain %s: %w", chain.ChainID, err)
	}
	if resolved.Underwriter, err = resolveUnderwriter(chain.Underwriter, c.Global.Underwriter); err != nil {
		return resolved, fmt.Errorf("chain %s: %w", chain.ChainID, err)
	}
	if resolved.Expirer, err = resolveExpirer(chain.Expirer, c.Global.Expirer); err != nil {
		return resolved, fmt.Errorf("chain %s: %w", chain.ChainID, err)
	}
	if resolved.Wallet, err = resolveWallet(chain.Wallet, c.Global.Wallet); err != nil {
		return resolved, fmt.Errorf("chain %s: %w", chain.ChainID, err)
	}
	return resolved, nil
}

func resolveMonitor(chain *MonitorConfig, global MonitorConfig) (ResolvedMonitorConfig, error) {
	if chain == nil {
		chain = &MonitorConfig{}
	}
	out := ResolvedMonitorConfig{
		Interval:      millis(pick(chain.Interval, global.Interval), defaultMonitorInterval),
		BlockDelay:    uint64(pickInt64(chain.BlockDelay, global.BlockDelay, 0)),
		RetryInterval: millis(pick(chain.RetryInterval, global.RetryInterval), defaultMonitorRetryInterval),
	}
	if out.Interval <= 0 {
		return out, fmt.Errorf("monitor.interval must be positive")
	}
	return out, nil
}

func resolveUnderwriter(chain *UnderwriterConfig, global UnderwriterConfig) (ResolvedUnderwriterConfig, error) {
	if chain == nil {
		chain = &UnderwriterConfig{}
	}
	relative, err := scaled(pickFloat(chain.RelativeMinUnderwriteReward, global.RelativeMinUnderwriteReward, 0), 1)
	if err != nil {
		return ResolvedUnderwriterConfig{}, fmt.Errorf("underwriter.relativeMinUnderwriteReward: %w", err)
	}
	buffer, err := scaled(pickFloat(chain.AllowanceBuffer, global.AllowanceBuffer, defaultAllowanceBuffer), 1)
	if err != nil {
		return ResolvedUnderwriterConfig{}, fmt.Errorf("underwriter.allowanceBuffer: %w", err)
	}
	collateral, err := scaled(pickFloat(chain.UnderwritingCollateral, global.UnderwritingCollateral, 0), 1)
	if err != nil {
		return ResolvedUnderwriterConfig{}, fmt.Errorf("underwriter.underwritingCollateral: %w", err)
	}
	price, err := scaled(pickFloat(chain.TokenPriceOfUnit, global.TokenPriceOfUnit, 1), 1e9)
	if err != nil {
		return ResolvedUnderwriterConfig{}, fmt.Errorf("underwriter.tokenPriceOfUnit: %w", err)
	}

	out := ResolvedUnderwriterConfig{
		Enabled:                      pickBool(chain.Enabled, global.Enabled, true),
		RetryInterval:                millis(pick(chain.RetryInterval, global.RetryInterval), defaultRetryInterval),
		ProcessingInterval:           millis(pick(chain.ProcessingInterval, global.ProcessingInterval), defaultProcessingInterval),
		MaxTries:                     pickIntV(chain.MaxTries, global.MaxTries, defaultMaxTries),
		MaxPendingTransactions:       pickIntV(chain.MaxPendingTransactions, global.MaxPendingTransactions, defaultMaxPendingTxs),
		UnderwriteDelay:              uint64(pickInt64(chain.UnderwriteDelay, global.UnderwriteDelay, 0)),
		UnderwriteBlocksMargin:       uint64(pickInt64(chain.UnderwriteBlocksMargin, global.UnderwriteBlocksMargin, defaultUnderwriteBlocksMargin)),
		MaxSubmissionDelay:           millis(pick(chain.MaxSubmissionDelay, global.MaxSubmissionDelay), defaultMaxSubmissionDelay),
		MinUnderwriteReward:          pickBig(chain.MinUnderwriteReward, global.MinUnderwriteReward),
		RelativeMinUnderwriteRewardX: relative,
		MaxUnderwriteAllowed:         pickBig(chain.MaxUnderwriteAllowed, global.MaxUnderwriteAllowed),
		AllowanceBufferX:             buffer,
		UnderwritingCollateralX:      collateral,
		TokenPriceOfUnitX:            price,
	}
	if out.MaxTries <= 0 {
		return out, fmt.Errorf("underwriter.maxTries must be positive")
	}
	return out, nil
}

func resolveExpirer(chain *ExpirerConfig, global ExpirerConfig) (ResolvedExpirerConfig, error) {
	if chain == nil {
		chain = &ExpirerConfig{}
	}
	out := ResolvedExpirerConfig{
		Enabled:               pickBool(chain.Enabled, global.Enabled, true),
		RetryInterval:         millis(pick(chain.RetryInterval, global.RetryInterval), defaultRetryInterval),
		ProcessingInterval:    millis(pick(chain.ProcessingInterval, global.ProcessingInterval), defaultProcessingInterval),
		MaxTries:              pickIntV(chain.MaxTries, global.MaxTries, defaultMaxTries),
		ExpireBlocksMargin:    uint64(pickInt64(chain.ExpireBlocksMargin, global.ExpireBlocksMargin, defaultExpireBlocksMargin)),
		MinUnderwriteDuration: millis(pick(chain.MinUnderwriteDuration, global.MinUnderwriteDuration), defaultMinUnderwriteDuration),
		MinExpiryReward:       pickBig(chain.MinExpiryReward, global.MinExpiryReward),
	}
	if out.MinUnderwriteDuration < MinUnderwriteDurationFloor {
		return out, fmt.Errorf("expirer.minUnderwriteDuration below the %s floor", MinUnderwriteDurationFloor)
	}
	return out, nil
}

func resolveWallet(chain *WalletConfig, global WalletConfig) (ResolvedWalletConfig, error) {
	if chain == nil {
		chain = &WalletConfig{}
	}
	priorityFeeAdj, err := scaled(pickFloat(chain.MaxPriorityFeeAdjustmentFactor, global.MaxPriorityFeeAdjustmentFactor, defaultPriorityFeeAdjustment), MaxAdjustmentFactor)
	if err != nil {
		return ResolvedWalletConfig{}, fmt.Errorf("wallet.maxPriorityFeeAdjustmentFactor: %w", err)
	}
	gasPriceAdj, err := scaled(pickFloat(chain.GasPriceAdjustmentFactor, global.GasPriceAdjustmentFactor, defaultGasPriceAdjustment), MaxAdjustmentFactor)
	if err != nil {
		return ResolvedWalletConfig{}, fmt.Errorf("wallet.gasPriceAdjustmentFactor: %w", err)
	}
	priorityAdj, err := scaled(pickFloat(chain.PriorityAdjustmentFactor, global.PriorityAdjustmentFactor, defaultPriorityAdjustment), MaxAdjustmentFactor)
	if err != nil {
		return ResolvedWalletConfig{}, fmt.Errorf("wallet.priorityAdjustmentFactor: %w", err)
	}

	out := ResolvedWalletConfig{
		RetryInterval:            millis(pick(chain.RetryInterval, global.RetryInterval), defaultRetryInterval),
		ProcessingInterval:       millis(pick(chain.ProcessingInterval, global.ProcessingInterval), defaultProcessingInterval),
		MaxTries:                 pickIntV(chain.MaxTries, global.MaxTries, defaultMaxTries),
		MaxPendingTransactions:   pickIntV(chain.MaxPendingTransactions, global.MaxPendingTransactions, defaultMaxPendingTxs),
		Confirmations:            uint64(pickInt64(chain.Confirmations, global.Confirmations, defaultConfirmations)),
		ConfirmationTimeout:      millis(pick(chain.ConfirmationTimeout, global.ConfirmationTimeout), defaultConfirmationTimeout),
		LowGasBalanceWarning:     pickBig(chain.LowGasBalanceWarning, global.LowGasBalanceWarning),
		GasBalanceUpdateInterval: millis(pick(chain.GasBalanceUpdateInterval, global.GasBalanceUpdateInterval), defaultGasBalanceUpdateInterval),

		MaxFeePerGas:                pickBig(chain.MaxFeePerGas, global.MaxFeePerGas),
		MaxAllowedPriorityFeePerGas: pickBig(chain.MaxAllowedPriorityFeePerGas, global.MaxAllowedPriorityFeePerGas),
		MaxPriorityFeeAdjustmentX:   priorityFeeAdj,
		MaxAllowedGasPrice:          pickBig(chain.MaxAllowedGasPrice, global.MaxAllowedGasPrice),
		GasPriceAdjustmentX:         gasPriceAdj,
		PriorityAdjustmentX:         priorityAdj,
	}
	if out.Confirmations == 0 {
		out.Confirmations = defaultConfirmations
	}
	if out.MaxTries <= 0 {
		return out, fmt.Errorf("wallet.maxTries must be positive")
	}
	return out, nil
}

func pick(chain, global *int64) *int64 {
	if chain != nil {
		return chain
	}
	return global
}

func pickInt64(chain, global *int64, def int64) int64 {
	if v := pick(chain, global); v != nil {
		return *v
	}
	return def
}

func pickIntV(chain, global *int, def int) int {
	if chain != nil {
		return *chain
	}
	if global != nil {
		return *global
	}
	return def
}

func pickBool(chain, global *bool, def bool) bool {
	if chain != nil {
		return *chain
	}
	if global != nil {
		return *global
	}
	return def
}

func pickFloat(chain, global *float64, def float64) float64 {
	if chain != nil {
		return *chain
	}
	if global != nil {
		return *global
	}
	return def
}

func pickBig(chain, global *BigUint) *uint256.Int {
	if chain != nil {
		return chain.Clone()
	}
	if global != nil {
		return global.Clone()
	}
	return uint256.NewInt(0)
}

func millis(v *int64, def time.Duration) time.Duration {
	if v == nil {
		return def
	}
	return time.Duration(*v) * time.Millisecond
}

// scaled converts a decimal factor into its DecimalBase-scaled integer
// representation, rejecting negative values and values above the bound.
func scaled(factor, bound float64) (*uint256.Int, error) {
	if factor < 0 {
		return nil, fmt.Errorf("factor %v is negative", factor)
	}
	if factor > bound {
		return nil, fmt.Errorf("factor %v exceeds the allowed maximum %v", factor, bound)
	}
	return uint256.NewInt(uint64(math.Round(factor * DecimalBase))), nil
}
