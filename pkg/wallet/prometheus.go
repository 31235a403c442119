package wallet

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
)

var gasBalanceGauge = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "underwriter",
		Name:      "gas_balance_wei",
		Help:      "Native token balance of the signing account.",
	},
	[]string{"chain"},
)

func init() {
	prometheus.MustRegister(gasBalanceGauge)
}

func updateGasBalance(chainID string, balance *big.Int) {
	f, _ := new(big.Float).SetInt(balance).Float64()
	gasBalanceGauge.WithLabelValues(chainID).Set(f)
}
