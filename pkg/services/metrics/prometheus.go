package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/catalystdao/catalyst-underwriter-sub001/pkg/orchestrator"
)

var (
	latestBlockGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "underwriter",
			Name:      "latest_block",
			Help:      "Latest finalized block observed by the monitor.",
		},
		[]string{"chain"},
	)
	walletBacklogGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "underwriter",
			Name:      "wallet_backlog",
			Help:      "Transactions queued or awaiting confirmation in the wallet.",
		},
		[]string{"chain", "stage"},
	)
	underwriteBacklogGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "underwriter",
			Name:      "underwrite_backlog",
			Help:      "Underwrite orders held, under evaluation or being submitted.",
		},
		[]string{"chain", "stage"},
	)
	expiryBacklogGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "underwriter",
			Name:      "expiry_backlog",
			Help:      "Expiries scheduled, under evaluation or being submitted.",
		},
		[]string{"chain", "stage"},
	)
)

func init() {
	prometheus.MustRegister(
		latestBlockGauge,
		walletBacklogGauge,
		underwriteBacklogGauge,
		expiryBacklogGauge,
	)
}

func updateChainMetrics(statuses []orchestrator.ChainStatus) {
	for _, status := range statuses {
		chain := status.ChainID
		latestBlockGauge.WithLabelValues(chain).Set(float64(status.LatestBlock))
		walletBacklogGauge.WithLabelValues(chain, "submit").Set(float64(status.Wallet.Submitting))
		walletBacklogGauge.WithLabelValues(chain, "confirm").Set(float64(status.Wallet.Confirming))
		if status.Underwriter != nil {
			underwriteBacklogGauge.WithLabelValues(chain, "held").Set(float64(status.Underwriter.Held))
			underwriteBacklogGauge.WithLabelValues(chain, "eval").Set(float64(status.Underwriter.Evaluating))
			underwriteBacklogGauge.WithLabelValues(chain, "submit").Set(float64(status.Underwriter.Submitting))
		}
		if status.Expirer != nil {
			expiryBacklogGauge.WithLabelValues(chain, "scheduled").Set(float64(status.Expirer.Scheduled))
			expiryBacklogGauge.WithLabelValues(chain, "eval").Set(float64(status.Expirer.Evaluating))
			expiryBacklogGauge.WithLabelValues(chain, "submit").Set(float64(status.Expirer.Submitting))
		}
	}
}
