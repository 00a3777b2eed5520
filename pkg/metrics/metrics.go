// Package metrics holds the prometheus collectors of the daemon
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mobilityd"

var (
	DhcpTransactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dhcp_transactions_total",
			Help:      "Number of DHCP exchanges, by result.",
		},
		[]string{"result"})
	DhcpRetransmits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dhcp_retransmits_total",
			Help:      "Number of DHCP messages sent again after a timeout or send error.",
		})
	DhcpProtocolErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dhcp_protocol_errors_total",
			Help:      "Number of malformed or unexpected DHCP replies dropped.",
		})
	DhcpRenewals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dhcp_renewals_total",
			Help:      "Number of lease renewals, by result.",
		},
		[]string{"result"})
	DhcpLeases = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dhcp_leases",
			Help:      "Number of leases tracked by the DHCP client.",
		})
	IPAllocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ip_allocations_total",
			Help:      "Number of allocate calls, by allocator type and result.",
		},
		[]string{"type", "result"})
	IPReleases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ip_releases_total",
			Help:      "Number of release calls, by result.",
		},
		[]string{"result"})
	IPReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ip_reaped_total",
			Help:      "Number of released addresses returned to the free set.",
		})
	PoolFree = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_free_addresses",
			Help:      "Free addresses of a pool block.",
		},
		[]string{"pool", "block"})
)

var registerOnce sync.Once

// Register adds every collector to the default registry
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(DhcpTransactions, DhcpRetransmits, DhcpProtocolErrors,
			DhcpRenewals, DhcpLeases, IPAllocations, IPReleases, IPReaped, PoolFree)
	})
}
