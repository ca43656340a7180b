package guardian

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SetCacheResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "guardian",
		Name:      "set_cache_results_total",
	}, []string{"source"})

	VerifyResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "guardian",
		Name:      "verify_results_total",
	}, []string{"result"})
)
