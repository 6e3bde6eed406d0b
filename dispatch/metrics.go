package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var dispatches = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "autodm_dispatches_total",
	Help: "Recorded dispatch attempts by kind and status",
}, []string{"kind", "status"})
