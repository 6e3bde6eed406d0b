package token

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var tokenChecks = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "autodm_token_checks_total",
	Help: "Token validations by result",
}, []string{"result"})
