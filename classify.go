package swcache

import (
	"net/http"

	routerules "github.com/always-cache/swcache/pkg/route-rules"
	"github.com/always-cache/swcache/rfc9211"
)

// route is the outcome of classifying one request.
type route struct {
	strategy  Strategy
	partition string
	rule      string
	// bypass is set when the request goes to the network untouched.
	bypass rfc9211.FwdReason
}

// classify applies the eligibility gate and then the first matching rule.
func (w *Worker) classify(req routerules.Request) route {
	if req.Method != http.MethodGet && req.Method != "" {
		return route{bypass: rfc9211.FwdReasonMethod}
	}
	if !routerules.Eligible(req) {
		return route{bypass: rfc9211.FwdReasonBypass}
	}
	rule := w.env.rules.Find(req)
	if rule == nil {
		return route{bypass: rfc9211.FwdReasonBypass}
	}
	return route{
		strategy:  w.strategies[rule.Strategy],
		partition: w.env.Partition(rule.Partition),
		rule:      rule.Name,
	}
}
