package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfForwardQuery is perf metric for backend algorithm queries
	PerfForwardQuery = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_forward_query",
		Help:         "perf_forward_query provides the sample metrics of backend algorithm queries",
		RequiredTags: []string{"backend", "operation"},
	}

	// PerfTokenOperation is perf metric for PKCS#11 token operations
	PerfTokenOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_token",
		Help:         "perf_token provides the sample metrics of PKCS#11 token operations",
		RequiredTags: []string{"action"},
	}

	// PerfSignOperation is perf metric for provider sign operations
	PerfSignOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_sign",
		Help:         "perf_sign provides the sample metrics of provider sign operations",
		RequiredTags: []string{"algorithm", "backend"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfForwardQuery,
	&PerfTokenOperation,
	&PerfSignOperation,
}
