package obs

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

// RegisterBuildInfo publishes <namespace>_build_info, a constant 1 labelled
// with the release, the source commit and the Go toolchain it was built with.
func RegisterBuildInfo(reg prometheus.Registerer, namespace, version, commit string) prometheus.Gauge {
	info := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information of the running broker.",
		ConstLabels: prometheus.Labels{
			"version":    version,
			"commit":     commit,
			"go_version": runtime.Version(),
		},
	})
	reg.MustRegister(info)
	info.Set(1)
	return info
}
