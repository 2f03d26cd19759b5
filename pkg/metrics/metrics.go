package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ProjectsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostingbot_projects_running",
			Help: "Number of live project processes",
		},
	)

	ProjectsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostingbot_projects_total",
			Help: "Total number of projects in the catalog",
		},
	)

	UsersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "hostingbot_users_total",
			Help: "Total number of known users",
		},
	)

	UploadsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hostingbot_uploads_total",
			Help: "Total number of committed uploads",
		},
	)

	InstallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hostingbot_installs_total",
			Help: "Total number of package install attempts",
		},
	)

	CrashesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hostingbot_crashes_total",
			Help: "Total number of unattended project exits",
		},
	)

	WatchdogKillsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "hostingbot_watchdog_kills_total",
			Help: "Total number of processes killed for exceeding their RAM limit",
		},
	)

	FacadeRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hostingbot_facade_requests_total",
			Help: "Total number of facade operations by name and result code",
		},
		[]string{"op", "code"},
	)

	FacadeRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hostingbot_facade_request_duration_seconds",
			Help:    "Facade operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)
)

func init() {
	prometheus.MustRegister(ProjectsRunning)
	prometheus.MustRegister(ProjectsTotal)
	prometheus.MustRegister(UsersTotal)
	prometheus.MustRegister(UploadsTotal)
	prometheus.MustRegister(InstallsTotal)
	prometheus.MustRegister(CrashesTotal)
	prometheus.MustRegister(WatchdogKillsTotal)
	prometheus.MustRegister(FacadeRequestsTotal)
	prometheus.MustRegister(FacadeRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
