package metrics

import "expvar"

var (
	InstancesStarted = expvar.NewInt("instances_started")
	InstancesRunning = expvar.NewInt("instances_running")
	LaunchFailures   = expvar.NewInt("launch_failures")
	QuotaStops       = expvar.NewInt("quota_stops")
	RuntimeFaults    = expvar.NewInt("runtime_faults")
	LogLines         = expvar.NewInt("log_lines")
	LogDrops         = expvar.NewInt("log_drops")
)
