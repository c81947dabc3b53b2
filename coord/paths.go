package coord

import (
	"path"
	"strconv"
)

// Top level nodes below the namespace root
const (
	ExecutorsRoot = "/executors"
	JobsRoot      = "/jobs"
)

// Executor level node names
const (
	NodeIP            = "ip"
	NodeVersion       = "version"
	NodeLastBeginTime = "lastBeginTime"
	NodeClean         = "clean"
	NodeTask          = "task"
)

// Job level node names
const (
	NodeConfig    = "config"
	NodeServers   = "servers"
	NodeExecution = "execution"
	NodeLeader    = "leader"
	NodeAnalyse   = "analyse"
)

// Per-server node names below jobs/{job}/servers/{executor}
const (
	NodeStatus              = "status"
	NodeSharding            = "sharding"
	NodeRunOneTime          = "runOneTime"
	NodeStopOneTime         = "stopOneTime"
	NodeProcessSuccessCount = "processSuccessCount"
	NodeProcessFailureCount = "processFailureCount"
)

// Per-item node names below jobs/{job}/execution/{item}
const (
	NodeRunning          = "running"
	NodeCompleted        = "completed"
	NodeFailed           = "failed"
	NodeTimeout          = "timeout"
	NodeFailover         = "failover"
	NodeLastCompleteTime = "lastCompleteTime"
	NodeNextFireTime     = "nextFireTime"
)

// ExecutorPath returns /executors/{executor}/{parts...}
func ExecutorPath(executor string, parts ...string) string {
	return path.Join(append([]string{ExecutorsRoot, executor}, parts...)...)
}

// JobPath returns /jobs/{job}/{parts...}
func JobPath(job string, parts ...string) string {
	return path.Join(append([]string{JobsRoot, job}, parts...)...)
}

// ConfigPath returns /jobs/{job}/config/{field}
func ConfigPath(job, field string) string {
	return JobPath(job, NodeConfig, field)
}

// ServersPath returns /jobs/{job}/servers
func ServersPath(job string) string {
	return JobPath(job, NodeServers)
}

// ServerPath returns /jobs/{job}/servers/{executor}/{parts...}
func ServerPath(job, executor string, parts ...string) string {
	return JobPath(job, append([]string{NodeServers, executor}, parts...)...)
}

// ExecutionRoot returns /jobs/{job}/execution
func ExecutionRoot(job string) string {
	return JobPath(job, NodeExecution)
}

// ExecutionPath returns /jobs/{job}/execution/{item}/{parts...}
func ExecutionPath(job string, item int, parts ...string) string {
	return JobPath(job, append([]string{NodeExecution, strconv.Itoa(item)}, parts...)...)
}

// LeaderPath returns /jobs/{job}/leader/{parts...}
func LeaderPath(job string, parts ...string) string {
	return JobPath(job, append([]string{NodeLeader}, parts...)...)
}

// AnalysePath returns /jobs/{job}/analyse/{field}
func AnalysePath(job, field string) string {
	return JobPath(job, NodeAnalyse, field)
}
