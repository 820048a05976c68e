// Package health provides health checkers used to track the liveness of
// scheduled function instances, reported to the local scheduler and
// surfaced via INSTANCE_HEALTH_CHECK_ERROR when an instance goes unhealthy.
//
// Checker implementations (HTTP, TCP, Exec) are interchangeable behind the
// Checker interface; Status applies hysteresis so a single failed probe
// does not flip an instance unhealthy.
package health
