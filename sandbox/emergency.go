package sandbox

import (
	"go.uber.org/zap"

	"github.com/isdmx/execbox/metrics"
	"github.com/isdmx/execbox/monitor"
)

// EmergencyController force-terminates sessions that breach resource limits
// or are cancelled externally. It implements monitor.Terminator so the
// resource monitor can invoke it on critical alerts. Termination always
// runs to completion: kill the workload, stop monitoring, release
// resources, even when individual steps fail.
type EmergencyController struct {
	logger   *zap.Logger
	sessions *SessionRegistry
	mon      *monitor.Monitor
	metrics  *metrics.Collector
}

// NewEmergencyController creates an EmergencyController over the given
// session registry.
func NewEmergencyController(logger *zap.Logger, sessions *SessionRegistry, mon *monitor.Monitor, collector *metrics.Collector) *EmergencyController {
	return &EmergencyController{
		logger:   logger,
		sessions: sessions,
		mon:      mon,
		metrics:  collector,
	}
}

// Terminate force-terminates the session with the given ID. Unknown or
// already-terminal sessions are no-ops, so repeated calls are safe.
func (c *EmergencyController) Terminate(sessionID string) {
	sess := c.sessions.Get(sessionID)
	if sess == nil {
		c.logger.Debug("termination requested for unknown session",
			zap.String("session_id", sessionID))
		return
	}
	c.terminate(sess, "resource_breach")
}

// terminate moves the session to Terminated and tears down its sandbox. It
// returns false when the session already reached a terminal state, in which
// case nothing is done.
func (c *EmergencyController) terminate(sess *Session, reason string) bool {
	if !sess.terminalize(StateTerminated) {
		return false
	}

	c.logger.Warn("terminating session",
		zap.String("session_id", sess.ID),
		zap.String("reason", reason))

	sess.cancelRun()

	if ec := sess.ExecContext(); ec != nil {
		if err := ec.Terminate(); err != nil {
			// Could not confirm the workload died. Flag the possible
			// residual leak for the operator.
			c.logger.Error("sandbox teardown could not be confirmed",
				zap.String("session_id", sess.ID),
				zap.Error(err))
		}
	}

	c.mon.StopMonitoring(sess.ID)
	sess.release(c.logger)
	c.metrics.TerminationsTotal.WithLabelValues(reason).Inc()
	return true
}
