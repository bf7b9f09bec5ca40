package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

// Measurement names.
const (
	MeasurementDecision = "authz_decision"
	MeasurementFault    = "authz_fault"
	MeasurementMutation = "rbac_mutation"
)

// RecordDecision writes one sampled guard decision. It implements
// auth.DecisionRecorder.
func (c *Client) RecordDecision(role, module, action string, allowed bool, latency time.Duration) {
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	c.writePoint(MeasurementDecision,
		map[string]string{
			"role":     role,
			"module":   module,
			"action":   action,
			"decision": decision,
		},
		map[string]any{
			"count":      int64(1),
			"latency_us": latency.Microseconds(),
		},
	)
}

// RecordFault writes a decision that failed closed. It implements
// auth.DecisionRecorder.
func (c *Client) RecordFault(module, action string, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	c.writePoint(MeasurementFault,
		map[string]string{
			"module": module,
			"action": action,
		},
		map[string]any{
			"count": int64(1),
			"error": msg,
		},
	)
}

// RecordMutation writes a committed permission change. It implements
// rbac.MutationRecorder.
func (c *Client) RecordMutation(action string, changed int) {
	c.writePoint(MeasurementMutation,
		map[string]string{"action": action},
		map[string]any{"changed": int64(changed)},
	)
}

// writePoint tags the point with the instance and queues it.
func (c *Client) writePoint(measurement string, tags map[string]string, fields map[string]any) {
	if !c.IsConnected() {
		return
	}
	if c.instance != "" {
		tags["instance"] = c.instance
	}
	c.writeAPI.WritePoint(write.NewPoint(measurement, tags, fields, c.now()))
}
