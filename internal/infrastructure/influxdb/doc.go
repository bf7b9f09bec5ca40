// Package influxdb records authorization metrics in InfluxDB.
//
// It wraps influxdb-client-go v2 with non-blocking batched writes and
// implements the recorder interfaces of the guard and the permission
// service:
//
//   - authz_decision: sampled allow/deny decisions with latency
//   - authz_fault: every decision that failed closed because the store
//     could not answer
//   - rbac_mutation: committed permission changes by audit action
//
// # Usage
//
//	client, err := influxdb.Connect(cfg.InfluxDB, cfg.Service.ID)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	guard.SetRecorder(client)
//	svc.SetRecorder(client)
//
// Writes never block a request. Batch errors are delivered to the
// SetOnError callback.
package influxdb
