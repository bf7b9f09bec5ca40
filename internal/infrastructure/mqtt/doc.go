// Package mqtt provides MQTT client connectivity for Gray Logic Access.
//
// Instances sharing one permission store use the broker to tell each other
// that the store changed, so that cached decision snapshots are dropped
// without waiting for the next version check.
//
//	instance A ── <prefix>/permissions/changed ──► broker ──► instance B
//
// The client wraps paho.mqtt.golang with auto-reconnect, subscription
// restoration on reconnect, panic-safe handlers and a retained online/offline
// status with Last Will and Testament.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	notifier := mqtt.NewChangeNotifier(client, client.Topics(), byte(cfg.MQTT.QoS))
//	svc.SetNotifier(notifier)
//	err = notifier.Listen(svc.HandleChange)
//
// Delivery is best effort. A lost message only delays invalidation until
// the next store version check.
package mqtt
