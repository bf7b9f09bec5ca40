package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "graylogic/access"

// Topics provides builders for the service's MQTT topics under a prefix.
// Using these helpers keeps topic naming consistent across instances.
//
//	topics := mqtt.NewTopics("graylogic/access")
//	topics.PermissionsChanged() // "graylogic/access/permissions/changed"
type Topics struct {
	prefix string
}

// NewTopics returns topic builders rooted at prefix. Surrounding slashes
// are trimmed and an empty prefix selects DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the topic root.
func (t Topics) Prefix() string {
	if t.prefix == "" {
		return DefaultTopicPrefix
	}
	return t.prefix
}

// PermissionsChanged returns the topic carrying store change events.
//
// Example: graylogic/access/permissions/changed
func (t Topics) PermissionsChanged() string {
	return fmt.Sprintf("%s/permissions/changed", t.Prefix())
}

// SystemStatus returns the retained online/offline status topic.
//
// Example: graylogic/access/system/status
func (t Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", t.Prefix())
}

// All returns a wildcard matching every topic under the prefix.
func (t Topics) All() string {
	return t.Prefix() + "/#"
}
