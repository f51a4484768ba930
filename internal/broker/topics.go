package broker

// Topic layout, templated on the client identity. The broker side
// subscribes with sensors/+/data etc.; the config topic is the one
// inbound channel.
const topicPrefix = "sensors/"

// DataTopic is where sensor readings are published.
func DataTopic(clientID string) string {
	return topicPrefix + clientID + "/data"
}

// StatusTopic carries retained online/offline announcements and the
// last-will message.
func StatusTopic(clientID string) string {
	return topicPrefix + clientID + "/status"
}

// HeartbeatTopic carries periodic liveness messages.
func HeartbeatTopic(clientID string) string {
	return topicPrefix + clientID + "/heartbeat"
}

// DebugTopic carries free-form diagnostics.
func DebugTopic(clientID string) string {
	return topicPrefix + clientID + "/debug"
}

// ConfigTopic is the inbound channel for configuration updates pushed
// by the broker side.
func ConfigTopic(clientID string) string {
	return topicPrefix + clientID + "/config"
}
