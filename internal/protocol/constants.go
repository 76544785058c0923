package protocol

const (
	ClientVersion = "1.0.33"

	AlivePrompt = `Hello, reply with one word only if you are alive. e.g "alive".`
)

// MessageKey is the "key" tag of a frame.
type MessageKey string

const (
	KeyChallenge       MessageKey = "challenge"
	KeyHealthCheck     MessageKey = "healthCheck"
	KeyHealthCheckAck  MessageKey = "healthCheckAck"
	KeyHeartbeat       MessageKey = "heartbeat"
	KeyInference       MessageKey = "inference"
	KeyInferenceEnded  MessageKey = "inferenceEnded"
	KeyInferenceError  MessageKey = "inferenceError"
	KeyJoin            MessageKey = "join"
	KeyJoinAck         MessageKey = "joinAck"
	KeyLeave           MessageKey = "leave"
	KeyNewConversation MessageKey = "newConversation"
	KeySendMetrics     MessageKey = "sendMetrics"
	KeyVersionMismatch MessageKey = "versionMismatch"

	// Reserved for coordination features this node does not serve.
	KeyConnectionSize   MessageKey = "conectionSize"
	KeyProviderDetails  MessageKey = "providerDetails"
	KeyReportCompletion MessageKey = "reportCompletion"
	KeyRequestProvider  MessageKey = "requestProvider"
	KeyRewardAdded      MessageKey = "rewardAdded"
	KeySessionValid     MessageKey = "sessionValid"
	KeyVerifySession    MessageKey = "verifySession"
)

var knownKeys = map[MessageKey]bool{
	KeyChallenge:        true,
	KeyHealthCheck:      true,
	KeyHealthCheckAck:   true,
	KeyHeartbeat:        true,
	KeyInference:        true,
	KeyInferenceEnded:   true,
	KeyInferenceError:   true,
	KeyJoin:             true,
	KeyJoinAck:          true,
	KeyLeave:            true,
	KeyNewConversation:  true,
	KeySendMetrics:      true,
	KeyVersionMismatch:  true,
	KeyConnectionSize:   true,
	KeyProviderDetails:  true,
	KeyReportCompletion: true,
	KeyRequestProvider:  true,
	KeyRewardAdded:      true,
	KeySessionValid:     true,
	KeyVerifySession:    true,
}

func (k MessageKey) String() string {
	return string(k)
}

func (k MessageKey) Known() bool {
	return knownKeys[k]
}
