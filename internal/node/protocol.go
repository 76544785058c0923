package node

import (
	"github.com/rudransh-shrivastava/symmetry-node/internal/config"
	"github.com/rudransh-shrivastava/symmetry-node/internal/metrics"
	"github.com/rudransh-shrivastava/symmetry-node/internal/protocol"
)

// JoinPayload announces this provider to the server.
type JoinPayload struct {
	config.ProviderConfig
	SymmetryCoreVersion string `json:"symmetryCoreVersion"`
	DiscoveryKey        string `json:"discoveryKey"`
}

func BuildChallengeMessage(challenge []byte) []byte {
	return protocol.MustCreateMessage(protocol.KeyChallenge, protocol.ChallengeRequest{
		Challenge: protocol.Bytes(challenge),
	})
}

// BuildJoinMessage redacts the API key and user secret.
func BuildJoinMessage(cfg *config.ProviderConfig, discoveryKey string) ([]byte, error) {
	return protocol.CreateMessage(protocol.KeyJoin, JoinPayload{
		ProviderConfig:      cfg.Redacted(),
		SymmetryCoreVersion: protocol.ClientVersion,
		DiscoveryKey:        discoveryKey,
	})
}

func BuildHeartbeatMessage() []byte {
	return protocol.MustCreateMessage(protocol.KeyHeartbeat, nil)
}

func BuildHealthCheckMessage() []byte {
	return protocol.MustCreateMessage(protocol.KeyHealthCheck, nil)
}

func BuildInferenceEndedMessage(requestKey string) []byte {
	return protocol.MustCreateMessage(protocol.KeyInferenceEnded, requestKey)
}

func BuildInferenceErrorMessage(requestKey string, err error) []byte {
	return protocol.MustCreateMessage(protocol.KeyInferenceError, protocol.InferenceError{
		RequestID: requestKey,
		Error:     err.Error(),
	})
}

func BuildSendMetricsMessage(peerID string, state metrics.State, timestamp int64) []byte {
	return protocol.MustCreateMessage(protocol.KeySendMetrics, protocol.MetricsReport{
		PeerID:    peerID,
		Metrics:   state,
		Timestamp: timestamp,
	})
}
