package node

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rudransh-shrivastava/symmetry-node/internal/metrics"
	"github.com/rudransh-shrivastava/symmetry-node/internal/protocol"
	"github.com/rudransh-shrivastava/symmetry-node/internal/provider"
	"github.com/rudransh-shrivastava/symmetry-node/internal/store"
	"github.com/rudransh-shrivastava/symmetry-node/internal/transport"
)

const transcriptTimeout = 10 * time.Second

// handleInference relays one completion to the peer. Every request ends
// with inferenceEnded, preceded by inferenceError when it failed. Nothing is
// written once ctx is cancelled.
func (n *Node) handleInference(ctx context.Context, peer transport.Peer, key protocol.MessageKey, req protocol.InferenceRequest) {
	log := n.logger.WithFields(logrus.Fields{
		"request": req.Key,
		"peer":    shortKey(peer.ID()),
	})

	messages := n.withSystemMessage(req.Messages)
	collector := metrics.NewCollector(n.metricsOpts)

	completion, err := n.relayCompletion(ctx, peer, messages, collector, log)
	switch {
	case ctx.Err() != nil:
		log.Debug("Inference abandoned, session closed")
		return
	case errors.Is(err, transport.ErrPeerClosed):
		log.Warn("Peer closed during inference")
		return
	case err != nil:
		log.Errorf("Inference failed: %v", err)
		_ = writeFrame(ctx, peer, BuildInferenceErrorMessage(req.Key, err))
		_ = writeFrame(ctx, peer, BuildInferenceEndedMessage(req.Key))
		return
	}

	report := BuildSendMetricsMessage(n.DiscoveryKeyHex(), collector.State(), time.Now().UnixMilli())
	if err := writeFrame(ctx, peer, report); err != nil {
		log.Warnf("Failed to send metrics: %v", err)
		return
	}
	if err := writeFrame(ctx, peer, BuildInferenceEndedMessage(req.Key)); err != nil {
		log.Warnf("Failed to send end of stream: %v", err)
		return
	}

	st := collector.State()
	log.WithFields(logrus.Fields{
		"tokens": st.TotalTokens,
		"tps":    int(st.AverageTokensPerSecond),
	}).Info("Inference completed")

	if n.cfg.DataCollectionEnabled && key == protocol.KeyInference && n.transcripts != nil {
		rec := store.TranscriptRecord{
			SessionID:    sessionID(ctx),
			PeerKey:      peer.ID(),
			Conversation: n.conversation.Load(),
			RequestKey:   req.Key,
		}
		n.mu.Lock()
		if !n.stopped {
			n.background.Add(1)
			go func() {
				defer n.background.Done()
				n.saveTranscript(rec, messages, completion, log)
			}()
		}
		n.mu.Unlock()
	}
}

func (n *Node) relayCompletion(ctx context.Context, peer transport.Peer, messages []protocol.ChatMessage, collector *metrics.Collector, log *logrus.Entry) (string, error) {
	fragments, err := n.provider.StreamChat(ctx, provider.ChatRequest{Messages: messages})
	if err != nil {
		return "", err
	}

	var completion strings.Builder
	for frag, err := range fragments {
		if err != nil {
			return completion.String(), err
		}
		if frag.Content == "" {
			continue
		}

		if snap, ok := collector.ProcessToken(frag.Content); ok {
			log.WithFields(logrus.Fields{
				"tps":     int(snap.TokensPerSecond),
				"avg_len": snap.AverageTokenLength,
			}).Debug("Stream metrics")
		}
		completion.WriteString(frag.Content)

		if err := writeFrame(ctx, peer, frag.Raw); err != nil {
			return completion.String(), err
		}
	}
	return completion.String(), nil
}

// writeFrame waits for the peer to drain when the write reports backpressure.
func writeFrame(ctx context.Context, peer transport.Peer, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if peer.Write(frame) {
		return nil
	}
	if !peer.Writable() {
		return transport.ErrPeerClosed
	}

	select {
	case <-peer.Drained():
		if !peer.Writable() {
			return transport.ErrPeerClosed
		}
		return nil
	case <-peer.Done():
		return transport.ErrPeerClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// withSystemMessage leaves caller-supplied system messages untouched.
func (n *Node) withSystemMessage(msgs []protocol.ChatMessage) []protocol.ChatMessage {
	if n.cfg.SystemMessage == "" {
		return msgs
	}
	for _, m := range msgs {
		if m.Role == protocol.RoleSystem {
			return msgs
		}
	}

	out := make([]protocol.ChatMessage, 0, len(msgs)+1)
	out = append(out, protocol.ChatMessage{Role: protocol.RoleSystem, Content: n.cfg.SystemMessage})
	return append(out, msgs...)
}

func (n *Node) saveTranscript(rec store.TranscriptRecord, messages []protocol.ChatMessage, completion string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), transcriptTimeout)
	defer cancel()

	row, err := n.transcripts.SaveTranscript(ctx, rec, messages, completion)
	if err != nil {
		log.Warnf("Failed to save transcript: %v", err)
		return
	}
	log.Debugf("Saved transcript %s", row.Path)
}
