package node

import (
	"context"
	"time"

	"github.com/rudransh-shrivastava/symmetry-node/internal/protocol"
	"github.com/rudransh-shrivastava/symmetry-node/internal/provider"
	"github.com/rudransh-shrivastava/symmetry-node/internal/transport"
)

const (
	DefaultSelfTestDelay = 30 * time.Second
	selfTestTimeout      = 2 * time.Minute
)

// CheckProvider asks the local model for a one word reply.
func (n *Node) CheckProvider(ctx context.Context) error {
	fragments, err := n.provider.StreamChat(ctx, provider.ChatRequest{
		Messages:  []protocol.ChatMessage{{Role: "user", Content: protocol.AlivePrompt}},
		MaxTokens: 1,
	})
	if err != nil {
		return err
	}
	for _, err := range fragments {
		if err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) handleHealthCheck(ctx context.Context, peer transport.Peer) {
	if err := n.CheckProvider(ctx); err != nil {
		n.logger.Errorf("Health check failed: %v", err)
		return
	}
	if ctx.Err() != nil {
		return
	}
	peer.Write(BuildHealthCheckMessage())
}

func (n *Node) scheduleSelfTest() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.selfTest != nil {
		n.selfTest.Stop()
	}
	if n.stopped {
		return
	}
	n.selfTest = time.AfterFunc(n.selfTestDelay, n.runSelfTest)
}

func (n *Node) cancelSelfTest() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.selfTest != nil {
		n.selfTest.Stop()
		n.selfTest = nil
	}
}

// runSelfTest leaves the network when the local provider does not answer.
func (n *Node) runSelfTest() {
	ctx, cancel := context.WithTimeout(n.ctx, selfTestTimeout)
	defer cancel()

	if err := n.CheckProvider(ctx); err != nil {
		if n.ctx.Err() != nil {
			return
		}
		n.logger.Errorf("Local provider is not reachable, leaving the network: %v", err)
		n.Stop()
		return
	}
	n.logger.Info("Local provider self-test passed")
}
