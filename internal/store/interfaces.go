package store

import (
	"context"

	"github.com/rudransh-shrivastava/symmetry-node/internal/db"
	"github.com/rudransh-shrivastava/symmetry-node/internal/protocol"
)

// TranscriptRepository persists completed conversations.
type TranscriptRepository interface {
	SaveTranscript(ctx context.Context, rec TranscriptRecord, messages []protocol.ChatMessage, completion string) (db.Transcript, error)
	ListTranscripts(ctx context.Context, limit int) ([]db.Transcript, error)
}
