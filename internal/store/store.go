// Package store persists conversation transcripts as JSON documents and
// keeps a queryable index of them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/rudransh-shrivastava/symmetry-node/internal/db"
	"github.com/rudransh-shrivastava/symmetry-node/internal/protocol"
)

const IndexFile = "transcripts.sqlite3"

type TranscriptRecord struct {
	SessionID    string
	PeerKey      string
	Conversation int64
	RequestKey   string
}

// FileName is <peerKey>-<conversation>.json.
func (r TranscriptRecord) FileName() string {
	return fmt.Sprintf("%s-%d.json", r.PeerKey, r.Conversation)
}

type TranscriptStore struct {
	DB      *gorm.DB
	dataDir string
	now     func() time.Time
}

func NewTranscriptStore(gdb *gorm.DB, dataDir string) *TranscriptStore {
	return &TranscriptStore{DB: gdb, dataDir: dataDir, now: time.Now}
}

// OpenTranscriptStore opens the index inside dataDir, creating it if needed.
func OpenTranscriptStore(dataDir string) (*TranscriptStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	gdb, err := db.Open(filepath.Join(dataDir, IndexFile))
	if err != nil {
		return nil, err
	}
	return NewTranscriptStore(gdb, dataDir), nil
}

func (s *TranscriptStore) Close() error {
	return db.Close(s.DB)
}

// SaveTranscript writes the messages followed by the assistant completion.
// A later save for the same peer and conversation replaces the document.
func (s *TranscriptStore) SaveTranscript(ctx context.Context, rec TranscriptRecord, messages []protocol.ChatMessage, completion string) (db.Transcript, error) {
	if rec.PeerKey == "" {
		return db.Transcript{}, errors.New("transcript needs a peer key")
	}

	doc := make([]protocol.ChatMessage, 0, len(messages)+1)
	doc = append(doc, messages...)
	doc = append(doc, protocol.ChatMessage{Role: "assistant", Content: completion})

	data, err := json.Marshal(doc)
	if err != nil {
		return db.Transcript{}, fmt.Errorf("encode transcript: %w", err)
	}

	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return db.Transcript{}, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(s.dataDir, rec.FileName())
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return db.Transcript{}, fmt.Errorf("write transcript: %w", err)
	}

	row := db.Transcript{
		SessionID:       rec.SessionID,
		PeerKey:         rec.PeerKey,
		Conversation:    rec.Conversation,
		RequestKey:      rec.RequestKey,
		Path:            path,
		MessageCount:    len(doc),
		CompletionBytes: len(completion),
		CreatedAt:       s.now().Unix(),
	}

	err = s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "path"}},
		DoUpdates: clause.AssignmentColumns([]string{"session_id", "request_key", "message_count", "completion_bytes", "created_at"}),
	}).Create(&row).Error
	if err != nil {
		return db.Transcript{}, fmt.Errorf("index transcript: %w", err)
	}
	return row, nil
}

func (s *TranscriptStore) ListTranscripts(ctx context.Context, limit int) ([]db.Transcript, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows []db.Transcript
	err := s.DB.WithContext(ctx).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *TranscriptStore) GetByPeer(ctx context.Context, peerKey string) ([]db.Transcript, error) {
	var rows []db.Transcript
	err := s.DB.WithContext(ctx).
		Where("peer_key = ?", peerKey).
		Order("conversation ASC").
		Find(&rows).Error
	return rows, err
}
