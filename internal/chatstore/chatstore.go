// Package chatstore keeps conversations as one JSON file per conversation
// (<dir>/<sid>.json) and serves the sidebar listing of them.
package chatstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	"github.com/rs/zerolog"

	xlog "github.com/Notnaton/simplewebui/internal/log"
	"github.com/Notnaton/simplewebui/internal/metrics"
	"github.com/Notnaton/simplewebui/internal/models"
)

const fileExt = ".json"

var (
	// ErrInvalidID is returned for conversation ids that are not safe file names
	ErrInvalidID = errors.New("invalid conversation id")
	// ErrNotFound is returned when a conversation file does not exist
	ErrNotFound = errors.New("conversation not found")
)

// summaryEntry caches the parsed sidebar data of one file
type summaryEntry struct {
	modTime  time.Time
	size     int64
	title    string
	messages int
}

// Store reads and writes conversation files
type Store struct {
	dir          string
	systemPrompt string
	logger       zerolog.Logger

	locksMu sync.Mutex
	locks   map[string]*sidLock

	cacheMu sync.RWMutex
	cache   map[string]summaryEntry // sid -> summary
}

// New creates the chat directory if needed and returns a store rooted there.
func New(dir, systemPrompt string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create chat dir %s: %w", dir, err)
	}
	return &Store{
		dir:          dir,
		systemPrompt: systemPrompt,
		logger:       xlog.WithComponent("chatstore"),
		locks:        make(map[string]*sidLock),
		cache:        make(map[string]summaryEntry),
	}, nil
}

// Dir returns the directory holding the conversation files
func (s *Store) Dir() string {
	return s.dir
}

// SystemPrompt returns the prompt fresh conversations start with
func (s *Store) SystemPrompt() string {
	return s.systemPrompt
}

func (s *Store) path(sid string) string {
	return filepath.Join(s.dir, sid+fileExt)
}

// sidLock is a per-conversation mutex shared by refs callers
type sidLock struct {
	mu   sync.Mutex
	refs int
}

// lock returns the held per-conversation mutex; call the result to release
// it. The entry is dropped once nobody holds or waits for it.
func (s *Store) lock(sid string) func() {
	s.locksMu.Lock()
	l, ok := s.locks[sid]
	if !ok {
		l = &sidLock{}
		s.locks[sid] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.locks, sid)
		}
		s.locksMu.Unlock()
	}
}

// Exists reports whether a file for sid is present
func (s *Store) Exists(sid string) bool {
	if !models.ValidConversationID(sid) {
		return false
	}
	_, err := os.Stat(s.path(sid))
	return err == nil
}

// Load returns the stored conversation, or a fresh one seeded with the
// system prompt when no file exists yet. A fresh conversation is not written.
func (s *Store) Load(sid string) (*models.Conversation, error) {
	if !models.ValidConversationID(sid) {
		return nil, ErrInvalidID
	}
	unlock := s.lock(sid)
	defer unlock()
	return s.load(sid)
}

func (s *Store) load(sid string) (*models.Conversation, error) {
	data, err := os.ReadFile(s.path(sid))
	if errors.Is(err, fs.ErrNotExist) {
		return models.NewConversation(sid, s.systemPrompt), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read conversation %s: %w", sid, err)
	}
	var msgs []models.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", sid, err)
	}
	return &models.Conversation{SID: sid, Messages: msgs}, nil
}

// Save writes the whole conversation, replacing the file atomically.
func (s *Store) Save(conv *models.Conversation) error {
	if conv == nil || !models.ValidConversationID(conv.SID) {
		return ErrInvalidID
	}
	unlock := s.lock(conv.SID)
	defer unlock()
	return s.save(conv)
}

func (s *Store) save(conv *models.Conversation) error {
	msgs := conv.Messages
	if msgs == nil {
		msgs = []models.Message{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(msgs); err != nil {
		return fmt.Errorf("encode conversation %s: %w", conv.SID, err)
	}

	path := s.path(conv.SID)
	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return fmt.Errorf("create pending conversation file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			s.logger.Debug().Err(err).Str("sid", conv.SID).Msg("cleanup pending conversation file")
		}
	}()
	if _, err := pendingFile.Write(bytes.TrimRight(buf.Bytes(), "\n")); err != nil {
		return fmt.Errorf("write conversation %s: %w", conv.SID, err)
	}
	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace conversation %s: %w", conv.SID, err)
	}

	s.invalidate(conv.SID)
	metrics.ConversationsSaved.Inc()
	return nil
}

// Append adds msgs to the stored conversation and writes it back while
// holding the conversation lock. It returns the updated conversation.
func (s *Store) Append(sid string, msgs ...models.Message) (*models.Conversation, error) {
	if !models.ValidConversationID(sid) {
		return nil, ErrInvalidID
	}
	unlock := s.lock(sid)
	defer unlock()

	conv, err := s.load(sid)
	if err != nil {
		return nil, err
	}
	conv.Messages = append(conv.Messages, msgs...)
	if err := s.save(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Delete removes the conversation file
func (s *Store) Delete(sid string) error {
	if !models.ValidConversationID(sid) {
		return ErrInvalidID
	}
	unlock := s.lock(sid)
	defer unlock()

	err := os.Remove(s.path(sid))
	if errors.Is(err, fs.ErrNotExist) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("delete conversation %s: %w", sid, err)
	}
	s.invalidate(sid)
	return nil
}

// List returns every stored conversation, most recently modified first.
// Files that cannot be parsed are listed as "Untitled chat".
func (s *Store) List() ([]models.ChatSummary, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read chat dir: %w", err)
	}

	out := make([]models.ChatSummary, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		sid := strings.TrimSuffix(name, fileExt)
		if !models.ValidConversationID(sid) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// removed between ReadDir and Info
			continue
		}
		sum := s.summary(sid, info)
		out = append(out, models.ChatSummary{
			SID:      sid,
			Title:    sum.title,
			ModTime:  info.ModTime(),
			Messages: sum.messages,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ModTime.Equal(out[j].ModTime) {
			return out[i].SID < out[j].SID
		}
		return out[i].ModTime.After(out[j].ModTime)
	})
	return out, nil
}

func (s *Store) summary(sid string, info fs.FileInfo) summaryEntry {
	s.cacheMu.RLock()
	cached, ok := s.cache[sid]
	s.cacheMu.RUnlock()
	if ok && cached.modTime.Equal(info.ModTime()) && cached.size == info.Size() {
		return cached
	}

	entry := summaryEntry{modTime: info.ModTime(), size: info.Size(), title: models.UntitledChat}
	data, err := os.ReadFile(s.path(sid))
	if err == nil {
		var msgs []models.Message
		if jerr := json.Unmarshal(data, &msgs); jerr == nil {
			entry.title = models.TitleFromMessages(msgs)
			conv := models.Conversation{SID: sid, Messages: msgs}
			entry.messages = len(conv.Visible())
		} else {
			s.logger.Debug().Err(jerr).Str("sid", sid).Msg("unreadable conversation file")
		}
	}

	s.cacheMu.Lock()
	s.cache[sid] = entry
	s.cacheMu.Unlock()
	return entry
}

func (s *Store) invalidate(sid string) {
	s.cacheMu.Lock()
	delete(s.cache, sid)
	s.cacheMu.Unlock()
}
