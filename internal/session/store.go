// Package session implements the AmplifierSession lifecycle: lazy
// initialization, turn execution, sub-session spawning/resuming, and
// the on-disk transcript/metadata store. Grounded on
// original_source/.../amplifier_core/session.py for the lifecycle and
// original_source/.../amplifier_app_cli/session_store.py for
// persistence, adapted to the teacher's atomic-write-with-backup
// discipline in internal/storage.
package session

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/amplifier-run/amplifier/internal/logging"
)

// Message is a single transcript entry. Shape mirrors the core's
// minimal contract: role + content, with provider-specific detail
// carried in Extra for round-tripping without the core needing to
// understand it.
type Message struct {
	Role    string         `json:"role"`
	Content string         `json:"content"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// BundleContext freezes the module paths and mention mappings a
// session was constructed with, so a sub-session can be resumed even
// if its parent process is long gone.
type BundleContext struct {
	ModulePaths     map[string]string `json:"module_paths,omitempty"`
	MentionMappings map[string]string `json:"mention_mappings,omitempty"`
}

// Metadata is the core-read subset of metadata.json, per SPEC_FULL.md
// §6. Additional app-layer fields may exist in the file on disk; they
// round-trip through Extra untouched.
type Metadata struct {
	SessionID         string         `json:"session_id"`
	ParentID          string         `json:"parent_id,omitempty"`
	TraceID           string         `json:"trace_id,omitempty"`
	AgentName         string         `json:"agent_name,omitempty"`
	ChildSpan         string         `json:"child_span,omitempty"`
	Created           string         `json:"created"`
	Bundle            string         `json:"bundle,omitempty"`
	Model             string         `json:"model,omitempty"`
	TurnCount         int            `json:"turn_count"`
	BundleContext     BundleContext  `json:"bundle_context,omitempty"`
	WorkingDir        string         `json:"working_dir,omitempty"`
	SelfDelegationDepth int          `json:"self_delegation_depth"`
	Incremental       bool           `json:"incremental,omitempty"`
	Name              string         `json:"name,omitempty"`
	Description       string         `json:"description,omitempty"`
	BundleOverrides   []string       `json:"bundle_overrides,omitempty"`
	Extra             map[string]any `json:"-"`
}

// ErrSessionNotFound is returned by Store methods when a session id
// has no on-disk record.
var ErrSessionNotFound = errors.New("session not found")

// Store persists transcripts and metadata under
// <global>/projects/<slug>/sessions/<id>/, using the same
// write-temp-then-rename-with-backup discipline as internal/storage,
// applied here to a pair of files (transcript.jsonl, metadata.json)
// rather than a single one since both must stay mutually consistent.
type Store struct {
	root string // <global>/projects/<slug>/sessions
	mu   sync.Mutex
}

// NewStore builds a Store rooted at <amplifierHome>/projects/<slug>/sessions.
func NewStore(amplifierHome, projectSlug string) *Store {
	return &Store{
		root: filepath.Join(amplifierHome, "projects", projectSlug, "sessions"),
	}
}

func (s *Store) dir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// Save writes a complete transcript + metadata pair atomically: the
// previous versions of both files are preserved as .backup before the
// new ones are written via write-temp-then-rename, so a crash mid-save
// never leaves a half-written primary file.
func (s *Store) Save(sessionID string, transcript []Message, meta Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	transcriptPath := filepath.Join(dir, "transcript.jsonl")
	metadataPath := filepath.Join(dir, "metadata.json")

	transcriptData, err := encodeJSONL(transcript)
	if err != nil {
		return fmt.Errorf("encoding transcript: %w", err)
	}
	metadataData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	if err := writeWithBackup(transcriptPath, transcriptData); err != nil {
		return fmt.Errorf("writing transcript: %w", err)
	}
	if err := writeWithBackup(metadataPath, metadataData); err != nil {
		return fmt.Errorf("writing metadata: %w", err)
	}
	return nil
}

// writeWithBackup copies the existing file to <path>.backup (if any),
// then atomically replaces it via write-temp-then-rename.
func writeWithBackup(path string, data []byte) error {
	if existing, err := os.ReadFile(path); err == nil {
		if err := os.WriteFile(path+".backup", existing, 0o644); err != nil {
			return fmt.Errorf("writing backup: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("reading existing file: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

func encodeJSONL(messages []Message) ([]byte, error) {
	var sb strings.Builder
	for _, m := range messages {
		line, err := json.Marshal(m)
		if err != nil {
			return nil, err
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	return []byte(sb.String()), nil
}

// Load reads the transcript and metadata for a session id. If the
// primary metadata.json is corrupt (fails to parse) it falls back to
// metadata.json.backup, logging the recovery; the same applies to the
// transcript.
func (s *Store) Load(sessionID string) ([]Message, Metadata, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dir(sessionID)
	if _, err := os.Stat(dir); err != nil {
		return nil, Metadata{}, ErrSessionNotFound
	}

	meta, err := loadMetadataWithFallback(filepath.Join(dir, "metadata.json"))
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("loading metadata for %s: %w", sessionID, err)
	}

	messages, err := loadTranscriptWithFallback(filepath.Join(dir, "transcript.jsonl"))
	if err != nil {
		return nil, Metadata{}, fmt.Errorf("loading transcript for %s: %w", sessionID, err)
	}

	return messages, meta, nil
}

func loadMetadataWithFallback(path string) (Metadata, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		var meta Metadata
		if jerr := json.Unmarshal(data, &meta); jerr == nil {
			return meta, nil
		}
		logging.Logger.Warn().Str("path", path).Msg("metadata.json corrupt, falling back to .backup")
	} else if !os.IsNotExist(err) {
		return Metadata{}, err
	}

	backup, berr := os.ReadFile(path + ".backup")
	if berr != nil {
		return Metadata{}, fmt.Errorf("primary unreadable and no usable backup: %w", berr)
	}
	var meta Metadata
	if err := json.Unmarshal(backup, &meta); err != nil {
		return Metadata{}, fmt.Errorf("backup metadata also corrupt: %w", err)
	}
	return meta, nil
}

func loadTranscriptWithFallback(path string) ([]Message, error) {
	messages, err := parseJSONL(path)
	if err == nil {
		return messages, nil
	}
	logging.Logger.Warn().Str("path", path).Err(err).Msg("transcript.jsonl unreadable, falling back to .backup")

	messages, berr := parseJSONL(path + ".backup")
	if berr != nil {
		return nil, fmt.Errorf("primary unreadable (%v) and no usable backup: %w", err, berr)
	}
	return messages, nil
}

func parseJSONL(path string) ([]Message, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var messages []Message
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var m Message
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			return nil, fmt.Errorf("parsing transcript line: %w", err)
		}
		messages = append(messages, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return messages, nil
}

// Exists reports whether a session directory is present.
func (s *Store) Exists(sessionID string) bool {
	_, err := os.Stat(s.dir(sessionID))
	return err == nil
}

// Delete removes a session's entire directory.
func (s *Store) Delete(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Exists(sessionID) {
		return ErrSessionNotFound
	}
	return os.RemoveAll(s.dir(sessionID))
}

// Fork copies an existing session's transcript and metadata under a new
// session id, so the original can keep running unaffected. The forked
// session's ParentID is left as the original's own parent (a fork is a
// sibling, not a child) and Created is stamped with createdAt so the
// new session sorts correctly in ListSessions.
func (s *Store) Fork(sessionID, newSessionID, createdAt string) error {
	transcript, meta, err := s.Load(sessionID)
	if err != nil {
		return err
	}
	meta.SessionID = newSessionID
	meta.Created = createdAt
	return s.Save(newSessionID, transcript, meta)
}

// ListSessions returns every session id under the store root, most
// recently created first (by the Created field in metadata; entries
// whose metadata can't be read have no Created value and sort last).
func (s *Store) ListSessions() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type entry struct {
		id      string
		created string
	}
	var list []entry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := loadMetadataWithFallback(filepath.Join(s.root, e.Name(), "metadata.json"))
		created := ""
		if err == nil {
			created = meta.Created
		}
		list = append(list, entry{id: e.Name(), created: created})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].created > list[j].created })

	ids := make([]string, len(list))
	for i, e := range list {
		ids[i] = e.id
	}
	return ids, nil
}

// Cleanup deletes every session whose metadata's Created timestamp is
// older than the given cutoff, returning the ids removed.
func (s *Store) Cleanup(olderThan time.Duration) ([]string, error) {
	ids, err := s.ListSessions()
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-olderThan)

	var removed []string
	for _, id := range ids {
		_, meta, err := s.Load(id)
		if err != nil {
			continue
		}
		created, err := time.Parse(time.RFC3339, meta.Created)
		if err != nil {
			continue
		}
		if created.Before(cutoff) {
			if err := s.Delete(id); err != nil {
				return removed, err
			}
			removed = append(removed, id)
		}
	}
	return removed, nil
}

// SaveIncremental writes a mid-turn snapshot with Incremental=true, so
// a crash mid-turn still leaves a recoverable partial transcript. It
// reuses the full Save path; incremental saves are just Save calls
// where the caller has set meta.Incremental.
func (s *Store) SaveIncremental(sessionID string, transcript []Message, meta Metadata) error {
	meta.Incremental = true
	return s.Save(sessionID, transcript, meta)
}
