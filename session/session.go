package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/m4xw311/hybridshell/errors"
)

// Mode is the mode a request was declared in by the front end.
type Mode string

const (
	ModeShell Mode = "shell"
	ModeAI    Mode = "ai"
	ModeAuto  Mode = "auto"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Request is one line of user input. It is never mutated after NewRequest.
type Request struct {
	ID        string    `json:"id"`
	RawText   string    `json:"raw_text"`
	Timestamp time.Time `json:"timestamp"`
	Mode      Mode      `json:"mode"`
}

// NewRequest stamps raw input with an id and the current time.
func NewRequest(text string, mode Mode) Request {
	return Request{
		ID:        uuid.NewString(),
		RawText:   strings.TrimSpace(text),
		Timestamp: time.Now(),
		Mode:      mode,
	}
}

// Turn is a ConversationTurn: one message in the session transcript.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	PersonaID string    `json:"persona_id,omitempty"`
}

// Transcript is the session log: the ordered list of turns written to disk.
type Transcript struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
	Turns     []Turn    `json:"turns"`
	path      string
}

// New creates a new transcript stored under dir.
func New(dir, name string) (*Transcript, error) {
	path, err := transcriptPath(dir, name)
	if err != nil {
		return nil, err
	}
	return &Transcript{
		Name:      name,
		CreatedAt: time.Now(),
		Turns:     []Turn{},
		path:      path,
	}, nil
}

// Load loads an existing transcript from disk.
func Load(dir, name string) (*Transcript, error) {
	path, err := transcriptPath(dir, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "could not read session file %s", path)
	}

	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrapf(err, "could not parse session file %s", path)
	}
	sort.SliceStable(t.Turns, func(i, j int) bool {
		return t.Turns[i].Timestamp.Before(t.Turns[j].Timestamp)
	})
	t.path = path
	return &t, nil
}

// Save writes the transcript to disk, replacing the previous file atomically.
func (t *Transcript) Save() error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return errors.Wrapf(err, "failed to serialize session")
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write session file")
	}
	return os.Rename(tmp, t.path)
}

// Append adds turns to the transcript.
func (t *Transcript) Append(turns ...Turn) {
	t.Turns = append(t.Turns, turns...)
}

// Path returns the file the transcript is saved to.
func (t *Transcript) Path() string { return t.path }

// List returns the names of the transcripts stored under dir, newest first.
func List(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "could not list sessions")
	}
	type named struct {
		name string
		mod  time.Time
	}
	var found []named
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, named{strings.TrimSuffix(e.Name(), ".json"), info.ModTime()})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].mod.After(found[j].mod) })
	names := make([]string, 0, len(found))
	for _, f := range found {
		names = append(names, f.name)
	}
	return names, nil
}

func transcriptPath(dir, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) {
		return "", errors.New("invalid session name %q", name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrapf(err, "could not create session directory")
	}
	return filepath.Join(dir, name+".json"), nil
}
