package localstore

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

type fileSnapshot struct {
	Version int `json:"version"`
	memoryState
}

// NewFileBackend keeps the whole store in memory and rewrites a JSON
// snapshot at path after every mutation.
func NewFileBackend(path string) (*MemoryBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	load := func() (memoryState, error) {
		return loadFileSnapshot(path)
	}
	state, err := load()
	if err != nil {
		return nil, storageError("load "+path, err)
	}
	b := &MemoryBackend{
		state:   state,
		restore: load,
		persist: func(state memoryState) error {
			return saveFileSnapshot(path, state)
		},
	}
	return b, nil
}

func loadFileSnapshot(path string) (memoryState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return newMemoryState(), nil
		}
		return memoryState{}, err
	}
	var snapshot fileSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return memoryState{}, err
	}
	state := snapshot.memoryState
	if state.Tables == nil {
		state.Tables = map[string]map[string]Record{}
	}
	if state.Queue == nil {
		state.Queue = []QueueItem{}
	}
	for _, item := range state.Queue {
		if item.ID >= state.NextQueueID {
			state.NextQueueID = item.ID + 1
		}
	}
	if state.NextQueueID <= 0 {
		state.NextQueueID = 1
	}
	return state, nil
}

func saveFileSnapshot(path string, state memoryState) error {
	data, err := json.Marshal(fileSnapshot{Version: 1, memoryState: state})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
