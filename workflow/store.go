package workflow

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/ckoons/Tekton-sub017/storage"
	"github.com/ckoons/Tekton-sub017/tekerr"
)

// Store persists workflow executions under
// <root>/<execution_id>/{definition.json,state.json,checkpoints/<id>.json}.
// All writes go through atomic rename.
type Store struct {
	root string
}

// NewStore opens (creating if needed) a workflow store rooted at dir.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workflow store: %w", err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) execDir(executionID string) string {
	return filepath.Join(s.root, executionID)
}

// SaveDefinition writes the frozen definition an execution runs against.
func (s *Store) SaveDefinition(executionID string, def *Definition) error {
	dir := s.execDir(executionID)
	if err := os.MkdirAll(filepath.Join(dir, "checkpoints"), 0o755); err != nil {
		return tekerr.Wrap(tekerr.CodePersistenceFailure, err)
	}
	if err := storage.WriteJSON(filepath.Join(dir, "definition.json"), def); err != nil {
		return tekerr.Wrap(tekerr.CodePersistenceFailure, err)
	}
	return nil
}

// LoadDefinition reads an execution's frozen definition.
func (s *Store) LoadDefinition(executionID string) (*Definition, error) {
	var def Definition
	err := storage.ReadJSON(filepath.Join(s.execDir(executionID), "definition.json"), &def)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, tekerr.New(tekerr.CodeNotFound, "no execution %s", executionID)
	}
	if err != nil {
		return nil, tekerr.Wrap(tekerr.CodePersistenceFailure, err)
	}
	return &def, nil
}

// SaveState writes the current execution state.
func (s *Store) SaveState(exec *Execution) error {
	path := filepath.Join(s.execDir(exec.ExecutionID), "state.json")
	if err := storage.WriteJSON(path, exec); err != nil {
		return tekerr.Wrap(tekerr.CodePersistenceFailure, err)
	}
	return nil
}

// LoadState reads an execution's last persisted state.
func (s *Store) LoadState(executionID string) (*Execution, error) {
	var exec Execution
	err := storage.ReadJSON(filepath.Join(s.execDir(executionID), "state.json"), &exec)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, tekerr.New(tekerr.CodeNotFound, "no execution %s", executionID)
	}
	if err != nil {
		return nil, tekerr.Wrap(tekerr.CodePersistenceFailure, err)
	}
	return &exec, nil
}

// SaveCheckpoint writes one checkpoint file and returns its storage ref.
func (s *Store) SaveCheckpoint(cp *Checkpoint) (string, error) {
	path := filepath.Join(s.execDir(cp.ExecutionID), "checkpoints", cp.CheckpointID+".json")
	cp.StorageRef = path
	if err := storage.WriteJSON(path, cp); err != nil {
		return "", tekerr.Wrap(tekerr.CodePersistenceFailure, err)
	}
	return path, nil
}

// LoadCheckpoint reads one checkpoint.
func (s *Store) LoadCheckpoint(executionID, checkpointID string) (*Checkpoint, error) {
	var cp Checkpoint
	path := filepath.Join(s.execDir(executionID), "checkpoints", checkpointID+".json")
	err := storage.ReadJSON(path, &cp)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, tekerr.New(tekerr.CodeNotFound,
			"no checkpoint %s for execution %s", checkpointID, executionID)
	}
	if err != nil {
		return nil, tekerr.Wrap(tekerr.CodePersistenceFailure, err)
	}
	return &cp, nil
}

// Executions lists stored execution ids sorted ascending.
func (s *Store) Executions() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, tekerr.Wrap(tekerr.CodePersistenceFailure, err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}
