package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/omni/tokenbridge-relayer/logging"
)

// CheckpointVersion is the schema version of checkpoint files. Files written
// with a different version are skipped on restore.
const CheckpointVersion = 1

const checkpointFilePrefix = "checkpoint-"

var ErrNoCheckpoint = errors.New("no valid checkpoint found")

// Checkpoint is a point-in-time snapshot of the restorable relayer state.
type Checkpoint struct {
	ID                  string            `json:"id"`
	Version             uint              `json:"version"`
	BridgeID            string            `json:"bridge_id"`
	Timestamp           time.Time         `json:"timestamp"`
	Running             bool              `json:"running"`
	PendingCount        uint              `json:"pending_count"`
	ProcessingCount     uint              `json:"processing_count"`
	LastProcessedBlocks map[string]uint   `json:"last_processed_blocks"`
	ActiveSigningKey    common.Address    `json:"active_signing_key"`
	Custom              map[string]string `json:"custom,omitempty"`
}

func newCheckpoint(bridgeID string, snapshot *Snapshot) *Checkpoint {
	return &Checkpoint{
		ID:                  uuid.NewString(),
		Version:             CheckpointVersion,
		BridgeID:            bridgeID,
		Timestamp:           time.Now().UTC(),
		Running:             snapshot.Running,
		PendingCount:        snapshot.Pending,
		ProcessingCount:     snapshot.Processing,
		LastProcessedBlocks: snapshot.Cursors,
		ActiveSigningKey:    snapshot.ActiveKey,
	}
}

func (cp *Checkpoint) Validate(bridgeID string) error {
	if cp.Version != CheckpointVersion {
		return fmt.Errorf("unsupported checkpoint version %d", cp.Version)
	}
	if cp.BridgeID != bridgeID {
		return fmt.Errorf("checkpoint belongs to bridge %s", cp.BridgeID)
	}
	if cp.ID == "" || cp.Timestamp.IsZero() {
		return fmt.Errorf("checkpoint misses id or timestamp")
	}
	return nil
}

// checkpointFileName is timestamp-prefixed so that a lexical sort of the
// checkpoint dir is chronological.
func checkpointFileName(cp *Checkpoint) string {
	return fmt.Sprintf("%s%s-%s.json", checkpointFilePrefix, cp.Timestamp.UTC().Format("20060102T150405.000000000"), cp.ID)
}

// writeCheckpointFile writes the blob atomically: the content goes to a temp
// file and is renamed into place only after a successful sync, so readers
// never observe a partial checkpoint.
func writeCheckpointFile(dir, name string, blob []byte) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("can't create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*.tmp")
	if err != nil {
		return "", fmt.Errorf("can't create temp checkpoint file: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err = tmp.Write(blob); err != nil {
		tmp.Close()
		return "", fmt.Errorf("can't write checkpoint file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("can't sync checkpoint file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return "", fmt.Errorf("can't close checkpoint file: %w", err)
	}
	path := filepath.Join(dir, name)
	if err = os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("can't finalize checkpoint file: %w", err)
	}
	return path, nil
}

// loadLatestCheckpoint scans the checkpoint dir newest-first and returns the
// first file that parses and validates. Corrupted files are skipped with a
// warning, never fatal.
func loadLatestCheckpoint(logger logging.Logger, dir, bridgeID string) (*Checkpoint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("can't read checkpoint dir: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, checkpointFilePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	for _, name := range names {
		path := filepath.Join(dir, name)
		cp, err := readCheckpointFile(path)
		if err != nil {
			logger.WithError(err).WithField("path", path).Warn("skipping unreadable checkpoint file")
			continue
		}
		if err = cp.Validate(bridgeID); err != nil {
			logger.WithError(err).WithField("path", path).Warn("skipping incompatible checkpoint file")
			continue
		}
		return cp, nil
	}
	return nil, ErrNoCheckpoint
}

func readCheckpointFile(path string) (*Checkpoint, error) {
	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("can't read checkpoint file: %w", err)
	}
	cp := new(Checkpoint)
	if err = json.Unmarshal(blob, cp); err != nil {
		return nil, fmt.Errorf("can't unmarshal checkpoint: %w", err)
	}
	return cp, nil
}
