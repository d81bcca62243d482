package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DBInfo is the sidecar metadata written next to the local replica file. The
// generation counter advances on every completed pull; the durable frame
// number accumulates the frames applied across the replica's lifetime.
type DBInfo struct {
	Generation      int64  `json:"generation"`
	DurableFrameNum int64  `json:"durable_frame_num"`
	LastSync        string `json:"last_sync,omitempty"`
}

func readDBInfo(path string) (*DBInfo, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var info DBInfo
	if err := json.Unmarshal(b, &info); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &info, nil
}

func writeDBInfo(path string, info *DBInfo) error {
	b, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".db-info-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func nowStamp() string {
	return time.Now().UTC().Format(time.RFC3339)
}
