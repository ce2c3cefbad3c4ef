package backup

import (
	"encoding/binary"
	"fmt"
	"os"
	"time"
)

// HeartbeatInfo is the content of the primary's heartbeat file: its
// position in the ordered controller list, so any standby reading the
// file knows which peer currently claims to be primary.
type HeartbeatInfo struct {
	ControllerIndex int32
}

// WriteHeartbeat writes index to path, via a rename so a concurrent
// reader never observes a partial write.
func WriteHeartbeat(path string, index int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(index))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf[:], 0o644); err != nil {
		return fmt.Errorf("backup: write heartbeat: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadHeartbeat reads the controller index embedded in the heartbeat
// file at path.
func ReadHeartbeat(path string) (*HeartbeatInfo, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 4 {
		return nil, fmt.Errorf("backup: heartbeat file truncated")
	}
	return &HeartbeatInfo{ControllerIndex: int32(binary.BigEndian.Uint32(data[:4]))}, nil
}

func heartbeatModTime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
