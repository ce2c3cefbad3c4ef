package agentqueue

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/cuemby/controllerd/pkg/types"
)

// magicTrailer closes each persisted record; currentStateVersion is the
// version every SaveState call writes, regardless of what it read. No
// pack library offers this kind of small length-prefixed record framing,
// so it is hand-rolled on encoding/binary the way a fixed wire frame
// would be in any of the pack's lower-level transports.
const (
	magicTrailer        uint32 = 0xDEAD3219
	currentStateVersion        = 1
)

type persistedItemV1 struct {
	ID         string
	RPCType    string
	RPCVersion uint16
	Payload    []byte
	EnqueuedAt time.Time
}

// SaveState writes items as a versioned, framed stream: "VERnn", then for
// each message a 4-byte big-endian length, the JSON-encoded payload, and
// the 4-byte magic trailer. REGISTER_CTLD messages are never persisted,
// since replaying a stale cluster-name registration on restart can
// deadlock the accounting connection.
func SaveState(w io.Writer, items []types.AgentQueueItem) error {
	if _, err := fmt.Fprintf(w, "VER%02d", currentStateVersion); err != nil {
		return err
	}
	for _, item := range items {
		if item.RPCType == RPCRegisterCtld {
			continue
		}
		payload, err := json.Marshal(persistedItemV1{
			ID:         item.ID,
			RPCType:    item.RPCType,
			RPCVersion: item.RPCVersion,
			Payload:    item.Payload,
			EnqueuedAt: item.EnqueuedAt,
		})
		if err != nil {
			return fmt.Errorf("agentqueue: encode queued message: %w", err)
		}

		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		if _, err := w.Write(lenBuf[:]); err != nil {
			return err
		}
		if _, err := w.Write(payload); err != nil {
			return err
		}
		var magicBuf [4]byte
		binary.BigEndian.PutUint32(magicBuf[:], magicTrailer)
		if _, err := w.Write(magicBuf[:]); err != nil {
			return err
		}
	}
	return nil
}

// LoadState reads a stream SaveState wrote, up-converting older versions
// on the fly: every stored version currently decodes to the same
// persistedItemV1 schema, so up-conversion today is the identity
// transform, but the version is still read and could drive a per-version
// decode branch the day the schema changes. REGISTER_CTLD messages are
// dropped rather than requeued.
func LoadState(r io.Reader) ([]types.AgentQueueItem, error) {
	br := bufio.NewReader(r)

	verBuf := make([]byte, 5)
	n, err := io.ReadFull(br, verBuf)
	if err == io.EOF || (err == io.ErrUnexpectedEOF && n == 0) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("agentqueue: read state version: %w", err)
	}
	if string(verBuf[:3]) != "VER" {
		return nil, fmt.Errorf("agentqueue: malformed state file, missing VER prefix")
	}
	storedVersion, err := strconv.Atoi(string(verBuf[3:5]))
	if err != nil {
		return nil, fmt.Errorf("agentqueue: malformed state version: %w", err)
	}
	_ = storedVersion // every version decodes to persistedItemV1 today; kept for the day it doesn't

	var items []types.AgentQueueItem
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(br, lenBuf[:]); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("agentqueue: read record length: %w", err)
		}
		size := binary.BigEndian.Uint32(lenBuf[:])

		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			return nil, fmt.Errorf("agentqueue: read record payload: %w", err)
		}

		var magicBuf [4]byte
		if _, err := io.ReadFull(br, magicBuf[:]); err != nil {
			return nil, fmt.Errorf("agentqueue: read record trailer: %w", err)
		}
		if binary.BigEndian.Uint32(magicBuf[:]) != magicTrailer {
			return nil, fmt.Errorf("agentqueue: corrupt state file, bad trailer")
		}

		var rec persistedItemV1
		if err := json.Unmarshal(payload, &rec); err != nil {
			return nil, fmt.Errorf("agentqueue: decode queued message: %w", err)
		}
		if rec.RPCType == RPCRegisterCtld {
			continue
		}
		items = append(items, types.AgentQueueItem{
			ID:         rec.ID,
			RPCType:    rec.RPCType,
			RPCVersion: rec.RPCVersion,
			Payload:    rec.Payload,
			EnqueuedAt: rec.EnqueuedAt,
		})
	}
	return items, nil
}

func (a *Agent) restoreState() ([]types.AgentQueueItem, error) {
	if a.cfg.StatePath == "" {
		return nil, nil
	}
	f, err := os.Open(a.cfg.StatePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return LoadState(f)
}

func (a *Agent) persistState() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persistStateLocked()
}

// persistStateLocked must be called with a.mu held.
func (a *Agent) persistStateLocked() error {
	if a.cfg.StatePath == "" {
		return nil
	}
	f, err := os.Create(a.cfg.StatePath)
	if err != nil {
		return err
	}
	defer f.Close()
	return SaveState(f, a.pending)
}
