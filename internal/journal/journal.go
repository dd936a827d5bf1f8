// Package journal persists the engine's event stream. Records append to a
// line-delimited JSON log; a checkpoint captures engine state and rotates
// the log so recovery replays only the records after the checkpoint.
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	errorsmod "cosmossdk.io/errors"
	"cosmossdk.io/log"

	"github.com/openalpha/prediction-engine/internal/types"
)

var ErrClosed = errorsmod.Register("journal", 1, "journal closed")

const (
	logName        = "journal.log"
	checkpointName = "checkpoint.json"
)

// Record is one journaled event.
type Record struct {
	Seq      uint64          `json:"seq"`
	MarketID types.MarketID  `json:"market_id"`
	Kind     string          `json:"kind"`
	At       time.Time       `json:"at"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// checkpoint is the on-disk snapshot envelope.
type checkpoint struct {
	Seq   uint64          `json:"seq"`
	At    time.Time       `json:"at"`
	State json.RawMessage `json:"state"`
}

// Journal is an append-only record log with atomic checkpoints.
type Journal struct {
	dir    string
	logger log.Logger

	mu     sync.Mutex
	f      *os.File
	w      *bufio.Writer
	seq    uint64
	closed bool
}

// Open creates or reopens a journal in dir. The sequence continues from the
// highest record on disk.
func Open(dir string, logger log.Logger) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	j := &Journal{dir: dir, logger: logger.With("module", "journal")}

	if cp, err := j.readCheckpoint(); err != nil {
		return nil, err
	} else if cp != nil {
		j.seq = cp.Seq
	}
	records, err := j.readLog()
	if err != nil {
		return nil, err
	}
	if n := len(records); n > 0 && records[n-1].Seq > j.seq {
		j.seq = records[n-1].Seq
	}

	if err := j.openLog(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) openLog() error {
	f, err := os.OpenFile(filepath.Join(j.dir, logName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.f = f
	j.w = bufio.NewWriter(f)
	return nil
}

// Append journals one record and returns its sequence number. The payload
// must marshal to JSON.
func (j *Journal) Append(market types.MarketID, kind string, payload interface{}) (uint64, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	j.seq++
	rec := Record{
		Seq:      j.seq,
		MarketID: market,
		Kind:     kind,
		At:       time.Now().UTC(),
		Payload:  data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return 0, err
	}
	if _, err := j.w.Write(append(line, '\n')); err != nil {
		return 0, err
	}
	if err := j.w.Flush(); err != nil {
		return 0, err
	}
	return rec.Seq, nil
}

// Checkpoint atomically persists state and rotates the log. Records already
// covered by the checkpoint are discarded.
func (j *Journal) Checkpoint(state []byte) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	if err := j.w.Flush(); err != nil {
		return err
	}

	cp := checkpoint{Seq: j.seq, At: time.Now().UTC(), State: state}
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	tmp := filepath.Join(j.dir, checkpointName+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(j.dir, checkpointName)); err != nil {
		return err
	}

	// Rotate: everything up to cp.Seq now lives in the checkpoint.
	if err := j.f.Close(); err != nil {
		return err
	}
	if err := os.Remove(filepath.Join(j.dir, logName)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := j.openLog(); err != nil {
		return err
	}
	j.logger.Info("checkpoint written", "seq", cp.Seq)
	return nil
}

// Recover returns the last checkpointed state (nil when none) and every
// record appended after it, in order.
func (j *Journal) Recover() ([]byte, []Record, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var state []byte
	var cpSeq uint64
	if cp, err := j.readCheckpoint(); err != nil {
		return nil, nil, err
	} else if cp != nil {
		state = cp.State
		cpSeq = cp.Seq
	}

	records, err := j.readLog()
	if err != nil {
		return nil, nil, err
	}
	tail := records[:0]
	for _, r := range records {
		if r.Seq > cpSeq {
			tail = append(tail, r)
		}
	}
	return state, tail, nil
}

// Seq returns the last assigned sequence number.
func (j *Journal) Seq() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Close flushes and closes the log.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	if err := j.w.Flush(); err != nil {
		return err
	}
	return j.f.Close()
}

func (j *Journal) readCheckpoint() (*checkpoint, error) {
	data, err := os.ReadFile(filepath.Join(j.dir, checkpointName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

// readLog parses the on-disk log, dropping a torn trailing line from a
// crashed writer.
func (j *Journal) readLog() ([]Record, error) {
	f, err := os.Open(filepath.Join(j.dir, logName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var records []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var r Record
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			j.logger.Error("truncated journal record dropped", "err", err)
			break
		}
		records = append(records, r)
	}
	if err := sc.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return records, nil
}
