package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	"smrcore/pkg/types"
)

const (
	decisionsFile  = "decisions.log"
	checkpointFile = "checkpoint.bin"
)

// FileLog is a file-backed DurableLog: decisions in an append-only framed
// log, the latest checkpoint in a separate atomically-replaced file. The full
// decision window is kept in memory; the files make it survive restarts.
type FileLog struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	dir    string

	entries map[types.SeqNum]types.Decision
	lo, hi  types.SeqNum // inclusive window bounds, 0/0 when empty

	checkpoint    Checkpoint
	hasCheckpoint bool
}

// OpenFileLog opens (or creates) the log under dir and replays it.
func OpenFileLog(dir string) (*FileLog, error) {
	if dir == "" {
		return nil, fmt.Errorf("empty journal dir")
	}
	dir = filepath.Clean(dir)
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	filePath := filepath.Join(dir, decisionsFile)
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	fl := &FileLog{
		file:    file,
		writer:  bufio.NewWriter(file),
		dir:     dir,
		entries: make(map[types.SeqNum]types.Decision),
	}

	if err := fl.loadCheckpoint(); err != nil {
		_ = file.Close()
		return nil, err
	}
	if err := fl.replay(); err != nil {
		_ = file.Close()
		return nil, err
	}

	return fl, nil
}

func (f *FileLog) Append(d types.Decision) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writer == nil {
		return fmt.Errorf("journal closed")
	}

	if err := writeDecision(f.writer, d); err != nil {
		return fmt.Errorf("failed to write journal entry: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := f.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}

	f.insert(d)
	return nil
}

// Truncate drops all decisions with seq <= upto and rewrites the log file.
// The rewrite goes through a temp file so a crash mid-compaction leaves the
// old log readable.
func (f *FileLog) Truncate(upto types.SeqNum) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writer == nil {
		return fmt.Errorf("journal closed")
	}

	keep := make([]types.Decision, 0, len(f.entries))
	for seq := upto + 1; seq <= f.hi; seq++ {
		if d, ok := f.entries[seq]; ok {
			keep = append(keep, d)
		}
	}

	tmpPath := filepath.Join(f.dir, decisionsFile+".tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create compaction file: %w", err)
	}
	w := bufio.NewWriter(tmp)
	for _, d := range keep {
		if err := writeDecision(w, d); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("failed to write compaction entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush compaction file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync compaction file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close compaction file: %w", err)
	}

	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal before swap: %w", err)
	}
	if err := f.file.Close(); err != nil {
		return fmt.Errorf("failed to close journal before swap: %w", err)
	}

	filePath := filepath.Join(f.dir, decisionsFile)
	if err := os.Rename(tmpPath, filePath); err != nil {
		return fmt.Errorf("failed to swap compacted journal: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to reopen journal: %w", err)
	}
	f.file = file
	f.writer = bufio.NewWriter(file)

	for seq := f.lo; seq <= upto; seq++ {
		delete(f.entries, seq)
	}
	if len(f.entries) == 0 {
		f.lo, f.hi = 0, 0
	} else if upto+1 > f.lo {
		// A stale upto below the window must not move lo backwards.
		f.lo = upto + 1
	}

	return nil
}

// PersistCheckpoint writes the checkpoint to a temp file, syncs, and renames
// it over the previous one. The old checkpoint survives any mid-write crash.
func (f *FileLog) PersistCheckpoint(cp Checkpoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	tmpPath := filepath.Join(f.dir, checkpointFile+".tmp")
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("failed to create checkpoint file: %w", err)
	}

	w := bufio.NewWriter(tmp)
	if err := binary.Write(w, binary.LittleEndian, uint64(cp.Seq)); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := w.Write(cp.Digest[:]); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(cp.Blob))); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := w.Write(cp.Blob); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to flush checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close checkpoint: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(f.dir, checkpointFile)); err != nil {
		return fmt.Errorf("failed to swap checkpoint: %w", err)
	}

	f.checkpoint = cp
	f.hasCheckpoint = true
	return nil
}

func (f *FileLog) LatestCheckpoint() (Checkpoint, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkpoint, f.hasCheckpoint, nil
}

func (f *FileLog) ReadRange(lo, hi types.SeqNum) ([]types.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if hi == 0 {
		hi = f.hi
	}

	var out []types.Decision
	for seq := lo; seq <= hi; seq++ {
		d, ok := f.entries[seq]
		if !ok {
			break
		}
		out = append(out, d)
	}
	return out, nil
}

func (f *FileLog) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.writer != nil {
		if err := f.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush journal on close: %w", err)
		}
		f.writer = nil
	}
	if f.file != nil {
		if err := f.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
		f.file = nil
	}
	return nil
}

func (f *FileLog) insert(d types.Decision) {
	f.entries[d.Seq] = d
	if f.lo == 0 || d.Seq < f.lo {
		f.lo = d.Seq
	}
	if d.Seq > f.hi {
		f.hi = d.Seq
	}
}

func (f *FileLog) replay() error {
	file, err := os.Open(filepath.Join(f.dir, decisionsFile))
	if err != nil {
		return fmt.Errorf("failed to open journal for replay: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close journal replay file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)
	for {
		d, err := readDecision(reader)
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to read journal entry: %w", err)
		}
		f.insert(d)
	}
	return nil
}

func (f *FileLog) loadCheckpoint() error {
	file, err := os.Open(filepath.Join(f.dir, checkpointFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to open checkpoint: %w", err)
	}
	defer func() {
		if cerr := file.Close(); cerr != nil {
			slog.Warn("failed to close checkpoint file", "error", cerr)
		}
	}()

	reader := bufio.NewReader(file)

	var cp Checkpoint
	var seq uint64
	if err := binary.Read(reader, binary.LittleEndian, &seq); err != nil {
		return fmt.Errorf("failed to read checkpoint seq: %w", err)
	}
	cp.Seq = types.SeqNum(seq)
	if _, err := io.ReadFull(reader, cp.Digest[:]); err != nil {
		return fmt.Errorf("failed to read checkpoint digest: %w", err)
	}
	var blobLen uint64
	if err := binary.Read(reader, binary.LittleEndian, &blobLen); err != nil {
		return fmt.Errorf("failed to read checkpoint blob length: %w", err)
	}
	cp.Blob = make([]byte, blobLen)
	if _, err := io.ReadFull(reader, cp.Blob); err != nil {
		return fmt.Errorf("failed to read checkpoint blob: %w", err)
	}

	f.checkpoint = cp
	f.hasCheckpoint = true
	return nil
}

// writeDecision frames a single decision:
// seq(8) digest(32) reqCount(4) { clientLen(4) client num(8) payloadLen(4) payload }*
func writeDecision(w *bufio.Writer, d types.Decision) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(d.Seq)); err != nil {
		return err
	}
	if _, err := w.Write(d.Digest[:]); err != nil {
		return err
	}
	if len(d.Requests) > math.MaxUint32 {
		return fmt.Errorf("batch too large: %d", len(d.Requests))
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(d.Requests))); err != nil {
		return err
	}

	for _, r := range d.Requests {
		if len(r.Client) > math.MaxUint32 || len(r.Payload) > math.MaxUint32 {
			return fmt.Errorf("request too large: client %d payload %d", len(r.Client), len(r.Payload))
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(r.Client))); err != nil {
			return err
		}
		if _, err := w.Write([]byte(r.Client)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint64(r.Num)); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(r.Payload))); err != nil {
			return err
		}
		if _, err := w.Write(r.Payload); err != nil {
			return err
		}
	}

	return nil
}

func readDecision(reader *bufio.Reader) (types.Decision, error) {
	var d types.Decision

	var seq uint64
	if err := binary.Read(reader, binary.LittleEndian, &seq); err != nil {
		return d, err
	}
	d.Seq = types.SeqNum(seq)

	if _, err := io.ReadFull(reader, d.Digest[:]); err != nil {
		return d, err
	}

	var count uint32
	if err := binary.Read(reader, binary.LittleEndian, &count); err != nil {
		return d, err
	}

	d.Requests = make([]types.Request, count)
	for i := range d.Requests {
		var clientLen uint32
		if err := binary.Read(reader, binary.LittleEndian, &clientLen); err != nil {
			return d, err
		}
		client := make([]byte, clientLen)
		if _, err := io.ReadFull(reader, client); err != nil {
			return d, err
		}
		d.Requests[i].Client = types.ClientID(client)

		var num uint64
		if err := binary.Read(reader, binary.LittleEndian, &num); err != nil {
			return d, err
		}
		d.Requests[i].Num = types.RequestNum(num)

		var payloadLen uint32
		if err := binary.Read(reader, binary.LittleEndian, &payloadLen); err != nil {
			return d, err
		}
		d.Requests[i].Payload = make([]byte, payloadLen)
		if _, err := io.ReadFull(reader, d.Requests[i].Payload); err != nil {
			return d, err
		}
	}

	return d, nil
}
