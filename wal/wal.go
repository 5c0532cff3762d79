// Package wal implements the write-ahead log: an append-only stream of
// framed, checksummed records that rebuilds the memtable after a
// crash. Every record is framed as [crc32][len][payload] where the
// payload is a codec.WALRecord carrying its own inner checksum, so the
// record stays verifiable even after relocation out of the log.
package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/petreldb/petrel/bufferpool"
	"github.com/petreldb/petrel/codec"
)

const (
	// FileName is the log's name inside the WAL directory.
	FileName = "wal.log"

	// BackupSuffix is appended to the log path when Repair saves a copy.
	BackupSuffix = ".backup"

	// headerSize is the frame header: CRC32 (4) + payload length (4).
	headerSize = 8

	// MaxRecordSize bounds a frame payload. Anything larger is treated
	// as corruption and stops recovery.
	MaxRecordSize = 10 * 1024 * 1024
)

// ErrClosed is returned when appending to a closed log.
var ErrClosed = errors.New("WAL is closed")

// Config carries the knobs the engine hands the log at open.
type Config struct {
	// Dir is the WAL directory; it is created if missing.
	Dir string
	// SyncImmediate forces an fsync after every append.
	SyncImmediate bool
	// TruncateEnabled allows MarkFlushed to truncate the log.
	TruncateEnabled bool
	// Logger for recovery and repair reporting.
	Logger *slog.Logger
}

// WAL is the append-only log. A single mutex serializes appenders.
type WAL struct {
	mu              sync.Mutex
	path            string
	file            *os.File
	syncImmediate   bool
	truncateEnabled bool
	lastFlushedSeq  uint64
	closed          bool
	logger          *slog.Logger
}

// Open creates or opens the log at dir/wal.log in append mode.
func Open(cfg Config) (*WAL, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, err
	}

	path := filepath.Join(cfg.Dir, FileName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	cfg.Logger.Info("WAL opened", "path", path)
	return &WAL{
		path:            path,
		file:            file,
		syncImmediate:   cfg.SyncImmediate,
		truncateEnabled: cfg.TruncateEnabled,
		logger:          cfg.Logger,
	}, nil
}

// Path returns the log file path.
func (w *WAL) Path() string {
	return w.path
}

// Size returns the current log file size.
func (w *WAL) Size() (int64, error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// AppendPut logs an insert.
func (w *WAL) AppendPut(key string, value []byte, timestamp, seq uint64) error {
	return w.append(codec.WALRecord{
		Key:       key,
		Value:     value,
		Timestamp: timestamp,
		Sequence:  seq,
	})
}

// AppendDelete logs a tombstone.
func (w *WAL) AppendDelete(key string, timestamp, seq uint64) error {
	return w.append(codec.WALRecord{
		Key:       key,
		Tombstone: true,
		Timestamp: timestamp,
		Sequence:  seq,
	})
}

func (w *WAL) append(rec codec.WALRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	payload := codec.EncodeWALRecord(rec)
	if len(payload) > MaxRecordSize {
		return fmt.Errorf("WAL record of %d bytes exceeds limit", len(payload))
	}

	frame := bufferpool.GetBuffer(headerSize + len(payload))
	defer bufferpool.PutBuffer(frame)
	binary.BigEndian.PutUint32(frame, codec.Checksum(payload))
	binary.BigEndian.PutUint32(frame[4:], uint32(len(payload)))
	copy(frame[headerSize:], payload)

	if _, err := w.file.Write(frame); err != nil {
		return err
	}
	if w.syncImmediate {
		return w.file.Sync()
	}
	return nil
}

// Sync forces buffered log data to disk.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}
	return w.file.Sync()
}

// Target is where recovered records land. The memtable satisfies it.
type Target interface {
	Put(key string, value []byte)
	Delete(key string)
}

// RecoveryReport counts what recovery found. It is a report, not an
// error: corrupted frames are tolerated per the rules below.
type RecoveryReport struct {
	Recovered   int
	Corrupted   int
	MaxSequence uint64
}

// Recover replays the log into target. Frames with a bad outer CRC or
// an undecodable payload are skipped and counted; a frame whose length
// header is out of range, or a partial frame at the tail, stops
// recovery without failing it. Only actual I/O errors are returned.
func (w *WAL) Recover(target Target) (RecoveryReport, error) {
	var report RecoveryReport

	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			w.logger.Info("WAL file missing, nothing to recover")
			return report, nil
		}
		return report, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return report, err
	}
	if info.Size() == 0 {
		w.logger.Info("WAL file empty, nothing to recover")
		return report, nil
	}

	reader := bufio.NewReader(file)
	header := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			// Fewer than 8 bytes left is a graceful end of log.
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return report, err
		}

		storedCRC := binary.BigEndian.Uint32(header)
		length := binary.BigEndian.Uint32(header[4:])
		if length == 0 || length > MaxRecordSize {
			w.logger.Warn("WAL frame length out of range, stopping recovery",
				"length", length, "recovered", report.Recovered)
			break
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(reader, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				w.logger.Warn("partial WAL frame at tail, stopping recovery",
					"recovered", report.Recovered)
				break
			}
			return report, err
		}

		if codec.Checksum(payload) != storedCRC {
			report.Corrupted++
			continue
		}

		rec, err := codec.DecodeWALRecord(payload)
		if err != nil {
			report.Corrupted++
			continue
		}

		if rec.Tombstone {
			target.Delete(rec.Key)
		} else {
			target.Put(rec.Key, rec.Value)
		}
		report.Recovered++
		if rec.Sequence > report.MaxSequence {
			report.MaxSequence = rec.Sequence
		}
	}

	w.logger.Info("WAL recovery completed",
		"recovered", report.Recovered, "corrupted", report.Corrupted)
	if report.Corrupted > 0 {
		w.logger.Warn("WAL contained corrupted entries, consider running repair",
			"corrupted", report.Corrupted)
	}
	return report, nil
}

// MarkFlushed records that everything up to seq is durable in a sorted
// run. If truncation is enabled the log is synced and cut to zero.
func (w *WAL) MarkFlushed(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.lastFlushedSeq = seq
	if !w.truncateEnabled || w.closed {
		return nil
	}
	return w.truncateLocked()
}

// LastFlushedSequence returns the sequence recorded by MarkFlushed.
func (w *WAL) LastFlushedSequence() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastFlushedSeq
}

func (w *WAL) truncateLocked() error {
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	w.logger.Info("WAL truncated")
	return nil
}

// Repair copies the current log to <path>.backup and truncates the
// live file. Meant for manual intervention after recovery reports
// corruption.
func (w *WAL) Repair() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}

	src, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer src.Close()

	backupPath := w.path + BackupSuffix
	dst, err := os.Create(backupPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	if err := w.truncateLocked(); err != nil {
		return err
	}
	w.logger.Info("WAL repaired", "backup", backupPath)
	return nil
}

// Close syncs and closes the log. Safe to call more than once.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
