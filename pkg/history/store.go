package history

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/werkstattwaedi/machine-auth-sub005/pkg/wire"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("history store is closed")

// ErrMachineMismatch is returned when the store file was written for a
// different machine, e.g. after a terminal was rewired without clearing
// its storage.
var ErrMachineMismatch = errors.New("usage history belongs to a different machine")

// ErrNoOpenUsage is returned by CloseLast when the newest record is not
// an open usage for the given session.
var ErrNoOpenUsage = errors.New("no open usage record")

// fileHeader is the first record of the store file.
type fileHeader struct {
	MachineID string `cbor:"1,keyasint"`
}

// Store is an append-only file of usage records awaiting upload.
// It is safe for concurrent use from multiple goroutines.
type Store struct {
	path      string
	machineID string

	mu      sync.Mutex
	file    *os.File
	encoder *cbor.Encoder
	count   int
	closed  bool
}

// Open opens or creates the store at path and counts the pending
// records. The file is bound to one machine; opening it for a different
// machine id fails with ErrMachineMismatch. A trailing partial record
// from an interrupted write is truncated away.
func Open(path string, machineID string) (*Store, error) {
	header, hasHeader, count, validSize, err := scan(path)
	if err != nil {
		return nil, err
	}
	if hasHeader && header.MachineID != machineID {
		return nil, fmt.Errorf("%w: file %q was written for %q, this machine is %q",
			ErrMachineMismatch, path, header.MachineID, machineID)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}
	if err := f.Truncate(validSize); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, err
	}

	encoder := wire.NewEncoder(f)
	if !hasHeader {
		if err := encoder.Encode(&fileHeader{MachineID: machineID}); err != nil {
			f.Close()
			return nil, fmt.Errorf("write usage history header: %w", err)
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	}

	s := &Store{
		path:      path,
		machineID: machineID,
		file:      f,
		encoder:   encoder,
		count:     count,
	}
	if count > 0 {
		if err := s.closeOrphanedUsage(time.Now()); err != nil {
			f.Close()
			return nil, err
		}
	}
	return s, nil
}

// closeOrphanedUsage closes a record left open by a crash while a usage
// was in progress, so it can still be uploaded.
func (s *Store) closeOrphanedUsage(now time.Time) error {
	records, err := s.readAll()
	if err != nil {
		return err
	}
	last := &records[len(records)-1]
	if last.CheckOutUnixSeconds != 0 {
		return nil
	}
	last.CheckOutUnixSeconds = now.Unix()
	last.Reason = wire.CheckoutTimedOut
	return s.rewrite(records)
}

// scan reads the header and counts complete records, reporting the byte
// offset after the last complete item.
func scan(path string) (header fileHeader, hasHeader bool, count int, validSize int64, err error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fileHeader{}, false, 0, 0, nil
		}
		return fileHeader{}, false, 0, 0, err
	}
	defer f.Close()

	decoder := wire.NewDecoder(f)
	if err := decoder.Decode(&header); err != nil {
		// A torn header write, treat the file as empty.
		return fileHeader{}, false, 0, 0, nil
	}
	hasHeader = true
	validSize = int64(decoder.NumBytesRead())

	for {
		var rec wire.UsageRecord
		if err := decoder.Decode(&rec); err != nil {
			// Any decode error past this point is a torn tail write.
			return header, hasHeader, count, validSize, nil
		}
		count++
		validSize = int64(decoder.NumBytesRead())
	}
}

// Append durably persists one record. It returns only after the record
// has been synced to stable storage. A record may be appended while
// still open, with its checkout fields zero, and closed later through
// CloseLast.
func (s *Store) Append(rec *wire.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if err := s.encoder.Encode(rec); err != nil {
		return fmt.Errorf("append usage record: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("sync usage history: %w", err)
	}
	s.count++
	return nil
}

// CloseLast fills in the checkout fields of the newest record, which
// must be the still-open usage for sessionID, and persists the change.
func (s *Store) CloseLast(sessionID string, checkOut int64, reason wire.CheckoutReason) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	records, err := s.readAll()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		return ErrNoOpenUsage
	}
	last := &records[len(records)-1]
	if last.SessionID != sessionID || last.CheckOutUnixSeconds != 0 {
		return fmt.Errorf("%w for session %q", ErrNoOpenUsage, sessionID)
	}
	last.CheckOutUnixSeconds = checkOut
	last.Reason = reason
	return s.rewrite(records)
}

// Pending returns all records awaiting upload, oldest first. The newest
// record may still be open while a usage is in progress.
func (s *Store) Pending() ([]wire.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	return s.readAll()
}

func (s *Store) readAll() ([]wire.UsageRecord, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	decoder := wire.NewDecoder(f)
	var header fileHeader
	if err := decoder.Decode(&header); err != nil {
		return nil, fmt.Errorf("read usage history header: %w", err)
	}

	var records []wire.UsageRecord
	for len(records) < s.count {
		var rec wire.UsageRecord
		if err := decoder.Decode(&rec); err != nil {
			return nil, fmt.Errorf("read usage history: %w", err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Drop removes the n oldest records after a successful upload. The
// remainder is rewritten to a temporary file and renamed into place.
func (s *Store) Drop(n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if n <= 0 {
		return nil
	}
	if n > s.count {
		n = s.count
	}

	records, err := s.readAll()
	if err != nil {
		return err
	}
	return s.rewrite(records[n:])
}

// rewrite replaces the file contents with records through a temporary
// file and reopens the append handle. The caller holds s.mu.
func (s *Store) rewrite(records []wire.UsageRecord) error {
	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	encoder := wire.NewEncoder(tmp)
	if err := encoder.Encode(&fileHeader{MachineID: s.machineID}); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("rewrite usage history: %w", err)
	}
	for i := range records {
		if err := encoder.Encode(&records[i]); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("rewrite usage history: %w", err)
		}
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return err
	}

	// The old handle points at the replaced inode; reopen for appends.
	s.file.Close()
	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	s.file = f
	s.encoder = wire.NewEncoder(f)
	s.count = len(records)
	return nil
}

// Len returns the number of records awaiting upload.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Close closes the store. It is safe to call Close multiple times.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.file.Close()
}
