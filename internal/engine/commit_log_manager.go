package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"time"

	"shellcache/internal/logger"
	"shellcache/internal/model"
	"shellcache/internal/storage"
)

var (
	// ErrEnqueueTimeout is returned when the writer goroutine does not accept
	// a record within CommitLogCfg.EnqueueTimeout.
	ErrEnqueueTimeout = errors.New("timeout waiting for mutation to be added to commit log")
	// ErrClosed is returned by Append after the manager has shut down.
	ErrClosed = errors.New("commit log closed")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

type commitLogFlusher struct {
	activeSegment  *os.File
	seqNumber      uint64
	buffer         bytes.Buffer
	maxBufferBytes int
}

type commitLogMsg struct {
	mutations []model.Mutation
	done      chan error
}

type CommitLogCfg struct {
	Path                 string
	EnqueueTimeout       time.Duration
	FlushInterval        time.Duration
	MaxEnqueuingMutation int
	BufferBytes          int
}

// CommitLogManager owns the journal file from a single writer goroutine,
// which numbers records in queue order. Append blocks until its records are
// buffered. Cancelling the context flushes the buffer and stops the writer.
type CommitLogManager struct {
	flusher commitLogFlusher
	queue   chan commitLogMsg
	cfg     CommitLogCfg
	flushT  *time.Ticker
	done    chan struct{}
}

const (
	payloadLenBytes                = 4
	checksumBytes                  = 4
	seqNumBytes                    = 8
	opTypeBytes                    = 1
	lenFieldSize                   = 4
	defaultCommitLogBufferBytes    = 4 * 1024 * 1024
	minimalCommitLogBufferBytes    = 128
	defaultMaxEnqueuingMutationVal = 1024
	defaultEnqueueTimeout          = 5 * time.Second
	defaultFlushInterval           = time.Second
)

// NewCommitLogManager opens (or creates) the journal at cfg.Path and starts
// the writer goroutine. Cancelling the returned function flushes and closes
// the file; Done reports when that has happened.
func NewCommitLogManager(ctx context.Context, cfg CommitLogCfg) (*CommitLogManager, context.CancelFunc, error) {
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, err
	}

	bufferBytes := cfg.BufferBytes
	if bufferBytes <= 0 {
		bufferBytes = defaultCommitLogBufferBytes
	}
	if bufferBytes < minimalCommitLogBufferBytes {
		bufferBytes = minimalCommitLogBufferBytes
	}
	maxQueue := cfg.MaxEnqueuingMutation
	if maxQueue <= 0 {
		maxQueue = defaultMaxEnqueuingMutationVal
	}
	if cfg.EnqueueTimeout <= 0 {
		cfg.EnqueueTimeout = defaultEnqueueTimeout
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}

	m := &CommitLogManager{
		cfg:    cfg,
		queue:  make(chan commitLogMsg, maxQueue),
		flushT: time.NewTicker(cfg.FlushInterval),
		done:   make(chan struct{}),
		flusher: commitLogFlusher{
			activeSegment:  f,
			seqNumber:      nextSequence(cfg.Path),
			maxBufferBytes: bufferBytes,
		},
	}

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(m.done)
		m.run(runCtx)
		m.flushT.Stop()
		_ = m.flusher.activeSegment.Close()
	}()
	return m, cancel, nil
}

// Done is closed once the writer goroutine has flushed and closed the file.
func (cm *CommitLogManager) Done() <-chan struct{} {
	return cm.done
}

// Append buffers one mutation. Sequence numbers are assigned by the writer.
func (cm *CommitLogManager) Append(mut model.Mutation) error {
	return cm.AppendBatch([]model.Mutation{mut})
}

// AppendBatch buffers several mutations as one contiguous write.
func (cm *CommitLogManager) AppendBatch(muts []model.Mutation) error {
	if len(muts) == 0 {
		return nil
	}
	msg := commitLogMsg{mutations: muts, done: make(chan error, 1)}

	timer := time.NewTimer(cm.cfg.EnqueueTimeout)
	defer timer.Stop()

	select {
	case <-cm.done:
		return ErrClosed
	default:
	}

	select {
	case cm.queue <- msg:
	case <-cm.done:
		return ErrClosed
	case <-timer.C:
		return ErrEnqueueTimeout
	}

	select {
	case err := <-msg.done:
		return err
	case <-cm.done:
		// The writer drains the queue before exiting, so the answer is
		// already there unless the message was never picked up.
		select {
		case err := <-msg.done:
			return err
		default:
			return ErrClosed
		}
	}
}

// Load reads the whole journal and returns its mutations in order.
// Stops at the first corrupted or truncated record (crash-safe boundary).
func (cm *CommitLogManager) Load() []model.Mutation {
	return LoadFile(cm.cfg.Path)
}

// LoadFile is Load for a journal that is not currently open.
func LoadFile(path string) []model.Mutation {
	mutations := make([]model.Mutation, 0)

	readFile, err := os.Open(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("failed to open commit log for reading", logger.KeyError, err)
		}
		return mutations
	}
	defer readFile.Close()

	fileSize := storage.Size(path)
	var offset int64
	recordNum := 0

	for offset < fileSize {
		if offset+payloadLenBytes+checksumBytes > fileSize {
			logger.Warn("truncated commit log record header", "record", recordNum, "offset", offset)
			break
		}
		header, err := storage.Read(readFile, offset, payloadLenBytes+checksumBytes)
		if err != nil || len(header) < payloadLenBytes+checksumBytes {
			logger.Warn("short read for commit log record header", "offset", offset, logger.KeyError, logger.Err(err))
			break
		}
		payloadLen := binary.BigEndian.Uint32(header[:payloadLenBytes])
		expectedChecksum := binary.BigEndian.Uint32(header[payloadLenBytes:])
		offset += payloadLenBytes + checksumBytes

		if offset+int64(payloadLen) > fileSize {
			logger.Warn("truncated commit log payload", "record", recordNum, "offset", offset, "expected", payloadLen)
			break
		}
		payload, err := storage.Read(readFile, offset, int(payloadLen))
		if err != nil || len(payload) < int(payloadLen) {
			logger.Warn("short read for commit log payload", "offset", offset, logger.KeyError, logger.Err(err))
			break
		}
		offset += int64(payloadLen)

		if actual := crc32.Checksum(payload, castagnoli); actual != expectedChecksum {
			logger.Warn("commit log CRC mismatch, stopping at corruption boundary",
				"record", recordNum, "expected", expectedChecksum, "actual", actual)
			break
		}

		mut, err := decodePayload(payload)
		if err != nil {
			logger.Warn("failed to decode commit log record", "record", recordNum, logger.KeyError, err)
			break
		}
		mutations = append(mutations, mut)
		recordNum++
	}

	logger.Debug("loaded commit log", logger.KeyCount, len(mutations), "bytes", fileSize)
	return mutations
}

func (cm *CommitLogManager) run(ctx context.Context) {
	for {
		select {
		case msg := <-cm.queue:
			msg.done <- cm.buffer(msg.mutations)
		case <-cm.flushT.C:
			if err := cm.flusher.flush(); err != nil {
				logger.Error("commit log periodic flush error", logger.KeyError, err)
			}
		case <-ctx.Done():
			for {
				select {
				case msg := <-cm.queue:
					msg.done <- cm.buffer(msg.mutations)
					continue
				default:
				}
				break
			}
			if err := cm.flusher.flush(); err != nil {
				logger.Error("commit log shutdown flush error", logger.KeyError, err)
			}
			return
		}
	}
}

func (cm *CommitLogManager) buffer(muts []model.Mutation) error {
	var record []byte
	seq := cm.flusher.seqNumber
	for _, mut := range muts {
		mut.Sequence = seq
		record = append(record, encodeMutation(mut)...)
		seq++
	}
	if err := cm.flusher.write(record); err != nil {
		return err
	}
	cm.flusher.seqNumber = seq
	return nil
}

func (flusher *commitLogFlusher) write(data []byte) error {
	if flusher.activeSegment == nil {
		return errors.New("no active segment")
	}
	if len(data) > flusher.maxBufferBytes {
		// Oversized records bypass the buffer so they land in one write.
		if err := flusher.flush(); err != nil {
			return err
		}
		if err := storage.Write(flusher.activeSegment, data); err != nil {
			return err
		}
		return flusher.activeSegment.Sync()
	}
	if flusher.buffer.Len()+len(data) > flusher.maxBufferBytes {
		if err := flusher.flush(); err != nil {
			return err
		}
	}
	_, err := flusher.buffer.Write(data)
	return err
}

func (flusher *commitLogFlusher) flush() error {
	if flusher.activeSegment == nil {
		return errors.New("no active segment")
	}
	if flusher.buffer.Len() == 0 {
		return nil
	}
	if err := storage.Write(flusher.activeSegment, flusher.buffer.Bytes()); err != nil {
		return err
	}
	err := flusher.activeSegment.Sync()
	if err == nil {
		flusher.buffer.Reset()
	}
	return err
}

// nextSequence scans the journal for the last valid record and returns the
// sequence number that should follow it.
func nextSequence(path string) uint64 {
	muts := LoadFile(path)
	if len(muts) == 0 {
		return 0
	}
	return muts[len(muts)-1].Sequence + 1
}

/*
encodeMutation returns one framed journal record:

| PayloadLength | CRC32C | Sequence | OpType | StoreLen | Store   | KeyLen | Key     | ValueLen | Value   |
|---------------|--------|----------|--------|----------|---------|--------|---------|----------|---------|
| 4 bytes       | 4 bytes| 8 bytes  | 1 byte | 4 bytes  | S bytes | 4 bytes| K bytes | 4 bytes  | V bytes |

The CRC covers the payload, which runs from Sequence to Value.
*/
func encodeMutation(mut model.Mutation) []byte {
	payload := make([]byte, 0, seqNumBytes+opTypeBytes+3*lenFieldSize+len(mut.Store)+len(mut.Key)+len(mut.Value))
	payload = binary.BigEndian.AppendUint64(payload, mut.Sequence)
	payload = append(payload, byte(mut.Op))
	payload = appendField(payload, []byte(mut.Store))
	payload = appendField(payload, mut.Key)
	payload = appendField(payload, mut.Value)

	record := make([]byte, 0, payloadLenBytes+checksumBytes+len(payload))
	record = binary.BigEndian.AppendUint32(record, uint32(len(payload)))
	record = binary.BigEndian.AppendUint32(record, crc32.Checksum(payload, castagnoli))
	return append(record, payload...)
}

func appendField(dst, field []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(field)))
	return append(dst, field...)
}

// decodePayload extracts a Mutation from the payload portion of a record,
// preserving its original sequence number.
func decodePayload(payload []byte) (model.Mutation, error) {
	minSize := seqNumBytes + opTypeBytes + 3*lenFieldSize
	if len(payload) < minSize {
		return model.Mutation{}, fmt.Errorf("payload too short: %d bytes (minimum %d)", len(payload), minSize)
	}

	pos := 0
	seqNum := binary.BigEndian.Uint64(payload[pos : pos+seqNumBytes])
	pos += seqNumBytes

	op := model.OpsType(payload[pos])
	if op != model.PUT && op != model.DROP && op != model.OPEN {
		return model.Mutation{}, fmt.Errorf("invalid operation type: %d", op)
	}
	pos += opTypeBytes

	store, pos, err := readField(payload, pos, "store")
	if err != nil {
		return model.Mutation{}, err
	}
	key, pos, err := readField(payload, pos, "key")
	if err != nil {
		return model.Mutation{}, err
	}
	value, _, err := readField(payload, pos, "value")
	if err != nil {
		return model.Mutation{}, err
	}

	return model.Mutation{
		Op:       op,
		Store:    string(store),
		Key:      key,
		Value:    value,
		Sequence: seqNum,
	}, nil
}

func readField(payload []byte, pos int, name string) ([]byte, int, error) {
	if pos+lenFieldSize > len(payload) {
		return nil, pos, fmt.Errorf("%s length field exceeds payload bounds", name)
	}
	n := int(binary.BigEndian.Uint32(payload[pos : pos+lenFieldSize]))
	pos += lenFieldSize
	if pos+n > len(payload) {
		return nil, pos, fmt.Errorf("%s length (%d) exceeds payload bounds", name, n)
	}
	var out []byte
	if n > 0 {
		out = make([]byte, n)
		copy(out, payload[pos:pos+n])
	}
	return out, pos + n, nil
}
