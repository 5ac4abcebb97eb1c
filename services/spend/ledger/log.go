// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger implements the durable spend event log.
//
// The log is an append-only NDJSON file where each record is hash-chained
// to its predecessor. It is the authoritative store for every spend
// decision and safety-state change: budget state and idempotency state
// are reconstructed from it at startup, never trusted from caches.
//
// # Durability Tiers
//
// Append is the critical tier: it does not return until the record is
// fsync'd, so a crash after a successful Append can never lose a spend
// commit. AppendInfo is the informational tier: records are buffered and
// flushed by a background ticker within FlushInterval. Callers choose the
// tier explicitly; budget commits and kill-switch changes must use Append.
//
// # Corruption
//
// Open verifies the full chain from GenesisHash. A hash mismatch, broken
// link, sequence gap, or unparseable line yields ErrCorrupt, which is
// fatal: the process must not serve spend requests against a log it
// cannot trust, and recovery is a manual operation.
package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrCorrupt is returned when the persisted chain fails verification.
	// Fatal; requires operator intervention.
	ErrCorrupt = errors.New("ledger corrupt")

	// ErrSequenceGap is returned when replay finds a hole in sequence numbers.
	// Wraps into ErrCorrupt semantics: a gap means records were lost or removed.
	ErrSequenceGap = errors.New("ledger sequence gap")

	// ErrUnavailable is returned when the log cannot accept writes, either
	// because it is closed or because a prior write failure left the file
	// in an unknown state.
	ErrUnavailable = errors.New("ledger unavailable")

	// ErrNilContext is returned when a nil context is passed.
	ErrNilContext = errors.New("context must not be nil")
)

// logFileMode restricts the event log to owner read/write. The log holds
// per-product spend history, which is commercially sensitive.
const logFileMode = 0600

// DefaultFlushInterval bounds how long an informational record may sit in
// the buffer before reaching the OS.
const DefaultFlushInterval = time.Second

// Config configures a Log.
type Config struct {
	// Path is the NDJSON log file. Created if absent. Required.
	Path string

	// FlushInterval bounds informational-tier buffering. Default 1s.
	FlushInterval time.Duration

	// Logger for operational messages. Default slog.Default().
	Logger *slog.Logger

	// Now supplies timestamps. Default time.Now. Overridden in tests;
	// always called per append, never captured at construction.
	Now func() time.Time
}

// Log is the durable event log. Safe for concurrent use; all writes are
// serialized so sequence order equals file order.
type Log struct {
	mu       sync.Mutex
	f        *os.File
	buf      *bufio.Writer
	path     string
	seq      uint64
	prevHash string
	failed   bool
	closed   bool

	logger *slog.Logger
	now    func() time.Time

	flushStop chan struct{}
	flushDone chan struct{}
}

// Open opens (or creates) the log at cfg.Path, verifying the existing
// chain from GenesisHash before accepting writes.
//
// Outputs:
//
//	*Log - Ready for appends, positioned after the last verified record.
//	error - ErrCorrupt (or a wrap of it) if verification fails; the log
//	        must not be used for spend processing in that case.
func Open(cfg Config) (*Log, error) {
	if cfg.Path == "" {
		return nil, errors.New("ledger: path is required")
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	l := &Log{
		path:      cfg.Path,
		prevHash:  GenesisHash,
		logger:    cfg.Logger.With(slog.String("component", "ledger")),
		now:       cfg.Now,
		flushStop: make(chan struct{}),
		flushDone: make(chan struct{}),
	}

	if err := l.verifyAndLoad(); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, logFileMode)
	if err != nil {
		return nil, fmt.Errorf("open ledger file: %w", err)
	}
	l.f = f
	l.buf = bufio.NewWriter(f)

	go l.flushLoop(cfg.FlushInterval)

	l.logger.Info("ledger opened",
		slog.String("path", cfg.Path),
		slog.Uint64("last_sequence", l.seq))

	return l, nil
}

// Append writes a critical-tier event and fsyncs before returning.
//
// Description:
//
//	Blocks the calling request until the record is on stable storage.
//	This is the correctness-over-latency tradeoff for financial events:
//	a spend decision is not final until this returns nil.
//
// Inputs:
//
//	ctx - Context for tracing. Must not be nil. Append is not cancelable
//	      once the write starts; a submitted event runs to completion.
//	typ - Event type.
//	correlationID - Originating request correlation ID.
//	payload - JSON-marshalable event body.
//
// Outputs:
//
//	uint64 - The assigned sequence number.
//	error - ErrUnavailable if the log is closed or a prior write failed;
//	        the write error itself on fsync/disk failure, which must fail
//	        the originating spend request.
func (l *Log) Append(ctx context.Context, typ EventType, correlationID string, payload any) (uint64, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}

	_, span := otel.Tracer("spend").Start(ctx, "ledger.Append")
	defer span.End()
	span.SetAttributes(attribute.String("event_type", string(typ)))

	l.mu.Lock()
	defer l.mu.Unlock()

	seq, err := l.appendLocked(typ, correlationID, payload, true)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "append failed")
		return 0, err
	}
	span.SetAttributes(attribute.Int64("sequence", int64(seq)))
	return seq, nil
}

// AppendInfo writes an informational-tier event.
//
// The record is buffered and reaches disk within FlushInterval (or on
// Sync/Close). A crash inside that window may lose the tail of the
// informational stream; it can never corrupt the chain or lose a
// critical record. Denials and circuit transitions use this tier.
func (l *Log) AppendInfo(ctx context.Context, typ EventType, correlationID string, payload any) (uint64, error) {
	if ctx == nil {
		return 0, ErrNilContext
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.appendLocked(typ, correlationID, payload, false)
}

// appendLocked builds, writes, and (for critical events) fsyncs one record.
// Caller holds l.mu.
func (l *Log) appendLocked(typ EventType, correlationID string, payload any, critical bool) (uint64, error) {
	if l.closed || l.failed {
		return 0, ErrUnavailable
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal payload: %w", err)
	}

	e := Event{
		Sequence:      l.seq + 1,
		Type:          typ,
		CorrelationID: correlationID,
		Payload:       body,
		PrevHash:      l.prevHash,
		WrittenAt:     l.now().UTC().Format(time.RFC3339),
	}
	e.Hash = computeEventHash(e)

	line, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.buf.Write(line); err != nil {
		l.failed = true
		return 0, fmt.Errorf("write event: %w", err)
	}

	if critical {
		if err := l.buf.Flush(); err != nil {
			l.failed = true
			return 0, fmt.Errorf("flush event: %w", err)
		}
		if err := l.f.Sync(); err != nil {
			// After a failed fsync the on-disk state is unknown. Refuse
			// further writes until the log is reopened and re-verified.
			l.failed = true
			return 0, fmt.Errorf("fsync event: %w", err)
		}
	}

	l.seq = e.Sequence
	l.prevHash = e.Hash

	l.logger.Debug("event appended",
		slog.Uint64("sequence", e.Sequence),
		slog.String("event_type", string(typ)),
		slog.Bool("critical", critical))

	return e.Sequence, nil
}

// Replay streams verified events with Sequence >= fromSeq to fn, in order.
//
// Description:
//
//	Re-verifies the hash chain while reading; consumers rebuilding budget
//	or idempotency state therefore never act on a tampered record. fn
//	returning an error stops the replay and propagates the error.
func (l *Log) Replay(fromSeq uint64, fn func(Event) error) error {
	l.mu.Lock()
	if l.buf != nil {
		if err := l.buf.Flush(); err != nil {
			l.mu.Unlock()
			return fmt.Errorf("flush before replay: %w", err)
		}
	}
	l.mu.Unlock()

	return replayFile(l.path, fromSeq, fn)
}

// LastSequence returns the sequence of the most recent record.
func (l *Log) LastSequence() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Verify re-reads the whole file and checks the chain.
//
// Outputs:
//
//	valid - True if every record verifies.
//	breakSeq - Sequence of the first bad record (0 if valid).
//	error - Non-nil only if the file cannot be read.
func (l *Log) Verify() (valid bool, breakSeq uint64, err error) {
	l.mu.Lock()
	if l.buf != nil {
		if ferr := l.buf.Flush(); ferr != nil {
			l.mu.Unlock()
			return false, 0, fmt.Errorf("flush before verify: %w", ferr)
		}
	}
	l.mu.Unlock()

	err = replayFile(l.path, 0, func(Event) error { return nil })
	if err == nil {
		return true, 0, nil
	}
	var bad *corruptError
	if errors.As(err, &bad) {
		return false, bad.seq, nil
	}
	return false, 0, err
}

// Sync flushes buffered informational records and fsyncs.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked()
}

func (l *Log) syncLocked() error {
	if l.closed || l.f == nil {
		return ErrUnavailable
	}
	if err := l.buf.Flush(); err != nil {
		l.failed = true
		return fmt.Errorf("flush: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		l.failed = true
		return fmt.Errorf("fsync: %w", err)
	}
	return nil
}

// Close flushes, fsyncs, and closes the log.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	close(l.flushStop)
	<-l.flushDone

	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if err := l.buf.Flush(); err != nil {
		errs = append(errs, err)
	}
	if err := l.f.Sync(); err != nil {
		errs = append(errs, err)
	}
	if err := l.f.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// flushLoop periodically flushes the informational tier.
func (l *Log) flushLoop(interval time.Duration) {
	defer close(l.flushDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.flushStop:
			return
		case <-ticker.C:
			l.mu.Lock()
			if !l.closed && !l.failed && l.buf.Buffered() > 0 {
				if err := l.syncLocked(); err != nil {
					l.logger.Warn("informational flush failed", slog.String("error", err.Error()))
				}
			}
			l.mu.Unlock()
		}
	}
}

// verifyAndLoad replays the existing file (if any) to verify the chain and
// position seq/prevHash after the last record.
func (l *Log) verifyAndLoad() error {
	err := replayFile(l.path, 0, func(e Event) error {
		l.seq = e.Sequence
		l.prevHash = e.Hash
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}

// corruptError carries the sequence of the first bad record.
type corruptError struct {
	seq    uint64
	detail string
}

func (e *corruptError) Error() string {
	return fmt.Sprintf("%v at sequence %d: %s", ErrCorrupt, e.seq, e.detail)
}

func (e *corruptError) Unwrap() error { return ErrCorrupt }

// replayFile reads path line by line, verifying hashes, links, and
// sequence contiguity from the start of the file, invoking fn for records
// with Sequence >= fromSeq.
func replayFile(path string, fromSeq uint64, fn func(Event) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	prevHash := GenesisHash
	var lastSeq uint64

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			return &corruptError{seq: lastSeq + 1, detail: "unparseable record"}
		}
		if e.Sequence != lastSeq+1 {
			return &corruptError{seq: e.Sequence,
				detail: fmt.Sprintf("%v: expected %d", ErrSequenceGap, lastSeq+1)}
		}
		if e.PrevHash != prevHash {
			return &corruptError{seq: e.Sequence, detail: "broken chain link"}
		}
		if computeEventHash(e) != e.Hash {
			return &corruptError{seq: e.Sequence, detail: "hash mismatch"}
		}

		if e.Sequence >= fromSeq {
			if err := fn(e); err != nil {
				return err
			}
		}

		prevHash = e.Hash
		lastSeq = e.Sequence
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read ledger: %w", err)
	}
	return nil
}
