// Package recorder persists raw and processed streams to a session
// directory. A session moves Idle → Arming → Recording → Closing → Idle;
// Arming creates the directory and every per-sensor file before the
// first write, Closing flushes everything and atomically renames the
// session metadata into place. Start is at-most-once, Stop is idempotent
// once Idle.
package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/lxbio/linkbandd/internal/bus"
	"github.com/lxbio/linkbandd/internal/logging"
	"github.com/lxbio/linkbandd/internal/pipeline"
	"github.com/lxbio/linkbandd/internal/sensor"
	"github.com/lxbio/linkbandd/internal/storage"
	"github.com/lxbio/linkbandd/internal/wire"
)

// Recorder states.
const (
	StateIdle      = "idle"
	StateArming    = "arming"
	StateRecording = "recording"
	StateClosing   = "closing"
)

// Session statuses persisted in metadata and the index.
const (
	StatusRecording = "recording"
	StatusCompleted = "completed"
	StatusAborted   = "aborted"
)

// Errors surfaced to the control plane.
var (
	ErrAlreadyActive = errors.New("recording already active")
	ErrNotActive     = errors.New("no recording active")
)

// inputQueue buffers items between the sample paths and the writer. The
// router blocks at most 100 ms on a full queue, so roughly one second of
// batches is plenty.
const inputQueue = 512

// flushInterval paces fsync while recording.
const flushInterval = time.Second

// FileInfo describes one file of a finished session.
type FileInfo struct {
	SensorKind  string `json:"sensor_kind"`
	Kind        string `json:"kind"`
	Path        string `json:"path"`
	ByteSize    int64  `json:"byte_size"`
	SampleCount int64  `json:"sample_count"`
}

// Summary is the durable metadata of a session, written to session.json
// and returned by Stop.
type Summary struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	DataFormat string     `json:"data_format"`
	RootPath   string     `json:"root_path"`
	Status     string     `json:"status"`
	Files      []FileInfo `json:"files"`
}

// StartInfo is the acknowledgement returned by Start.
type StartInfo struct {
	SessionID   string    `json:"session_id"`
	SessionName string    `json:"session_name"`
	StartTime   time.Time `json:"start_time"`
	DataFormat  string    `json:"data_format"`
}

// Status is the snapshot monitoring and the HTTP surface read.
type Status struct {
	State        string     `json:"state"`
	SessionID    string     `json:"session_id,omitempty"`
	SessionName  string     `json:"session_name,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	BytesWritten int64      `json:"bytes_written"`
}

// item is one queued write: exactly one field is set.
type item struct {
	batch *sensor.Batch
	frame pipeline.Frame
}

// session is the live recording state owned by the writer goroutine
// after arming.
type session struct {
	id        string
	name      string
	format    Format
	root      string
	startedAt time.Time
	writers   map[streamKey]*fileWriter

	in      chan item
	closeCh chan struct{}
	doneCh  chan struct{}

	writeErr error
	bytes    atomic.Int64
}

// Recorder owns the session lifecycle and the writer goroutine.
type Recorder struct {
	logger zerolog.Logger
	bus    *bus.Bus
	store  *storage.Store

	exportRoot    string
	defaultFormat Format

	mu    sync.Mutex
	state string
	sess  *session
	last  *Summary
}

// New creates an idle recorder writing under exportRoot.
func New(logger zerolog.Logger, b *bus.Bus, store *storage.Store, exportRoot string, defaultFormat Format) *Recorder {
	return &Recorder{
		logger:        logger.With().Str("component", "recorder").Logger(),
		bus:           b,
		store:         store,
		exportRoot:    exportRoot,
		defaultFormat: defaultFormat,
		state:         StateIdle,
	}
}

// Armed reports whether samples are currently being accepted.
func (r *Recorder) Armed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == StateRecording
}

// Status snapshots the recorder.
func (r *Recorder) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{State: r.state}
	if r.sess != nil {
		st.SessionID = r.sess.id
		st.SessionName = r.sess.name
		t := r.sess.startedAt
		st.StartedAt = &t
		st.BytesWritten = r.sess.bytes.Load()
	}
	return st
}

// LastSummary returns the most recently finished session, if any.
func (r *Recorder) LastSummary() *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

var nameSanitizer = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// Start arms a new session. A second Start while not Idle fails with
// ErrAlreadyActive. Empty name and format fall back to defaults;
// exportPath overrides the configured root for this session only.
func (r *Recorder) Start(ctx context.Context, name string, format Format, exportPath string) (StartInfo, error) {
	r.mu.Lock()
	if r.state != StateIdle {
		r.mu.Unlock()
		return StartInfo{}, ErrAlreadyActive
	}
	r.state = StateArming
	r.mu.Unlock()

	now := time.Now()
	if name == "" {
		name = "session_" + now.Format("20060102_150405")
	}
	name = nameSanitizer.ReplaceAllString(name, "_")
	if format == "" {
		format = r.defaultFormat
	}
	root := r.exportRoot
	if exportPath != "" {
		root = exportPath
	}

	sess, err := r.arm(ctx, name, format, root, now)
	if err != nil {
		r.mu.Lock()
		r.state = StateIdle
		r.mu.Unlock()
		return StartInfo{}, err
	}

	r.mu.Lock()
	r.sess = sess
	r.state = StateRecording
	r.mu.Unlock()

	go r.runWriter(sess)

	r.logger.Info().
		Str("session_id", sess.id).
		Str("session_name", sess.name).
		Str("format", string(format)).
		Str("path", sess.root).
		Msg("Recording started")
	r.publishEvent(wire.EventRecordingStarted, map[string]any{
		"session_id": sess.id, "session_name": sess.name, "data_format": string(format),
	})

	return StartInfo{
		SessionID:   sess.id,
		SessionName: sess.name,
		StartTime:   sess.startedAt,
		DataFormat:  string(format),
	}, nil
}

// arm creates the session directory and every file before any write.
func (r *Recorder) arm(ctx context.Context, name string, format Format, root string, now time.Time) (*session, error) {
	dir := filepath.Join(root, name)
	if _, err := os.Stat(dir); err == nil {
		// Directory collision from a previous run; keep the old session.
		name = name + "_" + strconv.FormatInt(now.Unix(), 10)
		dir = filepath.Join(root, name)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating session dir: %w", err)
	}

	sess := &session{
		id:        "s_" + strconv.FormatInt(now.UnixMilli(), 10),
		name:      name,
		format:    format,
		root:      dir,
		startedAt: now,
		writers:   make(map[streamKey]*fileWriter),
		in:        make(chan item, inputQueue),
		closeCh:   make(chan struct{}),
		doneCh:    make(chan struct{}),
	}

	for _, key := range sessionStreams() {
		path := filepath.Join(dir, key.fileBase(name)+"."+string(format))
		w, err := newFileWriter(path, key, format)
		if err != nil {
			sess.closeAll()
			return nil, err
		}
		sess.writers[key] = w
	}

	if err := r.store.InsertSession(ctx, storage.SessionRecord{
		ID:         sess.id,
		Name:       sess.name,
		StartedAt:  now,
		DataFormat: string(format),
		RootPath:   dir,
		Status:     StatusRecording,
	}); err != nil {
		sess.closeAll()
		return nil, err
	}
	return sess, nil
}

// Offer hands a raw batch to the writer, waiting at most timeout. The
// router marks the batch dropped when this returns false.
func (r *Recorder) Offer(b sensor.Batch, timeout time.Duration) bool {
	r.mu.Lock()
	sess := r.sess
	recording := r.state == StateRecording
	r.mu.Unlock()
	if !recording || sess == nil {
		return false
	}

	select {
	case sess.in <- item{batch: &b}:
		return true
	case <-time.After(timeout):
		return false
	}
}

// OfferProcessed hands a processed frame to the writer.
func (r *Recorder) OfferProcessed(f pipeline.Frame, timeout time.Duration) bool {
	r.mu.Lock()
	sess := r.sess
	recording := r.state == StateRecording
	r.mu.Unlock()
	if !recording || sess == nil {
		return false
	}

	select {
	case sess.in <- item{frame: f}:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Stop closes the active session as completed. Once Idle it is
// idempotent: it returns the last session's summary.
func (r *Recorder) Stop(ctx context.Context) (Summary, error) {
	return r.finish(ctx, StatusCompleted)
}

// Abort closes the active session as aborted, keeping partial files.
// Used on device disconnect and on write failures.
func (r *Recorder) Abort(ctx context.Context, reason string) (Summary, error) {
	r.logger.Warn().Str("reason", reason).Msg("Aborting recording")
	return r.finish(ctx, StatusAborted)
}

func (r *Recorder) finish(ctx context.Context, status string) (Summary, error) {
	r.mu.Lock()
	if r.state == StateIdle || r.sess == nil {
		last := r.last
		r.mu.Unlock()
		if last != nil {
			return *last, nil
		}
		return Summary{}, ErrNotActive
	}
	if r.state == StateClosing {
		// Another finisher is already closing; wait for it.
		sess := r.sess
		r.mu.Unlock()
		<-sess.doneCh
		if last := r.LastSummary(); last != nil {
			return *last, nil
		}
		return Summary{}, ErrNotActive
	}
	sess := r.sess
	r.state = StateClosing
	r.mu.Unlock()

	close(sess.closeCh)
	<-sess.doneCh

	if sess.writeErr != nil {
		status = StatusAborted
	}

	summary, err := r.seal(ctx, sess, status)

	r.mu.Lock()
	r.sess = nil
	r.state = StateIdle
	r.last = &summary
	r.mu.Unlock()

	if sess.writeErr != nil {
		r.publishError(wire.ErrCodeRecordingIO, sess.writeErr.Error(),
			map[string]any{"session_id": sess.id})
	}
	r.logger.Info().
		Str("session_id", sess.id).
		Str("status", summary.Status).
		Int64("bytes", sess.bytes.Load()).
		Msg("Recording stopped")
	r.publishEvent(wire.EventRecordingStopped, map[string]any{
		"session_id": sess.id, "session_name": sess.name, "status": summary.Status,
	})

	return summary, err
}

// seal closes every file, writes session.json atomically and finalizes
// the index row.
func (r *Recorder) seal(ctx context.Context, sess *session, status string) (Summary, error) {
	ended := time.Now()
	summary := Summary{
		ID:         sess.id,
		Name:       sess.name,
		StartedAt:  sess.startedAt,
		EndedAt:    &ended,
		DataFormat: string(sess.format),
		RootPath:   sess.root,
		Status:     status,
	}

	var firstErr error
	for _, key := range sessionStreams() {
		w := sess.writers[key]
		size, err := w.close()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if w.samples == 0 {
			// Empty stream files are not part of the durable index.
			continue
		}
		summary.Files = append(summary.Files, FileInfo{
			SensorKind:  key.label(),
			Kind:        key.streamKind(),
			Path:        w.path,
			ByteSize:    size,
			SampleCount: w.samples,
		})
	}
	if firstErr != nil {
		summary.Status = StatusAborted
	}

	if err := writeMetadata(sess.root, summary); err != nil {
		if firstErr == nil {
			firstErr = err
		}
		summary.Status = StatusAborted
	}

	if err := r.store.FinalizeSession(ctx, sess.id, summary.Status, ended); err != nil {
		r.logger.Error().Err(err).Str("session_id", sess.id).Msg("Failed to finalize session index")
		if firstErr == nil {
			firstErr = err
		}
	}
	return summary, firstErr
}

// writeMetadata writes session.json via a temp file and atomic rename.
func writeMetadata(dir string, summary Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}

	tmp := filepath.Join(dir, ".session.json.tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing session metadata: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, "session.json")); err != nil {
		return fmt.Errorf("renaming session metadata: %w", err)
	}
	return nil
}

// runWriter is the single writer goroutine of one session. A failed
// write aborts the session; partial files are kept.
func (r *Recorder) runWriter(sess *session) {
	defer logging.RecoverPanic(r.logger, "recorder.writer")
	defer close(sess.doneCh)

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case it := <-sess.in:
			if err := sess.write(it); err != nil {
				sess.writeErr = err
				r.logger.Error().Err(err).Msg("Recording write failed")
				// Close from a fresh goroutine; finish waits on doneCh.
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_, _ = r.Abort(ctx, "io_error")
				}()
				return
			}
		case <-ticker.C:
			if err := sess.syncAll(); err != nil {
				sess.writeErr = err
				r.logger.Error().Err(err).Msg("Recording fsync failed")
				go func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_, _ = r.Abort(ctx, "io_error")
				}()
				return
			}
		case <-sess.closeCh:
			// Drain whatever the queue still holds, then let finish seal.
			for {
				select {
				case it := <-sess.in:
					if err := sess.write(it); err != nil {
						sess.writeErr = err
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (s *session) write(it item) error {
	switch {
	case it.batch != nil:
		return s.writeBatch(it.batch)
	case it.frame != nil:
		return s.writeFrame(it.frame)
	}
	return nil
}

func (s *session) writeBatch(b *sensor.Batch) error {
	w := s.writers[streamKey{kind: b.Kind}]
	if w == nil {
		return nil
	}

	var err error
	if s.format == FormatJSON {
		switch b.Kind {
		case sensor.KindEEG:
			for i := range b.EEG {
				if err = w.writeJSON(&b.EEG[i]); err != nil {
					break
				}
			}
		case sensor.KindPPG:
			for i := range b.PPG {
				if err = w.writeJSON(&b.PPG[i]); err != nil {
					break
				}
			}
		case sensor.KindACC:
			for i := range b.ACC {
				if err = w.writeJSON(&b.ACC[i]); err != nil {
					break
				}
			}
		case sensor.KindBAT:
			err = w.writeJSON(b.Bat)
		}
	} else {
		switch b.Kind {
		case sensor.KindEEG:
			for _, smp := range b.EEG {
				if err = w.writeCSV([]string{
					csvTS(smp.Timestamp),
					strconv.FormatFloat(smp.Ch1, 'g', -1, 64),
					strconv.FormatFloat(smp.Ch2, 'g', -1, 64),
					csvBool(smp.LeadOffCh1),
					csvBool(smp.LeadOffCh2),
				}); err != nil {
					break
				}
			}
		case sensor.KindPPG:
			for _, smp := range b.PPG {
				if err = w.writeCSV([]string{
					csvTS(smp.Timestamp),
					strconv.FormatInt(int64(smp.Red), 10),
					strconv.FormatInt(int64(smp.IR), 10),
				}); err != nil {
					break
				}
			}
		case sensor.KindACC:
			for _, smp := range b.ACC {
				if err = w.writeCSV([]string{
					csvTS(smp.Timestamp),
					strconv.FormatFloat(smp.X, 'g', -1, 64),
					strconv.FormatFloat(smp.Y, 'g', -1, 64),
					strconv.FormatFloat(smp.Z, 'g', -1, 64),
				}); err != nil {
					break
				}
			}
		case sensor.KindBAT:
			err = w.writeCSV([]string{
				csvTS(b.Bat.Timestamp),
				strconv.Itoa(b.Bat.Level),
			})
		}
	}
	if err != nil {
		return err
	}
	s.bytes.Add(int64(approxBatchBytes(b)))
	return nil
}

func (s *session) writeFrame(f pipeline.Frame) error {
	w := s.writers[streamKey{kind: f.FrameKind(), processed: true}]
	if w == nil {
		return nil
	}
	if s.format == FormatJSON {
		return w.writeJSON(f)
	}
	return w.writeCSV(f.CSVRecord())
}

func (s *session) syncAll() error {
	for _, w := range s.writers {
		if err := w.sync(); err != nil {
			return err
		}
	}
	return nil
}

func (s *session) closeAll() {
	for _, w := range s.writers {
		_, _ = w.close()
	}
}

// approxBatchBytes estimates written volume for the status surface; file
// sizes in the final index come from Stat.
func approxBatchBytes(b *sensor.Batch) int {
	return 48 * b.Len()
}

func (r *Recorder) publishEvent(name string, data map[string]any) {
	if payload, err := wire.MarshalEvent(name, data); err == nil {
		r.bus.Publish(bus.EventTopic(name), payload)
	}
}

func (r *Recorder) publishError(code, msg string, extra map[string]any) {
	if payload, err := wire.MarshalError(code, msg, extra); err == nil {
		r.bus.Publish(bus.EventTopic("error."+code), payload)
	}
}
