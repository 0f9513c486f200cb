package recorder

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/lxbio/linkbandd/internal/pipeline"
	"github.com/lxbio/linkbandd/internal/sensor"
)

// Format selects the on-disk encoding of a session.
type Format string

const (
	FormatJSON Format = "json" // newline-delimited records
	FormatCSV  Format = "csv"
)

// ParseFormat validates a format string.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatCSV:
		return Format(s), nil
	}
	return "", fmt.Errorf("unknown data format %q", s)
}

// streamKey identifies one file of a session: a sensor kind plus whether
// it holds raw samples or processed frames.
type streamKey struct {
	kind      sensor.Kind
	processed bool
}

// fileBase returns the file name without extension, e.g. s1_eeg_raw.
func (k streamKey) fileBase(session string) string {
	if k.kind == sensor.KindBAT {
		return session + "_bat"
	}
	if k.processed {
		return session + "_" + k.kind.String() + "_processed"
	}
	return session + "_" + k.kind.String() + "_raw"
}

// label is the sensor_kind value recorded in the file index.
func (k streamKey) label() string { return k.kind.String() }

// streamKind is the raw/processed discriminator in the file index.
func (k streamKey) streamKind() string {
	if k.processed {
		return "processed"
	}
	return "raw"
}

// sessionStreams lists every file a session owns, in layout order.
func sessionStreams() []streamKey {
	return []streamKey{
		{sensor.KindEEG, false}, {sensor.KindEEG, true},
		{sensor.KindPPG, false}, {sensor.KindPPG, true},
		{sensor.KindACC, false}, {sensor.KindACC, true},
		{sensor.KindBAT, false},
	}
}

// rawCSVHeader is the fixed per-kind header of raw files.
func rawCSVHeader(kind sensor.Kind) []string {
	switch kind {
	case sensor.KindEEG:
		return []string{"timestamp", "ch1", "ch2", "leadoff_ch1", "leadoff_ch2"}
	case sensor.KindPPG:
		return []string{"timestamp", "red", "ir"}
	case sensor.KindACC:
		return []string{"timestamp", "x", "y", "z"}
	case sensor.KindBAT:
		return []string{"timestamp", "level"}
	}
	return nil
}

// fileWriter buffers one session file. JSON files get one record per
// line; CSV files start with their fixed header.
type fileWriter struct {
	key     streamKey
	path    string
	f       *os.File
	buf     *bufio.Writer
	csv     *csv.Writer
	samples int64
	dirty   bool
}

func newFileWriter(path string, key streamKey, format Format) (*fileWriter, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating %s: %w", path, err)
	}

	w := &fileWriter{key: key, path: path, f: f, buf: bufio.NewWriter(f)}
	if format == FormatCSV {
		w.csv = csv.NewWriter(w.buf)
		header := rawCSVHeader(key.kind)
		if key.processed {
			header = pipeline.ProcessedCSVHeader(key.kind)
		}
		if err := w.csv.Write(header); err != nil {
			f.Close()
			return nil, fmt.Errorf("writing %s header: %w", path, err)
		}
		w.csv.Flush()
		w.dirty = true
	}
	return w, nil
}

// writeJSON appends one record as a JSON line.
func (w *fileWriter) writeJSON(record any) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding record for %s: %w", w.path, err)
	}
	if _, err := w.buf.Write(data); err != nil {
		return err
	}
	if err := w.buf.WriteByte('\n'); err != nil {
		return err
	}
	w.samples++
	w.dirty = true
	return nil
}

// writeCSV appends one record row.
func (w *fileWriter) writeCSV(fields []string) error {
	if err := w.csv.Write(fields); err != nil {
		return err
	}
	w.samples++
	w.dirty = true
	return nil
}

// sync flushes buffered data to the OS and fsyncs.
func (w *fileWriter) sync() error {
	if !w.dirty {
		return nil
	}
	if w.csv != nil {
		w.csv.Flush()
		if err := w.csv.Error(); err != nil {
			return err
		}
	}
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.f.Sync(); err != nil {
		return err
	}
	w.dirty = false
	return nil
}

// close flushes and closes the file, returning its final byte size.
func (w *fileWriter) close() (int64, error) {
	syncErr := w.sync()
	info, statErr := w.f.Stat()
	closeErr := w.f.Close()

	var size int64
	if statErr == nil {
		size = info.Size()
	}
	if syncErr != nil {
		return size, syncErr
	}
	if closeErr != nil {
		return size, closeErr
	}
	return size, statErr
}

func csvTS(t float64) string { return strconv.FormatFloat(t, 'f', 6, 64) }

func csvBool(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
