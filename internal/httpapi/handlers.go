package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/lxbio/linkbandd/internal/ble"
	"github.com/lxbio/linkbandd/internal/recorder"
	"github.com/lxbio/linkbandd/internal/storage"
	"github.com/lxbio/linkbandd/internal/wire"
)

// writeJSON renders one envelope. Encoding failures are ignored; the
// body is built from maps and simple structs only.
func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// ok renders a success envelope with the route's fields at top level.
func ok(w http.ResponseWriter, fields map[string]any) {
	body := map[string]any{"success": true}
	for k, v := range fields {
		body[k] = v
	}
	writeJSON(w, http.StatusOK, body)
}

// fail renders a structured error. An empty code is omitted.
func fail(w http.ResponseWriter, status int, code, message string) {
	body := map[string]any{"success": false, "message": message}
	if code != "" {
		body["error_code"] = code
	}
	writeJSON(w, status, body)
}

// failErr maps core errors onto HTTP statuses and stable error codes.
func failErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ble.ErrBusy):
		fail(w, http.StatusConflict, "", err.Error())
	case errors.Is(err, ble.ErrDeviceNotFound):
		fail(w, http.StatusNotFound, wire.ErrCodeDeviceNotFound, err.Error())
	case errors.Is(err, ble.ErrNotConnected):
		fail(w, http.StatusConflict, "", err.Error())
	case errors.Is(err, ble.ErrConnectTimeout), errors.Is(err, context.DeadlineExceeded):
		fail(w, http.StatusGatewayTimeout, wire.ErrCodeDeviceTimeout, err.Error())
	case errors.Is(err, recorder.ErrAlreadyActive):
		fail(w, http.StatusConflict, wire.ErrCodeRecordingActive, err.Error())
	case errors.Is(err, recorder.ErrNotActive):
		fail(w, http.StatusNotFound, wire.ErrCodeRecordingNotActive, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		fail(w, http.StatusNotFound, "", err.Error())
	default:
		fail(w, http.StatusInternalServerError, "", err.Error())
	}
}

// decodeBody reads a small JSON request body into dst. An empty body is
// accepted and leaves dst zeroed.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	return nil
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"name": "linkbandd", "version": s.version})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"status": "ok", "uptime_seconds": s.core.Uptime()})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap := s.core.Metrics()
	ok(w, map[string]any{
		"timestamp": snap.Timestamp,
		"health":    snap.Health,
		"system":    snap.System,
		"streaming": snap.Streaming,
		"clients":   snap.Clients,
		"recording": snap.Recording,
		"device":    snap.Device,
		"alerts":    snap.Alerts,
	})
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	var duration time.Duration
	if v := r.URL.Query().Get("duration"); v != "" {
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil || secs <= 0 {
			fail(w, http.StatusBadRequest, "", "duration must be a positive number of seconds")
			return
		}
		duration = time.Duration(secs * float64(time.Second))
	}

	advs, err := s.core.Scan(r.Context(), duration)
	if err != nil {
		failErr(w, err)
		return
	}

	connected := s.core.LinkStatus().Address
	devices := make([]map[string]any, 0, len(advs))
	for _, adv := range advs {
		devices = append(devices, map[string]any{
			"name":         adv.Name,
			"address":      adv.Address,
			"rssi":         adv.RSSI,
			"is_connected": adv.Address == connected && connected != "",
		})
	}
	ok(w, map[string]any{"devices": devices})
}

func (s *Server) handleDeviceList(w http.ResponseWriter, r *http.Request) {
	devices, err := s.core.Devices(r.Context())
	if err != nil {
		failErr(w, err)
		return
	}
	if devices == nil {
		devices = []storage.Device{}
	}
	ok(w, map[string]any{"data": devices})
}

func (s *Server) handleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string `json:"name"`
		Address string `json:"address"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "", "malformed request body")
		return
	}
	if body.Name == "" || body.Address == "" {
		fail(w, http.StatusBadRequest, "", "name and address are required")
		return
	}
	if err := s.core.RegisterDevice(r.Context(), body.Name, body.Address); err != nil {
		failErr(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Address string `json:"address"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "", "malformed request body")
		return
	}
	if body.Address == "" {
		fail(w, http.StatusBadRequest, "", "address is required")
		return
	}
	if err := s.core.Connect(r.Context(), body.Address); err != nil {
		failErr(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Disconnect(); err != nil {
		failErr(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleDeviceStatus(w http.ResponseWriter, r *http.Request) {
	st := s.core.LinkStatus()
	fields := map[string]any{
		"is_connected":       st.Connected,
		"is_streaming":       st.Streaming,
		"state":              st.State,
		"reconnect_attempts": st.ReconnectAttempts,
	}
	if st.Address != "" {
		fields["device_address"] = st.Address
	}
	if st.Name != "" {
		fields["device_name"] = st.Name
	}
	if st.BatteryLevel >= 0 {
		fields["battery_level"] = st.BatteryLevel
	}
	ok(w, fields)
}

func (s *Server) handleBattery(w http.ResponseWriter, r *http.Request) {
	st := s.core.LinkStatus()
	if !st.Connected || st.BatteryLevel < 0 {
		fail(w, http.StatusConflict, "", "no device connected")
		return
	}
	ok(w, map[string]any{"data": map[string]any{"level": st.BatteryLevel}})
}

// handleStreamInit exists for client compatibility: the stream engine is
// constructed at boot, so init only confirms readiness.
func (s *Server) handleStreamInit(w http.ResponseWriter, r *http.Request) {
	ok(w, map[string]any{"message": "stream engine ready"})
}

func (s *Server) handleStreamStart(w http.ResponseWriter, r *http.Request) {
	if err := s.core.StartStream(); err != nil {
		failErr(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleStreamStop(w http.ResponseWriter, r *http.Request) {
	if err := s.core.StopStream(); err != nil {
		failErr(w, err)
		return
	}
	ok(w, nil)
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	st := s.core.LinkStatus()
	snap := s.core.Metrics()
	cs := s.core.ClientStats()
	ok(w, map[string]any{
		"is_running":        st.Connected,
		"is_streaming":      st.Streaming,
		"clients_connected": cs.Clients,
		"data_rate":         snap.Streaming.Rates,
	})
}

func (s *Server) handleAutoStatus(w http.ResponseWriter, r *http.Request) {
	st := s.core.LinkStatus()
	snap := s.core.Metrics()
	sensors := snap.Streaming.ActiveSensors
	if sensors == nil {
		sensors = []string{}
	}
	ok(w, map[string]any{
		"is_streaming":   st.Streaming,
		"is_active":      snap.Streaming.Active,
		"active_sensors": sensors,
		"auto_detected":  true,
	})
}

func (s *Server) handleStartRecording(w http.ResponseWriter, r *http.Request) {
	var body struct {
		SessionName string `json:"session_name"`
		Settings    struct {
			DataFormat string `json:"data_format"`
			ExportPath string `json:"export_path"`
		} `json:"settings"`
	}
	if err := decodeBody(r, &body); err != nil {
		fail(w, http.StatusBadRequest, "", "malformed request body")
		return
	}
	if f := body.Settings.DataFormat; f != "" && f != "json" && f != "csv" {
		fail(w, http.StatusBadRequest, "", "data_format must be json or csv")
		return
	}

	info, err := s.core.StartRecording(r.Context(), body.SessionName, body.Settings.DataFormat, body.Settings.ExportPath)
	if err != nil {
		failErr(w, err)
		return
	}
	ok(w, map[string]any{
		"session_id":   info.SessionID,
		"session_name": info.SessionName,
		"start_time":   info.StartTime,
		"data_format":  info.DataFormat,
	})
}

func (s *Server) handleStopRecording(w http.ResponseWriter, r *http.Request) {
	summary, err := s.core.StopRecording(r.Context())
	if err != nil {
		failErr(w, err)
		return
	}
	ok(w, map[string]any{
		"session_id":   summary.ID,
		"session_name": summary.Name,
		"end_time":     summary.EndedAt,
		"status":       summary.Status,
	})
}

func (s *Server) handleRecordingStatus(w http.ResponseWriter, r *http.Request) {
	rs := s.core.RecordingStatus()
	fields := map[string]any{
		"is_recording": rs.State == recorder.StateRecording,
		"state":        rs.State,
	}
	if rs.SessionName != "" {
		fields["current_session"] = rs.SessionName
	}
	if rs.StartedAt != nil {
		fields["start_time"] = rs.StartedAt
	}
	if rs.State == recorder.StateRecording {
		fields["bytes_written"] = rs.BytesWritten
	}
	ok(w, fields)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := s.core.Sessions(r.Context())
	if err != nil {
		failErr(w, err)
		return
	}
	if sessions == nil {
		sessions = []storage.SessionRecord{}
	}
	ok(w, map[string]any{"sessions": sessions})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	rec, err := s.core.Session(r.Context(), r.PathValue("name"))
	if err != nil {
		failErr(w, err)
		return
	}
	fields := map[string]any{
		"id":          rec.ID,
		"name":        rec.Name,
		"started_at":  rec.StartedAt,
		"data_format": rec.DataFormat,
		"root_path":   rec.RootPath,
		"status":      rec.Status,
	}
	if rec.EndedAt != nil {
		fields["ended_at"] = rec.EndedAt
	}
	ok(w, fields)
}

func (s *Server) handleSessionFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.core.SessionFiles(r.Context(), r.PathValue("name"))
	if err != nil {
		failErr(w, err)
		return
	}
	if files == nil {
		files = []recorder.FileInfo{}
	}
	ok(w, map[string]any{"files": files})
}

func (s *Server) handlePrepareExport(w http.ResponseWriter, r *http.Request) {
	url, err := s.core.PrepareExport(r.Context(), r.PathValue("name"))
	if err != nil {
		failErr(w, err)
		return
	}
	ok(w, map[string]any{"download_url": url})
}

func (s *Server) handleExportDownload(w http.ResponseWriter, r *http.Request) {
	name := filepath.Base(r.PathValue("file"))
	path := filepath.Join(s.core.ExportsDir(), name)
	if _, err := os.Stat(path); err != nil {
		fail(w, http.StatusNotFound, "", "export not found")
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+name+"\"")
	http.ServeFile(w, r, path)
}
