package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lxbio/linkbandd/internal/ble"
	"github.com/lxbio/linkbandd/internal/monitoring"
	"github.com/lxbio/linkbandd/internal/recorder"
	"github.com/lxbio/linkbandd/internal/storage"
	"github.com/lxbio/linkbandd/internal/wire"
	"github.com/lxbio/linkbandd/internal/wsbroker"
)

// fakeCore scripts every engine operation the control plane calls.
type fakeCore struct {
	advs    []ble.Advertisement
	scanErr error

	connectErr    error
	disconnectErr error
	linkStatus    ble.Status

	registerErr error
	devices     []storage.Device

	startStreamErr error
	stopStreamErr  error

	startInfo    recorder.StartInfo
	startRecErr  error
	summary      recorder.Summary
	stopRecErr   error
	recStatus    recorder.Status
	sessions     []storage.SessionRecord
	session      storage.SessionRecord
	sessionErr   error
	files        []recorder.FileInfo
	filesErr     error
	exportURL    string
	exportErr    error
	exportsDir   string
	metrics      monitoring.Snapshot
	clientStats  wsbroker.Stats
	lastConnect  string
	lastRegister [2]string
}

func (f *fakeCore) Scan(ctx context.Context, d time.Duration) ([]ble.Advertisement, error) {
	return f.advs, f.scanErr
}
func (f *fakeCore) Connect(ctx context.Context, address string) error {
	f.lastConnect = address
	return f.connectErr
}
func (f *fakeCore) Disconnect() error         { return f.disconnectErr }
func (f *fakeCore) LinkStatus() ble.Status    { return f.linkStatus }
func (f *fakeCore) RegisterDevice(ctx context.Context, name, address string) error {
	f.lastRegister = [2]string{name, address}
	return f.registerErr
}
func (f *fakeCore) Devices(ctx context.Context) ([]storage.Device, error) { return f.devices, nil }
func (f *fakeCore) StartStream() error                                    { return f.startStreamErr }
func (f *fakeCore) StopStream() error                                     { return f.stopStreamErr }
func (f *fakeCore) StartRecording(ctx context.Context, name, format, exportPath string) (recorder.StartInfo, error) {
	return f.startInfo, f.startRecErr
}
func (f *fakeCore) StopRecording(ctx context.Context) (recorder.Summary, error) {
	return f.summary, f.stopRecErr
}
func (f *fakeCore) RecordingStatus() recorder.Status { return f.recStatus }
func (f *fakeCore) Sessions(ctx context.Context) ([]storage.SessionRecord, error) {
	return f.sessions, nil
}
func (f *fakeCore) Session(ctx context.Context, name string) (storage.SessionRecord, error) {
	return f.session, f.sessionErr
}
func (f *fakeCore) SessionFiles(ctx context.Context, name string) ([]recorder.FileInfo, error) {
	return f.files, f.filesErr
}
func (f *fakeCore) PrepareExport(ctx context.Context, name string) (string, error) {
	return f.exportURL, f.exportErr
}
func (f *fakeCore) ExportsDir() string              { return f.exportsDir }
func (f *fakeCore) Metrics() monitoring.Snapshot    { return f.metrics }
func (f *fakeCore) Uptime() float64                 { return 12.5 }
func (f *fakeCore) ClientStats() wsbroker.Stats     { return f.clientStats }

func newTestServer(t *testing.T, core *fakeCore) *httptest.Server {
	t.Helper()
	wsStub := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	s := New(zerolog.Nop(), core, wsStub, "127.0.0.1:0", "", "1.0.0")
	srv := httptest.NewServer(s.srv.Handler)
	t.Cleanup(srv.Close)
	return srv
}

func getJSON(t *testing.T, srv *httptest.Server, path string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func postJSON(t *testing.T, srv *httptest.Server, path, payload string) (int, map[string]any) {
	t.Helper()
	resp, err := http.Post(srv.URL+path, "application/json", strings.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func TestRootAndHealth(t *testing.T) {
	srv := newTestServer(t, &fakeCore{})

	status, body := getJSON(t, srv, "/")
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "linkbandd", body["name"])
	assert.Equal(t, "1.0.0", body["version"])

	status, body = getJSON(t, srv, "/health")
	assert.Equal(t, 200, status)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, 12.5, body["uptime_seconds"])
}

func TestUnknownRouteIs404(t *testing.T) {
	srv := newTestServer(t, &fakeCore{})
	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestScanMarksConnectedDevice(t *testing.T) {
	core := &fakeCore{
		advs: []ble.Advertisement{
			{Name: "LXB-01", Address: "AA:BB", RSSI: -50},
			{Name: "LXB-02", Address: "CC:DD", RSSI: -70},
		},
		linkStatus: ble.Status{Connected: true, Address: "CC:DD"},
	}
	srv := newTestServer(t, core)

	status, body := getJSON(t, srv, "/device/scan?duration=0.1")
	require.Equal(t, 200, status)
	devices := body["devices"].([]any)
	require.Len(t, devices, 2)

	first := devices[0].(map[string]any)
	second := devices[1].(map[string]any)
	assert.Equal(t, false, first["is_connected"])
	assert.Equal(t, true, second["is_connected"])
	assert.Equal(t, float64(-50), first["rssi"])
}

func TestScanRejectsBadDuration(t *testing.T) {
	srv := newTestServer(t, &fakeCore{})
	status, body := getJSON(t, srv, "/device/scan?duration=-1")
	assert.Equal(t, 400, status)
	assert.Equal(t, false, body["success"])
}

func TestScanWhileBusyConflicts(t *testing.T) {
	srv := newTestServer(t, &fakeCore{scanErr: ble.ErrBusy})
	status, body := getJSON(t, srv, "/device/scan")
	assert.Equal(t, 409, status)
	assert.Equal(t, false, body["success"])
}

func TestDeviceListEmptyIsArray(t *testing.T) {
	srv := newTestServer(t, &fakeCore{})
	status, body := getJSON(t, srv, "/device/list")
	assert.Equal(t, 200, status)
	assert.Equal(t, []any{}, body["data"])
}

func TestRegisterDeviceValidates(t *testing.T) {
	core := &fakeCore{}
	srv := newTestServer(t, core)

	status, _ := postJSON(t, srv, "/device/register_device", `{"name":"LXB-01"}`)
	assert.Equal(t, 400, status)

	status, body := postJSON(t, srv, "/device/register_device", `{"name":"LXB-01","address":"AA:BB"}`)
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, [2]string{"LXB-01", "AA:BB"}, core.lastRegister)
}

func TestConnectErrors(t *testing.T) {
	core := &fakeCore{}
	srv := newTestServer(t, core)

	status, _ := postJSON(t, srv, "/device/connect", `{}`)
	assert.Equal(t, 400, status)

	core.connectErr = ble.ErrDeviceNotFound
	status, body := postJSON(t, srv, "/device/connect", `{"address":"AA:BB"}`)
	assert.Equal(t, 404, status)
	assert.Equal(t, wire.ErrCodeDeviceNotFound, body["error_code"])

	core.connectErr = ble.ErrConnectTimeout
	status, body = postJSON(t, srv, "/device/connect", `{"address":"AA:BB"}`)
	assert.Equal(t, 504, status)
	assert.Equal(t, wire.ErrCodeDeviceTimeout, body["error_code"])

	core.connectErr = nil
	status, _ = postJSON(t, srv, "/device/connect", `{"address":"AA:BB"}`)
	assert.Equal(t, 200, status)
	assert.Equal(t, "AA:BB", core.lastConnect)
}

func TestDeviceStatusShape(t *testing.T) {
	core := &fakeCore{linkStatus: ble.Status{
		State: ble.StateStreaming, Connected: true, Streaming: true,
		Address: "AA:BB", Name: "LXB-01", BatteryLevel: 77,
	}}
	srv := newTestServer(t, core)

	status, body := getJSON(t, srv, "/device/status")
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["is_connected"])
	assert.Equal(t, true, body["is_streaming"])
	assert.Equal(t, "AA:BB", body["device_address"])
	assert.Equal(t, float64(77), body["battery_level"])
}

func TestBatteryRequiresConnection(t *testing.T) {
	core := &fakeCore{linkStatus: ble.Status{BatteryLevel: -1}}
	srv := newTestServer(t, core)

	status, _ := getJSON(t, srv, "/device/battery")
	assert.Equal(t, 409, status)

	core.linkStatus = ble.Status{Connected: true, BatteryLevel: 64}
	status, body := getJSON(t, srv, "/device/battery")
	assert.Equal(t, 200, status)
	data := body["data"].(map[string]any)
	assert.Equal(t, float64(64), data["level"])
}

func TestStreamStatusShape(t *testing.T) {
	core := &fakeCore{
		linkStatus:  ble.Status{Connected: true, Streaming: true},
		clientStats: wsbroker.Stats{Clients: 2},
		metrics: monitoring.Snapshot{Streaming: monitoring.StreamingStats{
			Rates: map[string]float64{"eeg": 249.5},
		}},
	}
	srv := newTestServer(t, core)

	status, body := getJSON(t, srv, "/stream/status")
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["is_running"])
	assert.Equal(t, true, body["is_streaming"])
	assert.Equal(t, float64(2), body["clients_connected"])
	rates := body["data_rate"].(map[string]any)
	assert.Equal(t, 249.5, rates["eeg"])
}

func TestAutoStatusAlwaysHasSensorArray(t *testing.T) {
	srv := newTestServer(t, &fakeCore{})
	status, body := getJSON(t, srv, "/stream/auto-status")
	assert.Equal(t, 200, status)
	assert.Equal(t, []any{}, body["active_sensors"])
	assert.Equal(t, true, body["auto_detected"])
}

func TestStartRecording(t *testing.T) {
	started := time.Date(2026, 8, 26, 10, 0, 0, 0, time.UTC)
	core := &fakeCore{startInfo: recorder.StartInfo{
		SessionID: "s_1", SessionName: "run", StartTime: started, DataFormat: "csv",
	}}
	srv := newTestServer(t, core)

	status, body := postJSON(t, srv, "/data/start-recording",
		`{"session_name":"run","settings":{"data_format":"csv"}}`)
	assert.Equal(t, 200, status)
	assert.Equal(t, "s_1", body["session_id"])
	assert.Equal(t, "run", body["session_name"])
	assert.Equal(t, "csv", body["data_format"])

	status, _ = postJSON(t, srv, "/data/start-recording",
		`{"settings":{"data_format":"xml"}}`)
	assert.Equal(t, 400, status)

	core.startRecErr = recorder.ErrAlreadyActive
	status, body = postJSON(t, srv, "/data/start-recording", `{}`)
	assert.Equal(t, 409, status)
	assert.Equal(t, wire.ErrCodeRecordingActive, body["error_code"])
}

func TestStopRecording(t *testing.T) {
	core := &fakeCore{stopRecErr: recorder.ErrNotActive}
	srv := newTestServer(t, core)

	status, body := postJSON(t, srv, "/data/stop-recording", "")
	assert.Equal(t, 404, status)
	assert.Equal(t, wire.ErrCodeRecordingNotActive, body["error_code"])

	ended := time.Now()
	core.stopRecErr = nil
	core.summary = recorder.Summary{ID: "s_1", Name: "run", EndedAt: &ended, Status: recorder.StatusCompleted}
	status, body = postJSON(t, srv, "/data/stop-recording", "")
	assert.Equal(t, 200, status)
	assert.Equal(t, recorder.StatusCompleted, body["status"])
}

func TestRecordingStatusWhileRecording(t *testing.T) {
	now := time.Now()
	core := &fakeCore{recStatus: recorder.Status{
		State: recorder.StateRecording, SessionName: "run", StartedAt: &now, BytesWritten: 512,
	}}
	srv := newTestServer(t, core)

	status, body := getJSON(t, srv, "/data/recording-status")
	assert.Equal(t, 200, status)
	assert.Equal(t, true, body["is_recording"])
	assert.Equal(t, "run", body["current_session"])
	assert.Equal(t, float64(512), body["bytes_written"])
}

func TestSessionNotFound(t *testing.T) {
	core := &fakeCore{sessionErr: storage.ErrNotFound}
	srv := newTestServer(t, core)
	status, body := getJSON(t, srv, "/data/sessions/ghost")
	assert.Equal(t, 404, status)
	assert.Equal(t, false, body["success"])
}

func TestSessionFlattened(t *testing.T) {
	core := &fakeCore{session: storage.SessionRecord{
		ID: "s_1", Name: "run", DataFormat: "json", RootPath: "/x/run", Status: "completed",
	}}
	srv := newTestServer(t, core)
	status, body := getJSON(t, srv, "/data/sessions/run")
	assert.Equal(t, 200, status)
	assert.Equal(t, "s_1", body["id"])
	assert.Equal(t, "completed", body["status"])
}

func TestSessionFilesStillRecording(t *testing.T) {
	core := &fakeCore{filesErr: recorder.ErrAlreadyActive}
	srv := newTestServer(t, core)
	status, _ := getJSON(t, srv, "/data/sessions/run/files")
	assert.Equal(t, 409, status)
}

func TestPrepareExport(t *testing.T) {
	core := &fakeCore{exportURL: "/exports/run.zip"}
	srv := newTestServer(t, core)
	status, body := postJSON(t, srv, "/data/sessions/run/prepare-export", "")
	assert.Equal(t, 200, status)
	assert.Equal(t, "/exports/run.zip", body["download_url"])
}

func TestExportDownload(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "run.zip"), []byte("zipbytes"), 0o644))
	core := &fakeCore{exportsDir: dir}
	srv := newTestServer(t, core)

	resp, err := http.Get(srv.URL + "/exports/run.zip")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "run.zip")

	resp, err = http.Get(srv.URL + "/exports/missing.zip")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, 404, resp.StatusCode)
}

func TestWebSocketRouteDelegates(t *testing.T) {
	srv := newTestServer(t, &fakeCore{})
	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)
}
