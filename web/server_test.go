package web

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/reflow-station/ovenctl/device"
	"github.com/reflow-station/ovenctl/profile"
	"github.com/reflow-station/ovenctl/v3pro"
)

// fakeRegistry serves simulated devices without touching the hotplug
// machinery.
type fakeRegistry struct {
	devices  []*device.Device
	selected *device.Device
}

func (f *fakeRegistry) Devices() []*device.Device      { return f.devices }
func (f *fakeRegistry) Selected() *device.Device       { return f.selected }
func (f *fakeRegistry) ClientFor(string) *v3pro.Client { return nil }

func (f *fakeRegistry) Select(id string) error {
	for _, d := range f.devices {
		if d.ID() == id {
			f.selected = d
			return nil
		}
	}
	return device.ErrUnknownDevice
}

func newTestServer(t *testing.T) (*Server, *fakeRegistry, *profile.Store) {
	t.Helper()
	store := profile.NewStore(t.TempDir(), zerolog.Nop())
	dev := device.NewSimulated("simulator_1", "Simulator", store.Selected(), device.Config{
		FollowUpTime:    time.Minute,
		SimPollInterval: 10 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(dev.Close)

	reg := &fakeRegistry{devices: []*device.Device{dev}, selected: dev}
	s := NewServer("127.0.0.1:0", reg, store, zerolog.Nop())
	s.wsInterval = 10 * time.Millisecond
	return s, reg, store
}

func getJSON(t *testing.T, s *Server, path string, out any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s = %d: %s", path, rec.Code, rec.Body.String())
	}
	if err := json.Unmarshal(rec.Body.Bytes(), out); err != nil {
		t.Fatalf("decoding %s: %v", path, err)
	}
}

func postJSON(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestReflowData(t *testing.T) {
	s, _, _ := newTestServer(t)

	var got reflowData
	getJSON(t, s, "/reflow_data", &got)
	if got.TempUnit != "°C" || got.TimeUnit != "s" {
		t.Errorf("units = %q/%q", got.TempUnit, got.TimeUnit)
	}
	if got.Time != 0 {
		t.Errorf("idle time = %v, want 0", got.Time)
	}
}

func TestStatus(t *testing.T) {
	s, reg, _ := newTestServer(t)

	var got map[string]bool
	getJSON(t, s, "/status", &got)
	if got["running"] || got["run_out"] || got["faulted"] {
		t.Errorf("idle status = %v", got)
	}

	if err := reg.selected.Start(); err != nil {
		t.Fatal(err)
	}
	getJSON(t, s, "/status", &got)
	if !got["running"] {
		t.Error("status must report running after start")
	}
}

func TestDevices(t *testing.T) {
	s, _, _ := newTestServer(t)

	var got []device.Snapshot
	getJSON(t, s, "/devices", &got)
	if len(got) != 1 {
		t.Fatalf("devices = %d, want 1", len(got))
	}
	if got[0].ID != "simulator_1" || !got[0].Selected {
		t.Errorf("device snapshot = %+v", got[0])
	}
}

func TestProfilesListAndMutation(t *testing.T) {
	s, _, store := newTestServer(t)

	rec := postJSON(t, s, "/add_profile", `{"name":"Leaded","data":[{"time":90,"temperature":183,"power":55}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("add_profile = %d: %s", rec.Code, rec.Body.String())
	}

	var list []profileEntry
	getJSON(t, s, "/profiles", &list)
	if len(list) != 2 {
		t.Fatalf("profiles = %d, want 2", len(list))
	}
	if !list[0].Selected || list[1].Selected {
		t.Error("only the default profile should be selected")
	}

	added := list[1]
	rec = postJSON(t, s, "/update_profile", `{"id":"`+added.ID+`","name":"Leaded 2","data":[{"time":60,"temperature":180,"power":50}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("update_profile = %d: %s", rec.Code, rec.Body.String())
	}
	p, err := store.Get(added.ID)
	if err != nil {
		t.Fatal(err)
	}
	if p.Name != "Leaded 2" {
		t.Errorf("Name = %q, want Leaded 2", p.Name)
	}

	rec = postJSON(t, s, "/delete_profile", `{"id":"`+added.ID+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete_profile = %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := store.Get(added.ID); err == nil {
		t.Error("profile still present after delete")
	}
}

func TestSelectProfilePropagatesToDevice(t *testing.T) {
	s, reg, store := newTestServer(t)

	id, err := store.Add("steep", "Steep", []profile.Point{{Time: 30, Temperature: 200, Power: 80}})
	if err != nil {
		t.Fatal(err)
	}

	rec := postJSON(t, s, "/select_profile", `{"id":"`+id+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("select_profile = %d: %s", rec.Code, rec.Body.String())
	}
	if store.SelectedID() != id {
		t.Errorf("SelectedID = %q, want %q", store.SelectedID(), id)
	}
	if reg.selected.Profile().ID != id {
		t.Error("selected device did not receive the new profile")
	}

	rec = postJSON(t, s, "/select_profile", `{"id":"ghost"}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("select_profile ghost = %d, want 400", rec.Code)
	}
}

func TestUpdateDeviceRejectsUnknown(t *testing.T) {
	s, _, _ := newTestServer(t)

	rec := postJSON(t, s, "/update_device", `{"id":"v3pro_9"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("update_device = %d, want 400", rec.Code)
	}
	var resp ack
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Received || resp.Error == nil {
		t.Errorf("ack = %+v, want received=false with an error", resp)
	}
}

func TestPostRequiresJSONContentType(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader("id=1"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("POST without JSON = %d, want 415", rec.Code)
	}
}

func TestStartAndStop(t *testing.T) {
	s, reg, _ := newTestServer(t)

	rec := postJSON(t, s, "/start", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("start = %d: %s", rec.Code, rec.Body.String())
	}
	if !reg.selected.Running() {
		t.Error("device not running after /start")
	}

	// starting twice is rejected
	rec = postJSON(t, s, "/start", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("second start = %d, want 400", rec.Code)
	}

	rec = postJSON(t, s, "/stop", `{}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("stop = %d: %s", rec.Code, rec.Body.String())
	}
	if reg.selected.Running() {
		t.Error("device still running after /stop")
	}
	if !reg.selected.RunOut() {
		t.Error("device should be in run-out after /stop")
	}
}

func TestMetricsWithoutHardware(t *testing.T) {
	s, _, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("metrics for simulator = %d, want 404", rec.Code)
	}
}

func TestProfileData(t *testing.T) {
	s, _, _ := newTestServer(t)

	var got struct {
		Target   []profile.Point `json:"target"`
		Measured []device.Sample `json:"measured"`
	}
	getJSON(t, s, "/profile_data", &got)
	if len(got.Target) == 0 {
		t.Error("target curve empty")
	}
	if len(got.Measured) != 0 {
		t.Errorf("measured = %v, want none before a run", got.Measured)
	}
}

func TestWebsocketFeed(t *testing.T) {
	s, _, _ := newTestServer(t)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got reflowData
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("reading feed: %v", err)
	}
	if got.TempUnit != "°C" {
		t.Errorf("feed unit = %q", got.TempUnit)
	}
}

// TestWebsocketFeedEndsOnShutdown makes sure the feed goroutines do not
// outlive the server: Shutdown has to close the hijacked connections it
// cannot drain.
func TestWebsocketFeedEndsOnShutdown(t *testing.T) {
	s, _, _ := newTestServer(t)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dialing websocket: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var got reflowData
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("reading feed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	// the feed must end with a connection error, not keep streaming
	// until the client's read deadline expires
	for {
		if err := conn.ReadJSON(&got); err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				t.Fatal("feed still open after shutdown")
			}
			return
		}
	}
}
