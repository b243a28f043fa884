package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/common/expfmt"

	"github.com/sweeney/wellness-monitor/internal/pause"
	"github.com/sweeney/wellness-monitor/internal/policy"
	"github.com/sweeney/wellness-monitor/internal/posture"
	"github.com/sweeney/wellness-monitor/internal/session"
	"github.com/sweeney/wellness-monitor/internal/status"
)

type fakeController struct {
	paused       time.Duration
	pauseErr     error
	resumed      bool
	calibrated   bool
	calibrateErr error
	cleared      bool
	retried      bool
	retryErr     error
}

func (f *fakeController) Pause(d time.Duration) (pause.State, error) {
	if f.pauseErr != nil {
		return pause.State{}, f.pauseErr
	}
	f.paused = d
	until := time.Date(2026, 1, 1, 0, 30, 0, 0, time.UTC)
	return pause.State{IsPaused: true, PausedUntil: &until, Source: pause.SourceManual}, nil
}

func (f *fakeController) Resume() bool {
	was := f.paused > 0
	f.resumed = true
	f.paused = 0
	return was
}

func (f *fakeController) Calibrate() (posture.Baseline, error) {
	if f.calibrateErr != nil {
		return posture.Baseline{}, f.calibrateErr
	}
	f.calibrated = true
	return posture.Baseline{HeadPitch: 12.5, ShoulderRoll: -3}, nil
}

func (f *fakeController) ClearCalibration() { f.cleared = true }

func (f *fakeController) Retry(ctx context.Context) error {
	f.retried = true
	return f.retryErr
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *status.Tracker) {
	t.Helper()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg := status.Config{
		FPSMode:     "balanced",
		TickMs:      10,
		HeartbeatMs: 900000,
		Broker:      "tcp://192.168.1.200:1883",
		HTTPAddr:    ":8080",
	}
	tr := status.NewTracker(start, cfg)
	srv := New(":0", tr, opts...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, tr
}

func getJSON(t *testing.T, url string) status.StatusJSON {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return sj
}

func TestJSONEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(session.Metrics{ID: "s-1", State: session.StateRunning}, policy.BlinkState{}, policy.PostureState{})
	tr.RecordNotification(policy.KindPosture)
	tr.SetMQTTConnected(true)

	resp, err := http.Get(ts.URL + "/index.json")
	if err != nil {
		t.Fatalf("GET /index.json: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		t.Errorf("status: got %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type: got %q, want application/json", ct)
	}

	var sj status.StatusJSON
	if err := json.NewDecoder(resp.Body).Decode(&sj); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if sj.Status.Session.State != "running" {
		t.Errorf("Session.State: got %q, want running", sj.Status.Session.State)
	}
	if !sj.Status.MQTT.Connected {
		t.Error("expected MQTT.Connected=true")
	}
	if sj.Status.Counts.PostureNotifications != 1 {
		t.Errorf("Counts.PostureNotifications: got %d, want 1", sj.Status.Counts.PostureNotifications)
	}
	if sj.Status.Config.Broker != "tcp://192.168.1.200:1883" {
		t.Errorf("Config.Broker: got %q", sj.Status.Config.Broker)
	}
}

func TestStateChangesReflectedInResponse(t *testing.T) {
	ts, tr := newTestServer(t)

	if sj := getJSON(t, ts.URL+"/index.json"); sj.Status.Pause.Paused {
		t.Error("expected not paused initially")
	}

	until := time.Date(2026, 1, 1, 1, 0, 0, 0, time.UTC)
	tr.SetPause(pause.State{IsPaused: true, PausedUntil: &until, Source: pause.SourceIdle}, true)

	sj := getJSON(t, ts.URL+"/index.json")
	if !sj.Status.Pause.Paused || sj.Status.Pause.Source != "idle" || !sj.Status.Pause.Idle {
		t.Errorf("pause: %+v", sj.Status.Pause)
	}
}

func TestHTMLEndpoints(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(session.Metrics{State: session.StateFailed}, policy.BlinkState{}, policy.PostureState{})

	for _, path := range []string{"/", "/index.html"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			t.Fatalf("read %s: %v", path, err)
		}

		if resp.StatusCode != 200 {
			t.Errorf("%s status: got %d, want 200", path, resp.StatusCode)
		}
		if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
			t.Errorf("%s Content-Type: got %q, want text/html", path, ct)
		}
		if !strings.Contains(string(body), "Wellness Monitor") || !strings.Contains(string(body), "failed") {
			t.Errorf("%s body missing title or state", path)
		}
	}
}

func TestNotFoundForUnknownPath(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/nonexistent")
	if err != nil {
		t.Fatalf("GET /nonexistent: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 404 {
		t.Errorf("status: got %d, want 404", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts, tr := newTestServer(t)
	tr.Update(session.Metrics{State: session.StateRunning}, policy.BlinkState{}, policy.PostureState{})
	tr.RecordNotification(policy.KindBlink)
	tr.RecordNotification(policy.KindBlink)
	tr.SetPause(pause.State{IsPaused: true}, false)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type: got %q, want text/plain", ct)
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		t.Fatalf("parse metrics: %v", err)
	}

	n := families["wellness_notifications_total"]
	if n == nil {
		t.Fatal("missing wellness_notifications_total")
	}
	for _, m := range n.GetMetric() {
		if m.GetLabel()[0].GetValue() == "blink" && m.GetCounter().GetValue() != 2 {
			t.Errorf("blink notifications: got %v, want 2", m.GetCounter().GetValue())
		}
	}
	if p := families["wellness_paused"]; p == nil || p.GetMetric()[0].GetGauge().GetValue() != 1 {
		t.Error("expected wellness_paused 1")
	}
	st := families["wellness_session_state"]
	if st == nil || st.GetMetric()[0].GetLabel()[0].GetValue() != "running" {
		t.Error("expected session_state{state=running}")
	}
}

func TestControlsDisabledWithoutController(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Post(ts.URL+"/pause", "", nil)
	if err != nil {
		t.Fatalf("POST /pause: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status: got %d, want 503", resp.StatusCode)
	}
}

func TestPauseEndpoint(t *testing.T) {
	ctl := &fakeController{}
	ts, _ := newTestServer(t, WithController(ctl))

	tests := []struct {
		name   string
		method string
		query  string
		code   int
		want   time.Duration
	}{
		{"default duration", http.MethodPost, "", 200, DefaultPause},
		{"minutes", http.MethodPost, "?minutes=15", 200, 15 * time.Minute},
		{"zero", http.MethodPost, "?minutes=0", 400, 0},
		{"garbage", http.MethodPost, "?minutes=abc", 400, 0},
		{"wrong method", http.MethodGet, "", 405, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctl.paused = 0
			req, _ := http.NewRequest(tt.method, ts.URL+"/pause"+tt.query, nil)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != tt.code {
				t.Errorf("status: got %d, want %d", resp.StatusCode, tt.code)
			}
			if ctl.paused != tt.want {
				t.Errorf("paused: got %v, want %v", ctl.paused, tt.want)
			}
			if tt.code == 200 {
				var st pause.State
				json.NewDecoder(resp.Body).Decode(&st)
				if !st.IsPaused || st.Source != pause.SourceManual {
					t.Errorf("response: %+v", st)
				}
			}
		})
	}
}

func TestResumeEndpoint(t *testing.T) {
	ctl := &fakeController{paused: time.Minute}
	ts, _ := newTestServer(t, WithController(ctl))

	resp, err := http.Post(ts.URL+"/resume", "", nil)
	if err != nil {
		t.Fatalf("POST /resume: %v", err)
	}
	defer resp.Body.Close()

	var body map[string]bool
	json.NewDecoder(resp.Body).Decode(&body)
	if !ctl.resumed || !body["resumed"] {
		t.Errorf("resumed=%v body=%v", ctl.resumed, body)
	}
}

func TestCalibrateEndpoint(t *testing.T) {
	ctl := &fakeController{}
	ts, _ := newTestServer(t, WithController(ctl))

	resp, err := http.Post(ts.URL+"/calibrate", "", nil)
	if err != nil {
		t.Fatalf("POST /calibrate: %v", err)
	}
	var body map[string]float64
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != 200 || body["head_pitch"] != 12.5 {
		t.Errorf("status %d body %v", resp.StatusCode, body)
	}

	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/calibrate", nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE /calibrate: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || !ctl.cleared {
		t.Errorf("status %d cleared %v", resp.StatusCode, ctl.cleared)
	}

	ctl.calibrateErr = posture.ErrNoSamples
	resp, _ = http.Post(ts.URL+"/calibrate", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("calibrate without samples: got %d, want 409", resp.StatusCode)
	}
}

func TestRetryEndpoint(t *testing.T) {
	ctl := &fakeController{}
	ts, _ := newTestServer(t, WithController(ctl))

	resp, err := http.Post(ts.URL+"/retry", "", nil)
	if err != nil {
		t.Fatalf("POST /retry: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted || !ctl.retried {
		t.Errorf("status %d retried %v", resp.StatusCode, ctl.retried)
	}

	ctl.retryErr = errors.New("camera_permission_denied")
	resp, _ = http.Post(ts.URL+"/retry", "", nil)
	var body errorJSON
	json.NewDecoder(resp.Body).Decode(&body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict || body.Error != "camera_permission_denied" {
		t.Errorf("status %d body %+v", resp.StatusCode, body)
	}
}
