package serialmux

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.bug.st/serial"
)

func newTestMux(t *testing.T) (*SerialMux[*TestableSerialPort], *TestableSerialPort) {
	t.Helper()
	port := NewTestableSerialPort()
	mux := NewSerialMux(port)
	mux.now = func() time.Time { return time.UnixMilli(1700000000123) }
	return mux, port
}

func TestInitializeSendsStartCommands(t *testing.T) {
	mux, port := newTestMux(t)
	if err := mux.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	want := "CLOCK 1700000000123\nFORMAT JSON\nROTATION Q\nSTATUS ON\nSTREAM ON\n"
	if got := string(port.GetWrittenData()); got != want {
		t.Errorf("written = %q, want %q", got, want)
	}
}

func TestSendCommandErrors(t *testing.T) {
	mux, port := newTestMux(t)

	port.WriteError = errors.New("unplugged")
	if err := mux.SendCommand("STREAM ON"); err == nil || err.Error() != "unplugged" {
		t.Errorf("expected write error, got %v", err)
	}

	port.ShortWrite = true
	if err := mux.SendCommand("STREAM ON"); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("expected ErrWriteFailed, got %v", err)
	}

	port.ShortWrite = false
	if err := mux.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	port.WriteError = errors.New("unplugged")
	if err := mux.Initialize(); err == nil || !strings.Contains(err.Error(), "synchronize clock") {
		t.Errorf("expected clock sync failure, got %v", err)
	}
}

func TestMonitorFansOutLines(t *testing.T) {
	mux, port := newTestMux(t)
	_, a := mux.Subscribe()
	idB, b := mux.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()

	port.AddReadData([]byte(`{"type":"status","code":0}` + "\n"))

	for name, ch := range map[string]chan string{"a": a, "b": b} {
		select {
		case line := <-ch:
			if !strings.Contains(line, "status") {
				t.Errorf("subscriber %s got %q", name, line)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %s received nothing", name)
		}
	}

	mux.Unsubscribe(idB)
	if _, ok := <-b; ok {
		t.Errorf("unsubscribed channel should be closed")
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Monitor returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Monitor did not stop")
	}
}

func TestCloseClosesSubscribers(t *testing.T) {
	mux, port := newTestMux(t)
	_, ch := mux.Subscribe()

	if err := mux.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Errorf("subscriber channel should be closed")
	}
	if !port.Closed {
		t.Errorf("port should be closed")
	}
	_, late := mux.Subscribe()
	if _, ok := <-late; ok {
		t.Errorf("subscribing after Close should return a closed channel")
	}
}

func TestClassifyPayload(t *testing.T) {
	tests := []struct {
		payload string
		want    string
	}{
		{`{"type":"joints","joints":[]}`, EventTypeJointFrame},
		{`  {"type":"status","code":3}`, EventTypeStatus},
		{`{"type":"debug"}`, EventTypeUnknown},
		{`{"type":`, EventTypeUnknown},
		{`boot v1.2`, EventTypeUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyPayload(tt.payload); got != tt.want {
			t.Errorf("ClassifyPayload(%q) = %q, want %q", tt.payload, got, tt.want)
		}
	}
}

func TestBridgeMode(t *testing.T) {
	tests := []struct {
		baud     int
		wantBaud int
		wantErr  bool
	}{
		{0, DefaultBaudRate, false},
		{921600, 921600, false},
		{57600, 57600, false},
		{9600, 0, true},
		{-1, 0, true},
	}
	for _, tt := range tests {
		mode, err := BridgeMode(tt.baud)
		if tt.wantErr {
			if !errors.Is(err, ErrUnsupportedBaud) {
				t.Errorf("BridgeMode(%d) error = %v, want ErrUnsupportedBaud", tt.baud, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("BridgeMode(%d) failed: %v", tt.baud, err)
		}
		if mode.BaudRate != tt.wantBaud || mode.DataBits != 8 || mode.Parity != serial.NoParity || mode.StopBits != serial.OneStopBit {
			t.Errorf("BridgeMode(%d) = %+v", tt.baud, mode)
		}
	}
}

func TestSendCommandRoute(t *testing.T) {
	mux, port := newTestMux(t)

	req := httptest.NewRequest(http.MethodPost, "/debug/serial/send-command", strings.NewReader("command=STREAM+OFF"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	mux.handleSendCommand(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := string(port.GetWrittenData()); got != "STREAM OFF\n" {
		t.Errorf("written = %q", got)
	}

	rec = httptest.NewRecorder()
	mux.handleSendCommand(rec, httptest.NewRequest(http.MethodGet, "/debug/serial/send-command", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d", rec.Code)
	}
}

func TestAdminRoutesAreMounted(t *testing.T) {
	mux, port := newTestMux(t)
	httpMux := http.NewServeMux()
	mux.AttachAdminRoutes(httpMux)

	req := httptest.NewRequest(http.MethodPost, "/debug/serial/send-command", strings.NewReader("command=STATUS+ON"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:12345"
	rec := httptest.NewRecorder()
	httpMux.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if got := string(port.GetWrittenData()); got != "STATUS ON\n" {
		t.Errorf("written = %q", got)
	}
}
