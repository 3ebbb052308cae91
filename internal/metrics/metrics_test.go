package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestReadyEndpoint(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()
	defer SetReadinessFunc(nil)

	SetReadinessFunc(func() bool { return false })
	resp, err := http.Get(srv.URL + "/ready")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status %d want 503", resp.StatusCode)
	}

	SetReadinessFunc(func() bool { return true })
	resp, err = http.Get(srv.URL + "/ready")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d want 200", resp.StatusCode)
	}
}

func TestStatusEndpointYAML(t *testing.T) {
	srv := httptest.NewServer(Handler())
	defer srv.Close()
	defer SetStatusFunc(nil)

	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status without provider: %d", resp.StatusCode)
	}

	type st struct {
		Mode  string   `yaml:"mode"`
		Lists []string `yaml:"lists"`
	}
	SetStatusFunc(func() any { return st{Mode: "whitelist", Lists: []string{"0x200"}} })
	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/yaml" {
		t.Fatalf("content type %q", ct)
	}
	if !strings.Contains(string(body), "mode: whitelist") || !strings.Contains(string(body), "0x200") {
		t.Fatalf("unexpected body:\n%s", body)
	}
}

func TestLocalCounters(t *testing.T) {
	before := Snap()
	IncDropped(DropEcho)
	IncDropped(DropFiltered)
	IncDropped(DropDisabled)
	AddHostTx(3)
	after := Snap()
	if d := after.Dropped - before.Dropped; d != 3 {
		t.Fatalf("dropped delta %d want 3", d)
	}
	if after.Echoes-before.Echoes != 1 || after.Filtered-before.Filtered != 1 {
		t.Fatalf("per-reason mirrors not updated: %+v", after)
	}
	if after.HostTx-before.HostTx != 3 {
		t.Fatalf("host tx delta %d want 3", after.HostTx-before.HostTx)
	}
}
