//go:build !tinygo

package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHTTPPoster(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"accepted", http.StatusOK, false},
		{"partial success", http.StatusAccepted, false},
		{"rejected", http.StatusBadRequest, true},
		{"collector error", http.StatusServiceUnavailable, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotPath, gotType, gotBody string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				b, _ := io.ReadAll(r.Body)
				gotPath, gotType, gotBody = r.URL.Path, r.Header.Get("Content-Type"), string(b)
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			p := &HTTPPoster{BaseURL: srv.URL + "/", Client: srv.Client()}
			err := p.Post(context.Background(), PathTraces, []byte(`{"resourceSpans":[]}`))
			if (err != nil) != tc.wantErr {
				t.Fatalf("Post = %v, wantErr %v", err, tc.wantErr)
			}
			if gotPath != PathTraces || gotType != "application/json" || gotBody != `{"resourceSpans":[]}` {
				t.Errorf("request = %s %s %s", gotPath, gotType, gotBody)
			}
		})
	}
}

func TestHTTPPoster_FlushesExporter(t *testing.T) {
	paths := make(chan string, 3)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths <- r.URL.Path
	}))
	defer srv.Close()

	e, _ := newTestExporter(t)
	e.Start(&HTTPPoster{BaseURL: srv.URL})
	e.Log(SeverityInfo, "hello")
	e.RecordCounter("ota.firmware.completed", 1)
	if err := e.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	close(paths)
	var got []string
	for p := range paths {
		got = append(got, p)
	}
	if len(got) != 2 || got[0] != PathLogs || got[1] != PathMetrics {
		t.Errorf("posted %v", got)
	}
	if st := e.Stats(); st.SentLogs != 1 || st.SentMetrics != 1 {
		t.Errorf("stats = %+v", st)
	}
}
