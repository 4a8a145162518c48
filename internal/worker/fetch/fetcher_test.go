package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/newsman/internal/metrics"
	"github.com/hitoshi/newsman/internal/source"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

// mockSSRFGuard はSSRFValidatorのテスト用モック。
// httptestサーバーはループバックで起動するため、通常のhttp.Clientを返す。
type mockSSRFGuard struct {
	validateErr error
}

func (m *mockSSRFGuard) NewSafeClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

func (m *mockSSRFGuard) ValidateURL(_ string) error {
	return m.validateErr
}

// recordingCollector はHTTPステータスとレイテンシの記録を保持する。
type recordingCollector struct {
	metrics.NopCollector
	statuses  []int
	latencies int
}

func (r *recordingCollector) RecordHTTPStatus(code int)          { r.statuses = append(r.statuses, code) }
func (r *recordingCollector) RecordFetchLatency(_ time.Duration) { r.latencies++ }

const twoItemFeed = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Kontra Spor</title>
    <item>
      <title>Fenerbahçe kazandı</title>
      <link>https://kontraspor.com/haber/1</link>
      <guid>kontra-1</guid>
    </item>
    <item>
      <title>Kadıköy'de hazırlık</title>
      <link>https://kontraspor.com/haber/2</link>
      <guid>kontra-2</guid>
    </item>
  </channel>
</rss>`

func newTestFetcher(buf *bytes.Buffer, guard SSRFValidator, collector metrics.MetricsCollector, maxSize int64) *Fetcher {
	return NewFetcher(guard, collector, newTestLogger(buf), 5*time.Second, maxSize)
}

func feedServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func assertFetchError(t *testing.T, err error, kind ErrorKind) *FetchError {
	t.Helper()
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error = %v (%T), want *FetchError", err, err)
	}
	if fe.Kind != kind {
		t.Errorf("Kind = %q, want %q", fe.Kind, kind)
	}
	return fe
}

func TestFetcher_Fetch_Success(t *testing.T) {
	var gotUA, gotAccept string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAccept = r.Header.Get("Accept")
		fmt.Fprint(w, twoItemFeed)
	}))
	defer srv.Close()

	var buf bytes.Buffer
	collector := &recordingCollector{}
	f := newTestFetcher(&buf, &mockSSRFGuard{}, collector, 5*1024*1024)

	items, err := f.Fetch(context.Background(), source.New(srv.URL+"/rss"))
	if err != nil {
		t.Fatalf("Fetch() がエラーを返した: %v", err)
	}

	if len(items) != 2 {
		t.Fatalf("記事数 = %d, want 2", len(items))
	}
	if items[0].GUID != "kontra-1" || items[1].GUID != "kontra-2" {
		t.Errorf("文書順で返されていない: %q, %q", items[0].GUID, items[1].GUID)
	}
	if gotUA != "Newsman/1.0 RSS Reader" {
		t.Errorf("User-Agent = %q", gotUA)
	}
	if !strings.Contains(gotAccept, "application/rss+xml") {
		t.Errorf("Accept = %q", gotAccept)
	}
	if len(collector.statuses) != 1 || collector.statuses[0] != 200 {
		t.Errorf("記録されたステータス = %v, want [200]", collector.statuses)
	}
	if collector.latencies != 1 {
		t.Errorf("レイテンシ記録回数 = %d, want 1", collector.latencies)
	}
}

func TestFetcher_Fetch_SSRFBlocked(t *testing.T) {
	requested := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requested = true
	}))
	defer srv.Close()

	var buf bytes.Buffer
	cause := errors.New("blocked IP address")
	f := newTestFetcher(&buf, &mockSSRFGuard{validateErr: cause}, nil, 1024)

	_, err := f.Fetch(context.Background(), source.New(srv.URL))

	fe := assertFetchError(t, err, KindBlocked)
	if !errors.Is(err, cause) {
		t.Error("元のエラーがUnwrapできるべき")
	}
	if fe.Transient() {
		t.Error("SSRF拒否は一時的な失敗ではない")
	}
	if requested {
		t.Error("SSRF検証に失敗したURLにリクエストしてはならない")
	}
}

func TestFetcher_Fetch_NonOKStatus(t *testing.T) {
	tests := []struct {
		status    int
		transient bool
	}{
		{http.StatusNotFound, false},
		{http.StatusForbidden, false},
		{http.StatusTooManyRequests, true},
		{http.StatusServiceUnavailable, true},
		{http.StatusNoContent, true},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := feedServer(t, tt.status, "")
			var buf bytes.Buffer
			f := newTestFetcher(&buf, &mockSSRFGuard{}, nil, 1024)

			src := source.New(srv.URL)
			_, err := f.Fetch(context.Background(), src)

			fe := assertFetchError(t, err, KindStatus)
			if fe.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", fe.StatusCode, tt.status)
			}
			if fe.Transient() != tt.transient {
				t.Errorf("Transient() = %v, want %v", fe.Transient(), tt.transient)
			}
			if fe.Source != src.Name || fe.URL != src.URL {
				t.Errorf("Source/URL = %q/%q", fe.Source, fe.URL)
			}
		})
	}
}

func TestFetcher_Fetch_BodyTooLarge(t *testing.T) {
	srv := feedServer(t, http.StatusOK, twoItemFeed)
	var buf bytes.Buffer
	f := newTestFetcher(&buf, &mockSSRFGuard{}, nil, 100)

	_, err := f.Fetch(context.Background(), source.New(srv.URL))
	assertFetchError(t, err, KindRead)
}

func TestFetcher_Fetch_BodyExactlyAtLimit(t *testing.T) {
	srv := feedServer(t, http.StatusOK, twoItemFeed)
	var buf bytes.Buffer
	f := newTestFetcher(&buf, &mockSSRFGuard{}, nil, int64(len(twoItemFeed)))

	items, err := f.Fetch(context.Background(), source.New(srv.URL))
	if err != nil {
		t.Fatalf("上限ちょうどのボディはエラーにならないべき: %v", err)
	}
	if len(items) != 2 {
		t.Errorf("記事数 = %d, want 2", len(items))
	}
}

func TestFetcher_Fetch_MalformedFeed(t *testing.T) {
	srv := feedServer(t, http.StatusOK, "<html><body>bakım çalışması</body></html>")
	var buf bytes.Buffer
	f := newTestFetcher(&buf, &mockSSRFGuard{}, nil, 1024)

	_, err := f.Fetch(context.Background(), source.New(srv.URL))
	fe := assertFetchError(t, err, KindParse)
	if fe.Transient() {
		t.Error("パース失敗は一時的な失敗ではない")
	}
}

func TestFetcher_Fetch_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	var buf bytes.Buffer
	f := newTestFetcher(&buf, &mockSSRFGuard{}, nil, 1024)

	_, err := f.Fetch(context.Background(), source.New(url))
	fe := assertFetchError(t, err, KindNetwork)
	if !fe.Transient() {
		t.Error("通信エラーは一時的な失敗として扱うべき")
	}
}

func TestFetcher_Fetch_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	var buf bytes.Buffer
	f := NewFetcher(&mockSSRFGuard{}, nil, newTestLogger(&buf), 50*time.Millisecond, 1024)

	_, err := f.Fetch(context.Background(), source.New(srv.URL))
	assertFetchError(t, err, KindNetwork)
}
