package fetch

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassifyHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want StatusClass
	}{
		{200, StatusOK},
		{404, StatusPermanent},
		{410, StatusPermanent},
		{401, StatusPermanent},
		{403, StatusPermanent},
		{429, StatusTransient},
		{500, StatusTransient},
		{502, StatusTransient},
		{301, StatusUnexpected},
		{204, StatusUnexpected},
	}

	for _, tt := range tests {
		if got := ClassifyHTTPStatus(tt.code); got != tt.want {
			t.Errorf("ClassifyHTTPStatus(%d) = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestFetchError_Error(t *testing.T) {
	statusErr := &FetchError{Source: "NTV Spor", URL: "https://www.ntvspor.net/rss", Kind: KindStatus, StatusCode: 503}
	if !strings.Contains(statusErr.Error(), "503") {
		t.Errorf("Error() = %q, ステータスコードを含むべき", statusErr.Error())
	}

	parseErr := &FetchError{Source: "NTV Spor", URL: "https://www.ntvspor.net/rss", Kind: KindParse, Err: errors.New("EOF")}
	if !strings.Contains(parseErr.Error(), "parse") || !strings.Contains(parseErr.Error(), "EOF") {
		t.Errorf("Error() = %q", parseErr.Error())
	}
}

func TestKindOf(t *testing.T) {
	wrapped := fmt.Errorf("source failed: %w", &FetchError{Kind: KindRead})

	if got := KindOf(wrapped); got != KindRead {
		t.Errorf("KindOf(wrapped) = %q, want %q", got, KindRead)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Errorf("KindOf(plain) = %q, want empty", got)
	}
}
