package fetch

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorKind はフェッチ失敗の分類。
type ErrorKind string

const (
	// KindBlocked はSSRF検証で拒否されたURL。
	KindBlocked ErrorKind = "blocked"
	// KindNetwork は接続・タイムアウトなどの通信エラー。
	KindNetwork ErrorKind = "network"
	// KindStatus は200以外のHTTPステータス。
	KindStatus ErrorKind = "status"
	// KindRead はレスポンスボディの読み取りエラーまたはサイズ超過。
	KindRead ErrorKind = "read"
	// KindParse はRSS/Atomとして解釈できないボディ。
	KindParse ErrorKind = "parse"
)

// FetchError は1ソース分のフェッチ失敗を表す。
// 同じサイクル内での再試行は行わず、次のサイクルが再試行となる。
type FetchError struct {
	Source     string
	URL        string
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindStatus {
		return fmt.Sprintf("%s (%s): HTTPステータス %d", e.Source, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s (%s): %s: %v", e.Source, e.URL, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Transient は次のサイクルで回復が見込める失敗かどうかを返す。
// 404/410/401/403 などソース側の設定変更が必要なステータスはfalse。
func (e *FetchError) Transient() bool {
	switch e.Kind {
	case KindBlocked, KindParse:
		return false
	case KindStatus:
		return ClassifyHTTPStatus(e.StatusCode) != StatusPermanent
	default:
		return true
	}
}

// StatusClass はHTTPステータスコードの分類。
type StatusClass int

const (
	// StatusOK はフェッチ成功（200）。
	StatusOK StatusClass = iota
	// StatusPermanent は設定の見直しが必要なステータス（404/410/401/403）。
	StatusPermanent
	// StatusTransient は時間をおけば回復しうるステータス（429/5xx）。
	StatusTransient
	// StatusUnexpected はその他のステータス。
	StatusUnexpected
)

// ClassifyHTTPStatus はHTTPステータスコードを分類する。
func ClassifyHTTPStatus(statusCode int) StatusClass {
	switch {
	case statusCode == http.StatusOK:
		return StatusOK
	case statusCode == http.StatusNotFound || statusCode == http.StatusGone:
		return StatusPermanent
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return StatusPermanent
	case statusCode == http.StatusTooManyRequests:
		return StatusTransient
	case statusCode >= 500:
		return StatusTransient
	default:
		return StatusUnexpected
	}
}

// KindOf はエラーに含まれるFetchErrorの分類を返す。FetchErrorでなければ空文字列。
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}
