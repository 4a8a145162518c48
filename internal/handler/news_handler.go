package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/newsman/internal/middleware"
	"github.com/hitoshi/newsman/internal/model"
)

// NewsListerInterface はニュースハンドラーが必要とするサービスインターフェース。
type NewsListerInterface interface {
	// List は公開日時降順の1ページを返す。
	List(ctx context.Context, page, size int) (*model.NewsPage, error)
	// DefaultSize はsize未指定時のページサイズを返す。
	DefaultSize() int
}

// NewsHandler はニュース一覧のHTTPハンドラー。
type NewsHandler struct {
	service NewsListerInterface
	logger  *slog.Logger
}

// NewNewsHandler はNewsHandlerを生成する。
func NewNewsHandler(service NewsListerInterface, logger *slog.Logger) *NewsHandler {
	return &NewsHandler{
		service: service,
		logger:  logger,
	}
}

// --- レスポンス型 ---

// newsResponse は記事1件のレスポンス。
// 既存のフロントエンドに合わせてcamelCaseで出力する。
type newsResponse struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Link        string    `json:"link"`
	Description string    `json:"description"`
	ImageURL    string    `json:"imageUrl"`
	Source      string    `json:"source"`
	PubDate     time.Time `json:"pubDate"`
	ExternalID  string    `json:"externalId"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// newsPageResponse はページ単位の一覧レスポンス。
type newsPageResponse struct {
	Content       []newsResponse `json:"content"`
	PageNumber    int            `json:"pageNumber"`
	PageSize      int            `json:"pageSize"`
	TotalElements int64          `json:"totalElements"`
	TotalPages    int            `json:"totalPages"`
	First         bool           `json:"first"`
	Last          bool           `json:"last"`
}

func toNewsPageResponse(p *model.NewsPage) newsPageResponse {
	content := make([]newsResponse, 0, len(p.Content))
	for _, rec := range p.Content {
		content = append(content, newsResponse{
			ID:          rec.ID,
			Title:       rec.Title,
			Link:        rec.Link,
			Description: rec.Description,
			ImageURL:    rec.ImageURL,
			Source:      rec.Source,
			PubDate:     rec.PubDate,
			ExternalID:  rec.ExternalID,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
		})
	}
	return newsPageResponse{
		Content:       content,
		PageNumber:    p.PageNumber,
		PageSize:      p.PageSize,
		TotalElements: p.TotalElements,
		TotalPages:    p.TotalPages(),
		First:         p.IsFirst(),
		Last:          p.IsLast(),
	}
}

// ListNews はニュース一覧を取得する。
// GET /api/news?page=0&size=12
func (h *NewsHandler) ListNews(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	page, err := parseIntParam(q.Get("page"), 0)
	if err != nil {
		middleware.WriteAPIError(w, model.NewInvalidPaginationError("page must be an integer"))
		return
	}
	size, err := parseIntParam(q.Get("size"), h.service.DefaultSize())
	if err != nil {
		middleware.WriteAPIError(w, model.NewInvalidPaginationError("size must be an integer"))
		return
	}

	result, err := h.service.List(r.Context(), page, size)
	if err != nil {
		h.handleServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(toNewsPageResponse(result))
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func (h *NewsHandler) handleServiceError(w http.ResponseWriter, err error) {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		middleware.WriteAPIError(w, apiErr)
		return
	}

	// APIError以外のエラーは内部サーバーエラーとして扱う
	h.logger.Error("internal server error", slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

// parseIntParam はクエリパラメータを整数に変換する。空の場合はdefaultValを返す。
func parseIntParam(raw string, defaultVal int) (int, error) {
	if raw == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(raw)
}
