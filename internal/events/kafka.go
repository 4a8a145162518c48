// Package events はプロセス間でキャッシュ無効化を伝えるKafkaイベントバスを提供する。
//
// workerプロセスが取り込みサイクルの終了時にcache.invalidatedイベントを発行し、
// 各APIプロセスがそれを購読して手元のページキャッシュを破棄する。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// TypeCacheInvalidated はキャッシュ無効化イベントの種別。
const TypeCacheInvalidated = "cache.invalidated"

// Event はトピックに流れるメッセージ本体。
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	Origin     string    `json:"origin"`
	OccurredAt time.Time `json:"occurredAt"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// Publisher はキャッシュ無効化イベントを発行する。
type Publisher struct {
	writer messageWriter
	origin string
	logger *slog.Logger
	now    func() time.Time
}

// NewPublisher は指定トピックへ同期的に書き込むPublisherを生成する。
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: kafka.RequireOne,
		MaxAttempts:  3,
	}
	return newPublisher(writer, logger)
}

func newPublisher(w messageWriter, logger *slog.Logger) *Publisher {
	origin, err := os.Hostname()
	if err != nil {
		origin = "unknown"
	}
	return &Publisher{writer: w, origin: origin, logger: logger, now: time.Now}
}

// Invalidate はcache.invalidatedイベントを1件発行する。
func (p *Publisher) Invalidate(ctx context.Context) error {
	ev := Event{
		ID:         uuid.NewString(),
		Type:       TypeCacheInvalidated,
		Origin:     p.origin,
		OccurredAt: p.now().UTC(),
	}
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("イベントのエンコードに失敗: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(ev.Type),
		Value: body,
		Time:  ev.OccurredAt,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("キャッシュ無効化イベントの発行に失敗: %w", err)
	}

	p.logger.Debug("キャッシュ無効化イベントを発行しました", slog.String("event_id", ev.ID))
	return nil
}

// Close は内部のWriterを閉じる。
func (p *Publisher) Close() error {
	return p.writer.Close()
}

// Evictor はイベント受信時に破棄されるキャッシュ。
type Evictor interface {
	EvictAll() int
}

// Subscriber はキャッシュ無効化イベントを購読する。
// 全APIプロセスが全イベントを受け取る必要があるため、コンシューマグループは使わない。
type Subscriber struct {
	reader     messageReader
	cache      Evictor
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewSubscriber はトピック末尾から読み始めるSubscriberを生成する。
func NewSubscriber(brokers []string, topic string, cache Evictor, logger *slog.Logger) (*Subscriber, error) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 1e6,
		MaxWait:  time.Second,
	})
	if err := reader.SetOffset(kafka.LastOffset); err != nil {
		reader.Close()
		return nil, fmt.Errorf("購読開始位置の設定に失敗: %w", err)
	}
	return newSubscriber(reader, cache, logger), nil
}

func newSubscriber(r messageReader, cache Evictor, logger *slog.Logger) *Subscriber {
	return &Subscriber{reader: r, cache: cache, logger: logger, retryDelay: time.Second}
}

// Run はcontextがキャンセルされるまでイベントを読み続ける。
// 読み取りエラーはretryDelay待ってから再試行する。
func (s *Subscriber) Run(ctx context.Context) {
	s.logger.Info("キャッシュ無効化イベントの購読を開始します")
	for {
		msg, err := s.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.logger.Info("キャッシュ無効化イベントの購読を停止しました")
				return
			}
			s.logger.Warn("イベントの読み取りに失敗しました", slog.String("error", err.Error()))
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryDelay):
			}
			continue
		}
		s.handle(msg)
	}
}

func (s *Subscriber) handle(msg kafka.Message) {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		s.logger.Warn("不正なイベントを破棄しました",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()),
		)
		return
	}
	if ev.Type != TypeCacheInvalidated {
		return
	}

	evicted := s.cache.EvictAll()
	s.logger.Info("キャッシュを破棄しました",
		slog.String("event_id", ev.ID),
		slog.String("origin", ev.Origin),
		slog.Int("evicted", evicted),
	)
}

// Close は内部のReaderを閉じる。
func (s *Subscriber) Close() error {
	return s.reader.Close()
}
