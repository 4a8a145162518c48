package events

import (
	"log/slog"
	"time"
)

// NewPublisherWithWriter はテスト用にwriterを差し替えたPublisherを生成する。
func NewPublisherWithWriter(w messageWriter, logger *slog.Logger) *Publisher {
	return newPublisher(w, logger)
}

// NewSubscriberWithReader はテスト用にreaderを差し替えたSubscriberを生成する。
func NewSubscriberWithReader(r messageReader, cache Evictor, logger *slog.Logger, retryDelay time.Duration) *Subscriber {
	s := newSubscriber(r, cache, logger)
	s.retryDelay = retryDelay
	return s
}
