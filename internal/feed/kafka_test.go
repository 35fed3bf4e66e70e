//go:build integration

package feed

import (
	"context"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
	kafkamodule "github.com/testcontainers/testcontainers-go/modules/kafka"
	"go.uber.org/zap"

	"github.com/iurnickita/orderdesk/internal/feed/config"
	"github.com/iurnickita/orderdesk/internal/model"
)

func TestKafkaFeed(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	container, err := kafkamodule.Run(ctx,
		"confluentinc/confluent-local:7.8.0",
		kafkamodule.WithClusterID("test-cluster"),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate kafka container: %v", err)
		}
	})

	brokers, err := container.Brokers(ctx)
	require.NoError(t, err)
	cfg := config.Config{Brokers: brokers, Topic: "orders.changed"}

	// Два экземпляра: заказ, измененный на одном, виден на другом
	local := NewBoard()
	remote := NewBoard()

	pub := NewKafkaPublisher(cfg)
	defer pub.Close()
	hub := NewHub(local, pub, zap.NewNop())

	sub := NewKafkaSubscriber(cfg, remote, zap.NewNop(), WithStartOffset(kafka.FirstOffset))
	defer sub.Close()
	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- sub.Run(runCtx) }()

	o := order("o1", model.OrderStatusReady, t0)
	hub.OrderChanged(ctx, o)

	require.Eventually(t, func() bool {
		got, ok := remote.Get("t1", "o1")
		return ok && got.Status == model.OrderStatusReady
	}, time.Minute, 100*time.Millisecond)

	stop()
	require.NoError(t, <-done)
}
