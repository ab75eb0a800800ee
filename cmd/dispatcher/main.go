// Command dispatcher runs the notification dispatch pipeline: Kafka consumer
// groups feeding the push (FCM) and email (SendGrid) dispatchers.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"relay/internal/bus"
	"relay/internal/config"
	"relay/internal/database"
	"relay/internal/dispatch"
	"relay/internal/fcm"
	"relay/internal/observability"
	"relay/internal/repository"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	shutdownTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName:    "relay-dispatcher",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		Enabled:        cfg.Env == "production",
		Exporter:       "otlp",
		OTLPEndpoint:   os.Getenv("OTLP_ENDPOINT"),
		SamplerRatio:   1.0,
	})
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Database connection failed: %v", err)
	}

	publisher, err := bus.NewPublisher(cfg.Brokers)
	if err != nil {
		log.Fatalf("Kafka producer failed: %v", err)
	}

	tokens, err := fcm.NewManagerFromFile(cfg.GoogleCredentials)
	if err != nil {
		log.Fatalf("FCM credentials failed: %v", err)
	}

	templates := repository.NewTemplateRepository(db)
	notifications := repository.NewNotificationRepository(db)

	push := dispatch.NewPushDispatcher(templates, notifications, publisher, tokens, cfg.FCMProjectID)
	email := dispatch.NewEmailDispatcher(templates, notifications, publisher, cfg.SendGridAPIKey)

	pushGroup, err := bus.NewConsumerGroup(cfg.Brokers, bus.GroupPush, []string{bus.TopicPush}, push.HandleMessage)
	if err != nil {
		log.Fatalf("Push consumer group failed: %v", err)
	}
	emailGroup, err := bus.NewConsumerGroup(cfg.Brokers, bus.GroupEmail, []string{bus.TopicEmail}, email.HandleMessage)
	if err != nil {
		log.Fatalf("Email consumer group failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{}, 2)
	go func() {
		if err := pushGroup.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Push consumer stopped: %v", err)
		}
		done <- struct{}{}
	}()
	go func() {
		if err := emailGroup.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Email consumer stopped: %v", err)
		}
		done <- struct{}{}
	}()

	log.Printf("Dispatcher consuming from %s (topics: %s, %s)", cfg.Brokers, bus.TopicPush, bus.TopicEmail)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down dispatcher...")
	cancel()
	// Let both consumers finish their current job.
	for i := 0; i < 2; i++ {
		<-done
	}

	if err := publisher.Close(); err != nil {
		log.Printf("Producer close error: %v", err)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("Tracing shutdown error: %v", err)
	}
}
