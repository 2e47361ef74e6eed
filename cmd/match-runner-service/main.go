package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"bitbucket.org/mmdatafocus/banking_backend/config"
	"bitbucket.org/mmdatafocus/banking_backend/models"
	"bitbucket.org/mmdatafocus/banking_backend/workflow"
	"github.com/sirupsen/logrus"
)

func main() {
	logger := config.GetLogger()

	sigCtx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()

	db := config.GetDB()
	sqlDB, _ := db.DB()
	defer func() {
		if sqlDB != nil {
			_ = sqlDB.Close()
		}
	}()

	if !strings.EqualFold(strings.TrimSpace(os.Getenv("SKIP_MIGRATIONS")), "true") {
		models.MigrateTable()
	} else {
		logger.WithFields(logrus.Fields{"field": "migrations"}).Warn("SKIP_MIGRATIONS=true; skipping AutoMigrate on startup")
	}

	ensurePubSubTopology(sigCtx, logger)

	collab := workflow.Collaborators{
		Auditor: workflow.LogAuditor{Logger: logger},
	}

	runner := workflow.NewMatchRunner(db, logger, collab)
	if v := intFromEnv("MATCH_RUNNER_BATCH_SIZE", 0); v > 0 {
		runner.BatchSize = v
	}
	if v := intFromEnv("MATCH_RUNNER_POLL_MS", 0); v > 0 {
		runner.PollInterval = time.Duration(v) * time.Millisecond
	}
	dispatcher := workflow.NewOutboxDispatcher(db, logger)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		runner.Run(sigCtx)
	}()
	go func() {
		defer wg.Done()
		dispatcher.Run(sigCtx)
	}()

	<-sigCtx.Done()
	wg.Wait()
}

// ensurePubSubTopology creates the notification topic (and consumer
// subscription, when configured) before the dispatcher starts publishing.
func ensurePubSubTopology(ctx context.Context, logger *logrus.Logger) {
	topicName := strings.TrimSpace(os.Getenv("PUBSUB_TOPIC"))
	if topicName == "" {
		return
	}
	client, err := config.GetClient(ctx)
	if err != nil {
		config.LogError(logger, "main", "ensurePubSubTopology", "pubsub client unavailable", topicName, err)
		return
	}
	topic, err := config.CreateTopicIfNotExists(client, topicName)
	if err != nil {
		config.LogError(logger, "main", "ensurePubSubTopology", "ensure topic failed", topicName, err)
		return
	}
	if subName := strings.TrimSpace(os.Getenv("PUBSUB_SUBSCRIPTION")); subName != "" {
		if _, err := config.CreateSubscriptionIfNotExists(client, subName, topic); err != nil {
			config.LogError(logger, "main", "ensurePubSubTopology", "ensure subscription failed", subName, err)
		}
	}
}

func intFromEnv(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
