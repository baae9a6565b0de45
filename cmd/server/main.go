package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"subscription-service/config"
	"subscription-service/internal/api"
	"subscription-service/internal/broker"
	"subscription-service/internal/gateway"
	"subscription-service/internal/messaging"
	"subscription-service/internal/models"
	"subscription-service/internal/panel"
	"subscription-service/internal/redisclient"
	"subscription-service/internal/service"
	"subscription-service/internal/store"
	"subscription-service/internal/util"
	"subscription-service/internal/worker"

	"github.com/gin-gonic/gin"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(util.LoggerConfig{
		Service: "subscription-service",
		Env:     cfg.Server.Env,
		Mode:    cfg.Server.Mode,
		Level:   cfg.Server.LogLevel,
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting subscription service")

	runAPI := cfg.Server.Mode == "api" || cfg.Server.Mode == "all"
	runWorker := cfg.Server.Mode == "worker" || cfg.Server.Mode == "all"
	if !runAPI && !runWorker {
		log.Fatalf("Unknown MODE %q, expected api, worker or all", cfg.Server.Mode)
	}

	tp, err := util.InitTracer("subscription-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	log.Println("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicTasks)
	defer producer.Close()
	log.Println("Kafka producer initialized")

	tasks := broker.NewTaskQueue(producer, redisClient)

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sender, err := messaging.NewTelegramSender(cfg.Telegram.BotToken, httpClient)
	if err != nil {
		log.Fatalf("Failed to initialize Telegram bot: %v", err)
	}
	notifier := messaging.NewNotifier(sender, cfg.Telegram.DevChatID)

	registry := gateway.NewRegistry(gateway.Deps{
		HTTPClient:     httpClient,
		WebhookBaseURL: cfg.Payments.WebhookBaseURL,
		ReturnURL:      cfg.Payments.ReturnURL,
		StarsSecret:    cfg.Telegram.WebhookSecret,
		StarsInvoices:  sender,
	})
	panelClient := panel.NewClient(cfg.Panel.URL, cfg.Panel.Token, cfg.Panel.Timeout)

	ledger := service.NewTransactionLedger(db)
	gateways := service.NewGatewayService(db, redisClient, registry, cfg.Payments.GatewayCacheTTL)
	orchestrator := service.NewSubscriptionOrchestrator(ledger, db, db, panelClient, notifier, service.OrchestratorConfig{
		PanelTimeout: cfg.Panel.Timeout,
		TrialPlan:    trialPlan(cfg.Trial),
	})
	paymentService := service.NewPaymentService(ledger, gateways, orchestrator, db, db, db)
	planService := service.NewPlanService(db)
	broadcastService := service.NewBroadcastService(db, db, sender, tasks, service.BroadcastConfig{
		BatchSize:  cfg.Broadcast.BatchSize,
		BatchDelay: cfg.Broadcast.BatchDelay,
	})
	sweeper := service.NewStaleSweeper(ledger, redisClient, cfg.Payments.PendingMaxAge, cfg.Payments.SweepLockTTL)
	ingress := service.NewWebhookIngress(gateways, tasks, redisClient, notifier, cfg.Payments.DedupeTTL)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	var taskWorker *worker.TaskWorker
	if runWorker {
		executor := worker.NewExecutor(tasks, redisClient, worker.Config{
			MaxRetries: cfg.Worker.MaxRetries,
			Backoff:    cfg.Worker.Backoff,
			ResultTTL:  cfg.Worker.ResultTTL,
		})
		worker.RegisterTasks(executor, worker.TaskDeps{
			Payments:   orchestrator,
			Sweeper:    sweeper,
			Broadcasts: broadcastService,
			Notifier:   notifier,
		})

		consumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicTasks, cfg.Kafka.ConsumerGroup)
		taskWorker = worker.NewTaskWorker(consumer, executor)
		go func() {
			if err := taskWorker.Start(workerCtx); err != nil {
				log.Printf("Task worker error: %v", err)
			}
		}()

		scheduler := worker.NewScheduler(tasks, cfg.Payments.StaleSweepInterval, cfg.Payments.PendingMaxAge)
		go scheduler.Run(workerCtx)
	}

	var srv *http.Server
	if runAPI {
		if cfg.Server.Env == "production" {
			gin.SetMode(gin.ReleaseMode)
		}

		router := gin.New()
		router.Use(gin.Logger())
		handler := api.NewHandler(api.Deps{
			Payments:     paymentService,
			Subscription: orchestrator,
			Transactions: ledger,
			Webhooks:     ingress,
			Plans:        planService,
			Gateways:     gateways,
			Broadcasts:   broadcastService,
			Tasks:        tasks,
			PreCheckout:  sender,
			Ready: map[string]api.Pinger{
				"postgres": db,
				"redis":    redisClient,
			},
		}, api.Options{
			AdminToken:         cfg.Server.AdminToken,
			ServiceToken:       cfg.Server.ServiceToken,
			PanelWebhookSecret: cfg.Panel.WebhookSecret,
			TrustedProxies:     cfg.Server.TrustedProxies,
		})
		handler.SetupRoutes(router)

		srv = &http.Server{
			Addr:              fmt.Sprintf(":%s", cfg.Server.Port),
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			log.Printf("Starting HTTP server on port %s", cfg.Server.Port)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("Failed to start server: %v", err)
			}
		}()
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		}
	}

	workerCancel()
	if taskWorker != nil {
		if err := taskWorker.Stop(); err != nil {
			log.Printf("Error stopping task worker: %v", err)
		}
	}

	log.Println("Server exited")
}

func trialPlan(t config.TrialConfig) models.PlanSnapshot {
	planType := models.PlanTypeBoth
	switch {
	case t.TrafficLimitGB > 0 && t.DeviceLimit <= 0:
		planType = models.PlanTypeTraffic
	case t.TrafficLimitGB <= 0 && t.DeviceLimit > 0:
		planType = models.PlanTypeDevices
	case t.TrafficLimitGB <= 0 && t.DeviceLimit <= 0:
		planType = models.PlanTypeUnlimited
	}

	return models.PlanSnapshot{
		Name:           "Trial",
		Type:           planType,
		TrafficLimitGB: t.TrafficLimitGB,
		DeviceLimit:    t.DeviceLimit,
		DurationDays:   t.Days,
		InternalSquads: t.InternalSquads,
	}
}
