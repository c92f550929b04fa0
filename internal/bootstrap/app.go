package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	httpHandler "github.com/chriscod3/code-collab/internal/handler/http"
	wsHandler "github.com/chriscod3/code-collab/internal/handler/websocket"
	memfeed "github.com/chriscod3/code-collab/internal/infra/feed/memory"
	redisfeed "github.com/chriscod3/code-collab/internal/infra/feed/redis"
	gormpersistence "github.com/chriscod3/code-collab/internal/infra/persistence/gorm"
	memstore "github.com/chriscod3/code-collab/internal/infra/persistence/memory"
	"github.com/chriscod3/code-collab/internal/infra/setup"
	"github.com/chriscod3/code-collab/internal/metrics"
	"github.com/chriscod3/code-collab/internal/middleware"
	"github.com/chriscod3/code-collab/internal/realtime/session"
	"github.com/chriscod3/code-collab/internal/realtime/transport"
	"github.com/chriscod3/code-collab/internal/repository"
	"github.com/chriscod3/code-collab/internal/service"
	"github.com/chriscod3/code-collab/internal/tasks"
	"github.com/chriscod3/code-collab/internal/worker"
)

// 没有 Redis 时周期快照的默认间隔
const defaultSnapshotInterval = 5 * time.Minute

// repositories 存储层的四个仓库
type repositories struct {
	rooms     repository.RoomRepository
	documents repository.DocumentRepository
	messages  repository.MessageRepository
	snapshots repository.SnapshotRepository
}

// App 结构体包含应用的所有组件和配置
type App struct {
	Config      *Config
	Log         *logrus.Logger
	DB          *gorm.DB      // DB_DRIVER=memory 时为 nil
	RedisClient *redis.Client // FEED_DRIVER=memory 时为 nil
	AsynqClient *asynq.Client
	AsynqServer *worker.WorkerServer
	HttpServer  *http.Server

	redisClientOpt asynq.RedisClientOpt
	scheduler      *asynq.Scheduler
	inline         *worker.InlineScheduler
	presence       *service.PresenceService
	periodic       *worker.PeriodicSnapshotHandler

	stopBackground context.CancelFunc
	background     sync.WaitGroup
}

// NewApp 创建并初始化应用的所有组件
func NewApp(cfg *Config) (*App, error) {
	// 1. 初始化 Logger
	log := newLogger(cfg)
	log.Info("Configuration loaded successfully")

	app := &App{Config: cfg, Log: log}

	// 2. 初始化基础设施
	log.Info("Initializing infrastructure...")
	repos, err := app.initStorage()
	if err != nil {
		return nil, err
	}
	feed, err := app.initFeed()
	if err != nil {
		app.closeInfra()
		return nil, err
	}
	log.Info("Infrastructure initialized successfully")

	// 3. 初始化 Services
	log.Info("Initializing services...")
	publisher := transport.NewPublisher(feed)
	docService := service.NewDocumentService(repos.documents, publisher)
	chatService := service.NewChatService(repos.messages, publisher)
	roomService := service.NewRoomService(repos.rooms, docService, nil)
	snapshotService, err := service.NewSnapshotService(repos.snapshots, repos.documents)
	if err != nil {
		app.closeInfra()
		return nil, fmt.Errorf("failed to create SnapshotService: %w", err)
	}
	presenceService := service.NewPresenceService(feed, publisher)
	ticketService, err := service.NewTicketService(cfg.JWTSecret, cfg.TicketExpiryHours)
	if err != nil {
		app.closeInfra()
		return nil, fmt.Errorf("failed to create TicketService: %w", err)
	}
	app.presence = presenceService
	log.Info("Services initialized")

	// 4. 快照调度：有 Redis 时走 asynq 队列，否则进程内直接生成
	var snapshotScheduler session.SnapshotScheduler
	app.periodic = worker.NewPeriodicSnapshotHandler(presenceService, roomService, snapshotService)
	if cfg.UsesRedis() {
		app.AsynqClient = asynq.NewClient(app.redisClientOpt)
		snapshotScheduler = tasks.NewEnqueuer(app.AsynqClient)
		app.AsynqServer = worker.NewWorkerServer(app.redisClientOpt, worker.Handlers{
			DocumentSnapshot: worker.NewDocumentSnapshotHandler(snapshotService),
			PeriodicSnapshot: app.periodic,
			PresenceSweep:    worker.NewPresenceSweepHandler(presenceService),
		}, log)
		log.Info("Asynq client and worker server initialized")
	} else {
		app.inline = worker.NewInlineScheduler(snapshotService)
		snapshotScheduler = app.inline
		log.Info("Running without Redis, snapshots are captured in-process")
	}

	opener := session.NewOpener(roomService, docService, chatService, feed, snapshotScheduler, session.Options{
		Transport: transport.Options{
			PresenceTTL: cfg.PresenceTTL,
			Logger:      log.WithField("component", "transport"),
		},
		ReadyTimeout: cfg.SubscribeTimeout,
		Logger:       log.WithField("component", "session"),
	})

	// 5. 初始化 Handlers
	log.Info("Initializing handlers...")
	roomHandler := httpHandler.NewRoomHandler(roomService, docService, chatService, snapshotService, presenceService, ticketService)
	ws := wsHandler.NewWebSocketHandler(opener, wsHandler.Options{
		AllowedOrigin:   cfg.CORSAllowedOrigin,
		FramesPerSecond: cfg.WSFramesPerSecond,
	})
	log.Info("Handlers initialized")

	// 6. 初始化 Gin Engine 和路由
	router := app.newRouter(roomHandler, ws, ticketService)

	app.HttpServer = &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	log.Info("Application assembled successfully")
	return app, nil
}

func newLogger(cfg *Config) *logrus.Logger {
	log := logrus.New()
	if cfg.AppEnv == "production" {
		log.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	}
	logLevel, _ := logrus.ParseLevel(cfg.LogLevel) // cfg.LogLevel 已被 LoadConfig 验证
	log.SetLevel(logLevel)
	log.SetOutput(os.Stdout)

	// 各包通过 logrus 包级函数记日志，保持同样的格式和级别
	logrus.SetFormatter(log.Formatter)
	logrus.SetLevel(logLevel)
	logrus.SetOutput(os.Stdout)
	log.Infof("Logger initialized (Level: %s, Format: %T)", logLevel.String(), log.Formatter)
	return log
}

func (a *App) initStorage() (repositories, error) {
	cfg := a.Config
	if cfg.DBDriver == DriverMemory {
		store := memstore.New()
		a.Log.Warn("Using in-memory storage, data is lost on restart")
		return repositories{rooms: store, documents: store, messages: store, snapshots: store}, nil
	}

	db, err := setup.InitDB(setup.DBConfig{
		Driver:   cfg.DBDriver,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		Name:     cfg.DBName,
	})
	if err != nil {
		return repositories{}, fmt.Errorf("failed to init DB: %w", err)
	}
	a.DB = db
	if err := setup.MigrateDB(db); err != nil {
		a.closeInfra()
		return repositories{}, fmt.Errorf("failed to migrate DB: %w", err)
	}
	a.Log.Info("Database initialized and migrated")

	return repositories{
		rooms:     gormpersistence.NewGormRoomRepository(db),
		documents: gormpersistence.NewGormDocumentRepository(db),
		messages:  gormpersistence.NewGormMessageRepository(db),
		snapshots: gormpersistence.NewGormSnapshotRepository(db),
	}, nil
}

func (a *App) initFeed() (repository.ChangeFeed, error) {
	cfg := a.Config
	if !cfg.UsesRedis() {
		a.Log.Warn("Using in-process change feed, realtime sync only works within this instance")
		return memfeed.New(), nil
	}

	redisClient, err := setup.InitRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("failed to init Redis: %w", err)
	}
	a.RedisClient = redisClient
	a.redisClientOpt = asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	a.Log.Info("Redis client initialized")
	return redisfeed.NewRedisFeed(redisClient, cfg.KeyPrefix), nil
}

func (a *App) newRouter(rooms *httpHandler.RoomHandler, ws *wsHandler.WebSocketHandler, tickets *service.TicketService) *gin.Engine {
	cfg := a.Config
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(LoggerMiddleware(a.Log))
	router.Use(metrics.GinMiddleware())
	router.Use(CORSMiddleware(cfg.CORSAllowedOrigin))
	if a.RedisClient != nil {
		router.Use(middleware.RateLimit(a.RedisClient, cfg.KeyPrefix, cfg.RateLimitMax, cfg.RateLimitWindow))
	}

	api := router.Group("/api")
	roomRoutes := api.Group("/rooms")
	{
		roomRoutes.POST("", rooms.CreateRoom)
		roomRoutes.POST("/join", rooms.JoinRoom)
	}
	memberRoutes := roomRoutes.Group("/:code", middleware.ParticipantAuth(tickets))
	{
		memberRoutes.GET("", rooms.GetRoom)
		memberRoutes.GET("/messages", rooms.ListMessages)
		memberRoutes.GET("/snapshots", rooms.ListSnapshots)
		memberRoutes.GET("/snapshots/:id", rooms.GetSnapshot)
	}
	router.GET("/ws/rooms/:code", middleware.ParticipantAuth(tickets), ws.HandleConnection)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ping", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"message": "pong"}) })
	return router
}

// Start 启动应用的所有后台 Goroutine 和 HTTP 服务器
func (a *App) Start() {
	a.Log.Info("Starting application background routines...")
	bgCtx, cancel := context.WithCancel(context.Background())
	a.stopBackground = cancel

	if a.AsynqServer != nil {
		go a.AsynqServer.Start()
		a.Log.Info("Asynq worker server routine started")
		a.registerPeriodicTasks()
	} else {
		a.runEvery(bgCtx, everyInterval(a.Config.SnapshotSchedule, a.Log), "periodic snapshot", func(ctx context.Context) {
			_, _ = a.periodic.Run(ctx, a.Log.WithField("component", "periodic_snapshot"))
		})
		a.runEvery(bgCtx, a.Config.PresenceSweepInterval, "presence sweep", func(ctx context.Context) {
			if _, err := a.presence.SweepExpired(ctx); err != nil {
				a.Log.WithError(err).Warn("Presence sweep failed")
			}
		})
	}

	// 启动 HTTP 服务器
	go func() {
		a.Log.Infof("HTTP server starting to listen on %s", a.HttpServer.Addr)
		if err := a.HttpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Log.Fatalf("Failed to start HTTP server: %v", err)
		}
		a.Log.Info("HTTP server stopped listening.")
	}()
}

// runEvery 在后台按固定间隔执行 fn，ctx 取消后退出
func (a *App) runEvery(ctx context.Context, interval time.Duration, name string, fn func(ctx context.Context)) {
	a.background.Add(1)
	go func() {
		defer a.background.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		a.Log.Infof("In-process %s started (every %s)", name, interval)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// everyInterval 把 "@every 5m" 形式的调度解析成间隔，其他写法回退到默认值
func everyInterval(spec string, log *logrus.Logger) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(strings.TrimPrefix(spec, "@every"))); err == nil && d > 0 {
		return d
	}
	log.Warnf("Snapshot schedule '%s' cannot run in-process, using every %s", spec, defaultSnapshotInterval)
	return defaultSnapshotInterval
}

func (a *App) registerPeriodicTasks() {
	scheduler := asynq.NewScheduler(a.redisClientOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
		Logger:   a.Log.WithField("component", "scheduler"),
		LogLevel: asynq.WarnLevel,
	})

	entries := []struct {
		spec string
		task *asynq.Task
	}{
		{spec: a.Config.SnapshotSchedule, task: tasks.NewPeriodicSnapshotTask()},
		{spec: "@every " + a.Config.PresenceSweepInterval.String(), task: tasks.NewPresenceSweepTask()},
	}
	for _, e := range entries {
		entryID, err := scheduler.Register(e.spec, e.task, asynq.Queue("low"))
		if err != nil {
			a.Log.Errorf("Could not register periodic task %s: %v", e.task.Type(), err)
			continue
		}
		a.Log.Infof("Periodic task %s registered with schedule '%s' (EntryID: %s)", e.task.Type(), e.spec, entryID)
	}

	if err := scheduler.Start(); err != nil {
		a.Log.Errorf("Asynq scheduler failed to start: %v", err)
		return
	}
	a.scheduler = scheduler
	a.Log.Info("Asynq scheduler started")
}

// Shutdown 优雅地关闭应用
func (a *App) Shutdown() {
	a.Log.Info("Shutting down application...")

	// 1. 关闭 HTTP 服务器，不再接受新的会话
	a.Log.Info("Shutting down HTTP server...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.HttpServer.Shutdown(ctx); err != nil {
		a.Log.Errorf("Error shutting down HTTP server: %v", err)
	} else {
		a.Log.Info("HTTP server shut down gracefully.")
	}

	// 2. 停止周期任务
	if a.scheduler != nil {
		a.scheduler.Shutdown()
		a.Log.Info("Asynq scheduler stopped.")
	}
	if a.stopBackground != nil {
		a.stopBackground()
		a.background.Wait()
	}

	// 3. 优雅关闭 Worker Server，等待进程内快照结束
	if a.AsynqServer != nil {
		a.AsynqServer.Shutdown()
	}
	if a.inline != nil {
		a.inline.Wait()
	}

	// 4. 关闭 Asynq Client、Redis 和数据库
	if a.AsynqClient != nil {
		if err := a.AsynqClient.Close(); err != nil {
			a.Log.Errorf("Error closing Asynq client: %v", err)
		} else {
			a.Log.Info("Asynq client closed.")
		}
	}
	a.closeInfra()

	a.Log.Info("Application shutdown complete.")
}

func (a *App) closeInfra() {
	if a.RedisClient != nil {
		if err := a.RedisClient.Close(); err != nil {
			a.Log.Errorf("Error closing Redis connection: %v", err)
		} else {
			a.Log.Info("Redis connection closed.")
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			if err := sqlDB.Close(); err != nil {
				a.Log.Errorf("Error closing database connection: %v", err)
			} else {
				a.Log.Info("Database connection closed.")
			}
		}
	}
}

// CORSMiddleware 允许配置的前端来源跨域访问
func CORSMiddleware(allowedOrigin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// LoggerMiddleware 创建一个 Gin 中间件用于记录请求日志
func LoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		startTime := time.Now()
		c.Next() // 处理请求
		latency := time.Since(startTime)
		statusCode := c.Writer.Status()
		path := c.Request.URL.Path
		if c.Request.URL.RawQuery != "" && c.Query("ticket") == "" {
			path = path + "?" + c.Request.URL.RawQuery
		}
		errorMessage := c.Errors.ByType(gin.ErrorTypePrivate).String()

		entry := log.WithFields(logrus.Fields{
			"status_code": statusCode,
			"latency_ms":  latency.Milliseconds(),
			"client_ip":   c.ClientIP(),
			"method":      c.Request.Method,
			"path":        path,
		})

		switch {
		case errorMessage != "":
			entry.Error(errorMessage)
		case statusCode >= 500:
			entry.Error("Server error")
		case statusCode >= 400:
			entry.Warn("Client error")
		default:
			entry.Info("Request handled")
		}
	}
}
