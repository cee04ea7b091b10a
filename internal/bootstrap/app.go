package bootstrap

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"constructbot/internal/ai"
	appsvc "constructbot/internal/app"
	"constructbot/internal/cache"
	"constructbot/internal/config"
	"constructbot/internal/glossary"
	"constructbot/internal/model"
	mysqlClient "constructbot/internal/platform/mysql"
	rabbitmqClient "constructbot/internal/platform/rabbitmq"
	redisClient "constructbot/internal/platform/redis"
	"constructbot/internal/repository"
	"constructbot/internal/worker"
)

type App struct {
	Config        *config.Config
	MySQL         *gorm.DB
	Redis         *redis.Client
	MQConn        *amqp.Connection
	Glossary      *glossary.Book
	UserRepo      *repository.UserRepository
	ChatService   *appsvc.ChatService
	MessageWorker *worker.MessagePersistWorker

	StartedAt time.Time
}

// New wires every dependency. Any failure here is fatal: the process
// must not start serving with a partial stack.
func New(ctx context.Context) (*App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}

	book, err := glossary.Load(cfg.Glossary.Path)
	if err != nil {
		return nil, fmt.Errorf("load glossary failed: %w", err)
	}

	mysqlDB, err := mysqlClient.New(ctx, cfg.MySQLDSN())
	if err != nil {
		return nil, err
	}
	if err := mysqlDB.AutoMigrate(&model.User{}, &model.Session{}, &model.Message{}); err != nil {
		return nil, fmt.Errorf("auto migrate tables failed: %w", err)
	}

	redisCli, err := redisClient.New(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		return nil, err
	}

	mqConn, err := rabbitmqClient.New(cfg.RabbitMQ.URL)
	if err != nil {
		return nil, err
	}

	userRepo := repository.NewUserRepository(mysqlDB)
	sessionRepo := repository.NewSessionRepository(mysqlDB)
	messageRepo := repository.NewMessageRepository(mysqlDB)

	messageWorker := worker.NewMessagePersistWorker(mqConn, messageRepo, cfg.RabbitMQ.MessagePersistQueue)
	if err := messageWorker.Start(ctx); err != nil {
		return nil, fmt.Errorf("start message worker failed: %w", err)
	}

	publisher := rabbitmqClient.NewMessagePublisher(mqConn, cfg.RabbitMQ.MessagePersistQueue)
	historyCache := cache.NewHistoryCache(
		redisCli,
		time.Duration(cfg.Redis.HistoryTTLSeconds)*time.Second,
		time.Duration(cfg.Redis.HistoryDirtyTTLSeconds)*time.Second,
	)
	llmClient := ai.NewOpenAICompatibleClient(ai.ChatConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.Model,
	})

	chatService := appsvc.NewChatService(
		sessionRepo,
		messageRepo,
		publisher,
		historyCache,
		book,
		llmClient,
		llmClient,
		cfg.LLM.MaxContextMessage,
	)

	return &App{
		Config:        cfg,
		MySQL:         mysqlDB,
		Redis:         redisCli,
		MQConn:        mqConn,
		Glossary:      book,
		UserRepo:      userRepo,
		ChatService:   chatService,
		MessageWorker: messageWorker,
		StartedAt:     time.Now(),
	}, nil
}

func (a *App) Close() error {
	var closeErr error
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MessageWorker != nil {
		a.MessageWorker.Close()
	}
	if a.MQConn != nil {
		if err := a.MQConn.Close(); err != nil {
			closeErr = err
		}
	}
	if a.Glossary != nil {
		if err := a.Glossary.Close(); err != nil {
			closeErr = err
		}
	}
	if a.MySQL != nil {
		sqlDB, err := a.MySQL.DB()
		if err == nil {
			if err := sqlDB.Close(); err != nil {
				closeErr = err
			}
		}
	}
	return closeErr
}
