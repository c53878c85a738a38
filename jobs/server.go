package jobs

import (
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/richinsley/comfy2video/internal/pkg/config"
	"github.com/richinsley/comfy2video/internal/pkg/logger"
)

// NewServer builds the asynq server that drains the video queue.
func NewServer(cfg config.JobsConfig, log *logger.Logger) *asynq.Server {
	return asynq.NewServer(asynq.RedisClientOpt{Addr: cfg.RedisAddr}, asynq.Config{
		Concurrency: cfg.Concurrency,
		Logger:      asynqLogger{log.WithComponent("asynq")},
	})
}

// NewClient builds the asynq client used by Queue.
func NewClient(cfg config.JobsConfig) *asynq.Client {
	return asynq.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
}

// asynqLogger routes asynq's own logs through the service logger.
type asynqLogger struct {
	log *logger.Logger
}

func (l asynqLogger) Debug(args ...interface{}) { l.log.Debug(fmt.Sprint(args...)) }
func (l asynqLogger) Info(args ...interface{})  { l.log.Info(fmt.Sprint(args...)) }
func (l asynqLogger) Warn(args ...interface{})  { l.log.Warn(fmt.Sprint(args...)) }
func (l asynqLogger) Error(args ...interface{}) { l.log.Error(fmt.Sprint(args...)) }
func (l asynqLogger) Fatal(args ...interface{}) { l.log.LogFatal(fmt.Sprint(args...), nil) }
