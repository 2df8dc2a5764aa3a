package events

import (
	"context"
	"errors"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/billable/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(
		NewOutbox,
		NewDispatcher,
		newSink,
	),
)

type sinkParams struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Redis *redis.Client `optional:"true"`
}

func newSink(p sinkParams) (Sink, error) {
	switch p.Cfg.EventsSink {
	case config.EventsSinkSQS:
		if p.Cfg.SQSQueueURL == "" {
			return nil, errors.New("SQS_QUEUE_URL is required for the sqs events sink")
		}
		opts := []func(*awsconfig.LoadOptions) error{}
		if p.Cfg.AWSRegion != "" {
			opts = append(opts, awsconfig.WithRegion(p.Cfg.AWSRegion))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
		if err != nil {
			return nil, err
		}
		return NewSQSSink(sqs.NewFromConfig(awsCfg), p.Cfg.SQSQueueURL), nil
	case config.EventsSinkRedis:
		if p.Redis == nil {
			return nil, errors.New("redis client is required for the redis events sink")
		}
		return NewRedisStreamSink(p.Redis, p.Cfg.RedisEventStream), nil
	default:
		return NewLogSink(p.Log), nil
	}
}
