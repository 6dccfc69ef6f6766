package config

import (
	"log"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	WebhookAddr string `env:"WEBHOOK_ADDR" envDefault:":8084"`
	PostgresDSN string `env:"POSTGRES_DSN,notEmpty"`

	RedisAddr     string `env:"REDIS_ADDR,notEmpty"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	// Actor platform credentials. ActorID selects the scraper actor all job
	// kinds run through; per-kind options go in the run input instead.
	ActorBaseURL  string `env:"ACTOR_BASE_URL,notEmpty"`
	ActorID       string `env:"ACTOR_ID,notEmpty"`
	ActorToken    string `env:"ACTOR_TOKEN,notEmpty"`
	WebhookSecret string `env:"WEBHOOK_SECRET,notEmpty"`
	// PublicWebhookURL is handed to the actor platform so its completion
	// callback reaches webhookd.
	PublicWebhookURL string `env:"PUBLIC_WEBHOOK_URL,notEmpty"`

	MaxAttempts    int           `env:"MAX_ATTEMPTS" envDefault:"5"`
	BackoffBase    time.Duration `env:"BACKOFF_BASE" envDefault:"1m"`
	BackoffCap     time.Duration `env:"BACKOFF_CAP" envDefault:"6h"`
	DispatchWait   time.Duration `env:"DISPATCH_WAIT" envDefault:"30m"`
	InFlightGrace  time.Duration `env:"IN_FLIGHT_GRACE" envDefault:"10m"`
	RequeueGrace   time.Duration `env:"REQUEUE_GRACE" envDefault:"2m"`
	CleanupHorizon time.Duration `env:"CLEANUP_HORIZON" envDefault:"720h"`

	WorkerConcurrency int           `env:"WORKER_CONCURRENCY" envDefault:"4"`
	WorkerPoll        time.Duration `env:"WORKER_POLL" envDefault:"1s"`
	WorkerBatch       int           `env:"WORKER_BATCH" envDefault:"50"`

	RetrySchedule   string `env:"RETRY_SCHEDULE" envDefault:"@every 5m"`
	SweepSchedule   string `env:"SWEEP_SCHEDULE" envDefault:"@every 1m"`
	CleanupSchedule string `env:"CLEANUP_SCHEDULE" envDefault:"10 3 * * *"`
}

func Load() Config {
	var c Config
	if err := env.Parse(&c); err != nil {
		log.Fatal(err)
	}
	return c
}
