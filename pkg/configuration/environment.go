package configuration

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/iota-uz/teamgraph/pkg/logging"
)

const Production = "production"

var singleton = sync.OnceValue(func() *Configuration {
	c := &Configuration{}
	if err := c.load([]string{".env", ".env.local"}); err != nil {
		c.Unload()
		panic(err)
	}
	return c
})

func LoadEnv(envFiles []string) (int, error) {
	existingFiles := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existingFiles = append(existingFiles, file)
		}
	}

	if len(existingFiles) == 0 {
		return 0, nil
	}

	return len(existingFiles), godotenv.Load(existingFiles...)
}

type DatabaseOptions struct {
	Opts     string `env:"-"`
	Name     string `env:"DB_NAME" envDefault:"teamgraph"`
	Host     string `env:"DB_HOST" envDefault:"localhost"`
	Port     string `env:"DB_PORT" envDefault:"5432"`
	User     string `env:"DB_USER" envDefault:"postgres"`
	Password string `env:"DB_PASSWORD" envDefault:"postgres"`
}

func (d *DatabaseOptions) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s dbname=%s password=%s sslmode=disable",
		d.Host, d.Port, d.User, d.Name, d.Password,
	)
}

type ProjectionOptions struct {
	// Store selects where the graph projection lives: memory or redis.
	Store string `env:"PROJECTION_STORE" envDefault:"memory"`
	// FreshnessBudget is how stale a projection may be before traversal
	// queries fall back to direct resolution.
	FreshnessBudget time.Duration `env:"PROJECTION_FRESHNESS_BUDGET" envDefault:"5m"`
	// RefreshTimeout bounds a single projection rebuild.
	RefreshTimeout time.Duration `env:"PROJECTION_REFRESH_TIMEOUT" envDefault:"30s"`
	RedisURL       string        `env:"PROJECTION_REDIS_URL" envDefault:"localhost:6379"`
	RedisKey       string        `env:"PROJECTION_REDIS_KEY" envDefault:"teamgraph:projection"`
}

func (p *ProjectionOptions) Validate() error {
	if p.Store != "memory" && p.Store != "redis" {
		return fmt.Errorf("projection Store must be 'memory' or 'redis', got '%s'", p.Store)
	}
	if p.FreshnessBudget <= 0 {
		return fmt.Errorf("projection FreshnessBudget must be positive, got %s", p.FreshnessBudget)
	}
	if p.RefreshTimeout <= 0 {
		return fmt.Errorf("projection RefreshTimeout must be positive, got %s", p.RefreshTimeout)
	}
	if p.Store == "redis" && p.RedisURL == "" {
		return fmt.Errorf("projection RedisURL is required when Store is 'redis'")
	}
	return nil
}

type Configuration struct {
	Database   DatabaseOptions
	Projection ProjectionOptions

	GoAppEnvironment string `env:"GO_APP_ENV" envDefault:"development"`
	LogLevel         string `env:"LOG_LEVEL" envDefault:"error"`
	LogPath          string `env:"LOG_PATH" envDefault:"./logs/app.log"`

	logFile *os.File
	logger  *logrus.Logger
}

func (c *Configuration) Logger() *logrus.Logger {
	return c.logger
}

func (c *Configuration) LogrusLogLevel() logrus.Level {
	switch c.LogLevel {
	case "silent":
		return logrus.PanicLevel
	case "error":
		return logrus.ErrorLevel
	case "warn":
		return logrus.WarnLevel
	case "info":
		return logrus.InfoLevel
	case "debug":
		return logrus.DebugLevel
	default:
		return logrus.ErrorLevel
	}
}

func Use() *Configuration {
	return singleton()
}

func (c *Configuration) load(envFiles []string) error {
	n, err := LoadEnv(envFiles)
	if err != nil {
		return err
	}
	if n == 0 {
		wd, _ := os.Getwd()
		log.Println("No .env files found. Tried:")
		for _, file := range envFiles {
			log.Println(filepath.Join(wd, file))
		}
	}
	if err := env.Parse(c); err != nil {
		return err
	}

	c.Projection.Store = strings.ToLower(strings.TrimSpace(c.Projection.Store))
	if err := c.Projection.Validate(); err != nil {
		return fmt.Errorf("projection configuration error: %w", err)
	}

	f, logger, err := logging.FileLogger(c.LogrusLogLevel(), c.LogPath)
	if err != nil {
		return err
	}
	c.logFile = f
	c.logger = logger

	c.Database.Opts = c.Database.ConnectionString()

	return nil
}

// Unload handles a graceful shutdown.
func (c *Configuration) Unload() {
	if c.logFile != nil {
		if err := c.logFile.Close(); err != nil {
			log.Printf("Failed to close log file: %v", err)
		}
	}
}
