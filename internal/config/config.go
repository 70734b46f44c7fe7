package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	MongoDB  MongoDBConfig
	Redis    RedisConfig
	RabbitMQ RabbitMQConfig
	Consul   ConsulConfig
	Auth     AuthConfig
	Live     LiveConfig
}

type ServerConfig struct {
	Host           string
	Port           string
	ServiceName    string
	ServiceID      string
	ServiceAddress string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	AllowedOrigins []string
	LogDir         string
}

type MongoDBConfig struct {
	URI      string
	Database string
	PoolSize uint64
	Timeout  time.Duration
}

type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

type RabbitMQConfig struct {
	URI      string
	Exchange string
}

type ConsulConfig struct {
	Address string
}

type AuthConfig struct {
	JWTSecret string
}

// LiveConfig tunes the session engine.
type LiveConfig struct {
	CoalesceWindow   time.Duration
	RetryBackoff     time.Duration
	Countdown        time.Duration
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	FlushOnLeave     bool
}

// Load reads a .env file when present and then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system env")
	}

	serviceName := getEnv("LIVE_QUIZ_SERVICE_NAME", "live-quiz-service")

	return &Config{
		Server: ServerConfig{
			Host:           getEnv("HOST", "0.0.0.0"),
			Port:           getEnv("PORT", "6667"),
			ServiceName:    serviceName,
			ServiceID:      serviceName + "-" + getEnv("LIVE_QUIZ_HOSTNAME", "1"),
			ServiceAddress: getEnv("LIVE_QUIZ_SERVICE_ADDRESS", "live-quiz-service"),
			ReadTimeout:    getDuration("READ_TIMEOUT", 10*time.Second),
			WriteTimeout:   getDuration("WRITE_TIMEOUT", 0),
			AllowedOrigins: getList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
			LogDir:         getEnv("LOG_DIR", ""),
		},
		MongoDB: MongoDBConfig{
			URI:      getEnv("MONGO_URI", ""),
			Database: getEnv("LIVE_QUIZ_MONGO_DB", "live_quiz_service"),
			PoolSize: uint64(getInt("MONGO_POOL_SIZE", 100)),
			Timeout:  getDuration("MONGO_TIMEOUT", 10*time.Second),
		},
		Redis: RedisConfig{
			Address:  getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PWD", ""),
			DB:       getInt("REDIS_DB", 0),
		},
		RabbitMQ: RabbitMQConfig{
			URI:      getEnv("RABBITMQ_URI", ""),
			Exchange: getEnv("RABBITMQ_EXCHANGE", "live-quiz.events"),
		},
		Consul: ConsulConfig{
			Address: getEnv("CONSUL_ADDRESS", ""),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", ""),
		},
		Live: LiveConfig{
			CoalesceWindow:   getMillis("COALESCE_WINDOW_MS", 500*time.Millisecond),
			RetryBackoff:     getMillis("RETRY_BACKOFF_MS", 200*time.Millisecond),
			Countdown:        getDuration("COUNTDOWN", 5*time.Second),
			HeartbeatTimeout: getDuration("HEARTBEAT_TIMEOUT", 30*time.Second),
			SweepInterval:    getDuration("PRESENCE_SWEEP_INTERVAL", 10*time.Second),
			FlushOnLeave:     getBool("FLUSH_ON_LEAVE", false),
		},
	}
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("Invalid integer for %s: %q, using %d", key, raw, fallback)
		return fallback
	}
	return v
}

func getBool(key string, fallback bool) bool {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("Invalid boolean for %s: %q, using %v", key, raw, fallback)
		return fallback
	}
	return v
}

// getDuration accepts Go duration strings such as "5s" or "1m30s".
func getDuration(key string, fallback time.Duration) time.Duration {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("Invalid duration for %s: %q, using %s", key, raw, fallback)
		return fallback
	}
	return v
}

func getMillis(key string, fallback time.Duration) time.Duration {
	ms := getInt(key, -1)
	if ms < 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}

func getList(key string, fallback []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
