package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"castreceiver/internal/decoder"
	"castreceiver/internal/recorder"
)

// Config holds all application configuration
type Config struct {
	// Identity announced to senders in discovery responses
	DeviceName string

	// Listen addresses
	DiscoveryAddr string
	CastAddr      string
	HTTPAddr      string // empty disables the status API
	RTMPAddr      string // empty disables RTMP ingest

	// Pipeline
	QueueCapacity        int
	QueuePopTimeout      time.Duration
	DecoderInputTimeout  time.Duration
	DecoderOutputTimeout time.Duration
	CastIdleTimeout      time.Duration
	DecoderCommand       string // "" (DECODER_COMMAND=none) discards, "-" writes to stdout

	// Parameters used before a sender announces its own (and for RTMP)
	DefaultWidth  int
	DefaultHeight int
	DefaultFPS    int

	// Recording
	RecordEnabled         bool
	RecordSegmentDuration time.Duration
	RecordMaxSegments     int
	RecordFormat          string // "h264" or "fmp4"

	// Storage
	StorageType   string // "local" or "gcs"
	StorageDir    string
	GCSProjectID  string
	GCSBucketName string
	GCSBaseDir    string

	// MQTT status emitter, disabled when MQTTBroker is empty
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
}

// Load reads configuration from a .env file (if present) and environment variables,
// with defaults for everything. Environment variables take precedence over .env values.
func Load() *Config {
	// godotenv.Load does not overwrite existing env vars
	_ = godotenv.Load()

	deviceName := getEnv("DEVICE_NAME", defaultDeviceName())

	return &Config{
		DeviceName:            deviceName,
		DiscoveryAddr:         getEnv("DISCOVERY_ADDR", ":8889"),
		CastAddr:              getEnv("CAST_ADDR", ":8888"),
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		RTMPAddr:              os.Getenv("RTMP_ADDR"),
		QueueCapacity:         getIntEnv("QUEUE_CAPACITY", 5),
		QueuePopTimeout:       getDurationEnv("QUEUE_POP_TIMEOUT", 100*time.Millisecond),
		DecoderInputTimeout:   getDurationEnv("DECODER_INPUT_TIMEOUT", 10*time.Millisecond),
		DecoderOutputTimeout:  getDurationEnv("DECODER_OUTPUT_TIMEOUT", 10*time.Millisecond),
		CastIdleTimeout:       getDurationEnv("CAST_IDLE_TIMEOUT", 30*time.Second),
		DecoderCommand:        decoderCommand(getEnv("DECODER_COMMAND", decoder.DefaultPlayerCommand)),
		DefaultWidth:          getIntEnv("DEFAULT_WIDTH", 1920),
		DefaultHeight:         getIntEnv("DEFAULT_HEIGHT", 1080),
		DefaultFPS:            getIntEnv("DEFAULT_FPS", 30),
		RecordEnabled:         getBoolEnv("RECORD_ENABLED", false),
		RecordSegmentDuration: getDurationEnv("RECORD_SEGMENT_DURATION", 2*time.Second),
		RecordMaxSegments:     getIntEnv("RECORD_MAX_SEGMENTS", 10),
		RecordFormat:          strings.ToLower(getEnv("RECORD_FORMAT", recorder.FormatH264)),
		StorageType:           getEnv("STORAGE_TYPE", "local"),
		StorageDir:            getEnv("STORAGE_DIR", "./data/recordings"),
		GCSProjectID:          os.Getenv("GCS_PROJECT_ID"),
		GCSBucketName:         os.Getenv("GCS_BUCKET_NAME"),
		GCSBaseDir:            getEnv("GCS_BASE_DIR", "recordings"),
		MQTTBroker:            os.Getenv("MQTT_BROKER"),
		MQTTTopic:             getEnv("MQTT_TOPIC", "castreceiver/"+topicSegment(deviceName)+"/state"),
		MQTTClientID:          getEnv("MQTT_CLIENT_ID", "castreceiver-"+topicSegment(deviceName)),
	}
}

// Validate checks values that have no sensible fallback
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DeviceName) == "" {
		return fmt.Errorf("DEVICE_NAME must not be empty")
	}
	if c.CastAddr == "" || c.DiscoveryAddr == "" {
		return fmt.Errorf("CAST_ADDR and DISCOVERY_ADDR must be set")
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("QUEUE_CAPACITY must be positive, got %d", c.QueueCapacity)
	}
	if c.DefaultWidth <= 0 || c.DefaultHeight <= 0 || c.DefaultFPS <= 0 {
		return fmt.Errorf("default video parameters must be positive, got %dx%d@%d",
			c.DefaultWidth, c.DefaultHeight, c.DefaultFPS)
	}
	if c.RecordFormat != "" && !recorder.ValidFormat(c.RecordFormat) {
		return fmt.Errorf("RECORD_FORMAT must be %q or %q, got %q", recorder.FormatH264, recorder.FormatFMP4, c.RecordFormat)
	}
	if c.RecordEnabled && c.StorageType == "gcs" && (c.GCSProjectID == "" || c.GCSBucketName == "") {
		return fmt.Errorf("GCS_PROJECT_ID and GCS_BUCKET_NAME must be set when STORAGE_TYPE=gcs")
	}
	return nil
}

// Helper functions to get environment variables with defaults

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func decoderCommand(value string) string {
	if strings.EqualFold(value, "none") {
		return ""
	}
	return value
}

// defaultDeviceName uses the host name, as a TV would show its own name
func defaultDeviceName() string {
	if name, err := os.Hostname(); err == nil && name != "" {
		return name
	}
	return "castreceiver"
}

// topicSegment makes a name safe for use inside an MQTT topic or client ID
func topicSegment(name string) string {
	s := strings.Map(func(r rune) rune {
		switch r {
		case '/', '+', '#', ' ':
			return '-'
		}
		return r
	}, strings.ToLower(name))
	if s == "" {
		return "receiver"
	}
	return s
}
