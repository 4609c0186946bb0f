// Package config loads go-dynprot settings from the environment.
//
// Values come from process environment variables, optionally seeded from
// .env.local and .env files in the working directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Defaults.
const (
	DefaultAPIURL          = "http://localhost:5001/api"
	DefaultLocale          = "fr-FR"
	DefaultAutoSubmitDelay = 500 * time.Millisecond
	DefaultHistoryLimit    = 20
	DefaultPort            = "8080"
	DefaultPlayer          = "ffplay -nodisp -autoexit -loglevel quiet"
	DefaultLogLevel        = "info"
)

// Config is the process configuration.
type Config struct {
	// Backend
	APIURL string
	Token  string
	UserID string

	// Session
	Locale          string
	VoiceEnabled    bool
	AutoSubmitDelay time.Duration
	HistoryLimit    int

	// Playback
	AudioDir string
	Player   []string

	// Optional providers
	DeepgramAPIKey  string
	GoogleTTSAPIKey string
	OpenAIAPIKey    string

	// Process
	LogLevel string
	Port     string
}

// LoadDotEnv loads .env.local and .env if present. Variables already set in
// the environment win. Set DYNPROT_DOTENV=off to skip.
func LoadDotEnv() error {
	if !Bool("DYNPROT_DOTENV", true) {
		return nil
	}
	for _, p := range []string{".env.local", ".env"} {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	delay, err := Duration("DYNPROT_AUTOSUBMIT_DELAY", DefaultAutoSubmitDelay)
	if err != nil {
		return nil, err
	}
	limit, err := Int("DYNPROT_HISTORY_LIMIT", DefaultHistoryLimit)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		APIURL:          strings.TrimRight(String("DYNPROT_API_URL", DefaultAPIURL), "/"),
		Token:           os.Getenv("DYNPROT_TOKEN"),
		UserID:          os.Getenv("DYNPROT_USER_ID"),
		Locale:          String("DYNPROT_LOCALE", DefaultLocale),
		VoiceEnabled:    Bool("DYNPROT_VOICE", true),
		AutoSubmitDelay: delay,
		HistoryLimit:    limit,
		AudioDir:        String("DYNPROT_AUDIO_DIR", os.TempDir()),
		Player:          strings.Fields(String("DYNPROT_PLAYER", DefaultPlayer)),
		DeepgramAPIKey:  os.Getenv("DEEPGRAM_API_KEY"),
		GoogleTTSAPIKey: os.Getenv("GOOGLE_TTS_API_KEY"),
		OpenAIAPIKey:    os.Getenv("OPENAI_API_KEY"),
		LogLevel:        String("LOG_LEVEL", DefaultLogLevel),
		Port:            String("PORT", DefaultPort),
	}
	return cfg, cfg.Validate()
}

// Validate checks that required settings are present.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return errors.New("config: DYNPROT_USER_ID is required")
	}
	if c.APIURL == "" {
		return errors.New("config: DYNPROT_API_URL is empty")
	}
	if len(c.Player) == 0 {
		return errors.New("config: DYNPROT_PLAYER is empty")
	}
	return nil
}

// String returns the env var or def when unset.
func String(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// Bool parses a boolean env var. "0", "false", "off" and "no" are false.
func Bool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "0", "false", "off", "no":
		return false
	default:
		return true
	}
}

// Int parses an integer env var.
func Int(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return n, nil
}

// Duration parses a time.Duration env var (e.g. "500ms").
func Duration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("config: %s: %w", key, err)
	}
	return d, nil
}
