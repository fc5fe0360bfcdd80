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

// Config captures environment driven configuration values for the attendance daemon.
type Config struct {
	HTTPAddr  string
	SQLiteDSN string

	BackendURL     string
	BackendAPIKey  string
	BackendTimeout time.Duration
	EventLogDSN    string

	TokenMasterSecret string
	TokenPeriod       time.Duration
	MaxAgeSlots       int64

	DebounceWindow     time.Duration
	BackgroundLocation bool

	PINTTL            time.Duration
	ScanCooldown      time.Duration
	RateWindow        time.Duration
	MaxScansPerWindow int
	RateLimitPause    time.Duration
	TokenDedup        time.Duration
	UserCooldown      time.Duration
	ResumeDelay       time.Duration
	BannerTTL         time.Duration

	LogRingSize int
}

const envPrefix = "ATTENDANCE_"

// Load parses configuration values from the current process environment.
//
// A .env file (or the file named by ATTENDANCE_ENV_FILE) is read first when
// present; variables already set in the environment win. Optional values fall
// back to defaults while missing and malformed entries are reported together.
func Load() (Config, error) {
	if err := loadDotEnv(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr:           "127.0.0.1:8787",
		SQLiteDSN:          "file:attendance.db",
		BackendTimeout:     10 * time.Second,
		TokenPeriod:        45 * time.Second,
		MaxAgeSlots:        2,
		DebounceWindow:     30 * time.Second,
		BackgroundLocation: true,
		PINTTL:             20 * time.Minute,
		ScanCooldown:       800 * time.Millisecond,
		RateWindow:         60 * time.Second,
		MaxScansPerWindow:  8,
		RateLimitPause:     15 * time.Second,
		TokenDedup:         3 * time.Second,
		UserCooldown:       60 * time.Second,
		ResumeDelay:        1500 * time.Millisecond,
		BannerTTL:          4 * time.Second,
		LogRingSize:        200,
	}

	p := &parser{}

	if addr := p.value("HTTP_ADDR"); addr != "" {
		cfg.HTTPAddr = addr
	}
	if dsn := p.value("SQLITE_DSN"); dsn != "" {
		cfg.SQLiteDSN = dsn
	}
	cfg.BackendURL = p.required("BACKEND_URL")
	cfg.BackendAPIKey = p.value("BACKEND_API_KEY")
	cfg.EventLogDSN = p.value("EVENT_LOG_DSN")
	cfg.TokenMasterSecret = p.required("TOKEN_MASTER_SECRET")

	p.duration("BACKEND_TIMEOUT", &cfg.BackendTimeout, true)
	p.duration("TOKEN_PERIOD", &cfg.TokenPeriod, true)
	p.duration("DEBOUNCE_WINDOW", &cfg.DebounceWindow, true)
	p.duration("PIN_TTL", &cfg.PINTTL, true)
	p.duration("SCAN_COOLDOWN", &cfg.ScanCooldown, false)
	p.duration("RATE_WINDOW", &cfg.RateWindow, true)
	p.duration("RATE_LIMIT_PAUSE", &cfg.RateLimitPause, true)
	p.duration("TOKEN_DEDUP", &cfg.TokenDedup, false)
	p.duration("USER_COOLDOWN", &cfg.UserCooldown, false)
	p.duration("RESUME_DELAY", &cfg.ResumeDelay, false)
	p.duration("BANNER_TTL", &cfg.BannerTTL, true)

	if raw := p.value("MAX_AGE_SLOTS"); raw != "" {
		slots, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || slots <= 0 {
			p.invalid = append(p.invalid, envPrefix+"MAX_AGE_SLOTS")
		} else {
			cfg.MaxAgeSlots = slots
		}
	}
	p.positiveInt("MAX_SCANS_PER_WINDOW", &cfg.MaxScansPerWindow)
	p.positiveInt("LOG_RING_SIZE", &cfg.LogRingSize)

	switch strings.ToLower(p.value("BACKGROUND_LOCATION")) {
	case "", "granted":
	case "denied":
		cfg.BackgroundLocation = false
	default:
		p.invalid = append(p.invalid, envPrefix+"BACKGROUND_LOCATION")
	}

	if len(p.missing) > 0 {
		return Config{}, fmt.Errorf("必須の環境変数が設定されていません: %s", strings.Join(p.missing, ", "))
	}
	if len(p.invalid) > 0 {
		return Config{}, fmt.Errorf("環境変数の値が不正です: %s", strings.Join(p.invalid, ", "))
	}

	return cfg, nil
}

func loadDotEnv() error {
	path := strings.TrimSpace(os.Getenv(envPrefix + "ENV_FILE"))
	explicit := path != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("環境ファイルを読み込めません: %s: %w", path, err)
	}
	return nil
}

type parser struct {
	missing []string
	invalid []string
}

func (p *parser) value(key string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + key))
}

func (p *parser) required(key string) string {
	v := p.value(key)
	if v == "" {
		p.missing = append(p.missing, envPrefix+key)
	}
	return v
}

func (p *parser) duration(key string, dst *time.Duration, positive bool) {
	raw := p.value(key)
	if raw == "" {
		return
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 || (positive && d == 0) {
		p.invalid = append(p.invalid, envPrefix+key)
		return
	}
	*dst = d
}

func (p *parser) positiveInt(key string, dst *int) {
	raw := p.value(key)
	if raw == "" {
		return
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		p.invalid = append(p.invalid, envPrefix+key)
		return
	}
	*dst = n
}
