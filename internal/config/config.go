package config

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/you/nokwatch/internal/core"
)

type Config struct {
	Channels     []string
	ChannelsFile string
	OutDir       string

	PollInterval  time.Duration
	StatusTimeout time.Duration
	StatusRetries int
	IdleTimeout   time.Duration

	Reconnect ReconnectConfig
	HTTP      HTTPConfig

	SQLitePath     string
	PostProcessCmd string
}

type ReconnectConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
}

type HTTPConfig struct {
	Addr      string
	RateRPS   int
	RateBurst int
}

const (
	defaultOutDir        = "collections"
	defaultPollSec       = 60
	defaultStatusSec     = 30
	defaultStatusRetries = 3
	defaultIdleSec       = 120
	defaultInitialMS     = 1000
	defaultMaxBackoffSec = 60
	defaultRateRPS       = 10
	defaultRateBurst     = 20
)

func Load() Config {
	cfg := Config{}

	cfg.Channels = splitList(os.Getenv("NOKWATCH_CHANNELS"))
	cfg.ChannelsFile = strings.TrimSpace(os.Getenv("NOKWATCH_CHANNELS_FILE"))

	cfg.OutDir = strings.TrimSpace(os.Getenv("NOKWATCH_OUT_DIR"))
	if cfg.OutDir == "" {
		cfg.OutDir = defaultOutDir
	}

	cfg.PollInterval = time.Duration(readInt("NOKWATCH_POLL_INTERVAL_SEC", defaultPollSec)) * time.Second
	cfg.StatusTimeout = time.Duration(readInt("NOKWATCH_STATUS_TIMEOUT_SEC", defaultStatusSec)) * time.Second
	cfg.StatusRetries = readInt("NOKWATCH_STATUS_RETRIES", defaultStatusRetries)
	cfg.IdleTimeout = time.Duration(readInt("NOKWATCH_IDLE_TIMEOUT_SEC", defaultIdleSec)) * time.Second

	cfg.Reconnect.InitialBackoff = time.Duration(readInt("NOKWATCH_RECONNECT_INITIAL_MS", defaultInitialMS)) * time.Millisecond
	cfg.Reconnect.MaxBackoff = time.Duration(readInt("NOKWATCH_RECONNECT_MAX_SEC", defaultMaxBackoffSec)) * time.Second
	cfg.Reconnect.MaxAttempts = readIntMin0("NOKWATCH_RECONNECT_MAX_ATTEMPTS", 0)

	cfg.HTTP.Addr = strings.TrimSpace(os.Getenv("NOKWATCH_HTTP_ADDR"))
	cfg.HTTP.RateRPS = readInt("NOKWATCH_HTTP_RATE_RPS", defaultRateRPS)
	cfg.HTTP.RateBurst = readInt("NOKWATCH_HTTP_RATE_BURST", defaultRateBurst)

	cfg.SQLitePath = strings.TrimSpace(os.Getenv("NOKWATCH_SQLITE_PATH"))
	cfg.PostProcessCmd = strings.TrimSpace(os.Getenv("NOKWATCH_POSTPROCESS_CMD"))

	return cfg
}

// LoadChannels merges the inline channel list with the channels file, if
// configured. Inline entries have no display name.
func (c Config) LoadChannels() ([]core.Channel, error) {
	var out []core.Channel
	seen := make(map[string]struct{})
	add := func(ch core.Channel) {
		if _, ok := seen[ch.ID]; ok {
			return
		}
		seen[ch.ID] = struct{}{}
		out = append(out, ch)
	}

	for _, id := range c.Channels {
		add(core.Channel{ID: id})
	}
	if c.ChannelsFile != "" {
		fromFile, err := LoadChannelsFile(c.ChannelsFile)
		if err != nil {
			return nil, err
		}
		for _, ch := range fromFile {
			add(ch)
		}
	}
	return out, nil
}

// LoadChannelsFile parses a channels file: one channel id per line, blank
// lines and full-line comments skipped, a trailing `# name` comment taken as
// the channel's display name.
func LoadChannelsFile(path string) ([]core.Channel, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open channels file: %w", err)
	}
	defer f.Close()

	var out []core.Channel
	seen := make(map[string]struct{})
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, name := line, ""
		if i := strings.Index(line, "#"); i >= 0 {
			id = strings.TrimSpace(line[:i])
			name = strings.TrimSpace(line[i+1:])
		}
		// YAML-style list markers from hand-written files.
		id = strings.TrimSpace(strings.TrimPrefix(id, "-"))
		id = strings.Trim(id, `"'`)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, core.Channel{ID: id, Name: name})
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	return out, nil
}

func splitList(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', ' ', '\t', '\n':
			return true
		}
		return false
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func readInt(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}

func readIntMin0(name string, def int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	if n < 0 {
		return def
	}
	return n
}

type Summary struct {
	Channels       int    `json:"channels"`
	ChannelsFile   string `json:"channels_file,omitempty"`
	OutDir         string `json:"out_dir"`
	PollSec        int    `json:"poll_sec"`
	StatusSec      int    `json:"status_sec"`
	StatusRetries  int    `json:"status_retries"`
	IdleSec        int    `json:"idle_sec"`
	ReconnectMax   int    `json:"reconnect_max_attempts"`
	HTTPAddr       string `json:"http_addr,omitempty"`
	SQLitePath     string `json:"sqlite_path,omitempty"`
	PostProcessCmd string `json:"postprocess_cmd,omitempty"`
}

func (c Config) Summary() Summary {
	return Summary{
		Channels:       len(c.Channels),
		ChannelsFile:   c.ChannelsFile,
		OutDir:         c.OutDir,
		PollSec:        int(c.PollInterval / time.Second),
		StatusSec:      int(c.StatusTimeout / time.Second),
		StatusRetries:  c.StatusRetries,
		IdleSec:        int(c.IdleTimeout / time.Second),
		ReconnectMax:   c.Reconnect.MaxAttempts,
		HTTPAddr:       c.HTTP.Addr,
		SQLitePath:     c.SQLitePath,
		PostProcessCmd: c.PostProcessCmd,
	}
}

func (c Config) SummaryJSON() []byte {
	summary := struct {
		Config Summary `json:"config_summary"`
	}{Config: c.Summary()}
	data, _ := json.Marshal(summary)
	return data
}
