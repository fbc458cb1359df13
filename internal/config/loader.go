package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path, overlays environment
// variables, and returns a validated [Config]. A missing file is not an error
// when path is empty; the configuration is then built from the environment
// alone.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		cfg, err = LoadFromReader(f)
		if err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	ApplyEnv(cfg)
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r. Useful in tests where configs
// are constructed from string literals. Environment overlays and validation
// are the caller's responsibility.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

// LoadDotenv loads a .env file into the process environment if one exists at
// any of the given paths. Existing variables are never overwritten. Returns
// the path that was loaded, or "" when none was found.
func LoadDotenv(paths ...string) string {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err == nil {
			return p
		}
	}
	return ""
}

// ApplyEnv overlays recognised environment variables onto cfg. Variables
// mirror the original deployment's tuning knobs; all are optional.
func ApplyEnv(cfg *Config) {
	if v := os.Getenv("API_BASE_URL"); v != "" {
		cfg.Agent.APIBaseURL = v
	}
	if v := os.Getenv("GUIDE_FILE"); v != "" {
		cfg.Agent.GuideFile = v
		if cfg.API.GuideFile == "" {
			cfg.API.GuideFile = v
		}
	}
	if v := os.Getenv("GROUP_TYPE"); v != "" {
		cfg.Agent.GroupType = v
	}
	if v := os.Getenv("SIGNALING_ADDR"); v != "" {
		cfg.Agent.SignalingAddr = v
	}
	if v := os.Getenv("TURN_TIMERS_ENABLED"); v != "" {
		on := strings.EqualFold(v, "true") || v == "1"
		cfg.Agent.TurnTimersEnabled = &on
	}

	applyEnvSeconds("SILENCE_PROMPT_SECONDS", &cfg.Agent.Timing.SilencePrompt)
	applyEnvSeconds("SILENCE_GRACE_SECONDS", &cfg.Agent.Timing.SilenceGrace)
	applyEnvSeconds("MAX_ANSWER_SECONDS", &cfg.Agent.Timing.MaxAnswer)
	applyEnvSeconds("WRAPUP_SECONDS", &cfg.Agent.Timing.Wrapup)
	applyEnvSeconds("END_OF_SPEECH_SILENCE", &cfg.Agent.Timing.EndOfSpeechSilence)

	if v := os.Getenv("LIVEKIT_URL"); v != "" {
		cfg.Room.URL = v
	}
	if v := os.Getenv("LIVEKIT_API_KEY"); v != "" {
		cfg.Room.APIKey = v
	}
	if v := os.Getenv("LIVEKIT_API_SECRET"); v != "" {
		cfg.Room.APISecret = v
	}

	if v := os.Getenv("DEEPGRAM_API_KEY"); v != "" {
		cfg.Providers.STT.APIKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.Providers.TTS.APIKey = v
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		cfg.API.PostgresDSN = v
	}
}

// applyEnvSeconds parses name as a float number of seconds into dst.
// Unparseable values are ignored.
func applyEnvSeconds(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs < 0 {
		return
	}
	*dst = time.Duration(secs * float64(time.Second))
}

// ValidateAgent checks that cfg contains everything the moderator agent needs
// to start. It returns a joined error listing all failures; any error is fatal
// at startup.
func ValidateAgent(cfg *Config) error {
	var errs []error

	if cfg.Agent.LogLevel != "" && !cfg.Agent.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("agent.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Agent.LogLevel))
	}
	if cfg.Agent.GuideFile == "" {
		errs = append(errs, errors.New("agent.guide_file is required (or set GUIDE_FILE)"))
	}
	if cfg.Agent.APIBaseURL == "" {
		errs = append(errs, errors.New("agent.api_base_url is required (or set API_BASE_URL)"))
	}
	if cfg.Room.URL == "" {
		errs = append(errs, errors.New("room.url is required (or set LIVEKIT_URL)"))
	}

	return errors.Join(errs...)
}

// ValidateAPI checks that cfg contains everything the control-plane service
// needs to start.
func ValidateAPI(cfg *Config) error {
	var errs []error

	if cfg.API.LogLevel != "" && !cfg.API.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("api.log_level %q is invalid; valid values: debug, info, warn, error", cfg.API.LogLevel))
	}
	if cfg.Room.APIKey == "" || cfg.Room.APISecret == "" {
		errs = append(errs, errors.New("room.api_key and room.api_secret are required (or set LIVEKIT_API_KEY / LIVEKIT_API_SECRET)"))
	}
	if cfg.Room.URL == "" {
		errs = append(errs, errors.New("room.url is required (or set LIVEKIT_URL)"))
	}

	return errors.Join(errs...)
}
