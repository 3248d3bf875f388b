package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ruchi-nb/full-matata-sub000/internal/platform/errors"
	"github.com/ruchi-nb/full-matata-sub000/internal/platform/logging"
)

// Config is the full server configuration. Values come from defaults, then an
// optional YAML file, then environment variables (highest precedence).
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      logging.Config `yaml:"log"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
	Sarvam   SarvamConfig   `yaml:"sarvam"`
	OpenAI   OpenAIConfig   `yaml:"openai"`
	TTS      TTSConfig      `yaml:"tts"`
	RAG      RAGConfig      `yaml:"rag"`
	Store    StoreConfig    `yaml:"store"`
	Pipeline PipelineConfig `yaml:"pipeline"`
}

type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	WSPath       string        `yaml:"ws_path"`
	StaleTimeout time.Duration `yaml:"stale_timeout"`
}

func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type DeepgramConfig struct {
	APIKey         string `yaml:"api_key"`
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	UtteranceEndMS int    `yaml:"utterance_end_ms"`
}

type SarvamConfig struct {
	APIKey       string `yaml:"api_key"`
	Endpoint     string `yaml:"endpoint"`
	Model        string `yaml:"model"`
	TranslateURL string `yaml:"translate_url"`
}

type OpenAIConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float32 `yaml:"temperature"`
	TopP        float32 `yaml:"top_p"`
}

type TTSConfig struct {
	Enabled bool   `yaml:"enabled"`
	Voice   string `yaml:"voice"`
	Format  string `yaml:"format"`
}

type RAGConfig struct {
	ServiceURL string        `yaml:"service_url"`
	RedisAddr  string        `yaml:"redis_addr"`
	RedisDB    int           `yaml:"redis_db"`
	CacheTTL   time.Duration `yaml:"cache_ttl"`
}

type StoreConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	QueueSize  int    `yaml:"queue_size"`
}

// PipelineConfig holds every tunable of the finalize/respond pipeline.
type PipelineConfig struct {
	Debounce           time.Duration `yaml:"debounce"`
	IdleFinalize       time.Duration `yaml:"idle_finalize"`
	EndSpeechDebounce  time.Duration `yaml:"end_speech_debounce"`
	DedupWindow        time.Duration `yaml:"dedup_window"`
	TranslateTimeout   time.Duration `yaml:"translate_timeout"`
	AudioBufferCap     int           `yaml:"audio_buffer_cap"`
	MinTranscribeBytes int           `yaml:"min_transcribe_bytes"`
	GrowthThreshold    int           `yaml:"growth_threshold"`
	GrowthInterval     time.Duration `yaml:"growth_interval"`
	FirstChunkWords    int           `yaml:"first_chunk_words"`
	MinSentenceRunes   int           `yaml:"min_sentence_runes"`
	MergeOverlapRatio  float64       `yaml:"merge_overlap_ratio"`
	HistoryLimit       int           `yaml:"history_limit"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			WSPath:       "/ws/consultation",
			StaleTimeout: 5 * time.Minute,
		},
		Log: logging.Config{
			Level:    "info",
			Dir:      "logs",
			Filename: "server.log",
		},
		Deepgram: DeepgramConfig{
			Endpoint:       "wss://api.deepgram.com/v1/listen",
			Model:          "nova-2",
			UtteranceEndMS: 1000,
		},
		Sarvam: SarvamConfig{
			Endpoint:     "https://api.sarvam.ai/speech-to-text",
			Model:        "saarika:v2",
			TranslateURL: "https://api.sarvam.ai/translate",
		},
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			MaxTokens:   500,
			Temperature: 0.7,
			TopP:        1.0,
		},
		TTS: TTSConfig{
			Enabled: false,
			Voice:   "en-IN-NeerjaNeural",
			Format:  "mp3",
		},
		RAG: RAGConfig{
			CacheTTL: 10 * time.Minute,
		},
		Store: StoreConfig{
			SQLitePath: "data/consultations.db",
			QueueSize:  256,
		},
		Pipeline: PipelineConfig{
			Debounce:           250 * time.Millisecond,
			IdleFinalize:       800 * time.Millisecond,
			EndSpeechDebounce:  400 * time.Millisecond,
			DedupWindow:        3 * time.Second,
			TranslateTimeout:   3 * time.Second,
			AudioBufferCap:     1 << 20,
			MinTranscribeBytes: 2048,
			GrowthThreshold:    4096,
			GrowthInterval:     1 * time.Second,
			FirstChunkWords:    5,
			MinSentenceRunes:   10,
			MergeOverlapRatio:  0.60,
			HistoryLimit:       20,
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the
// environment. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(errors.KindConfig, "load", "parse config file", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrap(errors.KindConfig, "load", "read config file", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	setString(&c.Server.Host, "SERVER_HOST")
	setInt(&c.Server.Port, "SERVER_PORT")
	setString(&c.Server.WSPath, "SERVER_WS_PATH")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.Dir, "LOG_DIR")
	setString(&c.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	setString(&c.Deepgram.Endpoint, "DEEPGRAM_ENDPOINT")
	setString(&c.Deepgram.Model, "DEEPGRAM_MODEL")
	setString(&c.Sarvam.APIKey, "SARVAM_API_KEY")
	setString(&c.Sarvam.Endpoint, "SARVAM_STT_ENDPOINT")
	setString(&c.Sarvam.TranslateURL, "SARVAM_TRANSLATE_URL")
	setString(&c.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&c.OpenAI.BaseURL, "OPENAI_BASE_URL")
	setString(&c.OpenAI.Model, "OPENAI_MODEL")
	setInt(&c.OpenAI.MaxTokens, "OPENAI_MAX_TOKENS")
	setBool(&c.TTS.Enabled, "TTS_ENABLED")
	setString(&c.TTS.Voice, "TTS_VOICE")
	setString(&c.RAG.ServiceURL, "RAG_SERVICE_URL")
	setString(&c.RAG.RedisAddr, "REDIS_ADDR")
	setInt(&c.RAG.RedisDB, "REDIS_DB")
	setString(&c.Store.SQLitePath, "SQLITE_PATH")
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New(errors.KindConfig, "validate", fmt.Sprintf("invalid server port %d", c.Server.Port))
	}
	if c.Pipeline.AudioBufferCap < c.Pipeline.MinTranscribeBytes {
		return errors.New(errors.KindConfig, "validate", "audio buffer cap below minimum transcription size")
	}
	if c.Pipeline.MergeOverlapRatio <= 0 || c.Pipeline.MergeOverlapRatio > 1 {
		return errors.New(errors.KindConfig, "validate", "merge overlap ratio must be in (0,1]")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}
