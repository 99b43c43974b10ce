package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	LogLevel  string          `json:"log_level" yaml:"log_level"`
	Ingest    IngestConfig    `json:"ingest" yaml:"ingest"`
	Gate      GateConfig      `json:"gate" yaml:"gate"`
	Admission AdmissionConfig `json:"admission" yaml:"admission"`
	Ensemble  EnsembleConfig  `json:"ensemble" yaml:"ensemble"`
	Profiler  ProfilerConfig  `json:"profiler" yaml:"profiler"`
	Forensics ForensicsConfig `json:"forensics" yaml:"forensics"`
	Pipeline  PipelineConfig  `json:"pipeline" yaml:"pipeline"`
	Bus       BusConfig       `json:"bus" yaml:"bus"`
	API       APIConfig       `json:"api" yaml:"api"`
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
}

type IngestConfig struct {
	ChannelBuffer int         `json:"channel_buffer" yaml:"channel_buffer"`
	Kafka         KafkaConfig `json:"kafka" yaml:"kafka"`
}

type KafkaConfig struct {
	Enabled bool     `json:"enabled" yaml:"enabled"`
	Brokers []string `json:"brokers" yaml:"brokers"`
	Topic   string   `json:"topic" yaml:"topic"`
	GroupID string   `json:"group_id" yaml:"group_id"`
}

type GateConfig struct {
	MaxTimestampAge   time.Duration `json:"max_timestamp_age" yaml:"max_timestamp_age"`
	MaxFutureSkew     time.Duration `json:"max_future_skew" yaml:"max_future_skew"`
	LargeGapThreshold int64         `json:"large_gap_threshold" yaml:"large_gap_threshold"`
}

type AdmissionConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled"`
	RequestsPerMinute int           `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int           `json:"burst_size" yaml:"burst_size"`
	WindowSize        time.Duration `json:"window_size" yaml:"window_size"`
	PenaltyDuration   time.Duration `json:"penalty_duration" yaml:"penalty_duration"`
	IdleEviction      time.Duration `json:"idle_eviction" yaml:"idle_eviction"`
	SweepInterval     time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	Whitelist         []string      `json:"whitelist" yaml:"whitelist"`
	Blacklist         []string      `json:"blacklist" yaml:"blacklist"`
}

type EnsembleConfig struct {
	Weights          DetectorWeights `json:"weights" yaml:"weights"`
	HistoryLimit     int             `json:"history_limit" yaml:"history_limit"`
	ConfidenceSample int             `json:"confidence_sample" yaml:"confidence_sample"`
}

type DetectorWeights struct {
	Statistical float64 `json:"statistical" yaml:"statistical"`
	Signature   float64 `json:"signature" yaml:"signature"`
	Temporal    float64 `json:"temporal" yaml:"temporal"`
	Sequence    float64 `json:"sequence" yaml:"sequence"`
}

type ProfilerConfig struct {
	Alpha            float64 `json:"alpha" yaml:"alpha"`
	MinSamples       int     `json:"min_samples" yaml:"min_samples"`
	HistoryLimit     int     `json:"history_limit" yaml:"history_limit"`
	DefaultThreshold float64 `json:"default_threshold" yaml:"default_threshold"`
}

type ForensicsConfig struct {
	CycleInterval    time.Duration `json:"cycle_interval" yaml:"cycle_interval"`
	RetentionHorizon time.Duration `json:"retention_horizon" yaml:"retention_horizon"`
	CoincidenceSpan  time.Duration `json:"coincidence_span" yaml:"coincidence_span"`
}

type PipelineConfig struct {
	Workers        int           `json:"workers" yaml:"workers"`
	ScoringTimeout time.Duration `json:"scoring_timeout" yaml:"scoring_timeout"`
	StorageTimeout time.Duration `json:"storage_timeout" yaml:"storage_timeout"`
}

type BusConfig struct {
	QueueSize         int           `json:"queue_size" yaml:"queue_size"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
}

type APIConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

type StorageConfig struct {
	Driver  string `json:"driver" yaml:"driver"`
	DSN     string `json:"dsn" yaml:"dsn"`
	KeepRaw bool   `json:"keep_raw" yaml:"keep_raw"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Ingest: IngestConfig{
			ChannelBuffer: 10000,
			Kafka:         KafkaConfig{Enabled: false},
		},
		Gate: GateConfig{
			MaxTimestampAge:   300 * time.Second,
			MaxFutureSkew:     60 * time.Second,
			LargeGapThreshold: 100,
		},
		Admission: AdmissionConfig{
			Enabled:           true,
			RequestsPerMinute: 60,
			BurstSize:         10,
			WindowSize:        60 * time.Second,
			PenaltyDuration:   300 * time.Second,
			IdleEviction:      time.Hour,
			SweepInterval:     5 * time.Minute,
		},
		Ensemble: EnsembleConfig{
			Weights: DetectorWeights{
				Statistical: 0.25,
				Signature:   0.30,
				Temporal:    0.25,
				Sequence:    0.20,
			},
			HistoryLimit:     1000,
			ConfidenceSample: 50,
		},
		Profiler: ProfilerConfig{
			Alpha:            0.1,
			MinSamples:       10,
			HistoryLimit:     100,
			DefaultThreshold: 0.7,
		},
		Forensics: ForensicsConfig{
			CycleInterval:    60 * time.Second,
			RetentionHorizon: 30 * 24 * time.Hour,
			CoincidenceSpan:  60 * time.Second,
		},
		Pipeline: PipelineConfig{
			Workers:        4,
			ScoringTimeout: 500 * time.Millisecond,
			StorageTimeout: 5 * time.Second,
		},
		Bus: BusConfig{
			QueueSize:         100,
			HeartbeatInterval: 30 * time.Second,
		},
		API:     APIConfig{Enabled: true, Addr: ":8080"},
		Storage: StorageConfig{Driver: "sqlite", DSN: "file:metersentry.db?_pragma=busy_timeout(5000)", KeepRaw: true},
	}
}

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	content, err := io.ReadAll(f)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()

	trimmed := strings.TrimSpace(string(content))
	if len(trimmed) == 0 {
		return nil, errors.New("config file is empty")
	}
	var decodeErr error
	if looksLikeJSON(trimmed) {
		decodeErr = json.Unmarshal([]byte(trimmed), cfg)
	} else {
		decodeErr = yaml.Unmarshal([]byte(trimmed), cfg)
	}
	if decodeErr != nil {
		return nil, decodeErr
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	if path == "" || cfg == nil {
		return errors.New("config path or config is empty")
	}
	var data []byte
	var err error
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".json" {
		data, err = json.MarshalIndent(cfg, "", "  ")
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func looksLikeJSON(s string) bool {
	for _, ch := range s {
		if ch == '{' || ch == '[' {
			return true
		}
		if ch > ' ' {
			return false
		}
	}
	return false
}

func applyDefaults(cfg *Config) {
	def := DefaultConfig()
	if cfg.Ingest.ChannelBuffer <= 0 {
		cfg.Ingest.ChannelBuffer = def.Ingest.ChannelBuffer
	}
	if cfg.Gate.MaxTimestampAge <= 0 {
		cfg.Gate.MaxTimestampAge = def.Gate.MaxTimestampAge
	}
	if cfg.Gate.MaxFutureSkew <= 0 {
		cfg.Gate.MaxFutureSkew = def.Gate.MaxFutureSkew
	}
	if cfg.Gate.LargeGapThreshold <= 0 {
		cfg.Gate.LargeGapThreshold = def.Gate.LargeGapThreshold
	}
	if cfg.Admission.RequestsPerMinute <= 0 {
		cfg.Admission.RequestsPerMinute = def.Admission.RequestsPerMinute
	}
	if cfg.Admission.BurstSize <= 0 {
		cfg.Admission.BurstSize = def.Admission.BurstSize
	}
	if cfg.Admission.WindowSize <= 0 {
		cfg.Admission.WindowSize = def.Admission.WindowSize
	}
	if cfg.Admission.PenaltyDuration <= 0 {
		cfg.Admission.PenaltyDuration = def.Admission.PenaltyDuration
	}
	if cfg.Admission.IdleEviction <= 0 {
		cfg.Admission.IdleEviction = def.Admission.IdleEviction
	}
	if cfg.Admission.SweepInterval <= 0 {
		cfg.Admission.SweepInterval = def.Admission.SweepInterval
	}
	if weightSum(cfg.Ensemble.Weights) <= 0 {
		cfg.Ensemble.Weights = def.Ensemble.Weights
	}
	if cfg.Ensemble.HistoryLimit <= 0 {
		cfg.Ensemble.HistoryLimit = def.Ensemble.HistoryLimit
	}
	if cfg.Ensemble.ConfidenceSample <= 0 {
		cfg.Ensemble.ConfidenceSample = def.Ensemble.ConfidenceSample
	}
	if cfg.Profiler.Alpha <= 0 || cfg.Profiler.Alpha >= 1 {
		cfg.Profiler.Alpha = def.Profiler.Alpha
	}
	if cfg.Profiler.MinSamples <= 0 {
		cfg.Profiler.MinSamples = def.Profiler.MinSamples
	}
	if cfg.Profiler.HistoryLimit <= 0 {
		cfg.Profiler.HistoryLimit = def.Profiler.HistoryLimit
	}
	if cfg.Profiler.DefaultThreshold <= 0 {
		cfg.Profiler.DefaultThreshold = def.Profiler.DefaultThreshold
	}
	if cfg.Forensics.CycleInterval <= 0 {
		cfg.Forensics.CycleInterval = def.Forensics.CycleInterval
	}
	if cfg.Forensics.RetentionHorizon <= 0 {
		cfg.Forensics.RetentionHorizon = def.Forensics.RetentionHorizon
	}
	if cfg.Forensics.CoincidenceSpan <= 0 {
		cfg.Forensics.CoincidenceSpan = def.Forensics.CoincidenceSpan
	}
	if cfg.Pipeline.Workers <= 0 {
		cfg.Pipeline.Workers = def.Pipeline.Workers
	}
	if cfg.Pipeline.ScoringTimeout <= 0 {
		cfg.Pipeline.ScoringTimeout = def.Pipeline.ScoringTimeout
	}
	if cfg.Pipeline.StorageTimeout <= 0 {
		cfg.Pipeline.StorageTimeout = def.Pipeline.StorageTimeout
	}
	if cfg.Bus.QueueSize <= 0 {
		cfg.Bus.QueueSize = def.Bus.QueueSize
	}
	if cfg.Bus.HeartbeatInterval <= 0 {
		cfg.Bus.HeartbeatInterval = def.Bus.HeartbeatInterval
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = def.Storage.Driver
	}
}

func weightSum(w DetectorWeights) float64 {
	return w.Statistical + w.Signature + w.Temporal + w.Sequence
}

func Validate(cfg *Config) error {
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return errors.New("api.addr required when api.enabled is true")
	}
	if cfg.Ingest.Kafka.Enabled {
		if len(cfg.Ingest.Kafka.Brokers) == 0 || cfg.Ingest.Kafka.Topic == "" || cfg.Ingest.Kafka.GroupID == "" {
			return errors.New("ingest.kafka requires brokers, topic, group_id")
		}
	}
	if cfg.Admission.RequestsPerMinute <= 0 {
		return errors.New("admission.requests_per_minute must be > 0")
	}
	if sum := weightSum(cfg.Ensemble.Weights); sum < 0.99 || sum > 1.01 {
		return fmt.Errorf("ensemble.weights must sum to 1, got %.3f", sum)
	}
	switch strings.ToLower(cfg.Storage.Driver) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
	return nil
}

type Manager struct {
	path    string
	cfg     atomic.Value
	modTime time.Time
}

func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.cfg.Store(cfg)
	info, err := os.Stat(path)
	if err == nil {
		m.modTime = info.ModTime()
	}
	return m, nil
}

// NewStaticManager wraps an in-memory config without a backing file.
func NewStaticManager(cfg *Config) *Manager {
	m := &Manager{}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	m.cfg.Store(cfg)
	return m
}

func (m *Manager) Get() *Config {
	if v := m.cfg.Load(); v != nil {
		return v.(*Config)
	}
	return DefaultConfig()
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return cfg, nil
}

func (m *Manager) Update(cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if m.path != "" {
		if err := Save(m.path, cfg); err != nil {
			return err
		}
	}
	m.cfg.Store(cfg)
	if info, err := os.Stat(m.path); err == nil {
		m.modTime = info.ModTime()
	}
	return nil
}

func (m *Manager) NeedsReload() (bool, error) {
	info, err := os.Stat(m.path)
	if err != nil {
		return false, err
	}
	return info.ModTime().After(m.modTime), nil
}

func (m *Manager) Watch(interval time.Duration, onReload func(*Config), onError func(error), stop <-chan struct{}) {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			needs, err := m.NeedsReload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if !needs {
				continue
			}
			cfg, err := m.Reload()
			if err != nil {
				if onError != nil {
					onError(err)
				}
				continue
			}
			if onReload != nil {
				onReload(cfg)
			}
		case <-stop:
			return
		}
	}
}

func ResolvePath(path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	cwd, err := os.Getwd()
	if err != nil {
		return path
	}
	return filepath.Join(cwd, path)
}
