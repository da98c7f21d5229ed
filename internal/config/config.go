// ============================================================================
// meshsteer Configuration - YAML 設定檔
// ============================================================================
//
// Package: internal/config
// 文件: config.go
// 功能: 載入、補預設值並驗證 YAML 設定檔，轉換成各模組的 Config
//
// 設定檔結構:
//   log:        日誌等級與格式
//   engine:     取樣、重新評估、閒置逾時、樣本容量、預設權重組
//   failover:   路徑狀態機門檻
//   probe:      探測方式（udp / icmp / grpc / simulated）
//   server:     gRPC 位址
//   metrics:    Prometheus 端點
//   tracing:    OpenTelemetry 匯出
//   state:      狀態檔
//   membership: etcd 來源（選用）
//   mesh:       啟動時載入的站點 / 端點 / 路徑
//   profiles:   自訂權重組
//   policies:   路由策略
//
// 所有時間欄位使用 Go duration 字串，例如 "1s"、"500ms"。
//
// ============================================================================

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/meshsteer/internal/engine"
	"github.com/ChuLiYu/meshsteer/internal/failover"
	"github.com/ChuLiYu/meshsteer/internal/logging"
	"github.com/ChuLiYu/meshsteer/internal/observability"
	"github.com/ChuLiYu/meshsteer/internal/policy"
	"github.com/ChuLiYu/meshsteer/internal/sampler"
	"github.com/ChuLiYu/meshsteer/internal/scoring"
	"github.com/ChuLiYu/meshsteer/pkg/types"
)

// ErrInvalidConfig 設定檔內容不合法
var ErrInvalidConfig = errors.New("invalid config")

// 探測方式
const (
	ProbeUDP       = "udp"
	ProbeICMP      = "icmp"
	ProbeGRPC      = "grpc"
	ProbeSimulated = "simulated"
)

// EngineConfig 引擎時間參數
type EngineConfig struct {
	SampleInterval      time.Duration `yaml:"sample_interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	ReevaluateInterval  time.Duration `yaml:"reevaluate_interval"`
	IdleTimeout         time.Duration `yaml:"idle_timeout"`
	HistorySize         int           `yaml:"history_size"`
	DefaultProfile      string        `yaml:"default_profile"`
	EventBuffer         int           `yaml:"event_buffer"`
	SiteLivenessTimeout time.Duration `yaml:"site_liveness_timeout"`
	Seed                int64         `yaml:"seed"`
}

// SimulatedConfig simulated 探測的條件
type SimulatedConfig struct {
	Seed       int64                              `yaml:"seed"`
	Conditions map[types.PathID]sampler.Condition `yaml:"conditions"`
}

// ProbeConfig 探測設定
type ProbeConfig struct {
	Kind           string          `yaml:"kind"`
	ResponderAddr  string          `yaml:"responder_addr"` // UDP echo responder，空字串 = 不啟動
	ICMPPrivileged bool            `yaml:"icmp_privileged"`
	GRPCService    string          `yaml:"grpc_service"`
	Simulated      SimulatedConfig `yaml:"simulated"`
}

// ServerConfig gRPC 服務
type ServerConfig struct {
	Addr string `yaml:"addr"` // 空字串 = 不啟動
}

// MetricsConfig Prometheus 端點
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// StateConfig 狀態檔
type StateConfig struct {
	File     string        `yaml:"file"`
	Interval time.Duration `yaml:"interval"`
}

// MembershipConfig etcd membership 來源
type MembershipConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// MeshConfig 啟動時載入的拓撲
type MeshConfig struct {
	Sites     []types.Site     `yaml:"sites"`
	Endpoints []types.Endpoint `yaml:"endpoints"`
	Paths     []types.Path     `yaml:"paths"`
}

// Config 完整設定
type Config struct {
	Log        logging.Config              `yaml:"log"`
	Engine     EngineConfig                `yaml:"engine"`
	Failover   failover.Config             `yaml:"failover"`
	Probe      ProbeConfig                 `yaml:"probe"`
	Server     ServerConfig                `yaml:"server"`
	Metrics    MetricsConfig               `yaml:"metrics"`
	Tracing    observability.TracingConfig `yaml:"tracing"`
	State      StateConfig                 `yaml:"state"`
	Membership MembershipConfig            `yaml:"membership"`
	Mesh       MeshConfig                  `yaml:"mesh"`
	Profiles   map[string]scoring.Profile  `yaml:"profiles"`
	Policies   []policy.Policy             `yaml:"policies"`
}

// Default 所有欄位的預設值
func Default() Config {
	ec := engine.DefaultConfig()
	return Config{
		Log: logging.Config{Level: "info", Format: "text"},
		Engine: EngineConfig{
			SampleInterval:     ec.Sampler.Interval,
			ProbeTimeout:       ec.Sampler.Timeout,
			ReevaluateInterval: ec.ReevalInterval,
			IdleTimeout:        ec.IdleTimeout,
			HistorySize:        ec.HistorySize,
			DefaultProfile:     ec.DefaultProfile,
			EventBuffer:        ec.EventBuffer,
		},
		Failover: failover.DefaultConfig(),
		Probe: ProbeConfig{
			Kind:          ProbeUDP,
			ResponderAddr: ":4790",
			Simulated:     SimulatedConfig{Seed: 1},
		},
		Server:  ServerConfig{Addr: ":7443"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9090"},
		Tracing: observability.DefaultTracingConfig(),
		State:   StateConfig{Interval: ec.StateInterval},
		Membership: MembershipConfig{
			Prefix:      "/meshsteer/",
			DialTimeout: 5 * time.Second,
		},
	}
}

// Load 讀取並驗證設定檔；未出現的欄位保留預設值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse 解析 YAML 並驗證
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 檢查欄位之間的約束，所有問題一次回報
func (c *Config) Validate() error {
	var errs []error

	switch c.Probe.Kind {
	case ProbeUDP, ProbeICMP, ProbeGRPC, ProbeSimulated:
	default:
		errs = append(errs, fmt.Errorf("unknown probe kind %q", c.Probe.Kind))
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		errs = append(errs, fmt.Errorf("metrics.addr is required when metrics are enabled"))
	}
	if c.Membership.Enabled && len(c.Membership.Endpoints) == 0 {
		errs = append(errs, fmt.Errorf("membership.endpoints is required when membership is enabled"))
	}
	if err := c.EngineConfig().Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := policy.NewEngine().Validate(c.PolicySet()); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// EngineConfig 轉換成 engine.Config
func (c *Config) EngineConfig() engine.Config {
	return engine.Config{
		Sampler: sampler.Config{
			Interval: c.Engine.SampleInterval,
			Timeout:  c.Engine.ProbeTimeout,
		},
		ReevalInterval:      c.Engine.ReevaluateInterval,
		IdleTimeout:         c.Engine.IdleTimeout,
		HistorySize:         c.Engine.HistorySize,
		DefaultProfile:      c.Engine.DefaultProfile,
		Profiles:            c.Profiles,
		EventBuffer:         c.Engine.EventBuffer,
		Failover:            c.Failover,
		SiteLivenessTimeout: c.Engine.SiteLivenessTimeout,
		StateFile:           c.State.File,
		StateInterval:       c.State.Interval,
		Seed:                c.Engine.Seed,
	}
}

// PolicySet 設定檔中的策略組
func (c *Config) PolicySet() policy.Set {
	return policy.Set{Policies: c.Policies, Profiles: c.Profiles}
}

// Marshal 輸出 YAML（`meshsteer validate --print` 使用）
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}
