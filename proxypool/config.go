package manager

import (
	"path/filepath"
	"time"

	"fastproxy_pool/internal/shared/types"
	"fastproxy_pool/proxypool/blacklist"
	"fastproxy_pool/proxypool/worker"
)

// PoolConfig 是代理池管理器的显式配置。
type PoolConfig struct {
	ProxyDir      string
	BlacklistPath string
	WorkingPath   string
	SQLitePath    string
	// Storage 为 "file" 或 "sqlite"
	Storage string

	MaxConcurrency int
	ProbeTimeout   time.Duration
	ProbeTarget    string

	// SourceURLs 是纯文本列表源，HTMLSourceURLs 是 HTML 表格源。
	SourceURLs     []string
	HTMLSourceURLs []string

	// RefreshInterval 为 0 时 Start 只执行一次初始刷新。
	RefreshInterval time.Duration

	Blacklist blacklist.Policy

	// IncludeWorkingInRefresh 让每次刷新同时重测当前可用列表中的代理。
	IncludeWorkingInRefresh bool
}

// ConfigFromConf 从 [proxypool] 配置段构建 PoolConfig，相对文件名被解析到 ProxyDir 之下。
func ConfigFromConf(pc types.ProxyPoolConf) PoolConfig {
	resolve := func(name string) string {
		if name == "" || filepath.IsAbs(name) {
			return name
		}
		return filepath.Join(pc.ProxyDir, name)
	}

	cfg := PoolConfig{
		ProxyDir:                pc.ProxyDir,
		BlacklistPath:           resolve(pc.BlacklistFile),
		WorkingPath:             resolve(pc.WorkingFile),
		SQLitePath:              resolve(pc.SQLiteFile),
		Storage:                 pc.Storage,
		MaxConcurrency:          pc.MaxConcurrency,
		ProbeTimeout:            time.Duration(pc.ProbeTimeoutSeconds) * time.Second,
		ProbeTarget:             pc.ProbeTarget,
		SourceURLs:              pc.TextSources,
		HTMLSourceURLs:          pc.HTMLSources,
		RefreshInterval:         time.Duration(pc.RefreshIntervalMinutes) * time.Minute,
		IncludeWorkingInRefresh: pc.IncludeWorkingInRefresh,
		Blacklist: blacklist.Policy{
			RetestAfter:       time.Duration(pc.BlacklistRetestHours) * time.Hour,
			RetestProbability: pc.BlacklistRetestProbability,
			EvictAfter:        time.Duration(pc.BlacklistEvictHours) * time.Hour,
		},
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = worker.DefaultMaxConcurrency
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	return cfg
}
