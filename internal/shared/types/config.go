package types

// LogConf contains logging specific configuration
type LogConf struct {
	Level string `ini:"level"`
}

// ProxyPoolConf 是代理池的行为配置，对应 [proxypool] 段。
type ProxyPoolConf struct {
	ProxyDir      string `ini:"proxy_dir"`
	BlacklistFile string `ini:"blacklist_file"`
	WorkingFile   string `ini:"working_file"`

	// Storage 选择持久化后端: "file" (默认) 或 "sqlite"
	Storage    string `ini:"storage"`
	SQLiteFile string `ini:"sqlite_file"`

	MaxConcurrency      int    `ini:"max_concurrency"`
	ProbeTimeoutSeconds int    `ini:"probe_timeout_seconds"`
	ProbeTarget         string `ini:"probe_target"`

	TextSources []string `ini:"text_sources" delim:","`
	HTMLSources []string `ini:"html_sources" delim:","`

	RefreshIntervalMinutes    int     `ini:"refresh_interval_minutes"`
	BlacklistRetestHours      int     `ini:"blacklist_retest_hours"`
	BlacklistRetestProbability float64 `ini:"blacklist_retest_probability"`
	BlacklistEvictHours       int     `ini:"blacklist_evict_hours"`
	IncludeWorkingInRefresh   bool    `ini:"include_working_in_refresh"`
}

// WebConf 包含 HTTP API 的配置
type WebConf struct {
	Port     int    `ini:"port"`
	User     string `ini:"user"`
	Password string `ini:"password"`
}

// Config 是 fastproxy.ini 的统一配置结构体
type Config struct {
	LogConf       `ini:"log"`
	ProxyPoolConf `ini:"proxypool"`
	WebConf       `ini:"web"`
}
