package manager

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"fastproxy_pool/internal/shared/logger"
	"fastproxy_pool/proxypool/blacklist"
	"fastproxy_pool/proxypool/model"
	"fastproxy_pool/proxypool/scraper"
	"fastproxy_pool/proxypool/storage"
	"fastproxy_pool/proxypool/validator"
	"fastproxy_pool/proxypool/worker"
)

// Phase 是管理器的逻辑阶段。
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseRefreshing
)

func (p Phase) String() string {
	if p == PhaseRefreshing {
		return "refreshing"
	}
	return "idle"
}

// RefreshReport 汇总一次刷新周期。
type RefreshReport struct {
	CycleID    string        `json:"cycle_id"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	Candidates int           `json:"candidates"`
	Skipped    int           `json:"skipped"`
	Tested     int           `json:"tested"`
	Working    int           `json:"working"`
	Failed     int           `json:"failed"`
	// SourceErrors 聚合了本次所有失败源的错误，没有失败时为 nil。
	SourceErrors error `json:"-"`
}

// Status 是管理器状态的快照。
type Status struct {
	Phase       string         `json:"phase"`
	Working     int            `json:"working"`
	Blacklisted int            `json:"blacklisted"`
	LastReport  *RefreshReport `json:"last_report,omitempty"`
}

// Manager 是代理池模块的总控制器。它独占可用列表和黑名单。
//
// 可用列表是一个不可变切片，通过原子指针整体替换，读者无需加锁即可获得一致快照。
// refreshMu 保证同一时刻最多一个刷新在进行；stateMu 保护"安装新列表"和黑名单写入。
type Manager struct {
	cfg         PoolConfig
	storage     storage.Storage
	ownsStorage bool
	scrapers    []scraper.Scraper
	tester      worker.Tester
	blacklist   *blacklist.Blacklist

	working    atomic.Pointer[[]model.WorkingEntry]
	phase      atomic.Int32
	lastReport atomic.Pointer[RefreshReport]

	refreshMu sync.Mutex
	stateMu   sync.Mutex

	subsMu      sync.RWMutex
	subscribers []func([]model.WorkingEntry)

	now func() time.Time

	// 调度器与生命周期管理
	cancel   context.CancelFunc
	stopChan chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager 创建代理池管理器。st 为 nil 时由 Init 按配置打开存储；
// tester 为 nil 时使用探测 cfg.ProbeTarget 的 validator.Validator。
// 配置中的源 URL 会被注册为抓取器。
func NewManager(cfg PoolConfig, st storage.Storage, tester worker.Tester) *Manager {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = worker.DefaultMaxConcurrency
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 10 * time.Second
	}
	if tester == nil {
		tester = validator.NewValidator(cfg.ProbeTarget)
	}
	m := &Manager{
		cfg:       cfg,
		storage:   st,
		tester:    tester,
		blacklist: blacklist.New(cfg.Blacklist),
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
	empty := []model.WorkingEntry{}
	m.working.Store(&empty)

	for _, u := range cfg.SourceURLs {
		m.AddScraper(scraper.NewTextListScraper(u, model.ProtocolHTTP))
	}
	for _, u := range cfg.HTMLSourceURLs {
		m.AddScraper(scraper.NewHTMLTableScraper(u))
	}
	return m
}

// AddScraper 添加一个抓取器到管理器。必须在 Start/Refresh 之前调用。
func (m *Manager) AddScraper(s scraper.Scraper) {
	m.scrapers = append(m.scrapers, s)
}

// OnInstall 注册一个回调，在每次安装新的可用列表后调用。
func (m *Manager) OnInstall(fn func([]model.WorkingEntry)) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Init 执行显式初始化：创建代理目录、打开存储、加载黑名单和上次的可用列表快照。
// 持久化失败不是致命的：返回的错误包装 model.ErrPersistenceIO，管理器仍可仅用内存状态工作。
func (m *Manager) Init() error {
	l := logger.WithComponent("ProxyPool/Manager")
	var result error

	if m.cfg.ProxyDir != "" {
		if err := os.MkdirAll(m.cfg.ProxyDir, 0755); err != nil {
			result = multierror.Append(result, fmt.Errorf("%w: create proxy dir: %v", model.ErrPersistenceIO, err))
		}
	}

	if m.storage == nil {
		st, err := m.openStorage()
		if err != nil {
			l.Error().Err(err).Msg("Failed to open storage. Running with in-memory state only.")
			return multierror.Append(result, err).ErrorOrNil()
		}
		m.storage = st
		m.ownsStorage = true
	}

	entries, err := m.storage.LoadBlacklist()
	if err != nil {
		l.Error().Err(err).Msg("Failed to load blacklist. Starting with an empty blacklist.")
		result = multierror.Append(result, err)
	} else {
		m.blacklist.Replace(entries)
		m.blacklist.Evict(m.now())
	}

	snapshot, err := m.storage.LoadWorking()
	if err != nil {
		l.Error().Err(err).Msg("Failed to load working proxy snapshot. Starting with an empty pool.")
		result = multierror.Append(result, err)
	} else if len(snapshot) > 0 {
		sortByLatency(snapshot)
		m.working.Store(&snapshot)
		l.Info().Int("count", len(snapshot)).Msg("Seeded pool from working proxy snapshot.")
	}
	return result
}

func (m *Manager) openStorage() (storage.Storage, error) {
	if m.cfg.Storage == "sqlite" {
		return storage.NewSQLiteStorage(m.cfg.SQLitePath)
	}
	return storage.NewFileStorage(m.cfg.BlacklistPath, m.cfg.WorkingPath), nil
}

// Start 启动后台调度：立即执行一次刷新，之后按 RefreshInterval 周期刷新。
func (m *Manager) Start(ctx context.Context) {
	l := logger.WithComponent("ProxyPool/Manager")
	ctx, m.cancel = context.WithCancel(ctx)

	l.Info().Dur("refresh_interval", m.cfg.RefreshInterval).Int("scrapers", len(m.scrapers)).Msg("Manager starting...")

	m.wg.Add(1)
	go m.schedulerLoop(ctx)
}

// schedulerLoop 是核心的调度循环，监听 Ticker 和停止信号。
func (m *Manager) schedulerLoop(ctx context.Context) {
	defer m.wg.Done()
	l := logger.WithComponent("ProxyPool/Manager")

	m.runScheduledRefresh(ctx)
	if m.cfg.RefreshInterval <= 0 {
		return
	}

	ticker := time.NewTicker(m.cfg.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.Debug().Msg("Refresh ticker triggered.")
			m.runScheduledRefresh(ctx)
		case <-ctx.Done():
			return
		case <-m.stopChan:
			l.Info().Msg("Stop signal received. Shutting down scheduler.")
			return
		}
	}
}

func (m *Manager) runScheduledRefresh(ctx context.Context) {
	if _, err := m.Refresh(ctx); err != nil {
		l := logger.WithComponent("ProxyPool/Manager")
		l.Warn().Err(err).Msg("Scheduled refresh abandoned.")
	}
}

// Stop 取消进行中的刷新 (其结果被丢弃)，等待调度循环退出并保存状态。
// 由 Init 打开的存储会在这里关闭；通过 NewManager 传入的存储由调用方关闭。
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		l := logger.WithComponent("ProxyPool/Manager")
		if m.cancel != nil {
			m.cancel()
		}
		close(m.stopChan)
		m.wg.Wait()

		m.stateMu.Lock()
		m.persistLocked()
		if m.ownsStorage {
			if err := m.storage.Close(); err != nil {
				l.Warn().Err(err).Msg("Failed to close storage.")
			}
		}
		m.stateMu.Unlock()
		l.Info().Msg("ProxyPool Manager gracefully stopped.")
	})
}

// Refresh 执行一个完整的 "抓取 -> 黑名单过滤 -> 并发测试 -> 排序 -> 安装" 周期。
// 并发调用会被串行化。只有 ctx 被取消时才返回错误，此时本次结果全部丢弃，
// 之前的可用列表保持不变。
func (m *Manager) Refresh(ctx context.Context) (*RefreshReport, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.phase.Store(int32(PhaseRefreshing))
	defer m.phase.Store(int32(PhaseIdle))

	report := &RefreshReport{CycleID: uuid.NewString(), StartedAt: m.now()}
	l := logger.WithComponent("ProxyPool/Manager").With().Str("cycle_id", report.CycleID).Logger()
	l.Info().Msg("Starting refresh cycle...")

	candidates, srcErr := m.fetchAll(ctx)
	report.SourceErrors = srcErr
	if m.cfg.IncludeWorkingInRefresh {
		for _, e := range m.Working() {
			candidates = append(candidates, e.Candidate)
		}
	}
	candidates = scraper.Dedup(candidates)
	report.Candidates = len(candidates)

	now := m.now()
	batch := make([]model.ProxyCandidate, 0, len(candidates))
	for _, c := range candidates {
		if m.blacklist.ShouldSkip(c, now) {
			report.Skipped++
			continue
		}
		batch = append(batch, c)
	}
	report.Tested = len(batch)

	results := worker.RunAll(ctx, batch, m.tester, m.cfg.ProbeTimeout, m.cfg.MaxConcurrency)
	if err := ctx.Err(); err != nil {
		l.Warn().Err(err).Msg("Refresh cancelled. Discarding partial results.")
		return report, err
	}

	entries := make([]model.WorkingEntry, 0, len(results))
	for _, r := range results {
		if r.Working() {
			entries = append(entries, model.WorkingEntry{Candidate: r.Candidate, Latency: r.Latency})
		}
	}
	sortByLatency(entries)
	report.Working = len(entries)
	report.Failed = len(results) - len(entries)

	m.stateMu.Lock()
	for _, r := range results {
		if r.Working() {
			m.blacklist.Remove(r.Candidate)
		} else {
			m.blacklist.RecordFailure(r.Candidate, r.TestedAt)
		}
	}
	m.blacklist.Evict(m.now())
	m.working.Store(&entries)
	m.persistLocked()
	m.stateMu.Unlock()

	report.Duration = m.now().Sub(report.StartedAt)
	m.lastReport.Store(report)
	m.notify(entries)

	l.Info().
		Int("candidates", report.Candidates).
		Int("skipped", report.Skipped).
		Int("working", report.Working).
		Int("failed", report.Failed).
		Dur("duration", report.Duration).
		Msg("Refresh cycle finished.")
	return report, nil
}

// fetchAll 并发运行所有抓取器，按注册顺序合并结果，使发现顺序确定。
// 单个源失败只会被记录并聚合到返回的错误中。
func (m *Manager) fetchAll(ctx context.Context) ([]model.ProxyCandidate, error) {
	l := logger.WithComponent("ProxyPool/Manager")

	perSource := make([][]model.ProxyCandidate, len(m.scrapers))
	errs := make([]error, len(m.scrapers))
	var wg sync.WaitGroup
	for i, s := range m.scrapers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proxies, err := s.Scrape(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", s.Name()).Msg("Scraper failed.")
				errs[i] = err
				return
			}
			perSource[i] = proxies
		}()
	}
	wg.Wait()

	var (
		all    []model.ProxyCandidate
		result *multierror.Error
	)
	for i := range m.scrapers {
		if errs[i] != nil {
			result = multierror.Append(result, errs[i])
		}
		all = append(all, perSource[i]...)
	}
	return all, result.ErrorOrNil()
}

// GetProxy 返回当前最快的代理；列表为空时 ok 为 false。
func (m *Manager) GetProxy() (model.ProxyCandidate, bool) {
	list := *m.working.Load()
	if len(list) == 0 {
		return model.ProxyCandidate{}, false
	}
	return list[0].Candidate, true
}

// GetProxyList 返回最多 n 个最快的代理。
func (m *Manager) GetProxyList(n int) []model.ProxyCandidate {
	list := *m.working.Load()
	if n > len(list) {
		n = len(list)
	}
	if n <= 0 {
		return []model.ProxyCandidate{}
	}
	out := make([]model.ProxyCandidate, n)
	for i := range out {
		out[i] = list[i].Candidate
	}
	return out
}

// Working 返回当前可用列表 (含延迟) 的副本。
func (m *Manager) Working() []model.WorkingEntry {
	list := *m.working.Load()
	out := make([]model.WorkingEntry, len(list))
	copy(out, list)
	return out
}

// Blacklisted 返回黑名单快照。
func (m *Manager) Blacklisted() []model.BlacklistEntry {
	return m.blacklist.Entries()
}

// ReportFailure 由调用方在发现某个代理在两次刷新之间失效时调用：
// 把它从可用列表移除并加入黑名单。返回它是否在可用列表中。
// 进行中的刷新若已测得该代理可用，仍可能在安装时把它带回列表。
func (m *Manager) ReportFailure(c model.ProxyCandidate) bool {
	m.stateMu.Lock()
	current := *m.working.Load()
	next := make([]model.WorkingEntry, 0, len(current))
	for _, e := range current {
		if e.Candidate != c {
			next = append(next, e)
		}
	}
	removed := len(next) != len(current)
	if removed {
		m.working.Store(&next)
	}
	m.blacklist.RecordFailure(c, m.now())
	m.persistLocked()
	m.stateMu.Unlock()

	l := logger.WithComponent("ProxyPool/Manager")
	l.Info().Str("proxy", c.String()).Bool("was_working", removed).Msg("Proxy failure reported.")
	if removed {
		m.notify(next)
	}
	return removed
}

// HTTPClient 返回一个经由当前最快代理转发的 http.Client。
func (m *Manager) HTTPClient(timeout time.Duration) (*http.Client, model.ProxyCandidate, error) {
	c, ok := m.GetProxy()
	if !ok {
		return nil, model.ProxyCandidate{}, model.ErrNoProxy
	}
	transport, err := validator.NewTransport(c, timeout)
	if err != nil {
		return nil, c, err
	}
	return &http.Client{Transport: transport, Timeout: timeout}, c, nil
}

// Status 返回当前阶段和计数。
func (m *Manager) Status() Status {
	return Status{
		Phase:       Phase(m.phase.Load()).String(),
		Working:     len(*m.working.Load()),
		Blacklisted: m.blacklist.Len(),
		LastReport:  m.lastReport.Load(),
	}
}

// persistLocked 保存黑名单和可用列表，失败只记录日志。调用方必须持有 stateMu。
func (m *Manager) persistLocked() {
	if m.storage == nil {
		return
	}
	l := logger.WithComponent("ProxyPool/Manager")
	if err := m.storage.SaveBlacklist(m.blacklist.Entries()); err != nil {
		l.Error().Err(err).Msg("Failed to save blacklist. Continuing with in-memory state.")
	}
	if err := m.storage.SaveWorking(*m.working.Load()); err != nil {
		l.Error().Err(err).Msg("Failed to save working proxy snapshot. Continuing with in-memory state.")
	}
}

func (m *Manager) notify(entries []model.WorkingEntry) {
	m.subsMu.RLock()
	subs := make([]func([]model.WorkingEntry), len(m.subscribers))
	copy(subs, m.subscribers)
	m.subsMu.RUnlock()

	for _, fn := range subs {
		fn(entries)
	}
}

// sortByLatency 按延迟升序稳定排序，延迟相同的保持发现顺序。
func sortByLatency(entries []model.WorkingEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Latency < entries[j].Latency
	})
}
