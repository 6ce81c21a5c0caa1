package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"fastproxy_pool/proxypool/blacklist"
	"fastproxy_pool/proxypool/model"
	"fastproxy_pool/proxypool/storage"
)

// --- fakes ---

type fakeScraper struct {
	name     string
	proxies  []string
	err      error
	inFlight atomic.Int32
	peak     atomic.Int32
	delay    time.Duration
}

func (f *fakeScraper) Name() string { return f.name }

func (f *fakeScraper) Scrape(ctx context.Context) ([]model.ProxyCandidate, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	if n > f.peak.Load() {
		f.peak.Store(n)
	}
	time.Sleep(f.delay)
	if f.err != nil {
		return nil, f.err
	}
	out := make([]model.ProxyCandidate, 0, len(f.proxies))
	for _, s := range f.proxies {
		c, err := model.ParseCandidate(s, model.ProtocolHTTP)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// fakeTester 按地址返回预设的延迟，未出现在 latencies 中的代理视为失败。
type fakeTester struct {
	mu        sync.Mutex
	latencies map[string]time.Duration
	calls     map[string]int
	inFlight  atomic.Int32
	peak      atomic.Int32
	hold      chan struct{}
	started   chan struct{}
}

func newFakeTester(latencies map[string]time.Duration) *fakeTester {
	return &fakeTester{latencies: latencies, calls: make(map[string]int)}
}

func (f *fakeTester) Test(ctx context.Context, c model.ProxyCandidate, timeout time.Duration) model.ProxyResult {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}

	f.mu.Lock()
	f.calls[c.Addr()]++
	lat, ok := f.latencies[c.Addr()]
	f.mu.Unlock()

	if f.started != nil {
		select {
		case f.started <- struct{}{}:
		default:
		}
	}
	if f.hold != nil {
		select {
		case <-f.hold:
		case <-ctx.Done():
			return model.ProxyResult{Candidate: c, TestedAt: time.Now(), Outcome: model.OutcomeFailed, Err: ctx.Err()}
		}
	} else {
		time.Sleep(2 * time.Millisecond)
	}

	if !ok {
		return model.ProxyResult{Candidate: c, Latency: time.Millisecond, TestedAt: time.Now(), Outcome: model.OutcomeFailed, Err: model.ErrProbeConnectionFailed}
	}
	return model.ProxyResult{Candidate: c, Latency: lat, TestedAt: time.Now(), Outcome: model.OutcomeWorking}
}

func (f *fakeTester) callCount(addr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[addr]
}

func (f *fakeTester) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// memStorage 是内存中的 storage.Storage 实现。
type memStorage struct {
	mu        sync.Mutex
	blacklist []model.BlacklistEntry
	working   []model.WorkingEntry
	saves     int
	failSaves bool
}

func (s *memStorage) LoadBlacklist() ([]model.BlacklistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.BlacklistEntry(nil), s.blacklist...), nil
}

func (s *memStorage) SaveBlacklist(e []model.BlacklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return fmt.Errorf("%w: disk full", model.ErrPersistenceIO)
	}
	s.blacklist = append([]model.BlacklistEntry(nil), e...)
	s.saves++
	return nil
}

func (s *memStorage) LoadWorking() ([]model.WorkingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.WorkingEntry(nil), s.working...), nil
}

func (s *memStorage) SaveWorking(e []model.WorkingEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSaves {
		return fmt.Errorf("%w: disk full", model.ErrPersistenceIO)
	}
	s.working = append([]model.WorkingEntry(nil), e...)
	return nil
}

func (s *memStorage) Close() error { return nil }

var _ storage.Storage = (*memStorage)(nil)

func cand(addr string) model.ProxyCandidate {
	c, err := model.ParseCandidate(addr, model.ProtocolHTTP)
	if err != nil {
		panic(err)
	}
	return c
}

func setupTestManager(t *testing.T, tester *fakeTester, scrapers ...*fakeScraper) (*Manager, *memStorage) {
	t.Helper()
	st := &memStorage{}
	m := NewManager(PoolConfig{
		MaxConcurrency: 50,
		ProbeTimeout:   time.Second,
		Blacklist:      blacklist.Policy{RetestAfter: 24 * time.Hour, Rand: func() float64 { return 1 }},
	}, st, tester)
	for _, s := range scrapers {
		m.AddScraper(s)
	}
	if err := m.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return m, st
}

func addrs(cs []model.ProxyCandidate) []string {
	out := make([]string, len(cs))
	for i, c := range cs {
		out[i] = c.Addr()
	}
	return out
}

// --- Test Cases ---

func TestRefresh_WorkingAndFailedScenario(t *testing.T) {
	src := &fakeScraper{name: "list", proxies: []string{"1.2.3.4:8080", "5.6.7.8:3128"}}
	tester := newFakeTester(map[string]time.Duration{"1.2.3.4:8080": 120 * time.Millisecond})
	m, st := setupTestManager(t, tester, src)

	report, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	got := m.GetProxyList(5)
	if len(got) != 1 || got[0] != cand("1.2.3.4:8080") {
		t.Fatalf("GetProxyList(5) = %v, want [1.2.3.4:8080]", addrs(got))
	}
	if !m.blacklist.Contains(cand("5.6.7.8:3128")) {
		t.Error("blacklist should contain 5.6.7.8:3128")
	}
	if report.Working != 1 || report.Failed != 1 || report.Tested != 2 || report.CycleID == "" {
		t.Errorf("unexpected report: %+v", report)
	}
	if len(st.blacklist) != 1 || len(st.working) != 1 {
		t.Errorf("state not persisted: blacklist=%v working=%v", st.blacklist, st.working)
	}
	if w := m.Working(); w[0].LatencyMillis() != 120 {
		t.Errorf("latency = %v ms, want 120", w[0].LatencyMillis())
	}
}

func TestRefresh_NoCandidates(t *testing.T) {
	m, _ := setupTestManager(t, newFakeTester(nil), &fakeScraper{name: "empty"})

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, ok := m.GetProxy(); ok {
		t.Error("GetProxy() should report no proxy on an empty pool")
	}
	if got := m.GetProxyList(3); len(got) != 0 {
		t.Errorf("GetProxyList(3) = %v, want empty", got)
	}
}

func TestGetProxy_EmptyBeforeRefresh(t *testing.T) {
	m, _ := setupTestManager(t, newFakeTester(nil))
	if _, ok := m.GetProxy(); ok {
		t.Error("GetProxy() on a fresh manager should report no proxy")
	}
	if got := m.GetProxyList(0); len(got) != 0 {
		t.Errorf("GetProxyList(0) = %v", got)
	}
}

func TestRefresh_SortedByLatency(t *testing.T) {
	src := &fakeScraper{name: "list", proxies: []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80", "10.0.0.4:80"}}
	tester := newFakeTester(map[string]time.Duration{
		"10.0.0.1:80": 300 * time.Millisecond,
		"10.0.0.2:80": 50 * time.Millisecond,
		"10.0.0.3:80": 900 * time.Millisecond,
		"10.0.0.4:80": 120 * time.Millisecond,
	})
	m, _ := setupTestManager(t, tester, src)
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	want := []string{"10.0.0.2:80", "10.0.0.4:80", "10.0.0.1:80", "10.0.0.3:80"}
	got := addrs(m.GetProxyList(10))
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("GetProxyList() = %v, want %v", got, want)
	}
	first, ok := m.GetProxy()
	if !ok || first.Addr() != want[0] {
		t.Errorf("GetProxy() = %v, want %s", first, want[0])
	}
	if got := m.GetProxyList(2); len(got) != 2 {
		t.Errorf("GetProxyList(2) returned %d entries", len(got))
	}
}

func TestRefresh_IdempotentTieBreakByDiscoveryOrder(t *testing.T) {
	src := &fakeScraper{name: "list", proxies: []string{"10.0.0.3:80", "10.0.0.1:80", "10.0.0.2:80"}}
	tester := newFakeTester(map[string]time.Duration{
		"10.0.0.1:80": 100 * time.Millisecond,
		"10.0.0.2:80": 100 * time.Millisecond,
		"10.0.0.3:80": 100 * time.Millisecond,
	})
	m, _ := setupTestManager(t, tester, src)
	m.cfg.IncludeWorkingInRefresh = true

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	first := addrs(m.GetProxyList(10))
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	second := addrs(m.GetProxyList(10))

	want := []string{"10.0.0.3:80", "10.0.0.1:80", "10.0.0.2:80"}
	if fmt.Sprint(first) != fmt.Sprint(want) || fmt.Sprint(second) != fmt.Sprint(want) {
		t.Errorf("orderings = %v then %v, want %v both times", first, second, want)
	}
}

func TestRefresh_OneResultPerDedupedCandidate(t *testing.T) {
	a := &fakeScraper{name: "a", proxies: []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.1:80"}}
	b := &fakeScraper{name: "b", proxies: []string{"10.0.0.2:80", "10.0.0.3:80"}}
	tester := newFakeTester(map[string]time.Duration{"10.0.0.1:80": time.Millisecond})
	m, _ := setupTestManager(t, tester, a, b)

	report, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if report.Candidates != 3 || report.Working+report.Failed != 3 {
		t.Errorf("report = %+v, want 3 deduplicated candidates with 3 results", report)
	}
	if tester.totalCalls() != 3 {
		t.Errorf("tester called %d times, want 3", tester.totalCalls())
	}
	for _, addr := range []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80"} {
		if n := tester.callCount(addr); n != 1 {
			t.Errorf("%s tested %d times, want 1", addr, n)
		}
	}
}

func TestRefresh_BlacklistSkipAndAgedRetest(t *testing.T) {
	src := &fakeScraper{name: "list", proxies: []string{"10.0.0.1:80", "10.0.0.2:80", "10.0.0.3:80"}}
	tester := newFakeTester(map[string]time.Duration{
		"10.0.0.1:80": 10 * time.Millisecond,
		"10.0.0.3:80": 30 * time.Millisecond,
	})
	m, _ := setupTestManager(t, tester, src)

	now := time.Now()
	m.blacklist.Replace([]model.BlacklistEntry{
		{Candidate: cand("10.0.0.2:80"), FailedAt: now.Add(-time.Hour), FailureCount: 1},
		{Candidate: cand("10.0.0.3:80"), FailedAt: now.Add(-30 * 24 * time.Hour), FailureCount: 1},
	})

	report, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tester.callCount("10.0.0.2:80") != 0 {
		t.Error("recently blacklisted proxy should not be tested")
	}
	if tester.callCount("10.0.0.3:80") != 1 {
		t.Error("aged-out blacklisted proxy should be retested")
	}
	if report.Skipped != 1 || report.Tested != 2 {
		t.Errorf("report = %+v, want 1 skipped and 2 tested", report)
	}
	if m.blacklist.Contains(cand("10.0.0.3:80")) {
		t.Error("recovered proxy should leave the blacklist")
	}
	got := addrs(m.GetProxyList(5))
	if fmt.Sprint(got) != "[10.0.0.1:80 10.0.0.3:80]" {
		t.Errorf("GetProxyList() = %v", got)
	}
}

func TestRefresh_RepeatedFailureIncrementsCount(t *testing.T) {
	src := &fakeScraper{name: "list", proxies: []string{"10.0.0.9:80"}}
	m, _ := setupTestManager(t, newFakeTester(nil), src)
	m.blacklist = blacklist.New(blacklist.Policy{RetestProbability: 1, Rand: func() float64 { return 0 }})

	for i := 0; i < 3; i++ {
		if _, err := m.Refresh(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	e, ok := m.blacklist.Get(cand("10.0.0.9:80"))
	if !ok || e.FailureCount != 3 {
		t.Errorf("blacklist entry = %+v, want failure count 3", e)
	}
}

func TestRefresh_BoundedConcurrency(t *testing.T) {
	proxies := make([]string, 60)
	latencies := make(map[string]time.Duration)
	for i := range proxies {
		proxies[i] = fmt.Sprintf("10.0.1.%d:80", i)
		latencies[proxies[i]] = time.Duration(i) * time.Millisecond
	}
	tester := newFakeTester(latencies)
	m, _ := setupTestManager(t, tester, &fakeScraper{name: "big", proxies: proxies})
	m.cfg.MaxConcurrency = 7

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if peak := tester.peak.Load(); peak > 7 {
		t.Errorf("peak in-flight probes = %d, want <= 7", peak)
	}
	if len(m.GetProxyList(100)) != 60 {
		t.Errorf("working list has %d entries, want 60", len(m.GetProxyList(100)))
	}
}

func TestRefresh_SourceFailureIsNotFatal(t *testing.T) {
	broken := &fakeScraper{name: "broken", err: fmt.Errorf("%w: 503", model.ErrSourceUnavailable)}
	good := &fakeScraper{name: "good", proxies: []string{"1.2.3.4:8080"}}
	tester := newFakeTester(map[string]time.Duration{"1.2.3.4:8080": 50 * time.Millisecond})
	m, _ := setupTestManager(t, tester, broken, good)

	report, err := m.Refresh(context.Background())
	if err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if !errors.Is(report.SourceErrors, model.ErrSourceUnavailable) {
		t.Errorf("SourceErrors = %v, want ErrSourceUnavailable", report.SourceErrors)
	}
	if p, ok := m.GetProxy(); !ok || p.Addr() != "1.2.3.4:8080" {
		t.Errorf("GetProxy() = %v, %v", p, ok)
	}
}

func TestRefresh_CachedWorkingSurvivesSourceOutage(t *testing.T) {
	src := &fakeScraper{name: "list", proxies: []string{"1.2.3.4:8080"}}
	tester := newFakeTester(map[string]time.Duration{"1.2.3.4:8080": 50 * time.Millisecond})
	m, _ := setupTestManager(t, tester, src)
	m.cfg.IncludeWorkingInRefresh = true

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	src.err = fmt.Errorf("%w: gone", model.ErrSourceUnavailable)
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tester.callCount("1.2.3.4:8080") != 2 {
		t.Error("cached working proxy should be retested when the source is down")
	}
	if _, ok := m.GetProxy(); !ok {
		t.Error("cached working proxy should remain available")
	}
}

func TestRefresh_CancelledKeepsPreviousList(t *testing.T) {
	src := &fakeScraper{name: "list", proxies: []string{"1.2.3.4:8080"}}
	tester := newFakeTester(map[string]time.Duration{"1.2.3.4:8080": 50 * time.Millisecond, "5.6.7.8:3128": 10 * time.Millisecond})
	m, _ := setupTestManager(t, tester, src)
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	src.proxies = []string{"5.6.7.8:3128"}
	tester.hold = make(chan struct{})
	tester.started = make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := m.Refresh(ctx)
		done <- err
	}()

	<-tester.started
	if st := m.Status(); st.Phase != "refreshing" {
		t.Errorf("Status().Phase = %q during refresh, want refreshing", st.Phase)
	}
	if p, ok := m.GetProxy(); !ok || p.Addr() != "1.2.3.4:8080" {
		t.Errorf("readers during refresh should see the previous list, got %v", p)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Refresh() error = %v, want context.Canceled", err)
	}
	got := addrs(m.GetProxyList(5))
	if fmt.Sprint(got) != "[1.2.3.4:8080]" {
		t.Errorf("partial results were installed: %v", got)
	}
	if m.blacklist.Contains(cand("5.6.7.8:3128")) {
		t.Error("abandoned results must not reach the blacklist")
	}
	if st := m.Status(); st.Phase != "idle" {
		t.Errorf("Status().Phase = %q after refresh, want idle", st.Phase)
	}
}

func TestRefresh_ConcurrentCallsAreSerialized(t *testing.T) {
	src := &fakeScraper{name: "slow", proxies: []string{"1.2.3.4:8080"}, delay: 20 * time.Millisecond}
	tester := newFakeTester(map[string]time.Duration{"1.2.3.4:8080": 50 * time.Millisecond})
	m, _ := setupTestManager(t, tester, src)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Refresh(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if peak := src.peak.Load(); peak != 1 {
		t.Errorf("peak concurrent refreshes = %d, want 1", peak)
	}
	if tester.callCount("1.2.3.4:8080") != 4 {
		t.Errorf("expected 4 sequential refreshes, got %d tests", tester.callCount("1.2.3.4:8080"))
	}
}

func TestReportFailure(t *testing.T) {
	src := &fakeScraper{name: "list", proxies: []string{"1.2.3.4:8080", "9.9.9.9:80"}}
	tester := newFakeTester(map[string]time.Duration{"1.2.3.4:8080": 10 * time.Millisecond, "9.9.9.9:80": 20 * time.Millisecond})
	m, st := setupTestManager(t, tester, src)
	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}

	var notified []model.WorkingEntry
	m.OnInstall(func(e []model.WorkingEntry) { notified = e })

	if !m.ReportFailure(cand("1.2.3.4:8080")) {
		t.Fatal("ReportFailure() should report the proxy was working")
	}
	if p, _ := m.GetProxy(); p.Addr() != "9.9.9.9:80" {
		t.Errorf("GetProxy() = %v after demotion, want 9.9.9.9:80", p)
	}
	if !m.blacklist.Contains(cand("1.2.3.4:8080")) {
		t.Error("reported proxy should be blacklisted")
	}
	if len(notified) != 1 {
		t.Errorf("subscribers saw %d entries, want 1", len(notified))
	}
	if len(st.working) != 1 {
		t.Errorf("persisted working list = %v", st.working)
	}
	if m.ReportFailure(cand("7.7.7.7:80")) {
		t.Error("unknown proxy should not be reported as removed")
	}
}

func TestPersistenceFailureIsNotFatal(t *testing.T) {
	src := &fakeScraper{name: "list", proxies: []string{"1.2.3.4:8080"}}
	tester := newFakeTester(map[string]time.Duration{"1.2.3.4:8080": 10 * time.Millisecond})
	m, st := setupTestManager(t, tester, src)
	st.failSaves = true

	if _, err := m.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, ok := m.GetProxy(); !ok {
		t.Error("in-memory pool should be installed despite persistence failure")
	}
}

func TestInit_CreatesDirAndSeedsFromSnapshot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proxy_files")
	cfg := PoolConfig{
		ProxyDir:      dir,
		BlacklistPath: filepath.Join(dir, "blacklisted_proxies.txt"),
		WorkingPath:   filepath.Join(dir, "working_proxies.txt"),
	}

	m := NewManager(cfg, nil, newFakeTester(nil))
	if err := m.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("proxy dir not created: %v", err)
	}

	snapshot := "9.9.9.9:80|http|300.00\n1.2.3.4:8080|http|120.00\n"
	if err := os.WriteFile(cfg.WorkingPath, []byte(snapshot), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(cfg.BlacklistPath, []byte("5.6.7.8:3128\n"), 0644); err != nil {
		t.Fatal(err)
	}

	m2 := NewManager(cfg, nil, newFakeTester(nil))
	if err := m2.Init(); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	if got := addrs(m2.GetProxyList(5)); fmt.Sprint(got) != "[1.2.3.4:8080 9.9.9.9:80]" {
		t.Errorf("seeded list = %v", got)
	}
	if st := m2.Status(); st.Blacklisted != 1 || st.Working != 2 || st.Phase != "idle" {
		t.Errorf("Status() = %+v", st)
	}
}

func TestStartStop(t *testing.T) {
	src := &fakeScraper{name: "list", proxies: []string{"1.2.3.4:8080"}}
	tester := newFakeTester(map[string]time.Duration{"1.2.3.4:8080": 10 * time.Millisecond})
	m, _ := setupTestManager(t, tester, src)
	m.cfg.RefreshInterval = 10 * time.Millisecond

	installed := make(chan struct{}, 16)
	m.OnInstall(func([]model.WorkingEntry) {
		select {
		case installed <- struct{}{}:
		default:
		}
	})

	m.Start(context.Background())
	for i := 0; i < 2; i++ {
		select {
		case <-installed:
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not refresh")
		}
	}
	m.Stop()
	m.Stop()

	if _, ok := m.GetProxy(); !ok {
		t.Error("pool should be populated after scheduled refreshes")
	}
}

func TestHTTPClient(t *testing.T) {
	m, _ := setupTestManager(t, newFakeTester(nil))
	if _, _, err := m.HTTPClient(time.Second); !errors.Is(err, model.ErrNoProxy) {
		t.Errorf("HTTPClient() error = %v, want ErrNoProxy", err)
	}

	src := &fakeScraper{name: "list", proxies: []string{"1.2.3.4:8080"}}
	tester := newFakeTester(map[string]time.Duration{"1.2.3.4:8080": 10 * time.Millisecond})
	m2, _ := setupTestManager(t, tester, src)
	if _, err := m2.Refresh(context.Background()); err != nil {
		t.Fatal(err)
	}
	client, p, err := m2.HTTPClient(time.Second)
	if err != nil || client == nil || p.Addr() != "1.2.3.4:8080" {
		t.Errorf("HTTPClient() = %v, %v, %v", client, p, err)
	}
}
