package scraper

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"fastproxy_pool/internal/shared/logger"
	"fastproxy_pool/proxypool/model"
)

// TextListScraper 抓取纯文本代理列表，每行一个 "host:port" 或 "scheme://host:port"。
// 以 '#' 开头的行和空行被忽略，行内第一个空白之后的内容被忽略。
type TextListScraper struct {
	url          string
	defaultProto model.Protocol
	timeout      time.Duration
}

// NewTextListScraper 创建一个新的 TextListScraper 实例。
func NewTextListScraper(url string, defaultProto model.Protocol) *TextListScraper {
	if defaultProto == "" {
		defaultProto = model.ProtocolHTTP
	}
	return &TextListScraper{
		url:          url,
		defaultProto: defaultProto,
		timeout:      20 * time.Second,
	}
}

func (s *TextListScraper) Name() string {
	return s.url
}

func (s *TextListScraper) Scrape(ctx context.Context) ([]model.ProxyCandidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Debug().Str("source", s.Name()).Msg("Starting scrape...")

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceUnavailable, s.Name(), err)
	}

	// 每次抓取使用新的 collector，避免回调累积和 URL 去重导致第二次刷新无结果。
	c := colly.NewCollector(colly.UserAgent(userAgent), colly.StdlibContext(ctx))
	c.SetRequestTimeout(s.timeout)

	var (
		mu        sync.Mutex
		proxies   []model.ProxyCandidate
		skipped   int
		scrapeErr error
		gotBody   bool
	)

	c.OnResponse(func(r *colly.Response) {
		mu.Lock()
		defer mu.Unlock()
		gotBody = len(bytes.TrimSpace(r.Body)) > 0
		var n int
		proxies, n = parseTextList(r.Body, s.defaultProto)
		skipped += n
	})

	c.OnError(func(r *colly.Response, err error) {
		l.Warn().Err(err).Int("status_code", r.StatusCode).Str("source", s.Name()).Msg("Scrape request failed.")
		mu.Lock()
		scrapeErr = err
		mu.Unlock()
	})

	if err := c.Visit(s.url); err != nil && scrapeErr == nil {
		scrapeErr = err
	}
	c.Wait()

	if err := ctx.Err(); err != nil && scrapeErr == nil {
		scrapeErr = err
	}
	if scrapeErr != nil {
		return nil, fmt.Errorf("%w: %s: %v", model.ErrSourceUnavailable, s.Name(), scrapeErr)
	}
	if gotBody && len(proxies) == 0 {
		return nil, fmt.Errorf("%w: %s: no parsable proxy lines (%d skipped)", model.ErrSourceUnavailable, s.Name(), skipped)
	}
	if skipped > 0 {
		l.Debug().Int("skipped", skipped).Str("source", s.Name()).Msg("Skipped malformed lines.")
	}

	proxies = Dedup(proxies)
	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}

// parseTextList 解析列表正文，返回候选代理和跳过的行数。
func parseTextList(body []byte, defaultProto model.Protocol) ([]model.ProxyCandidate, int) {
	var (
		out     []model.ProxyCandidate
		skipped int
	)
	sc := bufio.NewScanner(bytes.NewReader(body))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if fields := strings.Fields(line); len(fields) > 0 {
			line = fields[0]
		}
		c, err := model.ParseCandidate(line, defaultProto)
		if err != nil {
			skipped++
			continue
		}
		out = append(out, c)
	}
	return out, skipped
}
