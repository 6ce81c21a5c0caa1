package scraper

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"fastproxy_pool/internal/shared/logger"
	"fastproxy_pool/proxypool/model"
)

// HTMLTableScraper 抓取 free-proxy-list.net 风格的 HTML 表格。
// 列的位置通过表头识别 ("IP Address"/"IP"、"Port"、"Https"、"Protocol"/"Type")，
// 因此能容忍列顺序的变化；找不到可识别的表格时视为该源不可用。
type HTMLTableScraper struct {
	url    string
	client *http.Client
}

// NewHTMLTableScraper 创建一个新的 HTMLTableScraper 实例。
func NewHTMLTableScraper(url string) *HTMLTableScraper {
	return &HTMLTableScraper{
		url: url,
		client: &http.Client{
			Timeout: 20 * time.Second,
		},
	}
}

func (s *HTMLTableScraper) Name() string {
	return s.url
}

type tableColumns struct {
	ip, port, https, protocol int
}

func (s *HTMLTableScraper) Scrape(ctx context.Context) ([]model.ProxyCandidate, error) {
	l := logger.WithComponent("ProxyPool/Scraper")
	l.Debug().Str("source", s.Name()).Msg("Starting scrape...")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request for %s: %v", model.ErrSourceUnavailable, s.Name(), err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept-Language", "en-US,en;q=0.9")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to fetch page for %s: %v", model.ErrSourceUnavailable, s.Name(), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: received non-200 status code (%d) from %s", model.ErrSourceUnavailable, resp.StatusCode, s.Name())
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to parse HTML for %s: %v", model.ErrSourceUnavailable, s.Name(), err)
	}

	var (
		proxies []model.ProxyCandidate
		found   bool
	)
	doc.Find("table").Each(func(_ int, table *goquery.Selection) {
		cols, ok := findColumns(table)
		if !ok {
			return
		}
		found = true

		table.Find("tbody tr").Each(func(_ int, row *goquery.Selection) {
			cells := row.Find("td")
			ip := strings.TrimSpace(cells.Eq(cols.ip).Text())
			portStr := strings.TrimSpace(cells.Eq(cols.port).Text())
			if ip == "" || portStr == "" {
				return
			}
			port, err := strconv.Atoi(portStr)
			if err != nil || port <= 0 || port > 65535 {
				l.Debug().Str("ip", ip).Str("port", portStr).Str("source", s.Name()).Msg("Failed to parse port, skipping row.")
				return
			}

			proto := model.ProtocolHTTP
			if cols.protocol >= 0 {
				if p, err := model.ParseProtocol(cells.Eq(cols.protocol).Text()); err == nil {
					proto = p
				}
			} else if cols.https >= 0 && strings.EqualFold(strings.TrimSpace(cells.Eq(cols.https).Text()), "yes") {
				proto = model.ProtocolHTTPS
			}

			proxies = append(proxies, model.ProxyCandidate{Host: ip, Port: port, Protocol: proto})
		})
	})

	if !found {
		return nil, fmt.Errorf("%w: no proxy table found on %s", model.ErrSourceUnavailable, s.Name())
	}

	proxies = Dedup(proxies)
	l.Info().Int("count", len(proxies)).Str("source", s.Name()).Msg("Scrape finished.")
	return proxies, nil
}

// findColumns 通过表头定位各列，要求至少有 IP 和端口列。
func findColumns(table *goquery.Selection) (tableColumns, bool) {
	cols := tableColumns{ip: -1, port: -1, https: -1, protocol: -1}
	headers := table.Find("thead th")
	if headers.Length() == 0 {
		headers = table.Find("tr").First().Find("th")
	}
	headers.Each(func(i int, th *goquery.Selection) {
		switch strings.ToLower(strings.TrimSpace(th.Text())) {
		case "ip address", "ip", "ip addr":
			cols.ip = i
		case "port":
			cols.port = i
		case "https":
			cols.https = i
		case "protocol", "type":
			cols.protocol = i
		}
	})
	return cols, cols.ip >= 0 && cols.port >= 0
}
