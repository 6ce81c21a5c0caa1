package scraper

import (
	"context"

	"fastproxy_pool/proxypool/model"
)

const userAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/108.0.0.0 Safari/537.36"

// Scraper 接口定义了从代理源抓取候选代理的行为。
type Scraper interface {
	// Scrape 执行抓取并返回去重后的候选代理。
	// 实现者只负责抓取和解析，不进行验证；失败时返回包装了
	// model.ErrSourceUnavailable 的错误。
	Scrape(ctx context.Context) ([]model.ProxyCandidate, error)

	// Name 返回抓取器的名称，用于日志记录。
	Name() string
}

// Dedup 按 (host, port, protocol) 去重，保留首次出现的顺序。
func Dedup(in []model.ProxyCandidate) []model.ProxyCandidate {
	seen := make(map[model.ProxyCandidate]struct{}, len(in))
	out := make([]model.ProxyCandidate, 0, len(in))
	for _, c := range in {
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
