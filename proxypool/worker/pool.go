package worker

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"fastproxy_pool/internal/shared/logger"
	"fastproxy_pool/proxypool/model"
)

// DefaultMaxConcurrency 是同时进行的探测数量上限的默认值。
const DefaultMaxConcurrency = 50

// Tester 对单个候选代理执行有超时的探测。
// 实现不应返回错误，所有失败都必须体现在 ProxyResult 中。
type Tester interface {
	Test(ctx context.Context, c model.ProxyCandidate, timeout time.Duration) model.ProxyResult
}

// TesterFunc 让普通函数满足 Tester 接口。
type TesterFunc func(ctx context.Context, c model.ProxyCandidate, timeout time.Duration) model.ProxyResult

func (f TesterFunc) Test(ctx context.Context, c model.ProxyCandidate, timeout time.Duration) model.ProxyResult {
	return f(ctx, c, timeout)
}

// RunAll 以最多 maxConcurrency 个并发探测测试全部候选代理。
// 返回的切片与输入一一对应 (results[i] 属于 candidates[i])，不丢失也不重复。
// ctx 被取消后尚未开始的候选会直接得到一个 FAILED 结果，已在进行的探测
// 通过同一个 ctx 被中止。
func RunAll(ctx context.Context, candidates []model.ProxyCandidate, tester Tester, timeout time.Duration, maxConcurrency int) []model.ProxyResult {
	if maxConcurrency <= 0 {
		maxConcurrency = DefaultMaxConcurrency
	}
	results := make([]model.ProxyResult, len(candidates))
	if len(candidates) == 0 {
		return results
	}

	l := logger.WithComponent("ProxyPool/Worker")
	l.Info().Int("count", len(candidates)).Int("concurrency", maxConcurrency).Msg("Starting validation batch...")

	var g errgroup.Group
	g.SetLimit(maxConcurrency)

	for i, c := range candidates {
		if err := ctx.Err(); err != nil {
			results[i] = abandoned(c, err)
			continue
		}
		g.Go(func() error {
			results[i] = runOne(ctx, c, tester, timeout)
			return nil
		})
	}
	_ = g.Wait()

	l.Info().Msg("Validation batch finished.")
	return results
}

// runOne 执行单次测试，并把 tester 的 panic 转换为 FAILED 结果。
func runOne(ctx context.Context, c model.ProxyCandidate, tester Tester, timeout time.Duration) (res model.ProxyResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = model.ProxyResult{
				Candidate: c,
				Latency:   time.Since(start),
				TestedAt:  time.Now(),
				Outcome:   model.OutcomeFailed,
				Err:       fmt.Errorf("%w: tester panic: %v", model.ErrProbeConnectionFailed, r),
			}
		}
	}()
	res = tester.Test(ctx, c, timeout)
	res.Candidate = c
	return res
}

func abandoned(c model.ProxyCandidate, err error) model.ProxyResult {
	return model.ProxyResult{
		Candidate: c,
		TestedAt:  time.Now(),
		Outcome:   model.OutcomeFailed,
		Err:       err,
	}
}
