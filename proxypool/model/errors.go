package model

import "errors"

var (
	// ErrSourceUnavailable 表示某个代理源无法抓取或解析，只影响该源。
	ErrSourceUnavailable = errors.New("proxy source unavailable")

	ErrProbeTimeout          = errors.New("probe timed out")
	ErrProbeConnectionFailed = errors.New("probe connection failed")
	ErrProbeBadResponse      = errors.New("probe received bad response")

	// ErrPersistenceIO 表示黑名单或可用列表文件读写失败。持久化是尽力而为的。
	ErrPersistenceIO = errors.New("proxy pool persistence failed")

	// ErrNoProxy 在可用列表为空时由需要代理的辅助函数返回。
	ErrNoProxy = errors.New("no working proxy available")
)
