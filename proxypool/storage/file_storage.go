package storage

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"fastproxy_pool/internal/shared/logger"
	"fastproxy_pool/proxypool/model"
)

const delimiter = "|"

// Storage 接口定义了黑名单和可用列表的持久化行为。
// 所有错误都包装 model.ErrPersistenceIO。
type Storage interface {
	LoadBlacklist() ([]model.BlacklistEntry, error)
	SaveBlacklist(entries []model.BlacklistEntry) error
	LoadWorking() ([]model.WorkingEntry, error)
	SaveWorking(entries []model.WorkingEntry) error
	Close() error
}

// FileStorage 使用两个人类可读的纯文本文件进行持久化。
//
//	黑名单: host:port|protocol|failedAtUnix|failureCount
//	可用列表: host:port|protocol|latencyMillis (按延迟升序)
//
// 只有 "host:port" 的旧格式行也能被读取。
type FileStorage struct {
	blacklistPath string
	workingPath   string
	now           func() time.Time
	mu            sync.Mutex
}

// NewFileStorage 创建一个新的 FileStorage 实例。
func NewFileStorage(blacklistPath, workingPath string) *FileStorage {
	return &FileStorage{
		blacklistPath: blacklistPath,
		workingPath:   workingPath,
		now:           time.Now,
	}
}

func (fs *FileStorage) LoadBlacklist() ([]model.BlacklistEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	loadedAt := fs.now()
	var entries []model.BlacklistEntry
	err := readLines(fs.blacklistPath, func(lineNum int, fields []string) error {
		c, err := model.ParseCandidate(fields[0], model.ProtocolHTTP)
		if err != nil {
			return err
		}
		e := model.BlacklistEntry{Candidate: c, FailedAt: loadedAt, FailureCount: 1}
		if len(fields) >= 2 && fields[1] != "" {
			if e.Candidate.Protocol, err = model.ParseProtocol(fields[1]); err != nil {
				return err
			}
		}
		if len(fields) >= 3 {
			unix, err := strconv.ParseInt(fields[2], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid failed_at: %w", err)
			}
			if unix > 0 {
				e.FailedAt = time.Unix(unix, 0)
			}
		}
		if len(fields) >= 4 {
			if e.FailureCount, err = strconv.Atoi(fields[3]); err != nil {
				return fmt.Errorf("invalid failure_count: %w", err)
			}
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	l := logger.WithComponent("ProxyPool/Storage")
	l.Info().Int("count", len(entries)).Str("path", fs.blacklistPath).Msg("Loaded blacklist.")
	return entries, nil
}

func (fs *FileStorage) SaveBlacklist(entries []model.BlacklistEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(strings.Join([]string{
			e.Candidate.Addr(),
			string(e.Candidate.Protocol),
			strconv.FormatInt(e.FailedAt.Unix(), 10),
			strconv.Itoa(e.FailureCount),
		}, delimiter))
		sb.WriteString("\n")
	}
	if err := writeFileAtomic(fs.blacklistPath, sb.String()); err != nil {
		return err
	}
	l := logger.WithComponent("ProxyPool/Storage")
	l.Debug().Int("count", len(entries)).Str("path", fs.blacklistPath).Msg("Saved blacklist.")
	return nil
}

func (fs *FileStorage) LoadWorking() ([]model.WorkingEntry, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var entries []model.WorkingEntry
	err := readLines(fs.workingPath, func(lineNum int, fields []string) error {
		c, err := model.ParseCandidate(fields[0], model.ProtocolHTTP)
		if err != nil {
			return err
		}
		e := model.WorkingEntry{Candidate: c}
		if len(fields) >= 2 && fields[1] != "" {
			if e.Candidate.Protocol, err = model.ParseProtocol(fields[1]); err != nil {
				return err
			}
		}
		if len(fields) >= 3 {
			ms, err := strconv.ParseFloat(fields[2], 64)
			if err != nil {
				return fmt.Errorf("invalid latency: %w", err)
			}
			e.Latency = time.Duration(ms * float64(time.Millisecond))
		}
		entries = append(entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	l := logger.WithComponent("ProxyPool/Storage")
	l.Info().Int("count", len(entries)).Str("path", fs.workingPath).Msg("Loaded working proxy snapshot.")
	return entries, nil
}

func (fs *FileStorage) SaveWorking(entries []model.WorkingEntry) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(strings.Join([]string{
			e.Candidate.Addr(),
			string(e.Candidate.Protocol),
			strconv.FormatFloat(e.LatencyMillis(), 'f', 2, 64),
		}, delimiter))
		sb.WriteString("\n")
	}
	if err := writeFileAtomic(fs.workingPath, sb.String()); err != nil {
		return err
	}
	l := logger.WithComponent("ProxyPool/Storage")
	l.Debug().Int("count", len(entries)).Str("path", fs.workingPath).Msg("Saved working proxy snapshot.")
	return nil
}

func (fs *FileStorage) Close() error { return nil }

// readLines 逐行解析文件。文件不存在时视为空；格式错误的行被跳过并记录日志。
func readLines(path string, parse func(lineNum int, fields []string) error) error {
	l := logger.WithComponent("ProxyPool/Storage")

	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			l.Info().Str("path", path).Msg("Proxy data file not found, starting empty.")
			return nil
		}
		return fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if err := parse(lineNum, strings.Split(line, delimiter)); err != nil {
			l.Warn().Int("line", lineNum).Err(err).Str("path", path).Msg("Skipping malformed line.")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	return nil
}

// writeFileAtomic 先写临时文件再重命名，避免读者看到写了一半的文件。
func writeFileAtomic(path, content string) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.WriteString(content); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %v", model.ErrPersistenceIO, err)
	}
	return nil
}
