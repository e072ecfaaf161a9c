package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/any-hub/appshell/internal/fetch"
)

// NewDiskStorage 以 basePath 为根目录构建磁盘缓存，每个缓存名对应一个子目录。
func NewDiskStorage(basePath string) (Storage, error) {
	if basePath == "" {
		return nil, errors.New("storage path required")
	}

	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve storage path: %w", err)
	}

	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	return &fileStorage{
		basePath: abs,
		locks:    make(map[string]*entryLock),
	}, nil
}

// fileStorage 通过 entryLock 避免同一条目并发写入，同时复用 basePath。
type fileStorage struct {
	basePath string

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

// entryMeta 是条目的元数据文件（<sha>.json），写入顺序在 body 之后，作为提交点。
type entryMeta struct {
	Key       RequestKey  `json:"key"`
	Status    int         `json:"status"`
	Header    http.Header `json:"header"`
	Type      fetch.Type  `json:"type"`
	URL       string      `json:"response_url"`
	BodyFile  string      `json:"body_file"`
	SizeBytes int64       `json:"size_bytes"`
	StoredAt  time.Time   `json:"stored_at"`
}

func (s *fileStorage) Driver() string {
	return DriverDisk
}

func (s *fileStorage) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache %s: %w", name, err)
	}
	return &fileStore{storage: s, name: name, dir: dir}, nil
}

func (s *fileStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return info.IsDir(), nil
}

func (s *fileStorage) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.basePath)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || ValidateName(entry.Name()) != nil {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return names, nil
}

func (s *fileStorage) Delete(ctx context.Context, name string) (bool, error) {
	exists, err := s.Has(ctx, name)
	if err != nil || !exists {
		return false, err
	}
	dir, err := s.cacheDir(name)
	if err != nil {
		return false, err
	}
	if err := os.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete cache %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStorage) cacheDir(name string) (string, error) {
	if err := ValidateName(name); err != nil {
		return "", err
	}
	dir := filepath.Join(s.basePath, name)
	if filepath.Dir(dir) != s.basePath {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return dir, nil
}

func (s *fileStorage) lockEntry(key string) func() {
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

// fileStore 是 fileStorage 下的单个缓存目录。
type fileStore struct {
	storage *fileStorage
	name    string
	dir     string
}

func (s *fileStore) Name() string {
	return s.name
}

func (s *fileStore) Match(ctx context.Context, key RequestKey) (*fetch.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	metaPath := s.metaPath(key)
	unlock := s.storage.lockEntry(s.lockKey(key))
	defer unlock()

	meta, err := readMeta(metaPath)
	if err != nil {
		return nil, err
	}
	if meta.Key != key {
		return nil, ErrNotFound
	}

	bodyPath, err := bodyPathFor(metaPath, meta)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(bodyPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return fetch.NewResponse(meta.Status, meta.Header.Clone(), meta.Type, meta.URL, f), nil
}

// Put 先把 body 落到本次写入独占的文件名，再以元数据 rename 作为唯一提交点；
// 提交后才删除旧 body，任何时刻元数据都只指向完整写入的 body。
func (s *fileStore) Put(ctx context.Context, key RequestKey, resp *fetch.Response) error {
	if resp == nil {
		return errors.New("response required")
	}
	body, err := resp.Body()
	if err != nil {
		return err
	}
	defer body.Close()

	unlock := s.storage.lockEntry(s.lockKey(key))
	defer unlock()

	metaPath := s.metaPath(key)
	dir := filepath.Dir(metaPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempBody, written, err := writeTemp(dir, func(w io.Writer) (int64, error) {
		return copyWithContext(ctx, w, body)
	})
	if err != nil {
		return err
	}

	bodyFile := key.digest() + "." + uuid.NewString() + ".body"
	bodyPath := filepath.Join(dir, bodyFile)
	if err := os.Rename(tempBody, bodyPath); err != nil {
		os.Remove(tempBody)
		return err
	}

	meta := entryMeta{
		Key:       key,
		Status:    resp.Status,
		Header:    storableHeader(resp.Header),
		Type:      resp.Type,
		URL:       resp.URL,
		BodyFile:  bodyFile,
		SizeBytes: written,
		StoredAt:  time.Now().UTC(),
	}
	tempMeta, _, err := writeTemp(dir, func(w io.Writer) (int64, error) {
		return 0, json.NewEncoder(w).Encode(meta)
	})
	if err != nil {
		os.Remove(bodyPath)
		return err
	}

	previous, prevErr := readMeta(metaPath)
	if err := os.Rename(tempMeta, metaPath); err != nil {
		os.Remove(tempMeta)
		os.Remove(bodyPath)
		return err
	}
	if prevErr == nil {
		if oldBody, err := bodyPathFor(metaPath, previous); err == nil && oldBody != bodyPath {
			os.Remove(oldBody)
		}
	}
	return nil
}

func (s *fileStore) Delete(ctx context.Context, key RequestKey) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	unlock := s.storage.lockEntry(s.lockKey(key))
	defer unlock()

	metaPath := s.metaPath(key)
	meta, metaErr := readMeta(metaPath)
	if errors.Is(metaErr, ErrNotFound) {
		return false, nil
	}
	if err := os.Remove(metaPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	// 元数据损坏时无法定位 body，残留文件不会再被任何条目引用。
	if metaErr != nil {
		return true, nil
	}
	bodyPath, err := bodyPathFor(metaPath, meta)
	if err != nil {
		return true, nil
	}
	if err := os.Remove(bodyPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return true, err
	}
	return true, nil
}

func (s *fileStore) Keys(ctx context.Context) ([]RequestKey, error) {
	var keys []RequestKey
	err := filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".json") || strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		meta, err := readMeta(p)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				return nil
			}
			return err
		}
		keys = append(keys, meta.Key)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortKeys(keys)
	return keys, nil
}

func (s *fileStore) metaPath(key RequestKey) string {
	digest := key.digest()
	return filepath.Join(s.dir, digest[:2], digest+".json")
}

// bodyPathFor 解析元数据引用的 body 文件，只接受同目录下的文件名。
func bodyPathFor(metaPath string, meta entryMeta) (string, error) {
	name := meta.BodyFile
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", fmt.Errorf("cache metadata %s: invalid body file %q", metaPath, name)
	}
	return filepath.Join(filepath.Dir(metaPath), name), nil
}

func (s *fileStore) lockKey(key RequestKey) string {
	return s.name + "::" + key.String()
}

func readMeta(path string) (entryMeta, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return entryMeta{}, ErrNotFound
		}
		return entryMeta{}, err
	}
	var meta entryMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return entryMeta{}, fmt.Errorf("decode cache metadata %s: %w", path, err)
	}
	return meta, nil
}

// writeTemp 写入 dir 下的临时文件，失败时负责清理并返回错误。
func writeTemp(dir string, write func(io.Writer) (int64, error)) (string, int64, error) {
	tempFile, err := os.CreateTemp(dir, ".cache-*")
	if err != nil {
		return "", 0, err
	}
	tempName := tempFile.Name()

	written, err := write(tempFile)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tempName)
		return "", 0, err
	}
	return tempName, written, nil
}

func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var copied int64
	buf := make([]byte, 32*1024)
	for {
		if err := ctx.Err(); err != nil {
			return copied, err
		}
		n, err := src.Read(buf)
		if n > 0 {
			w, wErr := dst.Write(buf[:n])
			copied += int64(w)
			if wErr != nil {
				return copied, wErr
			}
			if w < n {
				return copied, io.ErrShortWrite
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return copied, nil
			}
			return copied, err
		}
	}
}

func sortKeys(keys []RequestKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL == keys[j].URL {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].URL < keys[j].URL
	})
}
