package secretstore

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
)

// EnvPrefix 从 .env 导入的变量统一存放在 env/ 前缀下，例如 env/VAST_API_KEY
const EnvPrefix = "env/"

// Store is a small encrypted-at-rest KV wrapper (Badger).
// Encryption is provided by Badger options (value log + key registry), not by this wrapper.
type Store struct {
	db *badger.DB
}

type OpenOptions struct {
	Path          string
	EncryptionKey []byte // 32 bytes; nil opens without encryption
	ReadOnly      bool
	InMemory      bool // tests only
}

func Open(opts OpenOptions) (*Store, error) {
	if !opts.InMemory && strings.TrimSpace(opts.Path) == "" {
		return nil, errors.New("secretstore: path is required")
	}
	bopts := badger.DefaultOptions(opts.Path).
		WithLogger(nil).
		WithReadOnly(opts.ReadOnly)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	if len(opts.EncryptionKey) > 0 {
		// Badger requires index cache for encrypted workloads
		bopts = bopts.
			WithEncryptionKey(opts.EncryptionKey).
			WithIndexCacheSize(100 << 20) // 100MB
	}
	db, err := badger.Open(bopts)
	if err != nil {
		return nil, errors.Wrapf(err, "secretstore: open %s", opts.Path)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// LookupEnv 读取 env/<name>，签名与 config.SecretLookup 一致。
// 返回 (值, 是否存在, 错误)
func (s *Store) LookupEnv(name string) (string, bool, error) {
	name = strings.TrimSpace(name)
	if s == nil || s.db == nil {
		return "", false, errors.New("secretstore: not opened")
	}
	if name == "" {
		return "", false, errors.New("secretstore: name is empty")
	}
	var (
		out   string
		found bool
	)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(EnvPrefix + name))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		val, err := item.ValueCopy(nil)
		out = string(val)
		return err
	})
	if err != nil {
		return "", false, errors.Wrapf(err, "secretstore: lookup %s", name)
	}
	return out, found, nil
}

// ImportEnv 把 .env 解析结果写入 env/ 前缀下，返回写入的变量名（已排序）。
// 空值跳过，避免覆盖已有凭证。
func (s *Store) ImportEnv(vars map[string]string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("secretstore: not opened")
	}
	names := make([]string, 0, len(vars))
	for name, val := range vars {
		name = strings.TrimSpace(name)
		if name == "" || strings.TrimSpace(val) == "" {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, name := range names {
		if err := wb.Set([]byte(EnvPrefix+name), []byte(vars[name])); err != nil {
			return nil, errors.Wrapf(err, "secretstore: import %s", name)
		}
	}
	if err := wb.Flush(); err != nil {
		return nil, errors.Wrap(err, "secretstore: flush import")
	}
	return names, nil
}

// ParseKey expects 32 bytes (hex, optional 0x prefix, or base64). Returns nil if input is empty.
func ParseKey(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	// hex 优先，避免把 hex 字符串误当成 base64
	if b, err := hex.DecodeString(strings.TrimPrefix(raw, "0x")); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(raw); err == nil {
		if len(b) != 32 {
			return nil, fmt.Errorf("decoded key length must be 32, got %d", len(b))
		}
		return b, nil
	}
	return nil, errors.New("key must be base64(32 bytes) or hex(32 bytes)")
}
