package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	yaml "go.yaml.in/yaml/v3"

	logx "pushbot/pkg/logx"
)

// fileStore keeps every document in its own file.
//
// Files:
//   - <prefix>.<document>.json|yaml (rewritten whole via tmp + rename)
//   - <prefix>.audit.jsonl          (append-only JSON Lines)
//
// The document format follows the extension of the configured path, so an
// operator can hand-edit a yaml subscription list; reconciliation repairs the
// producer side on the next start.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	prefix string
	yaml   bool

	auditFile *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := strings.ToLower(filepath.Ext(base))
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:       log,
		prefix:    prefix,
		yaml:      ext == ".yaml" || ext == ".yml",
		auditFile: af,
	}, nil
}

func (s *fileStore) docPath(name string) string {
	if s.yaml {
		return s.prefix + "." + name + ".yaml"
	}
	return s.prefix + "." + name + ".json"
}

func (s *fileStore) LoadDocument(ctx context.Context, name string, out any) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := os.ReadFile(s.docPath(name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return false, nil
	}
	if s.yaml {
		err = yaml.Unmarshal(b, out)
	} else {
		err = json.Unmarshal(b, out)
	}
	if err != nil {
		return false, fmt.Errorf("decode document %s: %w", name, err)
	}
	return true, nil
}

func (s *fileStore) SaveDocument(ctx context.Context, name string, v any) error {
	_ = ctx
	var (
		b   []byte
		err error
	)
	if s.yaml {
		b, err = yaml.Marshal(v)
	} else {
		b, err = json.MarshalIndent(v, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("encode document %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}

	path := s.docPath(name)
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	s.log.Trace("document saved", logx.String("doc", name), logx.Int("bytes", len(b)))
	return nil
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
