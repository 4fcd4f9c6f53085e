// Package kvstore implements a mutex-guarded, file-backed JSON mapping.
//
// Each Store owns one file holding a single JSON object. Every operation holds
// the store mutex for its whole read-modify-write cycle, so concurrent callers
// inside one process are serialized per store. Writes go to a temporary file in
// the same directory which is then renamed over the target, so readers never
// observe a half-written document. Concurrent writers in other processes are
// not supported.
package kvstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/spf13/afero"
	"go.uber.org/zap"
)

// ErrCorrupt reports a document that exists but is not a JSON object of the
// expected value type. Read returns it alongside an empty mapping.
var ErrCorrupt = errors.New("kvstore: corrupt document")

const emptyDocument = "{}\n"

// Config captures the parameters for a Store.
type Config struct {
	// Path is the document location on Fs.
	Path string
	// Fs defaults to the OS filesystem.
	Fs afero.Fs
	// Logger receives corruption warnings. Defaults to a no-op logger.
	Logger *zap.Logger
}

// Store is a persistent string-keyed mapping with values of type V.
type Store[V any] struct {
	mu     sync.Mutex
	fs     afero.Fs
	path   string
	logger *zap.Logger
}

// New creates a Store, initializing the document to {} when it does not exist.
func New[V any](cfg Config) (*Store[V], error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("kvstore: path is required")
	}
	if cfg.Fs == nil {
		cfg.Fs = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Store[V]{
		fs:     cfg.Fs,
		path:   cfg.Path,
		logger: cfg.Logger.With(zap.String("path", cfg.Path)),
	}
	if err := s.ensureFile(); err != nil {
		return nil, err
	}
	return s, nil
}

// Path returns the backing document location.
func (s *Store[V]) Path() string {
	return s.path
}

// Read returns a copy of the whole mapping. A corrupt document yields an empty
// mapping together with an error wrapping ErrCorrupt.
func (s *Store[V]) Read(ctx context.Context) (map[string]V, error) {
	if err := ctx.Err(); err != nil {
		return map[string]V{}, fmt.Errorf("kvstore read: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	data, _, err := s.load()
	return data, err
}

// Get returns the value stored under key.
func (s *Store[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	data, err := s.Read(ctx)
	if err != nil {
		return zero, false, err
	}
	v, ok := data[key]
	return v, ok, nil
}

// ListKeys returns all keys in lexicographic order.
func (s *Store[V]) ListKeys(ctx context.Context) ([]string, error) {
	data, err := s.Read(ctx)
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, err
}

// Upsert stores value under key, overwriting any previous value.
func (s *Store[V]) Upsert(ctx context.Context, key string, value V) error {
	return s.Update(ctx, key, func(V, bool) V { return value })
}

// Update replaces the value under key with fn(current, exists) inside a single
// locked read-modify-write cycle.
func (s *Store[V]) Update(ctx context.Context, key string, fn func(current V, exists bool) V) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("kvstore update: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, undecodable, err := s.load()
	if err != nil {
		// Never overwrite a document we could not parse.
		return err
	}
	current, exists := data[key]
	data[key] = fn(current, exists)
	delete(undecodable, key)
	return s.save(data, undecodable)
}

// Delete removes key and reports whether it existed.
func (s *Store[V]) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("kvstore delete: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, undecodable, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := data[key]
	_, bad := undecodable[key]
	if !ok && !bad {
		return false, nil
	}
	delete(data, key)
	delete(undecodable, key)
	if err := s.save(data, undecodable); err != nil {
		return false, err
	}
	return true, nil
}

// Snapshot returns the raw document bytes, as they are on disk.
func (s *Store[V]) Snapshot(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("kvstore snapshot: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	raw, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		return nil, fmt.Errorf("kvstore snapshot %s: %w", s.path, err)
	}
	return raw, nil
}

func (s *Store[V]) ensureFile() error {
	exists, err := afero.Exists(s.fs, s.path)
	if err != nil {
		return fmt.Errorf("kvstore stat %s: %w", s.path, err)
	}
	if exists {
		return nil
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := s.fs.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("kvstore create dir %s: %w", dir, err)
		}
	}
	if err := afero.WriteFile(s.fs, s.path, []byte(emptyDocument), 0o600); err != nil {
		return fmt.Errorf("kvstore init %s: %w", s.path, err)
	}
	return nil
}

// load must be called with mu held. Values whose JSON scalars do not match V
// are coerced to strings; values that still do not decode are returned raw in
// undecodable, left out of the mapping, and written back untouched by save.
func (s *Store[V]) load() (data map[string]V, undecodable map[string]json.RawMessage, err error) {
	raw, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if initErr := s.ensureFile(); initErr != nil {
				return map[string]V{}, nil, initErr
			}
			return map[string]V{}, nil, nil
		}
		return map[string]V{}, nil, fmt.Errorf("kvstore read %s: %w", s.path, err)
	}

	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]V{}, nil, s.corrupt(err)
	}
	if doc == nil {
		return map[string]V{}, nil, s.corrupt(errors.New("document is not an object"))
	}

	data = make(map[string]V, len(doc))
	for k, rawValue := range doc {
		v, err := decodeValue[V](rawValue)
		if err != nil {
			s.logger.Warn("skipping undecodable value; it is kept on disk as is",
				zap.String("key", k), zap.Error(err))
			if undecodable == nil {
				undecodable = make(map[string]json.RawMessage)
			}
			undecodable[k] = rawValue
			continue
		}
		data[k] = v
	}
	return data, undecodable, nil
}

// decodeValue unmarshals raw into V, retrying once with numbers and booleans
// turned into strings so hand-edited documents such as ["123", 456] still load.
func decodeValue[V any](raw json.RawMessage) (V, error) {
	var v V
	err := json.Unmarshal(raw, &v)
	if err == nil {
		return v, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if decErr := dec.Decode(&generic); decErr != nil {
		return v, err
	}
	coerced, marshalErr := json.Marshal(stringifyScalars(generic))
	if marshalErr != nil {
		return v, err
	}
	var retry V
	if retryErr := json.Unmarshal(coerced, &retry); retryErr != nil {
		return v, err
	}
	return retry, nil
}

func stringifyScalars(v any) any {
	switch t := v.(type) {
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	case []any:
		for i := range t {
			t[i] = stringifyScalars(t[i])
		}
		return t
	case map[string]any:
		for k := range t {
			t[k] = stringifyScalars(t[k])
		}
		return t
	default:
		return v
	}
}

func (s *Store[V]) corrupt(cause error) error {
	s.logger.Warn("persisted document is corrupt; treating as empty", zap.Error(cause))
	return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.path, cause)
}

// save must be called with mu held. undecodable values are written back
// verbatim next to data.
func (s *Store[V]) save(data map[string]V, undecodable map[string]json.RawMessage) error {
	doc := make(map[string]any, len(data)+len(undecodable))
	for k, v := range data {
		doc[k] = v
	}
	for k, raw := range undecodable {
		doc[k] = raw
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("kvstore marshal: %w", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := afero.TempFile(s.fs, dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("kvstore temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		if rmErr := s.fs.Remove(tmpName); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("failed to remove temp file", zap.String("temp", tmpName), zap.Error(rmErr))
		}
	}

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("kvstore write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("kvstore sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("kvstore close temp: %w", err)
	}
	if err := s.fs.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("kvstore rename: %w", err)
	}
	return nil
}
