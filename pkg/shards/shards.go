// Package shards writes the sharded repodata layout: one content-addressed,
// zstd-compressed msgpack document per package name, plus a manifest mapping
// names to shard digests.
package shards

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/glorpus-work/conda-index/pkg/model"
	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// ShardSuffix is appended to the hex digest to form a shard filename.
const ShardSuffix = ".msgpack.zst"

// ManifestName is the top-level shard index file.
const ManifestName = "repodata_shards" + ShardSuffix

// Emitter partitions repodata by package name. Shard writes are
// content-addressed and therefore idempotent: an existing shard file is
// never rewritten.
type Emitter struct {
	// BaseURL and ShardsBaseURL are emitted as empty strings when unset,
	// for cross-tool compatibility.
	BaseURL       string
	ShardsBaseURL string

	encoder *zstd.Encoder
}

// NewEmitter creates an Emitter with a shared zstd encoder. Higher
// compression levels are a waste of time for this collection of small
// objects.
func NewEmitter(baseURL, shardsBaseURL string) (*Emitter, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	return &Emitter{
		BaseURL:       baseURL,
		ShardsBaseURL: shardsBaseURL,
		encoder:       encoder,
	}, nil
}

// Close releases the encoder.
func (e *Emitter) Close() {
	if e.encoder != nil {
		e.encoder.Close()
		e.encoder = nil
	}
}

// Emit writes one shard per package name into outputDir and returns the
// encoded, compressed manifest for the caller to place atomically.
func (e *Emitter) Emit(ctx context.Context, rd *model.Repodata, outputDir string) ([]byte, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, err
	}

	shardDocs := partition(rd)

	names := make([]string, 0, len(shardDocs))
	for name := range shardDocs {
		names = append(names, name)
	}
	sort.Strings(names)

	// sorted map keys make equal input encode to equal bytes, so shard
	// digests stay stable across runs
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	enc.SetSortMapKeys(true)

	shards := make(map[string]any, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		buf.Reset()
		if err := enc.Encode(shardDocs[name]); err != nil {
			return nil, fmt.Errorf("encode shard %s: %w", name, err)
		}
		compressed := e.encoder.EncodeAll(buf.Bytes(), nil)
		digest := sha256.Sum256(compressed)

		path := filepath.Join(outputDir, hex.EncodeToString(digest[:])+ShardSuffix)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := writeFileAtomic(path, compressed); err != nil {
				return nil, err
			}
		}
		shards[name] = digest[:]
	}

	manifest := map[string]any{
		"info": map[string]any{
			"subdir":          rd.Info.Subdir,
			"base_url":        e.BaseURL,
			"shards_base_url": e.ShardsBaseURL,
		},
		"repodata_version": rd.RepodataVersion,
		"removed":          rd.Removed,
		"shards":           shards,
	}
	buf.Reset()
	if err := enc.Encode(manifest); err != nil {
		return nil, fmt.Errorf("encode shard manifest: %w", err)
	}
	return e.encoder.EncodeAll(buf.Bytes(), nil), nil
}

// partition splits the document into per-name shard documents with packed
// records.
func partition(rd *model.Repodata) map[string]map[string]any {
	docs := map[string]map[string]any{}
	add := func(group string, fn string, record model.Record) {
		name := record.Name()
		if name == "" {
			return
		}
		doc, ok := docs[name]
		if !ok {
			doc = map[string]any{
				"packages":       map[string]any{},
				"packages.conda": map[string]any{},
			}
			docs[name] = doc
		}
		doc[group].(map[string]any)[fn] = packRecord(record)
	}
	for fn, record := range rd.Packages {
		add("packages", fn, record)
	}
	for fn, record := range rd.PackagesConda {
		add("packages.conda", fn, record)
	}
	return docs
}

// packRecord converts a JSON record for msgpack: hex checksums become raw
// bytes, json.Number becomes a real integer.
func packRecord(record model.Record) map[string]any {
	out := make(map[string]any, len(record))
	for k, v := range record {
		out[k] = packValue(k, v)
	}
	return out
}

func packValue(key string, v any) any {
	switch value := v.(type) {
	case json.Number:
		if n, err := value.Int64(); err == nil {
			return n
		}
		return value.String()
	case string:
		if key == "sha256" || key == "md5" {
			if raw, err := hex.DecodeString(value); err == nil {
				return raw
			}
		}
		return value
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = packValue("", item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = packValue(k, item)
		}
		return out
	default:
		return v
	}
}

// UnpackRecord reverses packRecord, for tests and tools reading shards.
func UnpackRecord(raw map[string]any) model.Record {
	out := make(model.Record, len(raw))
	for k, v := range raw {
		out[k] = unpackValue(k, v)
	}
	return out
}

func unpackValue(key string, v any) any {
	switch value := v.(type) {
	case []byte:
		if key == "sha256" || key == "md5" {
			return hex.EncodeToString(value)
		}
		return value
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = unpackValue("", item)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, item := range value {
			out[k] = unpackValue(k, item)
		}
		return out
	default:
		return v
	}
}

// Decompress reads a zstd-compressed msgpack file into v.
func Decompress(path string, v any) error {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return err
	}
	defer decoder.Close()
	data, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return fmt.Errorf("decompress %s: %w", path, err)
	}
	return msgpack.Unmarshal(data, v)
}

// writeFileAtomic places content under its final name via temp + rename so
// a reader never observes a partial shard.
func writeFileAtomic(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(content); err != nil {
		_ = tmp.Close()
		_ = os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}

// ShardPath returns the on-disk path for a digest inside outputDir.
func ShardPath(outputDir string, digest []byte) string {
	return filepath.Join(outputDir, strings.ToLower(hex.EncodeToString(digest))+ShardSuffix)
}
