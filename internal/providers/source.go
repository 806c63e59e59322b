// Package providers supplies raw usage records to the pipeline.
package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/cost-guardian/internal/normalizer"
)

// Source fetches raw usage records for [start, end).
type Source interface {
	Name() string
	Fetch(ctx context.Context, start, end time.Time) ([]normalizer.RawUsageRecord, error)
}

// FileSource replays a JSON array or JSONL file of raw records. The window
// is ignored; the whole file is returned.
type FileSource struct {
	Path string
}

// NewFileSource creates a file source.
func NewFileSource(path string) *FileSource {
	return &FileSource{Path: path}
}

// Name returns the source name
func (f *FileSource) Name() string {
	return "file:" + f.Path
}

// Fetch reads the file.
func (f *FileSource) Fetch(ctx context.Context, _, _ time.Time) ([]normalizer.RawUsageRecord, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.Path, err)
	}
	return Decode(ctx, bytes.NewReader(data))
}

// Decode reads a JSON array or one JSON object per line. Blank lines are
// skipped. A record that fails to decode is returned with DecodeErr set so
// the pipeline rejects it alone; only a broken array or an unreadable
// stream fails the call.
func Decode(ctx context.Context, r io.Reader) ([]normalizer.RawUsageRecord, error) {
	br := bufio.NewReader(r)
	first, err := peekNonSpace(br)
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if first == '[' {
		var elems []json.RawMessage
		if err := json.NewDecoder(br).Decode(&elems); err != nil {
			return nil, fmt.Errorf("failed to decode record array: %w", err)
		}
		records := make([]normalizer.RawUsageRecord, 0, len(elems))
		for i, elem := range elems {
			records = append(records, decodeRecord(elem, fmt.Sprintf("record %d", i)))
		}
		return records, nil
	}

	var records []normalizer.RawUsageRecord
	scanner := bufio.NewScanner(br)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if line%10000 == 0 && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		records = append(records, decodeRecord(text, fmt.Sprintf("line %d", line)))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan records: %w", err)
	}
	return records, nil
}

func decodeRecord(data []byte, where string) normalizer.RawUsageRecord {
	var rec normalizer.RawUsageRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return normalizer.RawUsageRecord{
			AccountID:   rec.AccountID,
			ServiceName: rec.ServiceName,
			ResourceID:  rec.ResourceID,
			DecodeErr:   fmt.Errorf("%s: %w", where, err),
		}
	}
	return rec
}

func peekNonSpace(br *bufio.Reader) (byte, error) {
	for {
		b, err := br.ReadByte()
		if err != nil {
			return 0, err
		}
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		}
		if err := br.UnreadByte(); err != nil {
			return 0, err
		}
		return b, nil
	}
}

// FetchAll queries every source concurrently and concatenates the results
// in source order. Any failing source fails the fetch.
func FetchAll(ctx context.Context, sources []Source, start, end time.Time, logger *zap.Logger) ([]normalizer.RawUsageRecord, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	results := make([][]normalizer.RawUsageRecord, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	for i, src := range sources {
		g.Go(func() error {
			records, err := src.Fetch(gctx, start, end)
			if err != nil {
				return fmt.Errorf("source %s: %w", src.Name(), err)
			}
			logger.Info("Fetched usage records",
				zap.String("source", src.Name()),
				zap.Int("records", len(records)),
			)
			results[i] = records
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []normalizer.RawUsageRecord
	for _, r := range results {
		out = append(out, r...)
	}
	return out, nil
}
