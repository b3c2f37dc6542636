// Package assets reads the asset directory and per-type asset tables from
// object storage and assembles them into the dashboard graph.
package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/fortifai/core/internal/cache"
	"github.com/fortifai/core/internal/models"
	"github.com/fortifai/core/internal/observability"
	"github.com/fortifai/core/internal/parser"
	"github.com/fortifai/core/internal/storage"
)

// ErrUnknownAssetType is returned when the directory has no table for a type.
var ErrUnknownAssetType = errors.New("unknown asset type")

// Overlay supplies user-managed graph state.
type Overlay interface {
	ListNodes(ctx context.Context) ([]models.Node, error)
	Ignored(ctx context.Context) (map[string]string, error)
}

type Options struct {
	Source       storage.Source
	DirectoryKey string
	CacheTTL     time.Duration
	Concurrency  int
	Overlay      Overlay
	Metrics      *observability.Metrics
	Logger       *slog.Logger
}

type Service struct {
	source       storage.Source
	directoryKey string
	concurrency  int
	overlay      Overlay
	metrics      *observability.Metrics
	logger       *slog.Logger

	directory *cache.TTLCache[[]models.DirectoryEntry]
	tables    *cache.TTLCache[[]models.Record]
}

func New(opts Options) (*Service, error) {
	if opts.Source == nil {
		return nil, errors.New("asset source is required")
	}
	if opts.DirectoryKey == "" {
		opts.DirectoryKey = "asset_directory.parquet"
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	var cacheOpts []cache.Option
	if opts.Metrics != nil {
		cacheOpts = append(cacheOpts, cache.WithObserver(opts.Metrics))
	}

	directory, err := cache.New[[]models.DirectoryEntry](opts.CacheTTL, cacheOpts...)
	if err != nil {
		return nil, err
	}
	tables, err := cache.New[[]models.Record](opts.CacheTTL, cacheOpts...)
	if err != nil {
		directory.Close()
		return nil, err
	}

	return &Service{
		source:       opts.Source,
		directoryKey: opts.DirectoryKey,
		concurrency:  opts.Concurrency,
		overlay:      opts.Overlay,
		metrics:      opts.Metrics,
		logger:       opts.Logger.With("component", "assets", "source", opts.Source.Name()),
		directory:    directory,
		tables:       tables,
	}, nil
}

func (s *Service) Close() {
	s.directory.Close()
	s.tables.Close()
}

// Invalidate drops every cached object so the next read hits storage.
func (s *Service) Invalidate() {
	s.directory.Purge()
	s.tables.Purge()
}

func (s *Service) GetAssetDirectory(ctx context.Context) ([]models.DirectoryEntry, error) {
	return s.directory.GetOrLoad(ctx, s.directoryKey, func(ctx context.Context, key string) ([]models.DirectoryEntry, error) {
		data, err := s.source.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch asset directory: %w", err)
		}
		entries, err := parser.ParseDirectory(data)
		if err != nil {
			return nil, err
		}
		s.logger.Debug("loaded asset directory", "entries", len(entries))
		return entries, nil
	})
}

// ReadColumnarFile returns the records of one asset table. A table is not
// re-read from storage within the cache TTL.
func (s *Service) ReadColumnarFile(ctx context.Context, path string) ([]models.Record, error) {
	return s.tables.GetOrLoad(ctx, path, func(ctx context.Context, key string) ([]models.Record, error) {
		data, err := s.source.Get(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch %s: %w", key, err)
		}
		records, err := parser.ParseRecords(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", key, err)
		}
		return records, nil
	})
}

// ReadAssetType returns the records of every table registered for assetType.
func (s *Service) ReadAssetType(ctx context.Context, assetType string) ([]models.Record, error) {
	entries, err := s.GetAssetDirectory(ctx)
	if err != nil {
		return nil, err
	}

	var records []models.Record
	found := false
	for _, entry := range entries {
		if !strings.EqualFold(entry.AssetType, assetType) {
			continue
		}
		found = true
		rows, err := s.ReadColumnarFile(ctx, entry.AssetTable)
		s.metrics.ObserveAssetRead(entry.AssetType, err)
		if err != nil {
			return nil, err
		}
		records = append(records, rows...)
	}

	if !found {
		return nil, fmt.Errorf("%s: %w", assetType, ErrUnknownAssetType)
	}
	if records == nil {
		records = []models.Record{}
	}
	return records, nil
}

type tableResult struct {
	records []models.Record
	err     error
}

// BuildGraph reads every table in the directory and assembles the graph.
// A table that cannot be read is skipped and reported in the graph stats;
// only a directory failure fails the build.
func (s *Service) BuildGraph(ctx context.Context) (graph *models.Graph, err error) {
	start := time.Now()
	defer func() { s.metrics.ObserveGraphBuild(start, err) }()

	entries, err := s.GetAssetDirectory(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]tableResult, len(entries))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, entry := range entries {
		g.Go(func() error {
			records, err := s.ReadColumnarFile(ctx, entry.AssetTable)
			s.metrics.ObserveAssetRead(entry.AssetType, err)
			results[i] = tableResult{records: records, err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	assets := make(map[string][]models.Record)
	var failures *multierror.Error
	skipped := []string{}
	failed := make(map[string]bool)
	for i, entry := range entries {
		if results[i].err != nil {
			failures = multierror.Append(failures, fmt.Errorf("%s: %w", entry.AssetType, results[i].err))
			if !failed[entry.AssetType] {
				failed[entry.AssetType] = true
				skipped = append(skipped, entry.AssetType)
			}
			continue
		}
		assets[entry.AssetType] = append(assets[entry.AssetType], results[i].records...)
	}

	if failures.ErrorOrNil() != nil {
		s.logger.Warn("skipped asset types while building graph",
			"skipped", skipped, "error", failures.Error())
	}

	opts := parser.BuildOptions{Skipped: skipped}
	s.loadOverlay(ctx, &opts)

	graph = parser.BuildGraph(assets, opts)
	s.logger.Info("asset graph built",
		"nodes", len(graph.Nodes), "links", len(graph.Links),
		"asset_types", len(entries), "duration", time.Since(start).String())

	return graph, nil
}

func (s *Service) loadOverlay(ctx context.Context, opts *parser.BuildOptions) {
	if s.overlay == nil {
		return
	}

	nodes, err := s.overlay.ListNodes(ctx)
	if err != nil {
		s.logger.Warn("failed to load overlay nodes", "error", err)
	} else {
		opts.Overlay = nodes
	}

	ignored, err := s.overlay.Ignored(ctx)
	if err != nil {
		s.logger.Warn("failed to load ignore list", "error", err)
	} else {
		opts.Ignored = ignored
	}
}
