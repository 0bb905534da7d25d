package weave

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Config holds settings and state for an Engine.
type Config struct {
	// Assemblies are the image paths to weave in place.
	Assemblies []string
	// References are "name=path" or path entries resolving types outside the woven assemblies.
	References                       []string
	CacheDir                         string
	CacheMB, Parallelism             int
	ReportJsonFile, ReportChartsFile string
	Diffs, DryRun                    bool
	// ClearJournal forgets every journal record before weaving, ListJournal asks the caller to
	// print the records. Both need CacheDir and allow an empty Assemblies list.
	ClearJournal, ListJournal bool
	Logger                    zerolog.Logger
	// Computed fields
	AbsAssemblies []string
	AbsCacheDir   string
	// Custom flags support - all stored as strings for ease of use
	CustomFlags map[string]string
	// Internal state tracking
	prepared bool
}

// Option adjusts the configuration of a single Weave call.
type Option func(*Config)

// WithLogger sets the logger warnings and progress are written to.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Config) {
		c.Logger = logger
	}
}

// WithCacheDir persists the weave journal in dir.
func WithCacheDir(dir string, cacheMB int) Option {
	return func(c *Config) {
		c.CacheDir, c.CacheMB = dir, cacheMB
	}
}

// WithReport writes the JSON report and charts, either path may be empty.
func WithReport(jsonFile, chartsFile string) Option {
	return func(c *Config) {
		c.ReportJsonFile, c.ReportChartsFile = jsonFile, chartsFile
	}
}

// WithDiffs includes the disassembly diff of each woven method in the report.
func WithDiffs() Option {
	return func(c *Config) {
		c.Diffs = true
	}
}

// WithDryRun weaves without writing any image.
func WithDryRun() Option {
	return func(c *Config) {
		c.DryRun = true
	}
}

// Prepare validates the configuration and resolves computed fields. It can only be called once.
func (c *Config) Prepare() error {
	if c.prepared {
		return errors.New("config has already been prepared")
	}

	journalOnly := c.ClearJournal || c.ListJournal
	if len(c.Assemblies) == 0 && !journalOnly {
		return errors.New("at least one assembly is required")
	} else if journalOnly && c.CacheDir == "" {
		return errors.New("journal options require a cache directory")
	} else if c.CacheMB < 0 {
		return fmt.Errorf("cache size must not be negative, got %d", c.CacheMB)
	} else if c.Parallelism < 0 {
		return fmt.Errorf("parallelism must not be negative, got %d", c.Parallelism)
	}

	seen := make(map[string]bool, len(c.Assemblies))
	c.AbsAssemblies = c.AbsAssemblies[:0]
	for _, path := range c.Assemblies {
		absPath, err := c.validateFilePath(path)
		if err != nil {
			return fmt.Errorf("invalid assembly: %w", err)
		} else if seen[absPath] {
			return fmt.Errorf("assembly listed twice: %s", path)
		}
		seen[absPath] = true
		c.AbsAssemblies = append(c.AbsAssemblies, absPath)
	}
	for _, ref := range c.References {
		if _, path, err := ParseReference(ref); err != nil {
			return err
		} else if _, err := c.validateFilePath(path); err != nil {
			return fmt.Errorf("invalid reference: %w", err)
		}
	}

	if c.CacheDir != "" {
		absCacheDir, err := filepath.Abs(c.CacheDir)
		if err != nil {
			return fmt.Errorf("error resolving cache directory: %w", err)
		}
		c.AbsCacheDir = absCacheDir
	}
	if c.CacheMB == 0 {
		c.CacheMB = 64
	}
	if c.Parallelism == 0 {
		c.Parallelism = runtime.NumCPU()
	}
	if err := c.validateOutputPath(c.ReportJsonFile, ".json"); err != nil {
		return fmt.Errorf("invalid report file: %w", err)
	} else if err := c.validateOutputPath(c.ReportChartsFile, ".png", ".jpg", ".jpeg", ".svg"); err != nil {
		return fmt.Errorf("invalid charts file: %w", err)
	}

	c.prepared = true
	return nil
}

func (c *Config) validateFilePath(path string) (string, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("error resolving path: %w", err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("file does not exist: %s", absPath)
	} else if info.IsDir() {
		return "", fmt.Errorf("path is a directory, not a file: %s", absPath)
	}
	return absPath, nil
}

func (c *Config) validateOutputPath(path string, suffixes ...string) error {
	if path == "" {
		return nil
	}
	var suffixOk bool
	for _, suffix := range suffixes {
		if strings.HasSuffix(path, suffix) {
			suffixOk = true
			break
		}
	}
	if !suffixOk {
		return fmt.Errorf("file must end with one of %s: %s", strings.Join(suffixes, ", "), path)
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if info, err := os.Stat(dir); err != nil {
			return fmt.Errorf("output directory does not exist: %s", dir)
		} else if !info.IsDir() {
			return fmt.Errorf("output path parent is not a directory: %s", dir)
		}
	}
	return nil
}

// Engine weaves a set of assemblies in parallel, journaling every image it writes.
type Engine struct {
	config    Config
	logger    zerolog.Logger
	resolver  *Resolver
	describer *Describer
	weaver    *Weaver
	journal   *Journal
	store     Storage
	paths     *stripedMutex
}

// NewEngine prepares the configuration when needed and opens the journal.
func NewEngine(config Config) (*Engine, error) {
	if !config.prepared {
		if err := config.Prepare(); err != nil {
			return nil, err
		}
	}
	resolver, err := NewResolver(config.References...)
	if err != nil {
		return nil, err
	}
	describer, err := NewDescriber(resolver)
	if err != nil {
		return nil, err
	}
	var store Storage
	if config.AbsCacheDir != "" {
		if store, err = NewBadgerStorage(config.AbsCacheDir, config.CacheMB, config.Logger); err != nil {
			describer.Close()
			return nil, fmt.Errorf("open journal: %w", err)
		}
	} else {
		store = NewMemStorage()
	}
	return &Engine{
		config:    config,
		logger:    config.Logger,
		resolver:  resolver,
		describer: describer,
		weaver:    NewWeaver(resolver, describer, config.Logger, config.Diffs),
		journal:   NewJournal(store),
		store:     store,
		paths:     newDefaultStripedMutex(),
	}, nil
}

// Journal returns the record of images written by this and previous runs.
func (e *Engine) Journal() *Journal {
	return e.journal
}

// Close releases the journal storage and caches.
func (e *Engine) Close() {
	e.describer.Close()
	e.store.Close()
}

// Run weaves every configured assembly and writes the configured reports. Each assembly either
// is replaced completely or left untouched; failures are aggregated in the returned error, which
// is returned along with the report.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	startTime := time.Now()
	var mu sync.Mutex
	var errs *multierror.Error
	if e.config.ClearJournal {
		if err := e.journal.Clear(); err != nil {
			return nil, fmt.Errorf("clear journal: %w", err)
		}
		e.logger.Info().Str("cache_dir", e.config.AbsCacheDir).Msg("journal cleared")
	}
	reports := make([]AssemblyReport, len(e.config.AbsAssemblies))

	errGroup := &errgroup.Group{}
	errGroup.SetLimit(e.config.Parallelism)
	for i, path := range e.config.AbsAssemblies {
		errGroup.Go(func() error {
			if err := ctx.Err(); err != nil {
				reports[i] = AssemblyReport{Path: path, Error: err.Error()}
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
				return nil
			}
			report, err := e.weavePath(path)
			if err != nil {
				var weaveErr *WeaveError
				var multiErr *multierror.Error
				if !errors.As(err, &weaveErr) && !errors.As(err, &multiErr) {
					err = &WeaveError{Assembly: path, Err: err}
				}
				report.Error = err.Error()
				e.logger.Error().Err(err).Str("path", path).Msg("assembly not woven")
				mu.Lock()
				errs = multierror.Append(errs, err)
				mu.Unlock()
			}
			reports[i] = report
			return nil
		})
	}
	_ = errGroup.Wait()

	report := NewReport(startTime, reports)
	report.DryRun = e.config.DryRun
	if err := report.WriteToFile(e.config.ReportJsonFile); err != nil {
		errs = multierror.Append(errs, err)
	} else if err := report.WriteCharts(e.config.ReportChartsFile); err != nil {
		errs = multierror.Append(errs, err)
	}
	return report, errs.ErrorOrNil()
}

// weavePath runs the load, weave and write cycle for one image under its lock.
func (e *Engine) weavePath(path string) (report AssemblyReport, err error) {
	start := time.Now()
	report.Path = path
	defer func() {
		report.Duration = time.Since(start).Milliseconds()
	}()

	mu := e.paths.Lock(path)
	defer mu.Unlock()
	lock, err := lockFile(path)
	if err != nil {
		return report, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			e.logger.Warn().Err(err).Str("path", path).Msg("lock not released")
		}
	}()

	data, err := os.ReadFile(path)
	if err != nil {
		return report, err
	}
	if rec, ok, err := e.journal.Lookup(data); err != nil {
		return report, err
	} else if ok {
		e.logger.Info().Str("path", path).Time("woven_at", rec.WovenAt).Msg("image unchanged since woven, skipping")
		report.Assembly, report.Skipped = rec.Assembly, true
		return report, nil
	}

	a, err := DecodeImage(data)
	if err != nil {
		return report, fmt.Errorf("%s: %w", path, err)
	}
	a.Path = path
	report.Assembly = a.Name
	if report.Symbols, err = loadSymbols(a, path); err != nil {
		return report, err
	} else if a.WovenBy != "" {
		e.logger.Info().Str("assembly", a.Name).Str("woven_by", a.WovenBy).Msg("assembly already woven, skipping")
		report.Skipped = true
		return report, nil
	}

	diags := NewDiagnostics(e.logger.With().Str("assembly", a.Name).Logger())
	report.Methods, err = e.weaver.WeaveAssembly(a, diags)
	report.Warnings = diags.Items()
	if err != nil {
		return report, err
	} else if e.config.DryRun {
		return report, nil
	}

	image, err := writeAssembly(a, path, report.Symbols)
	if err != nil {
		return report, &WeaveError{Assembly: a.Name, Err: err}
	}
	if err := e.journal.Record(image, JournalRecord{
		Assembly: a.Name,
		Path:     path,
		Mvid:     a.Mvid.String(),
		WovenAt:  time.Now(),
		Methods:  len(report.Methods),
		Warnings: len(report.Warnings),
	}); err != nil {
		e.logger.Warn().Err(err).Str("assembly", a.Name).Msg("journal record failed")
	}
	e.logger.Info().Str("assembly", a.Name).Int("methods", len(report.Methods)).
		Int("warnings", len(report.Warnings)).Msg("woven")
	return report, nil
}

// Weave weaves the single assembly at assemblyPath in place, resolving aspect and runtime types
// through refs. Failures are *WeaveError values, aggregated when several methods failed.
func Weave(ctx context.Context, assemblyPath string, refs []string, opts ...Option) error {
	config := Config{
		Assemblies:  []string{assemblyPath},
		References:  refs,
		Parallelism: 1,
		Logger:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(&config)
	}
	engine, err := NewEngine(config)
	if err != nil {
		return err
	}
	defer engine.Close()

	_, err = engine.Run(ctx)
	return err
}
