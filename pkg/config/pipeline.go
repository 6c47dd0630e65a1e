package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/promoverify/pkg/breaker"
	"github.com/Mindburn-Labs/promoverify/pkg/consensus"
	"github.com/Mindburn-Labs/promoverify/pkg/pipeline"
	"github.com/Mindburn-Labs/promoverify/pkg/queue"
	"github.com/Mindburn-Labs/promoverify/pkg/ratelimit"
	"github.com/Mindburn-Labs/promoverify/pkg/sources"
)

// SupportedVersions is the range of pipeline file versions this build reads.
const SupportedVersions = ">= 1.0.0, < 2.0.0"

var ErrUnsupportedVersion = errors.New("config: unsupported pipeline version")

// Source kinds.
const (
	SourceHTTP   = "http"
	SourceStatic = "static"
	SourceFile   = "file"
)

// SourceConfig declares one data provider.
type SourceConfig struct {
	Name string `yaml:"name"`
	Type string `yaml:"type"`

	// http
	URL             string            `yaml:"url"`
	Headers         map[string]string `yaml:"headers"`
	Timeout         time.Duration     `yaml:"timeout"`
	MaxTries        uint              `yaml:"max_tries"`
	InitialInterval time.Duration     `yaml:"initial_interval"`
	MaxInterval     time.Duration     `yaml:"max_interval"`

	// file
	Dir string `yaml:"dir"`

	// static: event id to payload
	Payloads map[string]any `yaml:"payloads"`

	// Schema is an inline JSON Schema; SchemaFile a path relative to the
	// pipeline file.
	Schema     string            `yaml:"schema"`
	SchemaFile string            `yaml:"schema_file"`
	Fields     map[string]string `yaml:"fields"`

	RateLimit *ratelimit.Config `yaml:"rate_limit"`
	Breaker   *breaker.Config   `yaml:"breaker"`
}

// QueueConfig tunes retries and the worker pools.
type QueueConfig struct {
	MaxAttempts       int                              `yaml:"max_attempts"`
	ConsensusAttempts int                              `yaml:"consensus_attempts"`
	Backoff           *queue.Backoff                   `yaml:"backoff"`
	Pools             map[queue.Kind]queue.PoolConfig `yaml:"pools"`
}

// Pipeline is the parsed pipeline file.
type Pipeline struct {
	Version   string           `yaml:"version"`
	Sources   []SourceConfig   `yaml:"sources"`
	Consensus consensus.Policy `yaml:"consensus"`
	Queue     QueueConfig      `yaml:"queue"`

	DefaultRateLimit ratelimit.Config `yaml:"default_rate_limit"`
	DefaultBreaker   breaker.Config   `yaml:"default_breaker"`
	NotifyBreaker    *breaker.Config  `yaml:"notify_breaker"`

	dir string
}

// LoadPipeline reads and validates the pipeline file at path.
func LoadPipeline(path string) (*Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("load pipeline: %w", err)
	}
	defer func() { _ = f.Close() }()

	p, err := ParsePipeline(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	p.dir = filepath.Dir(path)
	return p, nil
}

// ParsePipeline decodes a pipeline document. Unknown keys are rejected.
func ParsePipeline(r io.Reader) (*Pipeline, error) {
	p := &Pipeline{
		Consensus:        consensus.DefaultPolicy(),
		DefaultRateLimit: ratelimit.DefaultConfig(),
		DefaultBreaker:   breaker.DefaultConfig(),
		dir:              ".",
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Validate checks the version and the source declarations.
func (p *Pipeline) Validate() error {
	if p.Version == "" {
		return fmt.Errorf("%w: version is required", ErrUnsupportedVersion)
	}
	v, err := semver.NewVersion(p.Version)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnsupportedVersion, p.Version, err)
	}
	constraint, err := semver.NewConstraint(SupportedVersions)
	if err != nil {
		return err
	}
	if !constraint.Check(v) {
		return fmt.Errorf("%w: %s not in %s", ErrUnsupportedVersion, v, SupportedVersions)
	}

	if len(p.Sources) == 0 {
		return errors.New("config: at least one source is required")
	}
	seen := make(map[string]bool, len(p.Sources))
	for i, s := range p.Sources {
		if s.Name == "" {
			return fmt.Errorf("config: source %d has no name", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("config: duplicate source %q", s.Name)
		}
		seen[s.Name] = true
		switch s.Type {
		case SourceHTTP:
			if s.URL == "" {
				return fmt.Errorf("config: source %s: url is required", s.Name)
			}
		case SourceFile:
			if s.Dir == "" {
				return fmt.Errorf("config: source %s: dir is required", s.Name)
			}
		case SourceStatic:
		default:
			return fmt.Errorf("config: source %s: unknown type %q", s.Name, s.Type)
		}
		if s.Schema != "" && s.SchemaFile != "" {
			return fmt.Errorf("config: source %s: schema and schema_file are exclusive", s.Name)
		}
		if s.RateLimit != nil {
			if err := s.RateLimit.Validate(); err != nil {
				return fmt.Errorf("config: source %s: %w", s.Name, err)
			}
		}
	}
	if err := p.DefaultRateLimit.Validate(); err != nil {
		return fmt.Errorf("config: default_rate_limit: %w", err)
	}
	for kind := range p.Queue.Pools {
		if !kind.Valid() {
			return fmt.Errorf("config: queue.pools: %w: %q", queue.ErrUnknownKind, kind)
		}
	}
	return nil
}

// Built is what a Pipeline turns into. Close releases file sources.
type Built struct {
	Sources  *sources.Set
	Limiters []ratelimit.RegistryOption
	Breakers []breaker.RegistryOption
	closers  []io.Closer
}

func (b *Built) Close() error {
	var errs []error
	for _, c := range b.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

// Build constructs the configured sources and the per-source limiter and
// breaker overrides.
func (p *Pipeline) Build() (*Built, error) {
	out := &Built{}
	bindings := make([]sources.Binding, 0, len(p.Sources))
	for _, sc := range p.Sources {
		src, err := p.buildSource(sc, out)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		schema, err := p.schema(sc)
		if err != nil {
			_ = out.Close()
			return nil, err
		}
		bindings = append(bindings, sources.Binding{Source: src, Schema: schema, Fields: sources.FieldMap(sc.Fields)})
		if sc.RateLimit != nil {
			out.Limiters = append(out.Limiters, ratelimit.WithLimit(sc.Name, *sc.RateLimit))
		}
		if bc, ok := p.sourceBreaker(sc, src); ok {
			out.Breakers = append(out.Breakers, breaker.WithBreaker(sc.Name, bc))
		}
	}
	if p.NotifyBreaker != nil {
		out.Breakers = append(out.Breakers, breaker.WithBreaker(pipeline.NotifyBreaker, *p.NotifyBreaker))
	}
	set, err := sources.NewSet(bindings...)
	if err != nil {
		_ = out.Close()
		return nil, err
	}
	out.Sources = set
	return out, nil
}

// sourceBreaker returns the breaker override of a source, if it needs one.
// The breaker wraps a whole Fetch, retries included, so its call timeout
// is raised to the HTTP source's budget when shorter.
func (p *Pipeline) sourceBreaker(sc SourceConfig, src sources.Source) (breaker.Config, bool) {
	bc, override := p.DefaultBreaker, sc.Breaker != nil
	if override {
		bc = *sc.Breaker
	}
	if hs, ok := src.(*sources.HTTPSource); ok && bc.TimeoutThreshold > 0 && bc.TimeoutThreshold < hs.Budget() {
		bc.TimeoutThreshold = hs.Budget()
		override = true
	}
	return bc, override
}

func (p *Pipeline) buildSource(sc SourceConfig, out *Built) (sources.Source, error) {
	switch sc.Type {
	case SourceHTTP:
		return sources.NewHTTPSource(sources.HTTPConfig{
			Name:            sc.Name,
			URL:             sc.URL,
			Headers:         expandHeaders(sc.Headers),
			Timeout:         sc.Timeout,
			MaxTries:        sc.MaxTries,
			InitialInterval: sc.InitialInterval,
			MaxInterval:     sc.MaxInterval,
		})
	case SourceFile:
		fs, err := sources.NewFileSource(sc.Name, p.resolve(sc.Dir))
		if err != nil {
			return nil, err
		}
		out.closers = append(out.closers, fs)
		return fs, nil
	default:
		st := sources.NewStaticSource(sc.Name)
		for eventID, payload := range sc.Payloads {
			raw, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("config: source %s: payload %s: %w", sc.Name, eventID, err)
			}
			st.Set(eventID, raw)
		}
		return st, nil
	}
}

func (p *Pipeline) schema(sc SourceConfig) (*sources.Schema, error) {
	doc := sc.Schema
	if sc.SchemaFile != "" {
		raw, err := os.ReadFile(p.resolve(sc.SchemaFile))
		if err != nil {
			return nil, fmt.Errorf("config: source %s: %w", sc.Name, err)
		}
		doc = string(raw)
	}
	if doc == "" {
		return nil, nil
	}
	return sources.CompileSchema(sc.Name, doc)
}

func (p *Pipeline) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(p.dir, path)
}

// expandHeaders substitutes ${VAR} references so credentials stay out of
// the file.
func expandHeaders(h map[string]string) map[string]string {
	if len(h) == 0 {
		return h
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[k] = os.ExpandEnv(v)
	}
	return out
}

// QueueOptions returns the queue defaults declared in the file.
func (p *Pipeline) QueueOptions() []queue.Option {
	var opts []queue.Option
	if p.Queue.MaxAttempts > 0 {
		opts = append(opts, queue.WithDefaultMaxAttempts(p.Queue.MaxAttempts))
	}
	if p.Queue.Backoff != nil {
		opts = append(opts, queue.WithDefaultBackoff(*p.Queue.Backoff))
	}
	return opts
}
