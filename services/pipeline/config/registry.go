// Copyright (C) 2026 Concordance AI
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads the declarative capability registry from YAML.
//
// Tool behavior lives in Go; tool metadata (transformations, tiers, factor
// templates, parameter schemas) is configuration. The loader matches YAML
// entries to registered Go tool builders by id, so deployments can retune
// cost tiers or parameter contracts without recompiling.
//
// Thread Safety:
//
//	All exported functions and types are safe for concurrent use.
package config

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	"github.com/concordance-ai/concordance/services/pipeline/capability"
	"github.com/concordance-ai/concordance/services/pipeline/datatype"
)

const (
	// MaxYAMLFileSize caps capability files at 1MB.
	MaxYAMLFileSize = 1024 * 1024

	// MaxToolsInRegistry caps the number of tool entries.
	MaxToolsInRegistry = 200
)

//go:embed capabilities.yaml
var defaultCapabilitiesYAML []byte

var (
	registryLoadErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_capability_registry_load_errors_total",
		Help: "Total capability registry load errors",
	})

	registryLoadDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pipeline_capability_registry_load_duration_seconds",
		Help:    "Duration of capability registry loading",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5},
	})

	registryToolCount = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pipeline_capability_registry_tools",
		Help: "Number of tools in the active capability registry",
	})

	registryReloads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pipeline_capability_registry_reloads_total",
		Help: "Total capability registry hot reloads",
	})
)

var registryTracer = otel.Tracer("concordance.pipeline.config")

// DataTypeEntryYAML declares one custom data type.
type DataTypeEntryYAML struct {
	Name        string `yaml:"name" validate:"required"`
	Description string `yaml:"description" validate:"required"`
}

// ParamSpecYAML mirrors capability.ParamSpec for YAML decoding.
type ParamSpecYAML struct {
	Type            string              `yaml:"type" validate:"required,oneof=string int float bool"`
	Enum            []string            `yaml:"enum,omitempty"`
	Default         any                 `yaml:"default,omitempty"`
	ProvidesByValue map[string][]string `yaml:"provides_by_value,omitempty"`
}

// TransformationYAML declares one typed transformation.
type TransformationYAML struct {
	Input    string                   `yaml:"input" validate:"required"`
	Output   string                   `yaml:"output" validate:"required"`
	Params   map[string]ParamSpecYAML `yaml:"params,omitempty" validate:"dive"`
	Provides []string                 `yaml:"provides,omitempty"`
	Requires []string                 `yaml:"requires,omitempty"`
}

// ToolEntryYAML declares one tool's capability.
type ToolEntryYAML struct {
	ID                  string               `yaml:"id" validate:"required"`
	CostTier            int                  `yaml:"cost_tier" validate:"required,min=1,max=3"`
	QualityTier         int                  `yaml:"quality_tier" validate:"required,min=1,max=3"`
	Transformations     []TransformationYAML `yaml:"transformations" validate:"required,min=1,dive"`
	FactorTemplate      []string             `yaml:"factor_template,omitempty"`
	TheoryCompatibility []string             `yaml:"theory_compatibility,omitempty"`
}

// CapabilityFileYAML is the root document.
type CapabilityFileYAML struct {
	DataTypes []DataTypeEntryYAML `yaml:"data_types,omitempty" validate:"dive"`
	Tools     []ToolEntryYAML     `yaml:"tools" validate:"required,min=1,dive"`
}

// ToolBuilder constructs a tool implementation around its configured
// capability. The tools package registers one builder per built-in tool.
type ToolBuilder func(cap capability.Capability) (capability.Tool, error)

var fileValidator = validator.New(validator.WithRequiredStructEnabled())

// Manager loads the capability registry and serves an atomic snapshot,
// optionally hot-reloading when the backing file changes.
type Manager struct {
	path     string
	builders map[string]ToolBuilder
	logger   *slog.Logger
	current  atomic.Pointer[capability.Registry]
}

// NewManager creates a Manager. path may be empty; the embedded default is
// then the only source. builders maps tool ids to implementations;
// entries without a builder are skipped with a warning.
func NewManager(path string, builders map[string]ToolBuilder, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		path:     path,
		builders: builders,
		logger:   logger,
	}
}

// Registry returns the current snapshot, nil before the first Load.
func (m *Manager) Registry() *capability.Registry {
	return m.current.Load()
}

// Load builds a registry from the configured file, or from the embedded
// default when the file is absent, and swaps it in as the new snapshot.
//
// Outputs:
//
//	*capability.Registry - The freshly built registry.
//	error - Non-nil on read, parse, validation or registration failure.
func (m *Manager) Load(ctx context.Context) (*capability.Registry, error) {
	ctx, span := registryTracer.Start(ctx, "capabilityregistry.Load")
	defer span.End()

	startTime := time.Now()
	defer func() {
		registryLoadDuration.Observe(time.Since(startTime).Seconds())
	}()

	yamlData, source, err := m.readSource(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "read failed")
		registryLoadErrors.Inc()
		return nil, err
	}
	span.SetAttributes(
		attribute.String("source", source),
		attribute.Int("yaml_size", len(yamlData)),
	)

	reg, err := m.build(ctx, yamlData)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "build failed")
		registryLoadErrors.Inc()
		return nil, err
	}

	m.current.Store(reg)
	registryToolCount.Set(float64(reg.Len()))
	span.SetAttributes(attribute.Int("tool_count", reg.Len()))

	m.logger.Info("capability registry loaded",
		slog.String("source", source),
		slog.Int("tools", reg.Len()),
	)
	return reg, nil
}

// readSource returns the YAML bytes and where they came from. A configured
// but unreadable file falls back to the embedded default: a bad deployment
// file degrades to the shipped configuration instead of an empty registry.
func (m *Manager) readSource(ctx context.Context) ([]byte, string, error) {
	if m.path == "" {
		return defaultCapabilitiesYAML, "embedded", nil
	}

	data, err := readExternalYAML(ctx, m.path)
	if err != nil {
		m.logger.Warn("external capability file not available, using embedded default",
			slog.String("path", m.path),
			slog.String("error", err.Error()),
		)
		return defaultCapabilitiesYAML, "embedded", nil
	}
	return data, "external", nil
}

// readExternalYAML loads a capability file with path and size checks.
func readExternalYAML(ctx context.Context, path string) ([]byte, error) {
	_, span := registryTracer.Start(ctx, "capabilityregistry.ReadExternal",
		oteltrace.WithAttributes(attribute.String("path", path)),
	)
	defer span.End()

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving path: %w", err)
	}
	if strings.Contains(absPath, "..") {
		return nil, fmt.Errorf("path traversal not allowed: %s", absPath)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() > MaxYAMLFileSize {
		return nil, fmt.Errorf("capability file too large: %d bytes (max %d)", info.Size(), MaxYAMLFileSize)
	}
	span.SetAttributes(attribute.Int64("file_size", info.Size()))

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return data, nil
}

// build parses and validates the YAML and constructs a registry.
func (m *Manager) build(ctx context.Context, data []byte) (*capability.Registry, error) {
	_, span := registryTracer.Start(ctx, "capabilityregistry.Build")
	defer span.End()

	var file CapabilityFileYAML
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("unmarshaling capability YAML: %w", err)
	}
	if err := fileValidator.Struct(&file); err != nil {
		return nil, fmt.Errorf("validating capability YAML: %w", err)
	}
	if len(file.Tools) > MaxToolsInRegistry {
		return nil, fmt.Errorf("too many tools: %d (max %d)", len(file.Tools), MaxToolsInRegistry)
	}

	types := datatype.NewBuilder()
	for _, dt := range file.DataTypes {
		types.Register(datatype.DataType(dt.Name), dt.Description)
	}
	typeReg, err := types.Build()
	if err != nil {
		return nil, fmt.Errorf("data types: %w", err)
	}
	reg := capability.NewRegistry(typeReg)

	skipped := 0
	for _, entry := range file.Tools {
		builder, ok := m.builders[entry.ID]
		if !ok {
			m.logger.Warn("capability entry has no registered implementation, skipping",
				slog.String("tool", entry.ID),
			)
			skipped++
			continue
		}
		tool, err := builder(entryToCapability(entry))
		if err != nil {
			return nil, fmt.Errorf("building tool %q: %w", entry.ID, err)
		}
		if err := reg.Register(tool); err != nil {
			return nil, fmt.Errorf("registering tool %q: %w", entry.ID, err)
		}
	}

	span.SetAttributes(
		attribute.Int("tool_count", reg.Len()),
		attribute.Int("skipped", skipped),
	)
	return reg, nil
}

// entryToCapability converts a YAML entry to the runtime capability.
func entryToCapability(entry ToolEntryYAML) capability.Capability {
	transformations := make([]capability.Transformation, 0, len(entry.Transformations))
	for _, tr := range entry.Transformations {
		params := make(map[string]capability.ParamSpec, len(tr.Params))
		for name, spec := range tr.Params {
			params[name] = capability.ParamSpec{
				Type:            spec.Type,
				Enum:            spec.Enum,
				Default:         spec.Default,
				ProvidesByValue: spec.ProvidesByValue,
			}
		}
		transformations = append(transformations, capability.Transformation{
			Input:  datatype.DataType(tr.Input),
			Output: datatype.DataType(tr.Output),
			Params: capability.ParamSchema{
				Params:   params,
				Provides: tr.Provides,
				Requires: tr.Requires,
			},
		})
	}
	return capability.Capability{
		ToolID:              entry.ID,
		Transformations:     transformations,
		CostTier:            capability.CostTier(entry.CostTier),
		QualityTier:         capability.QualityTier(entry.QualityTier),
		FactorTemplate:      entry.FactorTemplate,
		TheoryCompatibility: entry.TheoryCompatibility,
	}
}

// Watch hot-reloads the registry when the backing file changes. Blocks
// until ctx is cancelled. A reload failure keeps the previous snapshot.
func (m *Manager) Watch(ctx context.Context) error {
	if m.path == "" {
		return fmt.Errorf("no capability file configured to watch")
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors and config pushers replace files
	// rather than writing in place.
	dir := filepath.Dir(m.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Base(m.path)

	m.logger.Info("watching capability file",
		slog.String("path", m.path),
	)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if _, err := m.Load(ctx); err != nil {
				m.logger.Error("capability reload failed, keeping previous registry",
					slog.String("error", err.Error()),
				)
				continue
			}
			registryReloads.Inc()
			m.logger.Info("capability registry reloaded",
				slog.String("trigger", event.Op.String()),
			)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("capability watcher error",
				slog.String("error", err.Error()),
			)
		}
	}
}
