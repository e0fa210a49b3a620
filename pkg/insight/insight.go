// Package insight provides the public API for embedding the analysis service.
// This is the stable API for external consumers.
package insight

import (
	"github.com/tjfontaine/insight-pipeline/internal/config"
	"github.com/tjfontaine/insight-pipeline/internal/core/domain"
	"github.com/tjfontaine/insight-pipeline/internal/core/ports"
	"github.com/tjfontaine/insight-pipeline/internal/runtime"
	"github.com/tjfontaine/insight-pipeline/internal/service"
)

// App is the wired service. See internal/runtime.App for full documentation.
type App = runtime.App

// Option is a functional option for configuring an App.
type Option = runtime.Option

// Config is the service configuration.
type Config = config.Config

// Request is one analysis request.
type Request = service.Request

// Caller, PipelineState and ProgressEvent are the core domain types.
type (
	Caller        = domain.Caller
	PipelineState = domain.PipelineState
	ProgressEvent = domain.ProgressEvent
)

// Analyzer is the upstream analysis function.
type Analyzer = ports.Analyzer

// New creates a new App with the given options.
// Example:
//
//	app, err := insight.New(
//	    insight.WithConfigFile("config.yaml"),
//	    insight.WithLogger(logger),
//	)
var New = runtime.New

// LoadConfig reads config.yaml (if present) and INSIGHT_ environment overrides.
var LoadConfig = config.LoadFile

// Collect drains an event stream and returns the final state.
var Collect = service.Collect

// Configuration options
var (
	WithConfig          = runtime.WithConfig
	WithConfigFile      = runtime.WithConfigFile
	WithLogger          = runtime.WithLogger
	WithStore           = runtime.WithStore
	WithAnalyzer        = runtime.WithAnalyzer
	WithAdmissionPolicy = runtime.WithAdmissionPolicy
	WithRegistry        = runtime.WithRegistry
	WithHTTPClient      = runtime.WithHTTPClient
)
