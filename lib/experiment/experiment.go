// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/user"
	"path/filepath"
	"regexp"
	"runtime"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bureau-foundation/expstream/lib/clock"
	"github.com/bureau-foundation/expstream/lib/fallback"
	"github.com/bureau-foundation/expstream/lib/hwinfo"
	"github.com/bureau-foundation/expstream/lib/message"
)

// ErrNotDelivered is returned by End when the experiment's data could
// not be delivered online nor saved offline.
var ErrNotDelivered = errors.New("experiment data was not delivered")

// ErrEnded is returned by calls made after End.
var ErrEnded = errors.New("experiment already ended")

// Coordinator receives the experiment's messages.
// *fallback.Coordinator implements it.
type Coordinator interface {
	PutWithCallbacks(msg message.Message, callbacks message.Callbacks)
	Flush(timeout time.Duration) bool
	WaitForFinish(info fallback.ExperimentInfo) bool
}

// Config configures an Experiment.
type Config struct {
	// Key identifies the experiment: 32 to 50 ASCII letters and
	// digits. Generated when empty.
	Key string

	Workspace   string
	ProjectName string
	Tags        []string

	// Coordinator routes messages. Required.
	Coordinator Coordinator

	// Clock timestamps messages. Required.
	Clock clock.Clock

	// Logger receives diagnostics. Nil discards them.
	Logger *slog.Logger
}

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9]{32,50}$`)

// NewKey returns a fresh experiment key: a random UUID without dashes.
func NewKey() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Experiment records telemetry for one run.
type Experiment struct {
	key         string
	workspace   string
	projectName string
	coordinator Coordinator
	clock       clock.Clock
	logger      *slog.Logger

	mu      sync.Mutex
	tags    []string
	context string
	ended   bool
}

// New validates cfg and returns an experiment ready for logging.
func New(cfg Config) (*Experiment, error) {
	if cfg.Coordinator == nil {
		return nil, fmt.Errorf("experiment: Coordinator is required")
	}
	if cfg.Clock == nil {
		return nil, fmt.Errorf("experiment: Clock is required")
	}
	key := cfg.Key
	if key == "" {
		key = NewKey()
	}
	if !keyPattern.MatchString(key) {
		return nil, fmt.Errorf("experiment: invalid key %q: want 32 to 50 letters and digits", key)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Experiment{
		key:         key,
		workspace:   cfg.Workspace,
		projectName: cfg.ProjectName,
		coordinator: cfg.Coordinator,
		clock:       cfg.Clock,
		logger:      logger.With("experiment_key", key),
		tags:        append([]string(nil), cfg.Tags...),
	}, nil
}

// Key returns the experiment key.
func (e *Experiment) Key() string { return e.key }

// SetContext sets the context recorded with later metrics and output,
// for example "train" or "validate". Empty clears it.
func (e *Experiment) SetContext(context string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.context = context
}

// AddTag adds tags recorded in the archive metadata. Duplicates are
// ignored.
func (e *Experiment) AddTag(tags ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tag := range tags {
		if tag != "" && !slices.Contains(e.tags, tag) {
			e.tags = append(e.tags, tag)
		}
	}
}

// Tags returns the current tags.
func (e *Experiment) Tags() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.tags...)
}

// LogMetric records one sample of a numeric series.
func (e *Experiment) LogMetric(name string, value float64, step int64) error {
	if name == "" {
		return fmt.Errorf("experiment: metric name is required")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("experiment: metric %q: value must be finite, got %v", name, value)
	}
	return e.put(message.Metric{Name: name, Value: value, Step: step, Context: e.currentContext()}, message.Callbacks{})
}

// LogParameter records a hyperparameter. The value is stored in its
// fmt.Sprint form.
func (e *Experiment) LogParameter(name string, value any) error {
	if name == "" {
		return fmt.Errorf("experiment: parameter name is required")
	}
	return e.put(message.Parameter{Name: name, Value: fmt.Sprint(value), Source: "manual"}, message.Callbacks{})
}

// LogOther records a free-form key/value pair.
func (e *Experiment) LogOther(key string, value any) error {
	if key == "" {
		return fmt.Errorf("experiment: key is required")
	}
	return e.put(message.LogOther{Key: key, Value: fmt.Sprint(value)}, message.Callbacks{})
}

// LogOutput records captured standard output or standard error.
func (e *Experiment) LogOutput(output string, stderr bool) error {
	if output == "" {
		return nil
	}
	return e.put(message.StandardOutput{Output: output, Stderr: stderr, Context: e.currentContext()}, message.Callbacks{})
}

// LogSystemDetails records the environment of the run.
func (e *Experiment) LogSystemDetails(details message.SystemDetails) error {
	return e.put(details, message.Callbacks{})
}

// AssetOptions customize UploadAsset.
type AssetOptions struct {
	// FileName overrides the name shown by the service.
	FileName string
	// AssetType is a free-form category such as "model" or "image".
	AssetType string
	Step      int64
	Metadata  map[string]string
	// Temporary marks the local file for removal once delivered.
	Temporary bool
	// Callbacks are invoked when the upload is delivered or abandoned.
	Callbacks message.Callbacks
}

// UploadAsset records a reference to a local file. The file must exist
// when the call is made.
func (e *Experiment) UploadAsset(path string, options AssetOptions) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("experiment: asset %s: %w", path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("experiment: asset %s is not a regular file", path)
	}
	absolute, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("experiment: asset %s: %w", path, err)
	}
	fileName := options.FileName
	if fileName == "" {
		fileName = filepath.Base(path)
	}
	return e.put(message.AssetUpload{
		LocalPath: absolute,
		FileName:  fileName,
		AssetType: options.AssetType,
		Size:      info.Size(),
		Step:      options.Step,
		Temporary: options.Temporary,
		Metadata:  options.Metadata,
	}, options.Callbacks)
}

// Flush waits up to timeout for logged data to be sent.
func (e *Experiment) Flush(timeout time.Duration) bool {
	return e.coordinator.Flush(timeout)
}

// End finishes the experiment. Returns ErrNotDelivered when the data
// is lost and ErrEnded on repeated calls.
func (e *Experiment) End() error {
	e.mu.Lock()
	if e.ended {
		e.mu.Unlock()
		return ErrEnded
	}
	e.ended = true
	info := fallback.ExperimentInfo{
		Key:         e.key,
		Workspace:   e.workspace,
		ProjectName: e.projectName,
		Tags:        append([]string(nil), e.tags...),
	}
	e.mu.Unlock()

	if !e.coordinator.WaitForFinish(info) {
		e.logger.Error("experiment ended without delivering its data")
		return ErrNotDelivered
	}
	e.logger.Debug("experiment ended")
	return nil
}

func (e *Experiment) put(payload message.Payload, callbacks message.Callbacks) error {
	e.mu.Lock()
	ended := e.ended
	e.mu.Unlock()
	if ended {
		return ErrEnded
	}
	e.coordinator.PutWithCallbacks(message.New(payload, e.clock.Now()), callbacks)
	return nil
}

func (e *Experiment) currentContext() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.context
}

// CollectSystemDetails describes the current process and the host's
// hardware inventory.
func CollectSystemDetails() message.SystemDetails {
	extra := hwinfo.Probe().Extra()
	extra["num_cpu"] = fmt.Sprint(runtime.NumCPU())
	details := message.SystemDetails{
		OS:             runtime.GOOS + "/" + runtime.GOARCH,
		RuntimeVersion: runtime.Version(),
		Command:        append([]string(nil), os.Args...),
		PID:            os.Getpid(),
		Extra:          extra,
	}
	if hostname, err := os.Hostname(); err == nil {
		details.Hostname = hostname
	}
	if current, err := user.Current(); err == nil {
		details.User = current.Username
	}
	return details
}
