// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bureau-foundation/bundleworker/resources"
)

// Environment represents the deployment environment.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// Backend names accepted by runtime.backend.
const (
	BackendDocker     = "docker"
	BackendKubernetes = "kubernetes"
)

// Dependency modes accepted by dependencies.mode.
const (
	// DependencyStage extracts remote dependency subtrees into the
	// staging directory before the run starts.
	DependencyStage = "stage"

	// DependencyFUSE mounts remote dependency subtrees as read-only
	// FUSE filesystems that fetch archive blocks on demand.
	DependencyFUSE = "fuse"
)

// Config is the worker configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths        PathsConfig        `yaml:"paths"`
	BundleStore  BundleStoreConfig  `yaml:"bundle_store"`
	Runtime      RuntimeConfig      `yaml:"runtime"`
	Docker       DockerConfig       `yaml:"docker"`
	Kubernetes   KubernetesConfig   `yaml:"kubernetes"`
	Resources    ResourcesConfig    `yaml:"resources"`
	Monitor      MonitorConfig      `yaml:"monitor"`
	Dependencies DependenciesConfig `yaml:"dependencies"`

	Development *ConfigOverrides `yaml:"development,omitempty"`
	Staging     *ConfigOverrides `yaml:"staging,omitempty"`
	Production  *ConfigOverrides `yaml:"production,omitempty"`
}

// ConfigOverrides contains the sections that can be overridden per
// environment. Only non-empty fields replace base values.
type ConfigOverrides struct {
	Paths       *PathsConfig       `yaml:"paths,omitempty"`
	BundleStore *BundleStoreConfig `yaml:"bundle_store,omitempty"`
	Runtime     *RuntimeConfig     `yaml:"runtime,omitempty"`
	Kubernetes  *KubernetesConfig  `yaml:"kubernetes,omitempty"`
	Resources   *ResourcesConfig   `yaml:"resources,omitempty"`
}

// PathsConfig configures directory locations on the worker host.
type PathsConfig struct {
	// Root is the base directory for worker data.
	Root string `yaml:"root"`

	// Work holds one directory per run, named by run UUID. The run
	// directory is the execution unit's working directory.
	Work string `yaml:"work"`

	// Staging holds extracted or FUSE-mounted remote dependencies,
	// one subdirectory per run.
	Staging string `yaml:"staging"`
}

// BundleStoreConfig says where dependency bundles are found.
type BundleStoreConfig struct {
	// Local is a directory containing bundles as <uuid>/ directories.
	// Checked first.
	Local string `yaml:"local"`

	// ArchiveBase is a directory path or http(s) URL under which
	// <uuid>.tar.gz indexed archives (and their .index sidecars) live.
	ArchiveBase string `yaml:"archive_base"`
}

// RuntimeConfig selects and parameterises the execution backend.
type RuntimeConfig struct {
	// Backend is "docker" or "kubernetes".
	Backend string `yaml:"backend"`

	// DefaultImage is used when a run request names no image.
	DefaultImage string `yaml:"default_image"`

	// Network is the network mode for runs that do not request one.
	Network string `yaml:"network"`

	// Flavor is the OCI runtime name ("runc", "nvidia", "runsc").
	// Empty uses the backend default.
	Flavor string `yaml:"flavor"`

	// SharedMemoryGB sizes /dev/shm for runs that do not request a
	// size.
	SharedMemoryGB int `yaml:"shared_memory_gb"`
}

// DockerConfig configures the Local-Container backend.
type DockerConfig struct {
	// Host overrides DOCKER_HOST, e.g. "unix:///var/run/docker.sock".
	Host string `yaml:"host"`
}

// KubernetesConfig configures the Cluster backend.
type KubernetesConfig struct {
	Host      string `yaml:"host"`
	TokenFile string `yaml:"token_file"`
	CAFile    string `yaml:"ca_file"`
	Insecure  bool   `yaml:"insecure"`
	Namespace string `yaml:"namespace"`

	// WorkVolumeHostPath is the node path of the volume mounted at
	// paths.root on this worker. Defaults to paths.root. Empty host
	// selects the in-cluster service account.
	WorkVolumeHostPath string `yaml:"work_volume_host_path"`
}

// ResourcesConfig declares the host capacity handed to the allocator.
type ResourcesConfig struct {
	// CPUs is a cpuset list ("0-7,16"). Empty means every online CPU.
	CPUs string `yaml:"cpus"`

	// GPUs is "auto" (probe NVIDIA devices), "none", or a list of
	// device indices ("0,1").
	GPUs string `yaml:"gpus"`

	// Memory caps the sum of live run memory ("64G"). Empty or
	// "infinity" disables memory accounting.
	Memory string `yaml:"memory"`
}

// MonitorConfig configures the execution monitor's polling backoff.
type MonitorConfig struct {
	InitialPeriod time.Duration `yaml:"initial_period"`
	Multiplier    float64       `yaml:"multiplier"`
	MaxPeriod     time.Duration `yaml:"max_period"`

	// Follow names the files in the run directory whose new content is
	// streamed to the caller while the run executes.
	Follow []string `yaml:"follow"`
}

// DependenciesConfig configures remote dependency materialisation.
type DependenciesConfig struct {
	// Mode is "stage" or "fuse".
	Mode string `yaml:"mode"`

	// Quantum is the maximum payload pulled from the archive per
	// synthesis step ("100M").
	Quantum string `yaml:"quantum"`
}

// Default returns the base configuration the file is merged over.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	defaultRoot := filepath.Join(homeDir, ".cache", "bundle-worker")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:    defaultRoot,
			Work:    filepath.Join(defaultRoot, "work"),
			Staging: filepath.Join(defaultRoot, "staging"),
		},
		BundleStore: BundleStoreConfig{
			Local: filepath.Join(defaultRoot, "bundles"),
		},
		Runtime: RuntimeConfig{
			Backend:        BackendDocker,
			DefaultImage:   "bundleworker/default-cpu:latest",
			Network:        "bridge",
			SharedMemoryGB: 1,
		},
		Kubernetes: KubernetesConfig{
			Namespace: "default",
		},
		Resources: ResourcesConfig{
			GPUs: "auto",
		},
		Monitor: MonitorConfig{
			InitialPeriod: time.Second,
			Multiplier:    1.1,
			MaxPeriod:     time.Minute,
			Follow:        []string{"stdout", "stderr"},
		},
		Dependencies: DependenciesConfig{
			Mode:    DependencyStage,
			Quantum: "100M",
		},
	}
}

// Load loads configuration from the file named by BUNDLE_WORKER_CONFIG.
func Load() (*Config, error) {
	configPath := os.Getenv("BUNDLE_WORKER_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("BUNDLE_WORKER_CONFIG environment variable not set; " +
			"set it to the path of your worker.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from path, applies the matching
// environment overrides, and expands path variables. It does not
// validate; call [Config.Validate].
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *ConfigOverrides
	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}
	if overrides == nil {
		return
	}

	if o := overrides.Paths; o != nil {
		override(&c.Paths.Root, o.Root)
		override(&c.Paths.Work, o.Work)
		override(&c.Paths.Staging, o.Staging)
	}
	if o := overrides.BundleStore; o != nil {
		override(&c.BundleStore.Local, o.Local)
		override(&c.BundleStore.ArchiveBase, o.ArchiveBase)
	}
	if o := overrides.Runtime; o != nil {
		override(&c.Runtime.Backend, o.Backend)
		override(&c.Runtime.DefaultImage, o.DefaultImage)
		override(&c.Runtime.Network, o.Network)
		override(&c.Runtime.Flavor, o.Flavor)
		if o.SharedMemoryGB != 0 {
			c.Runtime.SharedMemoryGB = o.SharedMemoryGB
		}
	}
	if o := overrides.Kubernetes; o != nil {
		override(&c.Kubernetes.Host, o.Host)
		override(&c.Kubernetes.TokenFile, o.TokenFile)
		override(&c.Kubernetes.CAFile, o.CAFile)
		override(&c.Kubernetes.Namespace, o.Namespace)
		override(&c.Kubernetes.WorkVolumeHostPath, o.WorkVolumeHostPath)
		c.Kubernetes.Insecure = o.Insecure
	}
	if o := overrides.Resources; o != nil {
		override(&c.Resources.CPUs, o.CPUs)
		override(&c.Resources.GPUs, o.GPUs)
		override(&c.Resources.Memory, o.Memory)
	}
}

// within reports whether path is root or below it.
func within(root, path string) bool {
	if root == "" || path == "" {
		return false
	}
	relative, err := filepath.Rel(root, path)
	return err == nil && relative != ".." && !strings.HasPrefix(relative, "../")
}

func override(field *string, value string) {
	if value != "" {
		*field = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{
		"WORKER_ROOT": c.Paths.Root,
		"HOME":        os.Getenv("HOME"),
	}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["WORKER_ROOT"] = c.Paths.Root

	c.Paths.Work = expandVars(c.Paths.Work, vars)
	c.Paths.Staging = expandVars(c.Paths.Staging, vars)
	c.BundleStore.Local = expandVars(c.BundleStore.Local, vars)
	c.BundleStore.ArchiveBase = expandVars(c.BundleStore.ArchiveBase, vars)
	c.Kubernetes.TokenFile = expandVars(c.Kubernetes.TokenFile, vars)
	c.Kubernetes.CAFile = expandVars(c.Kubernetes.CAFile, vars)
	c.Kubernetes.WorkVolumeHostPath = expandVars(c.Kubernetes.WorkVolumeHostPath, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default}. Provided vars win
// over the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, defaultValue := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if !slices.Contains([]Environment{Development, Staging, Production}, c.Environment) {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Work == "" {
		errs = append(errs, errors.New("paths.work is required"))
	}
	if c.Paths.Staging == "" {
		errs = append(errs, errors.New("paths.staging is required"))
	}
	if c.BundleStore.Local == "" && c.BundleStore.ArchiveBase == "" {
		errs = append(errs, errors.New("bundle_store needs local or archive_base"))
	}

	switch c.Runtime.Backend {
	case BackendDocker:
	case BackendKubernetes:
		for name, path := range map[string]string{"paths.work": c.Paths.Work, "paths.staging": c.Paths.Staging} {
			if !within(c.Paths.Root, path) {
				errs = append(errs, fmt.Errorf("%s (%s) must be below paths.root for the kubernetes backend", name, path))
			}
		}
		if c.Kubernetes.Namespace == "" {
			errs = append(errs, errors.New("kubernetes.namespace is required for the kubernetes backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("runtime.backend must be %q or %q, got %q",
			BackendDocker, BackendKubernetes, c.Runtime.Backend))
	}
	if c.Runtime.DefaultImage == "" {
		errs = append(errs, errors.New("runtime.default_image is required"))
	}
	if c.Runtime.SharedMemoryGB < 0 {
		errs = append(errs, errors.New("runtime.shared_memory_gb must not be negative"))
	}

	if _, err := resources.ParseCPUList(c.Resources.CPUs); err != nil && c.Resources.CPUs != "" {
		errs = append(errs, fmt.Errorf("resources.cpus: %w", err))
	}
	switch c.Resources.GPUs {
	case "", "auto", "none":
	default:
		if _, err := resources.ParseCPUList(c.Resources.GPUs); err != nil {
			errs = append(errs, fmt.Errorf("resources.gpus: %w", err))
		}
	}
	if c.Resources.Memory != "" {
		if _, err := resources.ParseMemory(c.Resources.Memory); err != nil {
			errs = append(errs, fmt.Errorf("resources.memory: %w", err))
		}
	}

	if c.Monitor.InitialPeriod <= 0 {
		errs = append(errs, errors.New("monitor.initial_period must be positive"))
	}
	if c.Monitor.Multiplier < 1 {
		errs = append(errs, errors.New("monitor.multiplier must be at least 1"))
	}
	if c.Monitor.MaxPeriod < c.Monitor.InitialPeriod {
		errs = append(errs, errors.New("monitor.max_period must not be less than monitor.initial_period"))
	}

	if c.Dependencies.Mode != DependencyStage && c.Dependencies.Mode != DependencyFUSE {
		errs = append(errs, fmt.Errorf("dependencies.mode must be %q or %q, got %q",
			DependencyStage, DependencyFUSE, c.Dependencies.Mode))
	}
	if quantum, err := resources.ParseMemory(c.Dependencies.Quantum); err != nil || quantum <= 0 {
		errs = append(errs, fmt.Errorf("dependencies.quantum must be a positive size, got %q", c.Dependencies.Quantum))
	}

	return errors.Join(errs...)
}

// QuantumBytes returns dependencies.quantum in bytes. Call after
// Validate.
func (c *Config) QuantumBytes() int64 {
	quantum, _ := resources.ParseMemory(c.Dependencies.Quantum)
	return quantum
}

// EnsurePaths creates the configured directories.
func (c *Config) EnsurePaths() error {
	for _, path := range []string{c.Paths.Root, c.Paths.Work, c.Paths.Staging} {
		if path == "" {
			continue
		}
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", path, err)
		}
	}
	return nil
}
