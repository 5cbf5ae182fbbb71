package config

import (
	"fmt"
	"path"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// ErrInvalidConfig is returned by Validate and LoadBenchmarkConfig for any precondition failure.
var ErrInvalidConfig = errors.New("invalid benchmark config")

// Supported namespace backends.
const (
	BackendZookeeper = "zookeeper"
	BackendEtcd      = "etcd"
	BackendMemory    = "memory"
)

// NamespaceConfig describes how to reach the coordination service.
type NamespaceConfig struct {
	Backend        string        `mapstructure:"backend" json:"backend" validate:"oneof=zookeeper etcd memory"`
	Hosts          []string      `mapstructure:"hosts" json:"hosts"`
	Root           string        `mapstructure:"root" json:"root" validate:"required,startswith=/"`
	SessionTimeout time.Duration `mapstructure:"sessionTimeout" json:"sessionTimeout" validate:"gt=0"`
	AdminURL       string        `mapstructure:"adminUrl" json:"adminUrl,omitempty" validate:"omitempty,url"`
}

// ChildNodeSpec describes the children created under a run's parent node.
type ChildNodeSpec struct {
	Count        int    `mapstructure:"count" json:"count" validate:"gte=0"`
	FixedName    string `mapstructure:"fixedName" json:"fixedName,omitempty" validate:"excludesall=/"`
	MinNameLen   int    `mapstructure:"minNameLen" json:"minNameLen"`
	MaxNameLen   int    `mapstructure:"maxNameLen" json:"maxNameLen"`
	PayloadBytes int    `mapstructure:"payloadBytes" json:"payloadBytes" validate:"gte=0"`
}

// RunConfig is one named load-then-measure cycle.
type RunConfig struct {
	Name     string        `mapstructure:"name" json:"name" validate:"required,excludesall=/"`
	Children ChildNodeSpec `mapstructure:"children" json:"children"`
}

// LoaderConfig controls the parallel bulk load.
type LoaderConfig struct {
	Parallelism  int  `mapstructure:"parallelism" json:"parallelism" validate:"gt=0"`
	ChunkSize    int  `mapstructure:"chunkSize" json:"chunkSize" validate:"gt=0"`
	UseProcesses bool `mapstructure:"useProcesses" json:"useProcesses"`
	RateLimit    int  `mapstructure:"rateLimit" json:"rateLimit" validate:"gte=0"` // creates per second for a whole run, 0 means unlimited
	WriteRetries uint `mapstructure:"writeRetries" json:"writeRetries"`
}

// BenchmarkConfig is built once from external configuration and not modified afterwards.
type BenchmarkConfig struct {
	Namespace      NamespaceConfig `mapstructure:"namespace"`
	Loader         LoaderConfig    `mapstructure:"loader"`
	Runs           []RunConfig     `mapstructure:"runs" validate:"dive"`
	MeasureSamples int             `mapstructure:"measureSamples"`
	SkipMeasure    bool            `mapstructure:"skipMeasure"`
	ShowProgress   bool            `mapstructure:"showProgress"`
}

// Default returns the defaults of the original command line harness.
func Default() BenchmarkConfig {
	return BenchmarkConfig{
		Namespace: NamespaceConfig{
			Backend:        BackendZookeeper,
			Hosts:          []string{"localhost:2281"},
			Root:           "/benchmark",
			SessionTimeout: 10 * time.Second,
		},
		Loader: LoaderConfig{
			Parallelism: 4,
			ChunkSize:   1000,
		},
		MeasureSamples: 5,
		ShowProgress:   true,
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field and cross-field invariant and reports all violations at once.
func (c *BenchmarkConfig) Validate() error {
	var problems []string
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return errors.Wrap(ErrInvalidConfig, err.Error())
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if c.Namespace.Backend != BackendMemory && len(c.Namespace.Hosts) == 0 {
		problems = append(problems, "namespace.hosts: at least one host is required")
	}
	if c.Namespace.Backend == BackendMemory && c.Loader.UseProcesses {
		problems = append(problems, "loader.useProcesses: worker processes cannot share the memory backend")
	}
	if root := c.Namespace.Root; strings.HasPrefix(root, "/") && path.Clean(root) != root {
		problems = append(problems, fmt.Sprintf("namespace.root: %q is not a clean absolute path", root))
	}

	seen := make(map[string]struct{}, len(c.Runs))
	for i, run := range c.Runs {
		if _, dup := seen[run.Name]; dup {
			problems = append(problems, fmt.Sprintf("runs[%d].name: duplicate run name %q", i, run.Name))
		}
		seen[run.Name] = struct{}{}
		if run.Name == "." || run.Name == ".." {
			problems = append(problems, fmt.Sprintf("runs[%d].name: %q is not a node name", i, run.Name))
		}

		spec := run.Children
		if spec.FixedName != "" {
			continue
		}
		if spec.MinNameLen < 1 {
			problems = append(problems, fmt.Sprintf("runs[%d].children.minNameLen: must be at least 1, got %d", i, spec.MinNameLen))
		}
		if spec.MaxNameLen <= spec.MinNameLen {
			problems = append(problems, fmt.Sprintf("runs[%d].children: name length range [%d, %d) is empty", i, spec.MinNameLen, spec.MaxNameLen))
		}
	}

	if len(problems) > 0 {
		return errors.Wrap(ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := stripPrefix(fe.Namespace())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s: required", field)
	case "oneof":
		return fmt.Sprintf("%s: must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "excludesall":
		return fmt.Sprintf("%s: must not contain %q", field, fe.Param())
	default:
		return fmt.Sprintf("%s: failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value())
	}
}

func stripPrefix(namespace string) string {
	if i := strings.Index(namespace, "."); i >= 0 {
		return namespace[i+1:]
	}
	return namespace
}

// LoadBenchmarkConfig decodes the benchmark config from v on top of Default and validates it.
func LoadBenchmarkConfig(v *viper.Viper) (BenchmarkConfig, error) {
	cfg := Default()
	if path := v.ConfigFileUsed(); path != "" {
		log.Infof("Loading benchmark config from: %s", path)
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(ErrInvalidConfig, err.Error())
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ParentPath is the node under which a run's children are created.
func (c *BenchmarkConfig) ParentPath(run RunConfig) string {
	return strings.TrimSuffix(c.Namespace.Root, "/") + "/" + run.Name
}
