package commands

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wehubfusion/Daedalus/internal/tracing"
	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/logging"
	"github.com/wehubfusion/Daedalus/pkg/mmu"
	"github.com/wehubfusion/Daedalus/pkg/nodes/jsnode"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/scheduler"
	"github.com/wehubfusion/Daedalus/pkg/streamio"
)

// EnvPrefix prefixes environment overrides: DAEDALUS_SCHEDULER_PROCESSOR=1.
const EnvPrefix = "DAEDALUS"

// Config is the configuration of the daedalus binary.
type Config struct {
	Image     string          `mapstructure:"image"`
	Azure     AzureConfig     `mapstructure:"azure"`
	Log       logging.Config  `mapstructure:"log"`
	Tracing   tracing.Config  `mapstructure:"tracing"`
	Banks     []BankConfig    `mapstructure:"banks"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Snapshot  SnapshotConfig  `mapstructure:"snapshot"`
	JS        JSConfig        `mapstructure:"js"`
}

// AzureConfig holds the storage account used for azblob:// locations.
type AzureConfig struct {
	ConnectionString string `mapstructure:"connection_string"`
}

// BankConfig declares one memory bank backing packed addresses.
type BankConfig struct {
	ID   uint8  `mapstructure:"id"`
	Base uint64 `mapstructure:"base"`
	Size int    `mapstructure:"size"`
}

// SchedulerConfig mirrors scheduler.Config with policies spelled out.
type SchedulerConfig struct {
	InstanceID string `mapstructure:"instance_id"`
	// Processor runs the main instance.
	Processor uint8 `mapstructure:"processor"`
	// AllProcessors adds a secondary instance for every other processor the
	// graph allows.
	AllProcessors bool          `mapstructure:"all_processors"`
	Termination   string        `mapstructure:"termination"`
	Redispatch    string        `mapstructure:"redispatch"`
	MaxPasses     int           `mapstructure:"max_passes"`
	MaxRetries    int           `mapstructure:"max_retries"`
	WarmBoot      bool          `mapstructure:"warm_boot"`
	BootTimeout   time.Duration `mapstructure:"boot_timeout"`
	// Runs is the number of Run calls; 0 runs until interrupted.
	Runs     int           `mapstructure:"runs"`
	Interval time.Duration `mapstructure:"interval"`
}

// NATSConfig configures the stream I/O driver.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	Name          string `mapstructure:"name"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
	MaxMessage    int    `mapstructure:"max_message"`
}

// SnapshotConfig says where the final snapshot goes: a directory or
// azblob://<container>/<prefix>. Empty disables snapshots.
type SnapshotConfig struct {
	Location string `mapstructure:"location"`
}

// JSConfig configures JavaScript nodes.
type JSConfig struct {
	Timeout       time.Duration `mapstructure:"timeout"`
	SecurityLevel string        `mapstructure:"security_level"`
}

// DefaultConfig returns the defaults: one 64 KiB bank, a main instance on
// processor 0 running the graph once.
func DefaultConfig() Config {
	sched := scheduler.DefaultConfig()
	js := jsnode.DefaultConfig()
	io := streamio.DefaultConfig()
	return Config{
		Log:     logging.Config{Level: "info"},
		Tracing: tracing.DefaultConfig("daedalus"),
		Banks:   []BankConfig{{ID: 0, Base: 0x2000_0000, Size: 64 << 10}},
		Scheduler: SchedulerConfig{
			Termination: sched.Termination.String(),
			Redispatch:  sched.Redispatch.String(),
			MaxPasses:   scheduler.DefaultMaxPasses,
			MaxRetries:  scheduler.DefaultMaxRetries,
			BootTimeout: scheduler.DefaultBootTimeout,
			Runs:        1,
		},
		NATS: NATSConfig{
			Name:          "daedalus",
			SubjectPrefix: io.SubjectPrefix,
			MaxMessage:    io.MaxMessage,
		},
		JS: JSConfig{
			Timeout:       js.Timeout,
			SecurityLevel: js.SecurityLevel,
		},
	}
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("image", c.Image)
	v.SetDefault("azure.connection_string", c.Azure.ConnectionString)
	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.development", c.Log.Development)
	v.SetDefault("log.encoding", c.Log.Encoding)
	v.SetDefault("tracing.enabled", c.Tracing.Enabled)
	v.SetDefault("tracing.service_name", c.Tracing.ServiceName)
	v.SetDefault("tracing.service_version", c.Tracing.ServiceVersion)
	v.SetDefault("tracing.environment", c.Tracing.Environment)
	v.SetDefault("tracing.otlp_endpoint", c.Tracing.OTLPEndpoint)
	v.SetDefault("tracing.sample_ratio", c.Tracing.SampleRatio)
	v.SetDefault("scheduler.instance_id", c.Scheduler.InstanceID)
	v.SetDefault("scheduler.processor", c.Scheduler.Processor)
	v.SetDefault("scheduler.all_processors", c.Scheduler.AllProcessors)
	v.SetDefault("scheduler.termination", c.Scheduler.Termination)
	v.SetDefault("scheduler.redispatch", c.Scheduler.Redispatch)
	v.SetDefault("scheduler.max_passes", c.Scheduler.MaxPasses)
	v.SetDefault("scheduler.max_retries", c.Scheduler.MaxRetries)
	v.SetDefault("scheduler.warm_boot", c.Scheduler.WarmBoot)
	v.SetDefault("scheduler.boot_timeout", c.Scheduler.BootTimeout)
	v.SetDefault("scheduler.runs", c.Scheduler.Runs)
	v.SetDefault("scheduler.interval", c.Scheduler.Interval)
	v.SetDefault("nats.url", c.NATS.URL)
	v.SetDefault("nats.name", c.NATS.Name)
	v.SetDefault("nats.subject_prefix", c.NATS.SubjectPrefix)
	v.SetDefault("nats.max_message", c.NATS.MaxMessage)
	v.SetDefault("snapshot.location", c.Snapshot.Location)
	v.SetDefault("js.timeout", c.JS.Timeout)
	v.SetDefault("js.security_level", c.JS.SecurityLevel)
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"image":           "image",
	"log-level":       "log.level",
	"log-development": "log.development",
	"processor":       "scheduler.processor",
	"all-processors":  "scheduler.all_processors",
	"termination":     "scheduler.termination",
	"redispatch":      "scheduler.redispatch",
	"runs":            "scheduler.runs",
	"interval":        "scheduler.interval",
	"instance-id":     "scheduler.instance_id",
	"warm-boot":       "scheduler.warm_boot",
	"nats-url":        "nats.url",
	"snapshot":        "snapshot.location",
}

// loadConfig merges, from lowest to highest precedence, the defaults, the
// config file, DAEDALUS_* variables and the flags that were set.
func loadConfig(cmd *cobra.Command, v *viper.Viper) (Config, error) {
	cfg := DefaultConfig()
	setDefaults(v, cfg)

	for flag, key := range flagKeys {
		if f := cmd.Flags().Lookup(flag); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return cfg, err
			}
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, rterrors.NewError(rterrors.CodeConfiguration, "read config "+path, err)
		}
	} else {
		v.SetConfigName("daedalus")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return cfg, rterrors.NewError(rterrors.CodeConfiguration, "read config", err)
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, rterrors.NewError(rterrors.CodeConfiguration, "decode config", err)
	}
	return cfg, nil
}

// schedulerConfig converts to the scheduler's own configuration.
func (c SchedulerConfig) schedulerConfig() (scheduler.Config, error) {
	term, err := scheduler.ParseTermination(c.Termination)
	if err != nil {
		return scheduler.Config{}, err
	}
	redispatch, err := scheduler.ParseRedispatch(c.Redispatch)
	if err != nil {
		return scheduler.Config{}, err
	}
	cfg := scheduler.DefaultConfig().
		WithProcessor(c.Processor).
		WithTermination(term).
		WithRedispatch(redispatch).
		WithMaxPasses(c.MaxPasses).
		WithMaxRetries(c.MaxRetries).
		WithWarmBoot(c.WarmBoot).
		WithBootTimeout(c.BootTimeout)
	if err := cfg.Validate(); err != nil {
		return scheduler.Config{}, err
	}
	return cfg, nil
}

// runnerConfig places the main instance on Processor and, with
// AllProcessors, secondaries on every other allowed processor.
func (c SchedulerConfig) runnerConfig() (runner.Config, error) {
	sched, err := c.schedulerConfig()
	if err != nil {
		return runner.Config{}, err
	}
	if c.Runs < 0 {
		return runner.Config{}, rterrors.NewError(rterrors.CodeConfiguration, "runs must not be negative", rterrors.ErrInvalidConfig)
	}
	cfg := runner.DefaultConfig()
	cfg.Scheduler = sched
	cfg.Main = c.Processor
	cfg.InstanceID = c.InstanceID
	cfg.Runs = c.Runs
	cfg.Interval = c.Interval
	if !c.AllProcessors {
		cfg.Processors = []uint8{c.Processor}
	}
	return cfg, nil
}

// translator allocates the configured banks.
func (c Config) translator() (*mmu.Translator, error) {
	if len(c.Banks) == 0 {
		return nil, rterrors.NewError(rterrors.CodeConfiguration, "at least one memory bank is required", rterrors.ErrInvalidConfig)
	}
	banks := make([]mmu.Bank, len(c.Banks))
	for i, b := range c.Banks {
		if b.Size <= 0 {
			return nil, rterrors.NewError(rterrors.CodeConfiguration,
				fmt.Sprintf("bank %d has size %d", b.ID, b.Size), rterrors.ErrInvalidConfig)
		}
		banks[i] = mmu.Bank{ID: b.ID, Base: b.Base, Data: make([]byte, b.Size)}
	}
	return mmu.NewTranslator(banks...)
}
