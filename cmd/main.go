package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"zkbenchmarker/benchmark"
	"zkbenchmarker/config"
	"zkbenchmarker/namespace"
	"zkbenchmarker/progress"
	"zkbenchmarker/report"
)

const workerCommand = "load-chunk"

var cfgFile string

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd().ExecuteContext(ctx); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "zkbench",
		Short: "Bulk load a coordination namespace and measure list-children latency",
		Long: `Bulk load a coordination namespace and measure list-children latency.

Flags describe a single run. Several runs can be listed in a config file instead:

namespace:
  backend: zookeeper
  hosts: [localhost:2281]
  root: /benchmark
loader:
  parallelism: 4
  chunkSize: 1000
measureSamples: 5
runs:
  - name: parent
    children:
      count: 100000
      minNameLen: 30
      maxNameLen: 31
      payloadBytes: 1024
`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return configureLogging(viper.GetString("logLevel"))
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file with one or more runs")
	pf.String("log-level", "info", "log level: debug, info, warn, error")
	pf.String("backend", config.BackendZookeeper, "namespace backend: zookeeper, etcd, memory")
	pf.StringSlice("hosts", []string{"localhost:2281"}, "host:port of the service (comma separated if multiple)")
	pf.StringP("root-path", "r", "/benchmark", "root path under which the benchmark runs")
	pf.Duration("session-timeout", config.Default().Namespace.SessionTimeout, "session establishment timeout")
	bind(pf.Lookup("log-level"), "logLevel")
	bind(pf.Lookup("backend"), "namespace.backend")
	bind(pf.Lookup("hosts"), "namespace.hosts")
	bind(pf.Lookup("root-path"), "namespace.root")
	bind(pf.Lookup("session-timeout"), "namespace.sessionTimeout")

	viper.SetEnvPrefix("ZKBENCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	cobra.OnInitialize(initConfig)

	root.AddCommand(runCmd(), cleanupCmd(), workerCmd())
	return root
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load children under root/parent, then measure list-children latency",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log.Infof("Starting up with config: %+v", cfg)
			limit, enough, err := benchmark.RaiseOpenFileLimit(cfg.Loader.Parallelism)
			if err != nil {
				log.WithError(err).Warn("could not raise open file limit")
			} else if !enough {
				log.Warnf("open file limit %d may be too low for %d concurrent sessions", limit, cfg.Loader.Parallelism)
			}

			connector, err := namespace.NewConnector(cfg.Namespace)
			if err != nil {
				return err
			}
			spawn, err := benchmark.SelfSpawner(workerCommand, "--log-level", viper.GetString("logLevel"))
			if err != nil {
				return err
			}
			opts := []benchmark.Option{
				benchmark.WithSpawner(spawn),
				benchmark.WithReporter(report.NewConsole(os.Stdout, payloadSizes(cfg))),
			}
			if cfg.ShowProgress {
				opts = append(opts, benchmark.WithProgress(func(total int, caption string) benchmark.ProgressTracker {
					return progress.NewProgressBar(int64(total)).SetCaption(caption)
				}))
			}

			results, err := benchmark.New(cfg, connector, opts...).Run(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range results {
				if r.Load.Failed() > 0 || r.MeasureErr != nil {
					return errors.Errorf("benchmark finished with failures in run %s", r.Run.Name)
				}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.Bool("skip-measure", false, "skip latency measurement")
	f.Bool("use-processes", false, "load with worker processes instead of goroutines")
	f.Int("num-threads", 4, "threads/processes to use for data loading")
	f.Int("data-chunk", 1000, "split data loading into chunks of this size")
	f.Int("measure-samples", 5, "number of measurement samples to take")
	f.Int("rate-limit", 0, "max node creates per second for a run (0 means no limit)")
	f.Uint("write-retries", 0, "retries per node for non-connection write errors")
	f.String("admin-url", "", "ZooKeeper AdminServer base URL, e.g. http://localhost:8080")
	f.Bool("no-progress", false, "disable progress bars")
	f.IntP("num-child-nodes", "n", 0, "number of child nodes to create")
	f.StringP("parent", "p", "parent", "name of parent node under which to create child nodes")
	f.IntP("name-len", "l", 30, "length of child node name")
	f.StringP("fixed-name", "f", "", "create name_1..name_n instead of random names")
	f.IntP("data-size-bytes", "d", 1024, "data size in bytes for each child node")

	bind(f.Lookup("skip-measure"), "skipMeasure")
	bind(f.Lookup("use-processes"), "loader.useProcesses")
	bind(f.Lookup("num-threads"), "loader.parallelism")
	bind(f.Lookup("data-chunk"), "loader.chunkSize")
	bind(f.Lookup("measure-samples"), "measureSamples")
	bind(f.Lookup("rate-limit"), "loader.rateLimit")
	bind(f.Lookup("write-retries"), "loader.writeRetries")
	bind(f.Lookup("admin-url"), "namespace.adminUrl")
	return cmd
}

func cleanupCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Delete the root path and everything below it",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			connector, err := namespace.NewConnector(cfg.Namespace)
			if err != nil {
				return err
			}
			return benchmark.New(cfg, connector).Cleanup(cmd.Context())
		},
	}
}

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    workerCommand,
		Short:  "Load one chunk described on stdin (used by the process strategy)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return benchmark.ServeChunk(cmd.Context(), os.Stdin, os.Stdout)
		},
	}
}

// loadConfig builds the benchmark config from the config file, env and flags. Without
// runs in the config file, the single-run flags define one run.
func loadConfig(cmd *cobra.Command) (config.BenchmarkConfig, error) {
	cfg, err := config.LoadBenchmarkConfig(viper.GetViper())
	if err != nil && !errors.Is(err, config.ErrInvalidConfig) {
		return cfg, err
	}
	if noProgress, _ := cmd.Flags().GetBool("no-progress"); noProgress {
		cfg.ShowProgress = false
	}
	if len(cfg.Runs) == 0 && cmd.Flags().Lookup("num-child-nodes") != nil {
		if !cmd.Flags().Changed("num-child-nodes") {
			return cfg, errors.Wrap(config.ErrInvalidConfig, "please specify number of child nodes to create")
		}
		cfg.Runs = []config.RunConfig{singleRun(cmd)}
		err = cfg.Validate()
	}
	return cfg, err
}

func singleRun(cmd *cobra.Command) config.RunConfig {
	f := cmd.Flags()
	count, _ := f.GetInt("num-child-nodes")
	parent, _ := f.GetString("parent")
	nameLen, _ := f.GetInt("name-len")
	fixed, _ := f.GetString("fixed-name")
	dataBytes, _ := f.GetInt("data-size-bytes")
	return config.RunConfig{
		Name: parent,
		Children: config.ChildNodeSpec{
			Count:        count,
			FixedName:    fixed,
			MinNameLen:   nameLen,
			MaxNameLen:   nameLen + 1,
			PayloadBytes: dataBytes,
		},
	}
}

func payloadSizes(cfg config.BenchmarkConfig) func(string) int {
	sizes := make(map[string]int, len(cfg.Runs))
	for _, r := range cfg.Runs {
		sizes[r.Name] = r.Children.PayloadBytes
	}
	return func(run string) int { return sizes[run] }
}

func initConfig() {
	if cfgFile == "" {
		return
	}
	viper.SetConfigFile(cfgFile)
	if err := viper.ReadInConfig(); err != nil {
		log.Errorf("reading config file %s: %v", cfgFile, err)
		os.Exit(1)
	}
}

func bind(flag *pflag.Flag, key string) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func configureLogging(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return errors.Wrap(config.ErrInvalidConfig, err.Error())
	}
	log.SetOutput(os.Stderr)
	log.SetLevel(lvl)
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	return nil
}
