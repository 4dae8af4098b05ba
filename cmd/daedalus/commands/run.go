package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/wehubfusion/Daedalus/internal/tracing"
	rterrors "github.com/wehubfusion/Daedalus/pkg/errors"
	"github.com/wehubfusion/Daedalus/pkg/graph"
	"github.com/wehubfusion/Daedalus/pkg/imagestore"
	"github.com/wehubfusion/Daedalus/pkg/logging"
	"github.com/wehubfusion/Daedalus/pkg/nodes"
	"github.com/wehubfusion/Daedalus/pkg/nodes/jsnode"
	"github.com/wehubfusion/Daedalus/pkg/runner"
	"github.com/wehubfusion/Daedalus/pkg/scheduler"
	"github.com/wehubfusion/Daedalus/pkg/snapshot"
	"github.com/wehubfusion/Daedalus/pkg/streamio"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load a graph image and schedule it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, v)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cmd, cfg)
		},
	}

	f := cmd.Flags()
	f.StringP("image", "i", "", "graph image: a file path or azblob://<container>/<path>")
	f.Uint8("processor", 0, "processor id of the main instance")
	f.Bool("all-processors", false, "also run a secondary instance on every other processor the graph allows")
	f.String("termination", "", "from-graph, return-after-pass or until-no-progress")
	f.String("redispatch", "", "from-graph, finish-pass-first or immediate")
	f.IntP("runs", "n", 1, "Run calls to make, 0 until interrupted")
	f.Duration("interval", 0, "pause between Run calls")
	f.String("instance-id", "", "instance id, generated when empty")
	f.Bool("warm-boot", false, "reset nodes with a warm boot")
	f.String("nats-url", "", "NATS server for stream I/O")
	f.String("snapshot", "", "store a final snapshot in this directory or azblob://<container>/<prefix>")
	return cmd
}

func run(ctx context.Context, cmd *cobra.Command, cfg Config) error {
	if cfg.Image == "" {
		return rterrors.NewError(rterrors.CodeConfiguration, "no graph image given", rterrors.ErrInvalidConfig)
	}
	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdown, err := tracing.SetupTracing(ctx, cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer func() { _ = tracing.ShutdownTracing(shutdown, logger) }()

	store, name, err := imagestore.Resolve(cfg.Image, cfg.Azure.ConnectionString, logger)
	if err != nil {
		return err
	}
	img, err := imagestore.Load(ctx, store, name, logger)
	if err != nil {
		return err
	}

	tr, err := cfg.translator()
	if err != nil {
		return err
	}
	reg, err := nodes.NewRegistry(jsnode.Config{
		Timeout:       cfg.JS.Timeout,
		SecurityLevel: cfg.JS.SecurityLevel,
		Logger:        logger.Named("js"),
	})
	if err != nil {
		return err
	}
	runCfg, err := cfg.Scheduler.runnerConfig()
	if err != nil {
		return err
	}

	drivers, closeDrivers, err := openDrivers(ctx, cfg, img, logger)
	if err != nil {
		return err
	}
	defer closeDrivers()

	r, err := runner.New(runCfg,
		scheduler.RuntimeConfig{Image: img, Translator: tr, Registry: reg, Drivers: drivers},
		logger,
	)
	if err != nil {
		return err
	}
	defer func() {
		if err := r.Stop(); err != nil {
			logger.Warn("Runner stop reported errors", zap.Error(err))
		}
	}()

	results, err := r.Run(ctx)
	if err != nil {
		return err
	}
	for i, res := range results {
		m := r.Instances()[i].Metrics().GetMetrics()
		fmt.Fprintf(cmd.OutOrStdout(), "instance=%s processor=%d passes=%d consumed=%d produced=%d dispatches=%d\n",
			res.Instance, res.Processor, res.Report.Passes, res.Report.Consumed, res.Report.Produced, m.Dispatches)
	}

	if cfg.Snapshot.Location == "" {
		return nil
	}
	for _, s := range r.Instances() {
		location, err := saveSnapshot(ctx, cfg, s, logger)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "snapshot=%s\n", location)
	}
	return nil
}

// openDrivers connects the stream driver when the image routes arcs to it.
func openDrivers(ctx context.Context, cfg Config, img *graph.Image, logger *zap.Logger) (map[uint8]scheduler.Driver, func(), error) {
	needed := false
	for _, e := range img.IO {
		if e.Driver == streamio.DriverID {
			needed = true
			break
		}
	}
	if !needed {
		return nil, func() {}, nil
	}
	if cfg.NATS.URL == "" {
		return nil, nil, rterrors.NewError(rterrors.CodeConfiguration,
			"graph uses stream I/O but no NATS URL is configured", rterrors.ErrInvalidConfig)
	}

	connCfg := streamio.DefaultConnectionConfig(cfg.NATS.URL)
	if cfg.NATS.Name != "" {
		connCfg.Name = cfg.NATS.Name
	}
	nc, err := streamio.Connect(ctx, connCfg, logger)
	if err != nil {
		return nil, nil, rterrors.NewError(rterrors.CodeIO, "connect stream I/O", err)
	}
	d := streamio.NewDriver(streamio.WrapConn(nc), streamio.Config{
		SubjectPrefix: cfg.NATS.SubjectPrefix,
		MaxMessage:    cfg.NATS.MaxMessage,
	}, logger)
	closeFn := func() {
		if err := streamio.Close(nc); err != nil {
			logger.Warn("Failed to close NATS connection", zap.Error(err))
		}
	}
	return map[uint8]scheduler.Driver{streamio.DriverID: d}, closeFn, nil
}

func saveSnapshot(ctx context.Context, cfg Config, s *scheduler.Scheduler, logger *zap.Logger) (string, error) {
	snap := snapshot.Take(s)
	loc := cfg.Snapshot.Location
	if !strings.HasPrefix(loc, imagestore.AzureScheme) {
		return snapshot.Save(ctx, imagestore.FileStore{Root: loc}, snap, "")
	}
	store, prefix, err := imagestore.Resolve(loc, cfg.Azure.ConnectionString, logger)
	if err != nil {
		return "", err
	}
	return snapshot.Save(ctx, store, snap, path.Join(prefix, snap.Name()))
}
