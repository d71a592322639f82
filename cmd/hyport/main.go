package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/jacktea/hyport/pkg/dispatch"
	"github.com/jacktea/hyport/pkg/drive"
	_ "github.com/jacktea/hyport/pkg/drive/billydrive"
	_ "github.com/jacktea/hyport/pkg/drive/boltdrive"
	_ "github.com/jacktea/hyport/pkg/drive/ipfsdrive"
	_ "github.com/jacktea/hyport/pkg/drive/s3drive"
	"github.com/jacktea/hyport/pkg/openfile"
	"github.com/jacktea/hyport/pkg/xerrors"
)

type app struct {
	ctx      context.Context
	log      *logrus.Logger
	drive    drive.Drive
	d        *dispatch.Dispatcher
	registry *prometheus.Registry
	logFile  io.Closer
}

func (a *app) ensureDispatcher(ctx context.Context) error {
	if a.d != nil {
		return nil
	}
	if a.log == nil {
		a.log = logrus.New()
	}
	logFile, err := configureLogging(a.log)
	if err != nil {
		return err
	}
	a.logFile = logFile

	name := viper.GetString("type")
	cfg := driverConfig(name)
	a.log.WithFields(logrus.Fields{"driver": name}).Debug("opening drive")
	d, err := drive.Open(ctx, name, cfg)
	if err != nil {
		return errors.Wrapf(err, "open %s drive", name)
	}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.ctx = ctx
	a.drive = d
	a.d = dispatch.New(d, dispatch.Options{
		Logger:  a.log,
		Metrics: dispatch.NewMetrics(a.registry),
		Shards:  viper.GetInt("dispatch.shards"),
	})
	return nil
}

func (a *app) close() {
	if a.d != nil {
		if err := a.d.Close(context.Background()); err != nil {
			a.log.WithError(err).Warn("closing dispatcher")
		}
		if err := a.drive.Close(); err != nil {
			a.log.WithError(err).Warn("closing drive")
		}
		a.d = nil
	}
	if a.logFile != nil {
		a.logFile.Close()
		a.logFile = nil
	}
}

var (
	cfgFile     string
	application = &app{}
	rootCmd     = &cobra.Command{
		Use:           "hyport",
		Short:         "Mount a remote drive as a local filesystem",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return application.ensureDispatcher(cmd.Context())
		},
	}
)

func init() {
	cobra.OnInitialize(initConfig)
	initRootFlags()
	initCommands()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	application.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "hyport:", err)
		os.Exit(exitCode(err))
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("hyport")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(filepath.Join(home, ".config", "hyport"))
		}
		viper.AddConfigPath("/etc/hyport")
	}
	viper.SetEnvPrefix("HYPORT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	viper.SetDefault("ipfs.nodes", []map[string]any{{"ipv4": "127.0.0.1", "port": 5001}})
	if err := viper.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

func bindConfig(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func initRootFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (YAML, TOML or JSON)")
	flags.StringP("type", "t", "ipfs", "drive type: "+strings.Join(drive.Drivers(), "|"))
	flags.BoolP("debug", "d", false, "enable debug logging and FUSE protocol tracing")
	flags.String("log-level", "info", "log level")
	flags.String("log-format", "text", "log format: text|json")
	flags.String("log-file", "", "append logs to this file instead of stderr")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address while mounted or serving")
	flags.Int("shards", openfile.DefaultShards, "open-file registry lock shards")

	bindConfig("type", flags.Lookup("type"))
	bindConfig("debug", flags.Lookup("debug"))
	bindConfig("log.level", flags.Lookup("log-level"))
	bindConfig("log.format", flags.Lookup("log-format"))
	bindConfig("log.file", flags.Lookup("log-file"))
	bindConfig("metrics.addr", flags.Lookup("metrics-addr"))
	bindConfig("dispatch.shards", flags.Lookup("shards"))
}

func initCommands() {
	rootCmd.AddCommand(
		newMountCmd(),
		newServeNFSCmd(),
		newServeHTTPCmd(),
		newServeS3Cmd(),
		newLsCmd(),
		newStatCmd(),
		newCatCmd(),
		newPutCmd(),
		newMkdirCmd(),
		newRmCmd(),
		newMvCmd(),
		newDriversCmd(),
	)
}

// driverConfig returns the config section for the named driver with every
// layer (flags, env, file, defaults) merged.
func driverConfig(name string) map[string]any {
	section, _ := viper.AllSettings()[name].(map[string]any)
	if section == nil {
		section = map[string]any{}
	}
	return section
}

func configureLogging(log *logrus.Logger) (io.Closer, error) {
	level, err := logrus.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		return nil, errors.Wrap(err, "log level")
	}
	if viper.GetBool("debug") {
		level = logrus.DebugLevel
	}
	log.SetLevel(level)

	switch format := viper.GetString("log.format"); format {
	case "", "text":
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, errors.Errorf("unknown log format %q", format)
	}

	path := viper.GetString("log.file")
	if path == "" {
		log.SetOutput(os.Stderr)
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open log file")
	}
	log.SetOutput(f)
	return f, nil
}

// exitCode maps classified failures to distinct process exit codes.
func exitCode(err error) int {
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return 2
	case xerrors.KindConflict, xerrors.KindRejected, xerrors.KindAlreadyExists, xerrors.KindNotEmpty:
		return 3
	case xerrors.KindUnavailable:
		return 4
	default:
		return 1
	}
}
