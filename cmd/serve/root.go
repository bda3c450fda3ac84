package serve

import (
	"fmt"
	cmdUtil "github.com/ValentinKolb/memdb/cmd/util"
	"github.com/ValentinKolb/memdb/lib/pool"
	"github.com/ValentinKolb/memdb/lib/store/lstore"
	"github.com/ValentinKolb/memdb/lib/sys"
	"github.com/ValentinKolb/memdb/server"
	"github.com/ValentinKolb/memdb/server/common"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"syscall"
)

var log = logger.GetLogger("cmd")

var (
	serveCmdConfig = common.DefaultServerConfig()
	memLimitRatio  = sys.DefaultMemLimitRatio
	ServeCmd       = &cobra.Command{
		Use:     "serve",
		Short:   "Start the memdb server",
		Long:    `Start the memdb server with the specified configuration. The configuration can be set via command line flags, environment variables or a .env file. The format of the environment variables is MEMDB_<flag> (e.g. MEMDB_SHUTDOWN_TIMEOUT=15s)`,
		PreRunE: processConfig,
		RunE:    run,
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(cmdUtil.InitConfig)

	// add flags
	key := "port"
	ServeCmd.Flags().String(key, strconv.Itoa(common.DefaultPort), cmdUtil.WrapString("TCP port the server listens on (1-65535). The server accepts IPv4 and IPv6 connections on all interfaces"))

	key = "threads"
	ServeCmd.Flags().Int(key, 0, cmdUtil.WrapString("Number of worker threads serving requests. 0 uses one per available CPU"))

	key = "shards"
	ServeCmd.Flags().Int(key, 0, cmdUtil.WrapString("Number of independently locked store shards. 0 uses one per available CPU"))

	key = "max-events"
	ServeCmd.Flags().Int(key, common.DefaultMaxEvents, cmdUtil.WrapString("Maximum number of readiness events handled per event loop iteration"))

	key = "shutdown-timeout"
	ServeCmd.Flags().Duration(key, common.DefaultShutdownTimeout, cmdUtil.WrapString("How long to wait for running requests when the server stops"))

	key = "metrics-endpoint"
	ServeCmd.Flags().String(key, "", cmdUtil.WrapString("Address of the Prometheus /metrics endpoint (e.g. localhost:9100). Empty disables it"))

	key = "mem-limit-ratio"
	ServeCmd.Flags().Float64(key, sys.DefaultMemLimitRatio, cmdUtil.WrapString("Fraction of the container or system memory used as the Go memory limit"))

	key = "log-level"
	ServeCmd.Flags().String(key, common.DefaultLogLevel, cmdUtil.WrapString("LogLevel is the level at which logs will be output (debug, info, warn, error)"))
}

// processConfig reads the configuration from the command line flags and environment variables and converts them to the server configuration
func processConfig(cmd *cobra.Command, _ []string) error {
	// bind the flags to viper
	if err := cmdUtil.BindCommandFlags(cmd); err != nil {
		return err
	}

	port, err := cmdUtil.ParsePort(viper.GetString("port"))
	if err != nil {
		return err
	}

	serveCmdConfig.Port = port
	serveCmdConfig.Workers = viper.GetInt("threads")
	serveCmdConfig.Shards = viper.GetInt("shards")
	serveCmdConfig.MaxEvents = viper.GetInt("max-events")
	serveCmdConfig.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	serveCmdConfig.MetricsEndpoint = viper.GetString("metrics-endpoint")
	serveCmdConfig.LogLevel = viper.GetString("log-level")

	memLimitRatio = viper.GetFloat64("mem-limit-ratio")
	if memLimitRatio <= 0 || memLimitRatio > 1 {
		return fmt.Errorf("invalid mem-limit-ratio %v (expected a value in (0, 1])", memLimitRatio)
	}

	return serveCmdConfig.Validate()
}

// run starts the memdb server and blocks until it receives SIGINT or SIGTERM
func run(cmd *cobra.Command, _ []string) error {
	// https://github.com/golang/go/issues/17393
	if runtime.GOOS == "darwin" {
		signal.Ignore(syscall.Signal(0xd))
	}

	if err := common.InitLoggers(serveCmdConfig); err != nil {
		return err
	}

	// before the pool and the store size themselves after the CPU count
	limits := sys.ApplyRuntimeLimits(memLimitRatio)
	log.Infof("runtime limits: %s", limits)
	log.Infof("%s", serveCmdConfig.String())

	kv := lstore.NewLocalStore(lstore.WithShards(serveCmdConfig.Shards))
	defer func() {
		if err := kv.Close(); err != nil {
			log.Warningf("closing store: %v", err)
		}
	}()

	workers := pool.New(serveCmdConfig.Workers, pool.WithName("server"))
	srv := server.NewServer(serveCmdConfig, kv, workers, nil)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return srv.Start(ctx)
}
