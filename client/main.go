package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	. "github.com/inconsiderable/blockclique"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// A blockclique node
func main() {
	if err := rootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:          "client",
		Short:        "A blockclique node",
		SilenceUsage: true,
	}
	root.AddCommand(runCommand())
	return root
}

// flag name, viper key
var nodeFlags = [][2]string{
	{"datadir", "data_dir"},
	{"genesis", "genesis_ledger"},
	{"keyfile", "staking_key_file"},
	{"nodekey", "node_key_file"},
	{"listen", "listen"},
	{"api", "api_listen"},
	{"bootstrap", "bootstrap_peers"},
	{"peer", "peers"},
	{"upnp", "upnp"},
	{"compress", "compress"},
	{"reset", "ledger_reset_at_startup"},
	{"logfile", "log_file"},
	{"loglevel", "log_level"},
}

func runCommand() *cobra.Command {
	v := viper.New()
	c := &cobra.Command{
		Use:   "run",
		Short: "Runs a node",
		RunE: func(c *cobra.Command, args []string) error {
			return runNode(c, v)
		},
	}

	flags := c.Flags()
	flags.String("config", "", "Path to a configuration file with network parameters and node settings")
	flags.String("datadir", "", "Path to a directory to save node data")
	flags.String("genesis", "", "Path to the genesis ledger JSON file")
	flags.String("keyfile", "", "Path to a file containing base64 staking key seeds, one per line")
	flags.String("nodekey", "", "Path to a file containing the base64 seed of the node key")
	flags.String("listen", fmt.Sprintf(":%d", DEFAULT_BOOTSTRAP_PORT), "Address to serve bootstrap and relay connections on")
	flags.String("api", fmt.Sprintf("127.0.0.1:%d", DEFAULT_API_PORT), "Address to serve the status API on")
	flags.StringSlice("bootstrap", nil, "Bootstrap servers as pubkey@host:port")
	flags.StringSlice("peer", nil, "Address of a peer to connect to")
	flags.Bool("upnp", false, "Attempt to forward the listen port on your router with UPnP")
	flags.Bool("compress", false, "Compress archived blocks on disk with lz4")
	flags.Bool("reset", LEDGER_RESET_AT_STARTUP, "Wipe the final state and block archive before starting")
	flags.String("logfile", "", "Path to a log file, stderr if empty")
	flags.String("loglevel", "info", "Log level")
	for _, f := range nodeFlags {
		if err := v.BindPFlag(f[1], flags.Lookup(f[0])); err != nil {
			panic(err)
		}
	}
	return c
}

func runNode(c *cobra.Command, v *viper.Viper) error {
	configPath, err := c.Flags().GetString("config")
	if err != nil {
		return err
	}
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}
	if len(configPath) != 0 {
		// node settings may live in the same file
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}
	nodeCfg := &NodeConfig{}
	if err := v.Unmarshal(nodeCfg); err != nil {
		return err
	}
	cfg.LedgerResetAtStartup = v.GetBool("ledger_reset_at_startup")
	if len(nodeCfg.DataDir) == 0 {
		return fmt.Errorf("--datadir argument required")
	}
	if len(nodeCfg.GenesisLedger) == 0 {
		return fmt.Errorf("--genesis argument required")
	}

	logger, err := NewLogger(v.GetString("log_file"), v.GetString("log_level"))
	if err != nil {
		return err
	}
	defer logger.Sync()

	// shutdown on ctrl-c
	ctx, stop := signal.NotifyContext(c.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting up...")
	node, err := NewNode(cfg, nodeCfg, logger)
	if err != nil {
		return err
	}
	if err := node.Start(ctx); err != nil {
		node.Shutdown()
		return err
	}
	logger.Info("Client started")

	select {
	case <-ctx.Done():
		err = nil
	case err = <-node.Fatal():
	}
	logger.Info("Shutting down...")
	node.Shutdown()
	logger.Info("Exiting")
	return err
}
