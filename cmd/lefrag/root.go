package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"avaneesh/blefrag/pkg/frag"
	"avaneesh/blefrag/pkg/leadapter"
)

var (
	logLevel   string
	logBackend string

	mtu       int
	localPort uint8

	log = leadapter.NewNoOpLogger()
)

var rootCmd = &cobra.Command{
	Use:   "lefrag",
	Short: "BLE GATT fragmentation toolkit",
	Long: `lefrag inspects and exercises the OIC BLE GATT fragmentation layer.

Offline commands:
  plan, encode, decode   compute and inspect segment layouts

Link commands:
  loopback, monitor      run two adapters over an in-memory medium
  serve, send            exchange CoAP messages over quic, ws, serial or bluez
  ports                  list serial ports for the serial transport`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := leadapter.ParseLogLevel(logLevel)
		if err != nil {
			return err
		}
		switch logBackend {
		case "zap":
			log = leadapter.NewLogger(level)
		case "logrus":
			log = leadapter.NewLogrusLogger(level, map[string]interface{}{"cmd": cmd.Name()})
		default:
			return fmt.Errorf("unknown log backend %q (want zap or logrus)", logBackend)
		}
		leadapter.SetDefaultLogger(log)
		return frag.ValidateMTU(mtu)
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		leadapter.SyncLogger(log)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logBackend, "log-backend", "zap", "Log backend (zap or logrus)")
	rootCmd.PersistentFlags().IntVar(&mtu, "mtu", frag.DefaultMTU, "Segment size in bytes")
	rootCmd.PersistentFlags().Uint8Var(&localPort, "local-port", frag.DefaultLocalPort, "Local source port (1-127)")
}
