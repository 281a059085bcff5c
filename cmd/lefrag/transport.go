package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"avaneesh/blefrag/pkg/leadapter"
	"avaneesh/blefrag/pkg/radio"
	"avaneesh/blefrag/pkg/secure"
)

var (
	transport  string
	listenAddr string
	peers      []string
	nodeName   string
	serialPort string
	baudRate   int
	hciName    string
	keyHex     string
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ports, err := radio.ListSerialPorts()
		if err != nil {
			return err
		}
		if len(ports) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "no serial ports found")
		}
		for _, p := range ports {
			fmt.Fprintln(cmd.OutOrStdout(), p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func addTransportFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&transport, "transport", "t", "quic", "Link transport (quic, ws, serial, bluez)")
	cmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:5683", "Listen address (quic, ws)")
	cmd.Flags().StringSliceVar(&peers, "peer", nil, "GATT server address to connect to")
	cmd.Flags().StringVar(&nodeName, "name", "", "Address announced to servers (ws)")
	cmd.Flags().StringVarP(&serialPort, "port", "p", "", "Serial device of the BLE co-processor")
	cmd.Flags().IntVarP(&baudRate, "baud", "b", 115200, "Baud rate (serial)")
	cmd.Flags().StringVar(&hciName, "hci", "hci0", "HCI adapter (bluez)")
	cmd.Flags().StringVar(&keyHex, "key", "", "Hex encoded 32 byte key, enables secure messages")
}

func openRadio() (radio.Radio, error) {
	switch transport {
	case "quic":
		return radio.NewQUICRadio(radio.QUICConfig{
			ListenAddress: listenAddr,
			Peers:         peers,
			MTU:           mtu,
			Logger:        log,
		})
	case "ws", "websocket":
		return radio.NewWebSocketRadio(radio.WebSocketConfig{
			ListenAddress: listenAddr,
			Peers:         peers,
			Name:          nodeName,
			MTU:           mtu,
			Logger:        log,
		}), nil
	case "serial":
		if serialPort == "" {
			return nil, fmt.Errorf("--port is required for the serial transport")
		}
		config := radio.DefaultSerialConfig(serialPort)
		config.BaudRate = baudRate
		config.MTU = mtu
		config.Logger = log
		return radio.OpenSerialRadio(config)
	case "bluez":
		return openBluez()
	default:
		return nil, fmt.Errorf("unknown transport %q", transport)
	}
}

// openAdapter creates and starts an adapter on the selected transport
func openAdapter(callbacks leadapter.Callbacks) (*leadapter.Adapter, radio.Radio, error) {
	r, err := openRadio()
	if err != nil {
		return nil, nil, err
	}

	opts := []leadapter.Option{leadapter.WithLogger(log)}
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			r.Close()
			return nil, nil, fmt.Errorf("invalid --key: %w", err)
		}
		hook, err := secure.New(secure.Config{Key: key, Logger: log})
		if err != nil {
			r.Close()
			return nil, nil, err
		}
		opts = append(opts, leadapter.WithSecureHook(hook))
	}

	cfg := leadapter.DefaultConfig()
	cfg.MTU = mtu
	cfg.LocalPort = localPort
	cfg.SendTimeout = 10 * time.Second
	a, err := leadapter.New(cfg, r, callbacks, opts...)
	if err != nil {
		r.Close()
		return nil, nil, err
	}
	if err := a.Start(); err != nil {
		a.Close()
		r.Close()
		return nil, nil, err
	}
	return a, r, nil
}
