// Command lefrag inspects and exercises the BLE GATT fragmentation layer.
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
