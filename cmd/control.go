package cmd

import (
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Send a runtime reconfiguration block to a running engine",
	Long: `Dial a running engine's control port and send a configuration block
with the same "stages:" grammar as the startup file. The engine applies
each named stage's settings and keeps running; unknown stage names are
logged by the engine and otherwise ignored.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runControl()
	},
}

var (
	controlAddr string
	controlFile string
)

func init() {
	controlCmd.Flags().StringVarP(&controlAddr, "addr", "a", "127.0.0.1:9000",
		"engine control address (host:port)")
	controlCmd.Flags().StringVarP(&controlFile, "file", "f", "",
		"configuration block file to send (required)")
	controlCmd.MarkFlagRequired("file")
}

func runControl() error {
	data, err := os.ReadFile(controlFile)
	if err != nil {
		return fmt.Errorf("control: read %s: %w", controlFile, err)
	}

	conn, err := net.DialTimeout("tcp", controlAddr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("control: dial %s: %w", controlAddr, err)
	}
	defer conn.Close()

	if _, err := conn.Write(data); err != nil {
		return fmt.Errorf("control: send block: %w", err)
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.CloseWrite()
	}

	reply, err := io.ReadAll(conn)
	if err != nil {
		return fmt.Errorf("control: read reply: %w", err)
	}
	if len(reply) > 0 {
		fmt.Print(string(reply))
	} else {
		fmt.Println("configuration block sent.")
	}
	return nil
}
