package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"avaneesh/blefrag/pkg/frag"
)

var (
	encodeDst    uint8
	encodeSecure bool
	encodeHex    bool
	decodeFrom   string
)

var planCmd = &cobra.Command{
	Use:   "plan <length>",
	Short: "Show how a payload of the given length is split",
	Args:  cobra.ExactArgs(1),
	RunE:  runPlan,
}

var encodeCmd = &cobra.Command{
	Use:   "encode <payload>",
	Short: "Fragment a payload and print the segments in hex",
	Long: `Fragment a payload into wire segments.

The payload is taken literally, or as hex with --hex. Each output line is one
segment as it would be written to the GATT characteristic.`,
	Args: cobra.ExactArgs(1),
	RunE: runEncode,
}

var decodeCmd = &cobra.Command{
	Use:   "decode <segment>...",
	Short: "Reassemble hex segments and print the message",
	Long: `Feed hex segments through a reassembler in order.

Segments addressed to a port other than --local-port (or 0) are ignored, as
they would be on a device.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runDecode,
}

func init() {
	rootCmd.AddCommand(planCmd, encodeCmd, decodeCmd)
	encodeCmd.Flags().Uint8Var(&encodeDst, "dst", frag.DefaultLocalPort, "Destination port")
	encodeCmd.Flags().BoolVar(&encodeSecure, "secure", false, "Set the secure flag")
	encodeCmd.Flags().BoolVar(&encodeHex, "hex", false, "Payload is hex encoded")
	decodeCmd.Flags().StringVar(&decodeFrom, "from", "00:00:00:00:00:00", "Sender address")
}

func runPlan(cmd *cobra.Command, args []string) error {
	length, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid length %q: %w", args[0], err)
	}
	plan, err := frag.PlanFragmentation(length, mtu)
	if err != nil {
		return err
	}

	overhead := plan.TotalWireLength - plan.PayloadLength
	lines := []string{
		titleStyle.Render(fmt.Sprintf("%d bytes at MTU %d", length, mtu)),
		field("first segment", fmt.Sprintf("%d payload bytes", plan.FirstChunk)),
		field("full segments", fmt.Sprintf("%d x %d bytes", plan.MidSegments, frag.SubsequentCapacity(mtu))),
		field("last segment", fmt.Sprintf("%d bytes", plan.Remainder)),
		field("segments", plan.SegmentCount()),
		field("wire bytes", plan.TotalWireLength),
		field("overhead", fmt.Sprintf("%d bytes (%.1f%%)", overhead, 100*float64(overhead)/float64(plan.TotalWireLength))),
	}
	fmt.Fprintln(cmd.OutOrStdout(), boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, lines...)))
	return nil
}

func runEncode(cmd *cobra.Command, args []string) error {
	payload := []byte(args[0])
	if encodeHex {
		var err error
		if payload, err = hex.DecodeString(strings.ReplaceAll(args[0], " ", "")); err != nil {
			return fmt.Errorf("invalid hex payload: %w", err)
		}
	}

	segments, err := frag.Fragment(payload, mtu, localPort, encodeDst, encodeSecure)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for i, seg := range segments {
		h := frag.DecodeHeader(seg)
		fmt.Fprintf(out, "%s %s  %s\n",
			labelStyle.Width(6).Render(fmt.Sprintf("#%d", i)),
			hex.EncodeToString(seg),
			labelStyle.UnsetWidth().Render(formatHeader(h)))
	}
	return nil
}

func runDecode(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	var messages []*frag.Message
	config := frag.DefaultReassemblerConfig()
	config.LocalPort = func() uint8 { return localPort }
	r := frag.NewReassembler(config, func(msg *frag.Message) {
		messages = append(messages, msg)
	}, log)

	var failed error
	for i, arg := range args {
		seg, err := hex.DecodeString(arg)
		if err != nil {
			return fmt.Errorf("segment %d: invalid hex: %w", i, err)
		}
		status := okStyle.Render("ok")
		if err := r.Process(decodeFrom, seg); err != nil {
			status = errorStyle.Render(err.Error())
			failed = errors.Join(failed, fmt.Errorf("segment %d: %w", i, err))
		}
		desc := "short"
		if len(seg) >= frag.HeaderSize {
			desc = formatHeader(frag.DecodeHeader(seg))
		}
		fmt.Fprintf(out, "#%-3d %-28s %s\n", i, desc, status)
	}

	for _, msg := range messages {
		fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("message from %s:%d (%d bytes)", msg.Address, msg.Port, len(msg.Data))))
		fmt.Fprintln(out, hex.Dump(msg.Data))
	}
	if n := r.Pending(); n > 0 {
		fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%d incomplete message(s)", n)))
	}
	return failed
}
