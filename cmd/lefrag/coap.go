package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-coap"
	"github.com/spf13/cobra"

	"avaneesh/blefrag/pkg/leadapter"
)

var (
	coapMethod  string
	coapPath    string
	coapPayload string
	coapDstPort uint8
	coapWait    time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a GATT server answering CoAP requests",
	Long: `Run the GATT server role and answer CoAP requests.

GET returns a short description of the node, PUT and POST echo the request
payload. Requests may be any size; they are reassembled before parsing.`,
	RunE: runServe,
}

var sendCmd = &cobra.Command{
	Use:   "send <peer>",
	Short: "Send one CoAP request as a GATT client and print the response",
	Args:  cobra.ExactArgs(1),
	RunE:  runSend,
}

func init() {
	rootCmd.AddCommand(serveCmd, sendCmd)
	addTransportFlags(serveCmd)
	addTransportFlags(sendCmd)
	sendCmd.Flags().StringVarP(&coapMethod, "method", "X", "GET", "CoAP method (GET, POST, PUT, DELETE)")
	sendCmd.Flags().StringVar(&coapPath, "path", "/oic/res", "Request path")
	sendCmd.Flags().StringVarP(&coapPayload, "data", "d", "", "Request payload")
	sendCmd.Flags().Uint8Var(&coapDstPort, "dst", 1, "Destination port on the server")
	sendCmd.Flags().DurationVar(&coapWait, "wait", 10*time.Second, "How long to wait for the link and the response")
}

func parseMethod(s string) (coap.COAPCode, error) {
	switch strings.ToUpper(s) {
	case "GET":
		return coap.GET, nil
	case "POST":
		return coap.POST, nil
	case "PUT":
		return coap.PUT, nil
	case "DELETE":
		return coap.DELETE, nil
	}
	return 0, fmt.Errorf("unknown method %q", s)
}

// respond builds the answer to one request
func respond(local leadapter.Endpoint, req coap.Message) coap.Message {
	rsp := coap.Message{
		Type:      coap.NonConfirmable,
		Code:      coap.Content,
		MessageID: req.MessageID,
		Token:     req.Token,
	}
	if req.IsConfirmable() {
		rsp.Type = coap.Acknowledgement
	}

	switch req.Code {
	case coap.GET:
		rsp.Payload = []byte(fmt.Sprintf("lefrag node %s path %s", local, req.PathString()))
	case coap.PUT, coap.POST:
		rsp.Code = coap.Changed
		rsp.Payload = req.Payload
	default:
		rsp.Code = coap.MethodNotAllowed
	}
	rsp.SetOption(coap.ContentFormat, coap.TextPlain)
	return rsp
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	var a *leadapter.Adapter
	callbacks := leadapter.CallbackFuncs{
		Packet: func(ep leadapter.Endpoint, data []byte) {
			req, err := coap.ParseMessage(data)
			if err != nil {
				log.Warn("serve: %d bytes from %s are not CoAP: %v", len(data), ep, err)
				return
			}
			fmt.Fprintf(out, "%s %s %s (%d bytes)\n", ep, req.Code, req.PathString(), len(req.Payload))

			local, _ := a.LocalEndpoint()
			rsp := respond(local, req)
			buf, err := rsp.MarshalBinary()
			if err != nil {
				log.Error("serve: encoding response: %v", err)
				return
			}
			if _, err := a.SendMessage(&ep, buf, leadapter.DataResponse); err != nil {
				log.Error("serve: response to %s: %v", ep, err)
			}
		},
		Connection: func(address string, connected bool) {
			state := okStyle.Render("connected")
			if !connected {
				state = errorStyle.Render("disconnected")
			}
			fmt.Fprintf(out, "%s %s\n", address, state)
		},
		Error: func(ep leadapter.Endpoint, data []byte, err error) {
			fmt.Fprintln(out, errorStyle.Render(fmt.Sprintf("%s: %v", ep, err)))
		},
	}

	a, r, err := openAdapter(callbacks)
	if err != nil {
		return err
	}
	defer r.Close()
	defer a.Close()

	if err := a.RequestListen(); err != nil {
		return err
	}
	fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("serving on %s (%s), ctrl+c to stop", listenAddr, transport)))

	<-ctx.Done()
	return nil
}

func runSend(cmd *cobra.Command, args []string) error {
	target := args[0]
	method, err := parseMethod(coapMethod)
	if err != nil {
		return err
	}
	if len(peers) == 0 {
		peers = []string{target}
	}

	token := make([]byte, 4)
	if _, err := rand.Read(token); err != nil {
		return err
	}
	req := coap.Message{
		Type:      coap.Confirmable,
		Code:      method,
		MessageID: binary.BigEndian.Uint16(token),
		Token:     token,
		Payload:   []byte(coapPayload),
	}
	req.SetPathString(coapPath)
	buf, err := req.MarshalBinary()
	if err != nil {
		return err
	}

	connected := make(chan struct{}, 1)
	responses := make(chan coap.Message, 1)
	failures := make(chan error, 1)
	callbacks := leadapter.CallbackFuncs{
		Packet: func(ep leadapter.Endpoint, data []byte) {
			rsp, err := coap.ParseMessage(data)
			if err != nil || !bytes.Equal(rsp.Token, token) {
				log.Debug("send: ignoring %d bytes from %s", len(data), ep)
				return
			}
			select {
			case responses <- rsp:
			default:
			}
		},
		Connection: func(address string, up bool) {
			if up && address == target {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		},
		Error: func(ep leadapter.Endpoint, data []byte, err error) {
			select {
			case failures <- err:
			default:
			}
		},
	}

	a, r, err := openAdapter(callbacks)
	if err != nil {
		return err
	}
	defer r.Close()
	defer a.Close()

	if err := a.RequestDiscover(); err != nil {
		return err
	}

	deadline := time.After(coapWait)
	select {
	case <-connected:
	case <-deadline:
		return fmt.Errorf("no link to %s within %v", target, coapWait)
	}

	ep := &leadapter.Endpoint{Address: target, Port: coapDstPort, Secure: keyHex != ""}
	if _, err := a.SendMessage(ep, buf, leadapter.DataRequest); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	select {
	case rsp := <-responses:
		fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("%s from %s", rsp.Code, target)))
		fmt.Fprintln(out, string(rsp.Payload))
		return nil
	case err := <-failures:
		return err
	case <-deadline:
		return fmt.Errorf("no response from %s within %v", target, coapWait)
	}
}
