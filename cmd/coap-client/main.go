// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// coap-client sends a single CoAP request built from flags strongly
// reminiscent of curl, the way the teacher's HTTP-to-CoAP command did,
// but speaking CoAP directly through the engine package rather than
// bridging an HTTP request through a low-bandwidth codec.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/iotfleet/coaplink/coapmsg"
	"github.com/iotfleet/coaplink/engine"
	"github.com/iotfleet/coaplink/resource"
	"github.com/iotfleet/coaplink/transport"
)

var (
	flagMethod  string
	flagData    string
	flagVerbose bool
	flagTimeout time.Duration
)

func init() {
	flag.StringVar(&flagMethod, "request", "GET", "CoAP method")
	flag.StringVar(&flagMethod, "X", "GET", "CoAP method (shorthand of --request)")
	flag.StringVar(&flagData, "data", "", "request payload. If you start the data with the letter @, "+
		"the rest should be a file name to read the data from, or - if you want coap-client to read the data from stdin.")
	flag.StringVar(&flagData, "d", "", "request payload (shorthand of --data)")
	flag.BoolVar(&flagVerbose, "verbose", false, "verbose mode")
	flag.BoolVar(&flagVerbose, "v", false, "verbose mode (shorthand of --verbose)")
	flag.DurationVar(&flagTimeout, "timeout", 5*time.Second, "time to wait for a response")
}

func readPayload() []byte {
	if flagData == "" {
		return nil
	}
	var r io.Reader
	if flagData == "-" {
		r = os.Stdin
	} else if strings.HasPrefix(flagData, "@") {
		f, err := os.Open(flagData[1:])
		if err != nil {
			log.Printf("FATAL reading request file: %s\n", err.Error())
			os.Exit(1)
		}
		defer f.Close()
		r = f
	} else {
		r = bytes.NewBufferString(flagData)
	}
	b, err := ioutil.ReadAll(r)
	if err != nil {
		log.Printf("FATAL reading request body: %s\n", err.Error())
		os.Exit(1)
	}
	return b
}

func methodCode(method string) coapmsg.Code {
	switch strings.ToUpper(method) {
	case "GET":
		return coapmsg.GET
	case "POST":
		return coapmsg.POST
	case "PUT":
		return coapmsg.PUT
	case "DELETE":
		return coapmsg.DELETE
	default:
		log.Printf("FATAL unsupported method %s\n", method)
		os.Exit(1)
		return 0
	}
}

func main() {
	flag.Parse()
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of coap-client:\n")
		flag.PrintDefaults()
		fmt.Println("Example:         ./coap-client -X GET coap://localhost:5683/sensors/temp")
		fmt.Println("Example (PUT):   ./coap-client -X PUT -d 'ON' coap://localhost:5683/led3")
	}

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(1)
	}
	target, err := url.Parse(flag.Arg(0))
	if err != nil {
		log.Printf("FATAL: target url is invalid %s : %s", flag.Arg(0), err)
		os.Exit(1)
	}

	host := target.Hostname()
	port := target.Port()
	if port == "" {
		port = "5683"
	}
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(host, port))
	if err != nil {
		log.Printf("FATAL: cannot resolve %s: %s", target.Host, err)
		os.Exit(1)
	}

	mux := transport.NewMux(nil)
	const localPort = 0
	if err := mux.ListenPlain(localPort); err != nil {
		log.Printf("FATAL: failed to open local socket: %s", err)
		os.Exit(1)
	}
	defer mux.Close()

	tree := resource.NewTree()
	tree.CreateRoot("", resource.PermGet)
	e := engine.New(mux, tree, engine.Config{
		RetransmitCapacity:  4,
		AckTimeout:          2 * time.Second,
		AckRandomFactor:     1.5,
		MaxRetransmit:       4,
		MaxTransmissionSpan: 45 * time.Second,
	})

	req := coapmsg.Message{
		Code:    methodCode(flagMethod),
		Token:   []byte{0x01},
		Payload: readPayload(),
	}
	for _, seg := range strings.Split(strings.Trim(target.Path, "/"), "/") {
		if seg != "" {
			req.Options = append(req.Options, coapmsg.NewStringOption(coapmsg.OptionURIPath, seg))
		}
	}

	done := make(chan struct{})
	var respCode coapmsg.Code
	var respPayload []byte
	var respErr error
	if _, err := e.SendRequest(localPort, remote, req, true, func(resp *coapmsg.Message, err error) {
		if resp != nil {
			respCode = resp.Code
			respPayload = resp.Payload
		}
		respErr = err
		close(done)
	}); err != nil {
		log.Printf("FATAL: failed to send request: %s", err)
		os.Exit(1)
	}

	deadline := time.Now().Add(flagTimeout)
	const period = 50 * time.Millisecond
	for time.Now().Before(deadline) {
		select {
		case <-done:
			goto printResult
		default:
			e.Tick(localPort, period)
			time.Sleep(period)
		}
	}

printResult:
	select {
	case <-done:
	default:
		log.Printf("FATAL: timed out waiting for a response")
		os.Exit(1)
	}
	if respErr != nil {
		log.Printf("FATAL: %s", respErr)
		os.Exit(1)
	}
	if flagVerbose {
		fmt.Printf("< %s\n\n", respCode)
	}
	fmt.Printf("%s", string(respPayload))
	if respCode.Class() != 2 {
		os.Exit(1)
	}
}
