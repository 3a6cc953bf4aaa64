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

// coap-server is a minimal CoAP origin server over the engine package: it
// serves a single observable "sensors/temp" resource, emitting a
// notification to any registered observer every time its value changes
// via SIGUSR1 (absent that signal on the platform, the value simply stays
// at a fixed reading and observers still receive the initial GET
// response). With auto-mode on, the engine also sends an empty-payload
// notification whenever the resource's max-age countdown comes within
// ObserveNotifyDelta ticks of expiry.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iotfleet/coaplink/coapmsg"
	"github.com/iotfleet/coaplink/content"
	"github.com/iotfleet/coaplink/engine"
	"github.com/iotfleet/coaplink/resource"
	"github.com/iotfleet/coaplink/tick"
	"github.com/iotfleet/coaplink/transport"
	"github.com/sirupsen/logrus"
)

var (
	flagPort   int
	flagTick   time.Duration
	flagVerbose bool
)

func init() {
	flag.IntVar(&flagPort, "port", 5683, "UDP port to listen on")
	flag.DurationVar(&flagTick, "tick", 200*time.Millisecond, "tick cadence driving retransmits and observe notifications")
	flag.BoolVar(&flagVerbose, "verbose", false, "log at debug level")
	flag.BoolVar(&flagVerbose, "v", false, "log at debug level (shorthand of --verbose)")
}

func main() {
	flag.Parse()
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of coap-server:\n")
		flag.PrintDefaults()
		fmt.Println("Example: ./coap-server -port 5683 -v")
	}

	log := logrus.New()
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	mux := transport.NewMux(log)
	if err := mux.ListenPlain(flagPort); err != nil {
		log.WithError(err).Fatal("failed to listen")
	}

	tree := resource.NewTree()
	tree.CreateRoot("", resource.PermGet)
	root := tree.Root()
	sensors, err := tree.AddChild(root, "sensors", resource.PermGet)
	if err != nil {
		log.WithError(err).Fatal("failed to create sensors resource")
	}
	temp, err := tree.AddChild(sensors, "temp", resource.PermGet|resource.PermObserve)
	if err != nil {
		log.WithError(err).Fatal("failed to create temp resource")
	}
	temp.MaxAge = 60
	temp.ContentFormatMask = 1 << uint(content.FormatTextPlain)

	reading := "21.5"
	temp.Handler = resource.HandlerFunc(func(req *coapmsg.Message, n *resource.Node) (coapmsg.Code, uint16, []byte, error) {
		return coapmsg.Content, uint16(content.FormatTextPlain), []byte(reading), nil
	})

	e := engine.New(mux, tree, engine.Config{
		RetransmitCapacity:  64,
		AckTimeout:          2 * time.Second,
		AckRandomFactor:     1.5,
		MaxRetransmit:       4,
		MaxTransmissionSpan: 45 * time.Second,
		ObserveNotifyDelta:  5,
		AutoMode:            true,
		Log:                 log,
	})
	e.OnError = func(err error) { log.WithError(err).Warn("engine error") }

	driver := tick.New()
	driver.AddEngine(e, flagPort)

	go func() {
		ticker := time.NewTicker(flagTick)
		defer ticker.Stop()
		for now := range ticker.C {
			driver.Tick(now, flagTick)
		}
	}()

	// SIGUSR1 bumps the reading and notifies every registered observer,
	// a manual stand-in for a real sensor driver pushing updates.
	updates := make(chan os.Signal, 1)
	signal.Notify(updates, syscall.SIGUSR1)
	go func() {
		for range updates {
			reading = bumpReading(reading)
			e.NotifyObservers(flagPort, temp, []byte(reading), false)
			log.WithField("reading", reading).Info("notified observers")
		}
	}()

	log.WithField("port", flagPort).Info("coap-server listening")
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
}

func bumpReading(current string) string {
	var v float64
	fmt.Sscanf(current, "%f", &v)
	return fmt.Sprintf("%.1f", v+0.5)
}
