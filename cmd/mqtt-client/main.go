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

// mqtt-client connects to a broker, optionally subscribes to a topic, and
// optionally publishes one message, printing inbound PUBLISH packets to
// stdout until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/iotfleet/coaplink/mqtt"
	"github.com/iotfleet/coaplink/tick"
	"github.com/sirupsen/logrus"
)

var (
	flagAddress   string
	flagClientID  string
	flagUsername  string
	flagPassword  string
	flagKeepAlive time.Duration
	flagSubscribe string
	flagPubTopic  string
	flagPubData   string
	flagQoS       int
	flagVerbose   bool
)

func init() {
	flag.StringVar(&flagAddress, "broker", "localhost:1883", "broker address, host:port")
	flag.StringVar(&flagClientID, "id", "coaplink-mqtt-client", "MQTT client id")
	flag.StringVar(&flagUsername, "user", "", "username")
	flag.StringVar(&flagPassword, "pass", "", "password")
	flag.DurationVar(&flagKeepAlive, "keepalive", 60*time.Second, "keep-alive interval")
	flag.StringVar(&flagSubscribe, "sub", "", "topic to subscribe to")
	flag.StringVar(&flagPubTopic, "topic", "", "topic to publish to")
	flag.StringVar(&flagPubData, "data", "", "payload to publish")
	flag.IntVar(&flagQoS, "qos", 0, "QoS for -topic/-sub")
	flag.BoolVar(&flagVerbose, "verbose", false, "log at debug level")
	flag.BoolVar(&flagVerbose, "v", false, "log at debug level (shorthand of --verbose)")
}

func main() {
	flag.Parse()
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage of mqtt-client:\n")
		flag.PrintDefaults()
		fmt.Println("Example: ./mqtt-client -broker localhost:1883 -sub 'devices/+/status'")
		fmt.Println("Example: ./mqtt-client -broker localhost:1883 -topic led/state -data ON -qos 1")
	}

	log := logrus.New()
	if flagVerbose {
		log.SetLevel(logrus.DebugLevel)
	}

	connected := make(chan struct{})
	var client *mqtt.Client
	client = mqtt.New(mqtt.Config{
		Address:      flagAddress,
		ClientID:     flagClientID,
		Username:     flagUsername,
		Password:     flagPassword,
		CleanSession: true,
		KeepAlive:    flagKeepAlive,
		Log:          log,
		OnEvent: func(ev mqtt.Event) {
			switch ev.Kind {
			case mqtt.EventConnected:
				log.Info("connected")
				close(connected)
			case mqtt.EventDisconnected:
				log.WithError(ev.Err).Warn("disconnected")
			case mqtt.EventPublish:
				fmt.Printf("%s: %s\n", ev.Publish.Topic, string(ev.Publish.Payload))
				if ev.Publish.QoS == 1 {
					if err := client.PublishAck(ev.Publish.MessageID); err != nil {
						log.WithError(err).Warn("failed to ack publish")
					}
				}
			case mqtt.EventSubAck:
				log.WithField("message_id", ev.SubAck.MessageID).Info("subscribed")
			case mqtt.EventPubAck:
				log.WithField("message_id", ev.Publish.MessageID).Debug("publish acknowledged")
			case mqtt.EventError:
				log.WithError(ev.Err).Warn("client error")
			}
		},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Connect(ctx); err != nil {
		log.WithError(err).Fatal("failed to connect")
	}

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		log.Fatal("timed out waiting for CONNACK")
	}

	driver := tick.New()
	driver.AddMQTTClient(client)
	go func() {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for now := range ticker.C {
			driver.Tick(now, time.Second)
		}
	}()

	if flagSubscribe != "" {
		topics := strings.Split(flagSubscribe, ",")
		subs := make([]mqtt.Subscription, len(topics))
		for i, t := range topics {
			subs[i] = mqtt.Subscription{Topic: t, QoS: byte(flagQoS)}
		}
		if _, err := client.Subscribe(subs); err != nil {
			log.WithError(err).Fatal("subscribe failed")
		}
	}

	if flagPubTopic != "" {
		if _, err := client.Publish(flagPubTopic, []byte(flagPubData), byte(flagQoS), false); err != nil {
			log.WithError(err).Fatal("publish failed")
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	client.Disconnect()
}
