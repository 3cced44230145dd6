//go:build test

package main

import (
	"fmt"
	"log"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/jakecoffman/replica"
	"github.com/jakecoffman/replica/transport"
	"github.com/op/go-logging"
)

const testMessageBytes = 290

var globalTime = 100.

func main() {
	logging.SetLevel(logging.ERROR, "replica")

	numIterations := -1

	if len(os.Args) > 1 {
		var err error
		numIterations, err = strconv.Atoi(os.Args[1])
		if err != nil {
			panic("argument 2 must be an integer")
		}
	}

	server, client, network := initialize()

	var quit bool

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT)

	go func() {
		<-signals
		quit = true
		close(signals)
	}()

	deltaTime := .01

	for i := 0; !quit && (numIterations < 0 || i < numIterations); i++ {
		iteration(server, client, network, globalTime)
		globalTime += deltaTime
	}
}

func initialize() (*replica.Server, *replica.Client, *transport.Network) {
	network := transport.NewNetwork(1, transport.Conditions{Latency: .03, Jitter: .01})
	// every fifth packet is lost, like the old stats run
	var n int
	network.Drop = func(_, _ string, _ []byte) bool {
		n++
		return n%5 == 0
	}

	registry := replica.NewRegistry()
	serverConfig := replica.NewDefaultConfig()
	serverConfig.Name = "server"
	clientConfig := replica.NewDefaultConfig()
	clientConfig.Name = "client"

	server, err := replica.NewServer(serverConfig, replica.NewWorld(registry), network.Endpoint("server"), replica.ServerOptions{})
	if err != nil {
		log.Fatal(err)
	}
	client, err := replica.NewClient(clientConfig, registry, network.Endpoint("client"), "server")
	if err != nil {
		log.Fatal(err)
	}
	client.Connect(nil)
	return server, client, network
}

func generateMessage(sequence uint16) []byte {
	data := make([]byte, testMessageBytes)
	data[0] = byte(sequence & 0xFF)
	data[1] = byte((sequence >> 8) & 0xFF)
	for i := 2; i < testMessageBytes; i++ {
		data[i] = byte((i + int(sequence)) % 256)
	}
	return data
}

func checkMessage(data []byte) {
	if len(data) != testMessageBytes {
		log.Fatal("Size not right, expected ", testMessageBytes, " got ", len(data))
	}
	seq := uint16(data[0]) | uint16(data[1])<<8
	for i := 2; i < len(data); i++ {
		if data[i] != byte((i+int(seq))%256) {
			log.Fatal("Wrong message data at index ", i, " got ", data[i], " expected ", (i+int(seq))%256)
		}
	}
}

func iteration(server *replica.Server, client *replica.Client, network *transport.Network, time float64) {
	conn := client.Connection()
	if client.State() == replica.StateConnected {
		client.Send(replica.ChannelUnreliable, 1, generateMessage(uint16(server.Tick())))
		server.Broadcast(replica.ChannelUnreliable, 1, generateMessage(uint16(server.Tick())))
	}

	network.Advance(time)
	for _, e := range server.Update(time) {
		if e.Kind == replica.EventMessage {
			checkMessage(e.Message.Data)
		}
	}
	events, err := client.Update(time)
	if err != nil {
		log.Fatal(err)
	}
	for _, e := range events {
		if e.Kind == replica.EventMessage {
			checkMessage(e.Message.Data)
		}
	}

	acks := conn.Acks()
	sent, recved, acked := acks.Bandwidth()

	fmt.Printf("%v sent | %v received | %v acked | rtt = %vms | packet loss = %v%% | sent = %vkbps | recv = %vkbps | acked = %vkbps\n",
		acks.Counters[replica.CounterNumPacketsSent],
		acks.Counters[replica.CounterNumPacketsReceived],
		acks.Counters[replica.CounterNumPacketsAcked],
		conn.Rtt(),
		int(math.Floor(conn.PacketLoss()+.5)),
		int(sent), int(recved), int(acked),
	)
}
