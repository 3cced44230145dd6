package main

import (
	"flag"
	"fmt"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"

	"github.com/jakecoffman/replica"
	"github.com/op/go-logging"
)

var globalTime float64 = 100

var iterations = flag.Int("iterations", -1, "number of iterations to run")
var seed = flag.Uint64("seed", 1, "random seed")

const testMaxPacketBytes = 16 * 1024

type target struct {
	name string
	conn *replica.Connection
}

func main() {
	flag.Parse()
	logging.SetLevel(logging.CRITICAL, "replica")

	rng := rand.New(rand.NewPCG(*seed, 0))
	targets := initialize()

	var quit bool

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT)

	go func() {
		<-signals
		quit = true
		close(signals)
	}()

	deltaTime := .1

	for i := 0; !quit && (*iterations < 0 || i < *iterations); i++ {
		iteration(rng, targets, globalTime)
		globalTime += deltaTime
	}
	fmt.Println()
	for _, t := range targets {
		c := t.conn.Counters()
		fmt.Printf("%s: %d invalid, %d received, state %s\n", t.name,
			c[replica.CounterNumPacketsInvalid], c[replica.CounterNumPacketsReceived], t.conn.State())
	}
}

// initialize builds one established connection of each role; the server
// replicates a small world and the client mirrors it.
func initialize() []target {
	registry := replica.NewRegistry()
	registry.MustRegister(1, "unit",
		replica.Field{Name: "hp", Kind: replica.KindInt},
		replica.Field{Name: "name", Kind: replica.KindString},
	)
	world := replica.NewWorld(registry)
	for i := range 8 {
		world.Spawn(1, replica.Int(int64(i)))
	}

	config := replica.NewDefaultConfig()
	config.DisconnectTimeout = 1 << 62

	server := replica.NewConnection(config, replica.RoleServer, 1, 0, globalTime)
	server.Establish(0)
	server.Replicate(world, replica.ScopeAll)

	client := replica.NewConnection(config, replica.RoleClient, 1, 0, globalTime)
	client.Establish(0)
	client.AttachMirror(registry)

	connecting := replica.NewConnection(config, replica.RoleClient, 0, 0, globalTime)

	return []target{{"server", server}, {"client", client}, {"connecting", connecting}}
}

// randomPacket is either pure noise or a valid header followed by noise, so
// segment decoding is reached as well as header parsing.
func randomPacket(rng *rand.Rand) []byte {
	n := rng.IntN(testMaxPacketBytes-1) + 1
	if rng.IntN(2) == 0 {
		packet := make([]byte, n)
		for i := range packet {
			packet[i] = byte(rng.Uint32())
		}
		return packet
	}
	h := replica.PacketHeader{
		ConnectionID: 1,
		Sequence:     uint16(rng.Uint32()),
		Ack:          uint16(rng.Uint32()),
		AckBits:      rng.Uint32(),
		Tick:         rng.Uint32(),
	}
	var segments []replica.Segment
	for range rng.IntN(4) {
		payload := make([]byte, rng.IntN(64))
		for i := range payload {
			payload[i] = byte(rng.Uint32())
		}
		segments = append(segments, replica.Segment{Kind: replica.SegmentKind(rng.IntN(16)), Payload: payload})
	}
	return replica.WritePacket(h, segments...)
}

func iteration(rng *rand.Rand, targets []target, time float64) {
	fmt.Print(".")

	for _, t := range targets {
		if t.conn.State() == replica.StateDisconnected {
			continue
		}
		t.conn.Receive(randomPacket(rng))
		t.conn.Update(time)
		t.conn.Tick(uint32(time * 10))
	}
}
