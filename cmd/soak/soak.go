//go:build test

package main

import (
	"encoding/binary"
	"flag"
	"log"
	"math/rand/v2"
	"os"
	"os/signal"
	"runtime/pprof"
	"slices"
	"syscall"

	"github.com/jakecoffman/replica"
	"github.com/jakecoffman/replica/transport"
	"github.com/op/go-logging"
)

var globalTime float64 = 100

// to profile, run `./soak -cpuprofile=prof -iterations=8000`, then run `go tool pprof soak profile`
var cpuprofile = flag.String("cpuprofile", "", "write cpu profile to file")
var iterations = flag.Int("iterations", -1, "number of iterations to run")
var loglevel = flag.Int("loglevel", int(logging.ERROR), "log level (5 for debug)")
var loss = flag.Float64("loss", .05, "packet loss probability")
var seed = flag.Uint64("seed", 1, "network and world seed")

const deltaTime = .05

// every checkEvery iterations the network is calmed and the mirror compared to the world
const checkEvery = 2000
const calmIterations = 200

type soak struct {
	net    *transport.Network
	world  *replica.World
	server *replica.Server
	client *replica.Client
	rng    *rand.Rand

	conditions transport.Conditions
	actors     []replica.ActorID
	sent       uint32
	received   uint32
}

func main() {
	flag.Parse()

	logging.SetLevel(logging.Level(*loglevel), "replica")

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	s := initialize()

	var quit bool

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT)

	go func() {
		<-signals
		quit = true
		close(signals)
	}()

	for i := 0; !quit && (*iterations < 0 || i < *iterations); i++ {
		s.iteration(i)
		globalTime += deltaTime
	}
	log.Printf("%d events sent, %d received in order, %d packets lost", s.sent, s.received, s.net.Lost)
}

func initialize() *soak {
	registry := replica.NewRegistry()
	registry.MustRegister(1, "unit",
		replica.Field{Name: "hp", Kind: replica.KindInt},
		replica.Field{Name: "x", Kind: replica.KindFloat32},
		replica.Field{Name: "tag", Kind: replica.KindString},
	)
	s := &soak{
		conditions: transport.Conditions{Loss: *loss, Duplicate: *loss / 5, Latency: .05, Jitter: .05},
		world:      replica.NewWorld(registry),
		rng:        rand.New(rand.NewPCG(*seed, 7)),
	}
	s.net = transport.NewNetwork(*seed, s.conditions)

	serverConfig := replica.NewDefaultConfig()
	serverConfig.Name = "server"
	clientConfig := replica.NewDefaultConfig()
	clientConfig.Name = "client"

	var err error
	s.server, err = replica.NewServer(serverConfig, s.world, s.net.Endpoint("server"), replica.ServerOptions{})
	if err != nil {
		log.Fatal(err)
	}
	s.client, err = replica.NewClient(clientConfig, registry, s.net.Endpoint("client"), "server")
	if err != nil {
		log.Fatal(err)
	}
	s.client.Connect(nil)

	for range 50 {
		s.spawn()
	}
	return s
}

func (s *soak) spawn() {
	id, err := s.world.Spawn(1, replica.Int(s.rng.Int64N(100)))
	if err != nil {
		log.Fatal(err)
	}
	s.actors = append(s.actors, id)
}

func (s *soak) iteration(i int) {
	calm := i%checkEvery >= checkEvery-calmIterations
	if calm {
		s.net.SetConditions(transport.Conditions{})
	} else {
		s.net.SetConditions(s.conditions)
		s.mutate()
	}

	if !calm && s.client.State() == replica.StateConnected {
		for range 2 {
			payload := binary.LittleEndian.AppendUint32(nil, s.sent)
			if err := s.client.Send(replica.ChannelOrdered, 1, payload); err != nil {
				log.Fatal(err)
			}
			s.sent++
		}
	}

	s.net.Advance(globalTime)
	for _, e := range s.server.Update(globalTime) {
		switch e.Kind {
		case replica.EventMessage:
			if got := binary.LittleEndian.Uint32(e.Message.Data); got != s.received {
				log.Fatal("Ordered event out of sequence, got ", got, " expected ", s.received)
			}
			s.received++
		case replica.EventDisconnected:
			log.Fatal("Server lost the client: ", e.Err)
		}
	}
	if _, err := s.client.Update(globalTime); err != nil {
		log.Fatal("Client failed: ", err)
	}

	if i%checkEvery == checkEvery-1 {
		s.check()
	}
}

func (s *soak) mutate() {
	for range 10 {
		id := s.actors[s.rng.IntN(len(s.actors))]
		switch s.rng.IntN(20) {
		case 0:
			s.world.SetByName(id, "tag", replica.String(string(rune('a'+s.rng.IntN(26)))))
		default:
			s.world.SetByName(id, "x", replica.Float32(s.rng.Float32()))
			s.world.SetByName(id, "hp", replica.Int(s.rng.Int64N(100)))
		}
	}
	if s.rng.IntN(20) == 0 {
		n := s.rng.IntN(len(s.actors))
		s.world.Despawn(s.actors[n])
		s.actors = slices.Delete(s.actors, n, n+1)
		s.spawn()
	}
}

func (s *soak) check() {
	got := s.client.Actors()
	want := slices.Clone(s.actors)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		log.Fatal("Mirror holds ", got, " expected ", want)
	}
	for _, id := range want {
		mirrored, _ := s.client.Actor(id)
		truth, _ := s.world.Snapshot(id)
		if !slices.Equal(mirrored.Values, truth.Values) {
			log.Fatal("Actor ", id, " diverged: mirror ", mirrored.Values, " world ", truth.Values)
		}
	}
	if s.sent != s.received {
		log.Fatal("Sent ", s.sent, " events but received ", s.received)
	}
	conn := s.client.Connection()
	log.Printf("t=%.0f converged: %d actors, rtt %.0fms, loss %.1f%%", globalTime, len(want), conn.Rtt(), conn.PacketLoss())
}
