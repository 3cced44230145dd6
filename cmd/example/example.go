package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jakecoffman/replica"
	"github.com/jakecoffman/replica/transport"
	"github.com/op/go-logging"
)

var log = logging.MustGetLogger("example")

var name = flag.String("name", "server", "server or client")
var addr = flag.String("addr", "127.0.0.1:8987", "host and port of the server")
var transportName = flag.String("transport", "udp", "udp, quic or ws")
var loglevel = flag.Int("loglevel", int(logging.INFO), "log level (5 for debug)")

const tickrate = 20
const wanderers = 5

const kindChat = 1

var format = logging.MustStringFormatter(`%{time:15:04:05.000} %{module:-8s} %{level:.4s} %{message}`)

func main() {
	flag.Parse()

	backend := logging.AddModuleLevel(logging.NewBackendFormatter(logging.NewLogBackend(os.Stderr, "", 0), format))
	backend.SetLevel(logging.Level(*loglevel), "")
	logging.SetBackend(backend)

	config := replica.NewDefaultConfig()
	config.Name = *name
	if err := replica.LoadEnv(config); err != nil {
		log.Fatal(err)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var err error
	if *name == "server" {
		err = serve(config, quit)
	} else {
		err = connect(config, quit)
	}
	if err != nil {
		log.Fatal(err)
	}
}

func registry() *replica.Registry {
	r := replica.NewRegistry()
	r.MustRegister(1, "wanderer",
		replica.Field{Name: "name", Kind: replica.KindString},
		replica.Field{Name: "x", Kind: replica.KindFloat32},
		replica.Field{Name: "y", Kind: replica.KindFloat32},
	)
	return r
}

func listen() (replica.Transport, error) {
	switch *transportName {
	case "udp":
		return transport.ListenUDP(*addr)
	case "quic":
		tlsConf, err := transport.SelfSignedTLS("localhost", "127.0.0.1")
		if err != nil {
			return nil, err
		}
		return transport.ListenQUIC(*addr, tlsConf)
	case "ws":
		ws := transport.NewWebSocketServer()
		mux := http.NewServeMux()
		mux.Handle("/replica", ws)
		go func() {
			if err := http.ListenAndServe(*addr, mux); err != nil {
				log.Fatal(err)
			}
		}()
		return ws, nil
	}
	return nil, fmt.Errorf("unknown transport %q", *transportName)
}

// dial returns the client transport and the address the server is known by.
func dial() (replica.Transport, string, error) {
	switch *transportName {
	case "udp":
		udp, err := transport.DialUDP()
		return udp, *addr, err
	case "quic":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		q, err := transport.DialQUIC(ctx, *addr, transport.InsecureClientTLS())
		return q, *addr, err
	case "ws":
		url := "ws://" + *addr + "/replica"
		ws, err := transport.DialWebSocket(url)
		return ws, url, err
	}
	return nil, "", fmt.Errorf("unknown transport %q", *transportName)
}

type heading struct {
	id    replica.ActorID
	angle float64
	x, y  float64
}

func serve(config *replica.Config, quit <-chan os.Signal) error {
	tr, err := listen()
	if err != nil {
		return err
	}
	world := replica.NewWorld(registry())
	server, err := replica.NewServer(config, world, tr, replica.ServerOptions{})
	if err != nil {
		return err
	}
	defer server.Close()

	var walkers []*heading
	for i := range wanderers {
		id, err := world.Spawn(1, replica.String(fmt.Sprint("wanderer-", i)))
		if err != nil {
			return err
		}
		walkers = append(walkers, &heading{id: id, angle: rand.Float64() * 2 * math.Pi})
	}
	log.Infof("Server ready on %s (%s)", *addr, *transportName)

	networkTick := time.NewTicker(time.Second / tickrate)
	defer networkTick.Stop()
	for {
		select {
		case <-quit:
			return nil
		case <-networkTick.C:
		}

		for _, w := range walkers {
			w.angle += (rand.Float64() - .5) * .3
			w.x += math.Cos(w.angle) * .5
			w.y += math.Sin(w.angle) * .5
			world.SetByName(w.id, "x", replica.Float32(float32(w.x)))
			world.SetByName(w.id, "y", replica.Float32(float32(w.y)))
		}
		if server.Tick()%tickrate == 0 {
			line := fmt.Sprintf("server tick %d, %d clients", server.Tick(), len(server.Connections()))
			if err := server.Broadcast(replica.ChannelOrdered, kindChat, []byte(line)); err != nil {
				log.Warningf("broadcast: %v", err)
			}
		}

		for _, e := range server.Update(now()) {
			switch e.Kind {
			case replica.EventConnected:
				log.Infof("%s joined as %d", e.Addr, e.Conn)
			case replica.EventDisconnected:
				log.Infof("%d left: %v", e.Conn, e.Err)
			case replica.EventMessage:
				log.Infof("%d says %q", e.Conn, e.Message.Data)
			case replica.EventError:
				log.Warningf("%s: %v", e.Addr, e.Err)
			}
		}
	}
}

func connect(config *replica.Config, quit <-chan os.Signal) error {
	tr, server, err := dial()
	if err != nil {
		return err
	}
	defer tr.Close()
	client, err := replica.NewClient(config, registry(), tr, server)
	if err != nil {
		return err
	}
	client.Connect([]byte(config.Name))
	log.Infof("Client connecting to %s (%s)", server, *transportName)

	networkTick := time.NewTicker(time.Second / tickrate)
	defer networkTick.Stop()
	for tick := 0; ; tick++ {
		select {
		case <-quit:
			client.Disconnect()
			client.Update(now())
			return nil
		case <-networkTick.C:
		}

		events, err := client.Update(now())
		for _, e := range events {
			switch e.Kind {
			case replica.EventConnected:
				log.Infof("connected as %d", e.Conn)
			case replica.EventMessage:
				log.Infof("chat: %s", e.Message.Data)
			case replica.EventActor:
				if e.Actor.Kind != replica.ActorUpdated {
					log.Infof("actor %d %s", e.Actor.Actor, e.Actor.Kind)
				}
			}
		}
		if err != nil {
			return err
		}

		if client.State() == replica.StateConnected && tick%tickrate == 0 {
			if err := client.Send(replica.ChannelOrdered, kindChat, []byte("hello from "+config.Name)); err != nil {
				log.Warningf("send: %v", err)
			}
			conn := client.Connection()
			acks := conn.Acks()
			sent, recved, acked := acks.Bandwidth()
			fmt.Printf("%v sent | %v received | %v acked | rtt = %vms | packet loss = %v%% | sent = %vkbps | recv = %vkbps | acked = %vkbps | %d actors\n",
				acks.Counters[replica.CounterNumPacketsSent],
				acks.Counters[replica.CounterNumPacketsReceived],
				acks.Counters[replica.CounterNumPacketsAcked],
				int(conn.Rtt()),
				int(math.Floor(conn.PacketLoss()+.5)),
				int(sent), int(recved), int(acked),
				len(client.Actors()),
			)
		}
	}
}

func now() float64 {
	return float64(time.Now().UnixNano()) / (1000 * 1000 * 1000)
}
