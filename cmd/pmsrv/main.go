package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "pmsrv.yml"
	k              = koanf.New(".")
)

// Config holds the initialization parameters for the server.  It is to be
// populated by koanf from defaults and the yaml file.
type Config struct {
	// Addr is the address to listen at
	Addr string `yaml:"Addr" koanf:"Addr"`

	// Transport selects how the meter is attached: usb (libusb claim by
	// VID/PID), file (/dev/usbtmcN), tcp (terminal server), serial (RS232
	// bridge)
	Transport string `yaml:"Transport" koanf:"Transport"`

	// Device is the resource the transport opens.  Unused for usb.
	Device string `yaml:"Device" koanf:"Device"`

	// Mock runs against a simulated meter, no hardware required
	Mock bool `yaml:"Mock" koanf:"Mock"`

	// IntervalMS is the poll interval in milliseconds
	IntervalMS int `yaml:"IntervalMS" koanf:"IntervalMS"`

	// TimeoutMS bounds each device transaction, in milliseconds
	TimeoutMS int `yaml:"TimeoutMS" koanf:"TimeoutMS"`

	// Wavelength is applied to the meter at startup if nonzero, in nm
	Wavelength int `yaml:"Wavelength" koanf:"Wavelength"`

	// Buffer is how many readings are retained for /monitor/recent
	Buffer int `yaml:"Buffer" koanf:"Buffer"`

	// Publish enables the ZeroMQ publisher
	Publish bool `yaml:"Publish" koanf:"Publish"`

	// PublishAddr is the PUB socket bind address
	PublishAddr string `yaml:"PublishAddr" koanf:"PublishAddr"`

	// PublishTopic is the topic frame subscribers filter on
	PublishTopic string `yaml:"PublishTopic" koanf:"PublishTopic"`
}

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:         ":8000",
		Transport:    "usb",
		IntervalMS:   500,
		TimeoutMS:    1000,
		Buffer:       1024,
		PublishAddr:  "tcp://*:5556",
		PublishTopic: "power_meter",
	}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `pmsrv monitors a Thorlabs PM16-series optical power meter and exposes an
HTTP interface to it.  Readings can also be republished on a ZeroMQ PUB
socket for other programs in the lab.

Usage:
	pmsrv <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `pmsrv is amenable to configuration via its .yaml file.  For a primer on
YAML, see https://yaml.org/start.html

Transports, selected by the "Transport" field:
- usb:    claim the first PM16 console via libusb, no Device needed
- file:   the kernel usbtmc class driver, Device e.g. /dev/usbtmc0
- tcp:    a terminal server, Device e.g. 192.168.100.123:2006
- serial: an RS232 bridge, Device e.g. /dev/ttyUSB0

Set Mock: true to run against a simulated meter with no hardware attached.

Routes:
- /                 large-font live display (point a browser at it)
- /meter/...        power, wavelength, autorange, zero, version
- /meter/lock       POST {"bool": true} to hold the meter against remote
                    changes; power readouts stay available while held
- /monitor/recent   retained readings
- /monitor/interval poll interval, GET or POST {"str": "500ms"}
- /metrics          prometheus metrics`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("pmsrv version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	srv, cleanup, err := buildServer(c)
	if err != nil {
		log.Fatal(err)
	}
	go func() {
		log.Println("now listening for requests at", c.Addr)
		err := srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Println("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
	cleanup()
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
