package main

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/tarm/serial"
	"github.com/theckman/yacspin"
	"goji.io"

	"github.com/photonlab/pmmon/monitor"
	"github.com/photonlab/pmmon/publish"
	"github.com/photonlab/pmmon/server/middleware/locker"
	"github.com/photonlab/pmmon/thorlabs"
)

// buildMeter constructs the driver for the configured transport.
func buildMeter(c Config) (*thorlabs.PM16, error) {
	if c.Mock {
		pm, _ := thorlabs.NewSim()
		return pm, nil
	}
	timeout := time.Duration(c.TimeoutMS) * time.Millisecond
	switch strings.ToLower(c.Transport) {
	case "usb":
		return thorlabs.NewPM16(timeout), nil
	case "file":
		if c.Device == "" {
			return nil, fmt.Errorf("file transport requires Device, e.g. /dev/usbtmc0")
		}
		return thorlabs.NewPM16File(c.Device), nil
	case "tcp":
		if c.Device == "" {
			return nil, fmt.Errorf("tcp transport requires Device, e.g. host:port")
		}
		return thorlabs.NewPM16TCP(c.Device), nil
	case "serial":
		if c.Device == "" {
			return nil, fmt.Errorf("serial transport requires Device, e.g. /dev/ttyUSB0")
		}
		return thorlabs.NewPM16Serial(&serial.Config{Name: c.Device, Baud: 115200}), nil
	default:
		return nil, fmt.Errorf("transport %q not understood", c.Transport)
	}
}

// connect proves the meter is reachable and applies the startup settings,
// with a spinner so the operator knows the program is not hung on a USB
// claim.
func connect(pm *thorlabs.PM16, c Config) error {
	spin, err := yacspin.New(yacspin.Config{
		Frequency:       100 * time.Millisecond,
		CharSet:         yacspin.CharSets[59],
		Suffix:          " connecting to power meter",
		StopCharacter:   "✓",
		StopFailMessage: "could not reach the power meter",
	})
	if err == nil {
		spin.Start()
	}
	err = pm.Connect()
	if spin != nil {
		if err != nil {
			spin.StopFail()
		} else {
			spin.Stop()
		}
	}
	if err != nil {
		return err
	}
	id, err := pm.Identification()
	if err != nil {
		return err
	}
	log.Println("connected to", id)
	if err := pm.SetAutoRange(true); err != nil {
		return err
	}
	if c.Wavelength != 0 {
		if err := pm.SetWavelength(c.Wavelength); err != nil {
			return err
		}
	}
	nm, err := pm.Wavelength()
	if err != nil {
		return err
	}
	log.Printf("current wavelength: %d nm", nm)
	return nil
}

// buildServer wires the meter, monitor, publisher, and HTTP routes.  The
// returned cleanup stops the monitor and releases the device and publisher.
func buildServer(c Config) (*http.Server, func(), error) {
	pm, err := buildMeter(c)
	if err != nil {
		return nil, nil, err
	}
	err = connect(pm, c)
	if err != nil {
		// fatal at startup; nothing to monitor if the device is absent
		pm.Close()
		return nil, nil, err
	}

	mon := monitor.New(pm, time.Duration(c.IntervalMS)*time.Millisecond, c.Buffer)
	mon.SetDisplay(monitor.LogDisplay{})

	var pub *publish.ZMQ
	if c.Publish {
		pub, err = publish.NewZMQ(c.PublishAddr, c.PublishTopic)
		if err != nil {
			pm.Close()
			return nil, nil, err
		}
		mon.SetPublisher(pub)
		log.Println("publishing readings at", c.PublishAddr, "topic", c.PublishTopic)
	}
	mon.Start()

	powerGauge := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Subsystem: "lab",
		Name:      "optical_power_mw",
		Help:      "Most recent optical power reading in milliwatts.",
	}, mon.LastMW)
	if err := prometheus.Register(powerGauge); err != nil {
		log.Println("prometheus gauge not registered:", err)
	}

	wrap := thorlabs.NewHTTPWrapper(pm)
	lock := locker.New()
	// keep readouts flowing to the display while the meter is held
	lock.DoNotProtect = append(lock.DoNotProtect, "power")
	locker.Inject(wrap, lock)
	meterMux := goji.NewMux()
	meterMux.Use(lock.Check)
	wrap.Bind(meterMux)

	rootr := chi.NewRouter()
	rootr.Use(middleware.Logger)
	rootr.Mount("/meter", meterMux)
	rootr.Get("/monitor/recent", mon.HTTPRecent)
	rootr.Get("/monitor/interval", mon.HTTPGetInterval)
	rootr.Post("/monitor/interval", mon.HTTPSetInterval)
	rootr.Handle("/metrics", promhttp.Handler())
	rootr.Get("/", displayPage)

	cleanup := func() {
		mon.Stop()
		if pub != nil {
			pub.Close()
		}
		prometheus.Unregister(powerGauge)
		pm.Close()
	}
	return &http.Server{Addr: c.Addr, Handler: rootr}, cleanup, nil
}
