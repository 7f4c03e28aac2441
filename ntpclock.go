package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	"github.com/ledtime/ntpclock/clockd"
	"github.com/ledtime/ntpclock/configuration"
	"github.com/ledtime/ntpclock/display"
	"github.com/ledtime/ntpclock/httpd"
	"github.com/ledtime/ntpclock/netif"
	"github.com/ledtime/ntpclock/sensor"
)

var stopped chan bool

func main() {
	fmt.Println("ntpclock v0.0.0")

	var configFileName string
	var interfaceName string
	var tempPath, humidityPath string
	flag.StringVar(&configFileName, "config", "/etc/ntpclock.conf.yaml", "where to load the config from")
	flag.StringVar(&interfaceName, "interface", "", "network interface, overrides the config")
	flag.StringVar(&tempPath, "temp", "", "sysfs file with the temperature in millidegrees")
	flag.StringVar(&humidityPath, "humidity", "", "sysfs file with the humidity in thousandths of a percent")
	flag.Parse()

	config, err := configuration.ReadConfig(configFileName)
	if err != nil {
		log.Fatalln("Unable to load configuration.", configFileName, err)
	} else {
		log.Printf("Config loaded successfully from '%s'.", configFileName)
	}
	if interfaceName != "" {
		config.Network.Interface = interfaceName
	}

	link, err := netif.Open(config.Network.Interface, config.Network.HardwareAddr())
	if err != nil {
		log.Fatalln("Unable to open the network interface.", err)
	}

	var probe sensor.Provider
	if tempPath != "" && humidityPath != "" {
		probe = &sensor.Sysfs{TempPath: tempPath, HumidityPath: humidityPath}
	}

	store := configuration.NewStore(configFileName, config)
	d := clockd.NewDevice(store, link, display.NewConsole(os.Stdout), probe)
	web := httpd.NewServer(store, d)

	setupShutdownHandler(func() {
		web.Shutdown()
		d.Shutdown()
		link.Close()
	})

	d.Start()
	web.Start()

	<-stopped
}

func setupShutdownHandler(shutdown func()) {
	stopped = make(chan bool)

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	go func() {
		<-c
		log.Println("Shutting down.")

		shutdown()

		log.Println("Bye 👋")
		stopped <- true
	}()

	log.Println("Quit with CTRL+C.")
}
