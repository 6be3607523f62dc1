// Command tuyactl connects to a single Tuya LAN device and logs its DPS
// state until interrupted, the way cmd/bluetooth-service wires a device
// connection to a process lifecycle: flags, a plain log.Logger, a signal
// handler, and a deferred teardown.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tuyago/lanclient/pkg/device"
	"github.com/tuyago/lanclient/pkg/tuyapub"
)

var (
	address  = flag.String("address", "", "Device IP address (required)")
	deviceID = flag.String("id", "", "Device id (required)")
	localKey = flag.String("key", "", "16-byte local key (required)")
	port     = flag.Int("port", 6668, "Device TCP port")
	version  = flag.String("version", "3.1", "Protocol version: 3.1 or 3.3")
	asLight  = flag.Bool("light", false, "Treat the device as a color/brightness light")

	redisAddr = flag.String("redis-addr", "", "Optional Redis address to publish DPS updates to")
	redisPass = flag.String("redis-pass", "", "Redis password")
	redisDB   = flag.Int("redis-db", 0, "Redis database number")
	redisKey  = flag.String("redis-key", "tuya:dps", "Redis hash key to publish DPS fields under")
	redisChan = flag.String("redis-channel", "tuya:dps", "Redis channel to publish DPS field names on")
)

func main() {
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	if *address == "" || *deviceID == "" || *localKey == "" {
		log.Fatalf("address, id and key are all required")
	}

	cfg := device.Config{
		Address:  *address,
		Port:     *port,
		DeviceID: *deviceID,
		LocalKey: *localKey,
		Version:  *version,
	}

	var pub *tuyapub.Publisher
	if *redisAddr != "" {
		var err error
		pub, err = tuyapub.New(*redisAddr, *redisPass, *redisDB, *redisKey, *redisChan)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer pub.Close()
		log.Printf("Publishing DPS updates to Redis at %s", *redisAddr)
	}

	var dev *device.Device
	if *asLight {
		l, err := device.NewLight(cfg)
		if err != nil {
			log.Fatalf("Failed to construct light: %v", err)
		}
		dev = l.Device
	} else {
		d, err := device.New(cfg)
		if err != nil {
			log.Fatalf("Failed to construct device: %v", err)
		}
		dev = d
	}

	dev.SetOnStop(func() {
		log.Printf("Connection to %s stopped", *address)
		if pub != nil {
			if err := pub.PublishStopped(); err != nil {
				log.Printf("Failed to publish stop event: %v", err)
			}
		}
	})
	dev.SetOnUpdate(func() {
		dps := dev.DPS()
		log.Printf("DPS update: %v", dps)
		if pub != nil {
			if err := pub.PublishDPS(dps); err != nil {
				log.Printf("Failed to publish DPS update: %v", err)
			}
		}
	})

	log.Printf("Connecting to Tuya device %s at %s:%d (protocol %s)", *deviceID, *address, *port, *version)
	if err := dev.Connect(context.Background()); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer dev.Disconnect()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("Shutting down...")
}
