// Command aqpeer scans for aqnotify nodes and prints their readings.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"

	"github.com/alepar/aqnotify/peer"
	"github.com/alepar/aqnotify/telemetry/gatt"
)

// CLI args
var (
	scanDuration = flag.Duration("scan-dur", 5000*time.Millisecond, "scan duration")
	retries      = flag.Int("retries", 5, "max number of tries in case of BLE errors")
	watch        = flag.Duration("watch", 0, "stay subscribed to notifications for this long, 0 to read once")
	logLevel     = flag.String("log-level", "info", "debug, info, warn or error")
	showVersion  = flag.Bool("version", false, "print version information and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Println(version.Print("aqpeer"))
		return
	}

	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	level, err := log.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level: %s", err)
	}
	log.SetLevel(level)

	stop, err := gatt.OpenDevice()
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = stop() }()

	scanner := peer.Scanner{
		ScanDuration: *scanDuration,
		Retries:      *retries,
	}
	devices, err := scanner.Scan()
	if err != nil {
		log.Errorf("failed to scan for nodes: %s", err)
		return
	}
	if len(devices) == 0 {
		log.Warn("no aqnotify nodes found")
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	for addr, device := range devices {
		log.Printf("Found: %q addr %s", device.Name, addr)

		if *watch > 0 {
			watchCtx, watchCancel := context.WithTimeout(ctx, *watch)
			err := device.Watch(watchCtx, func(r peer.Reading) { printReading(addr, r) })
			watchCancel()
			if err != nil {
				log.Errorf("failed to watch node %s: %s", addr, err)
			}
			continue
		}

		reading, err := device.Receive()
		if err != nil {
			log.Errorf("failed to read from node %s: %s", addr, err)
			continue
		}
		printReading(addr, reading)
	}
}

func printReading(addr string, r peer.Reading) {
	readingAsJson, err := json.Marshal(r)
	if err == nil {
		log.WithField("addr", addr).Printf("Received: %s", readingAsJson)
	} else {
		log.WithField("addr", addr).Printf("Received: <marshall error: %s>", err)
	}
}
