// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Command i2csense samples an environmental sensor on an I²C bus and prints
// its readings in a loop. It is a test harness for the drivers in this
// module, not a daemon.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"github.com/azogue/i2csense"
	"github.com/azogue/i2csense/bh1750"
	"github.com/azogue/i2csense/bme280"
	"github.com/azogue/i2csense/htu21d"
)

func main() {
	sensorName := flag.String("sensor", "", "sensor to sample: bme280, htu21d or bh1750")
	busName := flag.String("bus", "", "I²C bus to use (default is the first available)")
	address := flag.String("address", "", "override the sensor I²C address, e.g. 0x77")
	delay := flag.Duration("delay", 4*time.Second, "delay between samples")
	mode := flag.Int("mode", int(bh1750.ContinuousHighRes), "bh1750 operation mode (0-5)")
	sensitivity := flag.Int("sensitivity", bh1750.DefaultSensitivity, "bh1750 measurement sensitivity (31-254)")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if *sensorName == "" {
		flag.Usage()
		os.Exit(2)
	}

	if _, err := host.Init(); err != nil {
		log.Fatal().Err(err).Msg("failed to initialize periph")
	}
	bus, err := i2creg.Open(*busName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open I²C bus")
	}
	defer bus.Close()

	sensor, err := newSensor(bus, *sensorName, *address, *mode, *sensitivity, &log)
	if err != nil {
		log.Fatal().Err(err).Str("sensor", *sensorName).Msg("failed to initialize sensor")
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	tick := time.NewTicker(*delay)
	defer tick.Stop()

	for {
		if !sensor.SampleOK() {
			log.Error().Msg("bad sample, giving up")
			os.Exit(1)
		}
		fmt.Println(sensor.Summary())
		select {
		case <-stop:
			fmt.Println("Bye!")
			return
		case <-tick.C:
		}
		if err := sensor.Update(); err != nil {
			log.Error().Err(err).Msg("update failed")
		}
	}
}

// newSensor builds the requested driver with its per-sensor defaults and the
// shared diagnostic logger.
func newSensor(bus i2c.Bus, name, address string, mode, sensitivity int, log *zerolog.Logger) (i2csense.Sensor, error) {
	addr, err := parseAddress(address)
	if err != nil {
		return nil, err
	}
	switch name {
	case "bme280":
		if addr == 0 {
			addr = bme280.DefaultAddress
		}
		opts := bme280.DefaultOpts
		opts.Logger = log
		return bme280.NewI2C(bus, addr, &opts)
	case "htu21d":
		// The HTU21D has a fixed address.
		return htu21d.NewI2C(bus, &htu21d.Opts{Logger: log})
	case "bh1750":
		if addr == 0 {
			addr = bh1750.DefaultAddress
		}
		opts := bh1750.DefaultOpts
		opts.Mode = bh1750.Mode(mode)
		opts.Sensitivity = sensitivity
		opts.Logger = log
		return bh1750.NewI2C(bus, addr, &opts)
	}
	return nil, fmt.Errorf("unknown sensor %q", name)
}

// parseAddress accepts decimal, hex with 0x prefix or octal with 0 prefix.
// An empty string maps to 0, the per-sensor default marker.
func parseAddress(s string) (uint16, error) {
	if s == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("invalid address %q: %w", s, err)
	}
	return uint16(v), nil
}
