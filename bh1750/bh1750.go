// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// This package provides a driver for the BH1750FVI ambient light sensor. The
// device offers three resolution classes, each in a continuous and a one-time
// variant, and an adjustable measurement sensitivity that trades acquisition
// time for resolution.
//
// # Datasheet
//
// https://www.mouser.com/datasheet/2/348/bh1750fvi-e-186247.pdf
package bh1750

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"

	"github.com/azogue/i2csense"
)

// DefaultAddress is the conventional address of the BH1750. Boards with the
// ADDR pin pulled high respond on 0x5c instead.
const DefaultAddress uint16 = 0x23

// Mode selects one of the six operation modes of the device. In the one-time
// modes the device powers itself down after each sample and every update has
// to re-arm it.
type Mode int

const (
	// ContinuousLowRes samples continuously at 4 lx resolution.
	ContinuousLowRes Mode = iota
	// ContinuousHighRes samples continuously at 1 lx resolution.
	ContinuousHighRes
	// ContinuousHighRes2 samples continuously at 0.5 lx resolution.
	ContinuousHighRes2
	// OneTimeLowRes takes a single 4 lx resolution sample per update.
	OneTimeLowRes
	// OneTimeHighRes takes a single 1 lx resolution sample per update.
	OneTimeHighRes
	// OneTimeHighRes2 takes a single 0.5 lx resolution sample per update.
	OneTimeHighRes2
)

// Hardware opcode and sampling class per mode; the Mode enumeration is
// closed, so an invalid mode cannot reach the bus.
var modeTable = [...]struct {
	opcode     byte
	continuous bool
}{
	ContinuousLowRes:   {0x13, true},
	ContinuousHighRes:  {0x10, true},
	ContinuousHighRes2: {0x11, true},
	OneTimeLowRes:      {0x23, false},
	OneTimeHighRes:     {0x20, false},
	OneTimeHighRes2:    {0x21, false},
}

func (m Mode) String() string {
	switch m {
	case ContinuousLowRes:
		return "continuous-low-res"
	case ContinuousHighRes:
		return "continuous-high-res"
	case ContinuousHighRes2:
		return "continuous-high-res-2"
	case OneTimeLowRes:
		return "one-time-low-res"
	case OneTimeHighRes:
		return "one-time-high-res"
	case OneTimeHighRes2:
		return "one-time-high-res-2"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Power state opcodes from the datasheet.
const (
	opPowerDown byte = 0x00
	opPowerOn   byte = 0x01
	opReset     byte = 0x07
)

const (
	// DefaultSensitivity is the factory mtreg value; measurement time and
	// lux scale are both expressed relative to it.
	DefaultSensitivity = 69
	// MinSensitivity and MaxSensitivity bound the mtreg register; every
	// write clamps into this range.
	MinSensitivity = 31
	MaxSensitivity = 254
)

// Measurement base times from the datasheet, scaled by mtreg/69 when the
// sensitivity is changed.
const (
	baseTimeLowRes  = 18 * time.Millisecond
	baseTimeHighRes = 128 * time.Millisecond
)

// Opts holds the configuration options for the device.
type Opts struct {
	// Mode selects the operation mode. The default is ContinuousHighRes.
	Mode Mode
	// MeasurementDelay is added on top of the datasheet measurement time
	// whenever the driver waits for a conversion. Default is 120ms.
	MeasurementDelay time.Duration
	// Sensitivity is the initial mtreg value, clamped to [31,254].
	Sensitivity int
	// Logger receives diagnostics for failed updates. The default is a
	// timestamped console logger on stderr.
	Logger *zerolog.Logger
}

// DefaultOpts holds the default configuration options for the device.
var DefaultOpts = Opts{
	Mode:             ContinuousHighRes,
	MeasurementDelay: 120 * time.Millisecond,
	Sensitivity:      DefaultSensitivity,
}

// clampSensitivity forces a requested sensitivity into the valid mtreg
// range.
func clampSensitivity(s int) int {
	if s < MinSensitivity {
		return MinSensitivity
	}
	if s > MaxSensitivity {
		return MaxSensitivity
	}
	return s
}

// Dev represents a BH1750 sensor.
type Dev struct {
	d     *i2c.Dev
	opts  Opts
	log   zerolog.Logger
	delay time.Duration

	opcode     byte
	continuous bool
	// Resolution class, derived from the low 2 bits of the opcode: the
	// high res class covers the two 0.5 lx submodes (double lux scale, one
	// decimal of output precision), the low res class the two 4 lx modes
	// (short base measurement time).
	highRes bool
	lowRes  bool

	mu    sync.Mutex
	mtreg int
	// Hardware mode register as last armed, including the power state
	// opcodes. Compared against the target opcode on every update.
	armed byte
	raw   float64
	ok    bool
}

// NewI2C returns a BH1750 driver bound to the given bus and address and
// performs the bring-up: power down, sensitivity programming and a first
// sample. Opts can be nil for the defaults.
//
// When the device is no longer needed call Halt to power it down.
func NewI2C(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	if opts.Mode < ContinuousLowRes || opts.Mode > OneTimeHighRes2 {
		return nil, fmt.Errorf("bh1750: invalid mode %d", int(opts.Mode))
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	sens := opts.Sensitivity
	if sens == 0 {
		sens = DefaultSensitivity
	}
	delay := opts.MeasurementDelay
	if delay == 0 {
		delay = DefaultOpts.MeasurementDelay
	}
	entry := modeTable[opts.Mode]
	d := &Dev{
		d:          &i2c.Dev{Bus: b, Addr: addr},
		opts:       *opts,
		log:        log,
		delay:      delay,
		opcode:     entry.opcode,
		continuous: entry.continuous,
		highRes:    entry.opcode&0x03 == 0x01,
		lowRes:     entry.opcode&0x03 == 0x03,
		raw:        -1,
	}
	if err := d.setMode(opPowerDown); err != nil {
		return d, fmt.Errorf("bh1750: power down: %w", err)
	}
	if err := d.SetSensitivity(sens); err != nil {
		return d, err
	}
	return d, d.Update()
}

// setMode writes a raw mode byte and tracks it as the currently armed
// hardware state.
func (d *Dev) setMode(mode byte) error {
	d.armed = mode
	if err := d.d.Tx([]byte{mode}, nil); err != nil {
		d.ok = false
		return err
	}
	d.ok = true
	return nil
}

// reset clears the data register. The device only accepts the reset opcode
// while powered on.
func (d *Dev) reset() error {
	if err := d.setMode(opPowerOn); err != nil {
		return err
	}
	return d.setMode(opReset)
}

// Sensitivity returns the current mtreg value, an integer between 31 and
// 254.
func (d *Dev) Sensitivity() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mtreg
}

// SetSensitivity programs the measurement time register. Valid values are 31
// (lowest) to 254 (highest); out of range values are clamped. The device is
// powered down afterwards, so the next Update re-arms the configured mode.
func (d *Dev) SetSensitivity(sensitivity int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mtreg = clampSensitivity(sensitivity)
	if err := d.setMode(opPowerOn); err != nil {
		return fmt.Errorf("bh1750: set sensitivity: %w", err)
	}
	// High and low halves of mtreg ride on two mode-type opcodes.
	if err := d.setMode(0x40 | byte(d.mtreg>>5)); err != nil {
		return fmt.Errorf("bh1750: set sensitivity: %w", err)
	}
	if err := d.setMode(0x60 | byte(d.mtreg&0x1f)); err != nil {
		return fmt.Errorf("bh1750: set sensitivity: %w", err)
	}
	if err := d.setMode(opPowerDown); err != nil {
		return fmt.Errorf("bh1750: set sensitivity: %w", err)
	}
	return nil
}

// waitForResult blocks for the measurement time of the current resolution
// class and sensitivity, plus the configured extra delay.
func (d *Dev) waitForResult() {
	base := baseTimeHighRes
	if d.lowRes {
		base = baseTimeLowRes
	}
	scaled := time.Duration(float64(base) * float64(d.mtreg) / DefaultSensitivity)
	time.Sleep(scaled + d.delay)
}

// Update refreshes the measured light level. In the one-time modes, after a
// failed sample, or whenever the armed hardware mode differs from the
// configured one, the device is power cycled, re-armed and the conversion
// time waited out; an already armed continuous mode is read directly. The
// one-time modes power the device down again after reading.
func (d *Dev) Update() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.update(); err != nil {
		d.log.Error().Err(err).Msg("bad update")
		return err
	}
	return nil
}

func (d *Dev) update() error {
	if !d.continuous || d.raw < 0 || d.opcode != d.armed {
		if err := d.reset(); err != nil {
			return fmt.Errorf("bh1750: reset: %w", err)
		}
		if err := d.setMode(d.opcode); err != nil {
			return fmt.Errorf("bh1750: arm mode: %w", err)
		}
		d.waitForResult()
	}
	if err := d.read(); err != nil {
		return fmt.Errorf("bh1750: read: %w", err)
	}
	if !d.continuous {
		if err := d.setMode(opPowerDown); err != nil {
			return fmt.Errorf("bh1750: power down: %w", err)
		}
	}
	return nil
}

// read fetches the measurement word and converts it to lux. On a bus failure
// the cached reading is invalidated so the next update re-arms the device.
func (d *Dev) read() error {
	buf := make([]byte, 2)
	if err := d.d.Tx([]byte{d.armed}, buf); err != nil {
		d.raw = -1
		d.ok = false
		return err
	}
	d.ok = true
	// The device returns a big-endian count over the little-endian word
	// primitive; swap it back.
	word := uint16(buf[0]) | uint16(buf[1])<<8
	count := word>>8 | word<<8
	coeff := 1.0
	if d.highRes {
		coeff = 2.0
	}
	ratio := 1.0 / (1.2 * (float64(d.mtreg) / DefaultSensitivity) * coeff)
	d.raw = ratio * float64(count)
	return nil
}

// SampleOK reports whether the last update produced a trustworthy value.
func (d *Dev) SampleOK() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ok
}

// LightLevel returns the last light level in lux, rounded to one decimal in
// the 0.5 lx submodes and to an integer otherwise.
func (d *Dev) LightLevel() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.raw < 0 {
		return 0, i2csense.ErrNoSample
	}
	decimals := 0
	if d.highRes {
		decimals = 1
	}
	return i2csense.Round(d.raw, decimals), nil
}

// Temperature implements i2csense.Sensor. The BH1750 only measures light.
func (d *Dev) Temperature() (float64, error) {
	return 0, &i2csense.UnsupportedError{Quantity: "temperature"}
}

// Humidity implements i2csense.Sensor. The BH1750 only measures light.
func (d *Dev) Humidity() (float64, error) {
	return 0, &i2csense.UnsupportedError{Quantity: "humidity"}
}

// Pressure implements i2csense.Sensor. The BH1750 only measures light.
func (d *Dev) Pressure() (float64, error) {
	return 0, &i2csense.UnsupportedError{Quantity: "pressure"}
}

// Summary returns a one-line description of the current reading.
func (d *Dev) Summary() string {
	return i2csense.Summary(d)
}

// Halt powers the device down. Call it when the driver is no longer needed,
// regardless of exit path; powering down an already idle device is harmless.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.setMode(opPowerDown)
}

func (d *Dev) String() string {
	return fmt.Sprintf("bh1750: %s in %s mode", d.d, d.opts.Mode)
}

var _ conn.Resource = &Dev{}
var _ i2csense.Sensor = &Dev{}
