// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// This package provides a driver for the HTU21D temperature/humidity sensor.
// Every measurement frame is validated with the device's CRC8 before
// conversion, and the converted humidity is compensated for the temperature
// coefficient given in the datasheet.
//
// # Datasheet
//
// http://www.datasheetspdf.com/PDF/HTU21D/779951/1
package htu21d

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/azogue/i2csense"
	"github.com/azogue/i2csense/common"
)

// SensorAddress is the fixed address of the HTU21D.
const SensorAddress uint16 = 0x40

// Byte codes from the datasheet.
const (
	cmdReadTempHold   byte = 0xe3
	cmdReadHumHold    byte = 0xe5
	cmdReadTempNoHold byte = 0xf3
	cmdReadHumNoHold  byte = 0xf5
	cmdWriteUserReg   byte = 0xe6
	cmdReadUserReg    byte = 0xe7
	cmdSoftReset      byte = 0xfe
)

// Conversion time at the highest resolution, also used as the soft reset
// settle delay.
const measurementWait = 55 * time.Millisecond

// statusMask clears the two status bits the device packs into the low end of
// every raw value.
const statusMask uint16 = 0xfffc

// sentinel is stored for a channel whose last read cycle failed; SampleOK
// treats any value at or below the sentinel thresholds as untrustworthy.
const sentinel = -255.0

var (
	errTemperatureCRC = errors.New("htu21d: temperature frame failed crc check")
	errHumidityCRC    = errors.New("htu21d: humidity frame failed crc check")
)

// Opts holds the configuration options for the device. The HTU21D has no
// operating parameters; only the diagnostic sink can be set.
type Opts struct {
	// Logger receives diagnostics for failed updates. The default is a
	// timestamped console logger on stderr.
	Logger *zerolog.Logger
}

// Dev represents an HTU21D sensor.
type Dev struct {
	d   *i2c.Dev
	log zerolog.Logger

	mu          sync.Mutex
	shutdown    chan struct{}
	ok          bool
	temperature float64
	humidity    float64
}

// NewI2C returns an HTU21D driver on the device's fixed address and performs
// the bring-up: a soft reset followed by a first sample. Opts can be nil.
//
// A bring-up failure is returned, but the device handle is still usable: the
// next Update retries the soft reset before sampling.
func NewI2C(b i2c.Bus, opts *Opts) (*Dev, error) {
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if opts != nil && opts.Logger != nil {
		log = *opts.Logger
	}
	d := &Dev{
		d:           &i2c.Dev{Bus: b, Addr: SensorAddress},
		log:         log,
		temperature: sentinel,
		humidity:    sentinel,
	}
	if err := d.softReset(); err != nil {
		d.log.Error().Err(err).Msg("bad writing in bus")
		return d, fmt.Errorf("htu21d: soft reset: %w", err)
	}
	d.ok = true
	return d, d.Update()
}

func (d *Dev) softReset() error {
	if err := d.d.Tx([]byte{cmdSoftReset}, nil); err != nil {
		return err
	}
	time.Sleep(measurementWait)
	return nil
}

// Update reads both channels and refreshes the cached values. A driver left
// invalid by an earlier failure is soft reset first. Transport and CRC
// failures are logged, recorded as SampleOK()==false and returned; they are
// never fatal.
func (d *Dev) Update() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.ok {
		d.log.Warn().Msg("trying to restore OK mode w/ soft reset")
		if err := d.softReset(); err != nil {
			d.log.Error().Err(err).Msg("bad writing in bus")
			return fmt.Errorf("htu21d: soft reset: %w", err)
		}
	}
	if err := d.update(); err != nil {
		d.ok = false
		d.log.Error().Err(err).Msg("bad update")
		return err
	}
	d.ok = true
	return nil
}

func (d *Dev) update() error {
	bufT, err := d.measure(cmdReadTempNoHold, cmdReadTempHold)
	if err != nil {
		return fmt.Errorf("htu21d: read temperature: %w", err)
	}
	bufH, err := d.measure(cmdReadHumNoHold, cmdReadHumHold)
	if err != nil {
		return fmt.Errorf("htu21d: read humidity: %w", err)
	}

	if !common.CheckFrame(bufT) {
		d.temperature = sentinel
		return errTemperatureCRC
	}
	raw := (uint16(bufT[0])<<8 | uint16(bufT[1])) & statusMask
	d.temperature = -46.85 + 175.72*float64(raw)/65536.0

	// The temperature was read fine, so it is kept even if the humidity
	// frame turns out corrupt; the sample as a whole is still rejected.
	if !common.CheckFrame(bufH) {
		d.humidity = sentinel
		return errHumidityCRC
	}
	raw = (uint16(bufH[0])<<8 | uint16(bufH[1])) & statusMask
	humidity := -6.0 + 125.0*float64(raw)/65536.0
	// Temperature coefficient compensation, from the datasheet.
	humidity -= 0.15 * (25 - d.temperature)
	if humidity > 100 {
		humidity = 100
	} else if humidity < 0 {
		humidity = 0
	}
	d.humidity = humidity
	return nil
}

// measure triggers a no-hold conversion, waits out the conversion time and
// reads back the 3 byte measurement frame.
func (d *Dev) measure(trigger, read byte) ([]byte, error) {
	if err := d.d.Tx([]byte{trigger}, nil); err != nil {
		return nil, err
	}
	time.Sleep(measurementWait)
	frame := make([]byte, 3)
	if err := d.d.Tx([]byte{read}, frame); err != nil {
		return nil, err
	}
	return frame, nil
}

// SampleOK reports whether the last update produced trustworthy values. On
// top of the validity flag, both cached values must sit above the sentinel
// thresholds, which catches leftovers of a previously failed cycle.
func (d *Dev) SampleOK() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ok && d.temperature > -100 && d.humidity > -1
}

// Temperature returns the last temperature in degrees Celsius.
func (d *Dev) Temperature() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.temperature <= -100 {
		return 0, i2csense.ErrNoSample
	}
	return d.temperature, nil
}

// Humidity returns the last compensated relative humidity in percent.
func (d *Dev) Humidity() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.humidity <= -1 {
		return 0, i2csense.ErrNoSample
	}
	return d.humidity, nil
}

// Pressure implements i2csense.Sensor. The HTU21D does not measure pressure.
func (d *Dev) Pressure() (float64, error) {
	return 0, &i2csense.UnsupportedError{Quantity: "pressure"}
}

// LightLevel implements i2csense.Sensor. The HTU21D does not measure light.
func (d *Dev) LightLevel() (float64, error) {
	return 0, &i2csense.UnsupportedError{Quantity: "light"}
}

// Summary returns a one-line description of the current readings.
func (d *Dev) Summary() string {
	return i2csense.Summary(d)
}

// DewPoint returns the dew point temperature derived from the last sample.
func (d *Dev) DewPoint() (float64, error) {
	return i2csense.DewPoint(d)
}

// Sense implements physic.SenseEnv. The pressure field is always 0 since the
// HTU21D does not measure pressure.
func (d *Dev) Sense(e *physic.Env) error {
	e.Temperature = 0
	e.Pressure = 0
	e.Humidity = 0
	if err := d.Update(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	e.Temperature = physic.ZeroCelsius + physic.Temperature(d.temperature*float64(physic.Celsius))
	e.Humidity = physic.RelativeHumidity(d.humidity * float64(physic.PercentRH))
	return nil
}

// SenseContinuous returns a channel that receives a measurement every
// interval. Failed cycles are skipped. To end the read, call Halt().
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		return nil, errors.New("htu21d: SenseContinuous already running")
	}
	d.shutdown = make(chan struct{})
	ch := make(chan physic.Env, 16)
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		defer close(ch)
		for {
			select {
			case <-d.shutdown:
				return
			case <-ticker.C:
				e := physic.Env{}
				if err := d.Sense(&e); err == nil {
					ch <- e
				}
			}
		}
	}()
	return ch, nil
}

// Precision implements physic.SenseEnv.
func (d *Dev) Precision(e *physic.Env) {
	e.Temperature = 10 * physic.MilliKelvin
	e.Pressure = 0
	e.Humidity = 40 * physic.MilliRH
}

// Halt interrupts a running SenseContinuous operation.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		close(d.shutdown)
		d.shutdown = nil
	}
	return nil
}

func (d *Dev) String() string {
	return fmt.Sprintf("htu21d: %s", d.d)
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
var _ i2csense.Sensor = &Dev{}
