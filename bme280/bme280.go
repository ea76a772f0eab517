// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bme280

import (
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/physic"

	"github.com/azogue/i2csense"
)

// DefaultAddress is the conventional address of the BME280. Boards with the
// SDO pin pulled high respond on 0x77 instead.
const DefaultAddress uint16 = 0x76

// Register map, from the datasheet.
const (
	regCalibration byte = 0x88 // 24 bytes, T1..T3 and P1..P9
	regCalibH1     byte = 0xa1
	regCalibH2H6   byte = 0xe1 // 7 bytes packing H2..H6
	regCtrlHum     byte = 0xf2
	regStatus      byte = 0xf3
	regCtrlMeas    byte = 0xf4
	regConfig      byte = 0xf5
	regData        byte = 0xf7 // 8 bytes: pressure, temperature, humidity

	statusMeasuring byte = 0x08
)

// Mode is the power/sampling mode written to the low bits of ctrl_meas.
type Mode byte

const (
	// ModeSleep keeps the device idle; no measurements are taken.
	ModeSleep Mode = 0
	// ModeForced takes exactly one measurement per explicit trigger and
	// returns to sleep. Each Update re-arms the device and waits for the
	// conversion to finish.
	ModeForced Mode = 2
	// ModeNormal cycles between measuring and standby on its own.
	ModeNormal Mode = 3
)

const (
	// Pause between conversion status polls in forced mode.
	forcedPollInterval = 5 * time.Millisecond
	// Conversion takes a few ms per enabled channel at low oversampling; a
	// device still busy after this many polls is not going to answer.
	forcedPollLimit = 50
)

// Opts holds the configuration options for the device.
type Opts struct {
	// Oversampling factor codes for each channel, 0 to 5 per the datasheet.
	// 0 disables the channel entirely.
	TemperatureOversampling byte
	PressureOversampling    byte
	HumidityOversampling    byte
	// Mode selects sleep, forced or normal sampling.
	Mode Mode
	// Standby is the t_sb standby time code used in normal mode.
	Standby byte
	// Filter is the IIR filter coefficient code.
	Filter byte
	// SPI3Wire enables the 3-wire SPI interface. Leave false on I²C.
	SPI3Wire bool
	// DeltaTemperature is added to the compensated temperature to correct
	// for self heating of the board, in degrees Celsius. It is applied
	// before the fine temperature value is rescaled, so pressure and
	// humidity compensation see the corrected value too.
	DeltaTemperature float64
	// Logger receives diagnostics for failed updates. The default is a
	// timestamped console logger on stderr.
	Logger *zerolog.Logger
}

// DefaultOpts is x1 oversampling on all three channels, normal mode, filter
// off.
var DefaultOpts = Opts{
	TemperatureOversampling: 1,
	PressureOversampling:    1,
	HumidityOversampling:    1,
	Mode:                    ModeNormal,
	Standby:                 5,
}

var errOutOfRange = errors.New("bme280: measurement out of accepted range")

// calibration holds the per-device compensation coefficients, already sign
// extended and widened for the floating point formulas.
type calibration struct {
	t1, t2, t3                         float64
	p1, p2, p3, p4, p5, p6, p7, p8, p9 float64
	h1, h2, h3, h4, h5, h6             float64
}

// signExtend16 interprets a raw 16 bit calibration word as twos-complement.
func signExtend16(v uint16) int32 {
	return int32(int16(v))
}

func parseCalibration(tp []byte, h1 byte, hum []byte) *calibration {
	u16 := func(lo, hi byte) uint16 {
		return uint16(hi)<<8 | uint16(lo)
	}
	s16 := func(lo, hi byte) float64 {
		return float64(signExtend16(u16(lo, hi)))
	}
	return &calibration{
		t1: float64(u16(tp[0], tp[1])),
		t2: s16(tp[2], tp[3]),
		t3: s16(tp[4], tp[5]),
		p1: float64(u16(tp[6], tp[7])),
		p2: s16(tp[8], tp[9]),
		p3: s16(tp[10], tp[11]),
		p4: s16(tp[12], tp[13]),
		p5: s16(tp[14], tp[15]),
		p6: s16(tp[16], tp[17]),
		p7: s16(tp[18], tp[19]),
		p8: s16(tp[20], tp[21]),
		p9: s16(tp[22], tp[23]),
		h1: float64(h1),
		h2: s16(hum[0], hum[1]),
		h3: float64(hum[2]),
		// H4 and H5 are 12 bit values sharing the middle byte.
		h4: float64(signExtend16(uint16(hum[3])<<4 | uint16(hum[4]&0x0f))),
		h5: float64(signExtend16(uint16(hum[5])<<4 | uint16(hum[4]>>4))),
		h6: float64(int8(hum[6])),
	}
}

// Dev represents a BME280 sensor.
type Dev struct {
	d    *i2c.Dev
	opts Opts
	log  zerolog.Logger

	ctrlMeas byte
	ctrlHum  byte
	config   byte

	mu       sync.Mutex
	shutdown chan struct{}
	cal      *calibration
	// Intermediate temperature value consumed by pressure and humidity
	// compensation within the same cycle. Overwritten on every update.
	tempFine    float64
	ok          bool
	temperature float64
	humidity    float64
	pressure    float64
}

// NewI2C returns a BME280 driver bound to the given bus and address and
// performs the bring-up: register configuration, calibration read and a
// first sample. Opts can be nil for the defaults.
//
// A bring-up failure is returned, but the device handle is still usable: the
// next successful Update recovers it, exactly as after any later failed
// sample.
func NewI2C(b i2c.Bus, addr uint16, opts *Opts) (*Dev, error) {
	if opts == nil {
		opts = &DefaultOpts
	}
	log := zerolog.New(os.Stderr).With().Timestamp().Logger()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	spi3w := byte(0)
	if opts.SPI3Wire {
		spi3w = 1
	}
	d := &Dev{
		d:           &i2c.Dev{Bus: b, Addr: addr},
		opts:        *opts,
		log:         log,
		ctrlMeas:    opts.TemperatureOversampling<<5 | opts.PressureOversampling<<2 | byte(opts.Mode),
		ctrlHum:     opts.HumidityOversampling,
		config:      opts.Standby<<5 | opts.Filter<<2 | spi3w,
		temperature: math.NaN(),
		humidity:    math.NaN(),
		pressure:    math.NaN(),
	}
	return d, d.Update()
}

// Update triggers a measurement cycle and refreshes the cached readings.
// The first update, and every update following a failed one, rewrites the
// configuration registers and re-reads the calibration table before
// sampling. Transport and out-of-range failures are logged, recorded as
// SampleOK()==false and returned; they are never fatal.
func (d *Dev) Update() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.update(); err != nil {
		d.ok = false
		d.log.Error().Err(err).Msg("bad update")
		return err
	}
	return nil
}

func (d *Dev) update() error {
	if d.cal == nil || !d.ok {
		if err := d.configure(); err != nil {
			return fmt.Errorf("bme280: configure: %w", err)
		}
		if err := d.readCalibration(); err != nil {
			return fmt.Errorf("bme280: calibration: %w", err)
		}
	}
	if d.opts.Mode == ModeForced {
		if err := d.triggerForced(); err != nil {
			return fmt.Errorf("bme280: forced measurement: %w", err)
		}
	}
	data := make([]byte, 8)
	if err := d.d.Tx([]byte{regData}, data); err != nil {
		return fmt.Errorf("bme280: read data: %w", err)
	}
	presRaw := uint32(data[0])<<12 | uint32(data[1])<<4 | uint32(data[2])>>4
	tempRaw := uint32(data[3])<<12 | uint32(data[4])<<4 | uint32(data[5])>>4
	humRaw := uint32(data[6])<<8 | uint32(data[7])

	// Temperature first: it produces the fine value the other two formulas
	// consume. A value failing its range check on an enabled channel voids
	// the whole sample; disabled channels are never checked.
	ok := true
	temperature := d.compensateTemperature(float64(tempRaw))
	if d.opts.TemperatureOversampling > 0 {
		if acceptedTemperature(temperature) {
			d.temperature = temperature
		} else {
			ok = false
		}
	}
	if d.opts.HumidityOversampling > 0 {
		humidity := d.compensateHumidity(float64(humRaw))
		if acceptedHumidity(humidity) {
			d.humidity = humidity
		} else {
			ok = false
		}
	}
	if d.opts.PressureOversampling > 0 {
		pressure := d.compensatePressure(float64(presRaw))
		if acceptedPressure(pressure) {
			d.pressure = pressure
		} else {
			ok = false
		}
	}
	d.ok = ok
	if !ok {
		return errOutOfRange
	}
	return nil
}

func (d *Dev) configure() error {
	for _, rv := range [][2]byte{
		{regCtrlHum, d.ctrlHum},
		{regConfig, d.config},
		{regCtrlMeas, d.ctrlMeas},
	} {
		if err := d.d.Tx(rv[:], nil); err != nil {
			return err
		}
	}
	return nil
}

// readCalibration populates the calibration table from its three register
// ranges. On failure the table is left untouched so a half read can never be
// used for compensation.
func (d *Dev) readCalibration() error {
	tp := make([]byte, 24)
	if err := d.d.Tx([]byte{regCalibration}, tp); err != nil {
		return err
	}
	h1 := make([]byte, 1)
	if err := d.d.Tx([]byte{regCalibH1}, h1); err != nil {
		return err
	}
	hum := make([]byte, 7)
	if err := d.d.Tx([]byte{regCalibH2H6}, hum); err != nil {
		return err
	}
	d.cal = parseCalibration(tp, h1[0], hum)
	return nil
}

// triggerForced re-arms ctrl_meas so the device takes the next measurement,
// then polls the status register until the conversion is over.
func (d *Dev) triggerForced() error {
	if err := d.d.Tx([]byte{regCtrlMeas, d.ctrlMeas}, nil); err != nil {
		return err
	}
	status := make([]byte, 1)
	for i := 0; i < forcedPollLimit; i++ {
		if err := d.d.Tx([]byte{regStatus}, status); err != nil {
			return err
		}
		if status[0]&statusMeasuring == 0 {
			return nil
		}
		time.Sleep(forcedPollInterval)
	}
	return errors.New("conversion did not finish")
}

// Plausibility gates for the compensated values. The temperature range is
// half open: exactly 80 degrees is already rejected.

func acceptedTemperature(t float64) bool {
	return t >= -20 && t < 80
}

func acceptedHumidity(h float64) bool {
	return h >= 0 && h <= 100
}

func acceptedPressure(p float64) bool {
	return p > 100
}

// Compensation formulas from the datasheet, section 8.1 "Compensation
// formulas in double precision floating point", edition BST-BME280-DS001-10.

func (d *Dev) compensateTemperature(adcT float64) float64 {
	c := d.cal
	var1 := (adcT/16384.0 - c.t1/1024.0) * c.t2
	var2 := (adcT/131072.0 - c.t1/8192.0) * (adcT/131072.0 - c.t1/8192.0) * c.t3
	d.tempFine = var1 + var2
	temperature := d.tempFine / 5120.0
	if d.opts.DeltaTemperature != 0 {
		temperature += d.opts.DeltaTemperature
		d.tempFine = temperature * 5120.0
	}
	return temperature
}

func (d *Dev) compensatePressure(adcP float64) float64 {
	c := d.cal
	var1 := d.tempFine/2.0 - 64000.0
	var2 := ((var1 / 4.0) * (var1 / 4.0)) / 2048
	var2 *= c.p6
	var2 += var1 * c.p5 * 2.0
	var2 = var2/4.0 + c.p4*65536.0
	var1 = ((c.p3*(((var1/4.0)*(var1/4.0))/8192))/8 + (c.p2*var1)/2.0) / 262144
	var1 = ((32768 + var1) * c.p1) / 32768
	if var1 == 0 {
		return 0
	}
	pressure := ((1048576 - adcP) - var2/4096) * 3125
	if pressure < 0x80000000 {
		pressure = pressure * 2.0 / var1
	} else {
		pressure = pressure / var1 * 2
	}
	var1 = (c.p9 * (((pressure / 8.0) * (pressure / 8.0)) / 8192.0)) / 4096
	var2 = (pressure / 4.0) * c.p8 / 8192.0
	pressure += (var1 + var2 + c.p7) / 16.0
	return pressure / 100
}

func (d *Dev) compensateHumidity(adcH float64) float64 {
	c := d.cal
	varH := d.tempFine - 76800.0
	if varH == 0 {
		return 0
	}
	varH = (adcH - (c.h4*64.0 + c.h5/16384.0*varH)) *
		(c.h2 / 65536.0 * (1.0 + c.h6/67108864.0*varH*(1.0+c.h3/67108864.0*varH)))
	varH *= 1.0 - c.h1*varH/524288.0
	if varH > 100.0 {
		return 100.0
	}
	if varH < 0.0 {
		return 0.0
	}
	return varH
}

// SampleOK reports whether the last update produced trustworthy values.
func (d *Dev) SampleOK() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ok
}

// Temperature returns the last compensated temperature in degrees Celsius.
func (d *Dev) Temperature() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if math.IsNaN(d.temperature) {
		return 0, i2csense.ErrNoSample
	}
	return d.temperature, nil
}

// Humidity returns the last compensated relative humidity in percent. With
// HumidityOversampling 0 the channel never produces a value.
func (d *Dev) Humidity() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if math.IsNaN(d.humidity) {
		return 0, i2csense.ErrNoSample
	}
	return d.humidity, nil
}

// Pressure returns the last compensated pressure in hPa. With
// PressureOversampling 0 the channel never produces a value.
func (d *Dev) Pressure() (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if math.IsNaN(d.pressure) {
		return 0, i2csense.ErrNoSample
	}
	return d.pressure, nil
}

// LightLevel implements i2csense.Sensor. The BME280 does not measure light.
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

// Sense implements physic.SenseEnv for the enabled channels.
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
	if !math.IsNaN(d.humidity) {
		e.Humidity = physic.RelativeHumidity(d.humidity * float64(physic.PercentRH))
	}
	if !math.IsNaN(d.pressure) {
		e.Pressure = physic.Pressure(d.pressure * 100 * float64(physic.Pascal))
	}
	return nil
}

// SenseContinuous returns a channel that receives a measurement every
// interval. Failed cycles are skipped. To end the read, call Halt().
func (d *Dev) SenseContinuous(interval time.Duration) (<-chan physic.Env, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		return nil, errors.New("bme280: SenseContinuous already running")
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
	e.Pressure = physic.Pascal
	e.Humidity = physic.MilliRH
}

// Halt interrupts a running SenseContinuous operation and puts the device
// into sleep mode.
func (d *Dev) Halt() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shutdown != nil {
		close(d.shutdown)
		d.shutdown = nil
	}
	return d.d.Tx([]byte{regCtrlMeas, d.ctrlMeas &^ byte(ModeNormal)}, nil)
}

func (d *Dev) String() string {
	return fmt.Sprintf("bme280: %s", d.d)
}

var _ conn.Resource = &Dev{}
var _ physic.SenseEnv = &Dev{}
var _ i2csense.Sensor = &Dev{}
