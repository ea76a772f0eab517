// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package bme280

import (
	"fmt"
	"math"
	"os"
	"testing"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/i2c/i2ctest"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/azogue/i2csense"
)

var bus i2c.Bus
var liveDevice bool

// Calibration set from the datasheet worked example (section 4.2.2 plus a
// plausible humidity block), as stored in the three register ranges.
var calTP = []uint8{
	0x70, 0x6b, 0x43, 0x67, 0x18, 0xfc, // T1=27504 T2=26435 T3=-1000
	0x7d, 0x8e, 0x43, 0xd6, 0xd0, 0x0b, // P1=36477 P2=-10685 P3=3024
	0x27, 0x0b, 0x8c, 0x00, 0xf9, 0xff, // P4=2855 P5=140 P6=-7
	0x8c, 0x3c, 0xf8, 0xc6, 0x70, 0x17, // P7=15500 P8=-14600 P9=6000
}
var calH1 = []uint8{0x4b}                                      // H1=75
var calHum = []uint8{0x63, 0x01, 0x00, 0x14, 0x2d, 0x03, 0x1e} // H2=355 H3=0 H4=333 H5=50 H6=30

// Raw sample: pressure 415148, temperature 519888, humidity 32768. With the
// calibration set above the compensation formulas yield 25.0824779 °C,
// 1006.5326678 hPa and 62.0538146 %, computed independently from the same
// datasheet formulas.
var sampleData = []uint8{0x65, 0x5a, 0xc0, 0x7e, 0xed, 0x00, 0x80, 0x00}

const (
	expectedTemperature = 25.0824779308
	expectedHumidity    = 62.0538145821
	expectedPressure    = 1006.5326677583
	tolerance           = 1e-6
)

// Playback values for the bring-up of a normal mode device with x1
// oversampling everywhere: configuration, calibration read, first sample.
func pbBringup() []i2ctest.IO {
	return []i2ctest.IO{
		{Addr: DefaultAddress, W: []uint8{0xf2, 0x01}},
		{Addr: DefaultAddress, W: []uint8{0xf5, 0xa0}},
		{Addr: DefaultAddress, W: []uint8{0xf4, 0x27}},
		{Addr: DefaultAddress, W: []uint8{0x88}, R: calTP},
		{Addr: DefaultAddress, W: []uint8{0xa1}, R: calH1},
		{Addr: DefaultAddress, W: []uint8{0xe1}, R: calHum},
		{Addr: DefaultAddress, W: []uint8{0xf7}, R: sampleData},
	}
}

func init() {
	var err error

	liveDevice = os.Getenv("BME280") != ""

	// Make sure periph is initialized.
	if _, err = host.Init(); err != nil {
		fmt.Println(err)
	}

	if liveDevice {
		bus, err = i2creg.Open("")
		if err != nil {
			fmt.Println(err)
		}
		// Add the recorder to dump the data stream when we're using a live device.
		bus = &i2ctest.Record{Bus: bus}
	} else {
		bus = &i2ctest.Playback{DontPanic: true}
	}
}

func testOpts() *Opts {
	log := zerolog.Nop()
	opts := DefaultOpts
	opts.Logger = &log
	return &opts
}

// getDev returns a configured device using either an i2c bus, or a playback bus.
func getDev(t *testing.T, opts *Opts, playbackOps ...[]i2ctest.IO) (*Dev, error) {
	if liveDevice {
		if recorder, ok := bus.(*i2ctest.Record); ok {
			// Clear the operations buffer.
			recorder.Ops = make([]i2ctest.IO, 0, 32)
		}
	} else {
		if len(playbackOps) == 1 {
			pb := bus.(*i2ctest.Playback)
			pb.Ops = playbackOps[0]
			pb.Count = 0
		}
	}
	return NewI2C(bus, DefaultAddress, opts)
}

// shutdown dumps the recorder values if we we're running a live device.
func shutdown(t *testing.T) {
	if recorder, ok := bus.(*i2ctest.Record); ok {
		t.Logf("%#v", recorder.Ops)
	}
}

func TestSignExtend(t *testing.T) {
	var tests = []struct {
		raw  uint16
		want int32
	}{
		{0x8001, -32767},
		{0x7fff, 32767},
		{0x0000, 0},
		{0xffff, -1},
	}
	for _, test := range tests {
		if got := signExtend16(test.raw); got != test.want {
			t.Errorf("signExtend16(%#x) = %d, want %d", test.raw, got, test.want)
		}
	}
}

func TestAcceptanceGates(t *testing.T) {
	// The temperature range is half open on both the odd ends.
	var temps = []struct {
		t    float64
		want bool
	}{
		{-20.001, false},
		{-20, true},
		{-19.999, true},
		{79.999, true},
		{80, false},
	}
	for _, test := range temps {
		if got := acceptedTemperature(test.t); got != test.want {
			t.Errorf("acceptedTemperature(%v) = %v, want %v", test.t, got, test.want)
		}
	}
	if acceptedHumidity(-0.1) || !acceptedHumidity(0) || !acceptedHumidity(100) || acceptedHumidity(100.1) {
		t.Error("humidity gate does not match [0,100]")
	}
	if acceptedPressure(100) || !acceptedPressure(100.1) {
		t.Error("pressure gate does not match >100")
	}
}

func TestParseCalibration(t *testing.T) {
	cal := parseCalibration(calTP, calH1[0], calHum)
	var tests = []struct {
		name string
		got  float64
		want float64
	}{
		{"t1", cal.t1, 27504}, {"t2", cal.t2, 26435}, {"t3", cal.t3, -1000},
		{"p1", cal.p1, 36477}, {"p2", cal.p2, -10685}, {"p3", cal.p3, 3024},
		{"p4", cal.p4, 2855}, {"p5", cal.p5, 140}, {"p6", cal.p6, -7},
		{"p7", cal.p7, 15500}, {"p8", cal.p8, -14600}, {"p9", cal.p9, 6000},
		{"h1", cal.h1, 75}, {"h2", cal.h2, 355}, {"h3", cal.h3, 0},
		{"h4", cal.h4, 333}, {"h5", cal.h5, 50}, {"h6", cal.h6, 30},
	}
	for _, test := range tests {
		if test.got != test.want {
			t.Errorf("coefficient %s = %v, want %v", test.name, test.got, test.want)
		}
	}
}

func TestUpdate(t *testing.T) {
	d, err := getDev(t, testOpts(), pbBringup())
	if err != nil {
		t.Fatalf("failed to initialize bme280: %v", err)
	}
	defer shutdown(t)

	if !d.SampleOK() {
		t.Fatal("expected a valid sample after bring-up")
	}

	temp, err := d.Temperature()
	if err != nil {
		t.Fatal(err)
	}
	hum, err := d.Humidity()
	if err != nil {
		t.Fatal(err)
	}
	press, err := d.Pressure()
	if err != nil {
		t.Fatal(err)
	}
	t.Logf("%.4f°C %.4f%% %.4fhPa", temp, hum, press)

	if !liveDevice {
		if math.Abs(temp-expectedTemperature) > tolerance {
			t.Errorf("temperature = %v, want %v", temp, expectedTemperature)
		}
		if math.Abs(hum-expectedHumidity) > tolerance {
			t.Errorf("humidity = %v, want %v", hum, expectedHumidity)
		}
		if math.Abs(press-expectedPressure) > tolerance {
			t.Errorf("pressure = %v, want %v", press, expectedPressure)
		}
		want := "Temp: 25.08 ºC, Humid: 62.05 %, Press: 1006.53 mb"
		if s := d.Summary(); s != want {
			t.Errorf("summary = %q, want %q", s, want)
		}
	}

	if _, err := d.LightLevel(); err == nil {
		t.Error("the bme280 does not measure light")
	} else if _, ok := err.(*i2csense.UnsupportedError); !ok {
		t.Errorf("light level error = %v, want UnsupportedError", err)
	}

	// The dew point must sit strictly below the ambient temperature.
	dew, err := d.DewPoint()
	if err != nil {
		t.Fatal(err)
	}
	if dew >= temp {
		t.Errorf("dew point %v not below temperature %v", dew, temp)
	}

	if !liveDevice {
		// Accessors never touch the bus: the playback script is exhausted at
		// this point, so any traffic would error and change the state.
		for i := 0; i < 3; i++ {
			if !d.SampleOK() {
				t.Fatal("SampleOK flapped without an Update")
			}
			v, err := d.Temperature()
			if err != nil {
				t.Fatal(err)
			}
			if v != temp {
				t.Fatalf("temperature drifted to %v without an Update", v)
			}
		}
	}
}

func TestSecondUpdateSkipsConfiguration(t *testing.T) {
	// After a successful cycle the next update goes straight to the data
	// registers; the playback script enforces that no configuration or
	// calibration traffic happens.
	ops := append(pbBringup(), i2ctest.IO{Addr: DefaultAddress, W: []uint8{0xf7}, R: sampleData})
	d, err := getDev(t, testOpts(), ops)
	if err != nil {
		t.Fatalf("failed to initialize bme280: %v", err)
	}
	defer shutdown(t)

	if err := d.Update(); err != nil {
		t.Fatal(err)
	}
	if !d.SampleOK() {
		t.Fatal("expected a valid second sample")
	}
}

func TestForcedMode(t *testing.T) {
	if liveDevice {
		t.Skip("forced mode sequence is scripted; skipped on a live device")
	}
	opts := testOpts()
	opts.Mode = ModeForced
	// ctrl_meas now carries the forced mode bits, and each update re-arms
	// the measurement and polls the status register. The first poll answers
	// "still converting" to exercise the wait loop.
	ops := []i2ctest.IO{
		{Addr: DefaultAddress, W: []uint8{0xf2, 0x01}},
		{Addr: DefaultAddress, W: []uint8{0xf5, 0xa0}},
		{Addr: DefaultAddress, W: []uint8{0xf4, 0x26}},
		{Addr: DefaultAddress, W: []uint8{0x88}, R: calTP},
		{Addr: DefaultAddress, W: []uint8{0xa1}, R: calH1},
		{Addr: DefaultAddress, W: []uint8{0xe1}, R: calHum},
		{Addr: DefaultAddress, W: []uint8{0xf4, 0x26}},
		{Addr: DefaultAddress, W: []uint8{0xf3}, R: []uint8{0x08}},
		{Addr: DefaultAddress, W: []uint8{0xf3}, R: []uint8{0x00}},
		{Addr: DefaultAddress, W: []uint8{0xf7}, R: sampleData},
	}
	d, err := getDev(t, opts, ops)
	if err != nil {
		t.Fatalf("failed to initialize bme280: %v", err)
	}
	if !d.SampleOK() {
		t.Fatal("expected a valid sample after a forced measurement")
	}
	temp, err := d.Temperature()
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(temp-expectedTemperature) > tolerance {
		t.Errorf("temperature = %v, want %v", temp, expectedTemperature)
	}
}

func TestOutOfRangeSample(t *testing.T) {
	if liveDevice {
		t.Skip("failure injection requires the playback bus")
	}
	// An all-zero data readout compensates to a temperature far below the
	// accepted lower bound.
	ops := append(pbBringup()[:6],
		i2ctest.IO{Addr: DefaultAddress, W: []uint8{0xf7}, R: make([]uint8, 8)})
	d, err := getDev(t, testOpts(), ops)
	if err == nil {
		t.Fatal("expected the out-of-range sample to be rejected")
	}
	if d == nil {
		t.Fatal("the device handle must stay usable after a failed bring-up")
	}
	if d.SampleOK() {
		t.Fatal("SampleOK must be false after a rejected sample")
	}
	if _, err := d.Temperature(); err != i2csense.ErrNoSample {
		t.Errorf("temperature error = %v, want ErrNoSample", err)
	}

	// The next update reconfigures and re-reads the calibration before
	// sampling again, and recovers.
	pb := bus.(*i2ctest.Playback)
	pb.Ops = pbBringup()
	pb.Count = 0
	if err := d.Update(); err != nil {
		t.Fatal(err)
	}
	if !d.SampleOK() {
		t.Fatal("expected the driver to recover on the next update")
	}
}

func TestConstructionFailure(t *testing.T) {
	if liveDevice {
		t.Skip("failure injection requires the playback bus")
	}
	d, err := getDev(t, testOpts(), []i2ctest.IO{})
	if err == nil {
		t.Fatal("expected a transport error with an empty playback script")
	}
	if d == nil || d.SampleOK() {
		t.Fatal("a failed bring-up must leave a usable, invalid device")
	}
}

func TestSense(t *testing.T) {
	ops := append(pbBringup(), i2ctest.IO{Addr: DefaultAddress, W: []uint8{0xf7}, R: sampleData})
	d, err := getDev(t, testOpts(), ops)
	if err != nil {
		t.Fatalf("failed to initialize bme280: %v", err)
	}
	defer shutdown(t)

	e := physic.Env{}
	if err := d.Sense(&e); err != nil {
		t.Fatal(err)
	}
	if !liveDevice {
		wantTempF := expectedTemperature * float64(physic.Celsius)
		wantTemp := physic.ZeroCelsius + physic.Temperature(wantTempF)
		if diff := e.Temperature - wantTemp; diff > physic.MilliKelvin || diff < -physic.MilliKelvin {
			t.Errorf("Sense temperature = %s, want %s", e.Temperature, wantTemp)
		}
		if e.Pressure == 0 || e.Humidity == 0 {
			t.Error("Sense left pressure or humidity unset")
		}
	}
}
