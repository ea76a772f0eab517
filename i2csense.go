// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

package i2csense

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Sensor is implemented by every driver in this module. The four quantity
// accessors form a capability query: a driver only returns values for the
// subset it measures and fails with *UnsupportedError for the rest, so there
// is no universal reading struct with meaningless fields.
type Sensor interface {
	// Update triggers a new measurement cycle and refreshes the cached
	// readings. Transport and validation failures are returned and also
	// recorded as SampleOK()==false; they are never fatal.
	Update() error
	// SampleOK reports whether the last update produced trustworthy values.
	SampleOK() bool
	// Temperature returns the last temperature in degrees Celsius.
	Temperature() (float64, error)
	// Humidity returns the last relative humidity in percent.
	Humidity() (float64, error)
	// Pressure returns the last pressure in hPa.
	Pressure() (float64, error)
	// LightLevel returns the last light level in lux.
	LightLevel() (float64, error)
	// Summary returns a one-line textual description of the current state.
	Summary() string
}

// Magnus formula coefficients, from the HTU21D spec sheet.
const (
	dewCoefA = 8.1332
	dewCoefB = 1762.39
	dewCoefC = 235.66
)

// Round rounds v to the given number of decimal places, halves away from
// zero.
func Round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// Summary builds the textual state of s: a fixed "Bad sample" marker when the
// last sample is invalid, otherwise each supported quantity rounded to 2
// decimals with its unit label, comma separated. Quantities the sensor does
// not measure, or that have not been sampled yet, are omitted.
func Summary(s Sensor) string {
	if !s.SampleOK() {
		return "Bad sample"
	}
	var parts []string
	if v, err := s.Temperature(); err == nil {
		parts = append(parts, fmt.Sprintf("Temp: %.2f ºC", Round(v, 2)))
	}
	if v, err := s.Humidity(); err == nil {
		parts = append(parts, fmt.Sprintf("Humid: %.2f %%", Round(v, 2)))
	}
	if v, err := s.Pressure(); err == nil {
		parts = append(parts, fmt.Sprintf("Press: %.2f mb", Round(v, 2)))
	}
	if v, err := s.LightLevel(); err == nil {
		parts = append(parts, fmt.Sprintf("Light: %.2f lux", Round(v, 2)))
	}
	return strings.Join(parts, ", ")
}

// DewPoint computes the dew point temperature in degrees Celsius from the
// last sample of s. It requires a valid sample of a sensor that measures both
// temperature and humidity; an *UnsupportedError from either accessor is
// propagated, any other condition yields ErrNoSample.
//
// Temperature and humidity are rounded to 3 decimals before substitution.
// That matches the reference tables this formula was lifted from; keep it for
// output compatibility.
func DewPoint(s Sensor) (float64, error) {
	if !s.SampleOK() {
		return 0, ErrNoSample
	}
	t, err := s.Temperature()
	if err != nil {
		return 0, err
	}
	h, err := s.Humidity()
	if err != nil {
		return 0, err
	}
	t = Round(t, 3)
	h = Round(h, 3)
	partPress := math.Pow(10, dewCoefA-dewCoefB/(t+dewCoefC))
	dew := -dewCoefC - dewCoefB/(math.Log10(h*partPress/100.0)-dewCoefA)
	if math.IsNaN(dew) || math.IsInf(dew, 0) {
		return 0, errors.New("i2csense: dew point undefined for last sample")
	}
	return dew, nil
}
