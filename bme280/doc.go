// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package bme280 controls a Bosch BME280 environmental sensor over I²C. The
// device measures temperature, relative humidity and barometric pressure.
//
// The raw ADC words are converted to physical units with the double
// precision compensation formulas from the datasheet, using the per-device
// calibration coefficients read during bring-up. Pressure and humidity
// compensation depend on an intermediate value produced by temperature
// compensation, so the three always run in that order within one update.
//
// Individual channels can be disabled by setting their oversampling factor
// to 0; a disabled channel is never range checked and never reports a value.
//
// The bme280.Dev type implements the physic.SenseEnv interface as well as
// the i2csense.Sensor contract.
//
// # Datasheet
//
// https://cdn-shop.adafruit.com/datasheets/BST-BME280_DS001-10.pdf
package bme280
