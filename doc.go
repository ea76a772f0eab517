// Copyright 2024 The Periph Authors. All rights reserved.
// Use of this source code is governed under the Apache License, Version 2.0
// that can be found in the LICENSE file.

// Package i2csense defines the contract shared by the environmental sensor
// drivers in this module and the derived quantities that only depend on that
// contract.
//
// The drivers live in their own packages:
//
//   - bme280: Bosch BME280 temperature/humidity/pressure sensor
//   - htu21d: HTU21D temperature/humidity sensor
//   - bh1750: BH1750FVI ambient light sensor
//
// Each driver is bound to an i2c.Bus at construction, takes a first sample
// during bring-up, and refreshes its readings on every Update call. A failed
// update never panics and never poisons the driver: it is reported through
// the optional zerolog sink, the error is returned, and SampleOK turns false
// until a later Update succeeds.
package i2csense
