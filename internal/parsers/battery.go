package parsers

import "github.com/jorik41/renogy-bt-proxy/internal/sensors"

// batterySections implements the RNG_BATT register plan: cell voltages and
// temperatures starting at 5000, pack-level aggregates at 5042. This is
// the layout spec.md §8's worked example (sections (5000,8), (5042,6))
// assumes.
func batterySections() []Section {
	return []Section{
		{Name: "cells", RegisterBase: 5000, WordCount: 8, Parse: parseBatteryCells},
		{Name: "pack", RegisterBase: 5042, WordCount: 6, Parse: parseBatteryPack},
	}
}

// parseBatteryCells decodes up to 8 words: the first 4 are per-cell
// voltages (0.1V units), the next 4 are per-cell temperatures (0.1°C
// units, offset -20 per Renogy convention).
func parseBatteryCells(data []byte) (sensors.DeviceReading, error) {
	reading := sensors.DeviceReading{}

	cellCount := 0
	var minV, maxV float64
	for i := 0; i < 4; i++ {
		v := float64(word(data, i)) / 10.0
		if v == 0 {
			continue
		}
		cellCount++
		if cellCount == 1 || v < minV {
			minV = v
		}
		if cellCount == 1 || v > maxV {
			maxV = v
		}
	}
	if cellCount > 0 {
		reading["cell_voltage_min"] = minV
		reading["cell_voltage_max"] = maxV
		reading["cell_voltage_delta"] = maxV - minV
	}
	reading["cell_count"] = float64(cellCount)

	tempCount := 0
	var minT, maxT float64
	for i := 4; i < 8; i++ {
		raw := word(data, i)
		if raw == 0 {
			continue
		}
		t := float64(raw)/10.0 - 20.0
		tempCount++
		if tempCount == 1 || t < minT {
			minT = t
		}
		if tempCount == 1 || t > maxT {
			maxT = t
		}
	}
	if tempCount > 0 {
		reading["temperature_min"] = minT
		reading["temperature_max"] = maxT
		reading["temperature_delta"] = maxT - minT
	}

	return reading, nil
}

// parseBatteryPack decodes the 6-word pack block: voltage (0.1V), current
// (0.01A signed), remaining capacity (0.001Ah->Ah via /1000... Renogy packs
// report in 0.001Ah steps for remaining_charge and full capacity, and a
// cycle count at the final word).
func parseBatteryPack(data []byte) (sensors.DeviceReading, error) {
	reading := sensors.DeviceReading{}
	reading["voltage"] = float64(word(data, 0)) / 10.0
	reading["current"] = float64(signedWord(data, 1)) / 100.0
	remainingCharge := uint32(word(data, 2))<<16 | uint32(word(data, 3))
	reading["remaining_charge"] = float64(remainingCharge) / 1000.0
	reading["capacity"] = float64(word(data, 4))
	reading["cycle_count"] = float64(word(data, 5))
	return reading, nil
}
