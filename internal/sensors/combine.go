package sensors

// DeviceReading is the set of decoded fields for one unit id from a single
// Modbus read cycle.
type DeviceReading map[string]float64

// ApplyDerived fills in the unconditional derived fields §4.7 specifies for
// a single device's reading: power := voltage × current, and
// soc := remaining_charge / capacity × 100 when capacity > 0.
func ApplyDerived(reading DeviceReading) {
	voltage, hasV := reading["voltage"]
	current, hasI := reading["current"]
	if hasV && hasI {
		reading["power"] = voltage * current
	}

	capacity, hasCap := reading["capacity"]
	charge, hasCharge := reading["remaining_charge"]
	if hasCap && hasCharge && capacity > 0 {
		reading["soc"] = charge / capacity * 100
	}
}

// Combine computes the cross-device combined reading per §4.7's combiner
// table. readings must contain an entry for every configured unit id that
// has contributed a reading in the current cycle; combine does not itself
// enforce that all configured devices are present — the caller decides
// when the full set has reported.
func Combine(readings map[int]DeviceReading) DeviceReading {
	combined := DeviceReading{}
	if len(readings) == 0 {
		return combined
	}

	combined["voltage"] = meanField(readings, "voltage")
	combined["current"] = sumField(readings, "current")
	combined["capacity"] = sumField(readings, "capacity")
	combined["remaining_charge"] = sumField(readings, "remaining_charge")
	combined["soc"] = meanField(readings, "soc")
	combined["cell_count"] = sumField(readings, "cell_count")

	if cellMin, ok := minField(readings, "cell_voltage_min"); ok {
		combined["cell_voltage_min"] = cellMin
	}
	if cellMax, ok := maxField(readings, "cell_voltage_max"); ok {
		combined["cell_voltage_max"] = cellMax
	}
	if _, hasMin := combined["cell_voltage_min"]; hasMin {
		if _, hasMax := combined["cell_voltage_max"]; hasMax {
			combined["cell_voltage_delta"] = combined["cell_voltage_max"] - combined["cell_voltage_min"]
		}
	}

	if tempMin, ok := minField(readings, "temperature_min"); ok {
		combined["temperature_min"] = tempMin
	}
	if tempMax, ok := maxField(readings, "temperature_max"); ok {
		combined["temperature_max"] = tempMax
	}
	if _, hasMin := combined["temperature_min"]; hasMin {
		if _, hasMax := combined["temperature_max"]; hasMax {
			combined["temperature_delta"] = combined["temperature_max"] - combined["temperature_min"]
		}
	}

	combined["power"] = combined["voltage"] * combined["current"]

	return combined
}

func sumField(readings map[int]DeviceReading, field string) float64 {
	var sum float64
	for _, r := range readings {
		sum += r[field]
	}
	return sum
}

func meanField(readings map[int]DeviceReading, field string) float64 {
	if len(readings) == 0 {
		return 0
	}
	return sumField(readings, field) / float64(len(readings))
}

func minField(readings map[int]DeviceReading, field string) (float64, bool) {
	first := true
	var result float64
	for _, r := range readings {
		v, ok := r[field]
		if !ok {
			continue
		}
		if first || v < result {
			result = v
			first = false
		}
	}
	return result, !first
}

func maxField(readings map[int]DeviceReading, field string) (float64, bool) {
	first := true
	var result float64
	for _, r := range readings {
		v, ok := r[field]
		if !ok {
			continue
		}
		if first || v > result {
			result = v
			first = false
		}
	}
	return result, !first
}
