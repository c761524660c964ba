package parsers

import "github.com/jorik41/renogy-bt-proxy/internal/sensors"

// controllerSections implements the RNG_CTRL register plan: battery and PV
// telemetry at 0x100, device power state at 0x105, daily/total generation
// counters at 0x10C.
func controllerSections() []Section {
	return []Section{
		{Name: "battery_pv", RegisterBase: 0x100, WordCount: 34, Parse: parseControllerBatteryPV},
		{Name: "state", RegisterBase: 0x105, WordCount: 1, Parse: parseControllerState},
		{Name: "stats", RegisterBase: 0x10C, WordCount: 10, Parse: parseControllerStats},
	}
}

func parseControllerBatteryPV(data []byte) (sensors.DeviceReading, error) {
	reading := sensors.DeviceReading{}
	// Word 0 packs battery SOC percentage in the high byte.
	reading["battery_percentage"] = float64(word(data, 0) >> 8)
	reading["voltage"] = float64(word(data, 1)) / 10.0
	reading["current"] = float64(word(data, 2)) / 100.0
	reading["controller_temperature"] = float64(int8(word(data, 3) >> 8))
	reading["battery_temperature"] = float64(int8(word(data, 3) & 0xFF))
	reading["load_voltage"] = float64(word(data, 4)) / 10.0
	reading["load_current"] = float64(word(data, 5)) / 100.0
	reading["load_power"] = float64(word(data, 6))
	reading["pv_voltage"] = float64(word(data, 7)) / 10.0
	reading["pv_current"] = float64(word(data, 8)) / 100.0
	reading["pv_power"] = float64(word(data, 9))
	return reading, nil
}

func parseControllerState(data []byte) (sensors.DeviceReading, error) {
	reading := sensors.DeviceReading{}
	reading["charging_state"] = float64(word(data, 0) & 0xFF)
	return reading, nil
}

func parseControllerStats(data []byte) (sensors.DeviceReading, error) {
	reading := sensors.DeviceReading{}
	reading["daily_power_generation"] = float64(word(data, 0))
	reading["daily_max_charge_current"] = float64(word(data, 1)) / 100.0
	reading["daily_max_charge_power"] = float64(word(data, 2))
	total := uint32(word(data, 3))<<16 | uint32(word(data, 4))
	reading["total_power_generation"] = float64(total) / 10.0
	return reading, nil
}
