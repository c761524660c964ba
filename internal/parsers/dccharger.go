package parsers

import "github.com/jorik41/renogy-bt-proxy/internal/sensors"

// dcChargerSections implements RNG_DCC: a single 32-word block at 0x100
// covering both input (alternator/DC source) and output (battery) sides.
func dcChargerSections() []Section {
	return []Section{
		{Name: "dcc", RegisterBase: 0x100, WordCount: 32, Parse: parseDCCharger},
	}
}

func parseDCCharger(data []byte) (sensors.DeviceReading, error) {
	reading := sensors.DeviceReading{}
	reading["input_voltage"] = float64(word(data, 0)) / 10.0
	reading["input_current"] = float64(word(data, 1)) / 100.0
	reading["voltage"] = float64(word(data, 2)) / 10.0
	reading["current"] = float64(word(data, 3)) / 100.0
	reading["charging_state"] = float64(word(data, 4) & 0xFF)
	reading["controller_temperature"] = float64(int8(word(data, 5) >> 8))
	return reading, nil
}
