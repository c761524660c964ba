package parsers

import "github.com/jorik41/renogy-bt-proxy/internal/sensors"

// inverterSections implements RNG_INVT: AC input block at 4000, AC output
// and load block at 4311.
func inverterSections() []Section {
	return []Section{
		{Name: "ac_input", RegisterBase: 4000, WordCount: 8, Parse: parseInverterInput},
		{Name: "ac_output", RegisterBase: 4311, WordCount: 22, Parse: parseInverterOutput},
	}
}

func parseInverterInput(data []byte) (sensors.DeviceReading, error) {
	reading := sensors.DeviceReading{}
	reading["input_voltage"] = float64(word(data, 0)) / 10.0
	reading["input_current"] = float64(word(data, 1)) / 10.0
	reading["input_frequency"] = float64(word(data, 2)) / 100.0
	reading["voltage"] = float64(word(data, 3)) / 10.0
	return reading, nil
}

func parseInverterOutput(data []byte) (sensors.DeviceReading, error) {
	reading := sensors.DeviceReading{}
	reading["output_voltage"] = float64(word(data, 0)) / 10.0
	reading["output_current"] = float64(word(data, 1)) / 10.0
	reading["output_frequency"] = float64(word(data, 2)) / 100.0
	reading["load_percentage"] = float64(word(data, 3))
	reading["current"] = float64(word(data, 4)) / 10.0
	return reading, nil
}
