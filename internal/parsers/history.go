package parsers

import "github.com/jorik41/renogy-bt-proxy/internal/sensors"

// controllerHistorySections implements RNG_CTRL_HIST: a single status word
// at 0x15 plus the same 22-word historical generation block starting at
// 0x100 the controller family shares.
func controllerHistorySections() []Section {
	return []Section{
		{Name: "status", RegisterBase: 0x15, WordCount: 1, Parse: parseHistoryStatus},
		{Name: "history", RegisterBase: 0x100, WordCount: 22, Parse: parseHistoryGeneration},
	}
}

func parseHistoryStatus(data []byte) (sensors.DeviceReading, error) {
	return sensors.DeviceReading{"days_up": float64(word(data, 0))}, nil
}

func parseHistoryGeneration(data []byte) (sensors.DeviceReading, error) {
	reading := sensors.DeviceReading{}
	reading["battery_over_discharge_count"] = float64(word(data, 0))
	reading["battery_full_count"] = float64(word(data, 1))
	totalCharge := uint32(word(data, 2))<<16 | uint32(word(data, 3))
	reading["total_charge_amp_hours"] = float64(totalCharge)
	totalDischarge := uint32(word(data, 4))<<16 | uint32(word(data, 5))
	reading["total_discharge_amp_hours"] = float64(totalDischarge)
	totalGeneration := uint32(word(data, 6))<<16 | uint32(word(data, 7))
	reading["cumulative_power_generation"] = float64(totalGeneration) / 10.0
	return reading, nil
}
