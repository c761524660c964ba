package sensors

import "strings"

// StateClass mirrors the ESPHome/Home Assistant sensor state class enum the
// native API exposes.
type StateClass int

const (
	StateClassNone StateClass = iota
	StateClassMeasurement
	StateClassTotalIncreasing
)

// Attributes describes how a raw field name should be presented as a
// SensorEntity: unit, device class, accuracy and state class. Guessed from
// the field-name suffix, grounded on the Renogy client's attribute-guessing
// rules.
type Attributes struct {
	Unit             string
	DeviceClass      string
	StateClass       StateClass
	AccuracyDecimals int
	Icon             string
}

// GuessAttributes infers display attributes for a raw Renogy field name the
// way the original sensor-definition rules do: temperature fields get a
// unit keyed off temperatureUnit ("C" or "F"), voltage/current/power/SOC/
// capacity/energy/frequency fields are recognized by suffix, and anything
// else falls back to a plain dimensionless measurement.
func GuessAttributes(field string, temperatureUnit string) Attributes {
	lf := strings.ToLower(field)

	switch {
	case strings.Contains(lf, "temperature"):
		unit := "°C"
		if temperatureUnit == "F" {
			unit = "°F"
		}
		return Attributes{Unit: unit, DeviceClass: "temperature", StateClass: StateClassMeasurement, AccuracyDecimals: 1, Icon: "mdi:thermometer"}

	case strings.HasSuffix(lf, "voltage") || strings.Contains(lf, "_voltage"):
		return Attributes{Unit: "V", DeviceClass: "voltage", StateClass: StateClassMeasurement, AccuracyDecimals: 1, Icon: "mdi:flash"}

	case strings.HasSuffix(lf, "current") || strings.Contains(lf, "_current"):
		return Attributes{Unit: "A", DeviceClass: "current", StateClass: StateClassMeasurement, AccuracyDecimals: 2, Icon: "mdi:current-dc"}

	case strings.HasSuffix(lf, "power") || strings.Contains(lf, "_power"):
		return Attributes{Unit: "W", DeviceClass: "power", StateClass: StateClassMeasurement, AccuracyDecimals: 0, Icon: "mdi:lightning-bolt"}

	case strings.HasSuffix(lf, "percentage") || strings.Contains(lf, "soc") ||
		(strings.HasSuffix(lf, "level") && strings.Contains(lf, "battery")):
		return Attributes{Unit: "%", DeviceClass: "battery", StateClass: StateClassMeasurement, AccuracyDecimals: 0, Icon: "mdi:battery"}

	case strings.Contains(lf, "amp_hour") || strings.HasSuffix(lf, "_ah"):
		return Attributes{Unit: "Ah", StateClass: StateClassMeasurement, AccuracyDecimals: 1, Icon: "mdi:battery-charging"}

	case strings.Contains(lf, "energy"):
		unit := "Wh"
		if strings.Contains(lf, "kwh") {
			unit = "kWh"
		}
		return Attributes{Unit: unit, DeviceClass: "energy", StateClass: StateClassTotalIncreasing, AccuracyDecimals: 2, Icon: "mdi:lightning-bolt-circle"}

	case strings.HasSuffix(lf, "frequency"):
		return Attributes{Unit: "Hz", DeviceClass: "frequency", StateClass: StateClassMeasurement, AccuracyDecimals: 2, Icon: "mdi:sine-wave"}

	case strings.Contains(lf, "capacity") || strings.HasSuffix(lf, "charge") || strings.HasSuffix(lf, "_charge"):
		return Attributes{Unit: "Ah", StateClass: StateClassMeasurement, AccuracyDecimals: 2, Icon: "mdi:battery-high"}

	default:
		return Attributes{StateClass: StateClassMeasurement, AccuracyDecimals: 2}
	}
}
