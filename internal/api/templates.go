package api

import (
	v1 "github.com/firmforge/firmforge/pkg/api/v1"
)

// exampleTemplates returns ready-to-submit specifications keyed by
// template name. They double as documentation of the specification
// schema, so every field class appears at least once.
func exampleTemplates() map[string]v1.Specification {
	return map[string]v1.Specification{
		"pump_controller": {
			ProjectName: "Pump Controller",
			MCU:         "STM32F407",
			Description: "Water pump controller with level sensing and serial telemetry",
			Modules: []v1.ModuleSpec{
				{
					Name:        "UART0",
					Type:        v1.ModuleTypeUART,
					Description: "Telemetry link to the supervisory board",
					Parameters:  map[string]interface{}{"baud_rate": 115200, "parity": "none"},
				},
				{
					Name:        "Level ADC",
					Type:        v1.ModuleTypeADC,
					Description: "Tank level sensing on two channels",
					Parameters:  map[string]interface{}{"channels": 2, "resolution_bits": 12},
				},
				{
					Name:        "Pump PWM",
					Type:        v1.ModuleTypePWM,
					Description: "Variable speed drive for the pump motor",
					Parameters:  map[string]interface{}{"frequency_hz": 20000},
				},
			},
			Requirements: []string{
				"Pump must stop within 100ms of a dry-tank reading",
				"Telemetry frame rate of 10Hz",
			},
			OptimizationGoal: v1.OptimizationBalanced,
		},
		"sensor_node": {
			ProjectName: "Sensor Node",
			MCU:         "nRF52840",
			Description: "Battery powered environmental sensor node with local logging",
			Modules: []v1.ModuleSpec{
				{
					Name:        "Env Sensor",
					Type:        v1.ModuleTypeI2C,
					Description: "BME280 temperature, humidity and pressure sensor",
					Parameters:  map[string]interface{}{"address": "0x76", "bus_speed_khz": 400},
				},
				{
					Name:        "Log Flash",
					Type:        v1.ModuleTypeSPI,
					Description: "External NOR flash for sample logging",
					Parameters:  map[string]interface{}{"capacity_mbit": 64},
				},
			},
			Constraints:      map[string]interface{}{"sleep_current_ua": 5},
			OptimizationGoal: v1.OptimizationPower,
		},
		"motor_controller": {
			ProjectName: "Motor Controller",
			MCU:         "STM32F103",
			Description: "Safety critical brushless motor controller on a CAN backbone",
			Modules: []v1.ModuleSpec{
				{
					Name:        "CAN Bus",
					Type:        v1.ModuleTypeCAN,
					Description: "Drive commands and status reporting at 500kbit",
					Parameters:  map[string]interface{}{"bitrate": 500000},
				},
				{
					Name:        "Drive PWM",
					Type:        v1.ModuleTypePWM,
					Description: "Three phase commutation outputs",
					Parameters:  map[string]interface{}{"frequency_hz": 25000, "dead_time_ns": 500},
				},
				{
					Name:        "Watchdog",
					Type:        v1.ModuleTypeWatchdog,
					Description: "Independent watchdog with 50ms window",
				},
			},
			Requirements: []string{
				"Motor must coast to stop on loss of CAN heartbeat",
			},
			SafetyCritical:   true,
			OptimizationGoal: v1.OptimizationPerformance,
		},
	}
}
