package agents

import "strings"

// Target describes how code should be framed for a given MCU. Every
// module still lands as a header/source pair on disk; the framework
// label steers the prompt and is recorded in sidecars and the build
// log.
type Target struct {
	Framework string
	Label     string
}

// DetermineTarget maps an MCU or board name to its code framework.
// Matching is substring-based and case-insensitive, so "ESP32-S3
// DevKit" and "esp32" resolve the same way.
func DetermineTarget(mcu string) Target {
	s := strings.ToLower(mcu)
	switch {
	case containsAny(s, "arduino", "uno", "mega", "nano", "atmega"):
		return Target{Framework: "arduino", Label: "Arduino framework with setup()/loop()"}
	case containsAny(s, "esp32", "esp8266"):
		return Target{Framework: "arduino-esp32", Label: "ESP32 with Arduino framework"}
	case containsAny(s, "stm32", "stm"):
		return Target{Framework: "hal", Label: "STM32 HAL with modular .h/.c files"}
	case containsAny(s, "nrf52", "nrf51", "nordic"):
		return Target{Framework: "nordic-sdk", Label: "Nordic SDK with modular files"}
	case containsAny(s, "pico", "rp2040"):
		return Target{Framework: "arduino-pico", Label: "RP2040 with Arduino framework"}
	case containsAny(s, "pic32", "pic"):
		return Target{Framework: "harmony", Label: "PIC32 Harmony framework"}
	default:
		return Target{Framework: "generic", Label: "Generic C with modular files"}
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
