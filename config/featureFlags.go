package config

import (
	"os"
	"strings"
)

// AutoFilingEnabled gates the "recommend automated filing" action downstream
// automation reacts to. When off, detectors still score confidence but the
// recommended action is capped at review.
//
// Set via env:
// - DETECTION_AUTO_FILING=true
func AutoFilingEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DETECTION_AUTO_FILING")))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// CalibrationEnabled toggles the historical confidence calibration pass.
// When off, raw detector confidence is stored unchanged.
//
// Set via env:
// - DETECTION_CALIBRATION=false (default on)
func CalibrationEnabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv("DETECTION_CALIBRATION")))
	if v == "" {
		return true
	}
	return v == "1" || v == "true" || v == "yes" || v == "y"
}

// DetectorDisabled allows individual detectors to be switched off without a
// deploy, e.g. while a marketplace data feed is known-bad.
//
// Set via env:
// - DETECTION_DISABLED_DETECTORS="lost_warehouse_inventory,storage_fee_anomaly"
//
// Detector names are case-insensitive.
func DetectorDisabled(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return false
	}
	raw := os.Getenv("DETECTION_DISABLED_DETECTORS")
	if strings.TrimSpace(raw) == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == name {
			return true
		}
	}
	return false
}
