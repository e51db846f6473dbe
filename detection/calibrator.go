package detection

import (
	"context"

	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
	"bitbucket.org/mmdatafocus/sellerguard_backend/utils"
	"github.com/sirupsen/logrus"
)

const (
	// Below this many resolved historical cases calibration is a no-op.
	DefaultMinCalibrationSamples = 5

	// Half-saturation constant for the blend curve: at this sample size the
	// raw score and the historical rate carry equal weight.
	calibrationBlendHalfLife = 25.0
)

// StatLookup resolves the historical approval aggregate for an anomaly
// type. nil stat with nil error means "no history".
type StatLookup func(ctx context.Context, anomalyType models.AnomalyType) (*models.CalibrationStat, error)

type Calibrator struct {
	Lookup     StatLookup
	MinSamples int
	Logger     *logrus.Logger
}

func NewCalibrator(lookup StatLookup, logger *logrus.Logger) *Calibrator {
	return &Calibrator{
		Lookup:     lookup,
		MinSamples: DefaultMinCalibrationSamples,
		Logger:     logger,
	}
}

type CalibrationOutcome struct {
	CalibratedConfidence   float64
	CalibrationFactor      float64
	HistoricalApprovalRate float64
	SampleSize             int
}

// Calibrate blends a raw confidence toward the historical approval rate for
// its anomaly type. With thin history the blend leans on the rate; as
// resolved samples accumulate it asymptotically trusts the raw score.
// Lookup failures fail open: detection never blocks on calibration.
func (c *Calibrator) Calibrate(ctx context.Context, anomalyType models.AnomalyType, rawConfidence float64) CalibrationOutcome {
	identity := CalibrationOutcome{
		CalibratedConfidence: rawConfidence,
		CalibrationFactor:    1.0,
	}

	stat, err := c.Lookup(ctx, anomalyType)
	if err != nil {
		if c.Logger != nil {
			c.Logger.WithFields(logrus.Fields{
				"field":        "Calibrator",
				"anomaly_type": anomalyType,
			}).Warn("calibration lookup failed, using raw confidence: " + err.Error())
		}
		return identity
	}
	if stat == nil || stat.SampleSize < c.MinSamples {
		if stat != nil {
			identity.HistoricalApprovalRate = stat.HistoricalApprovalRate
			identity.SampleSize = stat.SampleSize
		}
		return identity
	}

	blend := float64(stat.SampleSize) / (float64(stat.SampleSize) + calibrationBlendHalfLife)
	calibrated := utils.ClampUnit(rawConfidence*blend + stat.HistoricalApprovalRate*(1-blend))

	factor := 1.0
	if rawConfidence > 0 {
		factor = calibrated / rawConfidence
	}
	return CalibrationOutcome{
		CalibratedConfidence:   calibrated,
		CalibrationFactor:      factor,
		HistoricalApprovalRate: stat.HistoricalApprovalRate,
		SampleSize:             stat.SampleSize,
	}
}
