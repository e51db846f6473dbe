package detection

import (
	"context"
	"errors"
	"math"
	"testing"

	"bitbucket.org/mmdatafocus/sellerguard_backend/models"
)

func fixedStatLookup(stat *models.CalibrationStat, err error) StatLookup {
	return func(context.Context, models.AnomalyType) (*models.CalibrationStat, error) {
		return stat, err
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestCalibrate_LookupErrorFailsOpen(t *testing.T) {
	c := NewCalibrator(fixedStatLookup(nil, errors.New("redis down")), nil)
	out := c.Calibrate(context.Background(), models.AnomalyTypeFeeOvercharge, 0.8)
	if out.CalibratedConfidence != 0.8 || out.CalibrationFactor != 1.0 {
		t.Fatalf("lookup failure must be identity, got %+v", out)
	}
}

func TestCalibrate_NoHistoryIsIdentity(t *testing.T) {
	c := NewCalibrator(fixedStatLookup(nil, nil), nil)
	out := c.Calibrate(context.Background(), models.AnomalyTypeFeeOvercharge, 0.62)
	if out.CalibratedConfidence != 0.62 || out.CalibrationFactor != 1.0 {
		t.Fatalf("missing stat must be identity, got %+v", out)
	}
}

func TestCalibrate_BelowSampleFloorIsIdentity(t *testing.T) {
	stat := &models.CalibrationStat{
		AnomalyType:            models.AnomalyTypeFeeOvercharge,
		HistoricalApprovalRate: 0.1,
		SampleSize:             4,
	}
	c := NewCalibrator(fixedStatLookup(stat, nil), nil)
	out := c.Calibrate(context.Background(), models.AnomalyTypeFeeOvercharge, 0.9)
	if out.CalibratedConfidence != 0.9 {
		t.Fatalf("4 samples is under the floor, expected raw 0.9, got %v", out.CalibratedConfidence)
	}
	if out.SampleSize != 4 || out.HistoricalApprovalRate != 0.1 {
		t.Fatalf("identity outcome should still report the stat inputs, got %+v", out)
	}
}

func TestCalibrate_BlendsTowardHistoricalRate(t *testing.T) {
	stat := &models.CalibrationStat{
		AnomalyType:            models.AnomalyTypeFeeOvercharge,
		HistoricalApprovalRate: 0.4,
		SampleSize:             25, // blend = 25/(25+25) = 0.5
	}
	c := NewCalibrator(fixedStatLookup(stat, nil), nil)
	out := c.Calibrate(context.Background(), models.AnomalyTypeFeeOvercharge, 0.8)
	if !almostEqual(out.CalibratedConfidence, 0.6) {
		t.Fatalf("expected 0.6 at equal blend, got %v", out.CalibratedConfidence)
	}
	if !almostEqual(out.CalibrationFactor, 0.75) {
		t.Fatalf("expected factor 0.75, got %v", out.CalibrationFactor)
	}
}

func TestCalibrate_TrustsRawMoreAsSamplesGrow(t *testing.T) {
	raw := 0.9
	prev := 0.0
	for i, n := range []int{5, 25, 100, 1000} {
		stat := &models.CalibrationStat{
			AnomalyType:            models.AnomalyTypeFeeOvercharge,
			HistoricalApprovalRate: 0.2,
			SampleSize:             n,
		}
		c := NewCalibrator(fixedStatLookup(stat, nil), nil)
		out := c.Calibrate(context.Background(), models.AnomalyTypeFeeOvercharge, raw)
		if out.CalibratedConfidence >= raw {
			t.Fatalf("n=%d: calibrated %v must stay below raw %v when rate is lower", n, out.CalibratedConfidence, raw)
		}
		if i > 0 && out.CalibratedConfidence <= prev {
			t.Fatalf("n=%d: more samples must move calibrated toward raw, got %v after %v", n, out.CalibratedConfidence, prev)
		}
		prev = out.CalibratedConfidence
	}
}

func TestCalibrate_ZeroApprovalRateOnlyPullsDown(t *testing.T) {
	for _, n := range []int{5, 50, 500} {
		stat := &models.CalibrationStat{
			AnomalyType:            models.AnomalyTypeFeeOvercharge,
			HistoricalApprovalRate: 0.0,
			SampleSize:             n,
		}
		c := NewCalibrator(fixedStatLookup(stat, nil), nil)
		for _, raw := range []float64{0.2, 0.6, 0.95} {
			out := c.Calibrate(context.Background(), models.AnomalyTypeFeeOvercharge, raw)
			if out.CalibratedConfidence >= raw {
				t.Fatalf("n=%d raw=%v: zero approval rate must never raise confidence, got %v", n, raw, out.CalibratedConfidence)
			}
			if out.CalibratedConfidence < 0 {
				t.Fatalf("calibrated confidence out of range: %v", out.CalibratedConfidence)
			}
		}
	}
}
