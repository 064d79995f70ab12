package recognition

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"mealsnap"
	"mealsnap/collaborator/mock"
	"mealsnap/digest"
	"mealsnap/retry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func region(l, t, w, h float64) mealsnap.Region {
	return mealsnap.Region{Left: l, Top: t, Width: w, Height: h}
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, Initial: time.Millisecond, Multiplier: 4}
}

func strPtr(s string) *string                   { return &s }
func fltPtr(f float64) *float64                 { return &f }
func regPtr(r mealsnap.Region) *mealsnap.Region { return &r }

func labels(items []mealsnap.DetectedItem) []string {
	var out []string
	for _, it := range items {
		out = append(out, it.Label)
	}
	return out
}

func TestProcess_ThresholdDropsBeforeMerge(t *testing.T) {
	o := NewOrchestrator(nil, Options{})
	rec := o.Process([]mealsnap.RawDetection{
		mock.Detection("soup", 0.2, region(0.0, 0.0, 0.3, 0.3)),
		mock.Detection("salad", 0.5, region(0.4, 0.0, 0.3, 0.3)),
		mock.Detection("steak", 0.9, region(0.0, 0.5, 0.3, 0.3)),
	})

	assert.Equal(t, []string{"steak", "salad"}, labels(rec.Items))
	assert.Equal(t, 1, rec.BelowThreshold)
	for _, it := range rec.Items {
		for _, c := range it.CandidateLabels {
			assert.NotEqual(t, "soup", c.Label)
		}
	}
}

func TestProcess_LowConfidenceNeverBecomesCandidate(t *testing.T) {
	o := NewOrchestrator(nil, Options{})
	rec := o.Process([]mealsnap.RawDetection{
		mock.Detection("pasta", 0.8, region(0.1, 0.1, 0.4, 0.4)),
		mock.Detection("noodles", 0.3, region(0.1, 0.1, 0.4, 0.4)),
	})

	require.Len(t, rec.Items, 1)
	assert.Empty(t, rec.Items[0].CandidateLabels)
}

func TestProcess_MergeOverlapping(t *testing.T) {
	o := NewOrchestrator(nil, Options{})
	rec := o.Process([]mealsnap.RawDetection{
		mock.Detection("Chicken Breast", 0.71, region(0.11, 0.21, 0.29, 0.24)),
		mock.Detection("Grilled Chicken", 0.93, region(0.10, 0.20, 0.30, 0.25)),
		mock.Detection("poultry", 0.60, region(0.10, 0.20, 0.30, 0.25)),
		mock.Detection("meat", 0.50, region(0.10, 0.20, 0.30, 0.25)),
		mock.Detection("food", 0.40, region(0.10, 0.20, 0.30, 0.25)),
		mock.Detection("grilled  chicken", 0.45, region(0.10, 0.20, 0.30, 0.25)),
		mock.Detection("Rice", 0.88, region(0.45, 0.20, 0.30, 0.30)),
	})

	require.Len(t, rec.Items, 2)
	chicken := rec.Items[0]
	assert.Equal(t, mealsnap.ItemID("item-1"), chicken.ID)
	assert.Equal(t, "Grilled Chicken", chicken.Label)
	assert.InDelta(t, 0.93, chicken.Confidence, 1e-9)
	assert.Equal(t, region(0.10, 0.20, 0.30, 0.25), chicken.Region)
	assert.Equal(t, []mealsnap.LabelScore{
		{Label: "Chicken Breast", Confidence: 0.71},
		{Label: "poultry", Confidence: 0.60},
		{Label: "meat", Confidence: 0.50},
	}, chicken.CandidateLabels, "capped at K, primary never repeated")

	assert.Equal(t, mealsnap.ItemID("item-2"), rec.Items[1].ID)
	assert.Equal(t, "Rice", rec.Items[1].Label)
}

func TestProcess_OrderIndependent(t *testing.T) {
	o := NewOrchestrator(nil, Options{})
	dets := []mealsnap.RawDetection{
		mock.Detection("b", 0.7, region(0.0, 0.0, 0.2, 0.2)),
		mock.Detection("a", 0.7, region(0.5, 0.5, 0.2, 0.2)),
		mock.Detection("c", 0.9, region(0.3, 0.0, 0.2, 0.2)),
		mock.Detection("a", 0.7, region(0.0, 0.5, 0.2, 0.2)),
	}
	reversed := make([]mealsnap.RawDetection, len(dets))
	for i := range dets {
		reversed[len(dets)-1-i] = dets[i]
	}

	first := o.Process(dets)
	second := o.Process(reversed)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"c", "a", "a", "b"}, labels(first.Items))
	assert.Equal(t, region(0.0, 0.5, 0.2, 0.2), first.Items[1].Region)
}

func TestProcess_DropsMalformed(t *testing.T) {
	o := NewOrchestrator(nil, Options{})
	good := region(0.1, 0.1, 0.2, 0.2)

	rec := o.Process([]mealsnap.RawDetection{
		{Label: nil, Region: regPtr(good), Confidence: fltPtr(0.9)},
		{Label: strPtr("   "), Region: regPtr(good), Confidence: fltPtr(0.9)},
		{Label: strPtr("rice"), Region: nil, Confidence: fltPtr(0.9)},
		{Label: strPtr("rice"), Region: regPtr(good), Confidence: nil},
		{Label: strPtr("rice"), Region: regPtr(good), Confidence: fltPtr(1.5)},
		{Label: strPtr("rice"), Region: regPtr(good), Confidence: fltPtr(math.NaN())},
		{Label: strPtr("rice"), Region: regPtr(region(0.9, 0.9, 0.5, 0.5)), Confidence: fltPtr(0.9)},
		{Label: strPtr("rice"), Region: regPtr(region(0.1, 0.1, 0, 0.2)), Confidence: fltPtr(0.9)},
		{Label: strPtr("  beans "), Region: regPtr(good), Confidence: fltPtr(0.9)},
	})

	assert.Equal(t, 8, rec.Malformed)
	assert.Equal(t, []string{"beans"}, labels(rec.Items))
}

func TestProcess_ReferenceObjects(t *testing.T) {
	o := NewOrchestrator(nil, Options{})
	rec := o.Process([]mealsnap.RawDetection{
		mock.Detection("Rice", 0.88, region(0.45, 0.20, 0.30, 0.30)),
		mock.Detection("Fork", 0.90, region(0.80, 0.10, 0.05, 0.60)),
		mock.Detection("Credit Card", 0.95, region(0.05, 0.70, 0.15, 0.10)),
	})

	assert.Equal(t, []string{"Rice"}, labels(rec.Items))
	require.Len(t, rec.References, 2)
	ref := rec.Reference()
	require.NotNil(t, ref)
	assert.Equal(t, "Credit Card", ref.Label)
	assert.InDelta(t, 85.6, ref.LongestSideMM, 1e-9)
}

func testImage(t *testing.T) digest.Image {
	t.Helper()
	return digest.Image{Bytes: []byte("img"), Format: "png", Digest: "d"}
}

func TestRecognize(t *testing.T) {
	tests := []struct {
		name      string
		vision    *mock.Vision
		wantErr   error
		wantItems int
		wantCalls int
	}{
		{
			name: "recovers from transient failures",
			vision: &mock.Vision{FailFirst: 2, Detections: []mealsnap.RawDetection{
				mock.Detection("rice", 0.9, region(0.1, 0.1, 0.3, 0.3)),
			}},
			wantItems: 1,
			wantCalls: 3,
		},
		{
			name:      "unavailable after retries",
			vision:    &mock.Vision{FailFirst: 10},
			wantErr:   mealsnap.ErrRecognitionUnavailable,
			wantCalls: 3,
		},
		{
			name:      "malformed response is not retried",
			vision:    &mock.Vision{Err: mealsnap.ErrMalformedResponse},
			wantErr:   mealsnap.ErrRecognitionUnavailable,
			wantCalls: 1,
		},
		{
			name: "every detection malformed",
			vision: &mock.Vision{Detections: []mealsnap.RawDetection{
				{Label: strPtr("rice")},
			}},
			wantErr:   mealsnap.ErrRecognitionUnavailable,
			wantCalls: 1,
		},
		{
			name:      "empty plate is a real answer",
			vision:    &mock.Vision{},
			wantItems: 0,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := NewOrchestrator(tt.vision, Options{Retry: fastRetry()})
			rec, err := o.Recognize(context.Background(), testImage(t))

			assert.Equal(t, tt.wantCalls, tt.vision.Calls())
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				assert.Equal(t, mealsnap.ClassFatal, mealsnap.Classify(err))
				return
			}
			require.NoError(t, err)
			assert.Len(t, rec.Items, tt.wantItems)
		})
	}
}

func TestRecognize_TimeoutOnEveryAttempt(t *testing.T) {
	v := &mock.Vision{Delay: time.Second}
	p := fastRetry()
	p.AttemptTimeout = 5 * time.Millisecond
	o := NewOrchestrator(v, Options{Retry: p})

	_, err := o.Recognize(context.Background(), testImage(t))
	assert.ErrorIs(t, err, mealsnap.ErrRecognitionUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 3, v.Calls())
}

func TestRecognize_CallerCancellation(t *testing.T) {
	v := &mock.Vision{Delay: time.Second}
	o := NewOrchestrator(v, Options{Retry: fastRetry()})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := o.Recognize(ctx, testImage(t))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, errors.Is(err, mealsnap.ErrRecognitionUnavailable))
}
