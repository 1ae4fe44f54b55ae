package costmodel

import (
	"fmt"

	"github.com/chewxy/math32"
	"github.com/sw965/costnet"
	"github.com/sw965/costnet/blas32/tensor/2d"
	"github.com/sw965/costnet/blas32/tensor/3d"
	"github.com/sw965/costnet/blas32/vector"
	"gonum.org/v1/gonum/blas/blas32"
)

// Stats are the per-channel whitening statistics, computed once over a
// training corpus and frozen thereafter.
type Stats struct {
	PipelineMean blas32.General // (56, 7)
	PipelineStd  blas32.General // (56, 7)
	ScheduleMean blas32.Vector  // (26)
	ScheduleStd  blas32.Vector  // (26)
}

func NewZeroStats() Stats {
	return Stats{
		PipelineMean: tensor2d.NewZeros(PipelineFeatureChannels, PipelineFeatureClasses),
		PipelineStd:  tensor2d.NewZeros(PipelineFeatureChannels, PipelineFeatureClasses),
		ScheduleMean: vector.NewZeros(ScheduleFeatureChannels),
		ScheduleStd:  vector.NewZeros(ScheduleFeatureChannels),
	}
}

func (s *Stats) Validate() error {
	checks := []error{
		check2d("pipeline_mean", s.PipelineMean, PipelineFeatureChannels, PipelineFeatureClasses),
		check2d("pipeline_std", s.PipelineStd, PipelineFeatureChannels, PipelineFeatureClasses),
		check1d("schedule_mean", s.ScheduleMean, ScheduleFeatureChannels),
		check1d("schedule_std", s.ScheduleStd, ScheduleFeatureChannels),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}
	return nil
}

// normalizePipelineFeatures whitens the (channel, class, stage) feature
// volume and places it on the padded stage axis. Positions outside
// [FirstValid, FirstValid+numStages) are exactly zero.
func normalizePipelineFeatures(pf tensor3d.General, mean, std blas32.General, numStages int) tensor3d.General {
	padded := PaddedStages(numStages)
	first := FirstValid(numStages)
	npf := tensor3d.NewZeros(pf.Channels, pf.Rows, padded)
	for c := 0; c < pf.Channels; c++ {
		for j := 0; j < pf.Rows; j++ {
			mu := mean.Data[tensor2d.At(mean, c, j)]
			sd := math32.Max(costnet.StdFloor, std.Data[tensor2d.At(std, c, j)])
			srcBase := pf.At(c, j, 0)
			dstBase := npf.At(c, j, first)
			for s := 0; s < numStages; s++ {
				npf.Data[dstBase+s] = (pf.Data[srcBase+s] - mu) / sd
			}
		}
	}
	return npf
}

// normalizeScheduleFeatures whitens one batch instance's (channel,
// stage) features. Raw schedule features are heavy-tailed (tile sizes,
// footprints), so they pass through log1p before whitening.
func normalizeScheduleFeatures(sf blas32.General, mean, std blas32.Vector, numStages int) blas32.General {
	padded := PaddedStages(numStages)
	first := FirstValid(numStages)
	nsf := tensor2d.NewZeros(sf.Rows, padded)
	for c := 0; c < sf.Rows; c++ {
		mu := mean.Data[c]
		sd := math32.Max(costnet.StdFloor, std.Data[c])
		srcBase := c * sf.Stride
		dstBase := c*nsf.Stride + first
		for s := 0; s < numStages; s++ {
			nsf.Data[dstBase+s] = (math32.Log(sf.Data[srcBase+s]+1) - mu) / sd
		}
	}
	return nsf
}

func validateFeatures(pf tensor3d.General, sf []blas32.General, numStages int) error {
	if numStages < 0 {
		return fmt.Errorf("num_stages = %d, want >= 0", numStages)
	}
	if len(sf) < 1 {
		return fmt.Errorf("batch_size = %d, want >= 1", len(sf))
	}
	if err := check3d("pipeline_features", pf, PipelineFeatureChannels, PipelineFeatureClasses, numStages); err != nil {
		return err
	}
	for n, inst := range sf {
		if err := check2d(fmt.Sprintf("schedule_features[%d]", n), inst, ScheduleFeatureChannels, numStages); err != nil {
			return err
		}
	}
	return nil
}
