package costmodel

const (
	// Feature tensor extents.
	PipelineFeatureChannels = 56
	PipelineFeatureClasses  = 7
	ScheduleFeatureChannels = 26

	// Layer widths. Fixed at model construction; the only runtime
	// extents are the batch size and the stage count.
	Head1Channels = 24
	Head2Channels = 24
	Conv1Channels = 48
	Conv2Channels = 48
	Conv3Channels = 96
	Conv4Channels = 120
	Conv5Channels = 168
	ConvSupport   = 3

	// MinPaddedStages is the canonical minimum extent of the stage
	// axis. Shorter pipelines are zero-padded up to it so every layer
	// sees a uniform shape.
	MinPaddedStages = 22
)

// PaddedStages is the extent of the padded stage axis for a pipeline
// with numStages stages.
func PaddedStages(numStages int) int {
	return max(numStages, MinPaddedStages)
}

// FirstValid is the offset at which real stage data starts on the
// padded axis. Every layer uses the same offset, so stage alignment is
// preserved end to end.
func FirstValid(numStages int) int {
	return max(0, (PaddedStages(numStages)-numStages)/2)
}

// Pool3Extent is the stage extent after the first halving step.
func Pool3Extent(paddedStages int) int {
	return paddedStages/2 + 1
}

// Pool4Extent is the stage extent after the second halving step.
func Pool4Extent(paddedStages int) int {
	return (paddedStages + 6) / 4
}
