package costmodel

// Slot offsets on the trailing axis of an Updated tensor.
const (
	SlotWeight       = 0 // the weight after the optimizer step
	SlotFirstMoment  = 1 // smoothed gradient
	SlotSecondMoment = 2 // smoothed squared gradient
	SlotGradient     = 3 // raw loss gradient
)

// Updated is the training output of one weight tensor: four trailing
// slots per weight element, in the weight's own flat element order.
// Callers that run their own aggregating optimizer read SlotGradient
// and ignore the rest; callers training locally adopt SlotWeight.
type Updated struct {
	Elems int
	Data  []float32 // len = 4*Elems
}

func NewUpdated(elems int) Updated {
	return Updated{
		Elems: elems,
		Data:  make([]float32, 4*elems),
	}
}

func (u Updated) At(i, slot int) int {
	return i*4 + slot
}

// UpdatedWeights carries the Updated tensor of every weight. It doubles
// as the optimizer state: the moment slots written by one training step
// are the prior moments of the next.
type UpdatedWeights struct {
	Head1Filter Updated
	Head1Bias   Updated
	Head2Filter Updated
	Head2Bias   Updated
	Filter1     Updated
	Bias1       Updated
	Filter2     Updated
	Bias2       Updated
	Filter3     Updated
	Bias3       Updated
	Filter4     Updated
	Bias4       Updated
	Filter5     Updated
	Bias5       Updated
	Filter6     Updated
	Bias6       Updated
}

func (w *Weights) NewUpdatedZerosLike() UpdatedWeights {
	return UpdatedWeights{
		Head1Filter: NewUpdated(w.Head1Filter.N()),
		Head1Bias:   NewUpdated(w.Head1Bias.N),
		Head2Filter: NewUpdated(w.Head2Filter.Rows * w.Head2Filter.Cols),
		Head2Bias:   NewUpdated(w.Head2Bias.N),
		Filter1:     NewUpdated(w.Filter1.N()),
		Bias1:       NewUpdated(w.Bias1.N),
		Filter2:     NewUpdated(w.Filter2.N()),
		Bias2:       NewUpdated(w.Bias2.N),
		Filter3:     NewUpdated(w.Filter3.N()),
		Bias3:       NewUpdated(w.Bias3.N),
		Filter4:     NewUpdated(w.Filter4.N()),
		Bias4:       NewUpdated(w.Bias4.N),
		Filter5:     NewUpdated(w.Filter5.N()),
		Bias5:       NewUpdated(w.Bias5.N),
		Filter6:     NewUpdated(w.Filter6.N),
		Bias6:       NewUpdated(1),
	}
}

// TrainableWeights couples the weights with their co-located optimizer
// state. Train does not modify Weights; it writes the stepped weights
// into Extended, and the caller chooses whether to Apply them.
type TrainableWeights struct {
	Weights  Weights
	Extended UpdatedWeights
}

func NewTrainableWeights(w Weights) TrainableWeights {
	return TrainableWeights{
		Weights:  w,
		Extended: w.NewUpdatedZerosLike(),
	}
}

func applySlot(dst []float32, u Updated) {
	for i := range dst {
		dst[i] = u.Data[u.At(i, SlotWeight)]
	}
}

// Apply adopts the stepped weights from the last training step.
func (tw *TrainableWeights) Apply() {
	applySlot(tw.Weights.Head1Filter.Data, tw.Extended.Head1Filter)
	applySlot(tw.Weights.Head1Bias.Data, tw.Extended.Head1Bias)
	applySlot(tw.Weights.Head2Filter.Data, tw.Extended.Head2Filter)
	applySlot(tw.Weights.Head2Bias.Data, tw.Extended.Head2Bias)
	applySlot(tw.Weights.Filter1.Data, tw.Extended.Filter1)
	applySlot(tw.Weights.Bias1.Data, tw.Extended.Bias1)
	applySlot(tw.Weights.Filter2.Data, tw.Extended.Filter2)
	applySlot(tw.Weights.Bias2.Data, tw.Extended.Bias2)
	applySlot(tw.Weights.Filter3.Data, tw.Extended.Filter3)
	applySlot(tw.Weights.Bias3.Data, tw.Extended.Bias3)
	applySlot(tw.Weights.Filter4.Data, tw.Extended.Filter4)
	applySlot(tw.Weights.Bias4.Data, tw.Extended.Bias4)
	applySlot(tw.Weights.Filter5.Data, tw.Extended.Filter5)
	applySlot(tw.Weights.Bias5.Data, tw.Extended.Bias5)
	applySlot(tw.Weights.Filter6.Data, tw.Extended.Filter6)
	tw.Weights.Bias6 = tw.Extended.Bias6.Data[SlotWeight]
}
