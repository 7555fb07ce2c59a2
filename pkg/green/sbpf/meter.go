package sbpf

// Default and maximum compute units per process.
const (
	DefaultComputeLimit = uint64(1_400_000)
	MaxComputeLimit     = uint64(1 << 40)
)

// Instruction costs.
const (
	CostALU   = uint64(1)
	CostMul   = uint64(4)
	CostDiv   = uint64(12)
	CostLoad  = uint64(2)
	CostStore = uint64(2)
	CostLddw  = uint64(2)
	CostJump  = uint64(1)
	CostCall  = uint64(5)
	CostExit  = uint64(1)
)

// instructionCost returns the compute cost of op.
func instructionCost(op uint8) uint64 {
	switch op & 0x07 {
	case ClassAlu, ClassAlu64:
		switch op & 0xF0 {
		case AluMul:
			return CostMul
		case AluDiv, AluMod:
			return CostDiv
		}
		return CostALU
	case ClassLd:
		return CostLddw
	case ClassLdx:
		return CostLoad
	case ClassSt, ClassStx:
		return CostStore
	case ClassJmp, ClassJmp32:
		switch op & 0xF0 {
		case JmpCall:
			return CostCall
		case JmpExit:
			return CostExit
		}
		return CostJump
	}
	return CostALU
}

// ComputeMeter tracks compute unit consumption of one process.
type ComputeMeter struct {
	remaining uint64
	limit     uint64
}

// NewComputeMeter creates a meter holding limit units.
func NewComputeMeter(limit uint64) *ComputeMeter {
	return &ComputeMeter{remaining: limit, limit: limit}
}

// Consume takes cost units, failing once the budget is gone.
func (cm *ComputeMeter) Consume(cost uint64) error {
	if cm.remaining < cost {
		cm.remaining = 0
		return ErrComputeExceeded
	}
	cm.remaining -= cost
	return nil
}

// Remaining returns the units left.
func (cm *ComputeMeter) Remaining() uint64 {
	return cm.remaining
}

// Used returns the units consumed so far.
func (cm *ComputeMeter) Used() uint64 {
	return cm.limit - cm.remaining
}
