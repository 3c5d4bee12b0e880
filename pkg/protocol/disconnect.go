package protocol

// DisconnectType 会话结束的原因
type DisconnectType int

const (
	CompletedNormally DisconnectType = iota
	Faulted
	TimedOut
)

func (t DisconnectType) String() string {
	switch t {
	case CompletedNormally:
		return "completed_normally"
	case Faulted:
		return "faulted"
	case TimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

// DisconnectReason 会话结束原因及导致故障的错误（正常结束时为 nil）
type DisconnectReason struct {
	Type DisconnectType
	Err  error
}

func (r DisconnectReason) String() string {
	if r.Err != nil {
		return r.Type.String() + ": " + r.Err.Error()
	}
	return r.Type.String()
}
