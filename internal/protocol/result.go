package protocol

// ResultKind tags the variants produced by a lazy envelope sequence.
type ResultKind uint8

const (
	ResultOK ResultKind = iota
	ResultDone
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultDone:
		return "done"
	case ResultFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Result is one step of a stream: an item, normal completion, or failure.
// Done and Failed are terminal and map onto exactly one terminal envelope.
type Result struct {
	Kind    ResultKind
	Item    Envelope
	Message string
}

func OK(item Envelope) Result { return Result{Kind: ResultOK, Item: item} }

func Done() Result { return Result{Kind: ResultDone} }

func Failed(message string) Result {
	return Result{Kind: ResultFailed, Message: normalizeMessage(message)}
}

func (r Result) Terminal() bool {
	return r.Kind != ResultOK
}

// Envelope returns the wire envelope for r.
func (r Result) Envelope() Envelope {
	switch r.Kind {
	case ResultDone:
		return EndEnvelope()
	case ResultFailed:
		return FailedEnvelope(r.Message)
	default:
		return r.Item
	}
}
