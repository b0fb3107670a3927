package dispatch

// outcomeKind tags the result of attempting one role.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	// outcomeNext moves on to the next role in the sequence.
	outcomeNext
	// outcomeAbort ends the sequence with err.
	outcomeAbort
)

type outcome struct {
	kind    outcomeKind
	result  *Result
	message string
	err     error
}

func success(r *Result) outcome {
	return outcome{kind: outcomeSuccess, result: r}
}

func next(message string) outcome {
	return outcome{kind: outcomeNext, message: message}
}

func abort(err error) outcome {
	return outcome{kind: outcomeAbort, err: err, message: err.Error()}
}
