package frames

// Meta keys shared across the frame chain.
const (
	MetaStreamID    = "stream_id"
	MetaTraceID     = "trace_id"
	MetaSource      = "source"
	MetaReason      = "reason"
	MetaIsFinal     = "is_final"
	MetaGeneration  = "generation"
	MetaQuestionKey = "question_key"
	MetaExpected    = "expected"
	MetaErrorCode   = "error_code"
	MetaText        = "text"
)
