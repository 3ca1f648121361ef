package domain

import (
	"errors"
	"fmt"
)

// Category sentinels — combine with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrDisabled      = fmt.Errorf("disabled")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the automation engine and board.
var (
	ErrInstructionNotFound = fmt.Errorf("instruction not found")
	ErrInstructionRunning  = fmt.Errorf("instruction already running")
	ErrCardNotFound        = fmt.Errorf("card not found")
	ErrChannelNotFound     = fmt.Errorf("channel not found")
	ErrColumnNotFound      = fmt.Errorf("column not found")
	ErrUnknownAction       = fmt.Errorf("unknown instruction action")
	ErrActionFailed        = fmt.Errorf("instruction action failed")
	ErrAborted             = fmt.Errorf("ai operation aborted")
	ErrConfigLoad          = fmt.Errorf("failed to load configuration")
	ErrRunLogWrite         = fmt.Errorf("run log write failed")
	ErrGeneratorOutput     = fmt.Errorf("generator returned invalid output")
	ErrCircuitOpen         = fmt.Errorf("generator circuit open")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Dispatcher.Execute")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "board", "generator")
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem so that
// ErrorCodeOf can resolve a category sentinel to a specific code.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// ErrorCode is a machine-parseable error category for logs and run records.
type ErrorCode string

const (
	CodeUnknown             ErrorCode = "UNKNOWN"
	CodeNotFound            ErrorCode = "NOT_FOUND"
	CodeDuplicate           ErrorCode = "DUPLICATE"
	CodeTimeout             ErrorCode = "TIMEOUT"
	CodeLimitReached        ErrorCode = "LIMIT_REACHED"
	CodeDisabled            ErrorCode = "DISABLED"
	CodeInvalidInput        ErrorCode = "INVALID_INPUT"
	CodeProviderError       ErrorCode = "PROVIDER_ERROR"
	CodeInstructionNotFound ErrorCode = "INSTRUCTION_NOT_FOUND"
	CodeInstructionRunning  ErrorCode = "INSTRUCTION_RUNNING"
	CodeCardNotFound        ErrorCode = "CARD_NOT_FOUND"
	CodeChannelNotFound     ErrorCode = "CHANNEL_NOT_FOUND"
	CodeColumnNotFound      ErrorCode = "COLUMN_NOT_FOUND"
	CodeUnknownAction       ErrorCode = "UNKNOWN_ACTION"
	CodeActionFailed        ErrorCode = "ACTION_FAILED"
	CodeAborted             ErrorCode = "ABORTED"
	CodeConfigLoad          ErrorCode = "CONFIG_LOAD"
	CodeRunLogWrite         ErrorCode = "RUN_LOG_WRITE"
	CodeGeneratorOutput     ErrorCode = "GENERATOR_OUTPUT"
	CodeCircuitOpen         ErrorCode = "CIRCUIT_OPEN"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeGeneratorTimeout ErrorCode = "GENERATOR_TIMEOUT"
	CodeBoardCardDup     ErrorCode = "BOARD_CARD_DUPLICATE"
	CodeHistoryLimit     ErrorCode = "HISTORY_LIMIT"
)

var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:      CodeNotFound,
	ErrDuplicate:     CodeDuplicate,
	ErrTimeout:       CodeTimeout,
	ErrLimitReached:  CodeLimitReached,
	ErrDisabled:      CodeDisabled,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	ErrInstructionNotFound: CodeInstructionNotFound,
	ErrInstructionRunning:  CodeInstructionRunning,
	ErrCardNotFound:        CodeCardNotFound,
	ErrChannelNotFound:     CodeChannelNotFound,
	ErrColumnNotFound:      CodeColumnNotFound,
	ErrUnknownAction:       CodeUnknownAction,
	ErrActionFailed:        CodeActionFailed,
	ErrAborted:             CodeAborted,
	ErrConfigLoad:          CodeConfigLoad,
	ErrRunLogWrite:         CodeRunLogWrite,
	ErrGeneratorOutput:     CodeGeneratorOutput,
	ErrCircuitOpen:         CodeCircuitOpen,
}

var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrTimeout: {
		"generator": CodeGeneratorTimeout,
	},
	ErrDuplicate: {
		"board": CodeBoardCardDup,
	},
	ErrLimitReached: {
		"history": CodeHistoryLimit,
	},
}

// ErrorCodeOf returns the machine-parseable code for err. DomainErrors with
// a SubSystem are looked up in subSystemCodeMap first. Unmatched errors map
// to CodeUnknown.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// The most specific sentinels are checked before the categories so a
	// wrapped ErrCircuitOpen never reports as a generic provider error.
	for sentinel, code := range errorCodeMap {
		if isCategory(sentinel) {
			continue
		}
		if errors.Is(err, sentinel) {
			return code
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}

func isCategory(err error) bool {
	switch err {
	case ErrNotFound, ErrDuplicate, ErrTimeout, ErrLimitReached, ErrDisabled, ErrInvalidInput, ErrProviderError:
		return true
	}
	return false
}
