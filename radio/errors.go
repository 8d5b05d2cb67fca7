package radio

import (
	"errors"
	"fmt"
)

// TransmitCode mirrors the failure codes platform advertisers report
type TransmitCode int

const (
	CodeTooLarge       TransmitCode = 1
	CodeTooMany        TransmitCode = 2
	CodeAlreadyStarted TransmitCode = 3
	CodeInternal       TransmitCode = 4
	CodeUnsupported    TransmitCode = 5
	CodeOther          TransmitCode = 99
)

var codeNames = map[TransmitCode]string{
	CodeTooLarge:       "data too large",
	CodeTooMany:        "too many advertisers",
	CodeAlreadyStarted: "already started",
	CodeInternal:       "internal error",
	CodeUnsupported:    "feature unsupported",
	CodeOther:          "other",
}

func (c TransmitCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code %d", int(c))
}

// TransmitError is returned by Broadcaster.Transmit
type TransmitError struct {
	Code TransmitCode
	Err  error // optional driver detail
}

func (e *TransmitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("radio: transmit failed: %s: %v", e.Code, e.Err)
	}
	return fmt.Sprintf("radio: transmit failed: %s", e.Code)
}

func (e *TransmitError) Unwrap() error { return e.Err }

// NewTransmitError creates a transmit error with the given code
func NewTransmitError(code TransmitCode) *TransmitError {
	return &TransmitError{Code: code}
}

// IsTransmitCode checks if err is a transmit error with a specific code
func IsTransmitCode(err error, code TransmitCode) bool {
	var te *TransmitError
	if errors.As(err, &te) {
		return te.Code == code
	}
	return false
}

var (
	ErrRadioOff         = errors.New("radio: radio disabled")
	ErrUnknownPeer      = errors.New("radio: unknown peer")
	ErrNotConnected     = errors.New("radio: not connected")
	ErrUnknownService   = errors.New("radio: characteristic not found")
	ErrNotNotifiable    = errors.New("radio: characteristic does not support notifications")
	ErrConnectFailed    = errors.New("radio: connection failed")
	ErrConnectionDrop   = errors.New("radio: connection dropped")
	ErrAlreadyConnected = errors.New("radio: already connected")
)

// Outcome is how the transport reacts to a transmit result
type Outcome int

const (
	// OutcomeOK means the broadcast started
	OutcomeOK Outcome = iota
	// OutcomeBusy means the slot was already broadcasting; treated as success
	OutcomeBusy
	// OutcomeTooLarge means the frame must shrink
	OutcomeTooLarge
	// OutcomeTransient covers every other error; retried with backoff
	OutcomeTransient
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeBusy:
		return "busy"
	case OutcomeTooLarge:
		return "too_large"
	case OutcomeTransient:
		return "transient"
	default:
		return "unknown"
	}
}

// Classify maps a transmit result onto one of the transport's policies
func Classify(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	var te *TransmitError
	if errors.As(err, &te) {
		switch te.Code {
		case CodeAlreadyStarted:
			return OutcomeBusy
		case CodeTooLarge:
			return OutcomeTooLarge
		}
	}
	return OutcomeTransient
}
