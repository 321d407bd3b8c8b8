package appointment

import "errors"

var (
	ErrValidation          = errors.New("validation failed")
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrInvalidDate         = errors.New("date is not open for channeling")
	ErrSlotUnavailable     = errors.New("no slot available in the requested session")
	ErrConflict            = errors.New("resource is being modified concurrently, please retry")
	ErrState               = errors.New("illegal appointment state transition")
	ErrAlreadyFinalized    = errors.New("payment already finalized")
	ErrPaymentUnavailable  = errors.New("payment gateway unavailable")
	ErrDuplicateReference  = errors.New("reference number already in use")
	ErrPaymentAlreadyUsed  = errors.New("payment id already applied to another appointment")
)
