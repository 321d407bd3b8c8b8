// Package notify delivers payment receipts to patients. Delivery itself is
// owned by a downstream consumer; this package only hands the receipt off.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/hackgods/channeling-scheduler/internal/logger"
)

// Receipt is the confirmation payload sent once per confirmed payment.
type Receipt struct {
	AppointmentID   string `json:"appointment_id"`
	ReferenceNumber string `json:"reference_number"`
	PatientContact  string `json:"patient_contact"`
	Amount          int64  `json:"amount"`
	Date            string `json:"date"`
	Time            string `json:"time"`
	SessionNumber   int    `json:"session_number"`
	DoctorName      string `json:"doctor_name,omitempty"`
}

type Notifier interface {
	SendReceipt(ctx context.Context, r Receipt) error
}

// LogNotifier only logs receipts. Used when no broker is configured.
type LogNotifier struct {
	log *zap.Logger
}

func NewLogNotifier(log *zap.Logger) *LogNotifier {
	return &LogNotifier{log: logger.OrNop(log)}
}

func (n *LogNotifier) SendReceipt(_ context.Context, r Receipt) error {
	n.log.Info("receipt notification",
		zap.String("appointment_id", r.AppointmentID),
		zap.String("reference_number", r.ReferenceNumber),
		zap.String("patient_contact", r.PatientContact),
		zap.Int64("amount", r.Amount),
		zap.String("date", r.Date),
		zap.String("time", r.Time),
	)
	return nil
}
