package appointment

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// newReferenceNumber returns the patient-facing number, e.g. CH261020-1A2B3C4D.
func newReferenceNumber(date time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "CH" + date.Format("060102") + "-" + strings.ToUpper(random[:8])
}
