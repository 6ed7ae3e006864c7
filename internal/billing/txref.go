package billing

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// A tx_ref is the merchant reference handed to the payment gateway at
// initiation and echoed back in the webhook. Format:
//
//	HLTH-<appointmentUUID>-<unixMilli>
//
// The appointment id is the part the reconciliation path depends on; the
// millisecond suffix keeps retried initiations for the same appointment
// distinct on the gateway side.
const txRefPrefix = "HLTH-"

var ErrMalformedTxRef = errors.New("malformed transaction reference")

func FormatTxRef(appointmentID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("%s%s-%d", txRefPrefix, appointmentID.String(), at.UnixMilli())
}

// ParseTxRef recovers the appointment id and issue time from a tx_ref.
func ParseTxRef(ref string) (uuid.UUID, time.Time, error) {
	rest, ok := strings.CutPrefix(ref, txRefPrefix)
	if !ok {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: missing %q prefix", ErrMalformedTxRef, txRefPrefix)
	}

	// The UUID itself contains dashes, so split on the last one only.
	idx := strings.LastIndex(rest, "-")
	if idx <= 0 || idx == len(rest)-1 {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: missing timestamp suffix", ErrMalformedTxRef)
	}

	id, err := uuid.Parse(rest[:idx])
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: bad appointment id: %v", ErrMalformedTxRef, err)
	}

	ms, err := strconv.ParseInt(rest[idx+1:], 10, 64)
	if err != nil {
		return uuid.Nil, time.Time{}, fmt.Errorf("%w: bad timestamp: %v", ErrMalformedTxRef, err)
	}

	return id, time.UnixMilli(ms), nil
}
