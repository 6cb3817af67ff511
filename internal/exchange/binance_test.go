package exchange

import (
	"errors"
	"testing"

	"github.com/adshao/go-binance/v2/common"
	"github.com/stretchr/testify/assert"
)

func TestMapAPIError(t *testing.T) {
	tests := []struct {
		name string
		code int64
		msg  string
		want error
	}{
		{"too many requests", -1003, "Too many requests.", ErrRateLimited},
		{"too many orders", -1015, "Too many new orders.", ErrRateLimited},
		{"unknown order", -2013, "Order does not exist.", ErrOrderNotFound},
		{"cancel rejected", -2011, "Unknown order sent.", ErrAlreadyFilled},
		{"insufficient funds", -2010, "Account has insufficient balance for requested action.", ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := mapAPIError("place", &common.APIError{Code: tt.code, Message: tt.msg})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestMapAPIErrorRejections(t *testing.T) {
	var rej *RejectedError

	// NEW_ORDER_REJECTED for any other reason is definitive.
	err := mapAPIError("place", &common.APIError{Code: -2010, Message: "Stop price would trigger immediately."})
	assert.ErrorAs(t, err, &rej)

	// Request validation family: bad params never heal on retry.
	err = mapAPIError("place", &common.APIError{Code: -1111, Message: "Precision is over the maximum defined for this asset."})
	assert.ErrorAs(t, err, &rej)
}

func TestMapAPIErrorTransient(t *testing.T) {
	var tr *TransientError

	// Clock skew heals with a retry.
	err := mapAPIError("status", &common.APIError{Code: -1021, Message: "Timestamp outside recvWindow."})
	assert.ErrorAs(t, err, &tr)

	// Unstructured errors are network faults of unknown outcome.
	err = mapAPIError("place", errors.New("connection reset by peer"))
	assert.ErrorAs(t, err, &tr)
	assert.True(t, IsTransient(err))
}

func TestFormatFloatNoExponent(t *testing.T) {
	assert.Equal(t, "0.00001234", formatFloat(0.00001234))
	assert.Equal(t, "1250", formatFloat(1250))
	assert.InDelta(t, 0.1, parseFloat("0.1"), 1e-12)
}
