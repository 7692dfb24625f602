package checkout

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/checkout-orchestrator/internal/apperr"
)

func newSession(t *testing.T, status Status) *Session {
	t.Helper()
	s, err := NewSession("s-1", request("K", line(1, 1, "1.00")), time.Now(), time.Minute)
	require.NoError(t, err)
	s.Status = status
	return s
}

func TestSessionTransitions(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name  string
		from  Status
		apply func(*Session) error
		want  Status
		code  apperr.Code
	}{
		{"begin from pending", StatusPending, func(s *Session) error { return s.BeginProcessing(now) }, StatusProcessing, ""},
		{"begin from processing", StatusProcessing, func(s *Session) error { return s.BeginProcessing(now) }, StatusProcessing, apperr.CodeCheckoutNotProcessable},
		{"begin from expired", StatusExpired, func(s *Session) error { return s.BeginProcessing(now) }, StatusExpired, apperr.CodeCheckoutNotProcessable},
		{"complete from processing", StatusProcessing, func(s *Session) error { return s.Complete(now) }, StatusCompleted, ""},
		{"complete is idempotent", StatusCompleted, func(s *Session) error { return s.Complete(now) }, StatusCompleted, ""},
		{"complete from pending", StatusPending, func(s *Session) error { return s.Complete(now) }, StatusPending, apperr.CodeCheckoutNotCompletable},
		{"complete from expired", StatusExpired, func(s *Session) error { return s.Complete(now) }, StatusExpired, apperr.CodeCheckoutNotCompletable},
		{"revert from processing", StatusProcessing, func(s *Session) error { return s.RevertToPending(now) }, StatusPending, ""},
		{"revert from completed", StatusCompleted, func(s *Session) error { return s.RevertToPending(now) }, StatusCompleted, apperr.CodeCheckoutNotProcessable},
		{"expire from pending", StatusPending, func(s *Session) error { return s.Expire(now) }, StatusExpired, ""},
		{"expire from processing", StatusProcessing, func(s *Session) error { return s.Expire(now) }, StatusExpired, ""},
		{"expire is idempotent", StatusExpired, func(s *Session) error { return s.Expire(now) }, StatusExpired, ""},
		{"expire from completed", StatusCompleted, func(s *Session) error { return s.Expire(now) }, StatusCompleted, apperr.CodeCheckoutAlreadyCompleted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newSession(t, tt.from)
			err := tt.apply(s)
			if tt.code == "" {
				assert.NoError(t, err)
			} else {
				assert.True(t, apperr.IsCode(err, tt.code), "got %v", err)
			}
			assert.Equal(t, tt.want, s.Status)
		})
	}
}

func TestShippingAddressValidationListsMissingFields(t *testing.T) {
	err := ShippingAddress{City: "Recife"}.Validate()

	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.CodeInvalidShippingAddress, e.Code)
	assert.Equal(t, []string{"country", "line1", "phone", "recipient_name", "zip_code"}, e.Context["missing_fields"])
}

func TestFingerprintChangesWithPayload(t *testing.T) {
	a, err := request("K", line(1, 1, "1.00")).Fingerprint()
	require.NoError(t, err)
	b, err := request("K-other", line(1, 1, "1.00")).Fingerprint()
	require.NoError(t, err)
	c, err := request("K", line(1, 2, "1.00")).Fingerprint()
	require.NoError(t, err)

	assert.Equal(t, a, b, "the key itself is not part of the fingerprint")
	assert.NotEqual(t, a, c)
}
