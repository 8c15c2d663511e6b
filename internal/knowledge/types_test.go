package knowledge

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVerificationStatusValid(t *testing.T) {
	assert.True(t, Draft.Valid())
	assert.True(t, Unverified.Valid())
	assert.True(t, VerifiedHuman.Valid())
	assert.False(t, VerificationStatus("").Valid())
	assert.False(t, VerificationStatus("approved").Valid())
}

func TestVerifiedOnlyForHumanStatus(t *testing.T) {
	assert.False(t, (&Entry{VerificationStatus: Draft}).Verified())
	assert.False(t, (&Entry{VerificationStatus: Unverified}).Verified())
	assert.True(t, (&Entry{VerificationStatus: VerifiedHuman}).Verified())
}
