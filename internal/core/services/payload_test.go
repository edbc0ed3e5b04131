package services

import (
	"encoding/json"
	"testing"

	"camrelay/internal/core/domain"

	"github.com/stretchr/testify/assert"
)

const testSDP = "v=0\r\no=- 4215775240449105457 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

func sessionDescription(t *testing.T, typ string) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(map[string]string{"type": typ, "sdp": testSDP})
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestValidateSignalingPayload_SessionDescriptions(t *testing.T) {
	assert.NoError(t, ValidateSignalingPayload(domain.MessageOffer, sessionDescription(t, "offer")))
	assert.NoError(t, ValidateSignalingPayload(domain.MessageAnswer, sessionDescription(t, "answer")))

	err := ValidateSignalingPayload(domain.MessageOffer, sessionDescription(t, "answer"))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	err = ValidateSignalingPayload(domain.MessageOffer, json.RawMessage(`{"type":"offer","sdp":""}`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	err = ValidateSignalingPayload(domain.MessageAnswer, json.RawMessage(`{"type":"answer","sdp":"not sdp"}`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	err = ValidateSignalingPayload(domain.MessageOffer, json.RawMessage(`"offer"`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestValidateSignalingPayload_BareSDPString(t *testing.T) {
	bare, err := json.Marshal(testSDP)
	if err != nil {
		t.Fatal(err)
	}
	assert.NoError(t, ValidateSignalingPayload(domain.MessageOffer, bare))
	assert.NoError(t, ValidateSignalingPayload(domain.MessageAnswer, bare))

	err = ValidateSignalingPayload(domain.MessageAnswer, json.RawMessage(`"   "`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)

	err = ValidateSignalingPayload(domain.MessageOffer, json.RawMessage(`42`))
	assert.ErrorIs(t, err, domain.ErrInvalidPayload)
}

func TestValidateSignalingPayload_Candidates(t *testing.T) {
	ok := json.RawMessage(`{"candidate":"candidate:1 1 udp 2130706431 192.168.1.2 54321 typ host","sdpMid":"0","sdpMLineIndex":0}`)
	assert.NoError(t, ValidateSignalingPayload(domain.MessageICECandidate, ok))

	endOfCandidates := json.RawMessage(`{"candidate":""}`)
	assert.NoError(t, ValidateSignalingPayload(domain.MessageICECandidate, endOfCandidates))

	bad := json.RawMessage(`{"candidate":"candidate:garbage"}`)
	assert.ErrorIs(t, ValidateSignalingPayload(domain.MessageICECandidate, bad), domain.ErrInvalidPayload)
}

func TestValidateSignalingPayload_OtherTypesPassThrough(t *testing.T) {
	assert.NoError(t, ValidateSignalingPayload(domain.MessageConnectionFailed, json.RawMessage(`{"reason":"ice timeout"}`)))
	assert.NoError(t, ValidateSignalingPayload(domain.MessageConnectionEstablished, nil))
}
