package services

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"camrelay/internal/core/domain"

	"github.com/pion/ice/v2"
	"github.com/pion/webrtc/v3"
)

// ValidateSignalingPayload checks that offer and answer payloads carry a
// parseable session description, either as a {type, sdp} object or as a
// bare SDP string, and that ICE candidates parse. Other message
// types are forwarded without inspection.
func ValidateSignalingPayload(t domain.MessageType, data json.RawMessage) error {
	switch t {
	case domain.MessageOffer, domain.MessageAnswer:
		return validateSessionDescription(t, data)
	case domain.MessageICECandidate:
		return validateCandidate(data)
	}
	return nil
}

func validateSessionDescription(t domain.MessageType, data json.RawMessage) error {
	var sd webrtc.SessionDescription
	target := interface{}(&sd)
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '"' {
		target = &sd.SDP
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %s is not a session description: %v", domain.ErrInvalidPayload, t, err)
	}
	if strings.TrimSpace(sd.SDP) == "" {
		return fmt.Errorf("%w: %s without sdp", domain.ErrInvalidPayload, t)
	}

	switch {
	case t == domain.MessageOffer && sd.Type != 0 && sd.Type != webrtc.SDPTypeOffer,
		t == domain.MessageAnswer && sd.Type != 0 && sd.Type != webrtc.SDPTypeAnswer && sd.Type != webrtc.SDPTypePranswer:
		return fmt.Errorf("%w: %s carries sdp type %s", domain.ErrInvalidPayload, t, sd.Type)
	}

	if _, err := sd.Unmarshal(); err != nil {
		return fmt.Errorf("%w: malformed sdp: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}

func validateCandidate(data json.RawMessage) error {
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &init); err != nil {
		return fmt.Errorf("%w: ice-candidate is not a candidate: %v", domain.ErrInvalidPayload, err)
	}
	// an empty candidate marks the end of gathering
	if init.Candidate == "" {
		return nil
	}
	if _, err := ice.UnmarshalCandidate(strings.TrimPrefix(init.Candidate, "candidate:")); err != nil {
		return fmt.Errorf("%w: malformed candidate: %v", domain.ErrInvalidPayload, err)
	}
	return nil
}
