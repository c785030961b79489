package fsoe

import "testing"

// TestResetReason_WireValues tests the reset code taxonomy against the
// values carried on the wire
func TestResetReason_WireValues(t *testing.T) {
	tests := []struct {
		reason ResetReason
		value  uint8
		text   string
	}{
		{ResetLocalReset, 0, "LocalReset"},
		{ResetInvalidCmd, 1, "InvalidCmd"},
		{ResetUnknownCmd, 2, "UnknownCmd"},
		{ResetInvalidConnID, 3, "InvalidConnID"},
		{ResetInvalidCRC, 4, "InvalidCRC"},
		{ResetWdExpired, 5, "WdExpired"},
		{ResetInvalidAddress, 6, "InvalidAddress"},
		{ResetInvalidData, 7, "InvalidData"},
		{ResetInvalidComParaLen, 8, "InvalidComParaLen"},
		{ResetInvalidComPara, 9, "InvalidComPara"},
		{ResetInvalidUserParaLen, 10, "InvalidUserParaLen"},
		{ResetInvalidUserPara, 11, "InvalidUserPara"},
	}

	for _, tt := range tests {
		if uint8(tt.reason) != tt.value {
			t.Errorf("%s = %d, want %d", tt.text, uint8(tt.reason), tt.value)
		}
		if tt.reason.String() != tt.text {
			t.Errorf("String() = %q, want %q", tt.reason.String(), tt.text)
		}
		if tt.reason.IsDeviceSpecific() {
			t.Errorf("%s wrongly classified as device specific", tt.text)
		}
	}

	if !ResetReason(0x80).IsDeviceSpecific() || !ResetReason(0xFF).IsDeviceSpecific() {
		t.Error("device specific range not recognised")
	}
	if ResetReason(0x80).String() != "DeviceSpecific" {
		t.Errorf("String(0x80) = %q", ResetReason(0x80).String())
	}
}

// TestStateAndEventStrings tests the display names
func TestStateAndEventStrings(t *testing.T) {
	states := map[State]string{
		StateReset:      "Reset",
		StateSession:    "Session",
		StateConnection: "Connection",
		StateParameter:  "Parameter",
		StateData:       "Data",
		State(99):       "Unknown",
	}
	for s, want := range states {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), s.String(), want)
		}
	}

	events := map[ResetEvent]string{
		ResetEventNone:     "None",
		ResetEventByMaster: "ByMaster",
		ResetEventBySlave:  "BySlave",
		ResetEvent(9):      "Unknown",
	}
	for e, want := range events {
		if e.String() != want {
			t.Errorf("ResetEvent(%d).String() = %q, want %q", int(e), e.String(), want)
		}
	}
}

// TestUserError_Descriptions tests the misuse taxonomy text
func TestUserError_Descriptions(t *testing.T) {
	known := []UserError{
		UserErrorNilInstance,
		UserErrorUninitializedInstance,
		UserErrorWrongInstanceState,
		UserErrorNilArgument,
		UserErrorBadConfiguration,
	}
	for _, e := range known {
		if e.Description() == "invalid error code" {
			t.Errorf("UserError(%d) has no description", int(e))
		}
		if e.Error() == "" {
			t.Errorf("UserError(%d) has empty Error()", int(e))
		}
	}
	if UserError(42).Description() != "invalid error code" {
		t.Error("unknown user error not reported as invalid")
	}
}

// TestGenerateSessionID_Varies tests that the default entropy source does
// not repeat itself trivially
func TestGenerateSessionID_Varies(t *testing.T) {
	seen := make(map[uint16]bool)
	for i := 0; i < 64; i++ {
		seen[GenerateSessionID()] = true
	}
	// 64 draws from a 16 bit space; a handful of collisions are fine but
	// a constant generator is not.
	if len(seen) < 32 {
		t.Errorf("session IDs poorly distributed: %d distinct of 64", len(seen))
	}
}
